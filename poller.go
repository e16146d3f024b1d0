package bridge

import "time"

// poller drives a machine's periodic liveness and presence checks. It only
// ever injects best-effort poll ticks; the WiFi-enable sequence is strictly
// command-triggered and never started from here.
type poller struct {
	interval time.Duration
	tick     func()
	stop     chan struct{}
	done     chan struct{}
}

func newPoller(interval time.Duration, tick func()) *poller {
	return &poller{
		interval: interval,
		tick:     tick,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (p *poller) run() {
	defer close(p.done)
	t := time.NewTicker(p.interval)
	defer t.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-t.C:
			p.tick()
		}
	}
}

// halt stops the poller and waits for it, so no tick fires after teardown.
func (p *poller) halt() {
	close(p.stop)
	<-p.done
}
