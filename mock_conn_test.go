package bridge

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
)

// mockConn scripts one message-mode request cycle. SendMessage payloads are
// collected, ReadStatus answers OKAY unless an error is scripted for the
// request, ReadMessage pops scripted responses and Read streams body to EOF.
type mockConn struct {
	statusErr map[string]error
	messages  []string
	body      *strings.Reader

	mtx    sync.Mutex
	sent   []string
	closed bool
}

func newMockConn(body string, messages ...string) *mockConn {
	return &mockConn{
		statusErr: map[string]error{},
		messages:  messages,
		body:      strings.NewReader(body),
	}
}

func (mc *mockConn) SendMessage(b []byte) error {
	mc.mtx.Lock()
	defer mc.mtx.Unlock()
	mc.sent = append(mc.sent, string(b))
	return nil
}

func (mc *mockConn) ReadStatus(req string) (string, error) {
	if err, ok := mc.statusErr[req]; ok {
		return "FAIL", err
	}
	return "OKAY", nil
}

func (mc *mockConn) ReadMessage() ([]byte, error) {
	mc.mtx.Lock()
	defer mc.mtx.Unlock()
	if len(mc.messages) == 0 {
		return nil, errors.New("no more scripted messages")
	}
	m := mc.messages[0]
	mc.messages = mc.messages[1:]
	return []byte(m), nil
}

func (mc *mockConn) Read(b []byte) (int, error) {
	return mc.body.Read(b)
}

func (mc *mockConn) Close() error {
	mc.mtx.Lock()
	defer mc.mtx.Unlock()
	if mc.closed {
		return errors.New("conn double close")
	}
	mc.closed = true
	return nil
}

func (mc *mockConn) requests() []string {
	mc.mtx.Lock()
	defer mc.mtx.Unlock()
	return append([]string(nil), mc.sent...)
}

// swapDial replaces the package dial function for the duration of the test,
// handing out the given conns in order.
func swapDial(t *testing.T, conns ...*mockConn) {
	t.Helper()
	orig := dialConn
	var i int
	var mtx sync.Mutex
	dialConn = func(address string, _ time.Duration) (Conn, error) {
		mtx.Lock()
		defer mtx.Unlock()
		if i >= len(conns) {
			t.Errorf("unexpected dial #%d to %s", i+1, address)
			return nil, errors.New("no more scripted conns")
		}
		c := conns[i]
		i++
		return c, nil
	}
	t.Cleanup(func() { dialConn = orig })
}
