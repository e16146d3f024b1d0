package bridge

import (
	"os"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// addressCache persists each device's last-known wireless endpoint so a
// restart can skip the USB leg. Entries are hints only; every connect
// re-verifies the device before trusting them.
type addressCache struct {
	path string

	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	Serial string `yaml:"serial"`
	WifiIP string `yaml:"wifi_ip"`
	Port   int    `yaml:"port"`
}

type cacheFile struct {
	Devices []cacheEntry `yaml:"devices"`
}

// loadAddressCache reads the cache at path. A missing file is an empty
// cache, not an error.
func loadAddressCache(path string) (*addressCache, error) {
	c := &addressCache{path: path, entries: map[string]cacheEntry{}}

	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return c, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading address cache %s", path)
	}

	var f cacheFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, errors.Wrapf(err, "parsing address cache %s", path)
	}
	for _, e := range f.Devices {
		if e.Serial == "" || e.WifiIP == "" {
			continue
		}
		if e.Port == 0 {
			e.Port = DefaultWirelessPort
		}
		c.entries[e.Serial] = e
	}
	return c, nil
}

func (c *addressCache) get(serial string) (cacheEntry, bool) {
	if c == nil {
		return cacheEntry{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[serial]
	return e, ok
}

// put records the endpoint and rewrites the file.
func (c *addressCache) put(serial, wifiIP string, port int) error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[serial] = cacheEntry{Serial: serial, WifiIP: wifiIP, Port: port}
	return c.writeLocked()
}

// forget drops a device's entry, e.g. when it is unconfigured.
func (c *addressCache) forget(serial string) error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[serial]; !ok {
		return nil
	}
	delete(c.entries, serial)
	return c.writeLocked()
}

func (c *addressCache) writeLocked() error {
	f := cacheFile{Devices: make([]cacheEntry, 0, len(c.entries))}
	for _, e := range c.entries {
		f.Devices = append(f.Devices, e)
	}
	sort.Slice(f.Devices, func(i, j int) bool {
		return f.Devices[i].Serial < f.Devices[j].Serial
	})

	b, err := yaml.Marshal(&f)
	if err != nil {
		return errors.Wrap(err, "encoding address cache")
	}
	return errors.Wrapf(os.WriteFile(c.path, b, 0o600), "writing address cache %s", c.path)
}
