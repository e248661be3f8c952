package unitcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Unit is the routing decision for one dialable unit.
type Unit struct {
	HouseNumber string `json:"houseNumber"`
	HasAI       bool   `json:"hasAI"`
	FamilyID    string `json:"familyId,omitempty"`
	LastSync    string `json:"lastSync,omitempty"`
}

// Fetcher lists the units that have the AI concierge enabled.
type Fetcher interface {
	FetchUnits(ctx context.Context) ([]Unit, error)
}

// Cache answers "should this unit go to the AI" from memory. The backing
// file lets the hub keep routing while the backend is unreachable.
type Cache struct {
	path    string
	fetcher Fetcher
	log     *logrus.Entry
	now     func() time.Time

	mu       sync.RWMutex
	units    map[string]Unit
	lastSync time.Time

	// OnChange, when set, receives the unit count after every replace.
	OnChange func(n int)
}

// New creates an empty Cache persisted at path.
func New(path string, fetcher Fetcher, log *logrus.Entry) *Cache {
	return &Cache{
		path:    path,
		fetcher: fetcher,
		log:     log,
		now:     time.Now,
		units:   make(map[string]Unit),
	}
}

// Initialize loads the file and tries one refresh. A failed refresh is not
// fatal as long as the process can still answer from the file.
func (c *Cache) Initialize(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("cache dir: %w", err)
	}
	if err := c.Load(); err != nil {
		c.log.Warnf("cache file unreadable, starting empty: %v", err)
	}
	if err := c.Refresh(ctx); err != nil {
		c.log.Warnf("initial unit sync failed, using %d cached units: %v", c.Len(), err)
	}
	return nil
}

// Load replaces memory with the file content. A missing file is not an error.
func (c *Cache) Load() error {
	data, err := os.ReadFile(c.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var units []Unit
	if err := json.Unmarshal(data, &units); err != nil {
		return fmt.Errorf("decode %s: %w", c.path, err)
	}
	c.Set(units)
	c.log.Infof("loaded %d units from %s", len(units), c.path)
	return nil
}

// Refresh pulls the unit list from the backend and persists it.
func (c *Cache) Refresh(ctx context.Context) error {
	if c.fetcher == nil {
		return errors.New("no unit fetcher configured")
	}
	units, err := c.fetcher.FetchUnits(ctx)
	if err != nil {
		return fmt.Errorf("fetch units: %w", err)
	}
	stamp := c.now().UTC().Format(time.RFC3339)
	for i := range units {
		units[i].LastSync = stamp
	}
	c.Set(units)

	c.mu.Lock()
	c.lastSync = c.now()
	c.mu.Unlock()

	if err := c.save(); err != nil {
		return fmt.Errorf("persist units: %w", err)
	}
	c.log.Infof("synced %d units", len(units))
	return nil
}

// RefreshLoop refreshes every interval until ctx is cancelled.
func (c *Cache) RefreshLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				c.log.Warnf("unit sync failed: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Set replaces cache content with units.
func (c *Cache) Set(units []Unit) {
	c.mu.Lock()
	c.units = make(map[string]Unit, len(units))
	for _, u := range units {
		c.addLocked(u)
	}
	n := len(c.units)
	c.mu.Unlock()
	if c.OnChange != nil {
		c.OnChange(n)
	}
}

// addLocked stores a unit; caller must hold the write lock.
func (c *Cache) addLocked(u Unit) {
	key := normalize(u.HouseNumber)
	if key == "" {
		return
	}
	u.HouseNumber = key
	c.units[key] = u
}

// Lookup returns the entry for a dialed unit.
func (c *Cache) Lookup(unit string) (Unit, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	u, ok := c.units[normalize(unit)]
	return u, ok
}

// ShouldUseAI reports whether unit is answered by the AI concierge.
// Unknown units go to the legacy exchange.
func (c *Cache) ShouldUseAI(unit string) bool {
	u, ok := c.Lookup(unit)
	return ok && u.HasAI
}

// Units returns a snapshot sorted by house number.
func (c *Cache) Units() []Unit {
	c.mu.RLock()
	out := make([]Unit, 0, len(c.units))
	for _, u := range c.units {
		out = append(out, u)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].HouseNumber < out[j].HouseNumber })
	return out
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.units)
}

// LastSync is the time of the last successful refresh.
func (c *Cache) LastSync() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSync
}

func (c *Cache) save() error {
	data, err := json.MarshalIndent(c.Units(), "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(c.path), ".units-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), c.path)
}

func normalize(unit string) string {
	return strings.ToUpper(strings.TrimSpace(unit))
}
