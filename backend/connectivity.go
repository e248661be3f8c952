package backend

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Connectivity probes DNS and the backend health endpoint. Results are
// cached for the check interval so callers can ask as often as they like.
type Connectivity struct {
	healthURL string
	probeHost string
	interval  time.Duration
	timeout   time.Duration
	log       *logrus.Entry
	http      *http.Client
	lookup    func(ctx context.Context, host string) ([]string, error)

	mu      sync.Mutex
	checked time.Time
	online  bool
}

func NewConnectivity(backendURL string, interval time.Duration, log *logrus.Entry) *Connectivity {
	return &Connectivity{
		healthURL: backendURL + "/health",
		probeHost: "google.com",
		interval:  interval,
		timeout:   2 * time.Second,
		log:       log,
		http:      &http.Client{},
		lookup:    net.DefaultResolver.LookupHost,
	}
}

// Online returns the cached result, probing again when it is stale.
func (c *Connectivity) Online(ctx context.Context) bool {
	c.mu.Lock()
	if !c.checked.IsZero() && time.Since(c.checked) < c.interval {
		online := c.online
		c.mu.Unlock()
		return online
	}
	c.mu.Unlock()
	return c.Check(ctx)
}

// Check probes now and logs transitions.
func (c *Connectivity) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	online := true
	if _, err := c.lookup(ctx, c.probeHost); err != nil {
		c.log.Debugf("dns probe: %v", err)
		online = false
	} else if err := c.head(ctx); err != nil {
		c.log.Debugf("health probe: %v", err)
		online = false
	}

	c.mu.Lock()
	prev, first := c.online, c.checked.IsZero()
	c.online = online
	c.checked = time.Now()
	c.mu.Unlock()

	switch {
	case first && !online:
		c.log.Warn("backend unreachable, running offline")
	case !first && prev && !online:
		c.log.Warn("connectivity lost")
	case !first && !prev && online:
		c.log.Info("connectivity restored")
	}
	return online
}

func (c *Connectivity) head(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.healthURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return &statusError{code: resp.StatusCode}
	}
	return nil
}

// Monitor re-checks every interval until ctx ends.
func (c *Connectivity) Monitor(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Check(ctx)
		case <-ctx.Done():
			return
		}
	}
}

type statusError struct{ code int }

func (e *statusError) Error() string { return http.StatusText(e.code) }
