package coordinator

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/andig/aquanta/aquanta"
	"github.com/evcc-io/evcc/util"
	"github.com/prometheus/client_golang/prometheus"
)

// Fetcher retrieves the authoritative device state
type Fetcher interface {
	Snapshot(ctx context.Context) (aquanta.Snapshot, error)
}

// FetcherFunc adapts a function to Fetcher
type FetcherFunc func(ctx context.Context) (aquanta.Snapshot, error)

func (f FetcherFunc) Snapshot(ctx context.Context) (aquanta.Snapshot, error) {
	return f(ctx)
}

// Coordinator holds the shared device snapshot and refreshes it periodically
type Coordinator struct {
	mu        sync.RWMutex
	log       *util.Logger
	fetcher   Fetcher
	interval  time.Duration
	data      aquanta.Snapshot
	updated   time.Time
	refresh   chan struct{}
	listeners []func(aquanta.Snapshot)
	metrics   *metrics
}

// New creates a coordinator. Metrics are registered with reg if not nil.
func New(log *util.Logger, fetcher Fetcher, interval time.Duration, reg prometheus.Registerer) *Coordinator {
	return &Coordinator{
		log:      log,
		fetcher:  fetcher,
		interval: interval,
		data:     make(aquanta.Snapshot),
		refresh:  make(chan struct{}, 1),
		metrics:  newMetrics(reg),
	}
}

// Subscribe registers fn to receive a copy of the snapshot after every change
func (c *Coordinator) Subscribe(fn func(aquanta.Snapshot)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *Coordinator) notify() {
	c.mu.RLock()
	snap := c.data.Clone()
	listeners := slices.Clone(c.listeners)
	c.mu.RUnlock()

	c.metrics.observe(snap)

	for _, fn := range listeners {
		fn(snap)
	}
}

// Refresh fetches and replaces the snapshot
func (c *Coordinator) Refresh(ctx context.Context) error {
	snap, err := c.fetcher.Snapshot(ctx)
	if err != nil {
		c.metrics.refreshTotal.WithLabelValues("error").Inc()
		return err
	}
	c.metrics.refreshTotal.WithLabelValues("ok").Inc()

	c.mu.Lock()
	c.data = snap
	c.updated = time.Now()
	c.mu.Unlock()

	c.log.DEBUG.Printf("refreshed %d device(s)", len(snap))
	c.notify()

	return nil
}

// RequestRefresh schedules a refresh without waiting for it. Pending requests coalesce.
func (c *Coordinator) RequestRefresh() {
	select {
	case c.refresh <- struct{}{}:
	default:
	}
}

// Run refreshes immediately, then on every interval and refresh request until ctx is done
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		if err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
			c.log.ERROR.Println("refresh failed:", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-c.refresh:
		}
	}
}

// Device returns a copy of the device state
func (c *Coordinator) Device(id string) (aquanta.Device, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	d, ok := c.data[id]
	if !ok {
		return aquanta.Device{}, false
	}

	return d.Clone(), true
}

// Devices returns the sorted device ids
func (c *Coordinator) Devices() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	res := make([]string, 0, len(c.data))
	for id := range c.data {
		res = append(res, id)
	}
	slices.Sort(res)

	return res
}

// Updated returns the time of the last successful refresh
func (c *Coordinator) Updated() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.updated
}

// Update applies a local change to the device state. The next refresh overwrites it.
func (c *Coordinator) Update(id string, fn func(*aquanta.Device)) {
	c.mu.Lock()
	d, ok := c.data[id]
	if ok {
		fn(&d)
		c.data[id] = d
	}
	c.mu.Unlock()

	if ok {
		c.notify()
	}
}
