// Package driver invokes swap ticks on a cadence. Each sweep lists the
// pending tasks of every pair and ticks them with bounded parallelism, never
// running two ticks for the same task at once.
package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/klingon-exchange/klingon-htlcd/internal/swap"
	"github.com/klingon-exchange/klingon-htlcd/pkg/logging"
)

// Driver errors
var (
	ErrUnknownPair = errors.New("unknown pair")
	ErrTaskBusy    = errors.New("task tick already in flight")
)

// Ticker runs ticks. *swap.Scheduler satisfies it.
type Ticker interface {
	Tick(ctx context.Context, pair swap.ResourcePair, h swap.TaskID) (*swap.TickResult, error)
	PendingTasks(ctx context.Context, pair swap.ResourcePair) ([]swap.TaskID, error)
}

// Config configures the driver.
type Config struct {
	Interval    time.Duration // Time between sweeps
	Concurrency int           // Max ticks in flight per sweep
	Pairs       []swap.ResourcePair
	Logger      *logging.Logger
}

// Default driver settings.
const (
	DefaultInterval    = 15 * time.Second
	DefaultConcurrency = 8
)

// Status is a snapshot of driver activity.
type Status struct {
	Running     bool      `json:"running"`
	Sweeps      uint64    `json:"sweeps"`
	Ticks       uint64    `json:"ticks"`
	Errors      uint64    `json:"errors"`
	Resolved    uint64    `json:"resolved"`
	LastSweep   time.Time `json:"last_sweep,omitempty"`
	InFlight    []string  `json:"in_flight"`
	Interval    string    `json:"interval"`
	Concurrency int       `json:"concurrency"`
}

// Driver sweeps pairs and ticks their pending tasks.
type Driver struct {
	ticker      Ticker
	pairs       []swap.ResourcePair
	interval    time.Duration
	concurrency int
	locks       *TaskLocks
	log         *logging.Logger

	mu        sync.Mutex
	running   bool
	sweeps    uint64
	ticks     uint64
	failures  uint64
	resolved  uint64
	lastSweep time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a driver.
func New(ticker Ticker, cfg *Config) *Driver {
	log := cfg.Logger
	if log == nil {
		log = logging.Nop()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	concurrency := cfg.Concurrency
	if concurrency < 1 {
		concurrency = DefaultConcurrency
	}

	return &Driver{
		ticker:      ticker,
		pairs:       cfg.Pairs,
		interval:    interval,
		concurrency: concurrency,
		locks:       NewTaskLocks(),
		log:         log.Component("driver"),
	}
}

// Start runs sweeps in the background until Stop or ctx is done. The first
// sweep runs immediately.
func (d *Driver) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	d.running = true

	go d.run(ctx, d.done)
	d.log.Info("Driver started", "interval", d.interval, "concurrency", d.concurrency, "pairs", len(d.pairs))
}

// Stop cancels the sweep loop and waits for in-flight ticks to finish.
func (d *Driver) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	cancel, done := d.cancel, d.done
	d.mu.Unlock()

	cancel()
	<-done
	d.log.Info("Driver stopped")
}

func (d *Driver) run(ctx context.Context, done chan struct{}) {
	defer func() {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
		close(done)
	}()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Sweep(ctx)
		}
	}
}

// Sweep ticks every pending task of every pair once. Tasks whose previous
// tick is still in flight are skipped. Tick errors are logged; the task is
// retried on the next sweep.
func (d *Driver) Sweep(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)

	for _, pair := range d.pairs {
		if ctx.Err() != nil {
			break
		}

		tasks, err := d.ticker.PendingTasks(ctx, pair)
		if err != nil {
			d.log.Warn("Failed to list tasks", "pair", pair.Name, "error", err)
			continue
		}
		if len(tasks) > 0 {
			d.log.Debug("Sweeping pair", "pair", pair.Name, "tasks", len(tasks))
		}

		for _, h := range tasks {
			key := taskKey(pair.Name, h.String())
			if !d.locks.TryLock(key) {
				d.log.Debug("Tick still in flight, skipping", "pair", pair.Name, "task", h.Short())
				continue
			}
			g.Go(func() error {
				defer d.locks.Unlock(key)
				d.tick(gctx, pair, h)
				return nil // A failed tick must not cancel its siblings
			})
		}
	}
	_ = g.Wait()

	d.mu.Lock()
	d.sweeps++
	d.lastSweep = time.Now()
	d.mu.Unlock()
}

func (d *Driver) tick(ctx context.Context, pair swap.ResourcePair, h swap.TaskID) (*swap.TickResult, error) {
	res, err := d.ticker.Tick(ctx, pair, h)

	d.mu.Lock()
	d.ticks++
	if err != nil {
		d.failures++
	}
	if res != nil && res.Outcome == swap.OutcomeResolved {
		d.resolved++
	}
	d.mu.Unlock()

	if err != nil {
		d.log.Error("Tick failed", "pair", pair.Name, "task", h.Short(), "error", err)
		return res, err
	}
	d.log.Debug("Tick finished", "pair", pair.Name, "task", h.Short(), "outcome", res.Outcome, "reason", res.Reason)
	return res, nil
}

// TickNow runs one tick for a task outside the sweep cadence. It fails with
// ErrTaskBusy if a tick for the task is already in flight.
func (d *Driver) TickNow(ctx context.Context, pairName string, h swap.TaskID) (*swap.TickResult, error) {
	pair, ok := d.Pair(pairName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPair, pairName)
	}

	key := taskKey(pair.Name, h.String())
	if !d.locks.TryLock(key) {
		return nil, fmt.Errorf("%w: %s", ErrTaskBusy, h.Short())
	}
	defer d.locks.Unlock(key)

	return d.tick(ctx, pair, h)
}

// Pair returns the configured pair with the given name.
func (d *Driver) Pair(name string) (swap.ResourcePair, bool) {
	for _, p := range d.pairs {
		if p.Name == name {
			return p, true
		}
	}
	return swap.ResourcePair{}, false
}

// Pairs returns the configured pairs.
func (d *Driver) Pairs() []swap.ResourcePair {
	out := make([]swap.ResourcePair, len(d.pairs))
	copy(out, d.pairs)
	return out
}

// Status returns a snapshot of driver activity.
func (d *Driver) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()

	return Status{
		Running:     d.running,
		Sweeps:      d.sweeps,
		Ticks:       d.ticks,
		Errors:      d.failures,
		Resolved:    d.resolved,
		LastSweep:   d.lastSweep,
		InFlight:    d.locks.Held(),
		Interval:    d.interval.String(),
		Concurrency: d.concurrency,
	}
}
