// Package cursor implements the registry that turns partially consumed
// query results into resumable, network-addressable resources, plus the
// background sweeper that reclaims abandoned ones.
package cursor

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/kartikbazzad/cursordb/internal/batch"
	"github.com/kartikbazzad/cursordb/internal/config"
	apierr "github.com/kartikbazzad/cursordb/internal/errors"
	"github.com/kartikbazzad/cursordb/internal/logger"
	"github.com/kartikbazzad/cursordb/internal/metrics"
	"github.com/kartikbazzad/cursordb/internal/producer"
	"github.com/kartikbazzad/cursordb/internal/value"
)

// CountNone marks a cursor created without count tracking.
const CountNone = -1

// Cursor is a registered, partially consumed result stream. All fields
// are guarded by the registry lock except the producer, which is only
// touched by the goroutine that claimed the cursor.
type Cursor struct {
	id        string
	producer  producer.Producer
	batchSize int
	ttl       time.Duration
	expiresAt time.Time
	count     int // CountNone when counting was not requested
	inUse     bool
}

// CreateOptions fixes a cursor's parameters at creation.
type CreateOptions struct {
	BatchSize int
	TTL       time.Duration
	Count     int // CountNone when counting was not requested
}

// Batch is one fetch result. ID is empty when no cursor remains (result
// fit in one batch, or this was the final batch).
type Batch struct {
	ID      string
	Rows    []value.Value
	HasMore bool
	Count   int // CountNone when counting was not requested
}

// Registry is the process-wide cursor table. Its lock covers only the
// directory operations (insert, remove, lookup-and-claim); pulling rows
// happens outside the lock once a cursor is claimed, so a slow fetch on
// one cursor never blocks the others.
type Registry struct {
	mu      sync.Mutex
	cursors map[string]*Cursor

	cfg    config.CursorConfig
	logger *logger.Logger
	clock  clock.Clock

	stop    chan struct{}
	wg      sync.WaitGroup
	running bool
}

func NewRegistry(cfg config.CursorConfig, log *logger.Logger, clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	return &Registry{
		cursors: make(map[string]*Cursor),
		cfg:     cfg,
		logger:  log,
		clock:   clk,
	}
}

// Start launches the expiry sweeper.
func (r *Registry) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.running = true
	r.stop = make(chan struct{})
	r.wg.Add(1)
	go r.sweepLoop()
}

// Stop halts the sweeper and disposes every remaining cursor.
func (r *Registry) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stop)
	r.mu.Unlock()

	r.wg.Wait()

	r.mu.Lock()
	n := len(r.cursors)
	r.cursors = make(map[string]*Cursor)
	r.mu.Unlock()
	metrics.CursorsOpen.Sub(float64(n))
	if n > 0 {
		r.logger.Info("Released %d cursor(s) at shutdown", n)
	}
}

// Create materializes the first batch eagerly. When the producer is
// exhausted by that batch no cursor is registered and the returned batch
// has no id; otherwise the cursor starts Active with a fresh deadline.
func (r *Registry) Create(p producer.Producer, opts CreateOptions) (*Batch, error) {
	if opts.BatchSize <= 0 {
		return nil, apierr.ErrInvalidBatchSize
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = r.cfg.DefaultTTL
	}

	rows, hasMore, err := batch.Materialize(p, opts.BatchSize)
	if err != nil {
		return nil, err
	}

	out := &Batch{Rows: rows, HasMore: hasMore, Count: opts.Count}
	if !hasMore {
		return out, nil
	}

	c := &Cursor{
		id:        uuid.NewString(),
		producer:  p,
		batchSize: opts.BatchSize,
		ttl:       ttl,
		expiresAt: r.clock.Now().Add(ttl),
		count:     opts.Count,
	}

	r.mu.Lock()
	r.cursors[c.id] = c
	r.mu.Unlock()

	metrics.CursorsCreated.Inc()
	metrics.CursorsOpen.Inc()
	r.logger.Debug("Registered cursor %s (batchSize=%d, ttl=%s)", c.id, c.batchSize, c.ttl)

	out.ID = c.id
	return out, nil
}

// FetchNext pulls the next batch. The cursor is claimed under the lock,
// advanced outside it, then either re-armed or removed. A concurrent
// fetch against a claimed cursor fails immediately with ErrCursorBusy.
// When the batch exhausts the producer the cursor is removed, so the
// next call with the same id reports not-found.
func (r *Registry) FetchNext(id string) (*Batch, error) {
	r.mu.Lock()
	c, ok := r.cursors[id]
	if !ok {
		r.mu.Unlock()
		return nil, apierr.ErrCursorNotFound
	}
	if c.inUse {
		r.mu.Unlock()
		metrics.CursorConflicts.Inc()
		return nil, apierr.ErrCursorBusy
	}
	c.inUse = true
	r.mu.Unlock()

	rows, hasMore, err := batch.Materialize(c.producer, c.batchSize)

	r.mu.Lock()
	defer r.mu.Unlock()

	if err != nil {
		// poisoned producer: the cursor must not be retried
		delete(r.cursors, id)
		metrics.CursorsOpen.Dec()
		r.logger.Warn("Disposed cursor %s after producer failure: %v", id, err)
		return nil, err
	}

	if !hasMore {
		delete(r.cursors, id)
		metrics.CursorsOpen.Dec()
		return &Batch{Rows: rows, HasMore: false, Count: c.count}, nil
	}

	c.inUse = false
	c.expiresAt = r.clock.Now().Add(c.ttl)
	return &Batch{ID: id, Rows: rows, HasMore: true, Count: c.count}, nil
}

// Dispose removes a cursor immediately and returns its id. A cursor
// mid-fetch is busy, not disposable; ids are never reused, so a repeat
// dispose reports not-found.
func (r *Registry) Dispose(id string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.cursors[id]
	if !ok {
		return "", apierr.ErrCursorNotFound
	}
	if c.inUse {
		return "", apierr.ErrCursorBusy
	}
	delete(r.cursors, id)
	metrics.CursorsOpen.Dec()
	metrics.CursorsDisposed.Inc()
	r.logger.Debug("Disposed cursor %s", id)
	return id, nil
}

// Len reports the number of registered cursors.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cursors)
}

func (r *Registry) sweepLoop() {
	defer r.wg.Done()

	interval := r.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := r.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case now := <-ticker.C:
			if n := r.Sweep(now); n > 0 {
				r.logger.Debug("Swept %d expired cursor(s)", n)
			}
		}
	}
}

// Sweep disposes every cursor whose deadline has passed. Cursors being
// fetched right now are skipped and reconsidered next cycle.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id, c := range r.cursors {
		if c.inUse || now.Before(c.expiresAt) {
			continue
		}
		delete(r.cursors, id)
		n++
	}
	if n > 0 {
		metrics.CursorsOpen.Sub(float64(n))
		metrics.CursorsExpired.Add(float64(n))
	}
	return n
}
