// Package batch groups individual submissions into windows executed as a
// single call. A window opens per batchKey on the first submission and
// flushes when it reaches MaxSize or has been open for MaxWait, whichever
// comes first. Submission order is preserved: the executor's results[i]
// answers items[i].
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrClosed      = errors.New("batch: processor closed")
	ErrResultCount = errors.New("batch: executor result count mismatch")
)

// Result carries one item's outcome. Err lets an executor fail individual
// items while the rest of the window succeeds.
type Result[R any] struct {
	Value R
	Err   error
}

// Executor processes one flushed window. Returning a non-nil error fails
// every item in it; otherwise it must return exactly one Result per item,
// in item order.
type Executor[I, R any] func(ctx context.Context, items []I) ([]Result[R], error)

// Uniform adapts an all-or-nothing function (no per-item errors) into an
// Executor.
func Uniform[I, R any](fn func(ctx context.Context, items []I) ([]R, error)) Executor[I, R] {
	return func(ctx context.Context, items []I) ([]Result[R], error) {
		vals, err := fn(ctx, items)
		if err != nil {
			return nil, err
		}
		out := make([]Result[R], len(vals))
		for i, v := range vals {
			out[i] = Result[R]{Value: v}
		}
		return out, nil
	}
}

type Config struct {
	// MaxSize flushes a window the moment it holds this many items.
	MaxSize int
	// MaxWait flushes whatever a window holds once it has been open this
	// long.
	MaxWait time.Duration
	// ExecTimeout bounds each executor call; 0 means no bound. Flushed
	// executions run detached from submitter contexts.
	ExecTimeout time.Duration
}

// Stats is a point-in-time snapshot of processor activity.
type Stats struct {
	Submitted    uint64
	Batches      uint64
	SizeFlushes  uint64
	TimerFlushes uint64
	Open         int64
}

type outcome[R any] struct {
	val R
	err error
}

type waiter[R any] struct {
	ch chan outcome[R] // buffered(1); flush never blocks on delivery
}

type window[I, R any] struct {
	key     string
	items   []I
	waiters []*waiter[R]
	timer   *time.Timer

	// detached is set under the processor lock once the window has left the
	// map; after that its slices are immutable and owned by the flush.
	detached bool
}

// Processor batches submissions per batchKey. Create with New; safe for
// concurrent use.
type Processor[I, R any] struct {
	cfg  Config
	exec Executor[I, R]

	mu      sync.Mutex
	windows map[string]*window[I, R]
	closed  bool
	wg      sync.WaitGroup // in-flight flushes

	open         atomic.Int64
	submitted    atomic.Uint64
	batches      atomic.Uint64
	sizeFlushes  atomic.Uint64
	timerFlushes atomic.Uint64
}

func New[I, R any](cfg Config, exec Executor[I, R]) (*Processor[I, R], error) {
	if exec == nil {
		return nil, errors.New("batch: executor required")
	}
	if cfg.MaxSize < 1 {
		return nil, fmt.Errorf("batch: MaxSize %d < 1", cfg.MaxSize)
	}
	if cfg.MaxWait <= 0 {
		return nil, fmt.Errorf("batch: MaxWait %v <= 0", cfg.MaxWait)
	}
	return &Processor[I, R]{
		cfg:     cfg,
		exec:    exec,
		windows: make(map[string]*window[I, R]),
	}, nil
}

// Submit places item into the batchKey's open window (opening one if needed)
// and blocks until the window executes or ctx ends. Cancelling before the
// flush withdraws the item: the executor never sees it. Cancelling after the
// flush releases the caller immediately while the execution continues; its
// result is discarded.
func (p *Processor[I, R]) Submit(ctx context.Context, batchKey string, item I) (R, error) {
	var zero R
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return zero, ErrClosed
	}
	p.submitted.Add(1)

	w := p.windows[batchKey]
	if w == nil {
		w = &window[I, R]{key: batchKey}
		p.windows[batchKey] = w
		p.open.Add(1)
		w.timer = time.AfterFunc(p.cfg.MaxWait, func() { p.flushExpired(w) })
	}

	wt := &waiter[R]{ch: make(chan outcome[R], 1)}
	w.items = append(w.items, item)
	w.waiters = append(w.waiters, wt)

	full := len(w.items) >= p.cfg.MaxSize
	if full {
		p.detachLocked(w)
		p.sizeFlushes.Add(1)
		p.wg.Add(1)
	}
	p.mu.Unlock()

	if full {
		go p.run(w)
	}

	select {
	case out := <-wt.ch:
		return out.val, out.err
	case <-ctx.Done():
		p.withdraw(w, wt)
		return zero, ctx.Err()
	}
}

// Open reports the number of currently open (unflushed) windows.
func (p *Processor[I, R]) Open() int64 { return p.open.Load() }

func (p *Processor[I, R]) Stats() Stats {
	return Stats{
		Submitted:    p.submitted.Load(),
		Batches:      p.batches.Load(),
		SizeFlushes:  p.sizeFlushes.Load(),
		TimerFlushes: p.timerFlushes.Load(),
		Open:         p.open.Load(),
	}
}

// Close stops accepting submissions, flushes every open window, and waits
// for in-flight executions until ctx ends.
func (p *Processor[I, R]) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	pending := make([]*window[I, R], 0, len(p.windows))
	for _, w := range p.windows {
		pending = append(pending, w)
	}
	for _, w := range pending {
		p.detachLocked(w)
		p.wg.Add(1)
	}
	p.mu.Unlock()

	for _, w := range pending {
		go p.run(w)
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// detachLocked removes w from the map and freezes it. Callers hold p.mu.
func (p *Processor[I, R]) detachLocked(w *window[I, R]) {
	if w.detached {
		return
	}
	w.detached = true
	delete(p.windows, w.key)
	p.open.Add(-1)
	if w.timer != nil {
		w.timer.Stop()
	}
}

// flushExpired is the MaxWait timer callback.
func (p *Processor[I, R]) flushExpired(w *window[I, R]) {
	p.mu.Lock()
	if w.detached { // lost the race against a size flush or withdraw
		p.mu.Unlock()
		return
	}
	p.detachLocked(w)
	p.timerFlushes.Add(1)
	p.wg.Add(1)
	p.mu.Unlock()

	p.run(w)
}

// withdraw removes a cancelled caller's item before the flush. Emptied
// windows are dropped without executing.
func (p *Processor[I, R]) withdraw(w *window[I, R], wt *waiter[R]) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w.detached {
		return // flushed already; the buffered outcome is discarded
	}
	for i, cand := range w.waiters {
		if cand == wt {
			w.items = append(w.items[:i], w.items[i+1:]...)
			w.waiters = append(w.waiters[:i], w.waiters[i+1:]...)
			break
		}
	}
	if len(w.items) == 0 {
		p.detachLocked(w)
	}
}

func (p *Processor[I, R]) run(w *window[I, R]) {
	defer p.wg.Done()
	p.batches.Add(1)

	ctx := context.Background()
	if p.cfg.ExecTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.ExecTimeout)
		defer cancel()
	}

	results, err := p.exec(ctx, w.items)
	if err == nil && len(results) != len(w.items) {
		err = fmt.Errorf("%w: got %d for %d items", ErrResultCount, len(results), len(w.items))
	}

	for i, wt := range w.waiters {
		if err != nil {
			wt.ch <- outcome[R]{err: err}
			continue
		}
		wt.ch <- outcome[R]{val: results[i].Value, err: results[i].Err}
	}
}
