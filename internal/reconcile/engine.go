// Package reconcile implements the bounded-concurrency reconciliation
// engine (spec §4.7): a per-key work queue feeding a pool of reconcile
// goroutines bounded by config.Gateway.ReconcileConcurrency, with
// exponential backoff on transient failure. Grounded on
// webpa-common/device/manager.go's worker-pool/semaphore shape (mirrored
// here as the engine's own semaphore channel) and tr1d1um's use of
// golang.org/x/time/rate for rate limiting.
package reconcile

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"golang.org/x/time/rate"

	"github.com/edgewasm/fleet/internal/errs"
	"github.com/edgewasm/fleet/internal/store"
	"github.com/edgewasm/fleet/internal/telemetry"
)

// Key identifies one reconcilable resource.
type Key struct {
	Kind      store.Kind
	Namespace string
	Name      string
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Kind, k.Namespace, k.Name)
}

// Result is what a Reconciler returns (spec §4.7 step 4): Requeue after a
// fixed delay, RequeueImmediate on transient failure (subject to
// per-key backoff), or Done when the resource has reached a terminal
// state and needs no further reconciliation until the next Event.
type Result struct {
	Requeue          bool
	RequeueAfter     time.Duration
	RequeueImmediate bool
}

// Done is the zero Result: no further reconciliation scheduled.
var Done = Result{}

// RequeueAfter builds a Result that requeues after d.
func RequeueAfter(d time.Duration) Result { return Result{Requeue: true, RequeueAfter: d} }

// RequeueImmediate builds a Result that requeues subject to the per-key
// backoff limiter.
func RequeueImmediate() Result { return Result{RequeueImmediate: true} }

// Reconciler computes and applies the desired action for one key (spec
// §4.7 steps 1-3). Implementations must be safe to call concurrently for
// distinct keys; the engine guarantees a single key is never reconciled
// by two goroutines at once.
type Reconciler interface {
	Reconcile(ctx context.Context, key Key) (Result, error)
}

// ReconcilerFunc adapts a plain function to the Reconciler interface.
type ReconcilerFunc func(ctx context.Context, key Key) (Result, error)

func (f ReconcilerFunc) Reconcile(ctx context.Context, key Key) (Result, error) { return f(ctx, key) }

const (
	defaultPerAttemptDeadline = 30 * time.Second
	minBackoff                = 500 * time.Millisecond
	maxBackoff                = 5 * time.Minute
)

// keyState tracks the exponential backoff and immediate-retry limiter
// for one key across its lifetime in the engine.
type keyState struct {
	backoff time.Duration
	limiter *rate.Limiter
}

// Engine runs one logical worker per in-flight key, bounded by a
// semaphore of size concurrency, pulling keys off an internal queue fed
// by Enqueue and a time-ordered requeue heap.
type Engine struct {
	reconciler  Reconciler
	concurrency int
	logger      log.Logger

	mu       sync.Mutex
	inFlight map[Key]bool
	pending  map[Key]bool
	states   map[Key]*keyState

	sem   chan struct{}
	queue chan Key

	timers *requeueHeap
	wakeup chan struct{}
}

// New constructs an Engine with the given concurrency bound (spec §4.7:
// "bounded-concurrency per-key work queue"); concurrency <= 0 defaults
// to 16, matching config.Gateway.ReconcileConcurrency's default.
func New(r Reconciler, concurrency int, logger log.Logger) *Engine {
	if concurrency <= 0 {
		concurrency = 16
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	h := &requeueHeap{}
	heap.Init(h)
	return &Engine{
		reconciler:  r,
		concurrency: concurrency,
		logger:      telemetry.WithComponent(logger, "reconcile"),
		inFlight:    make(map[Key]bool),
		pending:     make(map[Key]bool),
		states:      make(map[Key]*keyState),
		sem:         make(chan struct{}, concurrency),
		queue:       make(chan Key, 1024),
		timers:      h,
		wakeup:      make(chan struct{}, 1),
	}
}

// Enqueue schedules key for immediate reconciliation (spec §4.7 step 1,
// triggered by a store watch Event). If key is already queued, this is
// a no-op. If key is in flight, it is marked pending and reconciled once
// more after the current attempt finishes.
func (e *Engine) Enqueue(key Key) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending[key] {
		return
	}
	e.pending[key] = true
	select {
	case e.queue <- key:
	default:
		// queue full: leave pending=true, a future drain cycle or requeue
		// timer will pick it up once space frees.
		go func() { e.queue <- key }()
	}
}

// Run drives the engine until ctx is cancelled: a dispatch loop pulling
// from queue+timers and spawning bounded worker goroutines.
func (e *Engine) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	e.rearmTimer(timer)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case key := <-e.queue:
			e.mu.Lock()
			if e.inFlight[key] {
				// already running; pending stays set and reconcileOnce
				// re-pushes the key when the in-flight attempt finishes
				e.mu.Unlock()
				continue
			}
			e.inFlight[key] = true
			delete(e.pending, key)
			e.mu.Unlock()

			e.sem <- struct{}{}
			wg.Add(1)
			go func(k Key) {
				defer wg.Done()
				defer func() { <-e.sem }()
				e.reconcileOnce(ctx, k)
			}(key)

		case <-timer.C:
			e.drainDueTimers()
			e.rearmTimer(timer)

		case <-e.wakeup:
			e.rearmTimer(timer)
		}
	}
}

func (e *Engine) reconcileOnce(ctx context.Context, key Key) {
	attemptCtx, cancel := context.WithTimeout(ctx, defaultPerAttemptDeadline)
	defer cancel()

	result, err := e.reconciler.Reconcile(attemptCtx, key)

	e.mu.Lock()
	delete(e.inFlight, key)
	rerun := e.pending[key]
	e.mu.Unlock()

	// An Enqueue that arrived while this attempt was in flight was not
	// pushed (the dispatcher saw inFlight and dropped the queue entry);
	// honor it now so the event isn't lost.
	if rerun {
		select {
		case e.queue <- key:
		default:
			go func() { e.queue <- key }()
		}
	}

	if err != nil {
		logLine := telemetry.Error(e.logger).Log
		kind := errs.KindOf(err)
		keyvals := []interface{}{"msg", "reconcile failed", "key", key.String(), "kind", kind.String(), "err", err}
		if ctxKV := errs.Context(err); len(ctxKV) > 0 {
			keyvals = append(keyvals, ctxKV...)
		}
		logLine(keyvals...)
		e.scheduleBackoff(key)
		return
	}

	switch {
	case result.RequeueImmediate:
		if e.allow(key) {
			e.Enqueue(key)
		} else {
			e.scheduleBackoff(key)
		}
	case result.Requeue:
		e.scheduleAfter(key, result.RequeueAfter)
	default:
		e.mu.Lock()
		delete(e.states, key)
		e.mu.Unlock()
	}
}

func (e *Engine) allow(key Key) bool {
	e.mu.Lock()
	st, ok := e.states[key]
	if !ok {
		st = &keyState{backoff: minBackoff, limiter: rate.NewLimiter(rate.Every(minBackoff), 1)}
		e.states[key] = st
	}
	e.mu.Unlock()
	return st.limiter.Allow()
}

func (e *Engine) scheduleBackoff(key Key) {
	e.mu.Lock()
	st, ok := e.states[key]
	if !ok {
		st = &keyState{backoff: minBackoff}
		e.states[key] = st
	}
	d := st.backoff
	st.backoff *= 2
	if st.backoff > maxBackoff {
		st.backoff = maxBackoff
	}
	e.mu.Unlock()
	e.scheduleAfter(key, d)
}

func (e *Engine) scheduleAfter(key Key, d time.Duration) {
	if d <= 0 {
		d = minBackoff
	}
	e.mu.Lock()
	heap.Push(e.timers, &timerEntry{key: key, at: time.Now().Add(d)})
	e.mu.Unlock()
	select {
	case e.wakeup <- struct{}{}:
	default:
	}
}

func (e *Engine) drainDueTimers() {
	now := time.Now()
	var due []Key
	e.mu.Lock()
	for e.timers.Len() > 0 {
		next := (*e.timers)[0]
		if next.at.After(now) {
			break
		}
		heap.Pop(e.timers)
		due = append(due, next.key)
	}
	e.mu.Unlock()
	for _, k := range due {
		e.Enqueue(k)
	}
}

func (e *Engine) rearmTimer(t *time.Timer) {
	e.mu.Lock()
	var wait time.Duration = time.Hour
	if e.timers.Len() > 0 {
		wait = time.Until((*e.timers)[0].at)
		if wait < 0 {
			wait = 0
		}
	}
	e.mu.Unlock()
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(wait)
}
