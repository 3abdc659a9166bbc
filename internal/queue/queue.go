package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/jbweber/anvil/internal/errdefs"
)

// ErrQueueClosed is delivered to completions of entries enqueued after Close.
var ErrQueueClosed = errors.New("command queue closed")

// globalLane is the lane key used for every entry in Global mode.
const globalLane = "\x00global"

// Mode selects how entries for different targets are scheduled.
type Mode int

const (
	// PerTarget runs each target's entries in FIFO order; targets interleave.
	PerTarget Mode = iota
	// Global serializes every entry regardless of target.
	Global
)

// String returns the configuration spelling of the mode.
func (m Mode) String() string {
	switch m {
	case Global:
		return "global"
	default:
		return "per-target"
	}
}

// ParseMode parses "per-target" or "global". The empty string is PerTarget.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "per-target":
		return PerTarget, nil
	case "global":
		return Global, nil
	default:
		return PerTarget, fmt.Errorf("unknown queue mode %q (valid: per-target, global)", s)
	}
}

// Operation is a unit of hypervisor work.
type Operation func(ctx context.Context) (any, error)

// Completion receives the Result of an Operation.
type Completion func(Result)

// Result is delivered to a Completion once its Operation has returned.
type Result struct {
	ID       uuid.UUID
	Target   string
	Name     string
	Value    any
	Err      error
	Duration time.Duration
}

// Options configures a Queue.
type Options struct {
	// Mode selects per-target or global serialization.
	Mode Mode

	// OperationTimeout bounds every operation's context. Zero means no bound.
	OperationTimeout time.Duration

	// Logger receives per-entry tracing at V(1).
	Logger logr.Logger

	// Metrics is optional.
	Metrics *Metrics
}

type entry struct {
	id       uuid.UUID
	target   string
	name     string
	op       Operation
	done     Completion
	enqueued time.Time
}

type lane struct {
	entries []*entry
}

// HypervisorTarget is the target for operations that span every VM, such
// as listing registered VMs or querying the hypervisor version.
const HypervisorTarget = ""

// Queue is a per-target FIFO scheduler. The zero value is not usable; call New.
type Queue struct {
	opts Options
	log  logr.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	idle    *sync.Cond
	lanes   map[string]*lane
	pending int
	closed  bool
}

// New creates a Queue.
func New(opts Options) *Queue {
	log := opts.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		opts:   opts,
		log:    log.WithName("queue"),
		ctx:    ctx,
		cancel: cancel,
		lanes:  make(map[string]*lane),
	}
	q.idle = sync.NewCond(&q.mu)
	return q
}

// Mode returns the scheduling mode the queue was built with.
func (q *Queue) Mode() Mode {
	return q.opts.Mode
}

// Enqueue appends op to target's lane and returns the entry ID. It never
// blocks on the operation and never invokes done itself. done may be nil.
func (q *Queue) Enqueue(target, name string, op Operation, done Completion) uuid.UUID {
	e := &entry{
		id:       uuid.New(),
		target:   target,
		name:     name,
		op:       op,
		done:     done,
		enqueued: time.Now(),
	}

	q.mu.Lock()
	q.pending++
	q.opts.Metrics.setPending(q.pending)

	if q.closed {
		q.mu.Unlock()
		go q.reject(e)
		return e.id
	}

	key := q.laneKey(target)
	l, running := q.lanes[key]
	if !running {
		l = &lane{}
		q.lanes[key] = l
	}
	l.entries = append(l.entries, e)
	q.mu.Unlock()

	q.log.V(1).Info("enqueued", "id", e.id, "target", target, "op", name)

	if !running {
		go q.drain(key, l)
	}
	return e.id
}

// Pending returns the number of entries that have not completed yet.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

// Wait blocks until no entries are pending.
func (q *Queue) Wait() {
	q.mu.Lock()
	for q.pending > 0 {
		q.idle.Wait()
	}
	q.mu.Unlock()
}

// WaitContext is Wait bounded by ctx.
func (q *Queue) WaitContext(ctx context.Context) error {
	drained := make(chan struct{})
	go func() {
		q.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to drain command queue: %w", errdefs.FromContext(ctx.Err()))
	}
}

// Close stops accepting new entries and waits for pending ones.
// Entries enqueued after Close complete with ErrQueueClosed.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	q.Wait()
	q.cancel()
}

func (q *Queue) laneKey(target string) string {
	if q.opts.Mode == Global {
		return globalLane
	}
	return target
}

func (q *Queue) drain(key string, l *lane) {
	for {
		q.mu.Lock()
		if len(l.entries) == 0 {
			delete(q.lanes, key)
			q.mu.Unlock()
			return
		}
		e := l.entries[0]
		l.entries[0] = nil
		l.entries = l.entries[1:]
		q.mu.Unlock()

		res := q.run(e)
		q.complete(e, res)
	}
}

func (q *Queue) run(e *entry) (res Result) {
	res = Result{ID: e.id, Target: e.target, Name: e.name}

	ctx := q.ctx
	if q.opts.OperationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.opts.OperationTimeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		res.Duration = time.Since(start)
		if r := recover(); r != nil {
			res.Value = nil
			res.Err = fmt.Errorf("%w: %s panicked: %v", errdefs.ErrOperationFailed, e.name, r)
		}
	}()

	value, err := e.op(ctx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, errdefs.ErrOperationTimedOut) {
		err = errdefs.FromContext(err)
	}
	res.Value = value
	res.Err = err
	return res
}

func (q *Queue) reject(e *entry) {
	q.complete(e, Result{
		ID:     e.id,
		Target: e.target,
		Name:   e.name,
		Err:    fmt.Errorf("%s on %q: %w", e.name, e.target, ErrQueueClosed),
	})
}

func (q *Queue) complete(e *entry, res Result) {
	q.opts.Metrics.observe(res)

	if res.Err != nil {
		q.log.V(1).Info("operation failed", "id", e.id, "target", e.target, "op", e.name,
			"duration", res.Duration, "err", res.Err.Error())
	} else {
		q.log.V(1).Info("operation completed", "id", e.id, "target", e.target, "op", e.name,
			"duration", res.Duration)
	}

	if e.done != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					q.log.Error(fmt.Errorf("%v", r), "completion panicked", "id", e.id, "op", e.name)
				}
			}()
			e.done(res)
		}()
	}

	q.mu.Lock()
	q.pending--
	q.opts.Metrics.setPending(q.pending)
	if q.pending == 0 {
		q.idle.Broadcast()
	}
	q.mu.Unlock()
}
