package agentmgr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"vawter.tech/stopper"
)

// WorkStatus is the state of a submitted work item
type WorkStatus string

const (
	// WorkQueued means the item waits in the FIFO
	WorkQueued WorkStatus = "queued"
	// WorkRunning means the worker is executing the item's handler
	WorkRunning WorkStatus = "running"
	// WorkCompleted means the handler returned without error
	WorkCompleted WorkStatus = "completed"
	// WorkFailed means the handler errored or panicked, or no handler matched
	WorkFailed WorkStatus = "failed"
)

// Done reports whether the item has finished, successfully or not
func (s WorkStatus) Done() bool {
	return s == WorkCompleted || s == WorkFailed
}

// WorkItem is one unit of work. Type selects the handler.
type WorkItem struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

// WorkResult is the observable state of a submitted item
type WorkResult struct {
	ID          string        `json:"id"`
	Type        string        `json:"type"`
	Status      WorkStatus    `json:"status"`
	Result      any           `json:"result,omitempty"`
	Error       string        `json:"error,omitempty"`
	SubmittedAt time.Time     `json:"submitted_at"`
	StartedAt   time.Time     `json:"started_at,omitzero"`
	FinishedAt  time.Time     `json:"finished_at,omitzero"`
	Duration    time.Duration `json:"duration"`
}

// Handler executes a work item
type Handler func(ctx context.Context, item WorkItem) (any, error)

type pending struct {
	id   string
	item WorkItem
}

// QueueWorker drains an unbounded FIFO of work items with a single goroutine,
// one item at a time. Handler failures are recorded in the item's result;
// callers poll Result rather than catch errors.
type QueueWorker struct {
	mu       sync.Mutex
	queue    []pending
	results  map[string]*WorkResult
	handlers map[string]Handler
	notify   chan struct{}
	draining bool

	// set while started via Start
	sctx   *stopper.Context
	cancel context.CancelFunc

	idleBeat time.Duration
	metrics  *QueueMetrics
	log      zerolog.Logger
	now      func() time.Time
}

// QueueOption configures a QueueWorker
type QueueOption func(*QueueWorker)

// WithHandler binds h to items of type typ
func WithHandler(typ string, h Handler) QueueOption {
	return func(w *QueueWorker) {
		w.handlers[typ] = h
	}
}

// WithQueueLogger sets the logger used by the worker
func WithQueueLogger(log zerolog.Logger) QueueOption {
	return func(w *QueueWorker) {
		w.log = log
	}
}

// WithQueueMetrics records item outcomes in m
func WithQueueMetrics(m *QueueMetrics) QueueOption {
	return func(w *QueueWorker) {
		w.metrics = m
	}
}

// WithIdleBeat sets how often an idle worker run by the Orchestrator beats
func WithIdleBeat(d time.Duration) QueueOption {
	return func(w *QueueWorker) {
		w.idleBeat = d
	}
}

// NewQueueWorker creates a stopped worker with an empty queue
func NewQueueWorker(opts ...QueueOption) *QueueWorker {
	w := &QueueWorker{
		results:  make(map[string]*WorkResult),
		handlers: make(map[string]Handler),
		notify:   make(chan struct{}, 1),
		idleBeat: DefaultHeartbeatInterval,
		log:      zerolog.Nop(),
		now:      time.Now,
	}

	for _, opt := range opts {
		opt(w)
	}

	if w.idleBeat <= 0 {
		w.idleBeat = DefaultHeartbeatInterval
	}
	return w
}

// Handle binds h to items of type typ, replacing any previous handler
func (w *QueueWorker) Handle(typ string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[typ] = h
}

// Submit enqueues item and returns its id without blocking
func (w *QueueWorker) Submit(item WorkItem) string {
	id := uuid.New().String()

	w.mu.Lock()
	w.queue = append(w.queue, pending{id: id, item: item})
	w.results[id] = &WorkResult{
		ID:          id,
		Type:        item.Type,
		Status:      WorkQueued,
		SubmittedAt: w.now(),
	}
	depth := len(w.queue)
	w.mu.Unlock()

	w.metrics.setDepth(depth)

	select {
	case w.notify <- struct{}{}:
	default:
	}
	return id
}

// Result returns a copy of the item's current state
func (w *QueueWorker) Result(id string) (WorkResult, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	res, ok := w.results[id]
	if !ok {
		return WorkResult{}, false
	}
	return *res, true
}

// Forget drops the result of a finished item and reports whether it did
func (w *QueueWorker) Forget(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	res, ok := w.results[id]
	if !ok || !res.Status.Done() {
		return false
	}
	delete(w.results, id)
	return true
}

// Pending returns the number of queued items
func (w *QueueWorker) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

// Start launches the worker goroutine. Starting a started worker is a no-op.
func (w *QueueWorker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.sctx != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.sctx = stopper.WithContext(ctx)
	w.cancel = cancel

	w.sctx.Go(func(_ *stopper.Context) error {
		if err := w.Run(runCtx, nil); err != nil && runCtx.Err() == nil {
			w.log.Error().Err(err).Msg("queue worker exited")
		}
		return nil
	})
}

// Stop cancels the worker goroutine and waits for it to exit.
// It is safe to call on a worker that was never started. Items still queued
// stay queued for the next Start.
func (w *QueueWorker) Stop() error {
	w.mu.Lock()
	sctx, cancel := w.sctx, w.cancel
	w.sctx, w.cancel = nil, nil
	w.mu.Unlock()

	if sctx == nil {
		return nil
	}
	cancel()
	sctx.Stop(DefaultStopTimeout)
	return sctx.Wait()
}

// Run drains the queue until ctx is done, calling beat after every item and
// periodically while idle. Only one drain loop may run at a time. It returns
// ctx.Err() on cancellation so it can be attached to an Orchestrator.
func (w *QueueWorker) Run(ctx context.Context, beat func()) error {
	w.mu.Lock()
	if w.draining {
		w.mu.Unlock()
		return ErrWorkerRunning
	}
	w.draining = true
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.draining = false
		w.mu.Unlock()
	}()

	if beat == nil {
		beat = func() {}
	}
	idle := time.NewTicker(w.idleBeat)
	defer idle.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		p, ok := w.next()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-w.notify:
			case <-idle.C:
				beat()
			}
			continue
		}

		w.execute(ctx, p)
		beat()
	}
}

// next pops the oldest queued item and marks it running
func (w *QueueWorker) next() (pending, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.queue) == 0 {
		return pending{}, false
	}
	p := w.queue[0]
	w.queue[0] = pending{}
	w.queue = w.queue[1:]

	if res, ok := w.results[p.id]; ok {
		res.Status = WorkRunning
		res.StartedAt = w.now()
	}
	w.metrics.setDepth(len(w.queue))
	return p, true
}

// execute runs one item and records its outcome
func (w *QueueWorker) execute(ctx context.Context, p pending) {
	w.mu.Lock()
	h, ok := w.handlers[p.item.Type]
	w.mu.Unlock()

	var (
		out any
		err error
	)
	if !ok {
		err = fmt.Errorf("no handler for item type %q", p.item.Type)
	} else {
		out, err = callHandler(ctx, h, p.item)
	}

	var dur time.Duration
	w.mu.Lock()
	res, tracked := w.results[p.id]
	if tracked {
		res.FinishedAt = w.now()
		res.Duration = res.FinishedAt.Sub(res.StartedAt)
		dur = res.Duration
		if err != nil {
			res.Status = WorkFailed
			res.Error = err.Error()
		} else {
			res.Status = WorkCompleted
			res.Result = out
		}
	}
	w.mu.Unlock()

	status := WorkCompleted
	if err != nil {
		status = WorkFailed
		w.log.Warn().Str("item", p.id).Str("type", p.item.Type).Err(err).Msg("work item failed")
	} else {
		w.log.Debug().Str("item", p.id).Str("type", p.item.Type).Msg("work item completed")
	}
	if tracked {
		w.metrics.observe(p.item.Type, status, dur)
	}
}

// callHandler runs h, converting a panic into an error
func callHandler(ctx context.Context, h Handler, item WorkItem) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(ctx, item)
}
