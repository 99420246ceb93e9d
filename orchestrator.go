package agentmgr

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"vawter.tech/stopper"
)

// LoopFunc is a self-driving component loop. It must return when ctx is done;
// returning after cancellation is a clean exit whatever the error value.
// beat records a heartbeat for the component.
type LoopFunc func(ctx context.Context, beat func()) error

// CheckFunc is the kind-specific check run once per supervision cycle.
// A non-nil error moves the component to StatusError.
type CheckFunc func(ctx context.Context, rec Record) error

// task is the supervised goroutine bound to one component id
type task struct {
	cancel   context.CancelFunc
	done     chan struct{}
	interval time.Duration
}

// Orchestrator creates, supervises and stops components.
// It is safe for concurrent use.
type Orchestrator struct {
	reg  *Registry
	log  zerolog.Logger
	sctx *stopper.Context

	mu                sync.Mutex
	tasks             map[string]*task
	checks            map[Kind]CheckFunc
	heartbeatInterval time.Duration
	checkInterval     time.Duration
	closed            bool

	now func() time.Time
}

// OrchestratorOption configures an Orchestrator
type OrchestratorOption func(*Orchestrator)

// WithLogger sets the logger used for lifecycle events
func WithLogger(log zerolog.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		o.log = log
	}
}

// WithCheck sets the per-cycle check for scheduled components of kind
func WithCheck(kind Kind, fn CheckFunc) OrchestratorOption {
	return func(o *Orchestrator) {
		o.checks[kind] = fn
	}
}

// WithHeartbeatInterval sets the default loop interval of service components
func WithHeartbeatInterval(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		o.heartbeatInterval = d
	}
}

// WithCheckInterval sets the default loop interval of monitor components
func WithCheckInterval(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		o.checkInterval = d
	}
}

// New creates an Orchestrator. Call Close to stop every component it owns.
func New(opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		log:               zerolog.Nop(),
		sctx:              stopper.WithContext(context.Background()),
		tasks:             make(map[string]*task),
		checks:            make(map[Kind]CheckFunc),
		heartbeatInterval: DefaultHeartbeatInterval,
		checkInterval:     DefaultCheckInterval,
		now:               time.Now,
	}

	for _, opt := range opts {
		opt(o)
	}

	if o.heartbeatInterval <= 0 {
		o.heartbeatInterval = DefaultHeartbeatInterval
	}
	if o.checkInterval <= 0 {
		o.checkInterval = DefaultCheckInterval
	}

	o.reg = NewRegistry(o.log)
	o.reg.now = o.now
	return o
}

// Registry returns the underlying registry
func (o *Orchestrator) Registry() *Registry {
	return o.reg
}

// ApplyConfig updates the default intervals. Running loops keep the interval
// they were started with.
func (o *Orchestrator) ApplyConfig(cfg Config) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if d := cfg.HeartbeatInterval.Duration; d > 0 {
		o.heartbeatInterval = d
	}
	if d := cfg.CheckInterval.Duration; d > 0 {
		o.checkInterval = d
	}
	o.log.Debug().
		Dur("heartbeat_interval", o.heartbeatInterval).
		Dur("check_interval", o.checkInterval).
		Msg("applied config")
}

// Create registers a new component in StatusStarting. Service and monitor
// components are scheduled immediately; other kinds wait for Attach.
func (o *Orchestrator) Create(ctx context.Context, name string, kind Kind, config map[string]any) (Record, error) {
	if !kind.Valid() {
		return Record{}, opErr("create", name, fmt.Errorf("%w: %d", ErrInvalidKind, int(kind)))
	}
	if err := ctx.Err(); err != nil {
		return Record{}, opErr("create", name, err)
	}

	interval, err := o.intervalFor(kind, config)
	if err != nil {
		return Record{}, opErr("create", name, err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return Record{}, opErr("create", name, ErrClosed)
	}

	now := o.now()
	rec := Record{
		ID:        uuid.New().String(),
		Name:      name,
		Kind:      kind,
		Status:    StatusStarting,
		Config:    config,
		CreatedAt: now,
		UpdatedAt: now,
	}
	o.reg.Register(rec)

	o.log.Info().
		Str("id", rec.ID).
		Str("name", name).
		Stringer("kind", kind).
		Msg("component created")

	if kind.scheduled() {
		o.scheduleLocked(rec, o.builtinLoop(rec, interval), interval)
	}

	return rec.clone(), nil
}

// Attach starts loop as the supervised task of a component created in
// StatusStarting without a built-in loop.
func (o *Orchestrator) Attach(id string, loop LoopFunc) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return opErr("attach", id, ErrClosed)
	}
	rec, ok := o.reg.Get(id)
	if !ok {
		return opErr("attach", id, ErrNotFound)
	}
	if _, busy := o.tasks[id]; busy || rec.Kind.scheduled() {
		return opErr("attach", id, ErrAlreadyAttached)
	}
	if rec.Status != StatusStarting {
		return opErr("attach", id, fmt.Errorf("%w: %s", ErrInvalidTransition, rec.Status))
	}

	o.scheduleLocked(rec, loop, 0)
	return nil
}

// scheduleLocked launches the supervised goroutine; o.mu must be held.
// interval is zero for caller-provided loops.
func (o *Orchestrator) scheduleLocked(rec Record, loop LoopFunc, interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	t := &task{cancel: cancel, done: make(chan struct{}), interval: interval}
	o.tasks[rec.ID] = t

	o.sctx.Go(func(_ *stopper.Context) error {
		defer func() {
			cancel()
			o.mu.Lock()
			if o.tasks[rec.ID] == t {
				delete(o.tasks, rec.ID)
			}
			o.mu.Unlock()
			close(t.done)
		}()
		o.supervise(ctx, rec, loop)
		return nil
	})
}

// Get returns the record for id
func (o *Orchestrator) Get(id string) (Record, error) {
	rec, ok := o.reg.Get(id)
	if !ok {
		return Record{}, opErr("get", id, ErrNotFound)
	}
	return rec, nil
}

// List returns all records
func (o *Orchestrator) List() []Record {
	return o.reg.List()
}

// ListByKind returns the records of kind
func (o *Orchestrator) ListByKind(kind Kind) []Record {
	return o.reg.ListByKind(kind)
}

// ListByStatus returns the records in status
func (o *Orchestrator) ListByStatus(status Status) []Record {
	return o.reg.ListByStatus(status)
}

// Stats counts records by kind and status
func (o *Orchestrator) Stats() Stats {
	return o.reg.Stats()
}

// Update applies p to the record. Status changes are refused while a loop is
// attached; the loop owns the status until Stop.
func (o *Orchestrator) Update(id string, p Patch) (Record, error) {
	if p.Status != nil {
		if !p.Status.Valid() {
			return Record{}, opErr("update", id, ErrInvalidStatus)
		}
		o.mu.Lock()
		_, busy := o.tasks[id]
		o.mu.Unlock()
		if busy {
			return Record{}, opErr("update", id, ErrAlreadyAttached)
		}
	}
	rec, err := o.reg.Update(id, p)
	if err != nil {
		return Record{}, opErr("update", id, err)
	}
	return rec, nil
}

// Stop cancels the component's loop and waits for it to exit.
// Stopping a stopped or failed component is a successful no-op.
//
// If ctx ends first, Stop returns its error and the record stays
// StatusStopping until the loop exits, which then moves it to StatusStopped.
// A loop that fails before it observes the cancellation leaves the record in
// StatusError with the failure text, and Stop returns nil.
func (o *Orchestrator) Stop(ctx context.Context, id string) error {
	rec, ok := o.reg.Get(id)
	if !ok {
		return opErr("stop", id, ErrNotFound)
	}
	if rec.Status.Terminal() {
		return nil
	}

	if rec.Status != StatusStopping {
		if _, err := o.reg.UpdateStatus(id, StatusStopping, nil); err != nil {
			// The loop failed or a concurrent Stop got there first.
			cur, ok := o.reg.Get(id)
			switch {
			case !ok:
				return opErr("stop", id, ErrNotFound)
			case cur.Status.Terminal():
				return nil
			case cur.Status != StatusStopping:
				return opErr("stop", id, err)
			}
		}
	}

	o.mu.Lock()
	t := o.tasks[id]
	o.mu.Unlock()

	if t != nil {
		t.cancel()
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, DefaultStopTimeout)
			defer cancel()
		}
		select {
		case <-t.done:
		case <-ctx.Done():
			return opErr("stop", id, ctx.Err())
		}
	}

	if _, err := o.reg.UpdateStatus(id, StatusStopped, nil); err != nil {
		// The exiting loop recorded the outcome itself.
		if cur, ok := o.reg.Get(id); ok && cur.Status.Terminal() {
			return nil
		}
		return opErr("stop", id, err)
	}

	o.log.Info().
		Str("id", id).
		Str("name", rec.Name).
		Stringer("kind", rec.Kind).
		Msg("component stopped")
	return nil
}

// Unregister removes a stopped or failed component
func (o *Orchestrator) Unregister(id string) error {
	rec, ok := o.reg.Get(id)
	if !ok {
		return opErr("unregister", id, ErrNotFound)
	}
	if !rec.Status.Terminal() {
		return opErr("unregister", id, fmt.Errorf("%w: %s", ErrNotStopped, rec.Status))
	}
	o.reg.Unregister(id)
	o.log.Debug().Str("id", id).Str("name", rec.Name).Msg("component unregistered")
	return nil
}

// WaitStatus blocks until the component reaches one of statuses or ctx is done
func (o *Orchestrator) WaitStatus(ctx context.Context, id string, statuses ...Status) (Record, error) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		rec, ok := o.reg.Get(id)
		if !ok {
			return Record{}, opErr("wait", id, ErrNotFound)
		}
		for _, s := range statuses {
			if rec.Status == s {
				return rec, nil
			}
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return rec, opErr("wait", id, ctx.Err())
		}
	}
}

// Close stops every live component and waits for all loops to exit or for
// ctx to end, whichever comes first. Loops still running when ctx ends move
// their records to StatusStopped once they exit.
// The Orchestrator cannot be reused afterwards.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()

	merr := &MultiError{}
	for _, rec := range o.reg.List() {
		if rec.Status.Terminal() {
			continue
		}
		merr.Add(o.Stop(ctx, rec.ID))
	}

	o.sctx.Stop(DefaultStopTimeout)
	select {
	case <-o.sctx.Done():
		merr.Add(o.sctx.Wait())
	case <-ctx.Done():
		merr.Add(opErr("close", "", ctx.Err()))
	}
	return merr.Err()
}

// loopInterval returns the interval of the built-in loop supervising rec,
// or zero when there is none
func (o *Orchestrator) loopInterval(rec Record) time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()

	if t, ok := o.tasks[rec.ID]; ok {
		return t.interval
	}
	return 0
}

// intervalFor resolves the loop interval of a scheduled kind from config
func (o *Orchestrator) intervalFor(kind Kind, config map[string]any) (time.Duration, error) {
	o.mu.Lock()
	hb, ck := o.heartbeatInterval, o.checkInterval
	o.mu.Unlock()

	switch kind {
	case KindService:
		return configDuration(config, ConfigHeartbeatInterval, hb)
	case KindMonitor:
		return configDuration(config, ConfigCheckInterval, ck)
	default:
		return 0, nil
	}
}

// configDuration reads key from config as seconds or a duration string
func configDuration(config map[string]any, key string, def time.Duration) (time.Duration, error) {
	raw, ok := config[key]
	if !ok || raw == nil {
		return def, nil
	}

	var d time.Duration
	switch v := raw.(type) {
	case int:
		d = time.Duration(v) * time.Second
	case int64:
		d = time.Duration(v) * time.Second
	case float64:
		d = time.Duration(v * float64(time.Second))
	case time.Duration:
		d = v
	case string:
		if secs, err := strconv.ParseFloat(v, 64); err == nil {
			d = time.Duration(secs * float64(time.Second))
		} else if parsed, err := time.ParseDuration(v); err == nil {
			d = parsed
		} else {
			return 0, fmt.Errorf("%w: %s=%q", ErrInvalidConfig, key, v)
		}
	default:
		return 0, fmt.Errorf("%w: %s has type %T", ErrInvalidConfig, key, raw)
	}

	if d <= 0 {
		return 0, fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, key)
	}
	return d, nil
}
