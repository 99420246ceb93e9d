package agentmgr

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"vawter.tech/stopper"
)

// Stale describes a running component whose heartbeat is overdue
type Stale struct {
	Record   Record
	Age      time.Duration
	Interval time.Duration
}

// Watchdog reports running components whose last heartbeat is older than
// Factor times their loop interval. It only observes; records are never
// changed by the watchdog.
type Watchdog struct {
	// Interval is how often Start scans
	Interval time.Duration
	// Factor is the number of missed intervals tolerated
	Factor float64
	// OnStale, when set, is called for every stale component found by Start
	OnStale func(Stale)

	o   *Orchestrator
	log zerolog.Logger
	now func() time.Time

	mu   sync.Mutex
	sctx *stopper.Context
}

// NewWatchdog creates a watchdog over o; call Start to begin scanning
func NewWatchdog(o *Orchestrator, interval time.Duration, factor float64, log zerolog.Logger) *Watchdog {
	if interval <= 0 {
		interval = DefaultCheckInterval
	}
	if factor < 1 {
		factor = DefaultWatchdogFactor
	}
	return &Watchdog{
		Interval: interval,
		Factor:   factor,
		o:        o,
		log:      log,
		now:      time.Now,
	}
}

// Scan returns the stale components. Attached loops have no fixed interval
// and are skipped.
func (w *Watchdog) Scan() []Stale {
	now := w.now()

	var out []Stale
	for _, rec := range w.o.ListByStatus(StatusRunning) {
		interval := w.o.loopInterval(rec)
		if interval <= 0 {
			continue
		}
		age, ok := rec.HeartbeatAge(now)
		if !ok {
			continue
		}
		if age > time.Duration(w.Factor*float64(interval)) {
			out = append(out, Stale{Record: rec, Age: age, Interval: interval})
		}
	}
	return out
}

// Start scans every Interval until Stop. Starting a started watchdog is a no-op.
func (w *Watchdog) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.sctx != nil {
		return
	}
	w.sctx = stopper.WithContext(ctx)

	w.sctx.Go(func(s *stopper.Context) error {
		ticker := time.NewTicker(w.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.Stopping():
				return nil
			case <-ticker.C:
			}

			for _, st := range w.Scan() {
				w.log.Warn().
					Str("id", st.Record.ID).
					Str("name", st.Record.Name).
					Stringer("kind", st.Record.Kind).
					Dur("age", st.Age).
					Dur("interval", st.Interval).
					Msg("component heartbeat is stale")
				if w.OnStale != nil {
					w.OnStale(st)
				}
			}
		}
	})
}

// Stop ends scanning and waits for the watchdog goroutine
func (w *Watchdog) Stop() error {
	w.mu.Lock()
	sctx := w.sctx
	w.sctx = nil
	w.mu.Unlock()

	if sctx == nil {
		return nil
	}
	sctx.Stop(time.Second)
	return sctx.Wait()
}
