package agentmgr

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"
	"vawter.tech/stopper"
)

// Snapshot is the JSON document written for external observers such as a
// dashboard generator
type Snapshot struct {
	GeneratedAt time.Time         `json:"generated_at"`
	Stats       Stats             `json:"stats"`
	Components  []Record          `json:"components"`
	Services    map[string]Health `json:"services,omitempty"`
}

// TakeSnapshot captures the Orchestrator's records and stats
func TakeSnapshot(o *Orchestrator) Snapshot {
	return Snapshot{
		GeneratedAt: time.Now(),
		Stats:       o.Stats(),
		Components:  o.List(),
	}
}

// WriteSnapshot atomically replaces path with snap encoded as JSON.
// Readers never observe a partially written file.
func WriteSnapshot(path string, snap Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := renameio.WriteFile(path, append(data, '\n'), FileMode); err != nil {
		return opErr("snapshot", path, err)
	}
	return nil
}

// SnapshotWriter periodically writes a Snapshot of an Orchestrator.
// When Services is set, each snapshot also carries a health check of every
// registered service.
type SnapshotWriter struct {
	Path     string
	Interval time.Duration
	Services *ServiceManager

	o   *Orchestrator
	log zerolog.Logger

	mu   sync.Mutex
	sctx *stopper.Context
}

// NewSnapshotWriter creates a writer for o; call Start to begin writing
func NewSnapshotWriter(o *Orchestrator, path string, interval time.Duration, log zerolog.Logger) *SnapshotWriter {
	if interval <= 0 {
		interval = DefaultSnapshotInterval
	}
	return &SnapshotWriter{
		Path:     path,
		Interval: interval,
		o:        o,
		log:      log,
	}
}

// WriteOnce writes a single snapshot
func (w *SnapshotWriter) WriteOnce(ctx context.Context) error {
	snap := TakeSnapshot(w.o)
	if w.Services != nil {
		snap.Services = w.Services.HealthCheckAll(ctx)
	}
	return WriteSnapshot(w.Path, snap)
}

// Start writes a snapshot immediately and then every Interval until Stop.
// Starting a started writer is a no-op.
func (w *SnapshotWriter) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.sctx != nil {
		return
	}
	w.sctx = stopper.WithContext(ctx)

	runCtx, cancel := context.WithCancel(ctx)
	w.sctx.Defer(cancel)
	w.sctx.Go(func(s *stopper.Context) error {
		ticker := time.NewTicker(w.Interval)
		defer ticker.Stop()

		for {
			if err := w.WriteOnce(runCtx); err != nil {
				w.log.Warn().Err(err).Str("path", w.Path).Msg("snapshot write failed")
			}
			select {
			case <-s.Stopping():
				return nil
			case <-ticker.C:
			}
		}
	})
}

// Stop ends periodic writing and waits for the writer goroutine
func (w *SnapshotWriter) Stop() error {
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
