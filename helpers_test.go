package agentmgr

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// syncBuffer is a bytes.Buffer safe for concurrent log writes
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// captureLogger returns a JSON logger writing into the returned buffer
func captureLogger() (zerolog.Logger, *syncBuffer) {
	buf := &syncBuffer{}
	return zerolog.New(buf).Level(zerolog.TraceLevel), buf
}

// newTestOrchestrator creates an Orchestrator closed at test cleanup
func newTestOrchestrator(t *testing.T, opts ...OrchestratorOption) *Orchestrator {
	t.Helper()
	o := New(opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, o.Close(ctx))
	})
	return o
}

// waitStatus waits up to two seconds for id to reach status
func waitStatus(t *testing.T, o *Orchestrator, id string, status Status) Record {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	rec, err := o.WaitStatus(ctx, id, status)
	require.NoError(t, err, "waiting for %s, last status %s", status, rec.Status)
	return rec
}

// fastMonitor is the config of a monitor checking every 10ms
func fastMonitor() map[string]any {
	return map[string]any{ConfigCheckInterval: "10ms"}
}
