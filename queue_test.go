package agentmgr

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoHandler(_ context.Context, item WorkItem) (any, error) {
	return item.Payload["msg"], nil
}

// waitDone waits for every id to finish and returns the results in order
func waitDone(t *testing.T, w *QueueWorker, ids ...string) []WorkResult {
	t.Helper()
	out := make([]WorkResult, len(ids))
	require.Eventually(t, func() bool {
		for i, id := range ids {
			res, ok := w.Result(id)
			if !ok || !res.Status.Done() {
				return false
			}
			out[i] = res
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)
	return out
}

func TestQueueFIFOWithFailures(t *testing.T) {
	var (
		mu    sync.Mutex
		order []int
	)
	w := NewQueueWorker(WithHandler("step", func(_ context.Context, item WorkItem) (any, error) {
		n := item.Payload["n"].(int)
		mu.Lock()
		order = append(order, n)
		mu.Unlock()
		if n%2 == 1 {
			return nil, errors.New("odd step")
		}
		return n * 10, nil
	}))

	ids := make([]string, 0, 6)
	for i := 0; i < 6; i++ {
		ids = append(ids, w.Submit(WorkItem{Type: "step", Payload: map[string]any{"n": i}}))
	}
	assert.Equal(t, 6, w.Pending())

	w.Start(context.Background())
	t.Cleanup(func() { require.NoError(t, w.Stop()) })

	results := waitDone(t, w, ids...)

	mu.Lock()
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5}, order)
	mu.Unlock()

	for i, res := range results {
		if i > 0 {
			assert.False(t, res.StartedAt.Before(results[i-1].StartedAt), "item %d started before its predecessor", i)
			assert.False(t, res.StartedAt.Before(results[i-1].FinishedAt), "items never overlap")
		}
		if i%2 == 1 {
			assert.Equal(t, WorkFailed, res.Status)
			assert.Equal(t, "odd step", res.Error)
			assert.Nil(t, res.Result)
		} else {
			assert.Equal(t, WorkCompleted, res.Status)
			assert.Equal(t, i*10, res.Result)
		}
		assert.False(t, res.FinishedAt.Before(res.StartedAt))
		assert.GreaterOrEqual(t, res.Duration, time.Duration(0))
	}
	assert.Zero(t, w.Pending())
}

func TestQueueStatusTransitions(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	w := NewQueueWorker(WithHandler("block", func(context.Context, WorkItem) (any, error) {
		close(entered)
		<-release
		return "ok", nil
	}))

	id := w.Submit(WorkItem{Type: "block"})
	res, ok := w.Result(id)
	require.True(t, ok)
	assert.Equal(t, WorkQueued, res.Status)
	assert.True(t, res.StartedAt.IsZero())

	w.Start(context.Background())
	t.Cleanup(func() { require.NoError(t, w.Stop()) })

	<-entered
	res, _ = w.Result(id)
	assert.Equal(t, WorkRunning, res.Status)
	assert.False(t, res.StartedAt.IsZero())

	close(release)
	res = waitDone(t, w, id)[0]
	assert.Equal(t, WorkCompleted, res.Status)
	assert.Equal(t, "ok", res.Result)

	_, ok = w.Result("missing")
	assert.False(t, ok)
}

func TestQueueUnknownTypeAndPanic(t *testing.T) {
	w := NewQueueWorker(
		WithHandler("echo", echoHandler),
		WithHandler("explode", func(context.Context, WorkItem) (any, error) {
			panic("handler bug")
		}),
	)
	w.Start(context.Background())
	t.Cleanup(func() { require.NoError(t, w.Stop()) })

	unknown := w.Submit(WorkItem{Type: "transcode"})
	boom := w.Submit(WorkItem{Type: "explode"})
	after := w.Submit(WorkItem{Type: "echo", Payload: map[string]any{"msg": "still alive"}})

	results := waitDone(t, w, unknown, boom, after)
	assert.Equal(t, WorkFailed, results[0].Status)
	assert.Contains(t, results[0].Error, `no handler for item type "transcode"`)
	assert.Equal(t, WorkFailed, results[1].Status)
	assert.Contains(t, results[1].Error, "handler bug")
	assert.Equal(t, WorkCompleted, results[2].Status)
	assert.Equal(t, "still alive", results[2].Result)
}

func TestQueueStartStop(t *testing.T) {
	w := NewQueueWorker(WithHandler("echo", echoHandler))

	require.NoError(t, w.Stop(), "stop without start")

	ctx := context.Background()
	w.Start(ctx)
	w.Start(ctx)
	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())

	// Items submitted while stopped stay queued until the next start.
	id := w.Submit(WorkItem{Type: "echo"})
	time.Sleep(20 * time.Millisecond)
	res, _ := w.Result(id)
	assert.Equal(t, WorkQueued, res.Status)

	w.Start(ctx)
	t.Cleanup(func() { require.NoError(t, w.Stop()) })
	waitDone(t, w, id)
}

func TestQueueSingleDrainLoop(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	w := NewQueueWorker(WithHandler("block", func(context.Context, WorkItem) (any, error) {
		close(entered)
		<-release
		return nil, nil
	}))
	w.Submit(WorkItem{Type: "block"})
	w.Start(context.Background())
	t.Cleanup(func() { require.NoError(t, w.Stop()) })

	<-entered
	err := w.Run(context.Background(), nil)
	assert.ErrorIs(t, err, ErrWorkerRunning)
	close(release)
}

func TestQueueForget(t *testing.T) {
	release := make(chan struct{})
	w := NewQueueWorker(WithHandler("block", func(context.Context, WorkItem) (any, error) {
		<-release
		return nil, nil
	}))
	w.Start(context.Background())
	t.Cleanup(func() { require.NoError(t, w.Stop()) })

	id := w.Submit(WorkItem{Type: "block"})
	assert.False(t, w.Forget(id), "unfinished items are kept")

	close(release)
	waitDone(t, w, id)
	assert.True(t, w.Forget(id))
	_, ok := w.Result(id)
	assert.False(t, ok)
	assert.False(t, w.Forget(id))
}

func TestQueueMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewQueueMetrics(reg, "test")
	require.NoError(t, err)

	_, err = NewQueueMetrics(reg, "test")
	assert.Error(t, err, "duplicate registration")

	w := NewQueueWorker(
		WithQueueMetrics(m),
		WithHandler("echo", echoHandler),
		WithHandler("fail", func(context.Context, WorkItem) (any, error) {
			return nil, errors.New("nope")
		}),
	)

	ids := []string{
		w.Submit(WorkItem{Type: "echo"}),
		w.Submit(WorkItem{Type: "echo"}),
		w.Submit(WorkItem{Type: "fail"}),
	}
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Depth))

	w.Start(context.Background())
	t.Cleanup(func() { require.NoError(t, w.Stop()) })
	waitDone(t, w, ids...)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Items.WithLabelValues("echo", string(WorkCompleted))))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Items.WithLabelValues("fail", string(WorkFailed))))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Depth))
	assert.Equal(t, 2, testutil.CollectAndCount(m.Duration))
}

func TestQueueAttachedToOrchestrator(t *testing.T) {
	o := newTestOrchestrator(t)
	ctx := context.Background()

	w := NewQueueWorker(WithHandler("echo", echoHandler), WithIdleBeat(10*time.Millisecond))
	rec, err := o.Create(ctx, "queue", KindAIWorker, nil)
	require.NoError(t, err)
	require.NoError(t, o.Attach(rec.ID, w.Run))

	id := w.Submit(WorkItem{Type: "echo", Payload: map[string]any{"msg": "hi"}})
	res := waitDone(t, w, id)[0]
	assert.Equal(t, "hi", res.Result)

	running := waitStatus(t, o, rec.ID, StatusRunning)
	require.Eventually(t, func() bool {
		cur, _ := o.Get(running.ID)
		return cur.LastHeartbeat != nil
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, o.Stop(ctx, rec.ID))
	got, _ := o.Get(rec.ID)
	assert.Equal(t, StatusStopped, got.Status)
	assert.Empty(t, got.Error)
}
