package agentmgr

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDriver is a scriptable Driver
type fakeDriver struct {
	initErr   error
	initPanic any
	checkErr  error
	closeErr  error
	delay     time.Duration
	closed    atomic.Int32
	details   map[string]any
}

func (d *fakeDriver) Init(context.Context) error {
	if d.initPanic != nil {
		panic(d.initPanic)
	}
	return d.initErr
}

func (d *fakeDriver) Check(ctx context.Context) (map[string]any, error) {
	if d.delay > 0 {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return d.details, d.checkErr
}

func (d *fakeDriver) Close(context.Context) error {
	d.closed.Add(1)
	return d.closeErr
}

// panicService panics from HealthCheck
type panicService struct{ name string }

func (p panicService) Name() string                    { return p.name }
func (p panicService) Initialize(context.Context) bool { return true }
func (p panicService) Cleanup(context.Context) error   { return nil }
func (p panicService) HealthCheck(context.Context) (Health, error) {
	panic("probe exploded")
}

func TestServiceManagerDockerProxmox(t *testing.T) {
	m := NewServiceManager()
	ctx := context.Background()

	docker := NewService("docker", &fakeDriver{details: map[string]any{"containers": 3}}, zerolog.Nop())
	proxmox := NewService("proxmox", &fakeDriver{initErr: errors.New("connection refused")}, zerolog.Nop())
	require.NoError(t, m.Register(docker))
	require.NoError(t, m.Register(proxmox))

	assert.Equal(t, map[string]bool{"docker": true, "proxmox": false}, m.InitializeAll(ctx))

	health := m.HealthCheckAll(ctx)
	require.Len(t, health, 2)
	assert.True(t, health["docker"].Healthy())
	assert.Equal(t, 3, health["docker"].Details["containers"])
	assert.Equal(t, HealthUnhealthy, health["proxmox"].State)
	assert.Equal(t, MessageNotInitialized, health["proxmox"].Message)
}

func TestServiceManagerOneEntryPerService(t *testing.T) {
	m := NewServiceManager(WithConcurrency(2))
	ctx := context.Background()

	const n, failing = 7, 3
	for i := 0; i < n; i++ {
		d := &fakeDriver{}
		if i < failing {
			d.checkErr = fmt.Errorf("svc-%d down", i)
		}
		svc := NewService(fmt.Sprintf("svc-%d", i), d, zerolog.Nop())
		require.NoError(t, m.Register(svc))
	}

	inits := m.InitializeAll(ctx)
	assert.Len(t, inits, n)

	health := m.HealthCheckAll(ctx)
	require.Len(t, health, n)
	unhealthy := 0
	for name, h := range health {
		if !h.Healthy() {
			unhealthy++
			assert.Equal(t, name+" down", h.Message)
		}
	}
	assert.Equal(t, failing, unhealthy)
}

func TestServiceManagerRecoversPanics(t *testing.T) {
	log, buf := captureLogger()
	m := NewServiceManager(WithServiceLogger(log))
	ctx := context.Background()

	require.NoError(t, m.Register(panicService{name: "boom"}))
	require.NoError(t, m.Register(NewService("ok", &fakeDriver{}, zerolog.Nop())))
	m.InitializeAll(ctx)

	health := m.HealthCheckAll(ctx)
	require.Len(t, health, 2)
	assert.Equal(t, HealthUnhealthy, health["boom"].State)
	assert.Contains(t, health["boom"].Message, "probe exploded")
	assert.True(t, health["ok"].Healthy())
	assert.Contains(t, buf.String(), "service operation panicked")
}

func TestServiceInitializePanicIsFalse(t *testing.T) {
	svc := NewService("p", &fakeDriver{initPanic: "bad driver"}, zerolog.Nop())
	assert.False(t, svc.Initialize(context.Background()))
	assert.False(t, svc.Initialized())
}

func TestServiceManagerTimeout(t *testing.T) {
	m := NewServiceManager(WithTimeout(20 * time.Millisecond))
	ctx := context.Background()

	require.NoError(t, m.Register(NewService("slow", &fakeDriver{delay: time.Second}, zerolog.Nop())))
	m.InitializeAll(ctx)

	start := time.Now()
	health := m.HealthCheckAll(ctx)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, HealthUnhealthy, health["slow"].State)
	assert.Contains(t, health["slow"].Message, context.DeadlineExceeded.Error())
}

func TestServiceManagerCanceledContext(t *testing.T) {
	m := NewServiceManager(WithConcurrency(1))
	require.NoError(t, m.Register(NewService("a", &fakeDriver{}, zerolog.Nop())))
	require.NoError(t, m.Register(NewService("b", &fakeDriver{}, zerolog.Nop())))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Every service still gets an entry.
	assert.Len(t, m.InitializeAll(ctx), 2)
}

func TestServiceManagerRegistry(t *testing.T) {
	log, buf := captureLogger()
	m := NewServiceManager(WithServiceLogger(log))

	assert.Error(t, m.Register(nil))
	assert.Error(t, m.Register(NewService("", &fakeDriver{}, zerolog.Nop())))

	require.NoError(t, m.Register(NewService("b", &fakeDriver{}, zerolog.Nop())))
	require.NoError(t, m.Register(NewService("a", &fakeDriver{}, zerolog.Nop())))
	assert.NotContains(t, buf.String(), "overwriting")

	replacement := NewService("a", &fakeDriver{}, zerolog.Nop())
	require.NoError(t, m.Register(replacement))
	assert.Contains(t, buf.String(), "overwriting registered service")

	got, err := m.Get("a")
	require.NoError(t, err)
	assert.Same(t, replacement, got)

	_, err = m.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Equal(t, []string{"a", "b"}, m.List())
	assert.True(t, m.Unregister("b"))
	assert.False(t, m.Unregister("b"))
	assert.Equal(t, []string{"a"}, m.List())
}

func TestServiceManagerCleanupAll(t *testing.T) {
	m := NewServiceManager()
	ctx := context.Background()

	good := &fakeDriver{}
	bad := &fakeDriver{closeErr: errors.New("socket busy")}
	never := &fakeDriver{initErr: errors.New("nope")}
	goodSvc := NewService("good", good, zerolog.Nop())
	require.NoError(t, m.Register(goodSvc))
	require.NoError(t, m.Register(NewService("bad", bad, zerolog.Nop())))
	require.NoError(t, m.Register(NewService("never", never, zerolog.Nop())))

	m.InitializeAll(ctx)
	require.True(t, goodSvc.Initialized())

	errs := m.CleanupAll(ctx)
	require.Len(t, errs, 3)
	assert.NoError(t, errs["good"])
	assert.NoError(t, errs["never"])
	assert.ErrorContains(t, errs["bad"], "socket busy")

	assert.False(t, goodSvc.Initialized())
	assert.EqualValues(t, 1, good.closed.Load())
	assert.Zero(t, never.closed.Load(), "uninitialized drivers are not closed")

	// Health after cleanup is the not-initialized payload again.
	h := m.HealthCheckAll(ctx)["good"]
	assert.Equal(t, MessageNotInitialized, h.Message)
	assert.Equal(t, false, h.Details["initialized"])

	// A second cleanup does not close again.
	m.CleanupAll(ctx)
	assert.EqualValues(t, 1, good.closed.Load())
}

func TestServiceManagerEmpty(t *testing.T) {
	m := NewServiceManager()
	assert.Empty(t, m.HealthCheckAll(context.Background()))
	assert.NotNil(t, m.CleanupAll(context.Background()))
}
