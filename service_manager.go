package agentmgr

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ServiceManager runs lifecycle operations across many services concurrently.
// Every bulk operation returns one entry per registered service; a failing
// service never blocks or fails the others.
type ServiceManager struct {
	// Concurrency is the maximum number of concurrent operations
	Concurrency int
	// Timeout is the per-operation timeout
	Timeout time.Duration

	mu       sync.RWMutex
	services map[string]Service
	log      zerolog.Logger
}

// ServiceManagerOption configures a ServiceManager
type ServiceManagerOption func(*ServiceManager)

// WithConcurrency sets the maximum number of concurrent operations
func WithConcurrency(n int) ServiceManagerOption {
	return func(m *ServiceManager) {
		m.Concurrency = n
	}
}

// WithTimeout sets the per-operation timeout
func WithTimeout(d time.Duration) ServiceManagerOption {
	return func(m *ServiceManager) {
		m.Timeout = d
	}
}

// WithServiceLogger sets the logger used by the ServiceManager
func WithServiceLogger(log zerolog.Logger) ServiceManagerOption {
	return func(m *ServiceManager) {
		m.log = log
	}
}

// NewServiceManager creates a new ServiceManager with default settings
func NewServiceManager(opts ...ServiceManagerOption) *ServiceManager {
	m := &ServiceManager{
		Concurrency: DefaultConcurrency,
		Timeout:     DefaultServiceTimeout,
		services:    make(map[string]Service),
		log:         zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.Concurrency < 1 {
		m.Concurrency = 1
	}

	return m
}

// Register adds svc under its name. A service already registered under the
// same name is replaced and a warning is logged.
func (m *ServiceManager) Register(svc Service) error {
	if svc == nil {
		return opErr("register", "", fmt.Errorf("nil service"))
	}
	name := svc.Name()
	if name == "" {
		return opErr("register", name, fmt.Errorf("empty service name"))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.services[name]; ok {
		m.log.Warn().Str("service", name).Msg("overwriting registered service")
	}
	m.services[name] = svc
	return nil
}

// Unregister removes the service and reports whether it existed
func (m *ServiceManager) Unregister(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.services[name]; !ok {
		return false
	}
	delete(m.services, name)
	return true
}

// Get returns the service registered under name
func (m *ServiceManager) Get(name string) (Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	svc, ok := m.services[name]
	if !ok {
		return nil, opErr("get", name, ErrNotFound)
	}
	return svc, nil
}

// List returns the registered names in sorted order
func (m *ServiceManager) List() []string {
	m.mu.RLock()
	names := make([]string, 0, len(m.services))
	for name := range m.services {
		names = append(names, name)
	}
	m.mu.RUnlock()

	sort.Strings(names)
	return names
}

// InitializeAll initializes every service concurrently and reports which succeeded
func (m *ServiceManager) InitializeAll(ctx context.Context) map[string]bool {
	return execute(ctx, m, "initialize",
		func(ctx context.Context, svc Service) bool {
			return svc.Initialize(ctx)
		},
		func(error) bool { return false },
	)
}

// HealthCheckAll checks every service concurrently. Errors and panics become
// unhealthy payloads carrying the error text.
func (m *ServiceManager) HealthCheckAll(ctx context.Context) map[string]Health {
	return execute(ctx, m, "health_check",
		func(ctx context.Context, svc Service) Health {
			h, err := svc.HealthCheck(ctx)
			if err != nil {
				return NewUnhealthyStatus(err)
			}
			return h
		},
		NewUnhealthyStatus,
	)
}

// CleanupAll cleans up every service concurrently. The map holds nil for
// services that cleaned up without error.
func (m *ServiceManager) CleanupAll(ctx context.Context) map[string]error {
	return execute(ctx, m, "cleanup",
		func(ctx context.Context, svc Service) error {
			return svc.Cleanup(ctx)
		},
		func(err error) error { return err },
	)
}

// snapshot returns a copy of the service map so operations run without the lock
func (m *ServiceManager) snapshot() map[string]Service {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Service, len(m.services))
	for name, svc := range m.services {
		out[name] = svc
	}
	return out
}

// execute fans op out over every registered service and collects one result
// per service. failed converts a context error or recovered panic into a result.
func execute[T any](ctx context.Context, m *ServiceManager, opName string, op func(context.Context, Service) T, failed func(error) T) map[string]T {
	services := m.snapshot()
	results := make(map[string]T, len(services))
	if len(services) == 0 {
		return results
	}

	// Semaphore for concurrency control
	sem := make(chan struct{}, m.Concurrency)

	var wg sync.WaitGroup
	var mu sync.Mutex

	record := func(name string, v T) {
		mu.Lock()
		results[name] = v
		mu.Unlock()
	}

	for name, svc := range services {
		wg.Add(1)
		go func(name string, svc Service) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					err := fmt.Errorf("panic: %v", r)
					m.log.Error().Str("service", name).Str("op", opName).Err(err).Msg("service operation panicked")
					record(name, failed(err))
				}
			}()

			// Acquire semaphore slot
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				record(name, failed(opErr(opName, name, ctx.Err())))
				return
			}

			// Create operation context with timeout if configured
			opCtx := ctx
			if m.Timeout > 0 {
				var cancel context.CancelFunc
				opCtx, cancel = context.WithTimeout(ctx, m.Timeout)
				defer cancel()
			}

			record(name, op(opCtx, svc))
		}(name, svc)
	}

	// Wait for all goroutines to complete
	wg.Wait()

	return results
}
