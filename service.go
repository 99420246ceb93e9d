package agentmgr

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// HealthState is the coarse outcome of a health check
type HealthState string

const (
	// HealthHealthy means the service answered its check
	HealthHealthy HealthState = "healthy"
	// HealthUnhealthy means the check failed; Message carries the reason
	HealthUnhealthy HealthState = "unhealthy"
)

// MessageNotInitialized is the reason reported for services that were never
// initialized successfully
const MessageNotInitialized = "service not initialized"

// Health is the payload returned by a service health check
type Health struct {
	// State is the overall health state
	State HealthState `json:"state"`
	// Message provides additional context, e.g. the failure reason
	Message string `json:"message,omitempty"`
	// Details contains service-specific information
	Details map[string]any `json:"details,omitempty"`
	// CheckedAt is when this payload was produced
	CheckedAt time.Time `json:"checked_at"`
}

// Healthy reports whether h is HealthHealthy
func (h Health) Healthy() bool {
	return h.State == HealthHealthy
}

// NewHealthyStatus returns a healthy payload carrying details
func NewHealthyStatus(details map[string]any) Health {
	return Health{State: HealthHealthy, Details: details, CheckedAt: time.Now()}
}

// NewUnhealthyStatus returns an unhealthy payload carrying the error text
func NewUnhealthyStatus(err error) Health {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return Health{State: HealthUnhealthy, Message: msg, CheckedAt: time.Now()}
}

// notInitialized is the fixed payload of a service that was never initialized
func notInitialized() Health {
	return Health{
		State:     HealthUnhealthy,
		Message:   MessageNotInitialized,
		Details:   map[string]any{"initialized": false},
		CheckedAt: time.Now(),
	}
}

// Service is a passive, externally probed component managed by a ServiceManager
type Service interface {
	// Name is the unique registration key
	Name() string
	// Initialize prepares the service. Failures are reported as false, never
	// as a panic or error.
	Initialize(ctx context.Context) bool
	// HealthCheck probes the service
	HealthCheck(ctx context.Context) (Health, error)
	// Cleanup releases resources and resets the initialized flag
	Cleanup(ctx context.Context) error
}

// Driver is the service-specific logic wrapped by BaseService
type Driver interface {
	Init(ctx context.Context) error
	Check(ctx context.Context) (map[string]any, error)
	Close(ctx context.Context) error
}

// BaseService implements Service on top of a Driver and tracks whether the
// driver was initialized successfully.
type BaseService struct {
	name        string
	driver      Driver
	initialized atomic.Bool
	log         zerolog.Logger
}

// NewService wraps d as a Service named name
func NewService(name string, d Driver, log zerolog.Logger) *BaseService {
	return &BaseService{
		name:   name,
		driver: d,
		log:    log.With().Str("service", name).Logger(),
	}
}

// Name returns the service name
func (s *BaseService) Name() string {
	return s.name
}

// Initialized reports whether the last Initialize succeeded
func (s *BaseService) Initialized() bool {
	return s.initialized.Load()
}

// Initialize runs the driver's Init and records the outcome
func (s *BaseService) Initialize(ctx context.Context) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Msg("service initialization panicked")
			s.initialized.Store(false)
			ok = false
		}
	}()

	if err := s.driver.Init(ctx); err != nil {
		s.log.Error().Err(err).Msg("service initialization failed")
		s.initialized.Store(false)
		return false
	}
	s.initialized.Store(true)
	s.log.Info().Msg("service initialized")
	return true
}

// HealthCheck returns the not-initialized payload until Initialize succeeds,
// then delegates to the driver's Check.
func (s *BaseService) HealthCheck(ctx context.Context) (Health, error) {
	if !s.initialized.Load() {
		return notInitialized(), nil
	}
	details, err := s.driver.Check(ctx)
	if err != nil {
		return Health{}, err
	}
	return NewHealthyStatus(details), nil
}

// Cleanup closes the driver and resets the initialized flag
func (s *BaseService) Cleanup(ctx context.Context) error {
	wasInit := s.initialized.Swap(false)
	if !wasInit {
		return nil
	}
	if err := s.driver.Close(ctx); err != nil {
		return fmt.Errorf("service cleanup: %w", err)
	}
	s.log.Debug().Msg("service cleaned up")
	return nil
}
