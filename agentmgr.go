package agentmgr

import (
	"fmt"
	"strings"
	"time"
)

// Supervision defaults
const (
	// DefaultHeartbeatInterval is the loop interval for heartbeat-only components
	DefaultHeartbeatInterval = 30 * time.Second

	// DefaultCheckInterval is the loop interval for monitor components
	DefaultCheckInterval = 60 * time.Second

	// DefaultStopTimeout bounds how long Stop waits for a loop to exit when the
	// caller's context carries no deadline
	DefaultStopTimeout = 10 * time.Second

	// DefaultWatchDebounce is the default debounce time for config file watching
	DefaultWatchDebounce = 50 * time.Millisecond

	// DefaultConcurrency is the default fan-out width of the ServiceManager
	DefaultConcurrency = 10

	// DefaultServiceTimeout is the default per-call timeout of the ServiceManager
	DefaultServiceTimeout = 5 * time.Second

	// DefaultSnapshotInterval is the default period of the SnapshotWriter
	DefaultSnapshotInterval = 15 * time.Second

	// DefaultWatchdogFactor is how many loop intervals a heartbeat may lag
	// before the Watchdog reports it
	DefaultWatchdogFactor = 2.0
)

// Conventional config keys interpreted by the supervision loop. Values are
// seconds (int, float or numeric string) or a Go duration string.
const (
	ConfigHeartbeatInterval = "heartbeat_interval"
	ConfigCheckInterval     = "check_interval"
)

// File modes
const (
	// FileMode is the default mode for written snapshot files
	FileMode = 0o644
)

// Kind selects the supervision strategy of a component
type Kind int

const (
	// KindUnknown is never accepted by the Orchestrator
	KindUnknown Kind = iota
	// KindWorkflow is registered only; the caller drives it
	KindWorkflow
	// KindService runs a heartbeat-only supervision loop
	KindService
	// KindMonitor runs a heartbeat plus periodic check loop
	KindMonitor
	// KindAIWorker is registered only; the caller drives it (usually a QueueWorker)
	KindAIWorker
)

// Kind string constants
const (
	kindUnknownStr  = "unknown"
	kindWorkflowStr = "workflow"
	kindServiceStr  = "service"
	kindMonitorStr  = "monitor"
	kindAIWorkerStr = "ai_worker"
)

// Kinds lists every valid kind in declaration order
var Kinds = []Kind{KindWorkflow, KindService, KindMonitor, KindAIWorker}

// String returns the string representation of a Kind
func (k Kind) String() string {
	switch k {
	case KindWorkflow:
		return kindWorkflowStr
	case KindService:
		return kindServiceStr
	case KindMonitor:
		return kindMonitorStr
	case KindAIWorker:
		return kindAIWorkerStr
	case KindUnknown:
		fallthrough
	default:
		return kindUnknownStr
	}
}

// Valid reports whether k is one of the declared kinds
func (k Kind) Valid() bool {
	return k >= KindWorkflow && k <= KindAIWorker
}

// scheduled reports whether the Orchestrator runs a built-in loop for k
func (k Kind) scheduled() bool {
	return k == KindService || k == KindMonitor
}

// ParseKind parses a kind name. Matching is case-insensitive and accepts
// '-' in place of '_'.
func ParseKind(s string) (Kind, error) {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_") {
	case kindWorkflowStr:
		return KindWorkflow, nil
	case kindServiceStr:
		return KindService, nil
	case kindMonitorStr:
		return KindMonitor, nil
	case kindAIWorkerStr, "aiworker":
		return KindAIWorker, nil
	default:
		return KindUnknown, fmt.Errorf("%w: %q", ErrInvalidKind, s)
	}
}

// MarshalText implements encoding.TextMarshaler
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (k *Kind) UnmarshalText(b []byte) error {
	v, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// Status is the lifecycle state of a component
type Status int

const (
	// StatusUnknown is the zero value and never stored in a record
	StatusUnknown Status = iota
	// StatusStarting is the state of a freshly created record
	StatusStarting
	// StatusRunning means the supervision loop is active
	StatusRunning
	// StatusStopping means a stop was requested and the loop is being cancelled
	StatusStopping
	// StatusStopped is terminal; the loop has exited
	StatusStopped
	// StatusError is terminal; the loop failed
	StatusError
)

// Status string constants
const (
	statusUnknownStr  = "unknown"
	statusStartingStr = "starting"
	statusRunningStr  = "running"
	statusStoppingStr = "stopping"
	statusStoppedStr  = "stopped"
	statusErrorStr    = "error"
)

// Statuses lists every valid status in lifecycle order
var Statuses = []Status{StatusStarting, StatusRunning, StatusStopping, StatusStopped, StatusError}

// String returns the string representation of a Status
func (s Status) String() string {
	switch s {
	case StatusStarting:
		return statusStartingStr
	case StatusRunning:
		return statusRunningStr
	case StatusStopping:
		return statusStoppingStr
	case StatusStopped:
		return statusStoppedStr
	case StatusError:
		return statusErrorStr
	case StatusUnknown:
		fallthrough
	default:
		return statusUnknownStr
	}
}

// Valid reports whether s is one of the declared statuses
func (s Status) Valid() bool {
	return s >= StatusStarting && s <= StatusError
}

// Terminal reports whether no further transition is possible from s
func (s Status) Terminal() bool {
	return s == StatusStopped || s == StatusError
}

// CanTransition reports whether a record may move from s to next.
// Running to running is allowed so heartbeats can be recorded.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusStarting:
		return next == StatusRunning || next == StatusStopping || next == StatusError
	case StatusRunning:
		return next == StatusRunning || next == StatusStopping || next == StatusError
	case StatusStopping:
		return next == StatusStopped || next == StatusError
	default:
		return false
	}
}

// ParseStatus parses a status name (case-insensitive)
func ParseStatus(s string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case statusStartingStr:
		return StatusStarting, nil
	case statusRunningStr:
		return StatusRunning, nil
	case statusStoppingStr:
		return StatusStopping, nil
	case statusStoppedStr:
		return StatusStopped, nil
	case statusErrorStr:
		return StatusError, nil
	default:
		return StatusUnknown, fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
}

// MarshalText implements encoding.TextMarshaler
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
