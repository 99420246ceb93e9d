package agentmgr

import (
	"maps"
	"time"
)

// Record describes one managed component. Records handed out by the Registry
// and the Orchestrator are copies; mutating them has no effect on the registry.
type Record struct {
	// ID is the unique identity, immutable after creation
	ID string `json:"id"`
	// Name is the caller-chosen display name
	Name string `json:"name"`
	// Kind selects the supervision strategy
	Kind Kind `json:"kind"`
	// Status is the current lifecycle state
	Status Status `json:"status"`
	// Config is passed through unchanged except the interval keys
	Config map[string]any `json:"config,omitempty"`
	// Metadata is never interpreted by the core
	Metadata map[string]any `json:"metadata,omitempty"`
	// CreatedAt is the creation time
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt changes on every status, config or metadata mutation
	UpdatedAt time.Time `json:"updated_at"`
	// LastHeartbeat is only meaningful while Status is StatusRunning
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
	// Error holds the failure text once Status is StatusError
	Error string `json:"error,omitempty"`
}

// HeartbeatAge returns the time since the last heartbeat. ok is false when the
// record is not running or has never beaten.
func (r Record) HeartbeatAge(now time.Time) (age time.Duration, ok bool) {
	if r.Status != StatusRunning || r.LastHeartbeat == nil {
		return 0, false
	}
	return now.Sub(*r.LastHeartbeat), true
}

func (r Record) clone() Record {
	out := r
	out.Config = maps.Clone(r.Config)
	out.Metadata = maps.Clone(r.Metadata)
	if r.LastHeartbeat != nil {
		hb := *r.LastHeartbeat
		out.LastHeartbeat = &hb
	}
	return out
}

// Patch is a partial update applied by Update. Nil fields are left untouched;
// Config and Metadata entries are merged key by key.
type Patch struct {
	Status   *Status
	Config   map[string]any
	Metadata map[string]any
}

// Stats counts records by kind and by status. Both partitions sum to Total.
type Stats struct {
	Total    int            `json:"total"`
	ByKind   map[Kind]int   `json:"by_kind"`
	ByStatus map[Status]int `json:"by_status"`
}
