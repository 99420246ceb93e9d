package agentmgr

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Registry is the in-memory directory of component records.
// It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*Record
	log     zerolog.Logger
	now     func() time.Time
}

// NewRegistry creates an empty registry
func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{
		records: make(map[string]*Record),
		log:     log,
		now:     time.Now,
	}
}

// Register inserts rec, replacing any record with the same id.
// A replacement is logged as a warning.
func (r *Registry) Register(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[rec.ID]; ok {
		r.log.Warn().Str("id", rec.ID).Str("name", rec.Name).Msg("overwriting registered component")
	}
	c := rec.clone()
	r.records[rec.ID] = &c
}

// Unregister removes the record and reports whether it existed
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[id]; !ok {
		return false
	}
	delete(r.records, id)
	return true
}

// Get returns a copy of the record
func (r *Registry) Get(id string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[id]
	if !ok {
		return Record{}, false
	}
	return rec.clone(), true
}

// List returns copies of all records ordered by creation time
func (r *Registry) List() []Record {
	return r.filter(func(*Record) bool { return true })
}

// ListByKind returns copies of the records of the given kind
func (r *Registry) ListByKind(kind Kind) []Record {
	return r.filter(func(rec *Record) bool { return rec.Kind == kind })
}

// ListByStatus returns copies of the records in the given status
func (r *Registry) ListByStatus(status Status) []Record {
	return r.filter(func(rec *Record) bool { return rec.Status == status })
}

func (r *Registry) filter(keep func(*Record) bool) []Record {
	r.mu.RLock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		if keep(rec) {
			out = append(out, rec.clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// UpdateStatus moves the record to status. When heartbeat is non-nil it is
// stored as the last heartbeat. Leaving StatusRunning clears the heartbeat.
// Unknown ids return ErrNotFound; forbidden moves return ErrInvalidTransition.
func (r *Registry) UpdateStatus(id string, status Status, heartbeat *time.Time) (Record, error) {
	return r.mutate(id, func(rec *Record) error {
		if err := r.setStatus(rec, status); err != nil {
			return err
		}
		if heartbeat != nil && status == StatusRunning {
			hb := *heartbeat
			rec.LastHeartbeat = &hb
		}
		return nil
	})
}

// Update applies p to the record
func (r *Registry) Update(id string, p Patch) (Record, error) {
	return r.mutate(id, func(rec *Record) error {
		if p.Status != nil {
			if err := r.setStatus(rec, *p.Status); err != nil {
				return err
			}
		}
		if len(p.Config) > 0 {
			if rec.Config == nil {
				rec.Config = make(map[string]any, len(p.Config))
			}
			for k, v := range p.Config {
				rec.Config[k] = v
			}
		}
		if len(p.Metadata) > 0 {
			if rec.Metadata == nil {
				rec.Metadata = make(map[string]any, len(p.Metadata))
			}
			for k, v := range p.Metadata {
				rec.Metadata[k] = v
			}
		}
		return nil
	})
}

// fail moves the record to StatusError and stores the failure text
func (r *Registry) fail(id string, cause error) (Record, error) {
	return r.mutate(id, func(rec *Record) error {
		if err := r.setStatus(rec, StatusError); err != nil {
			return err
		}
		if cause != nil {
			rec.Error = cause.Error()
		}
		return nil
	})
}

func (r *Registry) setStatus(rec *Record, status Status) error {
	if !status.Valid() {
		return ErrInvalidStatus
	}
	if !rec.Status.CanTransition(status) {
		return ErrInvalidTransition
	}
	rec.Status = status
	if status != StatusRunning {
		rec.LastHeartbeat = nil
	}
	return nil
}

func (r *Registry) mutate(id string, fn func(*Record) error) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	// Work on a copy so a rejected mutation leaves the record untouched.
	next := rec.clone()
	if err := fn(&next); err != nil {
		return rec.clone(), err
	}
	next.UpdatedAt = r.now()
	r.records[id] = &next
	return next.clone(), nil
}

// Len returns the number of records
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// Stats counts records grouped by kind and by status
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st := Stats{
		Total:    len(r.records),
		ByKind:   make(map[Kind]int, len(Kinds)),
		ByStatus: make(map[Status]int, len(Statuses)),
	}
	for _, rec := range r.records {
		st.ByKind[rec.Kind]++
		st.ByStatus[rec.Status]++
	}
	return st
}
