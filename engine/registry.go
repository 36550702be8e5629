package engine

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// entry pairs an immutable condition with its live status. All terminal
// transitions go through compare-and-set on the status word; that is the
// only synchronization the touch/unregister race relies on.
type entry struct {
	cond   Condition
	status atomic.Int32
}

// Registry is the authoritative in-memory index of active conditions, keyed
// by condition id and by instrument token. Snapshots handed to callers are
// copies; internal entries never escape.
type Registry struct {
	mu      sync.RWMutex
	byID    map[string]*entry
	byToken map[uint32]map[string]*entry
	coord   *Coordinator
	logger  *slog.Logger
}

// NewRegistry creates an empty registry backed by the given coordinator.
func NewRegistry(coord *Coordinator, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		byID:    make(map[string]*entry),
		byToken: make(map[uint32]map[string]*entry),
		coord:   coord,
		logger:  logger,
	}
}

// Register validates and inserts an ACTIVE condition, acquiring the
// instrument's feed reference under the same lock so the entry is never
// visible without its reference. A ValidationError leaves the registry
// untouched.
func (r *Registry) Register(c Condition) error {
	if err := c.validate(); err != nil {
		return err
	}
	m := c.Meta()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.byID[m.ID]; dup {
		return &ValidationError{Field: "id", Reason: "already registered"}
	}
	e := &entry{cond: c}
	e.status.Store(int32(StatusActive))
	r.byID[m.ID] = e
	byID, ok := r.byToken[m.Token]
	if !ok {
		byID = make(map[string]*entry)
		r.byToken[m.Token] = byID
	}
	byID[m.ID] = e

	// Lock order is always Registry.mu then Coordinator.mu; the coordinator
	// never calls back into the registry.
	r.coord.Acquire(m.Token)
	return nil
}

// RegisterAll bulk-registers conditions. Malformed entries are skipped and
// logged, never fatal to the batch. One feed subscribe is issued per
// distinct instrument regardless of how many conditions map to it.
func (r *Registry) RegisterAll(conds []Condition) (registered, skipped int) {
	for _, c := range conds {
		if err := r.Register(c); err != nil {
			skipped++
			r.logger.Warn("Skipping condition in bulk register", "id", c.Meta().ID, "error", err)
			continue
		}
		registered++
	}
	return registered, skipped
}

// Unregister flips an ACTIVE condition to DELETED and releases its feed
// reference. Unknown ids and conditions already in a terminal state report
// ErrNotFound; the call is idempotent.
func (r *Registry) Unregister(id string) error {
	r.mu.RLock()
	e, ok := r.byID[id]
	r.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	if !e.status.CompareAndSwap(int32(StatusActive), int32(StatusDeleted)) {
		return ErrNotFound
	}
	r.remove(e)
	r.coord.Release(e.cond.Meta().Token)
	return nil
}

// MarkSucceeded flips an ACTIVE condition to SUCCEEDED. It reports false
// when the condition is unknown or already terminal, which is how a touch
// that lost the race against Unregister gets discarded. The feed reference
// stays held; the success pipeline releases it off the tick path.
func (r *Registry) MarkSucceeded(id string) bool {
	r.mu.RLock()
	e, ok := r.byID[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if !e.status.CompareAndSwap(int32(StatusActive), int32(StatusSucceeded)) {
		return false
	}
	r.remove(e)
	return true
}

// UnregisterAllActive flips every ACTIVE condition to DELETED and empties
// the index, returning the flipped conditions for persistence. Feed teardown
// is the caller's job (one bulk ReleaseAll at market close).
func (r *Registry) UnregisterAllActive() []Condition {
	r.mu.Lock()
	defer r.mu.Unlock()

	var flipped []Condition
	for _, e := range r.byID {
		if e.status.CompareAndSwap(int32(StatusActive), int32(StatusDeleted)) {
			flipped = append(flipped, e.cond)
		}
	}
	r.byID = make(map[string]*entry)
	r.byToken = make(map[uint32]map[string]*entry)
	return flipped
}

// ConditionsFor returns a snapshot of the ACTIVE conditions for an
// instrument, in no particular order.
func (r *Registry) ConditionsFor(token uint32) []Condition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byID := r.byToken[token]
	if len(byID) == 0 {
		return nil
	}
	out := make([]Condition, 0, len(byID))
	for _, e := range byID {
		if Status(e.status.Load()) == StatusActive {
			out = append(out, e.cond)
		}
	}
	return out
}

// All returns a snapshot of every ACTIVE condition.
func (r *Registry) All() []Condition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Condition, 0, len(r.byID))
	for _, e := range r.byID {
		if Status(e.status.Load()) == StatusActive {
			out = append(out, e.cond)
		}
	}
	return out
}

// Count returns the number of ACTIVE conditions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// remove drops a terminal entry from both indexes.
func (r *Registry) remove(e *entry) {
	m := e.cond.Meta()
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.byID, m.ID)
	if byID, ok := r.byToken[m.Token]; ok {
		delete(byID, m.ID)
		if len(byID) == 0 {
			delete(r.byToken, m.Token)
		}
	}
}
