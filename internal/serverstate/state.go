package serverstate

import (
	"sync"
	"sync/atomic"
)

// State holds the server status and draining flag. All fields are updated
// together so callers always observe a consistent snapshot.
type State struct {
	Status   string `json:"status"`
	Draining bool   `json:"draining"`
}

// Store defines how the server state is persisted. Implementations may store
// state in memory or in an external service such as Redis so that a load
// balancer or operator can observe every replica.
type Store interface {
	Load() State
	Store(State)
}

var (
	mu     sync.Mutex
	active Store = NewMemoryStore()
)

// UseStore replaces the active Store. It is safe for concurrent use.
func UseStore(s Store) {
	if s == nil {
		return
	}
	mu.Lock()
	active = s
	mu.Unlock()
}

func current() Store {
	mu.Lock()
	defer mu.Unlock()
	return active
}

// memoryStore implements Store using an atomic.Value. It is the default
// strategy and is safe for concurrent use within a single process.
type memoryStore struct {
	v atomic.Value
}

// NewMemoryStore returns a memory-backed Store initialized to "not_ready".
func NewMemoryStore() *memoryStore {
	ms := &memoryStore{}
	ms.v.Store(State{Status: "not_ready"})
	return ms
}

func (m *memoryStore) Load() State {
	if st, ok := m.v.Load().(State); ok {
		return st
	}
	return State{Status: "unknown"}
}

func (m *memoryStore) Store(s State) {
	m.v.Store(s)
}

// Load returns the full current state.
func Load() State {
	return current().Load()
}

// SetState updates the server status string. Once draining, the status
// stays "draining".
func SetState(status string) {
	s := current()
	st := s.Load()
	if st.Draining {
		return
	}
	st.Status = status
	s.Store(st)
}

// GetState returns the current server status.
func GetState() string {
	return current().Load().Status
}

// StartDrain marks the server as draining.
func StartDrain() {
	s := current()
	st := s.Load()
	st.Draining = true
	st.Status = "draining"
	s.Store(st)
}

// IsDraining reports whether the server is draining.
func IsDraining() bool {
	return current().Load().Draining
}
