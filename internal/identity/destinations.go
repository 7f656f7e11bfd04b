package identity

import "sync"

// MemoryDestinations is a session-scoped DestinationStore. The original
// product kept the intended destination in the browser's durable storage;
// server-side the session bundle outlives page reloads, so process memory
// keyed by the session is the equivalent.
type MemoryDestinations struct {
	mu          sync.Mutex
	destination string
	set         bool
}

// NewMemoryDestinations constructs an empty destination store.
func NewMemoryDestinations() *MemoryDestinations {
	return &MemoryDestinations{}
}

// SaveDestination records the intended post-auth destination.
func (m *MemoryDestinations) SaveDestination(destination string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.destination = destination
	m.set = destination != ""
}

// TakeDestination returns and clears the recorded destination.
func (m *MemoryDestinations) TakeDestination() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.set {
		return "", false
	}
	destination := m.destination
	m.destination = ""
	m.set = false
	return destination, true
}

// ClearDestination discards any recorded destination.
func (m *MemoryDestinations) ClearDestination() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.destination = ""
	m.set = false
}
