package conversation

import (
	"sync"

	"github.com/google/uuid"
)

// idMap correlates client-local message ids with persisted record ids.
// Persisted ids arrive asynchronously after a save; an absent mapping is a
// valid, common state, not an error.
type idMap struct {
	mu          sync.RWMutex
	toPersisted map[uuid.UUID]uuid.UUID
	toLocal     map[uuid.UUID]uuid.UUID
}

func newIDMap() *idMap {
	return &idMap{
		toPersisted: make(map[uuid.UUID]uuid.UUID),
		toLocal:     make(map[uuid.UUID]uuid.UUID),
	}
}

// bind records both directions of a local↔persisted pairing.
func (m *idMap) bind(localID, persistedID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.toPersisted[localID] = persistedID
	m.toLocal[persistedID] = localID
}

// persisted returns the durable id for a local id, if already known.
func (m *idMap) persisted(localID uuid.UUID) (uuid.UUID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.toPersisted[localID]
	return id, ok
}

// local returns the local id for a persisted id, if known.
func (m *idMap) local(persistedID uuid.UUID) (uuid.UUID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.toLocal[persistedID]
	return id, ok
}
