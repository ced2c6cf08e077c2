package authority

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is a minimal in-memory Store used by tests.
type MemoryStore struct {
	mu            sync.RWMutex
	owners        map[uuid.UUID]uuid.UUID
	collaborators map[uuid.UUID]map[uuid.UUID]string
	tokens        map[string]struct {
		userID      uuid.UUID
		displayName string
		avatarURL   string
	}
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		owners:        make(map[uuid.UUID]uuid.UUID),
		collaborators: make(map[uuid.UUID]map[uuid.UUID]string),
		tokens: make(map[string]struct {
			userID      uuid.UUID
			displayName string
			avatarURL   string
		}),
	}
}

func (m *MemoryStore) SetOwner(projectID, ownerID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.owners[projectID] = ownerID
}

func (m *MemoryStore) SetCollaborator(projectID, userID uuid.UUID, role string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.collaborators[projectID] == nil {
		m.collaborators[projectID] = make(map[uuid.UUID]string)
	}
	m.collaborators[projectID][userID] = role
}

func (m *MemoryStore) SetToken(token string, userID uuid.UUID, displayName, avatarURL string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[token] = struct {
		userID      uuid.UUID
		displayName string
		avatarURL   string
	}{userID, displayName, avatarURL}
}

func (m *MemoryStore) ResolveProjectOwner(_ context.Context, projectID uuid.UUID) (uuid.UUID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	owner, ok := m.owners[projectID]
	if !ok {
		return uuid.Nil, fmt.Errorf("project not found")
	}
	return owner, nil
}

func (m *MemoryStore) ResolveCollaboratorRole(_ context.Context, projectID, userID uuid.UUID) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	role, ok := m.collaborators[projectID][userID]
	if !ok {
		return "", fmt.Errorf("not a collaborator")
	}
	return role, nil
}

func (m *MemoryStore) VerifyBearerToken(_ context.Context, token string) (uuid.UUID, string, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tokens[token]
	if !ok {
		return uuid.Nil, "", "", fmt.Errorf("bad token")
	}
	return t.userID, t.displayName, t.avatarURL, nil
}
