// Package sessions tracks which opaque session id each group's agent is
// continuing. The id is meaningless to the host; the sandbox uses it to
// locate its history file under the group mount.
package sessions

import (
	"context"
	"sync"

	"github.com/nextlevelbuilder/nanoclaw/internal/store"
)

// Manager is a read-through cache over the sessions table.
type Manager struct {
	mu    sync.RWMutex
	store store.Store
	cache map[string]string // group folder -> session id
}

func NewManager(st store.Store) *Manager {
	return &Manager{
		store: st,
		cache: make(map[string]string),
	}
}

// Get returns the current session id for a group, or "" when the group
// has never completed an agent run.
func (m *Manager) Get(ctx context.Context, groupFolder string) (string, error) {
	m.mu.RLock()
	if id, ok := m.cache[groupFolder]; ok {
		m.mu.RUnlock()
		return id, nil
	}
	m.mu.RUnlock()

	id, err := m.store.GetSession(ctx, groupFolder)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	m.cache[groupFolder] = id
	m.mu.Unlock()
	return id, nil
}

// Set persists a new session id and updates the cache. Called when a run
// reports a newSessionId.
func (m *Manager) Set(ctx context.Context, groupFolder, sessionID string) error {
	if err := m.store.SetSession(ctx, groupFolder, sessionID); err != nil {
		return err
	}
	m.mu.Lock()
	m.cache[groupFolder] = sessionID
	m.mu.Unlock()
	return nil
}
