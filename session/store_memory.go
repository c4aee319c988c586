package session

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore keeps sessions in process memory
type MemoryStore struct {
	mutex    sync.RWMutex
	sessions map[string]*SessionContext
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: map[string]*SessionContext{}}
}

func (s *MemoryStore) Save(ctx context.Context, session *SessionContext) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.sessions[session.ID] = session.Copy()
	return nil
}

func (s *MemoryStore) Load(ctx context.Context, id string) (*SessionContext, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return session.Copy(), nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	delete(s.sessions, id)
	return nil
}
