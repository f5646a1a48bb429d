// Package memory provides an in-process Store used when no redis address is
// configured, and as a fixture in tests.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/threadline/threadline/internal/domain"
)

// Store keeps all records in maps guarded by one mutex.
type Store struct {
	mu          sync.RWMutex
	threads     map[uuid.UUID]domain.Thread
	messages    map[uuid.UUID]domain.Message
	byThread    map[uuid.UUID][]uuid.UUID
	attachments map[uuid.UUID][]domain.MessageAttachment
	states      map[string]domain.ProviderThreadState
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		threads:     make(map[uuid.UUID]domain.Thread),
		messages:    make(map[uuid.UUID]domain.Message),
		byThread:    make(map[uuid.UUID][]uuid.UUID),
		attachments: make(map[uuid.UUID][]domain.MessageAttachment),
		states:      make(map[string]domain.ProviderThreadState),
	}
}

func (s *Store) CreateThread(_ context.Context, thread *domain.Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads[thread.ID] = *thread
	return nil
}

func (s *Store) GetThread(_ context.Context, id uuid.UUID) (*domain.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	thread, ok := s.threads[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &thread, nil
}

func (s *Store) UpdateThread(_ context.Context, thread *domain.Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[thread.ID]; !ok {
		return domain.ErrNotFound
	}
	s.threads[thread.ID] = *thread
	return nil
}

func (s *Store) AppendMessage(_ context.Context, message *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[message.ID] = *message
	s.byThread[message.ThreadID] = append(s.byThread[message.ThreadID], message.ID)
	return nil
}

func (s *Store) UpdateMessage(_ context.Context, message *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[message.ID]; !ok {
		return domain.ErrNotFound
	}
	s.messages[message.ID] = *message
	return nil
}

func (s *Store) CountMessages(_ context.Context, threadID uuid.UUID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byThread[threadID]), nil
}

func (s *Store) ListMessages(_ context.Context, threadID uuid.UUID) ([]domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byThread[threadID]
	messages := make([]domain.Message, 0, len(ids))
	for _, id := range ids {
		messages = append(messages, s.messages[id])
	}
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].CreatedAt.Before(messages[j].CreatedAt)
	})
	return messages, nil
}

func (s *Store) AddAttachment(_ context.Context, attachment *domain.MessageAttachment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attachments[attachment.MessageID] = append(s.attachments[attachment.MessageID], *attachment)
	return nil
}

func (s *Store) ListAttachments(
	_ context.Context,
	messageIDs []uuid.UUID,
) (map[uuid.UUID][]domain.MessageAttachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make(map[uuid.UUID][]domain.MessageAttachment, len(messageIDs))
	for _, id := range messageIDs {
		if attachments, ok := s.attachments[id]; ok {
			result[id] = append([]domain.MessageAttachment(nil), attachments...)
		}
	}
	return result, nil
}

func (s *Store) GetProviderState(
	_ context.Context,
	threadID uuid.UUID,
	provider string,
) (*domain.ProviderThreadState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.states[stateKey(threadID, provider)]
	if !ok {
		return nil, nil
	}
	return &state, nil
}

func (s *Store) UpsertProviderState(_ context.Context, state *domain.ProviderThreadState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[stateKey(state.ThreadID, state.Provider)] = *state
	return nil
}

func stateKey(threadID uuid.UUID, provider string) string {
	return threadID.String() + ":" + provider
}
