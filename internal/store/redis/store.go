// Package redis persists threads, messages, attachments and provider
// conversation state in redis. Records are stored as JSON strings; per-thread
// message order is kept in a list so history reads stay oldest to newest.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/threadline/threadline/internal/domain"
)

// Store implements domain.Store on a redis client.
type Store struct {
	client *redis.Client
	prefix string
}

// NewStore creates a redis-backed store. prefix namespaces all keys.
func NewStore(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = "threadline"
	}
	return &Store{client: client, prefix: prefix}
}

func (s *Store) threadKey(id uuid.UUID) string {
	return fmt.Sprintf("%s:thread:%s", s.prefix, id)
}

func (s *Store) threadMessagesKey(id uuid.UUID) string {
	return fmt.Sprintf("%s:thread:%s:messages", s.prefix, id)
}

func (s *Store) messageKey(id uuid.UUID) string {
	return fmt.Sprintf("%s:message:%s", s.prefix, id)
}

func (s *Store) attachmentsKey(messageID uuid.UUID) string {
	return fmt.Sprintf("%s:message:%s:attachments", s.prefix, messageID)
}

func (s *Store) stateKey(threadID uuid.UUID, provider string) string {
	return fmt.Sprintf("%s:thread:%s:provider:%s", s.prefix, threadID, provider)
}

func (s *Store) setJSON(ctx context.Context, key string, value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal record for %s: %w", key, err)
	}
	if err := s.client.Set(ctx, key, encoded, 0).Err(); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

func (s *Store) getJSON(ctx context.Context, key string, target any) error {
	raw, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return domain.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(raw), target); err != nil {
		return fmt.Errorf("failed to decode record at %s: %w", key, err)
	}
	return nil
}

func (s *Store) CreateThread(ctx context.Context, thread *domain.Thread) error {
	return s.setJSON(ctx, s.threadKey(thread.ID), thread)
}

func (s *Store) GetThread(ctx context.Context, id uuid.UUID) (*domain.Thread, error) {
	var thread domain.Thread
	if err := s.getJSON(ctx, s.threadKey(id), &thread); err != nil {
		return nil, err
	}
	return &thread, nil
}

func (s *Store) UpdateThread(ctx context.Context, thread *domain.Thread) error {
	return s.setJSON(ctx, s.threadKey(thread.ID), thread)
}

func (s *Store) AppendMessage(ctx context.Context, message *domain.Message) error {
	if err := s.setJSON(ctx, s.messageKey(message.ID), message); err != nil {
		return err
	}
	key := s.threadMessagesKey(message.ThreadID)
	if err := s.client.RPush(ctx, key, message.ID.String()).Err(); err != nil {
		return fmt.Errorf("failed to append message to thread index: %w", err)
	}
	return nil
}

func (s *Store) UpdateMessage(ctx context.Context, message *domain.Message) error {
	return s.setJSON(ctx, s.messageKey(message.ID), message)
}

func (s *Store) CountMessages(ctx context.Context, threadID uuid.UUID) (int, error) {
	count, err := s.client.LLen(ctx, s.threadMessagesKey(threadID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count thread messages: %w", err)
	}
	return int(count), nil
}

func (s *Store) ListMessages(ctx context.Context, threadID uuid.UUID) ([]domain.Message, error) {
	ids, err := s.client.LRange(ctx, s.threadMessagesKey(threadID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list thread messages: %w", err)
	}
	messages := make([]domain.Message, 0, len(ids))
	for _, raw := range ids {
		id, err := uuid.Parse(raw)
		if err != nil {
			continue
		}
		var message domain.Message
		if err := s.getJSON(ctx, s.messageKey(id), &message); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return nil, err
		}
		messages = append(messages, message)
	}
	return messages, nil
}

func (s *Store) AddAttachment(ctx context.Context, attachment *domain.MessageAttachment) error {
	encoded, err := json.Marshal(storedAttachment{
		MessageAttachment: *attachment,
		Data:              attachment.Data,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal attachment: %w", err)
	}
	key := s.attachmentsKey(attachment.MessageID)
	if err := s.client.RPush(ctx, key, encoded).Err(); err != nil {
		return fmt.Errorf("failed to store attachment: %w", err)
	}
	return nil
}

func (s *Store) ListAttachments(
	ctx context.Context,
	messageIDs []uuid.UUID,
) (map[uuid.UUID][]domain.MessageAttachment, error) {
	result := make(map[uuid.UUID][]domain.MessageAttachment, len(messageIDs))
	for _, messageID := range messageIDs {
		raws, err := s.client.LRange(ctx, s.attachmentsKey(messageID), 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list attachments: %w", err)
		}
		for _, raw := range raws {
			var stored storedAttachment
			if err := json.Unmarshal([]byte(raw), &stored); err != nil {
				return nil, fmt.Errorf("failed to decode attachment record: %w", err)
			}
			attachment := stored.MessageAttachment
			attachment.Data = stored.Data
			result[messageID] = append(result[messageID], attachment)
		}
	}
	return result, nil
}

func (s *Store) GetProviderState(
	ctx context.Context,
	threadID uuid.UUID,
	provider string,
) (*domain.ProviderThreadState, error) {
	var state domain.ProviderThreadState
	err := s.getJSON(ctx, s.stateKey(threadID, provider), &state)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *Store) UpsertProviderState(ctx context.Context, state *domain.ProviderThreadState) error {
	return s.setJSON(ctx, s.stateKey(state.ThreadID, state.Provider), state)
}

// storedAttachment re-attaches the binary payload that MessageAttachment
// excludes from its JSON shape.
type storedAttachment struct {
	domain.MessageAttachment
	Data []byte `json:"data,omitempty"`
}
