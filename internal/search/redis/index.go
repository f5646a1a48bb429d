// Package redis provides the search index collaborator on redis. Indexing is
// best-effort by contract: the orchestrator logs failures and moves on.
package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/threadline/threadline/internal/domain"
)

// Index records message documents for later retrieval.
type Index struct {
	client *redis.Client
	prefix string
}

// NewIndex creates a redis-backed message index. prefix namespaces all keys.
func NewIndex(client *redis.Client, prefix string) *Index {
	if prefix == "" {
		prefix = "threadline:search"
	}
	return &Index{client: client, prefix: prefix}
}

// IndexMessage writes one message document and links it to its thread.
func (i *Index) IndexMessage(
	ctx context.Context,
	thread *domain.Thread,
	message *domain.Message,
	modelLabel string,
) error {
	docKey := fmt.Sprintf("%s:doc:%s", i.prefix, message.ID)
	fields := map[string]any{
		"thread_id":    thread.ID.String(),
		"thread_title": thread.Title,
		"sender_type":  string(message.SenderType),
		"text":         message.Text,
		"created_at":   message.CreatedAt.Format("2006-01-02T15:04:05.000Z07:00"),
	}
	if modelLabel != "" {
		fields["model_label"] = modelLabel
	}
	if err := i.client.HSet(ctx, docKey, fields).Err(); err != nil {
		return fmt.Errorf("failed to index message document: %w", err)
	}

	threadKey := fmt.Sprintf("%s:thread:%s", i.prefix, thread.ID)
	if err := i.client.SAdd(ctx, threadKey, message.ID.String()).Err(); err != nil {
		return fmt.Errorf("failed to link message to thread index: %w", err)
	}
	return nil
}
