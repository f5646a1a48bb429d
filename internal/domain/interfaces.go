package domain

import (
	"context"
	"io"

	"github.com/google/uuid"
)

// StatusSink receives agent lifecycle statuses as the provider emits them,
// already lowercased and de-duplicated.
type StatusSink func(ctx context.Context, status string) error

// ChunkSink receives every decoded stream chunk in arrival order.
type ChunkSink func(ctx context.Context, chunk map[string]any) error

// CompletionParams describes one outbound completion call.
type CompletionParams struct {
	Model          string
	Messages       []PromptMessage
	User           string
	ConversationID string
	Stream         bool
	OnStatus       StatusSink
	OnChunk        ChunkSink
}

// ChatService talks to an OpenAI-compatible completion provider.
type ChatService interface {
	// CreateCompletion dispatches one completion call and returns the
	// assembled result. Failures are reported as *ServiceError.
	CreateCompletion(ctx context.Context, params CompletionParams) (*CompletionResult, error)

	// ListModels fetches the provider models catalog.
	ListModels(ctx context.Context) ([]ModelCard, error)
}

// Store persists threads, messages, attachments and provider conversation
// state. Implementations own record identity and timestamps are set by the
// caller.
type Store interface {
	CreateThread(ctx context.Context, thread *Thread) error
	GetThread(ctx context.Context, id uuid.UUID) (*Thread, error)
	UpdateThread(ctx context.Context, thread *Thread) error

	AppendMessage(ctx context.Context, message *Message) error
	UpdateMessage(ctx context.Context, message *Message) error
	CountMessages(ctx context.Context, threadID uuid.UUID) (int, error)

	// ListMessages returns the thread history ordered oldest to newest.
	ListMessages(ctx context.Context, threadID uuid.UUID) ([]Message, error)

	AddAttachment(ctx context.Context, attachment *MessageAttachment) error
	ListAttachments(ctx context.Context, messageIDs []uuid.UUID) (map[uuid.UUID][]MessageAttachment, error)

	// GetProviderState returns nil without error when no state exists yet.
	GetProviderState(ctx context.Context, threadID uuid.UUID, provider string) (*ProviderThreadState, error)
	UpsertProviderState(ctx context.Context, state *ProviderThreadState) error
}

// SearchIndex indexes messages for retrieval. Callers treat failures as
// best-effort and never fail a turn on them.
type SearchIndex interface {
	IndexMessage(ctx context.Context, thread *Thread, message *Message, modelLabel string) error
}

// AttachmentStore holds provider-emitted binary attachments outside the
// message records.
type AttachmentStore interface {
	Save(ctx context.Context, storageName string, data []byte) error
	Open(ctx context.Context, storageName string) (io.ReadCloser, error)
}
