package domain

import (
	"time"

	"github.com/google/uuid"
)

// ChatRole identifies the author of a prompt message.
type ChatRole string

const (
	RoleSystem    ChatRole = "system"
	RoleUser      ChatRole = "user"
	RoleAssistant ChatRole = "assistant"
)

// ContentPart is one element of a prompt message body. The Type discriminator
// selects which of the remaining fields are populated.
type ContentPart struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	ImageBase64 string `json:"image_base64,omitempty"`
	Data        string `json:"data,omitempty"`
	MediaType   string `json:"media_type,omitempty"`
	Filename    string `json:"filename,omitempty"`
}

// TextPart builds a plain text content part.
func TextPart(text string) ContentPart {
	return ContentPart{Type: "text", Text: text}
}

// ImagePart builds an inline image content part.
func ImagePart(base64Data, mediaType string) ContentPart {
	return ContentPart{Type: "input_image", ImageBase64: base64Data, MediaType: mediaType}
}

// FilePart builds an inline file content part.
func FilePart(base64Data, mediaType, filename string) ContentPart {
	return ContentPart{Type: "input_file", Data: base64Data, MediaType: mediaType, Filename: filename}
}

// PromptMessage is one turn of the outbound prompt. Built fresh from persisted
// history for each orchestration call and never mutated afterwards.
type PromptMessage struct {
	Role     ChatRole       `json:"role"`
	Parts    []ContentPart  `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Usage tracks token consumption reported by the provider. Fields are pointers
// because the provider may omit any of them.
type Usage struct {
	PromptTokens     *int `json:"prompt_tokens,omitempty"`
	CompletionTokens *int `json:"completion_tokens,omitempty"`
	TotalTokens      *int `json:"total_tokens,omitempty"`
}

// CompletionResult is the single logical outcome of one completion call,
// assembled either from a full response body or from accumulated stream chunks.
type CompletionResult struct {
	ResponseID     string
	Content        string
	Role           ChatRole
	Model          string
	ConversationID string
	Usage          Usage
	Metadata       map[string]any
	AgentStatus    string
}

// ModelCard describes one entry of the provider models catalog.
type ModelCard struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Agent lifecycle statuses observed on the provider stream. The provider may
// emit values outside this set; they are forwarded but not mapped to a
// persisted status.
const (
	AgentQueued      = "queued"
	AgentRunning     = "running"
	AgentStreaming   = "streaming"
	AgentCompleted   = "completed"
	AgentInterrupted = "interrupted"
	AgentFailed      = "failed"
)

// MessageStatus is the persisted lifecycle of a stored message.
type MessageStatus string

const (
	StatusQueued     MessageStatus = "queued"
	StatusProcessing MessageStatus = "processing"
	StatusReady      MessageStatus = "ready"
	StatusError      MessageStatus = "error"
)

// SenderType distinguishes who authored a stored message.
type SenderType string

const (
	SenderUser      SenderType = "user"
	SenderAssistant SenderType = "assistant"
)

// Thread is a conversation container owned by one user.
type Thread struct {
	ID         uuid.UUID         `json:"id"`
	OwnerID    string            `json:"owner_id"`
	Title      string            `json:"title,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// Message is one persisted turn within a thread.
type Message struct {
	ID            uuid.UUID      `json:"id"`
	ThreadID      uuid.UUID      `json:"thread_id"`
	SenderID      string         `json:"sender_id"`
	SenderType    SenderType     `json:"sender_type"`
	Status        MessageStatus  `json:"status"`
	Text          string         `json:"text"`
	Meta          map[string]any `json:"metadata,omitempty"`
	TokensCount   *int           `json:"tokens_count,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	ErrorCode     string         `json:"error_code,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// MessageAttachment is a binary payload linked to a message. Data is nil for
// provider attachments that were written to external storage instead.
type MessageAttachment struct {
	ID              uuid.UUID `json:"id"`
	MessageID       uuid.UUID `json:"message_id"`
	Filename        string    `json:"filename"`
	ContentType     string    `json:"content_type"`
	Data            []byte    `json:"-"`
	StorageFilename string    `json:"storage_filename,omitempty"`
	SizeBytes       *int      `json:"size_bytes,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// ProviderThreadState gives conversational continuity across turns: one row
// per (thread, provider) pair holding the provider-assigned conversation id.
type ProviderThreadState struct {
	ID             uuid.UUID      `json:"id"`
	ThreadID       uuid.UUID      `json:"thread_id"`
	Provider       string         `json:"provider"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// AttachmentUpload is a caller-supplied attachment on a new message.
type AttachmentUpload struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type,omitempty"`
	DataBase64  string `json:"data_base64"`
}

// MessageCreate is the payload for submitting one user turn.
type MessageCreate struct {
	Text        string             `json:"text"`
	SenderID    string             `json:"sender_id,omitempty"`
	Model       string             `json:"model,omitempty"`
	ModelLabel  string             `json:"model_label,omitempty"`
	Metadata    map[string]any     `json:"metadata,omitempty"`
	TokensCount *int               `json:"tokens_count,omitempty"`
	Attachments []AttachmentUpload `json:"attachments,omitempty"`
}

// TurnResult is what one successful orchestration call returns: the hydrated
// user message, the persisted assistant message, and the attachments captured
// for the user turn.
type TurnResult struct {
	UserMessage      Message
	AssistantMessage Message
	Attachments      []MessageAttachment
}

// IntPtr is a small helper for optional counters.
func IntPtr(v int) *int {
	return &v
}
