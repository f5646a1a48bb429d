package domain

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/threadline/threadline/internal/observability"
)

const (
	// DefaultProvider keys provider conversation state when the thread does
	// not name one.
	DefaultProvider = "openai-compatible"

	// ErrorDetailMaxLength caps the persisted error detail on a failed turn.
	ErrorDetailMaxLength = 128

	titlePreviewLength       = 32
	defaultThreadTitlePrefix = "Chat"
	defaultUserText          = "Process as expected."
	emptyAssistantText       = "(no text content)"
)

// Orchestrator drives one "submit a user turn" operation end to end: it
// composes the prompt from history, dispatches the completion, maps provider
// lifecycle signals onto persisted message status, and records the outcome.
type Orchestrator struct {
	store  Store
	chat   ChatService
	search SearchIndex
}

// NewOrchestrator creates a new message orchestrator (DI constructor).
// search may be nil; indexing is best-effort.
func NewOrchestrator(store Store, chat ChatService, search SearchIndex) *Orchestrator {
	return &Orchestrator{
		store:  store,
		chat:   chat,
		search: search,
	}
}

// ProcessTurn runs one user turn against the provider. onChunk, when non-nil,
// receives every (attachment-rewritten, interrupt-enriched) stream chunk in
// arrival order. A provider failure is reported as *GatewayError after the
// user message has been marked errored.
func (o *Orchestrator) ProcessTurn(
	ctx context.Context,
	thread *Thread,
	payload MessageCreate,
	onChunk ChunkSink,
) (*TurnResult, error) {
	logger := observability.FromContext(ctx)

	modelName, attributes, err := o.resolveModel(thread, &payload)
	if err != nil {
		return nil, err
	}
	modelLabel := attributes["model_label"]

	providerKey := attributes["provider"]
	if providerKey == "" {
		providerKey = DefaultProvider
		attributes["provider"] = providerKey
	}

	userText := strings.TrimSpace(payload.Text)
	if userText == "" {
		userText = defaultUserText
		payload.Text = defaultUserText
	}

	messageCount, err := o.store.CountMessages(ctx, thread.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to count thread messages: %w", err)
	}
	if messageCount == 0 || strings.TrimSpace(thread.Title) == "" {
		thread.Title = deriveThreadTitle(modelLabel, modelName, userText)
	}
	thread.Attributes = attributes

	state, err := o.store.GetProviderState(ctx, thread.ID, providerKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load provider state: %w", err)
	}
	activeConversationID := ""
	if state != nil {
		activeConversationID = state.ConversationID
	}

	// The user turn is persisted before the provider call so a failure still
	// leaves an auditable record.
	now := time.Now().UTC()
	userMessage := &Message{
		ID:          uuid.New(),
		ThreadID:    thread.ID,
		SenderID:    payload.SenderID,
		SenderType:  SenderUser,
		Status:      StatusQueued,
		Text:        payload.Text,
		Meta:        payload.Metadata,
		TokensCount: payload.TokensCount,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := o.store.AppendMessage(ctx, userMessage); err != nil {
		return nil, fmt.Errorf("failed to persist user message: %w", err)
	}
	thread.UpdatedAt = now
	if err := o.store.UpdateThread(ctx, thread); err != nil {
		return nil, fmt.Errorf("failed to update thread: %w", err)
	}

	uploaded, err := o.persistUploadedAttachments(ctx, userMessage.ID, payload.Attachments)
	if err != nil {
		return nil, err
	}

	prompt, err := o.buildPrompt(ctx, thread.ID)
	if err != nil {
		return nil, err
	}

	logger.Info("dispatching completion",
		observability.String("thread_id", thread.ID.String()),
		observability.String("model", modelName),
		observability.Int("messages", len(prompt)),
		observability.String("conversation_id", activeConversationID),
	)

	attachmentBuffer := make(map[string]map[string]any)

	completion, err := o.chat.CreateCompletion(ctx, CompletionParams{
		Model:          modelName,
		Messages:       prompt,
		User:           payload.SenderID,
		ConversationID: activeConversationID,
		Stream:         true,
		OnStatus:       o.statusSink(thread, userMessage),
		OnChunk: func(ctx context.Context, chunk map[string]any) error {
			chunk = EnrichInterruptChunk(chunk)
			CollectProviderAttachments(attachmentBuffer, chunk)
			if onChunk == nil {
				return nil
			}
			return onChunk(ctx, chunk)
		},
	})
	if err != nil {
		// A consumer disconnect is not a provider failure: the turn keeps its
		// last real status instead of flipping to a terminal error.
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			logger.Info("turn cancelled by consumer",
				observability.String("thread_id", thread.ID.String()),
				observability.String("message_id", userMessage.ID.String()),
			)
			return nil, err
		}
		return nil, o.failTurn(ctx, thread, userMessage, err)
	}

	if strings.ToLower(completion.AgentStatus) == AgentInterrupted {
		completion.Content = InterruptText(completion.Metadata, completion.Content)
	}

	logger.Info("completion succeeded",
		observability.String("thread_id", thread.ID.String()),
		observability.String("response_id", completion.ResponseID),
		observability.String("conversation_id", completion.ConversationID),
	)

	assistantMessage, err := o.recordOutcome(ctx, thread, userMessage, completion, state, providerKey, attachmentBuffer)
	if err != nil {
		return nil, err
	}

	o.indexTurn(ctx, thread, userMessage, assistantMessage, modelLabel)

	return &TurnResult{
		UserMessage:      *userMessage,
		AssistantMessage: *assistantMessage,
		Attachments:      uploaded,
	}, nil
}

// resolveModel reconciles the effective model and thread attributes: explicit
// request values override stored ones, absent values fall back to storage.
func (o *Orchestrator) resolveModel(thread *Thread, payload *MessageCreate) (string, map[string]string, error) {
	attributes := make(map[string]string, len(thread.Attributes)+2)
	for k, v := range thread.Attributes {
		attributes[k] = v
	}

	requested := strings.TrimSpace(payload.Model)
	modelName := requested
	if modelName == "" {
		modelName = attributes["model"]
	}
	if modelName == "" {
		return "", nil, ErrModelRequired
	}
	if requested != "" {
		attributes["model"] = requested
	} else if _, ok := attributes["model"]; !ok {
		attributes["model"] = modelName
	}

	label := strings.TrimSpace(payload.ModelLabel)
	if label == "" {
		label = attributes["model_label"]
	}
	if label == "" {
		label = modelName
	}
	if label != "" {
		attributes["model_label"] = label
	} else {
		delete(attributes, "model_label")
	}

	return modelName, attributes, nil
}

// statusSink maps provider lifecycle statuses onto the persisted message
// status, writing through immediately so concurrent readers observe progress.
// The provider's own "completed" keeps the record in processing; ready is set
// only after the whole call returns.
func (o *Orchestrator) statusSink(thread *Thread, userMessage *Message) StatusSink {
	return func(ctx context.Context, agentStatus string) error {
		var target MessageStatus
		switch strings.ToLower(agentStatus) {
		case AgentQueued:
			target = StatusQueued
		case AgentRunning, AgentStreaming, AgentCompleted:
			target = StatusProcessing
		default:
			return nil
		}
		if userMessage.Status == target {
			return nil
		}
		now := time.Now().UTC()
		userMessage.Status = target
		userMessage.UpdatedAt = now
		thread.UpdatedAt = now
		if err := o.store.UpdateMessage(ctx, userMessage); err != nil {
			return fmt.Errorf("failed to persist message status: %w", err)
		}
		if err := o.store.UpdateThread(ctx, thread); err != nil {
			return fmt.Errorf("failed to touch thread: %w", err)
		}
		observability.FromContext(ctx).Info("message status updated from agent stream",
			observability.String("message_id", userMessage.ID.String()),
			observability.String("agent_status", agentStatus),
			observability.String("mapped_status", string(target)),
		)
		return nil
	}
}

func (o *Orchestrator) persistUploadedAttachments(
	ctx context.Context,
	messageID uuid.UUID,
	uploads []AttachmentUpload,
) ([]MessageAttachment, error) {
	attachments := make([]MessageAttachment, 0, len(uploads))
	for _, upload := range uploads {
		binary, err := base64.StdEncoding.DecodeString(upload.DataBase64)
		if err != nil {
			return nil, fmt.Errorf("invalid attachment encoding: %w", err)
		}
		contentType := upload.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		attachment := MessageAttachment{
			ID:          uuid.New(),
			MessageID:   messageID,
			Filename:    upload.Filename,
			ContentType: contentType,
			Data:        binary,
			SizeBytes:   IntPtr(len(binary)),
			CreatedAt:   time.Now().UTC(),
		}
		if err := o.store.AddAttachment(ctx, &attachment); err != nil {
			return nil, fmt.Errorf("failed to persist attachment: %w", err)
		}
		attachments = append(attachments, attachment)
	}
	return attachments, nil
}

// buildPrompt loads the full thread history oldest to newest and converts each
// message into a prompt message with text plus attachment content parts.
func (o *Orchestrator) buildPrompt(ctx context.Context, threadID uuid.UUID) ([]PromptMessage, error) {
	history, err := o.store.ListMessages(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to load thread history: %w", err)
	}
	messageIDs := make([]uuid.UUID, len(history))
	for i, msg := range history {
		messageIDs[i] = msg.ID
	}
	attachmentsByMessage, err := o.store.ListAttachments(ctx, messageIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load message attachments: %w", err)
	}

	prompt := make([]PromptMessage, 0, len(history))
	for _, msg := range history {
		role := RoleUser
		if msg.SenderType == SenderAssistant {
			role = RoleAssistant
		}
		prompt = append(prompt, PromptMessage{
			Role:     role,
			Parts:    buildPromptParts(msg, attachmentsByMessage[msg.ID]),
			Metadata: msg.Meta,
		})
	}
	return prompt, nil
}

func buildPromptParts(message Message, attachments []MessageAttachment) []ContentPart {
	parts := make([]ContentPart, 0, len(attachments)+1)
	parts = append(parts, TextPart(message.Text))
	for _, attachment := range attachments {
		if attachment.Data == nil {
			continue
		}
		encoded := base64.StdEncoding.EncodeToString(attachment.Data)
		if strings.HasPrefix(attachment.ContentType, "image/") {
			parts = append(parts, ImagePart(encoded, attachment.ContentType))
		} else {
			parts = append(parts, FilePart(encoded, attachment.ContentType, attachment.Filename))
		}
	}
	return parts
}

// failTurn marks the user message errored with a composed, length-capped
// detail and wraps the provider failure for the caller.
func (o *Orchestrator) failTurn(ctx context.Context, thread *Thread, userMessage *Message, err error) error {
	detail := composeErrorDetail(err)

	logger := observability.FromContext(ctx)
	logger.Warn("completion failed",
		observability.String("thread_id", thread.ID.String()),
		observability.String("message_id", userMessage.ID.String()),
		observability.String("detail", detail),
	)

	now := time.Now().UTC()
	userMessage.Status = StatusError
	userMessage.ErrorCode = truncate(detail, ErrorDetailMaxLength)
	userMessage.UpdatedAt = now
	if updateErr := o.store.UpdateMessage(ctx, userMessage); updateErr != nil {
		logger.Error("failed to persist errored message", observability.Error(updateErr))
	}
	thread.UpdatedAt = now
	if updateErr := o.store.UpdateThread(ctx, thread); updateErr != nil {
		logger.Error("failed to touch thread after failure", observability.Error(updateErr))
	}

	return &GatewayError{Detail: detail, Cause: err}
}

// composeErrorDetail builds the user-visible description: the error message,
// its cause when chained and distinct, and the provider error code if present.
func composeErrorDetail(err error) string {
	detail := strings.TrimSpace(err.Error())

	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		if svcErr.Cause != nil {
			cause := strings.TrimSpace(svcErr.Cause.Error())
			if cause != "" {
				if detail == "" {
					detail = cause
				} else if !strings.Contains(detail, cause) {
					separator := ":"
					if strings.HasSuffix(detail, ":") {
						separator = ""
					}
					detail = strings.TrimSpace(detail + separator + " " + cause)
				}
			}
		}
		detail = strings.TrimSpace(strings.TrimSuffix(detail, ":"))
		if detail == "" {
			detail = "Agent invocation failed"
		}
		if svcErr.ErrorCode != "" && !strings.Contains(detail, svcErr.ErrorCode) {
			detail = fmt.Sprintf("%s (code: %s)", detail, svcErr.ErrorCode)
		}
		return detail
	}

	if detail == "" {
		detail = "Agent invocation failed"
	}
	return detail
}

// recordOutcome finalizes a successful turn: user message ready, assistant
// message persisted, provider attachments recorded, conversation state upserted.
func (o *Orchestrator) recordOutcome(
	ctx context.Context,
	thread *Thread,
	userMessage *Message,
	completion *CompletionResult,
	state *ProviderThreadState,
	providerKey string,
	attachmentBuffer map[string]map[string]any,
) (*Message, error) {
	now := time.Now().UTC()

	userMessage.Status = StatusReady
	userMessage.ErrorCode = ""
	if completion.Usage.PromptTokens != nil {
		userMessage.TokensCount = completion.Usage.PromptTokens
	}
	if completion.ResponseID != "" {
		userMessage.CorrelationID = completion.ResponseID
	}
	userMessage.UpdatedAt = now
	if err := o.store.UpdateMessage(ctx, userMessage); err != nil {
		return nil, fmt.Errorf("failed to finalize user message: %w", err)
	}

	assistantText := completion.Content
	if strings.TrimSpace(assistantText) == "" {
		assistantText = emptyAssistantText
	}
	assistantMessage := &Message{
		ID:            uuid.New(),
		ThreadID:      thread.ID,
		SenderID:      "assistant",
		SenderType:    SenderAssistant,
		Status:        StatusReady,
		Text:          assistantText,
		Meta:          completion.Metadata,
		TokensCount:   completion.Usage.CompletionTokens,
		CorrelationID: completion.ResponseID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := o.store.AppendMessage(ctx, assistantMessage); err != nil {
		return nil, fmt.Errorf("failed to persist assistant message: %w", err)
	}

	MergeResultAttachments(attachmentBuffer, completion.Metadata)
	o.persistProviderAttachments(ctx, assistantMessage.ID, attachmentBuffer)

	if completion.ConversationID != "" {
		if state == nil {
			state = &ProviderThreadState{
				ID:        uuid.New(),
				ThreadID:  thread.ID,
				Provider:  providerKey,
				CreatedAt: now,
			}
		}
		state.ConversationID = completion.ConversationID
		if state.Payload == nil {
			state.Payload = make(map[string]any)
		}
		state.Payload["model"] = completion.Model
		if label := thread.Attributes["model_label"]; label != "" {
			state.Payload["model_label"] = label
		}
		state.UpdatedAt = now
		if err := o.store.UpsertProviderState(ctx, state); err != nil {
			return nil, fmt.Errorf("failed to upsert provider state: %w", err)
		}
	}

	thread.UpdatedAt = now
	if err := o.store.UpdateThread(ctx, thread); err != nil {
		return nil, fmt.Errorf("failed to update thread: %w", err)
	}

	return assistantMessage, nil
}

// persistProviderAttachments stores metadata-only attachment records for files
// the extractor already wrote to external storage. Entries without a storage
// filename were never persisted and are skipped.
func (o *Orchestrator) persistProviderAttachments(
	ctx context.Context,
	messageID uuid.UUID,
	buffer map[string]map[string]any,
) {
	logger := observability.FromContext(ctx)
	for _, attachment := range buffer {
		storageFilename, _ := attachment["storage_filename"].(string)
		if storageFilename == "" {
			continue
		}
		filename, _ := attachment["filename"].(string)
		if filename == "" {
			filename = storageFilename
		}
		contentType := firstNonEmpty(attachment, "content_type", "media_type", "mime_type")
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		record := MessageAttachment{
			ID:              uuid.New(),
			MessageID:       messageID,
			Filename:        filename,
			ContentType:     contentType,
			StorageFilename: storageFilename,
			SizeBytes:       coerceInt(attachment["bytes"]),
			CreatedAt:       time.Now().UTC(),
		}
		if err := o.store.AddAttachment(ctx, &record); err != nil {
			logger.Warn("failed to record provider attachment",
				observability.String("storage_filename", storageFilename),
				observability.Error(err),
			)
		}
	}
}

// indexTurn submits both turn messages to the search collaborator. Failures
// are logged and never fail the operation.
func (o *Orchestrator) indexTurn(ctx context.Context, thread *Thread, user, assistant *Message, modelLabel string) {
	if o.search == nil {
		return
	}
	logger := observability.FromContext(ctx)
	for _, msg := range []*Message{user, assistant} {
		if err := o.search.IndexMessage(ctx, thread, msg, modelLabel); err != nil {
			logger.Warn("failed to index message for search",
				observability.String("message_id", msg.ID.String()),
				observability.Error(err),
			)
		}
	}
}

func deriveThreadTitle(modelLabel, modelName, userText string) string {
	label := sanitizeTitleFragment(modelLabel)
	if label == "" {
		label = sanitizeTitleFragment(modelName)
	}
	if label == "" {
		label = defaultThreadTitlePrefix
	}
	preview := sanitizeTitleFragment(truncate(userText, titlePreviewLength))
	return fmt.Sprintf("%s: %s", label, preview)
}

func sanitizeTitleFragment(fragment string) string {
	fragment = strings.ReplaceAll(fragment, "[", "")
	fragment = strings.ReplaceAll(fragment, "]", "")
	return strings.TrimSpace(fragment)
}

func truncate(text string, length int) string {
	if len(text) <= length {
		return text
	}
	return strings.TrimRight(text[:length], " \t\n")
}

func coerceInt(value any) *int {
	switch v := value.(type) {
	case int:
		return IntPtr(v)
	case float64:
		return IntPtr(int(v))
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return nil
		}
		n := 0
		for _, r := range trimmed {
			if r < '0' || r > '9' {
				return nil
			}
			n = n*10 + int(r-'0')
		}
		return IntPtr(n)
	}
	return nil
}
