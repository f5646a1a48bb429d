package domain_test

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/threadline/threadline/internal/domain"
	"github.com/threadline/threadline/internal/store/memory"
)

// mockChatService is a scripted ChatService: it replays statuses and chunks
// through the sinks, then returns the configured result.
type mockChatService struct {
	result   *domain.CompletionResult
	err      error
	statuses []string
	chunks   []map[string]any

	// probe runs after statuses and chunks are delivered, before returning.
	probe func(ctx context.Context)

	calls     int
	gotParams []domain.CompletionParams
}

func (m *mockChatService) CreateCompletion(ctx context.Context, params domain.CompletionParams) (*domain.CompletionResult, error) {
	m.calls++
	m.gotParams = append(m.gotParams, params)
	for _, status := range m.statuses {
		if params.OnStatus != nil {
			if err := params.OnStatus(ctx, status); err != nil {
				return nil, err
			}
		}
	}
	for _, chunk := range m.chunks {
		if params.OnChunk != nil {
			if err := params.OnChunk(ctx, chunk); err != nil {
				return nil, err
			}
		}
	}
	if m.probe != nil {
		m.probe(ctx)
	}
	if m.err != nil {
		return nil, m.err
	}
	result := *m.result
	return &result, nil
}

func (m *mockChatService) ListModels(context.Context) ([]domain.ModelCard, error) {
	return nil, nil
}

type mockSearchIndex struct {
	indexed []uuid.UUID
	err     error
}

func (m *mockSearchIndex) IndexMessage(_ context.Context, _ *domain.Thread, message *domain.Message, _ string) error {
	if m.err != nil {
		return m.err
	}
	m.indexed = append(m.indexed, message.ID)
	return nil
}

func newTestThread(t *testing.T, store domain.Store, attributes map[string]string) *domain.Thread {
	t.Helper()
	now := time.Now().UTC()
	thread := &domain.Thread{
		ID:         uuid.New(),
		OwnerID:    "user-1",
		Attributes: attributes,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, store.CreateThread(context.Background(), thread))
	return thread
}

func completionResult() *domain.CompletionResult {
	return &domain.CompletionResult{
		ResponseID:     "resp-1",
		Content:        "Here is the answer.",
		Role:           domain.RoleAssistant,
		Model:          "agent-x",
		ConversationID: "conv-1",
		Usage: domain.Usage{
			PromptTokens:     domain.IntPtr(4),
			CompletionTokens: domain.IntPtr(6),
			TotalTokens:      domain.IntPtr(10),
		},
		AgentStatus: domain.AgentCompleted,
	}
}

func TestProcessTurnRequiresModel(t *testing.T) {
	store := memory.NewStore()
	thread := newTestThread(t, store, nil)
	orchestrator := domain.NewOrchestrator(store, &mockChatService{}, nil)

	_, err := orchestrator.ProcessTurn(context.Background(), thread, domain.MessageCreate{Text: "hi"}, nil)
	require.ErrorIs(t, err, domain.ErrModelRequired)
}

func TestProcessTurnPersistsBothMessages(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	thread := newTestThread(t, store, nil)
	search := &mockSearchIndex{}
	chat := &mockChatService{
		result:   completionResult(),
		statuses: []string{"queued", "running", "streaming", "completed"},
	}
	orchestrator := domain.NewOrchestrator(store, chat, search)

	result, err := orchestrator.ProcessTurn(ctx, thread, domain.MessageCreate{
		Text:     "Hello there",
		SenderID: "user-1",
		Model:    "agent-x",
	}, nil)
	require.NoError(t, err)

	require.Equal(t, domain.StatusReady, result.UserMessage.Status)
	require.Equal(t, "resp-1", result.UserMessage.CorrelationID)
	require.NotNil(t, result.UserMessage.TokensCount)
	require.Equal(t, 4, *result.UserMessage.TokensCount)

	require.Equal(t, domain.SenderAssistant, result.AssistantMessage.SenderType)
	require.Equal(t, domain.StatusReady, result.AssistantMessage.Status)
	require.Equal(t, "Here is the answer.", result.AssistantMessage.Text)
	require.NotNil(t, result.AssistantMessage.TokensCount)
	require.Equal(t, 6, *result.AssistantMessage.TokensCount)

	messages, err := store.ListMessages(ctx, thread.ID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	require.Equal(t, domain.SenderUser, messages[0].SenderType)
	require.Equal(t, domain.SenderAssistant, messages[1].SenderType)

	// Both turn messages are submitted for indexing.
	require.Len(t, search.indexed, 2)

	// The conversation handle from the provider is retained for the thread.
	state, err := store.GetProviderState(ctx, thread.ID, domain.DefaultProvider)
	require.NoError(t, err)
	require.NotNil(t, state)
	require.Equal(t, "conv-1", state.ConversationID)
	require.Equal(t, "agent-x", state.Payload["model"])
}

func TestProcessTurnReusesConversationID(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	thread := newTestThread(t, store, nil)
	chat := &mockChatService{result: completionResult()}
	orchestrator := domain.NewOrchestrator(store, chat, nil)

	_, err := orchestrator.ProcessTurn(ctx, thread, domain.MessageCreate{Text: "first", Model: "agent-x"}, nil)
	require.NoError(t, err)
	_, err = orchestrator.ProcessTurn(ctx, thread, domain.MessageCreate{Text: "second", Model: "agent-x"}, nil)
	require.NoError(t, err)

	require.Equal(t, 2, chat.calls)
	require.Empty(t, chat.gotParams[0].ConversationID)
	require.Equal(t, "conv-1", chat.gotParams[1].ConversationID)

	// The second call carries the full history.
	require.Len(t, chat.gotParams[1].Messages, 3)
}

func TestProcessTurnDefaultsEmptyText(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	thread := newTestThread(t, store, nil)
	chat := &mockChatService{result: completionResult()}
	orchestrator := domain.NewOrchestrator(store, chat, nil)

	result, err := orchestrator.ProcessTurn(ctx, thread, domain.MessageCreate{Text: "   ", Model: "agent-x"}, nil)
	require.NoError(t, err)
	require.Equal(t, "Process as expected.", result.UserMessage.Text)
	require.Equal(t, "Process as expected.", chat.gotParams[0].Messages[0].Parts[0].Text)
}

func TestProcessTurnDerivesTitle(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	thread := newTestThread(t, store, nil)
	chat := &mockChatService{result: completionResult()}
	orchestrator := domain.NewOrchestrator(store, chat, nil)

	_, err := orchestrator.ProcessTurn(ctx, thread, domain.MessageCreate{
		Text:       "Hello there, what can you do for me today?",
		Model:      "agent-x",
		ModelLabel: "[Beta] Agent",
	}, nil)
	require.NoError(t, err)

	stored, err := store.GetThread(ctx, thread.ID)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(stored.Title, "Beta Agent: Hello there"), stored.Title)
	require.NotContains(t, stored.Title, "[")
}

func TestProcessTurnModelOverrideIsStored(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	thread := newTestThread(t, store, map[string]string{"model": "agent-old"})
	chat := &mockChatService{result: completionResult()}
	orchestrator := domain.NewOrchestrator(store, chat, nil)

	_, err := orchestrator.ProcessTurn(ctx, thread, domain.MessageCreate{Text: "hi", Model: "agent-new"}, nil)
	require.NoError(t, err)
	require.Equal(t, "agent-new", chat.gotParams[0].Model)

	stored, err := store.GetThread(ctx, thread.ID)
	require.NoError(t, err)
	require.Equal(t, "agent-new", stored.Attributes["model"])
}

func TestProcessTurnUsesStoredModel(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	thread := newTestThread(t, store, map[string]string{"model": "agent-x"})
	chat := &mockChatService{result: completionResult()}
	orchestrator := domain.NewOrchestrator(store, chat, nil)

	_, err := orchestrator.ProcessTurn(ctx, thread, domain.MessageCreate{Text: "hi"}, nil)
	require.NoError(t, err)
	require.Equal(t, "agent-x", chat.gotParams[0].Model)
}

func TestProcessTurnStatusMapping(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	thread := newTestThread(t, store, nil)

	var midCallStatus domain.MessageStatus
	chat := &mockChatService{
		result:   completionResult(),
		statuses: []string{"queued", "running", "completed"},
	}
	chat.probe = func(ctx context.Context) {
		messages, err := store.ListMessages(ctx, thread.ID)
		require.NoError(t, err)
		require.Len(t, messages, 1)
		midCallStatus = messages[0].Status
	}
	orchestrator := domain.NewOrchestrator(store, chat, nil)

	result, err := orchestrator.ProcessTurn(ctx, thread, domain.MessageCreate{Text: "hi", Model: "agent-x"}, nil)
	require.NoError(t, err)

	// The provider's own completed signal keeps the record in processing;
	// ready is set only after the call returns.
	require.Equal(t, domain.StatusProcessing, midCallStatus)
	require.Equal(t, domain.StatusReady, result.UserMessage.Status)
}

func TestProcessTurnFailureMarksUserMessage(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	thread := newTestThread(t, store, nil)
	chat := &mockChatService{
		err: &domain.ServiceError{
			Message:   "boom",
			ErrorCode: "E1",
			Cause:     errors.New("connection refused"),
		},
	}
	orchestrator := domain.NewOrchestrator(store, chat, nil)

	_, err := orchestrator.ProcessTurn(ctx, thread, domain.MessageCreate{Text: "hi", Model: "agent-x"}, nil)
	require.Error(t, err)

	var gatewayErr *domain.GatewayError
	require.ErrorAs(t, err, &gatewayErr)
	require.Contains(t, gatewayErr.Detail, "boom")
	require.Contains(t, gatewayErr.Detail, "connection refused")
	require.Contains(t, gatewayErr.Detail, "(code: E1)")

	messages, listErr := store.ListMessages(ctx, thread.ID)
	require.NoError(t, listErr)
	require.Len(t, messages, 1)
	require.Equal(t, domain.StatusError, messages[0].Status)
	require.Contains(t, messages[0].ErrorCode, "boom")
}

func TestProcessTurnConsumerCancelKeepsLastStatus(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := memory.NewStore()
	thread := newTestThread(t, store, nil)
	chat := &mockChatService{
		statuses: []string{"queued", "running"},
		err: &domain.ServiceError{
			Message:   "Failed to reach LLM provider",
			ErrorType: "transport_error",
			Cause:     context.Canceled,
		},
		probe: func(context.Context) { cancel() },
	}
	orchestrator := domain.NewOrchestrator(store, chat, nil)

	_, err := orchestrator.ProcessTurn(ctx, thread, domain.MessageCreate{Text: "hi", Model: "agent-x"}, nil)
	require.Error(t, err)

	// A disconnect is not a provider failure.
	var gatewayErr *domain.GatewayError
	require.False(t, errors.As(err, &gatewayErr))

	// The user message stays at its last true status with no error detail.
	messages, listErr := store.ListMessages(context.Background(), thread.ID)
	require.NoError(t, listErr)
	require.Len(t, messages, 1)
	require.Equal(t, domain.StatusProcessing, messages[0].Status)
	require.Empty(t, messages[0].ErrorCode)
}

func TestProcessTurnErrorDetailIsCapped(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	thread := newTestThread(t, store, nil)
	chat := &mockChatService{
		err: &domain.ServiceError{Message: strings.Repeat("very long failure ", 40)},
	}
	orchestrator := domain.NewOrchestrator(store, chat, nil)

	_, err := orchestrator.ProcessTurn(ctx, thread, domain.MessageCreate{Text: "hi", Model: "agent-x"}, nil)
	require.Error(t, err)

	messages, listErr := store.ListMessages(ctx, thread.ID)
	require.NoError(t, listErr)
	require.LessOrEqual(t, len(messages[0].ErrorCode), domain.ErrorDetailMaxLength)
}

func TestProcessTurnInterruptedSubstitutesContent(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	thread := newTestThread(t, store, nil)
	result := completionResult()
	result.AgentStatus = domain.AgentInterrupted
	result.Content = "half finished"
	result.Metadata = map[string]any{
		"interrupt_payload": map[string]any{"question": "Which account do you mean?"},
	}
	chat := &mockChatService{result: result}
	orchestrator := domain.NewOrchestrator(store, chat, nil)

	turn, err := orchestrator.ProcessTurn(ctx, thread, domain.MessageCreate{Text: "hi", Model: "agent-x"}, nil)
	require.NoError(t, err)
	require.Equal(t, "Which account do you mean?", turn.AssistantMessage.Text)
}

func TestProcessTurnEmptyAssistantContent(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	thread := newTestThread(t, store, nil)
	result := completionResult()
	result.Content = "  "
	chat := &mockChatService{result: result}
	orchestrator := domain.NewOrchestrator(store, chat, nil)

	turn, err := orchestrator.ProcessTurn(ctx, thread, domain.MessageCreate{Text: "hi", Model: "agent-x"}, nil)
	require.NoError(t, err)
	require.Equal(t, "(no text content)", turn.AssistantMessage.Text)
}

func TestProcessTurnUploadedAttachmentsReachThePrompt(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	thread := newTestThread(t, store, nil)
	chat := &mockChatService{result: completionResult()}
	orchestrator := domain.NewOrchestrator(store, chat, nil)

	turn, err := orchestrator.ProcessTurn(ctx, thread, domain.MessageCreate{
		Text:  "describe this",
		Model: "agent-x",
		Attachments: []domain.AttachmentUpload{
			{
				Filename:    "photo.png",
				ContentType: "image/png",
				DataBase64:  base64.StdEncoding.EncodeToString([]byte("png-bytes")),
			},
			{
				Filename:   "notes.txt",
				DataBase64: base64.StdEncoding.EncodeToString([]byte("note")),
			},
		},
	}, nil)
	require.NoError(t, err)
	require.Len(t, turn.Attachments, 2)

	parts := chat.gotParams[0].Messages[0].Parts
	require.Len(t, parts, 3)
	require.Equal(t, "text", parts[0].Type)
	require.Equal(t, "image/png", parts[1].MediaType)
	require.NotEmpty(t, parts[1].ImageBase64)
	require.Equal(t, "notes.txt", parts[2].Filename)
	// Missing content type falls back to a binary default.
	require.Equal(t, "application/octet-stream", parts[2].MediaType)
}

func TestProcessTurnRejectsBadAttachmentEncoding(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	thread := newTestThread(t, store, nil)
	orchestrator := domain.NewOrchestrator(store, &mockChatService{result: completionResult()}, nil)

	_, err := orchestrator.ProcessTurn(ctx, thread, domain.MessageCreate{
		Text:        "hi",
		Model:       "agent-x",
		Attachments: []domain.AttachmentUpload{{Filename: "x", DataBase64: "%%%not-base64%%%"}},
	}, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid attachment encoding")
}

func TestProcessTurnRecordsProviderAttachments(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	thread := newTestThread(t, store, nil)
	chat := &mockChatService{
		result: completionResult(),
		chunks: []map[string]any{
			{
				"choices": []any{map[string]any{"delta": map[string]any{"content": "chart below"}}},
				"message_metadata": map[string]any{
					"attachments": []any{map[string]any{
						"filename":         "chart.png",
						"content_type":     "image/png",
						"bytes":            float64(512),
						"storage_filename": "chart_abc123.png",
					}},
				},
			},
		},
	}
	orchestrator := domain.NewOrchestrator(store, chat, nil)

	turn, err := orchestrator.ProcessTurn(ctx, thread, domain.MessageCreate{Text: "hi", Model: "agent-x"}, nil)
	require.NoError(t, err)

	byMessage, err := store.ListAttachments(ctx, []uuid.UUID{turn.AssistantMessage.ID})
	require.NoError(t, err)
	records := byMessage[turn.AssistantMessage.ID]
	require.Len(t, records, 1)
	require.Equal(t, "chart.png", records[0].Filename)
	require.Equal(t, "chart_abc123.png", records[0].StorageFilename)
	require.Equal(t, "image/png", records[0].ContentType)
	require.NotNil(t, records[0].SizeBytes)
	require.Equal(t, 512, *records[0].SizeBytes)
}

func TestProcessTurnForwardsEnrichedChunks(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	thread := newTestThread(t, store, nil)
	chat := &mockChatService{
		result: completionResult(),
		chunks: []map[string]any{
			{
				"agent_status": "interrupted",
				"message_metadata": map[string]any{
					"interrupt_payload": map[string]any{"question": "More input?"},
				},
			},
		},
	}
	orchestrator := domain.NewOrchestrator(store, chat, nil)

	var forwarded []map[string]any
	_, err := orchestrator.ProcessTurn(ctx, thread, domain.MessageCreate{Text: "hi", Model: "agent-x"},
		func(_ context.Context, chunk map[string]any) error {
			forwarded = append(forwarded, chunk)
			return nil
		})
	require.NoError(t, err)

	require.Len(t, forwarded, 1)
	choices := forwarded[0]["choices"].([]any)
	delta := choices[0].(map[string]any)["delta"].(map[string]any)
	require.Equal(t, "More input?", delta["content"])
}

func TestProcessTurnSearchFailureIsSwallowed(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	thread := newTestThread(t, store, nil)
	chat := &mockChatService{result: completionResult()}
	orchestrator := domain.NewOrchestrator(store, chat, &mockSearchIndex{err: errors.New("index down")})

	_, err := orchestrator.ProcessTurn(ctx, thread, domain.MessageCreate{Text: "hi", Model: "agent-x"}, nil)
	require.NoError(t, err)
}
