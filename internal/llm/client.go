// Package llm implements the client side of an OpenAI-compatible chat
// completion provider: the outbound transport, the incremental stream parser,
// and recovery of attachments embedded in stream payloads.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go/packages/ssestream"

	"github.com/threadline/threadline/internal/domain"
	"github.com/threadline/threadline/internal/observability"
)

// Client talks to an OpenAI-compatible chat completions endpoint. It owns two
// HTTP clients: one with the configured timeout for request/response calls and
// one without a read deadline for long-lived streams.
type Client struct {
	baseURL      string
	apiKey       string
	httpClient   *http.Client
	streamClient *http.Client
	traceEnabled bool
	attachments  *attachmentExtractor
}

// NewClient creates a provider client. store may be nil to disable attachment
// persistence.
func NewClient(cfg Config, store domain.AttachmentStore) *Client {
	timeout := time.Duration(cfg.Timeout) * time.Second
	dialer := &net.Dialer{Timeout: timeout}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		// Connect and header exchange stay bounded, reads do not: the
		// provider may idle between chunks for longer than any sane timeout.
		streamClient: &http.Client{
			Transport: &http.Transport{
				DialContext:           dialer.DialContext,
				TLSHandshakeTimeout:   timeout,
				ResponseHeaderTimeout: timeout,
			},
		},
		traceEnabled: cfg.TraceEnabled,
		attachments:  newAttachmentExtractor(store, cfg.AttachmentsEndpoint),
	}
}

type completionRequest struct {
	Model          string                 `json:"model"`
	Messages       []domain.PromptMessage `json:"messages"`
	User           string                 `json:"user,omitempty"`
	ConversationID string                 `json:"conversation_id,omitempty"`
	Stream         bool                   `json:"stream,omitempty"`
}

// CreateCompletion dispatches one completion call. Streaming calls feed every
// decoded chunk through attachment persistence, the caller's chunk sink, and
// the accumulating parser, in that order.
func (c *Client) CreateCompletion(ctx context.Context, params domain.CompletionParams) (*domain.CompletionResult, error) {
	logger := observability.FromContext(ctx)
	trace := c.tracer(ctx)

	reqBody := completionRequest{
		Model:          params.Model,
		Messages:       params.Messages,
		User:           params.User,
		ConversationID: params.ConversationID,
		Stream:         params.Stream,
	}
	encoded, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal completion request: %w", err)
	}

	logger.Info("calling chat completions",
		observability.String("model", params.Model),
		observability.Int("messages", len(params.Messages)),
		observability.Int("attachments", countAttachmentParts(params.Messages)),
		observability.Bool("stream", params.Stream),
		observability.String("conversation_id", params.ConversationID),
	)
	trace("request payload: %s", redactPayload(encoded))

	if params.Stream {
		return c.streamCompletion(ctx, params, encoded)
	}
	return c.completeOnce(ctx, params, encoded)
}

func (c *Client) streamCompletion(
	ctx context.Context,
	params domain.CompletionParams,
	body []byte,
) (*domain.CompletionResult, error) {
	trace := c.tracer(ctx)

	httpReq, err := c.newRequest(ctx, http.MethodPost, "/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamClient.Do(httpReq)
	if err != nil {
		return nil, transportError(err)
	}
	trace("streaming response opened: status=%d", resp.StatusCode)

	if resp.StatusCode >= http.StatusBadRequest {
		errBody, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return nil, extractError(resp.StatusCode, resp.Header, errBody)
	}

	parser := newStreamParser(params.Model, params.OnStatus, trace)
	decoder := ssestream.NewDecoder(resp)
	defer decoder.Close()

	for decoder.Next() {
		data := decoder.Event().Data
		payloadLine := strings.TrimSpace(string(data))
		if payloadLine == "" {
			continue
		}
		if payloadLine == "[DONE]" {
			trace("received [DONE] sentinel from provider")
			break
		}
		payload := parser.parseJSON(ctx, []byte(payloadLine))
		if payload == nil {
			continue
		}
		c.attachments.persistPayloadAttachments(ctx, payload)
		if params.OnChunk != nil {
			if err := params.OnChunk(ctx, payload); err != nil {
				return nil, fmt.Errorf("chunk sink failed: %w", err)
			}
		}
		if err := parser.processChunk(ctx, payload); err != nil {
			return nil, err
		}
	}
	if err := decoder.Err(); err != nil {
		return nil, transportError(err)
	}

	result := parser.finalize(ctx)
	observability.FromContext(ctx).Info("streaming completion finished",
		observability.String("response_id", result.ResponseID),
		observability.String("model", result.Model),
		observability.String("conversation_id", result.ConversationID),
		observability.String("agent_status", result.AgentStatus),
	)
	return result, nil
}

func (c *Client) completeOnce(
	ctx context.Context,
	params domain.CompletionParams,
	body []byte,
) (*domain.CompletionResult, error) {
	httpReq, err := c.newRequest(ctx, http.MethodPost, "/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, transportError(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, extractError(resp.StatusCode, resp.Header, respBody)
	}

	var payload map[string]any
	if err := json.Unmarshal(respBody, &payload); err != nil {
		return nil, &domain.ServiceError{
			Message:   "Malformed response from LLM provider",
			ErrorType: domain.ErrorTypeProtocol,
			Cause:     err,
		}
	}
	c.attachments.persistPayloadAttachments(ctx, payload)

	return buildResult(params.Model, payload)
}

// buildResult interprets a full (non-streaming) completion body.
func buildResult(defaultModel string, payload map[string]any) (*domain.CompletionResult, error) {
	choices, _ := payload["choices"].([]any)
	if len(choices) == 0 {
		return nil, &domain.ServiceError{
			Message:   "Malformed response from LLM provider",
			ErrorType: domain.ErrorTypeProtocol,
		}
	}
	choice, ok := choices[0].(map[string]any)
	if !ok {
		return nil, &domain.ServiceError{
			Message:   "Malformed response from LLM provider",
			ErrorType: domain.ErrorTypeProtocol,
		}
	}
	message, ok := choice["message"].(map[string]any)
	if !ok {
		return nil, &domain.ServiceError{
			Message:   "Malformed response from LLM provider",
			ErrorType: domain.ErrorTypeProtocol,
		}
	}

	content, _ := message["content"].(string)
	role := domain.RoleAssistant
	if r, ok := message["role"].(string); ok && r != "" {
		role = domain.ChatRole(r)
	}

	var metadata map[string]any
	for _, candidate := range []any{message["metadata"], message["message_metadata"], payload["message_metadata"]} {
		if m, ok := candidate.(map[string]any); ok {
			metadata = m
			break
		}
	}

	agentStatus := ""
	if status, ok := payload["agent_status"].(string); ok {
		agentStatus = strings.ToLower(status)
	}
	if agentStatus == domain.AgentInterrupted {
		content = domain.InterruptText(metadata, content)
	}

	result := &domain.CompletionResult{
		Content:     content,
		Role:        role,
		Model:       defaultModel,
		Metadata:    metadata,
		AgentStatus: agentStatus,
	}
	if id, ok := payload["id"].(string); ok {
		result.ResponseID = id
	}
	if model, ok := payload["model"].(string); ok {
		result.Model = model
	}
	if conversationID, ok := payload["conversation_id"].(string); ok {
		result.ConversationID = conversationID
	}
	if usage, ok := payload["usage"].(map[string]any); ok {
		mergeUsageField(&result.Usage.PromptTokens, usage, "prompt_tokens")
		mergeUsageField(&result.Usage.CompletionTokens, usage, "completion_tokens")
		mergeUsageField(&result.Usage.TotalTokens, usage, "total_tokens")
	}
	return result, nil
}

// ListModels fetches the provider models catalog, tolerating the three shapes
// observed in the wild: {data:[...]}, {models:[...]} or a bare array, with
// entries either objects or id strings.
func (c *Client) ListModels(ctx context.Context) ([]domain.ModelCard, error) {
	logger := observability.FromContext(ctx)
	logger.Info("requesting provider models catalog")

	httpReq, err := c.newRequest(ctx, http.MethodGet, "/models", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, transportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, extractError(resp.StatusCode, resp.Header, body)
	}

	var payload any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, &domain.ServiceError{
			Message:   "Malformed models response from LLM provider",
			ErrorType: domain.ErrorTypeProtocol,
			Cause:     err,
		}
	}

	var cards []domain.ModelCard
	switch data := payload.(type) {
	case map[string]any:
		items, ok := data["data"].([]any)
		if !ok {
			items, _ = data["models"].([]any)
		}
		cards = normalizeModelCards(items)
	case []any:
		cards = normalizeModelCards(data)
	case string:
		cards = []domain.ModelCard{{ID: data}}
	}

	if len(cards) == 0 {
		return nil, &domain.ServiceError{
			Message:   "LLM provider returned no models",
			ErrorType: domain.ErrorTypeEmptyResult,
		}
	}
	logger.Info("fetched provider models", observability.Int("count", len(cards)))
	return cards, nil
}

func normalizeModelCards(items []any) []domain.ModelCard {
	cards := make([]domain.ModelCard, 0, len(items))
	for _, item := range items {
		switch entry := item.(type) {
		case map[string]any:
			id, ok := entry["id"].(string)
			if !ok || id == "" {
				continue
			}
			card := domain.ModelCard{ID: id}
			if name, ok := entry["name"].(string); ok {
				card.Name = name
			}
			cards = append(cards, card)
		case string:
			cards = append(cards, domain.ModelCard{ID: entry})
		}
	}
	return cards
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return httpReq, nil
}

func (c *Client) tracer(ctx context.Context) tracer {
	if !c.traceEnabled {
		return noopTracer
	}
	return zapTracer(observability.FromContext(ctx).Sugar())
}

// transportError classifies a failure that happened before or while reading a
// response: read timeouts keep their own type, everything else is a transport
// error. Provider-parsed errors never take this path.
func transportError(err error) *domain.ServiceError {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &domain.ServiceError{
			Message:   "LLM provider timed out",
			ErrorType: domain.ErrorTypeTimeout,
			Cause:     err,
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &domain.ServiceError{
			Message:   "LLM provider timed out",
			ErrorType: domain.ErrorTypeTimeout,
			Cause:     err,
		}
	}
	return &domain.ServiceError{
		Message:   "Failed to reach LLM provider",
		ErrorType: domain.ErrorTypeTransport,
		Cause:     err,
	}
}

func countAttachmentParts(messages []domain.PromptMessage) int {
	count := 0
	for _, message := range messages {
		for _, part := range message.Parts {
			if part.Type != "text" {
				count++
			}
		}
	}
	return count
}

// redactPayload truncates base64 data fields before the payload reaches a log
// line.
func redactPayload(encoded []byte) string {
	var payload map[string]any
	if err := json.Unmarshal(encoded, &payload); err != nil {
		return collapseText(string(encoded), 2000)
	}
	if messages, ok := payload["messages"].([]any); ok {
		for _, rawMessage := range messages {
			message, ok := rawMessage.(map[string]any)
			if !ok {
				continue
			}
			parts, ok := message["content"].([]any)
			if !ok {
				continue
			}
			for _, rawPart := range parts {
				part, ok := rawPart.(map[string]any)
				if !ok {
					continue
				}
				for _, key := range []string{"data", "image_base64"} {
					if value, ok := part[key].(string); ok && len(value) > 64 {
						part[key] = value[:64]
					}
				}
			}
		}
	}
	redacted, err := json.Marshal(payload)
	if err != nil {
		return collapseText(string(encoded), 2000)
	}
	return collapseText(string(redacted), 2000)
}
