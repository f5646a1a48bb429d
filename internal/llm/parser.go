package llm

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/threadline/threadline/internal/domain"
	"github.com/threadline/threadline/internal/observability"
)

// Finish reasons considered normal termination; anything else is logged.
var acceptedFinishReasons = map[string]bool{
	"stop":   true,
	"length": true,
}

// streamParser accumulates decoded stream chunks into one completion result.
// It is owned exclusively by a single completion call and never shared.
type streamParser struct {
	defaultModel string
	onStatus     domain.StatusSink
	trace        tracer

	contentParts   []string
	role           domain.ChatRole
	model          string
	responseID     string
	conversationID string
	metadata       map[string]any
	usage          domain.Usage
	finishReason   string
	lastStatus     string
}

func newStreamParser(defaultModel string, onStatus domain.StatusSink, trace tracer) *streamParser {
	return &streamParser{
		defaultModel: defaultModel,
		onStatus:     onStatus,
		trace:        trace,
		role:         domain.RoleAssistant,
	}
}

// parseJSON decodes one event payload; malformed payloads are discarded with
// a warning rather than aborting the stream.
func (p *streamParser) parseJSON(ctx context.Context, payload []byte) map[string]any {
	var obj map[string]any
	if err := json.Unmarshal(payload, &obj); err != nil {
		observability.FromContext(ctx).Warn("discarding malformed streaming payload",
			observability.String("payload", collapseText(string(payload), 200)),
		)
		return nil
	}
	return obj
}

// processChunk folds one decoded chunk into the accumulator. An `error` frame
// aborts immediately with a ServiceError; everything else merges last-write-wins.
func (p *streamParser) processChunk(ctx context.Context, payload map[string]any) error {
	if errBlock, ok := payload["error"].(map[string]any); ok {
		return streamError(payload, errBlock)
	}

	if status, ok := payload["agent_status"].(string); ok {
		if err := p.emitStatus(ctx, status); err != nil {
			return err
		}
	}

	if id, ok := payload["id"].(string); ok {
		p.responseID = id
	}
	if model, ok := payload["model"].(string); ok {
		p.model = model
	}
	if conversationID, ok := payload["conversation_id"].(string); ok {
		p.conversationID = conversationID
	}

	if usage, ok := payload["usage"].(map[string]any); ok {
		mergeUsageField(&p.usage.PromptTokens, usage, "prompt_tokens")
		mergeUsageField(&p.usage.CompletionTokens, usage, "completion_tokens")
		mergeUsageField(&p.usage.TotalTokens, usage, "total_tokens")
	}

	if choices, ok := payload["choices"].([]any); ok {
		for _, raw := range choices {
			choice, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			if delta, ok := choice["delta"].(map[string]any); ok {
				p.ingestCandidate(delta)
			}
			if message, ok := choice["message"].(map[string]any); ok {
				p.ingestCandidate(message)
			}
			if finishReason, ok := choice["finish_reason"].(string); ok {
				p.finishReason = finishReason
				p.trace("received finish_reason=%s", finishReason)
			}
		}
	}

	if metadata, ok := payload["message_metadata"].(map[string]any); ok {
		p.metadata = metadata
	}
	return nil
}

// emitStatus forwards a lifecycle status exactly once per distinct lowercase
// value, in arrival order.
func (p *streamParser) emitStatus(ctx context.Context, status string) error {
	normalized := strings.ToLower(status)
	if p.lastStatus == normalized {
		return nil
	}
	p.lastStatus = normalized
	p.trace("emitting agent status=%s", normalized)
	if p.onStatus == nil {
		return nil
	}
	return p.onStatus(ctx, normalized)
}

func (p *streamParser) ingestCandidate(candidate map[string]any) {
	if role, ok := candidate["role"].(string); ok {
		p.role = domain.ChatRole(role)
	}
	p.ingestContent(candidate["content"])
}

// ingestContent appends text fragments in arrival order. Content arrives
// either as a plain string or as a list of {text} parts.
func (p *streamParser) ingestContent(content any) {
	switch value := content.(type) {
	case string:
		p.contentParts = append(p.contentParts, value)
	case []any:
		for _, raw := range value {
			part, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			if text, ok := part["text"].(string); ok {
				p.contentParts = append(p.contentParts, text)
			}
		}
	}
}

// finalize builds the completion result from the buffered state. When the
// last observed status is interrupted, the interrupt text replaces the
// buffered content.
func (p *streamParser) finalize(ctx context.Context) *domain.CompletionResult {
	if p.finishReason != "" && !acceptedFinishReasons[p.finishReason] {
		observability.FromContext(ctx).Warn("completion finished with unexpected reason",
			observability.String("finish_reason", p.finishReason),
		)
	}
	content := strings.Join(p.contentParts, "")
	if p.lastStatus == domain.AgentInterrupted {
		content = domain.InterruptText(p.metadata, content)
	}
	model := p.model
	if model == "" {
		model = p.defaultModel
	}
	return &domain.CompletionResult{
		ResponseID:     p.responseID,
		Content:        content,
		Role:           p.role,
		Model:          model,
		ConversationID: p.conversationID,
		Usage:          p.usage,
		Metadata:       p.metadata,
		AgentStatus:    p.lastStatus,
	}
}

func mergeUsageField(target **int, usage map[string]any, key string) {
	value, ok := usage[key].(float64)
	if !ok {
		return
	}
	*target = domain.IntPtr(int(value))
}

// tracer is the per-instance verbose logging hook. A nil-safe no-op is used
// when tracing is disabled.
type tracer func(format string, args ...any)

func noopTracer(string, ...any) {}

func zapTracer(logger *zap.SugaredLogger) tracer {
	return func(format string, args ...any) {
		logger.Debugf(format, args...)
	}
}
