package domain

import (
	"fmt"
	"strings"
)

// Helpers for inspecting and rewriting raw stream chunks. Chunks stay
// map-shaped end to end: the provider payload is forwarded to downstream
// consumers as-is apart from attachment rewriting and interrupt enrichment.

// ChunkText pulls the first text fragment out of a chunk, preferring delta
// content over full message content. Used for log previews only.
func ChunkText(chunk map[string]any) string {
	choices, ok := chunk["choices"].([]any)
	if !ok {
		return ""
	}
	for _, raw := range choices {
		choice, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		for _, key := range []string{"delta", "message"} {
			if text := textFromCandidate(choice[key]); text != "" {
				return text
			}
		}
	}
	return ""
}

func textFromCandidate(candidate any) string {
	obj, ok := candidate.(map[string]any)
	if !ok {
		return ""
	}
	if direct, ok := obj["text"].(string); ok && strings.TrimSpace(direct) != "" {
		return direct
	}
	switch content := obj["content"].(type) {
	case string:
		if strings.TrimSpace(content) != "" {
			return content
		}
	case []any:
		for _, raw := range content {
			part, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			if text, ok := part["text"].(string); ok && strings.TrimSpace(text) != "" {
				return text
			}
		}
	}
	return ""
}

// InterruptText resolves the content of an interrupted completion: the
// interrupt payload wins over top-level metadata keys, and the buffered text
// is kept when neither carries anything.
func InterruptText(metadata map[string]any, fallback string) string {
	if metadata == nil {
		return fallback
	}
	if payload, ok := metadata["interrupt_payload"].(map[string]any); ok {
		if text := firstNonEmpty(payload, "content", "question"); text != "" {
			return text
		}
	}
	if text := firstNonEmpty(metadata, "content", "question"); text != "" {
		return text
	}
	return fallback
}

// EnrichInterruptChunk injects the interrupt text into the chunk's choices so
// downstream consumers render something. Chunks without interrupted status or
// without extractable text pass through untouched.
func EnrichInterruptChunk(chunk map[string]any) map[string]any {
	status, ok := chunk["agent_status"].(string)
	if !ok || strings.ToLower(status) != AgentInterrupted {
		return chunk
	}
	metadata, ok := chunk["message_metadata"].(map[string]any)
	if !ok {
		return chunk
	}
	content := InterruptText(metadata, "")
	if content == "" {
		return chunk
	}
	choices, ok := chunk["choices"].([]any)
	if !ok || len(choices) == 0 {
		chunk["choices"] = []any{map[string]any{
			"delta":         map[string]any{"content": content},
			"finish_reason": nil,
		}}
		return chunk
	}
	for _, raw := range choices {
		choice, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if delta, ok := choice["delta"].(map[string]any); ok {
			delta["content"] = content
		} else {
			choice["delta"] = map[string]any{"content": content}
		}
		if message, ok := choice["message"].(map[string]any); ok {
			message["content"] = content
		}
	}
	return chunk
}

// CollectProviderAttachments folds attachment entries from a chunk's metadata
// into the per-turn buffer, keyed by storage filename (or filename plus
// ordinal when storage naming failed upstream).
func CollectProviderAttachments(buffer map[string]map[string]any, chunk map[string]any) {
	metadata, ok := chunk["message_metadata"].(map[string]any)
	if !ok {
		return
	}
	attachments, ok := metadata["attachments"].([]any)
	if !ok {
		return
	}
	for _, raw := range attachments {
		attachment, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		buffer[attachmentKey(attachment, len(buffer))] = attachment
	}
}

// MergeResultAttachments folds attachments from the final payload's own
// metadata into the buffer without displacing entries already captured from
// the stream.
func MergeResultAttachments(buffer map[string]map[string]any, metadata map[string]any) {
	if metadata == nil {
		return
	}
	attachments, ok := metadata["attachments"].([]any)
	if !ok {
		return
	}
	for _, raw := range attachments {
		attachment, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		key := attachmentKey(attachment, len(buffer))
		if _, exists := buffer[key]; !exists {
			buffer[key] = attachment
		}
	}
}

func attachmentKey(attachment map[string]any, ordinal int) string {
	if name, ok := attachment["storage_filename"].(string); ok && name != "" {
		return name
	}
	filename, _ := attachment["filename"].(string)
	return fmt.Sprintf("%s:%d", filename, ordinal)
}

func firstNonEmpty(obj map[string]any, keys ...string) string {
	for _, key := range keys {
		if text, ok := obj[key].(string); ok && strings.TrimSpace(text) != "" {
			return strings.TrimSpace(text)
		}
	}
	return ""
}
