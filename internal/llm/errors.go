package llm

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/threadline/threadline/internal/domain"
)

const errorExcerptLength = 400

// extractError builds a ServiceError from a non-2xx provider response.
// Extraction is best-effort: a structured `error` object wins, then a handful
// of conventional top-level keys, then a truncated excerpt of the raw body.
func extractError(statusCode int, header http.Header, body []byte) *domain.ServiceError {
	svcErr := &domain.ServiceError{
		StatusCode: statusCode,
		RequestID:  strings.TrimSpace(header.Get("X-Request-Id")),
	}
	defaultMessage := "LLM provider returned HTTP " + strconv.Itoa(statusCode)

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		excerpt := collapseText(string(body), errorExcerptLength)
		svcErr.Message = defaultMessage
		if excerpt != "" {
			svcErr.Message = excerpt
			svcErr.Extra = map[string]any{"response_text_excerpt": excerpt}
		}
		return svcErr
	}

	var detail string
	if errBlock, ok := payload["error"].(map[string]any); ok {
		if message, ok := errBlock["message"].(string); ok && strings.TrimSpace(message) != "" {
			detail = strings.TrimSpace(message)
		}
		if code, ok := errBlock["code"].(string); ok && strings.TrimSpace(code) != "" {
			svcErr.ErrorCode = strings.TrimSpace(code)
		}
		if errType, ok := errBlock["type"].(string); ok && strings.TrimSpace(errType) != "" {
			svcErr.ErrorType = strings.TrimSpace(errType)
		}
		if requestID := requestIDHint(errBlock); requestID != "" {
			svcErr.RequestID = requestID
		}
		remaining := make(map[string]any)
		for key, value := range errBlock {
			switch key {
			case "message", "code", "type", "request_id", "requestId":
			default:
				remaining[key] = value
			}
		}
		if len(remaining) > 0 {
			svcErr.Extra = map[string]any{"provider_error_context": remaining}
		}
	}
	if detail == "" {
		for _, key := range []string{"detail", "message", "error_description", "error"} {
			if candidate, ok := payload[key].(string); ok && strings.TrimSpace(candidate) != "" {
				detail = strings.TrimSpace(candidate)
				break
			}
		}
	}
	if detail == "" {
		detail = defaultMessage
	}
	svcErr.Message = detail

	if excerpt := collapseText(string(body), errorExcerptLength); excerpt != "" {
		if svcErr.Extra == nil {
			svcErr.Extra = make(map[string]any)
		}
		svcErr.Extra["provider_response_excerpt"] = excerpt
	}
	return svcErr
}

// streamError converts a mid-stream `error` frame into the same ServiceError
// shape as an HTTP error response.
func streamError(payload map[string]any, errBlock map[string]any) *domain.ServiceError {
	svcErr := &domain.ServiceError{Message: "LLM provider streaming error"}

	if message, ok := errBlock["message"].(string); ok && strings.TrimSpace(message) != "" {
		svcErr.Message = strings.TrimSpace(message)
	}
	if code, ok := errBlock["code"].(string); ok && strings.TrimSpace(code) != "" {
		svcErr.ErrorCode = strings.TrimSpace(code)
	}
	if errType, ok := errBlock["type"].(string); ok && strings.TrimSpace(errType) != "" {
		svcErr.ErrorType = strings.TrimSpace(errType)
	}
	svcErr.RequestID = requestIDHint(errBlock)

	if status, ok := payload["status_code"].(float64); ok {
		svcErr.StatusCode = int(status)
	} else if status, ok := errBlock["status"].(float64); ok {
		svcErr.StatusCode = int(status)
	}

	remaining := make(map[string]any)
	for key, value := range errBlock {
		switch key {
		case "message", "code", "type", "request_id", "requestId", "status":
		default:
			remaining[key] = value
		}
	}
	if len(remaining) > 0 {
		svcErr.Extra = map[string]any{"provider_error_context": remaining}
	}
	return svcErr
}

func requestIDHint(errBlock map[string]any) string {
	for _, key := range []string{"request_id", "requestId"} {
		if hint, ok := errBlock[key].(string); ok && strings.TrimSpace(hint) != "" {
			return strings.TrimSpace(hint)
		}
	}
	return ""
}

// collapseText squashes whitespace runs and truncates to length, appending an
// ellipsis when cut.
func collapseText(text string, length int) string {
	collapsed := strings.Join(strings.Fields(text), " ")
	if len(collapsed) <= length {
		return collapsed
	}
	return collapsed[:length-3] + "..."
}
