// Package relay re-publishes one orchestrated turn as a live event stream:
// synthetic lifecycle frames, a heartbeat while the provider is silent, every
// provider chunk in arrival order, and a guaranteed terminal sentinel.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/threadline/threadline/internal/domain"
	"github.com/threadline/threadline/internal/observability"
)

// DefaultHeartbeatInterval paces synthetic running frames while the upstream
// provider is quiet mid-turn.
const DefaultHeartbeatInterval = 10 * time.Second

// DoneSentinel is the final frame of every stream, emitted exactly once on
// every code path.
var DoneSentinel = []byte("[DONE]")

// TurnRunner runs one user turn, forwarding stream chunks to the sink.
type TurnRunner interface {
	ProcessTurn(ctx context.Context, thread *domain.Thread, payload domain.MessageCreate, onChunk domain.ChunkSink) (*domain.TurnResult, error)
}

// Relay wraps a TurnRunner for callers that want to observe the stream live.
type Relay struct {
	runner    TurnRunner
	heartbeat time.Duration
	queueSize int
}

// New creates a live relay with the default heartbeat interval (DI constructor).
func New(runner TurnRunner) *Relay {
	return &Relay{
		runner:    runner,
		heartbeat: DefaultHeartbeatInterval,
		queueSize: 64,
	}
}

// NewWithInterval creates a relay with a custom heartbeat interval.
func NewWithInterval(runner TurnRunner, heartbeat time.Duration) *Relay {
	r := New(runner)
	r.heartbeat = heartbeat
	return r
}

// Stream starts the turn in the background and returns the frame channel. The
// channel delivers serialized chunk payloads in arrival order, ends with
// DoneSentinel, and is closed afterwards. Cancelling ctx cancels the turn;
// the heartbeat is always stopped before the channel closes.
func (r *Relay) Stream(ctx context.Context, thread *domain.Thread, payload domain.MessageCreate) <-chan []byte {
	frames := make(chan []byte, r.queueSize)
	go r.run(ctx, thread, payload, frames)
	return frames
}

func (r *Relay) run(ctx context.Context, thread *domain.Thread, payload domain.MessageCreate, frames chan<- []byte) {
	logger := observability.FromContext(ctx)

	var mu sync.Mutex
	lastStatus := ""
	setStatus := func(status string) {
		mu.Lock()
		lastStatus = strings.ToLower(status)
		mu.Unlock()
	}
	currentStatus := func() string {
		mu.Lock()
		defer mu.Unlock()
		return lastStatus
	}

	send := func(frame []byte) bool {
		select {
		case frames <- frame:
			return true
		case <-ctx.Done():
			return false
		}
	}

	runningFrame := lifecycleFrame(thread.ID, domain.AgentRunning, "")
	stopHeartbeat := make(chan struct{})
	heartbeatDone := make(chan struct{})

	defer func() {
		close(stopHeartbeat)
		<-heartbeatDone
		// The sentinel waits out a slow consumer; only once the consumer's
		// context is gone does the enqueue become best-effort.
		select {
		case frames <- DoneSentinel:
		case <-ctx.Done():
			select {
			case frames <- DoneSentinel:
			default:
			}
		}
		close(frames)
	}()

	// The consumer sees activity before the orchestrator does any work.
	if !send(lifecycleFrame(thread.ID, domain.AgentQueued, "")) {
		close(heartbeatDone)
		return
	}
	setStatus(domain.AgentQueued)
	if !send(runningFrame) {
		close(heartbeatDone)
		return
	}
	setStatus(domain.AgentRunning)

	go func() {
		defer close(heartbeatDone)
		ticker := time.NewTicker(r.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				select {
				case frames <- runningFrame:
				case <-stopHeartbeat:
					return
				case <-ctx.Done():
					return
				}
			case <-stopHeartbeat:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	forward := func(ctx context.Context, chunk map[string]any) error {
		if status, ok := chunk["agent_status"].(string); ok {
			setStatus(status)
		}
		serialized, err := json.Marshal(chunk)
		if err != nil {
			return err
		}
		if !send(serialized) {
			return ctx.Err()
		}
		return nil
	}

	_, err := r.runner.ProcessTurn(ctx, thread, payload, forward)
	switch {
	case err == nil:
		if status := currentStatus(); status != domain.AgentCompleted && status != domain.AgentInterrupted {
			send(lifecycleFrame(thread.ID, domain.AgentCompleted, "stop"))
		}
	case errors.Is(err, context.Canceled):
		logger.Info("stream cancelled by consumer")
	default:
		detail, errType := userFacingFailure(err)
		logger.Warn("turn failed while streaming", observability.Error(err))
		if send(lifecycleFrame(thread.ID, domain.AgentFailed, "error")) {
			send(errorFrame(detail, errType))
		}
		setStatus(domain.AgentFailed)
	}
}

// userFacingFailure decides what the error frame discloses: gateway and
// validation failures carry their detail, anything unexpected is masked.
func userFacingFailure(err error) (detail, errType string) {
	var gatewayErr *domain.GatewayError
	if errors.As(err, &gatewayErr) {
		return gatewayErr.Detail, "agent_error"
	}
	if errors.Is(err, domain.ErrModelRequired) {
		return err.Error(), "agent_error"
	}
	return "Internal server error", "internal_error"
}

type chunkChoice struct {
	Delta        map[string]any `json:"delta"`
	FinishReason *string        `json:"finish_reason"`
}

type chunkEnvelope struct {
	ID          string        `json:"id"`
	Object      string        `json:"object"`
	AgentStatus string        `json:"agent_status"`
	Choices     []chunkChoice `json:"choices"`
}

func lifecycleFrame(threadID uuid.UUID, status, finishReason string) []byte {
	var reason *string
	if finishReason != "" {
		reason = &finishReason
	}
	frame, _ := json.Marshal(chunkEnvelope{
		ID:          threadID.String(),
		Object:      "chat.completion.chunk",
		AgentStatus: status,
		Choices:     []chunkChoice{{Delta: map[string]any{}, FinishReason: reason}},
	})
	return frame
}

func errorFrame(message, errType string) []byte {
	frame, _ := json.Marshal(map[string]any{
		"error": map[string]any{"message": message, "type": errType},
	})
	return frame
}
