package relay_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/threadline/threadline/internal/domain"
	"github.com/threadline/threadline/internal/relay"
)

// scriptedRunner replays chunks through the sink, then returns the configured
// outcome.
type scriptedRunner struct {
	chunks []map[string]any
	err    error
	block  chan struct{} // when set, wait for ctx before returning
}

func (r *scriptedRunner) ProcessTurn(
	ctx context.Context,
	_ *domain.Thread,
	_ domain.MessageCreate,
	onChunk domain.ChunkSink,
) (*domain.TurnResult, error) {
	for _, chunk := range r.chunks {
		if err := onChunk(ctx, chunk); err != nil {
			return nil, err
		}
	}
	if r.block != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-r.block:
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	return &domain.TurnResult{}, nil
}

func testThread() *domain.Thread {
	return &domain.Thread{ID: uuid.New()}
}

// collect drains the stream into decoded frames, asserting the terminal
// sentinel arrives last.
func collect(t *testing.T, frames <-chan []byte) []map[string]any {
	t.Helper()
	var decoded []map[string]any
	sawSentinel := false
	for frame := range frames {
		require.False(t, sawSentinel, "frame after [DONE] sentinel")
		if string(frame) == string(relay.DoneSentinel) {
			sawSentinel = true
			continue
		}
		var obj map[string]any
		require.NoError(t, json.Unmarshal(frame, &obj))
		decoded = append(decoded, obj)
	}
	require.True(t, sawSentinel, "stream ended without [DONE] sentinel")
	return decoded
}

func statusOf(frame map[string]any) string {
	status, _ := frame["agent_status"].(string)
	return status
}

func TestStreamLifecycleFrames(t *testing.T) {
	runner := &scriptedRunner{
		chunks: []map[string]any{
			{"agent_status": "streaming", "choices": []any{map[string]any{"delta": map[string]any{"content": "hi"}}}},
		},
	}
	r := relay.New(runner)

	frames := collect(t, r.Stream(context.Background(), testThread(), domain.MessageCreate{Text: "go"}))
	require.Len(t, frames, 4)
	require.Equal(t, "queued", statusOf(frames[0]))
	require.Equal(t, "running", statusOf(frames[1]))
	require.Equal(t, "streaming", statusOf(frames[2]))
	// The turn ended without a completed chunk, so one is synthesized.
	require.Equal(t, "completed", statusOf(frames[3]))

	choices := frames[3]["choices"].([]any)
	finish := choices[0].(map[string]any)["finish_reason"]
	require.Equal(t, "stop", finish)
}

func TestStreamDoesNotDuplicateCompleted(t *testing.T) {
	runner := &scriptedRunner{
		chunks: []map[string]any{
			{"agent_status": "streaming"},
			{"agent_status": "completed", "choices": []any{map[string]any{"delta": map[string]any{}, "finish_reason": "stop"}}},
		},
	}
	r := relay.New(runner)

	frames := collect(t, r.Stream(context.Background(), testThread(), domain.MessageCreate{}))
	var completed int
	for _, frame := range frames {
		if statusOf(frame) == "completed" {
			completed++
		}
	}
	require.Equal(t, 1, completed)
}

func TestStreamInterruptedSuppressesCompleted(t *testing.T) {
	runner := &scriptedRunner{
		chunks: []map[string]any{
			{"agent_status": "interrupted", "choices": []any{map[string]any{"delta": map[string]any{"content": "need input"}}}},
		},
	}
	r := relay.New(runner)

	frames := collect(t, r.Stream(context.Background(), testThread(), domain.MessageCreate{}))
	last := frames[len(frames)-1]
	require.Equal(t, "interrupted", statusOf(last))
}

func TestStreamFailureEmitsErrorFrame(t *testing.T) {
	runner := &scriptedRunner{
		err: &domain.GatewayError{Detail: "provider exploded (code: E1)"},
	}
	r := relay.New(runner)

	frames := collect(t, r.Stream(context.Background(), testThread(), domain.MessageCreate{}))
	require.GreaterOrEqual(t, len(frames), 4)

	failed := frames[len(frames)-2]
	require.Equal(t, "failed", statusOf(failed))

	errFrame := frames[len(frames)-1]
	errBlock := errFrame["error"].(map[string]any)
	require.Equal(t, "provider exploded (code: E1)", errBlock["message"])
	require.Equal(t, "agent_error", errBlock["type"])
}

func TestStreamUnexpectedFailureIsMasked(t *testing.T) {
	runner := &scriptedRunner{err: errors.New("redis connection pool exhausted")}
	r := relay.New(runner)

	frames := collect(t, r.Stream(context.Background(), testThread(), domain.MessageCreate{}))
	errBlock := frames[len(frames)-1]["error"].(map[string]any)
	require.Equal(t, "Internal server error", errBlock["message"])
	require.Equal(t, "internal_error", errBlock["type"])
}

func TestStreamHeartbeatWhileProviderSilent(t *testing.T) {
	release := make(chan struct{})
	runner := &scriptedRunner{block: release}
	r := relay.NewWithInterval(runner, 10*time.Millisecond)

	frames := r.Stream(context.Background(), testThread(), domain.MessageCreate{})

	// queued and running arrive immediately.
	require.Equal(t, "queued", statusOf(decodeFrame(t, <-frames)))
	require.Equal(t, "running", statusOf(decodeFrame(t, <-frames)))

	// With the turn stalled, heartbeats keep the stream warm.
	select {
	case frame := <-frames:
		require.Equal(t, "running", statusOf(decodeFrame(t, frame)))
	case <-time.After(time.Second):
		t.Fatal("no heartbeat frame observed")
	}

	close(release)
	collect(t, frames)
}

func TestStreamSlowConsumerStillGetsSentinel(t *testing.T) {
	// Enough chunks to fill the frame buffer many times over while the
	// consumer lags behind.
	chunks := make([]map[string]any, 200)
	for i := range chunks {
		chunks[i] = map[string]any{
			"agent_status": "streaming",
			"choices":      []any{map[string]any{"delta": map[string]any{"content": "x"}}},
		}
	}
	r := relay.New(&scriptedRunner{chunks: chunks})

	frames := r.Stream(context.Background(), testThread(), domain.MessageCreate{})

	var last []byte
	var received int
	for frame := range frames {
		time.Sleep(2 * time.Millisecond)
		received++
		last = frame
	}
	// queued + running + 200 chunks + synthesized completed + sentinel.
	require.Equal(t, 204, received)
	require.Equal(t, string(relay.DoneSentinel), string(last))
}

func TestStreamCancelledConsumer(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	runner := &scriptedRunner{block: release}
	r := relay.New(runner)

	ctx, cancel := context.WithCancel(context.Background())
	frames := r.Stream(ctx, testThread(), domain.MessageCreate{})

	<-frames // queued
	<-frames // running
	cancel()

	// The channel still closes promptly; no error frame for a cancelled turn.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case frame, open := <-frames:
			if !open {
				return
			}
			if string(frame) == string(relay.DoneSentinel) {
				continue
			}
			decoded := decodeFrame(t, frame)
			require.NotContains(t, decoded, "error")
		case <-deadline:
			t.Fatal("frames channel never closed after cancel")
		}
	}
}

func decodeFrame(t *testing.T, frame []byte) map[string]any {
	t.Helper()
	var obj map[string]any
	require.NoError(t, json.Unmarshal(frame, &obj))
	return obj
}
