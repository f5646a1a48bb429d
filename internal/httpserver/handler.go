// Package httpserver exposes the orchestration core over HTTP: thread and
// message endpoints, the live SSE stream, the models catalog, and attachment
// downloads.
package httpserver

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/threadline/threadline/internal/domain"
	"github.com/threadline/threadline/internal/observability"
	"github.com/threadline/threadline/internal/relay"
)

const attachmentsPathPrefix = "/attachments"

// Handler handles HTTP requests.
type Handler struct {
	store        domain.Store
	orchestrator *domain.Orchestrator
	relay        *relay.Relay
	chat         domain.ChatService
	attachments  domain.AttachmentStore
}

// NewHandler creates a new HTTP handler (DI constructor).
func NewHandler(
	store domain.Store,
	orchestrator *domain.Orchestrator,
	liveRelay *relay.Relay,
	chat domain.ChatService,
	attachments domain.AttachmentStore,
) *Handler {
	return &Handler{
		store:        store,
		orchestrator: orchestrator,
		relay:        liveRelay,
		chat:         chat,
		attachments:  attachments,
	}
}

type threadCreateRequest struct {
	Title      string            `json:"title,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// HandleCreateThread creates a new conversation thread.
func (h *Handler) HandleCreateThread(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req threadCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	now := time.Now().UTC()
	thread := &domain.Thread{
		ID:         uuid.New(),
		OwnerID:    callerID(r),
		Title:      req.Title,
		Attributes: req.Attributes,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := h.store.CreateThread(ctx, thread); err != nil {
		observability.FromContext(ctx).Error("failed to create thread", observability.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create thread")
		return
	}
	writeJSON(w, http.StatusCreated, thread)
}

// HandleListMessages returns the thread history oldest to newest, with
// attachment read models.
func (h *Handler) HandleListMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	thread, ok := h.resolveThread(w, r)
	if !ok {
		return
	}

	messages, err := h.store.ListMessages(ctx, thread.ID)
	if err != nil {
		observability.FromContext(ctx).Error("failed to list messages", observability.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	messageIDs := make([]uuid.UUID, len(messages))
	for i, msg := range messages {
		messageIDs[i] = msg.ID
	}
	attachments, err := h.store.ListAttachments(ctx, messageIDs)
	if err != nil {
		observability.FromContext(ctx).Error("failed to list attachments", observability.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}

	reads := make([]messageRead, 0, len(messages))
	for _, msg := range messages {
		reads = append(reads, toMessageRead(msg, attachments[msg.ID]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": reads})
}

// HandleCreateMessage runs one user turn synchronously and returns the
// hydrated user message.
func (h *Handler) HandleCreateMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	thread, ok := h.resolveThread(w, r)
	if !ok {
		return
	}
	payload, ok := decodeMessageCreate(w, r)
	if !ok {
		return
	}

	ctx = observability.WithThread(ctx, thread.ID.String())
	result, err := h.orchestrator.ProcessTurn(ctx, thread, payload, nil)
	if err != nil {
		writeTurnError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMessageRead(result.UserMessage, result.Attachments))
}

// HandleStreamMessage runs one user turn while re-publishing the provider
// stream as Server-Sent Events. The stream always terminates with a [DONE]
// sentinel, and failures arrive as in-band error frames.
func (h *Handler) HandleStreamMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	thread, ok := h.resolveThread(w, r)
	if !ok {
		return
	}
	payload, ok := decodeMessageCreate(w, r)
	if !ok {
		return
	}

	flusher, flushable := w.(http.Flusher)
	if !flushable {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ctx = observability.WithThread(ctx, thread.ID.String())
	logger := observability.FromContext(ctx)
	logger.Info("stream request started")

	frames := h.relay.Stream(ctx, thread, payload)
	for {
		select {
		case <-ctx.Done():
			logger.Info("stream context done", observability.Error(ctx.Err()))
			return
		case frame, open := <-frames:
			if !open {
				logger.Info("stream completed")
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", frame)
			flusher.Flush()
		}
	}
}

// HandleListModels relays the provider models catalog.
func (h *Handler) HandleListModels(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cards, err := h.chat.ListModels(ctx)
	if err != nil {
		observability.FromContext(ctx).Error("failed to list models", observability.Error(err))
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": cards})
}

// HandleDownloadAttachment serves a stored provider attachment.
func (h *Handler) HandleDownloadAttachment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	storageName := r.PathValue("name")

	reader, err := h.attachments.Open(ctx, storageName)
	if err != nil {
		writeError(w, http.StatusNotFound, "attachment not found")
		return
	}
	defer reader.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", storageName))
	if _, err := io.Copy(w, reader); err != nil {
		observability.FromContext(ctx).Warn("attachment download aborted", observability.Error(err))
	}
}

// HandleHealth handles health check requests.
func (h *Handler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *Handler) resolveThread(w http.ResponseWriter, r *http.Request) (*domain.Thread, bool) {
	threadID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid thread id")
		return nil, false
	}
	thread, err := h.store.GetThread(r.Context(), threadID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "thread not found")
		} else {
			observability.FromContext(r.Context()).Error("failed to load thread", observability.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to load thread")
		}
		return nil, false
	}
	if thread.OwnerID != "" && thread.OwnerID != callerID(r) {
		writeError(w, http.StatusNotFound, "thread not found")
		return nil, false
	}
	return thread, true
}

func writeTurnError(w http.ResponseWriter, err error) {
	var gatewayErr *domain.GatewayError
	switch {
	case errors.Is(err, domain.ErrModelRequired):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &gatewayErr):
		writeError(w, http.StatusBadGateway, gatewayErr.Detail)
	default:
		writeError(w, http.StatusInternalServerError, "failed to process message")
	}
}

func decodeMessageCreate(w http.ResponseWriter, r *http.Request) (domain.MessageCreate, bool) {
	var payload domain.MessageCreate
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return payload, false
	}
	payload.SenderID = callerID(r)
	return payload, true
}

// callerID stands in for the identity layer, which is an external
// collaborator here.
func callerID(r *http.Request) string {
	if user := r.Header.Get("X-User-Id"); user != "" {
		return user
	}
	return "local"
}

type attachmentRead struct {
	ID          uuid.UUID `json:"id"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type"`
	DataBase64  string    `json:"data_base64,omitempty"`
	SizeBytes   *int      `json:"size_bytes,omitempty"`
	DownloadURL string    `json:"download_url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type messageRead struct {
	domain.Message
	Attachments []attachmentRead `json:"attachments"`
}

func toMessageRead(message domain.Message, attachments []domain.MessageAttachment) messageRead {
	reads := make([]attachmentRead, 0, len(attachments))
	for _, attachment := range attachments {
		read := attachmentRead{
			ID:          attachment.ID,
			Filename:    attachment.Filename,
			ContentType: attachment.ContentType,
			SizeBytes:   attachment.SizeBytes,
			CreatedAt:   attachment.CreatedAt,
		}
		if attachment.Data != nil {
			read.DataBase64 = base64.StdEncoding.EncodeToString(attachment.Data)
			if read.SizeBytes == nil {
				read.SizeBytes = domain.IntPtr(len(attachment.Data))
			}
		}
		if attachment.StorageFilename != "" {
			read.DownloadURL = attachmentsPathPrefix + "/" + attachment.StorageFilename
		}
		reads = append(reads, read)
	}
	return messageRead{Message: message, Attachments: reads}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
