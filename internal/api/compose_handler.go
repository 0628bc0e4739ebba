package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"mime"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/vmail/composer/internal/compose"
	"github.com/vdavid/vmail/composer/internal/db"
	"github.com/vdavid/vmail/composer/internal/models"
)

// maxEventBytes caps the body of one posted event.
const maxEventBytes = 1 << 20

// Sessions gives access to the compose store of each user.
type Sessions interface {
	Dispatch(ctx context.Context, userID string, event compose.Event)
	Snapshot(ctx context.Context, userID string) compose.State
}

// AttachmentContent reads the stored bytes of an attachment.
type AttachmentContent interface {
	Content(ctx context.Context, userID string, id int64) (models.Attachment, []byte, error)
}

// ComposeHandler exposes the compose store over HTTP. Clients post intents;
// completions are produced by the server and pushed over the WebSocket.
type ComposeHandler struct {
	pool               *pgxpool.Pool
	sessions           Sessions
	attachments        AttachmentContent
	maxAttachmentBytes int64
}

// NewComposeHandler creates a new ComposeHandler instance.
func NewComposeHandler(pool *pgxpool.Pool, sessions Sessions, attachments AttachmentContent, maxAttachmentBytes int64) *ComposeHandler {
	return &ComposeHandler{
		pool:               pool,
		sessions:           sessions,
		attachments:        attachments,
		maxAttachmentBytes: maxAttachmentBytes,
	}
}

// GetState returns the user's compose state.
func (h *ComposeHandler) GetState(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := GetUserIDFromContext(ctx, w, h.pool)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, h.sessions.Snapshot(ctx, userID), "ComposeHandler")
}

// PostEvent decodes one event envelope and dispatches it.
func (h *ComposeHandler) PostEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := GetUserIDFromContext(ctx, w, h.pool)
	if !ok {
		return
	}

	var env compose.Envelope
	if err := json.NewDecoder(io.LimitReader(r.Body, maxEventBytes)).Decode(&env); err != nil {
		log.Printf("ComposeHandler: Failed to decode request: %v", err)
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	event, err := compose.DecodeIntent(env)
	switch {
	case errors.Is(err, compose.ErrInternalEvent):
		http.Error(w, "Event type is not accepted from clients", http.StatusForbidden)
		return
	case errors.Is(err, compose.ErrUnknownEventType):
		http.Error(w, "Unknown event type", http.StatusBadRequest)
		return
	case err != nil:
		log.Printf("ComposeHandler: Invalid %s event: %v", env.Type, err)
		http.Error(w, "Invalid event payload", http.StatusBadRequest)
		return
	}

	h.sessions.Dispatch(ctx, userID, event)
	writeJSON(w, http.StatusAccepted, struct {
		Success bool `json:"success"`
	}{Success: true}, "ComposeHandler")
}

// UploadAttachment accepts a multipart "file" for a draft, assigns it an
// attachment id and starts its upload. Set "inline" to "true" for inline images.
func (h *ComposeHandler) UploadAttachment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := GetUserIDFromContext(ctx, w, h.pool)
	if !ok {
		return
	}

	draftID, ok := parseIDParam(r, "id")
	if !ok {
		http.Error(w, "Invalid draft id", http.StatusBadRequest)
		return
	}
	if !h.sessions.Snapshot(ctx, userID).HasDraft(draftID) {
		http.Error(w, "Draft not found", http.StatusNotFound)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxAttachmentBytes+maxEventBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "Attachment is too large", http.StatusRequestEntityTooLarge)
			return
		}
		log.Printf("ComposeHandler: Failed to read upload: %v", err)
		http.Error(w, "A multipart file field named \"file\" is required", http.StatusBadRequest)
		return
	}
	defer func() { _ = file.Close() }()

	data, err := io.ReadAll(io.LimitReader(file, h.maxAttachmentBytes+1))
	if err != nil {
		log.Printf("ComposeHandler: Failed to read upload: %v", err)
		http.Error(w, "Failed to read upload", http.StatusBadRequest)
		return
	}
	if int64(len(data)) > h.maxAttachmentBytes {
		http.Error(w, "Attachment is too large", http.StatusRequestEntityTooLarge)
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}
	inline, _ := strconv.ParseBool(r.FormValue("inline"))

	attachmentID := uuid.NewString()
	h.sessions.Dispatch(ctx, userID, compose.UploadAttachment{Attachment: models.Attachment{
		AttachmentID:      attachmentID,
		DraftID:           draftID,
		Name:              header.Filename,
		ContentType:       contentType,
		Size:              int64(len(data)),
		IsInline:          inline,
		DecryptedDocument: data,
	}})

	writeJSON(w, http.StatusAccepted, struct {
		AttachmentID string `json:"attachmentId"`
	}{AttachmentID: attachmentID}, "ComposeHandler")
}

// DownloadAttachment returns the stored content of an attachment.
func (h *ComposeHandler) DownloadAttachment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := GetUserIDFromContext(ctx, w, h.pool)
	if !ok {
		return
	}

	id, ok := parseIDParam(r, "id")
	if !ok {
		http.Error(w, "Invalid attachment id", http.StatusBadRequest)
		return
	}

	attachment, data, err := h.attachments.Content(ctx, userID, id)
	if errors.Is(err, db.ErrAttachmentNotFound) {
		http.Error(w, "Attachment not found", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Printf("ComposeHandler: Failed to load attachment %d: %v", id, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	contentType := attachment.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	if attachment.Name != "" {
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": attachment.Name}))
	}
	if _, err := w.Write(data); err != nil {
		log.Printf("ComposeHandler: Failed to write response: %v", err)
	}
}
