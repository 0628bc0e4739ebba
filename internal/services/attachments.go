package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/vmail/composer/internal/crypto"
	"github.com/vdavid/vmail/composer/internal/db"
	"github.com/vdavid/vmail/composer/internal/models"
)

// uploadChunkSize is how much data is read between two progress reports.
const uploadChunkSize = 64 << 10

// AttachmentService stores draft attachments sealed with the server key.
type AttachmentService struct {
	pool      *pgxpool.Pool
	encryptor *crypto.Encryptor
}

// NewAttachmentService creates a new attachment service.
func NewAttachmentService(pool *pgxpool.Pool, encryptor *crypto.Encryptor) *AttachmentService {
	return &AttachmentService{pool: pool, encryptor: encryptor}
}

// Upload stores data as the content of attachment and returns the server
// record. progress, if set, receives percentages below 100 while the data is
// consumed; the caller reports completion. A zero messageID leaves the
// attachment unlinked until its draft is saved.
func (s *AttachmentService) Upload(ctx context.Context, userID string, messageID int64, attachment models.Attachment, data []byte, progress func(int)) (models.Attachment, error) {
	buf, err := readWithProgress(ctx, data, progress)
	if err != nil {
		return models.Attachment{}, err
	}

	sealed, err := s.encryptor.Seal(buf)
	if err != nil {
		return models.Attachment{}, fmt.Errorf("failed to seal attachment: %w", err)
	}

	attachment.Size = int64(len(buf))
	saved, err := db.SaveDraftAttachment(ctx, s.pool, userID, messageID, &attachment, sealed)
	if err != nil {
		return models.Attachment{}, err
	}
	return *saved, nil
}

// Delete removes a persisted attachment. Deleting one that is already gone succeeds.
func (s *AttachmentService) Delete(ctx context.Context, userID string, id int64) error {
	err := db.DeleteDraftAttachment(ctx, s.pool, userID, id)
	if errors.Is(err, db.ErrAttachmentNotFound) {
		return nil
	}
	return err
}

// Content returns an attachment record with its plain bytes.
func (s *AttachmentService) Content(ctx context.Context, userID string, id int64) (models.Attachment, []byte, error) {
	stored, err := db.GetDraftAttachment(ctx, s.pool, userID, id)
	if err != nil {
		return models.Attachment{}, nil, err
	}
	data, err := s.encryptor.Open(stored.SealedContent)
	if err != nil {
		return models.Attachment{}, nil, fmt.Errorf("failed to open attachment %d: %w", id, err)
	}
	return stored.Attachment, data, nil
}

// DraftContents returns every attachment linked to a saved draft with its plain bytes.
func (s *AttachmentService) DraftContents(ctx context.Context, userID string, messageID int64) ([]models.Attachment, [][]byte, error) {
	stored, err := db.GetAttachmentContentsForDraft(ctx, s.pool, userID, messageID)
	if err != nil {
		return nil, nil, err
	}

	attachments := make([]models.Attachment, 0, len(stored))
	contents := make([][]byte, 0, len(stored))
	for _, st := range stored {
		data, err := s.encryptor.Open(st.SealedContent)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open attachment %d: %w", st.ID, err)
		}
		attachments = append(attachments, st.Attachment)
		contents = append(contents, data)
	}
	return attachments, contents, nil
}

// readWithProgress copies data chunk by chunk, reporting progress and
// stopping early when ctx is canceled.
func readWithProgress(ctx context.Context, data []byte, progress func(int)) ([]byte, error) {
	total := len(data)
	out := make([]byte, 0, total)
	r := bytes.NewReader(data)
	chunk := make([]byte, uploadChunkSize)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := r.Read(chunk)
		out = append(out, chunk[:n]...)
		if progress != nil && total > 0 && n > 0 {
			progress(len(out) * 99 / total)
		}
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read attachment: %w", err)
		}
	}
}
