package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/vmail/composer/internal/models"
)

// ErrAttachmentNotFound is returned when an attachment does not exist or belongs to another user.
var ErrAttachmentNotFound = errors.New("attachment not found")

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// StoredAttachment is an attachment row together with its sealed bytes.
type StoredAttachment struct {
	models.Attachment
	SealedContent []byte
}

const attachmentColumns = `
	id,
	attachment_id,
	COALESCE(message_id, 0),
	name,
	content_type,
	content_id,
	size,
	is_inline,
	is_pgp_mime,
	is_encrypted,
	is_forwarded`

func scanAttachment(row pgx.Row, a *models.Attachment, extra ...any) error {
	return row.Scan(append([]any{
		&a.ID,
		&a.AttachmentID,
		&a.Message,
		&a.Name,
		&a.ContentType,
		&a.ContentID,
		&a.Size,
		&a.IsInline,
		&a.IsPGPMime,
		&a.IsEncrypted,
		&a.IsForwarded,
	}, extra...)...)
}

// SaveDraftAttachment stores the sealed bytes of an attachment. Uploading the same
// attachment id again replaces the content. A zero messageID leaves the attachment
// unlinked until its draft is saved.
func SaveDraftAttachment(ctx context.Context, pool *pgxpool.Pool, userID string, messageID int64, attachment *models.Attachment, sealed []byte) (*models.Attachment, error) {
	contentType := attachment.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	saved := models.Attachment{}
	err := scanAttachment(pool.QueryRow(ctx, `
		INSERT INTO draft_attachments (
			user_id,
			message_id,
			attachment_id,
			name,
			content_type,
			content_id,
			size,
			is_inline,
			is_pgp_mime,
			is_encrypted,
			is_forwarded,
			sealed_content
		) VALUES ($1, NULLIF($2::bigint, 0), $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (user_id, attachment_id) DO UPDATE SET
			message_id = COALESCE(EXCLUDED.message_id, draft_attachments.message_id),
			name = EXCLUDED.name,
			content_type = EXCLUDED.content_type,
			content_id = EXCLUDED.content_id,
			size = EXCLUDED.size,
			is_inline = EXCLUDED.is_inline,
			is_pgp_mime = EXCLUDED.is_pgp_mime,
			is_encrypted = EXCLUDED.is_encrypted,
			sealed_content = EXCLUDED.sealed_content
		RETURNING`+attachmentColumns,
		userID,
		messageID,
		attachment.AttachmentID,
		attachment.Name,
		contentType,
		attachment.ContentID,
		attachment.Size,
		attachment.IsInline,
		attachment.IsPGPMime,
		attachment.IsEncrypted,
		attachment.IsForwarded,
		sealed,
	), &saved)
	if err != nil {
		return nil, fmt.Errorf("failed to save draft attachment: %w", err)
	}

	saved.DraftID = attachment.DraftID
	saved.Document = attachmentDocument(saved.ID)
	return &saved, nil
}

// DeleteDraftAttachment removes one attachment of the user.
func DeleteDraftAttachment(ctx context.Context, pool *pgxpool.Pool, userID string, id int64) error {
	tag, err := pool.Exec(ctx, `
		DELETE FROM draft_attachments WHERE id = $1 AND user_id = $2
	`, id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete draft attachment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAttachmentNotFound
	}
	return nil
}

// GetDraftAttachment returns one attachment of the user together with its sealed bytes.
func GetDraftAttachment(ctx context.Context, pool *pgxpool.Pool, userID string, id int64) (*StoredAttachment, error) {
	var stored StoredAttachment
	err := scanAttachment(pool.QueryRow(ctx, `
		SELECT`+attachmentColumns+`, sealed_content
		FROM draft_attachments
		WHERE id = $1 AND user_id = $2
	`, id, userID), &stored.Attachment, &stored.SealedContent)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAttachmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get draft attachment: %w", err)
	}

	stored.Document = attachmentDocument(stored.ID)
	return &stored, nil
}

// GetAttachmentsForDraft returns the attachments linked to a saved draft, oldest first.
func GetAttachmentsForDraft(ctx context.Context, pool *pgxpool.Pool, userID string, messageID int64) ([]models.Attachment, error) {
	return listAttachments(ctx, pool, userID, messageID)
}

// GetAttachmentContentsForDraft is GetAttachmentsForDraft with the sealed bytes of each attachment.
func GetAttachmentContentsForDraft(ctx context.Context, pool *pgxpool.Pool, userID string, messageID int64) ([]StoredAttachment, error) {
	rows, err := pool.Query(ctx, `
		SELECT`+attachmentColumns+`, sealed_content
		FROM draft_attachments
		WHERE user_id = $1 AND message_id = $2
		ORDER BY id
	`, userID, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to query draft attachments: %w", err)
	}
	defer rows.Close()

	var out []StoredAttachment
	for rows.Next() {
		var stored StoredAttachment
		if err := scanAttachment(rows, &stored.Attachment, &stored.SealedContent); err != nil {
			return nil, fmt.Errorf("failed to scan draft attachment: %w", err)
		}
		stored.Document = attachmentDocument(stored.ID)
		out = append(out, stored)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating draft attachments: %w", err)
	}

	return out, nil
}

func listAttachments(ctx context.Context, q querier, userID string, messageID int64) ([]models.Attachment, error) {
	rows, err := q.Query(ctx, `
		SELECT`+attachmentColumns+`
		FROM draft_attachments
		WHERE user_id = $1 AND message_id = $2
		ORDER BY id
	`, userID, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to query draft attachments: %w", err)
	}
	defer rows.Close()

	var out []models.Attachment
	for rows.Next() {
		var a models.Attachment
		if err := scanAttachment(rows, &a); err != nil {
			return nil, fmt.Errorf("failed to scan draft attachment: %w", err)
		}
		a.Document = attachmentDocument(a.ID)
		out = append(out, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating draft attachments: %w", err)
	}

	return out, nil
}

// linkAttachments attaches previously unlinked uploads to a saved draft.
func linkAttachments(ctx context.Context, q querier, userID string, messageID int64, attachmentIDs []string) error {
	if len(attachmentIDs) == 0 {
		return nil
	}
	_, err := q.Exec(ctx, `
		UPDATE draft_attachments
		SET message_id = $1
		WHERE user_id = $2 AND attachment_id = ANY($3) AND (message_id IS NULL OR message_id = $1)
	`, messageID, userID, attachmentIDs)
	if err != nil {
		return fmt.Errorf("failed to link draft attachments: %w", err)
	}
	return nil
}

// copyAttachments duplicates the attachments of one message onto another as
// forwarded attachments with fresh attachment ids.
func copyAttachments(ctx context.Context, q querier, userID string, fromMessageID, toMessageID int64) error {
	_, err := q.Exec(ctx, `
		INSERT INTO draft_attachments (
			user_id, message_id, attachment_id, name, content_type, content_id, size,
			is_inline, is_pgp_mime, is_encrypted, is_forwarded, sealed_content
		)
		SELECT
			user_id, $3, gen_random_uuid()::text, name, content_type, content_id, size,
			is_inline, is_pgp_mime, is_encrypted, TRUE, sealed_content
		FROM draft_attachments
		WHERE user_id = $1 AND message_id = $2 AND NOT is_pgp_mime
		ORDER BY id
	`, userID, fromMessageID, toMessageID)
	if err != nil {
		return fmt.Errorf("failed to copy forwarded attachments: %w", err)
	}
	return nil
}

func attachmentDocument(id int64) string {
	return fmt.Sprintf("/api/v1/compose/attachments/%d", id)
}
