package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/vmail/composer/internal/models"
)

// ErrDraftNotFound is returned when a draft does not exist or belongs to another user.
var ErrDraftNotFound = errors.New("draft not found")

const draftColumns = `
	id,
	subject,
	content,
	content_plain,
	sender,
	receiver,
	cc,
	bcc,
	folder,
	is_html,
	is_encrypted,
	is_subject_encrypted,
	is_autocrypt_encrypted,
	encryption_type,
	sign,
	COALESCE(forward_attachments_of_message, 0),
	COALESCE(parent, 0),
	created_at`

func scanDraft(row pgx.Row, m *models.Mail) error {
	var createdAt time.Time
	err := row.Scan(
		&m.ID,
		&m.Subject,
		&m.Content,
		&m.ContentPlain,
		&m.Sender,
		&m.Receiver,
		&m.CC,
		&m.BCC,
		&m.Folder,
		&m.IsHTML,
		&m.IsEncrypted,
		&m.IsSubjectEncrypted,
		&m.IsAutocryptEncrypted,
		&m.EncryptionType,
		&m.Sign,
		&m.ForwardAttachmentsOfMessage,
		&m.Parent,
		&createdAt,
	)
	if err != nil {
		return err
	}
	m.CreatedAt = &createdAt
	return nil
}

// SaveDraft inserts (mail.ID == 0) or updates a draft of the user, links the
// uploads listed in mail.Attachments to it, copies the attachments of the
// forwarded message on first save, and returns the stored draft with its attachments.
func SaveDraft(ctx context.Context, pool *pgxpool.Pool, userID string, mail *models.Mail) (*models.Mail, error) {
	var saved models.Mail

	err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		isNew := mail.ID == 0
		if err := upsertDraft(ctx, tx, userID, mail, &saved); err != nil {
			return err
		}

		attachmentIDs := make([]string, 0, len(mail.Attachments))
		for _, a := range mail.Attachments {
			attachmentIDs = append(attachmentIDs, a.AttachmentID)
		}
		if err := linkAttachments(ctx, tx, userID, saved.ID, attachmentIDs); err != nil {
			return err
		}

		if isNew && mail.ForwardAttachmentsOfMessage != 0 {
			if err := copyAttachments(ctx, tx, userID, mail.ForwardAttachmentsOfMessage, saved.ID); err != nil {
				return err
			}
		}

		attachments, err := listAttachments(ctx, tx, userID, saved.ID)
		if err != nil {
			return err
		}
		saved.Attachments = attachments
		return nil
	})
	if err != nil {
		return nil, err
	}

	saved.Mailbox = mail.Mailbox
	return &saved, nil
}

func upsertDraft(ctx context.Context, tx pgx.Tx, userID string, mail *models.Mail, saved *models.Mail) error {
	folder := mail.Folder
	if folder == "" {
		folder = models.FolderDraft
	}
	args := []any{
		userID,
		mail.Subject,
		mail.Content,
		mail.ContentPlain,
		mail.Sender,
		nonNil(mail.Receiver),
		nonNil(mail.CC),
		nonNil(mail.BCC),
		folder,
		mail.IsHTML,
		mail.IsEncrypted,
		mail.IsSubjectEncrypted,
		mail.IsAutocryptEncrypted,
		mail.EncryptionType,
		mail.Sign,
		mail.ForwardAttachmentsOfMessage,
		mail.Parent,
	}

	if mail.ID == 0 {
		err := scanDraft(tx.QueryRow(ctx, `
			INSERT INTO drafts (
				user_id, subject, content, content_plain, sender, receiver, cc, bcc, folder,
				is_html, is_encrypted, is_subject_encrypted, is_autocrypt_encrypted,
				encryption_type, sign, forward_attachments_of_message, parent
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, NULLIF($16::bigint, 0), NULLIF($17::bigint, 0))
			RETURNING`+draftColumns, args...), saved)
		if err != nil {
			return fmt.Errorf("failed to insert draft: %w", err)
		}
		return nil
	}

	err := scanDraft(tx.QueryRow(ctx, `
		UPDATE drafts SET
			subject = $2,
			content = $3,
			content_plain = $4,
			sender = $5,
			receiver = $6,
			cc = $7,
			bcc = $8,
			folder = $9,
			is_html = $10,
			is_encrypted = $11,
			is_subject_encrypted = $12,
			is_autocrypt_encrypted = $13,
			encryption_type = $14,
			sign = $15,
			forward_attachments_of_message = NULLIF($16::bigint, 0),
			parent = NULLIF($17::bigint, 0),
			updated_at = NOW()
		WHERE id = $18 AND user_id = $1
		RETURNING`+draftColumns, append(args, mail.ID)...), saved)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrDraftNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to update draft: %w", err)
	}
	return nil
}

// GetDraft returns one draft of the user with its attachments.
func GetDraft(ctx context.Context, pool *pgxpool.Pool, userID string, id int64) (*models.Mail, error) {
	var mail models.Mail
	err := scanDraft(pool.QueryRow(ctx, `
		SELECT`+draftColumns+`
		FROM drafts
		WHERE id = $1 AND user_id = $2
	`, id, userID), &mail)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrDraftNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get draft: %w", err)
	}

	attachments, err := listAttachments(ctx, pool, userID, id)
	if err != nil {
		return nil, err
	}
	mail.Attachments = attachments
	return &mail, nil
}

// GetDraftsForUser returns the user's stored drafts, oldest first, without attachments.
func GetDraftsForUser(ctx context.Context, pool *pgxpool.Pool, userID string) ([]models.Mail, error) {
	rows, err := pool.Query(ctx, `
		SELECT`+draftColumns+`
		FROM drafts
		WHERE user_id = $1 AND folder = $2
		ORDER BY id
	`, userID, models.FolderDraft)
	if err != nil {
		return nil, fmt.Errorf("failed to query drafts: %w", err)
	}
	defer rows.Close()

	var out []models.Mail
	for rows.Next() {
		var m models.Mail
		if err := scanDraft(rows, &m); err != nil {
			return nil, fmt.Errorf("failed to scan draft: %w", err)
		}
		out = append(out, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating drafts: %w", err)
	}

	return out, nil
}

// DeleteDraft removes a draft of the user together with its attachments.
func DeleteDraft(ctx context.Context, pool *pgxpool.Pool, userID string, id int64) error {
	tag, err := pool.Exec(ctx, `
		DELETE FROM drafts WHERE id = $1 AND user_id = $2
	`, id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete draft: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDraftNotFound
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
