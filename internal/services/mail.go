package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	netmail "net/mail"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/vmail/composer/internal/crypto"
	"github.com/vdavid/vmail/composer/internal/db"
	"github.com/vdavid/vmail/composer/internal/imap"
	"github.com/vdavid/vmail/composer/internal/mailer"
	"github.com/vdavid/vmail/composer/internal/models"
)

// ErrSMTPNotConfigured is returned when a user sends mail without SMTP settings.
var ErrSMTPNotConfigured = errors.New("SMTP settings are not configured")

// deliveryTimeout bounds one SMTP submission.
const deliveryTimeout = 60 * time.Second

// MailService persists drafts and delivers them.
type MailService struct {
	pool        *pgxpool.Pool
	encryptor   *crypto.Encryptor
	attachments *AttachmentService
	useTLS      bool
}

// NewMailService creates a new mail service. useTLS is false only against the
// plain test mail servers.
func NewMailService(pool *pgxpool.Pool, encryptor *crypto.Encryptor, useTLS bool) *MailService {
	return &MailService{
		pool:        pool,
		encryptor:   encryptor,
		attachments: NewAttachmentService(pool, encryptor),
		useTLS:      useTLS,
	}
}

// Save stores the draft and returns the server copy.
func (s *MailService) Save(ctx context.Context, userID string, mail models.Mail) (models.Mail, error) {
	saved, err := db.SaveDraft(ctx, s.pool, userID, &mail)
	if err != nil {
		return models.Mail{}, err
	}
	return *saved, nil
}

// Send saves the draft, delivers it over SMTP, files a copy into the Sent
// folder and removes the draft. A failure to file the copy or remove the
// draft is logged; the mail has been delivered by then.
func (s *MailService) Send(ctx context.Context, userID string, mail models.Mail) error {
	settings, err := db.GetUserSettings(ctx, s.pool, userID)
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}
	if settings.SMTPServerHostname == "" {
		return ErrSMTPNotConfigured
	}

	saved, err := db.SaveDraft(ctx, s.pool, userID, &mail)
	if err != nil {
		return err
	}
	mail.ID = saved.ID

	attachments, contents, err := s.attachments.DraftContents(ctx, userID, saved.ID)
	if err != nil {
		return err
	}

	sender := mail.Sender
	if sender == "" {
		sender = settings.SenderAddress
	}
	from, err := mailer.ParseSender(sender, settings.SenderName)
	if err != nil {
		return err
	}

	msg, err := buildMessage(from, mail, attachments, contents)
	if err != nil {
		return err
	}

	recipients, err := envelopeRecipients(mail.Recipients())
	if err != nil {
		return err
	}

	smtpPassword, err := s.decryptPassword(settings.EncryptedSMTPPassword)
	if err != nil {
		return fmt.Errorf("failed to decrypt SMTP password: %w", err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, deliveryTimeout)
	defer cancel()
	err = mailer.Send(sendCtx, mailer.SMTPServer{
		Address:  settings.SMTPServerHostname,
		Username: settings.SMTPUsername,
		Password: smtpPassword,
		UseTLS:   s.useTLS,
	}, from.Address, recipients, msg)
	if err != nil {
		return fmt.Errorf("failed to deliver mail: %w", err)
	}

	s.fileSent(ctx, settings, msg)

	if err := db.DeleteDraft(ctx, s.pool, userID, saved.ID); err != nil {
		log.Printf("MailService: Failed to remove sent draft %d for user %s: %v", saved.ID, userID, err)
	}
	return nil
}

func (s *MailService) fileSent(ctx context.Context, settings *models.UserSettings, msg []byte) {
	if settings.IMAPServerHostname == "" {
		return
	}

	password, err := s.decryptPassword(settings.EncryptedIMAPPassword)
	if err != nil {
		log.Printf("MailService: Failed to decrypt IMAP password for user %s: %v", settings.UserID, err)
		return
	}

	folder, err := imap.AppendSent(ctx, imap.Account{
		Server:   settings.IMAPServerHostname,
		Username: settings.IMAPUsername,
		Password: password,
		UseTLS:   s.useTLS,
	}, settings.SentFolderName, msg)
	if err != nil {
		log.Printf("MailService: Failed to file sent mail for user %s: %v", settings.UserID, err)
		return
	}
	log.Printf("MailService: Filed sent mail for user %s into %s", settings.UserID, folder)
}

func (s *MailService) decryptPassword(encrypted []byte) (string, error) {
	if len(encrypted) == 0 {
		return "", nil
	}
	return s.encryptor.Decrypt(encrypted)
}

// buildMessage renders a PGP/MIME draft from its newest container as
// multipart/encrypted and everything else as a regular message.
func buildMessage(from netmail.Address, mail models.Mail, attachments []models.Attachment, contents [][]byte) ([]byte, error) {
	if mail.EncryptionType == models.PGPMime {
		for i := len(attachments) - 1; i >= 0; i-- {
			if attachments[i].IsPGPMime {
				return mailer.BuildPGPMime(from, mail, string(contents[i]))
			}
		}
	}

	files := make([]mailer.File, 0, len(attachments))
	for i, a := range attachments {
		if a.IsPGPMime {
			continue
		}
		files = append(files, mailer.FileFromAttachment(a, contents[i]))
	}
	return mailer.Build(from, mail, files)
}

// envelopeRecipients reduces "Name <addr>" entries to bare addresses for RCPT TO.
func envelopeRecipients(list []string) ([]string, error) {
	out := make([]string, 0, len(list))
	for _, raw := range list {
		addr, err := netmail.ParseAddress(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid recipient %q: %w", raw, err)
		}
		out = append(out, addr.Address)
	}
	if len(out) == 0 {
		return nil, mailer.ErrNoRecipients
	}
	return out, nil
}

// Drafts returns the user's stored drafts with their attachments.
func (s *MailService) Drafts(ctx context.Context, userID string) ([]models.Mail, error) {
	drafts, err := db.GetDraftsForUser(ctx, s.pool, userID)
	if err != nil {
		return nil, err
	}
	for i := range drafts {
		attachments, err := db.GetAttachmentsForDraft(ctx, s.pool, userID, drafts[i].ID)
		if err != nil {
			return nil, err
		}
		drafts[i].Attachments = attachments
	}
	return drafts, nil
}
