package models

import (
	"context"
	"time"
)

// MailFolder is the server-side folder a mail lives in.
type MailFolder string

const (
	FolderDraft  MailFolder = "draft"
	FolderInbox  MailFolder = "inbox"
	FolderSent   MailFolder = "sent"
	FolderOutbox MailFolder = "outbox"
	FolderTrash  MailFolder = "trash"
)

// PGPEncryptionType selects how a message is encrypted for external recipients.
type PGPEncryptionType string

const (
	PGPInline PGPEncryptionType = "PGP_INLINE"
	PGPMime   PGPEncryptionType = "PGP_MIME"
)

const (
	// PGPMimeDefaultContent replaces the body of a PGP/MIME message. The real
	// content travels inside the encrypted container attachment.
	PGPMimeDefaultContent = "This is an OpenPGP/MIME encrypted message (RFC 4880 and 3156)"

	// PGPMimeDefaultAttachmentFileName is the file name of the container attachment.
	PGPMimeDefaultAttachmentFileName = "encrypted.asc"
)

// Mail is the payload of a draft as exchanged with the mail service.
type Mail struct {
	ID                          int64             `json:"id,omitempty"`
	Mailbox                     int64             `json:"mailbox,omitempty"`
	Subject                     string            `json:"subject"`
	Content                     string            `json:"content"`
	ContentPlain                string            `json:"content_plain"`
	Sender                      string            `json:"sender"`
	Receiver                    []string          `json:"receiver"`
	CC                          []string          `json:"cc"`
	BCC                         []string          `json:"bcc"`
	Folder                      MailFolder        `json:"folder"`
	IsHTML                      bool              `json:"is_html"`
	IsEncrypted                 bool              `json:"is_encrypted"`
	IsSubjectEncrypted          bool              `json:"is_subject_encrypted"`
	IsAutocryptEncrypted        bool              `json:"is_autocrypt_encrypted"`
	EncryptionType              PGPEncryptionType `json:"encryption_type,omitempty"`
	Send                        bool              `json:"send"`
	Sign                        string            `json:"sign,omitempty"`
	ForwardAttachmentsOfMessage int64             `json:"forward_attachments_of_message,omitempty"`
	Parent                      int64             `json:"parent,omitempty"`
	Attachments                 []Attachment      `json:"attachments"`
	CreatedAt                   *time.Time        `json:"created_at,omitempty"`
	SentAt                      *time.Time        `json:"sent_at,omitempty"`
}

// Recipients returns receiver, cc and bcc addresses in that order.
func (m *Mail) Recipients() []string {
	out := make([]string, 0, len(m.Receiver)+len(m.CC)+len(m.BCC))
	out = append(out, m.Receiver...)
	out = append(out, m.CC...)
	out = append(out, m.BCC...)
	return out
}

// Attachment is one file of a draft. AttachmentID is generated by the client
// side of the store and correlates upload events until the server assigns ID.
type Attachment struct {
	ID           int64  `json:"id,omitempty"`
	AttachmentID string `json:"attachmentId"`
	DraftID      int64  `json:"draftId"`
	Message      int64  `json:"message,omitempty"`
	Document     string `json:"document,omitempty"`
	Name         string `json:"name"`
	ContentType  string `json:"content_type,omitempty"`
	ContentID    string `json:"content_id,omitempty"`
	Size         int64  `json:"size"`
	ActualSize   int64  `json:"actual_size,omitempty"`
	Progress     int    `json:"progress"`
	InProgress   bool   `json:"inProgress"`
	IsRemoved    bool   `json:"isRemoved"`
	IsInline     bool   `json:"is_inline"`
	IsPGPMime    bool   `json:"is_pgp_mime"`
	IsEncrypted  bool   `json:"is_encrypted"`
	IsForwarded  bool   `json:"is_forwarded"`

	// DecryptedDocument holds the plain file bytes while the draft is open.
	DecryptedDocument []byte `json:"-"`
	// Request cancels the outstanding upload, if any.
	Request context.CancelFunc `json:"-"`
}
