package compose

import (
	"path"
	"slices"
	"strings"

	"github.com/vdavid/vmail/composer/internal/models"
)

// Draft is one mail being composed, together with its upload and encryption progress.
type Draft struct {
	ID          int64               `json:"id"`
	Mail        models.Mail         `json:"draft"`
	Attachments []models.Attachment `json:"attachments"`

	IsSaving   bool `json:"isSaving"`
	InProgress bool `json:"inProgress"`
	ShouldSend bool `json:"shouldSend"`
	ShouldSave bool `json:"shouldSave"`
	IsSent     bool `json:"isSent"`
	IsClosed   bool `json:"isClosed"`

	IsProcessingAttachments bool `json:"isProcessingAttachments"`
	IsPGPInProgress         bool `json:"isPGPInProgress"`
	IsPGPMimeInProgress     bool `json:"isPGPMimeInProgress"`
	// IsPGPMimeMessage is set once the attachments collapse into the encrypted
	// container. Nothing clears it.
	IsPGPMimeMessage bool `json:"isPGPMimeMessage"`

	EncryptedContent string `json:"encryptedContent,omitempty"`
	PGPMimeContent   string `json:"pgpMimeContent,omitempty"`
	SignContent      string `json:"signContent,omitempty"`

	UsersKeys            *models.KeyLookup `json:"usersKeys,omitempty"`
	GetUserKeyInProgress bool              `json:"getUserKeyInProgress"`
}

// DraftPatch is a partial update of a draft. Nil fields are left untouched;
// a non-nil empty Attachments slice clears the list.
type DraftPatch struct {
	Mail        *models.Mail        `json:"draft,omitempty"`
	Attachments []models.Attachment `json:"attachments,omitempty"`
	ShouldSend  *bool               `json:"shouldSend,omitempty"`
	ShouldSave  *bool               `json:"shouldSave,omitempty"`
	IsClosed    *bool               `json:"isClosed,omitempty"`
	SignContent *string             `json:"signContent,omitempty"`
	UsersKeys   *models.KeyLookup   `json:"usersKeys,omitempty"`
}

func (d *Draft) clone() *Draft {
	c := *d
	c.Attachments = slices.Clone(d.Attachments)
	return &c
}

// merge applies a local patch. A draft collapsed into a PGP/MIME message keeps
// its container, content and encryption fields whatever the patch says.
func (d *Draft) merge(p *DraftPatch) {
	if p == nil {
		return
	}
	if p.Mail != nil {
		mail := *p.Mail
		if d.IsPGPMimeMessage {
			mail.Content = d.Mail.Content
			mail.ContentPlain = d.Mail.ContentPlain
			mail.EncryptionType = d.Mail.EncryptionType
			mail.IsEncrypted = d.Mail.IsEncrypted
			mail.IsSubjectEncrypted = d.Mail.IsSubjectEncrypted
			mail.IsAutocryptEncrypted = d.Mail.IsAutocryptEncrypted
			mail.Attachments = d.Mail.Attachments
		}
		d.Mail = mail
	}
	if p.Attachments != nil && !d.IsPGPMimeMessage {
		d.Attachments = slices.Clone(p.Attachments)
	}
	if p.ShouldSend != nil {
		d.ShouldSend = *p.ShouldSend
	}
	if p.ShouldSave != nil {
		d.ShouldSave = *p.ShouldSave
	}
	if p.IsClosed != nil {
		d.IsClosed = *p.IsClosed
	}
	if p.SignContent != nil {
		d.SignContent = *p.SignContent
	}
	if p.UsersKeys != nil {
		d.UsersKeys = p.UsersKeys
	}
	d.recomputeProcessing()
}

// attachmentIndex returns the position of the attachment with the given local id, or -1.
func (d *Draft) attachmentIndex(attachmentID string) int {
	return slices.IndexFunc(d.Attachments, func(a models.Attachment) bool {
		return a.AttachmentID == attachmentID
	})
}

// Attachment returns the attachment with the given local id.
func (d *Draft) Attachment(attachmentID string) (models.Attachment, bool) {
	i := d.attachmentIndex(attachmentID)
	if i < 0 {
		return models.Attachment{}, false
	}
	return d.Attachments[i], true
}

func (d *Draft) recomputeProcessing() {
	d.IsProcessingAttachments = slices.ContainsFunc(d.Attachments, func(a models.Attachment) bool {
		return a.InProgress
	})
}

func (d *Draft) removeAttachment(attachmentID string) {
	d.Attachments = slices.DeleteFunc(d.Attachments, func(a models.Attachment) bool {
		return a.AttachmentID == attachmentID
	})
}

// toPGPMime collapses the draft into a PGP/MIME message whose only attachment
// is the encrypted container.
func (d *Draft) toPGPMime(container models.Attachment) {
	container.IsInline = true
	container.IsPGPMime = true
	container.InProgress = false
	container.Request = nil

	d.Mail.Content = models.PGPMimeDefaultContent
	d.Mail.ContentPlain = models.PGPMimeDefaultContent
	d.Mail.IsEncrypted = false
	d.Mail.IsSubjectEncrypted = false
	d.Mail.IsAutocryptEncrypted = false
	d.Mail.EncryptionType = models.PGPMime
	d.Mail.Attachments = []models.Attachment{container}

	d.Attachments = []models.Attachment{container}
	d.IsProcessingAttachments = false
	d.EncryptedContent = ""
	d.PGPMimeContent = ""
	d.SignContent = ""
	d.IsPGPMimeMessage = true
}

// filenameFromDocument derives a display name from a stored document path or URL.
func filenameFromDocument(document string) string {
	if document == "" {
		return ""
	}
	if i := strings.IndexAny(document, "?#"); i >= 0 {
		document = document[:i]
	}
	name := path.Base(document)
	if name == "." || name == "/" {
		return ""
	}
	return name
}
