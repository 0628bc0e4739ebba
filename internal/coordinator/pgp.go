package coordinator

import (
	"github.com/google/uuid"
	"github.com/vdavid/vmail/composer/internal/compose"
	"github.com/vdavid/vmail/composer/internal/mailer"
	"github.com/vdavid/vmail/composer/internal/models"
)

func (c *Coordinator) encryptContent(state compose.State, draftID int64) {
	d, ok := state.Draft(draftID)
	if !ok {
		return
	}
	key := callKey{draftID: draftID, op: opEncryptContent}
	if c.begin(key) == nil {
		return
	}

	keys := recipientKeys(state, d)
	content := d.Mail.Content

	c.goCall(func() {
		armored, err := c.deps.Engine.EncryptContent(c.ctx, content, keys)
		c.end(key)

		if err != nil {
			c.notify(compose.TypeUpdatePGPEncryptedContent, draftID, "Failed to encrypt the message", err)
			c.store.Dispatch(compose.UpdatePGPEncryptedContent{DraftID: draftID})
			return
		}
		c.store.Dispatch(compose.UpdatePGPEncryptedContent{DraftID: draftID, EncryptedContent: armored})
	})
}

// buildPGPMime encrypts the whole draft into a PGP/MIME container and uploads
// it. The draft collapses onto the container once the upload succeeds.
func (c *Coordinator) buildPGPMime(state compose.State, draftID int64) {
	d, ok := state.Draft(draftID)
	if !ok || d.IsPGPMimeMessage {
		return
	}
	key := callKey{draftID: draftID, op: opPGPMime}
	if c.begin(key) == nil {
		return
	}

	keys := recipientKeys(state, d)
	mail := outgoing(d)
	var attachments []models.Attachment
	for _, a := range d.Attachments {
		if !a.IsRemoved && !a.IsPGPMime {
			attachments = append(attachments, a)
		}
	}

	c.goCall(func() {
		armored, err := c.encryptDraft(mail, attachments, keys)
		c.end(key)

		if err != nil {
			c.notify(compose.TypeUpdatePGPMimeEncrypted, draftID, "Failed to encrypt the message", err)
			c.store.Dispatch(compose.UpdatePGPMimeEncrypted{DraftID: draftID})
			return
		}

		c.store.Dispatch(compose.UpdatePGPMimeEncrypted{DraftID: draftID, EncryptedContent: armored})
		c.store.Dispatch(compose.UploadAttachment{Attachment: models.Attachment{
			AttachmentID:      uuid.NewString(),
			DraftID:           draftID,
			Name:              models.PGPMimeDefaultAttachmentFileName,
			ContentType:       "application/octet-stream",
			Size:              int64(len(armored)),
			IsInline:          true,
			IsPGPMime:         true,
			DecryptedDocument: []byte(armored),
		}})
	})
}

func (c *Coordinator) encryptDraft(mail models.Mail, attachments []models.Attachment, keys []models.PublicKey) (string, error) {
	files := make([]mailer.File, 0, len(attachments))
	for _, a := range attachments {
		data, err := c.attachmentData(c.ctx, a)
		if err != nil {
			return "", err
		}
		files = append(files, mailer.FileFromAttachment(a, data))
	}
	return c.deps.Engine.BuildPGPMime(c.ctx, mail, files, keys)
}
