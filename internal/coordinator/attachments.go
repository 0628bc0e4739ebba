package coordinator

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/vdavid/vmail/composer/internal/compose"
	"github.com/vdavid/vmail/composer/internal/models"
)

var errNoAttachmentContent = errors.New("attachment has no content")

// attachmentData returns the plain bytes of an attachment, loading them from
// the attachment service when the store no longer holds them.
func (c *Coordinator) attachmentData(ctx context.Context, a models.Attachment) ([]byte, error) {
	if len(a.DecryptedDocument) > 0 {
		return a.DecryptedDocument, nil
	}
	if a.ID == 0 {
		return nil, fmt.Errorf("%s: %w", a.AttachmentID, errNoAttachmentContent)
	}
	_, data, err := c.deps.Attachments.Content(ctx, c.userID, a.ID)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// upload starts the upload of an attachment the reducer has just marked in
// progress. data overrides the bytes the store holds for it.
func (c *Coordinator) upload(state compose.State, ref compose.AttachmentRef, data []byte) {
	d, ok := state.Draft(ref.DraftID)
	if !ok {
		return
	}
	a, ok := d.Attachment(ref.AttachmentID)
	if !ok || !a.InProgress {
		return
	}

	cl := c.beginAttachment(ref, attachmentUpload, nil)
	if cl == nil {
		return
	}

	ctx, cancel := context.WithCancel(c.ctx)
	c.mu.Lock()
	cl.cancel = cancel
	cl.persistedID = a.ID
	c.mu.Unlock()

	c.store.Dispatch(compose.UploadAttachmentRequest{AttachmentRef: ref, Request: cancel})

	if len(data) > 0 {
		a.DecryptedDocument = data
	}
	record := a
	record.DecryptedDocument = nil
	record.Request = nil
	messageID := d.Mail.ID

	c.goCall(func() {
		defer cancel()

		content, err := c.attachmentData(ctx, a)
		var saved models.Attachment
		if err == nil {
			saved, err = c.deps.Attachments.Upload(ctx, c.userID, messageID, record, content, func(p int) {
				c.store.Dispatch(compose.UploadAttachmentProgress{AttachmentRef: ref, Progress: p})
			})
		}

		if err != nil {
			if ctx.Err() == nil {
				c.notify(compose.TypeUploadAttachmentFailure, ref.DraftID, fmt.Sprintf("Failed to upload %s", a.Name), err)
			}
			c.store.Dispatch(compose.UploadAttachmentFailure{AttachmentRef: ref})
			return
		}

		c.store.Dispatch(compose.UploadAttachmentSuccess{
			Data:             a,
			IsPGPMimeMessage: a.IsPGPMime,
			Response:         saved,
		})
	})
}

// uploadApplied ends the bookkeeping of an upload once its outcome is in the
// store. If the attachment was deleted meanwhile, its server copy is removed
// now. It reports whether an encryption queued behind the upload was started.
func (c *Coordinator) uploadApplied(ref compose.AttachmentRef, savedID int64) bool {
	cl, ok := c.endAttachment(ref, attachmentUpload)
	if !ok {
		return false
	}

	if cl.abandoned {
		c.removeAbandoned(ref, savedID, cl.persistedID)
		return false
	}
	if cl.encryptAfter && savedID != 0 {
		c.store.Dispatch(compose.StartAttachmentEncryption{AttachmentRef: ref})
		return true
	}
	return false
}

// removeAbandoned deletes the server copies of an attachment deleted while a
// call on it ran, then completes the deletion in the store.
func (c *Coordinator) removeAbandoned(ref compose.AttachmentRef, ids ...int64) {
	var unique []int64
	for _, id := range ids {
		if id != 0 && !slices.Contains(unique, id) {
			unique = append(unique, id)
		}
	}
	if len(unique) == 0 {
		c.store.Dispatch(compose.DeleteAttachmentSuccess{AttachmentRef: ref})
		return
	}

	c.goCall(func() {
		for _, id := range unique {
			if err := c.deps.Attachments.Delete(c.ctx, c.userID, id); err != nil {
				c.notify(compose.TypeDeleteAttachmentFailure, ref.DraftID, "Failed to delete attachment", err)
				c.store.Dispatch(compose.DeleteAttachmentFailure{AttachmentRef: ref})
				return
			}
		}
		c.store.Dispatch(compose.DeleteAttachmentSuccess{AttachmentRef: ref})
	})
}

func (c *Coordinator) deleteAttachment(state compose.State, ref compose.AttachmentRef) {
	d, ok := state.Draft(ref.DraftID)
	if !ok {
		return
	}
	a, ok := d.Attachment(ref.AttachmentID)
	if !ok || !a.IsRemoved {
		return
	}

	// An upload or encryption still running is canceled; its completion
	// finishes the deletion.
	cl := c.beginAttachment(ref, attachmentDelete, func(running *call) {
		if running.attachment == attachmentDelete {
			return
		}
		running.abandoned = true
		running.encryptAfter = false
		if running.cancel != nil {
			running.cancel()
		}
	})
	if cl == nil {
		return
	}

	if a.ID == 0 {
		c.endAttachment(ref, attachmentDelete)
		c.store.Dispatch(compose.DeleteAttachmentSuccess{AttachmentRef: ref})
		return
	}

	c.goCall(func() {
		err := c.deps.Attachments.Delete(c.ctx, c.userID, a.ID)
		c.endAttachment(ref, attachmentDelete)

		if err != nil {
			c.notify(compose.TypeDeleteAttachmentFailure, ref.DraftID, fmt.Sprintf("Failed to delete %s", a.Name), err)
			c.store.Dispatch(compose.DeleteAttachmentFailure{AttachmentRef: ref})
			return
		}
		c.store.Dispatch(compose.DeleteAttachmentSuccess{AttachmentRef: ref})
	})
}

// encryptAttachment replaces the stored content of an attachment with its
// encryption for the draft's recipients. Asked for during an upload, it runs
// once the upload is applied.
func (c *Coordinator) encryptAttachment(state compose.State, ref compose.AttachmentRef) {
	d, ok := state.Draft(ref.DraftID)
	if !ok {
		return
	}
	a, ok := d.Attachment(ref.AttachmentID)
	if !ok || !a.InProgress || a.IsRemoved {
		return
	}

	cl := c.beginAttachment(ref, attachmentEncrypt, func(running *call) {
		if running.attachment == attachmentUpload && !running.abandoned {
			running.encryptAfter = true
		}
	})
	if cl == nil {
		return
	}

	ctx, cancel := context.WithCancel(c.ctx)
	c.mu.Lock()
	cl.cancel = cancel
	cl.persistedID = a.ID
	c.mu.Unlock()

	keys := recipientKeys(state, d)
	messageID := d.Mail.ID

	c.goCall(func() {
		defer cancel()

		updated, err := c.encryptAndStore(ctx, a, keys, messageID)
		done, _ := c.endAttachment(ref, attachmentEncrypt)

		if done != nil && done.abandoned {
			c.removeAbandoned(ref, updated.ID, done.persistedID)
			return
		}
		if err != nil {
			c.notify(compose.TypeStartAttachmentEncryption, ref.DraftID, fmt.Sprintf("Failed to encrypt %s", a.Name), err)
			a.InProgress = false
			c.store.Dispatch(compose.UpdateDraftAttachment{DraftID: ref.DraftID, Attachment: a})
			return
		}
		c.store.Dispatch(compose.UpdateDraftAttachment{DraftID: ref.DraftID, Attachment: updated})
	})
}

func (c *Coordinator) encryptAndStore(ctx context.Context, a models.Attachment, keys []models.PublicKey, messageID int64) (models.Attachment, error) {
	data, err := c.attachmentData(ctx, a)
	if err != nil {
		return models.Attachment{}, err
	}
	encrypted, err := c.deps.Engine.EncryptAttachment(ctx, data, keys)
	if err != nil {
		return models.Attachment{}, err
	}

	record := a
	record.IsEncrypted = true
	record.DecryptedDocument = nil
	record.Request = nil
	saved, err := c.deps.Attachments.Upload(ctx, c.userID, messageID, record, encrypted, nil)
	if err != nil {
		return models.Attachment{}, err
	}

	updated := a
	updated.ID = saved.ID
	updated.Document = saved.Document
	updated.ContentID = saved.ContentID
	updated.Size = saved.Size
	updated.ActualSize = int64(len(data))
	updated.IsEncrypted = true
	updated.InProgress = false
	updated.Progress = 100
	updated.DecryptedDocument = data
	return updated, nil
}

// recipientKeys returns the keys selected on the draft, falling back to what
// the key directory knows about its recipients.
func recipientKeys(state compose.State, d compose.Draft) []models.PublicKey {
	if d.UsersKeys != nil && len(d.UsersKeys.Keys) > 0 {
		return d.UsersKeys.Keys
	}
	return state.KeysFor(d.Mail.Recipients())
}
