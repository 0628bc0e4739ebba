package compose

import (
	"reflect"

	"github.com/vdavid/vmail/composer/internal/models"
)

// Apply returns the state that follows state after event. It never fails:
// events addressing a draft or attachment that does not exist, and events of
// unknown types, leave the state as it is.
//
// Apply performs no I/O. The only call it makes outside the state is the
// cancel handle of an unpersisted attachment whose deletion it confirms.
func Apply(state State, event Event) State {
	switch e := event.(type) {
	case NewDraft:
		return state.withDraft(e.Draft.clone())

	case UpdateLocalDraft:
		return updateDraft(state, e.ID, func(d *Draft) {
			d.merge(&e.DraftPatch)
			d.InProgress = true
		})

	case SendMail:
		return startSaving(state, e.ID)
	case CreateMail:
		return startSaving(state, e.ID)

	case CreateMailSuccess:
		return createMailSuccess(state, e)

	case CreateMailFailure:
		return updateDraft(state, e.ID, func(d *Draft) {
			d.IsSaving = false
			d.InProgress = false
		})

	case SendMailSuccess:
		return state.withoutDraft(e.ID)

	case SendMailFailure:
		return updateDraft(state, e.ID, func(d *Draft) {
			d.Mail.Send = false
			d.Mail.Folder = models.FolderDraft
			d.InProgress = false
			d.IsSent = false
			d.IsSaving = false
		})

	case GetUsersKeys:
		return getUsersKeys(state, e)
	case GetUsersKeysSuccess:
		return getUsersKeysSuccess(state, e)
	case GetUsersKeysFailure:
		return getUsersKeysFailure(state, e)
	case MatchContactUserKeys:
		return applyContactIntent(state, e.Intent)

	case UploadAttachment:
		return uploadAttachment(state, e)
	case UploadAttachmentRequest:
		return updateAttachment(state, e.AttachmentRef, func(d *Draft, a *models.Attachment) {
			a.Request = e.Request
		})
	case UploadAttachmentProgress:
		return updateAttachment(state, e.AttachmentRef, func(d *Draft, a *models.Attachment) {
			a.Progress = clampProgress(e.Progress)
		})
	case UploadAttachmentSuccess:
		return uploadAttachmentSuccess(state, e)
	case UploadAttachmentFailure:
		return removeAttachment(state, e.AttachmentRef, false)
	case StartAttachmentEncryption:
		return updateAttachment(state, e.AttachmentRef, func(d *Draft, a *models.Attachment) {
			a.InProgress = true
		})
	case UpdateDraftAttachment:
		ref := AttachmentRef{DraftID: e.DraftID, AttachmentID: e.Attachment.AttachmentID}
		return updateAttachment(state, ref, func(d *Draft, a *models.Attachment) {
			request := a.Request
			*a = e.Attachment
			if a.Request == nil {
				a.Request = request
			}
		})

	case DeleteAttachment:
		return updateAttachment(state, e.AttachmentRef, func(d *Draft, a *models.Attachment) {
			a.IsRemoved = true
			a.InProgress = true
		})
	case DeleteAttachmentSuccess:
		return removeAttachment(state, e.AttachmentRef, true)
	case DeleteAttachmentFailure:
		return updateAttachment(state, e.AttachmentRef, func(d *Draft, a *models.Attachment) {
			a.IsRemoved = false
			a.InProgress = false
		})

	case UpdatePGPEncryptedContent:
		return updateDraft(state, e.DraftID, func(d *Draft) {
			d.IsPGPInProgress = e.IsPGPInProgress
			d.EncryptedContent = e.EncryptedContent
		})
	case UpdatePGPMimeEncrypted:
		return updateDraft(state, e.DraftID, func(d *Draft) {
			d.IsPGPMimeInProgress = e.IsPGPMimeInProgress
			d.PGPMimeContent = e.EncryptedContent
		})
	case UpdateSignContent:
		return updateDraft(state, e.DraftID, func(d *Draft) {
			d.SignContent = e.SignContent
		})

	case CloseMailbox:
		return updateDraft(state, e.ID, func(d *Draft) {
			d.IsClosed = true
		})
	case ClearDraft:
		return state.withoutDraft(e.ID)

	default:
		return state
	}
}

// updateDraft applies f to a copy of the draft and stores the copy.
func updateDraft(state State, id int64, f func(d *Draft)) State {
	d, ok := state.lookup(id)
	if !ok {
		return state
	}
	f(d)
	return state.withDraft(d)
}

// updateAttachment applies f to a copy of one attachment. Drafts collapsed into
// a PGP/MIME message ignore it.
func updateAttachment(state State, ref AttachmentRef, f func(d *Draft, a *models.Attachment)) State {
	d, ok := state.lookup(ref.DraftID)
	if !ok || d.IsPGPMimeMessage {
		return state
	}
	i := d.attachmentIndex(ref.AttachmentID)
	if i < 0 {
		return state
	}
	f(d, &d.Attachments[i])
	d.recomputeProcessing()
	return state.withDraft(d)
}

func removeAttachment(state State, ref AttachmentRef, cancelUnsaved bool) State {
	d, ok := state.lookup(ref.DraftID)
	if !ok || d.IsPGPMimeMessage {
		return state
	}
	a, ok := d.Attachment(ref.AttachmentID)
	if !ok {
		return state
	}
	if cancelUnsaved && a.ID == 0 && a.Request != nil {
		a.Request()
	}
	d.removeAttachment(ref.AttachmentID)
	d.recomputeProcessing()
	return state.withDraft(d)
}

func startSaving(state State, id int64) State {
	return updateDraft(state, id, func(d *Draft) {
		d.IsSaving = true
		d.InProgress = true
		d.ShouldSend = false
		d.ShouldSave = false
		d.IsSent = false
	})
}

func createMailSuccess(state State, e CreateMailSuccess) State {
	return updateDraft(state, e.Draft.ID, func(d *Draft) {
		mail := e.Response
		if e.Draft.Mail.ForwardAttachmentsOfMessage != 0 {
			attachments := make([]models.Attachment, 0, len(mail.Attachments))
			for _, a := range mail.Attachments {
				a.Progress = 100
				a.InProgress = false
				a.DraftID = d.ID
				if a.Name == "" {
					a.Name = filenameFromDocument(a.Document)
				}
				attachments = append(attachments, a)
			}
			d.Attachments = attachments
			mail.Attachments = attachments
			d.recomputeProcessing()
		}
		mail.IsHTML = d.Mail.IsHTML
		if sameContent(d.Mail, e.Draft.Mail) {
			d.Mail = mail
			d.InProgress = false
		} else {
			// Edited while the save ran: keep the edits and stay dirty so
			// they get saved too.
			d.Mail.ID = mail.ID
			d.Mail.Mailbox = mail.Mailbox
			d.Mail.CreatedAt = mail.CreatedAt
			d.InProgress = true
		}
		d.IsSent = false
		d.IsSaving = false
	})
}

// sameContent reports whether two copies of a mail differ only in their
// attachment lists, which the store tracks on the draft.
func sameContent(a, b models.Mail) bool {
	a.Attachments, b.Attachments = nil, nil
	return reflect.DeepEqual(a, b)
}

func getUsersKeys(state State, e GetUsersKeys) State {
	if e.DraftID != 0 {
		state = updateDraft(state, e.DraftID, func(d *Draft) {
			d.merge(e.Draft)
			d.GetUserKeyInProgress = true
		})
	}
	if len(e.Emails) == 0 {
		return state
	}
	return state.withKeys(func(dir map[string]KeyEntry) {
		for _, email := range e.Emails {
			entry := dir[email]
			entry.IsFetching = true
			dir[email] = entry
		}
	})
}

func getUsersKeysSuccess(state State, e GetUsersKeysSuccess) State {
	if e.DraftID != 0 {
		state = updateDraft(state, e.DraftID, func(d *Draft) {
			d.GetUserKeyInProgress = false
			if !e.IsBlind {
				data := e.Data
				d.UsersKeys = &data
			}
		})
	}
	if len(e.Data.Keys) == 0 {
		return state
	}
	return state.withKeys(func(dir map[string]KeyEntry) {
		for _, key := range e.Data.Keys {
			entry := dir[key.Email]
			if !e.IsBlind {
				entry.Keys = appendKeys(entry.Keys, key)
			}
			entry.IsFetching = false
			dir[key.Email] = entry
		}
	})
}

func getUsersKeysFailure(state State, e GetUsersKeysFailure) State {
	if e.DraftID != 0 {
		state = updateDraft(state, e.DraftID, func(d *Draft) {
			d.GetUserKeyInProgress = false
		})
	}
	if len(e.Emails) == 0 {
		return state
	}
	return state.withKeys(func(dir map[string]KeyEntry) {
		for _, email := range e.Emails {
			entry, ok := dir[email]
			if !ok {
				continue
			}
			entry.IsFetching = false
			dir[email] = entry
		}
	})
}

func uploadAttachment(state State, e UploadAttachment) State {
	if e.ID != 0 {
		return updateAttachment(state, AttachmentRef{DraftID: e.DraftID, AttachmentID: e.AttachmentID}, func(d *Draft, a *models.Attachment) {
			a.InProgress = true
		})
	}
	d, ok := state.lookup(e.DraftID)
	if !ok || d.IsPGPMimeMessage {
		return state
	}
	a := e.Attachment
	a.InProgress = true
	d.Attachments = append(d.Attachments, a)
	d.IsProcessingAttachments = true
	return state.withDraft(d)
}

func uploadAttachmentSuccess(state State, e UploadAttachmentSuccess) State {
	d, ok := state.lookup(e.Data.DraftID)
	if !ok {
		return state
	}
	if d.IsPGPMimeMessage && !e.IsPGPMimeMessage {
		return state
	}

	uploaded := e.Data
	if i := d.attachmentIndex(e.Data.AttachmentID); i >= 0 {
		a := &d.Attachments[i]
		a.ID = e.Response.ID
		a.Document = e.Response.Document
		a.ContentID = e.Response.ContentID
		a.InProgress = false
		a.Progress = 100
		a.Request = nil
		uploaded = *a
	} else {
		uploaded.ID = e.Response.ID
		uploaded.Document = e.Response.Document
		uploaded.ContentID = e.Response.ContentID
	}
	d.recomputeProcessing()

	if e.IsPGPMimeMessage {
		if e.Response.Name != "" {
			uploaded.Name = e.Response.Name
		}
		uploaded.Message = e.Response.Message
		uploaded.Size = e.Response.Size
		d.toPGPMime(uploaded)
	}
	return state.withDraft(d)
}

func clampProgress(p int) int {
	return min(max(p, 0), 100)
}
