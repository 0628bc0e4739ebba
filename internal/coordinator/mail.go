package coordinator

import (
	"github.com/vdavid/vmail/composer/internal/compose"
	"github.com/vdavid/vmail/composer/internal/models"
)

// outgoing is the mail payload of a draft with its live attachments.
func outgoing(d compose.Draft) models.Mail {
	mail := d.Mail
	mail.Attachments = make([]models.Attachment, 0, len(d.Attachments))
	for _, a := range d.Attachments {
		if a.IsRemoved {
			continue
		}
		a.DecryptedDocument = nil
		a.Request = nil
		mail.Attachments = append(mail.Attachments, a)
	}
	return mail
}

func (c *Coordinator) save(state compose.State, draftID int64) {
	d, ok := state.Draft(draftID)
	if !ok {
		return
	}
	key := callKey{draftID: draftID, op: opSave}
	if c.begin(key) == nil {
		return
	}

	mail := outgoing(d)
	c.goCall(func() {
		saved, err := c.deps.Mail.Save(c.ctx, c.userID, mail)
		again := c.end(key)

		if err != nil {
			c.notify(compose.TypeCreateMailFailure, draftID, "Failed to save draft", err)
			c.store.Dispatch(compose.CreateMailFailure{ID: draftID})
			return
		}
		c.store.Dispatch(compose.CreateMailSuccess{
			Draft:    compose.DraftRef{ID: draftID, Mail: mail},
			Response: saved,
		})
		if again {
			c.store.Dispatch(compose.CreateMail{ID: draftID})
		}
	})
}

func (c *Coordinator) send(state compose.State, draftID int64) {
	d, ok := state.Draft(draftID)
	if !ok {
		return
	}
	key := callKey{draftID: draftID, op: opSend}
	if c.begin(key) == nil {
		return
	}

	mail := outgoing(d)
	mail.Send = true
	if d.EncryptedContent != "" && mail.EncryptionType != models.PGPMime {
		mail.Content = d.EncryptedContent
		mail.ContentPlain = d.EncryptedContent
		mail.IsHTML = false
		mail.IsEncrypted = true
	}
	if d.SignContent != "" {
		mail.Sign = d.SignContent
	}

	c.goCall(func() {
		err := c.deps.Mail.Send(c.ctx, c.userID, mail)
		c.end(key)

		if err != nil {
			c.notify(compose.TypeSendMailFailure, draftID, "Failed to send mail", err)
			c.store.Dispatch(compose.SendMailFailure{ID: draftID})
			return
		}
		c.store.Dispatch(compose.SendMailSuccess{ID: draftID})
	})
}
