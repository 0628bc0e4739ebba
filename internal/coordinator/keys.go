package coordinator

import (
	"github.com/vdavid/vmail/composer/internal/compose"
)

func (c *Coordinator) fetchKeys(e compose.GetUsersKeys) {
	if len(e.Emails) == 0 {
		// The reducer marked the draft as fetching; settle it.
		if e.DraftID != 0 {
			c.store.Dispatch(compose.GetUsersKeysSuccess{DraftID: e.DraftID, IsBlind: e.IsBlind})
		}
		return
	}

	emails := append([]string(nil), e.Emails...)
	c.goCall(func() {
		lookup, err := c.deps.Keys.GetUsersKeys(c.ctx, c.userID, emails)
		if err != nil {
			c.notify(compose.TypeGetUsersKeysFailure, e.DraftID, "Failed to fetch recipient keys", err)
			c.store.Dispatch(compose.GetUsersKeysFailure{DraftID: e.DraftID, Emails: emails})
			return
		}
		c.store.Dispatch(compose.GetUsersKeysSuccess{DraftID: e.DraftID, IsBlind: e.IsBlind, Data: lookup})
	})
}

// recordContactKey persists keys the user attached to a contact. The key
// directory itself was already updated by the reducer.
func (c *Coordinator) recordContactKey(e compose.MatchContactUserKeys) {
	add, ok := e.Intent.(compose.ContactKeyAdd)
	if !ok || add.Email == "" || add.PublicKey == "" {
		return
	}

	c.goCall(func() {
		if err := c.deps.Keys.AddContactKey(c.ctx, c.userID, add.Email, add.PublicKey); err != nil {
			c.notify(compose.TypeMatchContactUserKeys, 0, "Failed to store contact key", err)
		}
	})
}
