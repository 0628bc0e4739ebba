package compose

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vdavid/vmail/composer/internal/models"
)

// ContactKeyIntent is one of ContactKeyAdd, ContactKeyUpdate, ContactKeyRemove or ContactAdd.
type ContactKeyIntent interface {
	contactKeyIntent()
}

// ContactKeyAdd records a public key the user attached to a contact.
type ContactKeyAdd struct {
	Email     string `json:"email"`
	PublicKey string `json:"public_key"`
}

// ContactKeyUpdate is accepted but not applied yet.
type ContactKeyUpdate struct {
	Email       string `json:"email"`
	PublicKey   string `json:"public_key"`
	Fingerprint string `json:"fingerprint"`
}

// ContactKeyRemove is accepted but not applied yet.
type ContactKeyRemove struct {
	Email       string `json:"email"`
	Fingerprint string `json:"fingerprint"`
}

// ContactAdd carries the encryption preference of a newly saved contact.
type ContactAdd struct {
	Email             string                   `json:"email"`
	EnabledEncryption bool                     `json:"enabledEncryption"`
	EncryptionType    models.PGPEncryptionType `json:"encryptionType"`
}

func (ContactKeyAdd) contactKeyIntent()    {}
func (ContactKeyUpdate) contactKeyIntent() {}
func (ContactKeyRemove) contactKeyIntent() {}
func (ContactAdd) contactKeyIntent()       {}

var errAmbiguousContactIntent = errors.New("exactly one of contactKeyAdd, contactKeyUpdate, contactKeyRemove, contactAdd must be set")

// UnmarshalJSON accepts the flag-tagged payload the browser sends and turns it
// into a single intent.
func (e *MatchContactUserKeys) UnmarshalJSON(data []byte) error {
	var flags struct {
		ContactKeyAdd    bool `json:"contactKeyAdd"`
		ContactKeyUpdate bool `json:"contactKeyUpdate"`
		ContactKeyRemove bool `json:"contactKeyRemove"`
		ContactAdd       bool `json:"contactAdd"`
	}
	if err := json.Unmarshal(data, &flags); err != nil {
		return fmt.Errorf("failed to decode contact key flags: %w", err)
	}

	set := 0
	for _, f := range []bool{flags.ContactKeyAdd, flags.ContactKeyUpdate, flags.ContactKeyRemove, flags.ContactAdd} {
		if f {
			set++
		}
	}
	if set != 1 {
		return errAmbiguousContactIntent
	}

	var intent ContactKeyIntent
	switch {
	case flags.ContactKeyAdd:
		var v ContactKeyAdd
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		intent = v
	case flags.ContactKeyUpdate:
		var v ContactKeyUpdate
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		intent = v
	case flags.ContactKeyRemove:
		var v ContactKeyRemove
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		intent = v
	default:
		var v ContactAdd
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		intent = v
	}

	e.Intent = intent
	return nil
}

func applyContactIntent(state State, intent ContactKeyIntent) State {
	switch in := intent.(type) {
	case ContactKeyAdd:
		if in.Email == "" {
			return state
		}
		return state.withKeys(func(dir map[string]KeyEntry) {
			entry := dir[in.Email]
			dir[in.Email] = KeyEntry{
				Keys:              appendKeys(entry.Keys, models.PublicKey{Email: in.Email, PublicKey: in.PublicKey}),
				IsFetching:        false,
				PGPEncryptionType: entry.PGPEncryptionType,
			}
		})
	case ContactKeyUpdate, ContactKeyRemove:
		// TODO: apply key updates and removals once the contacts API defines
		// how a key is identified (fingerprint or armored body).
		return state
	case ContactAdd:
		entry, ok := state.usersKeys[in.Email]
		if !ok || !entry.HasKeys() {
			return state
		}
		return state.withKeys(func(dir map[string]KeyEntry) {
			if in.EnabledEncryption {
				t := in.EncryptionType
				entry.PGPEncryptionType = &t
			} else {
				entry.PGPEncryptionType = nil
			}
			dir[in.Email] = entry
		})
	default:
		return state
	}
}

// appendKeys returns a new slice; the directory's existing slices are shared
// with older snapshots and must not be appended to in place.
func appendKeys(existing []models.PublicKey, keys ...models.PublicKey) []models.PublicKey {
	out := make([]models.PublicKey, 0, len(existing)+len(keys))
	out = append(out, existing...)
	return append(out, keys...)
}
