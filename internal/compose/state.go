package compose

import (
	"encoding/json"
	"maps"
	"slices"

	"github.com/vdavid/vmail/composer/internal/models"
)

// KeyEntry is what the key directory knows about one recipient address.
type KeyEntry struct {
	Keys              []models.PublicKey        `json:"key"`
	IsFetching        bool                      `json:"isFetching"`
	PGPEncryptionType *models.PGPEncryptionType `json:"pgpEncryptionType,omitempty"`
}

// HasKeys reports whether at least one key is known.
func (e KeyEntry) HasKeys() bool {
	return len(e.Keys) > 0
}

// State is an immutable snapshot of the compose store. Transitions build a new
// State and leave the old one intact, so snapshots can be shared freely.
type State struct {
	drafts    map[int64]*Draft
	usersKeys map[string]KeyEntry
}

// NewState returns an empty state.
func NewState() State {
	return State{
		drafts:    map[int64]*Draft{},
		usersKeys: map[string]KeyEntry{},
	}
}

// Draft returns a copy of the draft with the given id.
func (s State) Draft(id int64) (Draft, bool) {
	d, ok := s.drafts[id]
	if !ok {
		return Draft{}, false
	}
	return *d.clone(), true
}

// HasDraft reports whether a draft with the given id exists.
func (s State) HasDraft(id int64) bool {
	_, ok := s.drafts[id]
	return ok
}

// DraftIDs returns the ids of all drafts in ascending order.
func (s State) DraftIDs() []int64 {
	return slices.Sorted(maps.Keys(s.drafts))
}

// Len returns the number of drafts.
func (s State) Len() int {
	return len(s.drafts)
}

// UsersKeys returns the key directory entry for email.
func (s State) UsersKeys(email string) (KeyEntry, bool) {
	e, ok := s.usersKeys[email]
	if !ok {
		return KeyEntry{}, false
	}
	e.Keys = slices.Clone(e.Keys)
	return e, true
}

// KeysFor returns every known key of the given addresses, in address order.
func (s State) KeysFor(emails []string) []models.PublicKey {
	var out []models.PublicKey
	for _, email := range emails {
		out = append(out, s.usersKeys[email].Keys...)
	}
	return out
}

// MarshalJSON encodes the snapshot pushed to the browser.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Drafts    map[int64]*Draft    `json:"drafts"`
		UsersKeys map[string]KeyEntry `json:"usersKeys"`
	}{
		Drafts:    s.drafts,
		UsersKeys: s.usersKeys,
	})
}

func (s State) lookup(id int64) (*Draft, bool) {
	d, ok := s.drafts[id]
	if !ok {
		return nil, false
	}
	return d.clone(), true
}

func (s State) withDraft(d *Draft) State {
	drafts := make(map[int64]*Draft, len(s.drafts)+1)
	maps.Copy(drafts, s.drafts)
	drafts[d.ID] = d
	s.drafts = drafts
	return s
}

func (s State) withoutDraft(id int64) State {
	if _, ok := s.drafts[id]; !ok {
		return s
	}
	drafts := maps.Clone(s.drafts)
	delete(drafts, id)
	s.drafts = drafts
	return s
}

// withKeys returns a state whose key directory is a private copy that f may modify.
func (s State) withKeys(f func(dir map[string]KeyEntry)) State {
	dir := make(map[string]KeyEntry, len(s.usersKeys))
	maps.Copy(dir, s.usersKeys)
	f(dir)
	s.usersKeys = dir
	return s
}
