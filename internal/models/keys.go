package models

// PublicKey is one public key known for a recipient address.
type PublicKey struct {
	Email       string `json:"email"`
	PublicKey   string `json:"public_key"`
	Fingerprint string `json:"fingerprint,omitempty"`
	IsInternal  bool   `json:"is_internal,omitempty"`
}

// KeyLookup is the result of a key fetch for a set of addresses.
type KeyLookup struct {
	Keys []PublicKey `json:"keys"`
}

// ForEmail returns the keys in the lookup that belong to email.
func (l *KeyLookup) ForEmail(email string) []PublicKey {
	if l == nil {
		return nil
	}
	var out []PublicKey
	for _, k := range l.Keys {
		if k.Email == email {
			out = append(out, k)
		}
	}
	return out
}

// Notification is pushed to the user's open tabs when a background operation fails.
type Notification struct {
	Type    string `json:"type"`
	Level   string `json:"level"`
	Message string `json:"message"`
	DraftID int64  `json:"draft_id,omitempty"`
}
