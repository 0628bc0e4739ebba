package services

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/vmail/composer/internal/db"
	"github.com/vdavid/vmail/composer/internal/models"
	"github.com/vdavid/vmail/composer/internal/pgp"
)

// ErrInvalidContactKey is returned when a contact key has no address or cannot be parsed.
var ErrInvalidContactKey = errors.New("invalid contact key")

// KeyService looks up and records recipient public keys.
type KeyService struct {
	pool *pgxpool.Pool
}

// NewKeyService creates a new key service.
func NewKeyService(pool *pgxpool.Pool) *KeyService {
	return &KeyService{pool: pool}
}

// GetUsersKeys returns the keys the user can see for the given addresses.
// Keys carry the address as it was requested, so results can be matched back
// to the key directory.
func (s *KeyService) GetUsersKeys(ctx context.Context, userID string, emails []string) (models.KeyLookup, error) {
	keys, err := db.GetPublicKeys(ctx, s.pool, userID, emails)
	if err != nil {
		return models.KeyLookup{}, err
	}

	requested := make(map[string]string, len(emails))
	for _, e := range emails {
		requested[strings.ToLower(strings.TrimSpace(e))] = e
	}
	for i := range keys {
		if original, ok := requested[strings.ToLower(keys[i].Email)]; ok {
			keys[i].Email = original
		}
	}

	return models.KeyLookup{Keys: keys}, nil
}

// AddContactKey stores a key the user attached to one of their contacts.
func (s *KeyService) AddContactKey(ctx context.Context, userID, email, armored string) error {
	if strings.TrimSpace(email) == "" {
		return ErrInvalidContactKey
	}
	fp, err := pgp.Fingerprint(armored)
	if err != nil {
		return errors.Join(ErrInvalidContactKey, err)
	}
	return db.SavePublicKey(ctx, s.pool, userID, models.PublicKey{
		Email:       email,
		PublicKey:   armored,
		Fingerprint: fp,
	})
}

// AddInternalKey stores the key of a user of this server. Every user sees it.
func (s *KeyService) AddInternalKey(ctx context.Context, email, armored string) error {
	if strings.TrimSpace(email) == "" {
		return ErrInvalidContactKey
	}
	fp, err := pgp.Fingerprint(armored)
	if err != nil {
		return errors.Join(ErrInvalidContactKey, err)
	}
	return db.SavePublicKey(ctx, s.pool, "", models.PublicKey{
		Email:       email,
		PublicKey:   armored,
		Fingerprint: fp,
		IsInternal:  true,
	})
}
