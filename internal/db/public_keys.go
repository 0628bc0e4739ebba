package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/vmail/composer/internal/models"
)

// SavePublicKey stores a public key. An empty ownerUserID stores the key of an
// internal user, visible to everyone; otherwise the key is a contact key only
// its owner sees. Saving the same fingerprint twice is a no-op.
func SavePublicKey(ctx context.Context, pool *pgxpool.Pool, ownerUserID string, key models.PublicKey) error {
	_, err := pool.Exec(ctx, `
		INSERT INTO public_keys (owner_user_id, email, public_key, fingerprint, is_internal)
		VALUES (NULLIF($1, '')::uuid, $2, $3, $4, $5)
		ON CONFLICT (COALESCE(owner_user_id, '00000000-0000-0000-0000-000000000000'::uuid), email, fingerprint)
		DO NOTHING
	`, ownerUserID, strings.ToLower(key.Email), key.PublicKey, key.Fingerprint, key.IsInternal)
	if err != nil {
		return fmt.Errorf("failed to save public key: %w", err)
	}
	return nil
}

// GetPublicKeys returns the keys visible to userID for the given addresses:
// internal keys first, then the user's contact keys, each in insertion order.
func GetPublicKeys(ctx context.Context, pool *pgxpool.Pool, userID string, emails []string) ([]models.PublicKey, error) {
	if len(emails) == 0 {
		return nil, nil
	}

	lowered := make([]string, 0, len(emails))
	for _, e := range emails {
		lowered = append(lowered, strings.ToLower(strings.TrimSpace(e)))
	}

	rows, err := pool.Query(ctx, `
		SELECT email, public_key, fingerprint, is_internal
		FROM public_keys
		WHERE lower(email) = ANY($1)
		  AND (owner_user_id IS NULL OR owner_user_id = $2)
		ORDER BY (owner_user_id IS NOT NULL), id
	`, lowered, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query public keys: %w", err)
	}
	defer rows.Close()

	var keys []models.PublicKey
	for rows.Next() {
		var k models.PublicKey
		if err := rows.Scan(&k.Email, &k.PublicKey, &k.Fingerprint, &k.IsInternal); err != nil {
			return nil, fmt.Errorf("failed to scan public key: %w", err)
		}
		keys = append(keys, k)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating public keys: %w", err)
	}

	return keys, nil
}
