package pgp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ProtonMail/gopenpgp/v2/crypto"
	"github.com/vdavid/vmail/composer/internal/mailer"
	"github.com/vdavid/vmail/composer/internal/models"
)

// ErrNoRecipientKeys is returned when an encryption is requested without any usable key.
var ErrNoRecipientKeys = errors.New("no recipient keys")

// Engine encrypts draft bodies, attachments and PGP/MIME containers for a set
// of recipient public keys. It holds no state and is safe for concurrent use.
type Engine struct{}

// NewEngine creates a new PGP engine.
func NewEngine() *Engine {
	return &Engine{}
}

// EncryptContent encrypts a draft body and returns the armored message.
func (e *Engine) EncryptContent(ctx context.Context, content string, keys []models.PublicKey) (string, error) {
	ring, err := keyRing(keys)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	msg, err := ring.Encrypt(crypto.NewPlainMessageFromString(content), nil)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt content: %w", err)
	}
	armored, err := msg.GetArmored()
	if err != nil {
		return "", fmt.Errorf("failed to armor content: %w", err)
	}
	return armored, nil
}

// EncryptAttachment encrypts the bytes of one attachment and returns them armored.
func (e *Engine) EncryptAttachment(ctx context.Context, data []byte, keys []models.PublicKey) ([]byte, error) {
	ring, err := keyRing(keys)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	msg, err := ring.Encrypt(crypto.NewPlainMessage(data), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt attachment: %w", err)
	}
	armored, err := msg.GetArmored()
	if err != nil {
		return nil, fmt.Errorf("failed to armor attachment: %w", err)
	}
	return []byte(armored), nil
}

// BuildPGPMime renders mail with its files as a MIME entity and encrypts it.
// The armored result is the content of the PGP/MIME container attachment.
func (e *Engine) BuildPGPMime(ctx context.Context, mail models.Mail, files []mailer.File, keys []models.PublicKey) (string, error) {
	from, err := mailer.ParseSender(mail.Sender, "")
	if err != nil {
		return "", err
	}
	entity, err := mailer.Build(from, mail, files)
	if err != nil {
		return "", err
	}

	ring, err := keyRing(keys)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	msg, err := ring.Encrypt(crypto.NewPlainMessage(entity), nil)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt PGP/MIME entity: %w", err)
	}
	armored, err := msg.GetArmored()
	if err != nil {
		return "", fmt.Errorf("failed to armor PGP/MIME entity: %w", err)
	}
	return armored, nil
}

// Fingerprint returns the hex fingerprint of an armored public key.
func Fingerprint(armored string) (string, error) {
	key, err := crypto.NewKeyFromArmored(armored)
	if err != nil {
		return "", fmt.Errorf("failed to parse public key: %w", err)
	}
	return key.GetFingerprint(), nil
}

// keyRing builds a key ring from the armored keys, skipping duplicates by fingerprint.
func keyRing(keys []models.PublicKey) (*crypto.KeyRing, error) {
	ring, err := crypto.NewKeyRing(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create key ring: %w", err)
	}

	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		if strings.TrimSpace(k.PublicKey) == "" {
			continue
		}
		key, err := crypto.NewKeyFromArmored(k.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("failed to parse public key of %s: %w", k.Email, err)
		}
		fp := key.GetFingerprint()
		if seen[fp] {
			continue
		}
		seen[fp] = true
		if err := ring.AddKey(key); err != nil {
			return nil, fmt.Errorf("failed to add key of %s: %w", k.Email, err)
		}
	}

	if ring.CountEntities() == 0 {
		return nil, ErrNoRecipientKeys
	}
	return ring, nil
}
