package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/vmail/composer/internal/models"
)

// ErrUserSettingsNotFound is returned when user settings cannot be found.
var ErrUserSettingsNotFound = errors.New("user settings not found")

// GetUserSettings returns the user settings for the given user.
func GetUserSettings(ctx context.Context, pool *pgxpool.Pool, userID string) (*models.UserSettings, error) {
	var settings models.UserSettings

	err := pool.QueryRow(ctx, `
		SELECT
			user_id,
			sender_name,
			sender_address,
			smtp_server_hostname,
			smtp_username,
			encrypted_smtp_password,
			imap_server_hostname,
			imap_username,
			encrypted_imap_password,
			sent_folder_name,
			default_encryption_type,
			created_at,
			updated_at
		FROM user_settings
		WHERE user_id = $1
	`, userID).Scan(
		&settings.UserID,
		&settings.SenderName,
		&settings.SenderAddress,
		&settings.SMTPServerHostname,
		&settings.SMTPUsername,
		&settings.EncryptedSMTPPassword,
		&settings.IMAPServerHostname,
		&settings.IMAPUsername,
		&settings.EncryptedIMAPPassword,
		&settings.SentFolderName,
		&settings.DefaultEncryptionType,
		&settings.CreatedAt,
		&settings.UpdatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserSettingsNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get user settings: %w", err)
	}

	return &settings, nil
}

// SaveUserSettings inserts or replaces the user settings for settings.UserID.
func SaveUserSettings(ctx context.Context, pool *pgxpool.Pool, settings *models.UserSettings) error {
	sentFolder := settings.SentFolderName
	if sentFolder == "" {
		sentFolder = "Sent"
	}
	encryptionType := settings.DefaultEncryptionType
	if encryptionType == "" {
		encryptionType = models.PGPInline
	}

	_, err := pool.Exec(ctx, `
		INSERT INTO user_settings (
			user_id,
			sender_name,
			sender_address,
			smtp_server_hostname,
			smtp_username,
			encrypted_smtp_password,
			imap_server_hostname,
			imap_username,
			encrypted_imap_password,
			sent_folder_name,
			default_encryption_type
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (user_id) DO UPDATE SET
			sender_name = EXCLUDED.sender_name,
			sender_address = EXCLUDED.sender_address,
			smtp_server_hostname = EXCLUDED.smtp_server_hostname,
			smtp_username = EXCLUDED.smtp_username,
			encrypted_smtp_password = EXCLUDED.encrypted_smtp_password,
			imap_server_hostname = EXCLUDED.imap_server_hostname,
			imap_username = EXCLUDED.imap_username,
			encrypted_imap_password = EXCLUDED.encrypted_imap_password,
			sent_folder_name = EXCLUDED.sent_folder_name,
			default_encryption_type = EXCLUDED.default_encryption_type,
			updated_at = NOW()
	`,
		settings.UserID,
		settings.SenderName,
		settings.SenderAddress,
		settings.SMTPServerHostname,
		settings.SMTPUsername,
		settings.EncryptedSMTPPassword,
		settings.IMAPServerHostname,
		settings.IMAPUsername,
		settings.EncryptedIMAPPassword,
		sentFolder,
		encryptionType,
	)

	if err != nil {
		return fmt.Errorf("failed to save user settings: %w", err)
	}

	return nil
}
