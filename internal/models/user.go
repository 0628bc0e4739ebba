package models

import (
	"time"
)

// User represents a V-Mail user.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UserSettings holds the sending identity of a user and the encrypted credentials
// used to deliver mail (SMTP) and file it into the Sent folder (IMAP).
type UserSettings struct {
	UserID                string            `json:"user_id"`
	SenderName            string            `json:"sender_name"`
	SenderAddress         string            `json:"sender_address"`
	SMTPServerHostname    string            `json:"smtp_server_hostname"`
	SMTPUsername          string            `json:"smtp_username"`
	EncryptedSMTPPassword []byte            `json:"-"`
	IMAPServerHostname    string            `json:"imap_server_hostname"`
	IMAPUsername          string            `json:"imap_username"`
	EncryptedIMAPPassword []byte            `json:"-"`
	SentFolderName        string            `json:"sent_folder_name"`
	DefaultEncryptionType PGPEncryptionType `json:"default_encryption_type"`
	CreatedAt             time.Time         `json:"created_at"`
	UpdatedAt             time.Time         `json:"updated_at"`
}

// UserSettingsRequest represents the request payload for saving user settings.
// Empty passwords keep the stored ones.
type UserSettingsRequest struct {
	SenderName            string            `json:"sender_name"`
	SenderAddress         string            `json:"sender_address"`
	SMTPServerHostname    string            `json:"smtp_server_hostname"`
	SMTPUsername          string            `json:"smtp_username"`
	SMTPPassword          string            `json:"smtp_password"`
	IMAPServerHostname    string            `json:"imap_server_hostname"`
	IMAPUsername          string            `json:"imap_username"`
	IMAPPassword          string            `json:"imap_password"`
	SentFolderName        string            `json:"sent_folder_name"`
	DefaultEncryptionType PGPEncryptionType `json:"default_encryption_type"`
}

// UserSettingsResponse represents the response payload for user settings (passwords are never included).
type UserSettingsResponse struct {
	SenderName            string            `json:"sender_name"`
	SenderAddress         string            `json:"sender_address"`
	SMTPServerHostname    string            `json:"smtp_server_hostname"`
	SMTPUsername          string            `json:"smtp_username"`
	SMTPPasswordSet       bool              `json:"smtp_password_set"`
	IMAPServerHostname    string            `json:"imap_server_hostname"`
	IMAPUsername          string            `json:"imap_username"`
	IMAPPasswordSet       bool              `json:"imap_password_set"`
	SentFolderName        string            `json:"sent_folder_name"`
	DefaultEncryptionType PGPEncryptionType `json:"default_encryption_type"`
}

// AuthStatusResponse tells the client whether the user can compose and send.
// CanSend needs an SMTP identity with credentials.
type AuthStatusResponse struct {
	IsAuthenticated bool `json:"isAuthenticated"`
	IsSetupComplete bool `json:"isSetupComplete"`
	CanSend         bool `json:"canSend"`
	OpenDrafts      int  `json:"openDrafts"`
}
