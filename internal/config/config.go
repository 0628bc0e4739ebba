package config

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment         string
	EncryptionKeyBase64 string
	AutheliaURL         string
	DBHost              string
	DBPort              string
	DBUsername          string
	DBPassword          string
	DBName              string
	DBSSLMode           string
	Port                string
	Timezone            string

	// ComposeAutosaveInterval is how often open drafts with local changes are
	// saved. Zero disables auto-save.
	ComposeAutosaveInterval time.Duration
	// MaxAttachmentBytes caps the size of one uploaded attachment.
	MaxAttachmentBytes int64
	// WSMaxConnections caps the WebSocket connections of one user.
	WSMaxConnections int
}

func NewConfig() (*Config, error) {
	env := os.Getenv("VMAIL_ENV")
	if env == "" {
		env = "development"
	}

	if env == "development" {
		if err := godotenv.Load(); err != nil {
			fmt.Println("Warning: .env file not found, using environment variables")
		}
	}

	autosaveSeconds, err := getIntEnvOrDefault("VMAIL_COMPOSE_AUTOSAVE_SECONDS", 10)
	if err != nil {
		return nil, err
	}
	maxAttachmentMB, err := getIntEnvOrDefault("VMAIL_MAX_ATTACHMENT_MB", 25)
	if err != nil {
		return nil, err
	}
	wsMaxConnections, err := getIntEnvOrDefault("VMAIL_WS_MAX_CONNECTIONS", 10)
	if err != nil {
		return nil, err
	}

	config := &Config{
		Environment:         env,
		EncryptionKeyBase64: os.Getenv("VMAIL_ENCRYPTION_KEY_BASE64"),
		AutheliaURL:         os.Getenv("AUTHELIA_URL"),
		DBHost:              getEnvOrDefault("VMAIL_DB_HOST", "localhost"),
		DBPort:              getEnvOrDefault("VMAIL_DB_PORT", "5432"),
		DBUsername:          getEnvOrDefault("VMAIL_DB_USER", "vmail"),
		DBPassword:          os.Getenv("VMAIL_DB_PASSWORD"),
		DBName:              getEnvOrDefault("VMAIL_DB_NAME", "vmail"),
		DBSSLMode:           getEnvOrDefault("VMAIL_DB_SSLMODE", "disable"),
		Port:                getEnvOrDefault("PORT", "11764"),
		Timezone:            getEnvOrDefault("TZ", "UTC"),

		ComposeAutosaveInterval: time.Duration(autosaveSeconds) * time.Second,
		MaxAttachmentBytes:      int64(maxAttachmentMB) << 20,
		WSMaxConnections:        wsMaxConnections,
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) Validate() error {
	if c.EncryptionKeyBase64 == "" {
		return fmt.Errorf("VMAIL_ENCRYPTION_KEY_BASE64 is required")
	}

	key, err := base64.StdEncoding.DecodeString(c.EncryptionKeyBase64)
	if err != nil {
		return fmt.Errorf("VMAIL_ENCRYPTION_KEY_BASE64 is not valid base64: %w", err)
	}
	if len(key) != 32 {
		return fmt.Errorf("VMAIL_ENCRYPTION_KEY_BASE64 must decode to 32 bytes, got %d", len(key))
	}

	if c.AutheliaURL == "" {
		return fmt.Errorf("AUTHELIA_URL is required")
	}
	if !strings.HasPrefix(c.AutheliaURL, "http://") && !strings.HasPrefix(c.AutheliaURL, "https://") {
		return fmt.Errorf("AUTHELIA_URL must use http:// or https:// scheme")
	}

	if c.DBPassword == "" {
		return fmt.Errorf("VMAIL_DB_PASSWORD is required")
	}

	if !isValidPort(c.DBPort) {
		return fmt.Errorf("VMAIL_DB_PORT is not a valid port number: %q", c.DBPort)
	}
	if !isValidPort(c.Port) {
		return fmt.Errorf("PORT is not a valid port number: %q", c.Port)
	}

	if c.ComposeAutosaveInterval < 0 {
		return fmt.Errorf("VMAIL_COMPOSE_AUTOSAVE_SECONDS must not be negative")
	}
	if c.MaxAttachmentBytes < 0 {
		return fmt.Errorf("VMAIL_MAX_ATTACHMENT_MB must not be negative")
	}
	if c.WSMaxConnections < 0 {
		return fmt.Errorf("VMAIL_WS_MAX_CONNECTIONS must not be negative")
	}

	return nil
}

func (c *Config) GetDatabaseURL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.DBUsername, c.DBPassword),
		Host:     c.DBHost + ":" + c.DBPort,
		Path:     "/" + c.DBName,
		RawQuery: "sslmode=" + url.QueryEscape(c.DBSSLMode),
	}
	return u.String()
}

func isValidPort(port string) bool {
	n, err := strconv.Atoi(port)
	return err == nil && n >= 1 && n <= 65535
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnvOrDefault(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s is not a valid integer: %w", key, err)
	}
	return n, nil
}
