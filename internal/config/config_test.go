package config

import (
	"net/url"
	"strings"
	"testing"
	"time"
)

const testKey = "dGVzdC1rZXktMTIzNDU2Nzg5MDEyMzQ1Njc4OTAxMjM="

// setRequiredEnv sets the variables NewConfig cannot do without.
func setRequiredEnv(t *testing.T, env string) {
	t.Helper()
	t.Setenv("VMAIL_ENV", env)
	t.Setenv("VMAIL_ENCRYPTION_KEY_BASE64", testKey)
	t.Setenv("AUTHELIA_URL", "http://authelia:9091")
	t.Setenv("VMAIL_DB_PASSWORD", "password")
}

func validConfig() *Config {
	return &Config{
		EncryptionKeyBase64:     testKey,
		AutheliaURL:             "http://authelia:9091",
		DBPassword:              "password",
		DBPort:                  "5432",
		Port:                    "11764",
		ComposeAutosaveInterval: 10 * time.Second,
		MaxAttachmentBytes:      25 << 20,
		WSMaxConnections:        10,
	}
}

func TestNewConfig(t *testing.T) {
	setRequiredEnv(t, "production")
	t.Setenv("VMAIL_DB_HOST", "db.internal")
	t.Setenv("VMAIL_DB_USER", "composer")
	t.Setenv("VMAIL_DB_NAME", "compose")
	t.Setenv("PORT", "3000")

	config, err := NewConfig()
	if err != nil {
		t.Fatalf("NewConfig() returned error: %v", err)
	}

	checks := map[string][2]string{
		"Environment": {config.Environment, "production"},
		"DBHost":      {config.DBHost, "db.internal"},
		"DBPort":      {config.DBPort, "5432"},
		"DBUsername":  {config.DBUsername, "composer"},
		"DBName":      {config.DBName, "compose"},
		"DBSSLMode":   {config.DBSSLMode, "disable"},
		"Port":        {config.Port, "3000"},
		"Timezone":    {config.Timezone, "UTC"},
	}
	for field, pair := range checks {
		if pair[0] != pair[1] {
			t.Errorf("expected %s '%s', got '%s'", field, pair[1], pair[0])
		}
	}
}

func TestNewConfigInDevelopment(t *testing.T) {
	setRequiredEnv(t, "development")

	// A missing .env file only produces a warning.
	config, err := NewConfig()
	if err != nil {
		t.Fatalf("NewConfig() returned error: %v", err)
	}
	if config.Environment != "development" {
		t.Errorf("expected Environment 'development', got '%s'", config.Environment)
	}
}

func TestNewConfigComposeSettings(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		setRequiredEnv(t, "production")

		config, err := NewConfig()
		if err != nil {
			t.Fatalf("NewConfig() returned error: %v", err)
		}
		if config.ComposeAutosaveInterval != 10*time.Second {
			t.Errorf("expected default autosave interval 10s, got %v", config.ComposeAutosaveInterval)
		}
		if config.MaxAttachmentBytes != 25<<20 {
			t.Errorf("expected default attachment limit 25 MiB, got %d", config.MaxAttachmentBytes)
		}
		if config.WSMaxConnections != 10 {
			t.Errorf("expected default WebSocket limit 10, got %d", config.WSMaxConnections)
		}
	})

	t.Run("overrides", func(t *testing.T) {
		setRequiredEnv(t, "production")
		t.Setenv("VMAIL_COMPOSE_AUTOSAVE_SECONDS", "0")
		t.Setenv("VMAIL_MAX_ATTACHMENT_MB", "2")
		t.Setenv("VMAIL_WS_MAX_CONNECTIONS", "3")

		config, err := NewConfig()
		if err != nil {
			t.Fatalf("NewConfig() returned error: %v", err)
		}
		if config.ComposeAutosaveInterval != 0 {
			t.Errorf("expected auto-save to be disabled, got %v", config.ComposeAutosaveInterval)
		}
		if config.MaxAttachmentBytes != 2<<20 {
			t.Errorf("expected attachment limit 2 MiB, got %d", config.MaxAttachmentBytes)
		}
		if config.WSMaxConnections != 3 {
			t.Errorf("expected WebSocket limit 3, got %d", config.WSMaxConnections)
		}
	})

	t.Run("invalid integer", func(t *testing.T) {
		setRequiredEnv(t, "production")
		t.Setenv("VMAIL_MAX_ATTACHMENT_MB", "lots")

		_, err := NewConfig()
		if err == nil || !strings.Contains(err.Error(), "VMAIL_MAX_ATTACHMENT_MB is not a valid integer") {
			t.Errorf("expected integer parse error, got %v", err)
		}
	})

	t.Run("negative value", func(t *testing.T) {
		setRequiredEnv(t, "production")
		t.Setenv("VMAIL_WS_MAX_CONNECTIONS", "-1")

		_, err := NewConfig()
		if err == nil || !strings.Contains(err.Error(), "VMAIL_WS_MAX_CONNECTIONS must not be negative") {
			t.Errorf("expected negative value error, got %v", err)
		}
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Config)
		errMsg string
	}{
		{name: "valid config", modify: func(*Config) {}},
		{name: "valid boundary ports", modify: func(c *Config) { c.DBPort, c.Port = "1", "65535" }},
		{name: "https authelia", modify: func(c *Config) { c.AutheliaURL = "https://auth.example.com" }},
		{name: "auto-save disabled", modify: func(c *Config) { c.ComposeAutosaveInterval = 0 }},
		{
			name:   "missing encryption key",
			modify: func(c *Config) { c.EncryptionKeyBase64 = "" },
			errMsg: "VMAIL_ENCRYPTION_KEY_BASE64 is required",
		},
		{
			name:   "invalid base64 key",
			modify: func(c *Config) { c.EncryptionKeyBase64 = "not-valid-base64!!!" },
			errMsg: "VMAIL_ENCRYPTION_KEY_BASE64 is not valid base64",
		},
		{
			name:   "short key",
			modify: func(c *Config) { c.EncryptionKeyBase64 = "c2hvcnQ=" },
			errMsg: "must decode to 32 bytes, got 5",
		},
		{
			name:   "missing authelia URL",
			modify: func(c *Config) { c.AutheliaURL = "" },
			errMsg: "AUTHELIA_URL is required",
		},
		{
			name:   "authelia URL without scheme",
			modify: func(c *Config) { c.AutheliaURL = "authelia:9091" },
			errMsg: "AUTHELIA_URL must use http:// or https:// scheme",
		},
		{
			name:   "missing DB password",
			modify: func(c *Config) { c.DBPassword = "" },
			errMsg: "VMAIL_DB_PASSWORD is required",
		},
		{
			name:   "DB port not a number",
			modify: func(c *Config) { c.DBPort = "not-a-port" },
			errMsg: "VMAIL_DB_PORT is not a valid port number",
		},
		{
			name:   "DB port too high",
			modify: func(c *Config) { c.DBPort = "65536" },
			errMsg: "VMAIL_DB_PORT is not a valid port number",
		},
		{
			name:   "port too low",
			modify: func(c *Config) { c.Port = "0" },
			errMsg: "PORT is not a valid port number",
		},
		{
			name:   "negative auto-save",
			modify: func(c *Config) { c.ComposeAutosaveInterval = -time.Second },
			errMsg: "VMAIL_COMPOSE_AUTOSAVE_SECONDS must not be negative",
		},
		{
			name:   "negative attachment limit",
			modify: func(c *Config) { c.MaxAttachmentBytes = -1 },
			errMsg: "VMAIL_MAX_ATTACHMENT_MB must not be negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := validConfig()
			tt.modify(config)

			err := config.Validate()
			if tt.errMsg == "" {
				if err != nil {
					t.Errorf("expected no error but got: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing '%s' but got none", tt.errMsg)
			}
			if !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("expected error message to contain '%s', got '%s'", tt.errMsg, err.Error())
			}
		})
	}
}

func TestGetDatabaseURL(t *testing.T) {
	config := &Config{
		DBUsername: "user@host",
		DBPassword: "p@ss:word/with?chars",
		DBHost:     "localhost",
		DBPort:     "5432",
		DBName:     "compose",
		DBSSLMode:  "require",
	}

	parsed, err := url.Parse(config.GetDatabaseURL())
	if err != nil {
		t.Fatalf("GetDatabaseURL() produced an unparsable URL: %v", err)
	}

	if parsed.User.Username() != "user@host" {
		t.Errorf("expected username 'user@host', got '%s'", parsed.User.Username())
	}
	if password, _ := parsed.User.Password(); password != "p@ss:word/with?chars" {
		t.Errorf("expected password to round-trip, got '%s'", password)
	}
	if parsed.Host != "localhost:5432" {
		t.Errorf("expected host 'localhost:5432', got '%s'", parsed.Host)
	}
	if parsed.Path != "/compose" {
		t.Errorf("expected path '/compose', got '%s'", parsed.Path)
	}
	if parsed.Query().Get("sslmode") != "require" {
		t.Errorf("expected sslmode 'require', got '%s'", parsed.Query().Get("sslmode"))
	}
}

func TestGetIntEnvOrDefault(t *testing.T) {
	t.Setenv("VMAIL_TEST_INT", "42")

	got, err := getIntEnvOrDefault("VMAIL_TEST_INT", 7)
	if err != nil || got != 42 {
		t.Errorf("expected 42, got %d (err %v)", got, err)
	}

	got, err = getIntEnvOrDefault("VMAIL_TEST_INT_MISSING", 7)
	if err != nil || got != 7 {
		t.Errorf("expected default 7, got %d (err %v)", got, err)
	}

	if getEnvOrDefault("VMAIL_TEST_STRING_MISSING", "fallback") != "fallback" {
		t.Errorf("expected getEnvOrDefault to fall back")
	}
}
