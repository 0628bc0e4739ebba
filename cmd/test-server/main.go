package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	pgpcrypto "github.com/ProtonMail/gopenpgp/v2/crypto"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/vdavid/vmail/composer/internal/api"
	"github.com/vdavid/vmail/composer/internal/auth"
	"github.com/vdavid/vmail/composer/internal/config"
	"github.com/vdavid/vmail/composer/internal/coordinator"
	"github.com/vdavid/vmail/composer/internal/crypto"
	"github.com/vdavid/vmail/composer/internal/db"
	"github.com/vdavid/vmail/composer/internal/models"
	"github.com/vdavid/vmail/composer/internal/pgp"
	"github.com/vdavid/vmail/composer/internal/services"
	"github.com/vdavid/vmail/composer/internal/session"
	"github.com/vdavid/vmail/composer/internal/testutil"
	ws "github.com/vdavid/vmail/composer/internal/websocket"
)

const (
	testEmail = "test@example.com"
	// keyedRecipient has an internal public key, so drafts to it can be encrypted.
	keyedRecipient = "keyed@example.com"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Setup environment variables
	if err := setupTestEnvironment(); err != nil {
		log.Fatalf("Failed to setup test environment: %v", err)
	}

	// Start Postgres database
	postgresContainer, connStr, err := startPostgres(ctx)
	if err != nil {
		log.Fatalf("Failed to start Postgres: %v", err)
	}
	defer func() {
		if err := postgresContainer.Terminate(context.Background()); err != nil {
			log.Printf("Failed to terminate Postgres container: %v", err)
		}
	}()

	// Start test mail servers
	imapServer, smtpServer, err := startMailServers()
	if err != nil {
		log.Fatalf("Failed to start mail servers: %v", err)
	}
	defer imapServer.Close()
	defer smtpServer.Close()

	if err := imapServer.CreateFolder("Sent"); err != nil {
		log.Fatalf("Failed to create Sent folder: %v", err)
	}

	// Setup database connection and run migrations
	cfg, pool, err := setupDatabase(ctx, connStr)
	if err != nil {
		log.Fatalf("Failed to setup database: %v", err)
	}
	defer pool.Close()

	if err := seedUserSettings(ctx, pool, cfg, imapServer, smtpServer); err != nil {
		log.Fatalf("Failed to seed user settings: %v", err)
	}
	log.Println("User settings seeded for test user")

	if err := seedInternalKey(ctx, pool); err != nil {
		log.Fatalf("Failed to seed internal key: %v", err)
	}
	log.Printf("Internal public key seeded for %s", keyedRecipient)

	if err := startHTTPServer(ctx, cfg, pool, imapServer, smtpServer); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

// setupTestEnvironment sets up required environment variables for the test server.
func setupTestEnvironment() error {
	vars := map[string]string{
		"VMAIL_ENV":                   "test",
		"VMAIL_TEST_MODE":             "true",
		"VMAIL_ENCRYPTION_KEY_BASE64": testutil.TestEncryptionKeyBase64,
		"AUTHELIA_URL":                "http://localhost:9091",
		"VMAIL_DB_PASSWORD":           "vmail",
	}
	for key, value := range vars {
		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf("failed to set %s: %w", key, err)
		}
	}
	return nil
}

// startPostgres starts a test Postgres database using testcontainers.
func startPostgres(ctx context.Context) (testcontainers.Container, string, error) {
	log.Println("Starting test Postgres database...")
	postgresContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("vmail_test"),
		postgres.WithUsername("vmail"),
		postgres.WithPassword("vmail"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		return nil, "", fmt.Errorf("failed to start Postgres container: %w", err)
	}

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return nil, "", fmt.Errorf("failed to get connection string: %w", err)
	}

	log.Println("Test Postgres database started")
	return postgresContainer, connStr, nil
}

// startMailServers starts test IMAP and SMTP servers.
func startMailServers() (*testutil.TestIMAPServer, *testutil.TestSMTPServer, error) {
	log.Println("Starting test IMAP server...")
	imapServer, err := testutil.NewTestIMAPServerForE2E()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to start test IMAP server: %w", err)
	}
	log.Printf("Test IMAP server started on %s", imapServer.Address)

	log.Println("Starting test SMTP server...")
	smtpServer, err := testutil.NewTestSMTPServerForE2E()
	if err != nil {
		imapServer.Close()
		return nil, nil, fmt.Errorf("failed to start test SMTP server: %w", err)
	}
	log.Printf("Test SMTP server started on %s", smtpServer.Address)

	return imapServer, smtpServer, nil
}

// setupDatabase creates a database connection pool and runs migrations.
func setupDatabase(ctx context.Context, connStr string) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.NewConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := testutil.RunMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Println("Successfully connected to database and ran migrations")
	return cfg, pool, nil
}

// seedUserSettings creates user settings for the test user so "existing user" tests work.
func seedUserSettings(ctx context.Context, pool *pgxpool.Pool, cfg *config.Config, imapServer *testutil.TestIMAPServer, smtpServer *testutil.TestSMTPServer) error {
	userID, err := db.GetOrCreateUser(ctx, pool, testEmail)
	if err != nil {
		return fmt.Errorf("failed to get or create user: %w", err)
	}

	encryptor, err := crypto.NewEncryptor(cfg.EncryptionKeyBase64)
	if err != nil {
		return fmt.Errorf("failed to create encryptor: %w", err)
	}

	encryptedIMAPPassword, err := encryptor.Encrypt(imapServer.Password())
	if err != nil {
		return fmt.Errorf("failed to encrypt IMAP password: %w", err)
	}
	encryptedSMTPPassword, err := encryptor.Encrypt(smtpServer.Password())
	if err != nil {
		return fmt.Errorf("failed to encrypt SMTP password: %w", err)
	}

	settings := &models.UserSettings{
		UserID:                userID,
		SenderName:            "Test User",
		SenderAddress:         testEmail,
		IMAPServerHostname:    imapServer.Address,
		IMAPUsername:          imapServer.Username(),
		EncryptedIMAPPassword: encryptedIMAPPassword,
		SMTPServerHostname:    smtpServer.Address,
		SMTPUsername:          smtpServer.Username(),
		EncryptedSMTPPassword: encryptedSMTPPassword,
		SentFolderName:        "Sent",
	}

	if err := db.SaveUserSettings(ctx, pool, settings); err != nil {
		return fmt.Errorf("failed to save user settings: %w", err)
	}
	return nil
}

// seedInternalKey generates a key pair for keyedRecipient and stores its public half.
func seedInternalKey(ctx context.Context, pool *pgxpool.Pool) error {
	key, err := pgpcrypto.GenerateKey("Keyed Recipient", keyedRecipient, "x25519", 0)
	if err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}
	armored, err := key.GetArmoredPublicKey()
	if err != nil {
		return fmt.Errorf("failed to armor key: %w", err)
	}
	return services.NewKeyService(pool).AddInternalKey(ctx, keyedRecipient, armored)
}

// startHTTPServer starts the HTTP server and waits for shutdown signals.
func startHTTPServer(ctx context.Context, cfg *config.Config, dbPool *pgxpool.Pool, imapServer *testutil.TestIMAPServer, smtpServer *testutil.TestSMTPServer) error {
	handler, sessions, err := newServer(ctx, cfg, dbPool)
	if err != nil {
		return err
	}
	defer sessions.Close()

	address := ":" + cfg.Port

	log.Printf("V-Mail test server starting on %s", address)
	log.Printf("Test IMAP server: %s (username: %s, password: %s)", imapServer.Address, imapServer.Username(), imapServer.Password())
	log.Printf("Test SMTP server: %s (username: %s, password: %s)", smtpServer.Address, smtpServer.Username(), smtpServer.Password())
	log.Println("Server ready for E2E tests. Press Ctrl+C to stop.")

	serverErr := make(chan error, 1)
	go func() {
		if err := http.ListenAndServe(address, handler); err != nil {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Println("Received signal, shutting down...")
		return nil
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	}
}

// newServer wires the compose API against the test mail servers.
func newServer(ctx context.Context, cfg *config.Config, dbPool *pgxpool.Pool) (http.Handler, *session.Manager, error) {
	encryptor, err := crypto.NewEncryptor(cfg.EncryptionKeyBase64)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create encryptor: %w", err)
	}

	attachmentService := services.NewAttachmentService(dbPool, encryptor)
	keyService := services.NewKeyService(dbPool)
	mailService := services.NewMailService(dbPool, encryptor, false)

	wsHub := ws.NewHub(cfg.WSMaxConnections)
	sessions := session.NewManager(ctx, coordinator.Deps{
		Attachments: attachmentService,
		Keys:        keyService,
		Mail:        mailService,
		Engine:      pgp.NewEngine(),
	}, mailService, wsHub, cfg.ComposeAutosaveInterval)

	authHandler := api.NewAuthHandler(dbPool, sessions)
	settingsHandler := api.NewSettingsHandler(dbPool, encryptor)
	composeHandler := api.NewComposeHandler(dbPool, sessions, attachmentService, cfg.MaxAttachmentBytes)
	wsHandler := api.NewWebSocketHandler(dbPool, sessions, wsHub)
	testHandler := api.NewTestHandler(keyService)

	mux := http.NewServeMux()

	mux.HandleFunc("/", handleRoot)

	mux.Handle("GET /api/v1/auth/status", auth.RequireAuth(http.HandlerFunc(authHandler.GetAuthStatus)))
	mux.Handle("GET /api/v1/settings", auth.RequireAuth(http.HandlerFunc(settingsHandler.GetSettings)))
	mux.Handle("POST /api/v1/settings", auth.RequireAuth(http.HandlerFunc(settingsHandler.PostSettings)))
	mux.Handle("GET /api/v1/compose/state", auth.RequireAuth(http.HandlerFunc(composeHandler.GetState)))
	mux.Handle("POST /api/v1/compose/events", auth.RequireAuth(http.HandlerFunc(composeHandler.PostEvent)))
	mux.Handle("POST /api/v1/compose/drafts/{id}/attachments", auth.RequireAuth(http.HandlerFunc(composeHandler.UploadAttachment)))
	mux.Handle("GET /api/v1/compose/attachments/{id}", auth.RequireAuth(http.HandlerFunc(composeHandler.DownloadAttachment)))
	mux.Handle("/api/v1/ws", http.HandlerFunc(wsHandler.Handle))
	mux.Handle("POST /test/public-keys", http.HandlerFunc(testHandler.AddPublicKey))

	return mux, sessions, nil
}

func handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "V-Mail Test Server is running")
}
