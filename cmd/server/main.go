package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/vmail/composer/internal/api"
	"github.com/vdavid/vmail/composer/internal/auth"
	"github.com/vdavid/vmail/composer/internal/config"
	"github.com/vdavid/vmail/composer/internal/coordinator"
	"github.com/vdavid/vmail/composer/internal/crypto"
	"github.com/vdavid/vmail/composer/internal/db"
	"github.com/vdavid/vmail/composer/internal/pgp"
	"github.com/vdavid/vmail/composer/internal/services"
	"github.com/vdavid/vmail/composer/internal/session"
	ws "github.com/vdavid/vmail/composer/internal/websocket"
)

func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewConnection(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.CloseConnection(pool)

	log.Printf("Successfully connected to database")

	server, err := NewServer(ctx, cfg, pool)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}
	defer server.Close()

	address := ":" + cfg.Port
	log.Printf("V-Mail compose server starting on %s (environment: %s)", address, cfg.Environment)

	if err := serve(ctx, address, server); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

// serve runs the HTTP server until ctx is done, then shuts it down.
func serve(ctx context.Context, address string, handler http.Handler) error {
	httpServer := &http.Server{Addr: address, Handler: handler}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		log.Println("Shutting down...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down: %w", err)
	}
	if err := <-serverErr; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Server is the V-Mail compose API with the sessions it owns.
type Server struct {
	http.Handler
	sessions *session.Manager
}

// Close stops every compose session and waits for their outstanding calls.
func (s *Server) Close() {
	s.sessions.Close()
}

// NewServer wires the services, sessions and handlers of the V-Mail compose API.
// Sessions live until ctx is done or Close is called.
func NewServer(ctx context.Context, cfg *config.Config, dbPool *pgxpool.Pool) (*Server, error) {
	encryptor, err := crypto.NewEncryptor(cfg.EncryptionKeyBase64)
	if err != nil {
		return nil, fmt.Errorf("failed to create encryptor: %w", err)
	}

	// Test mail servers run without TLS.
	useTLS := os.Getenv("VMAIL_TEST_MODE") != "true"

	attachmentService := services.NewAttachmentService(dbPool, encryptor)
	keyService := services.NewKeyService(dbPool)
	mailService := services.NewMailService(dbPool, encryptor, useTLS)

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

	mux := http.NewServeMux()

	mux.HandleFunc("/", handleRoot)

	mux.Handle("GET /api/v1/auth/status", auth.RequireAuth(http.HandlerFunc(authHandler.GetAuthStatus)))
	mux.Handle("GET /api/v1/settings", auth.RequireAuth(http.HandlerFunc(settingsHandler.GetSettings)))
	mux.Handle("POST /api/v1/settings", auth.RequireAuth(http.HandlerFunc(settingsHandler.PostSettings)))

	mux.Handle("GET /api/v1/compose/state", auth.RequireAuth(http.HandlerFunc(composeHandler.GetState)))
	mux.Handle("POST /api/v1/compose/events", auth.RequireAuth(http.HandlerFunc(composeHandler.PostEvent)))
	mux.Handle("POST /api/v1/compose/drafts/{id}/attachments", auth.RequireAuth(http.HandlerFunc(composeHandler.UploadAttachment)))
	mux.Handle("GET /api/v1/compose/attachments/{id}", auth.RequireAuth(http.HandlerFunc(composeHandler.DownloadAttachment)))

	// WebSocket handler handles its own authentication via query parameter
	// (since browsers can't set headers on WebSocket connections).
	mux.Handle("/api/v1/ws", http.HandlerFunc(wsHandler.Handle))

	if cfg.Environment == "test" {
		testHandler := api.NewTestHandler(keyService)
		mux.Handle("POST /test/public-keys", http.HandlerFunc(testHandler.AddPublicKey))
	}

	return &Server{Handler: mux, sessions: sessions}, nil
}

func handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "V-Mail API is running")
}
