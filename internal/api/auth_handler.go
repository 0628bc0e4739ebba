package api

import (
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/vmail/composer/internal/auth"
	"github.com/vdavid/vmail/composer/internal/db"
	"github.com/vdavid/vmail/composer/internal/models"
)

// AuthHandler reports whether the signed-in user can compose and send yet.
type AuthHandler struct {
	pool     *pgxpool.Pool
	sessions Sessions
}

// NewAuthHandler creates a new AuthHandler instance.
func NewAuthHandler(pool *pgxpool.Pool, sessions Sessions) *AuthHandler {
	return &AuthHandler{pool: pool, sessions: sessions}
}

// GetAuthStatus returns the compose readiness of the user: whether sending
// settings exist, whether they are enough to deliver mail, and how many
// drafts the user has open.
func (h *AuthHandler) GetAuthStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	email, ok := auth.GetUserEmailFromContext(ctx)
	if !ok {
		log.Println("AuthHandler: No user email in context")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	userID, err := db.GetOrCreateUser(ctx, h.pool, email)
	if err != nil {
		log.Printf("AuthHandler: Failed to get user: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	response, err := h.composeStatus(ctx, userID)
	if err != nil {
		log.Printf("AuthHandler: Failed to check compose status: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, response, "AuthHandler")
}

func (h *AuthHandler) composeStatus(ctx context.Context, userID string) (models.AuthStatusResponse, error) {
	response := models.AuthStatusResponse{IsAuthenticated: true}

	settings, err := db.GetUserSettings(ctx, h.pool, userID)
	switch {
	case errors.Is(err, db.ErrUserSettingsNotFound):
	case err != nil:
		return response, err
	default:
		response.IsSetupComplete = true
		response.CanSend = canSend(settings)
	}

	if h.sessions != nil {
		state := h.sessions.Snapshot(ctx, userID)
		for _, id := range state.DraftIDs() {
			if d, _ := state.Draft(id); !d.IsClosed && !d.IsSent {
				response.OpenDrafts++
			}
		}
	}
	return response, nil
}

// canSend reports whether settings hold everything SMTP delivery needs.
func canSend(settings *models.UserSettings) bool {
	return settings.SenderAddress != "" &&
		settings.SMTPServerHostname != "" &&
		settings.SMTPUsername != "" &&
		len(settings.EncryptedSMTPPassword) > 0
}
