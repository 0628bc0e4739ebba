package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/vmail/composer/internal/auth"
	"github.com/vdavid/vmail/composer/internal/compose"
	"github.com/vdavid/vmail/composer/internal/db"
	"github.com/vdavid/vmail/composer/internal/models"
	"github.com/vdavid/vmail/composer/internal/testutil"
)

func TestAuthHandler_GetAuthStatus(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()

	sessions := newStoreSessions()
	handler := NewAuthHandler(pool, sessions)

	getStatus := func(t *testing.T, email string) models.AuthStatusResponse {
		t.Helper()
		req := createRequestWithUser("GET", "/api/v1/auth/status", email, nil)
		rr := httptest.NewRecorder()
		handler.GetAuthStatus(rr, req)
		require.Equal(t, http.StatusOK, rr.Code)

		var response models.AuthStatusResponse
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&response))
		return response
	}

	t.Run("returns 401 when no user email in context", func(t *testing.T) {
		VerifyAuthCheck(t, handler.GetAuthStatus, "GET", "/api/v1/auth/status")
	})

	t.Run("new user cannot compose yet", func(t *testing.T) {
		response := getStatus(t, "newuser@example.com")

		assert.True(t, response.IsAuthenticated)
		assert.False(t, response.IsSetupComplete)
		assert.False(t, response.CanSend)
		assert.Zero(t, response.OpenDrafts)
	})

	t.Run("user with SMTP settings can send", func(t *testing.T) {
		email := "setupuser@example.com"
		setupTestUserAndSettings(t, pool, testutil.GetTestEncryptor(t), email)

		response := getStatus(t, email)
		assert.True(t, response.IsSetupComplete)
		assert.True(t, response.CanSend)
	})

	t.Run("settings without SMTP credentials cannot send", func(t *testing.T) {
		email := "nosmtp@example.com"
		userID, err := db.GetOrCreateUser(context.Background(), pool, email)
		require.NoError(t, err)
		require.NoError(t, db.SaveUserSettings(context.Background(), pool, &models.UserSettings{
			UserID:        userID,
			SenderName:    "No SMTP",
			SenderAddress: email,
		}))

		response := getStatus(t, email)
		assert.True(t, response.IsSetupComplete)
		assert.False(t, response.CanSend)
	})

	t.Run("counts open drafts", func(t *testing.T) {
		email := "drafter@example.com"
		userID, err := db.GetOrCreateUser(context.Background(), pool, email)
		require.NoError(t, err)
		sessions.Dispatch(context.Background(), userID, compose.NewDraft{Draft: compose.Draft{ID: 1}})
		sessions.Dispatch(context.Background(), userID, compose.NewDraft{Draft: compose.Draft{ID: 2}})
		sessions.Dispatch(context.Background(), userID, compose.NewDraft{Draft: compose.Draft{ID: 3, IsClosed: true}})

		assert.Equal(t, 2, getStatus(t, email).OpenDrafts)
	})

	t.Run("returns 500 when GetOrCreateUser returns an error", func(t *testing.T) {
		canceledCtx, cancel := context.WithCancel(context.Background())
		cancel()

		req := httptest.NewRequest("GET", "/api/v1/auth/status", nil)
		reqCtx := context.WithValue(canceledCtx, auth.UserEmailKey, "test@example.com")
		req = req.WithContext(reqCtx)

		rr := httptest.NewRecorder()
		handler.GetAuthStatus(rr, req)

		assert.Equal(t, http.StatusInternalServerError, rr.Code)
	})

	t.Run("returns 500 when the settings lookup fails", func(t *testing.T) {
		email := "erroruser@example.com"
		_, err := db.GetOrCreateUser(context.Background(), pool, email)
		assert.NoError(t, err)

		deadlineCtx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
		defer cancel()
		reqCtx := context.WithValue(deadlineCtx, auth.UserEmailKey, email)

		req := httptest.NewRequest("GET", "/api/v1/auth/status", nil)
		req = req.WithContext(reqCtx)

		rr := httptest.NewRecorder()
		handler.GetAuthStatus(rr, req)

		assert.Equal(t, http.StatusInternalServerError, rr.Code)
	})
}
