package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/vdavid/vmail/composer/internal/services"
)

// InternalKeyStore records keys of users of this server.
type InternalKeyStore interface {
	AddInternalKey(ctx context.Context, email, armored string) error
}

// TestHandler provides test-only endpoints used by E2E tests.
// These endpoints are only registered in test environments.
type TestHandler struct {
	keys InternalKeyStore
}

// NewTestHandler creates a new TestHandler instance.
func NewTestHandler(keys InternalKeyStore) *TestHandler {
	return &TestHandler{keys: keys}
}

type addPublicKeyRequest struct {
	Email     string `json:"email"`
	PublicKey string `json:"public_key"`
}

// AddPublicKey stores an internal public key so E2E tests can encrypt to a
// recipient without a contacts flow.
func (h *TestHandler) AddPublicKey(w http.ResponseWriter, r *http.Request) {
	var req addPublicKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("TestHandler: Failed to decode request: %v", err)
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	err := h.keys.AddInternalKey(r.Context(), req.Email, req.PublicKey)
	if errors.Is(err, services.ErrInvalidContactKey) {
		http.Error(w, "Invalid public key", http.StatusBadRequest)
		return
	}
	if err != nil {
		log.Printf("TestHandler: Failed to store public key: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, struct {
		Success bool `json:"success"`
	}{Success: true}, "TestHandler")
}
