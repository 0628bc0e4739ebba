package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ProtonMail/gopenpgp/v2/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/vmail/composer/internal/db"
	"github.com/vdavid/vmail/composer/internal/services"
	"github.com/vdavid/vmail/composer/internal/testutil"
)

func TestTestHandler_AddPublicKey(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()

	handler := NewTestHandler(services.NewKeyService(pool))

	key, err := crypto.GenerateKey("Dora", "dora@example.com", "x25519", 0)
	require.NoError(t, err)
	armored, err := key.GetArmoredPublicKey()
	require.NoError(t, err)

	post := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/test/public-keys", strings.NewReader(body))
		rr := httptest.NewRecorder()
		handler.AddPublicKey(rr, req)
		return rr
	}

	body, err := json.Marshal(addPublicKeyRequest{Email: "dora@example.com", PublicKey: armored})
	require.NoError(t, err)
	rr := post(string(body))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	userID, err := db.GetOrCreateUser(context.Background(), pool, "anyone@example.com")
	require.NoError(t, err)
	keys, err := db.GetPublicKeys(context.Background(), pool, userID, []string{"dora@example.com"})
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.True(t, keys[0].IsInternal)

	assert.Equal(t, http.StatusBadRequest, post(`{"email":"dora@example.com","public_key":"nope"}`).Code)
	assert.Equal(t, http.StatusBadRequest, post(`not json`).Code)
}
