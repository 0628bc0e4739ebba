package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/vmail/composer/internal/compose"
	"github.com/vdavid/vmail/composer/internal/coordinator"
	"github.com/vdavid/vmail/composer/internal/db"
	"github.com/vdavid/vmail/composer/internal/models"
	"github.com/vdavid/vmail/composer/internal/session"
	"github.com/vdavid/vmail/composer/internal/testutil"
	ws "github.com/vdavid/vmail/composer/internal/websocket"
)

type wsMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func readMessage(t *testing.T, conn *websocket.Conn) wsMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg wsMessage
	require.NoError(t, json.Unmarshal(raw, &msg))
	return msg
}

func TestWebSocketHandler_Connection(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()

	hub := ws.NewHub(10)
	sessions := session.NewManager(context.Background(), coordinator.Deps{}, nil, hub, 0)
	defer sessions.Close()
	handler := NewWebSocketHandler(pool, sessions, hub)

	server := httptest.NewServer(http.HandlerFunc(handler.Handle))
	defer server.Close()

	// Convert http:// to ws://
	wsURL := "ws" + server.URL[4:] + "?token=token"

	t.Run("sends the state on connect and pushes transitions", func(t *testing.T) {
		conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
		require.NoError(t, err)
		defer conn.Close()
		assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

		first := readMessage(t, conn)
		assert.Equal(t, ws.TypeComposeState, first.Type)

		userID, err := db.GetOrCreateUser(context.Background(), pool, "test@example.com")
		require.NoError(t, err)
		sessions.Dispatch(context.Background(), userID, compose.NewDraft{Draft: compose.Draft{ID: 5}})

		pushed := readMessage(t, conn)
		assert.Equal(t, ws.TypeComposeState, pushed.Type)
		assert.Contains(t, string(pushed.Data), `"5"`)

		sessions.Notify(userID, models.Notification{Type: "SEND_MAIL_FAILURE", Level: "error", Message: "boom"})
		note := readMessage(t, conn)
		assert.Equal(t, ws.TypeNotification, note.Type)
		assert.Contains(t, string(note.Data), "boom")
	})

	t.Run("accepts the token in the Authorization header", func(t *testing.T) {
		header := http.Header{}
		header.Set("Authorization", "Bearer token")
		conn, _, err := websocket.DefaultDialer.Dial("ws"+server.URL[4:], header)
		require.NoError(t, err)
		defer conn.Close()

		assert.Equal(t, ws.TypeComposeState, readMessage(t, conn).Type)
	})

	t.Run("rejects connection without token", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial("ws"+server.URL[4:], nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})
}
