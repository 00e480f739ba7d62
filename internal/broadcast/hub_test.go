package broadcast

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

func TestNewCIDMessage(t *testing.T) {
	msg := NewCIDMessage("abc123")
	assert.Equal(t, "new_cid", msg.Type)
	assert.Equal(t, "abc123", msg.CID)
	assert.InDelta(t, time.Now().UnixMilli(), msg.Timestamp, 1000)
}

func TestHubBroadcast(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, srv.URL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.Eventually(t, func() bool {
		return hub.ClientCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	hub.Broadcast(NewCIDMessage("cid-42"))

	var got Message
	require.NoError(t, wsjson.Read(ctx, conn, &got))
	assert.Equal(t, "new_cid", got.Type)
	assert.Equal(t, "cid-42", got.CID)
}

func TestHubClientDisconnect(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, srv.URL, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return hub.ClientCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))

	require.Eventually(t, func() bool {
		return hub.ClientCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHubCloseRejectsNewClients(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	srv := httptest.NewServer(hub)
	defer srv.Close()

	hub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, srv.URL, nil)
	if err == nil {
		// The handshake may still succeed; the server closes immediately after.
		_, _, readErr := conn.Read(ctx)
		assert.Error(t, readErr)
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}

	assert.Equal(t, 0, hub.ClientCount())
}
