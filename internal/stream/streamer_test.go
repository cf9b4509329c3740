package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/limitgate/backend/internal/events"
)

func dialStreamer(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestStreamerBroadcastsBusEvents(t *testing.T) {
	bus := events.NewBus()
	s := New(bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(s.HandleWebSocket))
	defer srv.Close()

	conn := dialStreamer(t, srv)

	// The hub registers asynchronously; wait for it before publishing.
	require.Eventually(t, func() bool {
		return s.Statistics()["connected_clients"] == 1
	}, time.Second, 5*time.Millisecond)

	bus.Emit(events.TypeDecision, "key-1", map[string]interface{}{"allowed": false})

	conn.SetReadDeadline(time.Now().Add(time.Second))
	var got events.Event
	require.NoError(t, conn.ReadJSON(&got))

	assert.Equal(t, events.TypeDecision, got.Type)
	assert.Equal(t, "key-1", got.Subject)
	assert.Equal(t, false, got.Data["allowed"])
}

func TestStreamerDropsDisconnectedClients(t *testing.T) {
	bus := events.NewBus()
	s := New(bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(s.HandleWebSocket))
	defer srv.Close()

	conn := dialStreamer(t, srv)
	require.Eventually(t, func() bool {
		return s.Statistics()["connected_clients"] == 1
	}, time.Second, 5*time.Millisecond)

	conn.Close()
	assert.Eventually(t, func() bool {
		return s.Statistics()["connected_clients"] == 0
	}, time.Second, 5*time.Millisecond)
}

func TestStreamerShutdownClosesClients(t *testing.T) {
	bus := events.NewBus()
	s := New(bus)

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(s.HandleWebSocket))
	defer srv.Close()

	conn := dialStreamer(t, srv)
	require.Eventually(t, func() bool {
		return s.Statistics()["connected_clients"] == 1
	}, time.Second, 5*time.Millisecond)

	cancel()

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "server side closed the connection")
}

func TestStreamerConnectAfterShutdown(t *testing.T) {
	bus := events.NewBus()
	s := New(bus)

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(s.HandleWebSocket))
	defer srv.Close()

	cancel()
	<-s.done

	// With the hub gone, a late connection must be closed, not leave the
	// handler blocked on registration forever.
	conn := dialStreamer(t, srv)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "late clients are rejected promptly")
	assert.Equal(t, 0, s.Statistics()["connected_clients"])
}
