package wshub

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emmick4/eth-event-indexer/internal/store"
)

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestBroadcast_DeliversToConnectedClient(t *testing.T) {
	h := New()
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dialWS(t, srv)

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.clients) == 1
	}, time.Second, time.Millisecond)

	event := store.TransferEvent{TransactionHash: "0xabc", BlockNumber: 42, Value: "100"}
	require.NoError(t, h.Broadcast(event))

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var got store.TransferEvent
	require.NoError(t, json.Unmarshal(msg, &got))
	assert.Equal(t, event.TransactionHash, got.TransactionHash)
	assert.Equal(t, event.BlockNumber, got.BlockNumber)
}

func TestBroadcast_NoClientsIsANoop(t *testing.T) {
	h := New()
	assert.NoError(t, h.Broadcast(store.TransferEvent{TransactionHash: "0xabc"}))
}

func TestUnregister_RemovesClientOnDisconnect(t *testing.T) {
	h := New()
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dialWS(t, srv)
	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.clients) == 1
	}, time.Second, time.Millisecond)

	conn.Close()

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.clients) == 0
	}, time.Second, time.Millisecond)
}
