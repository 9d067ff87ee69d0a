package e2e_test

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/chatsync/chat"
)

const (
	testAPIKey = "e2e-key"
	testUserID = "alice"
	validToken = "fresh-token"
)

// fakeChat is an in-process chat backend: a websocket connect endpoint
// that completes the handshake and lets tests push events, plus the
// channel query endpoint.
type fakeChat struct {
	channels []chat.ChannelAPIResponse

	connects       atomic.Int32
	channelQueries atomic.Int32

	mu      sync.Mutex
	current *websocket.Conn
	ready   chan struct{}
}

func newFakeChat(channels ...chat.ChannelAPIResponse) *fakeChat {
	return &fakeChat{channels: channels, ready: make(chan struct{}, 8)}
}

func (f *fakeChat) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /connect", f.handleConnect)
	mux.HandleFunc("POST /channels", f.handleQueryChannels)

	return mux
}

func (f *fakeChat) handleConnect(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("api_key") != testAPIKey {
		http.Error(w, "bad api key", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}

	ctx := context.Background()

	_, data, err := conn.Read(ctx)
	if err != nil {
		return
	}

	var payload struct {
		Type   string `json:"type"`
		UserID string `json:"user_id"`
		Token  string `json:"token"`
	}
	if json.Unmarshal(data, &payload) != nil || payload.Type != "connect" {
		conn.Close(websocket.StatusPolicyViolation, "bad connect")
		return
	}

	n := f.connects.Add(1)

	if payload.Token != validToken {
		_ = conn.Write(ctx, websocket.MessageText,
			[]byte(`{"type":"connection.error","error":{"code":40,"message":"token expired"}}`))
		conn.Close(websocket.StatusNormalClosure, "")

		return
	}

	hello := fmt.Sprintf(`{"type":"health.check","connection_id":"conn-%d","me":{"id":%q}}`, n, payload.UserID)
	if err := conn.Write(ctx, websocket.MessageText, []byte(hello)); err != nil {
		return
	}

	f.mu.Lock()
	f.current = conn
	f.mu.Unlock()
	f.ready <- struct{}{}

	// Drain client frames (health checks) until the socket closes.
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

func (f *fakeChat) handleQueryChannels(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != validToken {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"code":40,"message":"token expired"}`))

		return
	}

	f.channelQueries.Add(1)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"channels": f.channels})
}

// push sends an event to the most recently connected client.
func (f *fakeChat) push(t *testing.T, event any) {
	t.Helper()

	data, err := json.Marshal(event)
	require.NoError(t, err)

	f.mu.Lock()
	conn := f.current
	f.mu.Unlock()

	require.NotNil(t, conn, "no client connected")
	require.NoError(t, conn.Write(context.Background(), websocket.MessageText, data))
}

// drop closes the current socket from the server side.
func (f *fakeChat) drop() {
	f.mu.Lock()
	conn := f.current
	f.current = nil
	f.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusGoingAway, "restart")
	}
}

func (f *fakeChat) waitConnected(t *testing.T) {
	t.Helper()

	select {
	case <-f.ready:
	case <-time.After(5 * time.Second):
		t.Fatal("client never completed the handshake")
	}
}

// harness wires a real client to the fake backend over HTTP and websocket.
type harness struct {
	backend *fakeChat
	server  *httptest.Server
	client  *chat.Client
	conn    *chat.Connection
	tokens  *chat.TokenProvider

	cancel context.CancelFunc
	done   chan error
}

func newHarness(t *testing.T, initialToken string, channels ...chat.ChannelAPIResponse) *harness {
	t.Helper()

	backend := newFakeChat(channels...)
	srv := httptest.NewServer(backend.handler())
	t.Cleanup(srv.Close)

	logger := slog.New(slog.DiscardHandler)

	tokens := chat.NewTokenProvider(initialToken, func(context.Context) (string, error) {
		return validToken, nil
	})

	api := chat.NewHTTPAPI(srv.Client(), srv.URL, testAPIKey, tokens, logger)
	client := chat.NewClient(api, chat.ClientOptions{
		UserID:                  testUserID,
		RecoverStateOnReconnect: true,
	}, logger)

	return &harness{
		backend: backend,
		server:  srv,
		client:  client,
		tokens:  tokens,
		done:    make(chan error, 1),
	}
}

// connect completes the handshake and starts Listen. Cleanup stops
// Listen before closing the client.
func (h *harness) connect(t *testing.T) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel

	conn, err := h.client.Connect(ctx, chat.ConnectionConfig{
		URL:          "ws" + strings.TrimPrefix(h.server.URL, "http") + "/connect",
		APIKey:       testAPIKey,
		Tokens:       h.tokens,
		ReconnectMin: 10 * time.Millisecond,
		ReconnectMax: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	h.conn = conn
	h.backend.waitConnected(t)

	go func() { h.done <- conn.Listen(ctx) }()

	t.Cleanup(func() {
		cancel()

		select {
		case <-h.done:
		case <-time.After(5 * time.Second):
			t.Error("Listen did not return after cancel")
		}

		h.client.Close()
	})
}

func channelResponse(id, name string, lastMessage time.Time) chat.ChannelAPIResponse {
	return chat.ChannelAPIResponse{
		Channel: &chat.ChannelData{
			ID:            id,
			Type:          "messaging",
			CID:           "messaging:" + id,
			Name:          name,
			LastMessageAt: lastMessage,
		},
		Read: []chat.ReadState{{User: &chat.User{ID: testUserID}, LastRead: lastMessage}},
	}
}

func cids(channels []*chat.Channel) []string {
	out := make([]string, 0, len(channels))
	for _, ch := range channels {
		out = append(out, ch.CID())
	}

	return out
}

func slogDiscard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
