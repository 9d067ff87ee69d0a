package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/chatsync/chat"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func get(t *testing.T, h http.Handler, path string) (*httptest.ResponseRecorder, healthResponse) {
	t.Helper()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	var body healthResponse
	if rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}

	return rec, body
}

func TestHealth_Online(t *testing.T) {
	mux := NewMux(MuxConfig{
		Logger: testLogger(),
		Status: func() chat.ConnectionStatus {
			return chat.ConnectionStatus{
				State:        chat.StateFallback,
				Mode:         chat.TransportLongPoll,
				ConnectionID: "c1",
			}
		},
	})

	rec, body := get(t, mux, "/healthz")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "fallback", body.State)
	assert.Equal(t, "longpoll", body.Transport)
	assert.Equal(t, "c1", body.ConnectionID)
}

func TestHealth_Offline(t *testing.T) {
	mux := NewMux(MuxConfig{
		Logger: testLogger(),
		Status: func() chat.ConnectionStatus {
			return chat.ConnectionStatus{State: chat.StateReconnecting, Attempt: 3, LastError: "dial refused"}
		},
	})

	rec, body := get(t, mux, "/healthz")

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "reconnecting", body.State)
	assert.Equal(t, 3, body.Attempt)
	assert.Equal(t, "dial refused", body.LastError)
}

func TestHealth_NoStatusIsDisconnected(t *testing.T) {
	rec, body := get(t, NewMux(MuxConfig{}), "/healthz")

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "disconnected", body.State)
}

func TestMetricsRoute(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "chatsync_up 1\n")
	})

	rec, _ := get(t, NewMux(MuxConfig{Metrics: metrics}), "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "chatsync_up 1\n", rec.Body.String())

	rec, _ = get(t, NewMux(MuxConfig{}), "/metrics")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRun_ShutsDownOnCancel(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- Run(ctx, addr, NewMux(MuxConfig{}), testLogger()) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()

		return resp.StatusCode == http.StatusServiceUnavailable
	}, 5*time.Second, 10*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
