package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"testing/synctest"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

const handshakeOK = `{"type":"health.check","connection_id":"c1","me":{"id":"alice","unread_threads":2}}`

// eventLog records dispatched events. Dispatch may run on the Listen
// goroutine while the test reads.
type eventLog struct {
	mu     sync.Mutex
	events []*Event
}

func (l *eventLog) dispatch(e *Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) types() []EventType {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]EventType, 0, len(l.events))
	for _, e := range l.events {
		out = append(out, e.Type)
	}

	return out
}

// dialSequence hands out the given connections in order, one per dial.
func dialSequence(conns ...wsConn) func(context.Context, string) (wsConn, error) {
	var mu sync.Mutex

	return func(context.Context, string) (wsConn, error) {
		mu.Lock()
		defer mu.Unlock()

		if len(conns) == 0 {
			return nil, fmt.Errorf("connection refused")
		}

		next := conns[0]
		conns = conns[1:]

		return next, nil
	}
}

func newTestConnection(cfg ConnectionConfig, log *eventLog) *Connection {
	if cfg.UserID == "" {
		cfg.UserID = testUserID
	}

	if cfg.Tokens == nil {
		cfg.Tokens = StaticToken("tok")
	}

	if cfg.URL == "" {
		cfg.URL = "wss://chat.example.com/connect"
	}

	return newConnection(cfg, log.dispatch, nil, nil, quietLogger)
}

// withMockConn returns a connection already attached to a mock socket, as
// it is after a successful handshake.
func withMockConn(t *testing.T, ctrl *gomock.Controller) (*Connection, *MockWSConn, *eventLog) {
	t.Helper()

	mock := NewMockWSConn(ctrl)
	log := &eventLog{}
	c := newTestConnection(ConnectionConfig{}, log)
	c.conn = mock
	c.status.PartialNext(func(s *ConnectionStatus) {
		s.State = StateHealthy
		s.ConnectionID = "c1"
	})

	return c, mock, log
}

func expectHandshake(mock *MockWSConn, reply string) {
	mock.EXPECT().SetReadLimit(int64(maxFrameBytes))
	mock.EXPECT().Write(gomock.Any(), websocket.MessageText, gomock.Any()).Return(nil)
	mock.EXPECT().Read(gomock.Any()).Return(websocket.MessageText, []byte(reply), nil)
}

// --- Connect ---

func TestConnect_Handshake(t *testing.T) {
	ctrl := gomock.NewController(t)
	mock := NewMockWSConn(ctrl)
	log := &eventLog{}

	var dialed string

	c := newTestConnection(ConnectionConfig{
		APIKey: "key-1",
		Dial: func(_ context.Context, u string) (wsConn, error) {
			dialed = u
			return mock, nil
		},
	}, log)

	mock.EXPECT().SetReadLimit(int64(maxFrameBytes))
	mock.EXPECT().Write(gomock.Any(), websocket.MessageText, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ websocket.MessageType, data []byte) error {
			var p connectPayload
			require.NoError(t, json.Unmarshal(data, &p))
			assert.Equal(t, "connect", p.Type)
			assert.Equal(t, testUserID, p.UserID)
			assert.Equal(t, "tok", p.Token)
			assert.True(t, p.ServerDeterminesConnectionID)
			assert.NotEmpty(t, p.ClientRequestID)

			return nil
		})
	mock.EXPECT().Read(gomock.Any()).Return(websocket.MessageText, []byte(handshakeOK), nil)

	require.NoError(t, c.Connect(t.Context()))

	assert.Equal(t, "wss://chat.example.com/connect?api_key=key-1", dialed)

	st := c.Status().GetLatestValue()
	assert.Equal(t, StateHealthy, st.State)
	assert.Equal(t, TransportWebsocket, st.Mode)
	assert.Equal(t, "c1", c.ConnectionID())
	assert.True(t, st.Online())

	assert.Equal(t, []EventType{EventHealthCheck, EventConnectionChanged}, log.types())
	assert.Equal(t, 2, log.events[0].Me.UnreadThreads)
	assert.True(t, log.events[1].Online)
}

func TestConnect_AuthFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	mock := NewMockWSConn(ctrl)
	c := newTestConnection(ConnectionConfig{Dial: dialSequence(mock)}, &eventLog{})

	expectHandshake(mock, `{"type":"connection.error","error":{"code":5,"message":"api key not found"}}`)
	mock.EXPECT().Close(websocket.StatusNormalClosure, "auth failed").Return(nil)

	err := c.Connect(t.Context())
	require.Error(t, err)
	assert.ErrorContains(t, err, "api key not found")
	assert.True(t, isPermanentError(err))

	st := c.Status().GetLatestValue()
	assert.Equal(t, StateDisconnected, st.State)
	assert.NotEmpty(t, st.LastError)
}

func TestConnect_TokenExpiredRefreshesOnce(t *testing.T) {
	ctrl := gomock.NewController(t)
	first, second := NewMockWSConn(ctrl), NewMockWSConn(ctrl)

	refreshed := 0
	tokens := NewTokenProvider("old", func(context.Context) (string, error) {
		refreshed++
		return "new", nil
	})

	c := newTestConnection(ConnectionConfig{Tokens: tokens, Dial: dialSequence(first, second)}, &eventLog{})

	expectHandshake(first, `{"type":"connection.error","error":{"code":40,"message":"token expired"}}`)
	first.EXPECT().Close(websocket.StatusNormalClosure, "token expired").Return(nil)

	second.EXPECT().SetReadLimit(int64(maxFrameBytes))
	second.EXPECT().Write(gomock.Any(), websocket.MessageText, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ websocket.MessageType, data []byte) error {
			var p connectPayload
			require.NoError(t, json.Unmarshal(data, &p))
			assert.Equal(t, "new", p.Token)

			return nil
		})
	second.EXPECT().Read(gomock.Any()).Return(websocket.MessageText, []byte(handshakeOK), nil)

	require.NoError(t, c.Connect(t.Context()))
	assert.Equal(t, 1, refreshed)
}

func TestConnect_TokenNotRenewable(t *testing.T) {
	ctrl := gomock.NewController(t)
	mock := NewMockWSConn(ctrl)
	c := newTestConnection(ConnectionConfig{Dial: dialSequence(mock)}, &eventLog{})

	expectHandshake(mock, `{"type":"connection.error","error":{"code":40,"message":"token expired"}}`)
	mock.EXPECT().Close(websocket.StatusNormalClosure, "token expired").Return(nil)

	err := c.Connect(t.Context())
	require.ErrorIs(t, err, ErrTokenExpired)
	assert.True(t, isPermanentError(err))
}

func TestConnect_DialError(t *testing.T) {
	c := newTestConnection(ConnectionConfig{Dial: dialSequence()}, &eventLog{})

	err := c.Connect(t.Context())
	assert.ErrorContains(t, err, "dialing websocket")
	assert.Equal(t, StateDisconnected, c.Status().GetLatestValue().State)
}

func TestConnect_UnexpectedHandshakeFrame(t *testing.T) {
	ctrl := gomock.NewController(t)
	mock := NewMockWSConn(ctrl)
	c := newTestConnection(ConnectionConfig{Dial: dialSequence(mock)}, &eventLog{})

	expectHandshake(mock, `{"type":"message.new"}`)
	mock.EXPECT().Close(websocket.StatusNormalClosure, "auth failed").Return(nil)

	assert.ErrorContains(t, c.Connect(t.Context()), `unexpected handshake frame type "message.new"`)
}

func TestConnect_HandshakeWithoutConnectionID(t *testing.T) {
	ctrl := gomock.NewController(t)
	mock := NewMockWSConn(ctrl)
	c := newTestConnection(ConnectionConfig{Dial: dialSequence(mock)}, &eventLog{})

	expectHandshake(mock, `{"type":"health.check"}`)
	mock.EXPECT().Close(websocket.StatusNormalClosure, "auth failed").Return(nil)

	assert.ErrorContains(t, c.Connect(t.Context()), "no connection id")
}

// --- handleInbound ---

func TestHandleInbound(t *testing.T) {
	ctrl := gomock.NewController(t)
	c, _, log := withMockConn(t, ctrl)

	t.Run("frame without type dropped", func(t *testing.T) {
		require.NoError(t, c.handleInbound([]byte(`{"cid":"messaging:general"}`)))
		assert.Empty(t, log.types())
	})

	t.Run("unparseable frame dropped", func(t *testing.T) {
		require.NoError(t, c.handleInbound([]byte(`{"type":"message.new","message":"oops"}`)))
		assert.Empty(t, log.types())
	})

	t.Run("event dispatched", func(t *testing.T) {
		require.NoError(t, c.handleInbound([]byte(`{"type":"message.new","cid":"messaging:general","message":{"id":"m1"}}`)))
		require.Equal(t, []EventType{EventMessageNew}, log.types())
		assert.Equal(t, "m1", log.events[0].Message.ID)
	})

	t.Run("health check updates connection id", func(t *testing.T) {
		require.NoError(t, c.handleInbound([]byte(`{"type":"health.check","connection_id":"c2"}`)))
		assert.Equal(t, "c2", c.ConnectionID())
	})

	t.Run("expired token ends session", func(t *testing.T) {
		err := c.handleInbound([]byte(`{"type":"connection.error","error":{"code":40,"message":"expired"}}`))
		require.ErrorIs(t, err, errSessionTokenExpired)
		assert.False(t, isPermanentError(err))
	})

	t.Run("other connection error", func(t *testing.T) {
		err := c.handleInbound([]byte(`{"type":"connection.error","error":{"code":9,"message":"kicked"}}`))
		assert.ErrorContains(t, err, "kicked")
	})

	t.Run("undecodable connection error keeps cause", func(t *testing.T) {
		err := c.handleInbound([]byte(`{"type":"connection.error","error":"kicked"}`))
		require.ErrorContains(t, err, "undecodable error frame")

		var typeErr *json.UnmarshalTypeError
		require.ErrorAs(t, err, &typeErr)
		assert.False(t, isPermanentError(err))
	})
}

// --- eventLoop ---

func TestEventLoop_DispatchesUntilReadError(t *testing.T) {
	ctrl := gomock.NewController(t)
	c, _, log := withMockConn(t, ctrl)

	c.inboundCh = make(chan inboundMsg, 3)
	c.inboundCh <- inboundMsg{typ: websocket.MessageText, data: []byte(`{"type":"user.updated","user":{"id":"bob"}}`)}
	c.inboundCh <- inboundMsg{typ: websocket.MessageBinary, data: []byte{0x01}}
	c.inboundCh <- inboundMsg{err: fmt.Errorf("EOF")}

	c.touchLastMessage()

	err := c.eventLoop(t.Context(), t.Context())
	assert.ErrorContains(t, err, "reading message")
	assert.Equal(t, []EventType{EventUserUpdated}, log.types())
}

func TestEventLoop_SendsHealthCheck(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		c, mock, _ := withMockConn(t, ctrl)
		ctx, cancel := context.WithCancel(t.Context())

		c.inboundCh = make(chan inboundMsg)
		c.touchLastMessage()
		c.lastMsgMu.Lock()
		c.lastPing = time.Now()
		c.lastMsgMu.Unlock()

		// The probe goes out once HealthCheckInterval passes, before the
		// connection is considered silent.
		probe := []byte(`[{"client_id":"alice--c1","type":"health.check"}]`)
		mock.EXPECT().Write(gomock.Any(), websocket.MessageText, probe).
			DoAndReturn(func(context.Context, websocket.MessageType, []byte) error {
				cancel()
				return nil
			})

		start := time.Now()
		err := c.eventLoop(ctx, ctx)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, defaultHealthCheckInterval, time.Since(start))
	})
}

func TestEventLoop_HeartbeatTimeout(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		c, mock, _ := withMockConn(t, ctrl)
		c.inboundCh = make(chan inboundMsg)

		// lastMessage is zero, so the first tick finds the socket silent.
		mock.EXPECT().Close(websocket.StatusGoingAway, "timeout").Return(nil)

		err := c.eventLoop(t.Context(), t.Context())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "heartbeat timeout")
	})
}

func TestEventLoop_HealthCheckWriteError(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		c, mock, _ := withMockConn(t, ctrl)
		c.inboundCh = make(chan inboundMsg)
		c.touchLastMessage()

		mock.EXPECT().Write(gomock.Any(), websocket.MessageText, gomock.Any()).
			Return(fmt.Errorf("broken pipe"))

		err := c.eventLoop(t.Context(), t.Context())
		assert.ErrorContains(t, err, "sending health check")
	})
}

// --- Listen ---

func TestListen_GivesUpAfterMaxAttempts(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		mock := NewMockWSConn(ctrl)
		log := &eventLog{}

		c := newTestConnection(ConnectionConfig{
			MaxReconnectAttempts: 3,
			Dial:                 dialSequence(),
		}, log)
		c.conn = mock

		mock.EXPECT().Read(gomock.Any()).Return(websocket.MessageText, nil, fmt.Errorf("connection reset"))

		require.NoError(t, c.Listen(t.Context()))

		st := c.Status().GetLatestValue()
		assert.Equal(t, StateUnhealthy, st.State)
		assert.Equal(t, 3, st.Attempt)
		assert.Contains(t, st.LastError, "reconnect attempts exhausted")
		assert.Equal(t, []EventType{EventConnectionChanged}, log.types())
		assert.False(t, log.events[0].Online)
	})
}

func TestListen_ReconnectsAndRecovers(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		first, second := NewMockWSConn(ctrl), NewMockWSConn(ctrl)
		log := &eventLog{}
		ctx, cancel := context.WithCancel(t.Context())

		recovered := 0
		c := newConnection(ConnectionConfig{
			UserID: testUserID,
			Tokens: StaticToken("tok"),
			URL:    "wss://chat.example.com/connect",
			Dial:   dialSequence(second),
		}, log.dispatch, func(context.Context) {
			recovered++
			cancel()
		}, nil, quietLogger)
		c.conn = first

		first.EXPECT().Read(gomock.Any()).Return(websocket.MessageText, nil, fmt.Errorf("connection reset"))

		gomock.InOrder(
			second.EXPECT().SetReadLimit(int64(maxFrameBytes)),
			second.EXPECT().Write(gomock.Any(), websocket.MessageText, gomock.Any()).Return(nil),
			second.EXPECT().Read(gomock.Any()).Return(websocket.MessageText, []byte(handshakeOK), nil),
			second.EXPECT().Read(gomock.Any()).
				DoAndReturn(func(ctx context.Context) (websocket.MessageType, []byte, error) {
					<-ctx.Done()
					return 0, nil, ctx.Err()
				}),
		)

		err := c.Listen(ctx)
		require.ErrorIs(t, err, context.Canceled)

		assert.Equal(t, 1, recovered)
		assert.Equal(t, []EventType{EventConnectionChanged, EventHealthCheck, EventConnectionChanged}, log.types())
		assert.Equal(t, StateDisconnected, c.Status().GetLatestValue().State)
	})
}

func TestListen_PermanentErrorStops(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		first, second := NewMockWSConn(ctrl), NewMockWSConn(ctrl)

		c := newTestConnection(ConnectionConfig{Dial: dialSequence(second)}, &eventLog{})
		c.conn = first

		first.EXPECT().Read(gomock.Any()).Return(websocket.MessageText, nil, fmt.Errorf("connection reset"))
		expectHandshake(second, `{"type":"connection.error","error":{"code":2,"message":"user banned"}}`)
		second.EXPECT().Close(websocket.StatusNormalClosure, "auth failed").Return(nil)

		err := c.Listen(t.Context())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "permanent reconnect error")
		assert.Equal(t, StateDisconnected, c.Status().GetLatestValue().State)
	})
}

func TestConnection_CloseStopsListen(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		c, mock, _ := withMockConn(t, ctrl)
		c.touchLastMessage()

		mock.EXPECT().Read(gomock.Any()).
			DoAndReturn(func(ctx context.Context) (websocket.MessageType, []byte, error) {
				<-ctx.Done()
				return 0, nil, ctx.Err()
			})
		mock.EXPECT().Close(websocket.StatusNormalClosure, "bye").Return(nil)

		done := make(chan error, 1)

		go func() { done <- c.Listen(t.Context()) }()

		synctest.Wait()
		require.NoError(t, c.Close())
		require.NoError(t, <-done)
		assert.Equal(t, StateDisconnected, c.Status().GetLatestValue().State)
	})
}

func TestConnection_CloseDuringReconnectBackoff(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		first := NewMockWSConn(ctrl)

		var dials atomic.Int32

		log := &eventLog{}
		c := newTestConnection(ConnectionConfig{
			Dial: func(context.Context, string) (wsConn, error) {
				dials.Add(1)
				return nil, fmt.Errorf("connection refused")
			},
		}, log)
		c.conn = first

		first.EXPECT().Read(gomock.Any()).Return(websocket.MessageText, nil, fmt.Errorf("connection reset"))
		first.EXPECT().Close(websocket.StatusNormalClosure, "bye").Return(nil)

		done := make(chan error, 1)

		go func() { done <- c.Listen(t.Context()) }()

		synctest.Wait()
		require.Equal(t, StateReconnecting, c.Status().GetLatestValue().State)

		require.NoError(t, c.Close())
		synctest.Wait()

		select {
		case err := <-done:
			require.NoError(t, err)
		default:
			t.Fatal("Listen still running after Close")
		}

		time.Sleep(time.Minute)

		assert.Zero(t, dials.Load())
		assert.Equal(t, StateDisconnected, c.Status().GetLatestValue().State)
		assert.Equal(t, []EventType{EventConnectionChanged}, log.types())
	})
}

func TestConnection_CloseDuringReconnectHandshake(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		first, second := NewMockWSConn(ctrl), NewMockWSConn(ctrl)

		log := &eventLog{}
		c := newTestConnection(ConnectionConfig{Dial: dialSequence(second)}, log)
		c.conn = first

		first.EXPECT().Read(gomock.Any()).Return(websocket.MessageText, nil, fmt.Errorf("connection reset"))
		first.EXPECT().Close(websocket.StatusNormalClosure, "bye").Return(nil)

		gomock.InOrder(
			second.EXPECT().SetReadLimit(int64(maxFrameBytes)),
			second.EXPECT().Write(gomock.Any(), websocket.MessageText, gomock.Any()).Return(nil),
			second.EXPECT().Read(gomock.Any()).
				DoAndReturn(func(context.Context) (websocket.MessageType, []byte, error) {
					// The server answers after the caller has already closed.
					require.NoError(t, c.Close())
					return websocket.MessageText, []byte(handshakeOK), nil
				}),
			second.EXPECT().Close(websocket.StatusNormalClosure, "closed").Return(nil),
		)

		require.NoError(t, c.Listen(t.Context()))

		status := c.Status().GetLatestValue()
		assert.Equal(t, StateDisconnected, status.State)
		assert.Empty(t, status.ConnectionID)
		assert.Equal(t, []EventType{EventConnectionChanged}, log.types())
	})
}
