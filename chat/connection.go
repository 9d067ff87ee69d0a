package chat

//go:generate mockgen -source=connection.go -destination=mock_wsconn_test.go -package=chat -mock_names=wsConn=MockWSConn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alexjbarnes/chatsync/store"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

const (
	defaultHealthCheckInterval = 25 * time.Second
	defaultUnhealthyAfter      = 35 * time.Second
	defaultConnectTimeout      = 15 * time.Second
	defaultFallbackTimeout     = 6 * time.Second
	defaultMaxReconnects       = 20

	// heartbeatCheckAt is how often the event loop checks liveness.
	heartbeatCheckAt = 5 * time.Second

	reconnectMin               = 500 * time.Millisecond
	reconnectMax               = 25 * time.Second
	reconnectBackoffMultiplier = 2
	jitterDivisor              = 2

	// fallbackAfterTimeouts is how many consecutive connect timeouts are
	// tolerated before the long-poll transport is tried.
	fallbackAfterTimeouts = 2

	// maxFrameBytes caps a single inbound frame.
	maxFrameBytes = 4 * 1024 * 1024
)

var (
	errUseFallback = errors.New("switching to long-poll transport")

	// errConnectionClosed ends a reconnect when Close was called.
	errConnectionClosed = errors.New("connection closed")

	// errSessionTokenExpired ends a session whose token expired. The
	// reconnect handshake renews the token.
	errSessionTokenExpired = errors.New("token expired during session")
)

// inboundMsg wraps a message read from the WebSocket by the reader goroutine.
type inboundMsg struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// wsConn abstracts the WebSocket connection so Connection can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// ConnectionState is a step of the connection lifecycle.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateHealthy
	StateUnhealthy
	StateReconnecting
	StateFallback
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHealthy:
		return "healthy"
	case StateUnhealthy:
		return "unhealthy"
	case StateReconnecting:
		return "reconnecting"
	case StateFallback:
		return "fallback"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ConnectionStatus is the observable state of a Connection.
type ConnectionStatus struct {
	State        ConnectionState
	Mode         TransportMode
	ConnectionID string
	Attempt      int
	LastError    string
}

// Online reports whether events are flowing on either transport.
func (s ConnectionStatus) Online() bool {
	return s.State == StateHealthy || s.State == StateFallback
}

// ConnectionConfig holds the parameters needed to connect.
type ConnectionConfig struct {
	URL    string
	APIKey string
	UserID string
	User   *User
	Tokens TokenSource

	HealthCheckInterval        time.Duration
	UnhealthyAfter             time.Duration
	ConnectTimeout             time.Duration
	ConnectTimeoutWithFallback time.Duration
	MaxReconnectAttempts       int
	ReconnectMin               time.Duration
	ReconnectMax               time.Duration

	// Fallback is the long-poll transport. Nil disables fallback.
	Fallback *LongPoll

	// Dial opens the websocket. Defaults to websocket.Dial.
	Dial func(ctx context.Context, url string) (wsConn, error)
}

func (c *ConnectionConfig) applyDefaults() {
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = defaultHealthCheckInterval
	}

	if c.UnhealthyAfter <= 0 {
		c.UnhealthyAfter = defaultUnhealthyAfter
	}

	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}

	if c.ConnectTimeoutWithFallback <= 0 {
		c.ConnectTimeoutWithFallback = defaultFallbackTimeout
	}

	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = defaultMaxReconnects
	}

	if c.ReconnectMin <= 0 {
		c.ReconnectMin = reconnectMin
	}

	if c.ReconnectMax <= 0 {
		c.ReconnectMax = reconnectMax
	}

	if c.Dial == nil {
		c.Dial = dialWebsocket
	}
}

func dialWebsocket(ctx context.Context, u string) (wsConn, error) {
	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		HTTPHeader: http.Header{"User-Agent": []string{"chatsync-go"}},
	})
	if err != nil {
		return nil, err
	}

	return conn, nil
}

// Connection manages the persistent event stream: a websocket with a
// health-check heartbeat, bounded reconnection and a long-poll fallback.
//
// A reader goroutine feeds inboundCh with raw frames. Listen runs a single
// event loop that decodes frames, dispatches them and sends heartbeats, so
// all websocket writes after the handshake happen on one goroutine.
type Connection struct {
	conn   wsConn
	logger *slog.Logger
	cfg    ConnectionConfig

	dispatch    func(e *Event)
	onRecovered func(ctx context.Context)
	recorder    Recorder

	status *store.Store[ConnectionStatus]

	inboundCh chan inboundMsg

	lastMessage time.Time
	lastPing    time.Time
	lastMsgMu   sync.Mutex

	// connMu guards conn, connCancel and listenCancel. Close runs on a
	// different goroutine from Listen.
	connMu sync.Mutex

	// connCancel cancels the per-connection context. Used to stop the
	// reader goroutine when the connection drops before reconnecting.
	connCancel context.CancelFunc

	// listenCancel cancels the context of the running Listen call, which
	// also wakes a pending reconnect backoff.
	listenCancel context.CancelFunc

	closed atomic.Bool
}

func newConnection(cfg ConnectionConfig, dispatch func(e *Event), onRecovered func(ctx context.Context), recorder Recorder, logger *slog.Logger) *Connection {
	cfg.applyDefaults()

	if recorder == nil {
		recorder = nopRecorder{}
	}

	return &Connection{
		logger:      logger,
		cfg:         cfg,
		dispatch:    dispatch,
		onRecovered: onRecovered,
		recorder:    recorder,
		status:      store.New(ConnectionStatus{State: StateDisconnected, Mode: TransportWebsocket}),
	}
}

// Status exposes the connection state for subscription.
func (c *Connection) Status() *store.Store[ConnectionStatus] {
	return c.status
}

// ConnectionID returns the id assigned by the server, or "".
func (c *Connection) ConnectionID() string {
	return c.status.GetLatestValue().ConnectionID
}

// Connect opens the connection and completes the handshake. When the
// websocket times out, fallback is configured and the API is reachable,
// the long-poll transport is used instead.
func (c *Connection) Connect(ctx context.Context) error {
	c.closed.Store(false)
	c.status.PartialNext(func(s *ConnectionStatus) {
		s.State = StateConnecting
		s.Attempt = 0
		s.LastError = ""
	})

	err := c.open(ctx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil && c.fallbackEnabled() {
		if perr := c.cfg.Fallback.Probe(ctx); perr == nil {
			err = c.enterFallback(ctx)
		}
	}

	if err != nil {
		c.status.PartialNext(func(s *ConnectionStatus) {
			s.State = StateDisconnected
			s.LastError = err.Error()
		})

		return err
	}

	c.markOnline()

	return nil
}

// open dials the websocket and runs the handshake, renewing the token and
// trying once more if the server reports it expired.
func (c *Connection) open(ctx context.Context) error {
	err := c.dialAndHandshake(ctx)
	if !errors.Is(err, ErrTokenExpired) {
		return err
	}

	c.logger.Info("token expired during connect, refreshing")

	if _, rerr := c.cfg.Tokens.Refresh(ctx); rerr != nil {
		return fmt.Errorf("%w: %w", ErrTokenExpired, rerr)
	}

	return c.dialAndHandshake(ctx)
}

func (c *Connection) dialAndHandshake(ctx context.Context) error {
	// Cancel any previous reader goroutine from a prior connection.
	c.connMu.Lock()
	if c.connCancel != nil {
		c.connCancel()
	}
	c.connMu.Unlock()

	attemptCtx, cancel := context.WithTimeout(ctx, c.connectTimeout())
	defer cancel()

	c.logger.Debug("connecting", slog.String("url", c.cfg.URL))

	conn, err := c.cfg.Dial(attemptCtx, c.connectURL())
	if err != nil {
		return fmt.Errorf("dialing websocket: %w", err)
	}

	conn.SetReadLimit(maxFrameBytes)
	c.touchLastMessage()

	if err := writeJSON(attemptCtx, conn, c.connectPayload()); err != nil {
		conn.Close(websocket.StatusInternalError, "connect failed")
		return fmt.Errorf("sending connect payload: %w", err)
	}

	// Read the first reply directly. Listen has not started the reader.
	_, data, err := conn.Read(attemptCtx)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "handshake read failed")
		return fmt.Errorf("reading handshake: %w", err)
	}

	c.touchLastMessage()

	ev, err := c.parseHandshake(data)
	if err != nil {
		if errors.Is(err, ErrTokenExpired) {
			conn.Close(websocket.StatusNormalClosure, "token expired")
		} else {
			conn.Close(websocket.StatusNormalClosure, "auth failed")
		}

		return err
	}

	// Close sets closed before taking connMu, so either it sees this socket
	// or this check sees the flag.
	c.connMu.Lock()
	if c.closed.Load() {
		c.connMu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "closed")

		return errConnectionClosed
	}
	c.conn = conn
	c.connMu.Unlock()

	c.status.PartialNext(func(s *ConnectionStatus) {
		s.ConnectionID = ev.ConnectionID
		s.Mode = TransportWebsocket
	})

	c.logger.Info("websocket connected", slog.String("connection_id", ev.ConnectionID))
	c.dispatch(ev)

	return nil
}

// parseHandshake validates the server's first frame, which must be a
// health.check carrying the connection id.
func (c *Connection) parseHandshake(data []byte) (*Event, error) {
	switch typ := gjson.GetBytes(data, "type").String(); typ {
	case string(EventHealthCheck):
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("decoding handshake: %w", err)
		}

		if ev.ConnectionID == "" {
			return nil, fmt.Errorf("handshake carried no connection id")
		}

		return &ev, nil

	case "connection.error":
		var ce connectionError
		if err := json.Unmarshal(data, &ce); err != nil {
			return nil, fmt.Errorf("auth failed: undecodable error frame: %w", err)
		}

		if ce.Error.Code == tokenExpiredCode {
			return nil, fmt.Errorf("%w: %s", ErrTokenExpired, ce.Error.Message)
		}

		return nil, fmt.Errorf("auth failed: %s (code %d)", ce.Error.Message, ce.Error.Code)

	default:
		return nil, fmt.Errorf("unexpected handshake frame type %q", typ)
	}
}

func (c *Connection) connectPayload() connectPayload {
	return connectPayload{
		Type:                         "connect",
		UserID:                       c.cfg.UserID,
		UserDetails:                  c.cfg.User,
		Token:                        c.cfg.Tokens.Token(),
		ClientRequestID:              uuid.NewString(),
		ServerDeterminesConnectionID: true,
	}
}

func (c *Connection) connectURL() string {
	q := url.Values{}
	q.Set("api_key", c.cfg.APIKey)

	return c.cfg.URL + "?" + q.Encode()
}

func (c *Connection) connectTimeout() time.Duration {
	if c.fallbackEnabled() {
		return c.cfg.ConnectTimeoutWithFallback
	}

	return c.cfg.ConnectTimeout
}

func (c *Connection) fallbackEnabled() bool {
	return c.cfg.Fallback != nil
}

func (c *Connection) usingFallback() bool {
	return c.status.GetLatestValue().Mode == TransportLongPoll
}

// startReader launches a goroutine that reads from the WebSocket and
// feeds inboundCh. Exits when connCtx is cancelled or a read error
// occurs. The error is delivered as the final message on inboundCh.
// The goroutine captures conn and ch by value so a reader left over from
// a previous connection cannot send stale frames into the new channel.
func (c *Connection) startReader(connCtx context.Context) {
	ch := make(chan inboundMsg, 64)
	c.inboundCh = ch
	conn := c.socket()

	go func() {
		for {
			typ, data, err := conn.Read(connCtx)
			select {
			case ch <- inboundMsg{typ: typ, data: data, err: err}:
			case <-connCtx.Done():
				return
			}

			if err != nil {
				return
			}
		}
	}()
}

// Listen runs the event loop with automatic recovery. Transport failures
// are retried with bounded exponential backoff; when the attempts are
// exhausted the status stays unhealthy and Listen returns nil. Returns an
// error only on permanent failures or context cancellation.
func (c *Connection) Listen(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.connMu.Lock()
	if c.closed.Load() {
		c.connMu.Unlock()
		return nil
	}
	c.listenCancel = cancel
	c.connMu.Unlock()

	for {
		var err error
		if c.usingFallback() {
			err = c.pollLoop(ctx)
		} else {
			err = c.listenSocket(ctx)
		}

		if c.closed.Load() {
			c.setDisconnected("")
			return nil
		}

		if ctx.Err() != nil {
			c.setDisconnected("")
			return ctx.Err()
		}

		if isPermanentError(err) {
			c.setDisconnected(err.Error())
			return fmt.Errorf("permanent error: %w", err)
		}

		c.markUnhealthy(err)

		err = c.reconnect(ctx)
		if err != nil && errors.Is(err, errUseFallback) && !c.closed.Load() {
			err = c.enterFallback(ctx)
		}

		// Close may land at any point during reconnect. A closed connection
		// never reports itself online again.
		if c.closed.Load() {
			c.setDisconnected("")
			return nil
		}

		switch {
		case err == nil:
			c.logger.Info("reconnected", slog.String("mode", string(c.status.GetLatestValue().Mode)))
			c.markOnline()

			if c.onRecovered != nil {
				c.onRecovered(ctx)
			}

		case ctx.Err() != nil:
			c.setDisconnected("")
			return ctx.Err()

		case isPermanentError(err):
			c.setDisconnected(err.Error())
			return fmt.Errorf("permanent reconnect error: %w", err)

		default:
			c.logger.Error("giving up on connection", slog.String("error", err.Error()))
			c.status.PartialNext(func(s *ConnectionStatus) {
				s.State = StateUnhealthy
				s.LastError = err.Error()
			})

			return nil
		}
	}
}

func (c *Connection) listenSocket(ctx context.Context) error {
	connCtx, connCancel := context.WithCancel(ctx)
	defer connCancel()

	c.connMu.Lock()
	c.connCancel = connCancel
	c.connMu.Unlock()

	c.lastMsgMu.Lock()
	c.lastPing = time.Now()
	c.lastMsgMu.Unlock()

	c.startReader(connCtx)

	return c.eventLoop(ctx, connCtx)
}

// reconnect retries the websocket with exponential backoff and jitter. It
// returns errUseFallback once the websocket has timed out repeatedly while
// the long-poll endpoint answers.
func (c *Connection) reconnect(ctx context.Context) error {
	backoff := c.cfg.ReconnectMin
	timeouts := 0

	var lastErr error

	for attempt := 1; attempt <= c.cfg.MaxReconnectAttempts; attempt++ {
		c.status.PartialNext(func(s *ConnectionStatus) {
			s.State = StateReconnecting
			s.Attempt = attempt
		})

		jitter := time.Duration(rand.Int64N(int64(backoff)/jitterDivisor + 1)) //nolint:gosec // G404: math/rand is fine for reconnect jitter, no security impact

		timer := time.NewTimer(backoff + jitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if c.closed.Load() {
			return errConnectionClosed
		}

		c.recorder.ReconnectAttempt()

		err := c.open(ctx)
		if c.closed.Load() {
			return errConnectionClosed
		}

		if err == nil {
			return nil
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if isPermanentError(err) {
			return err
		}

		lastErr = err

		if errors.Is(err, context.DeadlineExceeded) {
			timeouts++
		} else {
			timeouts = 0
		}

		if timeouts >= fallbackAfterTimeouts && c.fallbackEnabled() {
			if perr := c.cfg.Fallback.Probe(ctx); perr == nil {
				return errUseFallback
			}
		}

		c.logger.Warn("reconnect failed",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
			slog.Duration("backoff", backoff),
		)

		backoff = min(backoff*reconnectBackoffMultiplier, c.cfg.ReconnectMax)
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrReconnectExhausted, c.cfg.MaxReconnectAttempts, lastErr)
}

// eventLoop is the single event loop for one connection. It selects on
// inbound frames and the heartbeat ticker. Returns on read error, heartbeat
// timeout or context cancellation.
func (c *Connection) eventLoop(ctx context.Context, connCtx context.Context) error {
	ticker := time.NewTicker(heartbeatCheckAt)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.inboundCh:
			if msg.err != nil {
				return fmt.Errorf("reading message: %w", msg.err)
			}

			c.touchLastMessage()

			if msg.typ == websocket.MessageBinary {
				c.logger.Debug("unexpected binary frame in event loop", slog.Int("bytes", len(msg.data)))
				continue
			}

			if err := c.handleInbound(msg.data); err != nil {
				return err
			}

		case <-ticker.C:
			c.lastMsgMu.Lock()
			sinceMessage := time.Since(c.lastMessage)
			sincePing := time.Since(c.lastPing)
			c.lastMsgMu.Unlock()

			if sinceMessage > c.cfg.UnhealthyAfter {
				c.logger.Warn("health check timed out, closing", slog.Duration("silent_for", sinceMessage))
				c.socket().Close(websocket.StatusGoingAway, "timeout")

				return fmt.Errorf("heartbeat timeout")
			}

			if sincePing >= c.cfg.HealthCheckInterval {
				if err := c.sendHealthCheck(ctx); err != nil {
					return fmt.Errorf("sending health check: %w", err)
				}
			}

		case <-ctx.Done():
			return ctx.Err()

		case <-connCtx.Done():
			return connCtx.Err()
		}
	}
}

// handleInbound decodes one frame and dispatches it. Frames without a type
// or that fail to decode are dropped.
func (c *Connection) handleInbound(data []byte) error {
	typ := gjson.GetBytes(data, "type")
	if !typ.Exists() || typ.String() == "" {
		c.logger.Debug("dropping frame without type", slog.Int("bytes", len(data)))
		return nil
	}

	if typ.String() == "connection.error" {
		var ce connectionError
		if err := json.Unmarshal(data, &ce); err != nil {
			return fmt.Errorf("connection error: undecodable error frame: %w", err)
		}

		if ce.Error.Code == tokenExpiredCode {
			return fmt.Errorf("connection error: %w", errSessionTokenExpired)
		}

		return fmt.Errorf("connection error: %s", ce.Error.Message)
	}

	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		c.logger.Debug("dropping unparseable frame",
			slog.String("type", typ.String()),
			slog.String("error", err.Error()),
		)

		return nil
	}

	if ev.Type == EventHealthCheck && ev.ConnectionID != "" && ev.ConnectionID != c.ConnectionID() {
		c.status.PartialNext(func(s *ConnectionStatus) { s.ConnectionID = ev.ConnectionID })
	}

	c.dispatch(&ev)

	return nil
}

func (c *Connection) sendHealthCheck(ctx context.Context) error {
	c.lastMsgMu.Lock()
	c.lastPing = time.Now()
	c.lastMsgMu.Unlock()

	probe := []map[string]string{{
		"type":      string(EventHealthCheck),
		"client_id": c.cfg.UserID + "--" + c.ConnectionID(),
	}}

	return writeJSON(ctx, c.socket(), probe)
}

// enterFallback switches to the long-poll transport.
func (c *Connection) enterFallback(ctx context.Context) error {
	c.logger.Warn("websocket unavailable, switching to long-poll")

	ev, err := c.cfg.Fallback.Connect(ctx, c.connectPayload())
	if err != nil {
		return fmt.Errorf("long-poll connect: %w", err)
	}

	c.recorder.TransportFallback()
	c.touchLastMessage()
	c.status.PartialNext(func(s *ConnectionStatus) {
		s.Mode = TransportLongPoll
		s.ConnectionID = ev.ConnectionID
	})

	c.dispatch(ev)
	c.dispatch(&Event{Type: EventTransportChanged, Mode: TransportLongPoll})

	return nil
}

// pollLoop drives the long-poll transport until it fails repeatedly. The
// websocket is not retried while polling stays healthy.
func (c *Connection) pollLoop(ctx context.Context) error {
	failures := 0

	for {
		frames, err := c.cfg.Fallback.Poll(ctx, c.ConnectionID())
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			failures++
			c.logger.Warn("long-poll failed", slog.Int("failures", failures), slog.String("error", err.Error()))

			if failures >= maxPollFailures {
				c.status.PartialNext(func(s *ConnectionStatus) { s.Mode = TransportWebsocket })
				c.dispatch(&Event{Type: EventTransportChanged, Mode: TransportWebsocket})

				return fmt.Errorf("long-poll unhealthy: %w", err)
			}

			continue
		}

		failures = 0
		c.touchLastMessage()

		for _, frame := range frames {
			if err := c.handleInbound(frame); err != nil {
				return err
			}
		}
	}
}

func (c *Connection) markOnline() {
	// Close stores the flag before it publishes disconnected, so checking
	// under the store lock keeps a closed connection from going online.
	online := c.status.Update(func(s ConnectionStatus) (ConnectionStatus, bool) {
		if c.closed.Load() {
			return s, false
		}

		if s.Mode == TransportLongPoll {
			s.State = StateFallback
		} else {
			s.State = StateHealthy
		}

		s.Attempt = 0
		s.LastError = ""

		return s, true
	})
	if !online {
		return
	}

	c.recorder.ConnectionHealthy(true)
	c.dispatch(&Event{Type: EventConnectionChanged, Online: true})
}

func (c *Connection) markUnhealthy(err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}

	c.logger.Warn("connection lost, reconnecting", slog.String("error", msg))
	c.status.PartialNext(func(s *ConnectionStatus) {
		s.State = StateUnhealthy
		s.LastError = msg
	})

	c.recorder.ConnectionHealthy(false)
	c.dispatch(&Event{Type: EventConnectionChanged, Online: false})
}

func (c *Connection) setDisconnected(reason string) {
	c.status.PartialNext(func(s *ConnectionStatus) {
		s.State = StateDisconnected
		s.ConnectionID = ""
		s.LastError = reason
	})

	c.recorder.ConnectionHealthy(false)
}

// Close tears the connection down. Listen returns nil afterwards, also when
// Close lands during a reconnect backoff or handshake.
func (c *Connection) Close() error {
	c.closed.Store(true)

	c.connMu.Lock()
	conn, connCancel, listenCancel := c.conn, c.connCancel, c.listenCancel
	c.connMu.Unlock()

	if listenCancel != nil {
		listenCancel()
	}

	if connCancel != nil {
		connCancel()
	}

	c.setDisconnected("")

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "bye")
	}

	return nil
}

func (c *Connection) socket() wsConn {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	return c.conn
}

func (c *Connection) touchLastMessage() {
	c.lastMsgMu.Lock()
	c.lastMessage = time.Now()
	c.lastMsgMu.Unlock()
}

// writeJSON marshals v to JSON and writes it as a text frame.
// Only called from the event loop or during the handshake.
func writeJSON(ctx context.Context, conn wsConn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling message: %w", err)
	}

	return conn.Write(ctx, websocket.MessageText, data)
}
