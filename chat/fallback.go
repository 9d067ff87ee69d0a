package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"
)

const (
	// defaultPollInterval is the minimum spacing between long-poll
	// requests. The server holds each request open until events arrive,
	// so this only bounds the request rate when it answers immediately.
	defaultPollInterval = time.Second

	// maxPollFailures is how many consecutive poll errors mark the
	// fallback transport unhealthy.
	maxPollFailures = 3
)

// LongPoll is the fallback transport: the event stream emulated over
// repeated HTTP requests. It shares the API client's HTTP plumbing.
type LongPoll struct {
	api     *HTTPAPI
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewLongPoll returns a long-poll transport that issues at most one poll
// per interval. A zero interval uses one second.
func NewLongPoll(api *HTTPAPI, interval time.Duration, logger *slog.Logger) *LongPoll {
	if interval <= 0 {
		interval = defaultPollInterval
	}

	return &LongPoll{
		api:     api,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
		logger:  logger,
	}
}

// Probe checks that the API is reachable over plain HTTP. A websocket
// that times out while this succeeds points at a network that blocks
// websockets rather than an offline device.
func (l *LongPoll) Probe(ctx context.Context) error {
	if err := l.api.do(ctx, "probe", http.MethodGet, "/app", nil, nil, nil); err != nil {
		return fmt.Errorf("probing API: %w", err)
	}

	return nil
}

// Connect identifies the user on the long-poll endpoint and returns the
// health.check event that carries the connection id.
func (l *LongPoll) Connect(ctx context.Context, payload connectPayload) (*Event, error) {
	frames, err := l.request(ctx, url.Values{}, payload)
	if err != nil {
		return nil, err
	}

	for _, frame := range frames {
		var ev Event
		if err := json.Unmarshal(frame, &ev); err != nil {
			continue
		}

		if ev.Type == EventHealthCheck && ev.ConnectionID != "" {
			return &ev, nil
		}
	}

	return nil, fmt.Errorf("%w: long-poll connect returned no connection id", ErrAPIResponse)
}

// Poll waits for the rate limiter and then fetches the next batch of
// frames for connectionID.
func (l *LongPoll) Poll(ctx context.Context, connectionID string) ([]json.RawMessage, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("connection_id", connectionID)

	return l.request(ctx, q, nil)
}

func (l *LongPoll) request(ctx context.Context, query url.Values, payload any) ([]json.RawMessage, error) {
	var resp rawFrames

	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshalling connect payload: %w", err)
		}

		query.Set("json", string(data))
	}

	if err := l.api.do(ctx, "longpoll", http.MethodGet, "/longpoll", query, nil, &resp); err != nil {
		return nil, fmt.Errorf("long-poll request: %w", err)
	}

	l.logger.Debug("long-poll batch", slog.Int("events", len(resp.Events)))

	return resp.Events, nil
}
