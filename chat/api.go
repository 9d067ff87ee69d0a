package chat

//go:generate mockgen -destination=mock_api_test.go -package=chat github.com/alexjbarnes/chatsync/chat API

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"
	"unicode/utf8"
)

const (
	// httpClientTimeout is the timeout for the default HTTP client used
	// when no custom client is provided.
	httpClientTimeout = 30 * time.Second

	// maxAPIResponseBytes caps response body reads. Channel pages carry
	// messages and members, so this is larger than a typical JSON reply.
	maxAPIResponseBytes = 8 * 1024 * 1024
)

// API is the query surface the managers consume. HTTPAPI implements it
// against the REST endpoints.
type API interface {
	QueryChannels(ctx context.Context, req QueryChannelsRequest) ([]ChannelAPIResponse, error)
	QueryChannel(ctx context.Context, channelType, channelID string, req ChannelQueryRequest) (*ChannelAPIResponse, error)
	QueryThreads(ctx context.Context, opts QueryThreadsOptions) (*QueryThreadsResponse, error)
	GetThread(ctx context.Context, id string, opts GetThreadOptions) (*ThreadData, error)
	GetReplies(ctx context.Context, parentID string, page MessagePagination) ([]*Message, error)
	QueryPolls(ctx context.Context, filter Filters, opts QueryPollsOptions) (*QueryPollsResponse, error)
	GetPoll(ctx context.Context, id string) (*PollData, error)
	SendMessage(ctx context.Context, channelType, channelID string, msg *Message) (*Message, error)
	MarkRead(ctx context.Context, channelType, channelID string, req MarkReadRequest) error
}

// TokenSource supplies the user token and renews it after the server
// reports expiry.
type TokenSource interface {
	Token() string
	Refresh(ctx context.Context) (string, error)
}

// StaticToken is a token that cannot be renewed.
type StaticToken string

func (t StaticToken) Token() string { return string(t) }

func (t StaticToken) Refresh(context.Context) (string, error) {
	return "", ErrTokenExpired
}

// TokenProvider caches a token and renews it through fetch.
type TokenProvider struct {
	mu    sync.Mutex
	token string
	fetch func(ctx context.Context) (string, error)
}

// NewTokenProvider returns a provider seeded with initial. fetch is called
// on every Refresh.
func NewTokenProvider(initial string, fetch func(ctx context.Context) (string, error)) *TokenProvider {
	return &TokenProvider{token: initial, fetch: fetch}
}

func (p *TokenProvider) Token() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.token
}

func (p *TokenProvider) Refresh(ctx context.Context) (string, error) {
	token, err := p.fetch(ctx)
	if err != nil {
		return "", fmt.Errorf("refreshing token: %w", err)
	}

	p.mu.Lock()
	p.token = token
	p.mu.Unlock()

	return token, nil
}

// HTTPAPI talks to the chat REST API.
type HTTPAPI struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	tokens     TokenSource
	logger     *slog.Logger
	recorder   Recorder
}

// NewHTTPAPI creates an API client. If httpClient is nil, a client with a
// 30-second timeout is created.
func NewHTTPAPI(httpClient *http.Client, baseURL, apiKey string, tokens TokenSource, logger *slog.Logger) *HTTPAPI {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: httpClientTimeout}
	}

	return &HTTPAPI{
		httpClient: httpClient,
		baseURL:    baseURL,
		apiKey:     apiKey,
		tokens:     tokens,
		logger:     logger,
		recorder:   nopRecorder{},
	}
}

// SetRecorder routes request latency to r.
func (a *HTTPAPI) SetRecorder(r Recorder) {
	if r != nil {
		a.recorder = r
	}
}

// do performs a request and retries it once after renewing the token when
// the server reports token expiry.
func (a *HTTPAPI) do(ctx context.Context, op, method, endpoint string, query url.Values, body, result any) error {
	start := time.Now()
	defer func() { a.recorder.QueryObserved(op, time.Since(start)) }()

	err := a.doOnce(ctx, method, endpoint, query, body, result)

	var apiErr *APIError
	if !errors.As(err, &apiErr) || !apiErr.IsTokenExpired() {
		return err
	}

	a.logger.Info("token expired, refreshing", slog.String("endpoint", endpoint))

	if _, rerr := a.tokens.Refresh(ctx); rerr != nil {
		return fmt.Errorf("%w: %w", ErrTokenExpired, err)
	}

	err = a.doOnce(ctx, method, endpoint, query, body, result)
	if errors.As(err, &apiErr) && apiErr.IsTokenExpired() {
		return fmt.Errorf("%w: %w", ErrTokenExpired, err)
	}

	return err
}

func (a *HTTPAPI) doOnce(ctx context.Context, method, endpoint string, query url.Values, body, result any) error {
	var reader io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request body: %w", err)
		}

		reader = bytes.NewReader(payload)
	}

	q := url.Values{}
	for k, v := range query {
		q[k] = v
	}

	q.Set("api_key", a.apiKey)

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+endpoint+"?"+q.Encode(), reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Authorization", a.tokens.Token())
	req.Header.Set("Stream-Auth-Type", "jwt")

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		wrapped := fmt.Errorf("sending request to %s: %w", endpoint, err)
		// Network errors (timeouts, connection refused, DNS failures)
		// are transient by nature.
		return &TransientError{Err: wrapped}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return fmt.Errorf("reading response from %s: %w", endpoint, err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		apiErr := &APIError{StatusCode: resp.StatusCode, Endpoint: endpoint}
		if json.Unmarshal(respBody, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = sanitizeResponseBody(respBody)
		}

		apiErr.StatusCode = resp.StatusCode

		if isTransientStatus(resp.StatusCode) {
			return &TransientError{Err: apiErr}
		}

		return apiErr
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("%w: decoding response from %s: %w", ErrAPIResponse, endpoint, err)
		}
	}

	return nil
}

// QueryChannels returns one page of channels matching the request.
func (a *HTTPAPI) QueryChannels(ctx context.Context, req QueryChannelsRequest) ([]ChannelAPIResponse, error) {
	var resp struct {
		Channels []ChannelAPIResponse `json:"channels"`
	}

	if err := a.do(ctx, "query_channels", http.MethodPost, "/channels", nil, req, &resp); err != nil {
		return nil, fmt.Errorf("querying channels: %w", err)
	}

	return resp.Channels, nil
}

// QueryChannel queries or watches one channel. An empty channelID creates
// or resolves a channel from req.Members.
func (a *HTTPAPI) QueryChannel(ctx context.Context, channelType, channelID string, req ChannelQueryRequest) (*ChannelAPIResponse, error) {
	endpoint := "/channels/" + url.PathEscape(channelType)
	if channelID != "" {
		endpoint += "/" + url.PathEscape(channelID)
	}

	var resp ChannelAPIResponse
	if err := a.do(ctx, "query_channel", http.MethodPost, endpoint+"/query", nil, req, &resp); err != nil {
		return nil, fmt.Errorf("querying channel: %w", err)
	}

	if resp.Channel == nil {
		return nil, fmt.Errorf("%w: channel query returned no channel", ErrAPIResponse)
	}

	return &resp, nil
}

// QueryThreads returns one page of the user's threads.
func (a *HTTPAPI) QueryThreads(ctx context.Context, opts QueryThreadsOptions) (*QueryThreadsResponse, error) {
	var resp QueryThreadsResponse
	if err := a.do(ctx, "query_threads", http.MethodPost, "/threads", nil, opts, &resp); err != nil {
		return nil, fmt.Errorf("querying threads: %w", err)
	}

	return &resp, nil
}

// GetThread fetches one thread by its parent message id.
func (a *HTTPAPI) GetThread(ctx context.Context, id string, opts GetThreadOptions) (*ThreadData, error) {
	q := url.Values{}
	if opts.ReplyLimit > 0 {
		q.Set("reply_limit", fmt.Sprint(opts.ReplyLimit))
	}

	if opts.ParticipantLimit > 0 {
		q.Set("participant_limit", fmt.Sprint(opts.ParticipantLimit))
	}

	if opts.Watch {
		q.Set("watch", "true")
	}

	if opts.ConnectionID != "" {
		q.Set("connection_id", opts.ConnectionID)
	}

	var resp struct {
		Thread *ThreadData `json:"thread"`
	}

	if err := a.do(ctx, "get_thread", http.MethodGet, "/threads/"+url.PathEscape(id), q, nil, &resp); err != nil {
		return nil, fmt.Errorf("getting thread: %w", err)
	}

	if resp.Thread == nil {
		return nil, fmt.Errorf("%w: thread %s missing from response", ErrAPIResponse, id)
	}

	return resp.Thread, nil
}

// GetReplies returns a page of replies to parentID.
func (a *HTTPAPI) GetReplies(ctx context.Context, parentID string, page MessagePagination) ([]*Message, error) {
	q := url.Values{}
	if page.Limit > 0 {
		q.Set("limit", fmt.Sprint(page.Limit))
	}

	if page.IDLt != "" {
		q.Set("id_lt", page.IDLt)
	}

	if page.IDGt != "" {
		q.Set("id_gt", page.IDGt)
	}

	var resp struct {
		Messages []*Message `json:"messages"`
	}

	if err := a.do(ctx, "get_replies", http.MethodGet, "/messages/"+url.PathEscape(parentID)+"/replies", q, nil, &resp); err != nil {
		return nil, fmt.Errorf("getting replies: %w", err)
	}

	return resp.Messages, nil
}

// QueryPolls returns polls matching filter.
func (a *HTTPAPI) QueryPolls(ctx context.Context, filter Filters, opts QueryPollsOptions) (*QueryPollsResponse, error) {
	body := struct {
		Filter Filters `json:"filter,omitempty"`
		QueryPollsOptions
	}{Filter: filter, QueryPollsOptions: opts}

	var resp QueryPollsResponse
	if err := a.do(ctx, "query_polls", http.MethodPost, "/polls/query", nil, body, &resp); err != nil {
		return nil, fmt.Errorf("querying polls: %w", err)
	}

	return &resp, nil
}

// GetPoll fetches one poll.
func (a *HTTPAPI) GetPoll(ctx context.Context, id string) (*PollData, error) {
	var resp struct {
		Poll *PollData `json:"poll"`
	}

	if err := a.do(ctx, "get_poll", http.MethodGet, "/polls/"+url.PathEscape(id), nil, nil, &resp); err != nil {
		return nil, fmt.Errorf("getting poll: %w", err)
	}

	if resp.Poll == nil {
		return nil, fmt.Errorf("%w: poll %s missing from response", ErrAPIResponse, id)
	}

	return resp.Poll, nil
}

// SendMessage posts msg to a channel and returns the stored message.
func (a *HTTPAPI) SendMessage(ctx context.Context, channelType, channelID string, msg *Message) (*Message, error) {
	body := struct {
		Message *Message `json:"message"`
	}{Message: msg}

	var resp struct {
		Message *Message `json:"message"`
	}

	endpoint := "/channels/" + url.PathEscape(channelType) + "/" + url.PathEscape(channelID) + "/message"
	if err := a.do(ctx, "send_message", http.MethodPost, endpoint, nil, body, &resp); err != nil {
		return nil, fmt.Errorf("sending message: %w", err)
	}

	if resp.Message == nil {
		return nil, fmt.Errorf("%w: send returned no message", ErrAPIResponse)
	}

	return resp.Message, nil
}

// MarkRead marks a channel, or a thread of it, as read.
func (a *HTTPAPI) MarkRead(ctx context.Context, channelType, channelID string, req MarkReadRequest) error {
	endpoint := "/channels/" + url.PathEscape(channelType) + "/" + url.PathEscape(channelID) + "/read"
	if err := a.do(ctx, "mark_read", http.MethodPost, endpoint, nil, req, nil); err != nil {
		return fmt.Errorf("marking read: %w", err)
	}

	return nil
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}
