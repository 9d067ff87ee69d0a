package chat

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/alexjbarnes/chatsync/store"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/unicode/norm"
)

const (
	// recoverBatchSize bounds how many channels one recovery query asks for.
	recoverBatchSize = 30

	// recoverConcurrency bounds concurrent recovery queries.
	recoverConcurrency = 3

	tempCIDPrefix = "!members-"
)

// ClientOptions configures a Client.
type ClientOptions struct {
	UserID string
	User   *User

	// RecoverStateOnReconnect re-queries tracked channels after a
	// reconnect before emitting connection.recovered.
	RecoverStateOnReconnect bool

	Recorder Recorder

	// Now stamps received_at. Defaults to time.Now.
	Now func() time.Time
}

// ClientState is the client-level snapshot.
type ClientState struct {
	User *User
}

// Client is the composition root of the SDK: it owns the active channel
// set, the event router and the poll and thread managers, and routes every
// event from the connection through them.
type Client struct {
	api      API
	logger   *slog.Logger
	recorder Recorder
	userID   string
	now      func() time.Time

	recoverOnReconnect bool

	state  *store.Store[ClientState]
	router *Router

	mu             sync.Mutex
	activeChannels map[string]*Channel
	configs        map[string]*ChannelConfig
	conn           *Connection

	polls   *PollManager
	threads *ThreadManager

	// watchFlight coalesces concurrent watch requests for the same cid.
	watchFlight singleflight.Group

	// dispatchMu guards the event queue. One goroutine at a time drains it.
	dispatchMu  sync.Mutex
	queued      []*Event
	dispatching bool

	// ctx bounds background work started from event handlers.
	ctx    context.Context
	cancel context.CancelFunc
	bg     sync.WaitGroup
}

// NewClient creates a client for one user. Poll subscriptions are
// registered immediately; the thread manager's are left to the caller.
func NewClient(api API, opts ClientOptions, logger *slog.Logger) *Client {
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}

	if opts.Now == nil {
		opts.Now = time.Now
	}

	user := opts.User
	if user == nil && opts.UserID != "" {
		user = &User{ID: opts.UserID}
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &Client{
		api:                api,
		logger:             logger,
		recorder:           opts.Recorder,
		userID:             opts.UserID,
		now:                opts.Now,
		recoverOnReconnect: opts.RecoverStateOnReconnect,
		state:              store.New(ClientState{User: user}),
		router:             newRouter(),
		activeChannels:     make(map[string]*Channel),
		configs:            make(map[string]*ChannelConfig),
		ctx:                ctx,
		cancel:             cancel,
	}

	c.polls = newPollManager(c, logger)
	c.polls.RegisterSubscriptions()
	c.threads = newThreadManager(c, logger)

	return c
}

// UserID returns the id of the connected user.
func (c *Client) UserID() string { return c.userID }

// User returns the latest own user snapshot.
func (c *Client) User() *User { return c.state.GetLatestValue().User }

// State exposes the client snapshot for subscription.
func (c *Client) State() *store.Store[ClientState] { return c.state }

// Polls returns the poll manager.
func (c *Client) Polls() *PollManager { return c.polls }

// Threads returns the thread manager.
func (c *Client) Threads() *ThreadManager { return c.threads }

// On registers a client-level listener. Use AllEvents for every event.
func (c *Client) On(t EventType, h Handler) func() {
	return c.router.On(t, h)
}

// Connect opens the event connection. Run Listen on the returned
// connection to process events.
func (c *Client) Connect(ctx context.Context, cfg ConnectionConfig) (*Connection, error) {
	if cfg.UserID == "" {
		cfg.UserID = c.userID
	}

	if cfg.User == nil {
		cfg.User = c.User()
	}

	conn := newConnection(cfg, c.DispatchEvent, c.handleRecovered, c.recorder, c.logger)

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	if err := conn.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connecting: %w", err)
	}

	return conn, nil
}

// Disconnect closes the connection and forgets every active channel.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.activeChannels = make(map[string]*Channel)
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	return conn.Close()
}

// Close disconnects and waits for background work started by event
// handlers to finish.
func (c *Client) Close() error {
	err := c.Disconnect()
	c.cancel()
	c.bg.Wait()

	return err
}

// goAsync runs fn in the background under the client's lifetime context.
func (c *Client) goAsync(fn func(ctx context.Context)) {
	c.bg.Add(1)

	go func() {
		defer c.bg.Done()
		fn(c.ctx)
	}()
}

// waitBackground blocks until all background work has finished.
func (c *Client) waitBackground() {
	c.bg.Wait()
}

func (c *Client) connection() *Connection {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.conn
}

// waitForConnectionID blocks until the connection is online and returns
// its id. Without a connection the id is empty and requests are sent
// without one.
func (c *Client) waitForConnectionID(ctx context.Context) (string, error) {
	conn := c.connection()
	if conn == nil {
		return "", nil
	}

	ready := make(chan string, 1)

	unsub := conn.Status().Subscribe(func(next, _ ConnectionStatus) {
		if next.Online() && next.ConnectionID != "" {
			select {
			case ready <- next.ConnectionID:
			default:
			}
		}
	})
	defer unsub()

	if st := conn.Status().GetLatestValue(); st.State == StateDisconnected {
		return "", ErrNotConnected
	}

	select {
	case id := <-ready:
		return id, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// bookkeeping is client-global state maintenance tied to an event type.
// pre runs before listeners, post after them.
type bookkeeping struct {
	pre  func(c *Client, e *Event)
	post func(c *Client, e *Event)
}

var clientBookkeeping = map[EventType]bookkeeping{
	EventHealthCheck:                     {pre: (*Client).replaceOwnUser},
	EventUserUpdated:                     {pre: (*Client).mergeOwnUser},
	EventUserPresenceChanged:             {pre: (*Client).mergeOwnUser},
	EventNotificationMutesUpdated:        {pre: (*Client).updateMutes},
	EventNotificationChannelMutesUpdated: {pre: (*Client).updateChannelMutes},
	EventNotificationMessageNew:          {pre: (*Client).cacheChannelConfig},
	EventNotificationAddedToChannel:      {pre: (*Client).cacheChannelConfig},
	EventChannelDeleted:                  {post: (*Client).purgeChannel},
	EventNotificationChannelDeleted:      {post: (*Client).purgeChannel},
}

// DispatchEvent routes one event: client bookkeeping, the owning channel's
// local state, client listeners, channel listeners, then deferred
// bookkeeping. Events lacking received_at are stamped.
//
// Events are routed one at a time in arrival order. An event dispatched
// while another is being routed, from a handler or another goroutine, is
// queued and routed right after it by the goroutine already dispatching.
func (c *Client) DispatchEvent(e *Event) {
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = c.now()
	}

	c.dispatchMu.Lock()
	c.queued = append(c.queued, e)

	if c.dispatching {
		c.dispatchMu.Unlock()
		return
	}

	c.dispatching = true
	done := false

	defer func() {
		if !done {
			c.dispatchMu.Lock()
			c.dispatching = false
			c.dispatchMu.Unlock()
		}
	}()

	for len(c.queued) > 0 {
		next := c.queued[0]
		c.queued[0] = nil
		c.queued = c.queued[1:]
		c.dispatchMu.Unlock()

		c.routeEvent(next)

		c.dispatchMu.Lock()
	}

	c.dispatching = false
	done = true
	c.dispatchMu.Unlock()
}

func (c *Client) routeEvent(e *Event) {
	c.recorder.EventDispatched(string(e.Type))

	bk := clientBookkeeping[e.Type]

	c.updateUnreadCounters(e)

	if bk.pre != nil {
		bk.pre(c, e)
	}

	var ch *Channel
	if cid := e.ChannelCID(); cid != "" {
		ch = c.ActiveChannel(cid)
	}

	if ch != nil {
		ch.handleEvent(e)
	}

	c.router.dispatch(e)

	if ch != nil {
		ch.router.dispatch(e)
	}

	if bk.post != nil {
		bk.post(c, e)
	}
}

func (c *Client) updateUnreadCounters(e *Event) {
	if e.TotalUnreadCount == nil && e.UnreadChannels == nil && e.UnreadThreads == nil {
		return
	}

	c.state.PartialNext(func(s *ClientState) {
		u := copyUser(s.User)
		if e.TotalUnreadCount != nil {
			u.TotalUnreadCount = *e.TotalUnreadCount
		}

		if e.UnreadChannels != nil {
			u.UnreadChannels = *e.UnreadChannels
		}

		if e.UnreadThreads != nil {
			u.UnreadThreads = *e.UnreadThreads
		}

		s.User = u
	})
}

func (c *Client) replaceOwnUser(e *Event) {
	if e.Me == nil {
		return
	}

	me := *e.Me
	c.state.PartialNext(func(s *ClientState) { s.User = &me })
}

func (c *Client) mergeOwnUser(e *Event) {
	if e.User == nil || e.User.ID != c.userID {
		return
	}

	c.state.PartialNext(func(s *ClientState) {
		u := *e.User
		if s.User != nil {
			u.TotalUnreadCount = s.User.TotalUnreadCount
			u.UnreadChannels = s.User.UnreadChannels
			u.UnreadThreads = s.User.UnreadThreads
			u.Mutes = s.User.Mutes
			u.ChannelMutes = s.User.ChannelMutes
		}

		s.User = &u
	})
}

func (c *Client) updateMutes(e *Event) {
	if e.Me == nil {
		return
	}

	c.state.PartialNext(func(s *ClientState) {
		u := copyUser(s.User)
		u.Mutes = e.Me.Mutes
		s.User = u
	})
}

func (c *Client) updateChannelMutes(e *Event) {
	if e.Me == nil {
		return
	}

	c.state.PartialNext(func(s *ClientState) {
		u := copyUser(s.User)
		u.ChannelMutes = e.Me.ChannelMutes
		s.User = u
	})
}

func (c *Client) cacheChannelConfig(e *Event) {
	if e.Channel == nil || e.Channel.Config == nil || e.Channel.Type == "" {
		return
	}

	c.mu.Lock()
	c.configs[e.Channel.Type] = e.Channel.Config
	c.mu.Unlock()
}

func (c *Client) purgeChannel(e *Event) {
	cid := e.ChannelCID()
	if cid == "" {
		return
	}

	c.mu.Lock()
	delete(c.activeChannels, cid)
	c.mu.Unlock()
}

// ChannelConfig returns the cached configuration of a channel type.
func (c *Client) ChannelConfig(channelType string) *ChannelConfig {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.configs[channelType]
}

func copyUser(u *User) *User {
	if u == nil {
		return &User{}
	}

	cp := *u

	return &cp
}

// Channel returns the channel for type and id, creating and registering it
// on first reference.
func (c *Client) Channel(channelType, id string) *Channel {
	cid := channelType + ":" + id

	c.mu.Lock()
	defer c.mu.Unlock()

	if ch, ok := c.activeChannels[cid]; ok {
		return ch
	}

	ch := newChannel(c, channelType, id, nil, c.logger)
	c.activeChannels[cid] = ch

	return ch
}

// ChannelByMembers returns the channel of the given type whose members are
// exactly members. A channel not yet known is registered under a
// temporary cid until Watch assigns it a server id.
func (c *Client) ChannelByMembers(channelType string, members []string) *Channel {
	normalized := normalizeMembers(members)
	cid := tempCID(channelType, normalized)

	c.mu.Lock()
	defer c.mu.Unlock()

	if ch, ok := c.activeChannels[cid]; ok {
		return ch
	}

	for _, ch := range c.activeChannels {
		if ch.Type() == channelType && slices.Equal(ch.memberIDs(), normalized) {
			return ch
		}
	}

	ch := newChannel(c, channelType, "", normalized, c.logger)
	c.activeChannels[cid] = ch

	return ch
}

// normalizeMembers returns the NFC-normalized, sorted, deduplicated ids.
func normalizeMembers(members []string) []string {
	out := make([]string, 0, len(members))
	for _, m := range members {
		out = append(out, norm.NFC.String(m))
	}

	slices.Sort(out)

	return slices.Compact(out)
}

// tempCID builds the membership-derived cid used before the server assigns
// an id.
func tempCID(channelType string, sortedMembers []string) string {
	return channelType + ":" + tempCIDPrefix + strings.Join(sortedMembers, ",")
}

// rekey moves a channel registered under oldCID to its current cid.
func (c *Client) rekey(oldCID string, ch *Channel) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.activeChannels[oldCID] == ch {
		delete(c.activeChannels, oldCID)
	}

	if existing, ok := c.activeChannels[ch.CID()]; ok && existing != ch {
		c.logger.Debug("replacing channel registered under server cid", slog.String("cid", ch.CID()))
	}

	c.activeChannels[ch.CID()] = ch
}

// ActiveChannel returns the registered channel for cid, or nil.
func (c *Client) ActiveChannel(cid string) *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.activeChannels[cid]
}

// ActiveChannels returns the registered channels sorted by cid.
func (c *Client) ActiveChannels() []*Channel {
	c.mu.Lock()
	out := make([]*Channel, 0, len(c.activeChannels))

	for _, ch := range c.activeChannels {
		out = append(out, ch)
	}
	c.mu.Unlock()

	slices.SortFunc(out, func(a, b *Channel) int { return strings.Compare(a.CID(), b.CID()) })

	return out
}

// QueryChannels runs a channel list query and returns the registered
// channel instances, hydrated with the response, in response order.
func (c *Client) QueryChannels(ctx context.Context, filters Filters, sort []SortOption, opts QueryChannelsOptions) ([]*Channel, error) {
	connID, err := c.waitForConnectionID(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := c.api.QueryChannels(ctx, QueryChannelsRequest{
		FilterConditions:     filters,
		Sort:                 sort,
		ConnectionID:         connID,
		QueryChannelsOptions: opts,
	})
	if err != nil {
		return nil, err
	}

	channels := make([]*Channel, 0, len(resp))

	for i := range resp {
		r := &resp[i]
		if r.Channel == nil {
			continue
		}

		ch := c.Channel(r.Channel.Type, r.Channel.ID)
		ch.applyResponse(r, false)
		channels = append(channels, ch)
	}

	return channels, nil
}

// GetAndWatchParams identifies the channel GetAndWatchChannel should watch.
type GetAndWatchParams struct {
	Channel *Channel
	Type    string
	ID      string
	Members []string
}

// GetAndWatchChannel watches a channel, sharing the request with any
// concurrent call for the same cid.
func (c *Client) GetAndWatchChannel(ctx context.Context, p GetAndWatchParams) (*Channel, error) {
	if p.Channel == nil && p.Type == "" {
		return nil, ErrMissingChannelType
	}

	ch := p.Channel

	var key string

	switch {
	case ch != nil:
		key = ch.CID()
	case p.ID != "":
		ch = c.Channel(p.Type, p.ID)
		key = ch.CID()
	case len(p.Members) > 0:
		ch = c.ChannelByMembers(p.Type, p.Members)
		key = tempCID(p.Type, normalizeMembers(p.Members))
	default:
		return nil, ErrMissingChannelID
	}

	_, err, _ := c.watchFlight.Do(key, func() (any, error) {
		return nil, ch.Watch(ctx)
	})
	if err != nil {
		return nil, err
	}

	return ch, nil
}

// QueryThreads returns a page of the user's threads as new Thread
// instances and the cursor of the next page.
func (c *Client) QueryThreads(ctx context.Context, opts QueryThreadsOptions) ([]*Thread, string, error) {
	connID, err := c.waitForConnectionID(ctx)
	if err != nil {
		return nil, "", err
	}

	opts.ConnectionID = connID

	resp, err := c.api.QueryThreads(ctx, opts)
	if err != nil {
		return nil, "", err
	}

	threads := make([]*Thread, 0, len(resp.Threads))
	for i := range resp.Threads {
		threads = append(threads, newThread(c, &resp.Threads[i], c.logger))
	}

	return threads, resp.Next, nil
}

// GetThread fetches one thread as a new Thread instance.
func (c *Client) GetThread(ctx context.Context, id string, opts GetThreadOptions) (*Thread, error) {
	connID, err := c.waitForConnectionID(ctx)
	if err != nil {
		return nil, err
	}

	opts.ConnectionID = connID

	data, err := c.api.GetThread(ctx, id, opts)
	if err != nil {
		return nil, err
	}

	return newThread(c, data, c.logger), nil
}

// handleRecovered runs after the connection comes back.
func (c *Client) handleRecovered(context.Context) {
	if !c.recoverOnReconnect {
		c.DispatchEvent(&Event{Type: EventConnectionRecovered})
		return
	}

	c.goAsync(func(ctx context.Context) {
		if err := c.recoverState(ctx); err != nil {
			c.logger.Warn("state recovery failed", slog.String("error", err.Error()))
		}
	})
}

// recoverState re-queries every tracked channel in bounded batches and then
// emits connection.recovered. With nothing to recover the event is emitted
// immediately.
func (c *Client) recoverState(ctx context.Context) error {
	var cids []string

	for _, ch := range c.ActiveChannels() {
		if !ch.isTemporary() {
			cids = append(cids, ch.CID())
		}
	}

	defer c.DispatchEvent(&Event{Type: EventConnectionRecovered})

	if len(cids) == 0 {
		return nil
	}

	c.logger.Info("recovering channel state", slog.Int("channels", len(cids)))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(recoverConcurrency)

	for batch := range slices.Chunk(cids, recoverBatchSize) {
		g.Go(func() error {
			_, err := c.QueryChannels(gctx,
				Filters{"cid": map[string]any{"$in": batch}},
				[]SortOption{{Field: "last_message_at", Direction: -1}},
				QueryChannelsOptions{Limit: recoverBatchSize, Watch: true, State: true, Presence: true},
			)

			return err
		})
	}

	return g.Wait()
}
