package chat

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/alexjbarnes/chatsync/internal/listutil"
	"github.com/alexjbarnes/chatsync/store"
	"golang.org/x/sync/singleflight"
)

const defaultChannelPageLimit = 10

// ChannelPagination tracks the paging position of a channel list.
type ChannelPagination struct {
	IsLoading     bool
	IsLoadingNext bool
	HasNext       bool
	Filters       Filters
	Sort          []SortOption
	Options       QueryChannelsOptions
}

// ChannelManagerState is the snapshot of a channel list. Channels is nil
// until the first query completes.
type ChannelManagerState struct {
	Channels    []*Channel
	Pagination  ChannelPagination
	Initialized bool
}

// ChannelManagerOptions tune how a channel list reacts to events.
type ChannelManagerOptions struct {
	// LockChannelOrder disables every event-driven reordering.
	LockChannelOrder bool

	// AbortInFlightQuery makes a new query supersede one in flight instead
	// of joining it.
	AbortInFlightQuery bool

	// AllowNotLoadedChannelPromotionForEvent lets events for channels that
	// are not in the loaded list insert them at the top.
	AllowNotLoadedChannelPromotionForEvent map[EventType]bool
}

// DefaultChannelManagerOptions allows promotion of unloaded channels for
// the events that signal new activity.
func DefaultChannelManagerOptions() ChannelManagerOptions {
	return ChannelManagerOptions{
		AllowNotLoadedChannelPromotionForEvent: map[EventType]bool{
			EventMessageNew:                 true,
			EventNotificationMessageNew:     true,
			EventNotificationAddedToChannel: true,
			EventChannelVisible:             true,
		},
	}
}

// ChannelManager keeps an ordered, paginated channel list for one filter
// and sort, and reorders it as events arrive.
type ChannelManager struct {
	client *Client
	logger *slog.Logger
	opts   ChannelManagerOptions
	state  *store.Store[ChannelManagerState]

	flight     singleflight.Group
	generation atomic.Uint64

	mu     sync.Mutex
	unsubs []func()
}

// NewChannelManager returns a channel list bound to client. Call
// RegisterSubscriptions to start reacting to events.
func NewChannelManager(client *Client, opts ChannelManagerOptions, logger *slog.Logger) *ChannelManager {
	return &ChannelManager{
		client: client,
		logger: logger,
		opts:   opts,
		state:  store.New(ChannelManagerState{}),
	}
}

// State returns the latest list snapshot.
func (m *ChannelManager) State() ChannelManagerState { return m.state.GetLatestValue() }

// Store exposes the list snapshot for subscription.
func (m *ChannelManager) Store() *store.Store[ChannelManagerState] { return m.state }

// SetOptions replaces the event handling options.
func (m *ChannelManager) SetOptions(opts ChannelManagerOptions) {
	m.mu.Lock()
	m.opts = opts
	m.mu.Unlock()
}

func (m *ChannelManager) options() ChannelManagerOptions {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.opts
}

// SetChannels replaces the list, for example after a local reorder.
func (m *ChannelManager) SetChannels(channels []*Channel) {
	m.state.PartialNext(func(s *ChannelManagerState) { s.Channels = channels })
}

// QueryChannels loads the first page for filters and sort. Concurrent
// calls share one request unless AbortInFlightQuery is set, in which case
// the newest call wins and the superseded result is discarded.
func (m *ChannelManager) QueryChannels(ctx context.Context, filters Filters, sort []SortOption, opts QueryChannelsOptions) error {
	if m.options().AbortInFlightQuery {
		m.flight.Forget("query")
	}

	_, err, shared := m.flight.Do("query", func() (any, error) {
		return nil, m.executeQuery(ctx, filters, sort, opts)
	})
	if shared {
		m.logger.Debug("joined in-flight channel query")
	}

	return err
}

func (m *ChannelManager) executeQuery(ctx context.Context, filters Filters, sort []SortOption, opts QueryChannelsOptions) error {
	if opts.Limit <= 0 {
		opts.Limit = defaultChannelPageLimit
	}

	// The generation moves under the store lock together with IsLoading, so
	// a LoadNext either sees the new query or is marked stale by it. Any
	// page still in flight is abandoned.
	var gen uint64

	m.state.Update(func(s ChannelManagerState) (ChannelManagerState, bool) {
		gen = m.generation.Add(1)
		s.Pagination.IsLoading = true
		s.Pagination.IsLoadingNext = false

		return s, true
	})

	channels, err := m.client.QueryChannels(ctx, filters, sort, opts)

	applied := m.state.Update(func(s ChannelManagerState) (ChannelManagerState, bool) {
		if m.generation.Load() != gen {
			return s, false
		}

		if err != nil {
			s.Pagination.IsLoading = false
			return s, true
		}

		next := opts
		next.Offset = opts.Offset + len(channels)

		s.Channels = channels
		s.Pagination = ChannelPagination{
			HasNext: len(channels) >= opts.Limit,
			Filters: filters,
			Sort:    sort,
			Options: next,
		}
		s.Initialized = true

		return s, true
	})
	if !applied {
		m.logger.Debug("discarding superseded channel query")
	}

	return err
}

// LoadNext appends the next page. It does nothing before the first query,
// while any query is loading, or when the last page was short. A page that
// returns after QueryChannels started again is dropped.
func (m *ChannelManager) LoadNext(ctx context.Context) error {
	var (
		p     ChannelPagination
		gen   uint64
		start bool
	)

	m.state.Update(func(s ChannelManagerState) (ChannelManagerState, bool) {
		if !s.Initialized || s.Pagination.IsLoading || s.Pagination.IsLoadingNext || !s.Pagination.HasNext {
			return s, false
		}

		s.Pagination.IsLoadingNext = true
		p = s.Pagination
		gen = m.generation.Load()
		start = true

		return s, true
	})

	if !start {
		return nil
	}

	channels, err := m.client.QueryChannels(ctx, p.Filters, p.Sort, p.Options)

	applied := m.state.Update(func(s ChannelManagerState) (ChannelManagerState, bool) {
		if m.generation.Load() != gen {
			return s, false
		}

		s.Pagination.IsLoadingNext = false

		if err == nil {
			merged := append(slices.Clone(s.Channels), channels...)
			s.Channels = listutil.UniqBy(merged, func(ch *Channel) *Channel { return ch })
			s.Pagination.HasNext = len(channels) >= p.Options.Limit
			s.Pagination.Options.Offset = p.Options.Offset + len(channels)
		}

		return s, true
	})
	if !applied {
		m.logger.Debug("discarding superseded channel page")
		return nil
	}

	return err
}

// RegisterSubscriptions attaches the list's event handlers. Calling it
// again while registered does nothing.
func (m *ChannelManager) RegisterSubscriptions() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.unsubs) > 0 {
		return
	}

	handlers := map[EventType]Handler{
		EventMessageNew:                     m.handleMessageNew,
		EventChannelDeleted:                 m.handleChannelRemoved,
		EventChannelHidden:                  m.handleChannelRemoved,
		EventNotificationRemovedFromChannel: m.handleChannelRemoved,
		EventNotificationMessageNew:         m.handleNotificationChannel,
		EventNotificationAddedToChannel:     m.handleNotificationChannel,
		EventChannelVisible:                 m.handleNotificationChannel,
		EventMemberUpdated:                  m.handleMemberUpdated,
	}

	for t, h := range handlers {
		m.unsubs = append(m.unsubs, m.client.On(t, h))
	}
}

// UnregisterSubscriptions detaches every handler.
func (m *ChannelManager) UnregisterSubscriptions() {
	m.mu.Lock()
	unsubs := m.unsubs
	m.unsubs = nil
	m.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
}

// promotionBlocked applies the gating shared by every promoting event.
func (m *ChannelManager) promotionBlocked(s ChannelManagerState, ch *Channel, t EventType, loaded bool) bool {
	opts := m.options()

	switch {
	case s.Channels == nil || opts.LockChannelOrder:
		return true
	case archivedFilterExcludes(s.Pagination.Filters, ch):
		return true
	case shouldConsiderPinnedChannels(s.Pagination.Sort) && isChannelPinned(ch):
		return true
	case !loaded && !opts.AllowNotLoadedChannelPromotionForEvent[t]:
		return true
	}

	return false
}

func (m *ChannelManager) handleMessageNew(e *Event) {
	typ, id := e.channelTypeID()
	if typ == "" || id == "" {
		return
	}

	target := m.client.Channel(typ, id)

	m.state.Update(func(s ChannelManagerState) (ChannelManagerState, bool) {
		idx := slices.Index(s.Channels, target)
		if m.promotionBlocked(s, target, e.Type, idx >= 0) {
			return s, false
		}

		next := PromoteChannelAt(s.Channels, target, s.Pagination.Sort, idx)
		if sameSlice(next, s.Channels) {
			return s, false
		}

		s.Channels = next

		return s, true
	})
}

func (m *ChannelManager) handleChannelRemoved(e *Event) {
	cid := e.CID
	if cid == "" && e.Channel != nil {
		cid = e.Channel.CID
	}

	if cid == "" {
		return
	}

	m.state.Update(func(s ChannelManagerState) (ChannelManagerState, bool) {
		idx := slices.IndexFunc(s.Channels, func(ch *Channel) bool { return ch.CID() == cid })
		if idx < 0 {
			return s, false
		}

		s.Channels = slices.Delete(slices.Clone(s.Channels), idx, idx+1)

		return s, true
	})
}

func (m *ChannelManager) handleNotificationChannel(e *Event) {
	typ, id := e.channelTypeID()
	if typ == "" || id == "" {
		return
	}

	m.client.goAsync(func(ctx context.Context) {
		ch, err := m.client.GetAndWatchChannel(ctx, GetAndWatchParams{Type: typ, ID: id})
		if err != nil {
			m.logger.Warn("watching notified channel",
				slog.String("cid", typ+":"+id),
				slog.String("error", err.Error()),
			)

			return
		}

		m.state.Update(func(s ChannelManagerState) (ChannelManagerState, bool) {
			loaded := slices.Contains(s.Channels, ch)
			if m.promotionBlocked(s, ch, e.Type, loaded) {
				return s, false
			}

			next := PromoteChannel(s.Channels, ch, s.Pagination.Sort)
			if sameSlice(next, s.Channels) {
				return s, false
			}

			s.Channels = next

			return s, true
		})
	})
}

// handleMemberUpdated repositions a channel whose own membership changed
// its pinned or archived status.
func (m *ChannelManager) handleMemberUpdated(e *Event) {
	if e.Member == nil || e.Member.userID() != m.client.userID {
		return
	}

	typ, id := e.channelTypeID()
	if typ == "" || id == "" {
		return
	}

	target := m.client.Channel(typ, id)

	m.state.Update(func(s ChannelManagerState) (ChannelManagerState, bool) {
		if s.Channels == nil || m.options().LockChannelOrder {
			return s, false
		}

		pinnedDir := pinnedAtSortDirection(s.Pagination.Sort)
		considerArchived := shouldConsiderArchivedChannels(s.Pagination.Filters)

		if pinnedDir == 0 && !considerArchived {
			return s, false
		}

		idx := slices.Index(s.Channels, target)

		rest := slices.Clone(s.Channels)
		if idx >= 0 {
			rest = slices.Delete(rest, idx, idx+1)
		}

		if archivedFilterExcludes(s.Pagination.Filters, target) {
			if idx < 0 {
				return s, false
			}

			s.Channels = rest

			return s, true
		}

		lastPinned := -1
		if pinnedDir == 1 || (pinnedDir == -1 && !isChannelPinned(target)) {
			lastPinned = findLastPinnedChannelIndex(rest)
		}

		position := lastPinned + 1
		if idx == position {
			return s, false
		}

		s.Channels = slices.Insert(rest, position, target)

		return s, true
	})
}

// sameSlice reports whether a and b share the same backing array and
// length.
func sameSlice[T any](a, b []T) bool {
	return store.Identical(a, b)
}
