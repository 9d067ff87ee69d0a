package chat

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alexjbarnes/chatsync/store"
)

// maxThreadsQueryLimit caps a reload query.
const maxThreadsQueryLimit = 25

// ThreadManagerPagination tracks the inbox paging position.
type ThreadManagerPagination struct {
	IsLoading     bool
	IsLoadingNext bool
	NextCursor    string
}

// ThreadManagerState is the snapshot of the thread inbox.
type ThreadManagerState struct {
	Active               bool
	Threads              []*Thread
	UnseenThreadIDs      []string
	Pagination           ThreadManagerPagination
	UnreadThreadCount    int
	IsThreadOrderStale   bool
	LastConnectionDropAt *time.Time
	Ready                bool
}

// ThreadManager maintains the current user's cross-channel thread inbox.
type ThreadManager struct {
	client *Client
	logger *slog.Logger
	state  *store.Store[ThreadManagerState]

	mu     sync.Mutex
	unsubs []func()

	// generation is bumped by each Reload. A page loaded against an older
	// generation is dropped.
	generation atomic.Uint64

	// registered holds the threads whose subscriptions this manager owns.
	registeredMu sync.Mutex
	registered   map[*Thread]struct{}
}

func newThreadManager(client *Client, logger *slog.Logger) *ThreadManager {
	return &ThreadManager{
		client:     client,
		logger:     logger.With(slog.String("component", "threads")),
		state:      store.New(ThreadManagerState{}),
		registered: make(map[*Thread]struct{}),
	}
}

// State returns the latest inbox snapshot.
func (m *ThreadManager) State() ThreadManagerState { return m.state.GetLatestValue() }

// Store exposes the inbox snapshot for subscription.
func (m *ThreadManager) Store() *store.Store[ThreadManagerState] { return m.state }

// Activate marks the inbox as visible, which triggers a reload.
func (m *ThreadManager) Activate() {
	m.state.PartialNext(func(s *ThreadManagerState) { s.Active = true })
}

// Deactivate marks the inbox as hidden.
func (m *ThreadManager) Deactivate() {
	m.state.PartialNext(func(s *ThreadManagerState) { s.Active = false })
}

func (m *ThreadManager) threadByID(id string) *Thread {
	for _, t := range m.State().Threads {
		if t.ID() == id {
			return t
		}
	}

	return nil
}

// Reload refetches the inbox head. Unless force is set it does nothing
// once ready with no unseen threads and a current order. Existing Thread
// instances are kept, and the stale ones are hydrated from the response.
func (m *ThreadManager) Reload(ctx context.Context, force bool) error {
	var limit int

	started := m.state.Update(func(s ThreadManagerState) (ThreadManagerState, bool) {
		if s.Pagination.IsLoading {
			return s, false
		}

		if !force && s.Ready && len(s.UnseenThreadIDs) == 0 && !s.IsThreadOrderStale {
			return s, false
		}

		limit = min(len(s.Threads)+len(s.UnseenThreadIDs), maxThreadsQueryLimit)
		if limit == 0 {
			limit = maxThreadsQueryLimit
		}

		m.generation.Add(1)
		s.Pagination.IsLoading = true
		s.Pagination.IsLoadingNext = false

		return s, true
	})
	if !started {
		return nil
	}

	fetched, next, err := m.client.QueryThreads(ctx, QueryThreadsOptions{Limit: limit, Watch: true})
	if err != nil {
		m.state.PartialNext(func(s *ThreadManagerState) { s.Pagination.IsLoading = false })
		return fmt.Errorf("reloading threads: %w", err)
	}

	current := m.State().Threads
	threads := make([]*Thread, 0, len(fetched))

	for _, incoming := range fetched {
		idx := slices.IndexFunc(current, func(t *Thread) bool { return t.ID() == incoming.ID() })
		if idx < 0 {
			threads = append(threads, incoming)
			continue
		}

		existing := current[idx]
		if existing.State().IsStateStale {
			if err := existing.HydrateState(incoming); err != nil {
				m.logger.Warn("hydrating thread", slog.String("error", err.Error()))
			}
		}

		threads = append(threads, existing)
	}

	m.state.PartialNext(func(s *ThreadManagerState) {
		s.Threads = threads
		s.UnseenThreadIDs = nil
		s.IsThreadOrderStale = false
		s.Pagination.IsLoading = false
		s.Pagination.NextCursor = next
		s.Ready = true
	})

	return nil
}

// LoadNextPage appends the next page of threads. It does nothing while a
// reload runs, and a page that returns after a reload started is dropped.
func (m *ThreadManager) LoadNextPage(ctx context.Context, limit int) error {
	var (
		cursor string
		gen    uint64
	)

	started := m.state.Update(func(s ThreadManagerState) (ThreadManagerState, bool) {
		if s.Pagination.IsLoading || s.Pagination.IsLoadingNext || s.Pagination.NextCursor == "" {
			return s, false
		}

		cursor = s.Pagination.NextCursor
		gen = m.generation.Load()
		s.Pagination.IsLoadingNext = true

		return s, true
	})
	if !started {
		return nil
	}

	fetched, next, err := m.client.QueryThreads(ctx, QueryThreadsOptions{Limit: limit, Next: cursor, Watch: true})

	applied := m.state.Update(func(s ThreadManagerState) (ThreadManagerState, bool) {
		if m.generation.Load() != gen {
			return s, false
		}

		s.Pagination.IsLoadingNext = false

		if err == nil {
			s.Threads = append(slices.Clone(s.Threads), fetched...)
			s.Pagination.NextCursor = next
		}

		return s, true
	})
	if !applied {
		m.logger.Debug("discarding superseded thread page")
		return nil
	}

	if err != nil {
		return fmt.Errorf("loading threads: %w", err)
	}

	return nil
}

// RegisterSubscriptions attaches the inbox handlers. Calling it again
// while registered does nothing.
func (m *ThreadManager) RegisterSubscriptions() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.unsubs) > 0 {
		return
	}

	if u := m.client.User(); u != nil {
		m.state.PartialNext(func(s *ThreadManagerState) { s.UnreadThreadCount = u.UnreadThreads })
	}

	for _, t := range []EventType{
		EventHealthCheck,
		EventNotificationMarkRead,
		EventNotificationMarkUnread,
		EventNotificationThreadMessageNew,
		EventNotificationChannelDeleted,
	} {
		m.unsubs = append(m.unsubs, m.client.On(t, m.handleUnreadCount))
	}

	m.unsubs = append(m.unsubs,
		m.client.On(EventNotificationChannelDeleted, m.handleChannelDeleted),
		m.client.On(EventNotificationThreadMessageNew, m.handleNewReply),
		m.client.On(EventConnectionChanged, m.handleConnectionChanged),
		m.client.On(EventConnectionRecovered, m.handleConnectionRecovered),
		store.SubscribeWithSelector(m.state,
			func(s ThreadManagerState) []*Thread { return s.Threads },
			func(next, _ []*Thread) { m.syncThreadSubscriptions(next) }),
		store.SubscribeWithSelector(m.state,
			func(s ThreadManagerState) bool { return s.Active },
			func(active, _ bool) {
				if !active {
					return
				}

				m.client.goAsync(func(ctx context.Context) {
					if err := m.Reload(ctx, false); err != nil {
						m.logger.Warn("reloading threads on activation", slog.String("error", err.Error()))
					}
				})
			}),
	)
}

// UnregisterSubscriptions detaches the inbox handlers and those of every
// listed thread.
func (m *ThreadManager) UnregisterSubscriptions() {
	m.mu.Lock()
	unsubs := m.unsubs
	m.unsubs = nil
	m.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}

	m.syncThreadSubscriptions(nil)
}

// syncThreadSubscriptions registers listed threads and unregisters the
// ones that left the list.
func (m *ThreadManager) syncThreadSubscriptions(threads []*Thread) {
	m.registeredMu.Lock()
	defer m.registeredMu.Unlock()

	listed := make(map[*Thread]struct{}, len(threads))

	for _, t := range threads {
		listed[t] = struct{}{}
		if _, ok := m.registered[t]; !ok {
			t.RegisterSubscriptions()
			m.registered[t] = struct{}{}
		}
	}

	for t := range m.registered {
		if _, ok := listed[t]; !ok {
			t.UnregisterSubscriptions()
			delete(m.registered, t)
		}
	}
}

func (m *ThreadManager) handleUnreadCount(e *Event) {
	var count *int

	switch {
	case e.Me != nil:
		count = intPtr(e.Me.UnreadThreads)
	case e.UnreadThreads != nil:
		count = e.UnreadThreads
	}

	if count == nil {
		return
	}

	m.state.Update(func(s ThreadManagerState) (ThreadManagerState, bool) {
		if s.UnreadThreadCount == *count {
			return s, false
		}

		s.UnreadThreadCount = *count

		return s, true
	})
}

func (m *ThreadManager) handleChannelDeleted(e *Event) {
	cid := e.ChannelCID()
	if cid == "" {
		return
	}

	m.state.Update(func(s ThreadManagerState) (ThreadManagerState, bool) {
		kept := slices.DeleteFunc(slices.Clone(s.Threads), func(t *Thread) bool {
			ch := t.Channel()
			return ch != nil && ch.CID() == cid
		})
		if len(kept) == len(s.Threads) {
			return s, false
		}

		s.Threads = kept

		return s, true
	})
}

func (m *ThreadManager) handleNewReply(e *Event) {
	if e.Message == nil || e.Message.ParentID == "" {
		return
	}

	parentID := e.Message.ParentID
	known := m.threadByID(parentID) != nil

	m.state.Update(func(s ThreadManagerState) (ThreadManagerState, bool) {
		if !s.Ready {
			return s, false
		}

		if known {
			if s.IsThreadOrderStale {
				return s, false
			}

			s.IsThreadOrderStale = true

			return s, true
		}

		if slices.Contains(s.UnseenThreadIDs, parentID) {
			return s, false
		}

		s.UnseenThreadIDs = append(slices.Clone(s.UnseenThreadIDs), parentID)

		return s, true
	})
}

func (m *ThreadManager) handleConnectionChanged(e *Event) {
	if e.Online {
		return
	}

	at := e.ReceivedAt

	m.state.Update(func(s ThreadManagerState) (ThreadManagerState, bool) {
		if s.LastConnectionDropAt != nil {
			return s, false
		}

		s.LastConnectionDropAt = &at

		return s, true
	})
}

func (m *ThreadManager) handleConnectionRecovered(*Event) {
	if m.State().LastConnectionDropAt == nil {
		return
	}

	m.client.goAsync(func(ctx context.Context) {
		if err := m.Reload(ctx, true); err != nil {
			m.logger.Warn("reloading threads after reconnect", slog.String("error", err.Error()))
		}
	})

	m.state.PartialNext(func(s *ThreadManagerState) { s.LastConnectionDropAt = nil })
}
