package chat

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/alexjbarnes/chatsync/internal/listutil"
	"github.com/alexjbarnes/chatsync/store"
)

const defaultRepliesPageLimit = 50

// ThreadReadState is one user's read position in a thread.
type ThreadReadState struct {
	User               *User
	LastReadAt         time.Time
	LastReadMessageID  string
	UnreadMessageCount int
}

// ThreadPagination holds the reply cursors. An empty cursor means there
// is nothing more to load in that direction.
type ThreadPagination struct {
	IsLoadingNext bool
	IsLoadingPrev bool
	NextCursor    string
	PrevCursor    string
}

// ThreadState is the snapshot of one thread.
type ThreadState struct {
	Active        bool
	IsLoading     bool
	IsStateStale  bool
	Pagination    ThreadPagination
	ParentMessage *Message
	Participants  []ThreadParticipant
	Read          map[string]ThreadReadState
	Replies       []*Message
	ReplyCount    int
	Title         string
	Channel       *Channel
	CreatedAt     time.Time
	UpdatedAt     time.Time
	DeletedAt     *time.Time
}

// Thread is the local state of one thread, keyed by its parent message id.
type Thread struct {
	client *Client
	logger *slog.Logger
	id     string
	state  *store.Store[ThreadState]

	mu     sync.Mutex
	unsubs []func()
}

func newThread(client *Client, data *ThreadData, logger *slog.Logger) *Thread {
	read := make(map[string]ThreadReadState, len(data.Read))
	for _, r := range data.Read {
		if r.User == nil {
			continue
		}

		read[r.User.ID] = ThreadReadState{
			User:               r.User,
			LastReadAt:         r.LastRead,
			LastReadMessageID:  r.LastReadMessageID,
			UnreadMessageCount: r.UnreadMessages,
		}
	}

	if len(read) == 0 && client.userID != "" {
		read[client.userID] = ThreadReadState{
			User:       &User{ID: client.userID},
			LastReadAt: client.now(),
		}
	}

	prevCursor := ""
	if len(data.LatestReplies) != data.ReplyCount && len(data.LatestReplies) > 0 {
		prevCursor = data.LatestReplies[0].ID
	}

	return &Thread{
		client: client,
		logger: logger.With(slog.String("thread", data.ParentMessageID)),
		id:     data.ParentMessageID,
		state: store.New(ThreadState{
			Pagination:    ThreadPagination{PrevCursor: prevCursor},
			ParentMessage: data.ParentMessage,
			Participants:  data.Participants,
			Read:          read,
			Replies:       slices.Clone(data.LatestReplies),
			ReplyCount:    data.ReplyCount,
			Title:         data.Title,
			Channel:       threadChannel(client, data),
			CreatedAt:     data.CreatedAt,
			UpdatedAt:     data.UpdatedAt,
			DeletedAt:     data.DeletedAt,
		}),
	}
}

func threadChannel(client *Client, data *ThreadData) *Channel {
	if data.Channel != nil && data.Channel.Type != "" && data.Channel.ID != "" {
		return client.Channel(data.Channel.Type, data.Channel.ID)
	}

	if typ, id, ok := strings.Cut(data.ChannelCID, ":"); ok {
		return client.Channel(typ, id)
	}

	return nil
}

// ID returns the parent message id.
func (t *Thread) ID() string { return t.id }

// State returns the latest thread snapshot.
func (t *Thread) State() ThreadState { return t.state.GetLatestValue() }

// Store exposes the thread snapshot for subscription.
func (t *Thread) Store() *store.Store[ThreadState] { return t.state }

// Channel returns the channel the thread belongs to.
func (t *Thread) Channel() *Channel { return t.State().Channel }

func (t *Thread) ownUnreadCount() int {
	return t.State().Read[t.client.userID].UnreadMessageCount
}

// Activate marks the thread as being viewed. Unread replies are marked
// read and a stale thread is reloaded.
func (t *Thread) Activate() {
	t.state.PartialNext(func(s *ThreadState) { s.Active = true })
}

// Deactivate marks the thread as no longer viewed.
func (t *Thread) Deactivate() {
	t.state.PartialNext(func(s *ThreadState) { s.Active = false })
}

// UpsertReplyLocally inserts or replaces a reply.
func (t *Thread) UpsertReplyLocally(msg *Message, timestampChanged bool) error {
	if msg.ParentID != t.id {
		return fmt.Errorf("%w: reply %s has parent %q", ErrThreadMismatch, msg.ID, msg.ParentID)
	}

	t.state.PartialNext(func(s *ThreadState) {
		s.Replies = AddToMessageList(s.Replies, msg, timestampChanged, true)
	})

	return nil
}

// UpdateParentMessageLocally replaces the parent message.
func (t *Thread) UpdateParentMessageLocally(msg *Message) error {
	if msg.ID != t.id {
		return fmt.Errorf("%w: message %s is not the parent", ErrThreadMismatch, msg.ID)
	}

	t.state.PartialNext(func(s *ThreadState) {
		s.DeletedAt = msg.DeletedAt
		s.ParentMessage = msg

		if msg.ReplyCount > 0 {
			s.ReplyCount = msg.ReplyCount
		}
	})

	return nil
}

// UpdateParentMessageOrReplyLocally applies msg as a reply or as the
// parent, whichever it is. Unrelated messages are ignored.
func (t *Thread) UpdateParentMessageOrReplyLocally(msg *Message) {
	if msg.ParentID == t.id {
		_ = t.UpsertReplyLocally(msg, false)
	}

	if msg.ParentID == "" && msg.ID == t.id {
		_ = t.UpdateParentMessageLocally(msg)
	}
}

// DeleteReplyLocally removes a reply.
func (t *Thread) DeleteReplyLocally(msg *Message) {
	t.state.Update(func(s ThreadState) (ThreadState, bool) {
		next := RemoveFromMessageList(s.Replies, msg.ID)
		if len(next) == len(s.Replies) {
			return s, false
		}

		s.Replies = next

		return s, true
	})
}

// HydrateState copies server state from other, a freshly fetched instance
// of the same thread. Local replies still sending or failed are kept.
func (t *Thread) HydrateState(other *Thread) error {
	if other == t {
		return nil
	}

	if other.id != t.id {
		return fmt.Errorf("%w: cannot hydrate %s from %s", ErrThreadMismatch, t.id, other.id)
	}

	o := other.State()

	t.state.PartialNext(func(s *ThreadState) {
		replies := o.Replies

		for _, r := range s.Replies {
			if r.Status != MessageSending && r.Status != MessageFailed {
				continue
			}

			if slices.ContainsFunc(replies, func(m *Message) bool { return m.ID == r.ID }) {
				continue
			}

			replies = AddToMessageList(replies, r, false, true)
		}

		s.Read = o.Read
		s.ReplyCount = o.ReplyCount
		s.Replies = replies
		s.ParentMessage = o.ParentMessage
		s.Participants = o.Participants
		s.CreatedAt = o.CreatedAt
		s.DeletedAt = o.DeletedAt
		s.UpdatedAt = o.UpdatedAt
		s.IsStateStale = false
	})

	return nil
}

// LoadNextPage loads replies after the newest loaded one.
func (t *Thread) LoadNextPage(ctx context.Context, limit int) error {
	return t.loadPage(ctx, limit, false)
}

// LoadPrevPage loads replies before the oldest loaded one.
func (t *Thread) LoadPrevPage(ctx context.Context, limit int) error {
	return t.loadPage(ctx, limit, true)
}

func (t *Thread) loadPage(ctx context.Context, limit int, prev bool) error {
	if limit <= 0 {
		limit = defaultRepliesPageLimit
	}

	var cursor string

	started := t.state.Update(func(s ThreadState) (ThreadState, bool) {
		loading, c := s.Pagination.IsLoadingNext, s.Pagination.NextCursor
		if prev {
			loading, c = s.Pagination.IsLoadingPrev, s.Pagination.PrevCursor
		}

		if loading || c == "" {
			return s, false
		}

		cursor = c
		setPageLoading(&s.Pagination, prev, true)

		return s, true
	})
	if !started {
		return nil
	}

	page := MessagePagination{Limit: limit}
	if prev {
		page.IDLt = cursor
	} else {
		page.IDGt = cursor
	}

	msgs, err := t.client.api.GetReplies(ctx, t.id, page)
	if err != nil {
		t.state.PartialNext(func(s *ThreadState) { setPageLoading(&s.Pagination, prev, false) })
		return fmt.Errorf("loading replies: %w", err)
	}

	t.state.PartialNext(func(s *ThreadState) {
		var replies []*Message
		if prev {
			replies = append(slices.Clone(msgs), s.Replies...)
		} else {
			replies = append(slices.Clone(s.Replies), msgs...)
		}

		s.Replies = listutil.UniqBy(replies, func(m *Message) string { return m.ID })

		next := ""
		if len(msgs) >= limit {
			if prev {
				next = msgs[0].ID
			} else {
				next = msgs[len(msgs)-1].ID
			}
		}

		if prev {
			s.Pagination.PrevCursor = next
		} else {
			s.Pagination.NextCursor = next
		}

		setPageLoading(&s.Pagination, prev, false)
	})

	return nil
}

func setPageLoading(p *ThreadPagination, prev, loading bool) {
	if prev {
		p.IsLoadingPrev = loading
	} else {
		p.IsLoadingNext = loading
	}
}

// MarkAsRead marks the thread read for the current user. Without force it
// does nothing when there is nothing unread.
func (t *Thread) MarkAsRead(ctx context.Context, force bool) error {
	if t.ownUnreadCount() == 0 && !force {
		return nil
	}

	ch := t.Channel()
	if ch == nil {
		return ErrMissingChannelID
	}

	if err := ch.markRead(ctx, MarkReadRequest{ThreadID: t.id}); err != nil {
		return fmt.Errorf("marking thread read: %w", err)
	}

	t.setOwnRead(func(r *ThreadReadState) {
		r.UnreadMessageCount = 0
		r.LastReadAt = t.client.now()
	})

	return nil
}

// Reload refetches the thread and hydrates this instance with it.
func (t *Thread) Reload(ctx context.Context) error {
	started := t.state.Update(func(s ThreadState) (ThreadState, bool) {
		if s.IsLoading {
			return s, false
		}

		s.IsLoading = true

		return s, true
	})
	if !started {
		return nil
	}

	defer t.state.PartialNext(func(s *ThreadState) { s.IsLoading = false })

	fresh, err := t.client.GetThread(ctx, t.id, GetThreadOptions{Watch: true})
	if err != nil {
		return fmt.Errorf("reloading thread: %w", err)
	}

	return t.HydrateState(fresh)
}

func (t *Thread) setOwnRead(patch func(r *ThreadReadState)) {
	userID := t.client.userID

	t.state.PartialNext(func(s *ThreadState) {
		read := maps.Clone(s.Read)
		if read == nil {
			read = map[string]ThreadReadState{}
		}

		r := read[userID]
		patch(&r)
		read[userID] = r
		s.Read = read
	})
}

// RegisterSubscriptions attaches the thread's event handlers and its
// mark-read and reload reactions. Calling it again while registered does
// nothing.
func (t *Thread) RegisterSubscriptions() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.unsubs) > 0 {
		return
	}

	t.unsubs = append(t.unsubs,
		t.client.On(EventMessageNew, t.handleMessageNew),
		t.client.On(EventMessageRead, t.handleMessageRead),
		t.client.On(EventMessageUpdated, t.handleMessageUpdate),
		t.client.On(EventMessageDeleted, t.handleMessageUpdate),
		t.client.On(EventReactionNew, t.handleMessageUpdate),
		t.client.On(EventReactionUpdated, t.handleMessageUpdate),
		t.client.On(EventReactionDeleted, t.handleMessageUpdate),
		t.client.On(EventUserWatchingStop, t.handleWatchingStop),
		t.client.On(EventThreadUpdated, t.handleThreadUpdated),
		store.SubscribeWithSelector(t.state,
			func(s ThreadState) [2]int { return [2]int{boolInt(s.Active), s.Read[t.client.userID].UnreadMessageCount} },
			func(next, _ [2]int) {
				if next[0] == 1 && next[1] > 0 {
					t.client.goAsync(func(ctx context.Context) {
						if err := t.MarkAsRead(ctx, false); err != nil {
							t.logger.Warn("marking thread read", slog.String("error", err.Error()))
						}
					})
				}
			}),
		store.SubscribeWithSelector(t.state,
			func(s ThreadState) bool { return s.Active && s.IsStateStale },
			func(next, _ bool) {
				if next {
					t.client.goAsync(func(ctx context.Context) {
						if err := t.Reload(ctx); err != nil {
							t.logger.Warn("reloading stale thread", slog.String("error", err.Error()))
						}
					})
				}
			}),
	)
}

// UnregisterSubscriptions detaches every handler.
func (t *Thread) UnregisterSubscriptions() {
	t.mu.Lock()
	unsubs := t.unsubs
	t.unsubs = nil
	t.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
}

func (t *Thread) handleMessageNew(e *Event) {
	msg := e.Message
	if msg == nil || msg.ParentID != t.id {
		return
	}

	s := t.State()
	if s.IsStateStale {
		return
	}

	userID := t.client.userID
	own := msg.User != nil && msg.User.ID == userID

	_ = t.UpsertReplyLocally(msg, own)

	if s.Active {
		t.client.goAsync(func(ctx context.Context) {
			if err := t.MarkAsRead(ctx, false); err != nil {
				t.logger.Warn("marking thread read", slog.String("error", err.Error()))
			}
		})
	}

	var senderID string
	if e.User != nil {
		senderID = e.User.ID
	} else if msg.User != nil {
		senderID = msg.User.ID
	}

	t.state.PartialNext(func(s *ThreadState) {
		read := make(map[string]ThreadReadState, len(s.Read))

		for id, r := range s.Read {
			switch {
			case id == senderID:
				r.LastReadAt = e.eventTime()
				r.LastReadMessageID = msg.ID
				r.UnreadMessageCount = 0
			case s.Active && id == userID:
			default:
				r.UnreadMessageCount++
			}

			read[id] = r
		}

		s.Read = read
	})
}

func (t *Thread) handleMessageRead(e *Event) {
	if e.User == nil || e.Thread == nil || e.Thread.ParentMessageID != t.id {
		return
	}

	user := e.User

	t.state.PartialNext(func(s *ThreadState) {
		read := maps.Clone(s.Read)
		if read == nil {
			read = map[string]ThreadReadState{}
		}

		read[user.ID] = ThreadReadState{
			User:              user,
			LastReadAt:        e.eventTime(),
			LastReadMessageID: e.LastReadMessageID,
		}
		s.Read = read
	})
}

func (t *Thread) handleMessageUpdate(e *Event) {
	if e.Message == nil {
		return
	}

	if e.Type == EventMessageDeleted && e.HardDelete && e.Message.ParentID == t.id {
		t.DeleteReplyLocally(e.Message)
		return
	}

	t.UpdateParentMessageOrReplyLocally(e.Message)
}

func (t *Thread) handleWatchingStop(e *Event) {
	if e.User == nil || t.client.userID == "" || e.User.ID != t.client.userID {
		return
	}

	ch := t.Channel()
	if ch == nil || e.ChannelCID() != ch.CID() {
		return
	}

	t.state.PartialNext(func(s *ThreadState) { s.IsStateStale = true })
}

func (t *Thread) handleThreadUpdated(e *Event) {
	if e.Thread == nil || e.Thread.ParentMessageID != t.id {
		return
	}

	data := e.Thread

	t.state.PartialNext(func(s *ThreadState) {
		s.Title = data.Title
		s.UpdatedAt = data.UpdatedAt
		s.DeletedAt = data.DeletedAt
	})
}

func boolInt(b bool) int {
	if b {
		return 1
	}

	return 0
}
