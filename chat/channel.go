package chat

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/alexjbarnes/chatsync/store"
	"github.com/google/uuid"
)

// defaultMessageLimit is the page size the server applies when a channel
// query does not set one.
const defaultMessageLimit = 25

// ChannelState is the local snapshot of one channel.
type ChannelState struct {
	Data             *ChannelData
	Messages         []*Message
	Members          map[string]ChannelMember
	Membership       *ChannelMember
	Read             map[string]ReadState
	Watchers         map[string]User
	WatcherCount     int
	HasOlderMessages bool
	Initialized      bool
}

// Channel is the client-side cache of one channel. Instances are unique per
// cid within a client and are shared by every manager that lists them.
type Channel struct {
	client *Client
	logger *slog.Logger
	typ    string

	mu      sync.Mutex
	id      string
	cid     string
	members []string

	state  *store.Store[ChannelState]
	router *Router
}

func newChannel(client *Client, channelType, id string, members []string, logger *slog.Logger) *Channel {
	cid := channelType + ":" + id
	if id == "" && len(members) > 0 {
		cid = tempCID(channelType, members)
	}

	return &Channel{
		client:  client,
		logger:  logger.With(slog.String("cid", cid)),
		typ:     channelType,
		id:      id,
		cid:     cid,
		members: members,
		state: store.New(ChannelState{
			Members:  map[string]ChannelMember{},
			Read:     map[string]ReadState{},
			Watchers: map[string]User{},
		}),
		router: newRouter(),
	}
}

// Type returns the channel type.
func (ch *Channel) Type() string { return ch.typ }

// ID returns the server id, or "" before a membership channel is watched.
func (ch *Channel) ID() string {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	return ch.id
}

// CID returns "type:id", or the temporary membership cid.
func (ch *Channel) CID() string {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	return ch.cid
}

func (ch *Channel) memberIDs() []string {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if len(ch.members) > 0 {
		return ch.members
	}

	ids := slices.Collect(maps.Keys(ch.state.GetLatestValue().Members))
	slices.Sort(ids)

	return ids
}

func (ch *Channel) isTemporary() bool {
	return strings.Contains(ch.CID(), ":"+tempCIDPrefix)
}

// State returns the latest channel snapshot.
func (ch *Channel) State() ChannelState { return ch.state.GetLatestValue() }

// Store exposes the channel snapshot for subscription.
func (ch *Channel) Store() *store.Store[ChannelState] { return ch.state }

// On registers a channel-level listener.
func (ch *Channel) On(t EventType, h Handler) func() {
	return ch.router.On(t, h)
}

// CountUnread returns the current user's unread count in this channel.
func (ch *Channel) CountUnread() int {
	return ch.State().Read[ch.client.userID].UnreadMessages
}

// Watch queries the channel with state and starts receiving its events.
func (ch *Channel) Watch(ctx context.Context) error {
	_, err := ch.Query(ctx, ChannelQueryRequest{Watch: true, State: true, Presence: true})
	return err
}

// Query queries the channel and applies the response to the local state.
// Channels created by members are assigned their server id here.
func (ch *Channel) Query(ctx context.Context, req ChannelQueryRequest) (*ChannelAPIResponse, error) {
	if ch.typ == "" {
		return nil, ErrMissingChannelType
	}

	ch.mu.Lock()
	id, oldCID := ch.id, ch.cid
	members := ch.members
	ch.mu.Unlock()

	if id == "" && len(members) == 0 {
		return nil, ErrMissingChannelID
	}

	if id == "" {
		req.Members = members
	}

	connID, err := ch.client.waitForConnectionID(ctx)
	if err != nil {
		return nil, err
	}

	req.ConnectionID = connID

	resp, err := ch.client.api.QueryChannel(ctx, ch.typ, id, req)
	if err != nil {
		return nil, err
	}

	if resp == nil || resp.Channel == nil {
		return nil, fmt.Errorf("%w: channel query for %s returned no channel", ErrAPIResponse, oldCID)
	}

	if id == "" {
		ch.mu.Lock()
		ch.id = resp.Channel.ID
		ch.cid = resp.Channel.CID
		ch.members = nil
		ch.mu.Unlock()
		ch.client.rekey(oldCID, ch)
	}

	ch.applyResponse(resp, req.Messages != nil && req.Messages.IDLt != "")

	if req.Messages != nil && req.Messages.IDLt != "" {
		limit := req.Messages.Limit
		if limit <= 0 {
			limit = defaultMessageLimit
		}

		ch.state.PartialNext(func(s *ChannelState) {
			s.HasOlderMessages = len(resp.Messages) >= limit
		})
	}

	return resp, nil
}

// LoadOlderMessages fetches the page before the oldest loaded message.
func (ch *Channel) LoadOlderMessages(ctx context.Context, limit int) ([]*Message, error) {
	s := ch.State()
	if len(s.Messages) == 0 || !s.HasOlderMessages {
		return nil, nil
	}

	if limit <= 0 {
		limit = defaultMessageLimit
	}

	resp, err := ch.Query(ctx, ChannelQueryRequest{
		State:    true,
		Messages: &MessagePagination{Limit: limit, IDLt: s.Messages[0].ID},
	})
	if err != nil {
		return nil, err
	}

	return resp.Messages, nil
}

// applyResponse replaces the channel snapshot from a query response. When
// older is set the returned messages are merged ahead of the loaded ones
// instead of replacing them.
func (ch *Channel) applyResponse(resp *ChannelAPIResponse, older bool) {
	ch.state.Next(func(prev ChannelState) ChannelState {
		next := prev
		next.Data = resp.Channel
		next.Initialized = true

		if older {
			msgs := prev.Messages
			for _, m := range resp.Messages {
				msgs = AddToMessageList(msgs, m, false, true)
			}

			next.Messages = msgs
		} else {
			next.Messages = slices.Clone(resp.Messages)
			next.HasOlderMessages = len(resp.Messages) >= defaultMessageLimit
		}

		if len(resp.Members) > 0 {
			next.Members = make(map[string]ChannelMember, len(resp.Members))
			for _, m := range resp.Members {
				next.Members[m.userID()] = m
			}
		}

		if resp.Membership != nil {
			membership := *resp.Membership
			next.Membership = &membership
		}

		if len(resp.Read) > 0 {
			next.Read = make(map[string]ReadState, len(resp.Read))
			for _, r := range resp.Read {
				if r.User != nil {
					next.Read[r.User.ID] = r
				}
			}
		}

		if len(resp.Watchers) > 0 {
			next.Watchers = make(map[string]User, len(resp.Watchers))
			for _, w := range resp.Watchers {
				next.Watchers[w.ID] = w
			}
		}

		next.WatcherCount = resp.WatcherCount

		return next
	})

	ch.client.polls.HydratePollCache(resp.Messages, true)
}

// MarkRead marks the channel read up to the latest message.
func (ch *Channel) MarkRead(ctx context.Context) error {
	return ch.markRead(ctx, MarkReadRequest{})
}

func (ch *Channel) markRead(ctx context.Context, req MarkReadRequest) error {
	if err := ch.client.api.MarkRead(ctx, ch.typ, ch.ID(), req); err != nil {
		return err
	}

	if req.ThreadID != "" {
		return nil
	}

	ch.state.PartialNext(func(s *ChannelState) {
		userID := ch.client.userID
		read := maps.Clone(s.Read)
		r := read[userID]
		r.UnreadMessages = 0
		r.LastRead = ch.client.now()

		if n := len(s.Messages); n > 0 {
			r.LastReadMessageID = s.Messages[n-1].ID
		}

		read[userID] = r
		s.Read = read
	})

	return nil
}

// SendMessage inserts text as a pending message, sends it and reconciles
// the list with the stored message. A rejected message stays in the list
// with status failed.
func (ch *Channel) SendMessage(ctx context.Context, text string) (*Message, error) {
	userID := ch.client.userID

	pending := &Message{
		ID:        userID + "-" + uuid.NewString(),
		CID:       ch.CID(),
		Type:      "regular",
		Text:      text,
		User:      ch.client.User(),
		Status:    MessageSending,
		CreatedAt: ch.client.now(),
	}

	ch.upsertMessage(pending, false, true)

	stored, err := ch.client.api.SendMessage(ctx, ch.typ, ch.ID(), pending)
	if err != nil {
		failed := *pending
		failed.Status = MessageFailed
		ch.upsertMessage(&failed, false, false)

		return nil, fmt.Errorf("sending message: %w", err)
	}

	confirmed := *stored
	confirmed.Status = MessageReceived
	ch.upsertMessage(&confirmed, false, true)

	return &confirmed, nil
}

func (ch *Channel) upsertMessage(msg *Message, timestampChanged, addIfDoesNotExist bool) {
	ch.state.PartialNext(func(s *ChannelState) {
		s.Messages = AddToMessageList(s.Messages, msg, timestampChanged, addIfDoesNotExist)
	})
}

// handleEvent applies an event to the channel's local state. It runs
// before any listener sees the event.
func (ch *Channel) handleEvent(e *Event) {
	switch e.Type {
	case EventMessageNew:
		ch.handleMessageNew(e)

	case EventMessageUpdated, EventReactionNew, EventReactionUpdated, EventReactionDeleted:
		if e.Message != nil {
			ch.upsertMessage(e.Message, false, false)
		}

	case EventMessageDeleted:
		if e.Message == nil {
			return
		}

		if e.HardDelete {
			ch.state.PartialNext(func(s *ChannelState) {
				s.Messages = RemoveFromMessageList(s.Messages, e.Message.ID)
			})

			return
		}

		ch.upsertMessage(e.Message, false, false)

	case EventMessageRead:
		if e.Thread != nil || e.User == nil {
			return
		}

		ch.setRead(e.User.ID, ReadState{
			User:              e.User,
			LastRead:          e.eventTime(),
			LastReadMessageID: e.LastReadMessageID,
		})

	case EventNotificationMarkUnread:
		if e.User != nil && e.User.ID != ch.client.userID {
			return
		}

		read := ch.State().Read[ch.client.userID]
		read.LastReadMessageID = e.LastReadMessageID

		if e.UnreadMessages != nil {
			read.UnreadMessages = *e.UnreadMessages
		}

		ch.setRead(ch.client.userID, read)

	case EventMemberAdded, EventMemberUpdated:
		ch.handleMemberChange(e, false)

	case EventMemberRemoved:
		ch.handleMemberChange(e, true)

	case EventChannelUpdated:
		if e.Channel != nil {
			ch.state.PartialNext(func(s *ChannelState) {
				data := *e.Channel
				if data.Config == nil && s.Data != nil {
					data.Config = s.Data.Config
				}

				s.Data = &data
			})
		}

	case EventChannelTruncated:
		ch.state.PartialNext(func(s *ChannelState) {
			s.Messages = nil
			if e.Message != nil {
				s.Messages = []*Message{e.Message}
			}

			if s.Data != nil {
				data := *s.Data
				at := e.eventTime()
				data.TruncatedAt = &at
				s.Data = &data
			}
		})

	case EventChannelHidden, EventChannelVisible:
		ch.state.PartialNext(func(s *ChannelState) {
			if e.Type == EventChannelHidden && e.ClearHistory {
				s.Messages = nil
			}

			if s.Data != nil {
				data := *s.Data
				data.Hidden = e.Type == EventChannelHidden
				s.Data = &data
			}
		})

	case EventUserWatchingStart, EventUserWatchingStop:
		if e.User == nil {
			return
		}

		ch.state.PartialNext(func(s *ChannelState) {
			watchers := maps.Clone(s.Watchers)
			if e.Type == EventUserWatchingStart {
				watchers[e.User.ID] = *e.User
			} else {
				delete(watchers, e.User.ID)
			}

			s.Watchers = watchers
			s.WatcherCount = e.WatcherCount
		})
	}
}

func (ch *Channel) handleMessageNew(e *Event) {
	msg := e.Message
	if msg == nil || msg.IsReply() {
		return
	}

	userID := ch.client.userID
	own := msg.User != nil && msg.User.ID == userID

	ch.state.PartialNext(func(s *ChannelState) {
		s.Messages = AddToMessageList(s.Messages, msg, own, true)

		if s.Data != nil {
			data := *s.Data
			data.LastMessageAt = msg.CreatedAt
			s.Data = &data
		}

		read := maps.Clone(s.Read)

		if msg.User != nil {
			read[msg.User.ID] = ReadState{
				User:              msg.User,
				LastRead:          msg.CreatedAt,
				LastReadMessageID: msg.ID,
			}
		}

		if !own && userID != "" {
			r := read[userID]
			r.UnreadMessages++
			read[userID] = r
		}

		s.Read = read
	})
}

func (ch *Channel) handleMemberChange(e *Event, removed bool) {
	if e.Member == nil {
		return
	}

	id := e.Member.userID()
	own := id == ch.client.userID

	ch.state.PartialNext(func(s *ChannelState) {
		members := maps.Clone(s.Members)
		if removed {
			delete(members, id)
		} else {
			members[id] = *e.Member
		}

		s.Members = members

		if !own {
			return
		}

		if removed {
			s.Membership = nil
			return
		}

		membership := *e.Member
		s.Membership = &membership
	})
}

func (ch *Channel) setRead(userID string, r ReadState) {
	ch.state.PartialNext(func(s *ChannelState) {
		read := maps.Clone(s.Read)
		read[userID] = r
		s.Read = read
	})
}
