package chat

import (
	"strings"
	"time"
)

// EventType discriminates the event envelope.
type EventType string

// AllEvents registers a listener for every event type.
const AllEvents EventType = "all"

// Connection lifecycle events. The last three are synthesized by the
// client rather than sent by the server.
const (
	EventHealthCheck         EventType = "health.check"
	EventConnectionChanged   EventType = "connection.changed"
	EventConnectionRecovered EventType = "connection.recovered"
	EventTransportChanged    EventType = "transport.changed"
)

// Message and reaction events.
const (
	EventMessageNew      EventType = "message.new"
	EventMessageUpdated  EventType = "message.updated"
	EventMessageDeleted  EventType = "message.deleted"
	EventMessageRead     EventType = "message.read"
	EventReactionNew     EventType = "reaction.new"
	EventReactionUpdated EventType = "reaction.updated"
	EventReactionDeleted EventType = "reaction.deleted"
)

// Channel and membership events.
const (
	EventChannelUpdated   EventType = "channel.updated"
	EventChannelDeleted   EventType = "channel.deleted"
	EventChannelTruncated EventType = "channel.truncated"
	EventChannelHidden    EventType = "channel.hidden"
	EventChannelVisible   EventType = "channel.visible"
	EventMemberAdded      EventType = "member.added"
	EventMemberUpdated    EventType = "member.updated"
	EventMemberRemoved    EventType = "member.removed"
)

// User events.
const (
	EventUserUpdated         EventType = "user.updated"
	EventUserPresenceChanged EventType = "user.presence.changed"
	EventUserWatchingStart   EventType = "user.watching.start"
	EventUserWatchingStop    EventType = "user.watching.stop"
)

// Notification events, delivered for channels the user is not watching.
const (
	EventNotificationMessageNew          EventType = "notification.message_new"
	EventNotificationAddedToChannel      EventType = "notification.added_to_channel"
	EventNotificationRemovedFromChannel  EventType = "notification.removed_from_channel"
	EventNotificationMarkRead            EventType = "notification.mark_read"
	EventNotificationMarkUnread          EventType = "notification.mark_unread"
	EventNotificationChannelDeleted      EventType = "notification.channel_deleted"
	EventNotificationMutesUpdated        EventType = "notification.mutes_updated"
	EventNotificationChannelMutesUpdated EventType = "notification.channel_mutes_updated"
	EventNotificationThreadMessageNew    EventType = "notification.thread_message_new"
)

// Thread and poll events.
const (
	EventThreadUpdated   EventType = "thread.updated"
	EventPollUpdated     EventType = "poll.updated"
	EventPollClosed      EventType = "poll.closed"
	EventPollDeleted     EventType = "poll.deleted"
	EventPollVoteCasted  EventType = "poll.vote_casted"
	EventPollVoteChanged EventType = "poll.vote_changed"
	EventPollVoteRemoved EventType = "poll.vote_removed"
)

var knownEventTypes = map[EventType]struct{}{
	EventHealthCheck: {}, EventConnectionChanged: {}, EventConnectionRecovered: {}, EventTransportChanged: {},
	EventMessageNew: {}, EventMessageUpdated: {}, EventMessageDeleted: {}, EventMessageRead: {},
	EventReactionNew: {}, EventReactionUpdated: {}, EventReactionDeleted: {},
	EventChannelUpdated: {}, EventChannelDeleted: {}, EventChannelTruncated: {}, EventChannelHidden: {}, EventChannelVisible: {},
	EventMemberAdded: {}, EventMemberUpdated: {}, EventMemberRemoved: {},
	EventUserUpdated: {}, EventUserPresenceChanged: {}, EventUserWatchingStart: {}, EventUserWatchingStop: {},
	EventNotificationMessageNew: {}, EventNotificationAddedToChannel: {}, EventNotificationRemovedFromChannel: {},
	EventNotificationMarkRead: {}, EventNotificationMarkUnread: {}, EventNotificationChannelDeleted: {},
	EventNotificationMutesUpdated: {}, EventNotificationChannelMutesUpdated: {}, EventNotificationThreadMessageNew: {},
	EventThreadUpdated: {},
	EventPollUpdated: {}, EventPollClosed: {}, EventPollDeleted: {},
	EventPollVoteCasted: {}, EventPollVoteChanged: {}, EventPollVoteRemoved: {},
}

// Known reports whether t is an event type the client understands.
// Unknown events are still delivered to listeners.
func (t EventType) Known() bool {
	_, ok := knownEventTypes[t]
	return ok
}

// TransportMode names the transport currently carrying events.
type TransportMode string

const (
	TransportWebsocket TransportMode = "websocket"
	TransportLongPoll  TransportMode = "longpoll"
)

// Event is the envelope for every inbound and client-synthesized event.
// Counters are pointers so an absent field is distinguishable from zero.
type Event struct {
	Type         EventType      `json:"type"`
	CID          string         `json:"cid,omitempty"`
	ChannelID    string         `json:"channel_id,omitempty"`
	ChannelType  string         `json:"channel_type,omitempty"`
	Channel      *ChannelData   `json:"channel,omitempty"`
	Message      *Message       `json:"message,omitempty"`
	Member       *ChannelMember `json:"member,omitempty"`
	User         *User          `json:"user,omitempty"`
	Me           *User          `json:"me,omitempty"`
	Poll         *PollData      `json:"poll,omitempty"`
	PollVote     *PollVote      `json:"poll_vote,omitempty"`
	Reaction     *Reaction      `json:"reaction,omitempty"`
	Thread       *ThreadData    `json:"thread,omitempty"`
	ConnectionID string         `json:"connection_id,omitempty"`

	TotalUnreadCount  *int   `json:"total_unread_count,omitempty"`
	UnreadChannels    *int   `json:"unread_channels,omitempty"`
	UnreadThreads     *int   `json:"unread_threads,omitempty"`
	UnreadMessages    *int   `json:"unread_messages,omitempty"`
	LastReadMessageID string `json:"last_read_message_id,omitempty"`
	WatcherCount      int    `json:"watcher_count,omitempty"`
	HardDelete        bool   `json:"hard_delete,omitempty"`
	ClearHistory      bool   `json:"clear_history,omitempty"`

	CreatedAt  time.Time `json:"created_at,omitzero"`
	ReceivedAt time.Time `json:"received_at,omitzero"`

	// Client-synthesized fields.
	Online bool          `json:"online,omitempty"`
	Mode   TransportMode `json:"mode,omitempty"`
}

// ChannelCID resolves the channel an event refers to, from the cid field,
// the nested channel, or the type/id pair.
func (e *Event) ChannelCID() string {
	if e.CID != "" {
		return e.CID
	}

	if e.Channel != nil && e.Channel.CID != "" {
		return e.Channel.CID
	}

	if e.ChannelType != "" && e.ChannelID != "" {
		return e.ChannelType + ":" + e.ChannelID
	}

	return ""
}

// channelTypeID returns the type and id of the referenced channel.
func (e *Event) channelTypeID() (string, string) {
	if e.ChannelType != "" && e.ChannelID != "" {
		return e.ChannelType, e.ChannelID
	}

	if e.Channel != nil && e.Channel.Type != "" && e.Channel.ID != "" {
		return e.Channel.Type, e.Channel.ID
	}

	if typ, id, ok := strings.Cut(e.CID, ":"); ok {
		return typ, id
	}

	return "", ""
}

// eventTime is the server timestamp of the event, or its receipt time.
func (e *Event) eventTime() time.Time {
	if !e.CreatedAt.IsZero() {
		return e.CreatedAt
	}

	return e.ReceivedAt
}

func intPtr(v int) *int {
	return &v
}
