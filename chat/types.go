package chat

import (
	"encoding/json"
	"time"
)

// MessageStatus tracks where a message is in the optimistic send cycle.
type MessageStatus string

const (
	// MessageReceived is a server-confirmed message.
	MessageReceived MessageStatus = "received"
	// MessageSending is a locally inserted message awaiting confirmation.
	MessageSending MessageStatus = "sending"
	// MessageFailed is a local message the server rejected.
	MessageFailed MessageStatus = "failed"
)

// User is a chat participant. The own user carries unread counters and
// mute lists in addition to the public profile.
type User struct {
	ID         string    `json:"id"`
	Name       string    `json:"name,omitempty"`
	Image      string    `json:"image,omitempty"`
	Role       string    `json:"role,omitempty"`
	Online     bool      `json:"online,omitempty"`
	LastActive time.Time `json:"last_active,omitzero"`

	TotalUnreadCount int           `json:"total_unread_count,omitempty"`
	UnreadChannels   int           `json:"unread_channels,omitempty"`
	UnreadThreads    int           `json:"unread_threads,omitempty"`
	Mutes            []Mute        `json:"mutes,omitempty"`
	ChannelMutes     []ChannelMute `json:"channel_mutes,omitempty"`
}

// Mute records that one user muted another.
type Mute struct {
	User      *User     `json:"user,omitempty"`
	Target    *User     `json:"target,omitempty"`
	CreatedAt time.Time `json:"created_at,omitzero"`
	Expires   time.Time `json:"expires,omitzero"`
}

// ChannelMute records that a user muted a channel.
type ChannelMute struct {
	User      *User        `json:"user,omitempty"`
	Channel   *ChannelData `json:"channel,omitempty"`
	CreatedAt time.Time    `json:"created_at,omitzero"`
	Expires   time.Time    `json:"expires,omitzero"`
}

// Reaction is a single user reaction on a message.
type Reaction struct {
	Type      string    `json:"type"`
	MessageID string    `json:"message_id,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	User      *User     `json:"user,omitempty"`
	Score     int       `json:"score,omitempty"`
	CreatedAt time.Time `json:"created_at,omitzero"`
}

// Message is a channel message or thread reply. Published messages are
// treated as immutable: updates replace the pointer held by a list.
type Message struct {
	ID            string        `json:"id"`
	CID           string        `json:"cid,omitempty"`
	Type          string        `json:"type,omitempty"`
	Text          string        `json:"text,omitempty"`
	User          *User         `json:"user,omitempty"`
	ParentID      string        `json:"parent_id,omitempty"`
	ShowInChannel bool          `json:"show_in_channel,omitempty"`
	Status        MessageStatus `json:"status,omitempty"`
	CreatedAt     time.Time     `json:"created_at,omitzero"`
	UpdatedAt     time.Time     `json:"updated_at,omitzero"`
	DeletedAt     *time.Time    `json:"deleted_at,omitempty"`
	PinnedAt      *time.Time    `json:"pinned_at,omitempty"`

	ReplyCount         int            `json:"reply_count,omitempty"`
	ThreadParticipants []User         `json:"thread_participants,omitempty"`
	LatestReactions    []Reaction     `json:"latest_reactions,omitempty"`
	ReactionCounts     map[string]int `json:"reaction_counts,omitempty"`

	PollID string    `json:"poll_id,omitempty"`
	Poll   *PollData `json:"poll,omitempty"`
}

// IsReply reports whether the message belongs to a thread only.
func (m *Message) IsReply() bool {
	return m.ParentID != "" && !m.ShowInChannel
}

// ChannelConfig is the per-type feature configuration the server sends
// along with channel payloads.
type ChannelConfig struct {
	Name             string `json:"name,omitempty"`
	TypingEvents     bool   `json:"typing_events,omitempty"`
	ReadEvents       bool   `json:"read_events,omitempty"`
	Reactions        bool   `json:"reactions,omitempty"`
	Replies          bool   `json:"replies,omitempty"`
	Polls            bool   `json:"polls,omitempty"`
	MaxMessageLength int    `json:"max_message_length,omitempty"`
}

// ChannelData is the server description of a channel.
type ChannelData struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	CID           string         `json:"cid"`
	Name          string         `json:"name,omitempty"`
	CreatedBy     *User          `json:"created_by,omitempty"`
	MemberCount   int            `json:"member_count,omitempty"`
	Frozen        bool           `json:"frozen,omitempty"`
	Hidden        bool           `json:"hidden,omitempty"`
	Config        *ChannelConfig `json:"config,omitempty"`
	LastMessageAt time.Time      `json:"last_message_at,omitzero"`
	CreatedAt     time.Time      `json:"created_at,omitzero"`
	UpdatedAt     time.Time      `json:"updated_at,omitzero"`
	TruncatedAt   *time.Time     `json:"truncated_at,omitempty"`
	Custom        map[string]any `json:"custom,omitempty"`
}

// ChannelMember is a user's membership in one channel. PinnedAt and
// ArchivedAt are per-user markers that drive list ordering.
type ChannelMember struct {
	UserID      string     `json:"user_id,omitempty"`
	User        *User      `json:"user,omitempty"`
	Role        string     `json:"role,omitempty"`
	ChannelRole string     `json:"channel_role,omitempty"`
	PinnedAt    *time.Time `json:"pinned_at,omitempty"`
	ArchivedAt  *time.Time `json:"archived_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at,omitzero"`
}

func (m ChannelMember) userID() string {
	if m.User != nil && m.User.ID != "" {
		return m.User.ID
	}

	return m.UserID
}

// ReadState is one user's read position in a channel.
type ReadState struct {
	User              *User     `json:"user,omitempty"`
	LastRead          time.Time `json:"last_read,omitzero"`
	LastReadMessageID string    `json:"last_read_message_id,omitempty"`
	UnreadMessages    int       `json:"unread_messages"`
}

// ChannelAPIResponse is one channel envelope as returned by the query API.
type ChannelAPIResponse struct {
	Channel      *ChannelData    `json:"channel"`
	Messages     []*Message      `json:"messages,omitempty"`
	Members      []ChannelMember `json:"members,omitempty"`
	Membership   *ChannelMember  `json:"membership,omitempty"`
	Read         []ReadState     `json:"read,omitempty"`
	Watchers     []User          `json:"watchers,omitempty"`
	WatcherCount int             `json:"watcher_count,omitempty"`
}

// PollOption is one selectable answer of a poll.
type PollOption struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// PollVote is a vote for an option or, when IsAnswer is set, a free-text
// answer.
type PollVote struct {
	ID         string    `json:"id"`
	PollID     string    `json:"poll_id"`
	OptionID   string    `json:"option_id,omitempty"`
	IsAnswer   bool      `json:"is_answer,omitempty"`
	AnswerText string    `json:"answer_text,omitempty"`
	UserID     string    `json:"user_id,omitempty"`
	User       *User     `json:"user,omitempty"`
	CreatedAt  time.Time `json:"created_at,omitzero"`
	UpdatedAt  time.Time `json:"updated_at,omitzero"`
}

// PollData is the server snapshot of a poll.
type PollData struct {
	ID                        string                `json:"id"`
	Name                      string                `json:"name"`
	Description               string                `json:"description,omitempty"`
	VotingVisibility          string                `json:"voting_visibility,omitempty"`
	EnforceUniqueVote         bool                  `json:"enforce_unique_vote,omitempty"`
	MaxVotesAllowed           int                   `json:"max_votes_allowed,omitempty"`
	AllowAnswers              bool                  `json:"allow_answers,omitempty"`
	AllowUserSuggestedOptions bool                  `json:"allow_user_suggested_options,omitempty"`
	IsClosed                  bool                  `json:"is_closed,omitempty"`
	Options                   []PollOption          `json:"options,omitempty"`
	VoteCount                 int                   `json:"vote_count"`
	AnswersCount              int                   `json:"answers_count"`
	VoteCountsByOption        map[string]int        `json:"vote_counts_by_option,omitempty"`
	LatestVotesByOption       map[string][]PollVote `json:"latest_votes_by_option,omitempty"`
	LatestAnswers             []PollVote            `json:"latest_answers,omitempty"`
	OwnVotes                  []PollVote            `json:"own_votes,omitempty"`
	CreatedByID               string                `json:"created_by_id,omitempty"`
	CreatedBy                 *User                 `json:"created_by,omitempty"`
	CreatedAt                 time.Time             `json:"created_at,omitzero"`
	UpdatedAt                 time.Time             `json:"updated_at,omitzero"`
}

// ThreadParticipant is a user who replied in a thread.
type ThreadParticipant struct {
	UserID            string    `json:"user_id"`
	User              *User     `json:"user,omitempty"`
	LastThreadMessage time.Time `json:"last_thread_message_at,omitzero"`
}

// ThreadData is a thread as returned by the query API.
type ThreadData struct {
	ParentMessageID string              `json:"parent_message_id"`
	ParentMessage   *Message            `json:"parent_message,omitempty"`
	ChannelCID      string              `json:"channel_cid"`
	Channel         *ChannelData        `json:"channel,omitempty"`
	Title           string              `json:"title,omitempty"`
	LatestReplies   []*Message          `json:"latest_replies,omitempty"`
	Read            []ReadState         `json:"read,omitempty"`
	Participants    []ThreadParticipant `json:"thread_participants,omitempty"`
	ReplyCount      int                 `json:"reply_count"`
	CreatedAt       time.Time           `json:"created_at,omitzero"`
	UpdatedAt       time.Time           `json:"updated_at,omitzero"`
	LastMessageAt   time.Time           `json:"last_message_at,omitzero"`
	DeletedAt       *time.Time          `json:"deleted_at,omitempty"`
}

// SortOption is one entry of an ordered sort. Direction is 1 or -1.
type SortOption struct {
	Field     string `json:"field"`
	Direction int    `json:"direction"`
}

// Filters are server-side filter conditions, encoded verbatim.
type Filters map[string]any

// QueryChannelsOptions paginates and scopes a channel query.
type QueryChannelsOptions struct {
	Limit        int  `json:"limit,omitempty"`
	Offset       int  `json:"offset,omitempty"`
	MessageLimit int  `json:"message_limit,omitempty"`
	MemberLimit  int  `json:"member_limit,omitempty"`
	Watch        bool `json:"watch,omitempty"`
	Presence     bool `json:"presence,omitempty"`
	State        bool `json:"state,omitempty"`
}

// QueryChannelsRequest is the body of a channel list query.
type QueryChannelsRequest struct {
	FilterConditions Filters      `json:"filter_conditions"`
	Sort             []SortOption `json:"sort,omitempty"`
	ConnectionID     string       `json:"connection_id,omitempty"`
	QueryChannelsOptions
}

// MessagePagination selects a page of messages relative to a boundary id.
type MessagePagination struct {
	Limit int    `json:"limit,omitempty"`
	IDLt  string `json:"id_lt,omitempty"`
	IDGt  string `json:"id_gt,omitempty"`
}

// ChannelQueryRequest is the body of a single channel query or watch.
type ChannelQueryRequest struct {
	Data         *ChannelData       `json:"data,omitempty"`
	Members      []string           `json:"members,omitempty"`
	Messages     *MessagePagination `json:"messages,omitempty"`
	Watch        bool               `json:"watch,omitempty"`
	Presence     bool               `json:"presence,omitempty"`
	State        bool               `json:"state,omitempty"`
	ConnectionID string             `json:"connection_id,omitempty"`
}

// QueryThreadsOptions scopes a thread inbox query.
type QueryThreadsOptions struct {
	Limit            int    `json:"limit,omitempty"`
	ReplyLimit       int    `json:"reply_limit,omitempty"`
	ParticipantLimit int    `json:"participant_limit,omitempty"`
	Next             string `json:"next,omitempty"`
	Watch            bool   `json:"watch,omitempty"`
	ConnectionID     string `json:"connection_id,omitempty"`
}

// QueryThreadsResponse is a page of threads plus the cursor for the next.
type QueryThreadsResponse struct {
	Threads []ThreadData `json:"threads"`
	Next    string       `json:"next,omitempty"`
}

// GetThreadOptions scopes a single thread fetch.
type GetThreadOptions struct {
	ReplyLimit       int    `json:"reply_limit,omitempty"`
	ParticipantLimit int    `json:"participant_limit,omitempty"`
	Watch            bool   `json:"watch,omitempty"`
	ConnectionID     string `json:"connection_id,omitempty"`
}

// QueryPollsOptions paginates a poll query.
type QueryPollsOptions struct {
	Limit int    `json:"limit,omitempty"`
	Next  string `json:"next,omitempty"`
}

// QueryPollsResponse is a page of polls.
type QueryPollsResponse struct {
	Polls []PollData `json:"polls"`
	Next  string     `json:"next,omitempty"`
}

// MarkReadRequest marks a channel, or one thread of it, as read.
type MarkReadRequest struct {
	MessageID string `json:"message_id,omitempty"`
	ThreadID  string `json:"thread_id,omitempty"`
}

// connectPayload identifies the user on a new connection.
type connectPayload struct {
	Type                         string `json:"type"`
	UserID                       string `json:"user_id"`
	UserDetails                  *User  `json:"user_details,omitempty"`
	Token                        string `json:"token"`
	ClientRequestID              string `json:"client_request_id"`
	ServerDeterminesConnectionID bool   `json:"server_determines_connection_id"`
}

// errorPayload is the error carried by a rejected connect.
type errorPayload struct {
	Code       int    `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"StatusCode"`
}

type connectionError struct {
	Type  string       `json:"type"`
	Error errorPayload `json:"error"`
}

// rawFrames is the long-poll response body.
type rawFrames struct {
	Events []json.RawMessage `json:"events"`
}
