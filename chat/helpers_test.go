package chat

import (
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

const testUserID = "alice"

var (
	quietLogger = slog.New(slog.DiscardHandler)
	baseTime    = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
)

// newTestClient builds a client for testUserID backed by a MockAPI, with a
// fixed clock and no connection.
func newTestClient(t *testing.T, ctrl *gomock.Controller) (*Client, *MockAPI) {
	t.Helper()

	api := NewMockAPI(ctrl)
	c := NewClient(api, ClientOptions{
		UserID: testUserID,
		Now:    func() time.Time { return baseTime },
	}, quietLogger)

	t.Cleanup(func() { require.NoError(t, c.Close()) })

	return c, api
}

func at(minutes int) time.Time {
	return baseTime.Add(time.Duration(minutes) * time.Minute)
}

func msg(id string, minutes int) *Message {
	return &Message{ID: id, CreatedAt: at(minutes), User: &User{ID: "bob"}}
}

func ids(list []*Message) []string {
	out := make([]string, 0, len(list))
	for _, m := range list {
		out = append(out, m.ID)
	}

	return out
}

func cids(list []*Channel) []string {
	out := make([]string, 0, len(list))
	for _, ch := range list {
		out = append(out, ch.CID())
	}

	return out
}

func channelResponse(typ, id string) ChannelAPIResponse {
	return ChannelAPIResponse{
		Channel: &ChannelData{Type: typ, ID: id, CID: typ + ":" + id},
	}
}

func channelPage(from, n int) []ChannelAPIResponse {
	out := make([]ChannelAPIResponse, 0, n)
	for i := range n {
		out = append(out, channelResponse("messaging", fmt.Sprintf("c%d", from+i)))
	}

	return out
}

// pinned marks ch as pinned by the current user.
func pinned(ch *Channel) *Channel {
	ts := baseTime
	ch.state.PartialNext(func(s *ChannelState) {
		s.Membership = &ChannelMember{UserID: testUserID, PinnedAt: &ts}
	})

	return ch
}

func archived(ch *Channel) *Channel {
	ts := baseTime
	ch.state.PartialNext(func(s *ChannelState) {
		s.Membership = &ChannelMember{UserID: testUserID, ArchivedAt: &ts}
	})

	return ch
}
