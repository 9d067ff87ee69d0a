package chat

import (
	"cmp"
	"slices"
	"time"

	"github.com/alexjbarnes/chatsync/internal/listutil"
)

// MessageSortKey selects the ordering timestamp of a message.
type MessageSortKey func(m *Message) time.Time

// ByCreatedAt orders messages by creation time.
func ByCreatedAt(m *Message) time.Time { return m.CreatedAt }

// ByPinnedAt orders messages by pin time, unpinned messages first.
func ByPinnedAt(m *Message) time.Time {
	if m.PinnedAt == nil {
		return time.Time{}
	}

	return *m.PinnedAt
}

// AddToMessageList merges msg into a list sorted ascending by created_at.
// See AddToMessageListBy.
func AddToMessageList(list []*Message, msg *Message, timestampChanged, addIfDoesNotExist bool) []*Message {
	return AddToMessageListBy(list, msg, timestampChanged, addIfDoesNotExist, ByCreatedAt)
}

// AddToMessageListBy merges msg into list, sorted ascending by sortBy with
// the id as tie-break. A message with the same id is replaced at its slot
// when timestampChanged is false and the slot still sorts correctly;
// otherwise it is moved to its sorted position. A new id is only inserted
// when addIfDoesNotExist or timestampChanged is set. The input is never
// modified; when nothing changes the same slice is returned.
func AddToMessageListBy(list []*Message, msg *Message, timestampChanged, addIfDoesNotExist bool, sortBy MessageSortKey) []*Message {
	compare := compareMessagesBy(sortBy)

	existing := slices.IndexFunc(list, func(m *Message) bool { return m.ID == msg.ID })

	if existing >= 0 && !timestampChanged && slotStillSorted(list, existing, msg, compare) {
		out := slices.Clone(list)
		out[existing] = msg

		return out
	}

	if existing < 0 && !addIfDoesNotExist && !timestampChanged {
		return list
	}

	base := list
	if existing >= 0 {
		base = slices.Delete(slices.Clone(list), existing, existing+1)
	}

	idx := listutil.FindIndexInSorted(msg, base, listutil.Ascending, compare, nil)

	out := make([]*Message, 0, len(base)+1)
	out = append(out, base[:idx]...)
	out = append(out, msg)
	out = append(out, base[idx:]...)

	return out
}

// RemoveFromMessageList drops the message with the given id, returning the
// same slice if it is absent.
func RemoveFromMessageList(list []*Message, id string) []*Message {
	idx := slices.IndexFunc(list, func(m *Message) bool { return m.ID == id })
	if idx < 0 {
		return list
	}

	return slices.Delete(slices.Clone(list), idx, idx+1)
}

func compareMessagesBy(sortBy MessageSortKey) func(a, b *Message) int {
	return func(a, b *Message) int {
		if c := sortBy(a).Compare(sortBy(b)); c != 0 {
			return c
		}

		return cmp.Compare(a.ID, b.ID)
	}
}

func slotStillSorted(list []*Message, i int, msg *Message, compare func(a, b *Message) int) bool {
	if i > 0 && compare(list[i-1], msg) > 0 {
		return false
	}

	if i < len(list)-1 && compare(msg, list[i+1]) > 0 {
		return false
	}

	return true
}

// PromoteChannel moves ch to the top of channels, or directly below the
// leading pinned channels when sort orders by pinned_at. The same slice is
// returned when ch is already first, or when it is pinned and pinned
// ordering applies. The position of ch is looked up by cid.
func PromoteChannel(channels []*Channel, ch *Channel, sort []SortOption) []*Channel {
	idx := slices.IndexFunc(channels, func(c *Channel) bool { return c.CID() == ch.CID() })
	return PromoteChannelAt(channels, ch, sort, idx)
}

// PromoteChannelAt is PromoteChannel with a known current index. An index
// of -1 means ch is not in channels.
func PromoteChannelAt(channels []*Channel, ch *Channel, sort []SortOption, index int) []*Channel {
	if index == 0 {
		return channels
	}

	considerPinned := shouldConsiderPinnedChannels(sort)
	if considerPinned && isChannelPinned(ch) {
		return channels
	}

	next := slices.Clone(channels)
	if index > 0 && index < len(next) {
		next = slices.Delete(next, index, index+1)
	}

	position := 0
	if considerPinned {
		position = findLastPinnedChannelIndex(next) + 1
	}

	return slices.Insert(next, position, ch)
}

// shouldConsiderPinnedChannels reports whether the primary sort key is
// pinned_at.
func shouldConsiderPinnedChannels(sort []SortOption) bool {
	if len(sort) == 0 {
		return false
	}

	return sort[0].Field == "pinned_at" && (sort[0].Direction == 1 || sort[0].Direction == -1)
}

// pinnedAtSortDirection returns the pinned_at direction of the primary
// sort key, or 0.
func pinnedAtSortDirection(sort []SortOption) int {
	if !shouldConsiderPinnedChannels(sort) {
		return 0
	}

	return sort[0].Direction
}

// shouldConsiderArchivedChannels reports whether filters select on the
// archived flag.
func shouldConsiderArchivedChannels(filters Filters) bool {
	_, ok := filters["archived"].(bool)
	return ok
}

// archivedFilterExcludes reports whether the archived filter hides ch.
func archivedFilterExcludes(filters Filters, ch *Channel) bool {
	want, ok := filters["archived"].(bool)
	if !ok {
		return false
	}

	return isChannelArchived(ch) != want
}

func isChannelPinned(ch *Channel) bool {
	if ch == nil {
		return false
	}

	m := ch.State().Membership

	return m != nil && m.PinnedAt != nil
}

func isChannelArchived(ch *Channel) bool {
	if ch == nil {
		return false
	}

	m := ch.State().Membership

	return m != nil && m.ArchivedAt != nil
}

// findLastPinnedChannelIndex returns the index of the last channel in the
// leading run of pinned channels, or -1.
func findLastPinnedChannelIndex(channels []*Channel) int {
	last := -1

	for i, ch := range channels {
		if !isChannelPinned(ch) {
			break
		}

		last = i
	}

	return last
}
