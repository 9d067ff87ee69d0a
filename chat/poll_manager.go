package chat

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/alexjbarnes/chatsync/store"
)

// PollCache is the insertion-ordered poll cache.
type PollCache struct {
	IDs  []string
	ByID map[string]*Poll
}

// PollManager keeps one Poll instance per poll id, hydrated from message
// batches and kept current by poll events.
type PollManager struct {
	client *Client
	logger *slog.Logger
	state  *store.Store[PollCache]

	mu     sync.Mutex
	unsubs []func()
}

func newPollManager(client *Client, logger *slog.Logger) *PollManager {
	return &PollManager{
		client: client,
		logger: logger,
		state:  store.New(PollCache{ByID: map[string]*Poll{}}),
	}
}

// State returns the latest cache snapshot.
func (m *PollManager) State() PollCache { return m.state.GetLatestValue() }

// Store exposes the cache for subscription.
func (m *PollManager) Store() *store.Store[PollCache] { return m.state }

// FromState returns the cached poll, or nil.
func (m *PollManager) FromState(id string) *Poll {
	return m.State().ByID[id]
}

// Polls returns the cached polls in insertion order.
func (m *PollManager) Polls() []*Poll {
	c := m.State()
	out := make([]*Poll, 0, len(c.IDs))

	for _, id := range c.IDs {
		out = append(out, c.ByID[id])
	}

	return out
}

// HydratePollCache caches the polls attached to messages. Polls already
// cached keep their state unless overwrite is set.
func (m *PollManager) HydratePollCache(messages []*Message, overwrite bool) {
	var polls []*PollData

	for _, msg := range messages {
		if msg != nil && msg.Poll != nil && msg.Poll.ID != "" {
			polls = append(polls, msg.Poll)
		}
	}

	m.upsert(polls, overwrite)
}

// upsert creates missing instances and, with overwrite, reinitializes the
// existing ones with the newer data.
func (m *PollManager) upsert(polls []*PollData, overwrite bool) {
	if len(polls) == 0 {
		return
	}

	var refresh []func()

	m.state.Update(func(c PollCache) (PollCache, bool) {
		var (
			ids  []string
			byID map[string]*Poll
		)

		for _, data := range polls {
			if existing, ok := c.ByID[data.ID]; ok {
				if overwrite {
					refresh = append(refresh, func() { existing.reinitialize(data) })
				}

				continue
			}

			if byID == nil {
				ids = slices.Clone(c.IDs)
				byID = maps.Clone(c.ByID)
			}

			if _, dup := byID[data.ID]; !dup {
				ids = append(ids, data.ID)
			} else if !overwrite {
				continue
			}

			byID[data.ID] = newPoll(m.client, data)
		}

		if byID == nil {
			return c, false
		}

		return PollCache{IDs: ids, ByID: byID}, true
	})

	for _, fn := range refresh {
		fn()
	}
}

// GetPoll fetches a poll and caches it, overwriting any cached state.
func (m *PollManager) GetPoll(ctx context.Context, id string) (*Poll, error) {
	data, err := m.client.api.GetPoll(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting poll: %w", err)
	}

	m.upsert([]*PollData{data}, true)

	return m.FromState(id), nil
}

// QueryPolls fetches polls matching filter and caches them, overwriting
// any cached state. It returns the cached instances and the next cursor.
func (m *PollManager) QueryPolls(ctx context.Context, filter Filters, opts QueryPollsOptions) ([]*Poll, string, error) {
	resp, err := m.client.api.QueryPolls(ctx, filter, opts)
	if err != nil {
		return nil, "", fmt.Errorf("querying polls: %w", err)
	}

	data := make([]*PollData, 0, len(resp.Polls))
	for i := range resp.Polls {
		data = append(data, &resp.Polls[i])
	}

	m.upsert(data, true)

	polls := make([]*Poll, 0, len(data))
	for _, d := range data {
		polls = append(polls, m.FromState(d.ID))
	}

	return polls, resp.Next, nil
}

// RegisterSubscriptions attaches the poll event handlers. Calling it again
// while registered does nothing.
func (m *PollManager) RegisterSubscriptions() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.unsubs) > 0 {
		return
	}

	m.unsubs = append(m.unsubs,
		m.client.On(EventMessageNew, m.handleMessageNew),
		m.client.On(EventPollDeleted, m.handlePollDeleted),
	)

	for t := range pollHandlers {
		m.unsubs = append(m.unsubs, m.client.On(t, m.routeToPoll))
	}
}

// UnregisterSubscriptions detaches every handler.
func (m *PollManager) UnregisterSubscriptions() {
	m.mu.Lock()
	unsubs := m.unsubs
	m.unsubs = nil
	m.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
}

func (m *PollManager) handleMessageNew(e *Event) {
	if e.Message != nil {
		m.HydratePollCache([]*Message{e.Message}, false)
	}
}

func pollIDOf(e *Event) string {
	if e.Poll != nil && e.Poll.ID != "" {
		return e.Poll.ID
	}

	if e.PollVote != nil {
		return e.PollVote.PollID
	}

	return ""
}

func (m *PollManager) routeToPoll(e *Event) {
	if p := m.FromState(pollIDOf(e)); p != nil {
		p.handleEvent(e)
	}
}

func (m *PollManager) handlePollDeleted(e *Event) {
	id := pollIDOf(e)
	if id == "" {
		return
	}

	m.state.Update(func(c PollCache) (PollCache, bool) {
		if _, ok := c.ByID[id]; !ok {
			return c, false
		}

		byID := maps.Clone(c.ByID)
		delete(byID, id)

		return PollCache{
			IDs:  slices.DeleteFunc(slices.Clone(c.IDs), func(s string) bool { return s == id }),
			ByID: byID,
		}, true
	})
}
