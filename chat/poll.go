package chat

import (
	"maps"
	"slices"
	"time"

	"github.com/alexjbarnes/chatsync/store"
)

// PollState is the snapshot of one poll: the server data plus aggregates
// derived for the current user.
type PollState struct {
	PollData

	LastActivityAt     time.Time
	MaxVotedOptionIDs  []string
	OwnVotesByOptionID map[string]PollVote
	OwnAnswer          *PollVote
}

// Poll is the cached instance of one poll. An instance is never replaced
// in the cache; new server data is applied to it.
type Poll struct {
	client *Client
	id     string
	state  *store.Store[PollState]
}

func newPoll(client *Client, data *PollData) *Poll {
	p := &Poll{client: client, id: data.ID}
	p.state = store.New(p.initialState(data))

	return p
}

func (p *Poll) initialState(data *PollData) PollState {
	var (
		answer *PollVote
		votes  []PollVote
	)

	for _, v := range data.OwnVotes {
		if isVoteAnswer(v) {
			answer = &v
			continue
		}

		votes = append(votes, v)
	}

	return PollState{
		PollData:           *data,
		LastActivityAt:     p.client.now(),
		MaxVotedOptionIDs:  maxVotedOptionIDs(data.VoteCountsByOption),
		OwnVotesByOptionID: ownVotesByOptionID(votes),
		OwnAnswer:          answer,
	}
}

// ID returns the poll id.
func (p *Poll) ID() string { return p.id }

// State returns the latest poll snapshot.
func (p *Poll) State() PollState { return p.state.GetLatestValue() }

// Store exposes the poll snapshot for subscription.
func (p *Poll) Store() *store.Store[PollState] { return p.state }

// reinitialize replaces the poll state with a newer server snapshot.
func (p *Poll) reinitialize(data *PollData) {
	p.state.Set(p.initialState(data))
}

var pollHandlers = map[EventType]func(p *Poll, e *Event){
	EventPollUpdated:     (*Poll).handleUpdated,
	EventPollClosed:      (*Poll).handleClosed,
	EventPollVoteCasted:  (*Poll).handleVoteCasted,
	EventPollVoteChanged: (*Poll).handleVoteChanged,
	EventPollVoteRemoved: (*Poll).handleVoteRemoved,
}

// handleEvent applies a poll event addressed to this poll.
func (p *Poll) handleEvent(e *Event) {
	if e.Poll != nil && e.Poll.ID != "" && e.Poll.ID != p.id {
		return
	}

	if h, ok := pollHandlers[e.Type]; ok {
		h(p, e)
	}
}

func (p *Poll) handleUpdated(e *Event) {
	if e.Poll == nil {
		return
	}

	d := e.Poll

	p.state.PartialNext(func(s *PollState) {
		s.AllowAnswers = d.AllowAnswers
		s.AllowUserSuggestedOptions = d.AllowUserSuggestedOptions
		s.Description = d.Description
		s.EnforceUniqueVote = d.EnforceUniqueVote
		s.IsClosed = d.IsClosed
		s.MaxVotesAllowed = d.MaxVotesAllowed
		s.Name = d.Name
		s.Options = d.Options
		s.VotingVisibility = d.VotingVisibility
		s.LastActivityAt = e.eventTime()
	})
}

func (p *Poll) handleClosed(e *Event) {
	p.state.PartialNext(func(s *PollState) {
		s.IsClosed = true
		s.LastActivityAt = e.eventTime()
	})
}

func (p *Poll) handleVoteCasted(e *Event) {
	if e.Poll == nil || e.PollVote == nil {
		return
	}

	vote := *e.PollVote
	own := vote.UserID == p.client.userID

	p.state.PartialNext(func(s *PollState) {
		applyVoteCounts(s, e.Poll)

		if isVoteAnswer(vote) {
			if own {
				s.OwnAnswer = &vote
			}

			s.LatestAnswers = append([]PollVote{vote}, s.LatestAnswers...)
		} else {
			if own && vote.OptionID != "" {
				votes := maps.Clone(s.OwnVotesByOptionID)
				if votes == nil {
					votes = map[string]PollVote{}
				}

				votes[vote.OptionID] = vote
				s.OwnVotesByOptionID = votes
			}

			s.MaxVotedOptionIDs = maxVotedOptionIDs(e.Poll.VoteCountsByOption)
		}

		s.LastActivityAt = e.eventTime()
	})
}

func (p *Poll) handleVoteChanged(e *Event) {
	if e.Poll == nil || e.PollVote == nil {
		return
	}

	vote := *e.PollVote
	own := vote.UserID == p.client.userID

	p.state.PartialNext(func(s *PollState) {
		applyVoteCounts(s, e.Poll)

		switch {
		case own && isVoteAnswer(vote):
			others := slices.DeleteFunc(slices.Clone(s.LatestAnswers), func(a PollVote) bool { return a.ID == vote.ID })
			s.LatestAnswers = append([]PollVote{vote}, others...)
			s.OwnAnswer = &vote

		case own && vote.OptionID != "":
			var votes map[string]PollVote

			if e.Poll.EnforceUniqueVote {
				votes = map[string]PollVote{vote.OptionID: vote}
			} else {
				votes = make(map[string]PollVote, len(s.OwnVotesByOptionID)+1)

				for optionID, v := range s.OwnVotesByOptionID {
					if optionID != vote.OptionID && v.ID == vote.ID {
						continue
					}

					votes[optionID] = v
				}

				votes[vote.OptionID] = vote
			}

			s.OwnVotesByOptionID = votes

			if s.OwnAnswer != nil && s.OwnAnswer.ID == vote.ID {
				s.OwnAnswer = nil
			}

			s.MaxVotedOptionIDs = maxVotedOptionIDs(e.Poll.VoteCountsByOption)

		case !own && isVoteAnswer(vote):
			s.LatestAnswers = append([]PollVote{vote}, s.LatestAnswers...)

		case !own:
			s.MaxVotedOptionIDs = maxVotedOptionIDs(e.Poll.VoteCountsByOption)
		}

		s.LastActivityAt = e.eventTime()
	})
}

func (p *Poll) handleVoteRemoved(e *Event) {
	if e.Poll == nil || e.PollVote == nil {
		return
	}

	vote := *e.PollVote
	own := vote.UserID == p.client.userID

	p.state.PartialNext(func(s *PollState) {
		applyVoteCounts(s, e.Poll)

		if isVoteAnswer(vote) {
			s.LatestAnswers = slices.DeleteFunc(slices.Clone(s.LatestAnswers), func(a PollVote) bool { return a.ID == vote.ID })
			if own {
				s.OwnAnswer = nil
			}
		} else {
			s.MaxVotedOptionIDs = maxVotedOptionIDs(e.Poll.VoteCountsByOption)

			if own && vote.OptionID != "" {
				votes := maps.Clone(s.OwnVotesByOptionID)
				delete(votes, vote.OptionID)
				s.OwnVotesByOptionID = votes
			}
		}

		s.LastActivityAt = e.eventTime()
	})
}

// applyVoteCounts copies the aggregate counters carried by vote events.
func applyVoteCounts(s *PollState, d *PollData) {
	s.AnswersCount = d.AnswersCount
	s.LatestVotesByOption = d.LatestVotesByOption
	s.VoteCount = d.VoteCount
	s.VoteCountsByOption = d.VoteCountsByOption
}

func isVoteAnswer(v PollVote) bool {
	return v.IsAnswer || v.AnswerText != ""
}

// maxVotedOptionIDs returns the ids of every option sharing the highest
// vote count, sorted.
func maxVotedOptionIDs(counts map[string]int) []string {
	best := 0

	var ids []string

	for _, id := range slices.Sorted(maps.Keys(counts)) {
		switch n := counts[id]; {
		case n > best:
			best = n
			ids = []string{id}
		case n == best:
			ids = append(ids, id)
		}
	}

	return ids
}

func ownVotesByOptionID(votes []PollVote) map[string]PollVote {
	out := make(map[string]PollVote, len(votes))

	for _, v := range votes {
		if v.OptionID == "" {
			continue
		}

		out[v.OptionID] = v
	}

	return out
}
