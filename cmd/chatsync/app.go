package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alexjbarnes/chatsync/chat"
	"github.com/alexjbarnes/chatsync/internal/config"
	"github.com/alexjbarnes/chatsync/internal/logging"
	"github.com/alexjbarnes/chatsync/internal/metrics"
	"github.com/alexjbarnes/chatsync/internal/state"
	"github.com/dustin/go-humanize"
)

// app bundles what every subcommand needs: configuration, logging and
// the local state database.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	state   *state.State
	profile *config.QueryProfile

	metrics *metrics.Metrics
	tokens  *chat.TokenProvider
	api     *chat.HTTPAPI
}

func openApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)

	statePath := cfg.StatePath
	if statePath == "" {
		statePath, err = config.DefaultStatePath()
		if err != nil {
			return nil, err
		}
	}

	appState, err := state.LoadAt(statePath)
	if err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}

	profile := config.DefaultProfile(cfg.UserID)
	if cfg.QueryProfile != "" {
		profile, err = config.LoadProfile(cfg.QueryProfile)
		if err != nil {
			appState.Close()
			return nil, err
		}
	}

	return &app{
		cfg:     cfg,
		logger:  logger,
		state:   appState,
		profile: profile,
	}, nil
}

func (a *app) Close() {
	if err := a.state.Close(); err != nil {
		a.logger.Warn("closing state", slog.String("error", err.Error()))
	}
}

// newClient builds the HTTP API and the client. A token rotated during an
// earlier session is tried before the configured one.
func (a *app) newClient() *chat.Client {
	a.metrics = metrics.New()

	initial := a.cfg.UserToken
	if cached := a.state.Token(); cached != "" {
		a.logger.Debug("using cached user token")
		initial = cached
	}

	a.tokens = chat.NewTokenProvider(initial, a.reloadToken)

	a.api = chat.NewHTTPAPI(nil, a.cfg.BaseURL, a.cfg.APIKey, a.tokens, a.logger)
	a.api.SetRecorder(a.metrics)

	return chat.NewClient(a.api, chat.ClientOptions{
		UserID:                  a.cfg.UserID,
		RecoverStateOnReconnect: a.cfg.RecoverStateOnReconnect,
		Recorder:                a.metrics,
	}, a.logger)
}

func (a *app) reloadToken(context.Context) (string, error) {
	tok, err := config.ReloadUserToken()
	if err != nil {
		return "", err
	}

	if err := a.state.SetToken(tok); err != nil {
		a.logger.Warn("failed to save token", slog.String("error", err.Error()))
	}

	return tok, nil
}

func (a *app) connectionConfig() chat.ConnectionConfig {
	cc := chat.ConnectionConfig{
		URL:                        a.cfg.WSURL,
		APIKey:                     a.cfg.APIKey,
		UserID:                     a.cfg.UserID,
		Tokens:                     a.tokens,
		HealthCheckInterval:        a.cfg.HealthCheckInterval,
		UnhealthyAfter:             a.cfg.UnhealthyAfter,
		ConnectTimeout:             a.cfg.WSConnectTimeout,
		ConnectTimeoutWithFallback: a.cfg.WSConnectTimeoutWithFallback,
		MaxReconnectAttempts:       a.cfg.MaxReconnectAttempts,
	}

	if a.cfg.EnableWSFallback {
		cc.Fallback = chat.NewLongPoll(a.api, 0, a.logger)
	}

	return cc
}

// channelQuery maps a query profile onto a channel list query.
func channelQuery(p *config.QueryProfile) (chat.Filters, []chat.SortOption, chat.QueryChannelsOptions) {
	sort := make([]chat.SortOption, 0, len(p.Sort))
	for _, s := range p.Sort {
		sort = append(sort, chat.SortOption{Field: s.Field, Direction: s.Direction})
	}

	return chat.Filters(p.Filters), sort, chat.QueryChannelsOptions{
		Limit:        p.Limit,
		MessageLimit: p.MessageLimit,
		Watch:        true,
		State:        true,
		Presence:     true,
	}
}

// managerOptions merges the environment switches with the profile. An
// empty promote_not_loaded_on keeps the default promoting events.
func managerOptions(cfg *config.Config, p *config.QueryProfile) chat.ChannelManagerOptions {
	opts := chat.DefaultChannelManagerOptions()
	opts.LockChannelOrder = cfg.LockChannelOrder || p.LockChannelOrder
	opts.AbortInFlightQuery = cfg.AbortInFlightQuery

	if len(p.PromoteNotLoadedOn) > 0 {
		allow := make(map[chat.EventType]bool, len(p.PromoteNotLoadedOn))
		for _, t := range p.PromoteNotLoadedOn {
			allow[chat.EventType(t)] = true
		}

		opts.AllowNotLoadedChannelPromotionForEvent = allow
	}

	return opts
}

func threadQuery(p *config.QueryProfile) chat.QueryThreadsOptions {
	return chat.QueryThreadsOptions{
		Limit:            p.Threads.Limit,
		ReplyLimit:       p.Threads.ReplyLimit,
		ParticipantLimit: p.Threads.ParticipantLimit,
	}
}

// summarize flattens a channel list into its persisted form.
func summarize(channels []*chat.Channel) []state.ChannelSummary {
	out := make([]state.ChannelSummary, 0, len(channels))

	for i, ch := range channels {
		st := ch.State()

		sum := state.ChannelSummary{
			CID:      ch.CID(),
			Position: i,
			Unread:   ch.CountUnread(),
			Pinned:   st.Membership != nil && st.Membership.PinnedAt != nil,
		}

		if st.Data != nil {
			sum.Name = st.Data.Name
			sum.LastMessageAt = st.Data.LastMessageAt
		}

		out = append(out, sum)
	}

	return out
}

// since renders t relative to now, or "-" for the zero time.
func since(t time.Time) string {
	if t.IsZero() {
		return "-"
	}

	return humanize.Time(t)
}
