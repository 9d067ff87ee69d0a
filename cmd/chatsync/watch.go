package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alexjbarnes/chatsync/chat"
	"github.com/alexjbarnes/chatsync/internal/config"
	"github.com/alexjbarnes/chatsync/internal/server"
	"github.com/alexjbarnes/chatsync/store"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var errConnectionLost = errors.New("connection lost: reconnect attempts exhausted")

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Connect and keep the channel list and thread inbox current",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			err = runWatch(ctx, a)
			if errors.Is(err, context.Canceled) {
				return nil
			}

			return err
		},
	}
}

func runWatch(ctx context.Context, a *app) error {
	logger := a.logger
	logger.Info("chatsync starting",
		slog.String("version", Version),
		slog.String("user", a.cfg.UserID),
		slog.Bool("ws_fallback", a.cfg.EnableWSFallback),
	)

	if cached, err := a.state.Channels(); err == nil && len(cached) > 0 {
		attrs := []any{slog.Int("channels", len(cached))}
		if drop := a.state.LastConnectionDrop(); !drop.IsZero() {
			attrs = append(attrs, slog.String("last_drop", humanize.Time(drop)))
		}

		logger.Info("restored previous session", attrs...)
	}

	client := a.newClient()
	defer client.Close()

	conn, err := client.Connect(ctx, a.connectionConfig())
	if err != nil {
		return err
	}

	unsubStatus := conn.Status().Subscribe(a.trackConnection)
	defer unsubStatus()

	manager := chat.NewChannelManager(client, managerOptions(a.cfg, a.profile), logger)
	manager.RegisterSubscriptions()
	defer manager.UnregisterSubscriptions()

	if seeded := a.seedChannels(client); len(seeded) > 0 {
		manager.SetChannels(seeded)
	}

	unsubList := store.SubscribeWithSelector(manager.Store(),
		func(s chat.ChannelManagerState) []*chat.Channel { return s.Channels },
		func(next, _ []*chat.Channel) {
			if next == nil || !manager.State().Initialized {
				return
			}

			if err := a.state.SetChannels(summarize(next)); err != nil {
				logger.Warn("failed to save channel list", slog.String("error", err.Error()))
			}
		})
	defer unsubList()

	threads := client.Threads()
	threads.RegisterSubscriptions()
	defer threads.UnregisterSubscriptions()
	threads.Activate()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := conn.Listen(gctx); err != nil {
			return err
		}

		if gctx.Err() != nil {
			return gctx.Err()
		}

		return errConnectionLost
	})

	filters, sort, opts := channelQuery(a.profile)

	g.Go(func() error {
		if err := manager.QueryChannels(gctx, filters, sort, opts); err != nil {
			logger.Warn("initial channel query failed", slog.String("error", err.Error()))
			return nil
		}

		logger.Info("channel list loaded", slog.Int("channels", len(manager.State().Channels)))

		return nil
	})

	if a.cfg.QueryProfile != "" {
		g.Go(func() error {
			return config.WatchProfile(gctx, a.cfg.QueryProfile, logger, func(p *config.QueryProfile) {
				manager.SetOptions(managerOptions(a.cfg, p))

				filters, sort, opts := channelQuery(p)
				if err := manager.QueryChannels(gctx, filters, sort, opts); err != nil {
					logger.Warn("requery after profile change failed", slog.String("error", err.Error()))
				}
			})
		})
	}

	if a.cfg.MetricsAddr != "" {
		mux := server.NewMux(server.MuxConfig{
			Metrics: a.metrics.Handler(),
			Status:  conn.Status().GetLatestValue,
			Logger:  logger,
		})

		g.Go(func() error {
			return server.Run(gctx, a.cfg.MetricsAddr, mux, logger)
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("watching: %w", err)
	}

	return nil
}

// seedChannels registers the channels saved by the previous session, in
// their saved order, so events can reorder the list before the first query
// returns.
func (a *app) seedChannels(client *chat.Client) []*chat.Channel {
	cids, err := a.state.TrackedCIDs()
	if err != nil {
		a.logger.Warn("failed to read saved channels", slog.String("error", err.Error()))
		return nil
	}

	channels := make([]*chat.Channel, 0, len(cids))

	for _, cid := range cids {
		typ, id, ok := strings.Cut(cid, ":")
		if !ok || id == "" || strings.HasPrefix(id, "!") {
			continue
		}

		channels = append(channels, client.Channel(typ, id))
	}

	return channels
}

// trackConnection persists the connection id and the time of the last
// drop so the next session can report it.
func (a *app) trackConnection(next, prev chat.ConnectionStatus) {
	if next.State != prev.State {
		a.logger.Info("connection state changed",
			slog.String("from", prev.State.String()),
			slog.String("to", next.State.String()),
			slog.String("transport", string(next.Mode)),
		)
	}

	if prev.Online() && !next.Online() {
		if err := a.state.SetLastConnectionDrop(time.Now()); err != nil {
			a.logger.Warn("failed to save connection drop", slog.String("error", err.Error()))
		}
	}

	if next.ConnectionID != "" && next.ConnectionID != prev.ConnectionID {
		if err := a.state.SetConnectionID(next.ConnectionID); err != nil {
			a.logger.Warn("failed to save connection id", slog.String("error", err.Error()))
		}
	}
}
