package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/alexjbarnes/chatsync/chat"
	"github.com/alexjbarnes/chatsync/internal/state"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newChannelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channels",
		Short: "List the channels matched by the query profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			jsonMode, _ := cmd.Flags().GetBool("json")
			cached, _ := cmd.Flags().GetBool("cached")

			var list []state.ChannelSummary

			if cached {
				list, err = a.state.Channels()
				if err != nil {
					return err
				}
			} else {
				client := a.newClient()
				defer client.Close()

				filters, sort, opts := channelQuery(a.profile)
				opts.Watch = false
				opts.Presence = false

				channels, err := client.QueryChannels(cmd.Context(), filters, sort, opts)
				if err != nil {
					return fmt.Errorf("querying channels: %w", err)
				}

				list = summarize(channels)
			}

			if jsonMode {
				return writeJSON(cmd.OutOrStdout(), list)
			}

			return writeChannelTable(cmd.OutOrStdout(), list)
		},
	}

	cmd.Flags().Bool("cached", false, "print the list saved by the last watch session")

	return cmd
}

func writeChannelTable(w io.Writer, list []state.ChannelSummary) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tCID\tNAME\tUNREAD\tLAST MESSAGE")

	for _, c := range list {
		name := c.Name
		if c.Pinned {
			name += " (pinned)"
		}

		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n",
			c.Position+1, c.CID, name, humanize.Comma(int64(c.Unread)), since(c.LastMessageAt))
	}

	return tw.Flush()
}

type threadRow struct {
	ID        string `json:"id"`
	Channel   string `json:"channel"`
	Title     string `json:"title,omitempty"`
	Replies   int    `json:"replies"`
	UpdatedAt string `json:"updated_at"`
}

func newThreadsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "threads",
		Short: "List the first page of the thread inbox",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			client := a.newClient()
			defer client.Close()

			threads, next, err := client.QueryThreads(cmd.Context(), threadQuery(a.profile))
			if err != nil {
				return fmt.Errorf("querying threads: %w", err)
			}

			rows := threadRows(threads)

			if jsonMode, _ := cmd.Flags().GetBool("json"); jsonMode {
				return writeJSON(cmd.OutOrStdout(), map[string]any{"threads": rows, "next": next})
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tCHANNEL\tTITLE\tREPLIES\tUPDATED")

			for _, r := range rows {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", r.ID, r.Channel, r.Title, r.Replies, r.UpdatedAt)
			}

			if next != "" {
				fmt.Fprintln(tw, "(more threads available)")
			}

			return tw.Flush()
		},
	}
}

func threadRows(threads []*chat.Thread) []threadRow {
	rows := make([]threadRow, 0, len(threads))

	for _, t := range threads {
		st := t.State()

		row := threadRow{
			ID:        t.ID(),
			Title:     st.Title,
			Replies:   st.ReplyCount,
			UpdatedAt: since(st.UpdatedAt),
		}

		if st.Channel != nil {
			row.Channel = st.Channel.CID()
		}

		rows = append(rows, row)
	}

	return rows
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show what the last watch session saved",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			channels, err := a.state.Channels()
			if err != nil {
				return err
			}

			unread := 0
			for _, c := range channels {
				unread += c.Unread
			}

			drop := a.state.LastConnectionDrop()

			if jsonMode, _ := cmd.Flags().GetBool("json"); jsonMode {
				return writeJSON(cmd.OutOrStdout(), map[string]any{
					"user":            a.cfg.UserID,
					"connection_id":   a.state.ConnectionID(),
					"last_drop":       drop,
					"channels":        len(channels),
					"unread_messages": unread,
				})
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "user:           %s\n", a.cfg.UserID)
			fmt.Fprintf(out, "connection id:  %s\n", valueOr(a.state.ConnectionID(), "-"))
			fmt.Fprintf(out, "last drop:      %s\n", since(drop))
			fmt.Fprintf(out, "channels:       %d\n", len(channels))
			fmt.Fprintf(out, "unread:         %s\n", humanize.Comma(int64(unread)))

			return nil
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}

func valueOr(s, fallback string) string {
	if s == "" {
		return fallback
	}

	return s
}
