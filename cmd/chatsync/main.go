package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const appName = "chatsync"

// Version is overwritten at build time using -ldflags.
var Version = "dev"

func main() {
	if err := newRootCmd(Version).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           appName,
		Short:         "Keep a local, event-driven view of a chat account",
		Long:          "chatsync connects to the chat service as one user, keeps channel, thread and poll state current from pushed events and mirrors the channel list to a local database.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.Version = version
	cmd.SetVersionTemplate(appName + " version {{.Version}}\n")
	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	cmd.PersistentFlags().Bool("json", false, "output in JSON format")

	cmd.AddCommand(
		newWatchCmd(),
		newChannelsCmd(),
		newThreadsCmd(),
		newStatusCmd(),
	)

	return cmd
}
