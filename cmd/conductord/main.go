// Conductord orchestrates AI agent sessions, staged workflows and the
// human approvals they wait on.
//
// Usage:
//
//	# Start the daemon
//	conductord serve
//
//	# Answer pending decisions
//	conductord approve <approval-id> --remember
//	conductord deny <approval-id> --reason "use make clean"
//	conductord respond <prompt-id> < token.txt
//
// The askpass subcommand is not meant to be run by hand: credential helper
// scripts written by the daemon call it on behalf of git and ssh.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

const defaultServerURL = "http://127.0.0.1:7420"

var (
	// serverURL is the base URL of a running daemon.
	serverURL string
	// configPath overrides the default config file location.
	configPath string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "conductord",
		Short: "Agent session and workflow orchestrator",
		Long: `conductord runs agent sessions through a staged workflow
(scope, research, plan, pulse loop, review) and holds every shell command
and credential prompt until a human decides.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	defaultURL := os.Getenv("CONDUCTORD_URL")
	if defaultURL == "" {
		defaultURL = defaultServerURL
	}
	root.PersistentFlags().StringVar(&serverURL, "server", defaultURL, "conductord server URL")

	root.AddCommand(
		newServeCmd(),
		newVersionCmd(),
		newAskpassCmd(),
		newApproveCmd(),
		newDenyCmd(),
		newRespondCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "conductord by Fyrsmith Labs\n")
			fmt.Fprintf(out, "Version:    %s\n", version)
			fmt.Fprintf(out, "Commit:     %s\n", gitCommit)
			fmt.Fprintf(out, "Build Date: %s\n", buildDate)
		},
	}
}
