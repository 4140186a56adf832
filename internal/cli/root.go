// Package cli holds the connector-service command line
package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Set at build time with -ldflags "-X .../internal/cli.Version=..."
var (
	Version   = "dev"
	BuildDate = "unknown"
)

// NewRootCmd builds the command tree
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "connector-service",
		Short: "Multi-account connector for external messaging networks",
		Long: `connector-service keeps authenticated client sessions for many external
accounts (Telegram users and bots, mailboxes, business API accounts), drives
their login flows and routes inbound events to Kafka.

Without a subcommand it starts the server.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}

	root.AddCommand(
		newServeCmd(),
		newKeygenCmd(),
		newEncryptCmd(),
		newVersionCmd(),
	)
	return root
}

// Execute runs the root command
func Execute() error {
	return NewRootCmd().Execute()
}

// VersionInfo contains version information
type VersionInfo struct {
	Version   string
	GoVersion string
	OS        string
	Arch      string
	BuildDate string
}

// GetVersionInfo returns version information
func GetVersionInfo() VersionInfo {
	return VersionInfo{
		Version:   Version,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		BuildDate: BuildDate,
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			info := GetVersionInfo()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "connector-service %s\n", info.Version)
			fmt.Fprintf(out, "go: %s %s/%s\n", info.GoVersion, info.OS, info.Arch)
			fmt.Fprintf(out, "built: %s\n", info.BuildDate)
		},
	}
}
