// Package commands implements the margins CLI.
package commands

import (
	"context"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"margins/internal/config"
	"margins/internal/logging"
	"margins/internal/store"
)

// CLI represents the command line interface for margins.
type CLI struct {
	cfg     config.Config
	logger  *slog.Logger
	rootCmd *cobra.Command
}

// New creates the CLI. Flags override values loaded from the environment.
func New(cfg config.Config) *CLI {
	c := &CLI{cfg: cfg}
	rootCmd := &cobra.Command{
		Use:           "margins",
		Short:         "Threaded comments anchored in shared documents",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			c.logger = logging.New(cmd.ErrOrStderr(), c.cfg.LogLevel, c.cfg.LogFormat)
			slog.SetDefault(c.logger)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&c.cfg.APIURL, "api", cfg.APIURL, "Comment service base URL")
	flags.StringVar(&c.cfg.MemberID, "member-id", cfg.MemberID, "Member id sent with requests")
	flags.StringVar(&c.cfg.MemberName, "member-name", cfg.MemberName, "Member display name sent with requests")
	flags.StringVar(&c.cfg.RedisURL, "redis", cfg.RedisURL, "Redis URL of the change feed (empty disables it)")
	flags.StringVar(&c.cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn or error")
	flags.StringVar(&c.cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: text or json")

	rootCmd.AddCommand(c.newServeCmd())
	rootCmd.AddCommand(c.newThreadsCmd())
	rootCmd.AddCommand(c.newWatchCmd())

	c.rootCmd = rootCmd
	return c
}

// Execute runs the root command with the given context.
func (c *CLI) Execute(ctx context.Context) error {
	c.rootCmd.SetContext(ctx)
	return c.rootCmd.Execute()
}

// SetArgs sets the arguments for the root command. Used for testing.
func (c *CLI) SetArgs(args []string) {
	c.rootCmd.SetArgs(args)
}

// SetOutput sets the output and error streams for the root command.
func (c *CLI) SetOutput(out, err io.Writer) {
	c.rootCmd.SetOut(out)
	c.rootCmd.SetErr(err)
}

func (c *CLI) member() store.Member {
	return store.Member{ID: c.cfg.MemberID, Name: c.cfg.MemberName}
}
