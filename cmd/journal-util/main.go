// journal-util inspects and repairs the on-disk message journal of a stopped
// node. The journal directory is locked while a node runs, so the tool fails
// fast instead of racing the server.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/INLOpen/nexusingest/config"
	"github.com/INLOpen/nexusingest/journal"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
	dir        string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "journal-util",
		Short: "Inspect and repair a nexusingest message journal",
		Long: `journal-util reads the journal of a stopped nexusingest node.

The journal directory is taken from --dir, or from the node configuration
file given with --config.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "config.yaml", "node configuration file")
	root.PersistentFlags().StringVar(&opts.dir, "dir", "", "journal directory (overrides --config)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")

	root.AddCommand(newInfoCmd(opts), newDumpCmd(opts), newCommitCmd(opts))
	return root
}

// openJournal opens the journal without any background maintenance, so
// nothing is flushed or retained behind the operator's back.
func (o *rootOptions) openJournal(cmd *cobra.Command, syncMode journal.SyncMode) (*journal.Journal, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToLower(o.logLevel))); err != nil {
		return nil, fmt.Errorf("invalid log level %q", o.logLevel)
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	dir := o.dir
	if dir == "" {
		cfg, err := config.LoadConfig(o.configPath)
		if err != nil {
			return nil, err
		}
		dir = cfg.JournalDir()
	}
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("journal directory %s: %w", dir, err)
	}
	return journal.Open(journal.Options{
		Dir:      dir,
		SyncMode: syncMode,
		Logger:   logger,
	})
}

func closeJournal(j *journal.Journal, w io.Writer) {
	if err := j.Close(); err != nil {
		fmt.Fprintln(w, "failed to close journal:", err)
	}
}
