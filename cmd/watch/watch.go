package watch

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/sidkik/dirsync/cmd/util"
	"github.com/sidkik/dirsync/pkg/config"
	"github.com/sidkik/dirsync/pkg/errors"
	"github.com/sidkik/dirsync/pkg/snapshot"
	"github.com/sidkik/dirsync/pkg/sync"
)

// Mocked out for unit testing.
var (
	fs                = afero.NewOsFs()
	stdout  io.Writer = os.Stdout
	loadCfg           = config.LoadUser
)

// New creates a new `watch` command.
func New() *cobra.Command {
	var account string
	cmd := &cobra.Command{
		Use:   "watch [directory]",
		Short: "Rescan a directory whenever it changes",
		Long: "Watch a directory for changes, and print the progress of the\n" +
			"rescans they trigger until Ctrl-C is pressed.",
		Args: cobra.MaximumNArgs(1),
		Run: func(_ *cobra.Command, args []string) {
			ctx, cancel := util.SignalContext()
			defer cancel()

			if err := run(ctx, args, account); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().StringVar(&account, "account", "",
		"Watch the directory bound to this account")
	return cmd
}

func run(ctx context.Context, args []string, account string) error {
	cfg, err := loadCfg()
	if err != nil {
		return errors.WithContext(err, "read config")
	}

	dir, err := util.ResolveDirectory(cfg, args, account)
	if err != nil {
		return err
	}

	session, err := sync.NewSession(dir, fs, sync.WithSnapshotOptions(
		append(util.SnapshotOptions(cfg),
			snapshot.WithProgress(util.NewProgressPrinter(stdout)))...))
	if err != nil {
		return errors.WithContext(err, "create session")
	}

	if err := session.Start(ctx); err != nil {
		return errors.WithContext(err, "start")
	}
	fmt.Fprintf(stdout, "Watching %s. Press Ctrl-C to stop.\n", session.Root())

	<-ctx.Done()
	return session.Stop()
}
