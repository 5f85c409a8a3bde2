package scan

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/sidkik/dirsync/cmd/util"
	"github.com/sidkik/dirsync/pkg/config"
	"github.com/sidkik/dirsync/pkg/errors"
	"github.com/sidkik/dirsync/pkg/snapshot"
)

// Mocked out for unit testing.
var (
	fs                = afero.NewOsFs()
	stdout  io.Writer = os.Stdout
	stderr  io.Writer = os.Stderr
	loadCfg           = config.LoadUser
)

type options struct {
	account string
	json    bool
	quiet   bool
}

// New creates a new `scan` command.
func New() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:   "scan [directory]",
		Short: "Snapshot a directory",
		Long: "Scan a directory and print a summary of its contents. With --json,\n" +
			"the full snapshot is printed in the format accepted by `dirsync diff`.",
		Args: cobra.MaximumNArgs(1),
		Run: func(_ *cobra.Command, args []string) {
			ctx, cancel := util.SignalContext()
			defer cancel()

			if err := run(ctx, args, opts); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().StringVar(&opts.account, "account", "",
		"Scan the directory bound to this account")
	cmd.Flags().BoolVar(&opts.json, "json", false,
		"Print the snapshot as JSON")
	cmd.Flags().BoolVarP(&opts.quiet, "quiet", "q", false,
		"Don't print progress")
	return cmd
}

func run(ctx context.Context, args []string, opts options) error {
	cfg, err := loadCfg()
	if err != nil {
		return errors.WithContext(err, "read config")
	}

	dir, err := util.ResolveDirectory(cfg, args, opts.account)
	if err != nil {
		return err
	}

	builderOpts := append(util.SnapshotOptions(cfg), snapshot.WithFs(fs))
	if !opts.quiet {
		builderOpts = append(builderOpts,
			snapshot.WithProgress(util.NewProgressPrinter(stderr)))
	}

	snap, err := snapshot.NewBuilder(builderOpts...).Scan(ctx, dir)
	if err != nil {
		if errors.Is(err, errors.ErrScanCancelled) {
			return errors.NewFriendlyError("Scan cancelled.")
		}
		return errors.WithContext(err, "scan")
	}

	if opts.json {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}

	var files, dirs, bytes int64
	_ = snap.Walk(func(n *snapshot.Node) error {
		switch {
		case n.IsRoot():
		case n.IsDir():
			dirs++
		default:
			files++
			bytes += n.Size
		}
		return nil
	})
	fmt.Fprintf(stdout, "%s: %d files, %d directories, %d bytes\n",
		dir, files, dirs, bytes)
	return nil
}
