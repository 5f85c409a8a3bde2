package diff

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

// New creates a new `diff` command.
func New() *cobra.Command {
	var merge, patch bool
	cmd := &cobra.Command{
		Use:   "diff LOCAL REMOTE",
		Short: "Show what a sync would do",
		Long: "Compare the directory LOCAL against REMOTE, and print the actions\n" +
			"needed to bring them in sync. REMOTE is either a directory or a\n" +
			"snapshot file written by `dirsync scan --json`.",
		Args: cobra.ExactArgs(2),
		Run: func(_ *cobra.Command, args []string) {
			ctx, cancel := util.SignalContext()
			defer cancel()

			if err := run(ctx, args[0], args[1], merge, patch); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().BoolVar(&merge, "merge", false,
		"Never delete, only add and update")
	cmd.Flags().BoolVarP(&patch, "patch", "p", false,
		"Show the changes to files that differ on both sides. "+
			"Only supported if REMOTE is a directory")
	return cmd
}

func run(ctx context.Context, localPath, remotePath string, merge, patch bool) error {
	cfg, err := loadCfg()
	if err != nil {
		return errors.WithContext(err, "read config")
	}
	builder := snapshot.NewBuilder(append(util.SnapshotOptions(cfg),
		snapshot.WithFs(fs))...)

	local, err := builder.Scan(ctx, localPath)
	if err != nil {
		return errors.WithContext(err, "scan local")
	}

	remote, remoteIsDir, err := loadRemote(ctx, builder, remotePath)
	if err != nil {
		return errors.WithContext(err, "load remote")
	}
	if patch && !remoteIsDir {
		return errors.NewFriendlyError("--patch requires REMOTE to be a directory.")
	}

	res := sync.Diff(local, remote, merge)
	if res.Empty() {
		fmt.Fprintln(stdout, "Already in sync.")
	}
	printNodes("upload", res.Upload)
	printNodes("remove", res.Remove)
	printNodes("download", res.Download)
	printNodes("delete local", res.LocalRemove)
	for _, warning := range res.Warnings {
		fmt.Fprintf(stdout, "warning: %s\n", warning)
	}

	if patch {
		p := patcher{localRoot: localPath, remoteRoot: remotePath, local: local, remote: remote}
		for _, n := range res.Upload {
			p.patch(n, true)
		}
		for _, n := range res.Download {
			p.patch(n, false)
		}
	}
	return nil
}

// loadRemote scans `path` if it's a directory, and parses it as a snapshot
// otherwise. A path that doesn't exist is an empty remote directory.
func loadRemote(ctx context.Context, builder *snapshot.Builder,
	path string) (snap *snapshot.Snapshot, isDir bool, err error) {

	info, err := fs.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, true, nil
		}
		return nil, false, err
	}

	if info.IsDir() {
		snap, err = builder.Scan(ctx, path)
		return snap, true, err
	}

	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, false, err
	}
	snap, err = snapshot.Parse(data)
	return snap, false, err
}

func printNodes(action string, nodes []*snapshot.Node) {
	for _, n := range nodes {
		path := n.Path
		if n.IsRoot() {
			path = snapshot.RootName
		} else if n.IsDir() {
			path += "/"
		}
		fmt.Fprintf(stdout, "%-12s  %s\n", action, path)
	}
}
