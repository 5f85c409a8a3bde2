package sync

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/sidkik/dirsync/cmd/util"
	"github.com/sidkik/dirsync/pkg/config"
	"github.com/sidkik/dirsync/pkg/errors"
	"github.com/sidkik/dirsync/pkg/snapshot"
	"github.com/sidkik/dirsync/pkg/sync"
	"github.com/sidkik/dirsync/pkg/transfer"
)

// Mocked out for unit testing.
var (
	fs                = afero.NewOsFs()
	stdout  io.Writer = os.Stdout
	loadCfg           = config.LoadUser
	dial              = func(ctx context.Context, addr string, chunkSize int) (transfer.Endpoint, io.Closer, error) {
		c, err := transfer.Dial(ctx, addr, chunkSize)
		return c, c, err
	}
	newS3Client = func(ctx context.Context, endpoint string) (sync.S3API, error) {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, err
		}
		return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if endpoint != "" {
				o.BaseEndpoint = aws.String(endpoint)
				o.UsePathStyle = true
			}
		}), nil
	}
)

const s3Scheme = "s3://"

type options struct {
	account    string
	remote     string
	server     string
	s3Endpoint string
	merge      bool
	watch      bool
}

// New creates a new `sync` command.
func New() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:   "sync [directory]",
		Short: "Sync a directory with a remote copy",
		Long: "Bring a local directory and its remote copy in sync. Files are\n" +
			"moved in chunks, either in process or through a `dirsync serve`\n" +
			"instance serving the remote directory.\n\n" +
			"A remote of the form s3://BUCKET/PREFIX syncs with the objects under\n" +
			"PREFIX instead. Credentials come from the standard AWS environment.\n\n" +
			"With --watch, the directory keeps being synced as it changes until\n" +
			"Ctrl-C is pressed.",
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
		"Sync the directory bound to this account")
	cmd.Flags().StringVar(&opts.remote, "remote", "",
		"The remote directory or s3://BUCKET/PREFIX (required)")
	cmd.Flags().StringVar(&opts.server, "server", "",
		"Move file contents through the `dirsync serve` instance at this "+
			"address. It must serve the remote directory.")
	cmd.Flags().StringVar(&opts.s3Endpoint, "s3-endpoint", "",
		"Use this S3 compatible endpoint instead of AWS")
	cmd.Flags().BoolVar(&opts.merge, "merge", false,
		"Never delete, only add and update")
	cmd.Flags().BoolVar(&opts.watch, "watch", false,
		"Keep syncing as the directory changes")
	return cmd
}

func run(ctx context.Context, args []string, opts options) error {
	if opts.remote == "" {
		return errors.NewFriendlyError("The --remote directory is required.")
	}

	cfg, err := loadCfg()
	if err != nil {
		return errors.WithContext(err, "read config")
	}

	dir, err := util.ResolveDirectory(cfg, args, opts.account)
	if err != nil {
		return err
	}

	remote, closeRemote, err := newRemote(ctx, cfg, opts)
	if err != nil {
		return err
	}
	defer closeRemote()

	if opts.watch {
		return watch(ctx, dir, remote, cfg, opts.merge)
	}

	session, err := sync.NewSession(dir, fs,
		sync.WithSnapshotOptions(util.SnapshotOptions(cfg)...))
	if err != nil {
		return errors.WithContext(err, "create session")
	}

	if _, err := session.Rescan(ctx); err != nil {
		return errors.WithContext(err, "scan")
	}

	report, err := session.Sync(ctx, remote, opts.merge)
	if err != nil {
		return errors.WithContext(err, "sync")
	}
	fmt.Fprintln(stdout, report)
	return nil
}

func watch(ctx context.Context, dir string, remote sync.Remote, cfg config.User,
	merge bool) error {

	session, err := sync.NewSession(dir, fs,
		sync.WithSnapshotOptions(append(util.SnapshotOptions(cfg),
			snapshot.WithProgress(snapshot.ProgressFunc(func(p snapshot.Progress) {
				log.WithField("root", p.Root).Debug(p.String())
			})))...),
		sync.WithAutoSync(remote, merge))
	if err != nil {
		return errors.WithContext(err, "create session")
	}

	if err := session.Start(ctx); err != nil {
		return errors.WithContext(err, "start")
	}
	fmt.Fprintf(stdout, "Syncing %s. Press Ctrl-C to stop.\n", session.Root())

	<-ctx.Done()
	fmt.Fprintln(stdout, "Stopping...")
	return session.Stop()
}

// newRemote returns the Remote described by the flags, and a function that
// releases it.
func newRemote(ctx context.Context, cfg config.User, opts options) (sync.Remote, func(), error) {
	if strings.HasPrefix(opts.remote, s3Scheme) {
		if opts.server != "" {
			return nil, nil, errors.NewFriendlyError("--server can't be used with an S3 remote.")
		}

		bucket, prefix, _ := strings.Cut(strings.TrimPrefix(opts.remote, s3Scheme), "/")
		if bucket == "" {
			return nil, nil, errors.NewFriendlyError(
				"Invalid S3 remote %q. It must look like s3://BUCKET/PREFIX.", opts.remote)
		}

		client, err := newS3Client(ctx, opts.s3Endpoint)
		if err != nil {
			return nil, nil, errors.WithContext(err, "create S3 client")
		}
		return sync.NewS3Remote(client, bucket, prefix), func() {}, nil
	}

	remoteDir, err := filepath.Abs(opts.remote)
	if err != nil {
		return nil, nil, errors.WithContext(err, "resolve remote")
	}

	closeRemote := func() {}
	var endpoint transfer.Endpoint
	if opts.server != "" {
		client, closer, err := dial(ctx, opts.server, cfg.GetChunkSize())
		if err != nil {
			return nil, nil, errors.WithContext(err, "connect to server")
		}
		closeRemote = func() { closer.Close() }
		endpoint = client
	} else {
		endpoint = transfer.NewManager(remoteDir,
			transfer.WithFs(fs),
			transfer.WithChunkSize(cfg.GetChunkSize()))
	}
	return sync.NewDirRemote(remoteDir, fs, endpoint, util.SnapshotOptions(cfg)...), closeRemote, nil
}
