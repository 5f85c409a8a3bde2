package transfer

import (
	"context"
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/sidkik/dirsync/cmd/util"
	"github.com/sidkik/dirsync/pkg/config"
	"github.com/sidkik/dirsync/pkg/errors"
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
)

// New creates a new `transfer` command.
func New() *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "transfer",
		Short: "Copy single files to and from a `dirsync serve` instance",
	}
	cmd.PersistentFlags().StringVar(&server, "server", "",
		"The address of the server. Defaults to the `listen` field of the config")

	cmd.AddCommand(&cobra.Command{
		Use:   "get REMOTE_PATH LOCAL_FILE",
		Short: "Download a file. A LOCAL_FILE of - writes to stdout",
		Args:  cobra.ExactArgs(2),
		Run: func(_ *cobra.Command, args []string) {
			ctx, cancel := util.SignalContext()
			defer cancel()

			if err := get(ctx, server, args[0], args[1]); err != nil {
				util.HandleFatalError(err)
			}
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "put LOCAL_FILE REMOTE_PATH",
		Short: "Upload a file",
		Args:  cobra.ExactArgs(2),
		Run: func(_ *cobra.Command, args []string) {
			ctx, cancel := util.SignalContext()
			defer cancel()

			if err := put(ctx, server, args[0], args[1]); err != nil {
				util.HandleFatalError(err)
			}
		},
	})
	return cmd
}

func connect(ctx context.Context, server string) (transfer.Endpoint, io.Closer, error) {
	cfg, err := loadCfg()
	if err != nil {
		return nil, nil, errors.WithContext(err, "read config")
	}
	if server == "" {
		server = cfg.GetListen()
	}

	endpoint, closer, err := dial(ctx, server, cfg.GetChunkSize())
	if err != nil {
		return nil, nil, errors.WithContext(err, "connect")
	}
	return endpoint, closer, nil
}

func get(ctx context.Context, server, remotePath, localPath string) error {
	endpoint, closer, err := connect(ctx, server)
	if err != nil {
		return err
	}
	defer closer.Close()

	r := transfer.NewReader(ctx, endpoint, remotePath)
	defer r.Close()

	if localPath == "-" {
		_, err := io.Copy(stdout, r)
		return err
	}

	f, err := fs.Create(localPath)
	if err != nil {
		return errors.WithContext(err, "create")
	}
	defer f.Close()

	n, err := io.Copy(f, r)
	if err != nil {
		f.Close()
		if rmErr := fs.Remove(localPath); rmErr != nil {
			log.WithError(rmErr).WithField("path", localPath).Warn(
				"Failed to remove partial download")
		}
		return errors.WithContext(err, "download")
	}
	fmt.Fprintf(stdout, "Downloaded %s (%d bytes)\n", remotePath, n)
	return nil
}

func put(ctx context.Context, server, localPath, remotePath string) error {
	f, err := fs.Open(localPath)
	if err != nil {
		return errors.WithContext(err, "open")
	}
	defer f.Close()

	endpoint, closer, err := connect(ctx, server)
	if err != nil {
		return err
	}
	defer closer.Close()

	w := transfer.NewWriter(ctx, endpoint, remotePath)
	n, err := io.Copy(w, f)
	if err != nil {
		if cancelErr := w.Cancel(); cancelErr != nil {
			return errors.WithContext(cancelErr, "cancel after failed upload")
		}
		return errors.WithContext(err, "upload")
	}
	if err := w.Close(); err != nil {
		return errors.WithContext(err, "finish upload")
	}
	fmt.Fprintf(stdout, "Uploaded %s (%d bytes)\n", remotePath, n)
	return nil
}
