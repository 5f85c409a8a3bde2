package serve

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"

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
	listen            = net.Listen
)

type options struct {
	account string
	address string
	metrics string
}

// New creates a new `serve` command.
func New() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:   "serve [directory]",
		Short: "Serve chunked transfers for a directory",
		Long: "Serve the contents of a directory over the chunked transfer\n" +
			"protocol, so that `dirsync sync --server` and `dirsync transfer`\n" +
			"can read and write its files from another process or machine.",
		Args: cobra.MaximumNArgs(1),
		Run: func(_ *cobra.Command, args []string) {
			ctx, cancel := util.SignalContext()
			defer cancel()

			if err := run(ctx, args, opts, nil); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().StringVar(&opts.account, "account", "",
		"Serve the directory bound to this account")
	cmd.Flags().StringVar(&opts.address, "listen", "",
		"The address to listen on. Defaults to the `listen` field of the "+
			"config, or "+config.DefaultListen)
	cmd.Flags().StringVar(&opts.metrics, "metrics", "",
		"If set, serve Prometheus metrics at http://ADDRESS/metrics")
	return cmd
}

// run serves until ctx is cancelled. If `ready` is non-nil, the listening
// address is sent on it once the server is accepting connections.
func run(ctx context.Context, args []string, opts options, ready chan<- net.Addr) error {
	cfg, err := loadCfg()
	if err != nil {
		return errors.WithContext(err, "read config")
	}

	dir, err := util.ResolveDirectory(cfg, args, opts.account)
	if err != nil {
		return err
	}

	address := opts.address
	if address == "" {
		address = cfg.GetListen()
	}

	lis, err := listen("tcp", address)
	if err != nil {
		return errors.WithContext(err, "listen")
	}

	manager := transfer.NewManager(dir,
		transfer.WithFs(fs),
		transfer.WithChunkSize(cfg.GetChunkSize()))
	defer manager.Close()

	grpcServer := grpc.NewServer()
	transfer.Register(grpcServer, manager)

	var metricsServer *http.Server
	if opts.metrics != "" {
		metricsLis, err := listen("tcp", opts.metrics)
		if err != nil {
			lis.Close()
			return errors.WithContext(err, "listen for metrics")
		}

		mux := http.NewServeMux()
		mux.Handle("/metrics", transfer.MetricsHandler())
		metricsServer = &http.Server{Handler: mux}
		go func() {
			defer util.HandlePanic()
			if err := metricsServer.Serve(metricsLis); err != http.ErrServerClosed {
				log.WithError(err).Error("Metrics server failed")
			}
		}()
		log.WithField("address", metricsLis.Addr().String()).Info("Serving metrics")
	}

	go func() {
		defer util.HandlePanic()
		<-ctx.Done()
		log.Info("Shutting down")
		if metricsServer != nil {
			metricsServer.Close()
		}
		grpcServer.GracefulStop()
	}()

	fmt.Fprintf(stdout, "Serving %s on %s\n", dir, lis.Addr())
	if ready != nil {
		ready <- lis.Addr()
	}

	if err := grpcServer.Serve(lis); err != nil {
		return errors.WithContext(err, "serve")
	}
	return nil
}
