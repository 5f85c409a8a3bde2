package cmd

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	configCmd "github.com/sidkik/dirsync/cmd/config"
	diffCmd "github.com/sidkik/dirsync/cmd/diff"
	"github.com/sidkik/dirsync/cmd/scan"
	"github.com/sidkik/dirsync/cmd/serve"
	syncCmd "github.com/sidkik/dirsync/cmd/sync"
	"github.com/sidkik/dirsync/cmd/transfer"
	"github.com/sidkik/dirsync/cmd/util"
	"github.com/sidkik/dirsync/cmd/version"
	"github.com/sidkik/dirsync/cmd/watch"
)

// verboseLogKey is the environment variable used to enable verbose logging.
// When it's set to `true`, Debug events are logged, rather than just Info and
// above.
const verboseLogKey = "DIRSYNC_LOG_VERBOSE"

// Execute runs the main CLI process.
func Execute() {
	if os.Getenv(verboseLogKey) == "true" {
		log.SetLevel(log.DebugLevel)
	}

	rootCmd := &cobra.Command{
		Use:          "dirsync",
		Short:        "Keep a local directory in sync with a remote copy.",
		SilenceUsage: true,

		// The call to rootCmd.Execute prints the error, so we silence errors
		// here to avoid double printing.
		SilenceErrors: true,
	}
	rootCmd.AddCommand(
		configCmd.New(),
		diffCmd.New(),
		scan.New(),
		serve.New(),
		syncCmd.New(),
		transfer.New(),
		version.New(),
		watch.New(),
	)

	if err := rootCmd.Execute(); err != nil {
		util.HandleFatalError(err)
	}
}
