package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/ghodss/yaml"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sidkik/dirsync/cmd/util"
	"github.com/sidkik/dirsync/pkg/config"
	"github.com/sidkik/dirsync/pkg/errors"
)

// Mocked for unit testing.
var (
	stdout              io.Writer = os.Stdout
	stdin               io.Reader = os.Stdin
	parseUserConfig               = config.ParseUser
	loadUserConfig                = config.LoadUser
	writeUserConfig               = config.WriteUser
	getUserConfigPath             = config.GetUserConfigPath
	stat                          = os.Stat
	getWorkingDirectory           = os.Getwd
)

// New creates a new `config` command.
func New() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the dirsync user configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "bind ACCOUNT [DIRECTORY]",
		Short: "Bind an account to the directory it syncs",
		Long: "Bind an account to the directory it syncs. If DIRECTORY isn't\n" +
			"given, `dirsync config bind` will interactively prompt.",
		Args: cobra.RangeArgs(1, 2),
		Run: func(_ *cobra.Command, args []string) {
			var dir string
			if len(args) == 2 {
				dir = args[1]
			}
			if err := bind(args[0], dir); err != nil {
				err = errors.NewFriendlyError("Failed to bind directory:\n%s",
					errors.GetPrintableMessage(err))
				util.HandleFatalError(err)
			}
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "unbind ACCOUNT",
		Short: "Remove the directory bound to an account",
		Args:  cobra.ExactArgs(1),
		Run: func(_ *cobra.Command, args []string) {
			if err := unbind(args[0]); err != nil {
				util.HandleFatalError(err)
			}
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the current configuration",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			if err := show(); err != nil {
				util.HandleFatalError(err)
			}
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "get-directory ACCOUNT",
		Short: "Get the directory bound to an account",
		Args:  cobra.ExactArgs(1),
		Run: func(_ *cobra.Command, args []string) {
			cfg, err := parseUserConfig()
			if err != nil {
				util.HandleFatalError(errors.WithContext(err, "read config"))
			}

			dir, ok := cfg.Directory(args[0])
			if !ok {
				util.HandleFatalError(errors.NewFriendlyError(
					"No directory is bound to account %q.", args[0]))
			}
			fmt.Fprintln(stdout, dir)
		},
	})

	// Setup the commands for querying the tunables in the user config.
	type getterSpec struct {
		use, short string
		fn         func(config.User) string
	}

	getters := []getterSpec{
		{
			use:   "get-listen",
			short: "Get the address that `dirsync serve` listens on",
			fn:    func(cfg config.User) string { return cfg.GetListen() },
		},
		{
			use:   "get-chunk-size",
			short: "Get the size of the chunks files are transferred in",
			fn:    func(cfg config.User) string { return strconv.Itoa(cfg.GetChunkSize()) },
		},
		{
			use:   "get-hash-algorithm",
			short: "Get the algorithm used to checksum files",
			fn:    func(cfg config.User) string { return cfg.GetHashAlgorithm() },
		},
	}
	for _, getter := range getters {
		getter := getter
		cmd.AddCommand(&cobra.Command{
			Use:   getter.use,
			Short: getter.short,
			Args:  cobra.NoArgs,
			Run: func(_ *cobra.Command, _ []string) {
				cfg, err := loadUserConfig()
				if err != nil {
					err = errors.WithContext(err, "read config")
					util.HandleFatalError(err)
				}

				fmt.Fprintln(stdout, getter.fn(cfg))
			},
		})
	}

	return cmd
}

func bind(account, dir string) error {
	if msg, ok := accountValidationFn(account); !ok {
		return errors.NewFriendlyError("%s", msg)
	}

	cfg, err := loadUserConfig()
	if err != nil {
		return errors.WithContext(err, "read config")
	}

	if dir == "" {
		current, _ := cfg.Directory(account)
		dir, err = promptDirectory(account, current)
		if err != nil {
			return errors.WithContext(err, "prompt")
		}
	}

	dir, err = filepath.Abs(dir)
	if err != nil {
		return errors.WithContext(err, "resolve directory")
	}

	info, err := stat(dir)
	switch {
	case os.IsNotExist(err):
		log.WithField("directory", dir).Info("Directory doesn't exist yet. " +
			"It will be created by the first sync.")
	case err != nil:
		return errors.WithContext(err, "stat")
	case !info.IsDir():
		return errors.NewFriendlyError("%s is not a directory.", dir)
	}

	cfg.Bind(account, dir)
	if err := writeUserConfig(cfg); err != nil {
		return errors.WithContext(err, "write config")
	}

	path, err := getUserConfigPath()
	if err != nil {
		return errors.WithContext(err, "get user config path")
	}

	fmt.Fprintf(stdout, "Bound %s to %s in %s\n", account, dir, path)
	return nil
}

func unbind(account string) error {
	cfg, err := parseUserConfig()
	if err != nil {
		return errors.WithContext(err, "read config")
	}

	if !cfg.Unbind(account) {
		return errors.NewFriendlyError("No directory is bound to account %q.", account)
	}

	if err := writeUserConfig(cfg); err != nil {
		return errors.WithContext(err, "write config")
	}
	fmt.Fprintf(stdout, "Unbound %s\n", account)
	return nil
}

func show() error {
	cfg, err := loadUserConfig()
	if err != nil {
		return errors.WithContext(err, "read config")
	}

	out, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.WithContext(err, "marshal")
	}
	_, err = stdout.Write(out)
	return err
}

var accountRegex = regexp.MustCompile(`^[-_.@a-zA-Z0-9]*$`)

func accountValidationFn(account string) (string, bool) {
	if account == "" {
		return "The account name must not be empty.", false
	}

	if !accountRegex.MatchString(account) {
		return "The account name contains invalid characters. " +
			"Only letters, numbers, and the characters `-_.@` are allowed.", false
	}
	return "", true
}

func promptDirectory(account, current string) (string, error) {
	var defaultAnswer string
	if wd, err := getWorkingDirectory(); err == nil {
		defaultAnswer = wd
	} else {
		log.WithError(err).Info("Failed to get working directory")
	}

	return promptUser(
		fmt.Sprintf("Enter the directory to sync for %s.\n"+
			"It defaults to the current directory.", account),
		"Directory", defaultAnswer, current)
}

func promptUser(helpString, prompt, defaultAnswer, currAnswer string) (string, error) {
	// Display a new line at the end to separate different fields to make it
	// look clearer.
	defer fmt.Fprintln(stdout)

	options := []string{}
	if defaultAnswer != "" {
		options = append(options, defaultAnswer)
	}
	if currAnswer != "" && currAnswer != defaultAnswer {
		options = append(options, currAnswer)
	}
	options = append(options, "(Enter manually)")

	fmt.Fprintln(stdout, helpString+"\n"+prompt+":")

	stdinReader := bufio.NewReader(stdin)

	if nOptions := len(options); nOptions > 1 {
		// defaultAnswer or currAnswer exists.
		fmt.Fprintln(stdout)
		for i, option := range options {
			if i == 0 {
				option = fmt.Sprintf("%s (recommended)", option)
			}
			fmt.Fprintf(stdout, "\t%d. %s\n", i+1, option)
		}
		fmt.Fprintln(stdout)

		for {
			fmt.Fprintf(stdout, "Please choose one [1-%d]: ", nOptions)
			choiceStr, err := stdinReader.ReadString('\n')
			if err != nil {
				return "", err
			}

			var choice int
			choiceStr = strings.TrimRight(choiceStr, "\n")

			// Default to the first choice if user doesn't enter anything.
			if choiceStr == "" {
				choice = 1
			} else {
				choice, err = strconv.Atoi(choiceStr)
				if err != nil || choice < 1 || choice > nOptions {
					// Try again if the input is invalid.
					continue
				}
			}

			if choice == nOptions {
				// Enter manually.
				break
			}

			return options[choice-1], nil
		}
	}

	fmt.Fprint(stdout, "Please enter manually: ")
	resp, err := stdinReader.ReadString('\n')
	if err != nil {
		return "", err
	}

	return strings.TrimRight(resp, "\n"), nil
}
