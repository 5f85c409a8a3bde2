package config

import (
	"path/filepath"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/afero"

	"github.com/sidkik/dirsync/pkg/errors"
	"github.com/sidkik/dirsync/pkg/snapshot"
	"github.com/sidkik/dirsync/pkg/transfer"
)

const (
	// UserConfigPath is the default path to the dirsync user config.
	UserConfigPath = "~/.dirsync.yaml"

	// InitialUserConfigVersion is the first version of the dirsync
	// user config. Config files that do not specify a version
	// will default to this version.
	InitialUserConfigVersion = "v1alpha1"

	// SupportedUserConfigVersion is the supported version of the
	// dirsync user config of the current dirsync binary.
	SupportedUserConfigVersion = "v1alpha1"

	// DefaultListen is the address that `dirsync serve` listens on.
	DefaultListen = "127.0.0.1:9001"
)

// Binding associates an account with the local directory that's synced for
// it.
type Binding struct {
	Account   string `json:"account"`
	Directory string `json:"directory"`
}

// User contains the user's dirsync settings.
type User struct {
	Version  string    `json:"version,omitempty"`
	Bindings []Binding `json:"bindings,omitempty"`

	// ChunkSize is the number of bytes in each transfer chunk.
	ChunkSize int `json:"chunkSize,omitempty"`

	// HashWorkers is the number of files hashed in parallel while scanning.
	HashWorkers int `json:"hashWorkers,omitempty"`

	// HashAlgorithm is either "sha256" or "blake2b".
	HashAlgorithm string `json:"hashAlgorithm,omitempty"`

	// Listen is the address that the transfer server listens on.
	Listen string `json:"listen,omitempty"`
}

func (u User) getVersion() string {
	return u.Version
}

// Directory returns the directory bound to `account`.
func (u User) Directory(account string) (string, bool) {
	for _, b := range u.Bindings {
		if b.Account == account {
			return b.Directory, true
		}
	}
	return "", false
}

// Bind binds `dir` to `account`, replacing any previous binding for the
// account.
func (u *User) Bind(account, dir string) {
	for i, b := range u.Bindings {
		if b.Account == account {
			u.Bindings[i].Directory = dir
			return
		}
	}
	u.Bindings = append(u.Bindings, Binding{Account: account, Directory: dir})
}

// Unbind removes the binding for `account`. It returns whether there was one.
func (u *User) Unbind(account string) bool {
	for i, b := range u.Bindings {
		if b.Account == account {
			u.Bindings = append(u.Bindings[:i], u.Bindings[i+1:]...)
			return true
		}
	}
	return false
}

// GetChunkSize returns the configured chunk size, or the default.
func (u User) GetChunkSize() int {
	if u.ChunkSize <= 0 {
		return transfer.DefaultChunkSize
	}
	return u.ChunkSize
}

// GetHashWorkers returns the configured number of hash workers, or the
// default.
func (u User) GetHashWorkers() int {
	if u.HashWorkers <= 0 {
		return snapshot.DefaultHashWorkers
	}
	return u.HashWorkers
}

// GetHashAlgorithm returns the configured hash algorithm, or the default.
func (u User) GetHashAlgorithm() string {
	if u.HashAlgorithm == "" {
		return snapshot.HashSHA256
	}
	return u.HashAlgorithm
}

// GetListen returns the configured listen address, or the default.
func (u User) GetListen() string {
	if u.Listen == "" {
		return DefaultListen
	}
	return u.Listen
}

func (u User) validate() error {
	switch u.HashAlgorithm {
	case "", snapshot.HashSHA256, snapshot.HashBlake2b:
	default:
		return errors.NewFriendlyError("Unknown hash algorithm %q. "+
			"Supported algorithms are %q and %q.",
			u.HashAlgorithm, snapshot.HashSHA256, snapshot.HashBlake2b)
	}

	if u.ChunkSize < 0 {
		return errors.NewFriendlyError("The chunk size can't be negative.")
	}

	seen := map[string]struct{}{}
	for _, b := range u.Bindings {
		if _, ok := seen[b.Account]; ok {
			return errors.NewFriendlyError(
				"Account %q is bound to more than one directory.", b.Account)
		}
		seen[b.Account] = struct{}{}
	}
	return nil
}

// homedirExpand will be overridden in mock tests
var homedirExpand = homedir.Expand

// ParseUser attempts to parse the User stored in the default path.
func ParseUser() (User, error) {
	path, err := GetUserConfigPath()
	if err != nil {
		return User{}, errors.WithContext(err, "expand config path")
	}

	config := User{Version: InitialUserConfigVersion}
	if err := readVersioned(path, &config, SupportedUserConfigVersion); err != nil {
		if _, ok := err.(errors.FileNotFound); ok {
			return User{}, errors.NewFriendlyError("The dirsync user config "+
				"file doesn't exist at %q. Please run `dirsync config bind` "+
				"to create the user config file.", path)
		}
		return User{}, errors.WithContext(err, "parse")
	}

	if err := config.validate(); err != nil {
		return User{}, err
	}

	for i, b := range config.Bindings {
		dir, err := homedir.Expand(b.Directory)
		if err != nil {
			return User{}, errors.WithContext(err, "expand directory path")
		}

		// Evaluate relative paths relative to the config path.
		if dir != "" && !filepath.IsAbs(dir) {
			dir = filepath.Join(filepath.Dir(path), dir)
		}
		config.Bindings[i].Directory = dir
	}
	return config, nil
}

// LoadUser is like ParseUser, except that it returns an empty config if the
// config file doesn't exist yet.
func LoadUser() (User, error) {
	path, err := GetUserConfigPath()
	if err != nil {
		return User{}, errors.WithContext(err, "expand config path")
	}

	exists, err := afero.Exists(fs, path)
	if err != nil {
		return User{}, errors.WithContext(err, "stat")
	}
	if !exists {
		return User{Version: SupportedUserConfigVersion}, nil
	}
	return ParseUser()
}

// WriteUser writes the given user config to disk.
func WriteUser(cfg User) error {
	if err := cfg.validate(); err != nil {
		return err
	}

	cfg.Version = SupportedUserConfigVersion
	path, err := GetUserConfigPath()
	if err != nil {
		return errors.WithContext(err, "expand config path")
	}

	return writeVersioned(path, cfg)
}

// GetUserConfigPath returns the path to the user's dirsync configuration.
// This path is expanded, so it can be directly passed to file operations.
func GetUserConfigPath() (string, error) {
	return homedirExpand(UserConfigPath)
}
