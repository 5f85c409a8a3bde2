// Package config reads and writes the dirsync user config, which records
// which local directory is bound to which account, along with tunables for
// scanning and transfers.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ghodss/yaml"
	"github.com/spf13/afero"

	"github.com/sidkik/dirsync/pkg/errors"
)

// Mocked out for unit testing.
var fs = afero.NewOsFs()

// parseConfigErrTemplate is shown when a config file isn't valid YAML, or
// doesn't match the expected schema. The parser's errors don't say where in
// the file the problem is, so they're passed on as is.
const parseConfigErrTemplate = "The dirsync config at %q could not be parsed.\n" +
	"Check that every field has the right type, and that there are no fields\n" +
	"other than version, bindings, chunkSize, hashWorkers, hashAlgorithm and\n" +
	"listen. `dirsync config show` prints a valid config.\n\n" +
	"The parser reported:\n" +
	"%s"

// versioned is a config document that records the schema version it was
// written with.
type versioned interface {
	getVersion() string
}

type incompatibleVersionError struct {
	path, exp, actual string
}

func (err incompatibleVersionError) Error() string {
	return err.FriendlyMessage()
}

func (err incompatibleVersionError) FriendlyMessage() string {
	return fmt.Sprintf("The configuration file %q was written for a "+
		"different version of dirsync.\n"+
		"Expected version %q, but got %q.", err.path, err.exp, err.actual)
}

// readVersioned decodes the document at `path` into `doc`. The version is
// checked before unknown fields, so that a config from a newer dirsync is
// reported as such rather than as a schema error.
func readVersioned(path string, doc versioned, expVersion string) error {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.FileNotFound{Path: path}
		}
		return errors.WithContext(err, "read file")
	}

	if err := yaml.Unmarshal(data, doc); err != nil {
		return errors.NewFriendlyError(parseConfigErrTemplate, path, err)
	}

	if doc.getVersion() != expVersion {
		return incompatibleVersionError{path, expVersion, doc.getVersion()}
	}

	if err := yaml.UnmarshalStrict(data, doc, yaml.DisallowUnknownFields); err != nil {
		return errors.NewFriendlyError(parseConfigErrTemplate, path, err)
	}
	return nil
}

// writeVersioned encodes `doc` to `path`. The file is written next to its
// destination first, so a failed write never leaves a truncated config.
func writeVersioned(path string, doc versioned) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return errors.WithContext(err, "marshal")
	}

	staging := filepath.Join(filepath.Dir(path), "~"+filepath.Base(path)+".tmp")
	if err := afero.WriteFile(fs, staging, data, 0644); err != nil {
		return errors.WithContext(err, "write")
	}
	if err := fs.Rename(staging, path); err != nil {
		_ = fs.Remove(staging)
		return errors.WithContext(err, "rename")
	}
	return nil
}
