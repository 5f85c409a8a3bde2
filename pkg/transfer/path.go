package transfer

import (
	"strings"
)

// Sanitize turns a client-supplied path into one relative to the transfer
// root. Empty segments and leading separators are dropped silently. "." and
// ".." segments are dropped too, and `rejected` reports that the path
// contained them.
func Sanitize(path string) (clean string, rejected bool) {
	path = strings.ReplaceAll(path, `\`, "/")

	var segments []string
	for _, segment := range strings.Split(path, "/") {
		switch segment {
		case "":
		case ".", "..":
			rejected = true
		default:
			segments = append(segments, segment)
		}
	}
	return strings.Join(segments, "/"), rejected
}

// stagingName returns the name of the temporary file that a download of
// `name` is written to before it's moved into place.
func stagingName(name string) string {
	return "~" + name + ".tmp"
}
