package version

import (
	"bytes"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sidkik/dirsync/pkg/version"
)

func TestVersion(t *testing.T) {
	var out bytes.Buffer
	stdout = &out

	run()
	assert.Equal(t, "dirsync version: "+version.EmptyValue+"\n"+
		"go version:      "+runtime.Version()+"\n", out.String())
}
