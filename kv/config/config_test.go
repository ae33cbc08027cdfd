package config

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	require.NoError(t, NewDefaultConfig().Validate())
}

func TestValidateRejectsBadValues(t *testing.T) {
	c := NewDefaultConfig()
	c.BufferPoolFrames = 2
	assert.Error(t, c.Validate())

	c = NewDefaultConfig()
	c.WALSegmentSize = 1024
	assert.Error(t, c.Validate())

	c = NewDefaultConfig()
	c.LockWaitTimeoutMs = 0
	assert.Error(t, c.Validate())

	c = NewDefaultConfig()
	c.DBPath = ""
	assert.Error(t, c.Validate())
}

func TestFromTOML(t *testing.T) {
	dir, err := ioutil.TempDir("", "config-test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "meridian.toml")
	body := `
db-path = "/var/lib/meridian"
buffer-pool-frames = 64
group-commit-window-ms = 5
log-level = "debug"
`
	require.NoError(t, ioutil.WriteFile(path, []byte(body), 0644))

	c := NewDefaultConfig()
	require.NoError(t, c.FromTOML(path))
	assert.Equal(t, "/var/lib/meridian", c.DBPath)
	assert.Equal(t, 64, c.BufferPoolFrames)
	assert.Equal(t, 5*time.Millisecond, c.GroupCommitWindow())
	assert.Equal(t, "debug", c.LogLevel)
	// Untouched keys keep their defaults.
	assert.Equal(t, 8, c.PrefetchWindow)
}
