package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	c := &Config{}
	c.LoadDefaults()

	assert.Equal(t, 2, c.ChunkDays)
	assert.Equal(t, 10, c.MaxAttempts)
	assert.Equal(t, 5*time.Minute, c.FetchTimeout)
	assert.Equal(t, 5*time.Second, c.BackoffCap)
	assert.Equal(t, 30, c.TTLDays)
	assert.NotEmpty(t, c.DataDir)
}

func TestEffectiveFetchTimeout(t *testing.T) {
	c := &Config{FetchTimeout: 5 * time.Minute}
	assert.Equal(t, 5*time.Minute, c.EffectiveFetchTimeout())

	c.ConstrainedHost = true
	assert.Equal(t, 450*time.Second, c.EffectiveFetchTimeout())
}

func TestLoadOverlaysFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"endpoint":"http://file:1/api","chunkDays":7}`), 0o600))

	t.Setenv("VOUCHERSYNC_ENDPOINT", "http://env:2/api")
	t.Setenv("VOUCHERSYNC_DATA_DIR", "/tmp/vsdata")

	c, err := Load(path)
	require.NoError(t, err)

	// env wins over file, file wins over defaults
	assert.Equal(t, "http://env:2/api", c.Endpoint)
	assert.Equal(t, "/tmp/vsdata", c.DataDir)
	assert.Equal(t, 7, c.ChunkDays)
	assert.Equal(t, 10, c.MaxAttempts, "untouched fields keep their defaults")
}

func TestLoadMissingFileIsFine(t *testing.T) {
	t.Setenv("VOUCHERSYNC_ENDPOINT", "")
	t.Setenv("VOUCHERSYNC_DATA_DIR", "")

	c, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.Equal(t, 2, c.ChunkDays)
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{nope"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}
