package coedit

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestParseSessionSettings(t *testing.T) {
	settings, err := ParseSessionSettings([]byte(`
checksum_interval: 2s
sequencer:
  flush_interval: 5ms
  send_retry_count: 7
`))
	assert.Equal(t, err, nil)
	assert.Equal(t, settings.ChecksumInterval, 2*time.Second)
	assert.Equal(t, settings.SequencerSettings.FlushInterval, 5*time.Millisecond)
	assert.Equal(t, settings.SequencerSettings.SendRetryCount, 7)

	// missing fields keep their defaults
	defaults := DefaultSessionSettings()
	assert.Equal(t, settings.EnforcePermissions, defaults.EnforcePermissions)
	assert.Equal(t, settings.SequencerSettings.GapTimeout, defaults.SequencerSettings.GapTimeout)
	assert.Equal(t, settings.SequencerSettings.MaxBatchByteCount, kib(256))

	_, err = ParseSessionSettings([]byte("checksum_interval: [1"))
	assert.NotEqual(t, err, nil)
}

func TestLoadSessionSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coedit.yml")
	err := os.WriteFile(path, []byte("enforce_permissions: false\n"), 0644)
	assert.Equal(t, err, nil)

	settings, err := LoadSessionSettings(path)
	assert.Equal(t, err, nil)
	assert.Equal(t, settings.EnforcePermissions, false)
	assert.Equal(t, settings.ChecksumInterval, 5*time.Second)

	_, err = LoadSessionSettings(filepath.Join(t.TempDir(), "missing.yml"))
	assert.NotEqual(t, err, nil)
}
