package coedit

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type SessionSettings struct {
	// how often `RunChecksums` broadcasts document checksums
	ChecksumInterval time.Duration `yaml:"checksum_interval"`
	// a read only participant cannot make local edits
	EnforcePermissions bool `yaml:"enforce_permissions"`

	SequencerSettings SequencerSettings `yaml:"sequencer"`
}

func DefaultSessionSettings() *SessionSettings {
	return &SessionSettings{
		ChecksumInterval:   5 * time.Second,
		EnforcePermissions: true,
		SequencerSettings:  *DefaultSequencerSettings(),
	}
}

// LoadSessionSettings reads yaml settings from `path`.
// Fields missing from the file keep their defaults.
func LoadSessionSettings(path string) (*SessionSettings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseSessionSettings(data)
}

func ParseSessionSettings(data []byte) (*SessionSettings, error) {
	settings := DefaultSessionSettings()
	if err := yaml.Unmarshal(data, settings); err != nil {
		return nil, err
	}
	return settings, nil
}
