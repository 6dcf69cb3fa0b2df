package main

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestRunSimulation(t *testing.T) {
	settings := DefaultSimulationSettings()
	settings.PeerCount = 2
	settings.EditCount = 50
	settings.Seed = 7
	settings.ConvergeTimeout = 10 * time.Second

	result, err := RunSimulation(context.Background(), settings)
	assert.Equal(t, err, nil)
	assert.Equal(t, result.Converged, true)
	assert.Equal(t, len(result.Participants), 3)
	assert.Equal(t, result.Participants[0].Role, "host")
	for _, participant := range result.Participants {
		assert.Equal(t, participant.Checksum, result.Checksum)
	}
	assert.Equal(t, 0 < result.EditCount, true)
}
