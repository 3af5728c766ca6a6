package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) []byte {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	require.NoError(t, cmd.Execute(), errOut.String())
	return out.Bytes()
}

func TestSeedEventsRebuild(t *testing.T) {
	store := []string{"--eventstore", "sqlite", "--sqlite", filepath.Join(t.TempDir(), "campaigns.db"), "--viewstore", "memory"}

	var seeded []struct {
		AggregateID string `json:"aggregateId"`
		Version     int    `json:"version"`
	}
	require.NoError(t, json.Unmarshal(run(t, append([]string{"seed", "-n", "6"}, store...)...), &seeded))
	require.Len(t, seeded, 6)
	assert.Equal(t, 1, seeded[0].Version, "the first campaign stays a draft")
	assert.Equal(t, 3, seeded[4].Version, "created, started, completed")

	var started []struct {
		Type        string `json:"type"`
		AggregateID string `json:"aggregateId"`
	}
	require.NoError(t, json.Unmarshal(run(t, append([]string{"events", "--type", "started"}, store...)...), &started))
	require.Len(t, started, 3)
	for _, evt := range started {
		assert.Equal(t, "campaign.started", evt.Type)
	}

	var history []struct {
		Version int `json:"version"`
	}
	require.NoError(t, json.Unmarshal(run(t, append([]string{"events", seeded[3].AggregateID}, store...)...), &history))
	assert.Len(t, history, 3)

	var health struct {
		Processed int  `json:"processed"`
		Degraded  bool `json:"degraded"`
	}
	require.NoError(t, json.Unmarshal(run(t, append([]string{"rebuild"}, store...)...), &health))
	assert.Equal(t, 13, health.Processed)
	assert.False(t, health.Degraded)
}

func TestSeedRejectsZeroCount(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"seed", "-n", "0"})
	assert.Error(t, cmd.Execute())
}

func TestEventsRejectsUnknownType(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"events", "--eventstore", "memory", "--viewstore", "memory", "--type", "exploded"})
	assert.Error(t, cmd.Execute())
}
