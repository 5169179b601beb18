package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriorityOrdering(t *testing.T) {
	// Lower numeric value drains first; P1 must always beat everything else.
	assert.Less(t, PriorityEmergency, PriorityHigh)
	assert.Less(t, PriorityHigh, PriorityNormal)
	assert.Less(t, PriorityNormal, PriorityLow)
}

func TestPriorityLabels(t *testing.T) {
	assert.Equal(t, "P1", PriorityEmergency.String())
	assert.Equal(t, "normal", PriorityNormal.String())
	assert.Equal(t, "priority(9)", Priority(9).String())

	for _, label := range []string{"P1", "high", "normal", "low"} {
		p, err := ParsePriority(label)
		require.NoError(t, err)
		assert.Equal(t, label, p.String())
	}
	_, err := ParsePriority("urgent")
	require.Error(t, err)
}

func TestPriorityJSONRoundTrip(t *testing.T) {
	var b Build
	require.NoError(t, json.Unmarshal([]byte(`{"priority":"P1"}`), &b))
	assert.Equal(t, PriorityEmergency, b.Priority)

	out, err := json.Marshal(b.Priority)
	require.NoError(t, err)
	assert.Equal(t, `"P1"`, string(out))
}

func TestBuildTerminal(t *testing.T) {
	assert.False(t, Build{Status: BuildPending}.Terminal())
	assert.False(t, Build{Status: BuildInProgress}.Terminal())
	assert.True(t, Build{Status: BuildSucceeded}.Terminal())
	assert.True(t, Build{Status: BuildFailed}.Terminal())
}
