package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/internal/protocol"
)

func TestComputeChainGolden(t *testing.T) {
	scenario := loadTestScenario(t, "compute-chain")
	result := RunWithGolden(t, scenario)
	assert.Zero(t, result.Machine.TaskCount())
}

func TestTraceSnapshotShape(t *testing.T) {
	scenario := loadTestScenario(t, "execution-failure")
	result, err := Run(scenario)
	require.NoError(t, err)

	snap := traceSnapshot(scenario, result)
	assert.Equal(t, "execution-failure", snap["scenario_name"])
	assert.Equal(t, scenario.Address, snap["address"])

	instructions, ok := snap["instructions"].([]any)
	require.True(t, ok)
	require.Len(t, instructions, len(result.Instructions))

	// The snapshot must survive canonical marshalling: only plain dict
	// types are allowed inside.
	data, err := protocol.MarshalCanonical(snap)
	require.NoError(t, err)

	decoded, err := protocol.UnmarshalDict(data)
	require.NoError(t, err)
	assert.Equal(t, "execution-failure", decoded["scenario_name"])
}

func TestTraceSnapshotIsStable(t *testing.T) {
	scenario := loadTestScenario(t, "busy-peer-failover")

	first, err := Run(scenario)
	require.NoError(t, err)
	second, err := Run(scenario)
	require.NoError(t, err)

	a, err := protocol.MarshalCanonical(traceSnapshot(scenario, first))
	require.NoError(t, err)
	b, err := protocol.MarshalCanonical(traceSnapshot(scenario, second))
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}
