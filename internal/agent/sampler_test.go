package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSamplerReadsLocalHost(t *testing.T) {
	m, err := NewSampler().Sample(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, m.CPUUsage, 0.0)
	assert.LessOrEqual(t, m.CPUUsage, 100.0)
	assert.Positive(t, m.MemoryTotal)
	assert.LessOrEqual(t, m.MemoryUsed, m.MemoryTotal)
	assert.LessOrEqual(t, len(m.TopProcesses), 5)
}

func TestIdentityReportsHostname(t *testing.T) {
	info, err := Identity(context.Background(), "front desk")
	require.NoError(t, err)
	assert.NotEmpty(t, info.Hostname)
	require.NotNil(t, info.UserLabel)
	assert.Equal(t, "front desk", *info.UserLabel)
	require.NotNil(t, info.AgentVersion)
	assert.Equal(t, Version, *info.AgentVersion)

	info, err = Identity(context.Background(), "")
	require.NoError(t, err)
	assert.Nil(t, info.UserLabel)
}
