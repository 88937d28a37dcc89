package config

import (
	"testing"

	"github.com/kestrelnet/ringtransport/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_Valid(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestNew_AppliesOptions(t *testing.T) {
	cfg, err := New(
		WithBackend(api.BackendReactor),
		WithBufferPool(16, 2048),
		WithCPUAffinity(2),
	)
	require.NoError(t, err)
	assert.Equal(t, api.BackendReactor, cfg.Backend)
	assert.Equal(t, 16, cfg.BufferPoolSize)
	assert.Equal(t, 2048, cfg.BufferSize)
	assert.Equal(t, 2, cfg.CPUAffinity)
}

func TestValidate_RejectsReservedBackend(t *testing.T) {
	_, err := New(WithBackend(api.BackendXDP))
	assert.Error(t, err)
}

func TestValidate_RejectsNonPowerOfTwoSlots(t *testing.T) {
	_, err := New(WithPendingSendSlots(100))
	assert.Error(t, err)
}

func TestWithBuffersDisabled_ForcesStandardMode(t *testing.T) {
	cfg, err := New(WithBuffersDisabled())
	require.NoError(t, err)
	assert.False(t, cfg.BuffersEnabled)
	assert.Equal(t, api.BufferModeStandard, cfg.BufferMode)
}

func TestValidate_RejectsNonStandardModeWithBuffersDisabled(t *testing.T) {
	_, err := New(
		WithBuffersDisabled(),
		WithBufferMode(api.BufferModeZeroCopy),
	)
	assert.Error(t, err)
}

func TestValidate_RejectsNonPositiveSizes(t *testing.T) {
	cases := []Option{
		WithBufferPool(0, 4096),
		WithBufferPool(10, 0),
		WithSubmissionQueueEntries(0),
		WithConnectTimeout(0),
		WithCommandQueueSize(0),
	}
	for _, opt := range cases {
		_, err := New(opt)
		assert.Error(t, err)
	}
}
