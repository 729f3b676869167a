package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTarget(t *testing.T) {
	cases := []struct {
		endpoint string
		target   string
		insecure bool
	}{
		{"localhost:4317", "localhost:4317", true},
		{"http://collector:4317", "collector:4317", true},
		{"https://collector:4317/v1/metrics", "collector:4317", false},
		{"  otel.internal:4317 ", "otel.internal:4317", true},
	}
	for _, tc := range cases {
		target, insecure, err := Target(tc.endpoint)
		require.NoError(t, err, tc.endpoint)
		assert.Equal(t, tc.target, target, tc.endpoint)
		assert.Equal(t, tc.insecure, insecure, tc.endpoint)
	}

	_, _, err := Target("http://")
	assert.Error(t, err)
}

func TestNewMeterWithoutEndpoint(t *testing.T) {
	m, err := NewMeter(context.Background(), "", "authflowd", false)
	require.NoError(t, err)
	require.NotNil(t, m.Provider)
	assert.NotNil(t, m.Provider.Meter("authflow"))
	assert.NoError(t, m.Shutdown(context.Background()))
}
