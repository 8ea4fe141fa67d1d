package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupDefaultEndpoint(t *testing.T) {
	t.Parallel()

	shutdown, err := Setup(context.Background(), Config{
		Environment: "test",
		ServiceName: "test-service",
	})
	require.NoError(t, err)
	require.NotNil(t, shutdown)

	assert.NoError(t, shutdown(context.Background()))
}

func TestSetupCollectorUnavailableDegrades(t *testing.T) {
	t.Parallel()

	// Exporter creation succeeds; spans fail to export silently.
	shutdown, err := Setup(context.Background(), Config{
		Endpoint:    "localhost:99999",
		Environment: "test",
		ServiceName: "graceful-test",
	})
	require.NoError(t, err)
	require.NotNil(t, shutdown)

	assert.NoError(t, shutdown(context.Background()))
}

func TestDefaultEndpointValue(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "localhost:4318", DefaultEndpoint)
}
