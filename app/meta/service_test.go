package meta

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessingServiceRegistry(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	require.NoError(t, store.RegisterProcessingService(ctx, "http://b.example"))
	require.NoError(t, store.RegisterProcessingService(ctx, "http://a.example"))
	require.NoError(t, store.RegisterProcessingService(ctx, "http://a.example"))

	services, err := store.ListProcessingServices(ctx)
	require.NoError(t, err)
	require.Len(t, services, 2)
	assert.Equal(t, "http://a.example", services[0].EndpointURL)
	assert.Nil(t, services[0].LastChecked)
	assert.False(t, services[0].LastCheckedLive)

	require.NoError(t, store.RecordServiceCheck(ctx, "http://a.example", true, 1500*time.Microsecond))
	require.NoError(t, store.RecordServiceCheck(ctx, "http://c.example", false, 0))

	services, err = store.ListProcessingServices(ctx)
	require.NoError(t, err)
	require.Len(t, services, 3)
	assert.True(t, services[0].LastCheckedLive)
	require.NotNil(t, services[0].LastChecked)
	require.NotNil(t, services[0].LatencyMS)
	assert.InDelta(t, 1.5, *services[0].LatencyMS, 0.001)
	assert.Equal(t, "http://c.example", services[2].EndpointURL)
	assert.False(t, services[2].LastCheckedLive)
}
