package metrics

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWiresOOBAndDataplaneCollectors(t *testing.T) {
	reg := New()
	require.NotNil(t, reg.OOB)
	require.NotNil(t, reg.OOB.Requests)
	require.NotNil(t, reg.Dataplane)
	require.NotNil(t, reg.Dataplane.PersistOps)
	require.NotNil(t, reg.Dataplane.BytesFlushed)
	require.NotNil(t, reg.Dataplane.WQStalls)
}

func TestServeExposesMetricsEndpoint(t *testing.T) {
	reg := New()
	reg.Dataplane.BytesFlushed.Add(42)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- reg.Serve(ctx, "127.0.0.1:19500") }()
	time.Sleep(50 * time.Millisecond)

	resp, err := http.Get("http://127.0.0.1:19500/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	require.NoError(t, <-errCh)
}
