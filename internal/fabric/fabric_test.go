package fabric

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withSocketsEnabled(t *testing.T) {
	t.Helper()
	old, had := os.LookupEnv(EnableSocketsEnv)
	require.NoError(t, os.Setenv(EnableSocketsEnv, "1"))
	t.Cleanup(func() {
		if had {
			os.Setenv(EnableSocketsEnv, old)
		} else {
			os.Unsetenv(EnableSocketsEnv)
		}
	})
}

func TestProbeRequiresEnvOverride(t *testing.T) {
	os.Unsetenv(EnableSocketsEnv)
	_, err := Probe("localhost")
	assert.ErrorIs(t, err, ErrNoProvider)
}

func TestProbeReportsSockets(t *testing.T) {
	withSocketsEnabled(t)
	r, err := Probe("localhost")
	require.NoError(t, err)
	assert.True(t, r.Supports(ProviderSockets))
	assert.False(t, r.Supports(ProviderVerbs))
}

func TestClampLaneCount(t *testing.T) {
	assert.Equal(t, 2, ClampLaneCount(4, 2, 8, 8))
	assert.Equal(t, 1, ClampLaneCount(0, 8, 8, 8))
}

func TestInitRejectsVerbs(t *testing.T) {
	_, err := Init(&Attr{Provider: ProviderVerbs, NLanes: 1})
	assert.ErrorIs(t, err, ErrForkUnsafe)
}

func connectedPair(t *testing.T) (Fabric, Fabric) {
	t.Helper()
	server, err := Init(&Attr{Provider: ProviderSockets, NLanes: 1})
	require.NoError(t, err)
	client, err := Init(&Attr{Provider: ProviderSockets, NLanes: 1})
	require.NoError(t, err)

	const service = "18273"
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- server.Accept(ctx, service) }()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, client.Connect(ctx, "127.0.0.1", service))
	require.NoError(t, <-errCh)

	return client, server
}

func TestWriteReadRoundTrip(t *testing.T) {
	client, server := connectedPair(t)
	defer client.Shutdown()
	defer server.Shutdown()

	serverMR := make([]byte, 4096)
	server.RegisterMR(serverMR)

	lane, err := client.Lane(0)
	require.NoError(t, err)

	payload := []byte("persisted-bytes")
	require.NoError(t, lane.PostWrite(context.Background(), payload, 128, true))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, payload, serverMR[128:128+len(payload)])

	readBack := make([]byte, len(payload))
	require.NoError(t, lane.PostRead(context.Background(), readBack, 128))
	assert.Equal(t, payload, readBack)
}

func TestSendRecvRoundTrip(t *testing.T) {
	client, server := connectedPair(t)
	defer client.Shutdown()
	defer server.Shutdown()

	clientLane, err := client.Lane(0)
	require.NoError(t, err)
	serverLane, err := server.Lane(0)
	require.NoError(t, err)

	require.NoError(t, clientLane.PostSend(context.Background(), []byte("hello")))

	buf := make([]byte, 5)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, serverLane.PostRecv(ctx, buf))
	assert.Equal(t, "hello", string(buf))
}

func TestShutdownSignalsWaiters(t *testing.T) {
	client, server := connectedPair(t)
	defer server.Shutdown()

	lane, err := client.Lane(0)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := lane.ReadCompletion(time.Second)
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, client.Shutdown())

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("ReadCompletion did not unblock after Shutdown")
	}
}
