package dataplane

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/openpmem/rpmem/internal/fabric"
	"github.com/openpmem/rpmem/internal/pmem"
	"github.com/openpmem/rpmem/internal/poolset"
	"github.com/openpmem/rpmem/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withSocketsEnabled(t *testing.T) {
	t.Helper()
	old, had := os.LookupEnv(fabric.EnableSocketsEnv)
	require.NoError(t, os.Setenv(fabric.EnableSocketsEnv, "1"))
	t.Cleanup(func() {
		if had {
			os.Setenv(fabric.EnableSocketsEnv, old)
		} else {
			os.Unsetenv(fabric.EnableSocketsEnv)
		}
	})
}

func connectedPair(t *testing.T, nlanes int, service string) (fabric.Fabric, fabric.Fabric) {
	t.Helper()
	withSocketsEnabled(t)
	server, err := fabric.Init(&fabric.Attr{Provider: fabric.ProviderSockets, NLanes: nlanes})
	require.NoError(t, err)
	client, err := fabric.Init(&fabric.Attr{Provider: fabric.ProviderSockets, NLanes: nlanes})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- server.Accept(ctx, service) }()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, client.Connect(ctx, "127.0.0.1", service))
	require.NoError(t, <-errCh)
	return client, server
}

func mappedDescriptor(t *testing.T, size int64) *poolset.Descriptor {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "pool")
	require.NoError(t, err)
	require.NoError(t, f.Truncate(size))
	t.Cleanup(func() { f.Close() })

	m, err := pmem.Map(f, size, pmem.MapOptions{IsPmem: true})
	require.NoError(t, err)
	t.Cleanup(func() { m.Unmap() })

	return &poolset.Descriptor{Desc: "test.pool", Mapping: m, Size: size}
}

func TestPersistInlineRoundTripThroughServerLane(t *testing.T) {
	client, server := connectedPair(t, 1, "19401")
	defer client.Shutdown()
	defer server.Shutdown()

	desc := mappedDescriptor(t, 1<<20)
	policy := SelectPolicy(wire.PersistMethodGPSPM, desc.Mapping)

	serverLane, err := server.Lane(0)
	require.NoError(t, err)
	sl := NewServerLane(serverLane, desc, policy)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sl.Run(ctx)
	defer sl.Stop()

	clientLane, err := client.Lane(0)
	require.NoError(t, err)
	cl := NewClientLane(ClientLaneConfig{
		Lane: clientLane, TXSize: 2, BuffSize: 4096, MaxMsgSize: 1 << 20,
		PersistMethod: wire.PersistMethodGPSPM,
	})

	payload := []byte("hello-persisted-data")
	n, err := cl.Persist(context.Background(), 4096, payload, false, false)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, payload, desc.Mapping.Bytes()[4096:4096+len(payload)])
}

func TestPersistWriteThenSendRoundTrip(t *testing.T) {
	client, server := connectedPair(t, 1, "19402")
	defer client.Shutdown()
	defer server.Shutdown()

	desc := mappedDescriptor(t, 1<<20)
	policy := SelectPolicy(wire.PersistMethodGPSPM, desc.Mapping)
	server.RegisterMR(desc.Mapping.Bytes())

	serverLane, err := server.Lane(0)
	require.NoError(t, err)
	sl := NewServerLane(serverLane, desc, policy)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sl.Run(ctx)
	defer sl.Stop()

	clientLane, err := client.Lane(0)
	require.NoError(t, err)
	cl := NewClientLane(ClientLaneConfig{
		Lane: clientLane, TXSize: 2, BuffSize: 8, MaxMsgSize: 1 << 20,
		PersistMethod: wire.PersistMethodGPSPM,
	})

	payload := make([]byte, 256) // exceeds BuffSize, forces WRITE-then-SEND
	for i := range payload {
		payload[i] = byte(i)
	}
	n, err := cl.Persist(context.Background(), 8192, payload, false, false)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, payload, desc.Mapping.Bytes()[8192:8192+len(payload)])
}

func TestAPMPersistUsesFenceReadNotServerRoundTrip(t *testing.T) {
	client, server := connectedPair(t, 1, "19403")
	defer client.Shutdown()
	defer server.Shutdown()

	desc := mappedDescriptor(t, 1<<20)
	server.RegisterMR(desc.Mapping.Bytes())

	clientLane, err := client.Lane(0)
	require.NoError(t, err)
	cl := NewClientLane(ClientLaneConfig{
		Lane: clientLane, TXSize: 2, BuffSize: 8, MaxMsgSize: 1 << 20,
		PersistMethod: wire.PersistMethodAPM,
	})

	payload := []byte("apm-fenced-write")
	n, err := cl.Persist(context.Background(), 2048, payload, false, false)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, payload, desc.Mapping.Bytes()[2048:2048+len(payload)])
}

func TestWQDepthNeverExceedsTXSize(t *testing.T) {
	client, server := connectedPair(t, 1, "19404")
	defer client.Shutdown()
	defer server.Shutdown()

	desc := mappedDescriptor(t, 1<<20)
	server.RegisterMR(desc.Mapping.Bytes())

	clientLane, err := client.Lane(0)
	require.NoError(t, err)
	const txSize = 2
	cl := NewClientLane(ClientLaneConfig{
		Lane: clientLane, TXSize: txSize, BuffSize: 0, MaxMsgSize: 1 << 20,
		PersistMethod: wire.PersistMethodAPM, // avoids needing a server-side persist-message loop for this test
	})

	// Flushing txSize-1 times must never block or signal; the txSize'th
	// flush must signal and PostWrite must observe the ack before
	// returning, so wqCount is never allowed to exceed txSize.
	for i := 0; i < txSize; i++ {
		_, _, err := cl.Flush(context.Background(), uint64(i*64), []byte("x"), false)
		require.NoError(t, err)
		assert.LessOrEqual(t, cl.wqCount, txSize)
	}
	require.NoError(t, cl.Drain(context.Background(), wire.PersistModeWrite))
	assert.Equal(t, 0, cl.wqCount)
}

func TestLaneIsolationConcurrentPersistOnDistinctLanes(t *testing.T) {
	client, server := connectedPair(t, 2, "19405")
	defer client.Shutdown()
	defer server.Shutdown()

	desc := mappedDescriptor(t, 1<<20)
	server.RegisterMR(desc.Mapping.Bytes())

	errCh := make(chan error, 2)
	for i := 0; i < 2; i++ {
		lane, err := client.Lane(i)
		require.NoError(t, err)
		cl := NewClientLane(ClientLaneConfig{
			Lane: lane, TXSize: 2, BuffSize: 0, MaxMsgSize: 1 << 20,
			PersistMethod: wire.PersistMethodAPM,
		})
		go func(idx int, cl *ClientLane) {
			offset := uint64(idx * 4096)
			_, err := cl.Persist(context.Background(), offset, []byte("lane-data"), false, false)
			errCh <- err
		}(i, cl)
	}
	for i := 0; i < 2; i++ {
		require.NoError(t, <-errCh)
	}
	assert.Equal(t, []byte("lane-data"), desc.Mapping.Bytes()[0:9])
	assert.Equal(t, []byte("lane-data"), desc.Mapping.Bytes()[4096:4096+9])
}

func TestReadAfterPersistReturnsLastWrittenBytes(t *testing.T) {
	client, server := connectedPair(t, 1, "19406")
	defer client.Shutdown()
	defer server.Shutdown()

	desc := mappedDescriptor(t, 1<<20)
	server.RegisterMR(desc.Mapping.Bytes())

	clientLane, err := client.Lane(0)
	require.NoError(t, err)
	cl := NewClientLane(ClientLaneConfig{
		Lane: clientLane, TXSize: 2, BuffSize: 0, MaxMsgSize: 1 << 20,
		PersistMethod: wire.PersistMethodAPM,
	})

	payload := []byte("durable-round-trip")
	_, err = cl.Persist(context.Background(), 512, payload, false, false)
	require.NoError(t, err)

	out := make([]byte, len(payload))
	n, err := cl.Read(context.Background(), out, 512)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, payload, out)
}

func TestConnResetLatchFailsFastAfterShutdown(t *testing.T) {
	client, server := connectedPair(t, 1, "19407")
	defer server.Shutdown()

	clientLane, err := client.Lane(0)
	require.NoError(t, err)
	cl := NewClientLane(ClientLaneConfig{Lane: clientLane, TXSize: 2, BuffSize: 0, MaxMsgSize: 4096})

	cl.LatchConnReset()
	_, err = cl.Read(context.Background(), make([]byte, 8), 0)
	assert.ErrorIs(t, err, ErrConnReset)
}
