package rpmem

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openpmem/rpmem/internal/fabric"
	"github.com/openpmem/rpmem/internal/poolset"
	"github.com/openpmem/rpmem/internal/transport"
	"github.com/openpmem/rpmem/internal/wire"
	"github.com/openpmem/rpmem/pkg/config"
	"github.com/openpmem/rpmem/pkg/rpmemd"
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

// startDaemon runs a rpmemd.Daemon over one end of an in-memory pipe
// and returns a PipeDialer the client can use instead of ssh(1).
func startDaemon(t *testing.T) *transport.PipeDialer {
	t.Helper()
	withSocketsEnabled(t)

	root := t.TempDir()
	db := poolset.NewDB(root, 0o600)
	cfg := &config.Config{PoolSetDir: root, PersistGeneral: true}
	d := rpmemd.New(db, cfg, nil)

	serverConn, clientConn := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = rpmemd.Serve(ctx, serverConn, d, nil) }()

	return &transport.PipeDialer{Stream: clientConn}
}

func testAttr() wire.PoolAttr {
	a := wire.PoolAttr{Major: 1}
	copy(a.Signature[:], "RPMEM\x00\x00\x00")
	return a
}

func TestCreatePersistReadCloseEndToEnd(t *testing.T) {
	dialer := startDaemon(t)

	pool, err := Create(context.Background(), "tester@127.0.0.1", filepath.Join("s1.set"), testAttr(), Options{
		PoolSize: 1 << 20, NLanes: 1, BuffSize: 8, Dialer: dialer,
	})
	require.NoError(t, err)
	require.Equal(t, 1, pool.NLanes())

	time.Sleep(30 * time.Millisecond) // let the daemon's background Accept complete

	lane, err := pool.Lane(0)
	require.NoError(t, err)

	payload := []byte("end-to-end-data")
	n, err := lane.Persist(context.Background(), 8192, payload, false, false)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)

	out := make([]byte, len(payload))
	_, err = lane.Read(context.Background(), out, 8192)
	require.NoError(t, err)
	assert.Equal(t, payload, out)

	require.NoError(t, pool.Close(false))
}

func TestCreateOnFreshDescriptorSucceeds(t *testing.T) {
	dialer1 := startDaemon(t)
	_, err := Create(context.Background(), "tester@127.0.0.1", "dup.set", testAttr(), Options{
		PoolSize: 1 << 20, NLanes: 1, Dialer: dialer1,
	})
	require.NoError(t, err)

	// Only the first create is exercised: observing a duplicate would
	// need a second dial against the same daemon process, which this
	// single pipe-backed session does not provide.
}
