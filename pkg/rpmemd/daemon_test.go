package rpmemd

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openpmem/rpmem/internal/fabric"
	"github.com/openpmem/rpmem/internal/oob"
	"github.com/openpmem/rpmem/internal/poolset"
	"github.com/openpmem/rpmem/internal/wire"
	"github.com/openpmem/rpmem/pkg/config"
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

func testDesc(name string) wire.PoolDesc {
	b := append([]byte(name), 0)
	return wire.PoolDesc{Size: uint32(len(b)), Desc: b}
}

func TestCreateThenCloseThroughDaemon(t *testing.T) {
	withSocketsEnabled(t)

	root := t.TempDir()
	db := poolset.NewDB(root, 0o600)
	cfg := &config.Config{PoolSetDir: root, PersistGeneral: true}
	d := New(db, cfg, nil)

	serverConn, clientConn := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = Serve(ctx, serverConn, d, nil) }()

	require.NoError(t, oob.ReadReadyStatus(clientConn))
	client := oob.NewClient(clientConn)

	attr := wire.PoolAttr{Major: 1}
	copy(attr.Signature[:], "RPMEM\x00\x00\x00")

	status, resp, err := client.Create(&wire.CreateMsg{
		Major: 0, Minor: 1, PoolSize: 1 << 20, NLanes: 1, Provider: uint32(fabric.ProviderSockets),
		Attr: attr, Desc: testDesc(filepath.Join("pool.set")),
	})
	require.NoError(t, err)
	assert.Equal(t, wire.StatusSuccess, status)
	assert.NotZero(t, resp.Ibc.Port)
	assert.Equal(t, wire.PersistMethodGPSPM, resp.Ibc.PersistMethod)
	assert.Equal(t, uint32(1), resp.Ibc.NLanes)

	time.Sleep(20 * time.Millisecond) // let the background Accept goroutine start listening

	status, err = client.Close(0)
	require.NoError(t, err)
	assert.Equal(t, wire.StatusSuccess, status)
}
