package oob

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/openpmem/rpmem/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeConn returns a connected net.Conn pair standing in for an
// SSH-bootstrapped stream.
func pipeConn(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	return a, b
}

func testAttr() wire.PoolAttr {
	a := wire.PoolAttr{}
	copy(a.Signature[:], "RPMEM\x00\x00\x00")
	a.Major = 1
	return a
}

func testDesc(path string) wire.PoolDesc {
	b := append([]byte(path), 0)
	return wire.PoolDesc{Size: uint32(len(b)), Desc: b}
}

func startServer(t *testing.T, serverConn io.ReadWriteCloser, h Handlers) {
	t.Helper()
	srv := NewServer(serverConn, h, nil)
	go func() {
		_ = srv.Serve(context.Background())
	}()
}

func dialClient(t *testing.T, clientConn io.ReadWriteCloser) *Client {
	t.Helper()
	require.NoError(t, ReadReadyStatus(clientConn))
	return NewClient(clientConn)
}

func TestCreateRoundTripThroughServer(t *testing.T) {
	serverConn, clientConn := pipeConn(t)
	startServer(t, serverConn, Handlers{
		OnCreate: func(ctx context.Context, req *wire.CreateMsg) (wire.Status, *wire.CreateRespMsg) {
			assert.Equal(t, uint32(4), req.NLanes)
			return wire.StatusSuccess, &wire.CreateRespMsg{Ibc: wire.Ibc{Port: 1234, PersistMethod: wire.PersistMethodGPSPM, NLanes: 4}}
		},
		OnClose: func(ctx context.Context, flags uint32) wire.Status { return wire.StatusSuccess },
	})
	client := dialClient(t, clientConn)

	status, resp, err := client.Create(&wire.CreateMsg{
		Major: wire.ProtocolMajor, Minor: wire.ProtocolMinor, Provider: wire.ProviderVerbs,
		NLanes: 4, Attr: testAttr(), Desc: testDesc("/pool.set"),
	})
	require.NoError(t, err)
	assert.Equal(t, wire.StatusSuccess, status)
	assert.Equal(t, uint32(1234), resp.Ibc.Port)
}

func TestOpenRoundTripThroughServer(t *testing.T) {
	serverConn, clientConn := pipeConn(t)
	startServer(t, serverConn, Handlers{
		OnOpen: func(ctx context.Context, req *wire.OpenMsg) (wire.Status, *wire.OpenRespMsg) {
			return wire.StatusSuccess, &wire.OpenRespMsg{Attr: testAttr()}
		},
	})
	client := dialClient(t, clientConn)

	status, resp, err := client.Open(&wire.OpenMsg{
		Major: wire.ProtocolMajor, Minor: wire.ProtocolMinor, Provider: wire.ProviderVerbs, Desc: testDesc("/pool.set"),
	})
	require.NoError(t, err)
	assert.Equal(t, wire.StatusSuccess, status)
	assert.Equal(t, testAttr(), resp.Attr)
}

func TestOpenNotFoundPropagatesStatus(t *testing.T) {
	serverConn, clientConn := pipeConn(t)
	startServer(t, serverConn, Handlers{
		OnOpen: func(ctx context.Context, req *wire.OpenMsg) (wire.Status, *wire.OpenRespMsg) {
			return wire.StatusNoExist, nil
		},
	})
	client := dialClient(t, clientConn)

	status, _, err := client.Open(&wire.OpenMsg{
		Major: wire.ProtocolMajor, Minor: wire.ProtocolMinor, Provider: wire.ProviderVerbs, Desc: testDesc("/missing.set"),
	})
	require.NoError(t, err)
	assert.Equal(t, wire.StatusNoExist, status)
}

func TestSetAttrRoundTrip(t *testing.T) {
	serverConn, clientConn := pipeConn(t)
	var received wire.PoolAttr
	startServer(t, serverConn, Handlers{
		OnSetAttr: func(ctx context.Context, attr *wire.PoolAttr) wire.Status {
			received = *attr
			return wire.StatusSuccess
		},
	})
	client := dialClient(t, clientConn)

	attr := testAttr()
	attr.CompatFeatures = 42
	status, err := client.SetAttr(&attr)
	require.NoError(t, err)
	assert.Equal(t, wire.StatusSuccess, status)
	assert.Equal(t, uint32(42), received.CompatFeatures)
}

func TestCloseEndsServerLoop(t *testing.T) {
	serverConn, clientConn := pipeConn(t)
	startServer(t, serverConn, Handlers{
		OnClose: func(ctx context.Context, flags uint32) wire.Status {
			assert.Equal(t, wire.CloseFlagRemove, flags)
			return wire.StatusSuccess
		},
	})
	client := dialClient(t, clientConn)

	status, err := client.Close(wire.CloseFlagRemove)
	require.NoError(t, err)
	assert.Equal(t, wire.StatusSuccess, status)
}

func TestMalformedMessageFailsBeforeDispatch(t *testing.T) {
	serverConn, clientConn := pipeConn(t)
	called := false
	startServer(t, serverConn, Handlers{
		OnCreate: func(ctx context.Context, req *wire.CreateMsg) (wire.Status, *wire.CreateRespMsg) {
			called = true
			return wire.StatusSuccess, &wire.CreateRespMsg{}
		},
	})
	require.NoError(t, ReadReadyStatus(clientConn))

	// Hand-craft a CREATE with a bad version, then check that no response
	// arrives: the server stops serving without replying, so the read
	// below ends at its deadline.
	m := &wire.CreateMsg{Major: 99, Minor: 99, Provider: wire.ProviderVerbs, Attr: testAttr(), Desc: testDesc("/p")}
	_, err := clientConn.Write(wire.EncodeCreate(m))
	require.NoError(t, err)

	clientConn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	buf := make([]byte, 1)
	_, err = clientConn.Read(buf)
	assert.Error(t, err)
	assert.False(t, called)
}
