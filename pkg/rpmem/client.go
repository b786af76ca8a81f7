// Package rpmem is the public client library: pool handle lifecycle
// (§3.2), wrapping internal/transport's SSH bootstrap, internal/oob's
// control-plane round trips, and internal/dataplane's lane state
// machines behind a small API an application links against directly,
// the way the teacher's pkg/apiclient wraps its own wire protocol.
package rpmem

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/openpmem/rpmem/internal/dataplane"
	"github.com/openpmem/rpmem/internal/fabric"
	"github.com/openpmem/rpmem/internal/oob"
	"github.com/openpmem/rpmem/internal/transport"
	"github.com/openpmem/rpmem/internal/wire"
	"github.com/openpmem/rpmem/pkg/config"
)

// ErrClosing is returned by pool operations once Close has begun.
var ErrClosing = errors.New("rpmem: pool is closing")

// Pool is a client-side pool handle (§3.2): target info, the
// negotiated lane set, remote MR attributes, and the no_headers/
// closing/last-error state shared with the monitor goroutine.
type Pool struct {
	target  *transport.Target
	desc    string
	stream  io.ReadWriteCloser
	waitFn  func() error
	oobc    *oob.Client
	fab     fabric.Fabric
	lanes   []*dataplane.ClientLane

	ibc       wire.Ibc
	attr      wire.PoolAttr
	noHeaders bool

	closing atomic.Bool
}

// Options configures Create/Open.
type Options struct {
	Major, Minor uint32
	PoolSize     uint64
	NLanes       int
	BuffSize     int
	MaxMsgSize   int
	Provider     fabric.Provider
	Dialer       transport.Dialer // nil uses a default SSHDialer
	ClientConfig *config.ClientConfig
}

func (o *Options) withDefaults() *Options {
	c := *o
	if c.Major == 0 && c.Minor == 0 {
		c.Minor = 1
	}
	if c.NLanes == 0 {
		c.NLanes = 1
	}
	if c.BuffSize == 0 {
		c.BuffSize = 4096
	}
	if c.MaxMsgSize == 0 {
		c.MaxMsgSize = 1 << 20
	}
	if c.Provider == 0 {
		c.Provider = fabric.ProviderSockets
	}
	if c.Dialer == nil {
		c.Dialer = transport.NewSSHDialer()
	}
	if c.ClientConfig == nil {
		c.ClientConfig = config.LoadClientConfig()
	}
	return &c
}

// dial bootstraps the OOB channel over SSH to targetSpec and performs
// the ready-status handshake (§6.3 items 1-3).
func dial(ctx context.Context, targetSpec string, opts *Options) (*transport.Target, io.ReadWriteCloser, func() error, *oob.Client, error) {
	target, err := transport.ParseTarget(targetSpec)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	stream, wait, err := opts.Dialer.Dial(ctx, target)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("rpmem: dial: %w", err)
	}
	if err := oob.ReadReadyStatus(stream); err != nil {
		stream.Close()
		return nil, nil, nil, nil, err
	}
	return target, stream, wait, oob.NewClient(stream), nil
}

// Create implements §3.2's lifecycle "constructed after both OOB and
// in-band handshakes succeed" for a newly created pool.
func Create(ctx context.Context, targetSpec, desc string, attr wire.PoolAttr, opts Options) (*Pool, error) {
	o := opts.withDefaults()
	target, stream, wait, client, err := dial(ctx, targetSpec, o)
	if err != nil {
		return nil, err
	}

	req := &wire.CreateMsg{
		Major: o.Major, Minor: o.Minor, PoolSize: o.PoolSize,
		NLanes: uint32(o.NLanes), Provider: uint32(o.Provider), BuffSize: uint64(o.BuffSize),
		Attr: attr, Desc: encodeDesc(desc),
	}
	status, resp, err := client.Create(req)
	if err != nil {
		stream.Close()
		return nil, err
	}
	if status != wire.StatusSuccess {
		stream.Close()
		return nil, fmt.Errorf("rpmem: create %s: daemon status %d", desc, status)
	}

	return connectDataPlane(ctx, target, desc, stream, wait, client, resp.Ibc, attr, isZeroAttr(attr), o)
}

// Open implements §3.2's lifecycle for an existing pool.
func Open(ctx context.Context, targetSpec, desc string, opts Options) (*Pool, error) {
	o := opts.withDefaults()
	target, stream, wait, client, err := dial(ctx, targetSpec, o)
	if err != nil {
		return nil, err
	}

	req := &wire.OpenMsg{
		Major: o.Major, Minor: o.Minor, PoolSize: o.PoolSize,
		NLanes: uint32(o.NLanes), Provider: uint32(o.Provider), BuffSize: uint64(o.BuffSize),
		Desc: encodeDesc(desc),
	}
	status, resp, err := client.Open(req)
	if err != nil {
		stream.Close()
		return nil, err
	}
	if status != wire.StatusSuccess {
		stream.Close()
		return nil, fmt.Errorf("rpmem: open %s: daemon status %d", desc, status)
	}

	return connectDataPlane(ctx, target, desc, stream, wait, client, resp.Ibc, resp.Attr, isZeroAttr(resp.Attr), o)
}

// connectDataPlane brings up the fabric connection against the port
// the daemon returned and builds one ClientLane per negotiated lane.
func connectDataPlane(ctx context.Context, target *transport.Target, desc string, stream io.ReadWriteCloser, wait func() error, client *oob.Client, ibc wire.Ibc, attr wire.PoolAttr, noHeaders bool, o *Options) (*Pool, error) {
	fab, err := fabric.Init(&fabric.Attr{Provider: o.Provider, NLanes: int(ibc.NLanes)})
	if err != nil {
		stream.Close()
		return nil, fmt.Errorf("rpmem: fabric init: %w", err)
	}
	service := fmt.Sprintf("%d", ibc.Port)
	if err := fab.Connect(ctx, target.Node, service); err != nil {
		stream.Close()
		return nil, fmt.Errorf("rpmem: fabric connect: %w", err)
	}

	method := fabric.PersistMethod(ibc.PersistMethod)
	lanes := make([]*dataplane.ClientLane, fab.NLanes())
	for i := range lanes {
		l, err := fab.Lane(i)
		if err != nil {
			fab.Shutdown()
			stream.Close()
			return nil, err
		}
		lanes[i] = dataplane.NewClientLane(dataplane.ClientLaneConfig{
			Lane: l, TXSize: fabric.RequiredTXSize(method, true), BuffSize: o.BuffSize,
			MaxMsgSize: o.MaxMsgSize, RemoteBase: ibc.RAddr, PersistMethod: ibc.PersistMethod,
		})
	}

	p := &Pool{
		target: target, desc: desc, stream: stream, waitFn: wait, oobc: client,
		fab: fab, lanes: lanes, ibc: ibc, attr: attr, noHeaders: noHeaders,
	}
	client.StartMonitor(stream, p.onMonitorViolation)
	return p, nil
}

func (p *Pool) onMonitorViolation(err error) {
	p.closing.Store(true)
	for _, l := range p.lanes {
		l.LatchConnReset()
	}
}

func encodeDesc(desc string) wire.PoolDesc {
	b := append([]byte(desc), 0)
	return wire.PoolDesc{Size: uint32(len(b)), Desc: b}
}

func isZeroAttr(a wire.PoolAttr) bool {
	return a == wire.PoolAttr{}
}

// NLanes returns the negotiated lane count.
func (p *Pool) NLanes() int { return len(p.lanes) }

// Lane returns the client-side lane state machine for idx.
func (p *Pool) Lane(idx int) (*dataplane.ClientLane, error) {
	if idx < 0 || idx >= len(p.lanes) {
		return nil, dataplane.ErrBadLane
	}
	return p.lanes[idx], nil
}

// Attr returns the pool's effective attribute block.
func (p *Pool) Attr() wire.PoolAttr { return p.attr }

// NoHeaders reports whether the pool was created/opened with an
// all-zero attribute block, per §4.5's no_headers guard.
func (p *Pool) NoHeaders() bool { return p.noHeaders }

// SetAttr overwrites the pool's on-disk attribute block (§3.5 item 7).
func (p *Pool) SetAttr(attr wire.PoolAttr) error {
	if p.closing.Load() {
		return ErrClosing
	}
	status, err := p.oobc.SetAttr(&attr)
	if err != nil {
		return err
	}
	if status != wire.StatusSuccess {
		return fmt.Errorf("rpmem: set_attr: daemon status %d", status)
	}
	p.attr = attr
	p.noHeaders = isZeroAttr(attr)
	return nil
}

// Close tears down the data plane then the OOB connection (§2's data
// flow: "traffic flows over C4 lanes until CLOSE → both sides tear
// down C4 then C3"). remove requests the daemon also unlink the
// pool's part files (CLOSE flag bit 0, §3.5 item 5).
func (p *Pool) Close(remove bool) error {
	if !p.closing.CompareAndSwap(false, true) {
		return nil
	}
	p.oobc.StopMonitor()

	var flags uint32
	if remove {
		flags |= wire.CloseFlagRemove
	}
	status, err := p.oobc.Close(flags)

	p.fab.Shutdown()
	closeErr := p.stream.Close()
	if p.waitFn != nil {
		_ = p.waitFn()
	}

	if err != nil {
		return err
	}
	if status != wire.StatusSuccess {
		return fmt.Errorf("rpmem: close: daemon status %d", status)
	}
	return closeErr
}
