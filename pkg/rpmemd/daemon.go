// Package rpmemd wires the daemon side of the system together: the
// pool-set database (C5), the OOB dispatch table (C3), and per-pool
// data-plane endpoints (C2/C4), the way a daemon's main package
// assembles its collaborators from library packages.
package rpmemd

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/openpmem/rpmem/internal/dataplane"
	"github.com/openpmem/rpmem/internal/fabric"
	"github.com/openpmem/rpmem/internal/logger"
	"github.com/openpmem/rpmem/internal/oob"
	"github.com/openpmem/rpmem/internal/poolset"
	"github.com/openpmem/rpmem/internal/wire"
	"github.com/openpmem/rpmem/pkg/config"
)

// session tracks one pool's data-plane state between CREATE/OPEN and
// CLOSE.
type session struct {
	desc *poolset.Descriptor
	fab  fabric.Fabric
	pool *dataplane.Pool
}

// Daemon serves one OOB connection's worth of pool lifecycle requests,
// honoring the single-connection-owns-N-pools model of §3.3/§4.5.
type Daemon struct {
	db      *poolset.DB
	cfg     *config.Config
	metrics *dataplane.Metrics

	mu       sync.Mutex
	sessions map[string]*session

	nextPort int
}

// New constructs a Daemon backed by db and cfg. metrics may be nil to
// disable per-lane counters.
func New(db *poolset.DB, cfg *config.Config, metrics *dataplane.Metrics) *Daemon {
	return &Daemon{db: db, cfg: cfg, metrics: metrics, sessions: map[string]*session{}, nextPort: 18300}
}

// Handlers returns the oob.Handlers bound to this daemon, ready to
// pass to oob.NewServer.
func (d *Daemon) Handlers() oob.Handlers {
	return oob.Handlers{
		OnCreate:  d.onCreate,
		OnOpen:    d.onOpen,
		OnClose:   d.onClose,
		OnSetAttr: d.onSetAttr,
	}
}

func descString(desc wire.PoolDesc) string {
	return string(bytes.TrimRight(desc.Desc, "\x00"))
}

// preferredMethod picks the persist method the daemon offers from the
// persist-apm toggle of §6.1: APM when it is set, GPSPM otherwise.
// persist-general is not consulted.
func (d *Daemon) preferredMethod() uint32 {
	if d.cfg != nil && d.cfg.PersistAPM {
		return wire.PersistMethodAPM
	}
	return wire.PersistMethodGPSPM
}

func (d *Daemon) onCreate(ctx context.Context, req *wire.CreateMsg) (wire.Status, *wire.CreateRespMsg) {
	name := descString(req.Desc)
	desc, status, err := d.db.Create(name, req.PoolSize, &req.Attr)
	if err != nil {
		logger.ErrorCtx(ctx, "rpmemd: create failed", "desc", name, "error", err)
		return status, nil
	}
	ibc, sess, err := d.startSession(ctx, name, desc, int(req.NLanes), int(req.BuffSize))
	if err != nil {
		logger.ErrorCtx(ctx, "rpmemd: data-plane setup failed", "desc", name, "error", err)
		return wire.StatusFatal, nil
	}
	d.mu.Lock()
	d.sessions[name] = sess
	d.mu.Unlock()
	return wire.StatusSuccess, &wire.CreateRespMsg{Ibc: ibc}
}

func (d *Daemon) onOpen(ctx context.Context, req *wire.OpenMsg) (wire.Status, *wire.OpenRespMsg) {
	name := descString(req.Desc)
	desc, status, err := d.db.Open(name, req.PoolSize)
	if err != nil {
		logger.ErrorCtx(ctx, "rpmemd: open failed", "desc", name, "error", err)
		return status, nil
	}
	ibc, sess, err := d.startSession(ctx, name, desc, int(req.NLanes), int(req.BuffSize))
	if err != nil {
		logger.ErrorCtx(ctx, "rpmemd: data-plane setup failed", "desc", name, "error", err)
		return wire.StatusFatal, nil
	}
	d.mu.Lock()
	d.sessions[name] = sess
	d.mu.Unlock()
	return wire.StatusSuccess, &wire.OpenRespMsg{Ibc: ibc, Attr: desc.Attr}
}

// startSession allocates a fabric listener for desc, accepts the
// client's data-plane connection in the background, and starts a
// dataplane.Pool once connected. It returns the Ibc the CREATE/OPEN
// response carries immediately, without waiting for the client to
// actually connect the data plane (§2's data-flow: "replies with
// in-band connection attributes" precedes "client connects the
// data-plane endpoint").
func (d *Daemon) startSession(ctx context.Context, name string, desc *poolset.Descriptor, nlanes, buffSize int) (wire.Ibc, *session, error) {
	method := d.preferredMethod()
	policy := dataplane.SelectPolicy(method, desc.Mapping)

	d.mu.Lock()
	port := d.nextPort
	d.nextPort++
	d.mu.Unlock()

	fab, err := fabric.Init(&fabric.Attr{Provider: fabric.ProviderSockets, NLanes: nlanes})
	if err != nil {
		return wire.Ibc{}, nil, fmt.Errorf("rpmemd: fabric init: %w", err)
	}
	rkey, raddr := fab.RegisterMR(desc.Mapping.Bytes())

	sess := &session{desc: desc, fab: fab}

	go func() {
		service := fmt.Sprintf("%d", port)
		if err := fab.Accept(ctx, service); err != nil {
			logger.ErrorCtx(ctx, "rpmemd: data-plane accept failed", "desc", name, "error", err)
			return
		}
		pool, err := dataplane.NewPool(ctx, fab, desc, policy)
		if err != nil {
			logger.ErrorCtx(ctx, "rpmemd: data-plane pool start failed", "desc", name, "error", err)
			return
		}
		d.mu.Lock()
		sess.pool = pool
		d.mu.Unlock()
	}()

	actualLanes := fab.NLanes()
	_ = buffSize // buff_size only affects the client-side inline threshold
	return wire.Ibc{
		Port:          uint32(port),
		PersistMethod: policy.Method,
		RKey:          rkey,
		RAddr:         raddr,
		NLanes:        uint32(actualLanes),
	}, sess, nil
}

func (d *Daemon) onClose(ctx context.Context, flags uint32) wire.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	for name, sess := range d.sessions {
		if sess.pool != nil {
			sess.pool.Shutdown()
		}
		if sess.fab != nil {
			sess.fab.Shutdown()
		}
		if flags&wire.CloseFlagRemove != 0 {
			if _, err := d.db.Remove(name, false, false); err != nil {
				logger.ErrorCtx(ctx, "rpmemd: remove-on-close failed", "desc", name, "error", err)
				return wire.StatusFatal
			}
		}
		delete(d.sessions, name)
	}
	return wire.StatusSuccess
}

func (d *Daemon) onSetAttr(ctx context.Context, attr *wire.PoolAttr) wire.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	var status wire.Status = wire.StatusNoExist
	for _, sess := range d.sessions {
		s, err := d.db.SetAttr(sess.desc, attr)
		if err != nil {
			logger.ErrorCtx(ctx, "rpmemd: set_attr failed", "error", err)
			return s
		}
		status = s
	}
	return status
}
