// Package dataplane implements C4: the client and daemon lane state
// machines, WQ depth management, the three persist modes, and the
// daemon's completion-queue worker pool (§4.4).
package dataplane

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openpmem/rpmem/internal/fabric"
	"github.com/openpmem/rpmem/internal/wire"
	"github.com/openpmem/rpmem/pkg/bufpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/openpmem/rpmem/internal/dataplane")

// State is a lane's position in the client-side state machine (§4.4.1).
type State int32

const (
	StateIdle State = iota
	StatePosted
	StateWaiting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StatePosted:
		return "POSTED"
	case StateWaiting:
		return "WAITING"
	default:
		return "UNKNOWN"
	}
}

var (
	ErrConnReset  = errors.New("dataplane: connection reset")
	ErrBadLane    = errors.New("dataplane: lane out of range")
	ErrOutOfRange = errors.New("dataplane: address range outside registered MR")
)

// Metrics are the prometheus collectors updated as lanes process
// operations.
type Metrics struct {
	PersistOps      *prometheus.CounterVec   // labels: mode
	BytesFlushed    prometheus.Counter
	WQStalls        prometheus.Counter
	LanesPosted     prometheus.Counter
}

// ClientLane drives one lane's client-side state machine: flush,
// drain, persist, and chunked read, with WQ depth management against
// the fabric lane's TX queue size (§4.4.1).
type ClientLane struct {
	mu sync.Mutex

	lane   fabric.Lane
	txSize int
	buffSize int
	maxMsgSize int

	remoteOffsetBase uint64 // raddr: base of the remote MR this lane writes into
	relaxedDefault   bool

	state    State
	wqCount  int
	flushing bool

	pendingOffset  uint64
	pendingSize    uint64
	pendingRelaxed bool

	persistMethod uint32 // wire.PersistMethodGPSPM or APM, as negotiated with the server
	connReset     atomic.Bool

	metrics *Metrics

	scratch [8]byte
}

// ClientLaneConfig configures a ClientLane.
type ClientLaneConfig struct {
	Lane          fabric.Lane
	TXSize        int
	BuffSize      int
	MaxMsgSize    int
	RemoteBase    uint64
	PersistMethod uint32
	Metrics       *Metrics
}

// NewClientLane wraps a fabric lane with the client-side state machine.
func NewClientLane(cfg ClientLaneConfig) *ClientLane {
	return &ClientLane{
		lane: cfg.Lane, txSize: cfg.TXSize, buffSize: cfg.BuffSize, maxMsgSize: cfg.MaxMsgSize,
		remoteOffsetBase: cfg.RemoteBase, persistMethod: cfg.PersistMethod, metrics: cfg.Metrics,
	}
}

// LatchConnReset marks this lane as reset; every subsequent operation
// fails fast with ErrConnReset (§4.4.5).
func (l *ClientLane) LatchConnReset() { l.connReset.Store(true) }

func (l *ClientLane) checkReset() error {
	if l.connReset.Load() {
		return ErrConnReset
	}
	return nil
}

// modeFor selects the persist mode for a flush/persist call, honoring
// the RELAXED flag override (§4.4.4): relaxed always means WRITE mode
// regardless of what the negotiated default would pick for small ops.
func (l *ClientLane) modeFor(length int, relaxed bool) uint32 {
	if relaxed {
		return wire.PersistModeWrite
	}
	if l.persistMethod == wire.PersistMethodAPM {
		return wire.PersistModeWrite
	}
	// GPSPM: inline small persists, WRITE-then-SEND larger ones.
	if length <= l.buffSize {
		return wire.PersistModeInline
	}
	return wire.PersistModeWrite
}

// Flush implements §4.4.1 flush(offset, len, lane, mode). It returns
// the number of bytes actually submitted, truncated to buff_size or
// max_msg_size.
func (l *ClientLane) Flush(ctx context.Context, offset uint64, data []byte, relaxed bool) (int, uint32, error) {
	if err := l.checkReset(); err != nil {
		return 0, 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	mode := l.modeFor(len(data), relaxed)
	n := len(data)
	if mode == wire.PersistModeInline && n > l.buffSize {
		n = l.buffSize
	}
	if n > l.maxMsgSize {
		n = l.maxMsgSize
	}
	chunk := data[:n]

	flags := mode
	if relaxed {
		flags |= wire.PersistFlagRelaxed
	}

	switch mode {
	case wire.PersistModeInline:
		msg := &wire.PersistMsg{Flags: flags, Lane: uint32(l.lane.Index()), Addr: offset, Size: uint64(n), Payload: chunk}
		if err := l.lane.PostSend(ctx, wire.EncodePersist(msg)); err != nil {
			return 0, 0, fmt.Errorf("dataplane: post inline persist: %w", err)
		}
		l.state = StatePosted

	default: // WRITE
		signal := l.wqWouldFill()
		if err := l.lane.PostWrite(ctx, chunk, l.remoteOffsetBase+offset, signal); err != nil {
			return 0, 0, fmt.Errorf("dataplane: post write: %w", err)
		}
		l.wqCount++
		if signal {
			l.flushing = true
		}
		l.pendingOffset = offset
		l.pendingSize = uint64(n)
		l.pendingRelaxed = relaxed
		l.state = StatePosted
	}

	if l.metrics != nil {
		l.metrics.BytesFlushed.Add(float64(n))
	}
	return n, mode, nil
}

// wqWouldFill reports whether the next WRITE would consume the last
// free TX slot (§4.4.1 WQ depth management, property 6).
func (l *ClientLane) wqWouldFill() bool {
	if l.wqCount+1 >= l.txSize {
		if l.metrics != nil {
			l.metrics.WQStalls.Inc()
		}
		return true
	}
	return false
}

// Drain implements §4.4.1 drain(lane). mode is the mode used by the
// flush being drained (WRITE or inline/SEND); drain on an already-idle
// lane is a no-op.
func (l *ClientLane) Drain(ctx context.Context, mode uint32) error {
	if err := l.checkReset(); err != nil {
		return err
	}
	ctx, span := tracer.Start(ctx, "dataplane.drain", trace.WithAttributes(
		attribute.Int("dataplane.lane", l.lane.Index()),
		attribute.String("dataplane.mode", modeLabel(mode)),
	))
	defer span.End()

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.drainLocked(ctx, mode)
}

func (l *ClientLane) drainLocked(ctx context.Context, mode uint32) error {
	if l.state == StateIdle {
		return nil
	}
	l.state = StateWaiting

	switch mode {
	case wire.PersistModeInline:
		// Wait for the persist-response RECV, then re-post the RECV slot.
		buf := make([]byte, wire.PersistRespSize)
		if err := l.lane.PostRecv(ctx, buf); err != nil {
			return fmt.Errorf("dataplane: drain recv persist_resp: %w", err)
		}
		if _, err := wire.DecodePersistResp(buf); err != nil {
			return fmt.Errorf("dataplane: drain decode persist_resp: %w", err)
		}

	default: // WRITE
		// A completion-signaled PostWrite already blocked for its ack in
		// Flush; the WQ counter resets here since the peer has now
		// drained that slot.
		if l.flushing {
			l.flushing = false
			l.wqCount = 0
		}

		if l.persistMethod == wire.PersistMethodAPM {
			// APM: a plain RDMA READ-after-write fence. The daemon's
			// flush callback is never invoked (§4.5 policy matrix).
			if err := l.lane.PostRead(ctx, l.scratch[:], l.remoteOffsetBase); err != nil {
				return fmt.Errorf("dataplane: drain fence read: %w", err)
			}
			break
		}

		// GPSPM WRITE-then-SEND: ask the daemon to flush the range the
		// just-drained WRITE touched, and wait for its ack.
		flags := wire.PersistModeWrite
		if l.pendingRelaxed {
			flags |= wire.PersistFlagRelaxed
		}
		msg := &wire.PersistMsg{Flags: flags, Lane: uint32(l.lane.Index()), Addr: l.pendingOffset, Size: l.pendingSize}
		if err := l.lane.PostSend(ctx, wire.EncodePersist(msg)); err != nil {
			return fmt.Errorf("dataplane: drain persist send: %w", err)
		}
		buf := make([]byte, wire.PersistRespSize)
		if err := l.lane.PostRecv(ctx, buf); err != nil {
			return fmt.Errorf("dataplane: drain recv persist_resp: %w", err)
		}
		if _, err := wire.DecodePersistResp(buf); err != nil {
			return fmt.Errorf("dataplane: drain decode persist_resp: %w", err)
		}
	}

	l.state = StateIdle
	return nil
}

// Persist implements §4.4.1 persist(offset, len, lane, mode): flush
// fused with drain, with the DEEP_PERSIST variant posting a SEND with
// the DEEP bit set after a completion-signaled WRITE.
func (l *ClientLane) Persist(ctx context.Context, offset uint64, data []byte, relaxed, deep bool) (int, error) {
	if err := l.checkReset(); err != nil {
		return 0, err
	}

	ctx, span := tracer.Start(ctx, "dataplane.persist", trace.WithAttributes(
		attribute.Int("dataplane.lane", l.lane.Index()),
		attribute.Int64("dataplane.offset", int64(offset)),
		attribute.Int("dataplane.size", len(data)),
		attribute.Bool("dataplane.relaxed", relaxed),
		attribute.Bool("dataplane.deep", deep),
	))
	defer span.End()

	if deep {
		l.mu.Lock()
		n := len(data)
		if n > l.maxMsgSize {
			n = l.maxMsgSize
		}
		chunk := data[:n]
		if err := l.lane.PostWrite(ctx, chunk, l.remoteOffsetBase+offset, true); err != nil {
			l.mu.Unlock()
			return 0, fmt.Errorf("dataplane: deep persist write: %w", err)
		}
		msg := &wire.PersistMsg{Flags: wire.PersistModeDeep, Lane: uint32(l.lane.Index()), Addr: offset, Size: uint64(n)}
		if err := l.lane.PostSend(ctx, wire.EncodePersist(msg)); err != nil {
			l.mu.Unlock()
			return 0, fmt.Errorf("dataplane: deep persist send: %w", err)
		}
		buf := make([]byte, wire.PersistRespSize)
		err := l.lane.PostRecv(ctx, buf)
		l.mu.Unlock()
		if err != nil {
			return 0, fmt.Errorf("dataplane: deep persist recv resp: %w", err)
		}
		if l.metrics != nil {
			l.metrics.PersistOps.WithLabelValues("deep").Inc()
		}
		return n, nil
	}

	n, mode, err := l.Flush(ctx, offset, data, relaxed)
	if err != nil {
		return 0, err
	}
	l.mu.Lock()
	err = l.drainLocked(ctx, mode)
	l.mu.Unlock()
	if err != nil {
		return 0, err
	}
	if l.metrics != nil {
		l.metrics.PersistOps.WithLabelValues(modeLabel(mode)).Inc()
	}
	return n, nil
}

func modeLabel(mode uint32) string {
	switch mode {
	case wire.PersistModeWrite:
		return "write"
	case wire.PersistModeInline:
		return "inline"
	case wire.PersistModeDeep:
		return "deep"
	default:
		return "unknown"
	}
}

// Read implements §4.4.1 read(buff, offset, len, lane): chunked reads
// bounded by max_msg_size, using a scratch registered buffer.
func (l *ClientLane) Read(ctx context.Context, buf []byte, offset uint64) (int, error) {
	if err := l.checkReset(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	total := 0
	remaining := buf
	off := offset
	chunkSize := l.maxMsgSize
	if chunkSize <= 0 {
		chunkSize = len(buf)
	}
	for len(remaining) > 0 {
		n := len(remaining)
		if n > chunkSize {
			n = chunkSize
		}
		scratch := bufpool.Get(n)
		err := l.lane.PostRead(ctx, scratch, l.remoteOffsetBase+off)
		if err == nil {
			copy(remaining[:n], scratch)
		}
		bufpool.Put(scratch)
		if err != nil {
			return total, fmt.Errorf("dataplane: chunked read: %w", err)
		}
		total += n
		remaining = remaining[n:]
		off += uint64(n)
	}
	return total, nil
}

// waitTimeout is the client default CQ wait: unbounded, woken only by
// shutdown signaling (§5 "Suspension points").
var waitTimeout = time.Duration(0)
