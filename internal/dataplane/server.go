package dataplane

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/openpmem/rpmem/internal/fabric"
	"github.com/openpmem/rpmem/internal/logger"
	"github.com/openpmem/rpmem/internal/poolset"
	"github.com/openpmem/rpmem/internal/wire"
	"github.com/openpmem/rpmem/pkg/bufpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// pollInterval is how often a daemon worker's CQ wait times out to
// re-check the closing flag (§4.4.2).
const pollInterval = 100 * time.Millisecond

// ServerLane is one daemon-side lane worker: it keeps one persist RECV
// posted at all times and, on receipt, validates, applies the
// policy-selected flush, and responds (§4.4.2).
type ServerLane struct {
	lane   fabric.Lane
	desc   *poolset.Descriptor
	policy Policy

	closing chan struct{}
	done    chan struct{}
}

// NewServerLane builds a server-side lane worker bound to one pool
// descriptor and persistency policy.
func NewServerLane(lane fabric.Lane, desc *poolset.Descriptor, policy Policy) *ServerLane {
	return &ServerLane{
		lane: lane, desc: desc, policy: policy,
		closing: make(chan struct{}), done: make(chan struct{}),
	}
}

// Run drives the lane's receive loop until Stop is called or the lane
// reports a terminal error. It is meant to run on its own goroutine;
// callers select on Done() to learn it has exited. Each posted RECV is
// bounded by pollInterval so the loop re-checks the closing flag even
// when the peer falls silent (§4.4.2, §4.4.5).
func (s *ServerLane) Run(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-s.closing:
			return
		default:
		}

		recvCtx, cancel := context.WithTimeout(ctx, pollInterval)
		buf := bufpool.Get(wire.PersistHeaderSize + maxInlinePayload)
		err := s.lane.PostRecv(recvCtx, buf)
		cancel()
		if err != nil {
			bufpool.Put(buf)
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, fabric.ErrShutdown) {
				return
			}
			logger.Error("dataplane: post persist recv failed", "error", err)
			return
		}

		perr := s.handlePersist(ctx, buf)
		bufpool.Put(buf)
		if perr != nil {
			// A malformed persist message gets no response; the
			// connection is considered compromised (no partial trust
			// of unvalidated input).
			logger.Error("dataplane: rejecting malformed persist message", "error", perr)
			return
		}
	}
}

// maxInlinePayload bounds the PERSIST_SEND inline buffer the worker
// pre-posts; larger flushes use WRITE-then-SEND instead.
const maxInlinePayload = 64 << 10

func (s *ServerLane) handlePersist(ctx context.Context, raw []byte) error {
	msg, err := wire.DecodePersist(raw)
	if err != nil {
		return err
	}

	_, span := tracer.Start(ctx, "dataplane.persist", trace.WithAttributes(
		attribute.Int("dataplane.lane", int(msg.Lane)),
		attribute.Int64("dataplane.offset", int64(msg.Addr)),
		attribute.Int64("dataplane.size", int64(msg.Size)),
		attribute.Bool("dataplane.relaxed", msg.Relaxed()),
	))
	defer span.End()

	if err := s.policy.Apply(s.desc, msg.Addr, msg.Size, msg.Payload, msg.Relaxed()); err != nil {
		return err
	}

	resp := &wire.PersistRespMsg{Flags: msg.Flags, Lane: msg.Lane}
	return s.lane.PostSend(context.Background(), wire.EncodePersistResp(resp))
}

// Stop requests the worker loop exit at its next poll and signals the
// lane's CQ so a blocked ReadCompletion wakes immediately (§4.4.5).
func (s *ServerLane) Stop() {
	select {
	case <-s.closing:
	default:
		close(s.closing)
	}
	_ = s.lane.Signal()
}

// Done reports when the worker goroutine has exited.
func (s *ServerLane) Done() <-chan struct{} { return s.done }

// Pool runs one ServerLane per lane of a fabric connection and
// coordinates their cooperative shutdown (§4.4.2, §4.4.5: the whole
// connection tears down together, not lane-by-lane).
type Pool struct {
	wg    sync.WaitGroup
	lanes []*ServerLane
}

// NewPool starts one worker per lane.
func NewPool(ctx context.Context, f fabric.Fabric, desc *poolset.Descriptor, policy Policy) (*Pool, error) {
	p := &Pool{}
	for i := 0; i < f.NLanes(); i++ {
		lane, err := f.Lane(i)
		if err != nil {
			p.Shutdown()
			return nil, err
		}
		sl := NewServerLane(lane, desc, policy)
		p.lanes = append(p.lanes, sl)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			sl.Run(ctx)
		}()
	}
	return p, nil
}

// Shutdown stops every lane worker and waits for them to exit.
func (p *Pool) Shutdown() {
	for _, l := range p.lanes {
		l.Stop()
	}
	p.wg.Wait()
}
