// Package oob implements the out-of-band control channel (§4.3): a
// single-threaded request/response event loop running over the byte
// stream bootstrapped by internal/transport (typically an SSH
// subprocess's stdin/stdout), carrying the C1 wire messages.
package oob

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/openpmem/rpmem/internal/logger"
	"github.com/openpmem/rpmem/internal/wire"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/openpmem/rpmem/internal/oob")

// ErrDisconnected is returned by the server loop when the peer closes
// its end of the stream cleanly (read returns 0, §4.3).
var ErrDisconnected = errors.New("oob: peer disconnected")

// Handlers are the dispatch callbacks the hosting daemon registers
// (§4.3 "Dispatch callbacks exposed to the hosting daemon").
type Handlers struct {
	OnCreate  func(ctx context.Context, req *wire.CreateMsg) (wire.Status, *wire.CreateRespMsg)
	OnOpen    func(ctx context.Context, req *wire.OpenMsg) (wire.Status, *wire.OpenRespMsg)
	OnClose   func(ctx context.Context, flags uint32) wire.Status
	OnSetAttr func(ctx context.Context, attr *wire.PoolAttr) wire.Status
}

// Metrics are the prometheus collectors the server loop updates for
// every request processed.
type Metrics struct {
	Requests *prometheus.CounterVec // labels: type, status
}

// Server drives the daemon side of the OOB protocol over a single
// connection (§4.3 "Server side").
type Server struct {
	stream   io.ReadWriteCloser
	handlers Handlers
	metrics  *Metrics
}

// NewServer wires handlers to stream. metrics may be nil to disable
// per-request counters.
func NewServer(stream io.ReadWriteCloser, handlers Handlers, metrics *Metrics) *Server {
	return &Server{stream: stream, handlers: handlers, metrics: metrics}
}

// Serve writes the ready status word, then loops reading/dispatching
// requests until the peer disconnects, ctx is cancelled, or a fatal
// transport error occurs. A CLOSE request's response is written before
// Serve returns, per §6.3 item 4.
func (s *Server) Serve(ctx context.Context) error {
	if err := writeStatusWord(s.stream, 0); err != nil {
		return fmt.Errorf("oob: write ready status: %w", err)
	}
	logger.InfoCtx(ctx, "oob server ready")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		closed, err := s.serveOne(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return ErrDisconnected
			}
			return err
		}
		if closed {
			return nil
		}
	}
}

// serveOne reads, validates, dispatches, and responds to exactly one
// request. It returns closed=true after a successful CLOSE exchange.
func (s *Server) serveOne(ctx context.Context) (closed bool, err error) {
	hdr, body, err := readMessage(s.stream)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return false, io.EOF
		}
		return false, fmt.Errorf("oob: read message: %w", err)
	}

	ctx, span := tracer.Start(ctx, "oob.dispatch", trace.WithAttributes(attribute.Int64("oob.msg_type", int64(hdr.Type))))
	defer span.End()

	if !wire.ServerHandledTypes[hdr.Type] {
		s.observe(hdr.Type, wire.StatusBadProto)
		return false, fmt.Errorf("oob: %w: type %d", wire.ErrUnknownType, hdr.Type)
	}

	switch hdr.Type {
	case wire.MsgCreate:
		req, derr := wire.DecodeCreate(hdr.Size, body)
		if derr != nil {
			return false, fmt.Errorf("oob: decode create: %w", derr)
		}
		status, resp := s.handlers.OnCreate(ctx, req)
		s.observe(hdr.Type, status)
		if resp == nil {
			resp = &wire.CreateRespMsg{}
		}
		return false, writeAll(s.stream, wire.EncodeCreateResp(status, resp))

	case wire.MsgOpen:
		req, derr := wire.DecodeOpen(hdr.Size, body)
		if derr != nil {
			return false, fmt.Errorf("oob: decode open: %w", derr)
		}
		status, resp := s.handlers.OnOpen(ctx, req)
		s.observe(hdr.Type, status)
		if resp == nil {
			resp = &wire.OpenRespMsg{}
		}
		return false, writeAll(s.stream, wire.EncodeOpenResp(status, resp))

	case wire.MsgClose:
		req, derr := wire.DecodeClose(body)
		if derr != nil {
			return false, fmt.Errorf("oob: decode close: %w", derr)
		}
		status := s.handlers.OnClose(ctx, req.Flags)
		s.observe(hdr.Type, status)
		if err := writeAll(s.stream, wire.EncodeCloseResp(status)); err != nil {
			return false, err
		}
		return true, nil

	case wire.MsgSetAttr:
		req, derr := wire.DecodeSetAttr(body)
		if derr != nil {
			return false, fmt.Errorf("oob: decode set_attr: %w", derr)
		}
		status := s.handlers.OnSetAttr(ctx, &req.Attr)
		s.observe(hdr.Type, status)
		return false, writeAll(s.stream, wire.EncodeSetAttrResp(status))

	default:
		return false, fmt.Errorf("oob: %w: type %d", wire.ErrUnknownType, hdr.Type)
	}
}

func (s *Server) observe(msgType uint32, status wire.Status) {
	if s.metrics == nil || s.metrics.Requests == nil {
		return
	}
	s.metrics.Requests.WithLabelValues(msgTypeName(msgType), status.String()).Inc()
}

func msgTypeName(t uint32) string {
	switch t {
	case wire.MsgCreate:
		return "create"
	case wire.MsgOpen:
		return "open"
	case wire.MsgClose:
		return "close"
	case wire.MsgSetAttr:
		return "set_attr"
	default:
		return "unknown"
	}
}

// readMessage reads a common Header then exactly the announced body
// length, enforcing C1 bounded-validation rules 1 and 2 before the
// message type is even inspected.
func readMessage(r io.Reader) (wire.Header, []byte, error) {
	hdrBuf := make([]byte, wire.HeaderSize)
	if _, err := io.ReadFull(r, hdrBuf); err != nil {
		return wire.Header{}, nil, err
	}
	hdr, err := wire.DecodeHeader(hdrBuf)
	if err != nil {
		return wire.Header{}, nil, err
	}
	if hdr.Size < uint64(wire.HeaderSize) {
		return wire.Header{}, nil, fmt.Errorf("oob: %w: size %d < header", wire.ErrSizeMismatch, hdr.Size)
	}
	bodyLen := hdr.Size - uint64(wire.HeaderSize)
	body := make([]byte, bodyLen)
	if bodyLen > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return wire.Header{}, nil, fmt.Errorf("oob: read body: %w", err)
		}
	}
	return hdr, body, nil
}

func writeStatusWord(w io.Writer, status uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], status)
	return writeAll(w, b[:])
}

func writeAll(w io.Writer, b []byte) error {
	_, err := w.Write(b)
	return err
}
