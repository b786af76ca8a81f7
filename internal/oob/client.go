package oob

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openpmem/rpmem/internal/logger"
	"github.com/openpmem/rpmem/internal/wire"
)

// monitorPollInterval bounds how long the monitor's read blocks before
// it re-checks ctx, mirroring internal/dataplane's bounded CQ-wait idiom
// (§4.4.2) so StopMonitor never has to wait on an uncancellable Read.
const monitorPollInterval = 200 * time.Millisecond

// deadlineReader is satisfied by net.Conn streams such as the net.Pipe
// connections OOB tests dial through. The stream transport.SSHDialer
// returns does not implement it, so there the monitor takes
// StartMonitor's unbounded-read fallback.
type deadlineReader interface {
	SetReadDeadline(t time.Time) error
}

// ErrProtocolViolation is latched when the monitor observes unexpected
// bytes arriving outside of a request/response exchange (§4.3).
var ErrProtocolViolation = errors.New("oob: unexpected bytes from peer")

// ErrPeerShutdown is latched when the monitor observes EOF while the
// data plane is active (§4.3).
var ErrPeerShutdown = errors.New("oob: peer closed connection")

// Client drives the client side of the OOB protocol: synchronous
// request/response plus a background monitor that detects an
// unsolicited peer action once the data plane takes over the
// connection's quiescent periods.
type Client struct {
	stream io.ReadWriteCloser

	// writeMu serializes request writes. roundTrip and the monitor
	// goroutine never read concurrently: callers start the monitor only
	// once the data plane takes over and stop it (StopMonitor) before
	// issuing another roundTrip, e.g. the CLOSE request that ends a
	// connection.
	writeMu sync.Mutex

	latchedErr atomic.Value // error

	monitorCancel context.CancelFunc
	monitorDone   chan struct{}
}

// NewClient wraps stream as an OOB client connection. Callers must have
// already read the daemon's ready status word (§6.3 item 3) before
// constructing a Client.
func NewClient(stream io.ReadWriteCloser) *Client {
	return &Client{stream: stream}
}

// ReadReadyStatus reads the 32-bit status word the daemon writes on
// startup (§4.3, §6.3 item 3) and returns an error if it is non-zero.
func ReadReadyStatus(r io.Reader) error {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return fmt.Errorf("oob: read ready status: %w", err)
	}
	status := binary.BigEndian.Uint32(b[:])
	if status != 0 {
		return fmt.Errorf("oob: daemon reported startup status %d", status)
	}
	return nil
}

// LatchedErr returns the error the monitor goroutine latched, if any.
func (c *Client) LatchedErr() error {
	if v := c.latchedErr.Load(); v != nil {
		return v.(error)
	}
	return nil
}

func (c *Client) latch(err error) {
	c.latchedErr.CompareAndSwap(nil, err)
}

// Create sends a CREATE request and returns its decoded response.
func (c *Client) Create(req *wire.CreateMsg) (wire.Status, *wire.CreateRespMsg, error) {
	respBody, status, err := c.roundTrip(wire.EncodeCreate(req), wire.MsgCreateResp)
	if err != nil {
		return 0, nil, err
	}
	resp, err := wire.DecodeCreateResp(respBody)
	return status, resp, err
}

// Open sends an OPEN request and returns its decoded response.
func (c *Client) Open(req *wire.OpenMsg) (wire.Status, *wire.OpenRespMsg, error) {
	respBody, status, err := c.roundTrip(wire.EncodeOpen(req), wire.MsgOpenResp)
	if err != nil {
		return 0, nil, err
	}
	resp, err := wire.DecodeOpenResp(respBody)
	return status, resp, err
}

// Close sends a CLOSE request and returns the response status.
func (c *Client) Close(flags uint32) (wire.Status, error) {
	_, status, err := c.roundTrip(wire.EncodeClose(&wire.CloseMsg{Flags: flags}), wire.MsgCloseResp)
	return status, err
}

// SetAttr sends a SET_ATTR request and returns the response status.
func (c *Client) SetAttr(attr *wire.PoolAttr) (wire.Status, error) {
	_, status, err := c.roundTrip(wire.EncodeSetAttr(&wire.SetAttrMsg{Attr: *attr}), wire.MsgSetAttrResp)
	return status, err
}

// roundTrip sends req and reads exactly one response, validating its
// header (C1 rules 2, 3, 5) before returning the response body.
func (c *Client) roundTrip(req []byte, wantType uint32) ([]byte, wire.Status, error) {
	if latched := c.LatchedErr(); latched != nil {
		return nil, 0, latched
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := c.stream.Write(req); err != nil {
		return nil, 0, fmt.Errorf("oob: write request: %w", err)
	}

	hdrBuf := make([]byte, wire.RespHeaderSize)
	if _, err := io.ReadFull(c.stream, hdrBuf); err != nil {
		return nil, 0, fmt.Errorf("oob: read response header: %w", err)
	}
	hdr, err := wire.DecodeRespHeader(hdrBuf)
	if err != nil {
		return nil, 0, err
	}
	if !wire.ClientHandledTypes[hdr.Type] || hdr.Type != wantType {
		return nil, 0, fmt.Errorf("oob: %w: got type %d, want %d", wire.ErrUnknownType, hdr.Type, wantType)
	}
	if hdr.Size < uint64(wire.RespHeaderSize) {
		return nil, 0, fmt.Errorf("oob: %w: size %d < header", wire.ErrSizeMismatch, hdr.Size)
	}
	bodyLen := hdr.Size - uint64(wire.RespHeaderSize)
	body := make([]byte, bodyLen)
	if bodyLen > 0 {
		if _, err := io.ReadFull(c.stream, body); err != nil {
			return nil, 0, fmt.Errorf("oob: read response body: %w", err)
		}
	}
	return body, hdr.Status, nil
}

// StartMonitor launches the background goroutine that watches r (the
// same stream roundTrip uses) for unsolicited bytes or EOF while the
// data plane owns the connection's idle periods (§4.3 "Client side").
// onViolation is invoked exactly once, with the latched error, so the
// caller can fail in-flight data-plane operations with ECONNRESET.
//
// Each read is bounded by monitorPollInterval when r supports
// SetReadDeadline, so StopMonitor's cancellation is noticed promptly
// instead of waiting on a read that would otherwise block forever
// (the OOB stream sits idle for as long as the data plane is active).
// A stream that does not support deadlines falls back to a single
// blocking read with no bound, since there is no way to interrupt it
// short of closing the stream out from under a caller who still needs
// it for the CLOSE round trip.
func (c *Client) StartMonitor(r io.Reader, onViolation func(error)) {
	ctx, cancel := context.WithCancel(context.Background())
	c.monitorCancel = cancel
	c.monitorDone = make(chan struct{})

	dr, _ := r.(deadlineReader)

	go func() {
		defer close(c.monitorDone)
		if dr != nil {
			// Clear the deadline on the way out so the stream is left in
			// its normal blocking-read state for roundTrip's use (e.g.
			// the CLOSE round trip that follows StopMonitor).
			defer func() { _ = dr.SetReadDeadline(time.Time{}) }()
		}
		var b [1]byte
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			if dr != nil {
				_ = dr.SetReadDeadline(time.Now().Add(monitorPollInterval))
			}
			_, err := r.Read(b[:])
			if err == nil {
				c.latch(ErrProtocolViolation)
				logger.Error("oob monitor observed unsolicited bytes")
				onViolation(ErrProtocolViolation)
				return
			}
			if dr != nil && os.IsTimeout(err) {
				continue
			}
			if errors.Is(err, io.EOF) {
				c.latch(ErrPeerShutdown)
				onViolation(ErrPeerShutdown)
				return
			}
			return
		}
	}()
}

// StopMonitor cancels the monitor goroutine and waits for it to exit.
func (c *Client) StopMonitor() {
	if c.monitorCancel == nil {
		return
	}
	c.monitorCancel()
	<-c.monitorDone
}
