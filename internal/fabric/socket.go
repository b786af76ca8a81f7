package fabric

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Frame layout on the wire: lane(u8) op(u8) offset(u64) length(u32) payload[length].
// offset is the remote offset for WRITE and read-request frames and the
// acknowledged byte count for write-ack frames; zero otherwise.
const frameHeaderSize = 1 + 1 + 8 + 4

type frame struct {
	lane   uint8
	op     OpCode
	offset uint64
	data   []byte
}

func writeFrame(w io.Writer, f frame) error {
	hdr := make([]byte, frameHeaderSize)
	hdr[0] = f.lane
	hdr[1] = byte(f.op)
	binary.BigEndian.PutUint64(hdr[2:10], f.offset)
	binary.BigEndian.PutUint32(hdr[10:14], uint32(len(f.data)))
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	if len(f.data) > 0 {
		if _, err := w.Write(f.data); err != nil {
			return err
		}
	}
	return nil
}

func readFrame(r io.Reader) (frame, error) {
	hdr := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return frame{}, err
	}
	f := frame{
		lane:   hdr[0],
		op:     OpCode(hdr[1]),
		offset: binary.BigEndian.Uint64(hdr[2:10]),
	}
	n := binary.BigEndian.Uint32(hdr[10:14])
	if n > 0 {
		f.data = make([]byte, n)
		if _, err := io.ReadFull(r, f.data); err != nil {
			return frame{}, err
		}
	}
	return f, nil
}

// Frame opcodes beyond the four public OpCodes: acknowledgements and
// read responses carried back on the same lane.
const (
	opWriteAck OpCode = 0x80 + iota
	opReadReq
	opReadResp
)

type socketFabric struct {
	attr *Attr
	conn net.Conn

	writeMu sync.Mutex

	mr atomic.Value // []byte

	lanes   []*socketLane
	closing atomic.Bool

	readerDone chan struct{}
}

func newSocketFabric(attr *Attr) *socketFabric {
	n := attr.NLanes
	if n < 1 {
		n = 1
	}
	f := &socketFabric{attr: attr, readerDone: make(chan struct{})}
	f.lanes = make([]*socketLane, n)
	for i := range f.lanes {
		f.lanes[i] = newSocketLane(f, i)
	}
	return f
}

func (f *socketFabric) Lane(idx int) (Lane, error) {
	if idx < 0 || idx >= len(f.lanes) {
		return nil, ErrLaneOutOfRange
	}
	return f.lanes[idx], nil
}

func (f *socketFabric) NLanes() int { return len(f.lanes) }

func (f *socketFabric) Connect(ctx context.Context, node, service string) error {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(node, service))
	if err != nil {
		return fmt.Errorf("fabric: dial %s:%s: %w", node, service, err)
	}
	f.conn = conn
	go f.readLoop()
	return nil
}

func (f *socketFabric) Accept(ctx context.Context, service string) error {
	ln, err := net.Listen("tcp", net.JoinHostPort("", service))
	if err != nil {
		return fmt.Errorf("fabric: listen :%s: %w", service, err)
	}
	defer ln.Close()

	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := ln.Accept()
		ch <- result{conn, err}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return fmt.Errorf("fabric: accept: %w", r.err)
		}
		f.conn = r.conn
		go f.readLoop()
		return nil
	}
}

func (f *socketFabric) RegisterMR(buf []byte) (uint64, uint64) {
	f.mr.Store(buf)
	return 1, uint64(uintptr(0)) // sockets have no real address space in common; raddr is a logical base of 0
}

func (f *socketFabric) mrBuf() []byte {
	v := f.mr.Load()
	if v == nil {
		return nil
	}
	return v.([]byte)
}

// readLoop demultiplexes inbound frames. WRITE/READ frames are served
// directly against the registered MR with no lane-level notification,
// matching the passive side of real RDMA; SEND/ACK/READRESP frames are
// routed to the addressed lane's completion or receive channel.
func (f *socketFabric) readLoop() {
	defer close(f.readerDone)
	for {
		fr, err := readFrame(f.conn)
		if err != nil {
			f.broadcastShutdown(err)
			return
		}
		if int(fr.lane) >= len(f.lanes) {
			continue
		}
		lane := f.lanes[fr.lane]
		switch fr.op {
		case OpWrite:
			if mr := f.mrBuf(); mr != nil && fr.offset+uint64(len(fr.data)) <= uint64(len(mr)) {
				copy(mr[fr.offset:], fr.data)
			}
			_ = f.send(frame{lane: fr.lane, op: opWriteAck, offset: uint64(len(fr.data))})
		case opWriteAck:
			lane.deliverCompletion(&Completion{Op: OpWrite, Bytes: int(fr.offset)})
		case opReadReq:
			mr := f.mrBuf()
			n := binary.BigEndian.Uint32(fr.data)
			var payload []byte
			if mr != nil && fr.offset+uint64(n) <= uint64(len(mr)) {
				payload = append([]byte(nil), mr[fr.offset:fr.offset+uint64(n)]...)
			} else {
				payload = make([]byte, n)
			}
			_ = f.send(frame{lane: fr.lane, op: opReadResp, data: payload})
		case opReadResp:
			lane.deliverCompletion(&Completion{Op: OpRead, Bytes: len(fr.data), Payload: fr.data})
		case OpSend:
			lane.deliverRecv(fr.data)
		}
	}
}

func (f *socketFabric) broadcastShutdown(cause error) {
	if f.closing.Load() {
		return
	}
	for _, l := range f.lanes {
		l.deliverCompletion(&Completion{Err: fmt.Errorf("fabric: connection closed: %w", cause)})
	}
}

func (f *socketFabric) send(fr frame) error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	return writeFrame(f.conn, fr)
}

func (f *socketFabric) Shutdown() error {
	if !f.closing.CompareAndSwap(false, true) {
		return nil
	}
	for _, l := range f.lanes {
		_ = l.Signal()
	}
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

type socketLane struct {
	idx int
	fab *socketFabric

	compCh chan *Completion
	recvCh chan []byte

	pendingWrite atomic.Bool
}

func newSocketLane(fab *socketFabric, idx int) *socketLane {
	return &socketLane{
		idx:    idx,
		fab:    fab,
		compCh: make(chan *Completion, CQDepth),
		recvCh: make(chan []byte, 8),
	}
}

func (l *socketLane) Index() int { return l.idx }

func (l *socketLane) PostWrite(ctx context.Context, local []byte, remoteOffset uint64, signalCompletion bool) error {
	if err := l.fab.send(frame{lane: uint8(l.idx), op: OpWrite, offset: remoteOffset, data: local}); err != nil {
		return fmt.Errorf("fabric: post write: %w", err)
	}
	if !signalCompletion {
		return nil
	}
	_, err := l.waitCompletion(ctx, 0)
	return err
}

func (l *socketLane) PostRead(ctx context.Context, local []byte, remoteOffset uint64) error {
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(local)))
	if err := l.fab.send(frame{lane: uint8(l.idx), op: opReadReq, offset: remoteOffset, data: lenBuf}); err != nil {
		return fmt.Errorf("fabric: post read: %w", err)
	}
	// The passive side acknowledges every WRITE on this lane's CQ, signaled
	// or not; skip those acks until this READ's own response arrives.
	for {
		c, err := l.waitCompletion(ctx, 0)
		if err != nil {
			return err
		}
		if c.Op == OpRead {
			copy(local, c.Payload)
			return nil
		}
	}
}

func (l *socketLane) PostSend(ctx context.Context, payload []byte) error {
	if err := l.fab.send(frame{lane: uint8(l.idx), op: OpSend, data: payload}); err != nil {
		return fmt.Errorf("fabric: post send: %w", err)
	}
	return nil
}

func (l *socketLane) PostRecv(ctx context.Context, buf []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case data := <-l.recvCh:
		copy(buf, data)
		return nil
	}
}

func (l *socketLane) waitCompletion(ctx context.Context, timeout time.Duration) (*Completion, error) {
	var tch <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		tch = timer.C
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case c := <-l.compCh:
		if c.Err != nil {
			return nil, c.Err
		}
		return c, nil
	case <-tch:
		return nil, ErrTimeout
	}
}

func (l *socketLane) ReadCompletion(timeout time.Duration) (*Completion, error) {
	return l.waitCompletion(context.Background(), timeout)
}

func (l *socketLane) Signal() error {
	select {
	case l.compCh <- &Completion{Err: ErrShutdown}:
	default:
	}
	return nil
}

func (l *socketLane) Close() error { return nil }

func (l *socketLane) deliverCompletion(c *Completion) {
	select {
	case l.compCh <- c:
	default:
		// CQ full: drop the oldest to make room, mirroring a CQ overrun.
		select {
		case <-l.compCh:
		default:
		}
		l.compCh <- c
	}
}

func (l *socketLane) deliverRecv(data []byte) {
	select {
	case l.recvCh <- data:
	default:
	}
}
