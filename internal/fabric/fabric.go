// Package fabric implements the provider-neutral data-plane transport
// (§4.2): provider discovery, lane allocation, and the WRITE/READ/
// SEND/RECV primitives the data plane posts against a completion queue.
//
// Two providers are recognized by the specification: VERBS (true RDMA
// hardware, reached only through libfabric's cgo bindings, which this
// module does not vendor) and SOCKETS, a fallback the specification
// explicitly allows when "an environment override is set" (§4.2). This
// package implements SOCKETS: a lane is a logical stream multiplexed
// over one TCP connection per endpoint, with WRITE/READ emulated by
// tagging each posted operation with its remote offset and letting the
// passive side's fabric reader apply it directly against the memory
// region registered with RegisterMR. See DESIGN.md for why no VERBS
// backend ships here.
package fabric

import (
	"context"
	"errors"
	"os"
	"time"
)

// Provider identifies a fabric transport.
type Provider uint32

const (
	ProviderVerbs   Provider = 1
	ProviderSockets Provider = 2
)

func (p Provider) String() string {
	switch p {
	case ProviderVerbs:
		return "verbs"
	case ProviderSockets:
		return "sockets"
	default:
		return "unknown"
	}
}

var (
	ErrNoProvider     = errors.New("fabric: no usable provider for node")
	ErrForkUnsafe     = errors.New("fabric: provider requires fork-unsafe mode")
	ErrShutdown       = errors.New("fabric: shutdown in progress")
	ErrLaneOutOfRange = errors.New("fabric: lane index out of range")
	ErrTimeout        = errors.New("fabric: completion wait timed out")
)

// EnableSocketsEnv, when set to a truthy value, allows the SOCKETS
// provider to be returned by Probe. VERBS is never returned by this
// implementation since no hardware binding is available.
const EnableSocketsEnv = "RPMEM_ENABLE_SOCKETS"

// ProbeResult reports which providers are usable for a node and, for
// each, the maximum work-queue size the hardware/transport can sustain.
type ProbeResult struct {
	ProvidersBitset uint32
	MaxWQSize       map[Provider]int
}

// Supports reports whether p is present in the probe result.
func (r *ProbeResult) Supports(p Provider) bool {
	return r.ProvidersBitset&(1<<uint(p)) != 0
}

// Probe enumerates providers reachable for node (§4.2). SOCKETS is
// reported only when EnableSocketsEnv is set; VERBS is never reported.
func Probe(node string) (*ProbeResult, error) {
	r := &ProbeResult{MaxWQSize: map[Provider]int{}}
	if socketsEnabled() {
		r.ProvidersBitset |= 1 << uint(ProviderSockets)
		r.MaxWQSize[ProviderSockets] = 256
	}
	if r.ProvidersBitset == 0 {
		return nil, ErrNoProvider
	}
	return r, nil
}

func socketsEnabled() bool {
	v, ok := os.LookupEnv(EnableSocketsEnv)
	if !ok {
		return false
	}
	return v != "" && v != "0" && v != "false"
}

// PersistMethod mirrors the wire persist-method values, kept local to
// avoid an import cycle with internal/wire.
type PersistMethod uint32

const (
	PersistMethodGPSPM PersistMethod = 1
	PersistMethodAPM   PersistMethod = 2
)

// laneReq holds the minimum TX/RX queue depth required per lane for a
// persist method and role (§4.2 lane-size table).
type laneReq struct {
	ClientTX, ClientRX, ServerTX, ServerRX int
}

var laneSizeTable = map[PersistMethod]laneReq{
	PersistMethodGPSPM: {ClientTX: 2, ClientRX: 1, ServerTX: 1, ServerRX: 1},
	PersistMethodAPM:   {ClientTX: 2, ClientRX: 1, ServerTX: 1, ServerRX: 1},
}

// CQDepth is the completion-queue depth per lane on both sides (§4.2).
const CQDepth = 3

// RequiredTXSize returns the minimum lane TX queue depth for method/role.
func RequiredTXSize(method PersistMethod, isClient bool) int {
	req, ok := laneSizeTable[method]
	if !ok {
		req = laneSizeTable[PersistMethodGPSPM]
	}
	if isClient {
		return req.ClientTX
	}
	return req.ServerTX
}

// RequiredRXSize returns the minimum lane RX queue depth for method/role.
func RequiredRXSize(method PersistMethod, isClient bool) int {
	req, ok := laneSizeTable[method]
	if !ok {
		req = laneSizeTable[PersistMethodGPSPM]
	}
	if isClient {
		return req.ClientRX
	}
	return req.ServerRX
}

// ClampLaneCount applies the §4.2 clamp: min(requested, domain limits).
func ClampLaneCount(requested, txCtxCnt, rxCtxCnt, cqCnt int) int {
	n := requested
	for _, limit := range []int{txCtxCnt, rxCtxCnt, cqCnt} {
		if limit > 0 && limit < n {
			n = limit
		}
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Attr configures fabric initialization (§4.2).
type Attr struct {
	Provider     Provider
	NLanes       int
	TXSizeOverride int // environment override; 0 means "use the required minimum"
	MaxWQSize      int
}

// OpCode distinguishes the four primitive operations a lane can post.
type OpCode uint8

const (
	OpWrite OpCode = iota
	OpRead
	OpSend
	OpRecv
)

func (o OpCode) String() string {
	switch o {
	case OpWrite:
		return "WRITE"
	case OpRead:
		return "READ"
	case OpSend:
		return "SEND"
	case OpRecv:
		return "RECV"
	default:
		return "UNKNOWN"
	}
}

// Completion reports the outcome of one posted operation.
type Completion struct {
	Op      OpCode
	Bytes   int
	Payload []byte // populated for RECV completions
	Err     error
}

// Lane is one endpoint + CQ pair: the unit of concurrency the data
// plane drives independently (§3.4, §4.2). Implementations must be
// safe for the "one lane, one concurrent caller" contract described
// in §5 — they need not be safe for concurrent callers on the SAME lane.
type Lane interface {
	// PostWrite posts a remote-memory write of local[:] to remoteOffset
	// in the peer's registered MR. signalCompletion requests a CQ
	// completion event for this op (§4.4.1 WQ depth management).
	PostWrite(ctx context.Context, local []byte, remoteOffset uint64, signalCompletion bool) error

	// PostRead posts a remote-memory read of len(local) bytes starting
	// at remoteOffset into local. Always completion-signaled: reads are
	// always waited on by the caller (fence or data fetch).
	PostRead(ctx context.Context, local []byte, remoteOffset uint64) error

	// PostSend posts an inline message to the peer's next posted RECV.
	PostSend(ctx context.Context, payload []byte) error

	// PostRecv posts a receive buffer for the next inbound SEND.
	PostRecv(ctx context.Context, buf []byte) error

	// ReadCompletion blocks up to timeout for the next completion. A
	// zero timeout blocks indefinitely (client default, §5). Daemon lane
	// workers do not call it; they bound each PostRecv by their 100ms
	// poll interval instead (§4.4.2).
	ReadCompletion(timeout time.Duration) (*Completion, error)

	// Signal unblocks any ReadCompletion waiter with ErrShutdown,
	// used during cooperative shutdown (§4.4.5).
	Signal() error

	// Index returns this lane's 0-based index within its endpoint.
	Index() int

	// Close tears down the lane's endpoint and CQ.
	Close() error
}

// Fabric is the provider-neutral handle returned by Init (§4.2).
type Fabric interface {
	// Lane returns the lane at idx. idx must be < NLanes().
	Lane(idx int) (Lane, error)

	// NLanes returns the number of lanes actually allocated, which may
	// be less than requested due to ClampLaneCount.
	NLanes() int

	// Connect performs the connection-oriented handshake as a client:
	// dial node:service and bring up one lane per requested lane.
	Connect(ctx context.Context, node, service string) error

	// Accept performs the connection-oriented handshake as a server:
	// listen, then accept NLanes() CONNECTED events before returning.
	Accept(ctx context.Context, service string) error

	// RegisterMR exposes buf as the registered memory region WRITE and
	// READ operations from the peer target. Real RDMA hardware serves
	// these without interrupting the passive side; this transport
	// reproduces that by having the background reader apply WRITE/READ
	// frames directly against buf, with no lane-level callback.
	RegisterMR(buf []byte) (rkey uint64, raddr uint64)

	// Shutdown tears down every lane and releases the domain.
	Shutdown() error
}

// Init allocates a fabric, one endpoint + CQ per lane, honoring attr
// (§4.2). The provider-unsafe-fork check runs once per process.
func Init(attr *Attr) (Fabric, error) {
	if err := checkForkSafety(attr.Provider); err != nil {
		return nil, err
	}
	switch attr.Provider {
	case ProviderSockets:
		return newSocketFabric(attr), nil
	default:
		return nil, ErrNoProvider
	}
}

var forkSafetyChecked = map[Provider]error{}

// checkForkSafety probes the provider's fork-safety environment flag at
// first create/open (§4.2) and refuses fork-unsafe configurations. The
// SOCKETS provider built on net.Conn has no fork-safety constraint.
func checkForkSafety(p Provider) error {
	if err, ok := forkSafetyChecked[p]; ok {
		return err
	}
	var err error
	if p == ProviderVerbs {
		err = ErrForkUnsafe
	}
	forkSafetyChecked[p] = err
	return err
}
