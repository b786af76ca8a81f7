// Package wire implements the on-wire codec for the out-of-band control
// channel (§3.5, §4.1 of the specification): message framing, the packed
// pool-attribute block, and the bounded validation every received
// message must pass before it is dispatched.
//
// All multi-byte integers travel big-endian on the wire; in-memory the
// Go structs use host types and byte order, and this package is the
// sole authority translating between the two.
package wire

// Message types. Numeric values are part of the wire contract and must
// never be renumbered once a peer depends on them.
const (
	MsgCreate       uint32 = 1
	MsgCreateResp   uint32 = 2
	MsgOpen         uint32 = 3
	MsgOpenResp     uint32 = 4
	MsgClose        uint32 = 5
	MsgCloseResp    uint32 = 6
	MsgSetAttr      uint32 = 7
	MsgSetAttrResp  uint32 = 8
)

// ServerHandledTypes is the set of message types the daemon's OOB
// dispatch table accepts; anything else fails bounded validation with
// EPROTO before any state is touched.
var ServerHandledTypes = map[uint32]bool{
	MsgCreate:  true,
	MsgOpen:    true,
	MsgClose:   true,
	MsgSetAttr: true,
}

// ClientHandledTypes is the set of response types the client's OOB
// round trip accepts for a given request type.
var ClientHandledTypes = map[uint32]bool{
	MsgCreateResp:  true,
	MsgOpenResp:    true,
	MsgCloseResp:   true,
	MsgSetAttrResp: true,
}

// Providers (§4.2).
const (
	ProviderVerbs   uint32 = 1
	ProviderSockets uint32 = 2
)

// Persist methods (§3.5, §4.5).
const (
	PersistMethodGPSPM uint32 = 1
	PersistMethodAPM   uint32 = 2
)

// Protocol version. §4.1 requires major==0, minor==1.
const (
	ProtocolMajor uint32 = 0
	ProtocolMinor uint32 = 1
)

// CloseFlags bit 0 requests that the pool's part files be removed.
const (
	CloseFlagRemove uint32 = 1 << 0
)

// Persist message flags (§3.5): the two low bits select the mode, bit 2
// is a completion hint, bit 3 requests relaxed ordering (§4.4.4).
const (
	PersistModeMask     uint32 = 0x3
	PersistModeWrite    uint32 = 0 // WRITE-then-SEND
	PersistModeDeep     uint32 = 1 // DEEP_PERSIST
	PersistModeInline   uint32 = 2 // PERSIST_SEND
	PersistFlagComplete uint32 = 1 << 2
	PersistFlagRelaxed  uint32 = 1 << 3
)

// Wire status codes (§4.1) and their mapped local errno, kept together
// so the two tables can never drift out of sync.
type Status uint32

const (
	StatusSuccess     Status = 0
	StatusBadProto    Status = 1
	StatusBadName     Status = 2
	StatusBadSize     Status = 3
	StatusBadNLanes   Status = 4
	StatusBadProvider Status = 5
	StatusFatal       Status = 6
	StatusFatalConn   Status = 7
	StatusBusy        Status = 8
	StatusExists      Status = 9
	StatusProvNoSup   Status = 10
	StatusNoExist     Status = 11
	StatusNoAccess    Status = 12
	StatusPoolCfg     Status = 13

	// MaxRpmemErr bounds the range of status codes a response header
	// may carry; anything else fails bounded validation (§4.1 rule 5).
	MaxRpmemErr Status = 14
)

// HeaderSize is the size in bytes of the common request header:
// type:u32, size:u64.
const HeaderSize = 4 + 8

// RespHeaderSize is the size in bytes of the response header:
// status:u32, type:u32, size:u64.
const RespHeaderSize = 4 + HeaderSize

// PoolAttrSize is the packed, no-padding size of the pool-attribute
// block (§3.1): 8 + 4*4 + 16*4 + 16 bytes.
const PoolAttrSize = 8 + 4*4 + 16*4 + 16

// MinDescSize is the minimum legal pool_desc.size: at least a NUL
// terminator plus one path byte (§4.1 rule 4, property 4).
const MinDescSize = 2

// Fixed (desc-exclusive) body sizes for CREATE/OPEN, used to validate
// hdr.size == fixedBodySize + pool_desc.size (property 4).
const (
	createCommonSize = 4 + 4 + 8 + 4 + 4 + 8 // major,minor,pool_size,nlanes,provider,buff_size
	CreateFixedSize  = HeaderSize + createCommonSize + PoolAttrSize + 4
	OpenFixedSize    = HeaderSize + createCommonSize + 4
)

// IbcSize is the size of the in-band connection attributes carried by
// CREATE_RESP/OPEN_RESP: port, persist_method, rkey, raddr, nlanes.
const IbcSize = 4 + 4 + 8 + 8 + 4

// PersistHeaderSize is the fixed portion of a persist message
// (flags, lane, addr, size); PERSIST_SEND mode appends `size` inline bytes.
const PersistHeaderSize = 4 + 4 + 8 + 8

// PersistRespSize is the size of a persist_resp message (flags, lane).
const PersistRespSize = 4 + 4
