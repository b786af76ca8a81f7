package wire

// Header is the common request header shared by CREATE/OPEN/CLOSE/SET_ATTR:
// message type followed by total message size in bytes, including the
// header itself.
type Header struct {
	Type uint32
	Size uint64
}

// RespHeader prepends a Status to the common header, as every response
// message does (§3.5).
type RespHeader struct {
	Status Status
	Type   uint32
	Size   uint64
}

// PoolAttr is the packed pool-attribute block (§3.1). Field order and
// widths are fixed by the wire format; Go's struct layout is not used
// for encoding, see codec.go.
type PoolAttr struct {
	Signature        [8]byte
	Major            uint32
	CompatFeatures   uint32
	IncompatFeatures uint32
	RoCompatFeatures uint32
	PoolsetUUID      [16]byte
	UUID             [16]byte
	NextUUID         [16]byte
	PrevUUID         [16]byte
	UserFlags        [16]byte
}

// PoolDesc is the variable-length pool descriptor trailer carried by
// CREATE and OPEN: a byte count followed by that many bytes, the last
// of which must be a NUL terminator (property 4).
type PoolDesc struct {
	Size uint32
	Desc []byte
}

// CreateMsg is the CREATE request body (§3.5 item 1).
type CreateMsg struct {
	Major     uint32
	Minor     uint32
	PoolSize  uint64
	NLanes    uint32
	Provider  uint32
	BuffSize  uint64
	Attr      PoolAttr
	Desc      PoolDesc
}

// Ibc carries the in-band connection attributes the daemon hands back
// after a successful CREATE or OPEN: the RDMA listening port, the
// negotiated persist method, the remote memory region's rkey/address,
// and the lane count the daemon actually allocated.
type Ibc struct {
	Port          uint32
	PersistMethod uint32
	RKey          uint64
	RAddr         uint64
	NLanes        uint32
}

// CreateRespMsg is the CREATE_RESP body.
type CreateRespMsg struct {
	Ibc Ibc
}

// OpenMsg is the OPEN request body (§3.5 item 3).
type OpenMsg struct {
	Major    uint32
	Minor    uint32
	PoolSize uint64
	NLanes   uint32
	Provider uint32
	BuffSize uint64
	Desc     PoolDesc
}

// OpenRespMsg is the OPEN_RESP body: connection attributes plus the
// pool's on-disk attribute block, so the client can verify it matches
// what it expects before trusting the pool's contents.
type OpenRespMsg struct {
	Ibc  Ibc
	Attr PoolAttr
}

// CloseMsg is the CLOSE request body.
type CloseMsg struct {
	Flags uint32
}

// SetAttrMsg is the SET_ATTR request body: a full replacement
// pool-attribute block (§4.1).
type SetAttrMsg struct {
	Attr PoolAttr
}

// PersistMsg is the in-band persist request carried over a lane's SEND
// queue (§4.4). Payload is only populated in PERSIST_SEND mode, where
// the data to flush travels inline instead of via a prior RDMA WRITE.
type PersistMsg struct {
	Flags   uint32
	Lane    uint32
	Addr    uint64
	Size    uint64
	Payload []byte
}

// Mode extracts the persist mode from Flags.
func (m *PersistMsg) Mode() uint32 { return m.Flags & PersistModeMask }

// Relaxed reports whether the relaxed-ordering flag is set (§4.4.4).
func (m *PersistMsg) Relaxed() bool { return m.Flags&PersistFlagRelaxed != 0 }

// PersistRespMsg acknowledges a PersistMsg once the daemon's flush for
// that lane has completed.
type PersistRespMsg struct {
	Flags uint32
	Lane  uint32
}
