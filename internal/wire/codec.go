package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// writer accumulates a message body in big-endian wire order.
type writer struct {
	buf bytes.Buffer
}

func (w *writer) u32(v uint32)  { _ = binary.Write(&w.buf, binary.BigEndian, v) }
func (w *writer) u64(v uint64)  { _ = binary.Write(&w.buf, binary.BigEndian, v) }
func (w *writer) raw(b []byte)  { w.buf.Write(b) }
func (w *writer) bytes() []byte { return w.buf.Bytes() }

// reader consumes a message body in big-endian wire order, tracking the
// first error so callers can chain calls without checking each one.
type reader struct {
	r   *bytes.Reader
	err error
}

func newReader(b []byte) *reader { return &reader{r: bytes.NewReader(b)} }

func (r *reader) u32() uint32 {
	if r.err != nil {
		return 0
	}
	var v uint32
	r.err = binary.Read(r.r, binary.BigEndian, &v)
	return v
}

func (r *reader) u64() uint64 {
	if r.err != nil {
		return 0
	}
	var v uint64
	r.err = binary.Read(r.r, binary.BigEndian, &v)
	return v
}

func (r *reader) raw(n int) []byte {
	if r.err != nil {
		return nil
	}
	b := make([]byte, n)
	_, err := io.ReadFull(r.r, b)
	if err != nil {
		r.err = err
	}
	return b
}

func (r *reader) fixed(dst []byte) {
	if r.err != nil {
		return
	}
	_, r.err = io.ReadFull(r.r, dst)
}

// EncodePoolAttr packs a PoolAttr into its wire representation.
func EncodePoolAttr(a *PoolAttr) []byte {
	w := &writer{}
	w.raw(a.Signature[:])
	w.u32(a.Major)
	w.u32(a.CompatFeatures)
	w.u32(a.IncompatFeatures)
	w.u32(a.RoCompatFeatures)
	w.raw(a.PoolsetUUID[:])
	w.raw(a.UUID[:])
	w.raw(a.NextUUID[:])
	w.raw(a.PrevUUID[:])
	w.raw(a.UserFlags[:])
	return w.bytes()
}

// DecodePoolAttr unpacks a PoolAttr from exactly PoolAttrSize bytes.
func DecodePoolAttr(b []byte) (*PoolAttr, error) {
	if len(b) != PoolAttrSize {
		return nil, fmt.Errorf("wire: pool_attr: %w", ErrTruncated)
	}
	r := newReader(b)
	a := &PoolAttr{}
	r.fixed(a.Signature[:])
	a.Major = r.u32()
	a.CompatFeatures = r.u32()
	a.IncompatFeatures = r.u32()
	a.RoCompatFeatures = r.u32()
	r.fixed(a.PoolsetUUID[:])
	r.fixed(a.UUID[:])
	r.fixed(a.NextUUID[:])
	r.fixed(a.PrevUUID[:])
	r.fixed(a.UserFlags[:])
	if r.err != nil {
		return nil, fmt.Errorf("wire: pool_attr: %w", r.err)
	}
	return a, nil
}

// EncodeCreate packs a CREATE message, including its Header.
func EncodeCreate(m *CreateMsg) []byte {
	w := &writer{}
	w.u32(m.Major)
	w.u32(m.Minor)
	w.u64(m.PoolSize)
	w.u32(m.NLanes)
	w.u32(m.Provider)
	w.u64(m.BuffSize)
	w.raw(EncodePoolAttr(&m.Attr))
	w.u32(m.Desc.Size)
	w.raw(m.Desc.Desc)
	body := w.bytes()
	return prependHeader(MsgCreate, body)
}

// DecodeCreate unpacks a CREATE body (header already stripped) and
// applies the bounded validation of §4.1 before returning.
func DecodeCreate(hdrSize uint64, body []byte) (*CreateMsg, error) {
	r := newReader(body)
	m := &CreateMsg{}
	m.Major = r.u32()
	m.Minor = r.u32()
	m.PoolSize = r.u64()
	m.NLanes = r.u32()
	m.Provider = r.u32()
	m.BuffSize = r.u64()
	if r.err != nil {
		return nil, fmt.Errorf("wire: create: %w", ErrTruncated)
	}
	attrBytes := r.raw(PoolAttrSize)
	if r.err != nil {
		return nil, fmt.Errorf("wire: create: %w", ErrTruncated)
	}
	attr, err := DecodePoolAttr(attrBytes)
	if err != nil {
		return nil, err
	}
	m.Attr = *attr
	descSize := r.u32()
	if r.err != nil {
		return nil, fmt.Errorf("wire: create: %w", ErrTruncated)
	}
	desc := r.raw(int(descSize))
	if r.err != nil {
		return nil, fmt.Errorf("wire: create: %w", ErrTruncated)
	}
	m.Desc = PoolDesc{Size: descSize, Desc: desc}

	if err := validateVersion(m.Major, m.Minor); err != nil {
		return nil, err
	}
	if err := validateProvider(m.Provider); err != nil {
		return nil, err
	}
	if err := validateDesc(m.Desc); err != nil {
		return nil, err
	}
	if hdrSize != uint64(CreateFixedSize)+uint64(m.Desc.Size) {
		return nil, fmt.Errorf("wire: create: %w", ErrSizeMismatch)
	}
	return m, nil
}

// EncodeCreateResp packs a CREATE_RESP message.
func EncodeCreateResp(status Status, m *CreateRespMsg) []byte {
	w := &writer{}
	encodeIbc(w, &m.Ibc)
	return prependRespHeader(status, MsgCreateResp, w.bytes())
}

// DecodeCreateResp unpacks a CREATE_RESP body.
func DecodeCreateResp(body []byte) (*CreateRespMsg, error) {
	r := newReader(body)
	m := &CreateRespMsg{Ibc: decodeIbc(r)}
	if r.err != nil {
		return nil, fmt.Errorf("wire: create_resp: %w", ErrTruncated)
	}
	return m, nil
}

// EncodeOpen packs an OPEN message.
func EncodeOpen(m *OpenMsg) []byte {
	w := &writer{}
	w.u32(m.Major)
	w.u32(m.Minor)
	w.u64(m.PoolSize)
	w.u32(m.NLanes)
	w.u32(m.Provider)
	w.u64(m.BuffSize)
	w.u32(m.Desc.Size)
	w.raw(m.Desc.Desc)
	return prependHeader(MsgOpen, w.bytes())
}

// DecodeOpen unpacks an OPEN body and validates it (§4.1).
func DecodeOpen(hdrSize uint64, body []byte) (*OpenMsg, error) {
	r := newReader(body)
	m := &OpenMsg{}
	m.Major = r.u32()
	m.Minor = r.u32()
	m.PoolSize = r.u64()
	m.NLanes = r.u32()
	m.Provider = r.u32()
	m.BuffSize = r.u64()
	descSize := r.u32()
	if r.err != nil {
		return nil, fmt.Errorf("wire: open: %w", ErrTruncated)
	}
	desc := r.raw(int(descSize))
	if r.err != nil {
		return nil, fmt.Errorf("wire: open: %w", ErrTruncated)
	}
	m.Desc = PoolDesc{Size: descSize, Desc: desc}

	if err := validateVersion(m.Major, m.Minor); err != nil {
		return nil, err
	}
	if err := validateProvider(m.Provider); err != nil {
		return nil, err
	}
	if err := validateDesc(m.Desc); err != nil {
		return nil, err
	}
	if hdrSize != uint64(OpenFixedSize)+uint64(m.Desc.Size) {
		return nil, fmt.Errorf("wire: open: %w", ErrSizeMismatch)
	}
	return m, nil
}

// EncodeOpenResp packs an OPEN_RESP message.
func EncodeOpenResp(status Status, m *OpenRespMsg) []byte {
	w := &writer{}
	encodeIbc(w, &m.Ibc)
	w.raw(EncodePoolAttr(&m.Attr))
	return prependRespHeader(status, MsgOpenResp, w.bytes())
}

// DecodeOpenResp unpacks an OPEN_RESP body.
func DecodeOpenResp(body []byte) (*OpenRespMsg, error) {
	r := newReader(body)
	m := &OpenRespMsg{Ibc: decodeIbc(r)}
	attrBytes := r.raw(PoolAttrSize)
	if r.err != nil {
		return nil, fmt.Errorf("wire: open_resp: %w", ErrTruncated)
	}
	attr, err := DecodePoolAttr(attrBytes)
	if err != nil {
		return nil, err
	}
	m.Attr = *attr
	return m, nil
}

// EncodeClose packs a CLOSE message.
func EncodeClose(m *CloseMsg) []byte {
	w := &writer{}
	w.u32(m.Flags)
	return prependHeader(MsgClose, w.bytes())
}

// DecodeClose unpacks a CLOSE body.
func DecodeClose(body []byte) (*CloseMsg, error) {
	r := newReader(body)
	m := &CloseMsg{Flags: r.u32()}
	if r.err != nil {
		return nil, fmt.Errorf("wire: close: %w", ErrTruncated)
	}
	return m, nil
}

// EncodeCloseResp packs a CLOSE_RESP message (empty body).
func EncodeCloseResp(status Status) []byte {
	return prependRespHeader(status, MsgCloseResp, nil)
}

// EncodeSetAttr packs a SET_ATTR message.
func EncodeSetAttr(m *SetAttrMsg) []byte {
	w := &writer{}
	w.raw(EncodePoolAttr(&m.Attr))
	return prependHeader(MsgSetAttr, w.bytes())
}

// DecodeSetAttr unpacks a SET_ATTR body.
func DecodeSetAttr(body []byte) (*SetAttrMsg, error) {
	attr, err := DecodePoolAttr(body)
	if err != nil {
		return nil, err
	}
	return &SetAttrMsg{Attr: *attr}, nil
}

// EncodeSetAttrResp packs a SET_ATTR_RESP message (empty body).
func EncodeSetAttrResp(status Status) []byte {
	return prependRespHeader(status, MsgSetAttrResp, nil)
}

// EncodePersist packs a persist message for the in-band SEND path.
func EncodePersist(m *PersistMsg) []byte {
	w := &writer{}
	w.u32(m.Flags)
	w.u32(m.Lane)
	w.u64(m.Addr)
	w.u64(m.Size)
	if m.Mode() == PersistModeInline {
		w.raw(m.Payload)
	}
	return w.bytes()
}

// DecodePersist unpacks a persist message. For PERSIST_SEND mode the
// trailing `size` bytes of payload must already be present in b.
func DecodePersist(b []byte) (*PersistMsg, error) {
	if len(b) < PersistHeaderSize {
		return nil, fmt.Errorf("wire: persist: %w", ErrTruncated)
	}
	r := newReader(b)
	m := &PersistMsg{}
	m.Flags = r.u32()
	m.Lane = r.u32()
	m.Addr = r.u64()
	m.Size = r.u64()
	if r.err != nil {
		return nil, fmt.Errorf("wire: persist: %w", ErrTruncated)
	}
	if m.Mode() == PersistModeInline {
		payload := r.raw(int(m.Size))
		if r.err != nil {
			return nil, fmt.Errorf("wire: persist: %w", ErrTruncated)
		}
		m.Payload = payload
	}
	return m, nil
}

// EncodePersistResp packs a persist_resp message.
func EncodePersistResp(m *PersistRespMsg) []byte {
	w := &writer{}
	w.u32(m.Flags)
	w.u32(m.Lane)
	return w.bytes()
}

// DecodePersistResp unpacks a persist_resp message.
func DecodePersistResp(b []byte) (*PersistRespMsg, error) {
	if len(b) != PersistRespSize {
		return nil, fmt.Errorf("wire: persist_resp: %w", ErrTruncated)
	}
	r := newReader(b)
	m := &PersistRespMsg{Flags: r.u32(), Lane: r.u32()}
	if r.err != nil {
		return nil, fmt.Errorf("wire: persist_resp: %w", ErrTruncated)
	}
	return m, nil
}

// DecodeHeader reads the leading common Header from b.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("wire: header: %w", ErrTruncated)
	}
	r := newReader(b[:HeaderSize])
	h := Header{Type: r.u32(), Size: r.u64()}
	if r.err != nil {
		return Header{}, fmt.Errorf("wire: header: %w", r.err)
	}
	return h, nil
}

// DecodeRespHeader reads the leading RespHeader from b and enforces
// bounded validation rule 5: status must be < MaxRpmemErr.
func DecodeRespHeader(b []byte) (RespHeader, error) {
	if len(b) < RespHeaderSize {
		return RespHeader{}, fmt.Errorf("wire: resp_header: %w", ErrTruncated)
	}
	r := newReader(b[:RespHeaderSize])
	h := RespHeader{Status: Status(r.u32()), Type: r.u32(), Size: r.u64()}
	if r.err != nil {
		return RespHeader{}, fmt.Errorf("wire: resp_header: %w", r.err)
	}
	if h.Status >= MaxRpmemErr {
		return RespHeader{}, fmt.Errorf("wire: resp_header: status %d: %w", h.Status, ErrBadStatus)
	}
	return h, nil
}

func prependHeader(msgType uint32, body []byte) []byte {
	total := uint64(HeaderSize + len(body))
	w := &writer{}
	w.u32(msgType)
	w.u64(total)
	w.raw(body)
	return w.bytes()
}

func prependRespHeader(status Status, msgType uint32, body []byte) []byte {
	total := uint64(RespHeaderSize + len(body))
	w := &writer{}
	w.u32(uint32(status))
	w.u32(msgType)
	w.u64(total)
	w.raw(body)
	return w.bytes()
}

func encodeIbc(w *writer, ibc *Ibc) {
	w.u32(ibc.Port)
	w.u32(ibc.PersistMethod)
	w.u64(ibc.RKey)
	w.u64(ibc.RAddr)
	w.u32(ibc.NLanes)
}

func decodeIbc(r *reader) Ibc {
	return Ibc{
		Port:          r.u32(),
		PersistMethod: r.u32(),
		RKey:          r.u64(),
		RAddr:         r.u64(),
		NLanes:        r.u32(),
	}
}

// validateVersion enforces §4.1 rule: major must be 0, minor must be 1.
func validateVersion(major, minor uint32) error {
	if major != ProtocolMajor || minor != ProtocolMinor {
		return fmt.Errorf("wire: version %d.%d: %w", major, minor, ErrBadVersion)
	}
	return nil
}

// validateProvider enforces §4.2: provider must be VERBS or SOCKETS.
func validateProvider(provider uint32) error {
	if provider != ProviderVerbs && provider != ProviderSockets {
		return fmt.Errorf("wire: provider %d: %w", provider, ErrBadProvider)
	}
	return nil
}

// validateDesc enforces property 4: pool_desc.size >= MinDescSize and
// the last descriptor byte is a NUL terminator.
func validateDesc(d PoolDesc) error {
	if d.Size < MinDescSize || int(d.Size) != len(d.Desc) {
		return fmt.Errorf("wire: pool_desc size %d: %w", d.Size, ErrBadDesc)
	}
	if d.Desc[len(d.Desc)-1] != 0 {
		return fmt.Errorf("wire: pool_desc not NUL-terminated: %w", ErrBadDesc)
	}
	return nil
}

// ValidatePersistMethod enforces §4.5: persist_method must be GPSPM or APM.
func ValidatePersistMethod(method uint32) error {
	if method != PersistMethodGPSPM && method != PersistMethodAPM {
		return fmt.Errorf("wire: persist_method %d: %w", method, ErrUnknownType)
	}
	return nil
}

// ValidatePort enforces §4.1: port must be in (0, 65535].
func ValidatePort(port uint32) error {
	if port == 0 || port > 65535 {
		return fmt.Errorf("wire: port %d out of range", port)
	}
	return nil
}
