package dataplane

import (
	"github.com/openpmem/rpmem/internal/pmem"
	"github.com/openpmem/rpmem/internal/poolset"
	"github.com/openpmem/rpmem/internal/wire"
)

// Policy is the persistency-policy selection the daemon applies to
// every persist message (§4.5 persistency-policy matrix): which
// callback flushes a range, and which callback applies an inline
// payload, as a function of the requested method and whether the
// backing mapping is real pmem.
type Policy struct {
	Method      uint32 // wire.PersistMethodGPSPM or PersistMethodAPM, as negotiated at CREATE/OPEN
	Flush       func(offset, length uint64) error
	MemcpyFlush func(offset uint64, payload []byte) error
}

// SelectPolicy implements the matrix:
//
//	APM + is_pmem    -> APM,   flush is a no-op (fenced by the client's RDMA READ), pmem_memcpy_persist
//	APM + !is_pmem   -> GPSPM, pmem_msync,                                           msync_memcpy
//	GPSPM + is_pmem  -> GPSPM, pmem_persist,                                         pmem_memcpy_persist
//	GPSPM + !is_pmem -> GPSPM, pmem_msync,                                           msync_memcpy
func SelectPolicy(requested uint32, m *pmem.Mapping) Policy {
	isPmem := m.IsPmem()

	if requested == wire.PersistMethodAPM && isPmem {
		return Policy{
			Method:      wire.PersistMethodAPM,
			Flush:       func(uint64, uint64) error { return nil }, // the client's RDMA READ is the fence
			MemcpyFlush: m.MemcpyPersist,
		}
	}
	return Policy{
		Method:      wire.PersistMethodGPSPM,
		Flush:       m.Flush,
		MemcpyFlush: m.MemcpyPersist,
	}
}

// Apply executes the policy against one persist message's addressed
// range, honoring the pool's no_headers guard (§4.5). relaxed (§4.4.4)
// only tells the client to prefer WRITE mode over inline for the
// payload size in question; it is not a server-side durability waiver,
// so the flush callback always runs before the caller's persist-response
// SEND (§5: a persist-response SEND is not emitted until the
// corresponding flush callback returns).
func (p Policy) Apply(d *poolset.Descriptor, addr, size uint64, payload []byte, relaxed bool) error {
	if err := d.CheckOffset(addr); err != nil {
		return err
	}
	if len(payload) > 0 {
		return p.MemcpyFlush(addr, payload)
	}
	return p.Flush(addr, size)
}
