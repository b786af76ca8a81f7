// Package pmem maps pool-set part files into the daemon's address space
// and performs the flush/memcpy-persist primitives the data plane and
// pool-set database need (§4.4.2, §4.5). It deliberately does not
// distinguish "true" persistent memory from regular mmap'd storage at
// the syscall level — both are backed by unix.Mmap — but tracks which
// mapping is pmem so the persistency-policy matrix (§4.5) can route to
// the right flush callback.
package pmem

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

var ErrClosed = errors.New("pmem: mapping closed")

// Mapping is one mmap'd pool-set replica.
type Mapping struct {
	mu     sync.RWMutex
	file   *os.File
	data   []byte
	isPmem bool
	closed bool
}

// MapOptions controls how a part file is mapped.
type MapOptions struct {
	// IsPmem forces the pmem classification instead of probing the
	// filesystem. Device-dax backed replicas are always pmem.
	IsPmem bool
}

// Map mmaps the full extent of f as PROT_READ|PROT_WRITE, MAP_SHARED.
func Map(f *os.File, size int64, opts MapOptions) (*Mapping, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("pmem: mmap: %w", err)
	}
	return &Mapping{file: f, data: data, isPmem: opts.IsPmem || isDeviceDax(f)}, nil
}

// isDeviceDax reports whether f's underlying device is a DAX character
// device rather than a regular filesystem. A best-effort probe: any
// device file (os.ModeDevice) is treated as device-dax.
func isDeviceDax(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeDevice != 0
}

// Bytes returns the mapped region. Callers must not retain slices past
// Close/Unmap.
func (m *Mapping) Bytes() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data
}

// IsPmem reports whether this mapping was classified as true pmem,
// the input to the persistency-policy matrix in §4.5.
func (m *Mapping) IsPmem() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isPmem
}

// Flush persists dirty pages in [offset, offset+length) with
// msync(MS_SYNC). Pmem and regular mappings take the same path: no CPU
// cache-flush instruction is issued.
func (m *Mapping) Flush(offset, length uint64) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	if offset+length > uint64(len(m.data)) {
		return fmt.Errorf("pmem: flush [%d,%d) out of range (len=%d)", offset, offset+length, len(m.data))
	}
	return m.msyncRange(offset, length)
}

// DeepFlush is Flush for the DEEP_PERSIST mode (§4.4.1): it is
// identical at this layer because unix.Msync already forces the range
// to durable storage; true pmem hardware would instead issue
// CLWB/CLFLUSHOPT+SFENCE, which this software mapping cannot reach.
func (m *Mapping) DeepFlush(offset, length uint64) error {
	return m.Flush(offset, length)
}

// MemcpyPersist copies src into the mapping at offset and flushes the
// affected range: the PERSIST_SEND / inline path's memcpy+flush step.
func (m *Mapping) MemcpyPersist(offset uint64, src []byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if offset+uint64(len(src)) > uint64(len(m.data)) {
		m.mu.Unlock()
		return fmt.Errorf("pmem: memcpy_persist [%d,%d) out of range (len=%d)", offset, offset+uint64(len(src)), len(m.data))
	}
	copy(m.data[offset:], src)
	m.mu.Unlock()
	return m.msyncRange(offset, uint64(len(src)))
}

func (m *Mapping) msyncRange(offset, length uint64) error {
	pageSize := uint64(os.Getpagesize())
	start := (offset / pageSize) * pageSize
	end := offset + length
	if err := unix.Msync(m.data[start:end], unix.MS_SYNC); err != nil {
		return fmt.Errorf("pmem: msync: %w", err)
	}
	return nil
}

// Unmap releases the mapping. The backing file is left open; callers
// close it separately.
func (m *Mapping) Unmap() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return unix.Munmap(m.data)
}
