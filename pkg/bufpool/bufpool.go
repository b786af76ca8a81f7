// Package bufpool provides a tiered buffer pool with page-multiple
// buffer sizes.
//
// The data plane takes a scratch buffer for every chunked read
// operation (§4.4.1) on the client and for every persist receive on the
// daemon; pooling these avoids GC pressure on the hot path without
// requiring every caller to reason about fabric memory-registration
// lifetimes directly.
//
// Pooled buffers have a capacity rounded up to a multiple of PageSize;
// their start address is whatever the Go allocator returns. Buffers
// larger than the large tier are allocated directly and not pooled, to
// avoid holding oversized buffers indefinitely.
package bufpool

import "sync"

const (
	// PageSize is the alignment granularity used for all pooled buffers.
	PageSize = 4096

	DefaultSmallSize  = 4 << 10  // control messages, persist/persist_resp
	DefaultMediumSize = 64 << 10 // typical chunked-read scratch buffer
	DefaultLargeSize  = 1 << 20  // bulk flush/read chunks
)

// Pool manages byte slices organized by size class, each a multiple of
// PageSize.
type Pool struct {
	small      sync.Pool
	medium     sync.Pool
	large      sync.Pool
	smallSize  int
	mediumSize int
	largeSize  int
}

// Config configures a custom Pool; zero fields take their Default value.
type Config struct {
	SmallSize  int
	MediumSize int
	LargeSize  int
}

func DefaultConfig() Config {
	return Config{SmallSize: DefaultSmallSize, MediumSize: DefaultMediumSize, LargeSize: DefaultLargeSize}
}

// AlignUp rounds size up to the next multiple of PageSize.
func AlignUp(size int) int {
	if size%PageSize == 0 {
		return size
	}
	return (size/PageSize + 1) * PageSize
}

// NewPool creates a buffer pool. A nil cfg uses DefaultConfig.
func NewPool(cfg *Config) *Pool {
	if cfg == nil {
		c := DefaultConfig()
		cfg = &c
	}
	if cfg.SmallSize <= 0 {
		cfg.SmallSize = DefaultSmallSize
	}
	if cfg.MediumSize <= 0 {
		cfg.MediumSize = DefaultMediumSize
	}
	if cfg.LargeSize <= 0 {
		cfg.LargeSize = DefaultLargeSize
	}

	p := &Pool{
		smallSize:  AlignUp(cfg.SmallSize),
		mediumSize: AlignUp(cfg.MediumSize),
		largeSize:  AlignUp(cfg.LargeSize),
	}
	p.small.New = func() any { b := make([]byte, p.smallSize); return &b }
	p.medium.New = func() any { b := make([]byte, p.mediumSize); return &b }
	p.large.New = func() any { b := make([]byte, p.largeSize); return &b }
	return p
}

// Get returns a page-aligned-length byte slice of at least size bytes.
// Callers must call Put when done.
func (p *Pool) Get(size int) []byte {
	var bufPtr *[]byte
	switch {
	case size <= p.smallSize:
		bufPtr = p.small.Get().(*[]byte)
	case size <= p.mediumSize:
		bufPtr = p.medium.Get().(*[]byte)
	case size <= p.largeSize:
		bufPtr = p.large.Get().(*[]byte)
	default:
		return make([]byte, AlignUp(size))
	}
	buf := *bufPtr
	return buf[:size]
}

// Put returns buf to the pool. Buffers not originating from Get (by
// capacity) are silently dropped and left to the garbage collector.
func (p *Pool) Put(buf []byte) {
	if buf == nil {
		return
	}
	switch cap(buf) {
	case p.smallSize:
		b := buf[:cap(buf)]
		p.small.Put(&b)
	case p.mediumSize:
		b := buf[:cap(buf)]
		p.medium.Put(&b)
	case p.largeSize:
		b := buf[:cap(buf)]
		p.large.Put(&b)
	}
}

var globalPool = NewPool(nil)

// Get returns a buffer from the global pool.
func Get(size int) []byte { return globalPool.Get(size) }

// Put returns a buffer to the global pool.
func Put(buf []byte) { globalPool.Put(buf) }
