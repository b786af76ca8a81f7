package pmem

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempMapping(t *testing.T, size int64) *Mapping {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "pool-part-*")
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	require.NoError(t, f.Truncate(size))

	m, err := Map(f, size, MapOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { m.Unmap() })
	return m
}

func TestMemcpyPersistAndFlush(t *testing.T) {
	m := tempMapping(t, 64*1024)
	payload := []byte("pool header bytes")
	require.NoError(t, m.MemcpyPersist(4096, payload))
	assert.Equal(t, payload, m.Bytes()[4096:4096+len(payload)])
}

func TestFlushRejectsOutOfRange(t *testing.T) {
	m := tempMapping(t, 4096)
	err := m.Flush(4096, 1)
	assert.Error(t, err)
}

func TestUnmapIsIdempotentAndRejectsFurtherUse(t *testing.T) {
	m := tempMapping(t, 4096)
	require.NoError(t, m.Unmap())
	require.NoError(t, m.Unmap())
	assert.ErrorIs(t, m.Flush(0, 1), ErrClosed)
}
