package bufpool

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBufferAllocation(t *testing.T) {
	t.Run("AllocatesSmallBuffer", func(t *testing.T) {
		buf := Get(100)
		defer Put(buf)
		assert.GreaterOrEqual(t, len(buf), 100)
		assert.Equal(t, DefaultSmallSize, cap(buf))
	})

	t.Run("AllocatesMediumBuffer", func(t *testing.T) {
		buf := Get(10 * 1024)
		defer Put(buf)
		assert.Equal(t, DefaultMediumSize, cap(buf))
	})

	t.Run("AllocatesOversizedBuffer", func(t *testing.T) {
		buf := Get(2 * 1024 * 1024)
		defer Put(buf)
		assert.Equal(t, len(buf), cap(buf))
	})
}

func TestAlignUp(t *testing.T) {
	assert.Equal(t, PageSize, AlignUp(1))
	assert.Equal(t, PageSize, AlignUp(PageSize))
	assert.Equal(t, 2*PageSize, AlignUp(PageSize+1))
}

func TestPutIgnoresForeignBuffer(t *testing.T) {
	// A buffer not obtained from Get must not corrupt the pool's size classes.
	foreign := make([]byte, 17)
	Put(foreign)
	buf := Get(10)
	defer Put(buf)
	assert.Equal(t, DefaultSmallSize, cap(buf))
}
