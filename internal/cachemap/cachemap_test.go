package cachemap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dnbd3/dnbd3proxy/internal/protocol"
)

func TestMarkPresentRoundsInward(t *testing.T) {
	m := New(2 * protocol.BlockSize)

	// A write covering only half of block 0 must not mark it present.
	m.Mark(0, protocol.BlockSize/2, true)
	assert.False(t, m.IsBlockPresent(0))

	// A write covering the whole of block 0 does.
	m.Mark(0, protocol.BlockSize, true)
	assert.True(t, m.IsBlockPresent(0))
	assert.False(t, m.IsBlockPresent(protocol.BlockSize))
}

func TestMarkAbsentRoundsOutward(t *testing.T) {
	m := New(3 * protocol.BlockSize)
	m.Mark(0, 3*protocol.BlockSize, true)

	// Clearing one byte in the middle of block 1 invalidates all of block 1.
	m.Mark(protocol.BlockSize+10, 1, false)

	assert.True(t, m.IsBlockPresent(0))
	assert.False(t, m.IsBlockPresent(protocol.BlockSize))
	assert.True(t, m.IsBlockPresent(2*protocol.BlockSize))
}

func TestRangePresent(t *testing.T) {
	m := New(4 * protocol.BlockSize)
	m.Mark(0, 2*protocol.BlockSize, true)

	assert.True(t, m.RangePresent(0, protocol.BlockSize))
	assert.True(t, m.RangePresent(0, 2*protocol.BlockSize))
	assert.False(t, m.RangePresent(0, 3*protocol.BlockSize))
	assert.False(t, m.RangePresent(2*protocol.BlockSize, protocol.BlockSize))
	assert.True(t, m.RangePresent(0, 0))
}

func TestIsCompleteTreatsTailBitsAsSet(t *testing.T) {
	// 5 blocks needs 1 byte (8 bits), of which 3 are unused tail bits.
	m := New(5 * protocol.BlockSize)

	assert.False(t, m.IsComplete())

	m.Mark(0, 5*protocol.BlockSize, true)
	assert.True(t, m.IsComplete())
}

func TestMarkReportsCompletedHashBlocks(t *testing.T) {
	m := New(protocol.HashBlockSize)

	changed := m.Mark(0, protocol.HashBlockSize-protocol.BlockSize, true)
	assert.Empty(t, changed)

	changed = m.Mark(protocol.HashBlockSize-protocol.BlockSize, protocol.BlockSize, true)
	require.Len(t, changed, 1)
	assert.Equal(t, uint64(0), changed[0])
}

func TestCompletenessEstimate(t *testing.T) {
	m := New(16 * protocol.BlockSize) // exactly two bitmap bytes worth

	assert.Equal(t, 0, m.CompletenessEstimate())

	m.Mark(0, 8*protocol.BlockSize, true)
	assert.Equal(t, 50, m.CompletenessEstimate())

	m.Mark(0, 16*protocol.BlockSize, true)
	assert.Equal(t, 100, m.CompletenessEstimate())
}

func TestLoadValidatesSize(t *testing.T) {
	_, err := Load(make([]byte, 3), 16*protocol.BlockSize)
	assert.Error(t, err)

	m, err := Load(make([]byte, 2), 16*protocol.BlockSize)
	require.NoError(t, err)
	assert.False(t, m.IsComplete())
}

func TestHashBlocksForClampsLastBlock(t *testing.T) {
	virtualSize := protocol.HashBlockSize + protocol.BlockSize

	start, length := HashBlocksFor(0, virtualSize)
	assert.Equal(t, uint64(0), start)
	assert.Equal(t, uint64(protocol.HashBlockSize), length)

	start, length = HashBlocksFor(1, virtualSize)
	assert.Equal(t, uint64(protocol.HashBlockSize), start)
	assert.Equal(t, uint64(protocol.BlockSize), length)
}

func TestSidecarPath(t *testing.T) {
	assert.Equal(t, "/images/foo.r1.map", SidecarPath("/images/foo.r1"))
}
