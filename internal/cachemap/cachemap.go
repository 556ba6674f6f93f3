// Package cachemap implements the per-image cache-map: a bit-per-4KiB-block
// presence bitmap (spec §3 "Cache-Map", §4.2). It owns the inward/outward
// rounding rules, the completeness check, and the on-disk .map sidecar.
package cachemap

import (
	"fmt"
	"os"

	"github.com/dnbd3/dnbd3proxy/internal/protocol"
)

// Map is the byte-array bitmap tracking which 4 KiB blocks of an image are
// present and valid locally. Bit (y,x) with byte index y = offset>>15 and
// bit index x = (offset>>12)&7 is set iff the block starting at offset is
// present.
type Map struct {
	bits        []byte
	virtualSize uint64
}

// New allocates a zeroed cache-map sized for virtualSize bytes.
func New(virtualSize uint64) *Map {
	return &Map{
		bits:        make([]byte, ByteSize(virtualSize)),
		virtualSize: virtualSize,
	}
}

// ByteSize returns ceil(virtualSize / (8 * 4KiB)), the on-disk .map size.
func ByteSize(virtualSize uint64) uint64 {
	blocks := (virtualSize + protocol.BlockSize - 1) / protocol.BlockSize
	return (blocks + 7) / 8
}

// Load wraps a bitmap already read from disk (the .map sidecar).
func Load(bits []byte, virtualSize uint64) (*Map, error) {
	want := ByteSize(virtualSize)
	if uint64(len(bits)) != want {
		return nil, fmt.Errorf("cachemap: size mismatch: have %d bytes, want %d for virtual size %d", len(bits), want, virtualSize)
	}

	return &Map{bits: bits, virtualSize: virtualSize}, nil
}

// Bytes returns the raw bitmap, e.g. for persisting to the .map sidecar.
func (m *Map) Bytes() []byte {
	return m.bits
}

func blockIndex(offset uint64) uint64 { return offset / protocol.BlockSize }

func byteBitOf(block uint64) (byteIdx uint64, bit uint) {
	return block >> 3, uint(block & 7)
}

// IsBlockPresent reports whether the 4 KiB block containing offset is set.
func (m *Map) IsBlockPresent(offset uint64) bool {
	block := blockIndex(offset)
	byteIdx, bit := byteBitOf(block)

	if byteIdx >= uint64(len(m.bits)) {
		return false
	}

	return m.bits[byteIdx]&(1<<bit) != 0
}

// Mark sets or clears presence for the byte range [offset, offset+length).
// When setting present, the range is rounded inward to 4 KiB borders (a
// partially written block is never marked present). When clearing, the
// range is rounded outward (any block touched at all is invalidated).
func (m *Map) Mark(offset, length uint64, present bool) (changedHashBlocks []uint64) {
	if length == 0 {
		return nil
	}

	end := offset + length

	var startBlock, endBlock uint64
	if present {
		startBlock = (offset + protocol.BlockSize - 1) / protocol.BlockSize
		endBlock = end / protocol.BlockSize
	} else {
		startBlock = offset / protocol.BlockSize
		endBlock = (end + protocol.BlockSize - 1) / protocol.BlockSize
	}

	if startBlock >= endBlock {
		return nil
	}

	for block := startBlock; block < endBlock; block++ {
		byteIdx, bit := byteBitOf(block)
		if byteIdx >= uint64(len(m.bits)) {
			break
		}

		if present {
			m.bits[byteIdx] |= 1 << bit
		} else {
			m.bits[byteIdx] &^= 1 << bit
		}
	}

	if !present {
		return nil
	}

	// Report hash-blocks that just became fully present so the caller can
	// enqueue them for integrity verification (§4.2 "After any set-to-present...").
	blocksPerHashBlock := uint64(protocol.HashBlockSize / protocol.BlockSize)

	seen := map[uint64]bool{}

	for block := startBlock; block < endBlock; block++ {
		hb := block / blocksPerHashBlock
		if seen[hb] {
			continue
		}

		seen[hb] = true

		if m.isHashBlockComplete(hb, blocksPerHashBlock) {
			changedHashBlocks = append(changedHashBlocks, hb)
		}
	}

	return changedHashBlocks
}

func (m *Map) isHashBlockComplete(hashBlock, blocksPerHashBlock uint64) bool {
	totalBlocks := (m.virtualSize + protocol.BlockSize - 1) / protocol.BlockSize

	start := hashBlock * blocksPerHashBlock

	end := start + blocksPerHashBlock
	if end > totalBlocks {
		end = totalBlocks
	}

	for b := start; b < end; b++ {
		if !m.blockSet(b) {
			return false
		}
	}

	return true
}

func (m *Map) blockSet(block uint64) bool {
	byteIdx, bit := byteBitOf(block)
	if byteIdx >= uint64(len(m.bits)) {
		return false
	}

	return m.bits[byteIdx]&(1<<bit) != 0
}

// RangePresent reports whether every 4 KiB block touching
// [offset, offset+length) is marked present.
func (m *Map) RangePresent(offset, length uint64) bool {
	if length == 0 {
		return true
	}

	start := blockIndex(offset)
	end := blockIndex(offset+length-1) + 1

	for b := start; b < end; b++ {
		if !m.blockSet(b) {
			return false
		}
	}

	return true
}

// IsComplete performs the constant-shape bulk scan of §4.2: every valid bit
// must be set, where the tail byte's unused high bits are treated as 1.
func (m *Map) IsComplete() bool {
	totalBlocks := (m.virtualSize + protocol.BlockSize - 1) / protocol.BlockSize
	fullBytes := totalBlocks / 8
	tailBits := totalBlocks % 8

	for i := uint64(0); i < fullBytes; i++ {
		if m.bits[i] != 0xFF {
			return false
		}
	}

	if tailBits == 0 {
		return true
	}

	mask := byte(0xFF << tailBits)
	tail := m.bits[fullBytes] | mask

	return tail == 0xFF
}

// CompletenessEstimate is the UI-facing estimate of §4.2: 100 per 0xFF byte,
// 50 per nonzero-non-0xFF byte, divided by the total byte count, clamped to
// [0, 100].
func (m *Map) CompletenessEstimate() int {
	if len(m.bits) == 0 {
		return 100
	}

	var sum int

	for _, b := range m.bits {
		switch {
		case b == 0xFF:
			sum += 100
		case b != 0:
			sum += 50
		}
	}

	pct := sum / len(m.bits)
	if pct > 100 {
		pct = 100
	}

	if pct < 0 {
		pct = 0
	}

	return pct
}

// HashBlocksFor returns the byte offset and byte length of hashBlock, with
// the length clamped so the range ends no later than virtualSize.
func HashBlocksFor(hashBlock, virtualSize uint64) (startOffset, length uint64) {
	startOffset = hashBlock * protocol.HashBlockSize
	length = protocol.HashBlockSize

	if startOffset+length > virtualSize {
		length = virtualSize - startOffset
	}

	return startOffset, length
}

// SidecarPath returns the .map sidecar path for a backing file path.
func SidecarPath(backingPath string) string { return backingPath + ".map" }

// Unlink removes the .map sidecar file, ignoring a not-exist error.
func Unlink(backingPath string) error {
	err := os.Remove(SidecarPath(backingPath))
	if err != nil && !os.IsNotExist(err) {
		return err
	}

	return nil
}
