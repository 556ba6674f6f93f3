// Package crcmanifest implements the .crc sidecar: one little-endian CRC-32
// word per 16 MiB hash-block, preceded by a master CRC over the rest of the
// list (spec §3 "CRC Manifest", §4.2 "CRC verification").
package crcmanifest

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/dnbd3/dnbd3proxy/internal/protocol"
)

// Manifest holds the per-hash-block CRC-32 list for one image.
type Manifest struct {
	MasterCRC uint32
	Blocks    []uint32
}

// NumHashBlocks returns ceil(virtualSize / HashBlockSize).
func NumHashBlocks(virtualSize uint64) int {
	n := (virtualSize + protocol.HashBlockSize - 1) / protocol.HashBlockSize
	return int(n)
}

// ComputeMasterCRC is the CRC-32 over the little-endian-encoded block list,
// used both when building a new manifest and when validating a loaded one.
func ComputeMasterCRC(blocks []uint32) uint32 {
	buf := make([]byte, 4*len(blocks))
	for i, c := range blocks {
		binary.LittleEndian.PutUint32(buf[i*4:], c)
	}

	return crc32.ChecksumIEEE(buf)
}

// Encode serializes the manifest to the on-disk .crc layout: masterCrc(4)
// followed by one little-endian CRC-32 per hash-block.
func Encode(m *Manifest) []byte {
	buf := make([]byte, 4+4*len(m.Blocks))
	binary.LittleEndian.PutUint32(buf[0:4], m.MasterCRC)

	for i, c := range m.Blocks {
		binary.LittleEndian.PutUint32(buf[4+i*4:], c)
	}

	return buf
}

// Decode parses a .crc sidecar. A master-CRC mismatch discards the
// manifest (§4.2 "Manifest load validates master CRC ... mismatch discards
// the manifest") by returning a nil *Manifest and a non-nil error.
func Decode(buf []byte) (*Manifest, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("crcmanifest: file too short")
	}

	if (len(buf)-4)%4 != 0 {
		return nil, fmt.Errorf("crcmanifest: truncated block list")
	}

	masterCRC := binary.LittleEndian.Uint32(buf[0:4])

	n := (len(buf) - 4) / 4
	blocks := make([]uint32, n)

	for i := 0; i < n; i++ {
		blocks[i] = binary.LittleEndian.Uint32(buf[4+i*4:])
	}

	computed := ComputeMasterCRC(blocks)
	if computed != masterCRC {
		return nil, fmt.Errorf("crcmanifest: master CRC mismatch: have %#x, want %#x", computed, masterCRC)
	}

	return &Manifest{MasterCRC: masterCRC, Blocks: blocks}, nil
}

// New builds a manifest from a list of per-hash-block CRCs, computing the
// master CRC.
func New(blocks []uint32) *Manifest {
	return &Manifest{MasterCRC: ComputeMasterCRC(blocks), Blocks: blocks}
}

// HashBlockCRC reads one hash-block's worth of bytes starting at offset
// (reading at most length bytes from r, then zero-padding to hashBlockLen,
// per §3's "real length, zero-padded to virtual length") and computes its
// CRC-32.
func HashBlockCRC(r io.ReaderAt, offset int64, realLen, hashBlockLen int64) (uint32, error) {
	buf := make([]byte, hashBlockLen)

	if realLen > 0 {
		n, err := r.ReadAt(buf[:realLen], offset)
		if err != nil && err != io.EOF {
			return 0, fmt.Errorf("crcmanifest: reading hash-block at %d: %w", offset, err)
		}

		// Any bytes beyond n (including an early EOF) stay zero, matching
		// the zero-fill-past-real-size read semantics of §6.
		_ = n
	}

	return crc32.ChecksumIEEE(buf), nil
}

// Check verifies hash-block index against the manifest, returning whether
// it matches and the computed CRC.
func (m *Manifest) Check(index int, computed uint32) (bool, error) {
	if index < 0 || index >= len(m.Blocks) {
		return false, fmt.Errorf("crcmanifest: hash-block index %d out of range [0,%d)", index, len(m.Blocks))
	}

	return m.Blocks[index] == computed, nil
}
