// Package protocol implements the dnbd3 wire format (spec §6): fixed-layout
// 24-byte requests, 16-byte replies, little-endian on the wire. This layout
// is an inherited compatibility constraint, not something this codebase is
// free to redesign.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Magic is the 2-byte constant that starts every request/reply header.
const Magic uint16 = 0x7372

// Command identifies the operation of a request/reply.
type Command uint16

const (
	CmdGetBlock    Command = 1
	CmdSelectImage Command = 2
	CmdGetServers  Command = 3
	CmdError       Command = 4
	CmdKeepAlive   Command = 5
	CmdGetCRC32    Command = 8
)

func (c Command) String() string {
	switch c {
	case CmdGetBlock:
		return "GET_BLOCK"
	case CmdSelectImage:
		return "SELECT_IMAGE"
	case CmdGetServers:
		return "GET_SERVERS"
	case CmdError:
		return "ERROR"
	case CmdKeepAlive:
		return "KEEPALIVE"
	case CmdGetCRC32:
		return "GET_CRC32"
	default:
		return fmt.Sprintf("CMD(%d)", uint16(c))
	}
}

// RequestHeaderSize is the fixed 24-byte request layout:
// magic(2) cmd(2) size(4) offset(8, high byte reused as hop count) handle(8).
const RequestHeaderSize = 24

// ReplyHeaderSize is the fixed 16-byte reply layout: magic(2) cmd(2) size(4) handle(8).
const ReplyHeaderSize = 16

// BlockSize is the 4 KiB cache-map granularity.
const BlockSize = 4096

// HashBlockSize is the 16 MiB CRC-manifest granularity (4096 blocks).
const HashBlockSize = 4096 * BlockSize

// Request is a decoded 24-byte request header.
type Request struct {
	Cmd    Command
	Size   uint32
	Offset uint64 // high byte reused as hop count on the wire, see HopCount/WithHopCount
	Handle uint64
}

// HopCount extracts the hop counter smuggled into the offset's high byte.
func (r Request) HopCount() uint8 {
	return uint8(r.Offset >> 56)
}

// RealOffset returns the offset with the hop-count byte masked out.
func (r Request) RealOffset() uint64 {
	return r.Offset &^ (uint64(0xFF) << 56)
}

// EncodeRequest writes the 24-byte request header to w.
func EncodeRequest(w io.Writer, r Request) error {
	var buf [RequestHeaderSize]byte

	binary.LittleEndian.PutUint16(buf[0:2], Magic)
	binary.LittleEndian.PutUint16(buf[2:4], uint16(r.Cmd))
	binary.LittleEndian.PutUint32(buf[4:8], r.Size)
	binary.LittleEndian.PutUint64(buf[8:16], r.Offset)
	binary.LittleEndian.PutUint64(buf[16:24], r.Handle)

	_, err := w.Write(buf[:])

	return err
}

// DecodeRequest reads and validates a 24-byte request header from r.
func DecodeRequest(r io.Reader) (Request, error) {
	var buf [RequestHeaderSize]byte

	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Request{}, err
	}

	magic := binary.LittleEndian.Uint16(buf[0:2])
	if magic != Magic {
		return Request{}, fmt.Errorf("protocol: bad magic %#x", magic)
	}

	return Request{
		Cmd:    Command(binary.LittleEndian.Uint16(buf[2:4])),
		Size:   binary.LittleEndian.Uint32(buf[4:8]),
		Offset: binary.LittleEndian.Uint64(buf[8:16]),
		Handle: binary.LittleEndian.Uint64(buf[16:24]),
	}, nil
}

// Reply is a decoded 16-byte reply header.
type Reply struct {
	Cmd    Command
	Size   uint32
	Handle uint64
}

// EncodeReply writes the 16-byte reply header to w.
func EncodeReply(w io.Writer, r Reply) error {
	var buf [ReplyHeaderSize]byte

	binary.LittleEndian.PutUint16(buf[0:2], Magic)
	binary.LittleEndian.PutUint16(buf[2:4], uint16(r.Cmd))
	binary.LittleEndian.PutUint32(buf[4:8], r.Size)
	binary.LittleEndian.PutUint64(buf[8:16], r.Handle)

	_, err := w.Write(buf[:])

	return err
}

// DecodeReply reads and validates a 16-byte reply header from r.
func DecodeReply(r io.Reader) (Reply, error) {
	var buf [ReplyHeaderSize]byte

	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Reply{}, err
	}

	magic := binary.LittleEndian.Uint16(buf[0:2])
	if magic != Magic {
		return Reply{}, fmt.Errorf("protocol: bad magic %#x", magic)
	}

	return Reply{
		Cmd:    Command(binary.LittleEndian.Uint16(buf[2:4])),
		Size:   binary.LittleEndian.Uint32(buf[4:8]),
		Handle: binary.LittleEndian.Uint64(buf[8:16]),
	}, nil
}

// MinProtocolVersion is the lowest SELECT_IMAGE protocol version this
// implementation will negotiate with (§4.5 probe step 2).
const MinProtocolVersion = 2

// SelectImagePayload is the decoded body following a SELECT_IMAGE reply.
type SelectImagePayload struct {
	ProtocolVersion uint16
	Name            string
	Revision        uint16
	VirtualSize     uint64
}

// EncodeSelectImagePayload serializes the SELECT_IMAGE reply body:
// version(u16) name(length-prefixed u16 + bytes) revision(u16) size(u64).
func EncodeSelectImagePayload(p SelectImagePayload) []byte {
	nameBytes := []byte(p.Name)
	buf := make([]byte, 2+2+len(nameBytes)+2+8)

	off := 0
	binary.LittleEndian.PutUint16(buf[off:], p.ProtocolVersion)
	off += 2
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(nameBytes)))
	off += 2
	copy(buf[off:], nameBytes)
	off += len(nameBytes)
	binary.LittleEndian.PutUint16(buf[off:], p.Revision)
	off += 2
	binary.LittleEndian.PutUint64(buf[off:], p.VirtualSize)

	return buf
}

// DecodeSelectImagePayload parses the body produced by EncodeSelectImagePayload.
func DecodeSelectImagePayload(buf []byte) (SelectImagePayload, error) {
	if len(buf) < 4 {
		return SelectImagePayload{}, fmt.Errorf("protocol: select-image payload too short")
	}

	var p SelectImagePayload

	off := 0
	p.ProtocolVersion = binary.LittleEndian.Uint16(buf[off:])
	off += 2

	nameLen := int(binary.LittleEndian.Uint16(buf[off:]))
	off += 2

	if len(buf) < off+nameLen+2+8 {
		return SelectImagePayload{}, fmt.Errorf("protocol: select-image payload truncated")
	}

	p.Name = string(buf[off : off+nameLen])
	off += nameLen

	p.Revision = binary.LittleEndian.Uint16(buf[off:])
	off += 2

	p.VirtualSize = binary.LittleEndian.Uint64(buf[off:])

	return p, nil
}

// AddressFamily tags a server_entry's address encoding (§6 GET_SERVERS reply).
type AddressFamily uint8

const (
	FamilyIPv4 AddressFamily = 2
	FamilyIPv6 AddressFamily = 10
)

// ServerEntrySize is the fixed-width server_entry record: a 16-byte address
// buffer, a u16 port, and a u8 family tag, 19 bytes total — wide enough to
// round-trip a full IPv6 address. See DESIGN.md for why this differs from
// the commonly cited 17-byte figure.
const ServerEntrySize = 19

// ServerEntry is one decoded entry of a GET_SERVERS reply.
type ServerEntry struct {
	Family AddressFamily
	Addr   [16]byte // IPv4 occupies the low 4 bytes when Family == FamilyIPv4
	Port   uint16
}

// EncodeServerEntry writes the 19-byte server_entry record.
func EncodeServerEntry(e ServerEntry) []byte {
	buf := make([]byte, ServerEntrySize)
	copy(buf[0:16], e.Addr[:])
	binary.BigEndian.PutUint16(buf[16:18], e.Port)
	buf[18] = byte(e.Family)

	return buf
}

// DecodeServerEntry parses one 19-byte server_entry record.
func DecodeServerEntry(buf []byte) (ServerEntry, error) {
	if len(buf) < ServerEntrySize {
		return ServerEntry{}, fmt.Errorf("protocol: short server_entry")
	}

	var e ServerEntry

	copy(e.Addr[:], buf[0:16])
	e.Port = binary.BigEndian.Uint16(buf[16:18])
	e.Family = AddressFamily(buf[18])

	return e, nil
}

// DecodeServerEntries parses as many whole ServerEntrySize records as fit
// in buf, discarding any trailing excess bytes (§6 "Excess bytes ... are
// discarded").
func DecodeServerEntries(buf []byte) []ServerEntry {
	n := len(buf) / ServerEntrySize

	out := make([]ServerEntry, 0, n)

	for i := 0; i < n; i++ {
		e, err := DecodeServerEntry(buf[i*ServerEntrySize : (i+1)*ServerEntrySize])
		if err != nil {
			break
		}

		out = append(out, e)
	}

	return out
}
