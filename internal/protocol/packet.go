// Package protocol implements the RCON wire format: length-prefixed little-
// endian binary frames carried over a stream transport.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Frame layout, little-endian throughout:
//
//	[4B length][4B request id][4B packet type][body][0x00 0x00]
//
// length counts everything after itself.
const (
	// headerSize covers the request id and packet type fields.
	headerSize = 8

	// wrapperSize is every non-body byte counted by the length prefix:
	// the header plus the two padding bytes that terminate the frame.
	wrapperSize = headerSize + 2
)

// MaxPacketSize caps outgoing packets. Requests carry short command
// text, so anything larger is a caller bug.
const MaxPacketSize = 4096

// MaxResponseSize caps incoming packets. Responses can be arbitrarily
// large observation dumps and the server chooses its own physical split
// size, so this is only a sanity bound against corrupt length prefixes.
const MaxResponseSize = 4 * 1024 * 1024

// PacketType identifies the purpose of a packet.
type PacketType int32

const (
	// TypeCommand carries a command to be executed by the server.
	TypeCommand PacketType = 2

	// TypeAuth carries the server password. Sent exactly once, as the
	// first packet after the transport is established.
	TypeAuth PacketType = 3
)

// AuthFailedID is the request id echoed by the server when authentication
// is rejected. Every other id indicates success; this client always sends
// id 0 and never correlates requests beyond this sentinel.
const AuthFailedID int32 = -1

var (
	ErrBadPadding     = errors.New("packet padding is not 0x00 0x00")
	ErrPacketTooLarge = errors.New("packet exceeds maximum size")
	ErrPacketTooSmall = errors.New("packet shorter than wire header")
)

// Packet is one physical RCON packet, request or response.
type Packet struct {
	ID   int32
	Type PacketType
	Body []byte
}

// WritePacket frames p and writes it to w as a single Write call, so a
// packet can never interleave with another writer's bytes on the same
// stream.
func WritePacket(w io.Writer, p Packet) error {
	size := len(p.Body) + wrapperSize
	if size > MaxPacketSize {
		return fmt.Errorf("%w: %d byte body", ErrPacketTooLarge, len(p.Body))
	}

	buf := make([]byte, 4+size)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(size))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(p.ID))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(p.Type))
	copy(buf[12:], p.Body)
	// The final two padding bytes are already zero.

	_, err := w.Write(buf)
	return err
}

// ReadPacket reads one physical packet from r, looping on partial reads
// until the full frame arrives. A stream that ends mid-frame yields
// io.ErrUnexpectedEOF. The returned body has the framing padding stripped.
func ReadPacket(r io.Reader) (Packet, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Packet{}, err
	}

	size := int32(binary.LittleEndian.Uint32(lenBuf[:]))
	if size < wrapperSize {
		return Packet{}, fmt.Errorf("%w: length %d", ErrPacketTooSmall, size)
	}
	if size > MaxResponseSize {
		return Packet{}, fmt.Errorf("%w: length %d", ErrPacketTooLarge, size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Packet{}, err
	}

	if payload[size-2] != 0 || payload[size-1] != 0 {
		return Packet{}, fmt.Errorf("%w: got %#02x %#02x",
			ErrBadPadding, payload[size-2], payload[size-1])
	}

	return Packet{
		ID:   int32(binary.LittleEndian.Uint32(payload[0:4])),
		Type: PacketType(binary.LittleEndian.Uint32(payload[4:8])),
		Body: payload[headerSize : size-2],
	}, nil
}
