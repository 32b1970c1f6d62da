// Package wire implements the fixed little-endian UDP packet format the
// discovery and exchange workers use to find peers and hand off queue pair
// parameters (SPEC_FULL.md section 4.7). The layout is deliberately fixed
// on the wire rather than host-native: the original implementation left
// this ambiguous (a REDESIGN FLAG), and two nodes on the same IB fabric are
// not guaranteed to share endianness.
package wire

import "encoding/binary"

// MaxQPsPerConnection bounds the qpIds array carried by a packet. Kept in
// sync with the verbs/connection layer's own limit.
const MaxQPsPerConnection = 2

const magic uint32 = 0xBEEFCA4E

// PacketType enumerates the three datagram shapes exchanged between peers.
type PacketType uint32

const (
	PacketDiscoveryRequest  PacketType = 0
	PacketDiscoveryResponse PacketType = 1
	PacketConnectionInfo    PacketType = 2
)

// UnusedQPID marks an empty slot in Packet.QPIds.
const UnusedQPID uint32 = 0xFFFFFFFF

// packetSize is fixed: 4 (magic) + 4 (type) + 2 (nodeId) + 4 (ident) +
// 2 (lid) + 4*MaxQPsPerConnection (qpIds).
const packetSize = 4 + 4 + 2 + 4 + 2 + 4*MaxQPsPerConnection

// Packet is the decoded form of one discovery/exchange datagram.
type Packet struct {
	Type   PacketType
	NodeID uint16
	Ident  uint32
	LID    uint16
	QPIds  [MaxQPsPerConnection]uint32
}

// Marshal encodes p into its fixed little-endian wire representation.
func Marshal(p Packet) []byte {
	buf := make([]byte, packetSize)
	off := 0
	binary.LittleEndian.PutUint32(buf[off:], magic)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(p.Type))
	off += 4
	binary.LittleEndian.PutUint16(buf[off:], p.NodeID)
	off += 2
	binary.LittleEndian.PutUint32(buf[off:], p.Ident)
	off += 4
	binary.LittleEndian.PutUint16(buf[off:], p.LID)
	off += 2
	for _, id := range p.QPIds {
		binary.LittleEndian.PutUint32(buf[off:], id)
		off += 4
	}
	return buf
}

// Unmarshal decodes data into a Packet. It returns ok=false (no error) for
// a too-short datagram or one with the wrong magic, both of which the
// caller should drop silently per SPEC_FULL.md section 4.7.
func Unmarshal(data []byte) (Packet, bool) {
	if len(data) < packetSize {
		return Packet{}, false
	}
	off := 0
	if binary.LittleEndian.Uint32(data[off:]) != magic {
		return Packet{}, false
	}
	off += 4

	var p Packet
	p.Type = PacketType(binary.LittleEndian.Uint32(data[off:]))
	off += 4
	p.NodeID = binary.LittleEndian.Uint16(data[off:])
	off += 2
	p.Ident = binary.LittleEndian.Uint32(data[off:])
	off += 4
	p.LID = binary.LittleEndian.Uint16(data[off:])
	off += 2
	for i := range p.QPIds {
		p.QPIds[i] = binary.LittleEndian.Uint32(data[off:])
		off += 4
	}
	return p, true
}

// QPIdsFromSlice packs a variable-length slice of physical QP numbers into
// a fixed array, padding unused trailing slots with UnusedQPID.
func QPIdsFromSlice(ids []uint32) [MaxQPsPerConnection]uint32 {
	var out [MaxQPsPerConnection]uint32
	for i := range out {
		out[i] = UnusedQPID
	}
	copy(out[:], ids)
	return out
}

// QPIdsToSlice unpacks a fixed array back to a slice, truncating at the
// first UnusedQPID sentinel.
func QPIdsToSlice(ids [MaxQPsPerConnection]uint32) []uint32 {
	out := make([]uint32, 0, MaxQPsPerConnection)
	for _, id := range ids {
		if id == UnusedQPID {
			break
		}
		out = append(out, id)
	}
	return out
}
