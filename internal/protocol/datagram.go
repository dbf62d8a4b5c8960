package protocol

import (
	"encoding/binary"
	"fmt"
)

// Media datagram layout, big-endian:
//
//	[2B sender length][sender][8B frame id][4B total fragments]
//	[4B fragment index][2B payload length][payload]
//
// Frame ids are opaque keys scoped per sender. They wrap modulo 2^64, so
// receivers must not read them as a global ordering signal.
const fragmentHeaderSize = 8 + 4 + 4 + 2

// MaxFragmentPayload is the largest payload a single datagram may carry,
// limited by the 2-byte payload length field.
const MaxFragmentPayload = 65000

// Fragment is one parsed media datagram.
type Fragment struct {
	Sender  string
	FrameID uint64
	Total   uint32
	Index   uint32
	Payload []byte
}

// MarshalBinary encodes the fragment into a single datagram.
func (f *Fragment) MarshalBinary() ([]byte, error) {
	name := []byte(f.Sender)
	if len(name) == 0 || len(name) > 0xFFFF {
		return nil, fmt.Errorf("sender name length %d out of range", len(name))
	}
	if len(f.Payload) > 0xFFFF {
		return nil, fmt.Errorf("fragment payload %d exceeds 2-byte length field", len(f.Payload))
	}

	buf := make([]byte, 2+len(name)+fragmentHeaderSize+len(f.Payload))
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(name)))
	copy(buf[2:], name)
	off := 2 + len(name)
	binary.BigEndian.PutUint64(buf[off:], f.FrameID)
	binary.BigEndian.PutUint32(buf[off+8:], f.Total)
	binary.BigEndian.PutUint32(buf[off+12:], f.Index)
	binary.BigEndian.PutUint16(buf[off+16:], uint16(len(f.Payload)))
	copy(buf[off+18:], f.Payload)
	return buf, nil
}

// ParseFragment decodes one datagram. The payload is copied out of the
// receive buffer so callers may reuse it. Malformed or foreign traffic
// returns an error; relays drop it silently.
func ParseFragment(b []byte) (*Fragment, error) {
	if len(b) < 2 {
		return nil, fmt.Errorf("datagram too short for name length")
	}
	nameLen := int(binary.BigEndian.Uint16(b[0:2]))
	if nameLen == 0 || len(b) < 2+nameLen+fragmentHeaderSize {
		return nil, fmt.Errorf("datagram too short for header")
	}
	sender := string(b[2 : 2+nameLen])
	off := 2 + nameLen

	frameID := binary.BigEndian.Uint64(b[off:])
	total := binary.BigEndian.Uint32(b[off+8:])
	index := binary.BigEndian.Uint32(b[off+12:])
	payloadLen := int(binary.BigEndian.Uint16(b[off+16:]))

	if total == 0 || index >= total {
		return nil, fmt.Errorf("fragment index %d out of range for total %d", index, total)
	}
	if len(b) < off+fragmentHeaderSize+payloadLen {
		return nil, fmt.Errorf("datagram truncated: want %d payload bytes, have %d",
			payloadLen, len(b)-off-fragmentHeaderSize)
	}

	payload := make([]byte, payloadLen)
	copy(payload, b[off+fragmentHeaderSize:])
	return &Fragment{
		Sender:  sender,
		FrameID: frameID,
		Total:   total,
		Index:   index,
		Payload: payload,
	}, nil
}

// FragmentFrame splits a complete frame payload into tagged datagrams of at
// most chunkSize payload bytes each, ready for WriteToUDP.
func FragmentFrame(sender string, frameID uint64, payload []byte, chunkSize int) ([][]byte, error) {
	if chunkSize <= 0 || chunkSize > MaxFragmentPayload {
		return nil, fmt.Errorf("chunk size %d out of range", chunkSize)
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty frame payload")
	}

	total := uint32((len(payload) + chunkSize - 1) / chunkSize)
	packets := make([][]byte, 0, total)
	for idx := uint32(0); idx < total; idx++ {
		start := int(idx) * chunkSize
		end := start + chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		frag := Fragment{
			Sender:  sender,
			FrameID: frameID,
			Total:   total,
			Index:   idx,
			Payload: payload[start:end],
		}
		pkt, err := frag.MarshalBinary()
		if err != nil {
			return nil, err
		}
		packets = append(packets, pkt)
	}
	return packets, nil
}
