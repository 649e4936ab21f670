// Package wire implements the peer-to-peer packet format: a 1-byte message
// type, a 2-byte magic field, and a 2-byte sequence number common to every
// datagram, followed by a body whose shape depends on the type.
//
// The framing style (magic bytes, fixed-width big-endian header fields
// parsed by hand) follows S7evinK-pinecone's router.Peer wire reader rather
// than internal/protocol's gob-free but untagged structs, since this is a
// byte-exact cross-implementation format rather than an in-process message.
package wire

import (
	"encoding/binary"
	"errors"
)

// Magic identifies a datagram as belonging to this protocol version, the
// same role types.FrameMagicBytes plays in pinecone's switch fabric.
var Magic = [2]byte{0xb1, 0x7b}

// ErrMalformed is returned by Decode for any datagram too short for its
// declared type, or carrying an unrecognized type byte.
var ErrMalformed = errors.New("wire: malformed datagram")

type Type uint8

const (
	TypeSyncRequest Type = iota
	TypeSyncReply
	TypeInput
	TypeInputAck
	TypeQualityReport
	TypeQualityReply
	TypeKeepAlive
)

const headerLen = 1 + 2 + 2 // type + magic + sequence

// SyncRequestBody carries the nonce exchanged during the handshake.
type SyncRequestBody struct {
	Nonce uint32
}

// SyncReplyBody echoes the nonce back to prove liveness.
type SyncReplyBody struct {
	Nonce uint32
}

// QueueStatus is one queue's connection status as reported by the sender,
// packed as 1 bit disconnected + a signed 31-bit last_frame.
type QueueStatus struct {
	Disconnected bool
	LastFrame    int32
}

// InputBody carries a delta-encoded run of inputs for one or more queues,
// each queue's connect-status view as known by the sender, and a piggybacked
// ack of the highest frame the sender has decoded from its peer.
type InputBody struct {
	StartFrame uint32
	Statuses   []QueueStatus
	Bits       []byte
	AckFrame   uint32
}

// InputAckBody carries a standalone ack, sent when no input is pending.
type InputAckBody struct {
	AckFrame uint32
}

// QualityReportBody is the periodic ping/frame-advantage probe.
type QualityReportBody struct {
	FrameAdvantage int8
	PingTimestamp  uint32
}

// QualityReplyBody echoes the timestamp from a QualityReportBody.
type QualityReplyBody struct {
	EchoTimestamp uint32
}

// Packet is a decoded datagram: exactly one of its Body fields is non-nil,
// selected by Type.
type Packet struct {
	Type     Type
	Sequence uint16

	SyncRequest   *SyncRequestBody
	SyncReply     *SyncReplyBody
	Input         *InputBody
	InputAck      *InputAckBody
	QualityReport *QualityReportBody
	QualityReply  *QualityReplyBody
}

// EncodeSyncRequest builds a SyncRequest datagram.
func EncodeSyncRequest(seq uint16, nonce uint32) []byte {
	buf := header(TypeSyncRequest, seq, 4)
	binary.BigEndian.PutUint32(buf[headerLen:], nonce)
	return buf
}

// EncodeSyncReply builds a SyncReply datagram.
func EncodeSyncReply(seq uint16, nonce uint32) []byte {
	buf := header(TypeSyncReply, seq, 4)
	binary.BigEndian.PutUint32(buf[headerLen:], nonce)
	return buf
}

// EncodeInput builds an Input datagram per spec.md §6:
// u32 start_frame · u16 num_bits · u8 per-queue count · per-queue
// ConnectionStatus · the encoded input bits themselves · u32 ack_frame.
func EncodeInput(seq uint16, body InputBody) []byte {
	size := 4 + 2 + 1 + len(body.Statuses)*4 + len(body.Bits) + 4
	buf := header(TypeInput, seq, size)
	off := headerLen

	binary.BigEndian.PutUint32(buf[off:], body.StartFrame)
	off += 4
	binary.BigEndian.PutUint16(buf[off:], uint16(len(body.Bits)*8))
	off += 2
	buf[off] = uint8(len(body.Statuses))
	off++
	for _, st := range body.Statuses {
		v := uint32(st.LastFrame) & 0x7fffffff
		if st.Disconnected {
			v |= 0x80000000
		}
		binary.BigEndian.PutUint32(buf[off:], v)
		off += 4
	}
	// v packs last_frame into the low 31 bits of its two's-complement form;
	// decodeInputBody recovers the sign by shifting that field back up to
	// bit 31 and arithmetic-shifting it down again.
	copy(buf[off:], body.Bits)
	off += len(body.Bits)
	binary.BigEndian.PutUint32(buf[off:], body.AckFrame)

	return buf
}

// EncodeInputAck builds a standalone InputAck datagram.
func EncodeInputAck(seq uint16, ackFrame uint32) []byte {
	buf := header(TypeInputAck, seq, 4)
	binary.BigEndian.PutUint32(buf[headerLen:], ackFrame)
	return buf
}

// EncodeQualityReport builds a QualityReport datagram.
func EncodeQualityReport(seq uint16, frameAdvantage int8, pingTimestampMS uint32) []byte {
	buf := header(TypeQualityReport, seq, 5)
	buf[headerLen] = byte(frameAdvantage)
	binary.BigEndian.PutUint32(buf[headerLen+1:], pingTimestampMS)
	return buf
}

// EncodeQualityReply builds a QualityReply datagram.
func EncodeQualityReply(seq uint16, echoTimestamp uint32) []byte {
	buf := header(TypeQualityReply, seq, 4)
	binary.BigEndian.PutUint32(buf[headerLen:], echoTimestamp)
	return buf
}

// EncodeKeepAlive builds an empty-body KeepAlive datagram.
func EncodeKeepAlive(seq uint16) []byte {
	return header(TypeKeepAlive, seq, 0)
}

func header(t Type, seq uint16, bodyLen int) []byte {
	buf := make([]byte, headerLen+bodyLen)
	buf[0] = byte(t)
	buf[1], buf[2] = Magic[0], Magic[1]
	binary.BigEndian.PutUint16(buf[3:5], seq)
	return buf
}

// Decode parses a datagram into a Packet. It returns ErrMalformed on a short
// buffer, a magic mismatch, an unknown type byte, or a body shorter than its
// type requires; it never panics on adversarial bytes.
func Decode(data []byte) (Packet, error) {
	if len(data) < headerLen {
		return Packet{}, ErrMalformed
	}
	if data[1] != Magic[0] || data[2] != Magic[1] {
		return Packet{}, ErrMalformed
	}

	pkt := Packet{
		Type:     Type(data[0]),
		Sequence: binary.BigEndian.Uint16(data[3:5]),
	}
	body := data[headerLen:]

	switch pkt.Type {
	case TypeSyncRequest:
		if len(body) < 4 {
			return Packet{}, ErrMalformed
		}
		pkt.SyncRequest = &SyncRequestBody{Nonce: binary.BigEndian.Uint32(body)}

	case TypeSyncReply:
		if len(body) < 4 {
			return Packet{}, ErrMalformed
		}
		pkt.SyncReply = &SyncReplyBody{Nonce: binary.BigEndian.Uint32(body)}

	case TypeInput:
		in, err := decodeInputBody(body)
		if err != nil {
			return Packet{}, err
		}
		pkt.Input = in

	case TypeInputAck:
		if len(body) < 4 {
			return Packet{}, ErrMalformed
		}
		pkt.InputAck = &InputAckBody{AckFrame: binary.BigEndian.Uint32(body)}

	case TypeQualityReport:
		if len(body) < 5 {
			return Packet{}, ErrMalformed
		}
		pkt.QualityReport = &QualityReportBody{
			FrameAdvantage: int8(body[0]),
			PingTimestamp:  binary.BigEndian.Uint32(body[1:5]),
		}

	case TypeQualityReply:
		if len(body) < 4 {
			return Packet{}, ErrMalformed
		}
		pkt.QualityReply = &QualityReplyBody{EchoTimestamp: binary.BigEndian.Uint32(body)}

	case TypeKeepAlive:
		// empty body

	default:
		return Packet{}, ErrMalformed
	}

	return pkt, nil
}

func decodeInputBody(body []byte) (*InputBody, error) {
	if len(body) < 4+2+1 {
		return nil, ErrMalformed
	}
	off := 0
	startFrame := binary.BigEndian.Uint32(body[off:])
	off += 4
	numBits := binary.BigEndian.Uint16(body[off:])
	off += 2
	count := int(body[off])
	off++

	if len(body) < off+count*4 {
		return nil, ErrMalformed
	}
	statuses := make([]QueueStatus, count)
	for i := 0; i < count; i++ {
		v := binary.BigEndian.Uint32(body[off:])
		off += 4
		lastFrame31 := v & 0x7fffffff
		statuses[i] = QueueStatus{
			Disconnected: v&0x80000000 != 0,
			LastFrame:    int32(lastFrame31<<1) >> 1,
		}
	}

	numBytes := int(numBits+7) / 8
	if len(body) < off+numBytes+4 {
		return nil, ErrMalformed
	}
	bits := make([]byte, numBytes)
	copy(bits, body[off:off+numBytes])
	off += numBytes

	ackFrame := binary.BigEndian.Uint32(body[off:])

	return &InputBody{
		StartFrame: startFrame,
		Statuses:   statuses,
		Bits:       bits,
		AckFrame:   ackFrame,
	}, nil
}

// SequenceNewer reports whether seq is more recent than last, wrapping
// modulo 2^16 and treating a gap of more than half the window as stale per
// spec.md §6.
func SequenceNewer(seq, last uint16) bool {
	diff := seq - last
	return diff != 0 && diff < 0x8000
}
