package cm

import (
	"encoding/binary"
	"fmt"
)

// udpMagic is the 4-byte ASCII marker "VS01" opening every Valve-UDP
// packet, little-endian when read as a uint32.
const udpMagic uint32 = 0x31305356 // "VS01"

// maxUDPPayload is the largest payload a single Valve-UDP packet may
// carry; messages larger than this are fragmented across consecutive
// sequence numbers, per spec.md §3/§4.D.2.
const maxUDPPayload = 1244

// udpHeaderLen is the fixed 36-byte header size of spec.md §3's UDP
// packet layout.
const udpHeaderLen = 4 + 2 + 1 + 1 + 4 + 4 + 4 + 4 + 4 + 4 + 4

// udpPacketType enumerates the packet types of spec.md §3.
type udpPacketType uint8

const (
	udpInvalid udpPacketType = iota
	udpChallengeReq
	udpChallenge
	udpConnect
	udpAccept
	udpData
	udpDatagram
	udpDisconnect
)

func (t udpPacketType) String() string {
	switch t {
	case udpChallengeReq:
		return "ChallengeReq"
	case udpChallenge:
		return "Challenge"
	case udpConnect:
		return "Connect"
	case udpAccept:
		return "Accept"
	case udpData:
		return "Data"
	case udpDatagram:
		return "Datagram"
	case udpDisconnect:
		return "Disconnect"
	default:
		return "Invalid"
	}
}

// udpState enumerates the five handshake states of spec.md §4.D.1.
type udpState uint8

const (
	udpDisconnected udpState = iota
	udpChallengeReqSent
	udpConnectSent
	udpConnected
	udpDisconnecting
)

func (s udpState) String() string {
	switch s {
	case udpDisconnected:
		return "Disconnected"
	case udpChallengeReqSent:
		return "ChallengeReqSent"
	case udpConnectSent:
		return "ConnectSent"
	case udpConnected:
		return "Connected"
	case udpDisconnecting:
		return "Disconnecting"
	default:
		return "Unknown"
	}
}

// udpHeader is the wire-exact 36-byte header of spec.md §3.
type udpHeader struct {
	PayloadLen    uint16
	Type          udpPacketType
	Flags         uint8
	SourceConnID  uint32
	DestConnID    uint32
	Seq           uint32
	Ack           uint32
	PacketsInMsg  uint32
	MsgStartSeq   uint32
	MsgSize       uint32
}

// encodeUDPPacket serializes a header and payload into one on-wire
// datagram.
func encodeUDPPacket(h udpHeader, payload []byte) []byte {
	out := make([]byte, udpHeaderLen+len(payload))
	binary.LittleEndian.PutUint32(out[0:4], udpMagic)
	binary.LittleEndian.PutUint16(out[4:6], h.PayloadLen)
	out[6] = byte(h.Type)
	out[7] = h.Flags
	binary.LittleEndian.PutUint32(out[8:12], h.SourceConnID)
	binary.LittleEndian.PutUint32(out[12:16], h.DestConnID)
	binary.LittleEndian.PutUint32(out[16:20], h.Seq)
	binary.LittleEndian.PutUint32(out[20:24], h.Ack)
	binary.LittleEndian.PutUint32(out[24:28], h.PacketsInMsg)
	binary.LittleEndian.PutUint32(out[28:32], h.MsgStartSeq)
	binary.LittleEndian.PutUint32(out[32:36], h.MsgSize)
	copy(out[udpHeaderLen:], payload)
	return out
}

// decodeUDPPacket parses a raw datagram into a header and payload slice.
// It validates magic, payload_len bounds, the packet type range, and that
// the declared length matches what actually arrived — the structural
// checks of spec.md §4.D.4 step 3. The returned payload aliases buf.
func decodeUDPPacket(buf []byte) (udpHeader, []byte, error) {
	if len(buf) < udpHeaderLen {
		return udpHeader{}, nil, fmt.Errorf("short packet: %d bytes", len(buf))
	}

	magic := binary.LittleEndian.Uint32(buf[0:4])
	if magic != udpMagic {
		return udpHeader{}, nil, fmt.Errorf("bad magic: 0x%08X", magic)
	}

	h := udpHeader{
		PayloadLen:   binary.LittleEndian.Uint16(buf[4:6]),
		Type:         udpPacketType(buf[6]),
		Flags:        buf[7],
		SourceConnID: binary.LittleEndian.Uint32(buf[8:12]),
		DestConnID:   binary.LittleEndian.Uint32(buf[12:16]),
		Seq:          binary.LittleEndian.Uint32(buf[16:20]),
		Ack:          binary.LittleEndian.Uint32(buf[20:24]),
		PacketsInMsg: binary.LittleEndian.Uint32(buf[24:28]),
		MsgStartSeq:  binary.LittleEndian.Uint32(buf[28:32]),
		MsgSize:      binary.LittleEndian.Uint32(buf[32:36]),
	}

	if h.PayloadLen > maxUDPPayload {
		return udpHeader{}, nil, fmt.Errorf("payload_len %d exceeds max %d", h.PayloadLen, maxUDPPayload)
	}
	if h.Type == udpInvalid || h.Type > udpDisconnect {
		return udpHeader{}, nil, fmt.Errorf("packet type %d out of range", h.Type)
	}
	rest := buf[udpHeaderLen:]
	if uint16(len(rest)) != h.PayloadLen {
		return udpHeader{}, nil, fmt.Errorf("payload length mismatch: header says %d, got %d", h.PayloadLen, len(rest))
	}

	return h, rest, nil
}
