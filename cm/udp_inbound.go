package cm

import (
	"encoding/binary"
	"net"
	"time"
)

// inPacketRecord is an inbound packet awaiting reassembly, per spec.md
// §3's "Inbound packet record". Lives in udpTransport.inPackets, ordered
// by Seq, until its whole message is reassembled and dispatched.
type inPacketRecord struct {
	Seq          uint32
	Type         udpPacketType
	PacketsInMsg uint32
	MsgStartSeq  uint32
	MsgSize      uint32
	Payload      []byte
}

// handleDatagram runs the ten validation/dispatch steps of spec.md
// §4.D.4 on one raw UDP datagram.
func (u *udpTransport) handleDatagram(from *net.UDPAddr, raw []byte) {
	u.mu.Lock()
	remote := u.remoteAddr
	u.mu.Unlock()
	if remote == nil || !from.IP.Equal(remote.IP) || from.Port != remote.Port {
		u.transient("datagram from unexpected address")
		return
	}

	h, payload, err := decodeUDPPacket(raw)
	if err != nil {
		u.transient(err.Error())
		return
	}

	u.mu.Lock()

	if u.destConnID == 0 && h.SourceConnID != 0 {
		u.destConnID = h.SourceConnID
	} else if u.destConnID != 0 && h.SourceConnID != u.destConnID {
		u.mu.Unlock()
		u.transient("source_conn_id mismatch")
		return
	}

	if h.DestConnID != u.sourceConnID {
		u.mu.Unlock()
		u.transient("dest_conn_id mismatch")
		return
	}

	if h.Ack > u.outSeqAcked {
		u.outSeqAcked = h.Ack
		u.mu.Unlock()
		u.flushOutgoingBuffer()
		u.flushIncomingBuffer()
		u.mu.Lock()
	}

	if h.Seq > 0 && h.Seq <= u.inSeq {
		u.mu.Unlock()
		u.queueAck()
		return
	}

	if h.Type == udpDatagram {
		u.mu.Unlock()
		return
	}

	rec := inPacketRecord{
		Seq:          h.Seq,
		Type:         h.Type,
		PacketsInMsg: h.PacketsInMsg,
		MsgStartSeq:  h.MsgStartSeq,
		MsgSize:      h.MsgSize,
		Payload:      append([]byte(nil), payload...),
	}
	u.inPackets.Insert(rec)
	u.mu.Unlock()

	u.flushIncomingBuffer()

	if h.PacketsInMsg > 3 && ((h.Seq-h.MsgStartSeq)+1)%2 == 0 {
		u.sendPureAck()
	}
}

// cancelDeferredAckLocked cancels any pending 10ms deferred ack. Must be
// called with u.mu held.
func (u *udpTransport) cancelDeferredAckLocked() {
	if u.ackTimer != nil {
		u.ackTimer.Stop()
		u.ackTimer = nil
	}
}

// queueAck schedules the 10ms deferred pure-ack of spec.md §4.D.4, unless
// one is already pending. A piggy-backed ack on any other outbound
// packet cancels it first.
func (u *udpTransport) queueAck() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.ackTimer != nil {
		return
	}
	u.ackTimer = time.AfterFunc(udpDeferredAckDelay, func() {
		u.mu.Lock()
		fire := u.inSeqAcked < u.inSeq
		u.ackTimer = nil
		u.mu.Unlock()
		if fire {
			u.sendPureAck()
		}
	})
}

// flushIncomingBuffer advances in_seq over the longest contiguous
// prefix, then drains every fully-arrived message in order, per spec.md
// §4.D.4.
func (u *udpTransport) flushIncomingBuffer() {
	u.mu.Lock()
	expected := u.inSeq + 1
	grew := false
	u.inPackets.AscendFrom(expected, func(rec inPacketRecord) bool {
		if rec.Seq != expected {
			return false
		}
		expected++
		grew = true
		return true
	})
	if grew {
		u.inSeq = expected - 1
	}
	u.mu.Unlock()

	if grew {
		u.queueAck()
	}

	for {
		if !u.drainOneMessage() {
			break
		}
	}

	u.mu.Lock()
	disconnecting := u.state == udpDisconnecting
	caughtUp := u.outSeqAcked >= u.outSeqSent
	u.mu.Unlock()
	if disconnecting && caughtUp {
		u.Destroy()
	}
}

// drainOneMessage reassembles and dispatches a single complete message
// at the head of in_packets, if one is ready. Returns true if it made
// progress (dispatched or discarded a stale/malformed entry) and the
// caller should loop again.
func (u *udpTransport) drainOneMessage() bool {
	u.mu.Lock()

	var head inPacketRecord
	found := false
	u.inPackets.Ascend(func(rec inPacketRecord) bool {
		head = rec
		found = true
		return false
	})
	if !found {
		u.mu.Unlock()
		return false
	}

	if head.Seq <= u.inSeqHandled {
		u.inPackets.Delete(head.Seq)
		u.mu.Unlock()
		return true
	}

	if head.Seq != head.MsgStartSeq {
		u.mu.Unlock()
		return false
	}

	recs := make([]inPacketRecord, 0, head.PacketsInMsg)
	for i := uint32(0); i < head.PacketsInMsg; i++ {
		rec, ok := u.inPackets.Get(head.MsgStartSeq + i)
		if !ok {
			u.mu.Unlock()
			return false // missing piece; can't proceed yet
		}
		recs = append(recs, rec)
	}

	for _, rec := range recs {
		u.inPackets.Delete(rec.Seq)
	}
	u.inSeqHandled = head.MsgStartSeq + head.PacketsInMsg - 1
	u.mu.Unlock()

	for _, rec := range recs {
		if rec.MsgSize != head.MsgSize || rec.Type != head.Type ||
			rec.MsgStartSeq != head.MsgStartSeq || rec.PacketsInMsg != head.PacketsInMsg {
			return true // mismatched fragment set; discard silently
		}
	}

	payload := make([]byte, 0, head.MsgSize)
	for _, rec := range recs {
		payload = append(payload, rec.Payload...)
	}
	if uint32(len(payload)) != head.MsgSize {
		return true // size mismatch; discard
	}

	u.handleMessage(head.Type, payload)
	return true
}

// handleMessage dispatches one reassembled message by type against the
// current handshake state, per spec.md §4.D.5.
func (u *udpTransport) handleMessage(typ udpPacketType, payload []byte) {
	u.mu.Lock()
	state := u.state
	u.mu.Unlock()

	switch {
	case typ == udpChallenge && state == udpChallengeReqSent:
		response, serverLoad, err := challengeResponseValue(payload)
		if err != nil {
			u.transient(err.Error())
			return
		}
		u.mu.Lock()
		u.serverLoad = serverLoad
		u.state = udpConnectSent
		u.mu.Unlock()

		connectPayload := make([]byte, 4)
		binary.LittleEndian.PutUint32(connectPayload, response)
		u.sendFragmented(udpConnect, connectPayload)

	case typ == udpAccept && state == udpConnectSent:
		u.mu.Lock()
		u.state = udpConnected
		serverLoad := u.serverLoad
		u.mu.Unlock()
		u.startFlushTicker()
		if u.events.OnConnect != nil {
			sl := serverLoad
			u.events.OnConnect(&sl)
		}

	case typ == udpData && state == udpConnected:
		u.mu.Lock()
		cipher := u.cipher
		u.mu.Unlock()
		plain := payload
		if cipher != nil {
			var err error
			plain, err = cipher.decrypt(payload)
			if err != nil {
				if u.events.OnEncryptionError != nil {
					u.events.OnEncryptionError(&EncryptionError{Err: err})
				}
				return
			}
		}
		if u.events.OnPacket != nil {
			u.events.OnPacket(plain)
		}

	case typ == udpDisconnect && (state == udpConnected || state == udpDisconnecting):
		u.sendPureAck()
		u.Destroy()

	default:
		u.handshakeFailure(state, typ)
	}
}
