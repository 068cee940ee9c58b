package cm

import "time"

// outPacketRecord is an outbound packet awaiting ack, per spec.md §3's
// "Outbound packet record". Lives in udpTransport.outPackets, ordered by
// Seq, until the peer's ack passes it.
type outPacketRecord struct {
	Seq          uint32
	Type         udpPacketType
	PacketsInMsg uint32
	MsgStartSeq  uint32
	MsgSize      uint32
	Payload      []byte

	sendCount   int
	firstSentAt int64 // unix nanos; 0 = never sent
	lastSentAt  int64
}

// sendFragmented fragments payload into MAX_PAYLOAD-sized pieces, each
// assigned the next outSeq, and enqueues them in outPackets, per spec.md
// §4.D.2. An empty payload (ChallengeReq, Disconnect) still gets exactly
// one fragment.
func (u *udpTransport) sendFragmented(typ udpPacketType, payload []byte) error {
	u.mu.Lock()

	packetsInMsg := (len(payload) + maxUDPPayload - 1) / maxUDPPayload
	if packetsInMsg == 0 {
		packetsInMsg = 1
	}
	msgStartSeq := u.outSeq
	msgSize := uint32(len(payload))

	for i := 0; i < packetsInMsg; i++ {
		start := i * maxUDPPayload
		end := start + maxUDPPayload
		if end > len(payload) {
			end = len(payload)
		}
		seq := u.outSeq
		u.outSeq++

		rec := outPacketRecord{
			Seq:          seq,
			Type:         typ,
			PacketsInMsg: uint32(packetsInMsg),
			MsgStartSeq:  msgStartSeq,
			MsgSize:      msgSize,
			Payload:      append([]byte(nil), payload[start:end]...),
		}
		u.outPackets.Insert(rec)
	}
	u.mu.Unlock()

	return u.flushOutgoingBuffer()
}

// flushOutgoingBuffer walks out_packets in ascending seq, drops acked
// entries, transmits newly-eligible ones within the AHEAD_COUNT window,
// and resends/times-out already-sent ones. Invoked on enqueue, on every
// ack advance, and every 500ms while Connected, per spec.md §4.D.2.
func (u *udpTransport) flushOutgoingBuffer() error {
	u.mu.Lock()

	var toDelete []uint32
	var toSend []outPacketRecord
	var toResend []outPacketRecord
	timedOut := false

	now := time.Now().UnixNano()
	sent := u.outSeqSent

	u.outPackets.Ascend(func(rec outPacketRecord) bool {
		if rec.Seq <= u.outSeqAcked {
			toDelete = append(toDelete, rec.Seq)
			return true
		}
		if rec.firstSentAt == 0 {
			if sent < u.outSeqAcked+udpAheadCount {
				toSend = append(toSend, rec)
				if rec.Seq > sent {
					sent = rec.Seq
				}
				return true
			}
			return false // window full; later seqs are also unsent
		}
		if now-rec.firstSentAt >= int64(udpAckTimeout) {
			timedOut = true
			return false
		}
		if now-rec.lastSentAt >= int64(udpResendDelay) {
			toResend = append(toResend, rec)
		}
		return true
	})
	for _, seq := range toDelete {
		u.outPackets.Delete(seq)
	}
	u.mu.Unlock()

	if timedOut {
		u.fail(fatalf("udp", errConnectionTimedOut))
		return errConnectionTimedOut
	}

	for _, rec := range toSend {
		if err := u.transmitRecord(rec); err != nil {
			return err
		}
	}
	for _, rec := range toResend {
		if err := u.transmitRecord(rec); err != nil {
			return err
		}
	}

	u.mu.Lock()
	disconnecting := u.state == udpDisconnecting
	caughtUp := u.outSeqAcked >= u.outSeqSent
	u.mu.Unlock()
	if disconnecting && caughtUp {
		u.Destroy()
	}

	return nil
}

// transmitRecord puts an out_packets entry on the wire (first send or a
// resend) and applies spec.md §4.D.3's wire-emission bookkeeping.
func (u *udpTransport) transmitRecord(rec outPacketRecord) error {
	u.mu.Lock()
	h := udpHeader{
		PayloadLen:   uint16(len(rec.Payload)),
		Type:         rec.Type,
		SourceConnID: u.sourceConnID,
		DestConnID:   u.destConnID,
		Seq:          rec.Seq,
		Ack:          u.inSeq,
		PacketsInMsg: rec.PacketsInMsg,
		MsgStartSeq:  rec.MsgStartSeq,
		MsgSize:      rec.MsgSize,
	}
	raw := encodeUDPPacket(h, rec.Payload)

	u.inSeqAcked = u.inSeq
	u.cancelDeferredAckLocked()
	if u.outSeqSent < rec.Seq {
		u.outSeqSent = rec.Seq
	}

	now := time.Now().UnixNano()
	updated := rec
	if updated.firstSentAt == 0 {
		updated.firstSentAt = now
	}
	updated.lastSentAt = now
	updated.sendCount++
	u.outPackets.Insert(updated)
	u.mu.Unlock()

	return u.writeDatagram(raw)
}

// sendPureAck emits an ack-only Datagram packet, bypassing out_packets
// entirely, per spec.md §3/§4.D.2's "Pure-ack Datagram packets bypass
// the queue" rule.
func (u *udpTransport) sendPureAck() error {
	u.mu.Lock()
	h := udpHeader{
		Type:         udpDatagram,
		SourceConnID: u.sourceConnID,
		DestConnID:   u.destConnID,
		Ack:          u.inSeq,
	}
	raw := encodeUDPPacket(h, nil)
	u.inSeqAcked = u.inSeq
	u.cancelDeferredAckLocked()
	u.mu.Unlock()

	return u.writeDatagram(raw)
}

// startFlushTicker begins the 500ms periodic flush while Connected, per
// spec.md §4.D.1.
func (u *udpTransport) startFlushTicker() {
	u.mu.Lock()
	if u.flushTicker != nil {
		u.mu.Unlock()
		return
	}
	u.flushTicker = time.NewTicker(udpFlushInterval)
	ticker := u.flushTicker
	eg := u.eg
	u.mu.Unlock()

	eg.Go(func() error {
		for {
			select {
			case <-u.done:
				return nil
			case <-ticker.C:
				u.flushOutgoingBuffer()
			}
		}
	})
}
