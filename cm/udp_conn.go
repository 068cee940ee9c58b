package cm

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// UDP timing constants, spec.md §4.D.2/§5.
const (
	udpAheadCount       = 5
	udpAckTimeout       = 15 * time.Second
	udpResendDelay      = 3 * time.Second
	udpDeferredAckDelay = 10 * time.Millisecond
	udpFlushInterval    = 500 * time.Millisecond
	udpDisconnectFallback = 15 * time.Second

	// udpChallengeXor is XORed into the server's challenge value before
	// it is echoed back in the Connect packet, per spec.md §4.D.1.
	udpChallengeXor uint32 = 0xA426DF2B
)

// udpTransport implements Transport over Valve's reliable-UDP protocol,
// spec.md §4.D. Unlike the TCP/WS transports it has no teacher precedent
// at all — structured in the same idiom (one goroutine per read loop, a
// mutex-guarded struct, OnXxx callbacks) but its ack/resend/fragmentation
// shape is grounded on the reliable-UDP reference code in the retrieval
// pack (PRUDP's session bookkeeping), not on any Steam-specific source.
type udpTransport struct {
	events Events

	mu         sync.Mutex
	conn       *net.UDPConn
	remoteAddr *net.UDPAddr
	destroyed  bool

	state        udpState
	sourceConnID uint32
	destConnID   uint32
	serverLoad   uint32

	cipher *channelCipher

	outSeq      uint32
	outSeqSent  uint32
	outSeqAcked uint32
	outPackets  *seqMap[outPacketRecord]

	inSeq        uint32
	inSeqAcked   uint32
	inSeqHandled uint32
	inPackets    *seqMap[inPacketRecord]

	flushTicker     *time.Ticker
	disconnectTimer *time.Timer
	ackTimer        *time.Timer

	timeout   time.Duration
	idleTimer *time.Timer

	done chan struct{}
	// eg coordinates the transport's background goroutines — the read
	// loop and the 500ms flush ticker — so Destroy can wait for a clean
	// shutdown of both with one call.
	eg *errgroup.Group
}

// NewUDPTransport constructs a Valve-UDP transport reporting through
// events.
func NewUDPTransport(events Events) Transport {
	return &udpTransport{events: events}
}

func (u *udpTransport) Connect(ctx context.Context, opts ConnectOptions) error {
	u.mu.Lock()
	if u.conn != nil {
		u.mu.Unlock()
		return ErrAlreadyConnected
	}
	u.mu.Unlock()

	remoteAddr, err := net.ResolveUDPAddr("udp", opts.Endpoint.String())
	if err != nil {
		return fatalf("udp resolve", err)
	}

	var localAddr *net.UDPAddr
	if opts.LocalAddress != "" || opts.LocalPort != 0 {
		localAddr = &net.UDPAddr{IP: net.ParseIP(opts.LocalAddress), Port: int(opts.LocalPort)}
	}

	conn, err := net.DialUDP("udp", localAddr, remoteAddr)
	if err != nil {
		return fatalf("udp dial", err)
	}

	u.mu.Lock()
	u.conn = conn
	u.remoteAddr = remoteAddr
	u.sourceConnID = nextConnID()
	u.state = udpChallengeReqSent
	u.outSeq = 1
	u.outPackets = newSeqMap(
		func(r outPacketRecord) uint32 { return r.Seq },
		func(seq uint32) outPacketRecord { return outPacketRecord{Seq: seq} },
	)
	u.inPackets = newSeqMap(
		func(r inPacketRecord) uint32 { return r.Seq },
		func(seq uint32) inPacketRecord { return inPacketRecord{Seq: seq} },
	)
	u.done = make(chan struct{})
	u.eg = new(errgroup.Group)
	u.mu.Unlock()

	u.eg.Go(func() error {
		u.readLoop()
		return nil
	})

	return u.sendFragmented(udpChallengeReq, nil)
}

// SetCipher installs the session-key cipher used directly by Data-packet
// send/receive, per spec.md §4.E ("the façade therefore gives the UDP
// transport the session key directly").
func (u *udpTransport) SetCipher(c *channelCipher) {
	u.mu.Lock()
	u.cipher = c
	u.mu.Unlock()
}

func (u *udpTransport) Send(ctx context.Context, payload []byte) error {
	u.mu.Lock()
	cipher := u.cipher
	connected := u.state == udpConnected
	u.mu.Unlock()

	if !connected {
		return ErrNotConnected
	}

	out := payload
	if cipher != nil {
		var err error
		out, err = cipher.encrypt(payload)
		if err != nil {
			return fmt.Errorf("encrypt: %w", err)
		}
	}
	return u.sendFragmented(udpData, out)
}

func (u *udpTransport) readLoop() {
	buf := make([]byte, 2048)
	for {
		u.mu.Lock()
		conn := u.conn
		u.mu.Unlock()
		if conn == nil {
			return
		}

		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-u.done:
				return
			default:
			}
			u.fail(fatalf("udp read", err))
			return
		}
		u.resetIdleTimer()
		u.handleDatagram(addr, append([]byte(nil), buf[:n]...))
	}
}

func (u *udpTransport) resetIdleTimer() {
	u.mu.Lock()
	timeout := u.timeout
	u.mu.Unlock()
	if timeout <= 0 {
		return
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if u.idleTimer != nil {
		u.idleTimer.Stop()
	}
	u.idleTimer = time.AfterFunc(timeout, func() {
		if u.events.OnTimeout != nil {
			u.events.OnTimeout()
		}
	})
}

func (u *udpTransport) SetTimeout(d time.Duration) {
	u.mu.Lock()
	u.timeout = d
	if d <= 0 && u.idleTimer != nil {
		u.idleTimer.Stop()
		u.idleTimer = nil
	}
	u.mu.Unlock()
	if d > 0 {
		u.resetIdleTimer()
	}
}

// fail reports a fatal transport error and tears the connection down.
func (u *udpTransport) fail(err error) {
	if u.events.OnError != nil {
		u.events.OnError(err)
	}
	// Destroy waits for the read loop and flush ticker, one of which is
	// usually the caller here.
	go u.Destroy()
}

// transient reports a recoverable per-datagram problem via OnDebug, per
// spec.md §7's TransportTransient kind.
func (u *udpTransport) transient(reason string) {
	u.events.fireDebug("%s", (&TransportTransientError{Reason: reason}).Error())
}

// handshakeFailure reports an unexpected packet for the current state,
// per spec.md §7's HandshakeFailure kind: logged, ignored.
func (u *udpTransport) handshakeFailure(state udpState, typ udpPacketType) {
	u.events.fireDebug("%s", (&HandshakeFailureError{State: state, Type: typ}).Error())
}

// End requests a graceful shutdown: send Disconnect, wait for the ack
// (or a 15s fallback), per spec.md §4.D.1's Disconnecting state.
func (u *udpTransport) End() error {
	u.mu.Lock()
	state := u.state
	u.mu.Unlock()
	if state != udpConnected {
		return ErrNotConnected
	}

	u.mu.Lock()
	u.state = udpDisconnecting
	u.disconnectTimer = time.AfterFunc(udpDisconnectFallback, func() {
		u.Destroy()
	})
	u.mu.Unlock()

	return u.sendFragmented(udpDisconnect, nil)
}

func (u *udpTransport) Destroy() error {
	u.mu.Lock()
	if u.destroyed {
		u.mu.Unlock()
		return nil
	}
	u.destroyed = true
	u.state = udpDisconnected
	conn := u.conn
	done := u.done
	eg := u.eg
	if u.flushTicker != nil {
		u.flushTicker.Stop()
	}
	if u.disconnectTimer != nil {
		u.disconnectTimer.Stop()
	}
	if u.ackTimer != nil {
		u.ackTimer.Stop()
	}
	if u.idleTimer != nil {
		u.idleTimer.Stop()
	}
	u.mu.Unlock()

	if done != nil {
		select {
		case <-done:
		default:
			close(done)
		}
	}
	if conn != nil {
		conn.Close()
	}

	if u.events.OnClose != nil {
		u.events.OnClose()
	}
	if eg != nil {
		eg.Wait()
	}
	if u.events.OnEnd != nil {
		u.events.OnEnd()
	}
	return nil
}

// writeDatagram puts a fully-formed packet on the wire. The socket is
// dialed to the remote endpoint, so every packet goes to that address.
func (u *udpTransport) writeDatagram(raw []byte) error {
	u.mu.Lock()
	conn := u.conn
	u.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	_, err := conn.Write(raw)
	return err
}

// challengeResponseValue computes the Connect payload's challenge value
// from a Challenge packet's payload, per spec.md §4.D.1/§8 scenario 1.
func challengeResponseValue(challengePayload []byte) (uint32, uint32, error) {
	if len(challengePayload) < 8 {
		return 0, 0, fmt.Errorf("short Challenge payload: %d bytes", len(challengePayload))
	}
	challenge := binary.LittleEndian.Uint32(challengePayload[0:4])
	serverLoad := binary.LittleEndian.Uint32(challengePayload[4:8])
	return challenge ^ udpChallengeXor, serverLoad, nil
}
