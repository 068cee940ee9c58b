// Package cm implements the transport and framing layer of Valve's Steam
// CM (Connection Manager) wire protocol: the encryption handshake, the
// three underlying transports (raw TCP, Valve's reliable-UDP protocol, and
// WebSocket), and a uniform send/receive façade above them. It does not
// interpret message contents — every payload it hands upward is an opaque
// byte slice; a higher layer (CM logon, schema-described messages, server
// discovery) is expected to sit on top of it.
package cm

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"
)

// Protocol selects the underlying transport a Client dials.
type Protocol int

const (
	ProtocolTCP Protocol = iota + 1
	ProtocolUDP
	ProtocolWebSocket
)

func (p Protocol) String() string {
	switch p {
	case ProtocolTCP:
		return "tcp"
	case ProtocolUDP:
		return "udp"
	case ProtocolWebSocket:
		return "websocket"
	default:
		return "unknown"
	}
}

// Endpoint is a CM server address. The core takes no part in choosing or
// persisting these — a sibling server-list component is expected to
// supply them.
type Endpoint struct {
	Host string
	Port uint16
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, fmt.Sprintf("%d", e.Port))
}

// ConnectOptions configures a single transport connect attempt.
type ConnectOptions struct {
	Endpoint Endpoint

	// LocalAddress/LocalPort request an outgoing bind. Optional.
	LocalAddress string
	LocalPort    uint16

	// HTTPProxy, if set, is used as an HTTP CONNECT tunnel for TCP/WS
	// transports. Ignored by the UDP transport.
	HTTPProxy *url.URL

	// ProxyTimeout bounds the CONNECT handshake. Zero means the 5s
	// default from spec.
	ProxyTimeout time.Duration
}

// Events is the fixed set of callbacks a Transport reports through. A nil
// field is simply not invoked. All callbacks run on the transport's own
// goroutine(s); callers that need to touch shared state from them must
// synchronize themselves.
type Events struct {
	// OnConnect fires once the transport has finished its own handshake
	// (immediately for TCP/WS; after Accept for UDP, carrying the
	// server's reported load).
	OnConnect func(serverLoad *uint32)

	// OnPacket fires once per fully reassembled, framed payload, already
	// stripped of transport framing (and already decrypted when a
	// session-key cipher is installed).
	OnPacket func(payload []byte)

	// OnError fires on a TransportFatalError; OnClose then OnEnd follow.
	OnError func(err error)

	// OnEncryptionError fires when an inbound payload fails to decrypt.
	// The connection is not torn down.
	OnEncryptionError func(err error)

	// OnClose fires when the underlying socket has been closed.
	OnClose func()

	// OnEnd fires after OnClose, once all transport goroutines have
	// exited and the transport may be discarded.
	OnEnd func()

	// OnTimeout fires when the configured inactivity timer elapses. The
	// transport remains connected; the caller decides whether to Destroy.
	OnTimeout func()

	// OnDebug carries non-fatal, non-actionable diagnostics: dropped
	// malformed packets, re-acks, proxy negotiation steps.
	OnDebug func(msg string)
}

func (e Events) fireDebug(format string, args ...any) {
	if e.OnDebug != nil {
		e.OnDebug(fmt.Sprintf(format, args...))
	}
}

// Transport is the uniform capability surface of the three underlying CM
// transports (TCP, UDP, WebSocket). Each owns its own connection and
// reports through the Events it was constructed with.
type Transport interface {
	// Connect establishes the transport-level connection — for UDP this
	// includes the Valve-UDP ChallengeReq/Challenge/Connect/Accept
	// handshake, reported asynchronously via OnConnect once it completes.
	// The session-key handshake above this layer is an external
	// collaborator's concern; Connect itself returns once the socket (and,
	// for UDP, the datagram handshake kickoff) is underway.
	Connect(ctx context.Context, opts ConnectOptions) error

	// Send transmits one opaque payload. For TCP/WS this is exactly one
	// framed message; for UDP it may be split into several fragments.
	Send(ctx context.Context, payload []byte) error

	// End requests a graceful shutdown: TCP issues a half-close, UDP
	// sends Disconnect and waits for the ack (or a 15s fallback), WS
	// requests a close handshake. OnClose/OnEnd follow either way.
	End() error

	// Destroy tears the connection down unconditionally and
	// synchronously: closes the socket, cancels timers, and fires
	// OnClose then OnEnd. Safe to call more than once.
	Destroy() error

	// SetTimeout arms (or, with d<=0, disarms) the inactivity timer that
	// fires OnTimeout. It resets on every successful read.
	SetTimeout(d time.Duration)
}
