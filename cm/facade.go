package cm

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"
)

// FacadeEvents mirrors Events at the façade level — everything a higher-
// layer logon handler needs, per spec.md §6's "Upward events (façade)".
// message(header, body, responseCallback) from spec.md §4.E belongs to
// the thin CM-logon wrapper layered on top of this core, not to the
// payload-opaque transport façade itself.
type FacadeEvents struct {
	OnConnected       func(serverLoad *uint32)
	OnPacket          func(payload []byte)
	OnError           func(err error)
	OnEncryptionError func(err error)
	OnServers         func(servers []Endpoint)
	OnDebug           func(msg string)
}

// cipherSetter is implemented by all three transports; the façade uses
// it to install a session-key cipher without caring which concrete
// transport is active.
type cipherSetter interface {
	SetCipher(c *channelCipher)
}

// Option configures a Client at construction, following the teacher's
// functional-options convention.
type Option func(*Client)

// WithProtocol selects which underlying transport Connect will dial.
func WithProtocol(p Protocol) Option {
	return func(c *Client) { c.protocol = p }
}

// WithLogger overrides the façade's structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithAutoRetry controls the reconnection policy of spec.md §4.E/§7.
func WithAutoRetry(enabled bool) Option {
	return func(c *Client) { c.autoRetry = enabled }
}

// WithProxyTimeout overrides the default 5s HTTP CONNECT timeout.
func WithProxyTimeout(d time.Duration) Option {
	return func(c *Client) { c.proxyTimeout = d }
}

// WithHTTPProxy routes TCP/WS connects through an HTTP CONNECT proxy.
func WithHTTPProxy(proxy *url.URL) Option {
	return func(c *Client) { c.httpProxy = proxy }
}

// Client is the transport façade of spec.md §4.E: it owns exactly one
// Transport (TCP, WS, or UDP), the EncryptionMode/cipher pair, and the
// auto_retry reconnection policy.
type Client struct {
	events FacadeEvents
	logger *slog.Logger

	protocol     Protocol
	autoRetry    bool
	proxyTimeout time.Duration
	httpProxy    *url.URL

	mu           sync.Mutex
	localAddress string
	localPort    uint16

	transport Transport
	encMode   EncryptionMode
	cipher    *channelCipher
	useHMAC   bool

	connected     bool
	loggedOn      bool
	remoteAddress string

	endpoints   []Endpoint
	endpointIdx int
}

// NewClient builds a façade reporting through events.
func NewClient(events FacadeEvents, opts ...Option) *Client {
	c := &Client{
		events:       events,
		logger:       slog.Default(),
		protocol:     ProtocolTCP,
		autoRetry:    true,
		proxyTimeout: defaultProxyTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Bind stores the local outgoing bind address/port for the next Connect,
// per spec.md §4.E's bind(local_addr?, local_port?).
func (c *Client) Bind(localAddress string, localPort uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.localAddress = localAddress
	c.localPort = localPort
}

// SetSessionKey installs the symmetric session key negotiated by the
// external handshake collaborator, per spec.md §3's session-key
// lifecycle. Applying it to an already-connected transport takes effect
// on the very next send/receive.
func (c *Client) SetSessionKey(key []byte, useHMAC bool) error {
	cipher, err := newChannelCipher(key, useHMAC)
	if err != nil {
		return fmt.Errorf("set session key: %w", err)
	}

	mode := EncryptionSymmetric
	if useHMAC {
		mode = EncryptionSymmetricHMAC
	}

	c.mu.Lock()
	c.cipher = cipher
	c.useHMAC = useHMAC
	c.encMode = mode
	transport := c.transport
	c.mu.Unlock()

	if transport != nil {
		if setter, ok := transport.(cipherSetter); ok {
			setter.SetCipher(cipher)
		}
	}
	return nil
}

// ClearSessionKey reverts to cleartext, per spec.md §3's "cleared on
// disconnect".
func (c *Client) ClearSessionKey() {
	c.mu.Lock()
	c.cipher = nil
	c.encMode = EncryptionNone
	transport := c.transport
	c.mu.Unlock()

	if transport != nil {
		if setter, ok := transport.(cipherSetter); ok {
			setter.SetCipher(nil)
		}
	}
}

// SetLoggedOn records whether the external CM-logon collaborator
// considers the session authenticated. The core never sets this itself.
func (c *Client) SetLoggedOn(loggedOn bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loggedOn = loggedOn
}

// Connected reports whether the transport-level connect/handshake has
// completed.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// RemoteAddress reports the "ipv4:port" of the currently-connected
// endpoint, or "" if not connected.
func (c *Client) RemoteAddress() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteAddress
}

// Connect dials the first of servers, round-robining through the rest on
// transport failure while auto_retry is in effect, per spec.md §4.E.
// Server-list discovery itself is out of scope — the caller supplies the
// candidates.
func (c *Client) Connect(ctx context.Context, servers []Endpoint) error {
	if len(servers) == 0 {
		return fmt.Errorf("steamcm: Connect requires at least one server")
	}

	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.endpoints = servers
	c.endpointIdx = 0
	c.mu.Unlock()

	return c.dialNext(ctx)
}

func (c *Client) dialNext(ctx context.Context) error {
	c.mu.Lock()
	ep := c.endpoints[c.endpointIdx%len(c.endpoints)]
	c.endpointIdx++
	cipher := c.cipher
	c.mu.Unlock()

	transport := c.newTransport(ep)

	c.mu.Lock()
	c.transport = transport
	c.mu.Unlock()

	if cipher != nil {
		if setter, ok := transport.(cipherSetter); ok {
			setter.SetCipher(cipher)
		}
	}

	opts := ConnectOptions{
		Endpoint:     ep,
		LocalAddress: c.localAddress,
		LocalPort:    c.localPort,
		HTTPProxy:    c.httpProxy,
		ProxyTimeout: c.proxyTimeout,
	}

	if err := transport.Connect(ctx, opts); err != nil {
		return c.handleConnectError(ctx, err)
	}
	return nil
}

// handleConnectError implements spec.md §4.E/§7's reconnection policy:
// swallow and retry against the next endpoint while the handshake has
// not yet completed; surface and give up once it has.
func (c *Client) handleConnectError(ctx context.Context, err error) error {
	c.mu.Lock()
	retry := c.autoRetry && !c.connected
	c.mu.Unlock()

	if retry {
		c.debugf("connect failed, retrying next endpoint: %v", err)
		return c.dialNext(ctx)
	}
	if c.events.OnError != nil {
		c.events.OnError(err)
	}
	return err
}

// newTransport constructs the transport selected by protocol and wires
// its Events to bridge up into FacadeEvents, translating connection
// state and applying the auto_retry policy on error.
func (c *Client) newTransport(ep Endpoint) Transport {
	internal := Events{
		OnConnect: func(serverLoad *uint32) {
			c.mu.Lock()
			c.connected = true
			c.remoteAddress = ep.String()
			c.mu.Unlock()
			if c.events.OnConnected != nil {
				c.events.OnConnected(serverLoad)
			}
		},
		OnPacket: func(payload []byte) {
			if c.events.OnPacket != nil {
				c.events.OnPacket(payload)
			}
		},
		OnError: func(err error) {
			c.handleConnectError(context.Background(), err)
		},
		OnEncryptionError: func(err error) {
			if c.events.OnEncryptionError != nil {
				c.events.OnEncryptionError(err)
			}
		},
		OnEnd: func() {
			c.mu.Lock()
			c.connected = false
			c.remoteAddress = ""
			c.mu.Unlock()
		},
		OnDebug: func(msg string) { c.debugf("%s", msg) },
	}

	switch c.protocol {
	case ProtocolUDP:
		return NewUDPTransport(internal)
	case ProtocolWebSocket:
		return NewWebSocketTransport(internal)
	default:
		return NewTCPTransport(internal)
	}
}

// Send encrypts (if a session key is set) and hands payload to the
// active transport. The core only wraps send(bytes); header/body
// serialization belongs to a thin wrapper on top, per spec.md §4.E.
func (c *Client) Send(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	transport := c.transport
	c.mu.Unlock()
	if transport == nil {
		return ErrNotConnected
	}
	return transport.Send(ctx, payload)
}

// Disconnect gracefully ends the active transport, per spec.md §4.E's
// disconnect().
func (c *Client) Disconnect() error {
	c.mu.Lock()
	transport := c.transport
	c.mu.Unlock()
	if transport == nil {
		return ErrNotConnected
	}
	return transport.End()
}

// SetTimeout forwards the inactivity timeout to the active transport.
func (c *Client) SetTimeout(d time.Duration) {
	c.mu.Lock()
	transport := c.transport
	c.mu.Unlock()
	if transport != nil {
		transport.SetTimeout(d)
	}
}

func (c *Client) debugf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	c.logger.Debug(msg)
	if c.events.OnDebug != nil {
		c.events.OnDebug(msg)
	}
}
