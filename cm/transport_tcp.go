package cm

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"
)

const defaultProxyTimeout = 5 * time.Second

// tcpTransport implements Transport over a raw TCP socket using the VT01
// length+magic framing of spec.md §4.B. The channel-encryption RSA
// handshake that negotiates a session key is CM-schema-level (it parses a
// ChannelEncryptRequest message) and is out of scope here — an external
// handshake collaborator installs the resulting key via SetCipher.
type tcpTransport struct {
	events Events

	mu        sync.Mutex
	conn      net.Conn
	cipher    *channelCipher
	destroyed bool

	timeout   time.Duration
	idleTimer *time.Timer

	done chan struct{}
	wg   sync.WaitGroup
}

// NewTCPTransport constructs a TCP transport reporting through events.
func NewTCPTransport(events Events) Transport {
	return &tcpTransport{events: events}
}

func (t *tcpTransport) Connect(ctx context.Context, opts ConnectOptions) error {
	t.mu.Lock()
	if t.conn != nil {
		t.mu.Unlock()
		return ErrAlreadyConnected
	}
	t.mu.Unlock()

	addr := opts.Endpoint.String()

	var conn net.Conn
	var err error
	if opts.HTTPProxy != nil {
		conn, err = dialThroughHTTPProxy(ctx, opts)
	} else {
		d := &net.Dialer{}
		if opts.LocalAddress != "" || opts.LocalPort != 0 {
			d.LocalAddr = &net.TCPAddr{IP: net.ParseIP(opts.LocalAddress), Port: int(opts.LocalPort)}
		}
		conn, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fatalf("tcp dial "+addr, err)
	}

	t.mu.Lock()
	t.conn = conn
	t.done = make(chan struct{})
	t.mu.Unlock()

	t.wg.Add(1)
	go t.readLoop()

	if t.events.OnConnect != nil {
		t.events.OnConnect(nil)
	}
	return nil
}

// dialThroughHTTPProxy issues an HTTP CONNECT through opts.HTTPProxy and
// hands back the tunnelled socket as the framed stream, per spec.md
// §4.B's proxy support. Modeled on the CONNECT handshake shape of
// XTLS-Xray-core's proxy/http client, reimplemented directly against
// net.Conn since that package's full proxy/session/policy framework
// doesn't fit a standalone transport library.
func dialThroughHTTPProxy(ctx context.Context, opts ConnectOptions) (net.Conn, error) {
	timeout := opts.ProxyTimeout
	if timeout <= 0 {
		timeout = defaultProxyTimeout
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	d := &net.Dialer{}
	conn, err := d.DialContext(dialCtx, "tcp", opts.HTTPProxy.Host)
	if err != nil {
		return nil, fmt.Errorf("dial proxy %s: %w", opts.HTTPProxy.Host, err)
	}

	target := opts.Endpoint.String()
	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: target},
		Host:   target,
		Header: make(http.Header),
	}
	if user := opts.HTTPProxy.User; user != nil {
		pass, _ := user.Password()
		token := base64.StdEncoding.EncodeToString([]byte(user.Username() + ":" + pass))
		req.Header.Set("Proxy-Authorization", "Basic "+token)
	}

	if deadline, ok := dialCtx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("write CONNECT request: %w", err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read CONNECT response: %w", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("proxy CONNECT: unexpected status %d", resp.StatusCode)
	}

	conn.SetDeadline(time.Time{})
	return conn, nil
}

// SetCipher installs the session-key cipher for this transport. Called by
// the façade once an external handshake collaborator has negotiated a
// session key — the core never derives one itself.
func (t *tcpTransport) SetCipher(c *channelCipher) {
	t.mu.Lock()
	t.cipher = c
	t.mu.Unlock()
}

func (t *tcpTransport) Send(ctx context.Context, payload []byte) error {
	t.mu.Lock()
	conn := t.conn
	cipher := t.cipher
	t.mu.Unlock()

	if conn == nil {
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

	frame := encodeFrame(out)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return ErrNotConnected
	}
	if _, err := t.conn.Write(frame); err != nil {
		return fatalf("tcp write", err)
	}
	return nil
}

func (t *tcpTransport) readLoop() {
	defer t.wg.Done()

	var framer streamFramer
	buf := make([]byte, 64*1024)

	for {
		t.mu.Lock()
		conn := t.conn
		t.mu.Unlock()
		if conn == nil {
			return
		}

		n, err := conn.Read(buf)
		if err != nil {
			select {
			case <-t.done:
				return
			default:
			}
			t.fail(fatalf("tcp read", err))
			return
		}
		t.resetIdleTimer()

		payloads, ferr := framer.feed(buf[:n])
		if ferr != nil {
			t.fail(fatalf("tcp frame", ferr))
			return
		}

		for _, payload := range payloads {
			t.dispatchPayload(payload)
		}
	}
}

func (t *tcpTransport) dispatchPayload(payload []byte) {
	t.mu.Lock()
	cipher := t.cipher
	t.mu.Unlock()

	if cipher == nil {
		if t.events.OnPacket != nil {
			t.events.OnPacket(payload)
		}
		return
	}

	plain, err := cipher.decrypt(payload)
	if err != nil {
		if t.events.OnEncryptionError != nil {
			t.events.OnEncryptionError(&EncryptionError{Err: err})
		}
		return
	}
	if t.events.OnPacket != nil {
		t.events.OnPacket(plain)
	}
}

func (t *tcpTransport) fail(err error) {
	if t.events.OnError != nil {
		t.events.OnError(err)
	}
	// Destroy waits for the read loop, which is usually the caller here.
	go t.Destroy()
}

func (t *tcpTransport) resetIdleTimer() {
	t.mu.Lock()
	timeout := t.timeout
	t.mu.Unlock()
	if timeout <= 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.idleTimer != nil {
		t.idleTimer.Stop()
	}
	t.idleTimer = time.AfterFunc(timeout, func() {
		if t.events.OnTimeout != nil {
			t.events.OnTimeout()
		}
	})
}

func (t *tcpTransport) SetTimeout(d time.Duration) {
	t.mu.Lock()
	t.timeout = d
	if d <= 0 && t.idleTimer != nil {
		t.idleTimer.Stop()
		t.idleTimer = nil
	}
	t.mu.Unlock()
	if d > 0 {
		t.resetIdleTimer()
	}
}

// End performs a graceful half-close: the write side shuts down but reads
// (and any in-flight frames) continue until the peer closes too.
func (t *tcpTransport) End() error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		if err := tc.CloseWrite(); err != nil {
			return t.Destroy()
		}
		return nil
	}
	return t.Destroy()
}

func (t *tcpTransport) Destroy() error {
	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return nil
	}
	t.destroyed = true
	conn := t.conn
	done := t.done
	if t.idleTimer != nil {
		t.idleTimer.Stop()
	}
	t.mu.Unlock()

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

	if t.events.OnClose != nil {
		t.events.OnClose()
	}
	t.wg.Wait()
	if t.events.OnEnd != nil {
		t.events.OnEnd()
	}
	return nil
}
