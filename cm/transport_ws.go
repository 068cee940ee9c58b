package cm

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const wsPingInterval = 30 * time.Second

// wsTransport implements Transport over a binary WebSocket connection to
// Steam's "/cmsocket/" endpoint, per spec.md §4.C. Framing is one binary
// frame per payload — the WS layer already delimits messages, so no VT01
// length prefix is needed on the wire (encodeFrame is for TCP only).
type wsTransport struct {
	events Events

	mu        sync.Mutex
	conn      *websocket.Conn
	cipher    *channelCipher
	destroyed bool

	timeout   time.Duration
	idleTimer *time.Timer

	done chan struct{}
	wg   sync.WaitGroup
}

// NewWebSocketTransport constructs a WebSocket transport reporting
// through events.
func NewWebSocketTransport(events Events) Transport {
	return &wsTransport{events: events}
}

func (w *wsTransport) Connect(ctx context.Context, opts ConnectOptions) error {
	w.mu.Lock()
	if w.conn != nil {
		w.mu.Unlock()
		return ErrAlreadyConnected
	}
	w.mu.Unlock()

	dialURL := fmt.Sprintf("wss://%s/cmsocket/", opts.Endpoint.String())

	httpClient := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
			DialContext:     dialContextFor(opts),
			Proxy:           proxyFuncFor(opts),
		},
	}

	conn, _, err := websocket.Dial(ctx, dialURL, &websocket.DialOptions{HTTPClient: httpClient})
	if err != nil {
		return fatalf("websocket dial "+dialURL, err)
	}

	// Steam can send large multi-part messages.
	conn.SetReadLimit(1 << 24) // 16 MiB

	w.mu.Lock()
	w.conn = conn
	w.done = make(chan struct{})
	w.mu.Unlock()

	w.wg.Add(1)
	go w.readLoop()
	w.wg.Add(1)
	go w.pingLoop()

	if w.events.OnConnect != nil {
		w.events.OnConnect(nil)
	}
	return nil
}

func dialContextFor(opts ConnectOptions) func(ctx context.Context, network, addr string) (net.Conn, error) {
	if opts.LocalAddress == "" && opts.LocalPort == 0 {
		return nil
	}
	d := &net.Dialer{LocalAddr: &net.TCPAddr{IP: net.ParseIP(opts.LocalAddress), Port: int(opts.LocalPort)}}
	return d.DialContext
}

func proxyFuncFor(opts ConnectOptions) func(*http.Request) (*url.URL, error) {
	if opts.HTTPProxy == nil {
		return nil
	}
	return http.ProxyURL(opts.HTTPProxy)
}

// SetCipher installs the session-key cipher for this transport.
func (w *wsTransport) SetCipher(c *channelCipher) {
	w.mu.Lock()
	w.cipher = c
	w.mu.Unlock()
}

func (w *wsTransport) Send(ctx context.Context, payload []byte) error {
	w.mu.Lock()
	conn := w.conn
	cipher := w.cipher
	w.mu.Unlock()

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

	if err := conn.Write(ctx, websocket.MessageBinary, out); err != nil {
		return fatalf("websocket write", err)
	}
	return nil
}

func (w *wsTransport) readLoop() {
	defer w.wg.Done()

	for {
		w.mu.Lock()
		conn := w.conn
		w.mu.Unlock()
		if conn == nil {
			return
		}

		typ, data, err := conn.Read(context.Background())
		if err != nil {
			select {
			case <-w.done:
				return
			default:
			}
			w.fail(fatalf("websocket read", err))
			return
		}
		w.resetIdleTimer()

		if typ != websocket.MessageBinary {
			w.events.fireDebug("dropping non-binary websocket frame: %v", typ)
			continue
		}

		w.dispatchPayload(data)
	}
}

func (w *wsTransport) dispatchPayload(payload []byte) {
	w.mu.Lock()
	cipher := w.cipher
	w.mu.Unlock()

	if cipher == nil {
		if w.events.OnPacket != nil {
			w.events.OnPacket(payload)
		}
		return
	}

	plain, err := cipher.decrypt(payload)
	if err != nil {
		if w.events.OnEncryptionError != nil {
			w.events.OnEncryptionError(&EncryptionError{Err: err})
		}
		return
	}
	if w.events.OnPacket != nil {
		w.events.OnPacket(plain)
	}
}

func (w *wsTransport) pingLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.mu.Lock()
			conn := w.conn
			w.mu.Unlock()
			if conn == nil {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), wsPingInterval/2)
			err := conn.Ping(ctx)
			cancel()
			if err != nil {
				w.fail(fatalf("websocket ping", err))
				return
			}
		}
	}
}

func (w *wsTransport) fail(err error) {
	if w.events.OnError != nil {
		w.events.OnError(err)
	}
	// Destroy waits for the read and ping loops, one of which is usually
	// the caller here.
	go w.Destroy()
}

func (w *wsTransport) resetIdleTimer() {
	w.mu.Lock()
	timeout := w.timeout
	w.mu.Unlock()
	if timeout <= 0 {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.idleTimer != nil {
		w.idleTimer.Stop()
	}
	w.idleTimer = time.AfterFunc(timeout, func() {
		if w.events.OnTimeout != nil {
			w.events.OnTimeout()
		}
	})
}

func (w *wsTransport) SetTimeout(d time.Duration) {
	w.mu.Lock()
	w.timeout = d
	if d <= 0 && w.idleTimer != nil {
		w.idleTimer.Stop()
		w.idleTimer = nil
	}
	w.mu.Unlock()
	if d > 0 {
		w.resetIdleTimer()
	}
}

// End requests a graceful WS close handshake.
func (w *wsTransport) End() error {
	w.mu.Lock()
	conn := w.conn
	done := w.done
	w.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	if done != nil {
		select {
		case <-done:
		default:
			close(done)
		}
	}
	err := conn.Close(websocket.StatusNormalClosure, "")

	if w.events.OnClose != nil {
		w.events.OnClose()
	}
	w.wg.Wait()
	if w.events.OnEnd != nil {
		w.events.OnEnd()
	}
	return err
}

func (w *wsTransport) Destroy() error {
	w.mu.Lock()
	if w.destroyed {
		w.mu.Unlock()
		return nil
	}
	w.destroyed = true
	conn := w.conn
	done := w.done
	if w.idleTimer != nil {
		w.idleTimer.Stop()
	}
	w.mu.Unlock()

	if done != nil {
		select {
		case <-done:
		default:
			close(done)
		}
	}
	if conn != nil {
		conn.CloseNow()
	}

	if w.events.OnClose != nil {
		w.events.OnClose()
	}
	w.wg.Wait()
	if w.events.OnEnd != nil {
		w.events.OnEnd()
	}
	return nil
}
