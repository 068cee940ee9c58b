package cm

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"
)

func acceptOneFramedConn(t *testing.T) (net.Listener, <-chan net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ch := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			ch <- conn
		}
	}()
	return ln, ch
}

func listenerEndpoint(t *testing.T, ln net.Listener) Endpoint {
	t.Helper()
	addr := ln.Addr().(*net.TCPAddr)
	return Endpoint{Host: "127.0.0.1", Port: uint16(addr.Port)}
}

func TestFacadeTCPConnectSendReceive(t *testing.T) {
	ln, conns := acceptOneFramedConn(t)
	defer ln.Close()

	connected := make(chan struct{})
	packets := make(chan []byte, 1)
	client := NewClient(FacadeEvents{
		OnConnected: func(*uint32) { close(connected) },
		OnPacket:    func(p []byte) { packets <- p },
	}, WithProtocol(ProtocolTCP), WithAutoRetry(false))

	if err := client.Connect(context.Background(), []Endpoint{listenerEndpoint(t, ln)}); err != nil {
		t.Fatalf("connect: %v", err)
	}

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connect")
	}

	var serverConn net.Conn
	select {
	case serverConn = <-conns:
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted")
	}
	defer serverConn.Close()

	if err := client.Send(context.Background(), []byte("ping")); err != nil {
		t.Fatalf("send: %v", err)
	}

	var hdr [8]byte
	if _, err := serverConn.Read(hdr[:]); err != nil {
		t.Fatalf("server read header: %v", err)
	}
	n := binary.LittleEndian.Uint32(hdr[0:4])
	body := make([]byte, n)
	if _, err := serverConn.Read(body); err != nil {
		t.Fatalf("server read body: %v", err)
	}
	if string(body) != "ping" {
		t.Fatalf("server got %q, want %q", body, "ping")
	}

	serverConn.Write(encodeFrame([]byte("pong")))

	select {
	case p := <-packets:
		if string(p) != "pong" {
			t.Errorf("got %q, want %q", p, "pong")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for packet")
	}

	if !client.Connected() {
		t.Error("expected Connected() to be true")
	}
	if client.RemoteAddress() == "" {
		t.Error("expected a non-empty RemoteAddress")
	}

	if err := client.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
}

func TestFacadeAutoRetryAdvancesToNextEndpoint(t *testing.T) {
	ln, conns := acceptOneFramedConn(t)
	defer ln.Close()

	// A closed listener gives us a port nothing is listening on.
	deadLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	deadEndpoint := listenerEndpoint(t, deadLn)
	deadLn.Close()

	connected := make(chan struct{})
	client := NewClient(FacadeEvents{
		OnConnected: func(*uint32) { close(connected) },
	}, WithProtocol(ProtocolTCP), WithAutoRetry(true))

	err = client.Connect(context.Background(), []Endpoint{deadEndpoint, listenerEndpoint(t, ln)})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("auto_retry never reached the live endpoint")
	}

	select {
	case conn := <-conns:
		conn.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted")
	}
}

func TestFacadeSessionKeyAppliesToActiveTransport(t *testing.T) {
	ln, conns := acceptOneFramedConn(t)
	defer ln.Close()

	connected := make(chan struct{})
	packets := make(chan []byte, 1)
	client := NewClient(FacadeEvents{
		OnConnected: func(*uint32) { close(connected) },
		OnPacket:    func(p []byte) { packets <- p },
	}, WithProtocol(ProtocolTCP), WithAutoRetry(false))

	if err := client.Connect(context.Background(), []Endpoint{listenerEndpoint(t, ln)}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	<-connected

	var serverConn net.Conn
	select {
	case serverConn = <-conns:
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted")
	}
	defer serverConn.Close()

	sessionKey := make([]byte, 32)
	for i := range sessionKey {
		sessionKey[i] = byte(i)
	}
	if err := client.SetSessionKey(sessionKey, false); err != nil {
		t.Fatalf("SetSessionKey: %v", err)
	}

	cipher, err := newChannelCipher(sessionKey, false)
	if err != nil {
		t.Fatalf("newChannelCipher: %v", err)
	}
	encrypted, err := cipher.encrypt([]byte("secret"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	serverConn.Write(encodeFrame(encrypted))

	select {
	case p := <-packets:
		if string(p) != "secret" {
			t.Errorf("got %q, want %q", p, "secret")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for decrypted packet")
	}
}
