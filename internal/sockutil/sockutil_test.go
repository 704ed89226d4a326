package sockutil

import (
	"net"
	"testing"
	"time"
)

func loopbackPair(t *testing.T) (client, server *net.TCPConn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan *net.TCPConn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			accepted <- nil
			return
		}
		accepted <- c.(*net.TCPConn)
	}()

	c, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	s := <-accepted
	if s == nil {
		t.Fatal("accept failed")
	}
	return c.(*net.TCPConn), s
}

func TestSetSendBufferSucceeds(t *testing.T) {
	client, server := loopbackPair(t)
	defer client.Close()
	defer server.Close()

	if err := SetSendBuffer(server, 256*1024); err != nil {
		t.Fatalf("SetSendBuffer: %v", err)
	}
}

func TestSetNoDelayToggles(t *testing.T) {
	client, server := loopbackPair(t)
	defer client.Close()
	defer server.Close()

	if err := SetNoDelay(server, true); err != nil {
		t.Fatalf("enable nodelay: %v", err)
	}
	if err := SetNoDelay(server, false); err != nil {
		t.Fatalf("disable nodelay: %v", err)
	}
}

func TestSetCorkTogglesWithoutError(t *testing.T) {
	client, server := loopbackPair(t)
	defer client.Close()
	defer server.Close()

	if err := SetCork(server, true); err != nil {
		t.Fatalf("set cork: %v", err)
	}
	if _, err := server.Write([]byte("payload")); err != nil {
		t.Fatalf("write while corked: %v", err)
	}
	if err := SetCork(server, false); err != nil {
		t.Fatalf("clear cork: %v", err)
	}

	buf := make([]byte, len("payload"))
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := client.Read(buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "payload" {
		t.Fatalf("got %q, want %q", buf, "payload")
	}
}

func TestSetBlockingWithTimeoutAppliesDeadline(t *testing.T) {
	client, server := loopbackPair(t)
	defer client.Close()
	defer server.Close()

	if err := SetBlockingWithTimeout(server, 50*time.Millisecond); err != nil {
		t.Fatalf("SetBlockingWithTimeout: %v", err)
	}

	// Exhaust the receive window from the client side without reading so
	// the server's eventual write blocks, then confirm the deadline fires.
	start := time.Now()
	buf := make([]byte, 4096)
	for i := 0; i < 1<<20; i++ {
		if _, err := server.Write(buf); err != nil {
			break
		}
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("write did not fail within expected deadline window")
	}
}
