package jpegserver

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/streamdaemon/mediastreamd/internal/topics"
)

func startTestServer(t *testing.T) (*Server, topics.Topics) {
	t.Helper()
	tp := topics.New()
	srv, err := New("127.0.0.1:0", tp, nil, nil, 0, 0, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	go srv.Run()
	t.Cleanup(func() { srv.Close() })
	return srv, tp
}

func dialAndRequest(t *testing.T, addr, path string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if _, err := conn.Write([]byte("GET " + path + " HTTP/1.1\r\nHost: x\r\n\r\n")); err != nil {
		t.Fatalf("write request: %v", err)
	}
	return conn
}

func TestSnapshotReturns404WhenNoFrameYet(t *testing.T) {
	srv, _ := startTestServer(t)
	conn := dialAndRequest(t, srv.Addr().String(), "/snapshot")
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(6 * time.Second))
	status := readStatusLine(t, conn)
	if !strings.Contains(status, "404") {
		t.Fatalf("status = %q, want 404", status)
	}
}

func TestUnknownPathReturns404(t *testing.T) {
	srv, _ := startTestServer(t)
	conn := dialAndRequest(t, srv.Addr().String(), "/nope")
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	status := readStatusLine(t, conn)
	if !strings.Contains(status, "404") {
		t.Fatalf("status = %q, want 404", status)
	}
}

func TestStreamDeliversMultipartFrameWithCorrectContentLength(t *testing.T) {
	srv, tp := startTestServer(t)
	conn := dialAndRequest(t, srv.Addr().String(), "/stream")
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	r := bufio.NewReader(conn)
	status, err := r.ReadString('\n')
	if err != nil || !strings.Contains(status, "200") {
		t.Fatalf("status line = %q err=%v", status, err)
	}
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("reading headers: %v", err)
		}
		if line == "\r\n" {
			break
		}
	}

	payload := []byte{0xFF, 0xD8, 0x01, 0x02, 0x03, 0xFF, 0xD9}
	tp.CameraJPEG.Publish(payload, 1, false)

	boundaryLine, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read boundary: %v", err)
	}
	if !strings.HasPrefix(boundaryLine, "--"+boundary) {
		t.Fatalf("boundary line = %q", boundaryLine)
	}
	var contentLength int
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read part header: %v", err)
		}
		if line == "\r\n" {
			break
		}
		if strings.HasPrefix(line, "Content-Length:") {
			fmt.Sscanf(line, "Content-Length: %d", &contentLength)
		}
	}
	if contentLength != len(payload) {
		t.Fatalf("Content-Length = %d, want %d", contentLength, len(payload))
	}
	got := make([]byte, contentLength)
	if _, err := readFull(r, got); err != nil {
		t.Fatalf("read payload: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("payload mismatch: got %x want %x", got, payload)
	}
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func TestFullClientCapRejectsTwentyFifthClient(t *testing.T) {
	srv, _ := startTestServer(t)
	var conns []net.Conn
	for i := 0; i < defaultMaxClients; i++ {
		conn := dialAndRequest(t, srv.Addr().String(), "/stream")
		conns = append(conns, conn)
	}
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()
	// Give the accept loop a moment to register all clients.
	time.Sleep(300 * time.Millisecond)

	extra := dialAndRequest(t, srv.Addr().String(), "/stream")
	defer extra.Close()
	extra.SetReadDeadline(time.Now().Add(3 * time.Second))
	status := readStatusLine(t, extra)
	if !strings.Contains(status, "503") {
		t.Fatalf("25th client status = %q, want 503", status)
	}
}

func readStatusLine(t *testing.T, conn net.Conn) string {
	t.Helper()
	r := bufio.NewReader(conn)
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read status line: %v", err)
	}
	return line
}
