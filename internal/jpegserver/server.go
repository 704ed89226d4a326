// Package jpegserver implements the multipart/x-mixed-replace JPEG
// fan-out server spec.md §4.4 describes: a single listening socket, up to
// 24 concurrently streaming client slots, and a single owner goroutine
// that copies each new frame once and vectored-writes it to every
// streaming client.
package jpegserver

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/streamdaemon/mediastreamd/internal/clientsession"
	"github.com/streamdaemon/mediastreamd/internal/frame"
	"github.com/streamdaemon/mediastreamd/internal/sockutil"
	"github.com/streamdaemon/mediastreamd/internal/topics"
)

const (
	defaultMaxClients      = 24
	defaultIdleTimeout     = 10 * time.Second
	sendTimeout            = 2 * time.Second
	sendBufferBytes        = 256 * 1024
	warmupFrameCount       = 15
	warmupSleep            = 30 * time.Millisecond
	boundary               = "mediastreamdboundary"
	snapshotFreshFor       = 2 * time.Second
	snapshotPollEvery      = 50 * time.Millisecond
	snapshotTimeout        = 3 * time.Second
	displaySnapshotTimeout = 5 * time.Second
)

// SnapshotRequester lets the server ask the pipeline to fulfil an
// on-demand snapshot without depending on the pipeline package directly.
type SnapshotRequester interface {
	RequestSnapshot()
}

// DisplayActivation lets the server gate DisplayCapture on/off around
// /display requests without a strong reference cycle between the two
// packages (spec.md §9 "Back-references").
type DisplayActivation interface {
	Acquire()
	Release()
}

type client struct {
	clientsession.Base
	conn *net.TCPConn
}

// Server is the JPEG multipart/snapshot fan-out server.
type Server struct {
	ln       *net.TCPListener
	topics   topics.Topics
	snapshot SnapshotRequester
	display  DisplayActivation
	log      zerolog.Logger

	mu      sync.Mutex
	clients []*client
	stopped atomic.Bool

	lastCameraSeq  uint64
	lastDisplaySeq uint64

	maxClients  int
	idleTimeout time.Duration
}

// New binds addr and constructs a Server. maxClients and idleTimeout come
// from config.Config (MAX_CLIENTS / HTTP_IDLE_TIMEOUT_SEC); a zero value
// falls back to the spec.md §4.4 defaults. Call Run to start serving.
func New(addr string, t topics.Topics, snapshot SnapshotRequester, display DisplayActivation, maxClients int, idleTimeout time.Duration, log zerolog.Logger) (*Server, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("jpegserver: resolve %s: %w", addr, err)
	}
	ln, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return nil, fmt.Errorf("jpegserver: listen %s: %w", addr, err)
	}
	if maxClients <= 0 {
		maxClients = defaultMaxClients
	}
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleTimeout
	}
	return &Server{ln: ln, topics: t, snapshot: snapshot, display: display, maxClients: maxClients, idleTimeout: idleTimeout, log: log}, nil
}

// Addr returns the bound listener address, useful when addr was ":0".
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// JPEGStreamingClients reports the number of clients currently streaming
// from the camera_jpeg topic, consumed by the pipeline's client-activity
// gating.
func (s *Server) JPEGStreamingClients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.clients {
		if c.State == clientsession.Streaming && (c.Kind == clientsession.KindStream) {
			n++
		}
	}
	return n
}

// Run accepts connections and drives the fan-out loop until the listener
// is closed.
func (s *Server) Run() error {
	go s.acceptLoop()
	s.fanOutLoop()
	return nil
}

// Close stops accepting and unblocks the fan-out loop. It also wakes any
// blocked WaitForNew calls on both topics so the loop notices the stop
// flag immediately rather than waiting out its poll timeout.
func (s *Server) Close() error {
	s.stopped.Store(true)
	s.topics.CameraJPEG.BroadcastWakeup()
	s.topics.DisplayJPEG.BroadcastWakeup()
	return s.ln.Close()
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.AcceptTCP()
		if err != nil {
			return
		}
		go s.handleAccepted(conn)
	}
}

func (s *Server) handleAccepted(conn *net.TCPConn) {
	_ = sockutil.SetNoDelay(conn, true)
	_ = sockutil.SetSendBuffer(conn, sendBufferBytes)
	conn.SetReadDeadline(time.Now().Add(s.idleTimeout))

	method, path, err := readRequestLine(conn)
	if err != nil {
		conn.Close()
		return
	}
	if method != "GET" {
		writeSimple(conn, 400, "text/plain", []byte("Bad Request"))
		conn.Close()
		return
	}

	switch path {
	case "/":
		writeSimple(conn, 200, "text/html; charset=utf-8", homepageHTML)
		conn.Close()
	case "/healthz":
		writeSimple(conn, 200, "text/plain", []byte("ok"))
		conn.Close()
	case "/snapshot":
		s.serveSnapshot(conn, s.topics.CameraJPEG, &s.lastCameraSeq, false)
		conn.Close()
	case "/display/snapshot":
		s.serveSnapshot(conn, s.topics.DisplayJPEG, &s.lastDisplaySeq, true)
		conn.Close()
	case "/stream":
		s.admitStreamingClient(conn, clientsession.KindStream)
	case "/display":
		s.admitStreamingClient(conn, clientsession.KindDisplayStream)
	default:
		writeSimple(conn, 404, "text/plain", []byte("Not Found"))
		conn.Close()
	}
}

func (s *Server) admitStreamingClient(conn *net.TCPConn, kind clientsession.Kind) {
	s.mu.Lock()
	if len(s.clients) >= s.maxClients {
		s.mu.Unlock()
		writeSimple(conn, 503, "text/plain", []byte("Service Unavailable"))
		conn.Close()
		return
	}
	c := &client{
		Base: clientsession.Base{State: clientsession.Streaming, Kind: kind, ConnectedAt: time.Now()},
		conn: conn,
	}
	s.clients = append(s.clients, c)
	s.mu.Unlock()

	if kind == clientsession.KindDisplayStream && s.display != nil {
		s.display.Acquire()
	}

	header := "HTTP/1.1 200 OK\r\n" +
		"Content-Type: multipart/x-mixed-replace; boundary=" + boundary + "\r\n" +
		"Cache-Control: no-cache\r\n" +
		"Connection: close\r\n\r\n"
	if _, err := conn.Write([]byte(header)); err != nil {
		s.closeClient(c)
		return
	}
	sockutil.SetBlockingWithTimeout(conn, sendTimeout)
	sockutil.SetNoDelay(conn, false)
}

func (s *Server) serveSnapshot(conn *net.TCPConn, slot *frame.Slot, lastSeqAt *uint64, isDisplay bool) {
	_ = lastSeqAt
	var buf [512 * 1024]byte

	if isDisplay && s.display != nil {
		s.display.Acquire()
		defer s.display.Release()
	}

	n, seq, tsUs, _ := slot.CopyOut(buf[:])
	if n > 0 && frameFreshEnough(tsUs, isDisplay) {
		writeSimple(conn, 200, "image/jpeg", buf[:n])
		return
	}

	deadline := snapshotTimeout
	if isDisplay {
		deadline = displaySnapshotTimeout
	}
	if !isDisplay && s.snapshot != nil {
		s.snapshot.RequestSnapshot()
	}

	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if slot.CurrentSequence() > seq {
			n, _, _, _ = slot.CopyOut(buf[:])
			if n > 0 {
				writeSimple(conn, 200, "image/jpeg", buf[:n])
				return
			}
		}
		time.Sleep(snapshotPollEvery)
	}
	writeSimple(conn, 404, "text/plain", []byte("Not Found"))
}

// frameFreshEnough implements spec.md §4.4's "payload less than 2s old"
// snapshot fast path using the same monotonic-microsecond clock frames
// are timestamped with.
func frameFreshEnough(tsUs int64, isDisplay bool) bool {
	if isDisplay || tsUs <= 0 {
		return false
	}
	return frame.NowMicros()-tsUs < snapshotFreshFor.Microseconds()
}

func (s *Server) fanOutLoop() {
	for !s.stopped.Load() {
		s.evictClosing()

		streamingCamera := s.countStreaming(clientsession.KindStream)
		streamingDisplay := s.countStreaming(clientsession.KindDisplayStream)
		if streamingCamera == 0 && streamingDisplay == 0 {
			time.Sleep(500 * time.Millisecond)
			continue
		}

		if streamingCamera > 0 {
			if s.topics.CameraJPEG.WaitForNew(s.lastCameraSeq, 100*time.Millisecond) {
				s.deliver(clientsession.KindStream, s.topics.CameraJPEG, &s.lastCameraSeq)
			}
		}
		if streamingDisplay > 0 {
			if s.topics.DisplayJPEG.WaitForNew(s.lastDisplaySeq, 100*time.Millisecond) {
				s.deliver(clientsession.KindDisplayStream, s.topics.DisplayJPEG, &s.lastDisplaySeq)
			}
		}
	}
}

func (s *Server) deliver(kind clientsession.Kind, slot *frame.Slot, lastSeq *uint64) {
	var buf [512 * 1024]byte
	n, seq, _, _ := slot.CopyOut(buf[:])
	if n == 0 {
		return
	}
	*lastSeq = seq
	payload := buf[:n]
	header := []byte(fmt.Sprintf("--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", boundary, len(payload)))
	trailer := []byte("\r\n")

	s.mu.Lock()
	targets := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		if c.State == clientsession.Streaming && c.Kind == kind {
			targets = append(targets, c)
		}
	}
	s.mu.Unlock()

	for _, c := range targets {
		if c.SeenSequence(seq) {
			continue
		}
		if c.FramesSent < warmupFrameCount {
			time.Sleep(warmupSleep)
		}
		if err := sendFrame(c.conn, header, payload, trailer); err != nil {
			s.markClosing(c)
			continue
		}
		c.MarkDelivered(seq)
	}
}

func sendFrame(conn *net.TCPConn, header, payload, trailer []byte) error {
	// A deadline set once at promotion only bounds the first write,
	// since Go's deadline is absolute, not a per-write idle timer; a
	// live client would be killed by the same 2s deadline it joined
	// with regardless of how many frames had flowed since. Re-arm it
	// before every write instead, so it bounds only this send.
	if err := conn.SetWriteDeadline(time.Now().Add(sendTimeout)); err != nil {
		return err
	}
	sockutil.SetCork(conn, true)
	buffers := net.Buffers{header, payload, trailer}
	_, err := buffers.WriteTo(conn)
	sockutil.SetCork(conn, false)
	return err
}

func (s *Server) countStreaming(kind clientsession.Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.clients {
		if c.State == clientsession.Streaming && c.Kind == kind {
			n++
		}
	}
	return n
}

func (s *Server) markClosing(c *client) {
	s.mu.Lock()
	c.State = clientsession.Closing
	s.mu.Unlock()
}

func (s *Server) closeClient(c *client) {
	s.mu.Lock()
	c.State = clientsession.Closing
	s.mu.Unlock()
}

func (s *Server) evictClosing() {
	s.mu.Lock()
	kept := s.clients[:0]
	var toClose []*client
	for _, c := range s.clients {
		if c.State == clientsession.Closing {
			toClose = append(toClose, c)
			continue
		}
		kept = append(kept, c)
	}
	s.clients = kept
	s.mu.Unlock()

	for _, c := range toClose {
		c.conn.Close()
		if c.Kind == clientsession.KindDisplayStream && s.display != nil {
			s.display.Release()
		}
	}
}

var homepageHTML = []byte(`<!doctype html>
<html><head><title>mediastreamd</title></head>
<body>
<h1>mediastreamd</h1>
<ul>
<li><a href="/stream">/stream</a> - live camera MJPEG</li>
<li><a href="/snapshot">/snapshot</a> - single camera JPEG</li>
<li><a href="/display">/display</a> - live display MJPEG</li>
<li><a href="/display/snapshot">/display/snapshot</a> - single display JPEG</li>
</ul>
</body></html>`)
