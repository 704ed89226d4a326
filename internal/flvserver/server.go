// Package flvserver implements the FLV-over-HTTP fan-out server spec.md
// §4.5 describes: the same single-listener, fixed-slot-array shape as
// jpegserver, but with exactly one route and a per-client FlvMuxer
// instead of pass-through multipart framing, since H.264 frames cannot be
// dropped server-side once a client has joined a GOP.
package flvserver

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/streamdaemon/mediastreamd/internal/clientsession"
	"github.com/streamdaemon/mediastreamd/internal/flv"
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
	// syntheticContentLength is a deliberately oversized Content-Length
	// used to satisfy legacy FLV players that reject chunked transfer
	// encoding, per spec.md §6.
	syntheticContentLength = "99999999999"
)

type client struct {
	clientsession.Base
	conn  *net.TCPConn
	muxer *flv.Muxer
}

// StreamInfo carries the metadata values spec.md §4.3's onMetaData tag
// needs, fixed for the process lifetime since this server doesn't
// renegotiate resolution mid-stream.
type StreamInfo struct {
	Width             int
	Height            int
	FrameRate         float64
	VideoDataRateKbps float64
}

// Server is the FLV fan-out server.
type Server struct {
	ln     *net.TCPListener
	topics topics.Topics
	info   StreamInfo
	log    zerolog.Logger

	mu      sync.Mutex
	clients []*client
	stopped atomic.Bool
	lastSeq uint64

	maxClients  int
	idleTimeout time.Duration
}

// New binds addr and constructs a Server. maxClients and idleTimeout come
// from config.Config (MAX_CLIENTS / HTTP_IDLE_TIMEOUT_SEC); a zero value
// falls back to the spec.md §4.5 defaults. Call Run to start serving.
func New(addr string, t topics.Topics, info StreamInfo, maxClients int, idleTimeout time.Duration, log zerolog.Logger) (*Server, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("flvserver: resolve %s: %w", addr, err)
	}
	ln, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return nil, fmt.Errorf("flvserver: listen %s: %w", addr, err)
	}
	if maxClients <= 0 {
		maxClients = defaultMaxClients
	}
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleTimeout
	}
	return &Server{ln: ln, topics: t, info: info, maxClients: maxClients, idleTimeout: idleTimeout, log: log}, nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// FLVStreamingClients reports the number of clients currently streaming,
// consumed by the pipeline's client-activity gating.
func (s *Server) FLVStreamingClients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.clients {
		if c.State == clientsession.Streaming {
			n++
		}
	}
	return n
}

// Run accepts connections and drives the fan-out loop until Close.
func (s *Server) Run() error {
	go s.acceptLoop()
	s.fanOutLoop()
	return nil
}

// Close stops accepting and wakes the fan-out loop.
func (s *Server) Close() error {
	s.stopped.Store(true)
	s.topics.CameraH264.BroadcastWakeup()
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
	if method != "GET" || path != "/flv" {
		writeSimple(conn, 404, []byte("Not Found"))
		conn.Close()
		return
	}

	s.mu.Lock()
	if len(s.clients) >= s.maxClients {
		s.mu.Unlock()
		writeSimple(conn, 503, []byte("Service Unavailable"))
		conn.Close()
		return
	}
	c := &client{
		Base:  clientsession.Base{State: clientsession.Streaming, Kind: clientsession.KindFlv, ConnectedAt: time.Now()},
		conn:  conn,
		muxer: flv.NewMuxer(),
	}
	// spec.md §4.5 step 1: join "at the next fresh frame" rather than
	// replaying anything already published. Every client gets its own
	// fresh Muxer, so the first NAL tag it ever emits is necessarily the
	// next IDR (the muxer drops access units until one arrives) -
	// resolving the open question in spec.md §9 in favour of the
	// behaviour §8 S3 requires, rather than the ambiguous legacy handoff.
	c.LastFrameSeq = s.topics.CameraH264.CurrentSequence()
	s.clients = append(s.clients, c)
	s.mu.Unlock()

	header := "HTTP/1.1 200 OK\r\n" +
		"Content-Type: text/plain\r\n" +
		"Access-Control-Allow-Origin: *\r\n" +
		"Content-Length: " + syntheticContentLength + "\r\n\r\n"
	var out []byte
	out = append(out, header...)
	out = append(out, flv.Header()...)
	out = append(out, flv.Metadata(s.info.Width, s.info.Height, s.info.VideoDataRateKbps, s.info.FrameRate)...)
	if _, err := conn.Write(out); err != nil {
		s.markClosing(c)
		return
	}
	sockutil.SetBlockingWithTimeout(conn, sendTimeout)
	sockutil.SetNoDelay(conn, false)
}

func (s *Server) fanOutLoop() {
	for !s.stopped.Load() {
		s.evictClosing()

		if s.FLVStreamingClients() == 0 {
			time.Sleep(500 * time.Millisecond)
			continue
		}

		if s.topics.CameraH264.WaitForNew(s.lastSeq, 100*time.Millisecond) {
			s.deliver()
		}
	}
}

func (s *Server) deliver() {
	var buf [256 * 1024]byte
	n, seq, tsUs, isKeyframe := s.topics.CameraH264.CopyOut(buf[:])
	if n == 0 {
		return
	}
	_ = isKeyframe
	s.lastSeq = seq
	payload := append([]byte(nil), buf[:n]...)

	s.mu.Lock()
	targets := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		if c.State == clientsession.Streaming && c.LastFrameSeq < seq {
			targets = append(targets, c)
		}
	}
	s.mu.Unlock()

	for _, c := range targets {
		if c.FramesSent < warmupFrameCount {
			time.Sleep(warmupSleep)
		}
		out := c.muxer.Mux(nil, payload, tsUs)
		if len(out) == 0 {
			c.MarkDelivered(seq)
			continue
		}
		// Re-arm the deadline before every tag write. SetDeadline is
		// absolute, not a per-write idle timer, so the one set at join
		// time in handleAccepted would otherwise expire under any
		// client that outlives sendTimeout regardless of how many
		// frames it had already received.
		if err := c.conn.SetWriteDeadline(time.Now().Add(sendTimeout)); err != nil {
			s.markClosing(c)
			continue
		}
		if _, err := c.conn.Write(out); err != nil {
			s.markClosing(c)
			continue
		}
		c.MarkDelivered(seq)
	}
}

func (s *Server) markClosing(c *client) {
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
	}
}

func readRequestLine(conn net.Conn) (method, path string, err error) {
	r := bufio.NewReaderSize(conn, 2048)
	line, err := r.ReadString('\n')
	if err != nil {
		return "", "", err
	}
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return "", "", fmt.Errorf("flvserver: malformed request line %q", line)
	}
	return fields[0], fields[1], nil
}

func writeSimple(conn net.Conn, status int, body []byte) {
	statusText := "Not Found"
	if status == 503 {
		statusText = "Service Unavailable"
	}
	header := fmt.Sprintf("HTTP/1.1 %d %s\r\nContent-Type: text/plain\r\nContent-Length: %d\r\nConnection: close\r\n\r\n",
		status, statusText, len(body))
	conn.Write([]byte(header))
	conn.Write(body)
}
