// Package statusws implements the read-only /ws/stats telemetry endpoint
// SPEC_FULL.md §3/§4 adds: a websocket that periodically pushes the
// pipeline's current stats.Snapshot as JSON, reusing the teacher's
// websocket.Accept/conn.Write(ctx, websocket.MessageText, ...) pattern
// from internal/web/server.go's handleWebSocket.
package statusws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/streamdaemon/mediastreamd/internal/stats"
)

// pushInterval is how often a connected dashboard receives a fresh
// snapshot. It matches the pipeline's own 1s fps-recompute cadence
// (internal/pipeline's runPeriodicTasks) so the feed never looks stale
// relative to the numbers it's reporting.
const pushInterval = time.Second

// Source supplies the live telemetry this package serves. pipeline.Pipeline
// satisfies it without statusws importing the pipeline package, matching
// the structural-interface style internal/display/internal/jpegserver use
// for their own back-reference.
type Source interface {
	Snapshot() stats.Snapshot
}

// Server serves the /ws/stats telemetry websocket SPEC_FULL.md §3/§4
// describes, plus its own /healthz so a supervisor can probe this
// listener independently of jpegserver's (which carries the primary
// liveness probe SPEC_FULL.md §4 calls for).
type Server struct {
	addr   string
	source Source
	log    zerolog.Logger
}

// New constructs a Server. addr is a host:port listen address, e.g.
// ":8081".
func New(addr string, source Source, log zerolog.Logger) *Server {
	return &Server{addr: addr, source: source, log: log}
}

// Run starts the HTTP server and blocks until ctx is cancelled, then
// shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/stats", s.handleWebSocket)
	mux.HandleFunc("/healthz", s.handleHealthz)

	srv := &http.Server{
		Addr:        s.addr,
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.addr).Msg("statusws listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprint(w, "ok")
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.log.Info().Err(err).Msg("statusws: accept failed")
		return
	}
	defer func() {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	ctx := r.Context()
	if err := s.streamSnapshots(ctx, conn); err != nil {
		s.log.Debug().Err(err).Msg("statusws: connection closed")
	}
}

// streamSnapshots pushes a JSON stats.Snapshot on conn every pushInterval
// until the client disconnects or ctx is cancelled. It also runs a reader
// goroutine solely to notice the client going away (this endpoint accepts
// no inbound messages), matching the half-duplex nature of a dashboard
// feed.
func (s *Server) streamSnapshots(ctx context.Context, conn *websocket.Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	closedCh := make(chan error, 1)
	go func() {
		_, _, err := conn.Read(ctx)
		closedCh <- err
	}()

	ticker := time.NewTicker(pushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-closedCh:
			return err
		case <-ticker.C:
			payload, err := json.Marshal(s.source.Snapshot())
			if err != nil {
				return err
			}
			if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
				return err
			}
		}
	}
}
