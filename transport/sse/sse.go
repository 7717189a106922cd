// Package sse implements the hybrid SSE/HTTP POST transport for MCP
// engines: server-to-client messages stream over a hanging GET as
// Server-Sent Events, client-to-server messages arrive as
// session-addressed HTTP POSTs.
//
// The wire contract, in short:
//
//  1. A client opens a session with GET /sse. The first event on the
//     stream is an 'endpoint' event carrying the POST URL for this
//     session.
//  2. The client POSTs JSON-RPC payloads to that URL. POSTs are
//     acknowledged with 202 Accepted the moment they are queued;
//     responses arrive asynchronously as 'message' events on the stream.
//  3. The engine run bound to the connection is the authoritative
//     terminator: when it returns, the stream completes and the session
//     is released.
package sse

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jonboulle/clockwork"

	"github.com/localrivet/sserelay"
	"github.com/localrivet/sserelay/engine"
)

// outboundBuffer is the per-session buffer between the engine and the
// stream writer. The engine blocks once it fills, which is the natural
// backpressure toward a slow client.
const outboundBuffer = 64

// Options configure a Server.
type Options struct {
	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// BasePath is the URL prefix for all endpoints, e.g. "/mcp" yields
	// "/mcp/sse" and "/mcp/messages". Empty means the root.
	BasePath string

	// ServerName and Version are reported by the health endpoint.
	ServerName string
	Version    string

	// IdleTimeout closes sessions with no POST or engine-read activity
	// for this long. Zero disables idle cleanup.
	IdleTimeout time.Duration

	// Clock defaults to the real clock.
	Clock clockwork.Clock
}

// Server is the HTTP surface of the gateway. It implements http.Handler.
type Server struct {
	engine   engine.Engine
	registry *Registry
	log      *slog.Logger
	clock    clockwork.Clock
	router   chi.Router

	basePath string
	name     string
	version  string
	start    time.Time
}

// NewServer builds the transport around an engine. The returned server is
// ready to be mounted on any net/http listener.
func NewServer(eng engine.Engine, opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	name := opts.ServerName
	if name == "" {
		name = sserelay.ServerName
	}
	version := opts.Version
	if version == "" {
		version = sserelay.Version
	}

	basePath := opts.BasePath
	if basePath != "" && !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	basePath = strings.TrimSuffix(basePath, "/")

	s := &Server{
		engine: eng,
		registry: NewRegistry(RegistryOptions{
			Logger:      log,
			Clock:       clock,
			IdleTimeout: opts.IdleTimeout,
		}),
		log:      log,
		clock:    clock,
		basePath: basePath,
		name:     name,
		version:  version,
		start:    clock.Now(),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	// The surface is deliberately open: no origin restrictions, no auth.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}))
	r.Get(basePath+"/sse", s.handleSSE)
	r.Post(basePath+"/messages", s.handleMessages)
	r.Get(basePath+"/health", s.handleHealth)
	s.router = r

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Registry exposes the session table, mainly for tests and metrics.
func (s *Server) Registry() *Registry { return s.registry }

// Shutdown stops the idle reaper and closes every live session, which in
// turn ends their engine runs and completes their hanging GETs.
func (s *Server) Shutdown() {
	s.registry.Shutdown()
}

// handleSSE owns the lifetime of one client connection for the duration of
// one MCP session.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	session := s.registry.Create()
	defer s.registry.Close(session.ID())

	s.log.Info("sse connection established",
		"session_id", session.ID(), "remote", r.RemoteAddr)

	// The endpoint event must be the first frame on the stream: it tells
	// the client where to POST subsequent requests.
	endpoint := fmt.Sprintf("%s/messages?session_id=%s", s.basePath, session.ID())
	if err := writeEvent(w, flusher, "endpoint", []byte(endpoint)); err != nil {
		s.log.Error("write endpoint event",
			"session_id", session.ID(), "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	out := make(chan []byte, outboundBuffer)
	engineDone := make(chan error, 1)
	go func() {
		engineDone <- s.runEngine(ctx, session, engine.SenderFunc(func(payload []byte) error {
			select {
			case out <- payload:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}))
	}()

	for {
		select {
		case payload := <-out:
			if err := writeEvent(w, flusher, "message", payload); err != nil {
				s.log.Warn("client write failed, dropping session",
					"session_id", session.ID(), "error", err)
				return
			}
		case err := <-engineDone:
			// Engine completion terminates the stream; flush whatever it
			// queued on the way out.
			s.drain(w, flusher, session.ID(), out)
			if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrSessionClosed) {
				s.log.Error("engine run failed",
					"session_id", session.ID(), "error", err)
			} else {
				s.log.Info("engine run complete", "session_id", session.ID())
			}
			return
		case <-ctx.Done():
			// Client went away; the engine sees the same cancellation.
			s.log.Info("client disconnected", "session_id", session.ID())
			return
		}
	}
}

// runEngine converts an engine panic into an error so a misbehaving engine
// tears down one stream, never the process.
func (s *Server) runEngine(ctx context.Context, in engine.Receiver, out engine.Sender) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("engine panic: %v", v)
		}
	}()
	return s.engine.Run(ctx, in, out)
}

func (s *Server) drain(w http.ResponseWriter, flusher http.Flusher, sessionID string, out <-chan []byte) {
	for {
		select {
		case payload := <-out:
			if err := writeEvent(w, flusher, "message", payload); err != nil {
				s.log.Warn("client write failed during drain",
					"session_id", sessionID, "error", err)
				return
			}
		default:
			return
		}
	}
}

// handleMessages accepts a JSON-RPC payload addressed to a session and
// queues it for the engine. Acceptance is fire-and-forget: 202 means
// "queued", never "processed".
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		sessionID = r.Header.Get("X-Session-Id")
	}
	if sessionID == "" {
		http.Error(w, "missing session_id query parameter", http.StatusBadRequest)
		return
	}

	payload, err := extractPayload(r)
	if err != nil {
		s.log.Warn("rejecting message post",
			"session_id", sessionID, "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	switch err := s.registry.Deliver(sessionID, payload); {
	case errors.Is(err, ErrSessionNotFound):
		http.Error(w, fmt.Sprintf("unknown session id: %s", sessionID), http.StatusNotFound)
	case errors.Is(err, ErrSessionClosed):
		http.Error(w, fmt.Sprintf("session closed: %s", sessionID), http.StatusBadRequest)
	case err != nil:
		s.log.Error("deliver failed", "session_id", sessionID, "error", err)
		http.Error(w, "delivery failed", http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusAccepted)
	}
}

type healthResponse struct {
	Status        string `json:"status"`
	Server        string `json:"server"`
	Version       string `json:"version"`
	Transport     string `json:"transport"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	resp := healthResponse{
		Status:        "healthy",
		Server:        s.name,
		Version:       s.version,
		Transport:     "sse",
		UptimeSeconds: int64(s.clock.Since(s.start).Seconds()),
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.Error("write health response", "error", err)
	}
}

// writeEvent frames one SSE event and flushes it to the client.
func writeEvent(w http.ResponseWriter, flusher http.Flusher, name string, data []byte) error {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "event: %s\n", name)
	fmt.Fprintf(&buf, "data: %s\n\n", bytes.TrimRight(data, "\n"))
	if _, err := w.Write(buf.Bytes()); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
