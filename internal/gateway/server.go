package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/harunnryd/genji/internal/config"
	"github.com/harunnryd/genji/internal/logger"
	"github.com/harunnryd/genji/internal/protocol"
)

// Server exposes the normalized chat API: one POST endpoint that accepts a
// unified request and answers with the unified event stream, whatever the
// chosen upstream speaks natively.
type Server struct {
	cfg         config.ServerConfig
	upstreams   map[string]Upstream
	models      map[string]string
	defaultName string

	turnTimeout     time.Duration
	shutdownTimeout time.Duration
	httpServer      *http.Server
}

// NewServer builds one upstream per configured provider entry.
func NewServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	turnTimeout, err := config.DurationOrDefault(cfg.Server.TurnTimeout, config.DefaultServerTurnTimeout)
	if err != nil {
		return nil, fmt.Errorf("parse turn timeout: %w", err)
	}
	shutdownTimeout, err := config.DurationOrDefault(cfg.Server.ShutdownTimeout, config.DefaultServerShutdownTimeout)
	if err != nil {
		return nil, fmt.Errorf("parse shutdown timeout: %w", err)
	}
	readTimeout, err := config.DurationOrDefault(cfg.Server.ReadTimeout, config.DefaultServerReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("parse read timeout: %w", err)
	}

	s := &Server{
		cfg:             cfg.Server,
		upstreams:       make(map[string]Upstream),
		models:          make(map[string]string),
		defaultName:     cfg.Providers.Default,
		turnTimeout:     turnTimeout,
		shutdownTimeout: shutdownTimeout,
	}

	for _, entry := range cfg.Providers.Registry {
		name := strings.ToLower(entry.Name)
		switch entry.Provider {
		case "anthropic":
			s.upstreams[name] = NewAnthropicUpstream(entry.APIKey, entry.BaseURL)
		case "openai":
			s.upstreams[name] = NewOpenAIUpstream(name, entry.APIKey, entry.BaseURL)
		case "gemini":
			up, err := NewGeminiUpstream(ctx, entry.APIKey)
			if err != nil {
				return nil, err
			}
			s.upstreams[name] = up
		default:
			return nil, fmt.Errorf("unknown provider kind %q for entry %q", entry.Provider, entry.Name)
		}
		s.models[name] = entry.Model
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat", s.handleChat)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:     mux,
		ReadTimeout: readTimeout,
		// No write timeout: responses are long-lived streams.
	}
	return s, nil
}

// Handler returns the route table, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe blocks until the context is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Gateway listening", "addr", s.httpServer.Addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	providers := make([]string, 0, len(s.upstreams))
	for name := range s.upstreams {
		providers = append(providers, name)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    "ok",
		"providers": providers,
	})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req protocol.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf(`{"error":"decode request: %s"}`, err), http.StatusBadRequest)
		return
	}

	name := strings.ToLower(req.Provider)
	if name == "" {
		name = strings.ToLower(s.defaultName)
	}
	up, ok := s.upstreams[name]
	if !ok {
		http.Error(w, fmt.Sprintf(`{"error":"unknown provider %q"}`, name), http.StatusNotFound)
		return
	}
	if req.Model == "" {
		req.Model = s.models[name]
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.turnTimeout)
	defer cancel()
	traceID := ulid.Make().String()
	ctx = logger.WithTraceID(ctx, traceID)

	slog.Info("Chat turn", "provider", name, "model", req.Model, "messages", len(req.Messages), "tools", len(req.Tools), "trace_id", traceID)

	sw := &streamWriter{w: w}
	var err error
	if raw, ok := up.(RawStreamer); ok {
		err = raw.StreamRaw(ctx, &req, sw)
	} else {
		sw.prepare()
		err = up.Stream(ctx, &req, func(ev protocol.StreamEvent) error {
			return protocol.WriteEvent(sw, ev)
		})
	}
	if err != nil {
		s.writeStreamError(sw, name, err, traceID)
	}
}

// writeStreamError surfaces a failure either as an HTTP status (nothing sent
// yet) or as a terminal error event (mid-stream).
func (s *Server) writeStreamError(sw *streamWriter, provider string, err error, traceID string) {
	slog.Error("Chat turn failed", "provider", provider, "error", err, "trace_id", traceID)

	var upstreamErr *UpstreamHTTPError
	if !sw.wroteBody && errors.As(err, &upstreamErr) {
		sw.w.Header().Set("Content-Type", "application/json")
		sw.w.WriteHeader(upstreamErr.Status)
		sw.w.Write([]byte(upstreamErr.Body))
		return
	}

	status := http.StatusBadGateway
	if errors.Is(err, context.DeadlineExceeded) {
		status = http.StatusGatewayTimeout
	}
	if !sw.wroteBody {
		sw.w.WriteHeader(status)
	}
	protocol.WriteEvent(sw, protocol.StreamEvent{
		Type:  protocol.EventError,
		Error: &protocol.StreamError{Status: status, Message: err.Error()},
	})
}

// streamWriter defers the event-stream headers until the first body byte, so
// an early failure can still use a plain HTTP status.
type streamWriter struct {
	w         http.ResponseWriter
	wroteBody bool
	prepared  bool
}

func (sw *streamWriter) prepare() {
	if sw.prepared {
		return
	}
	sw.prepared = true
	h := sw.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

func (sw *streamWriter) Write(p []byte) (int, error) {
	if !sw.prepared {
		sw.prepare()
	}
	sw.wroteBody = true
	return sw.w.Write(p)
}

func (sw *streamWriter) Flush() {
	if f, ok := sw.w.(http.Flusher); ok {
		f.Flush()
	}
}
