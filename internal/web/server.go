// Package web is the SSE chat adapter: a thin HTTP transport that translates
// JSON requests into engine turns and streams the reply back.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/omnilead/omnilead/internal/completion"
	"github.com/omnilead/omnilead/internal/engine"
	"github.com/omnilead/omnilead/internal/store"
	"github.com/omnilead/omnilead/internal/web/sse"
)

// maxRequestBytes bounds the request body.
const maxRequestBytes = 1024 * 1024

// Agent is the conversation surface the server drives.
type Agent interface {
	Process(ctx context.Context, in engine.AgentInput) (engine.AgentOutput, error)
	ProcessStream(ctx context.Context, in engine.AgentInput, fn completion.StreamFunc) (engine.AgentOutput, error)
}

// ServerConfig contains configuration for creating the HTTP server.
type ServerConfig struct {
	Agent  Agent         // Required
	Logger *slog.Logger  // Optional: defaults to slog.Default
	Pool   *pgxpool.Pool // Optional: nil disables the database probe in /readyz
}

// Server is the JSON/SSE HTTP server.
type Server struct {
	mux *http.ServeMux
}

// NewServer creates a new server with all routes configured.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Agent == nil {
		return nil, errors.New("agent is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ch := &chatHandler{agent: cfg.Agent, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat", ch.send)
	mux.HandleFunc("POST /v1/chat/stream", ch.stream)

	var handler http.Handler = mux
	handler = loggingMiddleware(logger)(handler)
	handler = recoveryMiddleware(logger)(handler)

	topMux := http.NewServeMux()
	topMux.HandleFunc("GET /healthz", health)
	topMux.Handle("GET /readyz", readiness(cfg.Pool))
	topMux.Handle("/", handler)

	return &Server{mux: topMux}, nil
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// NewHTTPServer wraps the handler in an http.Server with streaming-friendly
// timeouts. WriteTimeout stays zero so long SSE responses are not cut off.
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

// ChatRequest is the JSON body for both chat endpoints.
type ChatRequest struct {
	Brand             string        `json:"brand"`
	Channel           string        `json:"channel"`
	Message           string        `json:"message"`
	Name              string        `json:"name,omitempty"`
	Email             string        `json:"email,omitempty"`
	Phone             string        `json:"phone,omitempty"`
	SessionID         string        `json:"sessionId,omitempty"`
	MessageCount      int           `json:"messageCount,omitempty"`
	PriorSummary      string        `json:"priorSummary,omitempty"`
	History           []HistoryTurn `json:"history,omitempty"`
	ShownQuickReplies []string      `json:"shownQuickReplies,omitempty"`
}

// HistoryTurn is one prior exchange supplied by the caller.
type HistoryTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatResponse is the synchronous endpoint's JSON response.
type ChatResponse struct {
	LeadID    string   `json:"leadId"`
	Reply     string   `json:"reply"`
	Intent    string   `json:"intent"`
	FollowUps []string `json:"followUps,omitempty"`
}

// SSE event types for chat streaming.
const (
	EventChunk = "chunk" // Partial response text
	EventDone  = "done"  // Stream completed successfully
	EventError = "error" // Error occurred during streaming
)

// ChunkPayload is the SSE data payload for streaming text chunks.
type ChunkPayload struct {
	Text string `json:"text"`
}

// DonePayload is the SSE data payload when streaming completes successfully.
type DonePayload struct {
	LeadID    string   `json:"leadId"`
	Reply     string   `json:"reply"`
	Intent    string   `json:"intent"`
	FollowUps []string `json:"followUps,omitempty"`
}

// ErrorPayload is the SSE data payload when an error occurs. Message is a
// customer-presentable sentence; internal detail stays in the logs.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type chatHandler struct {
	agent  Agent
	logger *slog.Logger
}

// parseRequest decodes and validates the chat body into an AgentInput.
func parseRequest(w http.ResponseWriter, r *http.Request) (engine.AgentInput, string, bool) {
	var req ChatRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return engine.AgentInput{}, "invalid request body", false
	}

	ch := store.Channel(req.Channel)
	switch {
	case req.Brand == "":
		return engine.AgentInput{}, "brand is required", false
	case !ch.Valid():
		return engine.AgentInput{}, "unknown channel", false
	case req.Message == "":
		return engine.AgentInput{}, "message is required", false
	case req.Phone == "" && req.Email == "":
		return engine.AgentInput{}, "phone or email is required", false
	}

	in := engine.AgentInput{
		Brand:             req.Brand,
		Channel:           ch,
		Message:           req.Message,
		MessageCount:      req.MessageCount,
		ExternalSessionID: req.SessionID,
		Name:              req.Name,
		Email:             req.Email,
		Phone:             req.Phone,
		PriorSummary:      req.PriorSummary,
		ShownQuickReplies: req.ShownQuickReplies,
	}
	for _, t := range req.History {
		in.History = append(in.History, engine.Turn{Role: store.Role(t.Role), Content: t.Content})
	}
	return in, "", true
}

// send handles the synchronous chat endpoint.
func (h *chatHandler) send(w http.ResponseWriter, r *http.Request) {
	in, msg, ok := parseRequest(w, r)
	if !ok {
		writeJSONError(w, http.StatusBadRequest, msg)
		return
	}

	out, err := h.agent.Process(r.Context(), in)
	if err != nil {
		h.logger.Error("chat turn failed", "brand", in.Brand, "channel", in.Channel, "error", err)
		payload := classifyError(err)
		writeJSONError(w, http.StatusServiceUnavailable, payload.Message)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(ChatResponse{
		LeadID:    out.LeadID.String(),
		Reply:     out.Reply,
		Intent:    out.Intent,
		FollowUps: out.FollowUps,
	})
}

// stream handles the SSE streaming chat endpoint.
func (h *chatHandler) stream(w http.ResponseWriter, r *http.Request) {
	writer, err := sse.NewWriter(w)
	if err != nil {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	in, msg, ok := parseRequest(w, r)
	if !ok {
		_ = writer.WriteEvent(EventError, ErrorPayload{Code: "invalid_request", Message: msg})
		return
	}

	ctx := r.Context()
	out, err := h.agent.ProcessStream(ctx, in, func(_ context.Context, delta string) error {
		return writer.WriteEvent(EventChunk, ChunkPayload{Text: delta})
	})
	if err != nil {
		if ctx.Err() != nil {
			// Client disconnected; the stream was abandoned upstream.
			h.logger.Info("client disconnected", "brand", in.Brand, "channel", in.Channel)
			return
		}
		h.logger.Error("chat stream failed", "brand", in.Brand, "channel", in.Channel, "error", err)
		_ = writer.WriteEvent(EventError, classifyError(err))
		return
	}

	_ = writer.WriteEvent(EventDone, DonePayload{
		LeadID:    out.LeadID.String(),
		Reply:     out.Reply,
		Intent:    out.Intent,
		FollowUps: out.FollowUps,
	})
}

// classifyError maps an engine failure to a customer-presentable payload.
// Raw error detail never reaches the caller.
func classifyError(err error) ErrorPayload {
	if completion.IsTransient(err) {
		return ErrorPayload{
			Code:    "model_overloaded",
			Message: "Sorry, we are a little busy right now. Please try again in a moment.",
		}
	}
	return ErrorPayload{
		Code:    "internal_error",
		Message: "Sorry, something went wrong on our side. Please try again.",
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// health is a liveness probe.
func health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// readiness probes the database when a pool is configured.
func readiness(pool *pgxpool.Pool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if pool != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := pool.Ping(ctx); err != nil {
				http.Error(w, "database unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
}
