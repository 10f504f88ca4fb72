// Package streaminghttp serves the gateway's MCP endpoint over the
// streamable HTTP transport: POST carries client messages, GET opens the
// session's server-to-client SSE stream with Last-Event-ID resumption, and
// DELETE terminates the session. A /health endpoint reports liveness.
package streaminghttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/omotenashiqr/mcp-gateway/internal/jsonrpc"
	"github.com/omotenashiqr/mcp-gateway/internal/logctx"
	"github.com/omotenashiqr/mcp-gateway/mcp"
	"github.com/omotenashiqr/mcp-gateway/sessions"
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	lastEventIDHeader  = "Last-Event-ID"
	mcpSessionIDHeader = "Mcp-Session-Id"
	apiKeyHeader       = "X-Api-Key"
)

// Handler implements the streamable HTTP transport over the session registry.
type Handler struct {
	mux      *http.ServeMux
	log      *slog.Logger
	apiKey   string
	registry *sessions.Registry
	tools    sessions.ToolSource
	store    sessions.EventStore
	info     mcp.ImplementationInfo
	started  time.Time
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the handler's slog.Logger. It is wrapped with the
// context-enriching handler so request and session attributes ride along.
func WithLogger(log *slog.Logger) Option {
	return func(h *Handler) { h.log = log }
}

// New builds the transport handler. Every non-initialization request must
// present apiKey; sessions are created by initialize requests and journal
// their events into store.
func New(apiKey string, registry *sessions.Registry, tools sessions.ToolSource, store sessions.EventStore, info mcp.ImplementationInfo, opts ...Option) (*Handler, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("api key is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("session registry is required")
	}
	if tools == nil {
		return nil, fmt.Errorf("tool source is required")
	}
	if store == nil {
		return nil, fmt.Errorf("event store is required")
	}

	h := &Handler{
		apiKey:   apiKey,
		registry: registry,
		tools:    tools,
		store:    store,
		info:     info,
		log:      slog.Default(),
		started:  time.Now(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = slog.New(logctx.Handler{Handler: h.log.Handler()})

	mux := http.NewServeMux()
	mux.HandleFunc("/mcp", h.handleMCP)
	mux.HandleFunc("/health", h.handleHealth)
	h.mux = mux
	return h, nil
}

// ServeHTTP stamps per-request log context and recovers panics at the
// transport boundary.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})
	sw := &statusWriter{ResponseWriter: w}
	defer func() {
		if rec := recover(); rec != nil {
			h.log.ErrorContext(ctx, "http.panic", slog.Any("panic", rec))
			if !sw.wrote {
				writeRPCError(sw, http.StatusInternalServerError, nil, jsonrpc.ErrorCodeInternalError, "internal server error")
			}
		}
	}()
	h.mux.ServeHTTP(sw, r.WithContext(ctx))
}

// statusWriter records whether a response has started, so the panic handler
// knows if an error body can still be written.
type statusWriter struct {
	http.ResponseWriter
	wrote bool
}

func (w *statusWriter) WriteHeader(code int) {
	w.wrote = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	w.wrote = true
	return w.ResponseWriter.Write(p)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (h *Handler) handleMCP(w http.ResponseWriter, r *http.Request) {
	h.setCORS(w)
	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
	case http.MethodPost:
		h.handlePostMCP(w, r)
	case http.MethodGet:
		h.handleGetMCP(w, r)
	case http.MethodDelete:
		h.handleDeleteMCP(w, r)
	default:
		w.Header().Set("Allow", "POST, GET, DELETE, OPTIONS")
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) setCORS(w http.ResponseWriter) {
	hd := w.Header()
	hd.Set("Access-Control-Allow-Origin", "*")
	hd.Set("Access-Control-Allow-Methods", "POST, GET, DELETE, OPTIONS")
	hd.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Api-Key, Mcp-Session-Id, Last-Event-ID")
	hd.Set("Access-Control-Expose-Headers", mcpSessionIDHeader)
}

// checkAPIKey enforces the shared-secret gate. It writes the error response
// itself and reports whether the request may proceed.
func (h *Handler) checkAPIKey(w http.ResponseWriter, r *http.Request) bool {
	key := r.Header.Get(apiKeyHeader)
	if key == "" {
		if authz := r.Header.Get("Authorization"); strings.HasPrefix(authz, "Bearer ") {
			key = strings.TrimPrefix(authz, "Bearer ")
		}
	}
	if key == "" {
		h.log.InfoContext(r.Context(), "auth.missing")
		writeRPCError(w, http.StatusUnauthorized, nil, jsonrpc.ErrorCodeUnauthorized, "Unauthorized: API key is required (X-API-Key header)")
		return false
	}
	if key != h.apiKey {
		h.log.InfoContext(r.Context(), "auth.reject")
		writeRPCError(w, http.StatusForbidden, nil, jsonrpc.ErrorCodeForbidden, "Forbidden: Invalid API key")
		return false
	}
	return true
}

// handlePostMCP routes one inbound client message: initialization requests
// mint a session, requests against a known session are answered on an SSE
// response stream, and notifications are accepted without a body.
func (h *Handler) handlePostMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.post.start")

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		h.log.WarnContext(ctx, "content_type.unsupported")
		writeRPCError(w, http.StatusUnsupportedMediaType, nil, jsonrpc.ErrorCodeBadRequest, "Content-Type must be application/json")
		return
	}

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		h.log.WarnContext(ctx, "json.decode.fail", slog.String("err", err.Error()))
		writeRPCError(w, http.StatusBadRequest, nil, jsonrpc.ErrorCodeParseError, "invalid JSON body")
		return
	}
	if len(raw) > 0 && raw[0] == '[' {
		h.log.WarnContext(ctx, "jsonrpc.batch.forbidden")
		writeRPCError(w, http.StatusBadRequest, nil, jsonrpc.ErrorCodeBadRequest, "JSON-RPC batch arrays are forbidden on the streaming HTTP transport")
		return
	}

	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.log.WarnContext(ctx, "jsonrpc.frame.invalid", slog.String("err", err.Error()))
		writeRPCError(w, http.StatusBadRequest, nil, jsonrpc.ErrorCodeInvalidRequest, err.Error())
		return
	}
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: msg.Method, ID: msg.ID.String(), Type: msg.Type()})

	sessID := r.Header.Get(mcpSessionIDHeader)

	// A fresh initialize request with no session header mints the session and
	// needs no API key: the handshake is how clients discover the server.
	if sessID == "" {
		if msg.Method == string(mcp.InitializeMethod) && msg.Type() == "request" {
			h.handleInitialize(ctx, w, msg.AsRequest())
			h.log.InfoContext(ctx, "http.post.ok", slog.Duration("dur", time.Since(start)))
			return
		}
		h.log.WarnContext(ctx, "request.no_session")
		writeRPCError(w, http.StatusBadRequest, nil, jsonrpc.ErrorCodeBadRequest, "Bad Request: No valid session ID provided or not an initialization request")
		return
	}

	if !h.checkAPIKey(w, r) {
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessID})
	tr, ok := h.registry.Lookup(sessID)
	if !ok {
		h.log.InfoContext(ctx, "session.load.miss")
		writeRPCError(w, http.StatusBadRequest, msg.ID, jsonrpc.ErrorCodeUnauthorized, "Session expired. Please reinitialize the connection.")
		return
	}

	switch msg.Type() {
	case "request":
		h.respondOnStream(ctx, w, r, tr, msg.AsRequest())
	case "notification":
		if err := tr.HandleNotification(ctx, msg.AsRequest()); err != nil {
			h.log.WarnContext(ctx, "notification.fail", slog.String("err", err.Error()))
		}
		w.WriteHeader(http.StatusAccepted)
	default:
		// Client responses have no server-side counterpart here; ack them.
		w.WriteHeader(http.StatusAccepted)
	}
	h.log.InfoContext(ctx, "http.post.ok", slog.Duration("dur", time.Since(start)))
}

// handleInitialize creates the session transport, registers it, and answers
// the handshake as a plain JSON body carrying the new session id header.
func (h *Handler) handleInitialize(ctx context.Context, w http.ResponseWriter, req *jsonrpc.Request) {
	sessID := uuid.NewString()
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessID})

	tr := sessions.NewTransport(sessID, h.info, h.tools, h.store, sessions.WithTransportLogger(h.log))
	res := tr.HandleRequest(ctx, req)
	if res.Error != nil {
		// A rejected handshake establishes no session: no registry entry and
		// no session id header, just the error body.
		h.log.WarnContext(ctx, "session.initialize.reject", slog.Int("code", int(res.Error.Code)))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(res)
		return
	}

	if err := h.registry.Register(sessID, tr); err != nil {
		h.log.ErrorContext(ctx, "session.register.fail", slog.String("err", err.Error()))
		writeRPCError(w, http.StatusInternalServerError, req.ID, jsonrpc.ErrorCodeInternalError, "failed to create session")
		return
	}
	tr.OnClose(func() { h.registry.Remove(sessID) })

	h.log.InfoContext(ctx, "session.created")

	w.Header().Set(mcpSessionIDHeader, sessID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(res)
}

// respondOnStream answers a request over a per-request SSE stream so that
// logging notifications emitted while the call runs (polling progress) reach
// the client before the final response.
func (h *Handler) respondOnStream(ctx context.Context, w http.ResponseWriter, r *http.Request, tr *sessions.Transport, req *jsonrpc.Request) {
	f, ok := w.(http.Flusher)
	if !ok {
		h.log.ErrorContext(ctx, "flusher.missing")
		writeRPCError(w, http.StatusInternalServerError, req.ID, jsonrpc.ErrorCodeInternalError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	wf := &lockedWriteFlusher{w: w, f: f, ctx: ctx}
	ctx = sessions.WithDirectWriter(ctx, sessions.MessageWriterFunc(func(ctx context.Context, payload []byte) error {
		return writeSSEEvent(wf, "", payload)
	}))

	res := tr.HandleRequest(ctx, req)
	payload, err := json.Marshal(res)
	if err != nil {
		h.log.ErrorContext(ctx, "response.encode.fail", slog.String("err", err.Error()))
		return
	}
	if err := writeSSEEvent(wf, "", payload); err != nil {
		h.log.WarnContext(ctx, "response.write.fail", slog.String("err", err.Error()))
	}
}

// handleGetMCP opens the session's standalone server-to-client SSE stream,
// optionally resuming after Last-Event-ID.
func (h *Handler) handleGetMCP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.get.start")

	if !h.checkAPIKey(w, r) {
		return
	}
	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		h.log.WarnContext(ctx, "accept.unsupported")
		writeRPCError(w, http.StatusNotAcceptable, nil, jsonrpc.ErrorCodeBadRequest, "Accept must include text/event-stream")
		return
	}

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		writeRPCError(w, http.StatusBadRequest, nil, jsonrpc.ErrorCodeBadRequest, "Bad Request: No valid session ID provided")
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessID})

	tr, ok := h.registry.Lookup(sessID)
	if !ok {
		h.log.InfoContext(ctx, "session.load.miss")
		writeRPCError(w, http.StatusBadRequest, nil, jsonrpc.ErrorCodeUnauthorized, "Session expired. Please reinitialize the connection.")
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		h.log.ErrorContext(ctx, "flusher.missing")
		writeRPCError(w, http.StatusInternalServerError, nil, jsonrpc.ErrorCodeInternalError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	f.Flush()

	wf := &lockedWriteFlusher{w: w, f: f, ctx: ctx}
	err := tr.Stream(ctx, r.Header.Get(lastEventIDHeader), func(ctx context.Context, id string, payload []byte) error {
		return writeSSEEvent(wf, id, payload)
	})
	if err != nil && ctx.Err() == nil {
		h.log.WarnContext(ctx, "stream.end", slog.String("err", err.Error()))
	}
}

// handleDeleteMCP terminates a session.
func (h *Handler) handleDeleteMCP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.delete.start")

	if !h.checkAPIKey(w, r) {
		return
	}

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		h.log.WarnContext(ctx, "delete.missing_session_id")
		writeRPCError(w, http.StatusBadRequest, nil, jsonrpc.ErrorCodeBadRequest, "Bad Request: No valid session ID provided")
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessID})

	tr, ok := h.registry.Lookup(sessID)
	if !ok {
		h.log.InfoContext(ctx, "session.delete.miss")
		writeRPCError(w, http.StatusBadRequest, nil, jsonrpc.ErrorCodeUnauthorized, "Session expired. Please reinitialize the connection.")
		return
	}

	tr.Close()
	h.log.InfoContext(ctx, "session.deleted")
	w.WriteHeader(http.StatusNoContent)
}

// handleHealth reports process liveness and the live session count.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"server":   h.info.Name,
		"version":  h.info.Version,
		"uptime":   time.Since(h.started).Seconds(),
		"sessions": h.registry.Len(),
	})
}

// writeRPCError writes a JSON-RPC error body with the given HTTP status.
func writeRPCError(w http.ResponseWriter, status int, id *jsonrpc.RequestID, code jsonrpc.ErrorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(jsonrpc.NewErrorResponse(id, code, message, nil))
}

// lockedWriteFlusher serializes concurrent SSE writes and stops writing once
// the request context is canceled.
type lockedWriteFlusher struct {
	w   io.Writer
	f   http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

// writeFrame writes one complete frame and flushes it. Frames are written
// whole under the lock so concurrent direct writes and stream writes never
// interleave.
func (l *lockedWriteFlusher) writeFrame(p []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return l.ctx.Err()
	}
	if _, err := l.w.Write(p); err != nil {
		return err
	}
	l.f.Flush()
	return nil
}

// writeSSEEvent frames payload as one SSE event and flushes it.
func writeSSEEvent(wf *lockedWriteFlusher, msgID string, payload []byte) error {
	var buf bytes.Buffer
	if msgID != "" {
		fmt.Fprintf(&buf, "id: %s\n", msgID)
	}
	buf.WriteString("data: ")
	buf.Write(payload)
	buf.WriteString("\n\n")
	if err := wf.writeFrame(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write SSE event: %w", err)
	}
	return nil
}
