package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/omotenashiqr/mcp-gateway/internal/jsonrpc"
	"github.com/omotenashiqr/mcp-gateway/internal/logctx"
	"github.com/omotenashiqr/mcp-gateway/mcp"
)

// ErrTransportClosed reports an operation against a closed transport.
var ErrTransportClosed = errors.New("transport closed")

// subscriberBuffer is the per-subscriber live-event channel depth. Events
// beyond it are dropped for that subscriber; the event store still holds
// them for resumption.
const subscriberBuffer = 16

// Transport is the stateful duplex endpoint of one session. It dispatches
// inbound requests against the server's tool surface and fans server-to-client
// events out to the session's open streams, recording them in the event store
// for Last-Event-ID resumption.
type Transport struct {
	id    string
	info  mcp.ImplementationInfo
	tools ToolSource
	store EventStore
	log   *slog.Logger

	mu              sync.Mutex
	subs            map[int]chan streamEvent
	nextSub         int
	onClose         []func()
	closed          bool
	done            chan struct{}
	protocolVersion string
	initialized     bool
}

type streamEvent struct {
	id      string
	payload []byte
}

// TransportOption configures a Transport.
type TransportOption func(*Transport)

// WithTransportLogger sets the transport's slog.Logger.
func WithTransportLogger(log *slog.Logger) TransportOption {
	return func(t *Transport) { t.log = log }
}

// NewTransport builds a transport for the session id, serving the given
// implementation info and tool surface, journaling events into store.
func NewTransport(id string, info mcp.ImplementationInfo, tools ToolSource, store EventStore, opts ...TransportOption) *Transport {
	t := &Transport{
		id:    id,
		info:  info,
		tools: tools,
		store: store,
		log:   slog.New(slog.DiscardHandler),
		subs:  make(map[int]chan streamEvent),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Transport) SessionID() string { return t.id }

// ProtocolVersion returns the negotiated protocol revision, or "" before
// initialization.
func (t *Transport) ProtocolVersion() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.protocolVersion
}

// Initialized reports whether the initialize exchange completed.
func (t *Transport) Initialized() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.initialized
}

// OnClose registers fn to run when the transport closes. The registry uses
// this to drop its entry when a client disconnects without a DELETE.
func (t *Transport) OnClose(fn func()) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		fn()
		return
	}
	t.onClose = append(t.onClose, fn)
	t.mu.Unlock()
}

// Close tears the transport down: live streams end, the event log is
// dropped, and close callbacks fire. Idempotent.
func (t *Transport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	close(t.done)
	callbacks := t.onClose
	t.onClose = nil
	t.mu.Unlock()

	_ = t.store.Drop(context.WithoutCancel(context.Background()), t.id)
	for _, fn := range callbacks {
		fn()
	}
}

// HandleRequest dispatches one inbound request and returns its response.
// Tool-level failures come back as structured results, never as errors; the
// returned response is always non-nil.
func (t *Transport) HandleRequest(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	switch mcp.Method(req.Method) {
	case mcp.InitializeMethod:
		return t.handleInitialize(ctx, req)
	case mcp.PingMethod:
		res, err := jsonrpc.NewResultResponse(req.ID, struct{}{})
		if err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal server error", nil)
		}
		return res
	case mcp.ToolsListMethod:
		res, err := jsonrpc.NewResultResponse(req.ID, mcp.ListToolsResult{Tools: t.tools.Tools(ctx)})
		if err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal server error", nil)
		}
		return res
	case mcp.ToolsCallMethod:
		return t.handleCallTool(ctx, req)
	default:
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method), nil)
	}
}

// HandleNotification processes an inbound notification. Unknown notifications
// are ignored per protocol.
func (t *Transport) HandleNotification(ctx context.Context, req *jsonrpc.Request) error {
	switch mcp.Method(req.Method) {
	case mcp.InitializedNotificationMethod:
		t.mu.Lock()
		t.initialized = true
		t.mu.Unlock()
		t.log.InfoContext(ctx, "session.initialized")
	case mcp.CancelledNotificationMethod:
		// Polling is cancelled only by transport closure; a cancel
		// notification for an in-flight call is acknowledged and ignored.
		t.log.InfoContext(ctx, "rpc.cancel.ignored")
	}
	return nil
}

func (t *Transport) handleInitialize(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	var initReq mcp.InitializeRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &initReq); err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid initialize params", nil)
		}
	}

	pv := initReq.ProtocolVersion
	if !mcp.IsSupportedProtocolVersion(pv) {
		pv = mcp.LatestProtocolVersion
	}
	t.mu.Lock()
	t.protocolVersion = pv
	t.mu.Unlock()

	t.log.InfoContext(ctx, "session.initialize",
		slog.String("client", initReq.ClientInfo.Name),
		slog.String("protocol_version", pv))

	res, err := jsonrpc.NewResultResponse(req.ID, mcp.InitializeResult{
		ProtocolVersion: pv,
		Capabilities: mcp.ServerCapabilities{
			Tools:   &mcp.ToolsServerCapability{ListChanged: false},
			Logging: map[string]any{},
		},
		ServerInfo: t.info,
	})
	if err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal server error", nil)
	}
	return res
}

func (t *Transport) handleCallTool(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	var callReq mcp.CallToolRequest
	if err := json.Unmarshal(req.Params, &callReq); err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid tools/call params", nil)
	}
	if callReq.Name == "" {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "tool name is required", nil)
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: t.id})
	result, err := t.tools.CallTool(ctx, t, &callReq)
	if err != nil {
		// Recoverable tool failures surface as structured results upstream of
		// here; an error at this boundary means the tool does not exist or
		// its arguments could not be decoded.
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, err.Error(), nil)
	}
	res, err := jsonrpc.NewResultResponse(req.ID, result)
	if err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal server error", nil)
	}
	return res
}

// Log implements Session: it frames a notifications/message event and pushes
// it on the caller's session. When the call is riding an open POST stream the
// notification is written there directly; otherwise (or if the direct write
// fails) it is published to the session stream for GET subscribers.
func (t *Transport) Log(ctx context.Context, level mcp.LoggingLevel, data any) error {
	n, err := jsonrpc.NewNotification(string(mcp.LoggingMessageNotificationMethod), mcp.LoggingMessageParams{
		Level:  level,
		Logger: t.info.Name,
		Data:   data,
	})
	if err != nil {
		return err
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}

	if dw, ok := DirectWriterFrom(ctx); ok {
		if err := dw.WriteMessage(ctx, payload); err == nil {
			return nil
		}
	}
	_, err = t.Publish(ctx, payload)
	return err
}

// Publish journals a server-to-client payload and fans it out to live
// subscribers. Subscribers that cannot keep up miss the live delivery but can
// resume from the event store.
func (t *Transport) Publish(ctx context.Context, payload []byte) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return "", ErrTransportClosed
	}
	id, err := t.store.Append(ctx, t.id, payload)
	if err != nil {
		return "", fmt.Errorf("failed to journal event: %w", err)
	}
	ev := streamEvent{id: id, payload: payload}
	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	return id, nil
}

// Stream delivers the session's server-to-client events to fn until ctx is
// canceled or the transport closes. When lastEventID is set, journaled events
// after it are replayed first.
func (t *Transport) Stream(ctx context.Context, lastEventID string, fn func(ctx context.Context, id string, payload []byte) error) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTransportClosed
	}
	ch := make(chan streamEvent, subscriberBuffer)
	subID := t.nextSub
	t.nextSub++
	t.subs[subID] = ch
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.subs, subID)
		t.mu.Unlock()
	}()

	// The subscriber registers before the replay runs so nothing published in
	// between is lost, and the replay itself runs outside the lock so a slow
	// event store never stalls Publish. An event that lands in both the replay
	// and the live channel is delivered once.
	replayed := make(map[string]bool)
	err := t.store.Replay(ctx, t.id, lastEventID, func(id string, payload []byte) error {
		replayed[id] = true
		return fn(ctx, id, payload)
	})
	if err != nil {
		return fmt.Errorf("failed to replay events: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.done:
			return nil
		case ev := <-ch:
			if replayed[ev.id] {
				delete(replayed, ev.id)
				continue
			}
			if err := fn(ctx, ev.id, ev.payload); err != nil {
				return err
			}
		}
	}
}
