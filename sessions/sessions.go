// Package sessions owns the session-scoped transport lifecycle: the registry
// mapping session identifiers to open transports, the per-session duplex
// transport with its replayable event stream, and the event-store backends
// behind SSE resumption.
//
// Ownership is strict: the registry is the sole owner of the id→transport
// relationship, and each transport owns its own stream state. Session state
// does not survive a process restart.
package sessions

import (
	"context"

	"github.com/omotenashiqr/mcp-gateway/mcp"
)

// Session is the capability surface tool handlers see: an identity plus an
// event sink for pushing log notifications to the caller.
type Session interface {
	SessionID() string
	// Log pushes a notifications/message event on the caller's session.
	// Delivery is best-effort; a gone client must not fail the tool.
	Log(ctx context.Context, level mcp.LoggingLevel, data any) error
}

// ToolSource supplies the tool surface a transport dispatches to.
type ToolSource interface {
	Tools(ctx context.Context) []mcp.Tool
	CallTool(ctx context.Context, sess Session, req *mcp.CallToolRequest) (*mcp.CallToolResult, error)
}

// MessageWriter delivers a raw JSON-RPC payload directly to the caller,
// bypassing the session event queue.
type MessageWriter interface {
	WriteMessage(ctx context.Context, payload []byte) error
}

// MessageWriterFunc adapts a function to MessageWriter.
type MessageWriterFunc func(ctx context.Context, payload []byte) error

func (f MessageWriterFunc) WriteMessage(ctx context.Context, payload []byte) error {
	return f(ctx, payload)
}

type directWriterKey struct{}

// WithDirectWriter attaches the per-request response stream so notifications
// emitted during a tool call ride the open POST stream instead of the
// session's GET stream.
func WithDirectWriter(ctx context.Context, w MessageWriter) context.Context {
	if w == nil {
		return ctx
	}
	return context.WithValue(ctx, directWriterKey{}, w)
}

// DirectWriterFrom retrieves the per-request writer, if any.
func DirectWriterFrom(ctx context.Context) (MessageWriter, bool) {
	w, ok := ctx.Value(directWriterKey{}).(MessageWriter)
	return w, ok && w != nil
}
