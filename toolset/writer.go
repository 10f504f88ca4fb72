package toolset

import (
	"context"
	"errors"
	"sync"

	"github.com/omotenashiqr/mcp-gateway/mcp"
)

// ErrFinalized is returned when writing after Result() was called.
var ErrFinalized = errors.New("result already finalized")

// ResponseWriter lets a tool handler incrementally compose a CallToolResult.
// It is concurrency-safe within a single request; writes after finalization
// return ErrFinalized, and mutating methods check ctx.Done() first.
type ResponseWriter interface {
	AppendText(text string) error
	AppendBlocks(blocks ...mcp.ContentBlock) error
	SetError(isError bool)
	// Result finalizes and returns the accumulated result. Idempotent.
	Result() *mcp.CallToolResult
}

type responseWriter struct {
	ctx       context.Context
	mu        sync.Mutex
	finalized bool

	blocks  []mcp.ContentBlock
	isError bool
}

var _ ResponseWriter = (*responseWriter)(nil)

func newResponseWriter(ctx context.Context) *responseWriter {
	return &responseWriter{ctx: ctx}
}

func (w *responseWriter) AppendText(text string) error {
	if text == "" {
		return nil
	}
	return w.AppendBlocks(mcp.ContentBlock{Type: "text", Text: text})
}

func (w *responseWriter) AppendBlocks(blocks ...mcp.ContentBlock) error {
	if err := w.ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.finalized {
		return ErrFinalized
	}
	w.blocks = append(w.blocks, blocks...)
	return nil
}

func (w *responseWriter) SetError(isError bool) {
	w.mu.Lock()
	w.isError = isError
	w.mu.Unlock()
}

func (w *responseWriter) Result() *mcp.CallToolResult {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.finalized = true
	return &mcp.CallToolResult{
		Content: append([]mcp.ContentBlock(nil), w.blocks...),
		IsError: w.isError,
	}
}
