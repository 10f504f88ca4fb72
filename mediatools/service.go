// Package mediatools implements the gateway's two MCP tools, generate_audio
// and generate_video. Each tool starts a job on the media API, streams
// progress to the caller's session as logging notifications, and blocks
// inside the tools/call until the job's artifact is ready or the polling
// budget runs out.
package mediatools

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/omotenashiqr/mcp-gateway/mcp"
	"github.com/omotenashiqr/mcp-gateway/sessions"
	"github.com/omotenashiqr/mcp-gateway/toolset"
	"github.com/omotenashiqr/mcp-gateway/upstream"
)

// Starter is the slice of upstream.Client the tools use to begin jobs.
type Starter interface {
	StartAudio(ctx context.Context, req upstream.AudioRequest) (*upstream.JobAck, error)
	StartVideo(ctx context.Context, req upstream.VideoRequest) (*upstream.JobAck, error)
}

// Awaiter blocks until a started job completes or its budget is exhausted.
type Awaiter interface {
	AwaitCompletion(ctx context.Context, projectID string, kind upstream.JobKind) (*upstream.Artifact, error)
}

// Service wires the media API client and poller into MCP tool handlers.
type Service struct {
	api    Starter
	poller Awaiter
	log    *slog.Logger
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithServiceLogger sets the slog.Logger used for server-side logging.
func WithServiceLogger(log *slog.Logger) ServiceOption {
	return func(s *Service) { s.log = log }
}

// NewService builds the tool service over the given media API client and
// poller.
func NewService(api Starter, poller Awaiter, opts ...ServiceOption) *Service {
	s := &Service{
		api:    api,
		poller: poller,
		log:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Tools returns the tool definitions for registration.
func (s *Service) Tools() []toolset.StaticTool {
	return []toolset.StaticTool{
		s.generateAudioTool(),
		s.generateVideoTool(),
	}
}

// failureResult is the structured error payload handed back to the client
// when a tool invocation fails. It distinguishes temporary upstream outages,
// where a retry is worthwhile, from permanent rejections.
type failureResult struct {
	Success          bool   `json:"success"`
	Error            string `json:"error"`
	ErrorType        string `json:"error_type"`
	RetryRecommended bool   `json:"retry_recommended"`
	Message          string `json:"message"`
	Troubleshooting  string `json:"troubleshooting"`
}

// failure renders err as a failure result on w and notifies the session.
func (s *Service) failure(ctx context.Context, session sessions.Session, w toolset.ResponseWriter, tool, message string, err error) error {
	_ = session.Log(ctx, mcp.LoggingLevelError, "Error in "+tool+": "+err.Error())
	s.log.ErrorContext(ctx, "tool.call.fail", slog.String("err", err.Error()))

	temporary := upstream.IsTemporary(err)
	res := failureResult{
		Success:          false,
		Error:            err.Error(),
		ErrorType:        "permanent",
		RetryRecommended: temporary,
		Message:          message,
		Troubleshooting:  "Check the error details and review the request settings.",
	}
	if temporary {
		res.ErrorType = "temporary"
		res.Troubleshooting = "Temporary upstream error. Retry in a few seconds."
	}
	w.SetError(true)
	return writeJSON(w, res)
}

// writeJSON renders v as an indented JSON text block.
func writeJSON(w toolset.ResponseWriter, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return w.AppendText(string(b))
}
