// Package upstream is the client side of the OmotenashiQR media-generation
// API: it starts audio and video jobs and polls their status until the
// asynchronous pipeline finishes. Job state lives entirely upstream; this
// package only observes it.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultTimeout = 30 * time.Second

// Client issues the proxied operations against the media API. It holds no
// job state beyond what a single request needs.
type Client struct {
	baseURL      string
	sessionToken string
	hc           *http.Client
	log          *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the underlying http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.hc = hc }
}

// WithClientLogger sets the slog.Logger used for request logging.
func WithClientLogger(log *slog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient builds a Client for the media API at baseURL, authenticating
// start calls with sessionToken.
func NewClient(baseURL, sessionToken string, opts ...ClientOption) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("upstream base URL is required")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid upstream base URL: %w", err)
	}
	if strings.TrimSpace(sessionToken) == "" {
		return nil, fmt.Errorf("upstream session token is required")
	}
	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		sessionToken: sessionToken,
		hc:           &http.Client{Timeout: defaultTimeout},
		log:          slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// AudioRequest describes a start-audio call.
type AudioRequest struct {
	Content      string
	Language     string
	VoiceSpeaker string
	VoiceSpeed   float64
}

// VideoRequest describes a start-video call.
type VideoRequest struct {
	ProjectID        string
	AudioPath        string
	BackgroundType   string
	CustomImage      string
	UseBGM           bool
	UseSubtitles     bool
	UseVerticalVideo bool
}

// JobAck is the upstream acknowledgment of a started job.
type JobAck struct {
	ProjectID string
	AudioPath string
	Status    string
}

// Files holds the relative artifact paths reported by the status endpoint.
type Files struct {
	Audio string `json:"audio,omitempty"`
	Video string `json:"video,omitempty"`
}

// ProjectStatus is one observation of a job's remote state.
type ProjectStatus struct {
	ProjectID string `json:"project_id,omitempty"`
	Status    string `json:"status"`
	Files     Files  `json:"files"`
	ShortURL  string `json:"short_url,omitempty"`
	AudioPath string `json:"audio_path,omitempty"`
}

// envelope is the media API's uniform response wrapper.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	Message string          `json:"message,omitempty"`
}

// StartAudio begins an audio-generation job and returns its acknowledgment.
func (c *Client) StartAudio(ctx context.Context, req AudioRequest) (*JobAck, error) {
	body := map[string]any{
		"session_token": c.sessionToken,
		"content":       req.Content,
		"language":      req.Language,
		"settings": map[string]any{
			"voice_speaker": req.VoiceSpeaker,
			"voice_speed":   req.VoiceSpeed,
		},
		"original_prompt": "MCP gateway",
	}
	var st ProjectStatus
	if err := c.post(ctx, "/video/generate-audio", body, &st); err != nil {
		return nil, err
	}
	if st.ProjectID == "" {
		return nil, &Error{Kind: KindRejected, Msg: "no project_id in response"}
	}
	return &JobAck{ProjectID: st.ProjectID, AudioPath: st.AudioPath, Status: st.Status}, nil
}

// StartVideo begins a video-generation job for an existing project.
func (c *Client) StartVideo(ctx context.Context, req VideoRequest) (*JobAck, error) {
	settings := map[string]any{"backgroundType": req.BackgroundType}
	if req.CustomImage != "" {
		settings["customImagePreview"] = req.CustomImage
	}
	body := map[string]any{
		"session_token":      c.sessionToken,
		"project_id":         req.ProjectID,
		"audio_path":         req.AudioPath,
		"settings":           settings,
		"use_bgm":            req.UseBGM,
		"use_subtitles":      req.UseSubtitles,
		"use_vertical_video": req.UseVerticalVideo,
	}
	var st ProjectStatus
	if err := c.post(ctx, "/video/generate-video", body, &st); err != nil {
		return nil, err
	}
	return &JobAck{ProjectID: req.ProjectID, Status: st.Status}, nil
}

// ProjectStatus fetches the current remote state of a job.
func (c *Client) ProjectStatus(ctx context.Context, projectID string) (*ProjectStatus, error) {
	if strings.TrimSpace(projectID) == "" {
		return nil, fmt.Errorf("project id is required")
	}
	u := c.baseURL + "/video/project-status/" + url.PathEscape(projectID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build status request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(httpReq)
	if err != nil {
		return nil, &Error{Kind: KindUnavailable, Msg: "status request failed", err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &Error{
			Kind:   KindUnavailable,
			Msg:    fmt.Sprintf("status request failed: %d %s", resp.StatusCode, http.StatusText(resp.StatusCode)),
			Status: resp.StatusCode,
			Body:   string(b),
		}
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, &Error{Kind: KindUnavailable, Msg: "malformed status response", err: err}
	}
	if !env.Success || len(env.Data) == 0 {
		return nil, &Error{Kind: KindUnavailable, Msg: "status not available: " + firstNonEmpty(env.Error, env.Message, "unknown error")}
	}
	var st ProjectStatus
	if err := json.Unmarshal(env.Data, &st); err != nil {
		return nil, &Error{Kind: KindUnavailable, Msg: "malformed status payload", err: err}
	}
	return &st, nil
}

// post issues a start call and decodes the envelope's data payload into out.
// Non-success HTTP responses are permanent rejections with the upstream
// status and body embedded; a success:false payload carrying the known
// service-unavailable signature is reclassified as transient.
func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request body: %w", err)
	}
	u := c.baseURL + path
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	c.log.DebugContext(ctx, "upstream.request", slog.String("url", u))

	resp, err := c.hc.Do(httpReq)
	if err != nil {
		return &Error{Kind: KindUnavailable, Msg: "upstream request failed", err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		eb, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.log.WarnContext(ctx, "upstream.request.fail",
			slog.Int("status", resp.StatusCode), slog.String("body", string(eb)))
		return &Error{
			Kind:   KindRejected,
			Msg:    fmt.Sprintf("API request failed: %d %s - %s", resp.StatusCode, http.StatusText(resp.StatusCode), string(eb)),
			Status: resp.StatusCode,
			Body:   string(eb),
		}
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return &Error{Kind: KindRejected, Msg: "malformed upstream response", err: err}
	}
	if !env.Success {
		detail := firstNonEmpty(env.Error, env.Message, "unknown error")
		if strings.Contains(detail, "503") {
			return &Error{Kind: KindUnavailable, Msg: "upstream speech synthesis temporarily unavailable, retry shortly (503 Service Unavailable)"}
		}
		return &Error{Kind: KindRejected, Msg: "upstream rejected job: " + detail}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return &Error{Kind: KindRejected, Msg: "malformed upstream payload", err: err}
		}
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
