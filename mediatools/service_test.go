package mediatools

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/omotenashiqr/mcp-gateway/mcp"
	"github.com/omotenashiqr/mcp-gateway/upstream"
)

type recSession struct {
	mu   sync.Mutex
	logs []string
}

func (s *recSession) SessionID() string { return "test-session" }

func (s *recSession) Log(ctx context.Context, level mcp.LoggingLevel, data any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg, ok := data.(string); ok {
		s.logs = append(s.logs, msg)
	}
	return nil
}

func (s *recSession) contains(t *testing.T, substr string) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.logs {
		if strings.Contains(l, substr) {
			return
		}
	}
	t.Errorf("no session log containing %q in %v", substr, s.logs)
}

type fakeClock struct {
	mu     sync.Mutex
	sleeps int
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.sleeps++
	c.mu.Unlock()
	return ctx.Err()
}

type stubStarter struct {
	audioAck *upstream.JobAck
	videoAck *upstream.JobAck
	err      error
}

func (s *stubStarter) StartAudio(ctx context.Context, req upstream.AudioRequest) (*upstream.JobAck, error) {
	return s.audioAck, s.err
}

func (s *stubStarter) StartVideo(ctx context.Context, req upstream.VideoRequest) (*upstream.JobAck, error) {
	return s.videoAck, s.err
}

type stubAwaiter struct {
	artifact *upstream.Artifact
	err      error
}

func (a *stubAwaiter) AwaitCompletion(ctx context.Context, projectID string, kind upstream.JobKind) (*upstream.Artifact, error) {
	return a.artifact, a.err
}

func callTool(t *testing.T, svc *Service, sess *recSession, name string, args string) (map[string]any, bool) {
	t.Helper()
	for _, tool := range svc.Tools() {
		if tool.Descriptor.Name != name {
			continue
		}
		res, err := tool.Handler(context.Background(), sess, &mcp.CallToolRequest{
			Name:      name,
			Arguments: json.RawMessage(args),
		})
		if err != nil {
			t.Fatalf("handler returned protocol error: %v", err)
		}
		if len(res.Content) != 1 || res.Content[0].Type != "text" {
			t.Fatalf("expected one text block, got %+v", res.Content)
		}
		var payload map[string]any
		if err := json.Unmarshal([]byte(res.Content[0].Text), &payload); err != nil {
			// Validation failures are plain text, not JSON.
			return map[string]any{"_text": res.Content[0].Text}, res.IsError
		}
		return payload, res.IsError
	}
	t.Fatalf("tool %s not registered", name)
	return nil, false
}

func TestGenerateAudioValidation(t *testing.T) {
	svc := NewService(&stubStarter{}, &stubAwaiter{})
	cases := []struct {
		name string
		args string
		want string
	}{
		{"missing content", `{}`, "content is required"},
		{"bad language", `{"content":"hi","language":"fr"}`, "unsupported language"},
		{"speed too low", `{"content":"hi","voice_speed":0.1}`, "out of range"},
		{"speed too high", `{"content":"hi","voice_speed":3}`, "out of range"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			payload, isError := callTool(t, svc, &recSession{}, "generate_audio", tc.args)
			if !isError {
				t.Fatal("expected an error result")
			}
			if text := payload["_text"].(string); !strings.Contains(text, tc.want) {
				t.Errorf("result %q should mention %q", text, tc.want)
			}
		})
	}
}

func TestGenerateVideoValidation(t *testing.T) {
	svc := NewService(&stubStarter{}, &stubAwaiter{})
	cases := []struct {
		name string
		args string
		want string
	}{
		{"missing project", `{"audio_path":"files/a.mp3"}`, "project_id is required"},
		{"missing audio path", `{"project_id":"J1"}`, "audio_path is required"},
		{"bad background", `{"project_id":"J1","audio_path":"a.mp3","background_type":"green"}`, "unsupported background_type"},
		{"stray custom image", `{"project_id":"J1","audio_path":"a.mp3","custom_image":"aGk="}`, "requires background_type=custom"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			payload, isError := callTool(t, svc, &recSession{}, "generate_video", tc.args)
			if !isError {
				t.Fatal("expected an error result")
			}
			if text := payload["_text"].(string); !strings.Contains(text, tc.want) {
				t.Errorf("result %q should mention %q", text, tc.want)
			}
		})
	}
}

func TestGenerateAudioClassifiesStartFailure(t *testing.T) {
	t.Run("temporary", func(t *testing.T) {
		svc := NewService(&stubStarter{err: &upstream.Error{Kind: upstream.KindUnavailable, Msg: "503 from upstream"}}, &stubAwaiter{})
		payload, isError := callTool(t, svc, &recSession{}, "generate_audio", `{"content":"hello"}`)
		if !isError {
			t.Fatal("expected an error result")
		}
		if payload["error_type"] != "temporary" || payload["retry_recommended"] != true {
			t.Errorf("unexpected classification: %v", payload)
		}
	})

	t.Run("permanent", func(t *testing.T) {
		svc := NewService(&stubStarter{err: errors.New("bad session token")}, &stubAwaiter{})
		sess := &recSession{}
		payload, isError := callTool(t, svc, sess, "generate_audio", `{"content":"hello"}`)
		if !isError {
			t.Fatal("expected an error result")
		}
		if payload["error_type"] != "permanent" || payload["retry_recommended"] != false {
			t.Errorf("unexpected classification: %v", payload)
		}
		sess.contains(t, "Error in generate_audio")
	})
}

func TestGenerateAudioTimeoutIsTemporary(t *testing.T) {
	svc := NewService(
		&stubStarter{audioAck: &upstream.JobAck{ProjectID: "J1"}},
		&stubAwaiter{err: &upstream.TimeoutError{Kind: upstream.KindAudio, Attempts: 60, LastStatus: "audio_processing"}},
	)
	payload, isError := callTool(t, svc, &recSession{}, "generate_audio", `{"content":"hello"}`)
	if !isError {
		t.Fatal("expected an error result")
	}
	if payload["error_type"] != "temporary" {
		t.Errorf("poll exhaustion should classify as temporary, got %v", payload)
	}
	if msg := payload["error"].(string); !strings.Contains(msg, "audio_processing") {
		t.Errorf("error should carry the last observed status, got %q", msg)
	}
}

func TestGenerateAudioEndToEnd(t *testing.T) {
	var statusCalls int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/video/generate-audio":
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["session_token"] != "tok-1" {
				t.Errorf("missing session token in start request: %v", body)
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"success": true,
				"data":    map[string]any{"project_id": "J1", "status": "audio_processing"},
			})
		case r.Method == http.MethodGet && r.URL.Path == "/video/project-status/J1":
			mu.Lock()
			statusCalls++
			n := statusCalls
			mu.Unlock()
			data := map[string]any{"project_id": "J1", "status": "audio_processing"}
			if n >= 3 {
				data = map[string]any{
					"project_id": "J1",
					"status":     "audio_completed",
					"files":      map[string]any{"audio": "files/a1.mp3"},
				}
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "data": data})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client, err := upstream.NewClient(srv.URL, "tok-1")
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	poller := upstream.NewPoller(client, "https://omotenashiqr.com/", upstream.WithClock(&fakeClock{}))
	svc := NewService(client, poller)

	sess := &recSession{}
	payload, isError := callTool(t, svc, sess, "generate_audio", `{"content":"Welcome to our shop"}`)
	if isError {
		t.Fatalf("expected success, got %v", payload)
	}
	if payload["project_id"] != "J1" {
		t.Errorf("project_id = %v, want J1", payload["project_id"])
	}
	if payload["audio_url"] != "https://omotenashiqr.com/files/a1.mp3" {
		t.Errorf("audio_url = %v", payload["audio_url"])
	}
	if payload["audio_path"] != "files/a1.mp3" {
		t.Errorf("audio_path = %v", payload["audio_path"])
	}
	sess.contains(t, "Starting audio generation")
	sess.contains(t, "Project ID: J1")
	sess.contains(t, "https://omotenashiqr.com/files/a1.mp3")
}

func TestGenerateVideoEndToEndTimeout(t *testing.T) {
	var statusCalls int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/video/generate-video":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"success": true,
				"data":    map[string]any{"project_id": "J1", "status": "video_processing"},
			})
		case r.Method == http.MethodGet && r.URL.Path == "/video/project-status/J1":
			mu.Lock()
			statusCalls++
			mu.Unlock()
			// The status endpoint never recovers.
			http.Error(w, "internal error", http.StatusInternalServerError)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client, err := upstream.NewClient(srv.URL, "tok-1")
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	clock := &fakeClock{}
	poller := upstream.NewPoller(client, "https://omotenashiqr.com/", upstream.WithClock(clock))
	svc := NewService(client, poller)

	payload, isError := callTool(t, svc, &recSession{}, "generate_video",
		`{"project_id":"J1","audio_path":"files/a1.mp3"}`)
	if !isError {
		t.Fatalf("expected an error result, got %v", payload)
	}
	if payload["error_type"] != "temporary" || payload["retry_recommended"] != true {
		t.Errorf("timeout should be temporary and retryable: %v", payload)
	}
	if msg := payload["error"].(string); !strings.Contains(msg, "300 attempts") || !strings.Contains(msg, "unknown") {
		t.Errorf("unexpected timeout error: %q", msg)
	}

	mu.Lock()
	calls := statusCalls
	mu.Unlock()
	if calls != 300 {
		t.Errorf("status endpoint queried %d times, want 300", calls)
	}
	clock.mu.Lock()
	sleeps := clock.sleeps
	clock.mu.Unlock()
	if sleeps != 299 {
		t.Errorf("slept %d times, want 299", sleeps)
	}
}

func TestGenerateVideoSuccessCarriesShortURL(t *testing.T) {
	svc := NewService(
		&stubStarter{videoAck: &upstream.JobAck{ProjectID: "J1"}},
		&stubAwaiter{artifact: &upstream.Artifact{
			ProjectID: "J1",
			Path:      "files/v1.mp4",
			URL:       "https://omotenashiqr.com/files/v1.mp4",
			ShortURL:  "https://omo.qr/x1",
			Status:    "video_completed",
			Attempts:  12,
		}},
	)
	sess := &recSession{}
	payload, isError := callTool(t, svc, sess, "generate_video",
		`{"project_id":"J1","audio_path":"files/a1.mp3","use_subtitles":false}`)
	if isError {
		t.Fatalf("expected success, got %v", payload)
	}
	if payload["video_url"] != "https://omotenashiqr.com/files/v1.mp4" || payload["short_url"] != "https://omo.qr/x1" {
		t.Errorf("unexpected result: %v", payload)
	}
	sess.contains(t, "Video generation completed")
}
