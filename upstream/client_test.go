package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestStartAudioSuccess(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/video/generate-audio" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Fatalf("bad request body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"data":{"project_id":"J1","status":"audio_processing"}}`))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, "tok-123")
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	ack, err := c.StartAudio(context.Background(), AudioRequest{
		Content: "hello", Language: "en", VoiceSpeaker: "Orus", VoiceSpeed: 1.0,
	})
	if err != nil {
		t.Fatalf("StartAudio failed: %v", err)
	}
	if ack.ProjectID != "J1" || ack.Status != "audio_processing" {
		t.Errorf("unexpected ack: %+v", ack)
	}

	if gotBody["session_token"] != "tok-123" {
		t.Errorf("session token not forwarded: %v", gotBody["session_token"])
	}
	settings, _ := gotBody["settings"].(map[string]any)
	if settings["voice_speaker"] != "Orus" {
		t.Errorf("settings not nested as upstream expects: %v", gotBody["settings"])
	}
}

func TestStartAudioHTTPErrorIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL, "tok")
	_, err := c.StartAudio(context.Background(), AudioRequest{Content: "x", Language: "ja", VoiceSpeaker: "Orus"})
	var ue *Error
	if !errors.As(err, &ue) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if ue.Kind != KindRejected {
		t.Errorf("non-success HTTP on start must be permanent, got kind %v", ue.Kind)
	}
	if ue.Status != http.StatusInternalServerError || ue.Body == "" {
		t.Errorf("upstream status/body must be embedded for diagnostics: %+v", ue)
	}
	if IsTemporary(err) {
		t.Error("permanent rejection misclassified as temporary")
	}
}

func TestStartAudioServiceUnavailableSignatureIsTemporary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":false,"error":"TTS backend returned 503"}`))
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL, "tok")
	_, err := c.StartAudio(context.Background(), AudioRequest{Content: "x", Language: "ja", VoiceSpeaker: "Orus"})
	var ue *Error
	if !errors.As(err, &ue) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if ue.Kind != KindUnavailable || !IsTemporary(err) {
		t.Errorf("503 signature in payload must classify transient, got %+v", ue)
	}
}

func TestStartAudioSemanticRejectionIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":false,"error":"content too long"}`))
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL, "tok")
	_, err := c.StartAudio(context.Background(), AudioRequest{Content: "x", Language: "ja", VoiceSpeaker: "Orus"})
	if err == nil || IsTemporary(err) {
		t.Fatalf("semantic rejection should be permanent, got %v", err)
	}
}

func TestStartAudioMissingProjectID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"data":{"status":"audio_processing"}}`))
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL, "tok")
	_, err := c.StartAudio(context.Background(), AudioRequest{Content: "x", Language: "ja", VoiceSpeaker: "Orus"})
	if err == nil {
		t.Fatal("expected error for missing project_id")
	}
}

func TestStartVideoBody(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/video/generate-video" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"data":{"status":"video_processing"}}`))
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL, "tok")
	ack, err := c.StartVideo(context.Background(), VideoRequest{
		ProjectID: "J1", AudioPath: "files/a1.mp3",
		BackgroundType: "custom", CustomImage: "aGVsbG8=",
		UseSubtitles: true,
	})
	if err != nil {
		t.Fatalf("StartVideo failed: %v", err)
	}
	if ack.ProjectID != "J1" {
		t.Errorf("ack should carry the project id, got %q", ack.ProjectID)
	}
	settings, _ := gotBody["settings"].(map[string]any)
	if settings["backgroundType"] != "custom" || settings["customImagePreview"] != "aGVsbG8=" {
		t.Errorf("video settings not built as upstream expects: %v", gotBody["settings"])
	}
	if gotBody["use_subtitles"] != true {
		t.Errorf("use_subtitles not forwarded: %v", gotBody["use_subtitles"])
	}
}

func TestProjectStatusTransportErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gateway timeout", http.StatusBadGateway)
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL, "tok")
	_, err := c.ProjectStatus(context.Background(), "J1")
	var ue *Error
	if !errors.As(err, &ue) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if ue.Kind != KindUnavailable {
		t.Errorf("status transport failures are transient by contract, got %v", ue.Kind)
	}
}

func TestProjectStatusSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/video/project-status/J1" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"data":{"status":"audio_completed","files":{"audio":"files/a1.mp3"}}}`))
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL, "tok")
	st, err := c.ProjectStatus(context.Background(), "J1")
	if err != nil {
		t.Fatalf("ProjectStatus failed: %v", err)
	}
	if st.Status != "audio_completed" || st.Files.Audio != "files/a1.mp3" {
		t.Errorf("unexpected status: %+v", st)
	}
}

func TestIsTemporaryFallbackSignatures(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{errors.New("request timeout while contacting service"), true},
		{errors.New("rpc error: code = UNAVAILABLE"), true},
		{errors.New("upstream answered 503"), true},
		{errors.New("validation failed: content is required"), false},
		{nil, false},
	}
	for _, tc := range cases {
		if got := IsTemporary(tc.err); got != tc.want {
			t.Errorf("IsTemporary(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
