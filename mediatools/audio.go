package mediatools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/omotenashiqr/mcp-gateway/internal/logctx"
	"github.com/omotenashiqr/mcp-gateway/mcp"
	"github.com/omotenashiqr/mcp-gateway/sessions"
	"github.com/omotenashiqr/mcp-gateway/toolset"
	"github.com/omotenashiqr/mcp-gateway/upstream"
)

const (
	defaultLanguage     = "ja"
	defaultVoiceSpeaker = "Orus"
	defaultVoiceSpeed   = 1.0
	minVoiceSpeed       = 0.5
	maxVoiceSpeed       = 2.0
)

var supportedLanguages = map[string]bool{"ja": true, "en": true, "zh": true, "ko": true}

type audioArgs struct {
	Content      string  `json:"content" jsonschema:"required,description=Text to synthesize into speech"`
	Language     string  `json:"language,omitempty" jsonschema:"enum=ja,enum=en,enum=zh,enum=ko,description=Language of the content (default ja)"`
	VoiceSpeaker string  `json:"voice_speaker,omitempty" jsonschema:"description=Voice speaker name (default Orus)"`
	VoiceSpeed   float64 `json:"voice_speed,omitempty" jsonschema:"description=Playback speed between 0.5 and 2.0 (default 1.0)"`
}

// normalize applies defaults and returns a validation message, or "" when the
// arguments are acceptable.
func (a *audioArgs) normalize() string {
	if strings.TrimSpace(a.Content) == "" {
		return "content is required"
	}
	if a.Language == "" {
		a.Language = defaultLanguage
	}
	if !supportedLanguages[a.Language] {
		return fmt.Sprintf("unsupported language %q (expected ja, en, zh, or ko)", a.Language)
	}
	if a.VoiceSpeaker == "" {
		a.VoiceSpeaker = defaultVoiceSpeaker
	}
	if a.VoiceSpeed == 0 {
		a.VoiceSpeed = defaultVoiceSpeed
	}
	if a.VoiceSpeed < minVoiceSpeed || a.VoiceSpeed > maxVoiceSpeed {
		return fmt.Sprintf("voice_speed %.2f is out of range (%.1f-%.1f)", a.VoiceSpeed, minVoiceSpeed, maxVoiceSpeed)
	}
	return ""
}

type audioResult struct {
	Success   bool   `json:"success"`
	ProjectID string `json:"project_id"`
	AudioPath string `json:"audio_path"`
	AudioURL  string `json:"audio_url"`
	Status    string `json:"status"`
	Message   string `json:"message"`
	Note      string `json:"note"`
}

func (s *Service) generateAudioTool() toolset.StaticTool {
	return toolset.NewTool("generate_audio", s.handleGenerateAudio,
		toolset.WithToolDescription("Generates speech audio from text via the OmotenashiQR audio generation API"))
}

func (s *Service) handleGenerateAudio(ctx context.Context, session sessions.Session, w toolset.ResponseWriter, r *toolset.ToolRequest[audioArgs]) error {
	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: "generate_audio"})

	args := r.Args()
	if msg := args.normalize(); msg != "" {
		w.SetError(true)
		return w.AppendText("invalid arguments: " + msg)
	}

	_ = session.Log(ctx, mcp.LoggingLevelInfo,
		fmt.Sprintf("Starting audio generation: %q", truncate(args.Content, 50)))
	s.log.InfoContext(ctx, "tool.audio.start", slog.String("language", args.Language))

	ack, err := s.api.StartAudio(ctx, upstream.AudioRequest{
		Content:      args.Content,
		Language:     args.Language,
		VoiceSpeaker: args.VoiceSpeaker,
		VoiceSpeed:   args.VoiceSpeed,
	})
	if err != nil {
		return s.failure(ctx, session, w, "generate_audio", "Audio generation failed", err)
	}

	ctx = logctx.WithJobData(ctx, &logctx.JobData{ProjectID: ack.ProjectID, Kind: string(upstream.KindAudio)})
	_ = session.Log(ctx, mcp.LoggingLevelInfo, "Audio generation started. Project ID: "+ack.ProjectID)
	s.log.InfoContext(ctx, "tool.audio.accepted")

	artifact, err := s.poller.AwaitCompletion(ctx, ack.ProjectID, upstream.KindAudio)
	if err != nil {
		return s.failure(ctx, session, w, "generate_audio", "Audio generation failed", err)
	}

	_ = session.Log(ctx, mcp.LoggingLevelInfo,
		fmt.Sprintf("Audio completed after %d seconds: %s", artifact.Attempts, artifact.URL))
	s.log.InfoContext(ctx, "tool.audio.done", slog.Int("attempts", artifact.Attempts))

	return writeJSON(w, audioResult{
		Success:   true,
		ProjectID: artifact.ProjectID,
		AudioPath: artifact.Path,
		AudioURL:  artifact.URL,
		Status:    artifact.Status,
		Message:   "Audio generation completed successfully",
		Note:      "Use the generate_video tool to turn this audio into a video",
	})
}

// truncate shortens s to max runes for log lines.
func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
