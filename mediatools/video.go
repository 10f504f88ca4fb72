package mediatools

import (
	"context"
	"fmt"
	"strings"

	"github.com/omotenashiqr/mcp-gateway/internal/logctx"
	"github.com/omotenashiqr/mcp-gateway/mcp"
	"github.com/omotenashiqr/mcp-gateway/sessions"
	"github.com/omotenashiqr/mcp-gateway/toolset"
	"github.com/omotenashiqr/mcp-gateway/upstream"
)

const (
	backgroundDefault = "default"
	backgroundCustom  = "custom"
)

type videoArgs struct {
	ProjectID        string `json:"project_id" jsonschema:"required,description=Project ID returned by generate_audio"`
	AudioPath        string `json:"audio_path" jsonschema:"required,description=Audio file path returned by generate_audio"`
	BackgroundType   string `json:"background_type,omitempty" jsonschema:"enum=default,enum=custom,description=Background type (default background or a custom image)"`
	CustomImage      string `json:"custom_image,omitempty" jsonschema:"description=Base64-encoded custom background image; only valid with background_type=custom"`
	UseBGM           bool   `json:"use_bgm,omitempty" jsonschema:"description=Mix background music into the video"`
	UseSubtitles     *bool  `json:"use_subtitles,omitempty" jsonschema:"description=Render subtitles (default true)"`
	UseVerticalVideo bool   `json:"use_vertical_video,omitempty" jsonschema:"description=Produce a vertical 1080x1920 video"`
}

// normalize applies defaults and returns a validation message, or "" when the
// arguments are acceptable.
func (a *videoArgs) normalize() string {
	if strings.TrimSpace(a.ProjectID) == "" {
		return "project_id is required"
	}
	if strings.TrimSpace(a.AudioPath) == "" {
		return "audio_path is required"
	}
	if a.BackgroundType == "" {
		a.BackgroundType = backgroundDefault
	}
	if a.BackgroundType != backgroundDefault && a.BackgroundType != backgroundCustom {
		return fmt.Sprintf("unsupported background_type %q (expected default or custom)", a.BackgroundType)
	}
	if a.CustomImage != "" && a.BackgroundType != backgroundCustom {
		return "custom_image requires background_type=custom"
	}
	return ""
}

func (a *videoArgs) subtitles() bool {
	if a.UseSubtitles == nil {
		return true
	}
	return *a.UseSubtitles
}

type videoResult struct {
	Success   bool   `json:"success"`
	ProjectID string `json:"project_id"`
	VideoURL  string `json:"video_url"`
	ShortURL  string `json:"short_url,omitempty"`
	Status    string `json:"status"`
	Message   string `json:"message"`
}

func (s *Service) generateVideoTool() toolset.StaticTool {
	return toolset.NewTool("generate_video", s.handleGenerateVideo,
		toolset.WithToolDescription("Generates a video from previously generated audio via the OmotenashiQR video generation API"))
}

func (s *Service) handleGenerateVideo(ctx context.Context, session sessions.Session, w toolset.ResponseWriter, r *toolset.ToolRequest[videoArgs]) error {
	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: "generate_video"})

	args := r.Args()
	if msg := args.normalize(); msg != "" {
		w.SetError(true)
		return w.AppendText("invalid arguments: " + msg)
	}

	ctx = logctx.WithJobData(ctx, &logctx.JobData{ProjectID: args.ProjectID, Kind: string(upstream.KindVideo)})
	_ = session.Log(ctx, mcp.LoggingLevelInfo, "Generating video for project: "+args.ProjectID)
	s.log.InfoContext(ctx, "tool.video.start")

	_, err := s.api.StartVideo(ctx, upstream.VideoRequest{
		ProjectID:        args.ProjectID,
		AudioPath:        args.AudioPath,
		BackgroundType:   args.BackgroundType,
		CustomImage:      args.CustomImage,
		UseBGM:           args.UseBGM,
		UseSubtitles:     args.subtitles(),
		UseVerticalVideo: args.UseVerticalVideo,
	})
	if err != nil {
		return s.failure(ctx, session, w, "generate_video", "Video generation failed", err)
	}

	_ = session.Log(ctx, mcp.LoggingLevelInfo, "Video generation started. Polling for completion...")
	s.log.InfoContext(ctx, "tool.video.accepted")

	artifact, err := s.poller.AwaitCompletion(ctx, args.ProjectID, upstream.KindVideo)
	if err != nil {
		return s.failure(ctx, session, w, "generate_video", "Video generation failed", err)
	}

	_ = session.Log(ctx, mcp.LoggingLevelInfo, "Video generation completed. Video URL: "+artifact.URL)
	s.log.InfoContext(ctx, "tool.video.done")

	return writeJSON(w, videoResult{
		Success:   true,
		ProjectID: artifact.ProjectID,
		VideoURL:  artifact.URL,
		ShortURL:  artifact.ShortURL,
		Status:    artifact.Status,
		Message:   "Video generation completed successfully",
	})
}
