package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// JobKind selects the terminal status and artifact field a poll loop watches for.
type JobKind string

const (
	KindAudio JobKind = "audio"
	KindVideo JobKind = "video"
)

// completedStatus is the kind-specific terminal status reported upstream.
func (k JobKind) completedStatus() string {
	switch k {
	case KindAudio:
		return "audio_completed"
	case KindVideo:
		return "video_completed"
	default:
		return ""
	}
}

// artifactPath extracts the kind's artifact field from a status observation.
func (k JobKind) artifactPath(st *ProjectStatus) string {
	switch k {
	case KindAudio:
		return st.Files.Audio
	case KindVideo:
		return st.Files.Video
	default:
		return ""
	}
}

// PollPolicy bounds a polling loop. The per-kind policies are fixed gateway
// constants, not caller-configurable.
type PollPolicy struct {
	MaxAttempts int
	Interval    time.Duration
}

var (
	// AudioPollPolicy gives audio jobs a 60-second ceiling.
	AudioPollPolicy = PollPolicy{MaxAttempts: 60, Interval: time.Second}
	// VideoPollPolicy gives video jobs a 5-minute ceiling.
	VideoPollPolicy = PollPolicy{MaxAttempts: 300, Interval: time.Second}
)

// policyFor maps a job kind to its fixed policy.
func policyFor(kind JobKind) PollPolicy {
	if kind == KindVideo {
		return VideoPollPolicy
	}
	return AudioPollPolicy
}

// Artifact is the resolved outcome of a completed job.
type Artifact struct {
	ProjectID string
	// Path is the relative artifact path as reported upstream.
	Path string
	// URL is Path resolved against the public asset base.
	URL string
	// ShortURL is the optional share link reported for videos.
	ShortURL string
	Status   string
	Attempts int
}

// TimeoutError reports an exhausted attempt budget. LastStatus is the most
// recent successfully observed status, or "unknown" when every query failed.
type TimeoutError struct {
	Kind       JobKind
	Attempts   int
	LastStatus string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s job not ready after %d attempts (status: %s)", e.Kind, e.Attempts, e.LastStatus)
}

// Temporary marks exhaustion as retryable-by-the-user.
func (e *TimeoutError) Temporary() bool { return true }

// StatusClient is the slice of Client the poller needs.
type StatusClient interface {
	ProjectStatus(ctx context.Context, projectID string) (*ProjectStatus, error)
}

// Poller drives the bounded fixed-interval polling loop shared by both tools.
type Poller struct {
	client    StatusClient
	clock     Clock
	log       *slog.Logger
	assetBase string
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithClock substitutes the interval clock (tests use a fake).
func WithClock(c Clock) PollerOption {
	return func(p *Poller) { p.clock = c }
}

// WithPollerLogger sets the slog.Logger used for per-attempt logging.
func WithPollerLogger(log *slog.Logger) PollerOption {
	return func(p *Poller) { p.log = log }
}

// NewPoller builds a Poller that resolves artifact paths against assetBase.
func NewPoller(client StatusClient, assetBase string, opts ...PollerOption) *Poller {
	p := &Poller{
		client:    client,
		clock:     realClock{},
		log:       slog.New(slog.DiscardHandler),
		assetBase: strings.TrimRight(assetBase, "/"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// AwaitCompletion polls the job's status under the kind's fixed policy until
// the terminal status appears with its artifact field populated, or the
// attempt budget runs out.
func (p *Poller) AwaitCompletion(ctx context.Context, projectID string, kind JobKind) (*Artifact, error) {
	return p.await(ctx, projectID, kind, policyFor(kind))
}

// await runs one polling loop. A failed status query counts as "not yet
// ready" rather than aborting: the remote service is allowed to be transiently
// unreachable. Only context cancellation ends the loop early without an
// artifact or a timeout.
func (p *Poller) await(ctx context.Context, projectID string, kind JobKind, pol PollPolicy) (*Artifact, error) {
	lastStatus := "unknown"
	for attempt := 1; attempt <= pol.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("polling aborted: %w", err)
		}

		st, err := p.client.ProjectStatus(ctx, projectID)
		if err != nil {
			p.log.DebugContext(ctx, "poll.attempt.unreachable",
				slog.Int("attempt", attempt), slog.String("err", err.Error()))
		} else {
			lastStatus = st.Status
			p.log.DebugContext(ctx, "poll.attempt",
				slog.Int("attempt", attempt), slog.String("status", st.Status))

			if st.Status == kind.completedStatus() {
				if path := kind.artifactPath(st); path != "" {
					return &Artifact{
						ProjectID: projectID,
						Path:      path,
						URL:       p.assetBase + "/" + strings.TrimLeft(path, "/"),
						ShortURL:  st.ShortURL,
						Status:    st.Status,
						Attempts:  attempt,
					}, nil
				}
			}
		}

		if attempt < pol.MaxAttempts {
			if err := p.clock.Sleep(ctx, pol.Interval); err != nil {
				return nil, fmt.Errorf("polling aborted: %w", err)
			}
		}
	}
	return nil, &TimeoutError{Kind: kind, Attempts: pol.MaxAttempts, LastStatus: lastStatus}
}
