package storage

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/bobarin/reelworks/internal/models"
	"github.com/bobarin/reelworks/internal/services"
)

// ---------------------------------------------------------------------------
// Artifact persister
// Stores the produced clip, a synthesized SRT caption and a best-effort poster
// under videos/{workItem}/{provider}-{timestamp}.{mp4,srt,jpg}. The bucket is
// preferred; when it is not configured or an upload fails the artifact goes
// to local disk instead.
// ---------------------------------------------------------------------------

// PersistRequest describes one clip to store.
type PersistRequest struct {
	Clip            models.ClipDescriptor
	CaptionText     string
	Hashtags        []string
	DestinationKey  string
	DurationSeconds float64
	Provider        string
}

type Persister struct {
	primary    Sink
	fallback   *LocalSink
	downloader *Downloader
	now        func() time.Time
	logger     zerolog.Logger
}

// PersisterOption configures a Persister.
type PersisterOption func(*Persister)

func WithPersisterClock(now func() time.Time) PersisterOption {
	return func(p *Persister) { p.now = now }
}

func WithPersisterLogger(logger zerolog.Logger) PersisterOption {
	return func(p *Persister) {
		p.logger = logger.With().Str("component", "persister").Logger()
	}
}

// NewPersister creates a persister. primary may be nil to write everything to
// the local fallback.
func NewPersister(primary Sink, fallback *LocalSink, downloader *Downloader, opts ...PersisterOption) *Persister {
	if downloader == nil {
		downloader = NewDownloader(DefaultDownloadTimeout, DefaultDownloadAttempts)
	}
	p := &Persister{
		primary:    primary,
		fallback:   fallback,
		downloader: downloader,
		now:        time.Now,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Persist stores the artifacts and returns their URLs. Failing to obtain or
// store the video is fatal; poster problems only drop the poster.
func (p *Persister) Persist(ctx context.Context, req PersistRequest) (models.ArtifactURLs, error) {
	video, err := p.videoBytes(ctx, req.Clip)
	if err != nil {
		return models.ArtifactURLs{}, err
	}

	provider := "render"
	if req.Provider != "" {
		provider = SanitizeKey(req.Provider)
	}
	base := fmt.Sprintf("videos/%s/%s-%d", SanitizeKey(req.DestinationKey), provider, p.now().UnixMilli())

	videoURL, err := p.put(ctx, base+".mp4", video, "video/mp4")
	if err != nil {
		return models.ArtifactURLs{}, fmt.Errorf("failed to store video: %w", err)
	}

	caption := services.GenerateSRT(req.CaptionText, req.Hashtags, req.DurationSeconds)
	captionURL, err := p.put(ctx, base+".srt", caption, "application/x-subrip")
	if err != nil {
		return models.ArtifactURLs{}, fmt.Errorf("failed to store caption: %w", err)
	}

	urls := models.ArtifactURLs{VideoURL: videoURL, CaptionURL: captionURL}
	urls.PosterURL = p.persistPoster(ctx, req.Clip, base+".jpg")

	p.logger.Info().
		Str("key", base).
		Int("videoBytes", len(video)).
		Bool("poster", urls.PosterURL != "").
		Msg("artifacts stored")
	return urls, nil
}

func (p *Persister) videoBytes(ctx context.Context, clip models.ClipDescriptor) ([]byte, error) {
	if len(clip.InlineVideoBytes) > 0 {
		return clip.InlineVideoBytes, nil
	}
	if clip.VideoURL == nil || *clip.VideoURL == "" {
		return nil, fmt.Errorf("clip %s has no video source", clip.ClipID)
	}
	data, err := p.downloader.Fetch(ctx, *clip.VideoURL)
	if err != nil {
		return nil, fmt.Errorf("failed to download video: %w", err)
	}
	return data, nil
}

// persistPoster returns "" on any failure.
func (p *Persister) persistPoster(ctx context.Context, clip models.ClipDescriptor, key string) string {
	if clip.PosterURL == nil || *clip.PosterURL == "" {
		return ""
	}
	data, err := p.downloader.FetchOnce(ctx, *clip.PosterURL)
	if err != nil {
		p.logger.Warn().Err(err).Str("clip", clip.ClipID).Msg("poster download failed, omitting poster")
		return ""
	}
	url, err := p.put(ctx, key, data, "image/jpeg")
	if err != nil {
		p.logger.Warn().Err(err).Str("key", key).Msg("poster upload failed, omitting poster")
		return ""
	}
	return url
}

func (p *Persister) put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if p.primary != nil {
		url, err := p.primary.Put(ctx, key, data, contentType)
		if err == nil {
			return url, nil
		}
		p.logger.Warn().Err(err).Str("key", key).Msg("bucket upload failed, falling back to local disk")
	}
	if p.fallback == nil {
		return "", fmt.Errorf("no local fallback configured for %s", key)
	}
	return p.fallback.Put(ctx, key, data, contentType)
}

var unsafeKeyChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// SanitizeKey reduces an identifier to a single safe path segment.
func SanitizeKey(id string) string {
	id = unsafeKeyChars.ReplaceAllString(strings.TrimSpace(id), "-")
	id = strings.Trim(id, ".-")
	if len(id) > 128 {
		id = id[:128]
	}
	if id == "" {
		return "unnamed"
	}
	return id
}
