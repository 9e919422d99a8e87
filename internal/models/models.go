package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/samber/lo"
)

// Enums
type OperationStatus string

const (
	OperationStatusNone        OperationStatus = "none"
	OperationStatusPredicting  OperationStatus = "predicting"
	OperationStatusFetching    OperationStatus = "fetching"
	OperationStatusRateLimited OperationStatus = "rate_limited"
	OperationStatusReady       OperationStatus = "ready"
	OperationStatusFailed      OperationStatus = "failed"
)

type RenderMode string

const (
	RenderModeFile   RenderMode = "file"
	RenderModeDryRun RenderMode = "dry_run"
)

type RenderStatus string

const (
	RenderStatusCompleted RenderStatus = "completed"
	RenderStatusFailed    RenderStatus = "failed"
	RenderStatusRendering RenderStatus = "rendering"
)

// OperationState tracks one work item's provider operation across process restarts.
// It is owned and persisted by the caller; the orchestrator reads and rewrites it.
type OperationState struct {
	OperationName      *string         `json:"operationName"`
	Status             OperationStatus `json:"status"`
	Attempts           int             `json:"attempts"`
	LastFetchAt        *time.Time      `json:"lastFetchAt"`
	RequestFingerprint *string         `json:"requestFingerprint"`
}

// NewOperationState returns the state of a work item that has never been rendered.
func NewOperationState() OperationState {
	return OperationState{Status: OperationStatusNone}
}

// Name returns the operation handle or "" when none is stored.
func (s OperationState) Name() string {
	if s.OperationName == nil {
		return ""
	}
	return *s.OperationName
}

// Fingerprint returns the stored request fingerprint or "".
func (s OperationState) Fingerprint() string {
	if s.RequestFingerprint == nil {
		return ""
	}
	return *s.RequestFingerprint
}

// IsTerminal reports whether the state can no longer advance without a fresh state.
func (s OperationState) IsTerminal() bool {
	return s.Status == OperationStatusFailed
}

// Value stores the state as a JSONB column. Returned as a string so lib/pq
// sends JSON text rather than bytea.
func (s OperationState) Value() (driver.Value, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (s *OperationState) Scan(value interface{}) error {
	if value == nil {
		*s = NewOperationState()
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into OperationState", value)
	}
	*s = OperationState{}
	if err := json.Unmarshal(data, s); err != nil {
		return err
	}
	if s.Status == "" {
		s.Status = OperationStatusNone
	}
	return nil
}

// PredictRequest is the provider-facing description of one generation.
// Built fresh for every attempt.
type PredictRequest struct {
	Model           string `json:"model"`
	Prompt          string `json:"prompt"`
	AspectRatio     string `json:"aspectRatio"`
	Resolution      string `json:"resolution"`
	DurationSeconds int    `json:"durationSeconds"`
	SampleCount     int    `json:"sampleCount"`
}

// ClipDescriptor is the normalized shape of a produced clip. Exactly one of
// VideoURL / InlineVideoBytes is set on a usable clip.
type ClipDescriptor struct {
	ClipID           string  `json:"clipId"`
	VideoURL         *string `json:"videoUrl,omitempty"`
	InlineVideoBytes []byte  `json:"-"`
	MIMEType         string  `json:"mimeType,omitempty"`
	DurationSeconds  float64 `json:"durationSeconds"`
	PosterURL        *string `json:"posterUrl,omitempty"`
}

// Usable reports whether exactly one video source is present.
func (c ClipDescriptor) Usable() bool {
	hasURL := c.VideoURL != nil && *c.VideoURL != ""
	hasBytes := len(c.InlineVideoBytes) > 0
	return hasURL != hasBytes
}

// Manifest is the inbound description of one video to render.
type Manifest struct {
	ManifestID   string        `json:"manifestId"`
	Version      int           `json:"version"`
	Storyboard   []Shot        `json:"storyboard"`
	Caption      Caption       `json:"caption"`
	Spec         VideoSpec     `json:"spec"`
	Job          JobDetails    `json:"job"`
	Generator    GeneratorPlan `json:"generator"`
	ThumbnailURL string        `json:"thumbnailUrl,omitempty"`
}

type Shot struct {
	Index           int     `json:"index"`
	DurationSeconds float64 `json:"durationSeconds"`
	Description     string  `json:"description"`
	OverlayText     string  `json:"overlayText,omitempty"`
}

type Caption struct {
	Text     string   `json:"text"`
	Hashtags []string `json:"hashtags"`
}

type VideoSpec struct {
	AspectRatio     string `json:"aspectRatio"`
	Resolution      string `json:"resolution"`
	DurationSeconds int    `json:"durationSeconds"`
	PlacementName   string `json:"placementName"`
}

type JobDetails struct {
	Title    string `json:"title"`
	Geo      string `json:"geo"`
	PayRange string `json:"payRange"`
}

type GeneratorPlan struct {
	TargetDurationSeconds int `json:"targetDurationSeconds"`
	PlannedExtends        int `json:"plannedExtends"`
}

// StoryboardSeconds sums the planned shot durations.
func (m Manifest) StoryboardSeconds() float64 {
	return lo.SumBy(m.Storyboard, func(shot Shot) float64 { return shot.DurationSeconds })
}

// Tier is a quality/cost preset selecting the model and per-second price.
type Tier struct {
	Name             string  `json:"name"`
	Model            string  `json:"model"`
	RatePerSecondUSD float64 `json:"ratePerSecondUsd"`
	MaxClipSeconds   int     `json:"maxClipSeconds"`
}

// RenderResult is the caller-facing outcome of one render step.
type RenderResult struct {
	Mode     RenderMode     `json:"mode"`
	Status   RenderStatus   `json:"status"`
	Metrics  RenderMetrics  `json:"metrics"`
	Result   *ArtifactURLs  `json:"result"`
	Error    *RenderFailure `json:"error"`
	Preview  *DryRunBundle  `json:"preview,omitempty"`
	Warnings []string       `json:"warnings,omitempty"`
}

// Playable reports whether the result carries a completed, downloadable clip.
func (r *RenderResult) Playable() bool {
	return r != nil &&
		r.Mode == RenderModeFile &&
		r.Status == RenderStatusCompleted &&
		r.Result != nil &&
		r.Result.VideoURL != ""
}

type RenderMetrics struct {
	SecondsGenerated float64 `json:"secondsGenerated"`
	CostEstimateUSD  float64 `json:"costEstimateUsd"`
	Tier             string  `json:"tier"`
	Model            string  `json:"model"`
}

type ArtifactURLs struct {
	VideoURL   string `json:"videoUrl"`
	CaptionURL string `json:"captionUrl"`
	PosterURL  string `json:"posterUrl,omitempty"`
}

type RenderFailure struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

// DryRunBundle is the locally-derived preview returned when the provider is not configured.
type DryRunBundle struct {
	Storyboard   []Shot  `json:"storyboard"`
	Caption      Caption `json:"caption"`
	ThumbnailURL string  `json:"thumbnailUrl,omitempty"`
}

// RenderRecord is the stored row for a work item.
type RenderRecord struct {
	WorkItemID string         `json:"workItemId"`
	Tier       string         `json:"tier"`
	Manifest   Manifest       `json:"manifest"`
	State      OperationState `json:"operationState"`
	Result     *RenderResult  `json:"renderTask,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// DTOs for API requests/responses
type CreateRenderRequest struct {
	WorkItemID *string  `json:"workItemId,omitempty"`
	Tier       string   `json:"tier,omitempty"`
	Manifest   Manifest `json:"manifest"`
}

type CreateRenderResponse struct {
	WorkItemID string          `json:"workItemId"`
	Status     OperationStatus `json:"status"`
}

type RenderStepResponse struct {
	RenderTask     RenderResult   `json:"renderTask"`
	OperationState OperationState `json:"operationState"`
	HTTPStatus     int            `json:"httpStatus"`
	PollDelayMs    *int64         `json:"pollDelayMs,omitempty"`
}
