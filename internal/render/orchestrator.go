// Package render drives one work item through its provider operation:
// start a generation, poll it on a self-imposed cadence, persist the result,
// and serve the cached result for repeated identical requests.
//
//	none -> predicting -> fetching ... fetching -> ready | failed
//
// rate_limited is a detour that resumes once its cooldown has passed.
package render

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/bobarin/reelworks/internal/models"
	"github.com/bobarin/reelworks/internal/services"
	"github.com/bobarin/reelworks/internal/storage"
)

var DefaultPollBackoff = []time.Duration{30 * time.Second, 30 * time.Second, 30 * time.Second}

const (
	DefaultRateLimitedDelay   = 90 * time.Second
	DefaultAspectRatio        = "9:16"
	DefaultResolution         = "720p"
	reasonPersistFailed       = "persist_failed"
	reasonRenderFailed        = "render_failed"
	reasonPreviouslyFailed    = "previously_failed"
	dryRunUnconfiguredMessage = "video provider is not configured"
)

// Client is the provider side of a render.
type Client interface {
	Configured() bool
	Provider() string
	GenerateVideo(ctx context.Context, req models.PredictRequest) (services.GenerateResult, error)
	FetchOperation(ctx context.Context, operationName string) (services.FetchResult, error)
	ExtendVideo() services.ExtendResult
}

// Persister stores a finished clip.
type Persister interface {
	Persist(ctx context.Context, req storage.PersistRequest) (models.ArtifactURLs, error)
}

// Observer is told about every completed Render call.
type Observer interface {
	ObserveRender(httpStatus int, status models.OperationStatus, mode models.RenderMode)
}

// Config holds orchestrator tunables. Zero values take defaults.
type Config struct {
	PollBackoff      []time.Duration
	RateLimitedDelay time.Duration
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger.With().Str("component", "orchestrator").Logger()
	}
}

func WithObserver(observer Observer) Option {
	return func(o *Orchestrator) { o.observer = observer }
}

func WithOperationLog(log OperationLog) Option {
	return func(o *Orchestrator) { o.oplog = log }
}

func WithPromptFunc(fn PromptFunc) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.prompt = fn
		}
	}
}

type Orchestrator struct {
	client    Client
	persister Persister
	cfg       Config
	oplog     OperationLog
	observer  Observer
	prompt    PromptFunc
	now       func() time.Time
	logger    zerolog.Logger
}

func NewOrchestrator(client Client, persister Persister, cfg Config, opts ...Option) *Orchestrator {
	if len(cfg.PollBackoff) == 0 {
		cfg.PollBackoff = DefaultPollBackoff
	}
	if cfg.RateLimitedDelay <= 0 {
		cfg.RateLimitedDelay = DefaultRateLimitedDelay
	}
	o := &Orchestrator{
		client:    client,
		persister: persister,
		cfg:       cfg,
		prompt:    ComposePrompt,
		now:       time.Now,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.oplog == nil {
		o.oplog, _ = NewLRUOperationLog(DefaultOperationLogCapacity)
	}
	return o
}

// OperationLog returns the diagnostics log.
func (o *Orchestrator) OperationLog() OperationLog {
	return o.oplog
}

// Request is one render step for a work item.
type Request struct {
	WorkItemID  string
	Manifest    models.Manifest
	Tier        models.Tier
	State       models.OperationState
	PriorResult *models.RenderResult
}

// Outcome is the result of one render step. HTTPStatus is 200 when the task
// is complete, 202 when the caller should come back after PollDelay and 500
// when the task failed for good.
type Outcome struct {
	Task       models.RenderResult
	State      models.OperationState
	HTTPStatus int
	PollDelay  time.Duration
}

// PollDelayMs returns the poll delay in milliseconds, nil when there is none.
func (o Outcome) PollDelayMs() *int64 {
	if o.HTTPStatus != http.StatusAccepted || o.PollDelay <= 0 {
		return nil
	}
	ms := o.PollDelay.Milliseconds()
	return &ms
}

// Render advances the work item by at most one provider call. Provider
// failures are folded into the Outcome; only cancellation of ctx is returned
// as an error, with the state left as it was.
func (o *Orchestrator) Render(ctx context.Context, req Request) (Outcome, error) {
	if req.State.Status == "" {
		req.State.Status = models.OperationStatusNone
	}

	out, err := o.render(ctx, req)
	if err != nil {
		return Outcome{}, err
	}

	o.logger.Info().
		Str("workItem", req.WorkItemID).
		Str("status", string(out.State.Status)).
		Int("httpStatus", out.HTTPStatus).
		Dur("pollDelay", out.PollDelay).
		Msg("render step finished")
	if o.observer != nil {
		o.observer.ObserveRender(out.HTTPStatus, out.State.Status, out.Task.Mode)
	}
	return out, nil
}

func (o *Orchestrator) render(ctx context.Context, req Request) (Outcome, error) {
	predict := o.buildPredict(req)
	fingerprint := Fingerprint(predict)
	state := req.State

	// A cached result is served even when the provider is unavailable.
	if state.Status == models.OperationStatusReady && state.Fingerprint() == fingerprint && req.PriorResult.Playable() {
		return Outcome{Task: *req.PriorResult, State: state, HTTPStatus: http.StatusOK}, nil
	}

	if !o.client.Configured() {
		return o.dryRun(req, dryRunUnconfiguredMessage), nil
	}

	if state.IsTerminal() {
		return o.replayFailure(req), nil
	}

	if state.Status == models.OperationStatusRateLimited && state.LastFetchAt != nil {
		if wait := o.cfg.RateLimitedDelay - o.now().Sub(*state.LastFetchAt); wait > 0 {
			return o.pending(req, state, wait), nil
		}
	}

	if name := state.Name(); name != "" && state.Status != models.OperationStatusReady {
		if state.Fingerprint() == fingerprint {
			return o.resume(ctx, req, state, fingerprint)
		}
		o.logger.Warn().
			Str("workItem", req.WorkItemID).
			Str("operation", name).
			Msg("request changed since operation started, abandoning it")
		o.oplog.Record(name, models.OperationStatusNone)
	}

	return o.generate(ctx, req, predict, fingerprint)
}

func (o *Orchestrator) generate(ctx context.Context, req Request, predict models.PredictRequest, fingerprint string) (Outcome, error) {
	fresh := models.NewOperationState()
	fresh.RequestFingerprint = &fingerprint

	result, err := o.client.GenerateVideo(ctx, predict)
	if err != nil {
		return o.handleError(ctx, req, fresh, err)
	}

	if result.Clip != nil {
		return o.finalize(ctx, req, fresh, fingerprint, *result.Clip)
	}

	now := o.now()
	name := result.OperationName
	state := models.OperationState{
		OperationName:      &name,
		Status:             models.OperationStatusPredicting,
		Attempts:           0,
		LastFetchAt:        &now,
		RequestFingerprint: &fingerprint,
	}
	o.oplog.Record(name, state.Status)
	return o.pending(req, state, o.pollDelay(0)), nil
}

func (o *Orchestrator) resume(ctx context.Context, req Request, state models.OperationState, fingerprint string) (Outcome, error) {
	name := state.Name()

	if state.LastFetchAt != nil {
		if wait := o.pollDelay(state.Attempts) - o.now().Sub(*state.LastFetchAt); wait > 0 {
			return o.pending(req, state, wait), nil
		}
	}

	result, err := o.client.FetchOperation(ctx, name)
	if err != nil {
		return o.handleError(ctx, req, state, err)
	}

	if !result.Done || result.Clip == nil {
		now := o.now()
		state.Attempts++
		state.LastFetchAt = &now
		state.Status = models.OperationStatusFetching
		o.oplog.Record(name, state.Status)
		return o.pending(req, state, o.pollDelay(state.Attempts)), nil
	}

	return o.finalize(ctx, req, state, fingerprint, *result.Clip)
}

func (o *Orchestrator) finalize(ctx context.Context, req Request, state models.OperationState, fingerprint string, clip models.ClipDescriptor) (Outcome, error) {
	duration := clip.DurationSeconds
	if duration <= 0 {
		duration = float64(req.Manifest.Generator.TargetDurationSeconds)
	}
	if duration <= 0 {
		duration = req.Manifest.StoryboardSeconds()
	}

	urls, err := o.persister.Persist(ctx, storage.PersistRequest{
		Clip:            clip,
		CaptionText:     req.Manifest.Caption.Text,
		Hashtags:        req.Manifest.Caption.Hashtags,
		DestinationKey:  req.WorkItemID,
		DurationSeconds: duration,
		Provider:        o.client.Provider(),
	})
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{}, fmt.Errorf("render cancelled while persisting artifacts: %w", ctx.Err())
		}
		return o.fail(req, state, reasonPersistFailed, err.Error()), nil
	}

	task := models.RenderResult{
		Mode:    models.RenderModeFile,
		Status:  models.RenderStatusCompleted,
		Metrics: o.metrics(req, duration, EstimateCost(duration, req.Tier.RatePerSecondUSD)),
		Result:  &urls,
	}
	if planned := req.Manifest.Generator.PlannedExtends; planned > 0 {
		if ext := o.client.ExtendVideo(); !ext.Available {
			task.Warnings = append(task.Warnings, fmt.Sprintf("%d planned extension(s) skipped: %s", planned, ext.Reason))
		}
	}

	now := o.now()
	state.Status = models.OperationStatusReady
	state.LastFetchAt = &now
	state.RequestFingerprint = &fingerprint

	key := state.Name()
	if key == "" {
		key = clip.ClipID
	}
	o.oplog.Record(key, state.Status)

	return Outcome{Task: task, State: state, HTTPStatus: http.StatusOK}, nil
}

// handleError folds a provider error into an Outcome.
func (o *Orchestrator) handleError(ctx context.Context, req Request, state models.OperationState, err error) (Outcome, error) {
	if ctx.Err() != nil {
		return Outcome{}, fmt.Errorf("render cancelled: %w", ctx.Err())
	}

	switch {
	case services.IsRateLimited(err):
		now := o.now()
		state.Status = models.OperationStatusRateLimited
		state.LastFetchAt = &now
		o.oplog.Record(state.Name(), state.Status)
		o.logger.Warn().Err(err).Str("workItem", req.WorkItemID).Msg("provider throttled, deferring render")
		out := o.pending(req, state, o.cfg.RateLimitedDelay)
		out.Task.Warnings = []string{"provider is throttling requests"}
		return out, nil

	case services.IsConfigError(err):
		o.logger.Warn().Err(err).Str("workItem", req.WorkItemID).Msg("provider credentials unavailable, returning dry run")
		return o.dryRun(req, err.Error()), nil

	default:
		reason := string(services.CodeOf(err))
		if reason == "" {
			reason = reasonRenderFailed
		}
		o.logger.Error().Err(err).Str("workItem", req.WorkItemID).Str("reason", reason).Msg("render failed")
		return o.fail(req, state, reason, err.Error()), nil
	}
}

func (o *Orchestrator) fail(req Request, state models.OperationState, reason, message string) Outcome {
	state.Status = models.OperationStatusFailed
	o.oplog.Record(state.Name(), state.Status)
	return Outcome{
		Task: models.RenderResult{
			Mode:    models.RenderModeFile,
			Status:  models.RenderStatusFailed,
			Metrics: o.metrics(req, 0, 0),
			Error:   &models.RenderFailure{Reason: reason, Message: message},
		},
		State:      state,
		HTTPStatus: http.StatusInternalServerError,
	}
}

// replayFailure answers a failed work item without contacting the provider.
func (o *Orchestrator) replayFailure(req Request) Outcome {
	if req.PriorResult != nil && req.PriorResult.Status == models.RenderStatusFailed {
		return Outcome{Task: *req.PriorResult, State: req.State, HTTPStatus: http.StatusInternalServerError}
	}
	return Outcome{
		Task: models.RenderResult{
			Mode:    models.RenderModeFile,
			Status:  models.RenderStatusFailed,
			Metrics: o.metrics(req, 0, 0),
			Error: &models.RenderFailure{
				Reason:  reasonPreviouslyFailed,
				Message: "render previously failed; reset the operation state to try again",
			},
		},
		State:      req.State,
		HTTPStatus: http.StatusInternalServerError,
	}
}

func (o *Orchestrator) pending(req Request, state models.OperationState, delay time.Duration) Outcome {
	return Outcome{
		Task: models.RenderResult{
			Mode:    models.RenderModeFile,
			Status:  models.RenderStatusRendering,
			Metrics: o.metrics(req, 0, 0),
		},
		State:      state,
		HTTPStatus: http.StatusAccepted,
		PollDelay:  delay,
	}
}

// dryRun builds a completed preview from local data. The state is returned
// untouched.
func (o *Orchestrator) dryRun(req Request, reason string) Outcome {
	var storyboard []models.Shot
	if req.Manifest.Storyboard != nil {
		storyboard = append([]models.Shot{}, req.Manifest.Storyboard...)
	}
	return Outcome{
		Task: models.RenderResult{
			Mode:    models.RenderModeDryRun,
			Status:  models.RenderStatusCompleted,
			Metrics: o.metrics(req, 0, 0),
			Preview: &models.DryRunBundle{
				Storyboard:   storyboard,
				Caption:      req.Manifest.Caption,
				ThumbnailURL: req.Manifest.ThumbnailURL,
			},
			Warnings: []string{reason},
		},
		State:      req.State,
		HTTPStatus: http.StatusOK,
	}
}

func (o *Orchestrator) metrics(req Request, seconds, cost float64) models.RenderMetrics {
	return models.RenderMetrics{
		SecondsGenerated: seconds,
		CostEstimateUSD:  cost,
		Tier:             req.Tier.Name,
		Model:            req.Tier.Model,
	}
}

// pollDelay is the wait before poll k, capped at the last configured step.
func (o *Orchestrator) pollDelay(k int) time.Duration {
	steps := o.cfg.PollBackoff
	if k < 0 {
		k = 0
	}
	if k >= len(steps) {
		k = len(steps) - 1
	}
	return steps[k]
}

func (o *Orchestrator) buildPredict(req Request) models.PredictRequest {
	m := req.Manifest

	duration := m.Spec.DurationSeconds
	if duration <= 0 {
		duration = m.Generator.TargetDurationSeconds
	}
	if duration <= 0 {
		duration = int(math.Round(m.StoryboardSeconds()))
	}
	if limit := req.Tier.MaxClipSeconds; limit > 0 && duration > limit {
		duration = limit
	}

	aspect := m.Spec.AspectRatio
	if aspect == "" {
		aspect = DefaultAspectRatio
	}
	resolution := m.Spec.Resolution
	if resolution == "" {
		resolution = DefaultResolution
	}

	return models.PredictRequest{
		Model:           req.Tier.Model,
		Prompt:          o.prompt(m),
		AspectRatio:     aspect,
		Resolution:      resolution,
		DurationSeconds: duration,
		SampleCount:     1,
	}
}

// EstimateCost is seconds x rate rounded to 4 decimal places.
func EstimateCost(seconds, ratePerSecondUSD float64) float64 {
	return decimal.NewFromFloat(seconds).
		Mul(decimal.NewFromFloat(ratePerSecondUSD)).
		Round(4).
		InexactFloat64()
}
