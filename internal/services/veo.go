package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/bobarin/reelworks/internal/models"
	"github.com/bobarin/reelworks/internal/quota"
)

// ---------------------------------------------------------------------------
// Veo render client
// Drives the two provider calls (start generation, poll operation) through a
// transport. Every dispatch goes through the shared Guard and is recorded on
// the shared quota Meter. Throttled calls are retried on a backoff sequence;
// any other provider error fails the call immediately.
// ---------------------------------------------------------------------------

const (
	DefaultTokenRefreshMargin = 30 * time.Second
	projectDiscoveryTimeout   = 30 * time.Second
)

// ClientConfig holds the tunables of a RenderClient. Zero values take defaults.
type ClientConfig struct {
	ProjectOverride    string
	TokenRefreshMargin time.Duration
	PredictBackoff     Backoff
	FetchBackoff       Backoff
}

// ClientOption configures a RenderClient.
type ClientOption func(*RenderClient)

// WithClientClock replaces the clock and backoff sleeper, for tests.
func WithClientClock(now func() time.Time, sleep func(context.Context, time.Duration) error) ClientOption {
	return func(c *RenderClient) {
		if now != nil {
			c.now = now
		}
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger zerolog.Logger) ClientOption {
	return func(c *RenderClient) {
		c.logger = logger.With().Str("component", "render-client").Logger()
	}
}

type RenderClient struct {
	transport       Transport
	credentials     CredentialProvider
	projectOverride string
	meter           *quota.Meter
	guard           *Guard
	predictBackoff  Backoff
	fetchBackoff    Backoff
	tokenMargin     time.Duration
	now             func() time.Time
	sleep           func(context.Context, time.Duration) error
	logger          zerolog.Logger

	tokenMu sync.Mutex
	token   AccessToken

	projectMu sync.Mutex
	projectID string
	discovery singleflight.Group
}

// NewRenderClient creates a client over transport. credentials may be nil, in
// which case a transport that needs them leaves the client unconfigured.
func NewRenderClient(transport Transport, credentials CredentialProvider, meter *quota.Meter, guard *Guard, cfg ClientConfig, opts ...ClientOption) *RenderClient {
	if meter == nil {
		meter = quota.NewMeter()
	}
	if guard == nil {
		guard = NewGuard(DefaultMaxConcurrent, DefaultMinSpacing)
	}
	if len(cfg.PredictBackoff.Steps) == 0 {
		cfg.PredictBackoff.Steps = DefaultPredictBackoff
	}
	if len(cfg.FetchBackoff.Steps) == 0 {
		cfg.FetchBackoff.Steps = DefaultFetchBackoff
	}
	if cfg.TokenRefreshMargin <= 0 {
		cfg.TokenRefreshMargin = DefaultTokenRefreshMargin
	}

	c := &RenderClient{
		transport:       transport,
		credentials:     credentials,
		projectOverride: strings.TrimSpace(cfg.ProjectOverride),
		meter:           meter,
		guard:           guard,
		predictBackoff:  cfg.PredictBackoff,
		fetchBackoff:    cfg.FetchBackoff,
		tokenMargin:     cfg.TokenRefreshMargin,
		now:             time.Now,
		sleep:           sleepContext,
		logger:          zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured reports whether the client can reach the provider at all.
func (c *RenderClient) Configured() bool {
	if r, ok := c.transport.(interface{ Ready() bool }); ok && !r.Ready() {
		return false
	}
	return !c.transport.NeedsCredentials() || c.credentials != nil
}

// Provider names the transport, used in artifact keys.
func (c *RenderClient) Provider() string {
	return c.transport.Name()
}

// Meter exposes the shared quota meter for diagnostics.
func (c *RenderClient) Meter() *quota.Meter {
	return c.meter
}

// GenerateResult holds exactly one of Clip or OperationName.
type GenerateResult struct {
	Clip          *models.ClipDescriptor
	OperationName string
}

// GenerateVideo starts a generation. Providers that answer synchronously yield
// a clip; long-running ones yield an operation handle to poll.
func (c *RenderClient) GenerateVideo(ctx context.Context, req models.PredictRequest) (GenerateResult, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return GenerateResult{}, newRenderError(CodeMissingPrompt, "prompt is required")
	}

	body, err := c.call(ctx, c.predictBackoff, "predict", func(ctx context.Context, auth CallAuth) ([]byte, error) {
		return c.transport.Predict(ctx, auth, req)
	})
	if err != nil {
		return GenerateResult{}, err
	}

	outcome, err := Normalize(body)
	if err != nil {
		return GenerateResult{}, err
	}

	switch o := outcome.(type) {
	case ClipOutcome:
		clip := o.Clip
		c.logger.Info().Str("clip", clip.ClipID).Msg("provider returned clip directly")
		return GenerateResult{Clip: &clip}, nil
	case OperationOutcome:
		if o.Done && o.Failure != "" {
			return GenerateResult{}, newRenderError(CodeOperationFailed, "generation failed: %s", o.Failure)
		}
		if o.Name == "" {
			return GenerateResult{}, newRenderError(CodeEmptyResponse, "provider returned neither a clip nor an operation name")
		}
		c.logger.Info().Str("operation", o.Name).Msg("generation started")
		return GenerateResult{OperationName: o.Name}, nil
	case UnrecognizedOutcome:
		return GenerateResult{}, &RenderError{
			Code:    CodeEmptyResponse,
			Body:    o.Body,
			Message: "provider returned neither a clip nor an operation name",
		}
	default:
		return GenerateResult{}, fmt.Errorf("unexpected outcome %T", outcome)
	}
}

// FetchResult is Done with a Clip, or not Done with the provider's status.
type FetchResult struct {
	Done   bool
	Status string
	Clip   *models.ClipDescriptor
}

// FetchOperation polls a long-running operation. A still-running operation is
// a normal result, not an error.
func (c *RenderClient) FetchOperation(ctx context.Context, operationName string) (FetchResult, error) {
	operationName = strings.TrimSpace(operationName)
	if operationName == "" {
		return FetchResult{}, newRenderError(CodeMissingOperation, "operation name is required")
	}

	body, err := c.call(ctx, c.fetchBackoff, "fetch", func(ctx context.Context, auth CallAuth) ([]byte, error) {
		return c.transport.FetchOperation(ctx, auth, operationName)
	})
	if err != nil {
		return FetchResult{}, err
	}

	outcome, err := Normalize(body)
	if err != nil {
		return FetchResult{}, err
	}

	switch o := outcome.(type) {
	case ClipOutcome:
		clip := o.Clip
		c.logger.Info().Str("operation", operationName).Str("clip", clip.ClipID).Msg("operation finished")
		return FetchResult{Done: true, Status: "done", Clip: &clip}, nil
	case OperationOutcome:
		if !o.Done {
			status := o.State
			if status == "" {
				status = "running"
			}
			c.logger.Debug().Str("operation", operationName).Str("status", status).Msg("operation still running")
			return FetchResult{Done: false, Status: status}, nil
		}
		if o.Failure != "" {
			return FetchResult{}, newRenderError(CodeOperationFailed, "operation %s failed: %s", operationName, o.Failure)
		}
		return FetchResult{}, newRenderError(CodeEmptyResponse, "operation %s finished without a video", operationName)
	case UnrecognizedOutcome:
		return FetchResult{}, &RenderError{
			Code:    CodeEmptyResponse,
			Body:    o.Body,
			Message: fmt.Sprintf("unrecognized payload for operation %s", operationName),
		}
	default:
		return FetchResult{}, fmt.Errorf("unexpected outcome %T", outcome)
	}
}

// ExtendResult reports whether clip extension is available.
type ExtendResult struct {
	Available bool
	Reason    string
}

// ExtendVideo reports extension support. Neither transport can extend a
// finished clip, so the answer is always a typed "not available".
func (c *RenderClient) ExtendVideo() ExtendResult {
	return ExtendResult{
		Available: false,
		Reason:    fmt.Sprintf("%s transport does not support clip extension", c.transport.Name()),
	}
}

// call runs dispatch under the guard, retrying throttles on backoff.
func (c *RenderClient) call(ctx context.Context, backoff Backoff, op string, dispatch func(context.Context, CallAuth) ([]byte, error)) ([]byte, error) {
	attempts := backoff.Attempts()
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		auth, err := c.authorize(ctx)
		if err != nil {
			return nil, err
		}

		var body []byte
		var callErr error
		err = c.guard.Do(ctx, func(ctx context.Context) error {
			snap := c.meter.NoteAttempt()
			if snap.IsNearLimit {
				c.logger.Warn().
					Int("requestsInWindow", snap.RequestsInWindow).
					Int("softLimit", snap.SoftLimit).
					Msg("provider request rate near soft limit")
			}
			body, callErr = dispatch(ctx, auth)
			return nil
		})
		if err != nil {
			return nil, err
		}

		if callErr == nil {
			c.meter.NoteSuccess()
			return body, nil
		}

		if !IsRateLimited(callErr) {
			c.meter.NoteFailure()
			c.logger.Error().Err(callErr).Str("op", op).Int("attempt", attempt+1).Msg("provider call failed")
			return nil, callErr
		}

		c.meter.NoteRateLimited()
		lastErr = callErr
		if attempt+1 >= attempts {
			break
		}

		delay := backoff.Delay(attempt)
		c.logger.Warn().
			Str("op", op).
			Int("attempt", attempt+1).
			Int("maxAttempts", attempts).
			Dur("delay", delay).
			Msg("provider throttled, backing off")
		if err := c.sleep(ctx, delay); err != nil {
			return nil, fmt.Errorf("cancelled during %s backoff: %w", op, err)
		}
	}

	c.logger.Warn().Str("op", op).Int("attempts", attempts).Msg("provider still throttling after retries")
	return nil, lastErr
}

// authorize returns the token and project for one dispatch.
func (c *RenderClient) authorize(ctx context.Context) (CallAuth, error) {
	if !c.transport.NeedsCredentials() {
		return CallAuth{}, nil
	}
	if c.credentials == nil {
		return CallAuth{}, newRenderError(CodeMissingToken, "no credential provider configured")
	}

	token, err := c.accessToken(ctx)
	if err != nil {
		return CallAuth{}, err
	}
	project, err := c.resolveProject(ctx)
	if err != nil {
		return CallAuth{}, err
	}
	return CallAuth{Token: token, ProjectID: project}, nil
}

// accessToken returns the cached token, refreshing it once it is within the
// refresh margin of expiry.
func (c *RenderClient) accessToken(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	if c.token.Token != "" && (c.token.ExpiresAt.IsZero() || c.now().Add(c.tokenMargin).Before(c.token.ExpiresAt)) {
		return c.token.Token, nil
	}

	tok, err := c.credentials.AccessToken(ctx)
	if err != nil {
		return "", &RenderError{Code: CodeMissingToken, Message: "failed to obtain access token", Err: err}
	}
	if tok.Token == "" {
		return "", newRenderError(CodeMissingToken, "credential provider returned an empty token")
	}
	c.token = tok
	c.logger.Debug().Time("expiresAt", tok.ExpiresAt).Msg("access token refreshed")
	return tok.Token, nil
}

// resolveProject returns the override, else the discovered project. Discovery
// results are cached forever and concurrent callers share one lookup.
func (c *RenderClient) resolveProject(ctx context.Context) (string, error) {
	if c.projectOverride != "" {
		return c.projectOverride, nil
	}

	c.projectMu.Lock()
	cached := c.projectID
	c.projectMu.Unlock()
	if cached != "" {
		return cached, nil
	}

	v, err, _ := c.discovery.Do("project", func() (interface{}, error) {
		c.projectMu.Lock()
		known := c.projectID
		c.projectMu.Unlock()
		if known != "" {
			return known, nil
		}

		// Shared by every waiter, so one caller's cancellation must not end it.
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), projectDiscoveryTimeout)
		defer cancel()
		id, err := c.credentials.ProjectID(dctx)
		if err != nil {
			return "", err
		}
		id = strings.TrimSpace(id)
		if id != "" {
			c.projectMu.Lock()
			c.projectID = id
			c.projectMu.Unlock()
			c.logger.Info().Str("project", id).Msg("discovered project")
		}
		return id, nil
	})
	if err != nil {
		return "", &RenderError{Code: CodeMissingProject, Message: "failed to discover project", Err: err}
	}
	id, _ := v.(string)
	if id == "" {
		return "", newRenderError(CodeMissingProject, "no project configured or discoverable")
	}
	return id, nil
}
