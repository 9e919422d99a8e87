package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/bobarin/reelworks/internal/db"
	"github.com/bobarin/reelworks/internal/models"
	"github.com/bobarin/reelworks/internal/queue"
	"github.com/bobarin/reelworks/internal/render"
)

const (
	dequeueTimeout  = 5 * time.Second
	promoteInterval = time.Second
	busyRetryDelay  = 5 * time.Second
	fallbackPoll    = 30 * time.Second
	queueOpTimeout  = 5 * time.Second
	saveTimeout     = 10 * time.Second
)

// ErrBusy is returned when another step for the same work item is running.
var ErrBusy = errors.New("render step already in progress")

// Store is the slice of the database the worker needs.
type Store interface {
	GetRender(ctx context.Context, workItemID string) (*models.RenderRecord, error)
	SaveRenderStep(ctx context.Context, workItemID string, state models.OperationState, result *models.RenderResult) error
}

// JobQueue is the slice of the render queue the worker needs.
type JobQueue interface {
	Dequeue(ctx context.Context, queueName string, timeout time.Duration) (*queue.Job, error)
	Schedule(ctx context.Context, workItemID string, delay time.Duration) error
	Unschedule(ctx context.Context, workItemID string) error
	PromoteDue(ctx context.Context) (int, error)
}

// Renderer advances one work item.
type Renderer interface {
	Render(ctx context.Context, req render.Request) (render.Outcome, error)
}

// TierResolver maps a stored tier name to its preset.
type TierResolver func(name string) (models.Tier, error)

type Worker struct {
	store    Store
	queue    JobQueue
	renderer Renderer
	tiers    TierResolver
	logger   zerolog.Logger
	inFlight sync.Map // work item ID -> struct{}
}

func New(store Store, q JobQueue, renderer Renderer, tiers TierResolver, logger zerolog.Logger) *Worker {
	return &Worker{
		store:    store,
		queue:    q,
		renderer: renderer,
		tiers:    tiers,
		logger:   logger.With().Str("component", "worker").Logger(),
	}
}

// Start runs consumers and the delayed-job promoter until ctx is cancelled.
func (w *Worker) Start(ctx context.Context, concurrency int) error {
	if concurrency < 1 {
		concurrency = 1
	}
	w.logger.Info().Int("concurrency", concurrency).Msg("worker started")

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		g.Go(func() error {
			w.processQueue(gctx)
			return nil
		})
	}
	g.Go(func() error {
		w.promote(gctx)
		return nil
	})

	err := g.Wait()
	w.logger.Info().Msg("worker shutting down")
	return err
}

func (w *Worker) processQueue(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			job, err := w.queue.Dequeue(ctx, queue.QueueRender, dequeueTimeout)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				w.logger.Error().Err(err).Msg("error dequeuing render job")
				continue
			}

			if job == nil {
				continue // No job available, retry
			}

			if err := w.HandleJob(ctx, job); err != nil {
				w.logger.Error().Err(err).Str("workItem", job.WorkItemID).Str("job", job.ID.String()).Msg("render job failed")
			}
		}
	}
}

func (w *Worker) promote(ctx context.Context) {
	ticker := time.NewTicker(promoteInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := w.queue.PromoteDue(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				w.logger.Error().Err(err).Msg("failed to promote delayed render jobs")
				continue
			}
			if n > 0 {
				w.logger.Debug().Int("promoted", n).Msg("promoted delayed render jobs")
			}
		}
	}
}

// HandleJob runs one queued step and re-schedules the job while the render is pending.
// The job has already left the list, so every path that keeps the item alive
// parks it again.
func (w *Worker) HandleJob(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeRender {
		return fmt.Errorf("unknown job type %q", job.Type)
	}

	out, err := w.Step(ctx, job.WorkItemID)
	switch {
	case errors.Is(err, ErrBusy):
		w.logger.Debug().Str("workItem", job.WorkItemID).Msg("work item busy, deferring")
		return w.schedule(ctx, job.WorkItemID, busyRetryDelay)
	case errors.Is(err, db.ErrNotFound):
		w.logger.Warn().Str("workItem", job.WorkItemID).Msg("dropping job for unknown work item")
		return nil
	case err != nil:
		if serr := w.schedule(ctx, job.WorkItemID, fallbackPoll); serr != nil {
			return errors.Join(err, serr)
		}
		return err
	}

	if out.HTTPStatus != http.StatusAccepted {
		return nil
	}

	delay := out.PollDelay
	if delay <= 0 {
		delay = fallbackPoll
	}
	if err := w.schedule(ctx, job.WorkItemID, delay); err != nil {
		return err
	}
	w.logger.Debug().Str("workItem", job.WorkItemID).Dur("delay", delay).Msg("scheduled next poll")
	return nil
}

// schedule parks a work item even while ctx is being cancelled at shutdown.
func (w *Worker) schedule(ctx context.Context, workItemID string, delay time.Duration) error {
	qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), queueOpTimeout)
	defer cancel()
	if err := w.queue.Schedule(qctx, workItemID, delay); err != nil {
		return fmt.Errorf("failed to schedule next poll: %w", err)
	}
	return nil
}

// Step loads a work item, advances it once and stores the new state.
// At most one Step per work item runs at a time in this process.
func (w *Worker) Step(ctx context.Context, workItemID string) (render.Outcome, error) {
	if _, busy := w.inFlight.LoadOrStore(workItemID, struct{}{}); busy {
		return render.Outcome{}, ErrBusy
	}
	defer w.inFlight.Delete(workItemID)

	record, err := w.store.GetRender(ctx, workItemID)
	if err != nil {
		return render.Outcome{}, err
	}

	tier, err := w.tiers(record.Tier)
	if err != nil {
		return render.Outcome{}, fmt.Errorf("failed to resolve tier: %w", err)
	}

	out, err := w.renderer.Render(ctx, render.Request{
		WorkItemID:  record.WorkItemID,
		Manifest:    record.Manifest,
		Tier:        tier,
		State:       record.State,
		PriorResult: record.Result,
	})
	if err != nil {
		return render.Outcome{}, err
	}

	// Detached from ctx: an outcome that was produced is always recorded.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
	defer cancel()
	if err := w.store.SaveRenderStep(saveCtx, workItemID, out.State, &out.Task); err != nil {
		return out, fmt.Errorf("failed to save render step: %w", err)
	}

	// A settled item needs no parked poll.
	if out.HTTPStatus != http.StatusAccepted {
		if err := w.queue.Unschedule(saveCtx, workItemID); err != nil {
			w.logger.Warn().Err(err).Str("workItem", workItemID).Msg("failed to drop parked poll")
		}
	}
	return out, nil
}
