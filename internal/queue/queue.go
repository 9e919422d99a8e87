package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const (
	QueueRender        = "queue:render"
	QueueRenderDelayed = "queue:render:delayed"

	JobTypeRender = "render"
)

type Queue struct {
	client *redis.Client
	now    func() time.Time
}

type Job struct {
	ID         uuid.UUID `json:"id"`
	Type       string    `json:"type"`
	WorkItemID string    `json:"work_item_id"`
	CreatedAt  time.Time `json:"created_at"`
}

func New(redisURL string) (*Queue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewWithClient(client), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client) *Queue {
	return &Queue{client: client, now: time.Now}
}

// WithClock replaces time.Now for scheduling decisions.
func (q *Queue) WithClock(now func() time.Time) *Queue {
	q.now = now
	return q
}

func (q *Queue) Close() error {
	return q.client.Close()
}

func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *Queue) Enqueue(ctx context.Context, queueName string, job *Job) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = q.now()
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	return q.client.RPush(ctx, queueName, data).Err()
}

func (q *Queue) Dequeue(ctx context.Context, queueName string, timeout time.Duration) (*Job, error) {
	result, err := q.client.BLPop(ctx, timeout, queueName).Result()
	if err == redis.Nil {
		return nil, nil // No job available
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}

	if len(result) != 2 {
		return nil, fmt.Errorf("unexpected redis response")
	}

	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}

	return &job, nil
}

func (q *Queue) GetQueueLength(ctx context.Context, queueName string) (int64, error) {
	return q.client.LLen(ctx, queueName).Result()
}

// GetDelayedLength returns the number of jobs waiting for their poll time.
func (q *Queue) GetDelayedLength(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, QueueRenderDelayed).Result()
}

// EnqueueRender makes a work item due now.
func (q *Queue) EnqueueRender(ctx context.Context, workItemID string) error {
	return q.Schedule(ctx, workItemID, 0)
}

// Schedule makes a work item due after delay. The delayed set is keyed by work
// item ID, so an item is parked at most once and re-scheduling moves its due time.
func (q *Queue) Schedule(ctx context.Context, workItemID string, delay time.Duration) error {
	due := q.now().Add(delay)
	err := q.client.ZAdd(ctx, QueueRenderDelayed, &redis.Z{
		Score:  float64(due.UnixMilli()),
		Member: workItemID,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to schedule render: %w", err)
	}
	return nil
}

// Unschedule drops any parked entry for a work item.
func (q *Queue) Unschedule(ctx context.Context, workItemID string) error {
	if err := q.client.ZRem(ctx, QueueRenderDelayed, workItemID).Err(); err != nil {
		return fmt.Errorf("failed to unschedule render: %w", err)
	}
	return nil
}

// PromoteDue moves every work item whose time has come onto the render queue.
// ZREM decides ownership, so concurrent promoters never push the same item twice.
func (q *Queue) PromoteDue(ctx context.Context) (int, error) {
	cutoff := strconv.FormatInt(q.now().UnixMilli(), 10)
	members, err := q.client.ZRangeByScore(ctx, QueueRenderDelayed, &redis.ZRangeBy{
		Min: "-inf",
		Max: cutoff,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read delayed jobs: %w", err)
	}

	promoted := 0
	for _, workItemID := range members {
		removed, err := q.client.ZRem(ctx, QueueRenderDelayed, workItemID).Result()
		if err != nil {
			return promoted, fmt.Errorf("failed to claim delayed job: %w", err)
		}
		if removed == 0 {
			continue
		}
		job := &Job{
			ID:         uuid.New(),
			Type:       JobTypeRender,
			WorkItemID: workItemID,
		}
		if err := q.Enqueue(ctx, QueueRender, job); err != nil {
			return promoted, fmt.Errorf("failed to promote delayed job: %w", err)
		}
		promoted++
	}
	return promoted, nil
}
