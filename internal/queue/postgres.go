package queue

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/campaign-dispatcher/internal/errors"
	"github.com/unclebandit/campaign-dispatcher/internal/model"
)

// PostgresQueue keeps jobs in the dispatch_jobs table and polls the due_at
// index. Claims use FOR UPDATE SKIP LOCKED so workers never block each other.
type PostgresQueue struct {
	DB           *sql.DB
	Visibility   time.Duration
	PollInterval time.Duration
	log          *zap.Logger
}

func NewPostgresQueue(db *sql.DB, visibility, poll time.Duration, log *zap.Logger) *PostgresQueue {
	if visibility <= 0 {
		visibility = 2 * time.Minute
	}
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &PostgresQueue{DB: db, Visibility: visibility, PollInterval: poll, log: log}
}

func unavailable(err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return appErrors.NewQueueUnavailable("postgres", err)
}

func (q *PostgresQueue) Enqueue(ctx context.Context, job model.DispatchJob, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	query := `
        INSERT INTO dispatch_jobs (id, campaign_id, recipient_id, attempt, max_attempts, backoff_base_ms, scheduled_at, due_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, NOW() + ($8::bigint * INTERVAL '1 millisecond'))
        ON CONFLICT (id) DO NOTHING
    `
	_, err := q.DB.ExecContext(ctx, query, job.ID, job.CampaignID, job.RecipientID, job.Attempt, job.MaxAttempts,
		job.BackoffBase.Milliseconds(), job.ScheduledAt, delay.Milliseconds())
	return unavailable(err)
}

const claimQuery = `
    UPDATE dispatch_jobs SET locked_until = NOW() + ($1::bigint * INTERVAL '1 millisecond')
    WHERE id = (
        SELECT j.id FROM dispatch_jobs j
        WHERE j.due_at <= NOW()
          AND (j.locked_until IS NULL OR j.locked_until < NOW())
          AND NOT EXISTS (SELECT 1 FROM queue_paused_campaigns p WHERE p.campaign_id = j.campaign_id)
        ORDER BY j.due_at
        LIMIT 1
        FOR UPDATE SKIP LOCKED
    )
    RETURNING id, campaign_id, recipient_id, attempt, max_attempts, backoff_base_ms, scheduled_at
`

func (q *PostgresQueue) Reserve(ctx context.Context) (*Reservation, error) {
	for {
		var (
			job       model.DispatchJob
			backoffMS int64
		)
		err := q.DB.QueryRowContext(ctx, claimQuery, q.Visibility.Milliseconds()).Scan(
			&job.ID, &job.CampaignID, &job.RecipientID, &job.Attempt, &job.MaxAttempts, &backoffMS, &job.ScheduledAt)
		if err == nil {
			job.BackoffBase = time.Duration(backoffMS) * time.Millisecond
			return &Reservation{Job: job, ReservedAt: time.Now()}, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, unavailable(err)
		}
		if err := SleepCtx(ctx, q.PollInterval); err != nil {
			return nil, err
		}
	}
}

func (q *PostgresQueue) Ack(ctx context.Context, r *Reservation) error {
	_, err := q.DB.ExecContext(ctx, `DELETE FROM dispatch_jobs WHERE id=$1`, r.Job.ID)
	return unavailable(err)
}

func (q *PostgresQueue) Release(ctx context.Context, r *Reservation, delay time.Duration) error {
	query := `
        UPDATE dispatch_jobs
        SET locked_until = NULL, due_at = NOW() + ($2::bigint * INTERVAL '1 millisecond')
        WHERE id=$1
    `
	_, err := q.DB.ExecContext(ctx, query, r.Job.ID, delay.Milliseconds())
	return unavailable(err)
}

func (q *PostgresQueue) PauseCampaign(ctx context.Context, campaignID int) error {
	_, err := q.DB.ExecContext(ctx,
		`INSERT INTO queue_paused_campaigns (campaign_id) VALUES ($1) ON CONFLICT (campaign_id) DO NOTHING`, campaignID)
	return unavailable(err)
}

func (q *PostgresQueue) ResumeCampaign(ctx context.Context, campaignID int) error {
	_, err := q.DB.ExecContext(ctx, `DELETE FROM queue_paused_campaigns WHERE campaign_id=$1`, campaignID)
	return unavailable(err)
}

func (q *PostgresQueue) PurgeCampaign(ctx context.Context, campaignID int) error {
	res, err := q.DB.ExecContext(ctx, `DELETE FROM dispatch_jobs WHERE campaign_id=$1`, campaignID)
	if err != nil {
		return unavailable(err)
	}
	n, _ := res.RowsAffected()
	q.log.Debug("purged campaign jobs", zap.Int("campaign_id", campaignID), zap.Int64("jobs", n))
	return nil
}

// Close does nothing; the *sql.DB is owned by the caller.
func (q *PostgresQueue) Close() error { return nil }

var _ JobQueue = (*PostgresQueue)(nil)
