package queue

import (
	"context"
	"errors"
	"time"

	"github.com/unclebandit/campaign-dispatcher/internal/model"
)

// ErrClosed is returned by Reserve once the queue has been closed.
var ErrClosed = errors.New("queue closed")

// JobQueue is a durable, time-aware queue of dispatch jobs.
//
// Delivery is at-least-once: a reservation that is neither acked nor released
// becomes visible again after the backend's visibility timeout.
type JobQueue interface {
	// Enqueue makes job visible to Reserve no earlier than now+delay. Enqueueing a
	// job id that is already pending is a no-op.
	Enqueue(ctx context.Context, job model.DispatchJob, delay time.Duration) error
	// Reserve blocks until a due job of an unpaused campaign is available.
	Reserve(ctx context.Context) (*Reservation, error)
	// Ack removes a reserved job for good.
	Ack(ctx context.Context, r *Reservation) error
	// Release hands a reserved job back, visible again after delay.
	Release(ctx context.Context, r *Reservation, delay time.Duration) error

	PauseCampaign(ctx context.Context, campaignID int) error
	ResumeCampaign(ctx context.Context, campaignID int) error
	PurgeCampaign(ctx context.Context, campaignID int) error

	Close() error
}

// Reservation is a leased job.
type Reservation struct {
	Job        model.DispatchJob
	ReservedAt time.Time

	// backend specific handle
	token any
}

// SleepCtx waits for d or until ctx is done, whichever comes first.
func SleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
