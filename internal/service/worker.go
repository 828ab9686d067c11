package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	appErrors "github.com/unclebandit/campaign-dispatcher/internal/errors"
	"github.com/unclebandit/campaign-dispatcher/internal/model"
	"github.com/unclebandit/campaign-dispatcher/internal/queue"
	"github.com/unclebandit/campaign-dispatcher/internal/repository"
	"github.com/unclebandit/campaign-dispatcher/internal/transport"
)

// Completer finishes a drained campaign.
type Completer interface {
	Complete(ctx context.Context, id int) (*model.Snapshot, error)
}

// Worker pulls dispatch jobs from the queue and sends them. Run starts
// Concurrency goroutines that each process one job at a time.
type Worker struct {
	Queue         queue.JobQueue
	CampaignRepo  repository.CampaignRepositoryInterface
	RecipientRepo repository.RecipientRepositoryInterface
	Outcomes      repository.OutcomeRecorder
	Sender        transport.Sender
	Campaigns     Completer

	Concurrency int
	SendTimeout time.Duration
	// ParkDelay is how long a job of a paused campaign is put back for.
	ParkDelay time.Duration
	// RetryPause throttles the loop while the queue backend is unreachable.
	RetryPause time.Duration

	Log *zap.Logger
	now func() time.Time
}

func NewWorker(q queue.JobQueue, campaigns repository.CampaignRepositoryInterface, recipients repository.RecipientRepositoryInterface,
	outcomes repository.OutcomeRecorder, sender transport.Sender, completer Completer, log *zap.Logger) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{
		Queue:         q,
		CampaignRepo:  campaigns,
		RecipientRepo: recipients,
		Outcomes:      outcomes,
		Sender:        sender,
		Campaigns:     completer,
		Concurrency:   4,
		SendTimeout:   30 * time.Second,
		ParkDelay:     5 * time.Second,
		RetryPause:    time.Second,
		Log:           log,
		now:           time.Now,
	}
}

// Run blocks until ctx is cancelled, the queue is closed, or a worker hits an
// invariant violation. Only the last case returns an error.
func (w *Worker) Run(ctx context.Context) error {
	n := w.Concurrency
	if n < 1 {
		n = 1
	}
	w.Log.Info("🚀 dispatch workers starting", zap.Int("workers", n))

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		id := i
		g.Go(func() error {
			return w.loop(gctx, id)
		})
	}
	err := g.Wait()
	if err != nil {
		w.Log.Error("dispatch workers stopped", zap.Error(err))
		return err
	}
	w.Log.Info("dispatch workers stopped")
	return nil
}

func (w *Worker) loop(ctx context.Context, id int) error {
	log := w.Log.With(zap.Int("worker", id))
	for {
		r, err := w.Queue.Reserve(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return nil
			}
			log.Error("reserve failed", zap.Error(err))
			if err := queue.SleepCtx(ctx, w.RetryPause); err != nil {
				return nil
			}
			continue
		}

		if err := w.Process(ctx, r); err != nil {
			if errors.Is(err, appErrors.ErrInvariant) {
				return err
			}
			if ctx.Err() != nil {
				// lease expires and the job is redelivered
				return nil
			}
			log.Error("job failed, releasing", zap.String("job_id", r.Job.ID), zap.Error(err))
			if rerr := w.Queue.Release(ctx, r, w.RetryPause); rerr != nil {
				log.Error("release failed", zap.String("job_id", r.Job.ID), zap.Error(rerr))
			}
		}
	}
}

// Process handles one reservation end to end. A nil return means the job was
// acked, released or rescheduled.
func (w *Worker) Process(ctx context.Context, r *queue.Reservation) error {
	job := r.Job
	log := w.Log.With(zap.Int("campaign_id", job.CampaignID), zap.Int("recipient_id", job.RecipientID),
		zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))

	c, err := w.CampaignRepo.GetByID(ctx, job.CampaignID)
	if err != nil {
		if appErrors.IsNotFound(err) {
			return fmt.Errorf("%w: job %s references campaign %d with no aggregate", appErrors.ErrInvariant, job.ID, job.CampaignID)
		}
		return err
	}
	agg := c.Aggregate()

	switch {
	case agg.Status.Terminal():
		log.Debug("campaign terminal, dropping job", zap.String("status", string(agg.Status)))
		return w.Queue.Ack(ctx, r)
	case agg.Status == model.CampaignPaused:
		log.Debug("campaign paused, parking job")
		return w.Queue.Release(ctx, r, w.ParkDelay)
	}

	rc, err := w.RecipientRepo.GetByID(ctx, job.RecipientID)
	if err != nil {
		if appErrors.IsNotFound(err) {
			return fmt.Errorf("%w: job %s references missing recipient %d", appErrors.ErrInvariant, job.ID, job.RecipientID)
		}
		return err
	}
	if rc.Status.Terminal() {
		log.Debug("recipient already terminal, skipping redelivery", zap.String("status", string(rc.Status)))
		// heal a completion that was lost after the final counter update
		if agg.Drained() {
			if err := w.complete(ctx, job.CampaignID); err != nil {
				return err
			}
		}
		return w.Queue.Ack(ctx, r)
	}

	res, sendErr := w.send(ctx, rc, c.TemplateRef)
	if sendErr != nil && ctx.Err() != nil {
		// shutting down mid-send; not the provider's fault
		return ctx.Err()
	}

	var outcome repository.Outcome
	switch {
	case sendErr == nil:
		outcome, err = w.Outcomes.RecordSent(ctx, job.CampaignID, job.RecipientID, res.ProviderMessageID)
		if err != nil {
			return err
		}
		log.Debug("sent", zap.String("provider_message_id", res.ProviderMessageID))

	case appErrors.IsPermanent(sendErr) || job.Exhausted():
		outcome, err = w.Outcomes.RecordFailed(ctx, job.CampaignID, job.RecipientID, sendErr.Error())
		if err != nil {
			return err
		}
		log.Warn("recipient failed", zap.Bool("permanent", appErrors.IsPermanent(sendErr)), zap.Error(sendErr))

	default:
		return w.retry(ctx, r, sendErr, log)
	}

	// complete before the ack: if completion fails the job comes back and the
	// redelivery path above retries it
	if outcome.Counted && outcome.Aggregate.Drained() {
		if err := w.complete(ctx, job.CampaignID); err != nil {
			return err
		}
	}
	if err := w.Queue.Ack(ctx, r); err != nil {
		log.Warn("ack failed, job will be redelivered as a no-op", zap.Error(err))
	}
	return nil
}

// send waits for the rate limiter first, so only the provider call itself
// runs under SendTimeout.
func (w *Worker) send(ctx context.Context, rc *model.Recipient, templateRef string) (transport.Result, error) {
	sender, err := transport.Paced(ctx, w.Sender)
	if err != nil {
		return transport.Result{}, err
	}

	sctx, cancel := context.WithTimeout(ctx, w.SendTimeout)
	defer cancel()

	res, err := sender.Send(sctx, rc.Email, templateRef, rc.TemplateParams)
	return res, transport.Classify(err)
}

// retry records the failed attempt and schedules attempt+1 after backoff. The
// follow-up is enqueued before the current job is acked.
func (w *Worker) retry(ctx context.Context, r *queue.Reservation, sendErr error, log *zap.Logger) error {
	job := r.Job
	if err := w.RecipientRepo.RecordAttempt(ctx, job.RecipientID, sendErr.Error()); err != nil {
		return err
	}
	delay := job.Backoff()
	next := job.Next(w.clock().Add(delay))
	if err := w.Queue.Enqueue(ctx, next, delay); err != nil {
		return err
	}
	log.Info("transient failure, retrying", zap.Duration("backoff", delay), zap.Error(sendErr))
	if err := w.Queue.Ack(ctx, r); err != nil {
		log.Warn("ack failed after retry was scheduled", zap.Error(err))
	}
	return nil
}

func (w *Worker) complete(ctx context.Context, campaignID int) error {
	if w.Campaigns == nil {
		return nil
	}
	if _, err := w.Campaigns.Complete(ctx, campaignID); err != nil {
		return fmt.Errorf("complete drained campaign %d: %w", campaignID, err)
	}
	return nil
}

func (w *Worker) clock() time.Time {
	if w.now == nil {
		return time.Now()
	}
	return w.now()
}
