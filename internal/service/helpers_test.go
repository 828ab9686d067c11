package service_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/unclebandit/campaign-dispatcher/internal/model"
	"github.com/unclebandit/campaign-dispatcher/internal/queue"
	"github.com/unclebandit/campaign-dispatcher/internal/repository"
	"github.com/unclebandit/campaign-dispatcher/internal/service"
	"github.com/unclebandit/campaign-dispatcher/internal/transport"
)

// zeroPlanner makes every job due immediately.
type zeroPlanner struct{}

func (zeroPlanner) Plan(n int, window time.Duration) []time.Duration {
	return make([]time.Duration, n)
}

// scaledPlanner keeps the real spread but compresses it so tests finish fast.
type scaledPlanner struct {
	inner *service.DelayPlanner
	scale float64
}

func (p scaledPlanner) Plan(n int, window time.Duration) []time.Duration {
	offsets := p.inner.Plan(n, window)
	for i := range offsets {
		offsets[i] = time.Duration(float64(offsets[i]) * p.scale)
	}
	return offsets
}

type harness struct {
	store  *repository.MemoryStore
	q      *queue.MemoryQueue
	svc    *service.CampaignService
	worker *service.Worker
}

func newHarness(t *testing.T, sender transport.Sender, workers int) *harness {
	t.Helper()

	store := repository.NewMemoryStore()
	q := queue.NewMemoryQueue(zap.NewNop())

	svc := service.NewCampaignService(store.Campaigns(), store.Recipients(), q, zap.NewNop())
	svc.Planner = zeroPlanner{}
	svc.BackoffBase = 5 * time.Millisecond

	recorder := &repository.SequentialRecorder{Recipients: store.Recipients(), Campaigns: store.Campaigns()}
	w := service.NewWorker(q, store.Campaigns(), store.Recipients(), recorder, sender, svc, zap.NewNop())
	w.Concurrency = workers
	w.SendTimeout = 5 * time.Second
	w.ParkDelay = 10 * time.Millisecond
	w.RetryPause = 10 * time.Millisecond

	return &harness{store: store, q: q, svc: svc, worker: w}
}

// run starts the pool and returns a func that stops it and waits.
func (h *harness) run() (stop func() error) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.worker.Run(ctx) }()
	return func() error {
		cancel()
		return <-done
	}
}

func (h *harness) createCampaign(t *testing.T, n int) int {
	t.Helper()

	rs := make([]service.NewRecipient, n)
	for i := range rs {
		rs[i] = service.NewRecipient{
			Email:          fmt.Sprintf("user%d@example.com", i),
			TemplateParams: map[string]string{"first_name": fmt.Sprintf("User %d", i)},
		}
	}
	now := time.Now()
	snap, err := h.svc.CreateCampaign(context.Background(), service.NewCampaign{
		Name:        "spring sale",
		TemplateRef: "spring-2026",
		StartTime:   now,
		EndTime:     now.Add(10 * time.Minute),
		Recipients:  rs,
	})
	require.NoError(t, err)
	require.Equal(t, model.CampaignDraft, snap.Status)
	require.Equal(t, n, snap.TotalRecipients)
	return snap.ID
}

func (h *harness) status(t *testing.T, id int) *model.Snapshot {
	t.Helper()
	snap, err := h.svc.GetStatus(context.Background(), id)
	require.NoError(t, err)
	return snap
}

func (h *harness) waitStatus(t *testing.T, id int, want model.CampaignStatus) *model.Snapshot {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.status(t, id).Status == want
	}, 5*time.Second, 5*time.Millisecond, "campaign %d never reached %s", id, want)
	return h.status(t, id)
}

func succeed(ctx context.Context, address, templateRef string, params map[string]string) (transport.Result, error) {
	return transport.Result{ProviderMessageID: "msg-" + address}, nil
}
