// internal/service/campaign_service.go
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/campaign-dispatcher/internal/errors"
	"github.com/unclebandit/campaign-dispatcher/internal/model"
	"github.com/unclebandit/campaign-dispatcher/internal/queue"
	"github.com/unclebandit/campaign-dispatcher/internal/repository"
)

// CampaignService owns the campaign lifecycle: draft, scheduled, running,
// paused and the terminal states. Every transition is a compare-and-set on
// the store so concurrent callers cannot both win.
type CampaignService struct {
	CampaignRepo  repository.CampaignRepositoryInterface
	RecipientRepo repository.RecipientRepositoryInterface
	Queue         queue.JobQueue
	Planner       OffsetPlanner

	MaxAttempts int
	BackoffBase time.Duration

	Log *zap.Logger
	now func() time.Time

	// starting holds ids with a Start in flight in this process.
	starting sync.Map
}

func NewCampaignService(campaigns repository.CampaignRepositoryInterface, recipients repository.RecipientRepositoryInterface,
	q queue.JobQueue, log *zap.Logger) *CampaignService {
	if log == nil {
		log = zap.NewNop()
	}
	return &CampaignService{
		CampaignRepo:  campaigns,
		RecipientRepo: recipients,
		Queue:         q,
		Planner:       NewDelayPlanner(nil),
		MaxAttempts:   3,
		BackoffBase:   time.Second,
		Log:           log,
		now:           time.Now,
	}
}

// NewRecipient is one address supplied when a campaign is created.
type NewRecipient struct {
	Email          string            `json:"email"`
	TemplateParams map[string]string `json:"template_params,omitempty"`
}

// NewCampaign is the input of CreateCampaign.
type NewCampaign struct {
	Name        string         `json:"name"`
	TemplateRef string         `json:"template_ref"`
	StartTime   time.Time      `json:"start_time"`
	EndTime     time.Time      `json:"end_time"`
	Recipients  []NewRecipient `json:"recipients"`
}

// CreateCampaign stores a draft campaign and its recipient set. Duplicate
// addresses are collapsed so TotalRecipients matches the stored rows.
func (s *CampaignService) CreateCampaign(ctx context.Context, in NewCampaign) (*model.Snapshot, error) {
	if strings.TrimSpace(in.Name) == "" {
		return nil, appErrors.NewValidation("name", "must not be empty")
	}
	if strings.TrimSpace(in.TemplateRef) == "" {
		return nil, appErrors.NewValidation("template_ref", "must not be empty")
	}
	if in.StartTime.IsZero() || in.EndTime.IsZero() {
		return nil, appErrors.NewValidation("window", "start_time and end_time are required")
	}
	if !in.EndTime.After(in.StartTime) {
		return nil, appErrors.NewValidation("window", "end_time must be after start_time")
	}

	seen := make(map[string]bool, len(in.Recipients))
	recipients := make([]model.Recipient, 0, len(in.Recipients))
	for _, r := range in.Recipients {
		email := strings.TrimSpace(r.Email)
		if email == "" || seen[email] {
			continue
		}
		seen[email] = true
		recipients = append(recipients, model.Recipient{Email: email, TemplateParams: r.TemplateParams})
	}
	if len(recipients) == 0 {
		return nil, appErrors.NewValidation("recipients", "recipient set is empty")
	}

	c := &model.Campaign{
		Name:            in.Name,
		TemplateRef:     in.TemplateRef,
		Status:          model.CampaignDraft,
		TotalRecipients: len(recipients),
		StartTime:       in.StartTime,
		EndTime:         in.EndTime,
	}
	if err := s.CampaignRepo.Create(ctx, c); err != nil {
		return nil, fmt.Errorf("create campaign: %w", err)
	}
	if _, err := s.RecipientRepo.CreateBatch(ctx, c.ID, recipients); err != nil {
		return nil, fmt.Errorf("create recipients for campaign %d: %w", c.ID, err)
	}

	s.Log.Info("campaign created", zap.Int("campaign_id", c.ID), zap.Int("recipients", c.TotalRecipients))
	snap := c.Snapshot()
	return &snap, nil
}

// Start plans and enqueues one job per pending recipient, then marks the
// campaign running. A window that already opened is shortened to start now.
//
// Job ids are derived from (campaign, recipient, attempt), so a Start retried
// after a queue failure leaves the campaign scheduled and enqueues nothing twice.
func (s *CampaignService) Start(ctx context.Context, id int) (*model.Snapshot, error) {
	c, err := s.CampaignRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status != model.CampaignDraft && c.Status != model.CampaignScheduled {
		return nil, s.invalidState(c.ID, "start", c.Status, model.CampaignDraft, model.CampaignScheduled)
	}
	if _, busy := s.starting.LoadOrStore(id, struct{}{}); busy {
		return nil, appErrors.NewInvalidState(id, "start", "scheduled (start in progress)",
			string(model.CampaignDraft), string(model.CampaignScheduled))
	}
	defer s.starting.Delete(id)
	if c.TotalRecipients <= 0 {
		return nil, appErrors.NewValidation("recipients", "recipient set is empty")
	}
	now := s.clock()
	if !c.EndTime.After(c.StartTime) {
		return nil, appErrors.NewValidation("window", "end_time must be after start_time")
	}
	if !c.EndTime.After(now) {
		return nil, appErrors.NewValidation("window", "end_time has already passed")
	}

	// claim from the status we read: of two starts racing on a draft, one wins
	ok, err := s.CampaignRepo.TransitionStatus(ctx, id, model.CampaignScheduled, c.Status)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, s.invalidStateNow(ctx, id, "start", c.Status)
	}

	pending, err := s.RecipientRepo.LoadPendingRecipients(ctx, id, c.TotalRecipients)
	if err != nil {
		return nil, fmt.Errorf("load pending recipients for campaign %d: %w", id, err)
	}

	start := c.StartTime
	if start.Before(now) {
		start = now
	}
	lead := start.Sub(now)
	offsets := s.Planner.Plan(len(pending), c.EndTime.Sub(start))

	for i, r := range pending {
		job := model.DispatchJob{
			ID:          model.JobID(id, r.ID, 1),
			CampaignID:  id,
			RecipientID: r.ID,
			ScheduledAt: start.Add(offsets[i]),
			Attempt:     1,
			MaxAttempts: s.MaxAttempts,
			BackoffBase: s.BackoffBase,
		}
		if err := s.Queue.Enqueue(ctx, job, lead+offsets[i]); err != nil {
			s.Log.Error("enqueue failed, campaign left scheduled",
				zap.Int("campaign_id", id), zap.Int("recipient_id", r.ID), zap.Error(err))
			return nil, asQueueError(err)
		}
	}

	ok, err = s.CampaignRepo.TransitionStatus(ctx, id, model.CampaignRunning, model.CampaignScheduled)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, s.invalidStateNow(ctx, id, "start", model.CampaignDraft, model.CampaignScheduled)
	}
	s.Log.Info("campaign started",
		zap.Int("campaign_id", id), zap.Int("jobs", len(pending)), zap.Time("window_start", start), zap.Time("window_end", c.EndTime))

	// a restart after every recipient already finished has nothing left to drain
	if len(pending) == 0 {
		return s.Complete(ctx, id)
	}
	return s.GetStatus(ctx, id)
}

// Pause stops the queue releasing the campaign's jobs. Attempts already in a
// worker's hands finish normally.
func (s *CampaignService) Pause(ctx context.Context, id int) (*model.Snapshot, error) {
	c, err := s.CampaignRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status != model.CampaignRunning {
		return nil, s.invalidState(id, "pause", c.Status, model.CampaignRunning)
	}
	if err := s.Queue.PauseCampaign(ctx, id); err != nil {
		return nil, asQueueError(err)
	}
	ok, err := s.CampaignRepo.TransitionStatus(ctx, id, model.CampaignPaused, model.CampaignRunning)
	if err != nil {
		return nil, err
	}
	if !ok {
		// lost a race with stop or completion; don't leave the queue paused
		if err := s.Queue.ResumeCampaign(ctx, id); err != nil {
			s.Log.Warn("failed to undo queue pause", zap.Int("campaign_id", id), zap.Error(err))
		}
		return nil, s.invalidStateNow(ctx, id, "pause", model.CampaignRunning)
	}
	s.Log.Info("campaign paused", zap.Int("campaign_id", id))
	return s.GetStatus(ctx, id)
}

// Resume re-enables release. The queue is resumed first; jobs that surface
// before the status flips are parked again by the workers.
func (s *CampaignService) Resume(ctx context.Context, id int) (*model.Snapshot, error) {
	c, err := s.CampaignRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status != model.CampaignPaused {
		return nil, s.invalidState(id, "resume", c.Status, model.CampaignPaused)
	}
	if err := s.Queue.ResumeCampaign(ctx, id); err != nil {
		return nil, asQueueError(err)
	}
	ok, err := s.CampaignRepo.TransitionStatus(ctx, id, model.CampaignRunning, model.CampaignPaused)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, s.invalidStateNow(ctx, id, "resume", model.CampaignPaused)
	}
	s.Log.Info("campaign resumed", zap.Int("campaign_id", id))
	return s.GetStatus(ctx, id)
}

// Stop is terminal. The status flips before the purge, so any job a worker
// pops afterwards observes the stopped campaign and does nothing.
func (s *CampaignService) Stop(ctx context.Context, id int) (*model.Snapshot, error) {
	return s.abort(ctx, id, "stop", model.CampaignStopped)
}

// Fail aborts a campaign as failed, e.g. when an operator finds the provider
// rejecting the whole template.
func (s *CampaignService) Fail(ctx context.Context, id int, reason string) (*model.Snapshot, error) {
	s.Log.Warn("failing campaign", zap.Int("campaign_id", id), zap.String("reason", reason))
	return s.abort(ctx, id, "fail", model.CampaignFailed)
}

func (s *CampaignService) abort(ctx context.Context, id int, op string, to model.CampaignStatus) (*model.Snapshot, error) {
	ok, err := s.CampaignRepo.TransitionStatus(ctx, id, to, model.CampaignRunning, model.CampaignPaused)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, s.invalidStateNow(ctx, id, op, model.CampaignRunning, model.CampaignPaused)
	}
	s.Log.Info("campaign aborted", zap.Int("campaign_id", id), zap.String("status", string(to)))

	if err := s.Queue.PurgeCampaign(ctx, id); err != nil {
		// leftover jobs are no-ops against a terminal campaign
		s.Log.Error("purge failed", zap.Int("campaign_id", id), zap.Error(err))
		return nil, asQueueError(err)
	}
	s.clearPause(ctx, id)
	return s.GetStatus(ctx, id)
}

// Complete marks a drained campaign completed. Failures do not change the
// terminal status; the snapshot reports HasFailures instead. Calling it on a
// campaign that is not drained, or already terminal, changes nothing.
func (s *CampaignService) Complete(ctx context.Context, id int) (*model.Snapshot, error) {
	agg, err := s.CampaignRepo.GetAggregate(ctx, id)
	if err != nil {
		return nil, err
	}
	if !agg.Drained() || agg.Status.Terminal() {
		return s.GetStatus(ctx, id)
	}
	ok, err := s.CampaignRepo.TransitionStatus(ctx, id, model.CampaignCompleted,
		model.CampaignRunning, model.CampaignPaused)
	if err != nil {
		return nil, err
	}
	if ok {
		s.Log.Info("campaign completed",
			zap.Int("campaign_id", id), zap.Int("sent", agg.SentCount), zap.Int("failed", agg.FailedCount))
		s.clearPause(ctx, id)
	}
	return s.GetStatus(ctx, id)
}

// clearPause drops any pause marker a terminal campaign left in the queue.
func (s *CampaignService) clearPause(ctx context.Context, id int) {
	if err := s.Queue.ResumeCampaign(ctx, id); err != nil {
		s.Log.Warn("failed to clear queue pause marker", zap.Int("campaign_id", id), zap.Error(err))
	}
}

// GetStatus is a read-only snapshot.
func (s *CampaignService) GetStatus(ctx context.Context, id int) (*model.Snapshot, error) {
	c, err := s.CampaignRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	snap := c.Snapshot()
	return &snap, nil
}

// ListCampaigns fetches campaigns with pagination
func (s *CampaignService) ListCampaigns(ctx context.Context, page, pageSize int, status string) ([]model.Snapshot, map[string]int, error) {
	if status != "" && !model.CampaignStatus(status).Valid() {
		return nil, nil, appErrors.NewValidation("status", fmt.Sprintf("unknown status %q", status))
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	offset := (page - 1) * pageSize

	ptrs, total, err := s.CampaignRepo.ListCampaigns(ctx, offset, pageSize, status)
	if err != nil {
		return nil, nil, err
	}

	campaigns := make([]model.Snapshot, len(ptrs))
	for i, c := range ptrs {
		campaigns[i] = c.Snapshot()
	}

	totalPages := (total + pageSize - 1) / pageSize
	pagination := map[string]int{
		"page":        page,
		"page_size":   pageSize,
		"total_count": total,
		"total_pages": totalPages,
	}

	return campaigns, pagination, nil
}

// ListRecipients returns a campaign's recipients, optionally filtered by status.
func (s *CampaignService) ListRecipients(ctx context.Context, campaignID int, status string, limit int) ([]model.Recipient, error) {
	switch model.RecipientStatus(status) {
	case "", model.RecipientPending, model.RecipientSent, model.RecipientFailed:
	default:
		return nil, appErrors.NewValidation("status", fmt.Sprintf("unknown recipient status %q", status))
	}
	if limit < 1 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	if _, err := s.CampaignRepo.GetByID(ctx, campaignID); err != nil {
		return nil, err
	}
	return s.RecipientRepo.ListByCampaign(ctx, campaignID, status, limit)
}

func (s *CampaignService) invalidState(id int, op string, current model.CampaignStatus, allowed ...model.CampaignStatus) error {
	names := make([]string, len(allowed))
	for i, a := range allowed {
		names[i] = string(a)
	}
	return appErrors.NewInvalidState(id, op, string(current), names...)
}

// invalidStateNow re-reads the status after a lost compare-and-set.
func (s *CampaignService) invalidStateNow(ctx context.Context, id int, op string, allowed ...model.CampaignStatus) error {
	c, err := s.CampaignRepo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	return s.invalidState(id, op, c.Status, allowed...)
}

func (s *CampaignService) clock() time.Time {
	if s.now == nil {
		return time.Now()
	}
	return s.now()
}

func asQueueError(err error) error {
	var qe *appErrors.QueueUnavailableError
	if errors.As(err, &qe) {
		return err
	}
	return appErrors.NewQueueUnavailable("queue", err)
}
