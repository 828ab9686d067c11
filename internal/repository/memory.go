package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	appErrors "github.com/unclebandit/campaign-dispatcher/internal/errors"
	"github.com/unclebandit/campaign-dispatcher/internal/model"
)

// MemoryStore keeps campaigns and recipients in process. Both repositories share
// one lock, so every method is atomic with respect to the others.
type MemoryStore struct {
	mu              sync.Mutex
	campaigns       map[int]*model.Campaign
	recipients      map[int]*model.Recipient
	nextCampaignID  int
	nextRecipientID int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		campaigns:  make(map[int]*model.Campaign),
		recipients: make(map[int]*model.Recipient),
	}
}

func (s *MemoryStore) Campaigns() *MemoryCampaignRepository {
	return &MemoryCampaignRepository{s: s}
}

func (s *MemoryStore) Recipients() *MemoryRecipientRepository {
	return &MemoryRecipientRepository{s: s}
}

type MemoryCampaignRepository struct {
	s *MemoryStore
}

func (r *MemoryCampaignRepository) Create(ctx context.Context, c *model.Campaign) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	r.s.nextCampaignID++
	c.ID = r.s.nextCampaignID
	c.CreatedAt = time.Now()
	if c.Status == "" {
		c.Status = model.CampaignDraft
	}
	cp := *c
	r.s.campaigns[c.ID] = &cp
	return nil
}

func (r *MemoryCampaignRepository) GetByID(ctx context.Context, id int) (*model.Campaign, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	c, ok := r.s.campaigns[id]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	cp := *c
	return &cp, nil
}

func (r *MemoryCampaignRepository) ListCampaigns(ctx context.Context, offset, limit int, status string) ([]*model.Campaign, int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var filtered []*model.Campaign
	for _, c := range r.s.campaigns {
		if status != "" && string(c.Status) != status {
			continue
		}
		cp := *c
		filtered = append(filtered, &cp)
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].ID > filtered[j].ID })

	total := len(filtered)
	if offset >= total {
		return []*model.Campaign{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return filtered[offset:end], total, nil
}

func (r *MemoryCampaignRepository) GetAggregate(ctx context.Context, id int) (model.Aggregate, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	c, ok := r.s.campaigns[id]
	if !ok {
		return model.Aggregate{}, appErrors.NewCampaignNotFound(id)
	}
	return c.Aggregate(), nil
}

func (r *MemoryCampaignRepository) SetStatus(ctx context.Context, id int, status model.CampaignStatus) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	c, ok := r.s.campaigns[id]
	if !ok {
		return appErrors.NewCampaignNotFound(id)
	}
	c.Status = status
	touch(c)
	return nil
}

func (r *MemoryCampaignRepository) TransitionStatus(ctx context.Context, id int, to model.CampaignStatus, from ...model.CampaignStatus) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	c, ok := r.s.campaigns[id]
	if !ok {
		return false, appErrors.NewCampaignNotFound(id)
	}
	for _, f := range from {
		if c.Status == f {
			c.Status = to
			touch(c)
			return true, nil
		}
	}
	return false, nil
}

func (r *MemoryCampaignRepository) IncrementSent(ctx context.Context, id int) (model.Aggregate, bool, error) {
	return r.increment(id, func(c *model.Campaign) { c.SentCount++ })
}

func (r *MemoryCampaignRepository) IncrementFailed(ctx context.Context, id int) (model.Aggregate, bool, error) {
	return r.increment(id, func(c *model.Campaign) { c.FailedCount++ })
}

func (r *MemoryCampaignRepository) increment(id int, bump func(*model.Campaign)) (model.Aggregate, bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	c, ok := r.s.campaigns[id]
	if !ok {
		return model.Aggregate{}, false, appErrors.NewCampaignNotFound(id)
	}
	if c.Status.Terminal() || c.SentCount+c.FailedCount >= c.TotalRecipients {
		return c.Aggregate(), false, nil
	}
	bump(c)
	touch(c)
	return c.Aggregate(), true, nil
}

func touch(c *model.Campaign) {
	now := time.Now()
	c.UpdatedAt = &now
}

type MemoryRecipientRepository struct {
	s *MemoryStore
}

func (r *MemoryRecipientRepository) CreateBatch(ctx context.Context, campaignID int, recipients []model.Recipient) ([]model.Recipient, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	seen := make(map[string]bool)
	for _, existing := range r.s.recipients {
		if existing.CampaignID == campaignID {
			seen[existing.Email] = true
		}
	}

	created := make([]model.Recipient, 0, len(recipients))
	now := time.Now()
	for _, rc := range recipients {
		if seen[rc.Email] {
			continue
		}
		seen[rc.Email] = true
		r.s.nextRecipientID++
		rc.ID = r.s.nextRecipientID
		rc.CampaignID = campaignID
		rc.Status = model.RecipientPending
		rc.CreatedAt = now
		rc.UpdatedAt = now
		stored := rc
		r.s.recipients[rc.ID] = &stored
		created = append(created, rc)
	}
	return created, nil
}

func (r *MemoryRecipientRepository) GetByID(ctx context.Context, id int) (*model.Recipient, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	rc, ok := r.s.recipients[id]
	if !ok {
		return nil, appErrors.NewRecipientNotFound(id)
	}
	cp := *rc
	return &cp, nil
}

func (r *MemoryRecipientRepository) LoadPendingRecipients(ctx context.Context, campaignID, limit int) ([]model.Recipient, error) {
	return r.ListByCampaign(ctx, campaignID, string(model.RecipientPending), limit)
}

func (r *MemoryRecipientRepository) ListByCampaign(ctx context.Context, campaignID int, status string, limit int) ([]model.Recipient, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	out := []model.Recipient{}
	for _, rc := range r.s.recipients {
		if rc.CampaignID != campaignID {
			continue
		}
		if status != "" && string(rc.Status) != status {
			continue
		}
		out = append(out, *rc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRecipientRepository) MarkSent(ctx context.Context, id int, providerMessageID string) (bool, error) {
	return r.finish(id, func(rc *model.Recipient, now time.Time) {
		rc.Status = model.RecipientSent
		rc.SentAt = &now
		rc.ProviderMessageID = providerMessageID
		rc.LastError = ""
	})
}

func (r *MemoryRecipientRepository) MarkFailed(ctx context.Context, id int, lastError string) (bool, error) {
	return r.finish(id, func(rc *model.Recipient, _ time.Time) {
		rc.Status = model.RecipientFailed
		rc.LastError = lastError
	})
}

func (r *MemoryRecipientRepository) finish(id int, apply func(*model.Recipient, time.Time)) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	rc, ok := r.s.recipients[id]
	if !ok {
		return false, appErrors.NewRecipientNotFound(id)
	}
	if rc.Status.Terminal() {
		return false, nil
	}
	now := time.Now()
	apply(rc, now)
	rc.Attempts++
	rc.UpdatedAt = now
	return true, nil
}

func (r *MemoryRecipientRepository) RecordAttempt(ctx context.Context, id int, lastError string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	rc, ok := r.s.recipients[id]
	if !ok {
		return appErrors.NewRecipientNotFound(id)
	}
	if rc.Status.Terminal() {
		return nil
	}
	rc.Attempts++
	rc.LastError = lastError
	rc.UpdatedAt = time.Now()
	return nil
}

var (
	_ CampaignRepositoryInterface  = (*MemoryCampaignRepository)(nil)
	_ RecipientRepositoryInterface = (*MemoryRecipientRepository)(nil)
)
