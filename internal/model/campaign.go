// internal/model/campaign.go
package model

import "time"

type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignRunning   CampaignStatus = "running"
	CampaignPaused    CampaignStatus = "paused"
	CampaignStopped   CampaignStatus = "stopped"
	CampaignCompleted CampaignStatus = "completed"
	CampaignFailed    CampaignStatus = "failed"
)

// Terminal reports whether no further transitions or counter updates are allowed.
func (s CampaignStatus) Terminal() bool {
	return s == CampaignStopped || s == CampaignCompleted || s == CampaignFailed
}

func (s CampaignStatus) Valid() bool {
	switch s {
	case CampaignDraft, CampaignScheduled, CampaignRunning, CampaignPaused,
		CampaignStopped, CampaignCompleted, CampaignFailed:
		return true
	}
	return false
}

type Campaign struct {
	ID              int            `db:"id" json:"id"`
	Name            string         `db:"name" json:"name"`
	TemplateRef     string         `db:"template_ref" json:"template_ref"`
	Status          CampaignStatus `db:"status" json:"status"`
	TotalRecipients int            `db:"total_recipients" json:"total_recipients"`
	SentCount       int            `db:"sent_count" json:"sent_count"`
	FailedCount     int            `db:"failed_count" json:"failed_count"`
	StartTime       time.Time      `db:"start_time" json:"start_time"`
	EndTime         time.Time      `db:"end_time" json:"end_time"`
	CreatedAt       time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt       *time.Time     `db:"updated_at" json:"updated_at,omitempty"`
}

// Aggregate is the counter/status view the dispatch path contends on.
type Aggregate struct {
	CampaignID      int            `json:"campaign_id"`
	Status          CampaignStatus `json:"status"`
	TotalRecipients int            `json:"total_recipients"`
	SentCount       int            `json:"sent_count"`
	FailedCount     int            `json:"failed_count"`
}

// Drained is true once every recipient has reached a terminal outcome.
func (a Aggregate) Drained() bool {
	return a.SentCount+a.FailedCount >= a.TotalRecipients
}

func (c *Campaign) Aggregate() Aggregate {
	return Aggregate{
		CampaignID:      c.ID,
		Status:          c.Status,
		TotalRecipients: c.TotalRecipients,
		SentCount:       c.SentCount,
		FailedCount:     c.FailedCount,
	}
}

// Snapshot is what the API layer receives from controller operations.
type Snapshot struct {
	ID              int            `json:"id"`
	Name            string         `json:"name"`
	TemplateRef     string         `json:"template_ref"`
	Status          CampaignStatus `json:"status"`
	TotalRecipients int            `json:"total_recipients"`
	SentCount       int            `json:"sent_count"`
	FailedCount     int            `json:"failed_count"`
	PendingCount    int            `json:"pending_count"`
	HasFailures     bool           `json:"has_failures"`
	StartTime       time.Time      `json:"start_time"`
	EndTime         time.Time      `json:"end_time"`
}

func (c *Campaign) Snapshot() Snapshot {
	pending := c.TotalRecipients - c.SentCount - c.FailedCount
	if pending < 0 {
		pending = 0
	}
	return Snapshot{
		ID:              c.ID,
		Name:            c.Name,
		TemplateRef:     c.TemplateRef,
		Status:          c.Status,
		TotalRecipients: c.TotalRecipients,
		SentCount:       c.SentCount,
		FailedCount:     c.FailedCount,
		PendingCount:    pending,
		HasFailures:     c.FailedCount > 0,
		StartTime:       c.StartTime,
		EndTime:         c.EndTime,
	}
}
