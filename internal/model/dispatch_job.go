// internal/model/dispatch_job.go
package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// jobNamespace scopes name-based job ids so they never collide with other uuids.
var jobNamespace = uuid.MustParse("6f1d3c52-8d8e-4b8e-9a55-2b0f3c1a7e10")

// DispatchJob means "send to this recipient at approximately ScheduledAt".
type DispatchJob struct {
	ID          string        `json:"id"`
	CampaignID  int           `json:"campaign_id"`
	RecipientID int           `json:"recipient_id"`
	ScheduledAt time.Time     `json:"scheduled_at"`
	Attempt     int           `json:"attempt"`
	MaxAttempts int           `json:"max_attempts"`
	BackoffBase time.Duration `json:"backoff_base"`
}

// JobID is stable for a given campaign, recipient and attempt, so enqueueing the
// same attempt twice is detectable by every queue backend.
func JobID(campaignID, recipientID, attempt int) string {
	return uuid.NewSHA1(jobNamespace, []byte(fmt.Sprintf("%d/%d/%d", campaignID, recipientID, attempt))).String()
}

// Next returns the follow-up job for a retry.
func (j DispatchJob) Next(at time.Time) DispatchJob {
	n := j
	n.Attempt = j.Attempt + 1
	n.ID = JobID(j.CampaignID, j.RecipientID, n.Attempt)
	n.ScheduledAt = at
	return n
}

// Backoff is the delay before attempt+1: BackoffBase * 2^(Attempt-1).
func (j DispatchJob) Backoff() time.Duration {
	d := j.BackoffBase
	for i := 1; i < j.Attempt; i++ {
		d *= 2
	}
	return d
}

func (j DispatchJob) Exhausted() bool {
	return j.Attempt >= j.MaxAttempts
}
