// internal/model/recipient.go
package model

import "time"

type RecipientStatus string

const (
	RecipientPending RecipientStatus = "pending"
	RecipientSent    RecipientStatus = "sent"
	RecipientFailed  RecipientStatus = "failed"
)

func (s RecipientStatus) Terminal() bool {
	return s == RecipientSent || s == RecipientFailed
}

type Recipient struct {
	ID                int               `db:"id" json:"id"`
	CampaignID        int               `db:"campaign_id" json:"campaign_id"`
	Email             string            `db:"email" json:"email"`
	TemplateParams    map[string]string `db:"template_params" json:"template_params,omitempty"`
	Status            RecipientStatus   `db:"status" json:"status"` // pending, sent, failed
	Attempts          int               `db:"attempts" json:"attempts"`
	LastError         string            `db:"last_error" json:"last_error,omitempty"`
	ProviderMessageID string            `db:"provider_message_id" json:"provider_message_id,omitempty"`
	SentAt            *time.Time        `db:"sent_at" json:"sent_at,omitempty"`
	CreatedAt         time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time         `db:"updated_at" json:"updated_at"`
}
