package repository

import (
	"context"
	"database/sql"
	"fmt"

	appErrors "github.com/unclebandit/campaign-dispatcher/internal/errors"
	"github.com/unclebandit/campaign-dispatcher/internal/model"
)

// Outcome describes what recording a terminal result changed.
type Outcome struct {
	// Transitioned is false when the recipient was already terminal (redelivery).
	Transitioned bool
	// Counted is false when the campaign counters were frozen.
	Counted   bool
	Aggregate model.Aggregate
}

// OutcomeRecorder applies a recipient's terminal result and the matching
// campaign counter increment, recipient first.
type OutcomeRecorder interface {
	RecordSent(ctx context.Context, campaignID, recipientID int, providerMessageID string) (Outcome, error)
	RecordFailed(ctx context.Context, campaignID, recipientID int, lastError string) (Outcome, error)
}

// SequentialRecorder writes the recipient status before the counter. A crash
// between the two leaves the counter one short rather than double counted,
// and a campaign one short never drains: redeliveries see a terminal recipient
// and skip it. A failed increment after a successful mark is therefore
// reported as ErrInvariant so the worker stops instead of carrying on.
// TxRecorder has no such gap.
type SequentialRecorder struct {
	Recipients RecipientRepositoryInterface
	Campaigns  CampaignRepositoryInterface
}

func (s *SequentialRecorder) RecordSent(ctx context.Context, campaignID, recipientID int, providerMessageID string) (Outcome, error) {
	changed, err := s.Recipients.MarkSent(ctx, recipientID, providerMessageID)
	if err != nil {
		return Outcome{}, fmt.Errorf("mark recipient %d sent: %w", recipientID, err)
	}
	if !changed {
		return Outcome{}, nil
	}
	agg, applied, err := s.Campaigns.IncrementSent(ctx, campaignID)
	if err != nil {
		return Outcome{Transitioned: true}, fmt.Errorf("%w: recipient %d recorded sent but campaign %d counter not incremented: %w",
			appErrors.ErrInvariant, recipientID, campaignID, err)
	}
	return Outcome{Transitioned: true, Counted: applied, Aggregate: agg}, nil
}

func (s *SequentialRecorder) RecordFailed(ctx context.Context, campaignID, recipientID int, lastError string) (Outcome, error) {
	changed, err := s.Recipients.MarkFailed(ctx, recipientID, lastError)
	if err != nil {
		return Outcome{}, fmt.Errorf("mark recipient %d failed: %w", recipientID, err)
	}
	if !changed {
		return Outcome{}, nil
	}
	agg, applied, err := s.Campaigns.IncrementFailed(ctx, campaignID)
	if err != nil {
		return Outcome{Transitioned: true}, fmt.Errorf("%w: recipient %d recorded failed but campaign %d counter not incremented: %w",
			appErrors.ErrInvariant, recipientID, campaignID, err)
	}
	return Outcome{Transitioned: true, Counted: applied, Aggregate: agg}, nil
}

// TxRecorder does both writes inside one Postgres transaction.
type TxRecorder struct {
	DB *sql.DB
}

func (t *TxRecorder) RecordSent(ctx context.Context, campaignID, recipientID int, providerMessageID string) (Outcome, error) {
	return t.record(ctx, campaignID, "sent_count", func(tx *sql.Tx) (bool, error) {
		return markSent(ctx, tx, recipientID, providerMessageID)
	})
}

func (t *TxRecorder) RecordFailed(ctx context.Context, campaignID, recipientID int, lastError string) (Outcome, error) {
	return t.record(ctx, campaignID, "failed_count", func(tx *sql.Tx) (bool, error) {
		return markFailed(ctx, tx, recipientID, lastError)
	})
}

func (t *TxRecorder) record(ctx context.Context, campaignID int, column string, mark func(*sql.Tx) (bool, error)) (Outcome, error) {
	tx, err := t.DB.BeginTx(ctx, nil)
	if err != nil {
		return Outcome{}, err
	}
	defer tx.Rollback()

	changed, err := mark(tx)
	if err != nil {
		return Outcome{}, err
	}
	if !changed {
		return Outcome{}, tx.Commit()
	}

	agg, applied, err := incrementCounter(ctx, tx, campaignID, column)
	if err != nil {
		return Outcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return Outcome{}, err
	}
	return Outcome{Transitioned: true, Counted: applied, Aggregate: agg}, nil
}

var (
	_ OutcomeRecorder = (*SequentialRecorder)(nil)
	_ OutcomeRecorder = (*TxRecorder)(nil)
)
