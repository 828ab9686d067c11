package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	appErrors "github.com/unclebandit/campaign-dispatcher/internal/errors"
	"github.com/unclebandit/campaign-dispatcher/internal/model"
)

// RecipientRepositoryInterface is per-recipient delivery state. Mark* calls are
// idempotent: they report false and change nothing once a recipient is terminal.
type RecipientRepositoryInterface interface {
	CreateBatch(ctx context.Context, campaignID int, recipients []model.Recipient) ([]model.Recipient, error)
	GetByID(ctx context.Context, id int) (*model.Recipient, error)
	LoadPendingRecipients(ctx context.Context, campaignID, limit int) ([]model.Recipient, error)
	ListByCampaign(ctx context.Context, campaignID int, status string, limit int) ([]model.Recipient, error)

	MarkSent(ctx context.Context, id int, providerMessageID string) (bool, error)
	MarkFailed(ctx context.Context, id int, lastError string) (bool, error)
	// RecordAttempt counts a failed attempt that will be retried.
	RecordAttempt(ctx context.Context, id int, lastError string) error
}

type RecipientRepository struct {
	DB *sql.DB
}

const recipientColumns = `id, campaign_id, email, template_params, status, attempts, last_error,
        provider_message_id, sent_at, created_at, updated_at`

func scanRecipient(row rowScanner) (*model.Recipient, error) {
	var (
		r      model.Recipient
		params []byte
	)
	err := row.Scan(&r.ID, &r.CampaignID, &r.Email, &params, &r.Status, &r.Attempts, &r.LastError,
		&r.ProviderMessageID, &r.SentAt, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &r.TemplateParams); err != nil {
			return nil, fmt.Errorf("recipient %d: decode template params: %w", r.ID, err)
		}
	}
	return &r, nil
}

// CreateBatch inserts recipients in one statement. Duplicate emails within a
// campaign are kept once.
func (r *RecipientRepository) CreateBatch(ctx context.Context, campaignID int, recipients []model.Recipient) ([]model.Recipient, error) {
	if len(recipients) == 0 {
		return nil, nil
	}

	var (
		sb   strings.Builder
		args = make([]any, 0, len(recipients)*3)
	)
	sb.WriteString(`INSERT INTO recipients (campaign_id, email, template_params) VALUES `)
	for i, rc := range recipients {
		params, err := json.Marshal(rc.TemplateParams)
		if err != nil {
			return nil, fmt.Errorf("recipient %s: encode template params: %w", rc.Email, err)
		}
		if rc.TemplateParams == nil {
			params = []byte("{}")
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "($%d, $%d, $%d)", len(args)+1, len(args)+2, len(args)+3)
		args = append(args, campaignID, rc.Email, params)
	}
	sb.WriteString(` ON CONFLICT (campaign_id, email) DO NOTHING RETURNING ` + recipientColumns)

	rows, err := r.DB.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	created := make([]model.Recipient, 0, len(recipients))
	for rows.Next() {
		rc, err := scanRecipient(rows)
		if err != nil {
			return nil, err
		}
		created = append(created, *rc)
	}
	return created, rows.Err()
}

func (r *RecipientRepository) GetByID(ctx context.Context, id int) (*model.Recipient, error) {
	query := `SELECT ` + recipientColumns + ` FROM recipients WHERE id=$1`
	rc, err := scanRecipient(r.DB.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewRecipientNotFound(id)
		}
		return nil, err
	}
	return rc, nil
}

func (r *RecipientRepository) LoadPendingRecipients(ctx context.Context, campaignID, limit int) ([]model.Recipient, error) {
	return r.ListByCampaign(ctx, campaignID, string(model.RecipientPending), limit)
}

func (r *RecipientRepository) ListByCampaign(ctx context.Context, campaignID int, status string, limit int) ([]model.Recipient, error) {
	query := `SELECT ` + recipientColumns + ` FROM recipients WHERE campaign_id=$1`
	args := []any{campaignID}
	if status != "" {
		query += ` AND status=$2`
		args = append(args, status)
	}
	query += fmt.Sprintf(` ORDER BY id LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	recipients := []model.Recipient{}
	for rows.Next() {
		rc, err := scanRecipient(rows)
		if err != nil {
			return nil, err
		}
		recipients = append(recipients, *rc)
	}
	return recipients, rows.Err()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func markSent(ctx context.Context, db execer, id int, providerMessageID string) (bool, error) {
	query := `
        UPDATE recipients
        SET status='sent', sent_at=NOW(), provider_message_id=$2, last_error='',
            attempts=attempts+1, updated_at=NOW()
        WHERE id=$1 AND status='pending'
    `
	return affectedOne(db.ExecContext(ctx, query, id, providerMessageID))
}

func markFailed(ctx context.Context, db execer, id int, lastError string) (bool, error) {
	query := `
        UPDATE recipients
        SET status='failed', last_error=$2, attempts=attempts+1, updated_at=NOW()
        WHERE id=$1 AND status='pending'
    `
	return affectedOne(db.ExecContext(ctx, query, id, lastError))
}

func affectedOne(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *RecipientRepository) MarkSent(ctx context.Context, id int, providerMessageID string) (bool, error) {
	return markSent(ctx, r.DB, id, providerMessageID)
}

func (r *RecipientRepository) MarkFailed(ctx context.Context, id int, lastError string) (bool, error) {
	return markFailed(ctx, r.DB, id, lastError)
}

func (r *RecipientRepository) RecordAttempt(ctx context.Context, id int, lastError string) error {
	query := `UPDATE recipients SET attempts=attempts+1, last_error=$2, updated_at=NOW() WHERE id=$1 AND status='pending'`
	_, err := r.DB.ExecContext(ctx, query, id, lastError)
	return err
}

var _ RecipientRepositoryInterface = (*RecipientRepository)(nil)
