package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	appErrors "github.com/unclebandit/campaign-dispatcher/internal/errors"
	"github.com/unclebandit/campaign-dispatcher/internal/model"
)

type CampaignRepositoryInterface interface {
	Create(ctx context.Context, c *model.Campaign) error
	GetByID(ctx context.Context, id int) (*model.Campaign, error)
	ListCampaigns(ctx context.Context, offset, limit int, status string) ([]*model.Campaign, int, error)

	GetAggregate(ctx context.Context, id int) (model.Aggregate, error)
	SetStatus(ctx context.Context, id int, status model.CampaignStatus) error
	// TransitionStatus moves the campaign to `to` only if its current status is one
	// of `from`. It reports whether the transition happened.
	TransitionStatus(ctx context.Context, id int, to model.CampaignStatus, from ...model.CampaignStatus) (bool, error)

	// IncrementSent and IncrementFailed bump one counter atomically. They are no-ops
	// (applied=false) once the campaign is terminal or fully counted.
	IncrementSent(ctx context.Context, id int) (agg model.Aggregate, applied bool, err error)
	IncrementFailed(ctx context.Context, id int) (agg model.Aggregate, applied bool, err error)
}

type CampaignRepository struct {
	DB *sql.DB
}

const campaignColumns = `id, name, template_ref, status, total_recipients, sent_count, failed_count,
        start_time, end_time, created_at, updated_at`

const aggregateColumns = `id, status, total_recipients, sent_count, failed_count`

// terminalStatuses is the SQL array of statuses whose counters are frozen.
var terminalStatuses = pq.Array([]string{
	string(model.CampaignStopped), string(model.CampaignCompleted), string(model.CampaignFailed),
})

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(row rowScanner) (*model.Campaign, error) {
	var c model.Campaign
	err := row.Scan(&c.ID, &c.Name, &c.TemplateRef, &c.Status, &c.TotalRecipients, &c.SentCount,
		&c.FailedCount, &c.StartTime, &c.EndTime, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func scanAggregate(row rowScanner) (model.Aggregate, error) {
	var a model.Aggregate
	err := row.Scan(&a.CampaignID, &a.Status, &a.TotalRecipients, &a.SentCount, &a.FailedCount)
	return a, err
}

func (r *CampaignRepository) Create(ctx context.Context, c *model.Campaign) error {
	if c.Status == "" {
		c.Status = model.CampaignDraft
	}
	query := `
        INSERT INTO campaigns (name, template_ref, status, total_recipients, start_time, end_time, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, NOW())
        RETURNING id, created_at
    `
	return r.DB.QueryRowContext(ctx, query, c.Name, c.TemplateRef, c.Status, c.TotalRecipients,
		c.StartTime, c.EndTime).Scan(&c.ID, &c.CreatedAt)
}

func (r *CampaignRepository) GetByID(ctx context.Context, id int) (*model.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id=$1`
	c, err := scanCampaign(r.DB.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewCampaignNotFound(id)
		}
		return nil, err
	}
	return c, nil
}

func (r *CampaignRepository) ListCampaigns(ctx context.Context, offset, limit int, status string) ([]*model.Campaign, int, error) {
	campaigns := []*model.Campaign{}
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE 1=1`
	countQuery := `SELECT COUNT(*) FROM campaigns WHERE 1=1`
	args := []any{}
	argPos := 1

	if status != "" {
		filter := fmt.Sprintf(" AND status=$%d", argPos)
		query += filter
		countQuery += filter
		args = append(args, status)
		argPos++
	}

	var total int
	if err := r.DB.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query += fmt.Sprintf(" ORDER BY id DESC LIMIT $%d OFFSET $%d", argPos, argPos+1)
	rows, err := r.DB.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, 0, err
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, total, rows.Err()
}

func (r *CampaignRepository) GetAggregate(ctx context.Context, id int) (model.Aggregate, error) {
	query := `SELECT ` + aggregateColumns + ` FROM campaigns WHERE id=$1`
	a, err := scanAggregate(r.DB.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Aggregate{}, appErrors.NewCampaignNotFound(id)
	}
	return a, err
}

func (r *CampaignRepository) SetStatus(ctx context.Context, id int, status model.CampaignStatus) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE campaigns SET status=$1, updated_at=NOW() WHERE id=$2`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return appErrors.NewCampaignNotFound(id)
	}
	return nil
}

func (r *CampaignRepository) TransitionStatus(ctx context.Context, id int, to model.CampaignStatus, from ...model.CampaignStatus) (bool, error) {
	allowed := make([]string, len(from))
	for i, s := range from {
		allowed[i] = string(s)
	}
	query := `UPDATE campaigns SET status=$1, updated_at=NOW() WHERE id=$2 AND status = ANY($3)`
	res, err := r.DB.ExecContext(ctx, query, to, id, pq.Array(allowed))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		// Distinguish "wrong state" from "no such campaign".
		if _, err := r.GetAggregate(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (r *CampaignRepository) IncrementSent(ctx context.Context, id int) (model.Aggregate, bool, error) {
	return incrementCounter(ctx, r.DB, id, "sent_count")
}

func (r *CampaignRepository) IncrementFailed(ctx context.Context, id int) (model.Aggregate, bool, error) {
	return incrementCounter(ctx, r.DB, id, "failed_count")
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// incrementCounter is a single UPDATE ... SET x = x + 1 so concurrent workers
// never lose updates. column is always one of two constants.
func incrementCounter(ctx context.Context, q queryer, id int, column string) (model.Aggregate, bool, error) {
	query := fmt.Sprintf(`
        UPDATE campaigns SET %[1]s = %[1]s + 1, updated_at = NOW()
        WHERE id = $1
          AND NOT (status = ANY($2))
          AND sent_count + failed_count < total_recipients
        RETURNING %[2]s
    `, column, aggregateColumns)
	agg, err := scanAggregate(q.QueryRowContext(ctx, query, id, terminalStatuses))
	if err == nil {
		return agg, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return model.Aggregate{}, false, err
	}

	agg, err = scanAggregate(q.QueryRowContext(ctx, `SELECT `+aggregateColumns+` FROM campaigns WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Aggregate{}, false, appErrors.NewCampaignNotFound(id)
	}
	return agg, false, err
}

var _ CampaignRepositoryInterface = (*CampaignRepository)(nil)
