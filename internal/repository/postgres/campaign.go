// Package postgres implements the campaign repository on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/ignite/campaign-mailer/internal/dispatch"
	"github.com/ignite/campaign-mailer/internal/domain"
	"github.com/ignite/campaign-mailer/internal/service/campaign"
)

// foreignKeyViolation is the SQLSTATE for a missing parent row.
const foreignKeyViolation = "23503"

const campaignColumns = `id, name, subject, body, recipients, verification, status,
	       total_emails, valid_emails, invalid_emails, sent_count, failed_count,
	       created_at, started_at, completed_at, stopped_at`

// CampaignRepo implements campaign.Repository against PostgreSQL.
type CampaignRepo struct {
	db  *sql.DB
	now func() time.Time
}

// NewCampaignRepo creates a Postgres-backed campaign repository.
func NewCampaignRepo(db *sql.DB) *CampaignRepo {
	return &CampaignRepo{db: db, now: func() time.Time { return time.Now().UTC() }}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCampaign(row rowScanner) (*domain.Campaign, error) {
	c := &domain.Campaign{}
	var verification []byte
	var started, completed, stopped sql.NullTime
	err := row.Scan(
		&c.ID, &c.Name, &c.Subject, &c.Body, pq.Array(&c.Recipients), &verification, &c.Status,
		&c.TotalEmails, &c.ValidEmails, &c.InvalidEmails, &c.SentCount, &c.FailedCount,
		&c.CreatedAt, &started, &completed, &stopped,
	)
	if err != nil {
		return nil, err
	}
	if len(verification) > 0 {
		if err := json.Unmarshal(verification, &c.Verification); err != nil {
			return nil, fmt.Errorf("decode verification: %w", err)
		}
	}
	c.StartedAt = timePtr(started)
	c.CompletedAt = timePtr(completed)
	c.StoppedAt = timePtr(stopped)
	return c, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func (r *CampaignRepo) Create(ctx context.Context, c *domain.Campaign) error {
	verification, err := json.Marshal(c.Verification)
	if err != nil {
		return fmt.Errorf("encode verification: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO campaigns (id, name, subject, body, recipients, verification, status,
			total_emails, valid_emails, invalid_emails, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
	`, c.ID, c.Name, c.Subject, c.Body, pq.Array(c.Recipients), verification, c.Status,
		c.TotalEmails, c.ValidEmails, c.InvalidEmails, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("create campaign: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO campaign_recipients (campaign_id, email, is_valid, status)
		VALUES ($1, $2, $3, 'pending')
		ON CONFLICT (campaign_id, email) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("prepare recipients: %w", err)
	}
	defer stmt.Close()

	for _, v := range c.Verification {
		if _, err := stmt.ExecContext(ctx, c.ID, v.Email, v.IsValid); err != nil {
			return fmt.Errorf("insert recipient: %w", err)
		}
	}
	return tx.Commit()
}

func (r *CampaignRepo) Get(ctx context.Context, id string) (*domain.Campaign, error) {
	c, err := scanCampaign(r.db.QueryRowContext(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, campaign.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	return c, nil
}

func (r *CampaignRepo) List(ctx context.Context) ([]domain.Campaign, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+campaignColumns+` FROM campaigns ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()

	var out []domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// UpdateStatus applies the transition with a guarded UPDATE so two callers
// racing to start the same draft cannot both win.
func (r *CampaignRepo) UpdateStatus(ctx context.Context, id string, status domain.CampaignStatus) (*domain.Campaign, error) {
	sources := domain.TransitionSources(status)
	from := make([]string, len(sources))
	for i, s := range sources {
		from[i] = string(s)
	}

	c, err := scanCampaign(r.db.QueryRowContext(ctx, `
		UPDATE campaigns SET
			status       = $2::text,
			started_at   = CASE WHEN $2::text = 'sending' THEN $3 ELSE started_at END,
			completed_at = CASE WHEN $2::text IN ('completed', 'failed') THEN $3 ELSE completed_at END,
			stopped_at   = CASE WHEN $2::text = 'stopped' THEN $3 ELSE stopped_at END,
			updated_at   = $3
		WHERE id = $1 AND status = ANY($4)
		RETURNING `+campaignColumns,
		id, string(status), r.now(), pq.Array(from)))
	if err == sql.ErrNoRows {
		return nil, r.transitionError(ctx, id, status)
	}
	if err != nil {
		return nil, fmt.Errorf("update campaign status: %w", err)
	}
	return c, nil
}

// transitionError explains why a guarded update touched no row.
func (r *CampaignRepo) transitionError(ctx context.Context, id string, next domain.CampaignStatus) error {
	current, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s -> %s", campaign.ErrInvalidTransition, current.Status, next)
}

func (r *CampaignRepo) RequestCancel(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE campaigns SET cancel_requested = TRUE, updated_at = NOW() WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	if n == 0 {
		return campaign.ErrNotFound
	}
	return nil
}

func (r *CampaignRepo) IsCancelled(ctx context.Context, id string) (bool, error) {
	var cancelled bool
	err := r.db.QueryRowContext(ctx,
		`SELECT cancel_requested FROM campaigns WHERE id = $1`, id).Scan(&cancelled)
	if err == sql.ErrNoRows {
		return false, campaign.ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("read cancel flag: %w", err)
	}
	return cancelled, nil
}

func (r *CampaignRepo) RecordOutcome(ctx context.Context, id, email string, outcome dispatch.Outcome, errMsg string) error {
	now := r.now()
	status := domain.RecipientFailed
	var sentAt sql.NullTime
	if outcome == dispatch.OutcomeSent {
		status = domain.RecipientSent
		sentAt = sql.NullTime{Time: now, Valid: true}
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO campaign_recipients (campaign_id, email, is_valid, status, error, sent_at, updated_at)
		VALUES ($1, $2, TRUE, $3, NULLIF($4, ''), $5, $6)
		ON CONFLICT (campaign_id, email) DO UPDATE SET
			status     = EXCLUDED.status,
			error      = EXCLUDED.error,
			sent_at    = EXCLUDED.sent_at,
			updated_at = EXCLUDED.updated_at
	`, id, email, string(status), errMsg, sentAt, now)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == foreignKeyViolation {
			return campaign.ErrNotFound
		}
		return fmt.Errorf("record outcome: %w", err)
	}
	return nil
}

func (r *CampaignRepo) Outcomes(ctx context.Context, id string) ([]domain.Recipient, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT campaign_id, email, is_valid, status, COALESCE(error, ''), sent_at
		FROM campaign_recipients
		WHERE campaign_id = $1
		ORDER BY seq
	`, id)
	if err != nil {
		return nil, fmt.Errorf("list outcomes: %w", err)
	}
	defer rows.Close()

	var out []domain.Recipient
	for rows.Next() {
		var rec domain.Recipient
		var sentAt sql.NullTime
		if err := rows.Scan(&rec.CampaignID, &rec.Email, &rec.IsValid, &rec.Status, &rec.Error, &sentAt); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		rec.SentAt = timePtr(sentAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Finish stores the aggregate counts. Only a sending campaign changes status;
// a terminal one keeps the status it already has.
func (r *CampaignRepo) Finish(ctx context.Context, id string, status domain.CampaignStatus, sent, failed int) (*domain.Campaign, error) {
	if !status.IsTerminal() {
		return nil, fmt.Errorf("%w: finish with %s", campaign.ErrInvalidTransition, status)
	}
	c, err := scanCampaign(r.db.QueryRowContext(ctx, `
		UPDATE campaigns SET
			sent_count   = $2,
			failed_count = $3,
			status       = CASE WHEN status = 'sending' THEN $4::text ELSE status END,
			completed_at = CASE WHEN status = 'sending' AND $4::text IN ('completed', 'failed') THEN $5 ELSE completed_at END,
			stopped_at   = CASE WHEN status = 'sending' AND $4::text = 'stopped' THEN $5 ELSE stopped_at END,
			updated_at   = $5
		WHERE id = $1 AND status <> 'draft'
		RETURNING `+campaignColumns,
		id, sent, failed, string(status), r.now()))
	if err == sql.ErrNoRows {
		return nil, r.transitionError(ctx, id, status)
	}
	if err != nil {
		return nil, fmt.Errorf("finish campaign: %w", err)
	}
	return c, nil
}

func (r *CampaignRepo) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}
