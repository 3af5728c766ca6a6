package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	appErrors "github.com/unclebandit/campaign-core/internal/errors"
	"github.com/unclebandit/campaign-core/internal/model"
)

const viewColumns = `id, name, subject, status, owner_id, template_id, list_count, tags, scheduled_at, sent_at, failure_reason, last_event, version, created_at, updated_at`

// PostgresCampaignViewRepository keeps views in the campaign_views table.
type PostgresCampaignViewRepository struct {
	DB *sql.DB
}

func NewPostgresCampaignViewRepository(db *sql.DB) *PostgresCampaignViewRepository {
	return &PostgresCampaignViewRepository{DB: db}
}

func (r *PostgresCampaignViewRepository) Get(ctx context.Context, id string) (model.CampaignView, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+viewColumns+` FROM campaign_views WHERE id=$1`, id)
	v, err := scanView(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.CampaignView{}, appErrors.NewCampaignNotFound(id)
		}
		return model.CampaignView{}, appErrors.NewStorageUnavailable("get campaign view", err)
	}
	return v, nil
}

func (r *PostgresCampaignViewRepository) List(ctx context.Context, filter model.ViewFilter) ([]model.CampaignView, int, error) {
	where := ` WHERE 1=1`
	args := []interface{}{}
	argPos := 1

	if filter.Status != "" {
		where += fmt.Sprintf(" AND status=$%d", argPos)
		args = append(args, string(filter.Status))
		argPos++
	}
	if filter.OwnerID != "" {
		where += fmt.Sprintf(" AND owner_id=$%d", argPos)
		args = append(args, filter.OwnerID)
		argPos++
	}
	if filter.Tag != "" {
		where += fmt.Sprintf(" AND $%d = ANY(tags)", argPos)
		args = append(args, filter.Tag)
		argPos++
	}

	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM campaign_views`+where, args...).Scan(&total); err != nil {
		return nil, 0, appErrors.NewStorageUnavailable("count campaign views", err)
	}

	query := `SELECT ` + viewColumns + ` FROM campaign_views` + where + ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argPos)
		args = append(args, filter.Limit)
		argPos++
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argPos)
		args = append(args, filter.Offset)
	}

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, appErrors.NewStorageUnavailable("list campaign views", err)
	}
	defer rows.Close()

	views := []model.CampaignView{}
	for rows.Next() {
		v, err := scanView(rows)
		if err != nil {
			return nil, 0, appErrors.NewStorageUnavailable("scan campaign view", err)
		}
		views = append(views, v)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, appErrors.NewStorageUnavailable("list campaign views", err)
	}
	return views, total, nil
}

func (r *PostgresCampaignViewRepository) Counts(ctx context.Context) (model.StatusCounts, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM campaign_views GROUP BY status`)
	if err != nil {
		return nil, appErrors.NewStorageUnavailable("count campaign statuses", err)
	}
	defer rows.Close()

	counts := make(model.StatusCounts)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, appErrors.NewStorageUnavailable("scan status count", err)
		}
		counts[model.CampaignStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, appErrors.NewStorageUnavailable("count campaign statuses", err)
	}
	return counts, nil
}

func (r *PostgresCampaignViewRepository) Upsert(ctx context.Context, v model.CampaignView) error {
	query := `
        INSERT INTO campaign_views (` + viewColumns + `)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
        ON CONFLICT (id) DO UPDATE SET
            name=EXCLUDED.name,
            subject=EXCLUDED.subject,
            status=EXCLUDED.status,
            owner_id=EXCLUDED.owner_id,
            template_id=EXCLUDED.template_id,
            list_count=EXCLUDED.list_count,
            tags=EXCLUDED.tags,
            scheduled_at=EXCLUDED.scheduled_at,
            sent_at=EXCLUDED.sent_at,
            failure_reason=EXCLUDED.failure_reason,
            last_event=EXCLUDED.last_event,
            version=EXCLUDED.version,
            created_at=EXCLUDED.created_at,
            updated_at=EXCLUDED.updated_at
    `
	tags := v.Tags
	if tags == nil {
		tags = []string{}
	}
	_, err := r.DB.ExecContext(ctx, query,
		v.ID, v.Name, v.Subject, string(v.Status), v.OwnerID, v.TemplateID, v.ListCount,
		pq.Array(tags), nullNanos(v.ScheduledAt), nullNanos(v.SentAt), v.FailureReason,
		string(v.LastEvent), v.Version, v.CreatedAt.UnixNano(), v.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return appErrors.NewStorageUnavailable("upsert campaign view", err)
	}
	return nil
}

func (r *PostgresCampaignViewRepository) Reset(ctx context.Context) error {
	if _, err := r.DB.ExecContext(ctx, `DELETE FROM campaign_views`); err != nil {
		return appErrors.NewStorageUnavailable("reset campaign views", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanView(row rowScanner) (model.CampaignView, error) {
	var (
		v           model.CampaignView
		status      string
		lastEvent   string
		tags        []string
		scheduledAt sql.NullInt64
		sentAt      sql.NullInt64
		createdAt   int64
		updatedAt   int64
	)
	err := row.Scan(&v.ID, &v.Name, &v.Subject, &status, &v.OwnerID, &v.TemplateID, &v.ListCount,
		pq.Array(&tags), &scheduledAt, &sentAt, &v.FailureReason, &lastEvent, &v.Version, &createdAt, &updatedAt)
	if err != nil {
		return model.CampaignView{}, err
	}
	v.Status = model.CampaignStatus(status)
	v.LastEvent = model.EventType(lastEvent)
	if len(tags) > 0 {
		v.Tags = tags
	}
	v.ScheduledAt = timeFromNull(scheduledAt)
	v.SentAt = timeFromNull(sentAt)
	v.CreatedAt = time.Unix(0, createdAt).UTC()
	v.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return v, nil
}

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func timeFromNull(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64).UTC()
	return &t
}

var _ CampaignViewRepositoryInterface = (*PostgresCampaignViewRepository)(nil)
