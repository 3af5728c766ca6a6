package repository_test

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/campaign-core/internal/errors"
	"github.com/unclebandit/campaign-core/internal/model"
	"github.com/unclebandit/campaign-core/internal/repository"
)

var viewRows = []string{"id", "name", "subject", "status", "owner_id", "template_id", "list_count", "tags",
	"scheduled_at", "sent_at", "failure_reason", "last_event", "version", "created_at", "updated_at"}

func newPostgresViews(t *testing.T) (*repository.PostgresCampaignViewRepository, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return repository.NewPostgresCampaignViewRepository(conn), mock
}

func TestPostgresViewGet(t *testing.T) {
	repo, mock := newPostgresViews(t)
	sendAt := t0.Add(time.Hour)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM campaign_views WHERE id=$1`)).
		WithArgs("a").
		WillReturnRows(sqlmock.NewRows(viewRows).AddRow(
			"a", "Campaign a", "Subject a", "scheduled", "o-1", "", 2, "{promo,spring}",
			sendAt.UnixNano(), nil, "", "campaign.scheduled", 2, t0.UnixNano(), t0.UnixNano(),
		))

	v, err := repo.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, model.StatusScheduled, v.Status)
	assert.Equal(t, []string{"promo", "spring"}, v.Tags)
	require.NotNil(t, v.ScheduledAt)
	assert.Equal(t, sendAt, *v.ScheduledAt)
	assert.Nil(t, v.SentAt)
	assert.Equal(t, t0, v.CreatedAt)
	assert.Equal(t, 2, v.ListCount)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresViewGetNotFound(t *testing.T) {
	repo, mock := newPostgresViews(t)

	mock.ExpectQuery(`FROM campaign_views WHERE id`).WillReturnError(sql.ErrNoRows)

	_, err := repo.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, appErrors.ErrNotFound)
}

func TestPostgresViewList(t *testing.T) {
	repo, mock := newPostgresViews(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM campaign_views WHERE 1=1 AND status=$1 AND $2 = ANY(tags)`)).
		WithArgs("draft", "promo").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectQuery(regexp.QuoteMeta(`WHERE 1=1 AND status=$1 AND $2 = ANY(tags) ORDER BY created_at DESC, id DESC LIMIT $3 OFFSET $4`)).
		WithArgs("draft", "promo", 2, 2).
		WillReturnRows(sqlmock.NewRows(viewRows).AddRow(
			"a", "Campaign a", "Subject a", "draft", "", "", 1, "{promo}",
			nil, nil, "", "campaign.created", 1, t0.UnixNano(), t0.UnixNano(),
		))

	views, total, err := repo.List(context.Background(), model.ViewFilter{
		Status: model.StatusDraft,
		Tag:    "promo",
		Offset: 2,
		Limit:  2,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, views, 1)
	assert.Equal(t, "a", views[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresViewCounts(t *testing.T) {
	repo, mock := newPostgresViews(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT status, COUNT(*) FROM campaign_views GROUP BY status`)).
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
			AddRow("draft", 4).
			AddRow("sending", 1))

	counts, err := repo.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.StatusCounts{model.StatusDraft: 4, model.StatusSending: 1}, counts)
}

func TestPostgresViewUpsert(t *testing.T) {
	repo, mock := newPostgresViews(t)
	v := view("a", 0, model.StatusDraft, "o-1")

	mock.ExpectExec(`(?s)INSERT INTO campaign_views .* ON CONFLICT \(id\) DO UPDATE`).
		WithArgs("a", "Campaign a", "Subject a", "draft", "o-1", "", 1, "{}",
			nil, nil, "", "campaign.created", 1, t0.UnixNano(), t0.UnixNano()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Upsert(context.Background(), v))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresViewFailures(t *testing.T) {
	repo, mock := newPostgresViews(t)

	mock.ExpectExec(`DELETE FROM campaign_views`).WillReturnError(errors.New("connection reset"))
	err := repo.Reset(context.Background())
	assert.ErrorIs(t, err, appErrors.ErrStorageUnavailable)

	mock.ExpectQuery(`SELECT COUNT`).WillReturnError(errors.New("connection reset"))
	_, _, err = repo.List(context.Background(), model.ViewFilter{})
	assert.ErrorIs(t, err, appErrors.ErrStorageUnavailable)
}
