package branches

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sagaforge/chronicle/internal/common"
	"github.com/sagaforge/chronicle/internal/models"
)

func newRepoWithMock(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	return NewPostgresRepository(db), mock, db
}

func TestPostgresCreate_Success(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	q := regexp.MustCompile(`INSERT INTO branches .* VALUES \(\$1, \$2, \$3, \$4, \$5, \$6, \$7, \$8, \$9::jsonb, \$10, \$11\);`)

	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectExec(q.String()).
		WithArgs("b1", "c1", nil, "main", nil, nil, false, "#3273dc", "[]", created, created).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Create(context.Background(), &models.Branch{
		ID:         "b1",
		CampaignID: "c1",
		Name:       "main",
		Color:      "#3273dc",
		CreatedAt:  created,
		UpdatedAt:  created,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresCreate_DBExecError(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	q := regexp.MustCompile(`INSERT INTO branches .* VALUES \(\$1, .*\$11\);`)

	mock.ExpectExec(q.String()).WillReturnError(errors.New("db is down"))

	err := repo.Create(context.Background(), &models.Branch{ID: "b1", CampaignID: "c1", Name: "main"})
	if err == nil || !regexp.MustCompile(`db error: .*db is down`).MatchString(err.Error()) {
		t.Fatalf("expected wrapped db error, got %v", err)
	}
}

func TestPostgresGetByID_Success(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	q := regexp.MustCompile(`SELECT id, campaign_id, parent_branch_id, .* FROM branches WHERE id=\$1 AND deleted_at IS NULL`)

	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	diverged := time.Date(2026, 2, 15, 0, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{
		"id", "campaign_id", "parent_branch_id", "name", "description", "diverged_at",
		"is_pinned", "color", "tags", "created_at", "updated_at",
	}).AddRow(
		"b2", "c1", "b1", "siege-of-thornwall", "what if the siege fails", diverged,
		true, "#ff3860", []byte(`["combat","act-2"]`), created, created,
	)

	mock.ExpectQuery(q.String()).WithArgs("b2").WillReturnRows(rows)

	got, err := repo.GetByID(context.Background(), "b2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ID != "b2" || got.CampaignID != "c1" || got.Name != "siege-of-thornwall" {
		t.Fatalf("unexpected branch: %+v", got)
	}
	if got.ParentBranchID == nil || *got.ParentBranchID != "b1" {
		t.Fatalf("want parent b1, got %v", got.ParentBranchID)
	}
	if got.DivergedAt == nil || !got.DivergedAt.Equal(diverged) {
		t.Fatalf("want diverged_at %v, got %v", diverged, got.DivergedAt)
	}
	if len(got.Tags) != 2 || got.Tags[0] != "combat" {
		t.Fatalf("unexpected tags: %v", got.Tags)
	}
	if !got.IsPinned {
		t.Fatalf("want pinned branch")
	}
}

func TestPostgresGetByID_NotFound(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	q := regexp.MustCompile(`SELECT .* FROM branches WHERE id=\$1 AND deleted_at IS NULL`)

	mock.ExpectQuery(q.String()).WithArgs("nope").WillReturnError(sql.ErrNoRows)

	_, err := repo.GetByID(context.Background(), "nope")
	if !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestPostgresListByCampaign_Success(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	q := regexp.MustCompile(`SELECT .* FROM branches WHERE campaign_id=\$1 AND deleted_at IS NULL ORDER BY created_at, id`)

	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{
		"id", "campaign_id", "parent_branch_id", "name", "description", "diverged_at",
		"is_pinned", "color", "tags", "created_at", "updated_at",
	}).
		AddRow("b1", "c1", nil, "main", nil, nil, false, "#3273dc", []byte(`[]`), created, created).
		AddRow("b2", "c1", "b1", "fork", nil, created, false, "#ff3860", []byte(`[]`), created.Add(time.Hour), created.Add(time.Hour))

	mock.ExpectQuery(q.String()).WithArgs("c1").WillReturnRows(rows)

	got, err := repo.ListByCampaign(context.Background(), "c1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("want 2 branches, got %d", len(got))
	}
	if got[0].ID != "b1" || got[1].ID != "b2" {
		t.Fatalf("unexpected order: %s, %s", got[0].ID, got[1].ID)
	}
	if got[0].ParentBranchID != nil {
		t.Fatalf("root branch must have nil parent, got %v", *got[0].ParentBranchID)
	}
}

func TestPostgresListByCampaign_QueryError(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	q := regexp.MustCompile(`SELECT .* FROM branches WHERE campaign_id=\$1 AND deleted_at IS NULL`)

	mock.ExpectQuery(q.String()).WithArgs("c1").WillReturnError(errors.New("db err"))

	_, err := repo.ListByCampaign(context.Background(), "c1")
	if err == nil || !regexp.MustCompile(`failed to select branches: .*db err`).MatchString(err.Error()) {
		t.Fatalf("expected wrapped select error, got %v", err)
	}
}

func TestPostgresNameExists(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	q := regexp.MustCompile(`SELECT EXISTS\(SELECT 1 FROM branches WHERE campaign_id=\$1 AND name=\$2 AND deleted_at IS NULL\)`)

	mock.ExpectQuery(q.String()).
		WithArgs("c1", "main").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	exists, err := repo.NameExists(context.Background(), "c1", "main")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !exists {
		t.Fatalf("want name to exist")
	}
}

func TestPostgresUpdate_SuccessRowsAffected1(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	q := regexp.MustCompile(`UPDATE branches\s+SET name=\$2, description=\$3, color=\$4, is_pinned=\$5, tags=\$6::jsonb, updated_at=\$7\s+WHERE id=\$1 AND deleted_at IS NULL AND updated_at=\$8;`)

	prev := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	next := prev.Add(time.Minute)
	mock.ExpectExec(q.String()).
		WithArgs("b1", "renamed", nil, "#3273dc", true, `["epic"]`, next, prev).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Update(context.Background(), &models.Branch{
		ID:        "b1",
		Name:      "renamed",
		Color:     "#3273dc",
		IsPinned:  true,
		Tags:      []string{"epic"},
		UpdatedAt: next,
	}, prev)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresUpdate_StaleRowsAffected0(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	q := regexp.MustCompile(`UPDATE branches\s+SET name=\$2, .* updated_at=\$8;`)

	mock.ExpectExec(q.String()).WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Update(context.Background(), &models.Branch{ID: "b1", Name: "renamed"}, time.Now())
	if !errors.Is(err, common.ErrOptimisticLock) {
		t.Fatalf("want ErrOptimisticLock, got %v", err)
	}
}

func TestPostgresUpdate_UnexpectedRowsAffectedGt1(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	q := regexp.MustCompile(`UPDATE branches\s+SET name=\$2, .* updated_at=\$8;`)

	mock.ExpectExec(q.String()).WillReturnResult(sqlmock.NewResult(0, 2))

	err := repo.Update(context.Background(), &models.Branch{ID: "b1", Name: "renamed"}, time.Now())
	if err == nil || !regexp.MustCompile(`unexpected rows affected: 2`).MatchString(err.Error()) {
		t.Fatalf("expected unexpected rows affected error, got %v", err)
	}
}

func TestPostgresSoftDelete_Success(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	q := regexp.MustCompile(`UPDATE branches SET deleted_at=\$2, updated_at=\$2 WHERE id=\$1 AND deleted_at IS NULL;`)

	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectExec(q.String()).
		WithArgs("b1", at).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.SoftDelete(context.Background(), "b1", at); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestPostgresSoftDelete_AlreadyGoneRowsAffected0(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	q := regexp.MustCompile(`UPDATE branches SET deleted_at=\$2, updated_at=\$2 WHERE id=\$1 AND deleted_at IS NULL;`)

	mock.ExpectExec(q.String()).WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.SoftDelete(context.Background(), "b1", time.Now())
	if !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestPostgresCountLiveChildren(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	q := regexp.MustCompile(`SELECT COUNT\(\*\) FROM branches WHERE parent_branch_id=\$1 AND deleted_at IS NULL`)

	mock.ExpectQuery(q.String()).
		WithArgs("b1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(2)))

	n, err := repo.CountLiveChildren(context.Background(), "b1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Fatalf("want 2 children, got %d", n)
	}
}
