package services_test

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/sagaforge/chronicle/internal/logging"
	"github.com/sagaforge/chronicle/internal/metrics"
	"github.com/sagaforge/chronicle/internal/models"
	"github.com/sagaforge/chronicle/internal/repositories/repomanager"
	"github.com/sagaforge/chronicle/internal/services"
)

// World-time fixtures, far from wall-clock time on purpose.
var (
	t0 = time.Date(1372, time.March, 1, 0, 0, 0, 0, time.UTC)
	t1 = t0.AddDate(0, 1, 0)
	t2 = t0.AddDate(0, 2, 0)
	t3 = t0.AddDate(0, 3, 0)
)

type testEnv struct {
	db       *sql.DB
	manager  repomanager.RepositoryManager
	branches *services.BranchService
	versions *services.VersionService
	fork     *services.ForkService
	merge    *services.MergeService
}

// newTestEnv wires the full service stack against a fresh in-memory SQLite
// database with the real migration set applied.
func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWithPolicy(t, services.AllowAllPolicy{})
}

func newTestEnvWithPolicy(t *testing.T, policy services.AccessPolicy) *testEnv {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	manager := repomanager.NewSQLiteRepositoryManager()
	require.NoError(t, manager.RunMigrations(context.Background(), db))

	log := logging.Discard()
	m := metrics.NewMetricsWith(prometheus.NewRegistry())
	audit := services.NopAuditLog{}
	cache := services.NopInvalidator{}

	versions := services.NewVersionService(db, manager, policy, audit, cache, log, m)
	return &testEnv{
		db:       db,
		manager:  manager,
		branches: services.NewBranchService(db, manager, policy, audit, log),
		versions: versions,
		fork: services.NewForkService(db, manager, versions, policy, audit, cache, log, m,
			[]string{"settlement", "character"}),
		merge: services.NewMergeService(db, manager, versions, policy, audit, cache, log, m),
	}
}

func (e *testEnv) mustCreateBranch(t *testing.T, campaignID, name string, parentID *string) *models.Branch {
	t.Helper()
	b, err := e.branches.Create(context.Background(), services.CreateBranchInput{
		CampaignID:     campaignID,
		Name:           name,
		ParentBranchID: parentID,
		Color:          "#3273dc",
		AuthorID:       "gm",
	})
	require.NoError(t, err)
	return b
}

func (e *testEnv) mustCreateVersion(t *testing.T, entityType, entityID, branchID string, validFrom time.Time, payload map[string]any) *models.Version {
	t.Helper()
	v, err := e.versions.CreateVersion(context.Background(), services.CreateVersionInput{
		EntityType: entityType,
		EntityID:   entityID,
		BranchID:   branchID,
		ValidFrom:  validFrom,
		Payload:    payload,
		AuthorID:   "gm",
	})
	require.NoError(t, err)
	return v
}

func (e *testEnv) mustFork(t *testing.T, sourceBranchID, name string, at time.Time) *models.Branch {
	t.Helper()
	res, err := e.fork.Fork(context.Background(), services.ForkInput{
		SourceBranchID: sourceBranchID,
		Name:           name,
		DivergeAt:      at,
		AuthorID:       "gm",
	})
	require.NoError(t, err)
	return res.Branch
}

func (e *testEnv) decode(t *testing.T, v *models.Version) map[string]any {
	t.Helper()
	payload, err := e.versions.DecodePayload(v)
	require.NoError(t, err)
	return payload
}

// gmOnlyPolicy grants edit rights to the "gm" actor and refuses everyone
// else; used to exercise ErrForbidden paths.
type gmOnlyPolicy struct{}

func (gmOnlyPolicy) CanRead(ctx context.Context, actorID, campaignID string) (bool, error) {
	return true, nil
}

func (gmOnlyPolicy) CanEdit(ctx context.Context, actorID, campaignID string) (bool, error) {
	return actorID == "gm", nil
}

func (gmOnlyPolicy) IsOwner(ctx context.Context, actorID, campaignID string) (bool, error) {
	return actorID == "gm", nil
}
