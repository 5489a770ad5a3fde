package services_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagaforge/chronicle/internal/common"
	"github.com/sagaforge/chronicle/internal/models"
	"github.com/sagaforge/chronicle/internal/services"
	"github.com/sagaforge/chronicle/internal/structdiff"
)

func TestFindCommonAncestor_MostRecentShared(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	main := e.mustCreateBranch(t, "c1", "main", nil)
	siege := e.mustCreateBranch(t, "c1", "siege", &main.ID)
	siegeFails := e.mustCreateBranch(t, "c1", "siege-fails", &siege.ID)
	siegeHolds := e.mustCreateBranch(t, "c1", "siege-holds", &siege.ID)
	peace := e.mustCreateBranch(t, "c1", "peace", &main.ID)

	ca, err := e.merge.FindCommonAncestor(ctx, siegeFails.ID, siegeHolds.ID)
	require.NoError(t, err)
	require.NotNil(t, ca)
	assert.Equal(t, siege.ID, ca.ID)

	ca, err = e.merge.FindCommonAncestor(ctx, siegeFails.ID, peace.ID)
	require.NoError(t, err)
	require.NotNil(t, ca)
	assert.Equal(t, main.ID, ca.ID)

	// A branch merged with its own ancestor meets at the ancestor.
	ca, err = e.merge.FindCommonAncestor(ctx, siegeFails.ID, siege.ID)
	require.NoError(t, err)
	require.NotNil(t, ca)
	assert.Equal(t, siege.ID, ca.ID)
}

func TestFindCommonAncestor_DisjointTrees(t *testing.T) {
	e := newTestEnv(t)
	a := e.mustCreateBranch(t, "c1", "first-age", nil)
	b := e.mustCreateBranch(t, "c1", "second-age", nil)

	ca, err := e.merge.FindCommonAncestor(context.Background(), a.ID, b.ID)
	require.NoError(t, err)
	assert.Nil(t, ca)
}

// forkPair builds the standard merge fixture: a main branch holding one
// settlement, and source/target branches both forked from it at t1.
func forkPair(t *testing.T, e *testEnv, payload map[string]any) (main, source, target *models.Branch) {
	t.Helper()
	main = e.mustCreateBranch(t, "c1", "main", nil)
	e.mustCreateVersion(t, "settlement", "thornwall", main.ID, t0, payload)
	source = e.mustFork(t, main.ID, "source", t1)
	target = e.mustFork(t, main.ID, "target", t1)
	return main, source, target
}

func TestGetEntityVersionsForMerge_ResolvesThreeWays(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	_, source, target := forkPair(t, e, map[string]any{"name": "X"})
	e.mustCreateVersion(t, "settlement", "thornwall", source.ID, t2, map[string]any{"name": "Y"})

	mv, err := e.merge.GetEntityVersionsForMerge(ctx, "settlement", "thornwall", source.ID, target.ID, t3)
	require.NoError(t, err)
	require.NotNil(t, mv.Base)
	require.NotNil(t, mv.Source)
	require.NotNil(t, mv.Target)
	assert.Equal(t, map[string]any{"name": "X"}, e.decode(t, mv.Base))
	assert.Equal(t, map[string]any{"name": "Y"}, e.decode(t, mv.Source))
	assert.Equal(t, map[string]any{"name": "X"}, e.decode(t, mv.Target))

	// An entity unknown everywhere resolves to three nils.
	mv, err = e.merge.GetEntityVersionsForMerge(ctx, "settlement", "nowhere", source.ID, target.ID, t3)
	require.NoError(t, err)
	assert.Nil(t, mv.Base)
	assert.Nil(t, mv.Source)
	assert.Nil(t, mv.Target)
}

func TestGetEntityVersionsForMerge_NoDivergencePoint(t *testing.T) {
	e := newTestEnv(t)
	a := e.mustCreateBranch(t, "c1", "first-age", nil)
	b := e.mustCreateBranch(t, "c1", "second-age", nil)

	_, err := e.merge.GetEntityVersionsForMerge(context.Background(), "settlement", "x", a.ID, b.ID, t3)
	assert.ErrorIs(t, err, common.ErrInvalidInput)
}

func TestPreviewMerge_OneSideChangeAutoResolves(t *testing.T) {
	e := newTestEnv(t)
	_, source, target := forkPair(t, e, map[string]any{"name": "X"})
	e.mustCreateVersion(t, "settlement", "thornwall", source.ID, t2, map[string]any{"name": "Y"})

	preview, err := e.merge.PreviewMerge(context.Background(), "settlement", "thornwall", source.ID, target.ID, t3)
	require.NoError(t, err)
	assert.False(t, preview.Result.HasConflicts)
	assert.Equal(t, map[string]any{"name": "Y"}, preview.Result.Merged)
}

func TestPreviewMerge_DivergentChangeConflicts(t *testing.T) {
	e := newTestEnv(t)
	_, source, target := forkPair(t, e, map[string]any{"name": "X"})
	e.mustCreateVersion(t, "settlement", "thornwall", source.ID, t2, map[string]any{"name": "Y"})
	e.mustCreateVersion(t, "settlement", "thornwall", target.ID, t2, map[string]any{"name": "Z"})

	preview, err := e.merge.PreviewMerge(context.Background(), "settlement", "thornwall", source.ID, target.ID, t3)
	require.NoError(t, err)
	assert.True(t, preview.Result.HasConflicts)
	require.Len(t, preview.Result.Conflicts, 1)
	c := preview.Result.Conflicts[0]
	assert.Equal(t, "name", c.Path)
	assert.Equal(t, structdiff.ConflictBothModified, c.Type)
	assert.Equal(t, "X", c.Base)
	assert.Equal(t, "Y", c.Source)
	assert.Equal(t, "Z", c.Target)
	assert.Nil(t, preview.Result.Merged)
}

func TestMergeEntity_WritesCleanMerge(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	_, source, target := forkPair(t, e, map[string]any{"name": "X", "population": float64(1200)})
	e.mustCreateVersion(t, "settlement", "thornwall", source.ID, t2,
		map[string]any{"name": "Y", "population": float64(1200)})

	res, err := e.merge.MergeEntity(ctx, services.MergeEntityInput{
		EntityType: "settlement", EntityID: "thornwall",
		SourceBranchID: source.ID, TargetBranchID: target.ID,
		WorldTime: t3, AuthorID: "gm",
	})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	require.NotNil(t, res.Version)
	assert.EqualValues(t, 2, res.Version.Version)
	assert.Equal(t, map[string]any{"name": "Y", "population": float64(1200)}, e.decode(t, res.Version))

	// The seeded target version was closed at the merge instant.
	history, err := e.versions.ListVersions(ctx, "settlement", "thornwall", target.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.NotNil(t, history[1].ValidTo)
	assert.True(t, history[1].ValidTo.Equal(common.TruncateTime(t3)))
}

func TestMergeEntity_ConflictWritesNothing(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	_, source, target := forkPair(t, e, map[string]any{"name": "X"})
	e.mustCreateVersion(t, "settlement", "thornwall", source.ID, t2, map[string]any{"name": "Y"})
	e.mustCreateVersion(t, "settlement", "thornwall", target.ID, t2, map[string]any{"name": "Z"})

	res, err := e.merge.MergeEntity(ctx, services.MergeEntityInput{
		EntityType: "settlement", EntityID: "thornwall",
		SourceBranchID: source.ID, TargetBranchID: target.ID,
		WorldTime: t3, AuthorID: "gm",
	})
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Nil(t, res.Version)
	assert.True(t, res.Preview.Result.HasConflicts)

	history, err := e.versions.ListVersions(ctx, "settlement", "thornwall", target.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2) // the fork seed and the target's own edit, nothing new
}

func TestMergeEntity_AgreedDeletionClosesTarget(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	main, source, target := forkPair(t, e, map[string]any{"name": "X"})
	// The settlement is razed on every line: both sides and the shared
	// ancestor close their intervals, so neither side resolves at t3.
	require.NoError(t, e.versions.CloseVersion(ctx, "settlement", "thornwall", source.ID, t2, "gm"))
	require.NoError(t, e.versions.CloseVersion(ctx, "settlement", "thornwall", target.ID, t2, "gm"))
	require.NoError(t, e.versions.CloseVersion(ctx, "settlement", "thornwall", main.ID, t2, "gm"))

	res, err := e.merge.MergeEntity(ctx, services.MergeEntityInput{
		EntityType: "settlement", EntityID: "thornwall",
		SourceBranchID: source.ID, TargetBranchID: target.ID,
		WorldTime: t3, AuthorID: "gm",
	})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Nil(t, res.Version)

	v, err := e.versions.ResolveVersion(ctx, "settlement", "thornwall", target.ID, t3)
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestCherryPick_DirectApplyWhenTargetHasNothing(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	_, source, target := forkPair(t, e, map[string]any{"name": "X"})

	// An entity born on the source branch after the fork: the target line
	// has never heard of it.
	src := e.mustCreateVersion(t, "character", "ghost", source.ID, t2, map[string]any{"hp": float64(7)})

	picked, err := e.merge.CherryPick(ctx, services.CherryPickInput{
		SourceVersionID: src.ID, TargetBranchID: target.ID, AuthorID: "gm",
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, picked.Version)
	assert.Equal(t, target.ID, picked.BranchID)
	assert.True(t, picked.ValidFrom.Equal(src.ValidFrom))
	assert.Equal(t, src.Payload, picked.Payload)
}

func TestCherryPick_ConflictsNeedCompleteResolutions(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	_, source, target := forkPair(t, e, map[string]any{"name": "X", "hp": float64(10)})
	src := e.mustCreateVersion(t, "settlement", "thornwall", source.ID, t2,
		map[string]any{"name": "Y", "hp": float64(10)})

	// The target line still resolves the fork seed; "name" differs.
	_, err := e.merge.CherryPick(ctx, services.CherryPickInput{
		SourceVersionID: src.ID, TargetBranchID: target.ID, AuthorID: "gm",
	})
	assert.ErrorIs(t, err, common.ErrIncompleteResolution)

	picked, err := e.merge.CherryPick(ctx, services.CherryPickInput{
		SourceVersionID: src.ID, TargetBranchID: target.ID, AuthorID: "gm",
		Resolutions: []models.CherryPickResolution{
			{EntityType: "settlement", EntityID: "thornwall", Path: "name", ResolvedValue: `"Z"`},
			// Resolutions for other entities are ignored.
			{EntityType: "character", EntityID: "aria", Path: "name", ResolvedValue: `"ignored"`},
		},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 2, picked.Version)
	assert.Equal(t, map[string]any{"name": "Z", "hp": float64(10)}, e.decode(t, picked))
}

func TestCherryPick_LastResolutionWinsPerPath(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	_, source, target := forkPair(t, e, map[string]any{"name": "X"})
	src := e.mustCreateVersion(t, "settlement", "thornwall", source.ID, t2, map[string]any{"name": "Y"})

	picked, err := e.merge.CherryPick(ctx, services.CherryPickInput{
		SourceVersionID: src.ID, TargetBranchID: target.ID, AuthorID: "gm",
		Resolutions: []models.CherryPickResolution{
			{EntityType: "settlement", EntityID: "thornwall", Path: "name", ResolvedValue: `"first"`},
			{EntityType: "settlement", EntityID: "thornwall", Path: "name", ResolvedValue: `"second"`},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "second"}, e.decode(t, picked))
}

func TestCherryPick_InvalidResolutionValue(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	_, source, target := forkPair(t, e, map[string]any{"name": "X"})
	src := e.mustCreateVersion(t, "settlement", "thornwall", source.ID, t2, map[string]any{"name": "Y"})

	_, err := e.merge.CherryPick(ctx, services.CherryPickInput{
		SourceVersionID: src.ID, TargetBranchID: target.ID, AuthorID: "gm",
		Resolutions: []models.CherryPickResolution{
			{EntityType: "settlement", EntityID: "thornwall", Path: "name", ResolvedValue: `{not json`},
		},
	})
	assert.ErrorIs(t, err, common.ErrInvalidInput)
}

func TestCherryPick_SameBranchRejected(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	main := e.mustCreateBranch(t, "c1", "main", nil)
	src := e.mustCreateVersion(t, "settlement", "thornwall", main.ID, t0, map[string]any{"name": "X"})

	_, err := e.merge.CherryPick(ctx, services.CherryPickInput{
		SourceVersionID: src.ID, TargetBranchID: main.ID, AuthorID: "gm",
	})
	assert.ErrorIs(t, err, common.ErrInvalidOperation)
}
