//go:build integration

package companies

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otherjamesbrown/vcmatrix/pkg/db/dbtest"
	vcerrors "github.com/otherjamesbrown/vcmatrix/pkg/errors"
)

func setupRepo(t *testing.T) *Repository {
	pool := dbtest.Open(t)
	dbtest.Truncate(t, pool, "companies")
	return NewRepository(pool, nil)
}

func TestRepository_Lifecycle(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	c := &Company{Name: "Acme Robotics", Sector: "Robotics", Stage: "seed", CurrentARR: ptr(2e6)}
	require.NoError(t, repo.Create(ctx, c))
	assert.NotEmpty(t, c.ID)

	dup := &Company{Name: "  acme   ROBOTICS "}
	assert.ErrorIs(t, repo.Create(ctx, dup), vcerrors.ErrConflict)

	got, err := repo.Get(ctx, c.ID.String())
	require.NoError(t, err)
	assert.Equal(t, "Acme Robotics", got.Name)
	assert.Equal(t, StageSeed, got.Stage)
	assert.Equal(t, "USD", got.Currency)

	updated, err := repo.Update(ctx, c.ID.String(), map[string]any{
		"cash": "1.2m", "burn": "100k", "board_seat": true,
	})
	require.NoError(t, err)
	require.NotNil(t, updated.RunwayMonths)
	assert.InDelta(t, 12, *updated.RunwayMonths, 1e-9)
	assert.Equal(t, true, updated.ExtraData["board_seat"])

	list, err := repo.List(ctx, Filter{Metrics: []MetricCondition{{Field: "runway", Op: OpLT, Value: 18}}})
	require.NoError(t, err)
	require.Len(t, list, 1)

	n, err := repo.Count(ctx, Filter{Stages: []Stage{StageGrowth}})
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, repo.Delete(ctx, c.ID.String()))
	_, err = repo.Get(ctx, c.ID.String())
	assert.ErrorIs(t, err, vcerrors.ErrNotFound)
	assert.ErrorIs(t, repo.Delete(ctx, c.ID.String()), vcerrors.ErrNotFound)
}

func TestRepository_GetInvalidID(t *testing.T) {
	repo := setupRepo(t)
	_, err := repo.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, vcerrors.ErrValidation)
}
