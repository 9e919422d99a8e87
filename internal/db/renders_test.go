package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobarin/reelworks/internal/models"
)

// fakeRow replays column values the way database/sql hands them to Scan.
type fakeRow struct {
	values []interface{}
	err    error
}

func (r fakeRow) Scan(dest ...interface{}) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return fmt.Errorf("expected %d columns, got %d", len(r.values), len(dest))
	}
	for i, d := range dest {
		v := r.values[i]
		switch d := d.(type) {
		case sql.Scanner:
			if err := d.Scan(v); err != nil {
				return err
			}
		case *string:
			*d = v.(string)
		case *[]byte:
			if v == nil {
				*d = nil
			} else {
				*d = v.([]byte)
			}
		case *time.Time:
			*d = v.(time.Time)
		default:
			return fmt.Errorf("unsupported destination %T", d)
		}
	}
	return nil
}

func TestScanRender_DecodesJSONColumns(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	row := fakeRow{values: []interface{}{
		"item-1",
		"standard",
		[]byte(`{"manifestId":"m-1","version":2,"storyboard":[{"index":0,"durationSeconds":8,"description":"Opening shot"}]}`),
		[]byte(`{"operationName":"operations/abc","status":"fetching","attempts":2,"requestFingerprint":"fp-1"}`),
		[]byte(`{"mode":"file","status":"rendering","metrics":{"secondsGenerated":0,"costEstimateUsd":0,"tier":"standard","model":"veo-3.0-generate-001"}}`),
		created,
		created.Add(time.Minute),
	}}

	record, err := scanRender(row)
	require.NoError(t, err)

	assert.Equal(t, "item-1", record.WorkItemID)
	assert.Equal(t, "standard", record.Tier)
	assert.Equal(t, "m-1", record.Manifest.ManifestID)
	require.Len(t, record.Manifest.Storyboard, 1)
	assert.Equal(t, models.OperationStatusFetching, record.State.Status)
	assert.Equal(t, "operations/abc", record.State.Name())
	assert.Equal(t, 2, record.State.Attempts)
	require.NotNil(t, record.Result)
	assert.Equal(t, models.RenderStatusRendering, record.Result.Status)
	assert.Equal(t, created.Add(time.Minute), record.UpdatedAt)
}

func TestScanRender_NullTaskLeavesResultNil(t *testing.T) {
	row := fakeRow{values: []interface{}{
		"item-2", "fast", []byte(`{"manifestId":"m-2"}`), []byte(`{"status":"none"}`), nil, time.Now(), time.Now(),
	}}

	record, err := scanRender(row)
	require.NoError(t, err)
	assert.Nil(t, record.Result)
	assert.Equal(t, models.OperationStatusNone, record.State.Status)
}

func TestScanRender_Errors(t *testing.T) {
	_, err := scanRender(fakeRow{err: sql.ErrNoRows})
	assert.ErrorIs(t, err, sql.ErrNoRows)

	_, err = scanRender(fakeRow{values: []interface{}{
		"item-3", "fast", []byte(`not json`), []byte(`{"status":"none"}`), nil, time.Now(), time.Now(),
	}})
	assert.ErrorContains(t, err, "failed to decode manifest")
}

// setupTestDB connects to POSTGRES_TEST_DSN and empties the renders table.
func setupTestDB(t *testing.T) *DB {
	t.Helper()
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}
	database, err := New(dsn)
	if err != nil {
		t.Skipf("Skipping test: failed to connect to PostgreSQL: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	ctx := context.Background()
	require.NoError(t, database.EnsureSchema(ctx))
	_, err = database.ExecContext(ctx, "TRUNCATE TABLE renders")
	require.NoError(t, err)
	return database
}

func TestRenders_RoundTrip(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	manifest := models.Manifest{ManifestID: "m-1", Version: 1}
	record, err := database.CreateRender(ctx, "item-1", "standard", manifest)
	require.NoError(t, err)
	assert.Equal(t, models.OperationStatusNone, record.State.Status)
	assert.Nil(t, record.Result)

	name := "operations/abc"
	state := models.OperationState{OperationName: &name, Status: models.OperationStatusFetching, Attempts: 1}
	task := &models.RenderResult{Mode: models.RenderModeFile, Status: models.RenderStatusRendering}
	require.NoError(t, database.SaveRenderStep(ctx, "item-1", state, task))

	// Replacing the manifest keeps the operation state.
	manifest.Version = 2
	record, err = database.CreateRender(ctx, "item-1", "premium", manifest)
	require.NoError(t, err)
	assert.Equal(t, "premium", record.Tier)
	assert.Equal(t, 2, record.Manifest.Version)
	assert.Equal(t, "operations/abc", record.State.Name())

	got, err := database.GetRender(ctx, "item-1")
	require.NoError(t, err)
	require.NotNil(t, got.Result)
	assert.Equal(t, models.RenderStatusRendering, got.Result.Status)

	_, err = database.GetRender(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, database.SaveRenderStep(ctx, "missing", state, nil), ErrNotFound)
}

func TestRenders_ListPending(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	for _, id := range []string{"fresh", "fetching", "ready", "dry-run"} {
		_, err := database.CreateRender(ctx, id, "standard", models.Manifest{ManifestID: id})
		require.NoError(t, err)
	}
	require.NoError(t, database.SaveRenderStep(ctx, "fetching",
		models.OperationState{Status: models.OperationStatusFetching},
		&models.RenderResult{Mode: models.RenderModeFile, Status: models.RenderStatusRendering}))
	require.NoError(t, database.SaveRenderStep(ctx, "ready",
		models.OperationState{Status: models.OperationStatusReady},
		&models.RenderResult{Mode: models.RenderModeFile, Status: models.RenderStatusCompleted}))
	require.NoError(t, database.SaveRenderStep(ctx, "dry-run",
		models.NewOperationState(),
		&models.RenderResult{Mode: models.RenderModeDryRun, Status: models.RenderStatusCompleted}))

	ids, err := database.ListPending(ctx, 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"fresh", "fetching"}, ids)
}
