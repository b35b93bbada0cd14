//go:build integration

package database

import (
	"context"
	"testing"
	"time"

	"github.com/joho/godotenv"
	"github.com/psyche-network/training-indexer/pkg/analysis"
	"github.com/psyche-network/training-indexer/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func testDB(t *testing.T) *DB {
	t.Helper()

	if err := godotenv.Load(); err != nil {
		t.Log("No .env file found, proceeding without it")
	}

	cfg := config.Default()
	cfg.DB.DBName = "indexer_test"
	cfg.ApplyEnvOverrides()

	db, err := New(&cfg.DB)
	require.NoError(t, err)

	require.NoError(t, db.g.Exec("DELETE FROM snapshots").Error)
	require.NoError(t, db.g.Exec("DELETE FROM quarantined_snapshots").Error)

	return db
}

func TestDBStore(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	store := db.Store(programAddress, analysis.KindRun, time.Second)

	state, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, state.DataStore.Entities)

	saved, err := Decode(readFixture(t, "state_v1.json"))
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, saved))
	require.NoError(t, store.Save(ctx, saved))

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, saved.Checkpoint, loaded.Checkpoint)
	assert.Equal(t, "llama", loaded.DataStore.Entities["run-1"].Identifier)
}

func TestDBStoreQuarantinesCorruptRows(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	store := db.Store(programAddress, analysis.KindRun, time.Second)

	require.NoError(t, db.g.Create(&Snapshot{
		ProgramAddress: programAddress,
		Kind:           "run",
		Version:        CurrentVersion,
		Document:       datatypes.JSON(`{"kind": "run"}`),
		UpdatedAt:      time.Now(),
	}).Error)

	state, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, state.DataStore.Entities)

	var quarantined []QuarantinedSnapshot
	require.NoError(t, db.g.Find(&quarantined).Error)
	require.Len(t, quarantined, 1)
	assert.Equal(t, programAddress, quarantined[0].ProgramAddress)
	assert.Contains(t, quarantined[0].Reason, "no program address")

	var count int64
	require.NoError(t, db.g.Model(&Snapshot{}).Count(&count).Error)
	assert.Zero(t, count)

	deleted, err := db.DropQuarantined(ctx, time.Hour, time.Now())
	require.NoError(t, err)
	assert.Zero(t, deleted)

	deleted, err = db.DropQuarantined(ctx, time.Hour, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
}
