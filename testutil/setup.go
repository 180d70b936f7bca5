package testutil

import (
	"context"
	"testing"

	"github.com/mk12/mira/cache"
	"github.com/mk12/mira/config"
	dbadapter "github.com/mk12/mira/db"
	dbsqlite "github.com/mk12/mira/db/sqlite"
	"github.com/mk12/mira/model"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// SetupTestDB opens a private in-memory SQLite database and runs AutoMigrate.
// Every call returns an isolated database, so tests may run in parallel.
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := dbadapter.Open(config.DatabaseConfig{
		Mode:       dbadapter.ModeSQLite,
		SQLitePath: dbsqlite.MemoryPath,
	})
	require.NoError(t, err, "SetupTestDB: Open")
	require.NoError(t, model.AutoMigrate(db), "SetupTestDB: AutoMigrate")
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

// SetupTestCache opens an in-process cache and pub/sub (no Redis required).
func SetupTestCache(t *testing.T) (cache.Cache, cache.PubSub) {
	t.Helper()
	b, err := cache.Open(context.Background(), cache.CacheConfig{})
	require.NoError(t, err, "SetupTestCache: Open")
	t.Cleanup(func() { _ = b.Close() })
	return b.Cache, b.PubSub
}

// Logger returns a development logger that writes to the test output.
func Logger(t *testing.T) *zap.Logger {
	t.Helper()
	l, err := zap.NewDevelopment()
	require.NoError(t, err)
	return l
}
