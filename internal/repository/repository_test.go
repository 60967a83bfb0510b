package repository_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/mailscope/backend/internal/models"
)

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	err = db.AutoMigrate(
		&models.Job{},
		&models.TokenRecord{},
		&models.CachedMessage{},
		&models.SyncState{},
	)
	require.NoError(t, err)

	// SQLite supports the same partial unique index the Postgres migration
	// creates; the active-job invariant must hold in tests too.
	err = db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_one_active
		ON jobs (user_id, job_type)
		WHERE status IN ('pending', 'processing')`).Error
	require.NoError(t, err)

	return db
}
