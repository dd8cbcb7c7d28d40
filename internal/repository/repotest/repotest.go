// Package repotest opens throwaway databases for tests.
package repotest

import (
	"testing"

	"github.com/nimasrn/sms-dispatch/internal/repository"
	"github.com/nimasrn/sms-dispatch/pkg/pg"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// NewTestDB opens an in-memory sqlite database with every table migrated.
func NewTestDB(t testing.TB) (*pg.DB, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), pg.GormConfig())
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// every connection to :memory: is its own database
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(
		&repository.MessageEntity{},
		&repository.MessageEventEntity{},
		&repository.DeliveryReportEntity{},
	))
	return pg.New(db, db), db
}
