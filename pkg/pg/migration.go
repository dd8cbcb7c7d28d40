package pg

import (
	"fmt"
	"io/fs"

	_ "github.com/lib/pq"
	"github.com/nimasrn/sms-dispatch/pkg/logger"
	"github.com/pressly/goose/v3"
)

// Migrate applies every pending migration found in dir of fsys.
func Migrate(cfg Config, fsys fs.FS, dir string) error {
	goose.SetBaseFS(fsys)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	db, err := newSqlConnection(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if err = goose.Up(db, dir); err != nil {
		return fmt.Errorf("migrate up: %w", err)
	}
	version, err := goose.GetDBVersion(db)
	if err == nil {
		logger.Info("database migrated", "version", version)
	}
	return nil
}

// MigrationStatus prints the applied state of every migration.
func MigrationStatus(cfg Config, fsys fs.FS, dir string) error {
	goose.SetBaseFS(fsys)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	db, err := newSqlConnection(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	return goose.Status(db, dir)
}
