package main

import (
	"os"
	"strings"

	"github.com/nimasrn/sms-dispatch/internal/config"
	"github.com/nimasrn/sms-dispatch/migrations"
	"github.com/nimasrn/sms-dispatch/pkg/logger"
	"github.com/nimasrn/sms-dispatch/pkg/pg"
)

// usage: cli [migrate|status] [--env=path]
func main() {
	defer logger.Sync()

	err := config.Load(getEnvPath())
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	pgConf := config.Get().PostgresWrite()

	switch command() {
	case "status":
		err = pg.MigrationStatus(pgConf, migrations.FS, migrations.Dir)
	case "migrate":
		err = pg.Migrate(pgConf, migrations.FS, migrations.Dir)
	default:
		logger.Error("unknown command, expected migrate or status", "command", command())
		os.Exit(2)
	}
	if err != nil {
		logger.Error("migration: command failed", "error", err)
		os.Exit(1)
	}
}

func command() string {
	for _, v := range os.Args[1:] {
		if !strings.HasPrefix(v, "--") {
			return v
		}
	}
	return "migrate"
}

func getEnvPath() string {
	for _, v := range os.Args {
		if strings.HasPrefix(v, "--env=") {
			path := strings.TrimPrefix(v, "--env=")
			if _, err := os.Stat(path); err != nil {
				logger.Error("failed to open the passed env file", "error", err)
				return ""
			}
			return path
		}
	}
	if _, err := os.Stat(".env"); err != nil {
		return ""
	}
	return ".env"
}
