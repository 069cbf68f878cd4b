package db

import (
	"testing"

	"github.com/skamalj/router-agent/internal/config"
)

func TestRunMigrateUnknownCommand(t *testing.T) {
	cfg := config.PostgresConfig{
		Host:     "localhost",
		Port:     5432,
		User:     "router",
		Password: "secret",
		Database: "router",
		SSLMode:  "disable",
	}
	err := RunMigrate(nil, cfg, nil, "sideways", nil)
	if err == nil {
		t.Fatal("expected error for unknown command")
	}
}
