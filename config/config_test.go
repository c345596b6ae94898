package config

import (
	"encoding/json"
	"os"
	"testing"
	"time"
)

func TestValidateAndAddDefaults(t *testing.T) {
	cnf := Configuration{
		DataSource: DataSourceConfig{Dns: ""},
		Redis:      RedisConfig{Dns: "localhost:6379"},
	}

	err := cnf.validateAndAddDefaults()
	if err == nil || err.Error() != "data source DNS is required" {
		t.Errorf("Expected data source DNS required error, got %v", err)
	}

	cnf = Configuration{
		DataSource: DataSourceConfig{Dns: "postgres://localhost:5432"},
		Redis:      RedisConfig{Dns: ""},
	}
	err = cnf.validateAndAddDefaults()
	if err == nil || err.Error() != "redis DNS is required" {
		t.Errorf("Expected redis DNS required error, got %v", err)
	}

	cnf = Configuration{
		ProjectName: "  Test Project ",
		DataSource:  DataSourceConfig{Dns: "some-dns"},
		Redis:       RedisConfig{Dns: "localhost:6379"},
	}
	err = cnf.validateAndAddDefaults()
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if cnf.ProjectName != "Test Project" {
		t.Errorf("Expected trimmed project name, got '%s'", cnf.ProjectName)
	}
	if cnf.Server.Port != DEFAULT_PORT {
		t.Errorf("Expected default port %s, got %s", DEFAULT_PORT, cnf.Server.Port)
	}
	if cnf.Transfer.MaxAttempts != 3 {
		t.Errorf("Expected 3 step attempts, got %d", cnf.Transfer.MaxAttempts)
	}
	if cnf.Transfer.RollbackWindow() != 72*time.Hour {
		t.Errorf("Expected 72h rollback window, got %s", cnf.Transfer.RollbackWindow())
	}
	if cnf.Queue.TransferQueue != "roster_transfers" {
		t.Errorf("Expected default transfer queue, got %s", cnf.Queue.TransferQueue)
	}
	if cnf.Stripe.BaseUrl != "https://api.stripe.com" {
		t.Errorf("Expected default stripe url, got %s", cnf.Stripe.BaseUrl)
	}
}

func TestValidateAndAddDefaults_KeepsExplicitTransferSettings(t *testing.T) {
	cnf := Configuration{
		DataSource: DataSourceConfig{Dns: "some-dns"},
		Redis:      RedisConfig{Dns: "localhost:6379"},
		Transfer:   TransferConfig{RollbackWindowHours: 24, MaxAttempts: 5, StepTimeoutSec: 2},
	}
	if err := cnf.validateAndAddDefaults(); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if cnf.Transfer.RollbackWindow() != 24*time.Hour {
		t.Errorf("Expected 24h window, got %s", cnf.Transfer.RollbackWindow())
	}
	if cnf.Transfer.MaxAttempts != 5 {
		t.Errorf("Expected 5 attempts, got %d", cnf.Transfer.MaxAttempts)
	}
	if cnf.Transfer.StepTimeout() != 2*time.Second {
		t.Errorf("Expected 2s step timeout, got %s", cnf.Transfer.StepTimeout())
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "roster.json")
	if err != nil {
		t.Fatalf("Unable to create temporary file: %v", err)
	}
	defer os.Remove(tmpFile.Name())

	sampleConfig := Configuration{
		ProjectName: "Temp Project",
		DataSource:  DataSourceConfig{Dns: "temp-dns"},
		Redis:       RedisConfig{Dns: "temp-redis"},
	}
	if err := json.NewEncoder(tmpFile).Encode(sampleConfig); err != nil {
		t.Fatalf("Unable to write to temporary file: %v", err)
	}
	tmpFile.Close()

	os.Setenv("ROSTER_PROJECT_NAME", "Env Project")
	defer os.Unsetenv("ROSTER_PROJECT_NAME")
	os.Setenv("ROSTER_TRANSFER_MAX_ATTEMPTS", "4")
	defer os.Unsetenv("ROSTER_TRANSFER_MAX_ATTEMPTS")

	if err := loadConfigFromFile(tmpFile.Name()); err != nil {
		t.Fatalf("loadConfigFromFile failed: %v", err)
	}

	loadedConfig, err := Fetch()
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}

	if loadedConfig.ProjectName != "Env Project" {
		t.Errorf("Expected ProjectName to be 'Env Project', got '%s'", loadedConfig.ProjectName)
	}
	if loadedConfig.DataSource.Dns != "temp-dns" {
		t.Errorf("Expected DataSource.Dns to be 'temp-dns', got '%s'", loadedConfig.DataSource.Dns)
	}
	if loadedConfig.Transfer.MaxAttempts != 4 {
		t.Errorf("Expected MaxAttempts override of 4, got %d", loadedConfig.Transfer.MaxAttempts)
	}
}
