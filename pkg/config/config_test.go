package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

// TestDefaultConfig_Retrieval verifies the stock retrieval profile.
func TestDefaultConfig_Retrieval(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Retrieval.MaxResults == 0 {
		t.Error("MaxResults should not be zero")
	}
	if cfg.Retrieval.ScopeTimeoutMS == 0 {
		t.Error("ScopeTimeoutMS should not be zero")
	}
	got := cfg.Retrieval.SessionWeight + cfg.Retrieval.ProjectWeight + cfg.Retrieval.UserWeight
	if got < 0.999 || got > 1.001 {
		t.Errorf("scope weights sum = %v, want 1.0", got)
	}
}

// TestDefaultConfig_Promotion verifies threshold ordering across tiers.
func TestDefaultConfig_Promotion(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Promotion.SessionToProjectThreshold >= cfg.Promotion.ProjectToUserThreshold {
		t.Error("project->user threshold should be stricter than session->project")
	}
	if cfg.Promotion.ProjectToUserMinAccess == 0 {
		t.Error("ProjectToUserMinAccess should not be zero")
	}
	if cfg.Promotion.MergeSimilarity <= 0 || cfg.Promotion.MergeSimilarity >= 1 {
		t.Errorf("MergeSimilarity = %v, want in (0,1)", cfg.Promotion.MergeSimilarity)
	}
}

// TestDefaultConfig_Consolidation verifies clustering defaults.
func TestDefaultConfig_Consolidation(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Consolidation.ClusterSimilarity <= cfg.Promotion.MergeSimilarity {
		t.Error("consolidation clustering should be stricter than promotion merge")
	}
	if cfg.Consolidation.MinClusterSize < 2 {
		t.Error("MinClusterSize should require more than one member")
	}
}

// TestDefaultConfig_Storage verifies the data dir and queue defaults.
func TestDefaultConfig_Storage(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Storage.DataDir == "" {
		t.Error("DataDir should not be empty")
	}
	if cfg.Storage.QueueDepth == 0 {
		t.Error("QueueDepth should not be zero")
	}
}

// TestDefaultConfig_Maintenance verifies the worker cadence defaults.
func TestDefaultConfig_Maintenance(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Maintenance.Cron == "" {
		t.Error("maintenance cron should have a default")
	}
	if cfg.Maintenance.WorkerPollMS == 0 {
		t.Error("WorkerPollMS should not be zero")
	}
	if cfg.Maintenance.WorkerLeaseSeconds == 0 {
		t.Error("WorkerLeaseSeconds should not be zero")
	}
}

func TestSaveConfig_FilePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file permission bits are not enforced on Windows")
	}

	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.json")

	cfg := DefaultConfig()
	if err := SaveConfig(path, cfg); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}

	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("config file has permission %04o, want 0600", perm)
	}
}

func TestLoadConfig_EnvOverridesWithoutFile(t *testing.T) {
	t.Setenv("MEMTIER_RETRIEVAL_MAX_RESULTS", "25")
	path := filepath.Join(t.TempDir(), "missing-config.json")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if got := cfg.Retrieval.MaxResults; got != 25 {
		t.Fatalf("expected env override max results, got %d", got)
	}
}

func TestLoadConfig_FileThenEnv(t *testing.T) {
	t.Setenv("MEMTIER_MAINTENANCE_CRON", "*/5 * * * *")
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"storage":{"data_dir":"/var/lib/memtier"},"maintenance":{"cron":"0 * * * *"}}`
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if got := cfg.Storage.DataDir; got != "/var/lib/memtier" {
		t.Fatalf("expected file data dir, got %q", got)
	}
	if got := cfg.Maintenance.Cron; got != "*/5 * * * *" {
		t.Fatalf("env should win over file cron, got %q", got)
	}
}

func TestLoadConfig_BadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for malformed config")
	}
}
