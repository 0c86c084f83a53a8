package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Storage       StorageConfig       `json:"storage"`
	Retrieval     RetrievalConfig     `json:"retrieval"`
	Promotion     PromotionConfig     `json:"promotion"`
	Consolidation ConsolidationConfig `json:"consolidation"`
	Maintenance   MaintenanceConfig   `json:"maintenance"`
	Log           LogConfig           `json:"log"`
	mu            sync.RWMutex
}

type StorageConfig struct {
	// DataDir holds the durable scope databases. The session scope is
	// always in-memory and never touches disk.
	DataDir       string `json:"data_dir" env:"MEMTIER_STORAGE_DATA_DIR"`
	ProjectDBPath string `json:"project_db_path" env:"MEMTIER_STORAGE_PROJECT_DB_PATH"`
	UserDBPath    string `json:"user_db_path" env:"MEMTIER_STORAGE_USER_DB_PATH"`
	QueueDepth    int    `json:"queue_depth" env:"MEMTIER_STORAGE_QUEUE_DEPTH"`
}

type RetrievalConfig struct {
	MaxResults            int     `json:"max_results" env:"MEMTIER_RETRIEVAL_MAX_RESULTS"`
	CandidateLimit        int     `json:"candidate_limit" env:"MEMTIER_RETRIEVAL_CANDIDATE_LIMIT"`
	MinStrength           float64 `json:"min_strength" env:"MEMTIER_RETRIEVAL_MIN_STRENGTH"`
	ScopeTimeoutMS        int     `json:"scope_timeout_ms" env:"MEMTIER_RETRIEVAL_SCOPE_TIMEOUT_MS"`
	CacheSeconds          int     `json:"cache_seconds" env:"MEMTIER_RETRIEVAL_CACHE_SECONDS"`
	SessionWeight         float64 `json:"session_weight" env:"MEMTIER_RETRIEVAL_SESSION_WEIGHT"`
	ProjectWeight         float64 `json:"project_weight" env:"MEMTIER_RETRIEVAL_PROJECT_WEIGHT"`
	UserWeight            float64 `json:"user_weight" env:"MEMTIER_RETRIEVAL_USER_WEIGHT"`
	EmbeddingModel        string  `json:"embedding_model" env:"MEMTIER_RETRIEVAL_EMBEDDING_MODEL"`
	DedupSimilarityFactor float64 `json:"dedup_similarity" env:"MEMTIER_RETRIEVAL_DEDUP_SIMILARITY"`
}

type PromotionConfig struct {
	SessionToProjectThreshold float64 `json:"session_to_project_threshold" env:"MEMTIER_PROMOTION_SESSION_TO_PROJECT_THRESHOLD"`
	ProjectToUserThreshold    float64 `json:"project_to_user_threshold" env:"MEMTIER_PROMOTION_PROJECT_TO_USER_THRESHOLD"`
	ProjectToUserMinAccess    int     `json:"project_to_user_min_access" env:"MEMTIER_PROMOTION_PROJECT_TO_USER_MIN_ACCESS"`
	MergeSimilarity           float64 `json:"merge_similarity" env:"MEMTIER_PROMOTION_MERGE_SIMILARITY"`
}

type ConsolidationConfig struct {
	ClusterSimilarity float64 `json:"cluster_similarity" env:"MEMTIER_CONSOLIDATION_CLUSTER_SIMILARITY"`
	MinClusterSize    int     `json:"min_cluster_size" env:"MEMTIER_CONSOLIDATION_MIN_CLUSTER_SIZE"`
	WindowDays        int     `json:"window_days" env:"MEMTIER_CONSOLIDATION_WINDOW_DAYS"`
}

type MaintenanceConfig struct {
	Cron               string `json:"cron" env:"MEMTIER_MAINTENANCE_CRON"`
	WorkerPollMS       int    `json:"worker_poll_ms" env:"MEMTIER_MAINTENANCE_WORKER_POLL_MS"`
	WorkerLeaseSeconds int    `json:"worker_lease_seconds" env:"MEMTIER_MAINTENANCE_WORKER_LEASE_SECONDS"`
}

type LogConfig struct {
	Level  string `json:"level" env:"MEMTIER_LOG_LEVEL"`   // debug, info, warn, error
	Format string `json:"format" env:"MEMTIER_LOG_FORMAT"` // text or json
}

func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			DataDir:    "~/.memtier",
			QueueDepth: 256,
		},
		Retrieval: RetrievalConfig{
			MaxResults:            10,
			CandidateLimit:        30,
			MinStrength:           0,
			ScopeTimeoutMS:        2000,
			CacheSeconds:          20,
			SessionWeight:         0.50,
			ProjectWeight:         0.35,
			UserWeight:            0.15,
			EmbeddingModel:        "memtier-chargram-384-v1",
			DedupSimilarityFactor: 0.90,
		},
		Promotion: PromotionConfig{
			SessionToProjectThreshold: 0.6,
			ProjectToUserThreshold:    0.7,
			ProjectToUserMinAccess:    3,
			MergeSimilarity:           0.85,
		},
		Consolidation: ConsolidationConfig{
			ClusterSimilarity: 0.92,
			MinClusterSize:    10,
			WindowDays:        30,
		},
		Maintenance: MaintenanceConfig{
			Cron:               "*/30 * * * *",
			WorkerPollMS:       5000,
			WorkerLeaseSeconds: 120,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfig reads the JSON config at path, falling back to defaults when the
// file is missing, then applies MEMTIER_* environment overrides on top.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if err := env.Parse(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

func (c *Config) DataDirPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Storage.DataDir)
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
