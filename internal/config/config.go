// Package config holds the single explicit configuration struct passed into
// every subsystem constructor, following the design note in spec.md §9:
// "Global configuration ... Pass as an explicit configuration struct into
// each subsystem's constructor; forbid process-wide singletons." Loading
// follows the teacher's TeamsConfig pattern (internal/types/config.go):
// YAML via gopkg.in/yaml.v3, with defaults filled in by Default().
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration enumerated in spec.md §6.
type Config struct {
	MaxTokensBudget        int                  `yaml:"max_tokens_budget"`
	ReservedResponseTokens int                  `yaml:"reserved_response_tokens"`
	WorkingMemory          WorkingMemoryConfig  `yaml:"working_memory"`
	Episodic               EpisodicConfig       `yaml:"episodic"`
	VectorIndex            VectorIndexConfig    `yaml:"vector_index"`
	Bus                    BusConfig            `yaml:"bus"`
	WorkerRegistry         WorkerRegistryConfig `yaml:"worker_registry"`
	ParallelExecutor       ParallelExecConfig   `yaml:"parallel_executor"`
	LeadAgent              LeadAgentConfig      `yaml:"lead_agent"`
	Merge                  MergeConfig          `yaml:"merge"`
	Server                 ServerConfig         `yaml:"server"`
	Storage                StorageConfig        `yaml:"storage"`
	Bridge                 BridgeConfig         `yaml:"bridge"`
}

// WorkingMemoryConfig bounds the working-memory tier (§4.4).
type WorkingMemoryConfig struct {
	MaxItems int `yaml:"max_items"`
	MaxBytes int `yaml:"max_bytes"`
}

// EpisodicConfig tunes the episodic-memory tier (§4.5).
type EpisodicConfig struct {
	HalfLifeDays           float64 `yaml:"half_life_days"`
	ForgetThreshold        float64 `yaml:"forget_threshold"`
	MinApplicationsForBoost int    `yaml:"min_applications_for_boost"`
}

// VectorIndexConfig configures the vector index adapter (§4.2).
type VectorIndexConfig struct {
	Dimension    int `yaml:"dimension"`
	M            int `yaml:"m"`
	EfConstruction int `yaml:"ef_construction"`
	EfSearch     int `yaml:"ef_search"`
}

// BusConfig configures the message bus (§4.12).
type BusConfig struct {
	MaxHistory         int           `yaml:"max_history"`
	MaxDeadLetters     int           `yaml:"max_dead_letters"`
	RatePerAgent       float64       `yaml:"rate_per_agent"`
	BroadcastCapacity  int           `yaml:"broadcast_capacity"`
	CircuitThreshold   int           `yaml:"circuit_threshold"`
	CircuitCooldown    time.Duration `yaml:"circuit_cooldown"`
	DefaultTTL         time.Duration `yaml:"default_ttl"`
}

// WorkerRegistryConfig configures worker acquisition (§4.16).
type WorkerRegistryConfig struct {
	MaxLoad           float64       `yaml:"max_load"`
	HeartbeatDeadline time.Duration `yaml:"heartbeat_deadline"`
	MinSuccessRate    float64       `yaml:"min_success_rate"`
	LoadBalanceOn     string        `yaml:"load_balance_on"`
}

// ParallelExecConfig configures the tool DAG executor (§4.14).
type ParallelExecConfig struct {
	MaxConcurrent      int           `yaml:"max_concurrent"`
	DefaultToolTimeout time.Duration `yaml:"default_tool_timeout"`
}

// LeadAgentConfig configures the orchestrator (§4.17).
type LeadAgentConfig struct {
	AdaptiveAllocation      bool          `yaml:"adaptive_allocation"`
	EarlyTermination        bool          `yaml:"early_termination"`
	DynamicSpawning         bool          `yaml:"dynamic_spawning"`
	DefaultTimeout          time.Duration `yaml:"default_timeout"`
	MaxConcurrentExecutions int           `yaml:"max_concurrent_executions"`
}

// MergeStrategy is the default conflict-resolution strategy for session
// commits (§4.10) and filesystem merges (§4.11).
type MergeStrategy string

const (
	MergeManual       MergeStrategy = "Manual"
	MergeAuto         MergeStrategy = "Auto"
	MergePreferSource MergeStrategy = "PreferSource"
	MergePreferTarget MergeStrategy = "PreferTarget"
)

// MergeConfig configures default merge behavior.
type MergeConfig struct {
	DefaultStrategy MergeStrategy `yaml:"default_strategy"`
}

// ServerConfig configures the process's listen address and MCP identity
// (§6 EXTERNAL INTERFACES).
type ServerConfig struct {
	ListenAddr          string `yaml:"listen_addr"`
	MCPServerName       string `yaml:"mcp_server_name"`
	MaxConnPerCaller    int    `yaml:"max_conn_per_caller"`
	MaxTotalConnections int    `yaml:"max_total_connections"`
}

// StorageConfig configures where the gateway's backing stores live on disk.
type StorageConfig struct {
	DocumentDBPath   string `yaml:"document_db_path"`
	BlobStorePath    string `yaml:"blob_store_path"`
	VectorIndexPath  string `yaml:"vector_index_path"`
}

// BridgeConfig configures how the runtime bridge spawns worker processes
// (§4.20). Command is a worker-agent CLI binary invoked once per delegation.
type BridgeConfig struct {
	WorkerCommand string   `yaml:"worker_command"`
	WorkerArgs    []string `yaml:"worker_args"`
}

// Default returns a configuration with the resource-allocation constants
// from spec.md §4.17 and conservative operational defaults.
func Default() Config {
	return Config{
		MaxTokensBudget:        150000,
		ReservedResponseTokens: 2000,
		WorkingMemory: WorkingMemoryConfig{
			MaxItems: 2000,
			MaxBytes: 64 << 20,
		},
		Episodic: EpisodicConfig{
			HalfLifeDays:            14,
			ForgetThreshold:         0.15,
			MinApplicationsForBoost: 3,
		},
		VectorIndex: VectorIndexConfig{
			Dimension:      1536,
			M:              16,
			EfConstruction: 200,
			EfSearch:       64,
		},
		Bus: BusConfig{
			MaxHistory:        10000,
			MaxDeadLetters:     1000,
			RatePerAgent:       50,
			BroadcastCapacity:  256,
			CircuitThreshold:   5,
			CircuitCooldown:    30 * time.Second,
			DefaultTTL:         5 * time.Minute,
		},
		WorkerRegistry: WorkerRegistryConfig{
			MaxLoad:           0.9,
			HeartbeatDeadline: 20 * time.Second,
			MinSuccessRate:    0.0,
			LoadBalanceOn:     "load",
		},
		ParallelExecutor: ParallelExecConfig{
			MaxConcurrent:      8,
			DefaultToolTimeout: 30 * time.Second,
		},
		LeadAgent: LeadAgentConfig{
			AdaptiveAllocation:      true,
			EarlyTermination:        true,
			DynamicSpawning:         true,
			DefaultTimeout:          5 * time.Minute,
			MaxConcurrentExecutions: 4,
		},
		Merge: MergeConfig{DefaultStrategy: MergeManual},
		Server: ServerConfig{
			ListenAddr:          ":8080",
			MCPServerName:       "cogcore",
			MaxConnPerCaller:    5,
			MaxTotalConnections: 100,
		},
		Storage: StorageConfig{
			DocumentDBPath:  "cogcore-documents.db",
			BlobStorePath:   "cogcore-blobs.db",
			VectorIndexPath: "cogcore-vectors.db",
		},
		Bridge: BridgeConfig{
			WorkerCommand: "cogcore-worker",
		},
	}
}

// Load reads YAML configuration from path, layering it over Default() so a
// partial file only overrides what it sets.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
