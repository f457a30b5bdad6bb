package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Algorithm names accepted for network.load_balance_algorithm.
const (
	AlgoRoundRobin         = "round_robin"
	AlgoWeightedRoundRobin = "weighted_round_robin"
	AlgoLeastConnections   = "least_connections"
	AlgoResourceAware      = "resource_aware"
	AlgoLatencyOptimized   = "latency_optimized"
)

// Config holds the full orchestrator configuration. Fields map 1:1 to
// the recognized YAML keys.
type Config struct {
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Network      NetworkConfig      `yaml:"network"`
	Placement    PlacementConfig    `yaml:"placement"`
	Task         TaskConfig         `yaml:"task"`
	Liveness     LivenessConfig     `yaml:"liveness"`
	Queue        QueueConfig        `yaml:"queue"`
	Dispatch     DispatchConfig     `yaml:"dispatch"`
	API          APIConfig          `yaml:"api"`
	Storage      StorageConfig      `yaml:"storage"`

	mu sync.RWMutex `yaml:"-"`
}

type OrchestratorConfig struct {
	ID                        string `yaml:"id"`
	HeartbeatIntervalSeconds  int    `yaml:"heartbeat_interval_seconds"`
	TaskDefaultTimeoutSeconds int    `yaml:"task_default_timeout_seconds"`
}

type NetworkConfig struct {
	MaxNodes             int    `yaml:"max_nodes"`
	MinNodes             int    `yaml:"min_nodes"`
	LoadBalanceAlgorithm string `yaml:"load_balance_algorithm"`
}

type PlacementConfig struct {
	AllowDegraded    bool             `yaml:"allow_degraded"`
	StrictPreferred  bool             `yaml:"strict_preferred"`
	StrictRedundancy bool             `yaml:"strict_redundancy"`
	TopN             int              `yaml:"top_n"`
	Weights          PlacementWeights `yaml:"weights"`
}

type PlacementWeights struct {
	CPU    float64 `yaml:"cpu"`
	Memory float64 `yaml:"memory"`
	GPU    float64 `yaml:"gpu"`
}

type TaskConfig struct {
	MaxRetriesDefault     int `yaml:"max_retries_default"`
	PlacementGraceSeconds int `yaml:"placement_grace_seconds"`
	HistoryLimit          int `yaml:"history_limit"`
}

type LivenessConfig struct {
	DegradedFactor float64 `yaml:"degraded_factor"`
	OfflineFactor  float64 `yaml:"offline_factor"`
	SweepSeconds   int     `yaml:"sweep_seconds"`
}

type QueueConfig struct {
	MaxPending        int     `yaml:"max_pending"`
	HighWaterFraction float64 `yaml:"high_water_fraction"`
}

type DispatchConfig struct {
	TimeoutSeconds int `yaml:"timeout_seconds"`
	Retries        int `yaml:"retries"`
	Workers        int `yaml:"workers"`
}

type APIConfig struct {
	Listen         string  `yaml:"listen"`
	APIKey         string  `yaml:"api_key"`
	SubmitRatePerS float64 `yaml:"submit_rate_per_sec"`
	SubmitBurst    int     `yaml:"submit_burst"`
}

type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

// Default returns a configuration populated with every default value.
func Default() *Config {
	return &Config{
		Orchestrator: OrchestratorConfig{
			HeartbeatIntervalSeconds:  30,
			TaskDefaultTimeoutSeconds: 300,
		},
		Network: NetworkConfig{
			MaxNodes:             1000,
			MinNodes:             0,
			LoadBalanceAlgorithm: AlgoWeightedRoundRobin,
		},
		Placement: PlacementConfig{
			AllowDegraded:    false,
			StrictPreferred:  false,
			StrictRedundancy: false,
			TopN:             3,
			Weights:          PlacementWeights{CPU: 0.4, Memory: 0.3, GPU: 0.3},
		},
		Task: TaskConfig{
			MaxRetriesDefault:     3,
			PlacementGraceSeconds: 60,
			HistoryLimit:          10000,
		},
		Liveness: LivenessConfig{
			DegradedFactor: 1.5,
			OfflineFactor:  3.0,
			SweepSeconds:   10,
		},
		Queue: QueueConfig{
			MaxPending:        100000,
			HighWaterFraction: 0.8,
		},
		Dispatch: DispatchConfig{
			TimeoutSeconds: 10,
			Retries:        2,
			Workers:        0, // 0 means 2 x GOMAXPROCS
		},
		API: APIConfig{
			Listen:         ":9000",
			SubmitRatePerS: 0, // 0 disables rate limiting
			SubmitBurst:    100,
		},
	}
}

// Load reads a YAML config file, overlaying it onto the defaults.
// A missing path returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Network.LoadBalanceAlgorithm {
	case AlgoRoundRobin, AlgoWeightedRoundRobin, AlgoLeastConnections,
		AlgoResourceAware, AlgoLatencyOptimized:
	default:
		return fmt.Errorf("unknown load balance algorithm %q", c.Network.LoadBalanceAlgorithm)
	}
	if c.Orchestrator.HeartbeatIntervalSeconds <= 0 {
		return fmt.Errorf("heartbeat_interval_seconds must be positive")
	}
	if c.Liveness.DegradedFactor <= 0 || c.Liveness.OfflineFactor <= c.Liveness.DegradedFactor {
		return fmt.Errorf("liveness factors must satisfy 0 < degraded < offline")
	}
	if c.Queue.MaxPending <= 0 {
		return fmt.Errorf("queue.max_pending must be positive")
	}
	if c.Queue.HighWaterFraction <= 0 || c.Queue.HighWaterFraction > 1 {
		return fmt.Errorf("queue.high_water_fraction must be in (0,1]")
	}
	return nil
}

// HeartbeatInterval returns the configured heartbeat interval.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Orchestrator.HeartbeatIntervalSeconds) * time.Second
}

// DegradedThreshold is the heartbeat age past which a node is degraded.
func (c *Config) DegradedThreshold() time.Duration {
	return time.Duration(float64(c.HeartbeatInterval()) * c.Liveness.DegradedFactor)
}

// OfflineThreshold is the heartbeat age past which a node is offline.
func (c *Config) OfflineThreshold() time.Duration {
	return time.Duration(float64(c.HeartbeatInterval()) * c.Liveness.OfflineFactor)
}

// PlacementGrace is the total time a task may sit pending with no
// candidates before it fails.
func (c *Config) PlacementGrace() time.Duration {
	return time.Duration(c.Task.PlacementGraceSeconds) * time.Second
}

// DispatchTimeout is the per-attempt delivery budget.
func (c *Config) DispatchTimeout() time.Duration {
	return time.Duration(c.Dispatch.TimeoutSeconds) * time.Second
}

// Snapshot returns a copy of the current configuration for readers.
func (c *Config) Snapshot() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := Config{
		Orchestrator: c.Orchestrator,
		Network:      c.Network,
		Placement:    c.Placement,
		Task:         c.Task,
		Liveness:     c.Liveness,
		Queue:        c.Queue,
		Dispatch:     c.Dispatch,
		API:          c.API,
		Storage:      c.Storage,
	}
	return out
}

// ApplyPatch applies runtime updates keyed by dotted config path. Only
// the placement algorithm, placement flags and weights, liveness
// thresholds, and max/min nodes are mutable at runtime; any other key
// is rejected.
func (c *Config) ApplyPatch(patch map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Work on a copy so a bad key leaves the config untouched.
	next := Config{
		Orchestrator: c.Orchestrator,
		Network:      c.Network,
		Placement:    c.Placement,
		Task:         c.Task,
		Liveness:     c.Liveness,
		Queue:        c.Queue,
		Dispatch:     c.Dispatch,
		API:          c.API,
		Storage:      c.Storage,
	}
	for key, raw := range patch {
		switch key {
		case "network.load_balance_algorithm":
			v, err := asString(key, raw)
			if err != nil {
				return err
			}
			next.Network.LoadBalanceAlgorithm = v
		case "network.max_nodes":
			v, err := asInt(key, raw)
			if err != nil {
				return err
			}
			next.Network.MaxNodes = v
		case "network.min_nodes":
			v, err := asInt(key, raw)
			if err != nil {
				return err
			}
			next.Network.MinNodes = v
		case "placement.allow_degraded":
			v, err := asBool(key, raw)
			if err != nil {
				return err
			}
			next.Placement.AllowDegraded = v
		case "placement.strict_preferred":
			v, err := asBool(key, raw)
			if err != nil {
				return err
			}
			next.Placement.StrictPreferred = v
		case "placement.strict_redundancy":
			v, err := asBool(key, raw)
			if err != nil {
				return err
			}
			next.Placement.StrictRedundancy = v
		case "placement.top_n":
			v, err := asInt(key, raw)
			if err != nil {
				return err
			}
			next.Placement.TopN = v
		case "placement.weights.cpu":
			v, err := asFloat(key, raw)
			if err != nil {
				return err
			}
			next.Placement.Weights.CPU = v
		case "placement.weights.memory":
			v, err := asFloat(key, raw)
			if err != nil {
				return err
			}
			next.Placement.Weights.Memory = v
		case "placement.weights.gpu":
			v, err := asFloat(key, raw)
			if err != nil {
				return err
			}
			next.Placement.Weights.GPU = v
		case "liveness.degraded_factor":
			v, err := asFloat(key, raw)
			if err != nil {
				return err
			}
			next.Liveness.DegradedFactor = v
		case "liveness.offline_factor":
			v, err := asFloat(key, raw)
			if err != nil {
				return err
			}
			next.Liveness.OfflineFactor = v
		default:
			return fmt.Errorf("config key %q is not mutable at runtime", key)
		}
	}

	if err := next.Validate(); err != nil {
		return err
	}
	c.Orchestrator = next.Orchestrator
	c.Network = next.Network
	c.Placement = next.Placement
	c.Task = next.Task
	c.Liveness = next.Liveness
	c.Queue = next.Queue
	c.Dispatch = next.Dispatch
	return nil
}

func asString(key string, raw any) (string, error) {
	if v, ok := raw.(string); ok {
		return v, nil
	}
	return "", fmt.Errorf("config key %q expects a string", key)
}

func asBool(key string, raw any) (bool, error) {
	if v, ok := raw.(bool); ok {
		return v, nil
	}
	return false, fmt.Errorf("config key %q expects a bool", key)
}

func asInt(key string, raw any) (int, error) {
	switch v := raw.(type) {
	case int:
		return v, nil
	case float64:
		if v == float64(int(v)) {
			return int(v), nil
		}
	}
	return 0, fmt.Errorf("config key %q expects an integer", key)
}

func asFloat(key string, raw any) (float64, error) {
	switch v := raw.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	}
	return 0, fmt.Errorf("config key %q expects a number", key)
}
