// Package config loads and validates the coordination core's run
// configuration: a single YAML (or JSON) document covering durable/runtime
// roots, lock timeouts, queue defaults, auto-loop budgets, and decision
// thresholds. Decoding is strict (unknown fields rejected) and defaults are
// applied in a separate explicit pass, mirroring the teacher's
// load → defaults → validate pipeline.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// QueueConfig mirrors ParallelQueueState.config (§3).
type QueueConfig struct {
	MaxJobAttempts      int `json:"max_job_attempts" yaml:"max_job_attempts"`
	StaleClaimMS        int `json:"stale_claim_ms" yaml:"stale_claim_ms"`
	HeartbeatIntervalMS int `json:"heartbeat_interval_ms" yaml:"heartbeat_interval_ms"`
}

// BudgetConfig mirrors AutoLoopState.budgets defaults (§3).
type BudgetConfig struct {
	MaxCycles      int `json:"max_cycles" yaml:"max_cycles"`
	MaxToolCalls   int `json:"max_tool_calls" yaml:"max_tool_calls"`
	MaxTimeMinutes int `json:"max_time_minutes" yaml:"max_time_minutes"`
	MaxIterations  int `json:"max_iterations" yaml:"max_iterations"`
	MaxAttempts    int `json:"max_attempts" yaml:"max_attempts"`
}

// AutoLoopConfig controls injection cadence (§4.6).
type AutoLoopConfig struct {
	InjectionCooldownMS int `json:"injection_cooldown_ms" yaml:"injection_cooldown_ms"`
	DebounceMS          int `json:"debounce_ms" yaml:"debounce_ms"`
	IdleReapIntervalMin int `json:"idle_reap_interval_min" yaml:"idle_reap_interval_min"`
	IdleThresholdMin    int `json:"idle_threshold_min" yaml:"idle_threshold_min"`
}

// DecisionConfig controls §4.5 thresholds.
type DecisionConfig struct {
	TrustPassThreshold int `json:"trust_pass_threshold" yaml:"trust_pass_threshold"`
	MaxReworkRounds    int `json:"max_rework_rounds" yaml:"max_rework_rounds"`
}

// LockConfig controls §4.2 acquisition timeout.
type LockConfig struct {
	TimeoutMS int `json:"timeout_ms" yaml:"timeout_ms"`
}

// RunConfigFile is the top-level on-disk document.
type RunConfigFile struct {
	Version int `json:"version" yaml:"version"`

	Durable struct {
		Root string `json:"root" yaml:"root"`
	} `json:"durable" yaml:"durable"`

	Runtime struct {
		RootOverride string `json:"root_override,omitempty" yaml:"root_override,omitempty"`
	} `json:"runtime" yaml:"runtime"`

	Lock     LockConfig     `json:"lock,omitempty" yaml:"lock,omitempty"`
	Queue    QueueConfig    `json:"queue,omitempty" yaml:"queue,omitempty"`
	Budgets  BudgetConfig   `json:"budgets,omitempty" yaml:"budgets,omitempty"`
	AutoLoop AutoLoopConfig `json:"auto_loop,omitempty" yaml:"auto_loop,omitempty"`
	Decision DecisionConfig `json:"decision,omitempty" yaml:"decision,omitempty"`
}

// Load reads path (YAML by default, JSON if the extension is .json),
// applies defaults, validates, and returns the resulting config.
func Load(path string) (*RunConfigFile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg RunConfigFile
	if strings.EqualFold(filepath.Ext(path), ".json") {
		if err := decodeJSONStrict(b, &cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	} else {
		if err := decodeYAMLStrict(b, &cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate %s: %w", path, err)
	}
	return &cfg, nil
}

func decodeJSONStrict(b []byte, cfg *RunConfigFile) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("json: multiple top-level values are not allowed")
		}
		return err
	}
	return nil
}

func decodeYAMLStrict(b []byte, cfg *RunConfigFile) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

// applyDefaults fills in unset fields. staleClaimMs defaults to 120000ms
// per the spec.md §9 open-question resolution documented in DESIGN.md.
func applyDefaults(cfg *RunConfigFile) {
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if cfg.Lock.TimeoutMS == 0 {
		cfg.Lock.TimeoutMS = 30_000
	}
	if cfg.Queue.MaxJobAttempts == 0 {
		cfg.Queue.MaxJobAttempts = 3
	}
	if cfg.Queue.StaleClaimMS == 0 {
		cfg.Queue.StaleClaimMS = 120_000
	}
	if cfg.Queue.HeartbeatIntervalMS == 0 {
		cfg.Queue.HeartbeatIntervalMS = 30_000
	}
	if cfg.Budgets.MaxCycles == 0 {
		cfg.Budgets.MaxCycles = 10
	}
	if cfg.Budgets.MaxToolCalls == 0 {
		cfg.Budgets.MaxToolCalls = 500
	}
	if cfg.Budgets.MaxTimeMinutes == 0 {
		cfg.Budgets.MaxTimeMinutes = 120
	}
	if cfg.Budgets.MaxIterations == 0 {
		cfg.Budgets.MaxIterations = 50
	}
	if cfg.Budgets.MaxAttempts == 0 {
		cfg.Budgets.MaxAttempts = 3
	}
	if cfg.AutoLoop.InjectionCooldownMS == 0 {
		cfg.AutoLoop.InjectionCooldownMS = 2000
	}
	if cfg.AutoLoop.DebounceMS == 0 {
		cfg.AutoLoop.DebounceMS = 1000
	}
	if cfg.AutoLoop.IdleReapIntervalMin == 0 {
		cfg.AutoLoop.IdleReapIntervalMin = 5
	}
	if cfg.AutoLoop.IdleThresholdMin == 0 {
		cfg.AutoLoop.IdleThresholdMin = 30
	}
	if cfg.Decision.TrustPassThreshold == 0 {
		cfg.Decision.TrustPassThreshold = 80
	}
	if cfg.Decision.MaxReworkRounds == 0 {
		cfg.Decision.MaxReworkRounds = 3
	}
}

func validate(cfg *RunConfigFile) error {
	if cfg.Version != 1 {
		return fmt.Errorf("unsupported config version: %d", cfg.Version)
	}
	if strings.TrimSpace(cfg.Durable.Root) == "" {
		return fmt.Errorf("durable.root is required")
	}
	if !filepath.IsAbs(cfg.Durable.Root) {
		return fmt.Errorf("durable.root must be absolute")
	}
	if cfg.Lock.TimeoutMS <= 0 {
		return fmt.Errorf("lock.timeout_ms must be > 0")
	}
	if cfg.Queue.MaxJobAttempts <= 0 {
		return fmt.Errorf("queue.max_job_attempts must be > 0")
	}
	if cfg.Queue.StaleClaimMS <= 0 {
		return fmt.Errorf("queue.stale_claim_ms must be > 0")
	}
	if cfg.Queue.HeartbeatIntervalMS <= 0 {
		return fmt.Errorf("queue.heartbeat_interval_ms must be > 0")
	}
	if cfg.Budgets.MaxCycles <= 0 || cfg.Budgets.MaxToolCalls <= 0 || cfg.Budgets.MaxTimeMinutes <= 0 || cfg.Budgets.MaxIterations <= 0 || cfg.Budgets.MaxAttempts <= 0 {
		return fmt.Errorf("budgets.* must all be > 0")
	}
	if cfg.Decision.TrustPassThreshold < 0 || cfg.Decision.TrustPassThreshold > 100 {
		return fmt.Errorf("decision.trust_pass_threshold must be in [0,100]")
	}
	if cfg.Decision.MaxReworkRounds <= 0 {
		return fmt.Errorf("decision.max_rework_rounds must be > 0")
	}
	return nil
}

// Default returns a RunConfigFile with durableRoot set and all other
// fields defaulted, skipping the round trip through YAML for callers
// (e.g. tests) that construct config programmatically.
func Default(durableRoot string) *RunConfigFile {
	cfg := &RunConfigFile{}
	cfg.Durable.Root = durableRoot
	applyDefaults(cfg)
	return cfg
}
