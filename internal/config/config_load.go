package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a RuntimeConfig populated with the defaults named
// throughout spec.md §4 and §6.
func Default() *RuntimeConfig {
	return &RuntimeConfig{
		Routing:      RoutingConfig{Model: ""},
		DefaultModel: "claude-sonnet-4-5-20250929",
		Scheduler: SchedulerConfig{
			PollIntervalMs:  60_000,
			TaskMaxRetries:  5,
			TaskRetryBaseMs: 30_000,
			TaskRetryMaxMs:  30 * 60_000,
		},
		Container: ContainerConfig{
			TimeoutMs:    5 * 60_000,
			PidsLimit:    256,
			MemoryMB:     1024,
			CPUs:         1,
			ReadOnlyRoot: true,
			TmpfsSizeMB:  64,
			RunUID:       1000,
			RunGID:       1000,
		},
		Concurrency: ConcurrencyConfig{
			MaxAgents:      8,
			QueueTimeoutMs: 0,
			WarmStart:      false,
		},
		Memory: MemoryConfig{
			Recall: MemoryRecallConfig{MaxResults: 12, MaxTokens: 4000},
			Embeddings: MemoryEmbeddingsConfig{
				Enabled:         false,
				Weight:          0.6,
				QueryCacheTtlMs: 5 * 60_000,
				MaxCandidates:   500,
				MinItems:        20,
				MinQueryChars:   3,
				IntervalMs:      60_000,
				MaxBacklog:      200,
			},
			Maintenance: MemoryMaintenanceConfig{
				MaxItems:                 20_000,
				PruneImportanceThreshold: 0.2,
				VacuumEnabled:            true,
				VacuumIntervalDays:       7,
			},
		},
		BackgroundJobs: BackgroundJobsConfig{
			Enabled:            true,
			PollIntervalMs:     2_000,
			MaxConcurrent:      4,
			MaxRuntimeMs:       30 * 60_000,
			MaxToolSteps:       40,
			InlineMaxChars:     8_000,
			ContextModeDefault: "isolated",
			AutoSpawn:          AutoSpawnConfig{Enabled: false},
		},
		Failover: FailoverConfig{
			MaxRetries:                3,
			CooldownRateLimitMs:       60_000,
			CooldownTransientMs:       30_000,
			CooldownInvalidResponseMs: 120_000,
		},
		Streaming: StreamingConfig{
			ChunkFlushIntervalMs: 200,
			EditIntervalMs:       900,
			MaxEditLength:        3500,
		},
		Progress: ProgressConfig{
			Enabled:      true,
			StartDelayMs: 15_000,
			IntervalMs:   20_000,
			MaxUpdates:   4,
		},
		Tools: ToolsPolicyConfig{},
		Maintenance: MaintenanceConfig{
			IntervalMs:             6 * 60 * 60_000,
			TraceRetentionDays:     30,
			IPCOrphanRetentionMs:   5 * 60_000,
			IPCErrorRetentionMs:    24 * 60 * 60_000,
			JobRetentionMs:         24 * 60 * 60_000,
			TaskLogRetentionMs:     24 * 60 * 60_000,
			ToolAuditRetentionDays: 30,
			WorkflowRetentionDays:  90,
			CIDTempRetentionMs:     60 * 60_000,
			SessionSnapshotRetDays: 7,
		},
		Orchestration: OrchestrationConfig{
			PollIntervalMs:   2_000,
			DefaultTimeoutMs: 600_000,
		},
	}
}

// Load reads the runtime config JSON5 file, deep-merges it over
// Default(), applies environment overrides, and computes derived
// fields — matching the teacher's Load() in
// internal/config/config_load.go.
func Load(path string) (*RuntimeConfig, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(cfg)
			applyComputedDefaults(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	var raw map[string]any
	if err := json5.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	defaultsRaw, err := toGenericMap(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode defaults: %w", err)
	}

	merged := DeepMerge(defaultsRaw, raw)

	if err := fromGenericMap(merged, cfg); err != nil {
		return nil, fmt.Errorf("decode merged config: %w", err)
	}

	applyEnvOverrides(cfg)
	applyComputedDefaults(cfg)
	return cfg, nil
}

// applyEnvOverrides overlays DOTCLAW_* environment variables, matching
// the teacher's envStr/envInt helper shape in applyEnvOverrides().
func applyEnvOverrides(c *RuntimeConfig) {
	c.lock()
	defer c.unlock()

	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}
	envFloat := func(key string, dst *float64) {
		if v := os.Getenv(key); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			}
		}
	}

	envStr("DOTCLAW_DEFAULT_MODEL", &c.DefaultModel)
	envStr("DOTCLAW_ROUTING_MODEL", &c.Routing.Model)

	envInt("DOTCLAW_SCHEDULER_POLL_INTERVAL_MS", &c.Scheduler.PollIntervalMs)
	envInt("DOTCLAW_SCHEDULER_TASK_MAX_RETRIES", &c.Scheduler.TaskMaxRetries)
	envInt("DOTCLAW_SCHEDULER_TASK_RETRY_BASE_MS", &c.Scheduler.TaskRetryBaseMs)
	envInt("DOTCLAW_SCHEDULER_TASK_RETRY_MAX_MS", &c.Scheduler.TaskRetryMaxMs)

	envInt("DOTCLAW_CONTAINER_TIMEOUT_MS", &c.Container.TimeoutMs)
	envInt("DOTCLAW_CONTAINER_PIDS_LIMIT", &c.Container.PidsLimit)
	envInt("DOTCLAW_CONTAINER_MEMORY_MB", &c.Container.MemoryMB)
	envFloat("DOTCLAW_CONTAINER_CPUS", &c.Container.CPUs)
	envBool("DOTCLAW_CONTAINER_READ_ONLY_ROOT", &c.Container.ReadOnlyRoot)

	envInt("DOTCLAW_CONCURRENCY_MAX_AGENTS", &c.Concurrency.MaxAgents)
	envInt("DOTCLAW_CONCURRENCY_QUEUE_TIMEOUT_MS", &c.Concurrency.QueueTimeoutMs)
	envBool("DOTCLAW_CONCURRENCY_WARM_START", &c.Concurrency.WarmStart)

	envInt("DOTCLAW_MEMORY_RECALL_MAX_RESULTS", &c.Memory.Recall.MaxResults)
	envInt("DOTCLAW_MEMORY_RECALL_MAX_TOKENS", &c.Memory.Recall.MaxTokens)
	envBool("DOTCLAW_MEMORY_EMBEDDINGS_ENABLED", &c.Memory.Embeddings.Enabled)
	envFloat("DOTCLAW_MEMORY_EMBEDDINGS_WEIGHT", &c.Memory.Embeddings.Weight)

	envBool("DOTCLAW_BACKGROUND_JOBS_ENABLED", &c.BackgroundJobs.Enabled)
	envInt("DOTCLAW_BACKGROUND_JOBS_POLL_INTERVAL_MS", &c.BackgroundJobs.PollIntervalMs)
	envInt("DOTCLAW_BACKGROUND_JOBS_MAX_CONCURRENT", &c.BackgroundJobs.MaxConcurrent)
	envInt("DOTCLAW_BACKGROUND_JOBS_INLINE_MAX_CHARS", &c.BackgroundJobs.InlineMaxChars)

	envInt("DOTCLAW_FAILOVER_MAX_RETRIES", &c.Failover.MaxRetries)
	envInt("DOTCLAW_FAILOVER_COOLDOWN_RATE_LIMIT_MS", &c.Failover.CooldownRateLimitMs)
	envInt("DOTCLAW_FAILOVER_COOLDOWN_TRANSIENT_MS", &c.Failover.CooldownTransientMs)
	envInt("DOTCLAW_FAILOVER_COOLDOWN_INVALID_RESPONSE_MS", &c.Failover.CooldownInvalidResponseMs)

	envInt("DOTCLAW_STREAMING_CHUNK_FLUSH_INTERVAL_MS", &c.Streaming.ChunkFlushIntervalMs)
	envInt("DOTCLAW_STREAMING_EDIT_INTERVAL_MS", &c.Streaming.EditIntervalMs)
	envInt("DOTCLAW_STREAMING_MAX_EDIT_LENGTH", &c.Streaming.MaxEditLength)

	if v := os.Getenv("DOTCLAW_FAILOVER_MODEL_CHAIN"); v != "" {
		c.Failover.ModelChain = strings.Split(v, ",")
	}

	envInt("DOTCLAW_MAINTENANCE_INTERVAL_MS", &c.Maintenance.IntervalMs)
	envInt("DOTCLAW_MAINTENANCE_JOB_RETENTION_MS", &c.Maintenance.JobRetentionMs)
	envInt("DOTCLAW_MAINTENANCE_TASK_LOG_RETENTION_MS", &c.Maintenance.TaskLogRetentionMs)
}

// DisableFailoverCooldownPersistenceEnv is the env var name that
// disables on-disk cooldown persistence, per spec.md §6.
const DisableFailoverCooldownPersistenceEnv = "DOTCLAW_DISABLE_FAILOVER_COOLDOWN_PERSISTENCE"

// FailoverCooldownPersistenceDisabled reports whether the disable-env
// var is set, matching spec.md's <PROJECT>_DISABLE_FAILOVER_COOLDOWN_PERSISTENCE=1.
func FailoverCooldownPersistenceDisabled() bool {
	v := os.Getenv(DisableFailoverCooldownPersistenceEnv)
	return v == "1" || v == "true"
}

// applyComputedDefaults derives fields that depend on other
// already-resolved fields, matching spec.md §4.15's telegram.handlerTimeoutMs
// rule and the teacher's applyContextPruningDefaults() pattern.
func applyComputedDefaults(c *RuntimeConfig) {
	c.lock()
	defer c.unlock()
	if c.Telegram.HandlerTimeoutMs == 0 {
		floor := c.Container.TimeoutMs + 30_000
		if floor < 120_000 {
			floor = 120_000
		}
		c.Telegram.HandlerTimeoutMs = floor
	}
}
