// Package config loads and validates the driver's composition-root
// configuration: the thresholds each pkg/decision, pkg/guardrails and
// pkg/monitor Config needs, the loop's own iteration/budget caps, and
// the storage/lock/audit/telemetry/runtime knobs cmd/loopctl wires
// into concrete implementations.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// LoopMode selects single_run vs multi_epic composition at cmd/loopctl.
type LoopMode string

const (
	LoopModeSingleRun LoopMode = "single_run"
	LoopModeMultiEpic LoopMode = "multi_epic"
)

// LockKind selects the pkg/lock implementation.
type LockKind string

const (
	LockKindFile  LockKind = "file"
	LockKindRedis LockKind = "redis"
)

// RuntimeProvider selects the pkg/agent runtime implementation.
type RuntimeProvider string

const (
	RuntimeProviderAnthropic RuntimeProvider = "anthropic"
	RuntimeProviderBedrock   RuntimeProvider = "bedrock"
	RuntimeProviderHTTP      RuntimeProvider = "http"
)

// Config is the top-level document cmd/loopctl loads at startup.
type Config struct {
	Loop       LoopConfig       `yaml:"loop"`
	Runtime    RuntimeConfig    `yaml:"runtime"`
	Decision   DecisionConfig   `yaml:"decision"`
	Guardrails GuardrailsConfig `yaml:"guardrails"`
	Monitor    MonitorConfig    `yaml:"monitor"`
	Breaker    BreakerConfig    `yaml:"breaker"`
	Lock       LockConfig       `yaml:"lock"`
	Storage    StorageConfig    `yaml:"storage"`
	Audit      AuditConfig      `yaml:"audit"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	HumanLoop  HumanLoopConfig  `yaml:"human_loop"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// LoopConfig holds the value loop's own iteration/budget caps and
// the epic-boundary policy when Mode is multi_epic.
type LoopConfig struct {
	Mode            LoopMode      `yaml:"mode"`
	SprintID        string        `yaml:"sprint_id"`
	MaxIterations   int           `yaml:"max_iterations"`
	TokenBudget     int64         `yaml:"token_budget"`
	RepoRoot        string        `yaml:"repo_root"`
	SprintDir       string        `yaml:"sprint_dir"`
	PromptsDir      string        `yaml:"prompts_dir"`
	BoundaryTimeout time.Duration `yaml:"boundary_timeout"`
}

// RuntimeConfig selects and parameterizes the pkg/agent runtime.
// APIKey is never read from YAML; cmd/loopctl resolves it from the
// environment so credentials never round-trip through a config file.
type RuntimeConfig struct {
	Provider  RuntimeProvider `yaml:"provider"`
	Model     string          `yaml:"model"`
	MaxTokens int             `yaml:"max_tokens"`
	Endpoint  string          `yaml:"endpoint"`
	Timeout   time.Duration   `yaml:"timeout"`
	APIKey    string          `yaml:"-"`
}

// DecisionConfig mirrors pkg/decision.Config's fields so it can be
// parsed from YAML; cmd/loopctl copies it field-by-field into a
// decision.Config when it builds the driver's dependencies.
type DecisionConfig struct {
	MaxNoProgress              int     `yaml:"max_no_progress"`
	MaxCourseCorrections       int     `yaml:"max_course_corrections"`
	GenerateVerificationsAfter int     `yaml:"generate_verifications_after"`
	MaxFixAttempts             int     `yaml:"max_fix_attempts"`
	CriticalEvalInterval       int     `yaml:"critical_eval_interval"`
	VRCShipReadyThreshold      float64 `yaml:"vrc_ship_ready_threshold"`
}

// GuardrailsConfig mirrors pkg/guardrails.Config's fields.
type GuardrailsConfig struct {
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	MaxMidLoopTasks     int     `yaml:"max_mid_loop_tasks"`
	MaxDescriptionChars int     `yaml:"max_description_chars"`
	MaxExpectedFiles    int     `yaml:"max_expected_files"`
}

// MonitorConfig mirrors pkg/monitor.Config's fields.
type MonitorConfig struct {
	VelocityAlpha        float64 `yaml:"velocity_alpha"`
	MonolithLines        int     `yaml:"monolith_lines"`
	LongFunctionLines    int     `yaml:"long_function_lines"`
	RapidGrowthPct       float64 `yaml:"rapid_growth_pct"`
	ConcentrationPct     float64 `yaml:"concentration_pct"`
	DuplicateMinLines    int     `yaml:"duplicate_min_lines"`
	MaxDuplicateTasks    int     `yaml:"max_duplicate_tasks"`
	LowTestRatioFloor    float64 `yaml:"low_test_ratio_floor"`
	MinIterations        int     `yaml:"min_iterations"`
	ChurnYellowCount     int     `yaml:"churn_yellow_count"`
	ChurnRedCount        int     `yaml:"churn_red_count"`
	ErrorRecurrenceRed   int     `yaml:"error_recurrence_red"`
	BudgetNearExhaustion float64 `yaml:"budget_near_exhaustion"`
}

// BreakerConfig mirrors pkg/agent/breaker.Config's fields.
type BreakerConfig struct {
	MaxConsecutiveFailures uint32        `yaml:"max_consecutive_failures"`
	OpenTimeout            time.Duration `yaml:"open_timeout"`
	MaxRetries             int           `yaml:"max_retries"`
	InitialBackoff         time.Duration `yaml:"initial_backoff"`
}

// LockConfig selects between pkg/lock's file and redis implementations.
type LockConfig struct {
	Kind      LockKind      `yaml:"kind"`
	Path      string        `yaml:"path"`
	RedisAddr string        `yaml:"redis_addr"`
	RedisKey  string        `yaml:"redis_key"`
	TTL       time.Duration `yaml:"ttl"`
}

// StorageConfig points at the pkg/loopstate.Store file path.
type StorageConfig struct {
	StatePath string `yaml:"state_path"`
}

// AuditConfig optionally enables the pkg/audit write-behind mirror.
// DSN is never read from YAML for the same reason as RuntimeConfig.APIKey.
// Driver selects the database/sql driver name the DSN was opened
// with: "postgres" for lib/pq, or "pgx" for jackc/pgx/v5's stdlib
// adapter.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	Driver  string `yaml:"driver"`
	DSN     string `yaml:"-"`
}

// TelemetryConfig optionally enables the pkg/telemetry HTTP surface.
type TelemetryConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// HumanLoopConfig selects the pkg/humanloop notifier.
type HumanLoopConfig struct {
	SlackChannel string `yaml:"slack_channel"`
	SlackToken   string `yaml:"-"`
}

// LoggingConfig controls the zap/logr sink cmd/loopctl builds.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads, parses and validates a config file, then layers
// environment variable overrides for the secrets that are never
// read from YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := &Config{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(config)

	if err := loadFromEnv(config); err != nil {
		return nil, err
	}

	if err := validate(config); err != nil {
		return nil, err
	}

	return config, nil
}

// applyDefaults fills in the documented thresholds for any
// field left at its YAML zero value, mirroring each component's own
// DefaultConfig so a minimal config file still runs a full sprint.
func applyDefaults(c *Config) {
	if c.Loop.Mode == "" {
		c.Loop.Mode = LoopModeSingleRun
	}
	if c.Loop.SprintID == "" {
		c.Loop.SprintID = "sprint-1"
	}
	if c.Loop.PromptsDir == "" {
		c.Loop.PromptsDir = "prompts"
	}
	if c.Loop.MaxIterations == 0 {
		c.Loop.MaxIterations = 200
	}
	if c.Loop.BoundaryTimeout == 0 {
		c.Loop.BoundaryTimeout = 24 * time.Hour
	}
	if c.Runtime.Provider == "" {
		c.Runtime.Provider = RuntimeProviderAnthropic
	}
	if c.Runtime.MaxTokens == 0 {
		c.Runtime.MaxTokens = 4096
	}

	if c.Decision.MaxNoProgress == 0 {
		c.Decision.MaxNoProgress = 5
	}
	if c.Decision.MaxCourseCorrections == 0 {
		c.Decision.MaxCourseCorrections = 3
	}
	if c.Decision.GenerateVerificationsAfter == 0 {
		c.Decision.GenerateVerificationsAfter = 3
	}
	if c.Decision.MaxFixAttempts == 0 {
		c.Decision.MaxFixAttempts = 3
	}
	if c.Decision.CriticalEvalInterval == 0 {
		c.Decision.CriticalEvalInterval = 10
	}
	if c.Decision.VRCShipReadyThreshold == 0 {
		c.Decision.VRCShipReadyThreshold = 0.9
	}

	if c.Guardrails.SimilarityThreshold == 0 {
		c.Guardrails.SimilarityThreshold = 0.75
	}
	if c.Guardrails.MaxMidLoopTasks == 0 {
		c.Guardrails.MaxMidLoopTasks = 15
	}
	if c.Guardrails.MaxDescriptionChars == 0 {
		c.Guardrails.MaxDescriptionChars = 600
	}
	if c.Guardrails.MaxExpectedFiles == 0 {
		c.Guardrails.MaxExpectedFiles = 5
	}

	if c.Monitor.VelocityAlpha == 0 {
		c.Monitor.VelocityAlpha = 0.3
	}
	if c.Monitor.MonolithLines == 0 {
		c.Monitor.MonolithLines = 500
	}
	if c.Monitor.LongFunctionLines == 0 {
		c.Monitor.LongFunctionLines = 50
	}
	if c.Monitor.RapidGrowthPct == 0 {
		c.Monitor.RapidGrowthPct = 0.5
	}
	if c.Monitor.ConcentrationPct == 0 {
		c.Monitor.ConcentrationPct = 0.6
	}
	if c.Monitor.DuplicateMinLines == 0 {
		c.Monitor.DuplicateMinLines = 8
	}
	if c.Monitor.MaxDuplicateTasks == 0 {
		c.Monitor.MaxDuplicateTasks = 5
	}
	if c.Monitor.LowTestRatioFloor == 0 {
		c.Monitor.LowTestRatioFloor = 0.5
	}
	if c.Monitor.MinIterations == 0 {
		c.Monitor.MinIterations = 3
	}
	if c.Monitor.ChurnYellowCount == 0 {
		c.Monitor.ChurnYellowCount = 2
	}
	if c.Monitor.ChurnRedCount == 0 {
		c.Monitor.ChurnRedCount = 4
	}
	if c.Monitor.ErrorRecurrenceRed == 0 {
		c.Monitor.ErrorRecurrenceRed = 3
	}
	if c.Monitor.BudgetNearExhaustion == 0 {
		c.Monitor.BudgetNearExhaustion = 0.95
	}

	if c.Breaker.MaxConsecutiveFailures == 0 {
		c.Breaker.MaxConsecutiveFailures = 5
	}
	if c.Breaker.OpenTimeout == 0 {
		c.Breaker.OpenTimeout = 30 * time.Second
	}
	if c.Breaker.MaxRetries == 0 {
		c.Breaker.MaxRetries = 3
	}
	if c.Breaker.InitialBackoff == 0 {
		c.Breaker.InitialBackoff = 2 * time.Second
	}

	if c.Lock.Kind == "" {
		c.Lock.Kind = LockKindFile
	}
	if c.Lock.Path == "" {
		c.Lock.Path = ".loop.lock"
	}
	if c.Lock.TTL == 0 {
		c.Lock.TTL = 30 * time.Second
	}

	if c.Storage.StatePath == "" {
		c.Storage.StatePath = ".loop-state.json"
	}

	if c.Audit.Driver == "" {
		c.Audit.Driver = "postgres"
	}

	if c.Telemetry.Addr == "" {
		c.Telemetry.Addr = ":9090"
	}
	if len(c.Telemetry.AllowedOrigins) == 0 {
		c.Telemetry.AllowedOrigins = []string{"*"}
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// validate rejects configurations the driver could not run safely:
// an unknown runtime/lock selection, or a threshold outside the
// range the components it feeds actually accept.
func validate(c *Config) error {
	switch c.Runtime.Provider {
	case RuntimeProviderAnthropic, RuntimeProviderBedrock, RuntimeProviderHTTP:
	default:
		return fmt.Errorf("unsupported runtime provider: %s", c.Runtime.Provider)
	}

	switch c.Lock.Kind {
	case LockKindFile:
	case LockKindRedis:
		if c.Lock.RedisAddr == "" {
			return fmt.Errorf("lock.redis_addr is required when lock.kind is redis")
		}
	default:
		return fmt.Errorf("unsupported lock kind: %s", c.Lock.Kind)
	}

	switch c.Loop.Mode {
	case LoopModeSingleRun, LoopModeMultiEpic:
	default:
		return fmt.Errorf("unsupported loop mode: %s", c.Loop.Mode)
	}

	if c.Loop.MaxIterations <= 0 {
		return fmt.Errorf("loop.max_iterations must be greater than 0")
	}

	if c.Decision.VRCShipReadyThreshold < 0.0 || c.Decision.VRCShipReadyThreshold > 1.0 {
		return fmt.Errorf("decision.vrc_ship_ready_threshold must be between 0.0 and 1.0")
	}

	if c.Guardrails.SimilarityThreshold < 0.0 || c.Guardrails.SimilarityThreshold > 1.0 {
		return fmt.Errorf("guardrails.similarity_threshold must be between 0.0 and 1.0")
	}

	if c.Audit.Enabled && c.Audit.DSN == "" {
		return fmt.Errorf("audit.dsn is required when audit.enabled is true (set via ORCH_AUDIT_DSN)")
	}
	switch c.Audit.Driver {
	case "postgres", "pgx":
	default:
		return fmt.Errorf("unsupported audit driver: %s", c.Audit.Driver)
	}

	return nil
}

// loadFromEnv layers environment variable overrides on top of the
// parsed file, for the secrets RuntimeConfig.APIKey, AuditConfig.DSN
// and HumanLoopConfig.SlackToken never accept from YAML, plus the
// handful of operational knobs operators commonly override per
// deployment without editing the checked-in config file.
func loadFromEnv(c *Config) error {
	if v := os.Getenv("ORCH_RUNTIME_API_KEY"); v != "" {
		c.Runtime.APIKey = v
	}
	if v := os.Getenv("ORCH_AUDIT_DSN"); v != "" {
		c.Audit.DSN = v
	}
	if v := os.Getenv("ORCH_SLACK_TOKEN"); v != "" {
		c.HumanLoop.SlackToken = v
	}
	if v := os.Getenv("ORCH_LOCK_REDIS_ADDR"); v != "" {
		c.Lock.RedisAddr = v
	}
	if v := os.Getenv("ORCH_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("ORCH_TELEMETRY_ADDR"); v != "" {
		c.Telemetry.Addr = v
	}
	if v := os.Getenv("ORCH_AUDIT_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("failed to parse ORCH_AUDIT_ENABLED: %w", err)
		}
		c.Audit.Enabled = enabled
	}
	return nil
}
