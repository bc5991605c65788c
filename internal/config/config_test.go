package config

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Config", func() {
	var (
		tempDir    string
		configFile string
	)

	BeforeEach(func() {
		var err error
		tempDir, err = os.MkdirTemp("", "config-test")
		Expect(err).NotTo(HaveOccurred())
		configFile = filepath.Join(tempDir, "config.yaml")
	})

	AfterEach(func() {
		os.RemoveAll(tempDir)
	})

	Describe("Load", func() {
		Context("when config file exists with valid content", func() {
			BeforeEach(func() {
				validConfig := `
loop:
  mode: multi_epic
  max_iterations: 150
  token_budget: 2000000
  repo_root: /work/repo
  sprint_dir: /work/repo/.sprint
  boundary_timeout: 1h

runtime:
  provider: anthropic
  model: claude-sonnet-4
  max_tokens: 8192
  timeout: 2m

decision:
  max_no_progress: 4
  vrc_ship_ready_threshold: 0.85

guardrails:
  similarity_threshold: 0.8
  max_mid_loop_tasks: 10

monitor:
  velocity_alpha: 0.4
  monolith_lines: 400

lock:
  kind: redis
  redis_addr: "localhost:6379"
  redis_key: "loop:sprint-1"

storage:
  state_path: /work/repo/.sprint/state.json

audit:
  enabled: true

telemetry:
  enabled: true
  addr: ":9091"

logging:
  level: debug
  format: console
`
				err := os.WriteFile(configFile, []byte(validConfig), 0644)
				Expect(err).NotTo(HaveOccurred())
			})

			It("should load configuration successfully", func() {
				config, err := Load(configFile)
				Expect(err).NotTo(HaveOccurred())
				Expect(config).NotTo(BeNil())

				Expect(config.Loop.Mode).To(Equal(LoopModeMultiEpic))
				Expect(config.Loop.MaxIterations).To(Equal(150))
				Expect(config.Loop.TokenBudget).To(Equal(int64(2000000)))
				Expect(config.Loop.BoundaryTimeout).To(Equal(time.Hour))

				Expect(config.Runtime.Provider).To(Equal(RuntimeProviderAnthropic))
				Expect(config.Runtime.Model).To(Equal("claude-sonnet-4"))
				Expect(config.Runtime.MaxTokens).To(Equal(8192))
				Expect(config.Runtime.Timeout).To(Equal(2 * time.Minute))

				Expect(config.Decision.MaxNoProgress).To(Equal(4))
				Expect(config.Decision.VRCShipReadyThreshold).To(Equal(0.85))

				Expect(config.Guardrails.SimilarityThreshold).To(Equal(0.8))
				Expect(config.Guardrails.MaxMidLoopTasks).To(Equal(10))

				Expect(config.Monitor.VelocityAlpha).To(Equal(0.4))
				Expect(config.Monitor.MonolithLines).To(Equal(400))

				Expect(config.Lock.Kind).To(Equal(LockKindRedis))
				Expect(config.Lock.RedisAddr).To(Equal("localhost:6379"))
				Expect(config.Lock.RedisKey).To(Equal("loop:sprint-1"))

				Expect(config.Storage.StatePath).To(Equal("/work/repo/.sprint/state.json"))

				Expect(config.Audit.Enabled).To(BeTrue())
				Expect(config.Telemetry.Enabled).To(BeTrue())
				Expect(config.Telemetry.Addr).To(Equal(":9091"))

				Expect(config.Logging.Level).To(Equal("debug"))
				Expect(config.Logging.Format).To(Equal("console"))
			})
		})

		Context("when config file has minimal content", func() {
			BeforeEach(func() {
				minimalConfig := `
runtime:
  provider: anthropic
`
				err := os.WriteFile(configFile, []byte(minimalConfig), 0644)
				Expect(err).NotTo(HaveOccurred())
			})

			It("should load with defaults for missing values", func() {
				config, err := Load(configFile)
				Expect(err).NotTo(HaveOccurred())

				Expect(config.Loop.Mode).To(Equal(LoopModeSingleRun))
				Expect(config.Loop.MaxIterations).To(Equal(200))
				Expect(config.Decision.VRCShipReadyThreshold).To(Equal(0.9))
				Expect(config.Guardrails.SimilarityThreshold).To(Equal(0.75))
				Expect(config.Monitor.VelocityAlpha).To(Equal(0.3))
				Expect(config.Lock.Kind).To(Equal(LockKindFile))
				Expect(config.Storage.StatePath).To(Equal(".loop-state.json"))
			})
		})

		Context("when config file does not exist", func() {
			It("should return an error", func() {
				_, err := Load("/nonexistent/config.yaml")
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("failed to read config file"))
			})
		})

		Context("when config file has invalid YAML", func() {
			BeforeEach(func() {
				invalidConfig := `
loop:
  max_iterations: 10
  invalid_yaml: [
runtime:
  provider: anthropic
`
				err := os.WriteFile(configFile, []byte(invalidConfig), 0644)
				Expect(err).NotTo(HaveOccurred())
			})

			It("should return an error", func() {
				_, err := Load(configFile)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("failed to parse config file"))
			})
		})

		Context("when config has invalid duration formats", func() {
			BeforeEach(func() {
				invalidDurationConfig := `
loop:
  boundary_timeout: "not-a-duration"
runtime:
  provider: anthropic
`
				err := os.WriteFile(configFile, []byte(invalidDurationConfig), 0644)
				Expect(err).NotTo(HaveOccurred())
			})

			It("should return an error", func() {
				_, err := Load(configFile)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("failed to parse config file"))
			})
		})

		Context("when audit is enabled without a DSN", func() {
			BeforeEach(func() {
				cfg := `
runtime:
  provider: anthropic
audit:
  enabled: true
`
				err := os.WriteFile(configFile, []byte(cfg), 0644)
				Expect(err).NotTo(HaveOccurred())
			})

			It("should return a validation error", func() {
				_, err := Load(configFile)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("audit.dsn is required"))
			})
		})
	})

	Describe("validate", func() {
		var config *Config

		BeforeEach(func() {
			config = &Config{
				Loop: LoopConfig{
					Mode:          LoopModeSingleRun,
					MaxIterations: 100,
				},
				Runtime: RuntimeConfig{
					Provider: RuntimeProviderAnthropic,
				},
				Decision: DecisionConfig{
					VRCShipReadyThreshold: 0.9,
				},
				Guardrails: GuardrailsConfig{
					SimilarityThreshold: 0.75,
				},
				Lock: LockConfig{
					Kind: LockKindFile,
				},
			}
		})

		Context("when config is valid", func() {
			It("should pass validation", func() {
				Expect(validate(config)).NotTo(HaveOccurred())
			})
		})

		Context("when runtime provider is invalid", func() {
			BeforeEach(func() {
				config.Runtime.Provider = "invalid"
			})

			It("should return a validation error", func() {
				err := validate(config)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("unsupported runtime provider"))
			})
		})

		Context("when lock kind is redis without an address", func() {
			BeforeEach(func() {
				config.Lock.Kind = LockKindRedis
				config.Lock.RedisAddr = ""
			})

			It("should return a validation error", func() {
				err := validate(config)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("lock.redis_addr is required"))
			})
		})

		Context("when loop mode is invalid", func() {
			BeforeEach(func() {
				config.Loop.Mode = "sometimes"
			})

			It("should return a validation error", func() {
				err := validate(config)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("unsupported loop mode"))
			})
		})

		Context("when max iterations is zero", func() {
			BeforeEach(func() {
				config.Loop.MaxIterations = 0
			})

			It("should return a validation error", func() {
				err := validate(config)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("max_iterations must be greater than 0"))
			})
		})

		Context("when the VRC threshold is out of range", func() {
			BeforeEach(func() {
				config.Decision.VRCShipReadyThreshold = 1.5
			})

			It("should return a validation error", func() {
				err := validate(config)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("vrc_ship_ready_threshold must be between 0.0 and 1.0"))
			})
		})

		Context("when the similarity threshold is out of range", func() {
			BeforeEach(func() {
				config.Guardrails.SimilarityThreshold = -0.1
			})

			It("should return a validation error", func() {
				err := validate(config)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("similarity_threshold must be between 0.0 and 1.0"))
			})
		})
	})

	Describe("loadFromEnv", func() {
		var config *Config

		BeforeEach(func() {
			config = &Config{}
			os.Clearenv()
		})

		AfterEach(func() {
			os.Clearenv()
		})

		Context("when environment variables are set", func() {
			BeforeEach(func() {
				os.Setenv("ORCH_RUNTIME_API_KEY", "sk-test-key")
				os.Setenv("ORCH_AUDIT_DSN", "postgres://localhost/orchestrator")
				os.Setenv("ORCH_SLACK_TOKEN", "xoxb-test")
				os.Setenv("ORCH_LOCK_REDIS_ADDR", "redis:6379")
				os.Setenv("ORCH_LOG_LEVEL", "debug")
				os.Setenv("ORCH_TELEMETRY_ADDR", ":9999")
				os.Setenv("ORCH_AUDIT_ENABLED", "true")
			})

			It("should load values from environment", func() {
				err := loadFromEnv(config)
				Expect(err).NotTo(HaveOccurred())

				Expect(config.Runtime.APIKey).To(Equal("sk-test-key"))
				Expect(config.Audit.DSN).To(Equal("postgres://localhost/orchestrator"))
				Expect(config.HumanLoop.SlackToken).To(Equal("xoxb-test"))
				Expect(config.Lock.RedisAddr).To(Equal("redis:6379"))
				Expect(config.Logging.Level).To(Equal("debug"))
				Expect(config.Telemetry.Addr).To(Equal(":9999"))
				Expect(config.Audit.Enabled).To(BeTrue())
			})
		})

		Context("when ORCH_AUDIT_ENABLED is not a valid bool", func() {
			BeforeEach(func() {
				os.Setenv("ORCH_AUDIT_ENABLED", "sort-of")
			})

			It("should return an error", func() {
				err := loadFromEnv(config)
				Expect(err).To(HaveOccurred())
			})
		})

		Context("when no environment variables are set", func() {
			It("should not modify config", func() {
				originalConfig := *config
				err := loadFromEnv(config)
				Expect(err).NotTo(HaveOccurred())
				Expect(*config).To(Equal(originalConfig))
			})
		})
	})
})
