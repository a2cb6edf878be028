// File: internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"content-pipeline/internal/domain/model"

	"gopkg.in/yaml.v3"
)

type RuntimeConfig struct {
	Dev bool
}

type ServerConfig struct {
	Addr           string        `yaml:"addr"`
	APIToken       string        `yaml:"api_token"`  // static bearer token
	JWTSecret      string        `yaml:"jwt_secret"` // HS256 operator tokens
	CORSOrigins    []string      `yaml:"cors_origins"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	RateLimit      struct {
		Requests int           `yaml:"requests"` // per window per caller; 0 disables
		Window   time.Duration `yaml:"window"`
	} `yaml:"rate_limit"`
}

type LogConfig struct {
	Level    string `yaml:"level"`    // trace|debug|info|warn|error
	Format   string `yaml:"format"`   // json|console
	Sampling bool   `yaml:"sampling"` // enable sampling in prod
}

type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // postgres|memory
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"max_conns"`
	Migrate  bool   `yaml:"migrate"`
}

type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	URL      string        `yaml:"url"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"` // worker slot lease
}

type ArtifactsConfig struct {
	Root string `yaml:"root"`
}

type WorkerConfig struct {
	PollInterval      time.Duration `yaml:"poll_interval"`
	MaxStageDuration  time.Duration `yaml:"max_stage_duration"`
	GateCheckInterval time.Duration `yaml:"gate_check_interval"`
	// ReconcileInterval is how often the ledger is checked against the
	// event log after the startup pass. Defaults to a minute; a negative
	// value disables the periodic pass.
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	// RecoveryPolicy decides what happens to a job that was mid-stage when
	// the process stopped: "requeue" reruns the stage, "fail" fails the job.
	RecoveryPolicy string `yaml:"recovery_policy"`
	NotifyWorkers  int    `yaml:"notify_workers"`
	NotifyQueue    int    `yaml:"notify_queue"`
}

type EventsConfig struct {
	SubscriberBuffer int           `yaml:"subscriber_buffer"`
	Heartbeat        time.Duration `yaml:"heartbeat"`
}

type OutputConfig struct {
	Kind string `yaml:"kind"`
	Glob string `yaml:"glob"` // relative to the stage dir
}

type LLMStageConfig struct {
	Provider        string `yaml:"provider"` // openai|gemini|noop|auto; empty uses ai.provider
	Model           string `yaml:"model"`
	System          string `yaml:"system"`
	Prompt          string `yaml:"prompt"` // text/template over the job snapshot and inputs
	Output          string `yaml:"output"` // file name inside the stage dir
	Kind            string `yaml:"kind"`
	MaxPromptTokens int    `yaml:"max_prompt_tokens"`
	MaxTokens       int    `yaml:"max_tokens"`
}

type StageConfig struct {
	Name    string            `yaml:"name"`
	Kind    string            `yaml:"kind"` // command|llm
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	Inputs  []string          `yaml:"inputs"`
	Outputs []OutputConfig    `yaml:"outputs"`
	Timeout time.Duration     `yaml:"timeout"`
	LLM     LLMStageConfig    `yaml:"llm"`
}

type AIConfig struct {
	Provider        string `yaml:"provider"` // openai|gemini|noop|auto
	OpenAIKey       string `yaml:"openai_key"`
	OpenAIBaseURL   string `yaml:"openai_base_url"` // local OpenAI-compatible runtimes
	GeminiKey       string `yaml:"gemini_key"`
	GeminiURL       string `yaml:"gemini_url"`
	DefaultModel    string `yaml:"default_model"`
	ConcurrentLimit int    `yaml:"concurrent_limit"` // max concurrent AI calls
	// Models pins model names to a provider for the "auto" provider.
	Models map[string]string `yaml:"models"`
}

type TelegramConfig struct {
	Token   string  `yaml:"token"`
	ChatIDs []int64 `yaml:"chat_ids"`
	BaseURL string  `yaml:"base_url"` // operator UI link in messages
}

type NotifyConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

type Config struct {
	Server    ServerConfig                `yaml:"server"`
	Log       LogConfig                   `yaml:"log"`
	Database  DatabaseConfig              `yaml:"database"`
	Redis     RedisConfig                 `yaml:"redis"`
	Artifacts ArtifactsConfig             `yaml:"artifacts"`
	Worker    WorkerConfig                `yaml:"worker"`
	Events    EventsConfig                `yaml:"events"`
	Gates     map[string]model.GatePolicy `yaml:"gates"`
	Stages    []StageConfig               `yaml:"stages"`
	AI        AIConfig                    `yaml:"ai"`
	Notify    NotifyConfig                `yaml:"notify"`

	Runtime RuntimeConfig `yaml:"-"`
}

// LoadConfig reads the YAML file at path, expanding ${VAR} references from
// the environment, and applies defaults.
func LoadConfig(path string, dev bool) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b, dev)
}

// Parse is LoadConfig without the file read.
func Parse(b []byte, dev bool) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(b))), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	cfg.Runtime.Dev = dev
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.RequestTimeout <= 0 {
		c.Server.RequestTimeout = 30 * time.Second
	}
	if c.Server.RateLimit.Window <= 0 {
		c.Server.RateLimit.Window = time.Minute
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "postgres"
	}
	if c.Database.MaxConns <= 0 {
		c.Database.MaxConns = 8
	}
	c.Redis.TTL = normalizeTTL(c.Redis.TTL)
	if c.Artifacts.Root == "" {
		c.Artifacts.Root = "data/jobs"
	}
	if c.Worker.PollInterval <= 0 {
		c.Worker.PollInterval = 2 * time.Second
	}
	if c.Worker.MaxStageDuration <= 0 {
		c.Worker.MaxStageDuration = 30 * time.Minute
	}
	if c.Worker.GateCheckInterval <= 0 {
		c.Worker.GateCheckInterval = 15 * time.Second
	}
	if c.Worker.ReconcileInterval == 0 {
		c.Worker.ReconcileInterval = time.Minute
	}
	if c.Worker.RecoveryPolicy == "" {
		c.Worker.RecoveryPolicy = "requeue"
	}
	if c.Worker.NotifyWorkers <= 0 {
		c.Worker.NotifyWorkers = 2
	}
	if c.Worker.NotifyQueue <= 0 {
		c.Worker.NotifyQueue = 64
	}
	if c.Events.SubscriberBuffer <= 0 {
		c.Events.SubscriberBuffer = 64
	}
	if c.Events.Heartbeat <= 0 {
		c.Events.Heartbeat = 15 * time.Second
	}
	if c.AI.Provider == "" {
		c.AI.Provider = "noop"
	}
	if c.AI.ConcurrentLimit <= 0 {
		c.AI.ConcurrentLimit = 1
	}
	if c.AI.DefaultModel == "" {
		c.AI.DefaultModel = "gpt-4o-mini"
	}
	if len(c.Stages) == 0 {
		c.Stages = DefaultStages()
	}
	for i := range c.Stages {
		s := &c.Stages[i]
		if s.Kind == "" {
			s.Kind = "command"
		}
		if s.Kind == "llm" {
			if s.LLM.Output == "" {
				s.LLM.Output = s.Name + ".md"
			}
			if s.LLM.Kind == "" {
				s.LLM.Kind = s.Name
			}
		}
	}
}

// Validate performs the checks a misconfigured service cannot start without.
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "postgres":
		if c.Database.URL == "" {
			errs = append(errs, errors.New("database.url is required"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not supported", c.Database.Driver))
	}
	if c.Redis.Enabled && c.Redis.URL == "" {
		errs = append(errs, errors.New("redis.url is required when redis is enabled"))
	}
	if c.Server.APIToken == "" && c.Server.JWTSecret == "" {
		errs = append(errs, errors.New("server.api_token or server.jwt_secret is required"))
	}
	switch c.Worker.RecoveryPolicy {
	case "requeue", "fail":
	default:
		errs = append(errs, fmt.Errorf("worker.recovery_policy %q must be requeue or fail", c.Worker.RecoveryPolicy))
	}
	seen := map[string]bool{}
	for _, s := range c.Stages {
		if s.Name == "" {
			errs = append(errs, errors.New("stages: name is required"))
			continue
		}
		if seen[s.Name] {
			errs = append(errs, fmt.Errorf("stages: duplicate stage %q", s.Name))
		}
		seen[s.Name] = true
		switch s.Kind {
		case "command":
			if s.Command == "" {
				errs = append(errs, fmt.Errorf("stages.%s: command is required", s.Name))
			}
			if len(s.Outputs) == 0 {
				errs = append(errs, fmt.Errorf("stages.%s: at least one output is required", s.Name))
			}
		case "llm":
			if strings.TrimSpace(s.LLM.Prompt) == "" {
				errs = append(errs, fmt.Errorf("stages.%s: llm.prompt is required", s.Name))
			}
		default:
			errs = append(errs, fmt.Errorf("stages.%s: unknown kind %q", s.Name, s.Kind))
		}
	}
	for stage, p := range c.Gates {
		if !seen[stage] {
			errs = append(errs, fmt.Errorf("gates.%s: no such stage", stage))
		}
		if p.AutoApprove && p.TimeoutMinutes <= 0 {
			errs = append(errs, fmt.Errorf("gates.%s: auto_approve needs timeout_minutes", stage))
		}
	}
	return errors.Join(errs...)
}

// StageNames returns the configured pipeline order.
func (c *Config) StageNames() []string {
	out := make([]string, len(c.Stages))
	for i, s := range c.Stages {
		out[i] = s.Name
	}
	return out
}

func normalizeTTL(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Minute
	}
	return d
}
