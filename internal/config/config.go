// Package config loads and validates the engine's static configuration.
// Configuration is YAML, checked against an embedded JSON schema before
// decoding, then overridable through ENGRAM_* environment variables.
// Options are loaded once at startup; there is no hot-reload.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hikarudo/engram/common/environment"
	"github.com/hikarudo/engram/internal/trigger"
)

// Config is the complete engine configuration.
type Config struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// DatabasePath is the local SQLite file backing the sync outbox.
	DatabasePath string `yaml:"database_path"`

	Buffer     BufferConfig     `yaml:"buffer"`
	Triggers   TriggerConfig    `yaml:"triggers"`
	Store      StoreConfig      `yaml:"store"`
	Outbox     OutboxConfig     `yaml:"outbox"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Server     ServerConfig     `yaml:"server"`
}

type BufferConfig struct {
	// Capacity is the per-session ring size. Default: 20.
	Capacity int `yaml:"capacity"`
	// MinSubstantiveLength is the character count below which a message is
	// noise for the conversation-length rule. Default: 10.
	MinSubstantiveLength int `yaml:"min_substantive_length"`
}

type TriggerConfig struct {
	AutoSaveThreshold         float64  `yaml:"auto_save_threshold"`
	SemanticThreshold         float64  `yaml:"semantic_threshold"`
	ConversationLengthTrigger int      `yaml:"conversation_length_trigger"`
	CooldownSeconds           float64  `yaml:"trigger_cooldown_seconds"`
	GlobalPerMinute           int      `yaml:"global_per_minute"`
	ImportanceVocabulary      []string `yaml:"importance_vocabulary"`

	Rules []RuleConfig `yaml:"rules"`
}

// RuleConfig is the YAML form of one trigger rule.
type RuleConfig struct {
	Name            string   `yaml:"name"`
	Kind            string   `yaml:"kind"`
	Keywords        []string `yaml:"keywords"`
	Pattern         string   `yaml:"pattern"`
	Threshold       float64  `yaml:"threshold"`
	MinMessages     int      `yaml:"min_messages"`
	IntervalSeconds float64  `yaml:"interval_seconds"`
	Action          string   `yaml:"action"`
	Priority        int      `yaml:"priority"`
	CooldownSeconds float64  `yaml:"cooldown_seconds"`
	Urgent          bool     `yaml:"urgent"`
	Confidence      float64  `yaml:"confidence"`
}

type StoreConfig struct {
	// Backend selects the remote store: memory, chromem, or pgvector.
	Backend string `yaml:"backend"`
	// Path is the chromem persistence directory.
	Path string `yaml:"path"`
	// DSN is the pgvector connection string.
	DSN string `yaml:"dsn"`
	// Dimensions is the embedding vector size. Default: 1536.
	Dimensions int `yaml:"dimensions"`

	DefaultProject   string  `yaml:"default_project"`
	SearchLimit      int     `yaml:"search_limit"`
	SearchThreshold  float64 `yaml:"search_threshold"`
	MaxContentLength int     `yaml:"max_content_length"`
	CacheSize        int     `yaml:"cache_size"`
	CacheTTLSeconds  float64 `yaml:"cache_ttl_seconds"`
}

type OutboxConfig struct {
	MaxAttempts        int     `yaml:"max_attempts"`
	BatchSize          int     `yaml:"batch_size"`
	BaseDelaySeconds   float64 `yaml:"base_delay_seconds"`
	MaxDelaySeconds    float64 `yaml:"max_delay_seconds"`
	DrainIntervalSecs  float64 `yaml:"drain_interval_seconds"`
	AttemptTimeoutSecs float64 `yaml:"attempt_timeout_seconds"`
}

type EmbeddingConfig struct {
	// Provider selects the embedding collaborator: openai, mock, or none.
	Provider string `yaml:"provider"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
	Model    string `yaml:"model"`
}

type ClassifierConfig struct {
	// Enabled switches hybrid mode on. The engine runs deterministic-only
	// when disabled or when the collaborator is unreachable.
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

type ServerConfig struct {
	// Socket is the unix socket path for the API server; empty means
	// stdio transport.
	Socket string `yaml:"socket"`
}

// Default returns the configuration used when no file is given. It carries
// a workable rule set so the engine triggers out of the box.
func Default() Config {
	return Config{
		LogLevel:     "info",
		LogFormat:    "text",
		DatabasePath: "engram.db",
		Buffer: BufferConfig{
			Capacity:             20,
			MinSubstantiveLength: 10,
		},
		Triggers: TriggerConfig{
			AutoSaveThreshold:         0.7,
			SemanticThreshold:         0.8,
			ConversationLengthTrigger: 5,
			CooldownSeconds:           30,
			GlobalPerMinute:           10,
			Rules: []RuleConfig{
				{
					Name:     "explicit-save",
					Kind:     "keyword",
					Keywords: []string{"ricorda", "remember", "salva", "save this", "don't forget", "nota che"},
					Priority: 1,
					Urgent:   true,
				},
				{
					Name:     "decision-marker",
					Kind:     "pattern",
					Pattern:  `(?i)\b(we|i) (decided|agreed|chose) to\b`,
					Priority: 2,
				},
				{
					Name:     "topic-switch",
					Kind:     "context_change",
					Keywords: []string{"new project", "switching to", "let's work on", "cambiamo progetto"},
					Priority: 3,
				},
				{
					Name:            "long-conversation",
					Kind:            "conversation_length",
					MinMessages:     5,
					Priority:        4,
					CooldownSeconds: 120,
				},
				{
					Name:      "auto-important",
					Kind:      "importance_threshold",
					Threshold: 0.7,
					Priority:  5,
				},
			},
		},
		Store: StoreConfig{
			Backend:         "memory",
			Dimensions:      1536,
			DefaultProject:  "default",
			SearchLimit:     10,
			SearchThreshold: 0.3,
			CacheSize:       512,
			CacheTTLSeconds: 1800,
		},
		Outbox: OutboxConfig{
			MaxAttempts:        5,
			BatchSize:          10,
			BaseDelaySeconds:   30,
			MaxDelaySeconds:    1800,
			DrainIntervalSecs:  300,
			AttemptTimeoutSecs: 30,
		},
		Embedding: EmbeddingConfig{Provider: "none"},
	}
}

// Load reads a YAML configuration file, validates it against the embedded
// schema, merges it over the defaults, and applies environment overrides.
// An empty path skips the file and returns defaults plus overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := validateSchema(data); err != nil {
			return Config{}, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.check(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv layers ENGRAM_* environment variables over the loaded values.
// Secrets (API keys) are env-only by convention; putting them in YAML works
// but is discouraged.
func applyEnv(cfg *Config) {
	cfg.LogLevel = environment.StringOr("ENGRAM_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = environment.StringOr("ENGRAM_LOG_FORMAT", cfg.LogFormat)
	cfg.DatabasePath = environment.StringOr("ENGRAM_DB_PATH", cfg.DatabasePath)

	cfg.Store.Backend = environment.StringOr("ENGRAM_STORE_BACKEND", cfg.Store.Backend)
	cfg.Store.Path = environment.StringOr("ENGRAM_STORE_PATH", cfg.Store.Path)
	cfg.Store.DSN = environment.StringOr("ENGRAM_PG_DSN", cfg.Store.DSN)
	cfg.Store.DefaultProject = environment.StringOr("ENGRAM_DEFAULT_PROJECT", cfg.Store.DefaultProject)
	cfg.Store.Dimensions = environment.IntOr("ENGRAM_EMBED_DIMENSIONS", cfg.Store.Dimensions)

	cfg.Embedding.Provider = environment.StringOr("ENGRAM_EMBED_PROVIDER", cfg.Embedding.Provider)
	cfg.Embedding.APIKey = environment.StringOr("ENGRAM_OPENAI_API_KEY", cfg.Embedding.APIKey)
	cfg.Embedding.BaseURL = environment.StringOr("ENGRAM_OPENAI_BASE_URL", cfg.Embedding.BaseURL)
	cfg.Embedding.Model = environment.StringOr("ENGRAM_EMBED_MODEL", cfg.Embedding.Model)

	cfg.Classifier.Enabled = environment.BoolOr("ENGRAM_CLASSIFIER_ENABLED", cfg.Classifier.Enabled)
	cfg.Classifier.APIKey = environment.StringOr("ENGRAM_CLASSIFIER_API_KEY", cfg.Classifier.APIKey)
	cfg.Classifier.BaseURL = environment.StringOr("ENGRAM_CLASSIFIER_BASE_URL", cfg.Classifier.BaseURL)
	cfg.Classifier.Model = environment.StringOr("ENGRAM_CLASSIFIER_MODEL", cfg.Classifier.Model)

	cfg.Server.Socket = environment.StringOr("ENGRAM_SOCKET", cfg.Server.Socket)

	cfg.Triggers.AutoSaveThreshold = environment.FloatOr("ENGRAM_AUTO_SAVE_THRESHOLD", cfg.Triggers.AutoSaveThreshold)
	cfg.Triggers.SemanticThreshold = environment.FloatOr("ENGRAM_SEMANTIC_THRESHOLD", cfg.Triggers.SemanticThreshold)
}

// check enforces the value constraints the schema cannot express against
// merged (file + env) values.
func (c Config) check() error {
	if c.Triggers.AutoSaveThreshold < 0 || c.Triggers.AutoSaveThreshold > 1 {
		return fmt.Errorf("config: auto_save_threshold %v outside [0,1]", c.Triggers.AutoSaveThreshold)
	}
	if c.Triggers.SemanticThreshold < 0 || c.Triggers.SemanticThreshold > 1 {
		return fmt.Errorf("config: semantic_threshold %v outside [0,1]", c.Triggers.SemanticThreshold)
	}
	switch c.Store.Backend {
	case "memory", "chromem", "pgvector":
	default:
		return fmt.Errorf("config: unknown store backend %q", c.Store.Backend)
	}
	if c.Store.Backend == "pgvector" && c.Store.DSN == "" {
		return fmt.Errorf("config: pgvector backend requires a DSN")
	}
	switch c.Embedding.Provider {
	case "openai", "mock", "none", "":
	default:
		return fmt.Errorf("config: unknown embedding provider %q", c.Embedding.Provider)
	}
	for i, r := range c.Triggers.Rules {
		if r.Name == "" {
			return fmt.Errorf("config: rules[%d]: name must not be empty", i)
		}
	}
	return nil
}

// TriggerRules compiles the configured rules into the immutable runtime
// form, filling per-rule defaults from the top-level trigger settings.
func (c Config) TriggerRules() ([]trigger.Rule, error) {
	rules := make([]trigger.Rule, 0, len(c.Triggers.Rules))
	for i, rc := range c.Triggers.Rules {
		rule := trigger.Rule{
			Name:        rc.Name,
			Kind:        trigger.RuleKind(rc.Kind),
			Keywords:    rc.Keywords,
			Threshold:   rc.Threshold,
			MinMessages: rc.MinMessages,
			Interval:    secondsToDuration(rc.IntervalSeconds),
			Action:      trigger.Action(rc.Action),
			Priority:    rc.Priority,
			Cooldown:    secondsToDuration(rc.CooldownSeconds),
			Urgent:      rc.Urgent,
			Confidence:  rc.Confidence,
		}

		switch rule.Kind {
		case trigger.KindKeyword, trigger.KindPattern, trigger.KindSemanticSimilarity,
			trigger.KindImportanceThreshold, trigger.KindConversationLength,
			trigger.KindContextChange, trigger.KindTimeInterval:
		default:
			return nil, fmt.Errorf("config: rules[%d] (%s): unknown kind %q", i, rc.Name, rc.Kind)
		}

		if rc.Pattern != "" {
			re, err := regexp.Compile(rc.Pattern)
			if err != nil {
				return nil, fmt.Errorf("config: rules[%d] (%s): compile pattern: %w", i, rc.Name, err)
			}
			rule.Pattern = re
		}
		if rule.Kind == trigger.KindPattern && rule.Pattern == nil {
			return nil, fmt.Errorf("config: rules[%d] (%s): pattern rule without pattern", i, rc.Name)
		}
		if rule.Kind == trigger.KindConversationLength && rule.MinMessages <= 0 {
			rule.MinMessages = c.Triggers.ConversationLengthTrigger
		}
		if rule.Cooldown <= 0 && !rule.Urgent {
			rule.Cooldown = secondsToDuration(c.Triggers.CooldownSeconds)
		}

		rules = append(rules, rule)
	}
	return rules, nil
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
