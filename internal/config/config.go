// Package config loads the relay configuration from an optional YAML file
// and RELAY_-prefixed environment variables. The result is injected once at
// construction; nothing reads configuration mid-request.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Backend    BackendConfig    `koanf:"backend"`
	Retry      RetryConfig      `koanf:"retry"`
	Classifier ClassifierConfig `koanf:"classifier"`
	Truncation TruncationConfig `koanf:"truncation"`
	Fallback   FallbackConfig   `koanf:"fallback"`
	Snapshot   SnapshotConfig   `koanf:"snapshot"`
	Journal    JournalConfig    `koanf:"journal"`
	History    HistoryConfig    `koanf:"history"`
	Persona    PersonaConfig    `koanf:"persona"`
}

type ServerConfig struct {
	Port           int           `koanf:"port"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
}

type BackendConfig struct {
	BaseURL string        `koanf:"base_url"`
	APIKey  string        `koanf:"api_key"`
	Model   string        `koanf:"model"`
	Timeout time.Duration `koanf:"timeout"`
}

type RetryConfig struct {
	MaxAttempts int           `koanf:"max_attempts"`
	BaseDelay   time.Duration `koanf:"base_delay"`
	MaxDelay    time.Duration `koanf:"max_delay"`
	// DelayMode is "fixed" or "exponential".
	DelayMode  string           `koanf:"delay_mode"`
	Concurrent ConcurrentConfig `koanf:"concurrent"`
}

type ConcurrentConfig struct {
	Enabled bool `koanf:"enabled"`
	// SequentialThreshold attempts run in series before escalating to
	// concurrent batches. Zero means concurrent from the first attempt.
	SequentialThreshold int `koanf:"sequential_threshold"`
	BaseBatch           int `koanf:"base_batch"`
	// GrowthFactor multiplies the batch size between batches; values
	// below 1 are treated as 1.
	GrowthFactor int           `koanf:"growth_factor"`
	MaxBatch     int           `koanf:"max_batch"`
	BatchTimeout time.Duration `koanf:"batch_timeout"`
}

type ClassifierConfig struct {
	Keywords             []string `koanf:"keywords"`
	Patterns             []string `koanf:"patterns"`
	RetryableStatuses    []int    `koanf:"retryable_statuses"`
	NonRetryableStatuses []int    `koanf:"non_retryable_statuses"`
}

type TruncationConfig struct {
	Enabled bool `koanf:"enabled"`
	// MinRunes is the minimum visible length for the assertive-completeness
	// gate of the heuristic.
	MinRunes int `koanf:"min_runes"`
	// MinTokens is the minimum model-token count for the same gate.
	MinTokens int `koanf:"min_tokens"`
	// TokenizerModel selects the tiktoken encoding used for token counts.
	TokenizerModel string `koanf:"tokenizer_model"`
}

type FallbackConfig struct {
	// Message is emitted verbatim on exhaustion. Empty means suppress
	// output and signal stop instead.
	Message string `koanf:"message"`
}

type SnapshotConfig struct {
	// ReleaseGrace delays eviction after resolution so late observers can
	// still read the snapshot.
	ReleaseGrace time.Duration `koanf:"release_grace"`
}

type JournalConfig struct {
	Enabled bool   `koanf:"enabled"`
	Path    string `koanf:"path"`
}

type HistoryConfig struct {
	Enabled bool   `koanf:"enabled"`
	Path    string `koanf:"path"`
}

type PersonaConfig struct {
	// Default is the static persona text used when lookup fails or no
	// persona identifier is supplied.
	Default string `koanf:"default"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads configuration from the given YAML file (missing file is fine)
// and RELAY_ environment variables, applying defaults for anything unset.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("load config file: %w", err)
			}
		}
	}

	// Environment variables override file config.
	if err := k.Load(env.Provider("RELAY_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "RELAY_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("load env config: %w", err)
	}

	applyDefaults(k)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.Backend.APIKey = substituteEnvVars(cfg.Backend.APIKey)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// DefaultKeywords are the literal error phrases matched case-insensitively
// against response text. They cover the provider error strings the relay
// has been observed to pass through as visible text.
var DefaultKeywords = []string{
	"returned empty",
	"request failed",
	"error type",
	"error message",
	"call failed",
	"processing failed",
	"access denied",
	"timed out",
	"timeout waiting",
	"internal server error",
	"service unavailable",
	"rate limit",
}

// DefaultPatterns are regular expressions for partial or variant error
// phrasing that the literal keyword list cannot pin down.
var DefaultPatterns = []string{
	`(?i)error\s+(code|type|message)\s*[::]`,
	`(?i)request\s+timed?\s*out`,
	`(?i)upstream\s+error`,
	`(?i)quota\s+exceeded`,
}

func applyDefaults(k *koanf.Koanf) {
	defaults := map[string]any{
		"server.port":                       8080,
		"server.request_timeout":            "5m",
		"backend.base_url":                  "https://api.openai.com/v1",
		"backend.model":                     "gpt-4o-mini",
		"backend.timeout":                   "120s",
		"retry.max_attempts":                3,
		"retry.base_delay":                  "2s",
		"retry.max_delay":                   "30s",
		"retry.delay_mode":                  "fixed",
		"retry.concurrent.enabled":          false,
		"retry.concurrent.base_batch":       2,
		"retry.concurrent.growth_factor":    2,
		"retry.concurrent.max_batch":        8,
		"retry.concurrent.batch_timeout":    "60s",
		"classifier.retryable_statuses":     []int{408, 429, 500, 502, 503, 504},
		"classifier.non_retryable_statuses": []int{400, 401, 403, 404, 413, 422},
		"truncation.enabled":                true,
		"truncation.min_runes":              12,
		"truncation.min_tokens":             3,
		"truncation.tokenizer_model":        "gpt-4o",
		"snapshot.release_grace":            "30s",
		"journal.enabled":                   false,
		"journal.path":                      "relay.db",
		"history.enabled":                   false,
		"history.path":                      "conversations.db",
	}
	for key, val := range defaults {
		if !k.Exists(key) {
			k.Set(key, val)
		}
	}
	if !k.Exists("classifier.keywords") {
		k.Set("classifier.keywords", DefaultKeywords)
	}
	if !k.Exists("classifier.patterns") {
		k.Set("classifier.patterns", DefaultPatterns)
	}
}

func (c *Config) validate() error {
	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("retry.max_attempts must not be negative")
	}
	switch c.Retry.DelayMode {
	case "fixed", "exponential":
	default:
		return fmt.Errorf("retry.delay_mode must be %q or %q, got %q", "fixed", "exponential", c.Retry.DelayMode)
	}
	if c.Retry.Concurrent.Enabled && c.Retry.Concurrent.BaseBatch < 1 {
		return fmt.Errorf("retry.concurrent.base_batch must be at least 1")
	}
	if c.Retry.Concurrent.MaxBatch > 0 && c.Retry.Concurrent.MaxBatch < c.Retry.Concurrent.BaseBatch {
		return fmt.Errorf("retry.concurrent.max_batch must not be below base_batch")
	}
	return nil
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
