package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type LookupFunc func(string) (string, bool)

type Profile string

const (
	ProfileDev  Profile = "dev"
	ProfileTest Profile = "test"
	ProfileProd Profile = "prod"
)

type FailurePolicy string

const (
	FailureAbort    FailurePolicy = "abort"
	FailureSentinel FailurePolicy = "sentinel"
)

// DefaultErrorSentinel is written in place of a prediction that could not be
// generated.
const DefaultErrorSentinel = "SELECT 1"

const APIKeyPlaceholder = "<your OpenAI API key if not set as env var>"

type Config struct {
	Profile       Profile
	Service       ServiceConfig
	Paths         PathsConfig
	AI            AIConfig
	Generation    GenerationConfig
	ObjectStore   ObjectStoreConfig
	Ledger        LedgerConfig
	Observability ObservabilityConfig
}

type ServiceConfig struct {
	Name string
}

type PathsConfig struct {
	Input        string
	Output       string
	BenchmarkDir string
	TablesFile   string
	DBSubdir     string
	DBExtension  string
	Manifest     string
}

type AIConfig struct {
	BaseURL      string
	APIKey       string
	Model        string
	Temperature  float64
	MaxTokens    int
	Timeout      time.Duration
	SystemPrompt string
}

type GenerationConfig struct {
	Workers       int
	OnError       FailurePolicy
	ErrorSentinel string
	Validate      bool
}

type ObjectStoreConfig struct {
	Endpoint         string
	Region           string
	AccessKeyID      string
	SecretAccessKey  string
	UseSSL           bool
	AutoCreateBucket bool
}

type LedgerConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
}

type ObservabilityConfig struct {
	LogLevel        slog.Level
	LogJSON         bool
	MetricsTextfile string
}

func LoadFromEnv(serviceName string) (Config, error) {
	return Load(serviceName, os.LookupEnv)
}

func Load(serviceName string, lookup LookupFunc) (Config, error) {
	if lookup == nil {
		return Config{}, fmt.Errorf("lookup function is required")
	}

	profile := ProfileDev
	if raw, ok := lookup("SPIDERGEN_PROFILE"); ok {
		profile = Profile(strings.ToLower(strings.TrimSpace(raw)))
	}
	if !isValidProfile(profile) {
		return Config{}, fmt.Errorf("invalid SPIDERGEN_PROFILE: %q", profile)
	}

	cfg := defaultsForProfile(profile)
	if serviceName != "" {
		cfg.Service.Name = serviceName
	}

	appliers := []func() error{
		func() error { return applyString(lookup, "SPIDERGEN_SERVICE_NAME", &cfg.Service.Name) },
		func() error { return applyString(lookup, "SPIDERGEN_INPUT", &cfg.Paths.Input) },
		func() error { return applyString(lookup, "SPIDERGEN_OUTPUT", &cfg.Paths.Output) },
		func() error { return applyString(lookup, "SPIDERGEN_BENCHMARK_DIR", &cfg.Paths.BenchmarkDir) },
		func() error { return applyString(lookup, "SPIDERGEN_TABLES_FILE", &cfg.Paths.TablesFile) },
		func() error { return applyString(lookup, "SPIDERGEN_DB_SUBDIR", &cfg.Paths.DBSubdir) },
		func() error { return applyString(lookup, "SPIDERGEN_DB_EXTENSION", &cfg.Paths.DBExtension) },
		func() error { return applyString(lookup, "SPIDERGEN_MANIFEST_PATH", &cfg.Paths.Manifest) },
		func() error { return applyString(lookup, "SPIDERGEN_AI_BASE_URL", &cfg.AI.BaseURL) },
		func() error { return applyString(lookup, "OPENAI_API_KEY", &cfg.AI.APIKey) },
		func() error { return applyString(lookup, "SPIDERGEN_AI_API_KEY", &cfg.AI.APIKey) },
		func() error { return applyString(lookup, "SPIDERGEN_AI_MODEL", &cfg.AI.Model) },
		func() error { return applyFloat(lookup, "SPIDERGEN_AI_TEMPERATURE", &cfg.AI.Temperature) },
		func() error { return applyInt(lookup, "SPIDERGEN_AI_MAX_TOKENS", &cfg.AI.MaxTokens) },
		func() error { return applyDuration(lookup, "SPIDERGEN_AI_TIMEOUT", &cfg.AI.Timeout) },
		func() error { return applyString(lookup, "SPIDERGEN_AI_SYSTEM_PROMPT", &cfg.AI.SystemPrompt) },
		func() error { return applyInt(lookup, "SPIDERGEN_WORKERS", &cfg.Generation.Workers) },
		func() error { return applyFailurePolicy(lookup, "SPIDERGEN_ON_ERROR", &cfg.Generation.OnError) },
		func() error { return applyString(lookup, "SPIDERGEN_ERROR_SENTINEL", &cfg.Generation.ErrorSentinel) },
		func() error { return applyBool(lookup, "SPIDERGEN_VALIDATE", &cfg.Generation.Validate) },
		func() error { return applyString(lookup, "SPIDERGEN_OBJECTSTORE_ENDPOINT", &cfg.ObjectStore.Endpoint) },
		func() error { return applyString(lookup, "SPIDERGEN_OBJECTSTORE_REGION", &cfg.ObjectStore.Region) },
		func() error { return applyString(lookup, "SPIDERGEN_OBJECTSTORE_ACCESS_KEY", &cfg.ObjectStore.AccessKeyID) },
		func() error { return applyString(lookup, "SPIDERGEN_OBJECTSTORE_SECRET_KEY", &cfg.ObjectStore.SecretAccessKey) },
		func() error { return applyBool(lookup, "SPIDERGEN_OBJECTSTORE_USE_SSL", &cfg.ObjectStore.UseSSL) },
		func() error {
			return applyBool(lookup, "SPIDERGEN_OBJECTSTORE_AUTO_CREATE_BUCKET", &cfg.ObjectStore.AutoCreateBucket)
		},
		func() error { return applyString(lookup, "SPIDERGEN_LEDGER_DSN", &cfg.Ledger.DSN) },
		func() error { return applyInt(lookup, "SPIDERGEN_LEDGER_MAX_OPEN_CONNS", &cfg.Ledger.MaxOpenConns) },
		func() error { return applyInt(lookup, "SPIDERGEN_LEDGER_MAX_IDLE_CONNS", &cfg.Ledger.MaxIdleConns) },
		func() error { return applyDuration(lookup, "SPIDERGEN_LEDGER_CONN_MAX_IDLE_TIME", &cfg.Ledger.ConnMaxIdleTime) },
		func() error { return applyDuration(lookup, "SPIDERGEN_LEDGER_CONN_MAX_LIFETIME", &cfg.Ledger.ConnMaxLifetime) },
		func() error { return applyBool(lookup, "SPIDERGEN_LOG_JSON", &cfg.Observability.LogJSON) },
		func() error { return applyLogLevel(lookup, "SPIDERGEN_LOG_LEVEL", &cfg.Observability.LogLevel) },
		func() error { return applyString(lookup, "SPIDERGEN_METRICS_TEXTFILE", &cfg.Observability.MetricsTextfile) },
	}
	for _, apply := range appliers {
		if err := apply(); err != nil {
			return Config{}, err
		}
	}

	if strings.TrimSpace(cfg.AI.APIKey) == "" {
		cfg.AI.APIKey = APIKeyPlaceholder
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate re-checks invariants after flag overrides have been applied.
func (c Config) Validate() error {
	if c.Service.Name == "" {
		return fmt.Errorf("service name is required")
	}
	if strings.TrimSpace(c.Paths.Input) == "" {
		return fmt.Errorf("input path is required")
	}
	if strings.TrimSpace(c.Paths.Output) == "" {
		return fmt.Errorf("output path is required")
	}
	if strings.TrimSpace(c.Paths.TablesFile) == "" {
		return fmt.Errorf("tables file is required")
	}
	if strings.TrimSpace(c.AI.Model) == "" {
		return fmt.Errorf("model is required")
	}
	if c.AI.Temperature < 0 || c.AI.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %v", c.AI.Temperature)
	}
	if c.AI.MaxTokens <= 0 {
		return fmt.Errorf("max tokens must be > 0")
	}
	if c.AI.Timeout <= 0 {
		return fmt.Errorf("ai timeout must be > 0")
	}
	if c.Generation.Workers <= 0 {
		return fmt.Errorf("workers must be > 0")
	}
	if !isValidFailurePolicy(c.Generation.OnError) {
		return fmt.Errorf("invalid failure policy: %q", c.Generation.OnError)
	}
	if strings.ContainsAny(c.Generation.ErrorSentinel, "\r\n") {
		return fmt.Errorf("error sentinel must be a single line, got %q", c.Generation.ErrorSentinel)
	}
	return nil
}

func defaultsForProfile(profile Profile) Config {
	cfg := Config{
		Profile: profile,
		Service: ServiceConfig{Name: "spidergen"},
		Paths: PathsConfig{
			Input:        "datasets/spider_data/dev.json",
			Output:       "results/dev_pred.sql",
			BenchmarkDir: "datasets/spider_data",
			TablesFile:   "tables.json",
			DBSubdir:     "database",
			DBExtension:  "sqlite",
		},
		AI: AIConfig{
			BaseURL:     "https://api.openai.com",
			Model:       "gpt-4o-mini",
			Temperature: 0,
			MaxTokens:   1000,
			Timeout:     60 * time.Second,
		},
		Generation: GenerationConfig{
			Workers:       1,
			OnError:       FailureSentinel,
			ErrorSentinel: DefaultErrorSentinel,
		},
		ObjectStore: ObjectStoreConfig{
			Endpoint:         "localhost:9000",
			Region:           "us-east-1",
			AccessKeyID:      "minio",
			SecretAccessKey:  "miniostorage",
			AutoCreateBucket: true,
		},
		Ledger: LedgerConfig{
			MaxOpenConns:    4,
			MaxIdleConns:    4,
			ConnMaxIdleTime: 5 * time.Minute,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Observability: ObservabilityConfig{
			LogLevel: slog.LevelInfo,
			LogJSON:  false,
		},
	}

	switch profile {
	case ProfileTest:
		cfg.Observability.LogLevel = slog.LevelWarn
		cfg.AI.Timeout = 5 * time.Second
	case ProfileProd:
		cfg.Observability.LogJSON = true
		cfg.ObjectStore.UseSSL = true
		cfg.ObjectStore.AutoCreateBucket = false
	}

	return cfg
}

func isValidProfile(profile Profile) bool {
	switch profile {
	case ProfileDev, ProfileTest, ProfileProd:
		return true
	default:
		return false
	}
}

func isValidFailurePolicy(policy FailurePolicy) bool {
	switch policy {
	case FailureAbort, FailureSentinel:
		return true
	default:
		return false
	}
}

func applyString(lookup LookupFunc, key string, dst *string) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	*dst = strings.TrimSpace(raw)
	return nil
}

func applyDuration(lookup LookupFunc, key string, dst *time.Duration) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyBool(lookup LookupFunc, key string, dst *bool) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyInt(lookup LookupFunc, key string, dst *int) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyFloat(lookup LookupFunc, key string, dst *float64) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyFailurePolicy(lookup LookupFunc, key string, dst *FailurePolicy) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	policy := FailurePolicy(strings.ToLower(strings.TrimSpace(raw)))
	if !isValidFailurePolicy(policy) {
		return fmt.Errorf("invalid %s: %q", key, raw)
	}
	*dst = policy
	return nil
}

func applyLogLevel(lookup LookupFunc, key string, dst *slog.Level) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	level := strings.ToLower(strings.TrimSpace(raw))
	switch level {
	case "debug":
		*dst = slog.LevelDebug
	case "info":
		*dst = slog.LevelInfo
	case "warn", "warning":
		*dst = slog.LevelWarn
	case "error":
		*dst = slog.LevelError
	default:
		return fmt.Errorf("invalid %s: %q", key, raw)
	}
	return nil
}
