// Package config provides configuration loading and structs for hybridrag.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables consulted when the matching config value is empty.
const (
	EnvOpenAIKey    = "OPENAI_API_KEY"
	EnvAnthropicKey = "ANTHROPIC_API_KEY"
	EnvPostgresDSN  = "HYBRIDRAG_POSTGRES_DSN"
)

// Config holds all configuration for the application.
type Config struct {
	Debug      bool             `yaml:"debug"`
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	Retrieval  RetrievalConfig  `yaml:"retrieval"`
	Evaluation EvaluationConfig `yaml:"evaluation"`
	LLM        LLMConfig        `yaml:"llm"`
	Resilience ResilienceConfig `yaml:"resilience"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// StorageConfig selects the corpus store and where indices live.
type StorageConfig struct {
	Driver          string `yaml:"driver"`
	DatabasePath    string `yaml:"database_path"`
	PostgresDSN     string `yaml:"postgres_dsn"`
	BleveIndexPath  string `yaml:"bleve_index_path"`
	VectorIndexPath string `yaml:"vector_index_path"`
}

// EmbeddingConfig holds embedding provider settings.
type EmbeddingConfig struct {
	Provider   string `yaml:"provider"`
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"`
	BaseURL    string `yaml:"base_url"`
	APIKey     string `yaml:"api_key"`
	CacheSize  int    `yaml:"cache_size"`
	BatchSize  int    `yaml:"batch_size"`
}

// RetrievalConfig holds fusion and fan-out settings.
type RetrievalConfig struct {
	TopK             int           `yaml:"top_k"`
	MaxTopK          int           `yaml:"max_top_k"`
	RRFK             int           `yaml:"rrf_k"`
	FanoutMultiplier int           `yaml:"fanout_multiplier"`
	MinFanout        int           `yaml:"min_fanout"`
	SourceTimeout    time.Duration `yaml:"source_timeout"`
	KeywordBackend   string        `yaml:"keyword_backend"`
	Analyzer         string        `yaml:"analyzer"`
}

// EvaluationConfig holds batch run settings.
type EvaluationConfig struct {
	Workers        int           `yaml:"workers"`
	RatePerSecond  float64       `yaml:"rate_per_second"`
	QueryTimeout   time.Duration `yaml:"query_timeout"`
	OutputDir      string        `yaml:"output_dir"`
	JudgeWorkers   int           `yaml:"judge_workers"`
	MaxContexts    int           `yaml:"max_contexts"`
	Cutoffs        []int         `yaml:"cutoffs"`
	GenerateAnswer bool          `yaml:"generate_answers"`
}

// LLMConfig holds the chat model used for answer generation and judging.
type LLMConfig struct {
	Provider        string        `yaml:"provider"`
	GenerationModel string        `yaml:"generation_model"`
	JudgeModel      string        `yaml:"judge_model"`
	BaseURL         string        `yaml:"base_url"`
	APIKey          string        `yaml:"api_key"`
	Timeout         time.Duration `yaml:"timeout"`
}

// ResilienceConfig tunes retries and the circuit breaker around external calls.
type ResilienceConfig struct {
	MaxRetries       int           `yaml:"max_retries"`
	RetryBaseDelay   time.Duration `yaml:"retry_base_delay"`
	BreakerThreshold uint32        `yaml:"breaker_threshold"`
	BreakerTimeout   time.Duration `yaml:"breaker_timeout"`
}

// Load reads and parses the config file at path, expands paths, and applies defaults.
// Returns an error if the file cannot be read, parsed, or validated.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyDefaults(&cfg)
	applyEnv(&cfg)

	expandPaths(&cfg, filepath.Dir(path))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes the config to path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Validate rejects settings the retrieval pipeline cannot run with.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("invalid config: storage.driver %q (use sqlite or postgres)", c.Storage.Driver)
	}
	if c.Storage.Driver == DriverPostgres && c.Storage.PostgresDSN == "" {
		return fmt.Errorf("invalid config: storage.postgres_dsn is required for the postgres driver (or set %s)", EnvPostgresDSN)
	}
	switch c.Retrieval.KeywordBackend {
	case KeywordBleve:
	case KeywordPostgres:
		if c.Storage.Driver != DriverPostgres {
			return fmt.Errorf("invalid config: retrieval.keyword_backend postgres requires storage.driver postgres")
		}
	default:
		return fmt.Errorf("invalid config: retrieval.keyword_backend %q (use bleve or postgres)", c.Retrieval.KeywordBackend)
	}
	if c.Retrieval.TopK <= 0 || c.Retrieval.RRFK <= 0 {
		return fmt.Errorf("invalid config: retrieval.top_k and retrieval.rrf_k must be positive")
	}
	if c.Retrieval.FanoutMultiplier < 1 {
		return fmt.Errorf("invalid config: retrieval.fanout_multiplier must be at least 1")
	}
	for _, k := range c.Evaluation.Cutoffs {
		if k <= 0 {
			return fmt.Errorf("invalid config: evaluation.cutoffs must be positive, got %d", k)
		}
	}
	switch c.Embedding.Provider {
	case ProviderOpenAI, ProviderMock:
	default:
		return fmt.Errorf("invalid config: embedding.provider %q (use openai or mock)", c.Embedding.Provider)
	}
	switch c.LLM.Provider {
	case ProviderOpenAI, ProviderAnthropic:
	default:
		return fmt.Errorf("invalid config: llm.provider %q (use openai or anthropic)", c.LLM.Provider)
	}
	return nil
}

func applyEnv(cfg *Config) {
	if cfg.Embedding.APIKey == "" {
		cfg.Embedding.APIKey = os.Getenv(EnvOpenAIKey)
	}
	if cfg.LLM.APIKey == "" {
		switch cfg.LLM.Provider {
		case ProviderAnthropic:
			cfg.LLM.APIKey = os.Getenv(EnvAnthropicKey)
		default:
			cfg.LLM.APIKey = os.Getenv(EnvOpenAIKey)
		}
	}
	if cfg.Storage.PostgresDSN == "" {
		cfg.Storage.PostgresDSN = os.Getenv(EnvPostgresDSN)
	}
}

func expandPaths(cfg *Config, configDir string) {
	cfg.Storage.DatabasePath = expandPath(cfg.Storage.DatabasePath, configDir)
	cfg.Storage.BleveIndexPath = expandPath(cfg.Storage.BleveIndexPath, configDir)
	cfg.Storage.VectorIndexPath = expandPath(cfg.Storage.VectorIndexPath, configDir)
	cfg.Evaluation.OutputDir = expandPath(cfg.Evaluation.OutputDir, configDir)
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// other relative paths are relative to the home directory.
func expandPath(path string, configDir string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if strings.HasPrefix(path, "~/") {
		path = path[2:]
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}
