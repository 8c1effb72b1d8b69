package config

import "time"

// Storage drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Keyword backends.
const (
	KeywordBleve    = "bleve"
	KeywordPostgres = "postgres"
)

// LLM and embedding providers.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderMock      = "mock"
)

// Default returns a config with every default applied, used when no config file exists.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	applyEnv(cfg)
	expandPaths(cfg, ".")
	return cfg
}

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.RequestTimeout == 0 {
		cfg.Server.RequestTimeout = 60 * time.Second
	}

	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = DriverSQLite
	}
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = ".hybridrag/data/corpus.db"
	}
	if cfg.Storage.BleveIndexPath == "" {
		cfg.Storage.BleveIndexPath = ".hybridrag/data/indices/bleve"
	}
	if cfg.Storage.VectorIndexPath == "" {
		cfg.Storage.VectorIndexPath = ".hybridrag/data/indices/vector"
	}

	if cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = ProviderOpenAI
	}
	if cfg.Embedding.Model == "" {
		cfg.Embedding.Model = "text-embedding-3-small"
	}
	if cfg.Embedding.Dimensions == 0 {
		cfg.Embedding.Dimensions = 1536
	}
	if cfg.Embedding.CacheSize == 0 {
		cfg.Embedding.CacheSize = 10000
	}
	if cfg.Embedding.BatchSize == 0 {
		cfg.Embedding.BatchSize = 50
	}

	if cfg.Retrieval.TopK == 0 {
		cfg.Retrieval.TopK = 5
	}
	if cfg.Retrieval.MaxTopK == 0 {
		cfg.Retrieval.MaxTopK = 100
	}
	if cfg.Retrieval.RRFK == 0 {
		cfg.Retrieval.RRFK = 60
	}
	if cfg.Retrieval.FanoutMultiplier == 0 {
		cfg.Retrieval.FanoutMultiplier = 4
	}
	if cfg.Retrieval.MinFanout == 0 {
		cfg.Retrieval.MinFanout = 20
	}
	if cfg.Retrieval.SourceTimeout == 0 {
		cfg.Retrieval.SourceTimeout = 10 * time.Second
	}
	if cfg.Retrieval.KeywordBackend == "" {
		cfg.Retrieval.KeywordBackend = KeywordBleve
	}
	if cfg.Retrieval.Analyzer == "" {
		cfg.Retrieval.Analyzer = "standard"
	}

	if cfg.Evaluation.Workers == 0 {
		cfg.Evaluation.Workers = 4
	}
	if cfg.Evaluation.QueryTimeout == 0 {
		cfg.Evaluation.QueryTimeout = 30 * time.Second
	}
	if cfg.Evaluation.OutputDir == "" {
		cfg.Evaluation.OutputDir = "./results"
	}
	if cfg.Evaluation.JudgeWorkers == 0 {
		cfg.Evaluation.JudgeWorkers = 4
	}
	if cfg.Evaluation.MaxContexts == 0 {
		cfg.Evaluation.MaxContexts = 5
	}

	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = ProviderOpenAI
	}
	if cfg.LLM.GenerationModel == "" {
		cfg.LLM.GenerationModel = "gpt-4o-mini"
	}
	if cfg.LLM.JudgeModel == "" {
		if cfg.LLM.Provider == ProviderAnthropic {
			cfg.LLM.JudgeModel = "claude-3-5-haiku-latest"
		} else {
			cfg.LLM.JudgeModel = "gpt-4o-mini"
		}
	}
	if cfg.LLM.Timeout == 0 {
		cfg.LLM.Timeout = 60 * time.Second
	}

	if cfg.Resilience.MaxRetries == 0 {
		cfg.Resilience.MaxRetries = 2
	}
	if cfg.Resilience.RetryBaseDelay == 0 {
		cfg.Resilience.RetryBaseDelay = 200 * time.Millisecond
	}
	if cfg.Resilience.BreakerThreshold == 0 {
		cfg.Resilience.BreakerThreshold = 5
	}
	if cfg.Resilience.BreakerTimeout == 0 {
		cfg.Resilience.BreakerTimeout = 30 * time.Second
	}
}
