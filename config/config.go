// Package config provides unified configuration loading for ragchat:
// defaults, YAML file, environment variable override, in that priority.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the complete configuration for the agent core and its
// backend clients. It is constructed once at process start and passed
// by reference into component constructors; there is no global.
type Config struct {
	// Agent controls the agent loop.
	Agent AgentConfig `yaml:"agent" env:"AGENT"`

	// LLM configures the completion endpoint.
	LLM LLMConfig `yaml:"llm" env:"LLM"`

	// Tokenizer configures token counting.
	Tokenizer TokenizerConfig `yaml:"tokenizer" env:"TOKENIZER"`

	// Memory configures the conversation and tool memories.
	Memory MemoryConfig `yaml:"memory" env:"MEMORY"`

	// Retrieval configures the hybrid retrieval pipeline.
	Retrieval RetrievalConfig `yaml:"retrieval" env:"RETRIEVAL"`

	// Log configures zap.
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry configures the OTel SDK.
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`

	// Server configures the ops HTTP server (metrics and health).
	Server ServerConfig `yaml:"server" env:"SERVER"`
}

// ServerConfig configures the ops HTTP server. An empty Addr disables it.
type ServerConfig struct {
	Addr            string        `yaml:"addr" env:"ADDR"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// AgentConfig controls the plan/execute/judge loop.
type AgentConfig struct {
	// MaxIterations bounds the rounds of tool calling per user message.
	MaxIterations int `yaml:"max_iterations" env:"MAX_ITERATIONS"`
	// MaxToolCalls caps the calls a single plan may request.
	MaxToolCalls int `yaml:"max_tool_calls" env:"MAX_TOOL_CALLS"`
	// PlannerRetries bounds re-planning when the plan names unknown tools.
	PlannerRetries int `yaml:"planner_retries" env:"PLANNER_RETRIES"`
	// JudgeRetries bounds re-judging when the verdict is not Yes/No.
	JudgeRetries int `yaml:"judge_retries" env:"JUDGE_RETRIES"`
	// RewriteQuery enables the query-rewrite step between iterations.
	RewriteQuery bool `yaml:"rewrite_query" env:"REWRITE_QUERY"`
	// SystemPrompt is the assistant persona used by the synthesizer.
	SystemPrompt string `yaml:"system_prompt" env:"SYSTEM_PROMPT"`
}

// LLMConfig configures the OpenAI-compatible completion endpoint.
type LLMConfig struct {
	BaseURL     string  `yaml:"base_url" env:"BASE_URL"`
	APIKey      string  `yaml:"api_key" env:"API_KEY"`
	Model       string  `yaml:"model" env:"MODEL"`
	Temperature float32 `yaml:"temperature" env:"TEMPERATURE"`
	// ContextWindow is the model context size in tokens; all memory and
	// prompt budgets are derived from it.
	ContextWindow int           `yaml:"context_window" env:"CONTEXT_WINDOW"`
	Timeout       time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// TokensPerSecond enables client-side rate limiting when > 0.
	TokensPerSecond float64 `yaml:"tokens_per_second" env:"TOKENS_PER_SECOND"`
}

// TokenizerConfig selects the tokenizer used for budget math.
type TokenizerConfig struct {
	// Model selects the tiktoken encoding (prefix matched). When the
	// model has no known encoding, a character-ratio estimator is used.
	Model string `yaml:"model" env:"MODEL"`
}

// MemoryConfig configures the bounded memories.
type MemoryConfig struct {
	// ReservedTokens is subtracted from the context window before
	// proportional budgets are computed, as headroom for special tokens.
	ReservedTokens int `yaml:"reserved_tokens" env:"RESERVED_TOKENS"`
	// MaxToolHistoryTokens overrides the computed tool-history budget
	// when > 0. The upstream deployment pinned this to 13000.
	MaxToolHistoryTokens int `yaml:"max_tool_history_tokens" env:"MAX_TOOL_HISTORY_TOKENS"`
}

// RetrievalConfig configures the hybrid retrieval pipeline.
type RetrievalConfig struct {
	// TopK is the per-branch candidate count requested from each backend.
	TopK int `yaml:"top_k" env:"TOP_K"`
	// BranchTimeout bounds each retrieval branch independently.
	BranchTimeout time.Duration `yaml:"branch_timeout" env:"BRANCH_TIMEOUT"`
	// UseReranker enables the per-branch reranking pass.
	UseReranker bool `yaml:"use_reranker" env:"USE_RERANKER"`
	// DefaultCorpusID tags the shared corpus in both backends.
	DefaultCorpusID string `yaml:"default_corpus_id" env:"DEFAULT_CORPUS_ID"`

	Chroma     ChromaConfig     `yaml:"chroma" env:"CHROMA"`
	Keyword    KeywordConfig    `yaml:"keyword" env:"KEYWORD"`
	Reranker   RerankerConfig   `yaml:"reranker" env:"RERANKER"`
	EmbedCache EmbedCacheConfig `yaml:"embed_cache" env:"EMBED_CACHE"`
}

// EmbedCacheConfig configures the optional Redis cache in front of the
// embedding service.
type EmbedCacheConfig struct {
	Enabled  bool          `yaml:"enabled" env:"ENABLED"`
	Addr     string        `yaml:"addr" env:"ADDR"`
	Password string        `yaml:"password" env:"PASSWORD"`
	DB       int           `yaml:"db" env:"DB"`
	TTL      time.Duration `yaml:"ttl" env:"TTL"`
}

// ChromaConfig configures the Chroma vector store client.
type ChromaConfig struct {
	BaseURL    string        `yaml:"base_url" env:"BASE_URL"`
	Collection string        `yaml:"collection" env:"COLLECTION"`
	Timeout    time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// EmbedURL is the text-embedding inference endpoint used to embed
	// queries before the vector search.
	EmbedURL string `yaml:"embed_url" env:"EMBED_URL"`
}

// KeywordConfig configures the RediSearch keyword store client.
type KeywordConfig struct {
	Addr     string `yaml:"addr" env:"ADDR"`
	Username string `yaml:"username" env:"USERNAME"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
	// Index is the RediSearch index name.
	Index string `yaml:"index" env:"INDEX"`
}

// RerankerConfig configures the scoring endpoint.
type RerankerConfig struct {
	BaseURL string        `yaml:"base_url" env:"BASE_URL"`
	APIKey  string        `yaml:"api_key" env:"API_KEY"`
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// TopN is the count kept after a successful rerank.
	TopN int `yaml:"top_n" env:"TOP_N"`
	// BackupTopN is the count kept by the score-sort fallback.
	BackupTopN int `yaml:"backup_top_n" env:"BACKUP_TOP_N"`
}

// LogConfig configures zap.
type LogConfig struct {
	Level        string `yaml:"level" env:"LEVEL"`
	Format       string `yaml:"format" env:"FORMAT"`
	EnableCaller bool   `yaml:"enable_caller" env:"ENABLE_CALLER"`
}

// TelemetryConfig configures the OTel SDK.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// DefaultConfig returns the configuration defaults. Values mirror the
// upstream deployment where one existed.
func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			MaxIterations:  5,
			MaxToolCalls:   2,
			PlannerRetries: 3,
			JudgeRetries:   2,
			RewriteQuery:   true,
			SystemPrompt:   defaultSystemPrompt,
		},
		LLM: LLMConfig{
			BaseURL:       "http://localhost:8000/v1",
			Model:         "qwen3-32b",
			Temperature:   0.2,
			ContextWindow: 32768,
			Timeout:       120 * time.Second,
		},
		Tokenizer: TokenizerConfig{
			Model: "gpt-4o",
		},
		Memory: MemoryConfig{
			ReservedTokens:       100,
			MaxToolHistoryTokens: 13000,
		},
		Retrieval: RetrievalConfig{
			TopK:            25,
			BranchTimeout:   5 * time.Second,
			UseReranker:     true,
			DefaultCorpusID: "shared",
			Chroma: ChromaConfig{
				BaseURL:    "http://localhost:8001",
				Collection: "documents",
				Timeout:    30 * time.Second,
			},
			Keyword: KeywordConfig{
				Addr:     "localhost:6379",
				Username: "default",
				Index:    "documents",
			},
			Reranker: RerankerConfig{
				BaseURL:    "http://localhost:8002",
				Timeout:    30 * time.Second,
				TopN:       5,
				BackupTopN: 7,
			},
			EmbedCache: EmbedCacheConfig{
				Addr: "localhost:6379",
				DB:   1,
				TTL:  24 * time.Hour,
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "ragchat",
			SampleRate:  1.0,
		},
		Server: ServerConfig{
			Addr:            "",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
	}
}

const defaultSystemPrompt = "You are a helpful, respectful, and honest " +
	"retrieval-augmented assistant. Answer the current user message using " +
	"the retrieved documents and conversation context."

// Validate checks the configuration for obvious mistakes.
func (c *Config) Validate() error {
	var errs []string

	if c.Agent.MaxIterations <= 0 {
		errs = append(errs, "agent.max_iterations must be positive")
	}
	if c.Agent.MaxToolCalls <= 0 {
		errs = append(errs, "agent.max_tool_calls must be positive")
	}
	if c.LLM.ContextWindow <= 0 {
		errs = append(errs, "llm.context_window must be positive")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		errs = append(errs, "llm.temperature must be between 0 and 2")
	}
	if c.Retrieval.TopK <= 0 {
		errs = append(errs, "retrieval.top_k must be positive")
	}
	if c.Retrieval.BranchTimeout <= 0 {
		errs = append(errs, "retrieval.branch_timeout must be positive")
	}
	if c.Retrieval.Reranker.TopN <= 0 || c.Retrieval.Reranker.BackupTopN <= 0 {
		errs = append(errs, "retrieval.reranker top_n and backup_top_n must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
