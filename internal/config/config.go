// Package config provides configuration types and loading for lumina-agent.
package config

// Config is the root configuration struct.
// Top-level groups: Paths, Model, Providers, Memory, Approval.
type Config struct {
	Paths     PathsConfig     `json:"paths"`
	Model     ModelConfig     `json:"model"`
	Providers ProvidersConfig `json:"providers"`
	Memory    MemoryConfig    `json:"memory"`
	Approval  ApprovalConfig  `json:"approval"`
}

// PathsConfig groups all filesystem path settings.
type PathsConfig struct {
	Workspace string `json:"workspace" envconfig:"WORKSPACE"`
	DataDir   string `json:"dataDir" envconfig:"DATA_DIR"`
}

// ModelConfig groups LLM model and agent-loop settings.
type ModelConfig struct {
	Name              string  `json:"name" envconfig:"MODEL"`
	MaxTokens         int     `json:"maxTokens" envconfig:"MAX_TOKENS"`
	Temperature       float64 `json:"temperature" envconfig:"TEMPERATURE"`
	MaxToolIterations int     `json:"maxToolIterations" envconfig:"MAX_TOOL_ITERATIONS"`
}

// ProvidersConfig contains LLM provider configurations.
type ProvidersConfig struct {
	OpenAI ProviderConfig `json:"openai"`
}

// ProviderConfig contains settings for a single LLM provider.
type ProviderConfig struct {
	APIKey  string `json:"apiKey" envconfig:"API_KEY"`
	APIBase string `json:"apiBase,omitempty" envconfig:"API_BASE"`
}

// MemoryConfig groups semantic search settings.
type MemoryConfig struct {
	Enabled        bool   `json:"enabled" envconfig:"ENABLED"`
	EmbeddingModel string `json:"embeddingModel" envconfig:"EMBEDDING_MODEL"`
}

// ApprovalConfig groups the tool approval gate settings.
type ApprovalConfig struct {
	AutoApprove bool `json:"autoApprove" envconfig:"AUTO_APPROVE"`
}

// DefaultConfig returns a config populated with defaults.
func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			Workspace: "~/Lumina-Notes",
			DataDir:   "~/" + ConfigDir,
		},
		Model: ModelConfig{
			Name:              "anthropic/claude-sonnet-4-5",
			MaxTokens:         8192,
			Temperature:       0.7,
			MaxToolIterations: 25,
		},
		Memory: MemoryConfig{
			Enabled:        true,
			EmbeddingModel: "text-embedding-3-small",
		},
	}
}
