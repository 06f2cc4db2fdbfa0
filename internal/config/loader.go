package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

const (
	// ConfigDir is the default config directory name.
	ConfigDir = ".lumina-agent"
	// ConfigFile is the default config file name.
	ConfigFile = "config.json"
)

// ConfigPath returns the path to the config file. An explicit LUMINA_CONFIG
// wins over the default ~/.lumina-agent/config.json.
func ConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("LUMINA_CONFIG")); explicit != "" {
		if strings.HasPrefix(explicit, "~") {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			return filepath.Join(home, explicit[1:]), nil
		}
		return explicit, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ConfigDir, ConfigFile), nil
}

// Load loads the configuration from file and environment variables.
// Priority: environment > file > defaults.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	path, err := ConfigPath()
	if err != nil {
		return cfg, nil // use defaults if we can't find the config path
	}

	data, err := os.ReadFile(path)
	if err == nil {
		data = substituteEnv(data)
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}
	// If the file doesn't exist, continue with defaults.

	envconfig.Process("LUMINA_PATHS", &cfg.Paths)
	envconfig.Process("LUMINA_MODEL", &cfg.Model)
	envconfig.Process("LUMINA_OPENAI", &cfg.Providers.OpenAI)
	envconfig.Process("LUMINA_MEMORY", &cfg.Memory)
	envconfig.Process("LUMINA_APPROVAL", &cfg.Approval)

	// Fallback for API key
	if cfg.Providers.OpenAI.APIKey == "" {
		if key := os.Getenv("OPENAI_API_KEY"); key != "" {
			cfg.Providers.OpenAI.APIKey = key
		} else if key := os.Getenv("OPENROUTER_API_KEY"); key != "" {
			cfg.Providers.OpenAI.APIKey = key
		}
	}

	expandHome(&cfg.Paths.Workspace)
	expandHome(&cfg.Paths.DataDir)

	if cfg.Model.MaxToolIterations <= 0 {
		cfg.Model.MaxToolIterations = 25
	}
	if cfg.Model.MaxTokens <= 0 {
		cfg.Model.MaxTokens = 8192
	}

	return cfg, nil
}

// Save writes the configuration to the config file.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

func expandHome(p *string) {
	if strings.HasPrefix(*p, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			*p = filepath.Join(home, (*p)[1:])
		}
	}
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// substituteEnv replaces ${VAR} references in the raw config file with the
// process environment. Unknown variables are left as-is.
func substituteEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		parts := envPattern.FindSubmatch(match)
		if len(parts) != 2 {
			return match
		}
		if value, ok := os.LookupEnv(string(parts[1])); ok {
			return []byte(value)
		}
		return match
	})
}
