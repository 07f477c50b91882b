package config

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/viper"

	"github.com/tomatic/tomatic-backend/internal/models"
)

// Viper decodes through mapstructure, so every field carries both tag sets.
type Config struct {
	Server   ServerConfig          `json:"server" mapstructure:"server"`
	Storage  StorageConfig         `json:"storage" mapstructure:"storage"`
	Provider ProviderConfig        `json:"provider" mapstructure:"provider"`
	Session  SessionConfig         `json:"session" mapstructure:"session"`
	Prompts  []models.SystemPrompt `json:"prompts" mapstructure:"prompts"`
	Models   []models.ModelInfo    `json:"models" mapstructure:"models"`
}

type ServerConfig struct {
	Host string `json:"host" mapstructure:"host"`
	Port int    `json:"port" mapstructure:"port"`
}

type StorageConfig struct {
	Path string `json:"path" mapstructure:"path"`
}

type ProviderConfig struct {
	BaseURL      string  `json:"base_url" mapstructure:"base_url"`
	APIKey       string  `json:"api_key,omitempty" mapstructure:"api_key"`
	DefaultModel string  `json:"default_model" mapstructure:"default_model"`
	Temperature  float32 `json:"temperature" mapstructure:"temperature"`
}

type SessionConfig struct {
	DebounceMs int `json:"debounce_ms" mapstructure:"debounce_ms"`
}

const (
	DefaultBaseURL = "https://openrouter.ai/api/v1"
	DefaultModel   = "openai/gpt-4o"
)

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("json")

	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	homeDir, err := os.UserHomeDir()
	if err == nil {
		viper.AddConfigPath(filepath.Join(homeDir, ".tomatic"))
	}

	viper.SetDefault("server.host", "localhost")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("storage.path", defaultStoragePath())
	viper.SetDefault("provider.base_url", DefaultBaseURL)
	viper.SetDefault("provider.default_model", DefaultModel)
	viper.SetDefault("provider.temperature", 1.0)
	viper.SetDefault("session.debounce_ms", 2000)

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			cfg := createDefaultConfig()
			loadEnvOverrides(cfg)
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	loadEnvOverrides(&cfg)

	return &cfg, nil
}

func createDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "localhost",
			Port: 8080,
		},
		Storage: StorageConfig{
			Path: defaultStoragePath(),
		},
		Provider: ProviderConfig{
			BaseURL:      DefaultBaseURL,
			DefaultModel: DefaultModel,
			Temperature:  1.0,
		},
		Session: SessionConfig{
			DebounceMs: 2000,
		},
	}
}

func defaultStoragePath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "tomatic.db"
	}
	return filepath.Join(homeDir, ".tomatic", "tomatic.db")
}

func loadEnvOverrides(cfg *Config) {
	if key := os.Getenv("TOMATIC_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if url := os.Getenv("TOMATIC_BASE_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if model := os.Getenv("TOMATIC_MODEL"); model != "" {
		cfg.Provider.DefaultModel = model
	}
	if port := os.Getenv("TOMATIC_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
	if path := os.Getenv("TOMATIC_DB_PATH"); path != "" {
		cfg.Storage.Path = path
	}
}

// PromptByName looks up a system prompt in the shared catalog. A renamed or
// deleted prompt yields nil, which callers treat as "no prompt".
func (c *Config) PromptByName(name string) *models.SystemPrompt {
	for i := range c.Prompts {
		if c.Prompts[i].Name == name {
			return &c.Prompts[i]
		}
	}
	return nil
}
