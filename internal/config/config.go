// Package config provides application configuration with multi-source
// priority: environment variables (SKIPPER_*) override the config file
// (~/.skipper/config.yaml), which overrides defaults.
//
// Sensitive fields (API key, database URL) are masked in MarshalJSON and
// never logged.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

var (
	// ErrMissingAPIKey indicates the provider API key is not set.
	ErrMissingAPIKey = errors.New("missing API key")

	// ErrMissingDatabaseURL indicates no database URL is configured.
	ErrMissingDatabaseURL = errors.New("missing database URL")

	// ErrMissingKnowledgePath indicates no knowledge document is configured.
	ErrMissingKnowledgePath = errors.New("missing knowledge document path")

	// ErrInvalidHistoryPairs indicates the history window is out of range.
	ErrInvalidHistoryPairs = errors.New("invalid history pairs")

	// ErrInvalidFinancingFloor indicates a negative financing floor.
	ErrInvalidFinancingFloor = errors.New("invalid financing floor")
)

const (
	// DefaultModelName is the completion model used for chat turns.
	DefaultModelName = "googleai/gemini-2.5-flash"

	// DefaultSearchModel is the model used for search-grounded lookups.
	DefaultSearchModel = "gemini-2.5-flash"

	// DefaultHistoryPairs bounds the rolling history window.
	DefaultHistoryPairs = 8

	// DefaultFinancingFloor is the minimum price that may carry a
	// financing offer.
	DefaultFinancingFloor = 5000

	// DefaultAddr is the default HTTP listen address.
	DefaultAddr = "127.0.0.1:8480"
)

// Config stores the application configuration.
type Config struct {
	// Completion provider
	APIKey      string `mapstructure:"api_key" json:"api_key"`
	ModelName   string `mapstructure:"model_name" json:"model_name"`
	SearchModel string `mapstructure:"search_model" json:"search_model"`

	// Knowledge document and prompt shaping
	KnowledgePath string `mapstructure:"knowledge_path" json:"knowledge_path"`
	HistoryPairs  int    `mapstructure:"history_pairs" json:"history_pairs"`

	// FinancingFloor is the client-side price floor for financing cards.
	// Enforced locally, never trusted from model output.
	FinancingFloor float64 `mapstructure:"financing_floor" json:"financing_floor"`

	// Storage
	DatabaseURL string `mapstructure:"database_url" json:"database_url"`
	ArchiveDir  string `mapstructure:"archive_dir" json:"archive_dir"`

	// Server
	Addr string `mapstructure:"addr" json:"addr"`

	// Side-effect collaborators
	Webhooks Webhooks `mapstructure:"webhooks" json:"webhooks"`

	// Tracing (off when endpoint is empty)
	OTLPEndpoint string `mapstructure:"otlp_endpoint" json:"otlp_endpoint"`
	Environment  string `mapstructure:"environment" json:"environment"`
}

// Webhooks configures the side-effect collaborator endpoints.
type Webhooks struct {
	Lead       string `mapstructure:"lead" json:"lead"`
	SMS        string `mapstructure:"sms" json:"sms"`
	PriceAlert string `mapstructure:"price_alert" json:"price_alert"`
	Financing  string `mapstructure:"financing" json:"financing"`
}

// Load reads configuration from all sources.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("model_name", DefaultModelName)
	v.SetDefault("search_model", DefaultSearchModel)
	v.SetDefault("history_pairs", DefaultHistoryPairs)
	v.SetDefault("financing_floor", DefaultFinancingFloor)
	v.SetDefault("addr", DefaultAddr)
	v.SetDefault("environment", "dev")

	// Keys without a meaningful default still need registering so that
	// AutomaticEnv picks them up during Unmarshal.
	for _, key := range []string{
		"api_key", "database_url", "knowledge_path", "otlp_endpoint",
		"webhooks.lead", "webhooks.sms", "webhooks.price_alert", "webhooks.financing",
	} {
		v.SetDefault(key, "")
	}

	home, err := os.UserHomeDir()
	if err == nil {
		v.SetDefault("archive_dir", filepath.Join(home, ".skipper", "archive"))
		v.AddConfigPath(filepath.Join(home, ".skipper"))
	}
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetEnvPrefix("SKIPPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Provider key falls back to the conventional variable.
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("GEMINI_API_KEY")
	}

	return &cfg, nil
}

// ValidateServe checks everything the serve command needs.
func (c *Config) ValidateServe() error {
	if c.APIKey == "" {
		return ErrMissingAPIKey
	}
	if c.DatabaseURL == "" {
		return ErrMissingDatabaseURL
	}
	if c.KnowledgePath == "" {
		return ErrMissingKnowledgePath
	}
	if c.HistoryPairs < 1 || c.HistoryPairs > 100 {
		return fmt.Errorf("%w: %d (want 1-100)", ErrInvalidHistoryPairs, c.HistoryPairs)
	}
	if c.FinancingFloor < 0 {
		return fmt.Errorf("%w: %f", ErrInvalidFinancingFloor, c.FinancingFloor)
	}
	return nil
}

// MarshalJSON masks sensitive fields.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	masked := alias(c)
	if masked.APIKey != "" {
		masked.APIKey = "***"
	}
	if masked.DatabaseURL != "" {
		masked.DatabaseURL = "***"
	}
	return json.Marshal(masked)
}
