package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// isolateHome points HOME at a temp dir so the real ~/.skipper/config.yaml
// never leaks into a test, and clears the ambient key variables.
func isolateHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("GEMINI_API_KEY", "")
	return home
}

func TestLoadDefaults(t *testing.T) {
	home := isolateHome(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.ModelName != DefaultModelName {
		t.Errorf("ModelName = %q, want %q", cfg.ModelName, DefaultModelName)
	}
	if cfg.SearchModel != DefaultSearchModel {
		t.Errorf("SearchModel = %q, want %q", cfg.SearchModel, DefaultSearchModel)
	}
	if cfg.HistoryPairs != DefaultHistoryPairs {
		t.Errorf("HistoryPairs = %d, want %d", cfg.HistoryPairs, DefaultHistoryPairs)
	}
	if cfg.FinancingFloor != DefaultFinancingFloor {
		t.Errorf("FinancingFloor = %v, want %v", cfg.FinancingFloor, float64(DefaultFinancingFloor))
	}
	if cfg.Addr != DefaultAddr {
		t.Errorf("Addr = %q, want %q", cfg.Addr, DefaultAddr)
	}
	if cfg.Environment != "dev" {
		t.Errorf("Environment = %q, want dev", cfg.Environment)
	}
	if want := filepath.Join(home, ".skipper", "archive"); cfg.ArchiveDir != want {
		t.Errorf("ArchiveDir = %q, want %q", cfg.ArchiveDir, want)
	}
	if cfg.APIKey != "" {
		t.Errorf("APIKey = %q, want empty", cfg.APIKey)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	isolateHome(t)
	t.Setenv("SKIPPER_MODEL_NAME", "googleai/gemini-2.5-pro")
	t.Setenv("SKIPPER_ADDR", "0.0.0.0:9000")
	t.Setenv("SKIPPER_HISTORY_PAIRS", "12")
	t.Setenv("SKIPPER_API_KEY", "env-key")
	t.Setenv("SKIPPER_DATABASE_URL", "postgres://env/skipper")
	t.Setenv("SKIPPER_WEBHOOKS_LEAD", "https://crm.example.com/leads")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.ModelName != "googleai/gemini-2.5-pro" {
		t.Errorf("ModelName = %q", cfg.ModelName)
	}
	if cfg.Addr != "0.0.0.0:9000" {
		t.Errorf("Addr = %q", cfg.Addr)
	}
	if cfg.HistoryPairs != 12 {
		t.Errorf("HistoryPairs = %d", cfg.HistoryPairs)
	}
	if cfg.APIKey != "env-key" {
		t.Errorf("APIKey = %q", cfg.APIKey)
	}
	if cfg.DatabaseURL != "postgres://env/skipper" {
		t.Errorf("DatabaseURL = %q", cfg.DatabaseURL)
	}
	if cfg.Webhooks.Lead != "https://crm.example.com/leads" {
		t.Errorf("Webhooks.Lead = %q", cfg.Webhooks.Lead)
	}
}

func TestLoadConfigFile(t *testing.T) {
	home := isolateHome(t)

	dir := filepath.Join(home, ".skipper")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	doc := strings.Join([]string{
		"model_name: googleai/gemini-2.0-flash",
		"addr: 127.0.0.1:7000",
		"knowledge_path: /etc/skipper/knowledge.yaml",
	}, "\n")
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	// Environment still wins over the file.
	t.Setenv("SKIPPER_ADDR", "127.0.0.1:7001")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ModelName != "googleai/gemini-2.0-flash" {
		t.Errorf("ModelName = %q, want the file value", cfg.ModelName)
	}
	if cfg.KnowledgePath != "/etc/skipper/knowledge.yaml" {
		t.Errorf("KnowledgePath = %q", cfg.KnowledgePath)
	}
	if cfg.Addr != "127.0.0.1:7001" {
		t.Errorf("Addr = %q, want the env value", cfg.Addr)
	}
}

func TestLoadGeminiKeyFallback(t *testing.T) {
	isolateHome(t)
	t.Setenv("GEMINI_API_KEY", "fallback-key")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.APIKey != "fallback-key" {
		t.Errorf("APIKey = %q, want the GEMINI_API_KEY fallback", cfg.APIKey)
	}

	// The prefixed variable takes precedence over the fallback.
	t.Setenv("SKIPPER_API_KEY", "primary-key")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.APIKey != "primary-key" {
		t.Errorf("APIKey = %q, want primary-key", cfg.APIKey)
	}
}

func validConfig() *Config {
	return &Config{
		APIKey:         "key",
		DatabaseURL:    "postgres://localhost/skipper",
		KnowledgePath:  "/etc/skipper/knowledge.yaml",
		HistoryPairs:   8,
		FinancingFloor: 5000,
	}
}

func TestValidateServe(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{name: "valid", mutate: func(*Config) {}},
		{
			name:    "missing api key",
			mutate:  func(c *Config) { c.APIKey = "" },
			wantErr: ErrMissingAPIKey,
		},
		{
			name:    "missing database url",
			mutate:  func(c *Config) { c.DatabaseURL = "" },
			wantErr: ErrMissingDatabaseURL,
		},
		{
			name:    "missing knowledge path",
			mutate:  func(c *Config) { c.KnowledgePath = "" },
			wantErr: ErrMissingKnowledgePath,
		},
		{
			name:    "history pairs too small",
			mutate:  func(c *Config) { c.HistoryPairs = 0 },
			wantErr: ErrInvalidHistoryPairs,
		},
		{
			name:    "history pairs too large",
			mutate:  func(c *Config) { c.HistoryPairs = 101 },
			wantErr: ErrInvalidHistoryPairs,
		},
		{
			name:    "negative financing floor",
			mutate:  func(c *Config) { c.FinancingFloor = -1 },
			wantErr: ErrInvalidFinancingFloor,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.ValidateServe()
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("ValidateServe() error = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateServe() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestMarshalJSONMasksSecrets(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if out["api_key"] != "***" {
		t.Errorf("api_key = %v, want masked", out["api_key"])
	}
	if out["database_url"] != "***" {
		t.Errorf("database_url = %v, want masked", out["database_url"])
	}
	if out["knowledge_path"] != "/etc/skipper/knowledge.yaml" {
		t.Errorf("knowledge_path = %v, should not be masked", out["knowledge_path"])
	}

	// Empty secrets stay empty rather than pretending a value exists.
	empty, err := json.Marshal(&Config{})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(empty), "***") {
		t.Errorf("empty config masked a missing secret: %s", empty)
	}
}
