package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	Redis struct {
		// Addr empty selects the in-process market state, rate limiter and
		// a gateway without cross-instance relay.
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		Prefix   string `yaml:"prefix"`
	} `yaml:"redis"`
	Gateway struct {
		Listen          string `yaml:"listen"`
		BatchMaxSize    int    `yaml:"batch_max_size"`
		BatchIntervalMS int    `yaml:"batch_interval_ms"`
	} `yaml:"gateway"`
	LLM struct {
		Provider        string  `yaml:"provider"`
		Model           string  `yaml:"model"`
		BaseURL         string  `yaml:"base_url"`
		APIKey          string  `yaml:"api_key"`
		Temperature     float64 `yaml:"temperature"`
		MaxOutputTokens int     `yaml:"max_output_tokens"`
		TimeoutSeconds  int     `yaml:"timeout_seconds"`
	} `yaml:"llm"`
	Generation struct {
		Workers           int `yaml:"workers"`
		RateLimit         int `yaml:"rate_limit"`
		RateWindowSeconds int `yaml:"rate_window_seconds"`
		TickSeconds       int `yaml:"tick_seconds"`
	} `yaml:"generation"`
	Services struct {
		RegistryURL    string `yaml:"registry_url"`
		LedgerURL      string `yaml:"ledger_url"`
		ConsensusURL   string `yaml:"consensus_url"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"services"`
	Verification struct {
		Workers                int     `yaml:"workers"`
		Verifiers              int     `yaml:"verifiers"`
		Threshold              float64 `yaml:"threshold"`
		MaxAttempts            int     `yaml:"max_attempts"`
		InitialBackoffMS       int     `yaml:"initial_backoff_ms"`
		ReleaseAgentsOnFailure bool    `yaml:"release_agents_on_failure"`
	} `yaml:"verification"`
	Matching struct {
		WindowSeconds int `yaml:"window_seconds"`
	} `yaml:"matching"`
	Keys struct {
		Dir string `yaml:"dir"`
	} `yaml:"keys"`
	Logging struct {
		Level       string `yaml:"level"`
		Development bool   `yaml:"development"`
	} `yaml:"logging"`
}

func Default(home string) Config {
	base := filepath.Join(home, ".agentmarket")
	cfg := Config{}
	cfg.Store.Path = filepath.Join(base, "market.db")
	cfg.Redis.Addr = ""
	cfg.Redis.Prefix = "market"
	cfg.Gateway.Listen = "127.0.0.1:8090"
	cfg.Gateway.BatchMaxSize = 50
	cfg.Gateway.BatchIntervalMS = 100
	cfg.LLM.Provider = ""
	cfg.LLM.Model = ""
	cfg.LLM.Temperature = 0.7
	cfg.LLM.MaxOutputTokens = 160
	cfg.LLM.TimeoutSeconds = 10
	cfg.Generation.Workers = 5
	cfg.Generation.RateLimit = 10
	cfg.Generation.RateWindowSeconds = 60
	cfg.Generation.TickSeconds = 30
	cfg.Services.RegistryURL = "http://localhost:8080"
	cfg.Services.LedgerURL = "http://localhost:8080"
	cfg.Services.ConsensusURL = "http://localhost:7070"
	cfg.Services.TimeoutSeconds = 10
	cfg.Verification.Workers = 3
	cfg.Verification.Verifiers = 7
	cfg.Verification.Threshold = 0.67
	cfg.Verification.MaxAttempts = 3
	cfg.Verification.InitialBackoffMS = 1000
	cfg.Verification.ReleaseAgentsOnFailure = false
	cfg.Matching.WindowSeconds = 60
	cfg.Keys.Dir = filepath.Join(base, "keys")
	cfg.Logging.Level = "info"
	return cfg
}

// Load reads path on top of Default so a partial file keeps the defaults
// for everything it leaves out.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	home, _ := os.UserHomeDir()
	cfg := Default(home)
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Write(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}

func (c Config) BatchInterval() time.Duration {
	return time.Duration(c.Gateway.BatchIntervalMS) * time.Millisecond
}

func (c Config) ServiceTimeout() time.Duration {
	return time.Duration(c.Services.TimeoutSeconds) * time.Second
}

func (c Config) RateWindow() time.Duration {
	return time.Duration(c.Generation.RateWindowSeconds) * time.Second
}

func (c Config) Tick() time.Duration {
	return time.Duration(c.Generation.TickSeconds) * time.Second
}

func (c Config) MatchWindow() time.Duration {
	return time.Duration(c.Matching.WindowSeconds) * time.Second
}

func (c Config) InitialBackoff() time.Duration {
	return time.Duration(c.Verification.InitialBackoffMS) * time.Millisecond
}

// ApplyEnvOverrides lets the environment win over the file.
func ApplyEnvOverrides(cfg *Config, getenv func(string) string) {
	env := func(key string) string { return strings.TrimSpace(getenv(key)) }
	if v := env("MARKET_DB_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := env("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := env("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := env("GATEWAY_LISTEN"); v != "" {
		cfg.Gateway.Listen = v
	}
	if v := env("REGISTRY_URL"); v != "" {
		cfg.Services.RegistryURL = v
	}
	if v := env("LEDGER_URL"); v != "" {
		cfg.Services.LedgerURL = v
	}
	if v := env("CONSENSUS_URL"); v != "" {
		cfg.Services.ConsensusURL = v
	}
	if v := env("LLM_PROVIDER"); v != "" {
		cfg.LLM.Provider = v
	}
	if v := env("LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := env("LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := env("LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := env("OPENAI_API_KEY"); v != "" && cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = v
	}
	if v := env("OLLAMA_HOST"); v != "" && cfg.LLM.BaseURL == "" {
		cfg.LLM.BaseURL = v
	}
	if v := env("LLM_TEMPERATURE"); v != "" {
		if value, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.LLM.Temperature = value
		}
	}
	if v := env("LLM_MAX_TOKENS"); v != "" {
		if value, err := strconv.Atoi(v); err == nil {
			cfg.LLM.MaxOutputTokens = value
		}
	}
	if v := env("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := env("RELEASE_AGENTS_ON_FAILURE"); v != "" {
		if value, err := strconv.ParseBool(v); err == nil {
			cfg.Verification.ReleaseAgentsOnFailure = value
		}
	}
}
