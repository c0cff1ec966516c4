package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is shared by the client and the reference server. Values come
// from defaults, then the optional YAML file, then the environment.
type Config struct {
	// Client.
	BaseURL        string
	Origin         string
	Model          string
	FallbackModels []string
	Language       string
	UserID         string
	Token          string
	DBPath         string
	IdleTimeout    time.Duration
	DrawWindow     time.Duration
	HTTPTimeout    time.Duration
	LogLevel       slog.Level
	LogFile        string

	// Reference server.
	HTTPAddr          string
	ServerDBPath      string
	LLMProvider       string
	LLMModel          string
	LLMFallbackModels []string
	OpenRouterAPIKey  string
	OpenRouterBaseURL string
	LLMTimeout        time.Duration
	JWTSecret         string
	DailyLimit        int
	TemplateDelay     time.Duration
}

// fileConfig is the YAML layout. Durations are Go duration strings.
type fileConfig struct {
	Backend struct {
		URL     string `yaml:"url"`
		Origin  string `yaml:"origin"`
		Timeout string `yaml:"timeout"`
	} `yaml:"backend"`
	Interpretation struct {
		Model          string   `yaml:"model"`
		FallbackModels []string `yaml:"fallback_models"`
		Language       string   `yaml:"language"`
		IdleTimeout    string   `yaml:"idle_timeout"`
	} `yaml:"interpretation"`
	Draw struct {
		Window string `yaml:"window"`
	} `yaml:"draw"`
	Auth struct {
		UserID string `yaml:"user_id"`
		Token  string `yaml:"token"`
	} `yaml:"auth"`
	Storage struct {
		Path string `yaml:"path"`
	} `yaml:"storage"`
	Log struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"log"`
	Server struct {
		Addr              string   `yaml:"addr"`
		DBPath            string   `yaml:"db_path"`
		LLMProvider       string   `yaml:"llm_provider"`
		LLMModel          string   `yaml:"llm_model"`
		LLMFallbackModels []string `yaml:"llm_fallback_models"`
		OpenRouterBaseURL string   `yaml:"openrouter_base_url"`
		LLMTimeout        string   `yaml:"llm_timeout"`
		DailyLimit        int      `yaml:"daily_limit"`
		TemplateDelay     string   `yaml:"template_delay"`
	} `yaml:"server"`
}

// Load reads the configuration. path names a YAML file; when empty,
// TAROT_CONFIG is used, and a missing file is not an error. A .env file in
// the working directory is loaded first without overriding the
// environment.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	c := defaults()

	if path == "" {
		path = os.Getenv("TAROT_CONFIG")
	}
	if path != "" {
		if err := c.applyFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := c.applyEnv(); err != nil {
		return Config{}, err
	}

	if c.LLMProvider == "" {
		c.LLMProvider = "template"
		if c.OpenRouterAPIKey != "" {
			c.LLMProvider = "openrouter"
		}
	}
	if c.LLMProvider != "openrouter" && c.LLMProvider != "template" {
		return Config{}, fmt.Errorf("invalid LLM_PROVIDER %q", c.LLMProvider)
	}
	if c.LLMProvider == "openrouter" && c.OpenRouterAPIKey == "" {
		return Config{}, fmt.Errorf("OPENROUTER_API_KEY is required when LLM_PROVIDER=openrouter")
	}
	if c.DailyLimit < 1 {
		return Config{}, fmt.Errorf("daily limit must be positive, got %d", c.DailyLimit)
	}
	return c, nil
}

func defaults() Config {
	return Config{
		BaseURL:           "http://localhost:8080",
		Origin:            "http://localhost:8080",
		Model:             "mistral-large-latest",
		Language:          "en",
		DBPath:            defaultDBPath(),
		IdleTimeout:       60 * time.Second,
		DrawWindow:        300 * time.Millisecond,
		HTTPTimeout:       30 * time.Second,
		LogLevel:          slog.LevelInfo,
		HTTPAddr:          ":8080",
		ServerDBPath:      "tarotd.db",
		LLMModel:          "qwen/qwen3-4b:free",
		OpenRouterBaseURL: "https://openrouter.ai/api/v1",
		LLMTimeout:        10 * time.Second,
		DailyLimit:        5,
		TemplateDelay:     40 * time.Millisecond,
	}
}

func defaultDBPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "tarotmancer.db"
	}
	return filepath.Join(dir, "tarotmancer", "tarotmancer.db")
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	var f fileConfig
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	setString(&c.BaseURL, f.Backend.URL)
	setString(&c.Origin, f.Backend.Origin)
	setString(&c.Model, f.Interpretation.Model)
	setString(&c.Language, f.Interpretation.Language)
	setString(&c.UserID, f.Auth.UserID)
	setString(&c.Token, f.Auth.Token)
	setString(&c.DBPath, f.Storage.Path)
	setString(&c.LogFile, f.Log.File)
	setString(&c.HTTPAddr, f.Server.Addr)
	setString(&c.ServerDBPath, f.Server.DBPath)
	setString(&c.LLMProvider, f.Server.LLMProvider)
	setString(&c.LLMModel, f.Server.LLMModel)
	setString(&c.OpenRouterBaseURL, f.Server.OpenRouterBaseURL)
	if len(f.Interpretation.FallbackModels) > 0 {
		c.FallbackModels = f.Interpretation.FallbackModels
	}
	if len(f.Server.LLMFallbackModels) > 0 {
		c.LLMFallbackModels = f.Server.LLMFallbackModels
	}
	if f.Server.DailyLimit != 0 {
		c.DailyLimit = f.Server.DailyLimit
	}
	if f.Log.Level != "" {
		level, err := parseLogLevel(f.Log.Level)
		if err != nil {
			return err
		}
		c.LogLevel = level
	}

	for _, d := range []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"backend.timeout", f.Backend.Timeout, &c.HTTPTimeout},
		{"interpretation.idle_timeout", f.Interpretation.IdleTimeout, &c.IdleTimeout},
		{"draw.window", f.Draw.Window, &c.DrawWindow},
		{"server.llm_timeout", f.Server.LLMTimeout, &c.LLMTimeout},
		{"server.template_delay", f.Server.TemplateDelay, &c.TemplateDelay},
	} {
		if err := setDuration(d.dst, d.name, d.raw); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.BaseURL = envOr("TAROT_BASE_URL", c.BaseURL)
	c.Origin = envOr("TAROT_ORIGIN", c.Origin)
	c.Model = envOr("TAROT_MODEL", c.Model)
	c.Language = envOr("TAROT_LANG", c.Language)
	c.UserID = envOr("TAROT_USER_ID", c.UserID)
	c.Token = envOr("TAROT_TOKEN", c.Token)
	c.DBPath = envOr("TAROT_DB", c.DBPath)
	c.LogFile = envOr("LOG_FILE", c.LogFile)
	c.HTTPAddr = envOr("HTTP_ADDR", c.HTTPAddr)
	c.ServerDBPath = envOr("TAROTD_DB", c.ServerDBPath)
	c.LLMProvider = envOr("LLM_PROVIDER", c.LLMProvider)
	c.LLMModel = envOr("LLM_MODEL", c.LLMModel)
	c.OpenRouterAPIKey = envOr("OPENROUTER_API_KEY", c.OpenRouterAPIKey)
	c.OpenRouterBaseURL = envOr("OPENROUTER_BASE_URL", c.OpenRouterBaseURL)
	c.JWTSecret = envOr("JWT_SECRET", c.JWTSecret)
	if v := os.Getenv("TAROT_FALLBACK_MODELS"); v != "" {
		c.FallbackModels = parseFallbackModels(v)
	}
	if v := os.Getenv("LLM_FALLBACK_MODELS"); v != "" {
		c.LLMFallbackModels = parseFallbackModels(v)
	}

	if v := os.Getenv("DAILY_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid DAILY_LIMIT %q: %w", v, err)
		}
		c.DailyLimit = n
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		level, err := parseLogLevel(v)
		if err != nil {
			return err
		}
		c.LogLevel = level
	}

	for _, d := range []struct {
		key string
		dst *time.Duration
	}{
		{"TAROT_HTTP_TIMEOUT", &c.HTTPTimeout},
		{"TAROT_IDLE_TIMEOUT", &c.IdleTimeout},
		{"TAROT_DRAW_WINDOW", &c.DrawWindow},
		{"LLM_TIMEOUT", &c.LLMTimeout},
		{"TEMPLATE_DELAY", &c.TemplateDelay},
	} {
		if err := setDuration(d.dst, d.key, os.Getenv(d.key)); err != nil {
			return err
		}
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// setDuration leaves dst alone for an empty value. "0" disables a timeout.
func setDuration(dst *time.Duration, name, raw string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", name, raw, err)
	}
	if d < 0 {
		return fmt.Errorf("invalid %s %q: negative", name, raw)
	}
	*dst = d
	return nil
}

func parseFallbackModels(s string) []string {
	if s == "" {
		return nil
	}
	var models []string
	for _, m := range strings.Split(s, ",") {
		m = strings.TrimSpace(m)
		if m != "" {
			models = append(models, m)
		}
	}
	return models
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid LOG_LEVEL %q", s)
	}
}
