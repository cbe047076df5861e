package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration tree for inquest. Values come from
// config.yaml (or an explicit --config path), overridden by INQUEST_*
// environment variables.
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Tools     ToolsConfig     `mapstructure:"tools"`
	Bridge    BridgeConfig    `mapstructure:"bridge"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Server    ServerConfig    `mapstructure:"server"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig holds application-wide settings.
type GeneralConfig struct {
	AppName        string        `mapstructure:"app_name"`
	Debug          bool          `mapstructure:"debug"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// LLMConfig configures reasoning providers and role routing.
type LLMConfig struct {
	Provider  string                       `mapstructure:"provider"`
	Providers map[string]LLMProviderConfig `mapstructure:"providers"`
	Routing   RoutingConfig                `mapstructure:"routing"`
}

// LLMProviderConfig describes one completion backend.
type LLMProviderConfig struct {
	APIKey  string              `mapstructure:"api_key"`
	BaseURL string              `mapstructure:"base_url"`
	Timeout time.Duration       `mapstructure:"timeout"`
	Models  map[string]LLMModel `mapstructure:"models"`
}

// LLMModel describes a configured model under a provider.
type LLMModel struct {
	Name            string  `mapstructure:"name"`
	APIName         string  `mapstructure:"api_name"`
	MaxTokens       int     `mapstructure:"max_tokens"`
	Temperature     float64 `mapstructure:"temperature"`
	CostPer1KInput  float64 `mapstructure:"cost_per_1k_input"`
	CostPer1KOutput float64 `mapstructure:"cost_per_1k_output"`
}

// RoutingConfig maps engine roles to configured model keys.
type RoutingConfig struct {
	Architect  string `mapstructure:"architect"`
	Supervisor string `mapstructure:"supervisor"`
	Researcher string `mapstructure:"researcher"`
	Analyst    string `mapstructure:"analyst"`
	Writer     string `mapstructure:"writer"`
	Fallback   string `mapstructure:"fallback"`
}

// ModelFor returns the model key routed to a role, falling back to the
// configured fallback model for unknown roles.
func (r RoutingConfig) ModelFor(role string) string {
	switch strings.ToLower(role) {
	case "architect", "planner":
		if r.Architect != "" {
			return r.Architect
		}
	case "supervisor":
		if r.Supervisor != "" {
			return r.Supervisor
		}
	case "researcher":
		if r.Researcher != "" {
			return r.Researcher
		}
	case "analyst", "reconciler":
		if r.Analyst != "" {
			return r.Analyst
		}
	case "writer":
		if r.Writer != "" {
			return r.Writer
		}
	}
	return r.Fallback
}

// EngineConfig bounds the orchestration loop.
type EngineConfig struct {
	MaxRounds        int           `mapstructure:"max_rounds"`
	MaxFanOut        int           `mapstructure:"max_fan_out"`
	MaxConcurrent    int           `mapstructure:"max_concurrent"`
	TaskTimeout      time.Duration `mapstructure:"task_timeout"`
	ToolRetries      int           `mapstructure:"tool_retries"`
	EpisodeWindow    int           `mapstructure:"episode_window"`
	EvaluationPolicy string        `mapstructure:"evaluation_policy"`
}

// Validate rejects budgets that would break the engine's liveness bounds.
func (c EngineConfig) Validate() error {
	if c.MaxRounds < 1 {
		return errors.New("engine.max_rounds must be >= 1")
	}
	if c.MaxFanOut < 1 {
		return errors.New("engine.max_fan_out must be >= 1")
	}
	if c.MaxConcurrent < 1 {
		return errors.New("engine.max_concurrent must be >= 1")
	}
	if c.TaskTimeout <= 0 {
		return errors.New("engine.task_timeout must be positive")
	}
	if c.EpisodeWindow < 1 {
		return errors.New("engine.episode_window must be >= 1")
	}
	switch c.EvaluationPolicy {
	case "", "round_cap", "llm":
	default:
		return fmt.Errorf("engine.evaluation_policy %q not supported", c.EvaluationPolicy)
	}
	return nil
}

// ToolsConfig configures native tool providers and card signing.
type ToolsConfig struct {
	SigningSecret    string           `mapstructure:"signing_secret"`
	ProviderCooldown time.Duration    `mapstructure:"provider_cooldown"`
	Serper           SerperConfig     `mapstructure:"serper"`
	Brave            BraveConfig      `mapstructure:"brave"`
	DuckDuckGo       DuckDuckGoConfig `mapstructure:"duckduckgo"`
	Knowledge        KnowledgeConfig  `mapstructure:"knowledge"`
	WebFetch         WebFetchConfig   `mapstructure:"web_fetch"`
}

type SerperConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
}

type BraveConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
}

type DuckDuckGoConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	BaseURL string `mapstructure:"base_url"`
}

type KnowledgeConfig struct {
	Root string `mapstructure:"root"`
}

type WebFetchConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Timeout   time.Duration `mapstructure:"timeout"`
	MaxChars  int           `mapstructure:"max_chars"`
	UserAgent string        `mapstructure:"user_agent"`
}

// BridgeConfig lists external tool servers to spawn at startup.
type BridgeConfig struct {
	Servers []BridgeServerConfig `mapstructure:"servers"`
}

// BridgeServerConfig describes one stdio tool-server subprocess.
type BridgeServerConfig struct {
	Name    string   `mapstructure:"name"`
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
}

// StorageConfig configures persistence backends.
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

type PostgresConfig struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// DSN assembles a postgres connection string, preferring the explicit URL.
func (p PostgresConfig) DSN() (string, error) {
	if p.URL != "" {
		return p.URL, nil
	}
	if p.Host == "" || p.DBName == "" {
		return "", errors.New("postgres not configured (storage.postgres.host/dbname or url)")
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl), nil
}

type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// Addr returns host:port for the redis client.
func (r RedisConfig) Addr() string {
	port := r.Port
	if port == "" {
		port = "6379"
	}
	return r.Host + ":" + port
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr              string        `mapstructure:"addr"`
	JWTSecret         string        `mapstructure:"jwt_secret"`
	TokenTTL          time.Duration `mapstructure:"token_ttl"`
	SchedulerEnabled  bool          `mapstructure:"scheduler_enabled"`
	SchedulerInterval time.Duration `mapstructure:"scheduler_interval"`
}

// TelemetryConfig toggles tracing and cost accounting.
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

func setDefaults() {
	viper.SetDefault("general.app_name", "inquest")
	viper.SetDefault("general.default_timeout", "120s")

	viper.SetDefault("llm.provider", "openai")
	viper.SetDefault("llm.routing.fallback", "standard")

	viper.SetDefault("engine.max_rounds", 3)
	viper.SetDefault("engine.max_fan_out", 5)
	viper.SetDefault("engine.max_concurrent", 4)
	viper.SetDefault("engine.task_timeout", "90s")
	viper.SetDefault("engine.tool_retries", 2)
	viper.SetDefault("engine.episode_window", 20)
	viper.SetDefault("engine.evaluation_policy", "round_cap")

	viper.SetDefault("tools.provider_cooldown", "30s")
	viper.SetDefault("tools.serper.base_url", "https://google.serper.dev")
	viper.SetDefault("tools.brave.base_url", "https://api.search.brave.com")
	viper.SetDefault("tools.duckduckgo.enabled", true)
	viper.SetDefault("tools.duckduckgo.base_url", "https://api.duckduckgo.com")
	viper.SetDefault("tools.knowledge.root", "./data/knowledge")
	viper.SetDefault("tools.web_fetch.enabled", false)
	viper.SetDefault("tools.web_fetch.timeout", "30s")
	viper.SetDefault("tools.web_fetch.max_chars", 12000)
	viper.SetDefault("tools.web_fetch.user_agent", "Inquest/1.0 (+research)")

	viper.SetDefault("storage.redis.ttl", "1h")

	viper.SetDefault("server.addr", ":10010")
	viper.SetDefault("server.token_ttl", "24h")
	viper.SetDefault("server.scheduler_enabled", true)
	viper.SetDefault("server.scheduler_interval", "30s")

	viper.SetDefault("telemetry.enabled", true)
	viper.SetDefault("telemetry.service_name", "inquest")
}

// Load reads configuration from the given path (or the usual search
// locations when empty), applies INQUEST_* env overrides, and validates the
// sections with hard requirements. A missing config file is fine; a broken
// one is not.
func Load(path string) (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	setDefaults()

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, "..", "config"))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("INQUEST")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || path != "" {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Engine.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// MustLoad is Load that panics, for call sites with no error path.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}
