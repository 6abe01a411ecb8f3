package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App    App    `mapstructure:"app"`
	Server Server `mapstructure:"server"`
	Redis  Redis  `mapstructure:"redis"`
	AI     AI     `mapstructure:"ai"`
	News   News   `mapstructure:"news"`
	Cache  Cache  `mapstructure:"cache"`
}

// App holds general application configuration
type App struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
	Env      string `mapstructure:"env"`
}

// Server holds HTTP server configuration
type Server struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	CORS         CORS          `mapstructure:"cors"`
}

// CORS holds cross-origin configuration. Permissive by default.
type CORS struct {
	Enabled        bool     `mapstructure:"enabled"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Redis holds backing-store configuration
type Redis struct {
	URL string `mapstructure:"url"`
}

// AI holds Gemini configuration for the embed and summarize capabilities
type AI struct {
	Gemini GeminiConfig `mapstructure:"gemini"`
}

// GeminiConfig holds Google Gemini configuration
type GeminiConfig struct {
	APIKey         string        `mapstructure:"api_key"`
	Model          string        `mapstructure:"model"`
	EmbeddingModel string        `mapstructure:"embedding_model"`
	EmbeddingDim   int           `mapstructure:"embedding_dim"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// News holds upstream news API configuration (ingestion side)
type News struct {
	APIKey string `mapstructure:"api_key"`
}

// Cache holds TTL configuration per cache namespace
type Cache struct {
	Similar            time.Duration `mapstructure:"similar"`
	Personalized       time.Duration `mapstructure:"personalized"`
	PersonalizedSearch time.Duration `mapstructure:"personalized_search"`
	AllArticles        time.Duration `mapstructure:"all_articles"`
	ReadHistory        time.Duration `mapstructure:"read_history"`
	DailyViews         time.Duration `mapstructure:"daily_views"`
	Engagement         time.Duration `mapstructure:"engagement"`
}

var loaded *Config

// Load reads configuration from .env, an optional config file, and the
// environment. Environment variables win, with dots mapped to
// underscores (redis.url -> REDIS_URL).
func Load(configFile string) (*Config, error) {
	// .env is optional; environment variables may already be set
	_ = godotenv.Load(".env")

	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME")
		viper.SetConfigName(".pressroom")
		viper.SetConfigType("yaml")
	}

	setDefaults()

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Map the flat env names the deployment uses onto config keys.
	_ = viper.BindEnv("redis.url", "REDIS_URL")
	_ = viper.BindEnv("server.port", "PORT")
	_ = viper.BindEnv("ai.gemini.api_key", "GEMINI_API_KEY")
	_ = viper.BindEnv("news.api_key", "NEWSAPI_KEY")
	_ = viper.BindEnv("app.env", "NODE_ENV")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	loaded = cfg
	return cfg, nil
}

// Get returns the last loaded configuration, loading defaults if
// Load was never called.
func Get() *Config {
	if loaded == nil {
		cfg, err := Load("")
		if err != nil {
			panic(fmt.Sprintf("config load failed: %v", err))
		}
		return cfg
	}
	return loaded
}

func setDefaults() {
	// App defaults
	viper.SetDefault("app.debug", false)
	viper.SetDefault("app.log_level", "info")
	viper.SetDefault("app.env", "development")

	// Server defaults
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 3001)
	viper.SetDefault("server.read_timeout", "15s")
	viper.SetDefault("server.write_timeout", "30s")
	viper.SetDefault("server.cors.enabled", true)
	viper.SetDefault("server.cors.allowed_origins", []string{"*"})

	// Store defaults
	viper.SetDefault("redis.url", "redis://localhost:6379")

	// AI defaults. The index pins the embedding dimension; changing it
	// requires a re-index, so it lives in config rather than code.
	viper.SetDefault("ai.gemini.model", "gemini-2.0-flash")
	viper.SetDefault("ai.gemini.embedding_model", "gemini-embedding-001")
	viper.SetDefault("ai.gemini.embedding_dim", 768)
	viper.SetDefault("ai.gemini.timeout", "30s")

	// Cache TTL defaults per namespace
	viper.SetDefault("cache.similar", "1h")
	viper.SetDefault("cache.personalized", "30m")
	viper.SetDefault("cache.personalized_search", "15m")
	viper.SetDefault("cache.all_articles", "5m")
	viper.SetDefault("cache.read_history", "2h")
	viper.SetDefault("cache.daily_views", "720h")
	viper.SetDefault("cache.engagement", "168h")
}
