package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	DataDir string        `yaml:"data_dir" mapstructure:"data_dir"`
	Sources SourcesConfig `yaml:"sources" mapstructure:"sources"`
	Fetch   FetchConfig   `yaml:"fetch" mapstructure:"fetch"`
	Geocode GeocodeConfig `yaml:"geocode" mapstructure:"geocode"`
	Store   StoreConfig   `yaml:"store" mapstructure:"store"`
	Server  ServerConfig  `yaml:"server" mapstructure:"server"`
	Log     LogConfig     `yaml:"log" mapstructure:"log"`
}

// SourcesConfig locates the source descriptor file, locally and on GitHub.
type SourcesConfig struct {
	Path      string       `yaml:"path" mapstructure:"path"`
	RemoteURL string       `yaml:"remote_url" mapstructure:"remote_url"`
	GitHub    GitHubConfig `yaml:"github" mapstructure:"github"`
}

// GitHubConfig holds the contents-API coordinates used to update the
// remote descriptor file.
type GitHubConfig struct {
	Token  string `yaml:"token" mapstructure:"token"`
	APIURL string `yaml:"api_url" mapstructure:"api_url"`
	Repo   string `yaml:"repo" mapstructure:"repo"`
	Path   string `yaml:"path" mapstructure:"path"`
	Branch string `yaml:"branch" mapstructure:"branch"`
}

// FetchConfig configures portal acquisition.
type FetchConfig struct {
	UserAgent          string        `yaml:"user_agent" mapstructure:"user_agent"`
	Timeout            time.Duration `yaml:"timeout" mapstructure:"timeout"`
	MaxRetries         int           `yaml:"max_retries" mapstructure:"max_retries"`
	RateLimit          float64       `yaml:"rate_limit" mapstructure:"rate_limit"`
	PageSize           int           `yaml:"page_size" mapstructure:"page_size"`
	PageMargin         int           `yaml:"page_margin" mapstructure:"page_margin"`
	BatchMargin        int           `yaml:"batch_margin" mapstructure:"batch_margin"`
	MaxInFlight        int           `yaml:"max_in_flight" mapstructure:"max_in_flight"`
	PageMaxAttempts    int           `yaml:"page_max_attempts" mapstructure:"page_max_attempts"`
	PageInitialBackoff time.Duration `yaml:"page_initial_backoff" mapstructure:"page_initial_backoff"`
	PageMaxBackoff     time.Duration `yaml:"page_max_backoff" mapstructure:"page_max_backoff"`
}

// GeocodeConfig configures the ArcGIS geocoding run.
type GeocodeConfig struct {
	APIKey        string        `yaml:"api_key" mapstructure:"api_key"`
	BaseURL       string        `yaml:"base_url" mapstructure:"base_url"`
	MaxRetries    int           `yaml:"max_retries" mapstructure:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay" mapstructure:"retry_delay"`
	Timeout       time.Duration `yaml:"timeout" mapstructure:"timeout"`
	Concurrency   int           `yaml:"concurrency" mapstructure:"concurrency"`
	RateLimit     float64       `yaml:"rate_limit" mapstructure:"rate_limit"`
	SkipExhausted bool          `yaml:"skip_exhausted" mapstructure:"skip_exhausted"`
	GeoJSON       bool          `yaml:"geojson" mapstructure:"geojson"`
	CacheTTLDays  int           `yaml:"cache_ttl_days" mapstructure:"cache_ttl_days"`
}

// StoreConfig configures the run-log database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
}

// ServerConfig configures the status API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("OPENDATA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Secrets also answer to the names the portal tooling has always used.
	if err := v.BindEnv("geocode.api_key", "OPENDATA_GEOCODE_API_KEY", "ARCGIS_API_KEY"); err != nil {
		return nil, eris.Wrap(err, "config: bind geocode.api_key")
	}
	if err := v.BindEnv("sources.github.token", "OPENDATA_SOURCES_GITHUB_TOKEN", "GH_TOKEN"); err != nil {
		return nil, eris.Wrap(err, "config: bind sources.github.token")
	}

	// Defaults
	v.SetDefault("data_dir", "data")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("sources.path", "config.json")
	v.SetDefault("sources.remote_url", "https://raw.githubusercontent.com/UK-IPOP/open-data-pipeline/main/config.json")
	v.SetDefault("sources.github.api_url", "https://api.github.com")
	v.SetDefault("sources.github.repo", "UK-IPOP/open-data-pipeline")
	v.SetDefault("sources.github.path", "config.json")
	v.SetDefault("sources.github.branch", "main")
	v.SetDefault("fetch.user_agent", "opendata-pipeline/1.0")
	v.SetDefault("fetch.timeout", 20*time.Second)
	v.SetDefault("fetch.max_retries", 3)
	v.SetDefault("fetch.rate_limit", 20.0)
	v.SetDefault("fetch.page_size", 1000)
	v.SetDefault("fetch.page_margin", 2000)
	v.SetDefault("fetch.batch_margin", 1000)
	v.SetDefault("fetch.max_in_flight", 10)
	v.SetDefault("fetch.page_max_attempts", 8)
	v.SetDefault("fetch.page_initial_backoff", time.Second)
	v.SetDefault("fetch.page_max_backoff", time.Minute)
	v.SetDefault("geocode.base_url", "https://geocode.arcgis.com/arcgis/rest/services/World/GeocodeServer/findAddressCandidates")
	v.SetDefault("geocode.max_retries", 5)
	v.SetDefault("geocode.retry_delay", 10*time.Second)
	v.SetDefault("geocode.timeout", 20*time.Second)
	v.SetDefault("geocode.concurrency", 10)
	v.SetDefault("geocode.rate_limit", 20.0)
	v.SetDefault("geocode.cache_ttl_days", 30)
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "data/pipeline.db")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the numeric knobs that would otherwise stall a run.
func (c *Config) Validate() error {
	if c.Fetch.PageSize <= 0 {
		return eris.Errorf("config: fetch.page_size must be positive, got %d", c.Fetch.PageSize)
	}
	if c.Fetch.MaxInFlight <= 0 {
		return eris.Errorf("config: fetch.max_in_flight must be positive, got %d", c.Fetch.MaxInFlight)
	}
	if c.Fetch.PageMaxAttempts <= 0 {
		return eris.Errorf("config: fetch.page_max_attempts must be positive, got %d", c.Fetch.PageMaxAttempts)
	}
	if c.Geocode.MaxRetries < 0 {
		return eris.Errorf("config: geocode.max_retries must not be negative, got %d", c.Geocode.MaxRetries)
	}
	if c.Geocode.Concurrency <= 0 {
		return eris.Errorf("config: geocode.concurrency must be positive, got %d", c.Geocode.Concurrency)
	}
	switch c.Store.Driver {
	case "sqlite", "postgres", "none":
	default:
		return eris.Errorf("config: unsupported store driver %q", c.Store.Driver)
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
