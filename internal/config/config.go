package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Index     IndexConfig     `mapstructure:"index"`
	Enrich    EnrichConfig    `mapstructure:"enrich"`
	Download  DownloadConfig  `mapstructure:"download"`
	Dedup     DedupConfig     `mapstructure:"dedup"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Cleaner   CleanerConfig   `mapstructure:"cleaner"`
}

type ServerConfig struct {
	Port int        `mapstructure:"port"`
	Mode string     `mapstructure:"mode"`
	CORS CORSConfig `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	AllowAllOrigins bool     `mapstructure:"allow_all_origins"`
}

// DatabaseConfig selects the catalog store. SQLite is the embedded default;
// postgres lets several hosts share one catalog with the same schema.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Path            string        `mapstructure:"path"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	BusyTimeoutMs   int           `mapstructure:"busy_timeout_ms"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	LogLevel        string        `mapstructure:"log_level"`
}

// DSN returns the driver-specific connection string.
func (c *DatabaseConfig) DSN() string {
	if c.Driver == "postgres" {
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
	}
	return fmt.Sprintf("%s?_busy_timeout=%d&_journal_mode=WAL", c.Path, c.BusyTimeoutMs)
}

type ArchiveConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	UserAgent string        `mapstructure:"user_agent"`
	Timeout   time.Duration `mapstructure:"timeout"`
	PageSize  int           `mapstructure:"page_size"`
	Fields    []string      `mapstructure:"fields"`
}

// RateLimitConfig parameterizes the per-worker adaptive limiter.
type RateLimitConfig struct {
	BaseDelay     time.Duration `mapstructure:"base_delay"`
	MinDelay      time.Duration `mapstructure:"min_delay"`
	MaxDelay      time.Duration `mapstructure:"max_delay"`
	BackoffFactor float64       `mapstructure:"backoff_factor"`
	SpeedupFactor float64       `mapstructure:"speedup_factor"`
	SuccessStreak int           `mapstructure:"success_streak"`
	MaxRetries    int           `mapstructure:"max_retries"`
}

type IndexConfig struct {
	Query         string        `mapstructure:"query"`
	DateFrom      string        `mapstructure:"date_from"`
	DateTo        string        `mapstructure:"date_to"`
	BatchDelay    time.Duration `mapstructure:"batch_delay"`
	MaxEmptyPages int           `mapstructure:"max_empty_pages"`
	MaxRetries    int           `mapstructure:"max_retries"`
}

type EnrichConfig struct {
	Workers       int           `mapstructure:"workers"`
	MinQuality    float64       `mapstructure:"min_quality"`
	MaxQuality    float64       `mapstructure:"max_quality"`
	FlushEvery    int           `mapstructure:"flush_every"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

type DownloadConfig struct {
	Workers          int     `mapstructure:"workers"`
	MinQuality       float64 `mapstructure:"min_quality"`
	MinPages         int     `mapstructure:"min_pages"`
	OutputDir        string  `mapstructure:"output_dir"`
	ReferenceCatalog string  `mapstructure:"reference_catalog"`
	RetryFailed      bool    `mapstructure:"retry_failed"`
}

type DedupConfig struct {
	Threshold   float64  `mapstructure:"threshold"`
	NumPerm     int      `mapstructure:"num_perm"`
	ShingleSize int      `mapstructure:"shingle_size"`
	MinWords    int      `mapstructure:"min_words"`
	Prefer      []string `mapstructure:"prefer"`
	OutputDir   string   `mapstructure:"output_dir"`
	Workers     int      `mapstructure:"workers"`
	Report      string   `mapstructure:"report"`
}

// StorageConfig describes the S3-compatible bucket the merged corpus is published to.
type StorageConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Type      string `mapstructure:"type"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	PublicURL string `mapstructure:"public_url"`
	Prefix    string `mapstructure:"prefix"`
}

// CleanerConfig points the download phase at an external text-repair service.
type CleanerConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

func Load(configPath string) (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Credentials come from the environment only
	v.BindEnv("database.password", "DATABASE_PASSWORD")
	v.BindEnv("storage.access_key", "STORAGE_ACCESS_KEY")
	v.BindEnv("storage.secret_key", "STORAGE_SECRET_KEY")
	v.BindEnv("storage.endpoint", "STORAGE_ENDPOINT")
	v.BindEnv("archive.base_url", "ARCHIVE_BASE_URL")
	v.BindEnv("cleaner.api_key", "CLEANER_API_KEY")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.cors.allow_all_origins", true)
	v.SetDefault("server.cors.allowed_origins", []string{})

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/catalog.db")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.busy_timeout_ms", 10000)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.max_open_conns", 16)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.log_level", "warn")

	v.SetDefault("archive.base_url", "https://archive.org")
	v.SetDefault("archive.user_agent", "bookharvest/1.0")
	v.SetDefault("archive.timeout", 60*time.Second)
	v.SetDefault("archive.page_size", 10000)
	v.SetDefault("archive.fields", []string{
		"identifier", "title", "creator", "date", "year",
		"collection", "subject", "format", "imagecount",
	})

	v.SetDefault("ratelimit.base_delay", time.Second)
	v.SetDefault("ratelimit.min_delay", 250*time.Millisecond)
	v.SetDefault("ratelimit.max_delay", 60*time.Second)
	v.SetDefault("ratelimit.backoff_factor", 2.0)
	v.SetDefault("ratelimit.speedup_factor", 0.9)
	v.SetDefault("ratelimit.success_streak", 10)
	v.SetDefault("ratelimit.max_retries", 3)

	v.SetDefault("index.query", "mediatype:texts")
	v.SetDefault("index.batch_delay", time.Second)
	v.SetDefault("index.max_empty_pages", 2)
	v.SetDefault("index.max_retries", 5)

	v.SetDefault("enrich.workers", 4)
	v.SetDefault("enrich.min_quality", 0.0)
	v.SetDefault("enrich.max_quality", 1.0)
	v.SetDefault("enrich.flush_every", 100)
	v.SetDefault("enrich.flush_interval", 30*time.Second)

	v.SetDefault("download.workers", 4)
	v.SetDefault("download.min_quality", 0.0)
	v.SetDefault("download.min_pages", 50)
	v.SetDefault("download.output_dir", "./data/texts")
	v.SetDefault("download.retry_failed", false)

	v.SetDefault("dedup.threshold", 0.8)
	v.SetDefault("dedup.num_perm", 128)
	v.SetDefault("dedup.shingle_size", 5)
	v.SetDefault("dedup.min_words", 50)
	v.SetDefault("dedup.prefer", []string{"gutenberg", "ia"})
	v.SetDefault("dedup.output_dir", "./data/merged")
	v.SetDefault("dedup.workers", 8)
	v.SetDefault("dedup.report", "dedup_report.json")

	v.SetDefault("storage.enabled", false)
	v.SetDefault("storage.use_ssl", true)
	v.SetDefault("storage.prefix", "corpus")

	v.SetDefault("cleaner.enabled", false)
	v.SetDefault("cleaner.timeout", 120*time.Second)
}

// Validate checks cross-field constraints that defaults cannot guarantee.
func (c *Config) Validate() error {
	if c.Enrich.MinQuality > c.Enrich.MaxQuality {
		return fmt.Errorf("enrich: min_quality %.2f exceeds max_quality %.2f", c.Enrich.MinQuality, c.Enrich.MaxQuality)
	}
	if c.RateLimit.MinDelay > c.RateLimit.MaxDelay {
		return fmt.Errorf("ratelimit: min_delay %s exceeds max_delay %s", c.RateLimit.MinDelay, c.RateLimit.MaxDelay)
	}
	if c.Dedup.Threshold <= 0 || c.Dedup.Threshold > 1 {
		return fmt.Errorf("dedup: threshold must be in (0, 1], got %.2f", c.Dedup.Threshold)
	}
	if c.Dedup.NumPerm <= 0 || c.Dedup.ShingleSize <= 0 || c.Dedup.MinWords <= 0 {
		return fmt.Errorf("dedup: num_perm, shingle_size and min_words must be positive")
	}
	if c.Cleaner.Enabled && c.Cleaner.BaseURL == "" {
		return fmt.Errorf("cleaner: base_url is required when the cleaner is enabled")
	}
	if c.Storage.Enabled && c.Storage.Bucket == "" {
		return fmt.Errorf("storage: bucket is required when storage is enabled")
	}
	return nil
}
