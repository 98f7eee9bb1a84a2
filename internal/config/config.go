// Package config provides configuration management using Viper
package config

import (
	"fmt"
	"log"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// Environment types
const (
	Development = "development"
	Production  = "production"
	Test        = "test"
)

// LogLevel represents the logging level for the application
type LogLevel string

// Available log levels
const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// Database types
const (
	SQLiteDatabase = "sqlite"
)

// Floors for ingestion settings. Values below these are clamped, not rejected,
// so a misconfigured deploy still starts and keeps draining the backlog.
const (
	MinBatchSize           = 1
	MinPollIntervalSeconds = 15
	MinRetentionDays       = 30
	MinRequestTimeoutMs    = 1000
	MinPurgeBatchSize      = 50
	MinLookbackHours       = 1
)

// DefaultRetrySchedule is the backoff schedule in minutes, indexed by attempt.
// The last entry repeats once attempts exceed the schedule length.
var DefaultRetrySchedule = []int{5, 15, 60, 240, 1440}

// Config holds all configuration parameters for the application
type Config struct {
	// Application settings
	AppName     string   `mapstructure:"appname"`
	AppPort     string   `mapstructure:"appport"`
	Environment string   `mapstructure:"environment"`
	LogLevel    LogLevel `mapstructure:"loglevel"`
	PrivateKey  string   `mapstructure:"privatekey"`

	// File paths
	DatabasePath string `mapstructure:"storagepath"`
	DatabaseName string `mapstructure:"-"` // Derived from other settings

	// Logging settings
	LogsDirectory    string `mapstructure:"logsdir"`
	LogsMaxSizeInMb  int    `mapstructure:"logsmaxsizeinmb"`
	LogsMaxBackups   int    `mapstructure:"logsmaxbackups"`
	LogsMaxAgeInDays int    `mapstructure:"logsmaxageindays"`

	// Database settings
	DatabaseType         string `mapstructure:"dbtype"`
	DatabaseMaxOpenConns int    `mapstructure:"dbmaxopenconns"`
	DatabaseMaxIdleConns int    `mapstructure:"dbmaxidleconns"`

	// Warehouse ingestion settings
	IngestEndpoint       string `mapstructure:"ingestendpoint"`
	IngestAPIKey         string `mapstructure:"ingestapikey"`
	BatchSize            int    `mapstructure:"ingestbatchsize"`
	PollIntervalSeconds  int    `mapstructure:"ingestpollintervalseconds"`
	RetentionDays        int    `mapstructure:"retentiondays"`
	RequestTimeoutMs     int    `mapstructure:"ingestrequesttimeoutms"`
	PurgeBatchSize       int    `mapstructure:"purgebatchsize"`
	RetryScheduleMinutes string `mapstructure:"retryscheduleminutes"`
	LookbackHours        int    `mapstructure:"lookbackhours"`
}

var (
	cfg  *Config
	once sync.Once
)

// GetConfig returns the application configuration
func GetConfig() *Config {
	once.Do(func() {
		v := viper.New()

		// Set defaults
		v.SetDefault("appname", "tradepost")
		v.SetDefault("appport", "3000")
		v.SetDefault("environment", Development)
		v.SetDefault("loglevel", string(LogLevelDebug))
		v.SetDefault("privatekey", "88888888888888888888888888888888")
		v.SetDefault("storagepath", "storage")
		v.SetDefault("logsdir", "logs")
		v.SetDefault("logsmaxsizeinmb", 20)
		v.SetDefault("logsmaxbackups", 10)
		v.SetDefault("logsmaxageindays", 30)
		v.SetDefault("dbtype", SQLiteDatabase)
		v.SetDefault("dbmaxopenconns", 0)
		v.SetDefault("dbmaxidleconns", 0)
		v.SetDefault("ingestendpoint", "")
		v.SetDefault("ingestapikey", "")
		v.SetDefault("ingestbatchsize", 200)
		v.SetDefault("ingestpollintervalseconds", 60)
		v.SetDefault("retentiondays", 395)
		v.SetDefault("ingestrequesttimeoutms", 15000)
		v.SetDefault("purgebatchsize", 200)
		v.SetDefault("retryscheduleminutes", "5,15,60,240,1440")
		v.SetDefault("lookbackhours", 48)

		// Bind environment variables
		v.BindEnv("appname", "TRADEPOST_APP_NAME")
		v.BindEnv("appport", "TRADEPOST_APP_PORT")
		v.BindEnv("environment", "TRADEPOST_ENV")
		v.BindEnv("loglevel", "TRADEPOST_LOG_LEVEL")
		v.BindEnv("privatekey", "TRADEPOST_PRIVATE_KEY")
		v.BindEnv("storagepath", "TRADEPOST_STORAGE_PATH")
		v.BindEnv("logsdir", "TRADEPOST_LOGS_DIR")
		v.BindEnv("logsmaxsizeinmb", "TRADEPOST_LOGS_MAX_SIZE_IN_MB")
		v.BindEnv("logsmaxbackups", "TRADEPOST_LOGS_MAX_BACKUPS")
		v.BindEnv("logsmaxageindays", "TRADEPOST_LOGS_MAX_AGE_IN_DAYS")
		v.BindEnv("dbtype", "TRADEPOST_DB_TYPE")
		v.BindEnv("dbmaxopenconns", "TRADEPOST_DB_MAX_OPEN_CONNS")
		v.BindEnv("dbmaxidleconns", "TRADEPOST_DB_MAX_IDLE_CONNS")
		v.BindEnv("ingestendpoint", "TRADEPOST_INGEST_ENDPOINT")
		v.BindEnv("ingestapikey", "TRADEPOST_INGEST_API_KEY")
		v.BindEnv("ingestbatchsize", "TRADEPOST_INGEST_BATCH_SIZE")
		v.BindEnv("ingestpollintervalseconds", "TRADEPOST_INGEST_POLL_INTERVAL_SECONDS")
		v.BindEnv("retentiondays", "TRADEPOST_RETENTION_DAYS")
		v.BindEnv("ingestrequesttimeoutms", "TRADEPOST_INGEST_REQUEST_TIMEOUT_MS")
		v.BindEnv("purgebatchsize", "TRADEPOST_PURGE_BATCH_SIZE")
		v.BindEnv("retryscheduleminutes", "TRADEPOST_RETRY_SCHEDULE_MINUTES")
		v.BindEnv("lookbackhours", "TRADEPOST_LOOKBACK_HOURS")

		cfg = &Config{}
		if err := v.Unmarshal(cfg); err != nil {
			log.Fatalf("config: failed to unmarshal configuration: %v", err)
		}

		// Validate
		if err := cfg.validate(); err != nil {
			log.Fatalf("config: invalid configuration: %v", err)
		}

		// Set derived values
		cfg.DatabaseName = cfg.GetDatabasePath()

		// Validate private key - in production, must be explicitly set (not empty, not default)
		defaultKey := "88888888888888888888888888888888"
		if cfg.PrivateKey == "" {
			log.Fatal("Private key is required")
		}
		if cfg.IsProduction() && cfg.PrivateKey == defaultKey {
			log.Fatal("Production requires a unique TRADEPOST_PRIVATE_KEY (cannot use default)")
		}
	})
	return cfg
}

// validate checks the configuration for errors
func (c *Config) validate() error {
	validEnvs := map[string]bool{
		Development: true,
		Production:  true,
		Test:        true,
	}
	if !validEnvs[c.Environment] {
		return fmt.Errorf("invalid environment: %s", c.Environment)
	}

	validDBTypes := map[string]bool{
		SQLiteDatabase: true,
	}
	if !validDBTypes[c.DatabaseType] {
		return fmt.Errorf("invalid database type: %s", c.DatabaseType)
	}

	return nil
}

// GetDatabasePath returns the appropriate database path based on environment
func (c *Config) GetDatabasePath() string {
	if c.DatabaseName == "" {
		c.DatabaseName = filepath.Join(c.DatabasePath,
			fmt.Sprintf("%s-%s.db", c.AppName, c.Environment))
	}
	return c.DatabaseName
}

// IsDevelopment returns true if the environment is development
func (c *Config) IsDevelopment() bool {
	return c.Environment == Development
}

// IsProduction returns true if the environment is production
func (c *Config) IsProduction() bool {
	return c.Environment == Production
}

// IsTest returns true if the environment is test
func (c *Config) IsTest() bool {
	return c.Environment == Test
}

// GetPort returns the HTTP server port (implements cartridge.Config interface).
func (c *Config) GetPort() string {
	return c.AppPort
}

// GetPublicDirectory returns the path to public/static assets (implements cartridge.Config interface).
// Tradepost serves no static assets, so this is always empty.
func (c *Config) GetPublicDirectory() string {
	return ""
}

// GetAssetsPrefix returns the URL prefix for static assets (implements cartridge.Config interface).
// Tradepost serves no static assets, so this is always empty.
func (c *Config) GetAssetsPrefix() string {
	return ""
}

// GetAppName returns the application name (implements cartridge.FactoryConfig interface).
func (c *Config) GetAppName() string {
	return c.AppName
}

// DatabaseDSN returns the database connection string (implements cartridge.FactoryConfig interface).
func (c *Config) DatabaseDSN() string {
	return c.GetDatabasePath()
}

// GetSessionSecret returns the session encryption key (implements cartridge.FactoryConfig interface).
func (c *Config) GetSessionSecret() string {
	return c.PrivateKey
}

// GetMaxOpenConns returns the appropriate MaxOpenConns value based on environment
func (c *Config) GetMaxOpenConns() int {
	if c.DatabaseMaxOpenConns > 0 {
		return c.DatabaseMaxOpenConns
	}

	if c.Environment == Test {
		return 1 // Required for test stability
	}

	return 10
}

// GetMaxIdleConns returns the appropriate MaxIdleConns value based on environment
func (c *Config) GetMaxIdleConns() int {
	if c.DatabaseMaxIdleConns > 0 {
		return c.DatabaseMaxIdleConns
	}

	if c.Environment == Test {
		return 1 // Matches MaxOpenConns for test stability
	}

	return 5
}

// GetLogLevel returns the log level as a string (implements cartridge.LogConfigProvider).
func (c *Config) GetLogLevel() string {
	return string(c.LogLevel)
}

// GetLogDirectory returns the logs directory (implements cartridge.LogConfigProvider).
func (c *Config) GetLogDirectory() string {
	return c.LogsDirectory
}

// GetLogMaxSizeMB returns the max log file size in MB (implements cartridge.LogConfigProvider).
func (c *Config) GetLogMaxSizeMB() int {
	return c.LogsMaxSizeInMb
}

// GetLogMaxBackups returns the max number of log backups (implements cartridge.LogConfigProvider).
func (c *Config) GetLogMaxBackups() int {
	return c.LogsMaxBackups
}

// GetLogMaxAgeDays returns the max age in days for log files (implements cartridge.LogConfigProvider).
func (c *Config) GetLogMaxAgeDays() int {
	return c.LogsMaxAgeInDays
}

// GetBatchSize returns the ingestion batch size, clamped to the floor.
func (c *Config) GetBatchSize() int {
	if c.BatchSize < MinBatchSize {
		return MinBatchSize
	}
	return c.BatchSize
}

// GetPollInterval returns the ingestion poll interval, clamped to the floor.
func (c *Config) GetPollInterval() time.Duration {
	seconds := c.PollIntervalSeconds
	if seconds < MinPollIntervalSeconds {
		seconds = MinPollIntervalSeconds
	}
	return time.Duration(seconds) * time.Second
}

// GetRetentionDays returns the retention window in days, clamped to the floor.
func (c *Config) GetRetentionDays() int {
	if c.RetentionDays < MinRetentionDays {
		return MinRetentionDays
	}
	return c.RetentionDays
}

// GetRequestTimeout returns the warehouse request timeout, clamped to the floor.
func (c *Config) GetRequestTimeout() time.Duration {
	ms := c.RequestTimeoutMs
	if ms < MinRequestTimeoutMs {
		ms = MinRequestTimeoutMs
	}
	return time.Duration(ms) * time.Millisecond
}

// GetPurgeBatchSize returns the per-cycle purge cap, clamped to the floor.
func (c *Config) GetPurgeBatchSize() int {
	if c.PurgeBatchSize < MinPurgeBatchSize {
		return MinPurgeBatchSize
	}
	return c.PurgeBatchSize
}

// GetLookbackHours returns the backfill lookback window, clamped to the floor.
func (c *Config) GetLookbackHours() int {
	if c.LookbackHours < MinLookbackHours {
		return MinLookbackHours
	}
	return c.LookbackHours
}

// GetRetrySchedule parses the retry schedule setting into minutes per attempt.
// The schedule must be a non-empty ascending list of positive integers;
// anything else falls back to the default schedule.
func (c *Config) GetRetrySchedule() []int {
	raw := strings.TrimSpace(c.RetryScheduleMinutes)
	if raw == "" {
		return DefaultRetrySchedule
	}

	parts := strings.Split(raw, ",")
	schedule := make([]int, 0, len(parts))
	prev := 0
	for _, part := range parts {
		minutes, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || minutes <= 0 || minutes < prev {
			return DefaultRetrySchedule
		}
		schedule = append(schedule, minutes)
		prev = minutes
	}
	if len(schedule) == 0 {
		return DefaultRetrySchedule
	}
	return schedule
}

// Reset clears the cached configuration; intended for tests.
func Reset() {
	once = sync.Once{}
	cfg = nil
}
