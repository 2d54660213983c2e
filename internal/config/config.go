package config

import (
  "fmt"
  "os"
  "path/filepath"
  "strings"
  "sync"
  "time"

  "github.com/joho/godotenv"
  "github.com/spf13/viper"
)

var (
  once   sync.Once
  config *Config
)

// Config represents the application configuration
type Config struct {
  // DataDir holds the database and log files
  DataDir string `mapstructure:"data_dir"`

  // Accounts limits the engine to these account ids; empty means all
  Accounts []int64 `mapstructure:"accounts"`

  Database  DatabaseConfig  `mapstructure:"database"`
  Scheduler SchedulerConfig `mapstructure:"scheduler"`
  Batch     BatchConfig     `mapstructure:"batch"`
  Remote    RemoteConfig    `mapstructure:"remote"`
  Download  DownloadConfig  `mapstructure:"download"`
  Metrics   MetricsConfig   `mapstructure:"metrics"`
  Notify    NotifyConfig    `mapstructure:"notify"`
  Log       LogConfig       `mapstructure:"log"`

  Version string `mapstructure:"version"`
}

// DatabaseConfig contains record store settings
type DatabaseConfig struct {
  Path         string `mapstructure:"path"`
  MaxOpenConns int    `mapstructure:"max_open_conns"`
  MaxIdleConns int    `mapstructure:"max_idle_conns"`
  MaxIdleTime  int    `mapstructure:"max_idle_time"` // seconds
}

// SchedulerConfig contains the auto-download scheduler settings
type SchedulerConfig struct {
  DiscoveryInterval int `mapstructure:"discovery_interval"` // seconds
  DownloadInterval  int `mapstructure:"download_interval"`  // seconds
  ScanBudget        int `mapstructure:"scan_budget"`        // seconds per discovery chain
  DefaultLimit      int `mapstructure:"default_limit"`      // per-account concurrent downloads
  SentinelCacheSize int `mapstructure:"sentinel_cache_size"`
  SentinelTTL       int `mapstructure:"sentinel_ttl"`   // seconds
  SettingsPoll      int `mapstructure:"settings_poll"`  // seconds, 0 disables
}

// BatchConfig contains manual batch download settings
type BatchConfig struct {
  Size     int `mapstructure:"size"`
  Interval int `mapstructure:"interval"` // seconds
}

// RemoteConfig contains remote content source settings
type RemoteConfig struct {
  RateLimit      float64 `mapstructure:"rate_limit"` // requests per second
  Burst          int     `mapstructure:"burst"`
  MaxRetries     int     `mapstructure:"max_retries"`
  RequestTimeout int     `mapstructure:"request_timeout"` // seconds
  ReplayFile     string  `mapstructure:"replay_file"`
}

// DownloadConfig contains transfer bookkeeping settings
type DownloadConfig struct {
  TrackDownloaded bool `mapstructure:"track_downloaded"`
}

// MetricsConfig contains the ops endpoint settings
type MetricsConfig struct {
  Enabled bool   `mapstructure:"enabled"`
  Listen  string `mapstructure:"listen"`
}

// NotifyConfig contains the operator notification settings
type NotifyConfig struct {
  BotToken string `mapstructure:"bot_token"`
  ChatID   int64  `mapstructure:"chat_id"`
  ThreadID int    `mapstructure:"thread_id"`
}

// LogConfig contains logging settings
type LogConfig struct {
  Level      string `mapstructure:"level"`  // trace, debug, info, warn, error
  Format     string `mapstructure:"format"` // json, pretty
  Output     string `mapstructure:"output"` // stdout, stderr, file
  File       string `mapstructure:"file"`
  MaxSize    int    `mapstructure:"max_size"` // MB
  MaxBackups int    `mapstructure:"max_backups"`
}

// Load initializes and loads the configuration
func Load(cfgFile ...string) (*Config, error) {
  once.Do(func() {
    configFile := ""
    if len(cfgFile) > 0 {
      configFile = cfgFile[0]
    }
    initViper(configFile)
  })

  cfg, err := LoadFromViper(viper.GetViper())
  if err != nil {
    return nil, err
  }
  config = cfg
  return config, nil
}

// LoadFromViper unmarshals a configuration from the given viper instance
func LoadFromViper(v *viper.Viper) (*Config, error) {
  cfg := &Config{}
  if err := v.Unmarshal(cfg); err != nil {
    return nil, fmt.Errorf("failed to unmarshal config: %w", err)
  }

  setDefaults(cfg)

  if err := cfg.Validate(); err != nil {
    return nil, err
  }
  return cfg, nil
}

// Get returns the current configuration
func Get() *Config {
  if config == nil {
    config, _ = Load("")
  }
  return config
}

// Save writes the current configuration to file
func Save() error {
  configFile := ConfigPath()

  if err := os.MkdirAll(filepath.Dir(configFile), 0755); err != nil {
    return fmt.Errorf("failed to create config directory: %w", err)
  }

  return viper.WriteConfigAs(configFile)
}

func initViper(cfgFile string) {
  // .env is optional; real environment variables win over it
  _ = godotenv.Load()

  if cfgFile != "" {
    viper.SetConfigFile(cfgFile)
  } else {
    viper.AddConfigPath(DataDir())
    viper.SetConfigType("yaml")
    viper.SetConfigName("config")
  }

  viper.SetEnvPrefix("TGFILES")
  viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
  viper.AutomaticEnv()

  SetViperDefaults(viper.GetViper())

  _ = viper.ReadInConfig()
}

// SetViperDefaults registers default values on v
func SetViperDefaults(v *viper.Viper) {
  dataDir := DataDir()

  v.SetDefault("data_dir", dataDir)
  v.SetDefault("accounts", []int64{})

  v.SetDefault("database.path", filepath.Join(dataDir, "tgfiles.db"))
  v.SetDefault("database.max_open_conns", 1)
  v.SetDefault("database.max_idle_conns", 1)
  v.SetDefault("database.max_idle_time", 300)

  v.SetDefault("scheduler.discovery_interval", 120)
  v.SetDefault("scheduler.download_interval", 10)
  v.SetDefault("scheduler.scan_budget", 10)
  v.SetDefault("scheduler.default_limit", 5)
  v.SetDefault("scheduler.sentinel_cache_size", 512)
  v.SetDefault("scheduler.sentinel_ttl", 600)
  v.SetDefault("scheduler.settings_poll", 5)

  v.SetDefault("batch.size", 10)
  v.SetDefault("batch.interval", 5)

  v.SetDefault("remote.rate_limit", 20.0)
  v.SetDefault("remote.burst", 5)
  v.SetDefault("remote.max_retries", 3)
  v.SetDefault("remote.request_timeout", 30)
  v.SetDefault("remote.replay_file", "")

  v.SetDefault("download.track_downloaded", false)

  v.SetDefault("metrics.enabled", true)
  v.SetDefault("metrics.listen", "127.0.0.1:9464")

  v.SetDefault("notify.bot_token", "")
  v.SetDefault("notify.chat_id", 0)
  v.SetDefault("notify.thread_id", 0)

  v.SetDefault("log.level", "info")
  v.SetDefault("log.format", "json")
  v.SetDefault("log.output", "stdout")
  v.SetDefault("log.file", filepath.Join(dataDir, "logs", "tgfiles.log"))
  v.SetDefault("log.max_size", 10)
  v.SetDefault("log.max_backups", 3)

  v.SetDefault("version", "0.4.0")
}

// setDefaults fills zero values left by a partial config file
func setDefaults(cfg *Config) {
  if cfg.DataDir == "" {
    cfg.DataDir = DataDir()
  }
  if cfg.Database.Path == "" {
    cfg.Database.Path = filepath.Join(cfg.DataDir, "tgfiles.db")
  }
  if cfg.Database.MaxOpenConns == 0 {
    cfg.Database.MaxOpenConns = 1
  }
  if cfg.Scheduler.DiscoveryInterval == 0 {
    cfg.Scheduler.DiscoveryInterval = 120
  }
  if cfg.Scheduler.DownloadInterval == 0 {
    cfg.Scheduler.DownloadInterval = 10
  }
  if cfg.Scheduler.ScanBudget == 0 {
    cfg.Scheduler.ScanBudget = 10
  }
  if cfg.Scheduler.DefaultLimit == 0 {
    cfg.Scheduler.DefaultLimit = 5
  }
  if cfg.Scheduler.SentinelCacheSize == 0 {
    cfg.Scheduler.SentinelCacheSize = 512
  }
  if cfg.Scheduler.SentinelTTL == 0 {
    cfg.Scheduler.SentinelTTL = 600
  }
  if cfg.Batch.Size == 0 {
    cfg.Batch.Size = 10
  }
  if cfg.Batch.Interval == 0 {
    cfg.Batch.Interval = 5
  }
  if cfg.Remote.Burst == 0 {
    cfg.Remote.Burst = 5
  }
  if cfg.Log.Level == "" {
    cfg.Log.Level = "info"
  }
  if cfg.Log.Output == "" {
    cfg.Log.Output = "stdout"
  }
}

// Validate rejects values the engine cannot run with
func (c *Config) Validate() error {
  if c.Scheduler.DefaultLimit < 0 {
    return fmt.Errorf("scheduler.default_limit must not be negative, got %d", c.Scheduler.DefaultLimit)
  }
  if c.Batch.Size < 1 {
    return fmt.Errorf("batch.size must be at least 1, got %d", c.Batch.Size)
  }
  if c.Remote.RateLimit < 0 {
    return fmt.Errorf("remote.rate_limit must not be negative, got %v", c.Remote.RateLimit)
  }
  switch c.Log.Output {
  case "stdout", "stderr", "file":
  default:
    return fmt.Errorf("log.output must be stdout, stderr or file, got %q", c.Log.Output)
  }
  if c.Notify.BotToken != "" && c.Notify.ChatID == 0 {
    return fmt.Errorf("notify.chat_id is required when notify.bot_token is set")
  }
  return nil
}

// ConfigPath returns the path to the config file
func ConfigPath() string {
  configFile := viper.ConfigFileUsed()
  if configFile == "" {
    configFile = filepath.Join(DataDir(), "config.yaml")
  }
  return configFile
}

// DataDir returns the default data directory
func DataDir() string {
  if dir := os.Getenv("TGFILES_DATA_DIR"); dir != "" {
    return dir
  }
  home, _ := os.UserHomeDir()
  return filepath.Join(home, ".tgfiles")
}

func seconds(n int) time.Duration {
  return time.Duration(n) * time.Second
}

// DiscoveryInterval returns the discovery tick period
func (c *Config) DiscoveryInterval() time.Duration { return seconds(c.Scheduler.DiscoveryInterval) }

// DownloadInterval returns the download tick period
func (c *Config) DownloadInterval() time.Duration { return seconds(c.Scheduler.DownloadInterval) }

// ScanBudget returns the time budget of one discovery chain
func (c *Config) ScanBudget() time.Duration { return seconds(c.Scheduler.ScanBudget) }

// SentinelTTL returns how long a resolved cutoff sentinel is cached
func (c *Config) SentinelTTL() time.Duration { return seconds(c.Scheduler.SentinelTTL) }

// SettingsPoll returns the settings watch period
func (c *Config) SettingsPoll() time.Duration { return seconds(c.Scheduler.SettingsPoll) }

// BatchInterval returns the batch drainer period
func (c *Config) BatchInterval() time.Duration { return seconds(c.Batch.Interval) }

// RequestTimeout returns the per-call remote timeout
func (c *Config) RequestTimeout() time.Duration { return seconds(c.Remote.RequestTimeout) }

// DatabaseIdleTime returns the connection idle timeout
func (c *Config) DatabaseIdleTime() time.Duration { return seconds(c.Database.MaxIdleTime) }

// GetString returns a string value from viper
func (c *Config) GetString(key string) string {
  return viper.GetString(key)
}
