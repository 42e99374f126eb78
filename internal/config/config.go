package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	yamlenv "github.com/ifuryst/go-yaml-env"

	"github.com/ifuryst/storyrelay/pkg/logger"
	"github.com/ifuryst/storyrelay/pkg/util"
)

type Config struct {
	Logger         logger.Config   `yaml:"logger"`
	Accounts       []AccountConfig `yaml:"accounts" validate:"required,min=1,dive"`
	AccountHandles string          `yaml:"account_handles"`
	DefaultAccount string          `yaml:"default_account"`
	Instagram      InstagramConfig `yaml:"instagram"`
	Twitter        TwitterConfig   `yaml:"twitter"`
	Archive        ArchiveConfig   `yaml:"archive"`
	Media          MediaConfig     `yaml:"media"`
	Pipeline       PipelineConfig  `yaml:"pipeline"`
	Retry          RetryConfig     `yaml:"retry"`
	Notifier       NotifierConfig  `yaml:"notifier"`
	Database       DatabaseConfig  `yaml:"database"`
	RunLock        RunLockConfig   `yaml:"run_lock"`
	Server         ServerConfig    `yaml:"server"`
	Scheduler      SchedulerConfig `yaml:"scheduler"`
}

// AccountConfig describes one source account and how its thread is presented
type AccountConfig struct {
	Handle       string   `yaml:"handle" validate:"required"`
	DisplayName  string   `yaml:"display_name"`
	TemplateName string   `yaml:"template_name"`
	AnchorText   string   `yaml:"anchor_text"`
	Hashtags     []string `yaml:"hashtags"`
}

type InstagramConfig struct {
	APIKey  string `yaml:"api_key"`
	APIHost string `yaml:"api_host"`
	BaseURL string `yaml:"base_url" validate:"omitempty,url"`
	Timeout string `yaml:"timeout"`
}

type TwitterConfig struct {
	APIKey          string `yaml:"api_key"`
	APISecret       string `yaml:"api_secret"`
	AccessToken     string `yaml:"access_token"`
	AccessSecret    string `yaml:"access_secret"`
	APIBaseURL      string `yaml:"api_base_url" validate:"omitempty,url"`
	UploadBaseURL   string `yaml:"upload_base_url" validate:"omitempty,url"`
	Timeout         string `yaml:"timeout"`
	MinPostInterval string `yaml:"min_post_interval"`
}

type ArchiveConfig struct {
	DBPath string `yaml:"db_path"`
}

type MediaConfig struct {
	CacheDir        string `yaml:"cache_dir"`
	MaxImageBytes   int64  `yaml:"max_image_bytes" validate:"gte=0"`
	KeepCount       int    `yaml:"keep_count" validate:"gte=0"`
	DownloadTimeout string `yaml:"download_timeout"`
}

type PipelineConfig struct {
	PostPolicy string `yaml:"post_policy" validate:"omitempty,oneof=immediate daily"`
	// UTCOffsetHours is the fixed offset used for day buckets, UTC+7 when unset
	UTCOffsetHours   *int `yaml:"utc_offset_hours" validate:"omitempty,gte=-12,lte=14"`
	MaxMediaPerPost  int  `yaml:"max_media_per_post" validate:"gte=0,lte=4"`
	DisableReconcile bool `yaml:"disable_reconcile"`
	// MaxPrepareAttempts is how many aborted passes count as failures before
	// a story with unavailable media is only warned about
	MaxPrepareAttempts int `yaml:"max_prepare_attempts" validate:"gte=0"`
}

type RetryConfig struct {
	MaxAttempts     uint   `yaml:"max_attempts"`
	InitialInterval string `yaml:"initial_interval"`
	MaxInterval     string `yaml:"max_interval"`
}

type NotifierConfig struct {
	DiscordWebhookURL string `yaml:"discord_webhook_url" validate:"omitempty,url"`
	SentryDSN         string `yaml:"sentry_dsn"`
	Environment       string `yaml:"environment"`
	Timeout           string `yaml:"timeout"`
}

type DatabaseConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Type     string `yaml:"type" validate:"omitempty,oneof=sqlite postgres"`
	Path     string `yaml:"path"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
	TimeZone string `yaml:"timezone"`

	// RetentionDays bounds how long journal rows are kept by cleanup
	RetentionDays int `yaml:"retention_days" validate:"gte=0"`
}

type RunLockConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Key      string `yaml:"key"`
	TTL      string `yaml:"ttl"`
}

type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
	Mode string `yaml:"mode"`
	// TOTPSecret guards the journal routes when set
	TOTPSecret string `yaml:"totp_secret"`
}

type SchedulerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Cron    string `yaml:"cron"`
	// RunOnStart triggers one run right after the daemon starts
	RunOnStart bool `yaml:"run_on_start"`
}

func LoadConfig(configPath string) (*Config, error) {
	cfg, err := yamlenv.LoadConfig[Config](configPath)
	if err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyDefaults fills every unset field. It is idempotent.
func (c *Config) ApplyDefaults() {
	c.mergeAccountHandles()

	if c.DefaultAccount == "" && len(c.Accounts) > 0 {
		c.DefaultAccount = c.Accounts[0].Handle
	}
	c.DefaultAccount = util.NormalizeHandle(c.DefaultAccount)

	if c.Instagram.APIHost == "" {
		c.Instagram.APIHost = "instagram120.p.rapidapi.com"
	}
	if c.Instagram.BaseURL == "" {
		c.Instagram.BaseURL = "https://" + c.Instagram.APIHost
	}
	if c.Instagram.Timeout == "" {
		c.Instagram.Timeout = "10s"
	}
	if c.Twitter.APIBaseURL == "" {
		c.Twitter.APIBaseURL = "https://api.twitter.com"
	}
	if c.Twitter.UploadBaseURL == "" {
		c.Twitter.UploadBaseURL = "https://upload.twitter.com"
	}
	if c.Twitter.Timeout == "" {
		c.Twitter.Timeout = "60s"
	}
	if c.Archive.DBPath == "" {
		c.Archive.DBPath = "./archive.json"
	}
	if c.Media.CacheDir == "" {
		c.Media.CacheDir = "./media_cache"
	}
	if c.Media.MaxImageBytes == 0 {
		c.Media.MaxImageBytes = 5 * 1024 * 1024
	}
	if c.Media.KeepCount == 0 {
		c.Media.KeepCount = 100
	}
	if c.Media.DownloadTimeout == "" {
		c.Media.DownloadTimeout = "30s"
	}
	if c.Pipeline.PostPolicy == "" {
		c.Pipeline.PostPolicy = "immediate"
	}
	if c.Pipeline.UTCOffsetHours == nil {
		offset := 7
		c.Pipeline.UTCOffsetHours = &offset
	}
	if c.Pipeline.MaxMediaPerPost == 0 {
		c.Pipeline.MaxMediaPerPost = 4
	}
	if c.Pipeline.MaxPrepareAttempts == 0 {
		c.Pipeline.MaxPrepareAttempts = 3
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.InitialInterval == "" {
		c.Retry.InitialInterval = "2s"
	}
	if c.Retry.MaxInterval == "" {
		c.Retry.MaxInterval = "30s"
	}
	if c.Notifier.Environment == "" {
		c.Notifier.Environment = "production"
	}
	if c.Notifier.Timeout == "" {
		c.Notifier.Timeout = "10s"
	}
	if c.Database.Type == "" {
		c.Database.Type = "sqlite"
	}
	if c.Database.Path == "" {
		c.Database.Path = "./storyrelay.db"
	}
	if c.Database.Host == "" {
		c.Database.Host = "localhost"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Database.TimeZone == "" {
		c.Database.TimeZone = "UTC"
	}
	if c.Database.RetentionDays == 0 {
		c.Database.RetentionDays = 90
	}
	if c.RunLock.Addr == "" {
		c.RunLock.Addr = "localhost:6379"
	}
	if c.RunLock.Key == "" {
		c.RunLock.Key = "storyrelay:run"
	}
	if c.RunLock.TTL == "" {
		c.RunLock.TTL = "30m"
	}
	if c.Server.Host == "" {
		c.Server.Host = "localhost"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 5335
	}
	if c.Server.Mode == "" {
		c.Server.Mode = "release"
	}
	if c.Scheduler.Cron == "" {
		c.Scheduler.Cron = "0 * * * *"
	}
}

// mergeAccountHandles normalizes configured handles and appends any account
// listed only in the comma separated AccountHandles field.
func (c *Config) mergeAccountHandles() {
	seen := make(map[string]struct{}, len(c.Accounts))
	merged := make([]AccountConfig, 0, len(c.Accounts))
	for _, acc := range c.Accounts {
		acc.Handle = util.NormalizeHandle(acc.Handle)
		if _, ok := seen[acc.Handle]; ok && acc.Handle != "" {
			continue
		}
		seen[acc.Handle] = struct{}{}
		merged = append(merged, acc)
	}
	for _, h := range util.ParseHandles(c.AccountHandles) {
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		merged = append(merged, AccountConfig{Handle: h})
	}
	c.Accounts = merged
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	durations := map[string]string{
		"instagram.timeout":         c.Instagram.Timeout,
		"twitter.timeout":           c.Twitter.Timeout,
		"media.download_timeout":    c.Media.DownloadTimeout,
		"retry.initial_interval":    c.Retry.InitialInterval,
		"retry.max_interval":        c.Retry.MaxInterval,
		"notifier.timeout":          c.Notifier.Timeout,
		"run_lock.ttl":              c.RunLock.TTL,
		"twitter.min_post_interval": c.Twitter.MinPostInterval,
	}
	for name, value := range durations {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid config: %s: %w", name, err)
		}
	}

	return nil
}

// Account returns the configuration of a handle, or a bare entry when the
// handle is not configured.
func (c *Config) Account(handle string) AccountConfig {
	handle = util.NormalizeHandle(handle)
	for _, acc := range c.Accounts {
		if acc.Handle == handle {
			return acc
		}
	}
	return AccountConfig{Handle: handle}
}

// Handles lists the configured account handles in configuration order
func (c *Config) Handles() []string {
	handles := make([]string, 0, len(c.Accounts))
	for _, acc := range c.Accounts {
		handles = append(handles, acc.Handle)
	}
	return handles
}

// HasCredentials reports whether OAuth 1.0a user credentials are present
func (c *TwitterConfig) HasCredentials() bool {
	return strings.TrimSpace(c.APIKey) != "" &&
		strings.TrimSpace(c.APISecret) != "" &&
		strings.TrimSpace(c.AccessToken) != "" &&
		strings.TrimSpace(c.AccessSecret) != ""
}

// Location is the fixed-offset zone used for eligibility and day grouping
func (c *PipelineConfig) Location() *time.Location {
	hours := 7
	if c.UTCOffsetHours != nil {
		hours = *c.UTCOffsetHours
	}
	return time.FixedZone(fmt.Sprintf("UTC%+d", hours), hours*3600)
}

// Duration parses a duration string, falling back when empty or invalid
func Duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
