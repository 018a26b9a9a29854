package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

// Scheduler modes.
const (
	ModeSweep = "sweep"
	ModeTimer = "timer"
	ModeBoth  = "both"
)

// Mail drivers.
const (
	MailSMTP   = "smtp"
	MailResend = "resend"
)

// Pacing policies.
const (
	PacingFixed   = "fixed"
	PacingLimiter = "limiter"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Logging    LoggingConfig    `yaml:"logging"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Store      StoreConfig      `yaml:"store"`
	Google     GoogleConfig     `yaml:"google"`
	Workbook   WorkbookConfig   `yaml:"workbook"`
	Mail       MailConfig       `yaml:"mail"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	API        APIConfig        `yaml:"api"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Backup     BackupConfig     `yaml:"backup"`
	Telegram   TelegramConfig   `yaml:"telegram"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// StoreConfig selects where scheduled tasks and dispatch reports live.
type StoreConfig struct {
	Driver         string `yaml:"driver"`
	ReportsHistory int    `yaml:"reports_history"`
}

// GoogleConfig accepts either a service account key file or an OAuth client
// with a long-lived refresh token.
type GoogleConfig struct {
	CredentialsFile    string `yaml:"credentials_file"`
	ClientID           string `yaml:"client_id"`
	ClientSecret       string `yaml:"client_secret"`
	RefreshToken       string `yaml:"refresh_token"`
	Endpoint           string `yaml:"endpoint"`
	CheckSpreadsheetID string `yaml:"check_spreadsheet_id"`
}

func (g GoogleConfig) Enabled() bool {
	return g.CredentialsFile != "" || g.RefreshToken != ""
}

type WorkbookConfig struct {
	Dir string `yaml:"dir"`
}

type MailConfig struct {
	Driver string       `yaml:"driver"`
	SMTP   SMTPConfig   `yaml:"smtp"`
	Resend ResendConfig `yaml:"resend"`
}

type SMTPConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type ResendConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

type DispatchConfig struct {
	SendDelay       time.Duration `yaml:"send_delay"`
	Pacing          string        `yaml:"pacing"`
	RatePerMinute   int           `yaml:"rate_per_minute"`
	RecipientColumn int           `yaml:"recipient_column"`
	NormalizeHTML   bool          `yaml:"normalize_html"`
	WrapperStyle    string        `yaml:"wrapper_style"`
}

type SchedulerConfig struct {
	Mode          string        `yaml:"mode"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	MaxParallel   int           `yaml:"max_parallel"`
	Retry         RetryConfig   `yaml:"retry"`
}

type RetryConfig struct {
	MaxRetries    int           `yaml:"max_retries"`
	InitialDelay  time.Duration `yaml:"initial_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	BackoffFactor float64       `yaml:"backoff_factor"`
}

type APIConfig struct {
	Enabled   bool               `yaml:"enabled"`
	HTTP      APIHTTPConfig      `yaml:"http"`
	GRPC      APIGRPCConfig      `yaml:"grpc"`
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIHTTPConfig struct {
	Enabled      bool  `yaml:"enabled"`
	Port         int   `yaml:"port"`
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

type APIGRPCConfig struct {
	Enabled    bool         `yaml:"enabled"`
	Port       int          `yaml:"port"`
	Reflection bool         `yaml:"reflection"`
	TLS        APITLSConfig `yaml:"tls"`
}

type APITLSConfig struct {
	Enabled           bool   `yaml:"enabled"`
	CertFile          string `yaml:"cert_file"`
	KeyFile           string `yaml:"key_file"`
	ClientCAFile      string `yaml:"client_ca_file"`
	RequireClientCert bool   `yaml:"require_client_cert"`
}

type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	HeaderExtra  string         `yaml:"header_extra"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key         string   `yaml:"key"`
	Extra       string   `yaml:"extra"`
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type BackupConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Interval      time.Duration `yaml:"interval"`
	RetentionDays int           `yaml:"retention_days"`
	StoragePath   string        `yaml:"storage_path"`
}

// TelegramConfig configures operator notifications about finished dispatches.
type TelegramConfig struct {
	BotToken string  `yaml:"bot_token"`
	ChatIDs  []int64 `yaml:"chat_ids"`
	Debug    bool    `yaml:"debug"`
}

func (t TelegramConfig) Enabled() bool {
	return t.BotToken != "" && len(t.ChatIDs) > 0
}

func Load(configPath string) (*Config, error) {
	// .env необязателен, но если он есть и битый, это ошибка
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	// Подстановка переменных окружения в YAML
	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	switch c.Store.Driver {
	case StoreSQLite:
		if c.Database.Path == "" {
			return errors.New("database path is required for sqlite store")
		}
	case StoreRedis:
		if c.Redis.Address == "" {
			return errors.New("redis address is required for redis store")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}

	switch c.Mail.Driver {
	case MailSMTP:
		if c.Mail.SMTP.Host == "" {
			return errors.New("mail.smtp.host is required")
		}
	case MailResend:
		if c.Mail.Resend.APIKey == "" {
			return errors.New("mail.resend.api_key is required")
		}
	default:
		return fmt.Errorf("unknown mail driver %q", c.Mail.Driver)
	}

	switch c.Scheduler.Mode {
	case ModeSweep, ModeTimer, ModeBoth:
	default:
		return fmt.Errorf("unknown scheduler mode %q", c.Scheduler.Mode)
	}

	switch c.Dispatch.Pacing {
	case PacingFixed, PacingLimiter:
	default:
		return fmt.Errorf("unknown pacing policy %q", c.Dispatch.Pacing)
	}

	if c.Dispatch.RecipientColumn < 0 {
		return errors.New("dispatch.recipient_column must not be negative")
	}

	if c.Google.RefreshToken != "" && (c.Google.ClientID == "" || c.Google.ClientSecret == "") {
		return errors.New("google refresh token requires client_id and client_secret")
	}

	if c.Backup.Enabled && c.Store.Driver != StoreSQLite {
		return errors.New("backups are only supported for the sqlite store")
	}

	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "sheetmailer"
	}

	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	if c.Store.Driver == "" {
		c.Store.Driver = StoreSQLite
	}
	if c.Store.ReportsHistory == 0 {
		c.Store.ReportsHistory = 500
	}
	if c.Database.Path == "" && c.Store.Driver == StoreSQLite {
		c.Database.Path = "data/sheetmailer.db"
	}

	c.Mail.Driver = strings.ToLower(strings.TrimSpace(c.Mail.Driver))
	if c.Mail.Driver == "" {
		c.Mail.Driver = MailSMTP
	}
	if c.Mail.SMTP.Host == "" && c.Mail.Driver == MailSMTP {
		c.Mail.SMTP.Host = "smtp.gmail.com"
	}
	if c.Mail.SMTP.Port == 0 {
		c.Mail.SMTP.Port = 587
	}

	if c.Dispatch.SendDelay == 0 {
		c.Dispatch.SendDelay = 5 * time.Second
	}
	if c.Dispatch.Pacing == "" {
		c.Dispatch.Pacing = PacingFixed
	}
	if c.Dispatch.RatePerMinute == 0 {
		c.Dispatch.RatePerMinute = 12
	}

	if c.Scheduler.Mode == "" {
		c.Scheduler.Mode = ModeSweep
	}
	if c.Scheduler.SweepInterval == 0 {
		c.Scheduler.SweepInterval = time.Minute
	}
	if c.Scheduler.MaxParallel == 0 {
		c.Scheduler.MaxParallel = 4
	}
	if c.Scheduler.Retry.MaxRetries == 0 {
		c.Scheduler.Retry.MaxRetries = 3
	}
	if c.Scheduler.Retry.InitialDelay == 0 {
		c.Scheduler.Retry.InitialDelay = time.Minute
	}
	if c.Scheduler.Retry.MaxDelay == 0 {
		c.Scheduler.Retry.MaxDelay = 30 * time.Minute
	}
	if c.Scheduler.Retry.BackoffFactor == 0 {
		c.Scheduler.Retry.BackoffFactor = 2
	}

	if c.API.GRPC.Port == 0 {
		c.API.GRPC.Port = 8081
	}
	if c.API.HTTP.Port == 0 {
		c.API.HTTP.Port = 8080
	}
	if c.API.HTTP.MaxBodyBytes == 0 {
		c.API.HTTP.MaxBodyBytes = 25 << 20
	}
	if !c.API.HTTP.Enabled && c.API.Enabled {
		c.API.HTTP.Enabled = true
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
	if c.API.Auth.HeaderExtra == "" {
		c.API.Auth.HeaderExtra = "x-api-extra"
	}

	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}

	if c.Backup.Interval == 0 {
		c.Backup.Interval = 24 * time.Hour
	}
	if c.Backup.RetentionDays == 0 {
		c.Backup.RetentionDays = 7
	}
	if c.Backup.StoragePath == "" {
		c.Backup.StoragePath = "backups"
	}
}
