package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	configPathEnv     = "WORKFLOW_SCANNER_CONFIG"
	databaseDSNEnv    = "DATABASE_DSN"
	redisURLEnv       = "REDIS_URL"
	natsURLEnv        = "NATS_URL"
	intervalEnv       = "SCRAPE_INTERVAL"
	maxConcurrencyEnv = "SCRAPE_MAX_CONCURRENCY"
	logLevelEnv       = "LOG_LEVEL"
	telegramTokenEnv  = "TELEGRAM_BOT_TOKEN"
	telegramChatIDEnv = "TELEGRAM_CHAT_ID"

	// DefaultInterval is used when the configured interval cannot be parsed.
	DefaultInterval = 72 * time.Hour
	// DefaultMaxConcurrency bounds simultaneous scrapes per cycle.
	DefaultMaxConcurrency = 3
	defaultLockTTL        = 2 * time.Minute
)

// Storage and lock drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// Source kinds.
const (
	SourceKindFixture = "fixture"
	SourceKindHTTP    = "http"
)

// Config holds high-level settings required across the application.
type Config struct {
	Logging         LoggingConfig          `yaml:"logging"`
	Scheduler       SchedulerConfig        `yaml:"scheduler"`
	Storage         StorageConfig          `yaml:"storage"`
	Lock            LockConfig             `yaml:"lock"`
	Messaging       MessagingConfig        `yaml:"messaging"`
	Notifications   NotificationConfig     `yaml:"notifications"`
	Ops             OpsConfig              `yaml:"ops"`
	Sources         []SourceConfig         `yaml:"sources"`
	FallbackChain   []string               `yaml:"fallbackChain"`
	CountryMappings []CountryMappingConfig `yaml:"countryMappings"`
	VisaTypes       []VisaTypeConfig       `yaml:"visaTypes"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SchedulerConfig defines how often and how wide scrape cycles run.
type SchedulerConfig struct {
	Interval       string   `yaml:"interval"`
	MaxConcurrency int      `yaml:"maxConcurrency"`
	Countries      []string `yaml:"countries"`
	RatePerSecond  float64  `yaml:"ratePerSecond"`
	Burst          int      `yaml:"burst"`
}

// StorageConfig picks the workflow repository backend.
type StorageConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// LockConfig picks the per-pair lock backend.
type LockConfig struct {
	Driver   string `yaml:"driver"`
	RedisURL string `yaml:"redisUrl"`
	TTL      string `yaml:"ttl"`
}

// TTLDuration resolves the lock lease, falling back to two minutes.
func (l LockConfig) TTLDuration() time.Duration {
	if l.TTL == "" {
		return defaultLockTTL
	}
	d, err := ParseISODuration(l.TTL)
	if err != nil {
		log.Printf("config: invalid lock ttl %q: %v (using %s)", l.TTL, err, defaultLockTTL)
		return defaultLockTTL
	}
	return d
}

// MessagingConfig wires draft notifications. An empty URL disables publishing.
type MessagingConfig struct {
	NatsURL string `yaml:"natsUrl"`
	Subject string `yaml:"subject"`
}

// NotificationConfig encapsulates reviewer channels for new drafts.
type NotificationConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// TelegramConfig wires all data required to send messages.
type TelegramConfig struct {
	BotToken string `yaml:"botToken"`
	ChatID   string `yaml:"chatId"`
}

// Enabled reports whether both token and chat are set.
func (t TelegramConfig) Enabled() bool {
	return t.BotToken != "" && t.ChatID != ""
}

// OpsConfig exposes metrics and health. An empty address disables the server.
type OpsConfig struct {
	Addr string `yaml:"addr"`
}

// SourceConfig describes one workflow source and the adapter backing it.
type SourceConfig struct {
	Name                 string   `yaml:"name"`
	Kind                 string   `yaml:"kind"`
	BaseURL              string   `yaml:"baseUrl"`
	FixturePath          string   `yaml:"fixturePath"`
	UnavailableCountries []string `yaml:"unavailableCountries"`
	Timeout              string   `yaml:"timeout"`
	RatePerSecond        float64  `yaml:"ratePerSecond"`
	Burst                int      `yaml:"burst"`
}

// TimeoutDuration resolves the per-request timeout; zero means adapter default.
func (s SourceConfig) TimeoutDuration() time.Duration {
	if s.Timeout == "" {
		return 0
	}
	d, err := ParseISODuration(s.Timeout)
	if err != nil {
		log.Printf("config: invalid timeout %q for source %s: %v", s.Timeout, s.Name, err)
		return 0
	}
	return d
}

// CountryMappingConfig seeds a country redirect for the memory store.
type CountryMappingConfig struct {
	Service     string `yaml:"service"`
	FromCountry string `yaml:"fromCountry"`
	ToCountry   string `yaml:"toCountry"`
	Notes       string `yaml:"notes"`
}

// VisaTypeConfig seeds a visa type for the memory store.
type VisaTypeConfig struct {
	Code   string `yaml:"code"`
	Name   string `yaml:"name"`
	Active *bool  `yaml:"active"`
}

// IsActive treats a missing flag as active.
func (v VisaTypeConfig) IsActive() bool {
	return v.Active == nil || *v.Active
}

// Load reads YAML configuration (if present) and applies environment overrides.
func Load() Config {
	cfg := defaultConfig()

	if path := os.Getenv(configPathEnv); path != "" {
		if raw, err := os.ReadFile(path); err != nil {
			log.Printf("config: cannot read %s: %v (falling back to defaults)", path, err)
		} else {
			var fileCfg Config
			if err := yaml.Unmarshal(raw, &fileCfg); err != nil {
				log.Printf("config: cannot parse %s: %v (falling back to defaults)", path, err)
			} else {
				cfg = mergeConfig(cfg, fileCfg)
			}
		}
	}

	cfg.applyEnvOverrides()
	cfg.normalize()

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(databaseDSNEnv); v != "" {
		c.Storage.DSN = v
		c.Storage.Driver = DriverPostgres
	}

	if v := os.Getenv(redisURLEnv); v != "" {
		c.Lock.RedisURL = v
		c.Lock.Driver = DriverRedis
	}

	if v := os.Getenv(natsURLEnv); v != "" {
		c.Messaging.NatsURL = v
	}

	if v := os.Getenv(telegramTokenEnv); v != "" {
		c.Notifications.Telegram.BotToken = v
	}

	if v := os.Getenv(telegramChatIDEnv); v != "" {
		c.Notifications.Telegram.ChatID = v
	}

	if v := os.Getenv(intervalEnv); v != "" {
		c.Scheduler.Interval = v
	}

	if v := os.Getenv(maxConcurrencyEnv); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			log.Printf("config: ignoring %s=%q: expected a positive integer", maxConcurrencyEnv, v)
		} else {
			c.Scheduler.MaxConcurrency = n
		}
	}

	if v := os.Getenv(logLevelEnv); v != "" {
		c.Logging.Level = v
	}
}

func (c *Config) normalize() {
	if c.Scheduler.MaxConcurrency <= 0 {
		c.Scheduler.MaxConcurrency = DefaultMaxConcurrency
	}
	for i, country := range c.Scheduler.Countries {
		c.Scheduler.Countries[i] = strings.ToUpper(strings.TrimSpace(country))
	}
	c.Storage.Driver = strings.ToLower(c.Storage.Driver)
	c.Lock.Driver = strings.ToLower(c.Lock.Driver)
	if len(c.FallbackChain) == 0 {
		c.FallbackChain = defaultConfig().FallbackChain
	}
	if c.Messaging.Subject == "" {
		c.Messaging.Subject = defaultConfig().Messaging.Subject
	}
}

func mergeConfig(base, override Config) Config {
	if override.Logging.Level != "" {
		base.Logging.Level = override.Logging.Level
	}
	if override.Logging.Format != "" {
		base.Logging.Format = override.Logging.Format
	}

	if override.Scheduler.Interval != "" {
		base.Scheduler.Interval = override.Scheduler.Interval
	}
	if override.Scheduler.MaxConcurrency != 0 {
		base.Scheduler.MaxConcurrency = override.Scheduler.MaxConcurrency
	}
	if len(override.Scheduler.Countries) > 0 {
		base.Scheduler.Countries = override.Scheduler.Countries
	}
	if override.Scheduler.RatePerSecond != 0 {
		base.Scheduler.RatePerSecond = override.Scheduler.RatePerSecond
	}
	if override.Scheduler.Burst != 0 {
		base.Scheduler.Burst = override.Scheduler.Burst
	}

	if override.Storage.Driver != "" {
		base.Storage.Driver = override.Storage.Driver
	}
	if override.Storage.DSN != "" {
		base.Storage.DSN = override.Storage.DSN
	}

	if override.Lock.Driver != "" {
		base.Lock.Driver = override.Lock.Driver
	}
	if override.Lock.RedisURL != "" {
		base.Lock.RedisURL = override.Lock.RedisURL
	}
	if override.Lock.TTL != "" {
		base.Lock.TTL = override.Lock.TTL
	}

	if override.Messaging.NatsURL != "" {
		base.Messaging.NatsURL = override.Messaging.NatsURL
	}
	if override.Messaging.Subject != "" {
		base.Messaging.Subject = override.Messaging.Subject
	}

	if override.Notifications.Telegram.BotToken != "" {
		base.Notifications.Telegram.BotToken = override.Notifications.Telegram.BotToken
	}
	if override.Notifications.Telegram.ChatID != "" {
		base.Notifications.Telegram.ChatID = override.Notifications.Telegram.ChatID
	}

	if override.Ops.Addr != "" {
		base.Ops.Addr = override.Ops.Addr
	}

	if len(override.Sources) > 0 {
		base.Sources = override.Sources
	}
	if len(override.FallbackChain) > 0 {
		base.FallbackChain = override.FallbackChain
	}
	if len(override.CountryMappings) > 0 {
		base.CountryMappings = override.CountryMappings
	}
	if len(override.VisaTypes) > 0 {
		base.VisaTypes = override.VisaTypes
	}

	return base
}

func defaultConfig() Config {
	return Config{
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Scheduler: SchedulerConfig{
			Interval:       "P3D",
			MaxConcurrency: DefaultMaxConcurrency,
			Countries:      []string{"US", "FR", "ES", "AD", "DE"},
		},
		Storage:   StorageConfig{Driver: DriverMemory},
		Lock:      LockConfig{Driver: DriverMemory, TTL: "PT2M"},
		Messaging: MessagingConfig{Subject: "workflows.draft.created"},
		Ops:       OpsConfig{Addr: ":9090"},
		Sources: []SourceConfig{
			{Name: "Embassy", Kind: SourceKindFixture, FixturePath: "configs/fixtures/embassy.yaml", UnavailableCountries: []string{"FR"}},
			{Name: "USCIS", Kind: SourceKindFixture, FixturePath: "configs/fixtures/uscis.yaml"},
		},
		FallbackChain: []string{"Embassy", "USCIS"},
		CountryMappings: []CountryMappingConfig{
			{Service: "PanelPhysician", FromCountry: "AD", ToCountry: "ES", Notes: "Andorra applicants use Spanish panel physicians"},
		},
		VisaTypes: []VisaTypeConfig{
			{Code: "H1B", Name: "H-1B Specialty Occupation"},
			{Code: "B2", Name: "B-2 Visitor"},
			{Code: "F1", Name: "F-1 Student"},
		},
	}
}
