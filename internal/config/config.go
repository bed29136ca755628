package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"DowTracker/internal/logger"
	"DowTracker/internal/model"
)

// Secondary feed names accepted in config.
const (
	FeedFinnhub      = "finnhub"
	FeedPolygon      = "polygon"
	FeedTiingo       = "tiingo"
	FeedAlphaVantage = "alphavantage"
	FeedREST         = "rest"
)

// Secondary configures one fallback price feed. A feed without an API key
// is left out of the provider chain.
type Secondary struct {
	Name          string `yaml:"name" validate:"required,oneof=finnhub polygon tiingo alphavantage rest"`
	APIKey        string `yaml:"api_key"`
	BaseURL       string `yaml:"base_url" validate:"omitempty,url"`
	RatePerMinute int    `yaml:"rate_per_minute" validate:"gte=0"`
}

// Enabled reports whether credentials are present.
func (s Secondary) Enabled() bool {
	return strings.TrimSpace(s.APIKey) != ""
}

// Config holds all application configuration.
type Config struct {
	DataDir   string          `yaml:"data_dir" default:"data" validate:"required"`
	Timezone  string          `yaml:"timezone" default:"America/New_York" validate:"required"`
	Universe  []string        `yaml:"universe" validate:"omitempty,dive,required,uppercase"`
	Freshness []time.Duration `yaml:"freshness" validate:"max=8,dive,gte=0"`

	Fetch struct {
		Timeout         time.Duration `yaml:"timeout" default:"8s" validate:"gt=0"`
		Concurrency     int           `yaml:"concurrency" default:"8" validate:"gte=1"`
		CaptureDeadline time.Duration `yaml:"capture_deadline" default:"90s" validate:"gt=0"`
	} `yaml:"fetch"`
	Primary struct {
		Kind string `yaml:"kind" default:"yahoo" validate:"oneof=yahoo mock"`
	} `yaml:"primary"`
	Secondaries []Secondary `yaml:"secondaries" validate:"dive"`
	Export      struct {
		MaxRetries      int           `yaml:"max_retries" default:"4" validate:"gte=0,lte=10"`
		RetryBase       time.Duration `yaml:"retry_base" default:"1s" validate:"gt=0"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"5s" validate:"gt=0"`
		Workers         int           `yaml:"workers" default:"2" validate:"gte=1"`
	} `yaml:"export"`
	Schedule struct {
		CatchUp      bool   `yaml:"catch_up" default:"true"`
		CatchUpCron  string `yaml:"catch_up_cron" default:"30 * 9-16 * * 1-5"`
		RolloverCron string `yaml:"rollover_cron" default:"0 1 0 * * *"`
		SyncOnStart  bool   `yaml:"sync_on_start" default:"true"`
	} `yaml:"schedule"`
	Database struct {
		SQLitePath string `yaml:"sqlite_path"`
	} `yaml:"database"`
	HTTP struct {
		Enabled bool   `yaml:"enabled" default:"true"`
		Addr    string `yaml:"addr" default:"127.0.0.1:8089"`
	} `yaml:"http"`
	Telegram struct {
		BotToken string `yaml:"bot_token"`
		ChatID   string `yaml:"chat_id"`
	} `yaml:"telegram"`
	Log   logger.Config `yaml:"log"`
	Proxy string        `yaml:"proxy"`
}

var validate = validator.New()

// Load reads config from a YAML file, then applies .env and environment overrides.
// A missing file yields defaults.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("apply defaults: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)

	if len(cfg.Universe) == 0 {
		cfg.Universe = append([]string(nil), model.DefaultUniverse...)
	}
	if cfg.Database.SQLitePath == "" {
		cfg.Database.SQLitePath = cfg.DataDir + "/tracker.db"
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Database.SQLitePath = v
	}
	if v := os.Getenv("HTTPS_PROXY"); v != "" {
		cfg.Proxy = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Telegram.BotToken = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		cfg.Telegram.ChatID = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}

	keys := []struct{ name, env string }{
		{FeedFinnhub, "FINNHUB_API_KEY"},
		{FeedPolygon, "POLYGON_API_KEY"},
		{FeedTiingo, "TIINGO_API_KEY"},
		{FeedAlphaVantage, "ALPHAVANTAGE_API_KEY"},
		{FeedREST, "REST_QUOTE_API_KEY"},
	}
	for _, k := range keys {
		v := os.Getenv(k.env)
		if v == "" {
			continue
		}
		if s := cfg.secondary(k.name); s != nil {
			s.APIKey = v
			continue
		}
		cfg.Secondaries = append(cfg.Secondaries, Secondary{Name: k.name, APIKey: v})
	}
	if v := os.Getenv("REST_QUOTE_BASE_URL"); v != "" {
		if s := cfg.secondary(FeedREST); s != nil {
			s.BaseURL = v
		}
	}
}

func (c *Config) secondary(name string) *Secondary {
	for i := range c.Secondaries {
		if c.Secondaries[i].Name == name {
			return &c.Secondaries[i]
		}
	}
	return nil
}

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("config: %s failed %q", fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("config: %w", err)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("config: timezone: %w", err)
	}
	seen := make(map[string]bool, len(c.Secondaries))
	for _, s := range c.Secondaries {
		if seen[s.Name] {
			return fmt.Errorf("config: secondary %q listed twice", s.Name)
		}
		seen[s.Name] = true
		if s.Name == FeedREST && s.Enabled() && s.BaseURL == "" {
			return fmt.Errorf("config: secondary %q requires base_url", s.Name)
		}
	}
	if (c.Telegram.BotToken == "") != (c.Telegram.ChatID == "") {
		return fmt.Errorf("config: telegram.bot_token and telegram.chat_id must be set together")
	}
	return nil
}

// Timetable returns the bucket timetable with configured freshness applied.
func (c *Config) Timetable() (model.Timetable, error) {
	tt, err := model.NewTimetable(c.Timezone)
	if err != nil {
		return model.Timetable{}, err
	}
	return tt.WithFreshness(c.Freshness), nil
}

// EnabledSecondaries returns credentialed feeds in configured order.
func (c *Config) EnabledSecondaries() []Secondary {
	var out []Secondary
	for _, s := range c.Secondaries {
		if s.Enabled() {
			out = append(out, s)
		}
	}
	return out
}
