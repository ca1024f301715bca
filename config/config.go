package config

import (
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

const envPrefix = "STOREFRONT_"

// SysConfig system config
type SysConfig struct {
	Appid    string `yaml:"appid"`
	Location string `yaml:"location"`
	Workdir  string `yaml:"workdir"`
	Debug    bool   `yaml:"debug"`
}

// WebConfig admin api listener config
type WebConfig struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	ShutdownTimeout int    `yaml:"shutdown_timeout"` // seconds
}

// DBConfig database config
type DBConfig struct {
	Type     string `yaml:"type"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Passwd   string `yaml:"passwd"`
	MaxConn  int    `yaml:"max_conn"`
	IdleConn int    `yaml:"idle_conn"`
	Debug    bool   `yaml:"debug"`
}

// LogConfig logger config
type LogConfig struct {
	Mode       string `yaml:"mode"`
	FileEnable bool   `yaml:"file_enable"`
	Filename   string `yaml:"filename"`
}

// ProviderConfig messaging provider connection settings.
// Email/Password enable JWT login; APIKey is the static fallback.
type ProviderConfig struct {
	Enabled      bool   `yaml:"enabled"`
	BaseURL      string `yaml:"base_url"`
	Email        string `yaml:"email"`
	Password     string `yaml:"password"`
	APIKey       string `yaml:"api_key"`
	Timeout      int    `yaml:"timeout"`       // seconds per outbound call
	SettleDelay  int    `yaml:"settle_delay"`  // seconds between create and connect-code fetch
	CountryCode  string `yaml:"country_code"`  // prefixed onto local numbers
	Integration  string `yaml:"integration"`   // provider integration engine
	SyncInterval int    `yaml:"sync_interval"` // seconds between status sync runs, 0 disables
	SyncWorkers  int    `yaml:"sync_workers"`
}

// RequestTimeout returns the per-call timeout as a duration.
func (c ProviderConfig) RequestTimeout() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

// SettleDuration returns the create-to-connect wait as a duration.
func (c ProviderConfig) SettleDuration() time.Duration {
	return time.Duration(c.SettleDelay) * time.Second
}

type AppConfig struct {
	System   SysConfig      `yaml:"system"`
	Web      WebConfig      `yaml:"web"`
	Database DBConfig       `yaml:"database"`
	Logger   LogConfig      `yaml:"logger"`
	Provider ProviderConfig `yaml:"provider"`
}

func (c *AppConfig) GetLogDir() string {
	return path.Join(c.System.Workdir, "logs")
}

var DefaultAppConfig = &AppConfig{
	System: SysConfig{
		Appid:    "storefront",
		Location: "America/Sao_Paulo",
		Workdir:  "/var/storefront",
		Debug:    true,
	},
	Web: WebConfig{
		Host:            "0.0.0.0",
		Port:            1816,
		ShutdownTimeout: 10,
	},
	Database: DBConfig{
		Type:     "postgres",
		Host:     "127.0.0.1",
		Port:     5432,
		Name:     "storefront",
		User:     "postgres",
		Passwd:   "postgres",
		MaxConn:  100,
		IdleConn: 10,
	},
	Logger: LogConfig{
		Mode:       "development",
		FileEnable: false,
		Filename:   "/var/storefront/logs/storefront.log",
	},
	Provider: ProviderConfig{
		Enabled:      true,
		Timeout:      30,
		SettleDelay:  5,
		CountryCode:  "55",
		Integration:  "WHATSAPP-BAILEYS",
		SyncInterval: 60,
		SyncWorkers:  8,
	},
}

// LoadConfig reads the YAML file at cfile (when it exists), fills unset
// values from DefaultAppConfig and then applies STOREFRONT_* env overrides.
func LoadConfig(cfile string) (*AppConfig, error) {
	cfg := *DefaultAppConfig
	if cfile != "" {
		data, err := os.ReadFile(cfile)
		switch {
		case err == nil:
			cfg = AppConfig{}
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", cfile, err)
			}
			cfg.applyDefaults()
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("read config %s: %w", cfile, err)
		}
	}
	cfg.applyEnv(os.LookupEnv)
	return &cfg, nil
}

func (c *AppConfig) applyDefaults() {
	d := DefaultAppConfig
	setString(&c.System.Appid, d.System.Appid)
	setString(&c.System.Location, d.System.Location)
	setString(&c.System.Workdir, d.System.Workdir)
	setString(&c.Web.Host, d.Web.Host)
	setInt(&c.Web.Port, d.Web.Port)
	setInt(&c.Web.ShutdownTimeout, d.Web.ShutdownTimeout)
	setString(&c.Database.Type, d.Database.Type)
	setInt(&c.Database.Port, d.Database.Port)
	setInt(&c.Database.MaxConn, d.Database.MaxConn)
	setInt(&c.Database.IdleConn, d.Database.IdleConn)
	setString(&c.Logger.Mode, d.Logger.Mode)
	setString(&c.Logger.Filename, d.Logger.Filename)
	setInt(&c.Provider.Timeout, d.Provider.Timeout)
	setInt(&c.Provider.SettleDelay, d.Provider.SettleDelay)
	setString(&c.Provider.CountryCode, d.Provider.CountryCode)
	setString(&c.Provider.Integration, d.Provider.Integration)
	setInt(&c.Provider.SyncWorkers, d.Provider.SyncWorkers)
}

func (c *AppConfig) applyEnv(lookup func(string) (string, bool)) {
	env := func(key string, fn func(v string)) {
		if v, ok := lookup(envPrefix + key); ok && strings.TrimSpace(v) != "" {
			fn(strings.TrimSpace(v))
		}
	}
	env("SYSTEM_LOCATION", func(v string) { c.System.Location = v })
	env("SYSTEM_WORKDIR", func(v string) { c.System.Workdir = v })
	env("SYSTEM_DEBUG", func(v string) { c.System.Debug = cast.ToBool(v) })
	env("WEB_HOST", func(v string) { c.Web.Host = v })
	env("WEB_PORT", func(v string) { c.Web.Port = cast.ToInt(v) })
	env("DB_TYPE", func(v string) { c.Database.Type = v })
	env("DB_HOST", func(v string) { c.Database.Host = v })
	env("DB_PORT", func(v string) { c.Database.Port = cast.ToInt(v) })
	env("DB_NAME", func(v string) { c.Database.Name = v })
	env("DB_USER", func(v string) { c.Database.User = v })
	env("DB_PWD", func(v string) { c.Database.Passwd = v })
	env("LOGGER_MODE", func(v string) { c.Logger.Mode = v })
	env("LOGGER_FILE_ENABLE", func(v string) { c.Logger.FileEnable = cast.ToBool(v) })
	env("PROVIDER_ENABLED", func(v string) { c.Provider.Enabled = cast.ToBool(v) })
	env("PROVIDER_BASE_URL", func(v string) { c.Provider.BaseURL = v })
	env("PROVIDER_EMAIL", func(v string) { c.Provider.Email = v })
	env("PROVIDER_PASSWORD", func(v string) { c.Provider.Password = v })
	env("PROVIDER_API_KEY", func(v string) { c.Provider.APIKey = v })
	env("PROVIDER_TIMEOUT", func(v string) { c.Provider.Timeout = cast.ToInt(v) })
	env("PROVIDER_SETTLE_DELAY", func(v string) { c.Provider.SettleDelay = cast.ToInt(v) })
	env("PROVIDER_COUNTRY_CODE", func(v string) { c.Provider.CountryCode = v })
	env("PROVIDER_SYNC_INTERVAL", func(v string) { c.Provider.SyncInterval = cast.ToInt(v) })
}

func setString(dst *string, def string) {
	if strings.TrimSpace(*dst) == "" {
		*dst = def
	}
}

func setInt(dst *int, def int) {
	if *dst <= 0 {
		*dst = def
	}
}
