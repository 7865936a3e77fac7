// Package config loads settings from defaults, an optional JSON file and
// SETUPWATCH_* environment variables, in increasing order of precedence.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "SETUPWATCH"

// MaxIngestBodyBytes is the ceiling for ingest.maxBodyBytes. Operators may
// lower the cap, never raise it.
const MaxIngestBodyBytes = 8 * 1024

type TLSConfig struct {
	Mode     string `mapstructure:"mode"`     // "self-signed", "manual", or "" (disabled)
	CertFile string `mapstructure:"certFile"` // required for manual
	KeyFile  string `mapstructure:"keyFile"`  // required for manual
	CacheDir string `mapstructure:"cacheDir"` // for self-signed; defaults to ~/.setupwatch/certs
}

type WebserverConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	// AllowedOrigins lists Origin values accepted on websocket upgrade in
	// addition to same-host requests.
	AllowedOrigins []string  `mapstructure:"allowedOrigins"`
	TLS            TLSConfig `mapstructure:"tls"`
}

type IngestConfig struct {
	// Secret, when set, must be presented as a bearer credential.
	Secret       string `mapstructure:"secret"`
	MaxBodyBytes int64  `mapstructure:"maxBodyBytes"`
}

type StoreConfig struct {
	Driver        string        `mapstructure:"driver"` // "sqlite" or "postgres"
	Path          string        `mapstructure:"path"`
	DSN           string        `mapstructure:"dsn"`
	TTL           time.Duration `mapstructure:"ttl"`
	PurgeInterval time.Duration `mapstructure:"purgeInterval"`
}

// AccessConfig configures the identity gate on viewer-facing routes.
type AccessConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Audience      string `mapstructure:"audience"`
	Issuer        string `mapstructure:"issuer"`
	HMACSecret    string `mapstructure:"hmacSecret"`
	PublicKeyFile string `mapstructure:"publicKeyFile"`
}

type NotificationsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Webhook string `mapstructure:"webhook"`
	NtfyURL string `mapstructure:"ntfy"`
}

type ExportConfig struct {
	KafkaBrokers []string `mapstructure:"kafkaBrokers"`
	KafkaTopic   string   `mapstructure:"kafkaTopic"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `mapstructure:"otlpEndpoint"`
	ServiceName  string `mapstructure:"serviceName"`
	Insecure     bool   `mapstructure:"insecure"`
}

type Config struct {
	LogDir        string              `mapstructure:"logDir"`
	LogLevel      string              `mapstructure:"logLevel"`
	LogFormat     string              `mapstructure:"logFormat"`
	LogRetainDays int                 `mapstructure:"logRetainDays"`
	Webserver     WebserverConfig     `mapstructure:"webserver"`
	Ingest        IngestConfig        `mapstructure:"ingest"`
	Store         StoreConfig         `mapstructure:"store"`
	Access        AccessConfig        `mapstructure:"access"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Export        ExportConfig        `mapstructure:"export"`
	Telemetry     TelemetryConfig     `mapstructure:"telemetry"`
}

// Dir is the per-user state directory.
func Dir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".setupwatch")
}

func DefaultPath() string {
	return filepath.Join(Dir(), "config.json")
}

func Defaults() Config {
	return Config{
		LogLevel:      "info",
		LogFormat:     "text",
		LogRetainDays: 7,
		Webserver: WebserverConfig{
			Host: "0.0.0.0",
			Port: 8080,
			TLS:  TLSConfig{CacheDir: filepath.Join(Dir(), "certs")},
		},
		Ingest: IngestConfig{MaxBodyBytes: MaxIngestBodyBytes},
		Store: StoreConfig{
			Driver:        "sqlite",
			Path:          filepath.Join(Dir(), "events.db"),
			TTL:           90 * 24 * time.Hour,
			PurgeInterval: time.Hour,
		},
		Export:    ExportConfig{KafkaTopic: "setupwatch-events"},
		Telemetry: TelemetryConfig{ServiceName: "setupwatch"},
	}
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("logDir", d.LogDir)
	v.SetDefault("logLevel", d.LogLevel)
	v.SetDefault("logFormat", d.LogFormat)
	v.SetDefault("logRetainDays", d.LogRetainDays)
	v.SetDefault("webserver.host", d.Webserver.Host)
	v.SetDefault("webserver.port", d.Webserver.Port)
	v.SetDefault("webserver.allowedOrigins", d.Webserver.AllowedOrigins)
	v.SetDefault("webserver.tls.mode", d.Webserver.TLS.Mode)
	v.SetDefault("webserver.tls.certFile", d.Webserver.TLS.CertFile)
	v.SetDefault("webserver.tls.keyFile", d.Webserver.TLS.KeyFile)
	v.SetDefault("webserver.tls.cacheDir", d.Webserver.TLS.CacheDir)
	v.SetDefault("ingest.secret", d.Ingest.Secret)
	v.SetDefault("ingest.maxBodyBytes", d.Ingest.MaxBodyBytes)
	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("store.dsn", d.Store.DSN)
	v.SetDefault("store.ttl", d.Store.TTL)
	v.SetDefault("store.purgeInterval", d.Store.PurgeInterval)
	v.SetDefault("access.enabled", d.Access.Enabled)
	v.SetDefault("access.audience", d.Access.Audience)
	v.SetDefault("access.issuer", d.Access.Issuer)
	v.SetDefault("access.hmacSecret", d.Access.HMACSecret)
	v.SetDefault("access.publicKeyFile", d.Access.PublicKeyFile)
	v.SetDefault("notifications.enabled", d.Notifications.Enabled)
	v.SetDefault("notifications.webhook", d.Notifications.Webhook)
	v.SetDefault("notifications.ntfy", d.Notifications.NtfyURL)
	v.SetDefault("export.kafkaBrokers", d.Export.KafkaBrokers)
	v.SetDefault("export.kafkaTopic", d.Export.KafkaTopic)
	v.SetDefault("telemetry.otlpEndpoint", d.Telemetry.OTLPEndpoint)
	v.SetDefault("telemetry.serviceName", d.Telemetry.ServiceName)
	v.SetDefault("telemetry.insecure", d.Telemetry.Insecure)
}

// Load reads path (a missing file is not an error), applies environment
// overrides such as SETUPWATCH_INGEST_SECRET or SETUPWATCH_STORE_DRIVER and
// validates the result.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v, Defaults())

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			v.SetConfigType("json")
			if err := v.ReadInConfig(); err != nil {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			return errors.New("config: store.path must be set for sqlite")
		}
	case "postgres":
		if c.Store.DSN == "" {
			return errors.New("config: store.dsn must be set for postgres")
		}
	default:
		return fmt.Errorf("config: unknown store.driver %q", c.Store.Driver)
	}
	if c.Store.TTL <= 0 {
		return errors.New("config: store.ttl must be positive")
	}
	if c.Webserver.Port < 1 || c.Webserver.Port > 65535 {
		return fmt.Errorf("config: webserver.port %d out of range", c.Webserver.Port)
	}
	switch c.Webserver.TLS.Mode {
	case "", "self-signed":
	case "manual":
		if c.Webserver.TLS.CertFile == "" || c.Webserver.TLS.KeyFile == "" {
			return errors.New("config: webserver.tls manual mode needs certFile and keyFile")
		}
	default:
		return fmt.Errorf("config: unknown webserver.tls.mode %q", c.Webserver.TLS.Mode)
	}
	if c.Access.Enabled && c.Access.HMACSecret == "" && c.Access.PublicKeyFile == "" {
		return errors.New("config: access needs hmacSecret or publicKeyFile")
	}
	if c.LogRetainDays < 1 {
		return errors.New("config: logRetainDays must be at least 1")
	}
	if c.Ingest.MaxBodyBytes <= 0 || c.Ingest.MaxBodyBytes > MaxIngestBodyBytes {
		return fmt.Errorf("config: ingest.maxBodyBytes must be in 1..%d", MaxIngestBodyBytes)
	}
	return nil
}

// SetIngestSecret writes secret into the config file at path, keeping any
// other settings already there.
func SetIngestSecret(path, secret string) error {
	doc := map[string]any{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return err
	}

	ingest, _ := doc["ingest"].(map[string]any)
	if ingest == nil {
		ingest = map[string]any{}
	}
	ingest["secret"] = secret
	doc["ingest"] = ingest

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	if err := os.WriteFile(path, append(out, '\n'), 0600); err != nil {
		return err
	}
	// WriteFile keeps the mode of an existing file.
	return os.Chmod(path, 0600)
}
