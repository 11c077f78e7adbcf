// Package config loads engine settings from a YAML file, an optional .env
// file and the process environment, in that order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"tenderguard/failure"
)

const (
	AuditBackendMemory   = "memory"
	AuditBackendPostgres = "postgres"
)

type Config struct {
	HTTP        HTTP        `yaml:"http"`
	Database    Database    `yaml:"database"`
	Audit       Audit       `yaml:"audit"`
	Procurement Procurement `yaml:"procurement"`
	Auth        Auth        `yaml:"auth"`
	Notify      Notify      `yaml:"notify"`
	Log         Log         `yaml:"log"`
}

type HTTP struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type Database struct {
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"max_conns"`
}

type Audit struct {
	Backend   string `yaml:"backend"`
	QueueSize int    `yaml:"queue_size"`
	// VerifyInterval schedules periodic full-chain verification; zero disables it.
	VerifyInterval time.Duration `yaml:"verify_interval"`
}

type Procurement struct {
	StandstillBusinessDays int      `yaml:"standstill_business_days"`
	Holidays               []string `yaml:"holidays"`
	HolidaysFile           string   `yaml:"holidays_file"`
}

type Auth struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
}

type Notify struct {
	QueueSize int  `yaml:"queue_size"`
	Outbox    bool `yaml:"outbox"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() Config {
	return Config{
		HTTP:        HTTP{Addr: ":8080", ShutdownTimeout: 10 * time.Second},
		Database:    Database{MaxConns: 10},
		Audit:       Audit{Backend: AuditBackendMemory, QueueSize: 64},
		Procurement: Procurement{StandstillBusinessDays: 10},
		Auth:        Auth{Issuer: "tenderguard"},
		Notify:      Notify{QueueSize: 256},
		Log:         Log{Level: "info", Format: "json"},
	}
}

// Load reads path (skipped when empty or missing), then .env, then the
// environment, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load .env: %w", err)
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("TENDERGUARD_HTTP_ADDR"); ok {
		c.HTTP.Addr = v
	}
	if v, ok := lookup("DATABASE_URL"); ok {
		c.Database.URL = v
	}
	if v, ok := lookup("JWT_SECRET"); ok {
		c.Auth.JWTSecret = v
	}
	if v, ok := lookup("LOG_LEVEL"); ok {
		c.Log.Level = v
	}
	if v, ok := lookup("AUDIT_BACKEND"); ok {
		c.Audit.Backend = v
	}
	if v, ok := lookup("STANDSTILL_BUSINESS_DAYS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: STANDSTILL_BUSINESS_DAYS=%q: %w", v, failure.ErrInvalidInput)
		}
		c.Procurement.StandstillBusinessDays = n
	}
	return nil
}

func (c Config) Validate() error {
	if c.Procurement.StandstillBusinessDays <= 0 {
		return fmt.Errorf("config: standstill_business_days must be positive: %w", failure.ErrInvalidInput)
	}
	switch c.Audit.Backend {
	case AuditBackendMemory:
	case AuditBackendPostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("config: postgres audit backend needs database.url: %w", failure.ErrInvalidInput)
		}
	default:
		return fmt.Errorf("config: unknown audit backend %q: %w", c.Audit.Backend, failure.ErrInvalidInput)
	}
	if c.Notify.Outbox && c.Database.URL == "" {
		return fmt.Errorf("config: outbox notifications need database.url: %w", failure.ErrInvalidInput)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("config: unknown log format %q: %w", c.Log.Format, failure.ErrInvalidInput)
	}
	return nil
}
