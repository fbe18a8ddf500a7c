package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/nkiryanov/authctx/internal/logger"
)

const (
	defaultLoggingLevel = logger.LevelInfo
	defaultEnvironment  = logger.EnvProduction
	defaultUsername     = "demo"
	defaultAccessTTL    = time.Minute
	defaultRefreshTTL   = time.Hour
	defaultProbeEvery   = 10 * time.Second
)

type Config struct {
	// Default logging level
	LogLevel string `validate:"oneof=debug info warn error"`

	// Environment
	Environment string `validate:"oneof=dev prod"`

	// Secret key to sign access tokens
	SecretKey string `validate:"required"`

	// Credentials of the demo user; the session logs in with them on start
	Username string `validate:"required"`
	Password string `validate:"required"`

	// Token lifetimes of the in-process issuer
	AccessTTL  time.Duration `validate:"gt=0"`
	RefreshTTL time.Duration `validate:"gtfield=AccessTTL"`

	// How often the background client checks its token
	ProbeEvery time.Duration `validate:"gt=0"`
}

func NewConfig() *Config {
	return &Config{
		LogLevel:    defaultLoggingLevel,
		Environment: defaultEnvironment,
		Username:    defaultUsername,
		AccessTTL:   defaultAccessTTL,
		RefreshTTL:  defaultRefreshTTL,
		ProbeEvery:  defaultProbeEvery,
	}
}

// Load variable from '.env' file (should be located at working directory)
func (c *Config) LoadDotEnv(getwd func() (string, error)) error {
	wd, err := getwd()
	if err != nil {
		return err
	}

	envMap, err := godotenv.Read(filepath.Join(wd, ".env"))

	switch {
	case err == nil:
		return c.LoadEnv(func(key string) string {
			return envMap[key]
		})
	case errors.Is(err, os.ErrNotExist):
		return nil
	default:
		return err
	}
}

func (c *Config) LoadEnv(getenv func(string) string) error {
	// Set option to value if it not empty
	setString := func(o *string) func(value string) error {
		return func(value string) error {
			if value != "" {
				*o = value
			}
			return nil
		}
	}
	setDuration := func(o *time.Duration) func(value string) error {
		return func(value string) error {
			if value == "" {
				return nil
			}
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			*o = d
			return nil
		}
	}

	envMap := map[string]func(string) error{
		"LOG_LEVEL":         setString(&c.LogLevel),
		"ENVIRONMENT":       setString(&c.Environment),
		"SECRET_KEY":        setString(&c.SecretKey),
		"DEMO_USERNAME":     setString(&c.Username),
		"DEMO_PASSWORD":     setString(&c.Password),
		"ACCESS_TOKEN_TTL":  setDuration(&c.AccessTTL),
		"REFRESH_TOKEN_TTL": setDuration(&c.RefreshTTL),
		"PROBE_INTERVAL":    setDuration(&c.ProbeEvery),
	}

	var errs []error
	for key, parseFn := range envMap {
		if err := parseFn(getenv(key)); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

func (c *Config) ParseFlags(args []string) error {
	fs := pflag.NewFlagSet("authdemo", pflag.ContinueOnError)

	fs.StringVarP(&c.LogLevel, "log-level", "l", c.LogLevel, "Logging level (debug, info, warn, error)")
	fs.StringVarP(&c.Environment, "environment", "e", c.Environment, "Environment (dev, prod)")
	fs.StringVarP(&c.SecretKey, "secret-key", "s", c.SecretKey, "Secret key")
	fs.StringVarP(&c.Username, "username", "u", c.Username, "Demo user name")
	fs.StringVarP(&c.Password, "password", "p", c.Password, "Demo user password")
	fs.DurationVar(&c.AccessTTL, "access-ttl", c.AccessTTL, "Access token lifetime")
	fs.DurationVar(&c.RefreshTTL, "refresh-ttl", c.RefreshTTL, "Refresh token lifetime")
	fs.DurationVar(&c.ProbeEvery, "probe-every", c.ProbeEvery, "Background client probe interval")

	return fs.Parse(args)
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
