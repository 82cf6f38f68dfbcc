package config

import (
	"fmt"
	"log"
	"net"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// DefaultPort is the platform's relay port.
const DefaultPort = 3001

// Config holds all configuration for the relay process.
type Config struct {
	Host           string        `env:"RELAY_HOST"`
	Port           int           `env:"RELAY_PORT" envDefault:"3001" validate:"min=1,max=65535"`
	SendBuffer     int           `env:"RELAY_SEND_BUFFER" envDefault:"256" validate:"min=1"`
	WriteTimeout   time.Duration `env:"RELAY_WRITE_TIMEOUT" envDefault:"10s" validate:"gt=0"`
	ReadLimit      int64         `env:"RELAY_READ_LIMIT" envDefault:"1048576" validate:"min=1"`
	MaxConnections int           `env:"RELAY_MAX_CONNECTIONS" envDefault:"0" validate:"min=0"`
	AllowedOrigins []string      `env:"RELAY_ALLOWED_ORIGINS" envSeparator:","`
	JWTSecret      string        `env:"RELAY_JWT_SECRET"`
	AdminKey       string        `env:"RELAY_ADMIN_KEY"`
	LogFormat      string        `env:"LOG_FORMAT" envDefault:"text" validate:"oneof=text json"`
	LogLevel       string        `env:"LOG_LEVEL" envDefault:"debug" validate:"oneof=debug info warn warning error"`
}

// New loads configuration from a .env file (if present) and the environment.
func New() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		// slog is not configured yet, so the standard logger is used here.
		log.Println("No .env file found, relying on environment variables")
	}
	return Parse()
}

// Parse reads the process environment into a validated Config without
// touching .env files.
func Parse() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Addr returns the single listen address for the relay.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// TokenAdmission reports whether connections must present a signed token.
func (c *Config) TokenAdmission() bool {
	return c.JWTSecret != ""
}
