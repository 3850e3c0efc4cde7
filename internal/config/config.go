package config

import (
	"encoding/base64"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const (
	DefaultRoomIdleTimeout = 5 * time.Minute
	DefaultConnectRate     = 1.0
	DefaultConnectBurst    = 10
)

type Config struct {
	DatabaseDSN    string
	ServerAddr     string
	InternalAddr   string
	SigningKey     []byte
	AllowedOrigins []string
	// RoomIdleTimeout is how long an empty room lives before it is reclaimed
	RoomIdleTimeout time.Duration
	// ConnectRate is the sustained per-IP handshake rate, in connections per second
	ConnectRate  float64
	ConnectBurst int
	// InternalTokenHash is the bcrypt hash of the bearer token required on
	// the internal broadcast route. Empty disables the check.
	InternalTokenHash []byte
}

type Option func(*Config)

func WithRoomIdleTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.RoomIdleTimeout = d
	}
}

func WithConnectLimit(rate float64, burst int) Option {
	return func(c *Config) {
		c.ConnectRate = rate
		c.ConnectBurst = burst
	}
}

func WithInternalTokenHash(hash string) Option {
	return func(c *Config) {
		if hash != "" {
			c.InternalTokenHash = []byte(hash)
		}
	}
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	if base64Secret == "" {
		return nil, fmt.Errorf("empty secret")
	}
	return base64.StdEncoding.DecodeString(base64Secret)
}

func NewConfig(serverAddr, internalAddr, databaseDSN, base64Secret string, allowedOrigins []string, opts ...Option) (*Config, error) {
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if internalAddr == "" {
		return nil, fmt.Errorf("internal address cannot be empty")
	}
	if serverAddr == internalAddr {
		return nil, fmt.Errorf("internal address must differ from server address")
	}
	if databaseDSN == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}
	if base64Secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}

	// Decode the base64 encoded signing secret
	signingKey, err := decodeSigningSecret(base64Secret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	cfg := &Config{
		DatabaseDSN:     databaseDSN,
		ServerAddr:      serverAddr,
		InternalAddr:    internalAddr,
		SigningKey:      signingKey,
		AllowedOrigins:  allowedOrigins,
		RoomIdleTimeout: DefaultRoomIdleTimeout,
		ConnectRate:     DefaultConnectRate,
		ConnectBurst:    DefaultConnectBurst,
	}

	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.RoomIdleTimeout <= 0 {
		return nil, fmt.Errorf("room idle timeout must be positive")
	}
	if cfg.ConnectRate <= 0 || cfg.ConnectBurst <= 0 {
		return nil, fmt.Errorf("connect rate and burst must be positive")
	}
	if cfg.InternalTokenHash != nil {
		if _, err := bcrypt.Cost(cfg.InternalTokenHash); err != nil {
			return nil, fmt.Errorf("internal token hash: %w", err)
		}
	}

	return cfg, nil
}
