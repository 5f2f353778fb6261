package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/heron/pkg/log"
	"github.com/redis/go-redis/v9"
)

// Config holds connection settings for the coordination store
type Config struct {
	Mode           string   `yaml:"mode"` // single | cluster | sentinel
	Addresses      []string `yaml:"addresses"`
	DB             int      `yaml:"db"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	SentinelMaster string   `yaml:"sentinel_master"`

	PoolSize     int `yaml:"pool_size"`
	MinIdleConns int `yaml:"min_idle_conns"`

	DialTimeout     time.Duration `yaml:"dial_timeout"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// DefaultConfig returns a single-node configuration against localhost
func DefaultConfig() Config {
	return Config{
		Mode:         "single",
		Addresses:    []string{"127.0.0.1:6379"},
		PoolSize:     20,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// Validate checks the mode and addresses
func (c Config) Validate() error {
	if len(c.Addresses) == 0 {
		return errors.New("redis addresses empty")
	}
	switch strings.ToLower(c.Mode) {
	case "single", "cluster":
	case "sentinel":
		if c.SentinelMaster == "" {
			return errors.New("sentinel mode requires sentinel_master")
		}
	default:
		return fmt.Errorf("unknown redis mode: %s", c.Mode)
	}
	return nil
}

// Options converts the config into go-redis universal options
func (c Config) Options() *redis.UniversalOptions {
	return &redis.UniversalOptions{
		Addrs:        c.Addresses,
		DB:           c.DB,
		Username:     c.Username,
		Password:     c.Password,
		MasterName:   c.SentinelMaster,
		PoolSize:     c.PoolSize,
		MinIdleConns: c.MinIdleConns,

		DialTimeout:  c.DialTimeout,
		ReadTimeout:  c.ReadTimeout,
		WriteTimeout: c.WriteTimeout,

		ConnMaxLifetime: c.ConnMaxLifetime,
		ConnMaxIdleTime: c.ConnMaxIdleTime,
	}
}

// Connect creates a client and verifies it with a ping
func Connect(ctx context.Context, cfg Config) (redis.UniversalClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client := redis.NewUniversalClient(cfg.Options())

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	logger := log.WithComponent("redis")
	logger.Info().
		Str("mode", cfg.Mode).
		Strs("addrs", cfg.Addresses).
		Msg("redis connected")
	return client, nil
}

// Ping checks the client with a short timeout
func Ping(ctx context.Context, client redis.UniversalClient) error {
	if client == nil {
		return errors.New("redis client nil")
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return client.Ping(ctx).Err()
}
