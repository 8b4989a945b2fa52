// Package config loads the yaml configuration files and exposes the
// read-mostly token and rule registries the engines consult.
package config

import (
	"fmt"
	"math/big"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// AppConfig is the process-level configuration (config.yaml).
type AppConfig struct {
	Postgres struct {
		DSN            string `yaml:"dsn"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"postgres"`
	Redis struct {
		Addr       string `yaml:"addr"`
		Password   string `yaml:"password"`
		DB         int    `yaml:"db"`
		TTLSeconds int    `yaml:"ttl_seconds"`
	} `yaml:"redis"`
	Chain struct {
		RPCURL         string  `yaml:"rpc_url"`
		WSURL          string  `yaml:"ws_url"`
		TimeoutSeconds int     `yaml:"timeout_seconds"`
		RPS            float64 `yaml:"rps"`
	} `yaml:"chain"`
	Pyth struct {
		BaseURL string `yaml:"base_url"`
	} `yaml:"pyth"`
	Aggregator struct {
		FanoutTimeoutSeconds int `yaml:"fanout_timeout_seconds"`
		IntervalSeconds      int `yaml:"interval_seconds"`
	} `yaml:"aggregator"`
	Balancer struct {
		IntervalSeconds int `yaml:"interval_seconds"`
	} `yaml:"balancer"`
	Executor struct {
		IdemBucketSeconds     int64 `yaml:"idem_bucket_seconds"`
		MaxBroadcastAttempts  int   `yaml:"max_broadcast_attempts"`
		ReceiptTimeoutSeconds int   `yaml:"receipt_timeout_seconds"`
		ReceiptPollSeconds    int   `yaml:"receipt_poll_seconds"`
		RecoverySweepSeconds  int   `yaml:"recovery_sweep_seconds"`
	} `yaml:"executor"`
	HTTP struct {
		Addr string `yaml:"addr"`
	} `yaml:"http"`
}

// LoadAppConfig reads config.yaml.
func LoadAppConfig(path string) (*AppConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c AppConfig
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &c, nil
}

func (c *AppConfig) PostgresTimeout() time.Duration {
	return secondsOr(c.Postgres.TimeoutSeconds, 5)
}

func (c *AppConfig) RedisTTL() time.Duration {
	return secondsOr(c.Redis.TTLSeconds, 30)
}

func (c *AppConfig) ChainTimeout() time.Duration {
	return secondsOr(c.Chain.TimeoutSeconds, 10)
}

func (c *AppConfig) FanoutTimeout() time.Duration {
	return secondsOr(c.Aggregator.FanoutTimeoutSeconds, 8)
}

func (c *AppConfig) AggregatorInterval() time.Duration {
	return secondsOr(c.Aggregator.IntervalSeconds, 30)
}

func (c *AppConfig) BalancerInterval() time.Duration {
	return secondsOr(c.Balancer.IntervalSeconds, 15)
}

func (c *AppConfig) RecoverySweep() time.Duration {
	return secondsOr(c.Executor.RecoverySweepSeconds, 60)
}

func secondsOr(v, def int) time.Duration {
	if v <= 0 {
		v = def
	}
	return time.Duration(v) * time.Second
}

// parseDecimalScaled converts a decimal string like "0.01" or "2000" into
// value * 10^scale, truncated toward zero, without ever passing through a
// float.
func parseDecimalScaled(s string, scale int) (*big.Int, error) {
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return nil, fmt.Errorf("bad decimal %q", s)
	}
	r.Mul(r, new(big.Rat).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(scale)), nil)))
	return new(big.Int).Quo(r.Num(), r.Denom()), nil
}
