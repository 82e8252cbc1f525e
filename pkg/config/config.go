// Package config loads host settings from the environment and host files.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds process-level settings read from the environment.
type Config struct {
	LatticeHost       string
	LatticeEnabled    bool
	RPCTimeout        time.Duration
	CredsFile         string
	Namespace         string
	HostSeed          string
	APIAddr           string
	InvocationTimeout time.Duration
	EventJournal      string
	OTLPEndpoint      string
	LogLevel          string
	RedisURL          string
}

// ErrInvalidEnv wraps every environment value Load cannot parse.
var ErrInvalidEnv = errors.New("invalid environment")

// Load reads configuration from environment variables. Unset variables take
// their defaults; set but malformed ones are errors.
func Load() (*Config, error) {
	latticeHost := os.Getenv("LATTICE_HOST")
	if latticeHost == "" {
		latticeHost = "127.0.0.1"
	}

	apiAddr := os.Getenv("WASCC_API_ADDR")
	if apiAddr == "" {
		apiAddr = ":8089"
	}

	logLevel := os.Getenv("WASCC_LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	var errs []error
	cfg := &Config{
		LatticeHost:       latticeHost,
		LatticeEnabled:    envBool("WASCC_LATTICE", &errs),
		RPCTimeout:        envMillis("LATTICE_RPC_TIMEOUT_MILLIS", 500, &errs),
		CredsFile:         os.Getenv("LATTICE_CREDS_FILE"),
		Namespace:         os.Getenv("LATTICE_NAMESPACE"),
		HostSeed:          os.Getenv("WASCC_HOST_SEED"),
		APIAddr:           apiAddr,
		InvocationTimeout: envMillis("WASCC_INVOCATION_TIMEOUT_MILLIS", 5000, &errs),
		EventJournal:      os.Getenv("WASCC_EVENT_JOURNAL"),
		OTLPEndpoint:      os.Getenv("WASCC_OTLP_ENDPOINT"),
		LogLevel:          logLevel,
		RedisURL:          os.Getenv("WASCC_REDIS_URL"),
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LatticeURL turns LatticeHost into a NATS URL.
func (c *Config) LatticeURL() string {
	if strings.Contains(c.LatticeHost, "://") {
		return c.LatticeHost
	}
	if strings.Contains(c.LatticeHost, ":") {
		return "nats://" + c.LatticeHost
	}
	return "nats://" + c.LatticeHost + ":4222"
}

func envBool(key string, errs *[]error) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%w: %s=%q is not a boolean", ErrInvalidEnv, key, raw))
	}
	return v
}

// envMillis parses a positive millisecond count, using def when unset.
func envMillis(key string, def int, errs *[]error) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return time.Duration(def) * time.Millisecond
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		*errs = append(*errs, fmt.Errorf("%w: %s=%q is not a positive millisecond count", ErrInvalidEnv, key, raw))
		return time.Duration(def) * time.Millisecond
	}
	return time.Duration(n) * time.Millisecond
}
