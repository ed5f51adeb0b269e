// Package config loads engine configuration from the environment.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the runtime configuration for a verification node.
type Config struct {
	// NodeEndpoint is the ZMQ address this node binds (e.g. "tcp://0.0.0.0:5555").
	NodeEndpoint string

	// NodeStake is the stake the local node registers with.
	NodeStake int64

	// MetricsAddr is the Prometheus listen address.
	MetricsAddr string

	// Workers is the width of the local verification pool.
	Workers int

	// VerifyTimeout is the end-to-end budget per verification.
	VerifyTimeout time.Duration

	// MinStake is the registration gate for the node registry.
	MinStake int64

	// StrictLocal fails a round when the local verification function
	// errors, instead of voting false.
	StrictLocal bool

	// Debug enables verbose logging.
	Debug bool
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v == "true" || v == "1" || v == "yes" || v == "on"
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// Load reads configuration from VB_* environment variables, falling back
// to defaults for anything unset or malformed.
func Load() Config {
	return Config{
		NodeEndpoint:  getenv("VB_NODE_ENDPOINT", "tcp://127.0.0.1:5555"),
		NodeStake:     getenvInt64("VB_NODE_STAKE", 5000),
		MetricsAddr:   getenv("VB_METRICS_ADDR", ":9095"),
		Workers:       getenvInt("VB_WORKERS", 8),
		VerifyTimeout: getenvDuration("VB_VERIFY_TIMEOUT", 5*time.Second),
		MinStake:      getenvInt64("VB_MIN_STAKE", 1000),
		StrictLocal:   getenvBool("VB_STRICT_LOCAL", false),
		Debug:         getenvBool("VB_DEBUG", false),
	}
}
