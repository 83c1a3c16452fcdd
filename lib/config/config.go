/*
Copyright 2024 Ordinals Plus

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config builds the indexer's runtime configuration from the
// process environment, exactly once at startup. Nothing else in the
// codebase reads environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/ordinalsplus/btcoindexer/lib/defaults"
	"github.com/ordinalsplus/btcoindexer/lib/provider"
	"github.com/ordinalsplus/btcoindexer/lib/resourceid"
)

// Environment variables recognised by the indexer.
const (
	// EnvIndexerURL is the upstream provider endpoint.
	EnvIndexerURL = "INDEXER_URL"
	// EnvRedisURL is the shared KV endpoint.
	EnvRedisURL = "REDIS_URL"
	// EnvPollInterval is the end-of-stream back-off in milliseconds.
	EnvPollInterval = "POLL_INTERVAL"
	// EnvBatchSize is the claim interval width.
	EnvBatchSize = "BATCH_SIZE"
	// EnvConcurrentProcessing is the intra-batch parallelism.
	EnvConcurrentProcessing = "CONCURRENT_PROCESSING"
	// EnvCacheTTL is the cache lifetime in seconds.
	EnvCacheTTL = "CACHE_TTL"
	// EnvWorkerID is the worker identity, auto-generated when unset.
	EnvWorkerID = "WORKER_ID"
	// EnvStartInscription is the initial cursor position.
	EnvStartInscription = "START_INSCRIPTION"
	// EnvNetwork is mainnet, signet or testnet.
	EnvNetwork = "NETWORK"
	// EnvProviderType selects node or api.
	EnvProviderType = "PROVIDER_TYPE"
	// EnvOrdiscanAPIKey authenticates the api provider.
	EnvOrdiscanAPIKey = "ORDISCAN_API_KEY"
	// EnvHighFailureThreshold is the end-of-stream trigger fraction.
	EnvHighFailureThreshold = "HIGH_FAILURE_THRESHOLD"
	// EnvMetricsAddr, when set, serves prometheus metrics and a health
	// check on the given address while the worker runs.
	EnvMetricsAddr = "METRICS_ADDR"
)

// Config is the fully resolved runtime configuration.
type Config struct {
	// IndexerURL is the upstream provider endpoint.
	IndexerURL string
	// RedisURL is the shared KV endpoint.
	RedisURL string
	// PollInterval is the end-of-stream and idle back-off.
	PollInterval time.Duration
	// BatchSize is the claim interval width.
	BatchSize int64
	// ConcurrentProcessing is the intra-batch parallelism.
	ConcurrentProcessing int
	// CacheTTL is the in-process cache lifetime.
	CacheTTL time.Duration
	// WorkerID is this replica's identity.
	WorkerID string
	// StartInscription is the first number indexed on a fresh cursor.
	StartInscription int64
	// Network qualifies derived resource identifiers.
	Network resourceid.Network
	// ProviderType selects the upstream implementation.
	ProviderType string
	// OrdiscanAPIKey authenticates the api provider.
	OrdiscanAPIKey string
	// HighFailureThreshold is the end-of-stream trigger fraction.
	HighFailureThreshold float64
	// MetricsAddr, when non-empty, is the diagnostics listen address.
	MetricsAddr string
}

// FromEnv reads the environment into a Config and validates it.
func FromEnv() (*Config, error) {
	cfg := &Config{
		IndexerURL:     getenv(EnvIndexerURL, defaults.IndexerURL),
		RedisURL:       getenv(EnvRedisURL, defaults.RedisURL),
		WorkerID:       os.Getenv(EnvWorkerID),
		ProviderType:   getenv(EnvProviderType, provider.TypeNode),
		OrdiscanAPIKey: os.Getenv(EnvOrdiscanAPIKey),
		MetricsAddr:    os.Getenv(EnvMetricsAddr),
	}

	var err error
	if cfg.PollInterval, err = envMillis(EnvPollInterval, defaults.PollInterval); err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.BatchSize, err = envInt(EnvBatchSize, defaults.BatchSize); err != nil {
		return nil, trace.Wrap(err)
	}
	concurrency, err := envInt(EnvConcurrentProcessing, defaults.ConcurrentProcessing)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cfg.ConcurrentProcessing = int(concurrency)
	if cfg.CacheTTL, err = envSeconds(EnvCacheTTL, defaults.CacheTTL); err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.StartInscription, err = envInt(EnvStartInscription, defaults.StartInscription); err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.HighFailureThreshold, err = envFloat(EnvHighFailureThreshold, defaults.HighFailureThreshold); err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.Network, err = resourceid.ParseNetwork(os.Getenv(EnvNetwork)); err != nil {
		return nil, trace.Wrap(err)
	}

	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return cfg, nil
}

// CheckAndSetDefaults validates cross-field constraints and generates a
// worker identity when none is configured.
func (c *Config) CheckAndSetDefaults() error {
	switch {
	case c.BatchSize <= 0:
		return trace.BadParameter("%v must be positive", EnvBatchSize)
	case c.ConcurrentProcessing <= 0:
		return trace.BadParameter("%v must be positive", EnvConcurrentProcessing)
	case c.StartInscription < 0:
		return trace.BadParameter("%v must not be negative", EnvStartInscription)
	case c.HighFailureThreshold <= 0 || c.HighFailureThreshold > 1:
		return trace.BadParameter("%v must be in (0, 1]", EnvHighFailureThreshold)
	}
	if c.ProviderType == provider.TypeAPI && c.OrdiscanAPIKey == "" {
		return trace.BadParameter("%v is required when %v is %q",
			EnvOrdiscanAPIKey, EnvProviderType, provider.TypeAPI)
	}
	if c.WorkerID == "" {
		c.WorkerID = generateWorkerID()
	}
	return nil
}

// generateWorkerID builds a process-unique identity of the form
// worker-<pid>-<millis>-<rand>.
func generateWorkerID() string {
	return fmt.Sprintf("worker-%d-%d-%s",
		os.Getpid(), time.Now().UnixMilli(), uuid.NewString()[:8])
}

func getenv(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func envInt(name string, fallback int64) (int64, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, trace.BadParameter("%v: expected an integer, got %q", name, raw)
	}
	return n, nil
}

func envFloat(name string, fallback float64) (float64, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, trace.BadParameter("%v: expected a number, got %q", name, raw)
	}
	return f, nil
}

func envMillis(name string, fallback time.Duration) (time.Duration, error) {
	n, err := envInt(name, int64(fallback/time.Millisecond))
	if err != nil {
		return 0, trace.Wrap(err)
	}
	return time.Duration(n) * time.Millisecond, nil
}

func envSeconds(name string, fallback time.Duration) (time.Duration, error) {
	n, err := envInt(name, int64(fallback/time.Second))
	if err != nil {
		return 0, trace.Wrap(err)
	}
	return time.Duration(n) * time.Second, nil
}
