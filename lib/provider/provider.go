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

// Package provider adapts the upstream inscription source behind a typed
// interface. Two providers are supported: a direct ord node and the
// ordiscan HTTP API. Callers distinguish "not yet inscribed" from transport
// failure with trace.IsNotFound; everything else is a transport error.
package provider

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gravitational/trace"

	"github.com/ordinalsplus/btcoindexer"
	"github.com/ordinalsplus/btcoindexer/lib/defaults"
	"github.com/ordinalsplus/btcoindexer/lib/metadata"
)

// Provider types selectable through PROVIDER_TYPE.
const (
	// TypeNode talks to an ord server directly.
	TypeNode = "node"
	// TypeAPI talks to the ordiscan REST API.
	TypeAPI = "api"
)

// Inscription is the upstream record for a single inscription. It is
// materialised on demand and never persisted.
type Inscription struct {
	// ID is the opaque inscription id (txid + index suffix).
	ID string `json:"id"`
	// Number is the monotonically assigned inscription number.
	Number int64 `json:"number"`
	// ContentType is the declared MIME type, or "unknown".
	ContentType string `json:"content_type"`
	// Sat is the satoshi the inscription rides, when the upstream
	// reports it.
	Sat *int64 `json:"sat"`
}

// SatInfo describes a single satoshi.
type SatInfo struct {
	// InscriptionIDs lists the inscriptions on the sat in their stable
	// upstream order.
	InscriptionIDs []string `json:"inscription_ids"`
}

// Provider answers inscription lookups. Implementations must return an
// error matching trace.IsNotFound when the upstream reports the inscription
// or sat as absent; any other failure is a transport error.
type Provider interface {
	// InscriptionByNumber fetches the inscription with the given number.
	InscriptionByNumber(ctx context.Context, number int64) (*Inscription, error)
	// InscriptionByID fetches inscription details, including its sat.
	InscriptionByID(ctx context.Context, id string) (*Inscription, error)
	// SatInfo fetches the ordered inscription listing of a sat.
	SatInfo(ctx context.Context, sat int64) (*SatInfo, error)
	// Metadata fetches and decodes the inscription's embedded metadata.
	// Inscriptions without metadata yield a null value, not an error.
	Metadata(ctx context.Context, id string) (metadata.Value, error)
}

// Config holds provider construction parameters.
type Config struct {
	// Type selects the provider implementation, TypeNode or TypeAPI.
	Type string
	// Endpoint is the upstream base URL.
	Endpoint string
	// APIKey authenticates against the ordiscan API. Required for
	// TypeAPI, ignored for TypeNode.
	APIKey string
	// Timeout bounds every upstream call.
	Timeout time.Duration
	// HTTPClient optionally overrides the HTTP client, used in tests.
	HTTPClient *http.Client
	// Logger is the provider logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Type == "" {
		c.Type = TypeNode
	}
	if c.Type != TypeNode && c.Type != TypeAPI {
		return trace.BadParameter("unsupported provider type %q", c.Type)
	}
	if c.Endpoint == "" {
		c.Endpoint = defaults.IndexerURL
	}
	if c.Type == TypeAPI && c.APIKey == "" {
		return trace.BadParameter("provider type %q requires an API key", TypeAPI)
	}
	if c.Timeout == 0 {
		c.Timeout = defaults.ProviderTimeout
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	if c.Logger == nil {
		c.Logger = slog.With(btcoindexer.ComponentKey, btcoindexer.ComponentProvider)
	}
	c.Endpoint = strings.TrimRight(c.Endpoint, "/")
	return nil
}

// New builds the provider selected by cfg.Type.
func New(cfg Config) (Provider, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	switch cfg.Type {
	case TypeNode:
		return newNodeClient(cfg), nil
	case TypeAPI:
		return newOrdiscanClient(cfg), nil
	}
	return nil, trace.BadParameter("unsupported provider type %q", cfg.Type)
}
