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

// Package resourceid derives the network-qualified resource identifier of
// an inscription: did:btco[:<tag>]:<sat>/<index>, where <index> is the
// inscription's position within the ordered inscription listing of its sat.
package resourceid

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/gravitational/trace"

	"github.com/ordinalsplus/btcoindexer"
	"github.com/ordinalsplus/btcoindexer/lib/cache"
	"github.com/ordinalsplus/btcoindexer/lib/provider"
)

// Network is the bitcoin network the indexer runs against.
type Network string

const (
	// Mainnet resource IDs carry no network tag.
	Mainnet Network = "mainnet"
	// Signet resource IDs are tagged "sig".
	Signet Network = "signet"
	// Testnet resource IDs are tagged "test".
	Testnet Network = "testnet"
)

// ParseNetwork validates a network name from configuration.
func ParseNetwork(name string) (Network, error) {
	switch Network(name) {
	case Mainnet, Signet, Testnet:
		return Network(name), nil
	case "":
		return Mainnet, nil
	}
	return "", trace.BadParameter("unsupported network %q, expected mainnet, signet or testnet", name)
}

// Tag returns the DID network tag: empty for mainnet, "sig" for signet,
// "test" for testnet.
func (n Network) Tag() string {
	switch n {
	case Signet:
		return "sig"
	case Testnet:
		return "test"
	}
	return ""
}

// Compose builds the resource identifier for a (network, sat, index)
// triple.
func Compose(network Network, sat int64, index int) string {
	if tag := network.Tag(); tag != "" {
		return fmt.Sprintf("%s:%s:%d/%d", btcoindexer.MethodPrefix, tag, sat, index)
	}
	return fmt.Sprintf("%s:%d/%d", btcoindexer.MethodPrefix, sat, index)
}

// Parse splits a resource identifier back into its parts.
func Parse(id string) (network Network, sat int64, index int, err error) {
	rest, ok := strings.CutPrefix(id, btcoindexer.MethodPrefix+":")
	if !ok {
		return "", 0, 0, trace.BadParameter("malformed resource id %q", id)
	}
	network = Mainnet
	switch {
	case strings.HasPrefix(rest, "sig:"):
		network, rest = Signet, rest[len("sig:"):]
	case strings.HasPrefix(rest, "test:"):
		network, rest = Testnet, rest[len("test:"):]
	}
	satPart, indexPart, ok := strings.Cut(rest, "/")
	if !ok {
		return "", 0, 0, trace.BadParameter("malformed resource id %q", id)
	}
	sat, err = strconv.ParseInt(satPart, 10, 64)
	if err != nil {
		return "", 0, 0, trace.BadParameter("malformed sat in resource id %q", id)
	}
	index, err = strconv.Atoi(indexPart)
	if err != nil {
		return "", 0, 0, trace.BadParameter("malformed index in resource id %q", id)
	}
	return network, sat, index, nil
}

// DeriverConfig holds deriver construction parameters.
type DeriverConfig struct {
	// Provider answers by-id and sat lookups on cache misses.
	Provider provider.Provider
	// Cache is the per-replica inscription/sat cache.
	Cache *cache.Cache
	// Network qualifies every derived identifier.
	Network Network
	// Logger is the deriver logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *DeriverConfig) CheckAndSetDefaults() error {
	if c.Provider == nil {
		return trace.BadParameter("deriver requires a provider")
	}
	if c.Cache == nil {
		return trace.BadParameter("deriver requires a cache")
	}
	if c.Network == "" {
		c.Network = Mainnet
	}
	if c.Logger == nil {
		c.Logger = slog.With(btcoindexer.ComponentKey, btcoindexer.ComponentWorker)
	}
	return nil
}

// Deriver resolves an inscription id to its resource identifier, caching
// the upstream lookups it makes along the way.
type Deriver struct {
	cfg DeriverConfig
}

// NewDeriver builds a Deriver.
func NewDeriver(cfg DeriverConfig) (*Deriver, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Deriver{cfg: cfg}, nil
}

// Derive resolves the resource identifier of the given inscription.
// Failures here are derivation errors: the caller records them against the
// inscription and moves on.
func (d *Deriver) Derive(ctx context.Context, inscriptionID string) (string, error) {
	details, ok := d.cfg.Cache.GetInscription(inscriptionID)
	if !ok {
		fetched, err := d.cfg.Provider.InscriptionByID(ctx, inscriptionID)
		if err != nil {
			return "", trace.Wrap(err, "fetching inscription %v", inscriptionID)
		}
		d.cfg.Cache.SetInscription(fetched)
		details = fetched
	}
	if details.Sat == nil {
		return "", trace.BadParameter("inscription %v has no sat", inscriptionID)
	}
	sat := *details.Sat

	ids, ok := d.cfg.Cache.GetSatInscriptions(sat)
	if !ok {
		info, err := d.cfg.Provider.SatInfo(ctx, sat)
		if err != nil {
			return "", trace.Wrap(err, "fetching sat %v", sat)
		}
		d.cfg.Cache.SetSatInscriptions(sat, info.InscriptionIDs)
		ids = info.InscriptionIDs
	}
	if len(ids) == 0 {
		return "", trace.BadParameter("sat %v has no inscription listing", sat)
	}

	index := -1
	for i, id := range ids {
		if id == inscriptionID {
			index = i
			break
		}
	}
	if index < 0 {
		// The upstream occasionally reports a sat listing that does not
		// yet include the inscription. Fall back to index 0 rather than
		// failing the whole record.
		d.cfg.Logger.WarnContext(ctx, "Inscription not present in its sat listing, assuming index 0",
			"inscription_id", inscriptionID, "sat", sat)
		index = 0
	}
	return Compose(d.cfg.Network, sat, index), nil
}
