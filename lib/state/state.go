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

// Package state is the only place the indexer touches the shared redis
// store. It owns the key schema, the atomic batch-claim script, cursor
// advancement, resource and error persistence, and the statistics counters.
// Worker replicas never talk to each other directly: everything they
// coordinate on goes through this package.
package state

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/ordinalsplus/btcoindexer"
	"github.com/ordinalsplus/btcoindexer/lib/classify"
	"github.com/ordinalsplus/btcoindexer/lib/defaults"
	"github.com/ordinalsplus/btcoindexer/lib/metadata"
	"github.com/ordinalsplus/btcoindexer/lib/resourceid"
)

// Claim is a worker's reservation of a half-open inscription-number
// interval. At most one claim per worker is ever live, and no two live
// claims overlap.
type Claim struct {
	// Start is the first inscription number of the interval.
	Start int64 `json:"start"`
	// End is the last inscription number of the interval.
	End int64 `json:"endInscription"`
	// WorkerID identifies the claiming worker.
	WorkerID string `json:"workerId"`
	// ClaimedAt is the claim time in unix milliseconds.
	ClaimedAt int64 `json:"claimedAt"`
}

// UnmarshalJSON decodes a claim, accepting the legacy "end" field name
// written by pre-0.2 deployments in place of "endInscription".
func (c *Claim) UnmarshalJSON(raw []byte) error {
	var aux struct {
		Start     int64  `json:"start"`
		End       int64  `json:"endInscription"`
		LegacyEnd *int64 `json:"end"`
		WorkerID  string `json:"workerId"`
		ClaimedAt int64  `json:"claimedAt"`
	}
	if err := json.Unmarshal(raw, &aux); err != nil {
		return trace.Wrap(err)
	}
	c.Start, c.End, c.WorkerID, c.ClaimedAt = aux.Start, aux.End, aux.WorkerID, aux.ClaimedAt
	if c.End == 0 && aux.LegacyEnd != nil {
		c.End = *aux.LegacyEnd
	}
	return nil
}

// IdentityResource is a classified identity inscription ready for
// persistence.
type IdentityResource struct {
	ResourceID        string
	InscriptionID     string
	InscriptionNumber int64
	Kind              classify.Kind
	ContentType       string
	Metadata          metadata.Value
	IndexedAt         time.Time
}

// NonIdentityResource is a classified non-identity inscription ready for
// persistence.
type NonIdentityResource struct {
	ResourceID        string
	InscriptionID     string
	InscriptionNumber int64
	ContentType       string
	IndexedAt         time.Time
}

// ErrorRecord captures a per-inscription failure, typically a resource-ID
// derivation error. Recorded errors are never retried automatically.
type ErrorRecord struct {
	InscriptionID     string
	InscriptionNumber int64
	Error             string
	Timestamp         time.Time
	WorkerID          string
}

// Stats is the aggregate view printed by the operator CLI.
type Stats struct {
	// Cursor is the highest fully processed inscription number, or -1
	// when indexing has not started.
	Cursor int64
	// ActiveWorkers counts live, unexpired claims.
	ActiveWorkers int
	// IdentityTotal counts persisted identity resources.
	IdentityTotal int64
	// DIDDocuments and VerifiableCredentials break IdentityTotal down.
	DIDDocuments          int64
	VerifiableCredentials int64
	// NonIdentityTotal counts persisted non-identity resources.
	NonIdentityTotal int64
	// NonIdentityByType breaks NonIdentityTotal down by top-level
	// content-type family.
	NonIdentityByType map[string]int64
	// Errors counts recorded error records.
	Errors int64
}

// claimScript reserves the next non-overlapping batch interval. It runs as
// a single server-side program so that concurrent replicas can never be
// handed overlapping intervals.
//
// KEYS[1] cursor key
// ARGV[1] claim key prefix
// ARGV[2] worker id
// ARGV[3] batch size
// ARGV[4] default cursor (start inscription - 1, used when unset)
// ARGV[5] now, unix milliseconds
// ARGV[6] claim TTL, seconds
// ARGV[7] max attempts
var claimScript = redis.NewScript(`
local cursor = tonumber(redis.call('GET', KEYS[1]))
if cursor == nil then
  cursor = tonumber(ARGV[4])
end
local batchSize = tonumber(ARGV[3])
local start = cursor + 1
for attempt = 1, tonumber(ARGV[7]) do
  local finish = start + batchSize - 1
  local overlap = false
  local keys = redis.call('KEYS', ARGV[1] .. '*')
  for _, key in ipairs(keys) do
    local raw = redis.call('GET', key)
    if raw then
      local ok, claim = pcall(cjson.decode, raw)
      if ok and type(claim) == 'table' then
        local cstart = tonumber(claim.start)
        local cfinish = tonumber(claim.endInscription)
        if cfinish == nil then
          cfinish = tonumber(claim['end'])
        end
        if cstart ~= nil and cfinish ~= nil and start <= cfinish and finish >= cstart then
          overlap = true
        end
      end
    end
  end
  if not overlap then
    local claim = cjson.encode({
      start = start,
      endInscription = finish,
      workerId = ARGV[2],
      claimedAt = tonumber(ARGV[5]),
    })
    redis.call('SET', ARGV[1] .. ARGV[2], claim, 'EX', tonumber(ARGV[6]))
    return claim
  end
  start = finish + 1
end
return false
`)

// advanceScript moves the cursor forward, never backward. Negative targets
// clamp to zero so an empty-world backoff cannot write a nonsense cursor.
//
// KEYS[1] cursor key
// ARGV[1] target cursor
var advanceScript = redis.NewScript(`
local target = tonumber(ARGV[1])
if target < 0 then
  target = 0
end
local cursor = tonumber(redis.call('GET', KEYS[1]))
if cursor == nil or target > cursor then
  redis.call('SET', KEYS[1], target)
  return target
end
return cursor
`)

// Config holds manager construction parameters.
type Config struct {
	// Client is the shared redis client.
	Client redis.UniversalClient
	// Clock supplies claim timestamps, overridden in tests.
	Clock clockwork.Clock
	// Logger is the state-layer logger.
	Logger *slog.Logger
	// ClaimTTL bounds how long a crashed worker's claim stays live.
	ClaimTTL time.Duration
	// ClaimAttempts bounds the claim script's interval search.
	ClaimAttempts int
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Client == nil {
		return trace.BadParameter("state manager requires a redis client")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(btcoindexer.ComponentKey, btcoindexer.ComponentState)
	}
	if c.ClaimTTL == 0 {
		c.ClaimTTL = defaults.ClaimTTL
	}
	if c.ClaimAttempts == 0 {
		c.ClaimAttempts = defaults.ClaimAttempts
	}
	return nil
}

// Manager mediates all shared-state access for one process.
type Manager struct {
	cfg Config
}

// NewManager builds a Manager.
func NewManager(cfg Config) (*Manager, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Manager{cfg: cfg}, nil
}

// Connect dials the shared redis store at the given URL and verifies the
// connection.
func Connect(ctx context.Context, url string) (redis.UniversalClient, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, trace.Wrap(err, "parsing redis URL")
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, trace.ConnectionProblem(err, "connecting to redis at %v", opts.Addr)
	}
	return client, nil
}

// Close releases the underlying redis client.
func (m *Manager) Close() error {
	return trace.Wrap(m.cfg.Client.Close())
}

// Cursor reads the shared cursor. ok is false when indexing has never
// advanced it.
func (m *Manager) Cursor(ctx context.Context) (cursor int64, ok bool, err error) {
	raw, err := m.cfg.Client.Get(ctx, cursorKey).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, trace.Wrap(err)
	}
	cursor, err = strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, trace.Wrap(err, "corrupt cursor value %q", raw)
	}
	return cursor, true, nil
}

// ClaimNextBatch atomically reserves the next free inscription-number
// interval for the worker. It returns an error matching trace.IsNotFound
// when no non-overlapping interval could be found. A repeated call for the
// same worker replaces that worker's previous claim.
func (m *Manager) ClaimNextBatch(ctx context.Context, workerID string, batchSize int64, startInscription int64) (*Claim, error) {
	if batchSize <= 0 {
		return nil, trace.BadParameter("batch size must be positive, got %v", batchSize)
	}
	raw, err := claimScript.Run(ctx, m.cfg.Client,
		[]string{cursorKey},
		claimKeyPrefix,
		workerID,
		batchSize,
		startInscription-1,
		m.cfg.Clock.Now().UnixMilli(),
		int64(m.cfg.ClaimTTL.Seconds()),
		m.cfg.ClaimAttempts,
	).Result()
	if err == redis.Nil {
		return nil, trace.NotFound("no claimable batch")
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	encoded, ok := raw.(string)
	if !ok {
		return nil, trace.BadParameter("claim script returned %T, expected string", raw)
	}
	var claim Claim
	if err := json.Unmarshal([]byte(encoded), &claim); err != nil {
		return nil, trace.Wrap(err, "decoding claim")
	}
	return &claim, nil
}

// ReleaseClaim drops the worker's live claim, if any. Used on graceful
// shutdown; a crashed worker's claim expires via its TTL instead.
func (m *Manager) ReleaseClaim(ctx context.Context, workerID string) error {
	return trace.Wrap(m.cfg.Client.Del(ctx, claimKey(workerID)).Err())
}

// CompleteBatch finishes a batch: the cursor advances to target (never
// retreating), the worker's claim is released, and expired claims left by
// crashed workers are swept.
func (m *Manager) CompleteBatch(ctx context.Context, workerID string, target int64) (int64, error) {
	cursor, err := m.advanceCursor(ctx, target)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	if err := m.ReleaseClaim(ctx, workerID); err != nil {
		return cursor, trace.Wrap(err)
	}
	if err := m.sweepExpiredClaims(ctx); err != nil {
		// Sweeping is best effort, the TTL on the keys is the real
		// backstop.
		m.cfg.Logger.WarnContext(ctx, "Failed to sweep expired claims", "error", err)
	}
	return cursor, nil
}

func (m *Manager) advanceCursor(ctx context.Context, target int64) (int64, error) {
	raw, err := advanceScript.Run(ctx, m.cfg.Client, []string{cursorKey}, target).Result()
	if err != nil {
		return 0, trace.Wrap(err)
	}
	cursor, ok := raw.(int64)
	if !ok {
		return 0, trace.BadParameter("cursor script returned %T, expected integer", raw)
	}
	return cursor, nil
}

// ActiveClaims enumerates live claims across all workers. Claims past
// their TTL are excluded even if redis has not expired the key yet.
func (m *Manager) ActiveClaims(ctx context.Context) ([]Claim, error) {
	claims, _, err := m.scanClaims(ctx)
	return claims, trace.Wrap(err)
}

func (m *Manager) sweepExpiredClaims(ctx context.Context) error {
	_, expired, err := m.scanClaims(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	for _, key := range expired {
		if err := m.cfg.Client.Del(ctx, key).Err(); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// scanClaims walks indexer:claim:* and splits the results into live claims
// and the keys of expired ones.
func (m *Manager) scanClaims(ctx context.Context) (live []Claim, expiredKeys []string, err error) {
	deadline := m.cfg.Clock.Now().Add(-m.cfg.ClaimTTL).UnixMilli()
	iter := m.cfg.Client.Scan(ctx, 0, claimKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		raw, err := m.cfg.Client.Get(ctx, key).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, nil, trace.Wrap(err)
		}
		var claim Claim
		if err := json.Unmarshal([]byte(raw), &claim); err != nil {
			m.cfg.Logger.WarnContext(ctx, "Skipping undecodable claim", "key", key, "error", err)
			continue
		}
		if claim.ClaimedAt <= deadline {
			expiredKeys = append(expiredKeys, key)
			continue
		}
		live = append(live, claim)
	}
	if err := iter.Err(); err != nil {
		return nil, nil, trace.Wrap(err)
	}
	return live, expiredKeys, nil
}

// PersistIdentity records a classified identity resource: the resource ID
// is pushed onto the identity list head, the full resource hash is written,
// and the per-kind and total counters advance, in that order.
func (m *Manager) PersistIdentity(ctx context.Context, r IdentityResource) error {
	network, _, _, err := resourceid.Parse(r.ResourceID)
	if err != nil {
		return trace.Wrap(err)
	}
	encodedMetadata, err := json.Marshal(r.Metadata)
	if err != nil {
		return trace.Wrap(err, "encoding metadata for %v", r.InscriptionID)
	}
	pipe := m.cfg.Client.TxPipeline()
	pipe.LPush(ctx, identityListKey, r.ResourceID)
	pipe.HSet(ctx, resourceKey(r.InscriptionID), map[string]any{
		"resourceId":        r.ResourceID,
		"inscriptionId":     r.InscriptionID,
		"inscriptionNumber": r.InscriptionNumber,
		"ordinalsType":      string(r.Kind),
		"contentType":       r.ContentType,
		"metadata":          string(encodedMetadata),
		"indexedAt":         r.IndexedAt.UnixMilli(),
		"network":           string(network),
	})
	pipe.Incr(ctx, identityStatsKey(string(r.Kind)))
	pipe.Incr(ctx, identityStatsKey(statsTotal))
	_, err = pipe.Exec(ctx)
	return trace.Wrap(err)
}

// PersistNonIdentity records a non-identity resource: list push plus the
// total and content-type family counters.
func (m *Manager) PersistNonIdentity(ctx context.Context, r NonIdentityResource) error {
	pipe := m.cfg.Client.TxPipeline()
	pipe.LPush(ctx, nonIdentityListKey, r.ResourceID)
	pipe.Incr(ctx, nonIdentityStatsKey(statsTotal))
	pipe.Incr(ctx, nonIdentityStatsKey(contentTypeBucket(r.ContentType)))
	_, err := pipe.Exec(ctx)
	return trace.Wrap(err)
}

// RecordError persists a per-inscription failure: the record hash is
// written, the inscription ID is pushed onto the error list head, and the
// error counter advances.
func (m *Manager) RecordError(ctx context.Context, rec ErrorRecord) error {
	pipe := m.cfg.Client.TxPipeline()
	pipe.HSet(ctx, errorKey(rec.InscriptionNumber), map[string]any{
		"inscriptionId":     rec.InscriptionID,
		"inscriptionNumber": rec.InscriptionNumber,
		"error":             rec.Error,
		"timestamp":         rec.Timestamp.UnixMilli(),
		"workerId":          rec.WorkerID,
	})
	pipe.LPush(ctx, errorListKey, rec.InscriptionID)
	pipe.Incr(ctx, errorStatsKey)
	_, err := pipe.Exec(ctx)
	return trace.Wrap(err)
}

// RecentErrors returns up to limit error records, newest first. The error
// list stores inscription IDs while the record hashes are keyed by number,
// so the hashes are scanned once and joined by ID.
func (m *Manager) RecentErrors(ctx context.Context, limit int64) ([]ErrorRecord, error) {
	if limit <= 0 {
		limit = defaults.ErrorListLimit
	}
	ids, err := m.cfg.Client.LRange(ctx, errorListKey, 0, limit-1).Result()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	byID := make(map[string]ErrorRecord)
	iter := m.cfg.Client.Scan(ctx, 0, errorKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		fields, err := m.cfg.Client.HGetAll(ctx, iter.Val()).Result()
		if err != nil {
			return nil, trace.Wrap(err)
		}
		rec := decodeErrorRecord(fields)
		byID[rec.InscriptionID] = rec
	}
	if err := iter.Err(); err != nil {
		return nil, trace.Wrap(err)
	}
	records := make([]ErrorRecord, 0, len(ids))
	for _, id := range ids {
		if rec, ok := byID[id]; ok {
			records = append(records, rec)
		} else {
			records = append(records, ErrorRecord{InscriptionID: id})
		}
	}
	return records, nil
}

func decodeErrorRecord(fields map[string]string) ErrorRecord {
	number, _ := strconv.ParseInt(fields["inscriptionNumber"], 10, 64)
	millis, _ := strconv.ParseInt(fields["timestamp"], 10, 64)
	return ErrorRecord{
		InscriptionID:     fields["inscriptionId"],
		InscriptionNumber: number,
		Error:             fields["error"],
		Timestamp:         time.UnixMilli(millis),
		WorkerID:          fields["workerId"],
	}
}

// IdentityResourceByInscription reads back a persisted identity resource
// hash.
func (m *Manager) IdentityResourceByInscription(ctx context.Context, inscriptionID string) (map[string]string, error) {
	fields, err := m.cfg.Client.HGetAll(ctx, resourceKey(inscriptionID)).Result()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(fields) == 0 {
		return nil, trace.NotFound("no resource recorded for inscription %v", inscriptionID)
	}
	return fields, nil
}

// Stats assembles the operator statistics view.
func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{Cursor: -1, NonIdentityByType: make(map[string]int64)}

	cursor, ok, err := m.Cursor(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if ok {
		stats.Cursor = cursor
	}

	claims, err := m.ActiveClaims(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	stats.ActiveWorkers = len(claims)

	counters := map[string]*int64{
		identityStatsKey(statsTotal):                            &stats.IdentityTotal,
		identityStatsKey(string(classify.DIDDocument)):          &stats.DIDDocuments,
		identityStatsKey(string(classify.VerifiableCredential)): &stats.VerifiableCredentials,
		nonIdentityStatsKey(statsTotal):                         &stats.NonIdentityTotal,
		errorStatsKey:                                           &stats.Errors,
	}
	for key, dst := range counters {
		n, err := m.readCounter(ctx, key)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		*dst = n
	}

	iter := m.cfg.Client.Scan(ctx, 0, nonIdentityStatsPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		bucket := key[len(nonIdentityStatsPrefix):]
		if bucket == statsTotal {
			continue
		}
		n, err := m.readCounter(ctx, key)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		stats.NonIdentityByType[bucket] = n
	}
	if err := iter.Err(); err != nil {
		return nil, trace.Wrap(err)
	}
	return stats, nil
}

func (m *Manager) readCounter(ctx context.Context, key string) (int64, error) {
	raw, err := m.cfg.Client.Get(ctx, key).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, trace.Wrap(err)
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, trace.Wrap(err, "corrupt counter %q", key)
	}
	return n, nil
}
