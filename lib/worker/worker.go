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

// Package worker runs the distributed ingestion loop: claim a batch of
// inscription numbers, fetch and classify each inscription with bounded
// concurrency, persist the results, advance the shared cursor, and back off
// when the tip of the append-only stream is reached. Multiple replicas
// cooperate purely through the shared state layer.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/ordinalsplus/btcoindexer"
	"github.com/ordinalsplus/btcoindexer/lib/cache"
	"github.com/ordinalsplus/btcoindexer/lib/classify"
	"github.com/ordinalsplus/btcoindexer/lib/defaults"
	"github.com/ordinalsplus/btcoindexer/lib/metadata"
	"github.com/ordinalsplus/btcoindexer/lib/provider"
	"github.com/ordinalsplus/btcoindexer/lib/resourceid"
	"github.com/ordinalsplus/btcoindexer/lib/state"
)

// Config holds worker construction parameters.
type Config struct {
	// WorkerID identifies this replica in claims and error records.
	WorkerID string
	// State mediates all shared redis access.
	State *state.Manager
	// Provider answers upstream inscription lookups.
	Provider provider.Provider
	// Deriver resolves inscription ids to resource identifiers.
	Deriver *resourceid.Deriver
	// Cache is the per-replica inscription/sat cache.
	Cache *cache.Cache

	// BatchSize is the width of each claimed interval.
	BatchSize int64
	// StartInscription is the first number indexed on a fresh cursor.
	StartInscription int64
	// Concurrency bounds how many inscriptions are processed in
	// parallel within a batch.
	Concurrency int
	// PollInterval is the sleep when no batch is claimable or the end
	// of the stream was reached.
	PollInterval time.Duration
	// ChunkPause is the pause between consecutive chunks of a batch.
	ChunkPause time.Duration
	// ErrorRetryInterval is the sleep after a top-level loop failure.
	ErrorRetryInterval time.Duration
	// HighFailureThreshold is the missing fraction above which a batch
	// counts as end-of-stream.
	HighFailureThreshold float64

	// Clock drives all sleeps, overridden in tests.
	Clock clockwork.Clock
	// Logger is the worker logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	switch {
	case c.WorkerID == "":
		return trace.BadParameter("worker requires an id")
	case c.State == nil:
		return trace.BadParameter("worker requires a state manager")
	case c.Provider == nil:
		return trace.BadParameter("worker requires a provider")
	case c.Deriver == nil:
		return trace.BadParameter("worker requires a resource-id deriver")
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = defaults.ConcurrentProcessing
	}
	if c.PollInterval == 0 {
		c.PollInterval = defaults.PollInterval
	}
	if c.ChunkPause == 0 {
		c.ChunkPause = defaults.ChunkPause
	}
	if c.ErrorRetryInterval == 0 {
		c.ErrorRetryInterval = defaults.ErrorRetryInterval
	}
	if c.HighFailureThreshold == 0 {
		c.HighFailureThreshold = defaults.HighFailureThreshold
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(btcoindexer.ComponentKey, btcoindexer.ComponentWorker)
	}
	return nil
}

// Worker is one indexing replica.
type Worker struct {
	cfg Config
}

// New builds a Worker.
func New(cfg Config) (*Worker, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := RegisterMetrics(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Worker{cfg: cfg}, nil
}

// batchResult aggregates one processed batch.
type batchResult struct {
	identity    int
	nonIdentity int
	errored     int
	missing     int
	// firstMissing is the smallest inscription number the upstream
	// reported as absent, or -1.
	firstMissing int64
}

// Run executes the claim/process/advance loop until ctx is cancelled. On
// the way out the worker's live claim is released so the interval becomes
// immediately re-claimable.
func (w *Worker) Run(ctx context.Context) error {
	w.cfg.Logger.InfoContext(ctx, "Worker starting",
		"worker_id", w.cfg.WorkerID,
		"batch_size", w.cfg.BatchSize,
		"concurrency", w.cfg.Concurrency)

	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := w.cfg.State.ReleaseClaim(releaseCtx, w.cfg.WorkerID); err != nil {
			w.cfg.Logger.WarnContext(releaseCtx, "Failed to release claim on shutdown", "error", err)
		}
		if w.cfg.Cache != nil {
			w.cfg.Cache.Close()
		}
		w.cfg.Logger.InfoContext(context.Background(), "Worker stopped", "worker_id", w.cfg.WorkerID)
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := w.runOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.cfg.Logger.ErrorContext(ctx, "Indexing pass failed, retrying", "error", err)
			w.sleep(ctx, w.cfg.ErrorRetryInterval)
		}
	}
}

// runOnce claims and processes a single batch.
func (w *Worker) runOnce(ctx context.Context) error {
	claim, err := w.cfg.State.ClaimNextBatch(ctx, w.cfg.WorkerID, w.cfg.BatchSize, w.cfg.StartInscription)
	if err != nil {
		if trace.IsNotFound(err) {
			w.cfg.Logger.DebugContext(ctx, "No claimable batch, polling")
			w.sleep(ctx, w.cfg.PollInterval)
			return nil
		}
		return trace.Wrap(err)
	}
	w.cfg.Logger.InfoContext(ctx, "Claimed batch",
		"start", claim.Start, "end", claim.End)

	result, err := w.processBatch(ctx, claim)
	if err != nil {
		// The claim stays live; either this worker resumes it on the
		// next pass or it expires and another replica picks it up.
		return trace.Wrap(err)
	}

	batchSize := claim.End - claim.Start + 1
	missingRate := float64(result.missing) / float64(batchSize)
	endOfStream := missingRate > w.cfg.HighFailureThreshold

	target := claim.End
	if endOfStream && result.firstMissing >= 0 {
		// Back the cursor up to just before the first gap so the tip
		// is retried later, but never below the batch start.
		target = result.firstMissing - 1
		if floor := claim.Start - 1; target < floor {
			target = floor
		}
	}

	cursor, err := w.cfg.State.CompleteBatch(ctx, w.cfg.WorkerID, target)
	if err != nil {
		return trace.Wrap(err)
	}
	batchesCompleted.Inc()

	w.cfg.Logger.InfoContext(ctx, "Batch complete",
		"start", claim.Start,
		"end", claim.End,
		"cursor", cursor,
		"identity", result.identity,
		"non_identity", result.nonIdentity,
		"missing", result.missing,
		"errors", result.errored)

	if endOfStream {
		endOfStreamBackoffs.Inc()
		w.cfg.Logger.InfoContext(ctx, "Reached end of inscription stream, backing off",
			"first_missing", result.firstMissing,
			"poll_interval", w.cfg.PollInterval)
		w.sleep(ctx, w.cfg.PollInterval)
	}
	return nil
}

// processBatch walks the claimed interval in chunks of Concurrency,
// processing each chunk's inscriptions in parallel and waiting for the
// whole chunk before moving on.
func (w *Worker) processBatch(ctx context.Context, claim *state.Claim) (*batchResult, error) {
	agg := &batchResult{firstMissing: -1}
	step := int64(w.cfg.Concurrency)
	for chunkStart := claim.Start; chunkStart <= claim.End; chunkStart += step {
		chunkEnd := chunkStart + step - 1
		if chunkEnd > claim.End {
			chunkEnd = claim.End
		}

		n := int(chunkEnd - chunkStart + 1)
		results := make([]itemResult, n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i] = w.processOne(ctx, chunkStart+int64(i))
			}(i)
		}
		wg.Wait()

		for _, r := range results {
			switch {
			case r.missing:
				agg.missing++
				// Only genuine not-found responses position the
				// end-of-stream cursor; transport failures count
				// toward the rate but not the gap position.
				if r.notFound && (agg.firstMissing < 0 || r.number < agg.firstMissing) {
					agg.firstMissing = r.number
				}
			case r.errored:
				agg.errored++
			case r.identity:
				agg.identity++
			default:
				agg.nonIdentity++
			}
		}

		// Cooperative shutdown: the in-flight chunk above finished,
		// leave the rest of the batch to whoever reclaims it.
		if ctx.Err() != nil {
			return nil, trace.Wrap(ctx.Err())
		}
		if chunkEnd < claim.End {
			w.sleep(ctx, w.cfg.ChunkPause)
		}
	}
	return agg, nil
}

// itemResult is the outcome of a single inscription number.
type itemResult struct {
	number      int64
	missing     bool
	notFound    bool
	errored     bool
	identity    bool
	nonIdentity bool
}

// processOne fetches, classifies and persists a single inscription.
// Per-item failures never propagate: missing inscriptions feed the
// end-of-stream policy, derivation failures become error records, and
// persistence failures are logged and counted.
func (w *Worker) processOne(ctx context.Context, number int64) itemResult {
	res := itemResult{number: number}

	ins, err := w.cfg.Provider.InscriptionByNumber(ctx, number)
	if err != nil {
		// The upstream cannot always distinguish "not inscribed yet"
		// from "temporarily unavailable"; both count as missing and
		// feed the back-off policy.
		if trace.IsNotFound(err) {
			res.notFound = true
		} else {
			w.cfg.Logger.DebugContext(ctx, "Inscription fetch failed, counting as missing",
				"number", number, "error", err)
		}
		inscriptionsProcessed.WithLabelValues(outcomeMissing).Inc()
		res.missing = true
		return res
	}
	if w.cfg.Cache != nil && ins.Sat != nil {
		w.cfg.Cache.SetInscription(ins)
	}

	md, err := w.cfg.Provider.Metadata(ctx, ins.ID)
	if err != nil {
		w.cfg.Logger.DebugContext(ctx, "Metadata fetch failed, treating as absent",
			"inscription_id", ins.ID, "error", err)
		md = metadata.Null()
	}
	kind := classify.Classify(md)

	resourceID, err := w.cfg.Deriver.Derive(ctx, ins.ID)
	if err != nil {
		w.recordError(ctx, ins, number, err)
		res.errored = true
		return res
	}

	now := w.cfg.Clock.Now()
	if kind != classify.None {
		err = w.cfg.State.PersistIdentity(ctx, state.IdentityResource{
			ResourceID:        resourceID,
			InscriptionID:     ins.ID,
			InscriptionNumber: number,
			Kind:              kind,
			ContentType:       ins.ContentType,
			Metadata:          md,
			IndexedAt:         now,
		})
		if err == nil {
			res.identity = true
			identityResourcesFound.WithLabelValues(string(kind)).Inc()
			inscriptionsProcessed.WithLabelValues(outcomeIdentity).Inc()
			return res
		}
	} else {
		err = w.cfg.State.PersistNonIdentity(ctx, state.NonIdentityResource{
			ResourceID:        resourceID,
			InscriptionID:     ins.ID,
			InscriptionNumber: number,
			ContentType:       ins.ContentType,
			IndexedAt:         now,
		})
		if err == nil {
			res.nonIdentity = true
			inscriptionsProcessed.WithLabelValues(outcomeNonIdentity).Inc()
			return res
		}
	}

	w.cfg.Logger.WarnContext(ctx, "Failed to persist resource",
		"inscription_id", ins.ID, "number", number, "error", err)
	res.errored = true
	return res
}

func (w *Worker) recordError(ctx context.Context, ins *provider.Inscription, number int64, cause error) {
	inscriptionsProcessed.WithLabelValues(outcomeError).Inc()
	rec := state.ErrorRecord{
		InscriptionID:     ins.ID,
		InscriptionNumber: number,
		Error:             cause.Error(),
		Timestamp:         w.cfg.Clock.Now(),
		WorkerID:          w.cfg.WorkerID,
	}
	if err := w.cfg.State.RecordError(ctx, rec); err != nil {
		w.cfg.Logger.WarnContext(ctx, "Failed to record error",
			"inscription_id", ins.ID, "number", number, "error", err)
	}
}

// sleep waits for d or until ctx is cancelled, whichever comes first.
func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-w.cfg.Clock.After(d):
	}
}
