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

// Package defaults collects the indexer's tunable defaults in one place.
// Every value here can be overridden through the environment, see
// lib/config.
package defaults

import "time"

const (
	// IndexerURL is the default upstream inscription provider endpoint.
	IndexerURL = "http://localhost:80"

	// RedisURL is the default shared KV endpoint.
	RedisURL = "redis://localhost:6379"

	// PollInterval is how long a worker sleeps when there is no batch to
	// claim or the end of the inscription stream has been reached.
	PollInterval = 5 * time.Second

	// BatchSize is the width of a claimed inscription-number interval.
	BatchSize = 100

	// ConcurrentProcessing bounds how many inscriptions of a batch are
	// fetched and classified in parallel.
	ConcurrentProcessing = 10

	// ChunkPause is the pause between consecutive chunks of a batch.
	ChunkPause = 100 * time.Millisecond

	// ErrorRetryInterval is the sleep after a top-level worker failure.
	ErrorRetryInterval = 5 * time.Second

	// CacheTTL is how long cached inscription details and sat listings
	// stay valid.
	CacheTTL = time.Hour

	// CacheSweepInterval is how often expired cache entries are evicted.
	CacheSweepInterval = 5 * time.Minute

	// ClaimTTL bounds how long a crashed worker's claim blocks its
	// interval from being re-claimed.
	ClaimTTL = time.Hour

	// ClaimAttempts is how many candidate intervals the claim script
	// tries before reporting that no batch is available.
	ClaimAttempts = 10

	// ProviderTimeout is the per-call upstream request timeout.
	ProviderTimeout = 10 * time.Second

	// StartInscription is the first inscription number indexed when the
	// cursor has never been set.
	StartInscription = 0

	// HighFailureThreshold is the fraction of missing inscriptions in a
	// batch above which the worker treats the batch as the end of the
	// stream (or a persistent upstream outage) and backs off.
	HighFailureThreshold = 0.8

	// ErrorListLimit is how many error records the CLI prints when no
	// explicit count is given.
	ErrorListLimit = 10
)
