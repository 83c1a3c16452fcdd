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

package worker

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	batchesCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "indexer_batches_completed_total",
		Help: "Number of claimed batches fully processed by this worker.",
	})

	inscriptionsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "indexer_inscriptions_processed_total",
		Help: "Inscriptions handled by this worker, by outcome.",
	}, []string{"outcome"})

	identityResourcesFound = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "indexer_identity_resources_total",
		Help: "Identity resources discovered by this worker, by kind.",
	}, []string{"kind"})

	endOfStreamBackoffs = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "indexer_end_of_stream_backoffs_total",
		Help: "Times this worker reached the tip of the inscription stream and backed off.",
	})
)

const (
	outcomeIdentity    = "identity"
	outcomeNonIdentity = "non_identity"
	outcomeMissing     = "missing"
	outcomeError       = "error"
)

// RegisterMetrics registers the worker collectors with the default
// prometheus registry. Re-registration is tolerated so tests can build
// multiple workers in one process.
func RegisterMetrics() error {
	collectors := []prometheus.Collector{
		batchesCompleted,
		inscriptionsProcessed,
		identityResourcesFound,
		endOfStreamBackoffs,
	}
	for _, c := range collectors {
		if err := prometheus.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			return err
		}
	}
	return nil
}
