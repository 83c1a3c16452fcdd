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

package state

import (
	"fmt"
	"strings"
)

// Redis key schema. Keep this in one place: every replica and every
// downstream reader addresses shared state through these keys, the layout
// is effectively a wire format.
const (
	// cursorKey holds the highest inscription number known to be fully
	// processed.
	cursorKey = "indexer:cursor"

	// claimKeyPrefix + workerId holds that worker's live batch claim.
	claimKeyPrefix = "indexer:claim:"

	// identityListKey is the chronological list (newest at head) of
	// identity resource IDs.
	identityListKey = "ordinals-plus-resources"

	// nonIdentityListKey is the chronological list of non-identity
	// resource IDs.
	nonIdentityListKey = "non-ordinals-resources"

	// resourceKeyPrefix + inscriptionId holds the full identity
	// resource hash.
	resourceKeyPrefix = "ordinals_plus:resource:"

	// errorKeyPrefix + inscriptionNumber holds an error record hash.
	errorKeyPrefix = "indexer:error:"

	// errorListKey is the chronological list of inscription IDs that
	// errored.
	errorListKey = "indexer:errors"

	// identityStatsPrefix + {total,did-document,verifiable-credential}
	// are the identity counters.
	identityStatsPrefix = "ordinals-plus:stats:"

	// nonIdentityStatsPrefix + {total,<content-type-bucket>} are the
	// non-identity counters.
	nonIdentityStatsPrefix = "non-ordinals:stats:"

	// errorStatsKey counts recorded errors.
	errorStatsKey = "indexer:stats:errors"

	// statsTotal is the total-counter suffix shared by both stats
	// families.
	statsTotal = "total"
)

func claimKey(workerID string) string {
	return claimKeyPrefix + workerID
}

func resourceKey(inscriptionID string) string {
	return resourceKeyPrefix + inscriptionID
}

func errorKey(inscriptionNumber int64) string {
	return fmt.Sprintf("%s%d", errorKeyPrefix, inscriptionNumber)
}

func identityStatsKey(bucket string) string {
	return identityStatsPrefix + bucket
}

func nonIdentityStatsKey(bucket string) string {
	return nonIdentityStatsPrefix + bucket
}

// contentTypeBucket reduces a MIME type to its top-level family for the
// non-identity counters: "image/png" counts under "image". Anything without
// a recognisable family counts under "unknown".
func contentTypeBucket(contentType string) string {
	family, _, _ := strings.Cut(contentType, "/")
	family = strings.TrimSpace(family)
	if family == "" {
		return "unknown"
	}
	return strings.ToLower(family)
}
