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
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/ordinalsplus/btcoindexer/lib/classify"
	"github.com/ordinalsplus/btcoindexer/lib/metadata"
)

func newTestManager(t *testing.T) (*Manager, *miniredis.Miniredis, *clockwork.FakeClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	clock := clockwork.NewFakeClockAt(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	mgr, err := NewManager(Config{Client: client, Clock: clock})
	require.NoError(t, err)
	return mgr, mr, clock
}

func TestClaimFreshCursor(t *testing.T) {
	t.Parallel()

	mgr, _, _ := newTestManager(t)
	ctx := context.Background()

	claim, err := mgr.ClaimNextBatch(ctx, "worker-a", 100, 0)
	require.NoError(t, err)
	require.Equal(t, int64(0), claim.Start)
	require.Equal(t, int64(99), claim.End)
	require.Equal(t, "worker-a", claim.WorkerID)
	require.NotZero(t, claim.ClaimedAt)
}

func TestClaimsNeverOverlap(t *testing.T) {
	t.Parallel()

	mgr, mr, _ := newTestManager(t)
	ctx := context.Background()
	mr.Set(cursorKey, "0")

	a, err := mgr.ClaimNextBatch(ctx, "worker-a", 100, 0)
	require.NoError(t, err)
	require.Equal(t, int64(1), a.Start)
	require.Equal(t, int64(100), a.End)

	b, err := mgr.ClaimNextBatch(ctx, "worker-b", 100, 0)
	require.NoError(t, err)
	require.Equal(t, int64(101), b.Start)
	require.Equal(t, int64(200), b.End)

	require.False(t, a.Start <= b.End && a.End >= b.Start, "claims overlap: %+v %+v", a, b)
}

func TestClaimIdempotentPerWorker(t *testing.T) {
	t.Parallel()

	mgr, mr, _ := newTestManager(t)
	ctx := context.Background()

	first, err := mgr.ClaimNextBatch(ctx, "worker-a", 50, 0)
	require.NoError(t, err)

	second, err := mgr.ClaimNextBatch(ctx, "worker-a", 50, 0)
	require.NoError(t, err)
	require.NotEqual(t, first.Start, second.Start)

	// The second claim replaced the first; exactly one live claim key.
	keys := mr.Keys()
	count := 0
	for _, k := range keys {
		if k == claimKey("worker-a") {
			count++
		}
	}
	require.Equal(t, 1, count)

	claims, err := mgr.ActiveClaims(ctx)
	require.NoError(t, err)
	require.Len(t, claims, 1)
	require.Equal(t, second.Start, claims[0].Start)
}

func TestClaimExhaustsAttempts(t *testing.T) {
	t.Parallel()

	mgr, mr, clock := newTestManager(t)
	ctx := context.Background()
	mr.Set(cursorKey, "0")

	// Ten live claims cover every interval the script will propose.
	now := clock.Now().UnixMilli()
	for i := int64(0); i < 10; i++ {
		claim, err := json.Marshal(Claim{
			Start:     1 + i*10,
			End:       10 + i*10,
			WorkerID:  "other",
			ClaimedAt: now,
		})
		require.NoError(t, err)
		mr.Set(claimKeyPrefix+"other-"+string(rune('a'+i)), string(claim))
	}

	_, err := mgr.ClaimNextBatch(ctx, "worker-a", 10, 0)
	require.True(t, trace.IsNotFound(err), "expected no claimable batch, got %v", err)
}

func TestCompleteBatchAdvancesCursor(t *testing.T) {
	t.Parallel()

	mgr, mr, _ := newTestManager(t)
	ctx := context.Background()

	claim, err := mgr.ClaimNextBatch(ctx, "worker-a", 100, 0)
	require.NoError(t, err)

	cursor, err := mgr.CompleteBatch(ctx, "worker-a", claim.End)
	require.NoError(t, err)
	require.Equal(t, int64(99), cursor)

	// The claim is gone.
	require.False(t, mr.Exists(claimKey("worker-a")))

	// The cursor never retreats.
	cursor, err = mgr.CompleteBatch(ctx, "worker-a", 10)
	require.NoError(t, err)
	require.Equal(t, int64(99), cursor)

	got, ok, err := mgr.Cursor(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(99), got)
}

func TestCursorClampsNegativeTargets(t *testing.T) {
	t.Parallel()

	mgr, _, _ := newTestManager(t)
	ctx := context.Background()

	// An empty-world backoff computes start-1 = -1; it must clamp.
	cursor, err := mgr.CompleteBatch(ctx, "worker-a", -1)
	require.NoError(t, err)
	require.Equal(t, int64(0), cursor)
}

func TestCompleteBatchSweepsExpiredClaims(t *testing.T) {
	t.Parallel()

	mgr, mr, clock := newTestManager(t)
	ctx := context.Background()

	stale, err := json.Marshal(Claim{
		Start:     1,
		End:       100,
		WorkerID:  "crashed",
		ClaimedAt: clock.Now().UnixMilli(),
	})
	require.NoError(t, err)
	mr.Set(claimKey("crashed"), string(stale))

	clock.Advance(2 * time.Hour)

	claims, err := mgr.ActiveClaims(ctx)
	require.NoError(t, err)
	require.Empty(t, claims, "expired claims must not count as active")

	_, err = mgr.CompleteBatch(ctx, "worker-a", 100)
	require.NoError(t, err)
	require.False(t, mr.Exists(claimKey("crashed")))
}

func TestClaimLegacyEndField(t *testing.T) {
	t.Parallel()

	mgr, mr, clock := newTestManager(t)
	ctx := context.Background()

	mr.Set(claimKey("old-worker"),
		`{"start":1,"end":100,"workerId":"old-worker","claimedAt":`+
			jsonMillis(clock.Now())+`}`)

	claims, err := mgr.ActiveClaims(ctx)
	require.NoError(t, err)
	require.Len(t, claims, 1)
	require.Equal(t, int64(100), claims[0].End)

	// The claim script must also honour the legacy shape when checking
	// for overlap.
	mr.Set(cursorKey, "0")
	claim, err := mgr.ClaimNextBatch(ctx, "worker-a", 100, 0)
	require.NoError(t, err)
	require.Equal(t, int64(101), claim.Start)
}

func jsonMillis(t time.Time) string {
	raw, _ := json.Marshal(t.UnixMilli())
	return string(raw)
}

func TestPersistIdentity(t *testing.T) {
	t.Parallel()

	mgr, mr, clock := newTestManager(t)
	ctx := context.Background()

	md := metadata.NewMap(map[string]metadata.Value{
		"id":                 metadata.NewString("did:btco:1000"),
		"verificationMethod": metadata.NewList(metadata.NewString("did:btco:1000#key-0")),
	})
	err := mgr.PersistIdentity(ctx, IdentityResource{
		ResourceID:        "did:btco:1000/0",
		InscriptionID:     "abcd1234i0",
		InscriptionNumber: 7,
		Kind:              classify.DIDDocument,
		ContentType:       "application/cbor",
		Metadata:          md,
		IndexedAt:         clock.Now(),
	})
	require.NoError(t, err)

	head, err := mr.List(identityListKey)
	require.NoError(t, err)
	require.Equal(t, []string{"did:btco:1000/0"}, head)

	fields, err := mgr.IdentityResourceByInscription(ctx, "abcd1234i0")
	require.NoError(t, err)
	require.Equal(t, "did:btco:1000/0", fields["resourceId"])
	require.Equal(t, "did-document", fields["ordinalsType"])
	require.Equal(t, "mainnet", fields["network"])
	require.Equal(t, "7", fields["inscriptionNumber"])
	require.JSONEq(t,
		`{"id":"did:btco:1000","verificationMethod":["did:btco:1000#key-0"]}`,
		fields["metadata"])

	mr.CheckGet(t, identityStatsKey("did-document"), "1")
	mr.CheckGet(t, identityStatsKey("total"), "1")
}

func TestPersistIdentityListOrder(t *testing.T) {
	t.Parallel()

	mgr, mr, clock := newTestManager(t)
	ctx := context.Background()

	for _, id := range []string{"did:btco:1/0", "did:btco:2/0"} {
		require.NoError(t, mgr.PersistIdentity(ctx, IdentityResource{
			ResourceID:    id,
			InscriptionID: id,
			Kind:          classify.VerifiableCredential,
			ContentType:   "application/cbor",
			Metadata:      metadata.Null(),
			IndexedAt:     clock.Now(),
		}))
	}

	// Newest at head.
	list, err := mr.List(identityListKey)
	require.NoError(t, err)
	require.Equal(t, []string{"did:btco:2/0", "did:btco:1/0"}, list)
}

func TestPersistNonIdentity(t *testing.T) {
	t.Parallel()

	mgr, mr, clock := newTestManager(t)
	ctx := context.Background()

	for _, r := range []NonIdentityResource{
		{ResourceID: "did:btco:5/0", InscriptionID: "ai0", ContentType: "image/png", IndexedAt: clock.Now()},
		{ResourceID: "did:btco:6/0", InscriptionID: "bi0", ContentType: "image/jpeg", IndexedAt: clock.Now()},
		{ResourceID: "did:btco:7/0", InscriptionID: "ci0", ContentType: "unknown", IndexedAt: clock.Now()},
	} {
		require.NoError(t, mgr.PersistNonIdentity(ctx, r))
	}

	list, err := mr.List(nonIdentityListKey)
	require.NoError(t, err)
	require.Len(t, list, 3)

	mr.CheckGet(t, nonIdentityStatsKey("total"), "3")
	mr.CheckGet(t, nonIdentityStatsKey("image"), "2")
	mr.CheckGet(t, nonIdentityStatsKey("unknown"), "1")
}

func TestRecordAndListErrors(t *testing.T) {
	t.Parallel()

	mgr, mr, clock := newTestManager(t)
	ctx := context.Background()

	err := mgr.RecordError(ctx, ErrorRecord{
		InscriptionID:     "badi0",
		InscriptionNumber: 9,
		Error:             "sat 500 has no inscription listing",
		Timestamp:         clock.Now(),
		WorkerID:          "worker-a",
	})
	require.NoError(t, err)

	mr.CheckGet(t, errorStatsKey, "1")

	records, err := mgr.RecentErrors(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "badi0", records[0].InscriptionID)
	require.Equal(t, int64(9), records[0].InscriptionNumber)
	require.Equal(t, "worker-a", records[0].WorkerID)
	require.Contains(t, records[0].Error, "no inscription listing")
	require.Equal(t, clock.Now().UnixMilli(), records[0].Timestamp.UnixMilli())
}

func TestStats(t *testing.T) {
	t.Parallel()

	mgr, mr, clock := newTestManager(t)
	ctx := context.Background()

	stats, err := mgr.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(-1), stats.Cursor)
	require.Zero(t, stats.ActiveWorkers)
	require.Zero(t, stats.IdentityTotal)

	mr.Set(cursorKey, "200")
	_, err = mgr.ClaimNextBatch(ctx, "worker-a", 100, 0)
	require.NoError(t, err)

	require.NoError(t, mgr.PersistIdentity(ctx, IdentityResource{
		ResourceID:    "did:btco:1000/0",
		InscriptionID: "abcd1234i0",
		Kind:          classify.DIDDocument,
		ContentType:   "application/cbor",
		Metadata:      metadata.Null(),
		IndexedAt:     clock.Now(),
	}))
	require.NoError(t, mgr.PersistNonIdentity(ctx, NonIdentityResource{
		ResourceID:    "did:btco:1001/0",
		InscriptionID: "xyzi0",
		ContentType:   "text/plain",
		IndexedAt:     clock.Now(),
	}))
	require.NoError(t, mgr.RecordError(ctx, ErrorRecord{
		InscriptionID:     "badi0",
		InscriptionNumber: 300,
		Error:             "boom",
		Timestamp:         clock.Now(),
		WorkerID:          "worker-a",
	}))

	stats, err = mgr.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(200), stats.Cursor)
	require.Equal(t, 1, stats.ActiveWorkers)
	require.Equal(t, int64(1), stats.IdentityTotal)
	require.Equal(t, int64(1), stats.DIDDocuments)
	require.Zero(t, stats.VerifiableCredentials)
	require.Equal(t, int64(1), stats.NonIdentityTotal)
	require.Equal(t, map[string]int64{"text": 1}, stats.NonIdentityByType)
	require.Equal(t, int64(1), stats.Errors)
}
