package persistence_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/NeelContractor/prediction-market/internal/persistence"
	"github.com/NeelContractor/prediction-market/internal/testutil"
)

// === Fixtures ===

func seedOps(t *testing.T, w *persistence.OpLogWriter, db *sql.DB, n int) []persistence.OpRow {
	t.Helper()

	seed := "btc-above-100k"
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	ops := make([]persistence.OpRow, 0, n)
	for i := 0; i < n; i++ {
		ops = append(ops, persistence.OpRow{
			Sequence:       int64(i),
			OpType:         "Swap",
			IdempotencyKey: "op-" + string(rune('a'+i)),
			Seed:           &seed,
			Payload:        persistence.MarshalPayload(map[string]interface{}{"Amount": 10 * (i + 1)}),
			StateHash:      []byte{byte(i), 1},
			PrevHash:       []byte{byte(i)},
			Timestamp:      base.Add(time.Duration(i) * time.Second),
			SourceSequence: int64(i),
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.WriteOpBatch(ctx, db, ops); err != nil {
		t.Fatalf("write op batch: %v", err)
	}
	return ops
}

// === Operation log ===

func TestOpLog_WriteReplayAndConflict(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	w := persistence.NewOpLogWriter(db)
	written := seedOps(t, w, db, 3)

	ctx := context.Background()
	sm := persistence.NewSnapshotManager(db)

	got, err := sm.LoadOpsFrom(ctx, 0, 10)
	if err != nil {
		t.Fatalf("load ops: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d ops, want 3", len(got))
	}
	for i, o := range got {
		if o.Sequence != written[i].Sequence {
			t.Errorf("op %d: got sequence %d, want %d", i, o.Sequence, written[i].Sequence)
		}
		if o.OpType != "Swap" {
			t.Errorf("op %d: got op type %q, want %q", i, o.OpType, "Swap")
		}
	}

	// Rewriting the same batch must be a no-op on the sequence key.
	if err := w.WriteOpBatch(ctx, db, written); err != nil {
		t.Fatalf("rewrite op batch: %v", err)
	}
	again, err := sm.LoadOpsFrom(ctx, 0, 10)
	if err != nil {
		t.Fatalf("reload ops: %v", err)
	}
	if len(again) != 3 {
		t.Errorf("after conflict rewrite: got %d ops, want 3", len(again))
	}

	latest, err := sm.GetLatestSequence(ctx)
	if err != nil {
		t.Fatalf("latest sequence: %v", err)
	}
	if latest != 2 {
		t.Errorf("got latest sequence %d, want 2", latest)
	}
}

func TestOpLog_LoadFromMidpoint(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	seedOps(t, persistence.NewOpLogWriter(db), db, 5)
	sm := persistence.NewSnapshotManager(db)

	got, err := sm.LoadOpsFrom(context.Background(), 3, 10)
	if err != nil {
		t.Fatalf("load ops: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d ops, want 2", len(got))
	}
	if got[0].Sequence != 3 || got[1].Sequence != 4 {
		t.Errorf("got sequences %d,%d, want 3,4", got[0].Sequence, got[1].Sequence)
	}
}

// === Idempotency checker ===

func TestIdempotencyChecker_AgainstOpLog(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	seedOps(t, persistence.NewOpLogWriter(db), db, 2)
	checker := persistence.NewPostgresIdempotencyChecker(db)

	dup, err := checker.IsDuplicate("Swap", "op-a")
	if err != nil {
		t.Fatalf("IsDuplicate: %v", err)
	}
	if !dup {
		t.Error("written key not reported as duplicate")
	}

	dup, err = checker.IsDuplicate("Swap", "op-never-seen")
	if err != nil {
		t.Fatalf("IsDuplicate: %v", err)
	}
	if dup {
		t.Error("unknown key reported as duplicate")
	}

	keys, err := checker.RecentKeys(context.Background(), 10)
	if err != nil {
		t.Fatalf("RecentKeys: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("got %d recent keys, want 2", len(keys))
	}
	if keys[0] != "Swap:op-b" {
		t.Errorf("got newest key %q, want %q", keys[0], "Swap:op-b")
	}
}

// === Snapshots ===

func TestSnapshot_VerifiedRoundTrip(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	sm := persistence.NewSnapshotManager(db)

	snap := &persistence.SnapshotData{
		Sequence:  41,
		StateHash: []byte{0xde, 0xad},
		Markets: []persistence.MarketSnap{{
			Seed:            "btc-above-100k",
			Admin:           "6a0f2a4e-0000-0000-0000-000000000001",
			MintCollateral:  "mint-usdc",
			FeeBps:          100,
			EndTimestamp:    time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
			TotalLiquidity:  200,
			VaultYes:        "vault-yes",
			VaultNo:         "vault-no",
			VaultCollateral: "vault-collateral",
		}},
		Balances:        map[string]uint64{"vault-collateral": 100},
		AccountMints:    map[string]string{"vault-collateral": "mint-usdc"},
		SequenceState:   map[string]int64{"market:btc-above-100k": 42},
		IdempotencyKeys: []string{"Swap:op-a"},
		CreatedAt:       time.Now().UTC(),
	}

	if err := sm.SaveSnapshot(ctx, snap); err != nil {
		t.Fatalf("save snapshot: %v", err)
	}

	// Unverified snapshots are invisible to recovery.
	loaded, err := sm.LoadLatestSnapshot(ctx)
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if loaded != nil {
		t.Fatal("unverified snapshot returned by load")
	}

	if err := sm.MarkVerified(ctx, snap.Sequence); err != nil {
		t.Fatalf("mark verified: %v", err)
	}
	loaded, err = sm.LoadLatestSnapshot(ctx)
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if loaded == nil {
		t.Fatal("verified snapshot not returned by load")
	}
	if loaded.Sequence != 41 {
		t.Errorf("got sequence %d, want 41", loaded.Sequence)
	}
	if len(loaded.Markets) != 1 || loaded.Markets[0].Seed != "btc-above-100k" {
		t.Errorf("market snap not round-tripped: %+v", loaded.Markets)
	}
	if loaded.SequenceState["market:btc-above-100k"] != 42 {
		t.Errorf("sequence state not round-tripped: %+v", loaded.SequenceState)
	}
}
