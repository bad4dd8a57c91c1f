package weights

import (
	"context"
	"math"
	"strings"
	"testing"

	"ensemble-trader/internal/market"
	"ensemble-trader/internal/store"
)

func TestSampleWeights_NormalizedToOne(t *testing.T) {
	o, err := NewOptimizer(nil, 7, false, nil)
	if err != nil {
		t.Fatalf("NewOptimizer returned error: %v", err)
	}

	ids := []string{"alpha", "beta", "gamma"}
	weights := o.SampleWeights(market.RegimeTrending, ids)

	if len(weights) != len(ids) {
		t.Fatalf("expected %d weights, got %d", len(ids), len(weights))
	}
	sum := 0.0
	for id, w := range weights {
		if w < 0 {
			t.Errorf("weight for %s is negative: %f", id, w)
		}
		sum += w
	}
	if math.Abs(sum-1) > 1e-9 {
		t.Errorf("weights should sum to 1, got %f", sum)
	}
}

func TestSampleWeights_DeterministicWithSeed(t *testing.T) {
	ids := []string{"alpha", "beta"}

	first, err := NewOptimizer(nil, 42, false, nil)
	if err != nil {
		t.Fatalf("NewOptimizer returned error: %v", err)
	}
	second, err := NewOptimizer(nil, 42, false, nil)
	if err != nil {
		t.Fatalf("NewOptimizer returned error: %v", err)
	}

	for i := 0; i < 10; i++ {
		w1 := first.SampleWeights(market.RegimeRanging, ids)
		w2 := second.SampleWeights(market.RegimeRanging, ids)
		for _, id := range ids {
			if math.Abs(w1[id]-w2[id]) > 1e-12 {
				t.Fatalf("draw %d diverged for %s: %f vs %f", i, id, w1[id], w2[id])
			}
		}
	}
}

func TestUpdateFromOutcome_AdjustsPosteriorAndMultiplier(t *testing.T) {
	o, err := NewOptimizer(nil, 1, false, nil)
	if err != nil {
		t.Fatalf("NewOptimizer returned error: %v", err)
	}
	ctx := context.Background()

	if err := o.UpdateFromOutcome(ctx, "alpha", true, market.RegimeTrending); err != nil {
		t.Fatalf("UpdateFromOutcome returned error: %v", err)
	}
	if err := o.UpdateFromOutcome(ctx, "alpha", false, market.RegimeTrending); err != nil {
		t.Fatalf("UpdateFromOutcome returned error: %v", err)
	}

	state := o.states["alpha"]
	if state.Alpha != 2 || state.Beta != 2 {
		t.Errorf("expected posterior (2,2), got (%f,%f)", state.Alpha, state.Beta)
	}
	// 1.0 * 1.10 * 0.95 = 1.045
	if math.Abs(state.Multipliers[market.RegimeTrending]-1.045) > 1e-9 {
		t.Errorf("expected multiplier 1.045, got %f", state.Multipliers[market.RegimeTrending])
	}
	// 其他市场状态的乘数不受影响。
	if state.Multipliers[market.RegimeRanging] != 1.0 {
		t.Errorf("ranging multiplier should stay 1.0, got %f", state.Multipliers[market.RegimeRanging])
	}
}

func TestMultiplierClampedToBounds(t *testing.T) {
	o, err := NewOptimizer(nil, 1, false, nil)
	if err != nil {
		t.Fatalf("NewOptimizer returned error: %v", err)
	}
	ctx := context.Background()

	for i := 0; i < 200; i++ {
		if err := o.UpdateFromOutcome(ctx, "alpha", true, market.RegimeVolatile); err != nil {
			t.Fatalf("UpdateFromOutcome returned error: %v", err)
		}
		if err := o.UpdateFromOutcome(ctx, "beta", false, market.RegimeVolatile); err != nil {
			t.Fatalf("UpdateFromOutcome returned error: %v", err)
		}
	}

	if m := o.states["alpha"].Multipliers[market.RegimeVolatile]; m > multiplierMax {
		t.Errorf("multiplier exceeded upper bound: %f", m)
	}
	if m := o.states["beta"].Multipliers[market.RegimeVolatile]; m < multiplierMin {
		t.Errorf("multiplier fell below lower bound: %f", m)
	}
}

func TestSnapshotRestore_IsolatesState(t *testing.T) {
	o, err := NewOptimizer(nil, 1, false, nil)
	if err != nil {
		t.Fatalf("NewOptimizer returned error: %v", err)
	}
	ctx := context.Background()

	if err := o.UpdateFromOutcome(ctx, "alpha", true, market.RegimeTrending); err != nil {
		t.Fatalf("UpdateFromOutcome returned error: %v", err)
	}
	snap := o.Snapshot()

	// 快照后的更新不应影响快照内容。
	for i := 0; i < 5; i++ {
		if err := o.UpdateFromOutcome(ctx, "alpha", true, market.RegimeTrending); err != nil {
			t.Fatalf("UpdateFromOutcome returned error: %v", err)
		}
	}
	if snap.States["alpha"].Alpha != 2 {
		t.Errorf("snapshot mutated: alpha=%f", snap.States["alpha"].Alpha)
	}

	o.Restore(snap)
	if o.states["alpha"].Alpha != 2 {
		t.Errorf("restore failed: alpha=%f", o.states["alpha"].Alpha)
	}

	expected := o.ExpectedWeights([]string{"alpha", "unknown"})
	if math.Abs(expected["alpha"]-2.0/3.0) > 1e-9 {
		t.Errorf("expected posterior mean 2/3, got %f", expected["alpha"])
	}
	if expected["unknown"] != 0.5 {
		t.Errorf("unknown provider should default to 0.5, got %f", expected["unknown"])
	}
}

func TestNewFromSnapshot_IndependentCopy(t *testing.T) {
	base, err := NewOptimizer(nil, 1, false, nil)
	if err != nil {
		t.Fatalf("NewOptimizer returned error: %v", err)
	}
	ctx := context.Background()
	if err := base.UpdateFromOutcome(ctx, "alpha", true, market.RegimeTrending); err != nil {
		t.Fatalf("UpdateFromOutcome returned error: %v", err)
	}

	clone := NewFromSnapshot(base.Snapshot(), 9, nil)
	expected := clone.ExpectedWeights([]string{"alpha"})
	if math.Abs(expected["alpha"]-2.0/3.0) > 1e-9 {
		t.Errorf("clone should inherit posterior mean 2/3, got %f", expected["alpha"])
	}

	// 克隆上的更新不回写基线，反向亦然。
	if err := clone.UpdateFromOutcome(ctx, "alpha", false, market.RegimeTrending); err != nil {
		t.Fatalf("UpdateFromOutcome returned error: %v", err)
	}
	if base.states["alpha"].Beta != 1 {
		t.Errorf("base state mutated through clone: beta=%f", base.states["alpha"].Beta)
	}
	if clone.states["alpha"].Beta != 2 {
		t.Errorf("clone update lost: beta=%f", clone.states["alpha"].Beta)
	}
}

func TestOptimizerPersistence_RoundTrip(t *testing.T) {
	st, err := store.NewMemory()
	if err != nil {
		t.Fatalf("NewMemory returned error: %v", err)
	}
	defer st.Close()

	o, err := NewOptimizer(st.DB(), 1, false, nil)
	if err != nil {
		t.Fatalf("NewOptimizer returned error: %v", err)
	}
	ctx := context.Background()
	if err := o.UpdateFromOutcome(ctx, "alpha", true, market.RegimeTrending); err != nil {
		t.Fatalf("UpdateFromOutcome returned error: %v", err)
	}
	if err := o.UpdateFromOutcome(ctx, "alpha", false, market.RegimeRanging); err != nil {
		t.Fatalf("UpdateFromOutcome returned error: %v", err)
	}

	restored, err := NewOptimizer(st.DB(), 1, false, nil)
	if err != nil {
		t.Fatalf("reload returned error: %v", err)
	}
	state := restored.states["alpha"]
	if state == nil {
		t.Fatal("expected alpha state after reload")
	}
	if state.Alpha != 2 || state.Beta != 2 {
		t.Errorf("expected posterior (2,2) after reload, got (%f,%f)", state.Alpha, state.Beta)
	}
}

func TestCorruptedStateFailsFastUnlessFreshStart(t *testing.T) {
	st, err := store.NewMemory()
	if err != nil {
		t.Fatalf("NewMemory returned error: %v", err)
	}
	defer st.Close()

	if _, err := NewOptimizer(st.DB(), 1, false, nil); err != nil {
		t.Fatalf("initial optimizer returned error: %v", err)
	}
	if _, err := st.DB().Exec(
		`INSERT INTO provider_weights (provider_id, alpha, beta, multipliers, updated_at)
		 VALUES ('alpha', 0.2, 1, '{}', '2025-01-01T00:00:00Z')`); err != nil {
		t.Fatalf("seeding corrupted row failed: %v", err)
	}

	_, err = NewOptimizer(st.DB(), 1, false, nil)
	if err == nil {
		t.Fatal("expected error on corrupted state")
	}
	if !strings.Contains(err.Error(), "状态损坏") {
		t.Errorf("unexpected error message: %v", err)
	}

	// fresh_start 指令下丢弃损坏状态重新开始。
	o, err := NewOptimizer(st.DB(), 1, true, nil)
	if err != nil {
		t.Fatalf("fresh start returned error: %v", err)
	}
	if len(o.states) != 0 {
		t.Errorf("expected empty state after fresh start, got %d entries", len(o.states))
	}
}
