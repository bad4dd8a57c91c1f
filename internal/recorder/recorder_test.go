package recorder

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"ensemble-trader/internal/decision"
	"ensemble-trader/internal/market"
	"ensemble-trader/internal/store"
)

func newTestRecorder(t *testing.T) (*Recorder, *sql.DB) {
	t.Helper()
	st, err := store.NewMemory()
	if err != nil {
		t.Fatalf("NewMemory returned error: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	r, err := New(st.DB(), nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	return r, st.DB()
}

func TestRecord_FullySizedDecision(t *testing.T) {
	r, db := newTestRecorder(t)
	size, entry, stop, riskPct := 0.01, 50000.0, 0.02, 0.01

	d := decision.Decision{
		ID:              "d-1",
		AssetPair:       "BTC/USDT:USDT",
		Timestamp:       time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC),
		Action:          decision.ActionBuy,
		Confidence:      70,
		PositionType:    decision.PositionLong,
		PositionSize:    &size,
		EntryPrice:      &entry,
		StopLossPct:     &stop,
		RiskPct:         &riskPct,
		AggregationTier: 1,
		Votes:           []decision.VoteRef{{ProviderID: "alpha", Action: decision.ActionBuy, Confidence: 70, Weight: 1}},
		Regime:          market.RegimeTrending,
	}
	verdict := decision.RiskVerdict{Allow: true, Reason: "通过", SizeFactor: 1}

	if err := r.Record(context.Background(), d, verdict); err != nil {
		t.Fatalf("Record returned error: %v", err)
	}

	var gotSize sql.NullFloat64
	var allow int
	if err := db.QueryRow(`SELECT position_size, risk_allow FROM decisions WHERE id = 'd-1'`).
		Scan(&gotSize, &allow); err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if !gotSize.Valid || gotSize.Float64 != 0.01 {
		t.Errorf("unexpected position_size: %+v", gotSize)
	}
	if allow != 1 {
		t.Errorf("expected risk_allow=1, got %d", allow)
	}
}

func TestRecord_SignalOnlyWritesNullSizing(t *testing.T) {
	r, db := newTestRecorder(t)

	d := decision.Decision{
		ID:         "d-2",
		AssetPair:  "BTC/USDT:USDT",
		Timestamp:  time.Now().UTC(),
		Action:     decision.ActionBuy,
		Confidence: 55,
		SignalOnly: true,
		Regime:     market.RegimeRanging,
	}
	if err := r.Record(context.Background(), d, decision.RiskVerdict{Allow: true, SizeFactor: 1}); err != nil {
		t.Fatalf("Record returned error: %v", err)
	}

	var size, entry sql.NullFloat64
	var signalOnly int
	if err := db.QueryRow(`SELECT position_size, entry_price, signal_only FROM decisions WHERE id = 'd-2'`).
		Scan(&size, &entry, &signalOnly); err != nil {
		t.Fatalf("query failed: %v", err)
	}
	// 仅信号模式下仓位列必须是 NULL，而不是 0。
	if size.Valid || entry.Valid {
		t.Errorf("expected NULL sizing columns, got size=%+v entry=%+v", size, entry)
	}
	if signalOnly != 1 {
		t.Errorf("expected signal_only=1, got %d", signalOnly)
	}
}

func TestCountByAction(t *testing.T) {
	r, _ := newTestRecorder(t)
	ctx := context.Background()

	for i, action := range []decision.Action{decision.ActionBuy, decision.ActionBuy, decision.ActionHold} {
		d := decision.Decision{
			ID:        string(rune('a' + i)),
			AssetPair: "BTC/USDT:USDT",
			Timestamp: time.Now().UTC(),
			Action:    action,
		}
		if err := r.Record(ctx, d, decision.RiskVerdict{Allow: true}); err != nil {
			t.Fatalf("Record returned error: %v", err)
		}
	}

	counts, err := r.CountByAction(ctx)
	if err != nil {
		t.Fatalf("CountByAction returned error: %v", err)
	}
	if counts[decision.ActionBuy] != 2 || counts[decision.ActionHold] != 1 {
		t.Errorf("unexpected counts: %v", counts)
	}
}
