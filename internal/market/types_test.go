package market

import (
	"context"
	"strings"
	"testing"
	"time"
)

func sampleSnapshot(close float64) Snapshot {
	ts := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	return Snapshot{
		AssetPair: "BTC/USDT:USDT",
		Timeframe: "1h",
		Timestamp: ts,
		Candles: []Candle{
			{Timestamp: ts, Open: close - 1, High: close + 1, Low: close - 2, Close: close, Volume: 100},
		},
		Indicators: map[string]float64{"close": close},
	}
}

func TestSnapshotHash_StableAndDistinct(t *testing.T) {
	a := sampleSnapshot(50000)

	h1, err := a.Hash()
	if err != nil {
		t.Fatalf("Hash returned error: %v", err)
	}
	h2, err := a.Hash()
	if err != nil {
		t.Fatalf("Hash returned error: %v", err)
	}
	if h1 != h2 {
		t.Errorf("same snapshot must hash identically: %s vs %s", h1, h2)
	}
	if !strings.HasPrefix(h1, "BTC/USDT:USDT|") {
		t.Errorf("hash should be prefixed with asset pair: %s", h1)
	}

	b := sampleSnapshot(50001)
	h3, err := b.Hash()
	if err != nil {
		t.Fatalf("Hash returned error: %v", err)
	}
	if h1 == h3 {
		t.Error("different market state must produce different hash")
	}
}

func TestLatestClose(t *testing.T) {
	if got := (Snapshot{}).LatestClose(); got != 0 {
		t.Errorf("empty snapshot should return 0, got %f", got)
	}
	if got := sampleSnapshot(50000).LatestClose(); got != 50000 {
		t.Errorf("expected 50000, got %f", got)
	}
}

func TestSliceProvider_IterationAndReset(t *testing.T) {
	snaps := []Snapshot{sampleSnapshot(1), sampleSnapshot(2)}
	p := NewSliceProvider(snaps)
	ctx := context.Background()

	count := 0
	for {
		_, ok, err := p.Next(ctx)
		if err != nil {
			t.Fatalf("Next returned error: %v", err)
		}
		if !ok {
			break
		}
		count++
	}
	if count != 2 {
		t.Fatalf("expected 2 snapshots, got %d", count)
	}

	p.Reset()
	if _, ok, _ := p.Next(ctx); !ok {
		t.Error("expected snapshots again after reset")
	}
}
