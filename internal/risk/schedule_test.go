package risk

import (
	"testing"
	"time"

	"ensemble-trader/internal/market"
)

func TestEvaluateSession_CryptoAlwaysOpenWithWeekendWarning(t *testing.T) {
	saturday := time.Date(2025, 6, 7, 15, 0, 0, 0, time.UTC)

	session := EvaluateSession(market.AssetCrypto, saturday)
	if !session.Open {
		t.Fatal("crypto market should be open on weekends")
	}
	if session.Warning == "" {
		t.Error("expected low-liquidity warning on weekend")
	}

	tuesday := time.Date(2025, 6, 3, 15, 0, 0, 0, time.UTC)
	session = EvaluateSession(market.AssetCrypto, tuesday)
	if !session.Open || session.Warning != "" {
		t.Errorf("weekday crypto session should be open without warning, got %+v", session)
	}
}

func TestEvaluateSession_ForexWeeklyClose(t *testing.T) {
	cases := []struct {
		name string
		ts   time.Time
		open bool
	}{
		{"friday before close", time.Date(2025, 6, 6, 21, 59, 0, 0, time.UTC), true},
		{"friday after close", time.Date(2025, 6, 6, 22, 0, 0, 0, time.UTC), false},
		{"saturday", time.Date(2025, 6, 7, 12, 0, 0, 0, time.UTC), false},
		{"sunday before reopen", time.Date(2025, 6, 8, 21, 0, 0, 0, time.UTC), false},
		{"sunday after reopen", time.Date(2025, 6, 8, 22, 0, 0, 0, time.UTC), true},
		{"wednesday", time.Date(2025, 6, 4, 9, 0, 0, 0, time.UTC), true},
	}

	for _, tc := range cases {
		session := EvaluateSession(market.AssetForex, tc.ts)
		if session.Open != tc.open {
			t.Errorf("%s: expected open=%v, got %v (%s)", tc.name, tc.open, session.Open, session.Reason)
		}
	}
}

func TestEvaluateSession_ForexActiveCenters(t *testing.T) {
	// 14:00 UTC：伦敦与纽约重叠时段。
	overlap := time.Date(2025, 6, 4, 14, 0, 0, 0, time.UTC)
	session := EvaluateSession(market.AssetForex, overlap)
	if !session.Open {
		t.Fatalf("expected open session, got %s", session.Reason)
	}

	found := map[string]bool{}
	for _, center := range session.ActiveCenters {
		found[center] = true
	}
	if !found["London"] || !found["NewYork"] {
		t.Errorf("expected London and NewYork active at 14:00 UTC, got %v", session.ActiveCenters)
	}
}

func TestEvaluateSession_StockHours(t *testing.T) {
	preMarket := time.Date(2025, 6, 4, 14, 0, 0, 0, time.UTC)
	if session := EvaluateSession(market.AssetStock, preMarket); session.Open {
		t.Error("stock market should be closed pre-market")
	}

	regular := time.Date(2025, 6, 4, 15, 0, 0, 0, time.UTC)
	if session := EvaluateSession(market.AssetStock, regular); !session.Open {
		t.Errorf("stock market should be open at 15:00 UTC, got %s", session.Reason)
	}

	weekend := time.Date(2025, 6, 7, 15, 0, 0, 0, time.UTC)
	if session := EvaluateSession(market.AssetStock, weekend); session.Open {
		t.Error("stock market should be closed on weekends")
	}
}
