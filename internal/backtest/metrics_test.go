package backtest

import (
	"math"
	"testing"
)

func TestComputeMetrics(t *testing.T) {
	curve := []float64{10000, 10500, 10200, 10800}
	m := computeMetrics(curve, 3, 2)

	if m.Trades != 3 || m.Wins != 2 {
		t.Errorf("unexpected counts: %d/%d", m.Trades, m.Wins)
	}
	if math.Abs(m.WinRate-2.0/3.0) > 1e-9 {
		t.Errorf("unexpected win rate: %f", m.WinRate)
	}
	if math.Abs(m.TotalReturn-0.08) > 1e-9 {
		t.Errorf("expected total return 0.08, got %f", m.TotalReturn)
	}
	if m.FinalEquity != 10800 {
		t.Errorf("expected final equity 10800, got %f", m.FinalEquity)
	}
	// 峰值10500回落到10200。
	if math.Abs(m.MaxDrawdown-300.0/10500.0) > 1e-9 {
		t.Errorf("unexpected max drawdown: %f", m.MaxDrawdown)
	}
}

func TestComputeMetrics_EmptyCurve(t *testing.T) {
	m := computeMetrics(nil, 0, 0)
	if m.TotalReturn != 0 || m.Sharpe != 0 || m.MaxDrawdown != 0 {
		t.Errorf("empty curve should yield zero metrics: %+v", m)
	}
}

func TestSharpe(t *testing.T) {
	if s := sharpe([]float64{0.01}); s != 0 {
		t.Errorf("single return should yield 0, got %f", s)
	}
	if s := sharpe([]float64{0.01, 0.01, 0.01}); s != 0 {
		t.Errorf("zero variance should yield 0, got %f", s)
	}

	up := sharpe([]float64{0.01, 0.02, 0.01, 0.02})
	down := sharpe([]float64{-0.01, -0.02, -0.01, -0.02})
	if up <= 0 {
		t.Errorf("positive returns should yield positive sharpe, got %f", up)
	}
	if down >= 0 {
		t.Errorf("negative returns should yield negative sharpe, got %f", down)
	}
}

func TestMaxDrawdown(t *testing.T) {
	if dd := maxDrawdown([]float64{100, 110, 120}); dd != 0 {
		t.Errorf("monotonic rise should have zero drawdown, got %f", dd)
	}
	if dd := maxDrawdown([]float64{100, 50, 120}); math.Abs(dd-0.5) > 1e-9 {
		t.Errorf("expected drawdown 0.5, got %f", dd)
	}
}
