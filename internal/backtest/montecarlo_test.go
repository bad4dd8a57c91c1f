package backtest

import (
	"context"
	"math"
	"math/rand"
	"testing"
	"time"

	"ensemble-trader/internal/config"
	"ensemble-trader/internal/indicator"
	"ensemble-trader/internal/market"
)

// realCandles 生成足够长的合成K线序列供指标计算使用。
func realCandles(n int) []market.Candle {
	candles := make([]market.Candle, 0, n)
	for i := 0; i < n; i++ {
		close := 100 + math.Sin(float64(i)/5)*5 + float64(i)*0.1
		candles = append(candles, market.Candle{
			Timestamp: testStart.Add(time.Duration(i) * time.Hour),
			Open:      close - 0.3,
			High:      close + 0.8,
			Low:       close - 0.9,
			Close:     close,
			Volume:    1000 + float64(i),
		})
	}
	return candles
}

func monteCarloSnapshots(t *testing.T) []market.Snapshot {
	t.Helper()
	snaps, err := market.BuildSnapshots("BTC/USDT:USDT", "1h", realCandles(75), 60, indicator.Compute)
	if err != nil {
		t.Fatalf("BuildSnapshots returned error: %v", err)
	}
	return snaps
}

func monteCarloFactory(t *testing.T) EngineFactory {
	t.Helper()
	return func(seed int64) (*Engine, error) {
		return newTestEngine(t, seed), nil
	}
}

func TestMonteCarlo_ZeroNoiseProducesIdenticalPaths(t *testing.T) {
	snaps := monteCarloSnapshots(t)

	sim, err := NewMonteCarloSimulator(config.MonteCarloConfig{
		NumSimulations: 4,
		PriceNoiseStd:  0,
		Seed:           7,
		Parallelism:    2,
	}, monteCarloFactory(t), nil)
	if err != nil {
		t.Fatalf("NewMonteCarloSimulator returned error: %v", err)
	}

	report, err := sim.Run(context.Background(), snaps)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if report.Paths != 4 {
		t.Fatalf("expected 4 paths, got %d", report.Paths)
	}

	// 零噪声下所有路径必须严格一致。
	base := report.Results[0]
	for _, r := range report.Results[1:] {
		if r.TotalReturn != base.TotalReturn || r.Trades != base.Trades {
			t.Errorf("path %d diverged under zero noise: return %f vs %f, trades %d vs %d",
				r.Path, r.TotalReturn, base.TotalReturn, r.Trades, base.Trades)
		}
	}
	if report.ReturnP5 != report.ReturnP95 {
		t.Errorf("percentiles should collapse under zero noise: p5=%f p95=%f",
			report.ReturnP5, report.ReturnP95)
	}
}

func TestMonteCarlo_NoiseWidensDistribution(t *testing.T) {
	snaps := monteCarloSnapshots(t)

	sim, err := NewMonteCarloSimulator(config.MonteCarloConfig{
		NumSimulations: 8,
		PriceNoiseStd:  0.005,
		Seed:           7,
		Parallelism:    4,
	}, monteCarloFactory(t), nil)
	if err != nil {
		t.Fatalf("NewMonteCarloSimulator returned error: %v", err)
	}

	report, err := sim.Run(context.Background(), snaps)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if report.ReturnP5 > report.ReturnP50 || report.ReturnP50 > report.ReturnP95 {
		t.Errorf("percentiles out of order: p5=%f p50=%f p95=%f",
			report.ReturnP5, report.ReturnP50, report.ReturnP95)
	}
	if report.ProbLoss < 0 || report.ProbLoss > 1 {
		t.Errorf("probability of loss out of range: %f", report.ProbLoss)
	}
	if report.VaR95 < 0 {
		t.Errorf("VaR must be non-negative, got %f", report.VaR95)
	}
}

func TestMonteCarlo_DeterministicAcrossRuns(t *testing.T) {
	snaps := monteCarloSnapshots(t)
	cfg := config.MonteCarloConfig{
		NumSimulations: 4,
		PriceNoiseStd:  0.005,
		Seed:           11,
		Parallelism:    2,
	}

	run := func() MonteCarloReport {
		sim, err := NewMonteCarloSimulator(cfg, monteCarloFactory(t), nil)
		if err != nil {
			t.Fatalf("NewMonteCarloSimulator returned error: %v", err)
		}
		report, err := sim.Run(context.Background(), snaps)
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
		return report
	}

	first := run()
	second := run()
	for i := range first.Results {
		if first.Results[i].TotalReturn != second.Results[i].TotalReturn {
			t.Errorf("path %d not reproducible: %f vs %f",
				i, first.Results[i].TotalReturn, second.Results[i].TotalReturn)
		}
	}
}

func TestPerturbSnapshots_DoesNotMutateInput(t *testing.T) {
	snaps := monteCarloSnapshots(t)
	originalClose := snaps[0].Candles[0].Close

	rng := rand.New(rand.NewSource(99))
	if _, err := perturbSnapshots(snaps, rng, 0.01); err != nil {
		t.Fatalf("perturbSnapshots returned error: %v", err)
	}
	if snaps[0].Candles[0].Close != originalClose {
		t.Error("perturbation must not mutate the input series")
	}
}
