package backtest

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ensemble-trader/internal/config"
	"ensemble-trader/internal/indicator"
	"ensemble-trader/internal/market"
)

// EngineFactory 为每条模拟路径构建独立引擎。实现方必须保证
// 路径之间不共享可变状态（记忆、权重、缓存、预算）。
type EngineFactory func(optimizerSeed int64) (*Engine, error)

// PathResult 为单条扰动路径的结果。
type PathResult struct {
	Path        int
	TotalReturn float64
	MaxDrawdown float64
	FinalEquity float64
	Trades      int
}

// MonteCarloReport 为全部路径的分布汇总。
type MonteCarloReport struct {
	Paths       int
	ReturnP5    float64
	ReturnP50   float64
	ReturnP95   float64
	DrawdownP95 float64
	// VaR95 为收益分布5%分位的损失（为正表示亏损幅度）。
	VaR95    float64
	ProbLoss float64
	Results  []PathResult
}

// MonteCarloSimulator 对同一历史序列施加高斯价格扰动并并行回放，
// 得到策略绩效的分布而非单点估计。
type MonteCarloSimulator struct {
	cfg       config.MonteCarloConfig
	newEngine EngineFactory
	logger    *zap.Logger
}

// NewMonteCarloSimulator 创建扰动模拟器。
func NewMonteCarloSimulator(cfg config.MonteCarloConfig, factory EngineFactory, logger *zap.Logger) (*MonteCarloSimulator, error) {
	if factory == nil {
		return nil, fmt.Errorf("backtest: 引擎工厂不能为空")
	}
	if cfg.NumSimulations <= 0 {
		return nil, fmt.Errorf("backtest: 模拟路径数必须大于0")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MonteCarloSimulator{cfg: cfg, newEngine: factory, logger: logger}, nil
}

// Run 并行执行全部扰动路径。确定性约定：权重采样种子对所有
// 路径相同（cfg.Seed），价格噪声种子为 cfg.Seed+路径序号——
// 噪声标准差为0时所有路径严格一致。
func (m *MonteCarloSimulator) Run(ctx context.Context, snaps []market.Snapshot) (MonteCarloReport, error) {
	if len(snaps) == 0 {
		return MonteCarloReport{}, fmt.Errorf("backtest: 快照序列为空")
	}

	parallelism := m.cfg.Parallelism
	if parallelism <= 0 {
		parallelism = 1
	}

	results := make([]PathResult, m.cfg.NumSimulations)

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(parallelism)

	for i := 0; i < m.cfg.NumSimulations; i++ {
		i := i
		group.Go(func() error {
			noiseRng := rand.New(rand.NewSource(m.cfg.Seed + int64(i)))
			perturbed, err := perturbSnapshots(snaps, noiseRng, m.cfg.PriceNoiseStd)
			if err != nil {
				return fmt.Errorf("backtest: 路径 %d 扰动失败: %w", i, err)
			}

			engine, err := m.newEngine(m.cfg.Seed)
			if err != nil {
				return fmt.Errorf("backtest: 路径 %d 构建引擎失败: %w", i, err)
			}

			report, err := engine.Run(groupCtx, market.NewSliceProvider(perturbed))
			if err != nil {
				return fmt.Errorf("backtest: 路径 %d 回放失败: %w", i, err)
			}

			results[i] = PathResult{
				Path:        i,
				TotalReturn: report.Metrics.TotalReturn,
				MaxDrawdown: report.Metrics.MaxDrawdown,
				FinalEquity: report.Metrics.FinalEquity,
				Trades:      report.Metrics.Trades,
			}
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return MonteCarloReport{}, err
	}

	return m.summarize(results), nil
}

func (m *MonteCarloSimulator) summarize(results []PathResult) MonteCarloReport {
	returns := make([]float64, len(results))
	drawdowns := make([]float64, len(results))
	losses := 0
	for i, r := range results {
		returns[i] = r.TotalReturn
		drawdowns[i] = r.MaxDrawdown
		if r.TotalReturn < 0 {
			losses++
		}
	}
	sort.Float64s(returns)
	sort.Float64s(drawdowns)

	report := MonteCarloReport{
		Paths:       len(results),
		ReturnP5:    percentile(returns, 0.05),
		ReturnP50:   percentile(returns, 0.50),
		ReturnP95:   percentile(returns, 0.95),
		DrawdownP95: percentile(drawdowns, 0.95),
		ProbLoss:    float64(losses) / float64(len(results)),
		Results:     results,
	}
	report.VaR95 = math.Max(0, -report.ReturnP5)

	m.logger.Info("蒙特卡洛模拟完成",
		zap.Int("paths", report.Paths),
		zap.Float64("return_p5", report.ReturnP5),
		zap.Float64("return_p50", report.ReturnP50),
		zap.Float64("return_p95", report.ReturnP95),
		zap.Float64("prob_loss", report.ProbLoss),
	)

	return report
}

// perturbSnapshots 对K线价格施加乘性高斯噪声并重算指标。
// 输入序列不被修改。
func perturbSnapshots(snaps []market.Snapshot, rng *rand.Rand, noiseStd float64) ([]market.Snapshot, error) {
	perturbed := make([]market.Snapshot, len(snaps))
	for i, snap := range snaps {
		candles := make([]market.Candle, len(snap.Candles))
		for j, c := range snap.Candles {
			factor := 1 + rng.NormFloat64()*noiseStd
			if factor <= 0 {
				factor = math.SmallestNonzeroFloat64
			}
			candles[j] = market.Candle{
				Timestamp: c.Timestamp,
				Open:      c.Open * factor,
				High:      c.High * factor,
				Low:       c.Low * factor,
				Close:     c.Close * factor,
				Volume:    c.Volume,
			}
		}

		indicators, err := indicator.Compute(candles)
		if err != nil {
			return nil, err
		}

		perturbed[i] = market.Snapshot{
			AssetPair:  snap.AssetPair,
			Timeframe:  snap.Timeframe,
			Timestamp:  snap.Timestamp,
			Candles:    candles,
			Indicators: indicators,
		}
	}
	return perturbed, nil
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Floor(float64(len(sorted)-1) * p))
	return sorted[idx]
}
