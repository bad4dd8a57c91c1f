package backtest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ensemble-trader/internal/cache"
	"ensemble-trader/internal/decision"
	"ensemble-trader/internal/ensemble"
	"ensemble-trader/internal/execution"
	"ensemble-trader/internal/indicator"
	"ensemble-trader/internal/market"
	"ensemble-trader/internal/portfolio"
	"ensemble-trader/internal/provider"
	"ensemble-trader/internal/recorder"
	"ensemble-trader/internal/risk"
	"ensemble-trader/internal/sizing"
	"ensemble-trader/internal/weights"
)

// varWindow 为VaR估计使用的最近收益段数。
const varWindow = 100

// EngineParams 为回放引擎的装配参数。Recorder 与 Correlations
// 可选，其余必填。
type EngineParams struct {
	Pool         *provider.Pool
	Aggregator   *ensemble.Aggregator
	Optimizer    *weights.Optimizer
	Gatekeeper   *risk.Gatekeeper
	Trader       execution.Trader
	Memory       *portfolio.Memory
	Cache        *cache.DecisionCache
	Recorder     *recorder.Recorder
	AssetType    market.AssetType
	Correlations map[string]float64
	Logger       *zap.Logger
}

// Engine 按时间顺序回放历史快照，对每份快照执行完整决策流水线：
// 采样权重 → 征集投票 → 聚合 → 风控 → 模拟成交 → 结果归因学习。
type Engine struct {
	pool         *provider.Pool
	aggregator   *ensemble.Aggregator
	optimizer    *weights.Optimizer
	gatekeeper   *risk.Gatekeeper
	trader       execution.Trader
	memory       *portfolio.Memory
	cache        *cache.DecisionCache
	rec          *recorder.Recorder
	assetType    market.AssetType
	correlations map[string]float64
	logger       *zap.Logger
}

// Report 为一次回放的完整结果。
type Report struct {
	Metrics     Metrics
	EquityCurve []float64
	Decisions   int
	Approved    int
	Rejected    int
	CacheHits   int
	Outcomes    []decision.TradeOutcome
}

// NewEngine 装配回放引擎。
func NewEngine(p EngineParams) (*Engine, error) {
	switch {
	case p.Pool == nil:
		return nil, fmt.Errorf("backtest: 投票池不能为空")
	case p.Aggregator == nil:
		return nil, fmt.Errorf("backtest: 聚合器不能为空")
	case p.Optimizer == nil:
		return nil, fmt.Errorf("backtest: 权重优化器不能为空")
	case p.Gatekeeper == nil:
		return nil, fmt.Errorf("backtest: 风控裁决器不能为空")
	case p.Trader == nil:
		return nil, fmt.Errorf("backtest: 执行器不能为空")
	case p.Memory == nil:
		return nil, fmt.Errorf("backtest: 组合记忆不能为空")
	}

	if p.Cache == nil {
		p.Cache = cache.New(p.Logger)
	}
	if p.AssetType == "" {
		p.AssetType = market.AssetCrypto
	}
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}

	return &Engine{
		pool:         p.Pool,
		aggregator:   p.Aggregator,
		optimizer:    p.Optimizer,
		gatekeeper:   p.Gatekeeper,
		trader:       p.Trader,
		memory:       p.Memory,
		cache:        p.Cache,
		rec:          p.Recorder,
		assetType:    p.AssetType,
		correlations: p.Correlations,
		logger:       p.Logger,
	}, nil
}

// Run 消费快照源直至耗尽。快照必须按资产对时间单调推进，
// 乱序即失败。权益曲线独立于组合记忆维护，只读记忆下仍可度量。
func (e *Engine) Run(ctx context.Context, source market.SnapshotProvider) (Report, error) {
	var report Report

	book := newPositionBook()
	lastTs := make(map[string]time.Time)
	lastPrices := make(map[string]float64)
	var lastSeen time.Time

	balance := e.memory.Balance()
	peak := balance
	curve := []float64{balance}

	record := func(outcome decision.TradeOutcome) error {
		pnl, _ := outcome.RealizedPnL.Float64()
		balance += pnl
		curve = append(curve, balance)
		if balance > peak {
			peak = balance
		}
		report.Outcomes = append(report.Outcomes, outcome)
		return e.learn(ctx, outcome)
	}

	for {
		snap, ok, err := source.Next(ctx)
		if err != nil {
			return report, err
		}
		if !ok {
			break
		}

		if prev, seen := lastTs[snap.AssetPair]; seen && snap.Timestamp.Before(prev) {
			return report, fmt.Errorf("backtest: 快照乱序: %s 的 %s 早于已回放的 %s",
				snap.AssetPair, snap.Timestamp.Format(time.RFC3339), prev.Format(time.RFC3339))
		}
		lastTs[snap.AssetPair] = snap.Timestamp
		lastPrices[snap.AssetPair] = snap.LatestClose()
		if snap.Timestamp.After(lastSeen) {
			lastSeen = snap.Timestamp
		}

		draft, cached, err := e.decide(ctx, snap)
		if err != nil {
			return report, err
		}
		report.Decisions++
		if cached {
			report.CacheHits++
		}

		replayTime := snap.Timestamp
		final, verdict, err := e.gatekeeper.Evaluate(ctx, draft, risk.EvaluationContext{
			AssetType:     e.assetType,
			ReplayTime:    &replayTime,
			SnapshotTime:  snap.Timestamp,
			EntryPrice:    snap.LatestClose(),
			Account:       sizing.Account{Balance: balance, Equity: balance},
			Holdings:      book.holdings(),
			Correlations:  e.correlations,
			RecentReturns: tailReturns(curve, varWindow),
			PeakEquity:    peak,
		})
		if err != nil {
			return report, err
		}

		if !verdict.Allow {
			report.Rejected++
			if err := e.persist(ctx, final, verdict); err != nil {
				return report, err
			}
			continue
		}
		report.Approved++

		if final.Action != decision.ActionHold && !final.SignalOnly {
			fill, err := e.trader.Execute(ctx, final, snap.LatestClose())
			if err != nil {
				return report, err
			}
			final.Fill = &fill

			outcome, ignored := book.apply(final, fill)
			switch {
			case ignored:
				// 同向重复信号不建仓，预算占用立即归还。
				e.gatekeeper.Release(final.ID)
			case outcome != nil:
				// 反向信号平仓：释放旧仓与本次决策的预算占用。
				e.gatekeeper.Release(outcome.DecisionID)
				e.gatekeeper.Release(final.ID)
				if err := record(*outcome); err != nil {
					return report, err
				}
			}
		}

		if err := e.persist(ctx, final, verdict); err != nil {
			return report, err
		}
	}

	// 回放结束，按最后已知价格强制平仓。
	for _, outcome := range book.closeAll(lastPrices, lastSeen) {
		e.gatekeeper.Release(outcome.DecisionID)
		if err := record(outcome); err != nil {
			return report, err
		}
	}

	report.EquityCurve = curve
	wins := 0
	for _, o := range report.Outcomes {
		if o.Won() {
			wins++
		}
	}
	report.Metrics = computeMetrics(curve, len(report.Outcomes), wins)

	e.logger.Info("回放完成",
		zap.Int("decisions", report.Decisions),
		zap.Int("approved", report.Approved),
		zap.Int("rejected", report.Rejected),
		zap.Int("trades", report.Metrics.Trades),
		zap.Float64("total_return", report.Metrics.TotalReturn),
	)

	return report, nil
}

// decide 对单份快照产出决策草案。同一快照哈希只聚合一次，
// 后续命中缓存直接复用。
func (e *Engine) decide(ctx context.Context, snap market.Snapshot) (decision.Decision, bool, error) {
	regime := indicator.ClassifyRegime(snap)

	hash, err := snap.Hash()
	if err != nil {
		return decision.Decision{}, false, err
	}
	if d, ok := e.cache.Get(hash); ok {
		// 命中只复用聚合结果；每次评估是独立决策，预算与留痕
		// 按新ID记账，避免与在途持仓的预留冲突。
		d.ID = uuid.NewString()
		return d, true, nil
	}

	sampled := e.optimizer.SampleWeights(regime, e.pool.ProviderIDs())
	votes := e.pool.Collect(ctx, snap)

	draft, err := e.aggregator.Aggregate(snap, votes, sampled, regime)
	if err != nil {
		return decision.Decision{}, false, err
	}

	// 并发首写先到先得，拿回的可能是他人先写入的同快照决策。
	stored, _ := e.cache.Put(hash, draft)
	return stored, false, nil
}

// learn 将结果写入组合记忆并按归因更新投票方权重。
// 只读记忆表示处于禁止学习的评估段，静默跳过。
func (e *Engine) learn(ctx context.Context, outcome decision.TradeOutcome) error {
	if err := e.memory.RecordTradeOutcome(outcome); err != nil {
		if errors.Is(err, portfolio.ErrReadonlyMemory) {
			return nil
		}
		return err
	}

	for _, providerID := range outcome.Providers {
		if err := e.optimizer.UpdateFromOutcome(ctx, providerID, outcome.Won(), outcome.Regime); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) persist(ctx context.Context, d decision.Decision, verdict decision.RiskVerdict) error {
	if e.rec == nil {
		return nil
	}
	return e.rec.Record(ctx, d, verdict)
}

func tailReturns(curve []float64, n int) []float64 {
	returns := stepReturns(curve)
	if len(returns) > n {
		returns = returns[len(returns)-n:]
	}
	return returns
}
