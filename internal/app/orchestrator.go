package app

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"ensemble-trader/internal/cache"
	"ensemble-trader/internal/config"
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

// pairRuntime 为单个交易对的调度状态。互斥锁保证同一交易对
// 同时只有一个在途决策，新一轮触发时旧决策未完成则直接跳过。
type pairRuntime struct {
	pair         string
	assetType    market.AssetType
	mu           sync.Mutex
	lastDecision time.Time
}

// livePosition 为实盘在途持仓。
type livePosition struct {
	decisionID string
	position   decision.PositionType
	entryPrice float64
	size       float64
	fees       float64
	regime     market.Regime
	providers  []string
	openedAt   time.Time
}

// Orchestrator 驱动实盘主循环：定时为每个交易对拉取快照并执行
// 完整决策流水线。
type Orchestrator struct {
	cfg        *config.Config
	source     *market.LiveSource
	pool       *provider.Pool
	aggregator *ensemble.Aggregator
	optimizer  *weights.Optimizer
	gatekeeper *risk.Gatekeeper
	trader     execution.Trader
	memory     *portfolio.Memory
	ledger     *portfolio.Ledger
	cache      *cache.DecisionCache
	rec        *recorder.Recorder
	logger     *zap.Logger

	pairs []*pairRuntime

	posMu sync.Mutex
	open  map[string]*livePosition
}

// Run 启动主循环，直到 ctx 取消。
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("实盘主循环启动",
		zap.Int("pairs", len(o.pairs)),
		zap.Duration("loop_interval", o.cfg.Scheduler.LoopInterval),
		zap.Duration("decision_interval", o.cfg.Scheduler.DecisionInterval),
	)

	ticker := time.NewTicker(o.cfg.Scheduler.LoopInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("收到退出信号，主循环停止")
			return ctx.Err()
		case <-ticker.C:
			for _, rt := range o.pairs {
				rt := rt
				go o.tick(ctx, rt)
			}
		}
	}
}

// tick 为单个交易对执行一轮决策。抢不到锁说明上一轮尚未完成，
// 本轮放弃而不是排队。
func (o *Orchestrator) tick(ctx context.Context, rt *pairRuntime) {
	if !rt.mu.TryLock() {
		o.logger.Debug("上一轮决策未完成，跳过本轮", zap.String("asset_pair", rt.pair))
		return
	}
	defer rt.mu.Unlock()

	if time.Since(rt.lastDecision) < o.cfg.Scheduler.DecisionInterval {
		return
	}

	snap, err := o.source.Fetch(ctx, rt.pair)
	if err != nil {
		o.logger.Error("拉取市场快照失败", zap.String("asset_pair", rt.pair), zap.Error(err))
		return
	}

	if err := o.decideAndExecute(ctx, rt, snap); err != nil {
		o.logger.Error("决策流水线失败", zap.String("asset_pair", rt.pair), zap.Error(err))
		return
	}

	rt.lastDecision = time.Now()
}

func (o *Orchestrator) decideAndExecute(ctx context.Context, rt *pairRuntime, snap market.Snapshot) error {
	regime := indicator.ClassifyRegime(snap)

	hash, err := snap.Hash()
	if err != nil {
		return err
	}

	draft, hit := o.cache.Get(hash)
	if hit {
		// 命中只复用聚合结果，本次评估按新决策ID记账。
		draft.ID = uuid.NewString()
	} else {
		sampled := o.optimizer.SampleWeights(regime, o.pool.ProviderIDs())
		votes := o.pool.Collect(ctx, snap)

		draft, err = o.aggregator.Aggregate(snap, votes, sampled, regime)
		if err != nil {
			return err
		}
		draft, _ = o.cache.Put(hash, draft)
	}

	balance := o.memory.Balance()
	final, verdict, err := o.gatekeeper.Evaluate(ctx, draft, risk.EvaluationContext{
		AssetType:     rt.assetType,
		SnapshotTime:  snap.Timestamp,
		EntryPrice:    snap.LatestClose(),
		Account:       sizing.Account{Balance: balance, Equity: balance},
		Holdings:      o.holdings(),
		Correlations:  nil,
		RecentReturns: o.memory.RecentReturns(100),
		PeakEquity:    o.memory.PeakEquity(),
	})
	if err != nil {
		return err
	}

	if !verdict.Allow {
		o.logger.Warn("决策被风控拒绝",
			zap.String("asset_pair", rt.pair),
			zap.String("rule", verdict.TriggeredRule),
			zap.String("reason", verdict.Reason),
		)
		return o.rec.Record(ctx, final, verdict)
	}

	if final.Action != decision.ActionHold && !final.SignalOnly {
		fill, err := o.trader.Execute(ctx, final, snap.LatestClose())
		if err != nil {
			return err
		}
		final.Fill = &fill

		if err := o.applyFill(ctx, final, fill); err != nil {
			return err
		}
	}

	o.logger.Info("决策完成",
		zap.String("asset_pair", rt.pair),
		zap.String("action", string(final.Action)),
		zap.Float64("confidence", final.Confidence),
		zap.Int("tier", final.AggregationTier),
		zap.Bool("signal_only", final.SignalOnly),
	)

	return o.rec.Record(ctx, final, verdict)
}

// applyFill 将成交计入持仓簿：空仓开新仓，反向信号平旧仓并归因学习。
func (o *Orchestrator) applyFill(ctx context.Context, d decision.Decision, fill decision.FillResult) error {
	if !fill.Executed || d.PositionSize == nil {
		return nil
	}

	o.posMu.Lock()
	existing, ok := o.open[d.AssetPair]
	if !ok {
		o.open[d.AssetPair] = &livePosition{
			decisionID: d.ID,
			position:   d.PositionType,
			entryPrice: fill.FillPrice,
			size:       *d.PositionSize,
			fees:       fill.Fees,
			regime:     d.Regime,
			providers:  agreedProviders(d),
			openedAt:   fill.ExecutedAt,
		}
		o.posMu.Unlock()
		return nil
	}

	if existing.position == d.PositionType {
		o.posMu.Unlock()
		// 同向重复信号不建仓，预算占用立即归还。
		o.gatekeeper.Release(d.ID)
		return nil
	}

	delete(o.open, d.AssetPair)
	o.posMu.Unlock()

	gross := (fill.FillPrice - existing.entryPrice) * existing.size
	if existing.position == decision.PositionShort {
		gross = (existing.entryPrice - fill.FillPrice) * existing.size
	}
	pnl := decimal.NewFromFloat(gross).
		Sub(decimal.NewFromFloat(existing.fees)).
		Sub(decimal.NewFromFloat(fill.Fees))

	outcome := decision.TradeOutcome{
		TradeID:     uuid.NewString(),
		DecisionID:  existing.decisionID,
		AssetPair:   d.AssetPair,
		Position:    existing.position,
		EntryPrice:  existing.entryPrice,
		ExitPrice:   fill.FillPrice,
		Size:        existing.size,
		RealizedPnL: pnl,
		Regime:      existing.regime,
		OpenedAt:    existing.openedAt,
		ClosedAt:    fill.ExecutedAt,
		Providers:   existing.providers,
	}

	o.gatekeeper.Release(existing.decisionID)
	o.gatekeeper.Release(d.ID)

	if err := o.memory.RecordTradeOutcome(outcome); err != nil {
		return err
	}
	if err := o.ledger.Append(ctx, outcome); err != nil {
		return err
	}
	for _, providerID := range outcome.Providers {
		if err := o.optimizer.UpdateFromOutcome(ctx, providerID, outcome.Won(), outcome.Regime); err != nil {
			return err
		}
	}

	o.logger.Info("持仓关闭",
		zap.String("asset_pair", outcome.AssetPair),
		zap.String("realized_pnl", outcome.RealizedPnL.String()),
		zap.Bool("won", outcome.Won()),
	)

	return nil
}

func (o *Orchestrator) holdings() []risk.Holding {
	o.posMu.Lock()
	defer o.posMu.Unlock()

	holdings := make([]risk.Holding, 0, len(o.open))
	for pair, pos := range o.open {
		holdings = append(holdings, risk.Holding{
			AssetPair: pair,
			Position:  pos.position,
			Notional:  pos.entryPrice * pos.size,
		})
	}
	return holdings
}

// agreedProviders 返回赞同最终执行方向的投票方。
func agreedProviders(d decision.Decision) []string {
	providers := make([]string, 0, len(d.Votes))
	for _, v := range d.Votes {
		if v.Action == d.Action {
			providers = append(providers, v.ProviderID)
		}
	}
	return providers
}
