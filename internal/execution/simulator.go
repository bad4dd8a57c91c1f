package execution

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"

	"ensemble-trader/internal/config"
	"ensemble-trader/internal/decision"
)

// Simulator 以固定滑点与费率模拟成交，用于回放与模拟盘。
type Simulator struct {
	slippage float64
	feeRate  float64
	logger   *zap.Logger
}

// NewSimulator 创建模拟执行器。
func NewSimulator(cfg config.BacktestConfig, logger *zap.Logger) *Simulator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Simulator{
		slippage: cfg.Slippage,
		feeRate:  cfg.FeeRate,
		logger:   logger,
	}
}

// Execute 模拟成交：买单滑点向上、卖单滑点向下，费用按名义金额
// 计提。HOLD 与仅信号决策不产生成交。
func (s *Simulator) Execute(ctx context.Context, d decision.Decision, marketPrice float64) (decision.FillResult, error) {
	_ = ctx

	if d.Action == decision.ActionHold || d.SignalOnly {
		return decision.FillResult{Executed: false}, nil
	}
	if marketPrice <= 0 || math.IsNaN(marketPrice) || math.IsInf(marketPrice, 0) {
		return decision.FillResult{}, fmt.Errorf("execution: 市场价非法: %f", marketPrice)
	}
	if d.PositionSize == nil {
		return decision.FillResult{}, fmt.Errorf("execution: 决策 %s 缺少仓位字段", d.ID)
	}

	fillPrice := marketPrice
	switch d.Action {
	case decision.ActionBuy:
		fillPrice = marketPrice * (1 + s.slippage)
	case decision.ActionSell:
		fillPrice = marketPrice * (1 - s.slippage)
	}

	fees := fillPrice * *d.PositionSize * s.feeRate

	s.logger.Debug("模拟成交",
		zap.String("decision_id", d.ID),
		zap.String("action", string(d.Action)),
		zap.Float64("market_price", marketPrice),
		zap.Float64("fill_price", fillPrice),
		zap.Float64("fees", fees),
	)

	return decision.FillResult{
		Executed:   true,
		FillPrice:  fillPrice,
		Fees:       fees,
		ExecutedAt: d.Timestamp.UTC(),
	}, nil
}
