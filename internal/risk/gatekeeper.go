package risk

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"ensemble-trader/internal/config"
	"ensemble-trader/internal/decision"
	"ensemble-trader/internal/market"
	"ensemble-trader/internal/sizing"
)

// 触发规则标识，随裁决持久化，便于排查。
const (
	RuleMarketSchedule      = "market_schedule"
	RuleDataFreshness       = "data_freshness"
	RuleDrawdownLimit       = "drawdown_limit"
	RuleVarLimit            = "var_limit"
	RuleExposureReservation = "exposure_reservation"
)

// Holding 描述一笔现有持仓的风险暴露。
type Holding struct {
	AssetPair string
	Position  decision.PositionType
	Notional  float64
}

// EvaluationContext 为一次风控裁决的完整输入。
// ReplayTime 非 nil 表示回放模式，使用历史时钟并跳过新鲜度检查。
type EvaluationContext struct {
	AssetType     market.AssetType
	ReplayTime    *time.Time
	SnapshotTime  time.Time
	EntryPrice    float64
	Account       sizing.Account
	Holdings      []Holding
	Correlations  map[string]float64
	RecentReturns []float64
	PeakEquity    float64
}

func (c EvaluationContext) now() time.Time {
	if c.ReplayTime != nil {
		return c.ReplayTime.UTC()
	}
	return time.Now().UTC()
}

// Gatekeeper 在决策生效前执行快速失败的风控流水线：
// 时段 → 新鲜度 → 相关性缩减 → 回撤/VaR上限 → 预算预留。
type Gatekeeper struct {
	cfg    config.RiskConfig
	sizer  *sizing.Sizer
	budget *budgetLedger
	logger *zap.Logger
}

// NewGatekeeper 创建风控裁决器。
func NewGatekeeper(cfg config.RiskConfig, sizer *sizing.Sizer, logger *zap.Logger) (*Gatekeeper, error) {
	if sizer == nil {
		return nil, fmt.Errorf("risk: sizer 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Gatekeeper{
		cfg:    cfg,
		sizer:  sizer,
		budget: newBudgetLedger(),
		logger: logger,
	}, nil
}

// Evaluate 对决策草案执行完整风控流水线，返回补全仓位后的决策
// 与裁决。拒绝是业务结果而非错误：error 只在真实故障时非空。
func (g *Gatekeeper) Evaluate(ctx context.Context, draft decision.Decision, rc EvaluationContext) (decision.Decision, decision.RiskVerdict, error) {
	if err := ctx.Err(); err != nil {
		return draft, decision.RiskVerdict{}, err
	}

	verdict := decision.RiskVerdict{SizeFactor: 1}
	now := rc.now()

	// 1. 交易时段：回放与实盘同样强制。
	session := EvaluateSession(rc.AssetType, now)
	if !session.Open {
		verdict.Reason = session.Reason
		verdict.TriggeredRule = RuleMarketSchedule
		return draft, verdict, nil
	}
	if session.Warning != "" {
		verdict.Warnings = append(verdict.Warnings, session.Warning)
	}

	// 2. 数据新鲜度：仅实盘生效，回放使用历史快照本身就是陈旧数据。
	if rc.ReplayTime == nil {
		age := now.Sub(rc.SnapshotTime.UTC())
		if age > g.cfg.FreshnessThreshold {
			verdict.Reason = fmt.Sprintf("市场快照过期 %s，超过阈值 %s", age, g.cfg.FreshnessThreshold)
			verdict.TriggeredRule = RuleDataFreshness
			return draft, verdict, nil
		}
	}

	// 3. 相关性缩减：只减仓，从不拒绝。
	verdict.SizeFactor = g.correlationFactor(draft, rc)
	if verdict.SizeFactor < 1 {
		verdict.Warnings = append(verdict.Warnings,
			fmt.Sprintf("与现有持仓相关性过高，仓位缩减至 %.0f%%", verdict.SizeFactor*100))
	}

	final, err := g.sizer.Apply(draft, rc.Account, rc.EntryPrice, verdict.SizeFactor)
	if err != nil {
		return draft, decision.RiskVerdict{}, err
	}

	// HOLD 或仅信号模式不增加风险，后续上限与预留均不适用。
	if final.Action == decision.ActionHold || final.SignalOnly {
		verdict.Allow = true
		verdict.Reason = "通过"
		return final, verdict, nil
	}

	// 4. 回撤/VaR上限：对增加风险的交易快速拒绝。
	if rc.PeakEquity > 0 {
		drawdown := (rc.PeakEquity - rc.Account.Equity) / rc.PeakEquity
		if drawdown > g.cfg.MaxDrawdown {
			verdict.SizeFactor = 1
			verdict.Reason = fmt.Sprintf("滚动回撤 %.2f%% 超过上限 %.2f%%", drawdown*100, g.cfg.MaxDrawdown*100)
			verdict.TriggeredRule = RuleDrawdownLimit
			return draft, verdict, nil
		}
	}
	if valueAtRisk := historicalVaR(rc.RecentReturns, g.cfg.VarConfidence); valueAtRisk > g.cfg.VarLimit {
		verdict.SizeFactor = 1
		verdict.Reason = fmt.Sprintf("VaR(%.0f%%) = %.2f%% 超过上限 %.2f%%",
			g.cfg.VarConfidence*100, valueAtRisk*100, g.cfg.VarLimit*100)
		verdict.TriggeredRule = RuleVarLimit
		return draft, verdict, nil
	}

	// 5. 预算预留：原子占用名义金额，防止并发决策重复支配同一预算。
	notional := decimal.NewFromFloat(*final.PositionSize).Mul(decimal.NewFromFloat(*final.EntryPrice))
	held := decimal.Zero
	for _, h := range rc.Holdings {
		held = held.Add(decimal.NewFromFloat(math.Abs(h.Notional)))
	}
	capacity := decimal.NewFromFloat(rc.Account.Equity).Mul(decimal.NewFromFloat(g.cfg.MaxExposure))

	if err := g.budget.Reserve(final.ID, notional, held, capacity); err != nil {
		verdict.Reason = err.Error()
		verdict.TriggeredRule = RuleExposureReservation
		return draft, verdict, nil
	}

	verdict.Allow = true
	verdict.Reason = "通过"

	g.logger.Debug("风控裁决通过",
		zap.String("decision_id", final.ID),
		zap.String("asset_pair", final.AssetPair),
		zap.String("notional", notional.String()),
		zap.Float64("size_factor", verdict.SizeFactor),
	)

	return final, verdict, nil
}

// Release 释放决策占用的风险预算，在持仓关闭或决策废弃时调用。
func (g *Gatekeeper) Release(decisionID string) {
	g.budget.Release(decisionID)
}

// ReservedBudget 返回当前预留总额。
func (g *Gatekeeper) ReservedBudget() decimal.Decimal {
	return g.budget.Reserved()
}

// correlationFactor 依据与现有持仓的最大相关性计算缩减系数。
// 相关性超过阈值后线性缩减，逼近1.0时最多减半。
func (g *Gatekeeper) correlationFactor(draft decision.Decision, rc EvaluationContext) float64 {
	if len(rc.Holdings) == 0 || len(rc.Correlations) == 0 {
		return 1
	}

	maxCorr := 0.0
	for _, h := range rc.Holdings {
		if h.AssetPair == draft.AssetPair {
			continue
		}
		if corr, ok := rc.Correlations[h.AssetPair]; ok {
			if abs := math.Abs(corr); abs > maxCorr {
				maxCorr = abs
			}
		}
	}

	threshold := g.cfg.CorrelationThreshold
	if maxCorr <= threshold || threshold >= 1 {
		return 1
	}

	excess := (maxCorr - threshold) / (1 - threshold)
	return 1 - 0.5*math.Min(1, excess)
}

// historicalVaR 以历史模拟法估计给定置信度下的在险价值，
// 返回为正的损失比例；样本不足时返回0。
func historicalVaR(returns []float64, confidence float64) float64 {
	if len(returns) < 10 || confidence <= 0 || confidence >= 1 {
		return 0
	}

	sorted := append([]float64(nil), returns...)
	sort.Float64s(sorted)

	idx := int(math.Floor(float64(len(sorted)) * (1 - confidence)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}

	loss := -sorted[idx]
	if loss < 0 {
		return 0
	}
	return loss
}
