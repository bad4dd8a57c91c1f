package sizing

import (
	"errors"
	"fmt"
	"math"

	"ensemble-trader/internal/config"
	"ensemble-trader/internal/decision"
)

// ErrInvalidEntryPrice 表示入场价非法。数值错误必须显式拒绝，
// 绝不静默回退或修正。
var ErrInvalidEntryPrice = errors.New("sizing: 入场价必须大于0")

const (
	defaultRiskPct     = 0.01
	defaultStopLossPct = 0.02
	// confidenceFloor 防止低信心把仓位压缩到无意义的粉尘单。
	confidenceFloor = 0.5
)

// Account 为仓位计算所需的账户状态。
type Account struct {
	Balance float64
	Equity  float64
}

// Sizer 将决策草案转换为具体仓位建议。
type Sizer struct {
	riskPct     float64
	stopLossPct float64
}

// NewSizer 创建仓位计算器，零值配置回退到 1%/2% 默认。
func NewSizer(cfg config.SizingConfig) *Sizer {
	riskPct := cfg.RiskPct
	if riskPct <= 0 {
		riskPct = defaultRiskPct
	}
	stopLossPct := cfg.StopLossPct
	if stopLossPct <= 0 {
		stopLossPct = defaultStopLossPct
	}
	return &Sizer{riskPct: riskPct, stopLossPct: stopLossPct}
}

// Apply 为草案填充仓位字段并返回完整决策。
// 规则：base = balance×riskPct/(entry×stopPct)，
// final = base×sizeFactor×max(0.5, confidence/100)。
// 账户余额缺失/非法时降级为仅信号模式：仓位字段全部置 nil 而非 0；
// 入场价非法时返回显式校验错误。
func (s *Sizer) Apply(draft decision.Decision, account Account, entryPrice, sizeFactor float64) (decision.Decision, error) {
	// HOLD 不建仓，无仓位字段可填。
	if draft.Action == decision.ActionHold {
		return draft, nil
	}

	if entryPrice <= 0 || math.IsNaN(entryPrice) || math.IsInf(entryPrice, 0) {
		return decision.Decision{}, fmt.Errorf("%w: %f", ErrInvalidEntryPrice, entryPrice)
	}

	if account.Balance <= 0 || math.IsNaN(account.Balance) || math.IsInf(account.Balance, 0) {
		draft.SignalOnly = true
		draft.PositionSize = nil
		draft.EntryPrice = nil
		draft.StopLossPct = nil
		draft.RiskPct = nil
		return draft, nil
	}

	if sizeFactor <= 0 || sizeFactor > 1 {
		sizeFactor = 1
	}

	base := account.Balance * s.riskPct / (entryPrice * s.stopLossPct)
	confidenceFactor := math.Max(confidenceFloor, draft.Confidence/100)
	final := base * sizeFactor * confidenceFactor

	draft.SignalOnly = false
	draft.PositionSize = ptr(final)
	draft.EntryPrice = ptr(entryPrice)
	draft.StopLossPct = ptr(s.stopLossPct)
	draft.RiskPct = ptr(s.riskPct)

	return draft, nil
}

func ptr(v float64) *float64 {
	return &v
}
