package decision

import (
	"time"

	"github.com/shopspring/decimal"

	"ensemble-trader/internal/market"
)

// Action 表示交易方向建议。
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// Valid 判断动作取值是否合法。
func (a Action) Valid() bool {
	switch a {
	case ActionBuy, ActionSell, ActionHold:
		return true
	default:
		return false
	}
}

// PositionType 表示建仓方向，空字符串代表不建仓。
type PositionType string

const (
	PositionLong  PositionType = "LONG"
	PositionShort PositionType = "SHORT"
	PositionNone  PositionType = ""
)

// VoteRef 记录参与聚合的单票摘要，随决策一起持久化。
type VoteRef struct {
	ProviderID string  `json:"provider_id"`
	Action     Action  `json:"action"`
	Confidence float64 `json:"confidence"`
	Weight     float64 `json:"weight"`
}

// Decision 为聚合与仓位计算后的最终交易决策。
// SignalOnly 为 true 时所有仓位字段必须为 nil（而不是0），
// 表示仅输出信号、不含仓位建议的降级模式。
type Decision struct {
	ID              string        `json:"id"`
	AssetPair       string        `json:"asset_pair"`
	Timestamp       time.Time     `json:"timestamp"`
	Action          Action        `json:"action"`
	Confidence      float64       `json:"confidence"`
	PositionType    PositionType  `json:"position_type"`
	PositionSize    *float64      `json:"recommended_position_size"`
	EntryPrice      *float64      `json:"entry_price"`
	StopLossPct     *float64      `json:"stop_loss_percentage"`
	RiskPct         *float64      `json:"risk_percentage"`
	AggregationTier int           `json:"aggregation_tier"`
	Votes           []VoteRef     `json:"contributing_votes"`
	SignalOnly      bool          `json:"signal_only"`
	Regime          market.Regime `json:"regime"`
	Fill            *FillResult   `json:"fill,omitempty"`
}

// FillResult 为执行层回写的成交信息，决策仅在执行时被修改这一次。
type FillResult struct {
	Executed   bool      `json:"executed"`
	FillPrice  float64   `json:"fill_price"`
	Fees       float64   `json:"fees"`
	ExecutedAt time.Time `json:"executed_at"`
}

// RiskVerdict 为风控裁决结果。拒绝是正常业务结果而非错误，
// 因此始终以值返回，绝不作为 error 抛出。
type RiskVerdict struct {
	Allow         bool     `json:"allow"`
	Reason        string   `json:"reason"`
	TriggeredRule string   `json:"triggered_rule"`
	Warnings      []string `json:"warnings,omitempty"`
	// SizeFactor 为相关性缩减系数，(0,1]，由仓位计算消费。
	SizeFactor float64 `json:"size_factor"`
}

// TradeOutcome 为持仓关闭后生成的不可变成交结果。
type TradeOutcome struct {
	TradeID     string          `json:"trade_id"`
	DecisionID  string          `json:"decision_id"`
	AssetPair   string          `json:"asset_pair"`
	Position    PositionType    `json:"position_type"`
	EntryPrice  float64         `json:"entry_price"`
	ExitPrice   float64         `json:"exit_price"`
	Size        float64         `json:"size"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	Regime      market.Regime   `json:"regime"`
	OpenedAt    time.Time       `json:"opened_at"`
	ClosedAt    time.Time       `json:"closed_at"`
	// Providers 记录当时赞同所执行方向的投票方，用于权重学习归因。
	Providers []string `json:"providers"`
}

// Won 判断该笔交易是否盈利。
func (o TradeOutcome) Won() bool {
	return o.RealizedPnL.IsPositive()
}
