package portfolio

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"ensemble-trader/internal/decision"
	"ensemble-trader/internal/market"
)

// ErrReadonlyMemory 表示组合记忆处于只读模式，任何写入都被拒绝。
// 滚动测试段依赖该错误阻断学习，防止前视偏差。
var ErrReadonlyMemory = errors.New("portfolio: 组合记忆为只读，拒绝写入")

// RegimeStats 为单一市场状态下的胜负统计。
type RegimeStats struct {
	Trades int
	Wins   int
	PnL    decimal.Decimal
}

// Stats 为组合记忆的汇总视图，所有字段均为计算时刻的副本。
type Stats struct {
	Trades       int
	Wins         int
	WinRate      float64
	RealizedPnL  decimal.Decimal
	Equity       float64
	PeakEquity   float64
	MaxDrawdown  float64
	ByRegime     map[market.Regime]RegimeStats
	LastTradeAt  time.Time
	EquityPoints int
}

// MemorySnapshot 为记忆全部可变状态的深拷贝。
type MemorySnapshot struct {
	Outcomes    []decision.TradeOutcome
	EquityCurve []float64
	Balance     float64
	PeakEquity  float64
}

// Memory 为组合记忆：已实现交易结果的只增账本与权益曲线。
// 结果一经记录不可修改；readonly 模式下拒绝一切写入。
type Memory struct {
	mu          sync.RWMutex
	outcomes    []decision.TradeOutcome
	equityCurve []float64
	balance     float64
	peakEquity  float64
	readonly    bool
	logger      *zap.Logger
}

// NewMemory 创建以给定初始余额起步的组合记忆。
func NewMemory(initialBalance float64, logger *zap.Logger) *Memory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Memory{
		equityCurve: []float64{initialBalance},
		balance:     initialBalance,
		peakEquity:  initialBalance,
		logger:      logger,
	}
}

// FromSnapshot 基于快照重建独立记忆，用于蒙特卡洛等隔离路径。
func FromSnapshot(snap MemorySnapshot, logger *zap.Logger) *Memory {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Memory{logger: logger}
	m.restoreLocked(snap)
	return m
}

// RecordTradeOutcome 追加一笔已实现交易结果并推进权益曲线。
func (m *Memory) RecordTradeOutcome(outcome decision.TradeOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.readonly {
		return fmt.Errorf("%w (trade_id=%s)", ErrReadonlyMemory, outcome.TradeID)
	}

	pnl, _ := outcome.RealizedPnL.Float64()
	m.outcomes = append(m.outcomes, outcome)
	m.balance += pnl
	m.equityCurve = append(m.equityCurve, m.balance)
	if m.balance > m.peakEquity {
		m.peakEquity = m.balance
	}

	m.logger.Debug("记录交易结果",
		zap.String("trade_id", outcome.TradeID),
		zap.String("asset_pair", outcome.AssetPair),
		zap.String("realized_pnl", outcome.RealizedPnL.String()),
		zap.Bool("won", outcome.Won()),
	)

	return nil
}

// SetReadonly 切换只读模式。
func (m *Memory) SetReadonly(readonly bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readonly = readonly
}

// Readonly 返回当前是否只读。
func (m *Memory) Readonly() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.readonly
}

// Balance 返回当前余额。
func (m *Memory) Balance() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balance
}

// PeakEquity 返回历史最高权益。
func (m *Memory) PeakEquity() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.peakEquity
}

// EquityCurve 返回权益曲线副本。
func (m *Memory) EquityCurve() []float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]float64(nil), m.equityCurve...)
}

// Outcomes 返回全部交易结果的副本。
func (m *Memory) Outcomes() []decision.TradeOutcome {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]decision.TradeOutcome(nil), m.outcomes...)
}

// RecentReturns 返回最近 n 段权益收益率，用于VaR估计。
func (m *Memory) RecentReturns(n int) []float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	curve := m.equityCurve
	if len(curve) < 2 {
		return nil
	}

	start := 1
	if n > 0 && len(curve)-1 > n {
		start = len(curve) - n
	}

	returns := make([]float64, 0, len(curve)-start)
	for i := start; i < len(curve); i++ {
		prev := curve[i-1]
		if prev == 0 {
			continue
		}
		returns = append(returns, (curve[i]-prev)/prev)
	}
	return returns
}

// Stats 计算汇总统计。
func (m *Memory) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{
		Trades:       len(m.outcomes),
		RealizedPnL:  decimal.Zero,
		Equity:       m.balance,
		PeakEquity:   m.peakEquity,
		ByRegime:     make(map[market.Regime]RegimeStats),
		EquityPoints: len(m.equityCurve),
	}

	for _, o := range m.outcomes {
		stats.RealizedPnL = stats.RealizedPnL.Add(o.RealizedPnL)
		if o.Won() {
			stats.Wins++
		}
		rs := stats.ByRegime[o.Regime]
		rs.Trades++
		if o.Won() {
			rs.Wins++
		}
		rs.PnL = rs.PnL.Add(o.RealizedPnL)
		stats.ByRegime[o.Regime] = rs

		if o.ClosedAt.After(stats.LastTradeAt) {
			stats.LastTradeAt = o.ClosedAt
		}
	}

	if stats.Trades > 0 {
		stats.WinRate = float64(stats.Wins) / float64(stats.Trades)
	}
	stats.MaxDrawdown = maxDrawdown(m.equityCurve)

	return stats
}

// Snapshot 深拷贝全部可变状态。
func (m *Memory) Snapshot() MemorySnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return MemorySnapshot{
		Outcomes:    append([]decision.TradeOutcome(nil), m.outcomes...),
		EquityCurve: append([]float64(nil), m.equityCurve...),
		Balance:     m.balance,
		PeakEquity:  m.peakEquity,
	}
}

// Restore 以快照整体替换当前状态，只读标志保持不变。
func (m *Memory) Restore(snap MemorySnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restoreLocked(snap)
}

func (m *Memory) restoreLocked(snap MemorySnapshot) {
	m.outcomes = append([]decision.TradeOutcome(nil), snap.Outcomes...)
	m.equityCurve = append([]float64(nil), snap.EquityCurve...)
	m.balance = snap.Balance
	m.peakEquity = snap.PeakEquity
	if len(m.equityCurve) == 0 {
		m.equityCurve = []float64{snap.Balance}
	}
}

func maxDrawdown(curve []float64) float64 {
	peak := 0.0
	worst := 0.0
	for _, v := range curve {
		if v > peak {
			peak = v
		}
		if peak > 0 {
			if dd := (peak - v) / peak; dd > worst {
				worst = dd
			}
		}
	}
	return worst
}
