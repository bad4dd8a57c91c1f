package backtest

import "math"

// Metrics 为一段回放的绩效汇总。
type Metrics struct {
	Trades      int     `json:"trades"`
	Wins        int     `json:"wins"`
	WinRate     float64 `json:"win_rate"`
	TotalReturn float64 `json:"total_return"`
	Sharpe      float64 `json:"sharpe"`
	MaxDrawdown float64 `json:"max_drawdown"`
	FinalEquity float64 `json:"final_equity"`
}

// computeMetrics 从权益曲线与交易计数计算绩效指标。
// 夏普为逐步收益的均值/标准差（不做年化，窗口间可直接比较）。
func computeMetrics(curve []float64, trades, wins int) Metrics {
	m := Metrics{Trades: trades, Wins: wins}
	if trades > 0 {
		m.WinRate = float64(wins) / float64(trades)
	}
	if len(curve) == 0 {
		return m
	}

	m.FinalEquity = curve[len(curve)-1]
	if curve[0] != 0 {
		m.TotalReturn = (m.FinalEquity - curve[0]) / curve[0]
	}
	m.MaxDrawdown = maxDrawdown(curve)
	m.Sharpe = sharpe(stepReturns(curve))

	return m
}

func stepReturns(curve []float64) []float64 {
	if len(curve) < 2 {
		return nil
	}
	returns := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		if curve[i-1] == 0 {
			continue
		}
		returns = append(returns, (curve[i]-curve[i-1])/curve[i-1])
	}
	return returns
}

func sharpe(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}

	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns) - 1)

	std := math.Sqrt(variance)
	if std == 0 {
		return 0
	}
	return mean / std
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
