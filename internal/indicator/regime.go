package indicator

import "ensemble-trader/internal/market"

const (
	// adxTrendLevel 以上认为存在明确趋势。
	adxTrendLevel = 25.0
	// atrVolatileLevel 为相对ATR的高波动阈值。
	atrVolatileLevel = 0.03
)

// ClassifyRegime 根据快照指标判定市场状态。
// 高波动优先于趋势判定：剧烈行情下趋势信号的可信度本身存疑。
func ClassifyRegime(snap market.Snapshot) market.Regime {
	atrRel := snap.Indicators["atr14_rel"]
	adx := snap.Indicators["adx14"]

	switch {
	case atrRel >= atrVolatileLevel:
		return market.RegimeVolatile
	case adx >= adxTrendLevel:
		return market.RegimeTrending
	default:
		return market.RegimeRanging
	}
}
