package backtest

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ensemble-trader/internal/decision"
	"ensemble-trader/internal/market"
	"ensemble-trader/internal/risk"
)

// openPosition 为回放期间的一笔在途持仓。
type openPosition struct {
	decisionID string
	assetPair  string
	position   decision.PositionType
	entryPrice float64
	size       float64
	fees       float64
	regime     market.Regime
	providers  []string
	openedAt   time.Time
}

// positionBook 按资产对跟踪在途持仓：同向信号忽略，反向信号平仓。
// 平仓产生不可变的 TradeOutcome。
type positionBook struct {
	open map[string]*openPosition
}

func newPositionBook() *positionBook {
	return &positionBook{open: make(map[string]*openPosition)}
}

// apply 将一笔已成交决策计入持仓簿。outcome 非 nil 表示本次成交
// 关闭了既有持仓并产生结果；ignored 表示同向重复信号被忽略，
// 调用方需要释放该决策占用的预算。
func (b *positionBook) apply(d decision.Decision, fill decision.FillResult) (outcome *decision.TradeOutcome, ignored bool) {
	if !fill.Executed || d.PositionSize == nil {
		return nil, false
	}

	existing, ok := b.open[d.AssetPair]
	if !ok {
		b.open[d.AssetPair] = &openPosition{
			decisionID: d.ID,
			assetPair:  d.AssetPair,
			position:   d.PositionType,
			entryPrice: fill.FillPrice,
			size:       *d.PositionSize,
			fees:       fill.Fees,
			regime:     d.Regime,
			providers:  winningProviders(d),
			openedAt:   fill.ExecutedAt,
		}
		return nil, false
	}

	// 同向信号视为继续持有，不加仓。
	if existing.position == d.PositionType {
		return nil, true
	}

	closed := existing.close(fill.FillPrice, fill.Fees, fill.ExecutedAt)
	delete(b.open, d.AssetPair)
	return &closed, false
}

// closeAll 以各资产对的最后已知价格强制平掉全部在途持仓，
// 回放结束时调用。
func (b *positionBook) closeAll(lastPrices map[string]float64, at time.Time) []decision.TradeOutcome {
	outcomes := make([]decision.TradeOutcome, 0, len(b.open))
	for pair, pos := range b.open {
		price, ok := lastPrices[pair]
		if !ok || price <= 0 {
			price = pos.entryPrice
		}
		outcomes = append(outcomes, pos.close(price, 0, at))
		delete(b.open, pair)
	}
	return outcomes
}

// holdings 返回在途持仓的风险暴露视图。
func (b *positionBook) holdings() []risk.Holding {
	holdings := make([]risk.Holding, 0, len(b.open))
	for _, pos := range b.open {
		holdings = append(holdings, risk.Holding{
			AssetPair: pos.assetPair,
			Position:  pos.position,
			Notional:  pos.entryPrice * pos.size,
		})
	}
	return holdings
}

func (b *positionBook) size() int {
	return len(b.open)
}

func (p *openPosition) close(exitPrice, exitFees float64, at time.Time) decision.TradeOutcome {
	gross := (exitPrice - p.entryPrice) * p.size
	if p.position == decision.PositionShort {
		gross = (p.entryPrice - exitPrice) * p.size
	}
	pnl := decimal.NewFromFloat(gross).
		Sub(decimal.NewFromFloat(p.fees)).
		Sub(decimal.NewFromFloat(exitFees))

	return decision.TradeOutcome{
		TradeID:     uuid.NewString(),
		DecisionID:  p.decisionID,
		AssetPair:   p.assetPair,
		Position:    p.position,
		EntryPrice:  p.entryPrice,
		ExitPrice:   exitPrice,
		Size:        p.size,
		RealizedPnL: pnl,
		Regime:      p.regime,
		OpenedAt:    p.openedAt,
		ClosedAt:    at,
		Providers:   append([]string(nil), p.providers...),
	}
}

// winningProviders 返回赞同最终执行方向的投票方，用于权重归因。
func winningProviders(d decision.Decision) []string {
	providers := make([]string, 0, len(d.Votes))
	for _, v := range d.Votes {
		if v.Action == d.Action {
			providers = append(providers, v.ProviderID)
		}
	}
	return providers
}
