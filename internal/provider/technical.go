package provider

import (
	"context"
	"fmt"
	"math"

	"ensemble-trader/internal/decision"
	"ensemble-trader/internal/market"
)

// 规则投票方：基于指标的确定性决策源，用于回放评估与为模型
// 投票提供多样性。同一快照永远给出同一票。

// NewMomentumProvider 依据 MACD 柱与 RSI 判断动量方向。
func NewMomentumProvider(name string) FuncProvider {
	return FuncProvider{
		Name: name,
		Fn: func(ctx context.Context, snap market.Snapshot) (Vote, error) {
			if err := ctx.Err(); err != nil {
				return Vote{}, err
			}

			hist := snap.Indicators["macd_hist"]
			rsi := snap.Indicators["rsi14"]
			close := snap.Indicators["close"]
			if close <= 0 {
				return Vote{}, fmt.Errorf("provider: %s 缺少收盘价指标", name)
			}

			strength := math.Min(100, math.Abs(hist)/close*10000)
			switch {
			case hist > 0 && rsi < 70:
				return Vote{
					Action:     decision.ActionBuy,
					Confidence: 50 + strength/2,
					Rationale:  "MACD柱为正且RSI未超买，动量向上",
				}, nil
			case hist < 0 && rsi > 30:
				return Vote{
					Action:     decision.ActionSell,
					Confidence: 50 + strength/2,
					Rationale:  "MACD柱为负且RSI未超卖，动量向下",
				}, nil
			default:
				return Vote{
					Action:     decision.ActionHold,
					Confidence: 40,
					Rationale:  "动量信号与超买超卖状态冲突",
				}, nil
			}
		},
	}
}

// NewMeanReversionProvider 依据布林带位置做均值回归判断。
func NewMeanReversionProvider(name string) FuncProvider {
	return FuncProvider{
		Name: name,
		Fn: func(ctx context.Context, snap market.Snapshot) (Vote, error) {
			if err := ctx.Err(); err != nil {
				return Vote{}, err
			}

			pos := snap.Indicators["bb_position"]
			switch {
			case pos <= 0.05:
				return Vote{
					Action:     decision.ActionBuy,
					Confidence: 55 + (0.05-pos)*400,
					Rationale:  "价格触及布林带下轨，回归预期向上",
				}, nil
			case pos >= 0.95:
				return Vote{
					Action:     decision.ActionSell,
					Confidence: 55 + (pos-0.95)*400,
					Rationale:  "价格触及布林带上轨，回归预期向下",
				}, nil
			default:
				return Vote{
					Action:     decision.ActionHold,
					Confidence: 45,
					Rationale:  "价格位于布林带内部，无回归信号",
				}, nil
			}
		},
	}
}

// NewTrendProvider 依据 EMA 排列与 ADX 强度判断趋势方向。
func NewTrendProvider(name string) FuncProvider {
	return FuncProvider{
		Name: name,
		Fn: func(ctx context.Context, snap market.Snapshot) (Vote, error) {
			if err := ctx.Err(); err != nil {
				return Vote{}, err
			}

			ema12 := snap.Indicators["ema12"]
			ema26 := snap.Indicators["ema26"]
			ema50 := snap.Indicators["ema50"]
			adx := snap.Indicators["adx14"]

			confidence := math.Min(90, 40+adx)
			switch {
			case adx >= 20 && ema12 > ema26 && ema26 > ema50:
				return Vote{
					Action:     decision.ActionBuy,
					Confidence: confidence,
					Rationale:  "EMA多头排列且ADX确认趋势强度",
				}, nil
			case adx >= 20 && ema12 < ema26 && ema26 < ema50:
				return Vote{
					Action:     decision.ActionSell,
					Confidence: confidence,
					Rationale:  "EMA空头排列且ADX确认趋势强度",
				}, nil
			default:
				return Vote{
					Action:     decision.ActionHold,
					Confidence: 35,
					Rationale:  "均线排列混乱或趋势强度不足",
				}, nil
			}
		},
	}
}

// TechnicalProviders 返回标准的三路规则投票方组合。
func TechnicalProviders() []Provider {
	return []Provider{
		NewTrendProvider("technical-trend"),
		NewMomentumProvider("technical-momentum"),
		NewMeanReversionProvider("technical-meanrev"),
	}
}
