package execution

import (
	"context"

	"ensemble-trader/internal/decision"
)

// Trader 为执行层抽象：接收通过风控的决策并回报成交结果。
// 回测与实盘共用同一接口，引擎层不感知执行方式。
type Trader interface {
	Execute(ctx context.Context, d decision.Decision, marketPrice float64) (decision.FillResult, error)
}
