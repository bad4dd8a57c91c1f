package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"ensemble-trader/internal/decision"
	"ensemble-trader/internal/market"
)

// Vote 为单个投票方给出的独立决策建议。
type Vote struct {
	ProviderID string          `json:"provider_id"`
	Action     decision.Action `json:"action"`
	Confidence float64         `json:"confidence"`
	Rationale  string          `json:"rationale"`
	Latency    time.Duration   `json:"latency"`
}

// Validate 校验投票字段合法性。
func (v Vote) Validate() error {
	if strings.TrimSpace(v.ProviderID) == "" {
		return fmt.Errorf("provider: provider_id 不能为空")
	}
	if !v.Action.Valid() {
		return fmt.Errorf("provider: action 取值非法: %s", v.Action)
	}
	if v.Confidence < 0 || v.Confidence > 100 {
		return fmt.Errorf("provider: confidence 必须位于[0,100]，当前为 %f", v.Confidence)
	}
	return nil
}

// Provider 抽象一个独立决策源。实现方自行处理内部重试，
// 池层只关心在限时内拿到投票或放弃。
type Provider interface {
	ID() string
	Vote(ctx context.Context, snapshot market.Snapshot) (Vote, error)
}

// VoteFunc 允许使用函数作为投票方，主要用于回测与测试。
type VoteFunc func(ctx context.Context, snapshot market.Snapshot) (Vote, error)

// FuncProvider 包装函数实现 Provider。
type FuncProvider struct {
	Name string
	Fn   VoteFunc
}

func (p FuncProvider) ID() string {
	return p.Name
}

func (p FuncProvider) Vote(ctx context.Context, snapshot market.Snapshot) (Vote, error) {
	if p.Fn == nil {
		return Vote{}, fmt.Errorf("provider: %s 未实现投票函数", p.Name)
	}
	return p.Fn(ctx, snapshot)
}
