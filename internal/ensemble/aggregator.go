package ensemble

import (
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ensemble-trader/internal/config"
	"ensemble-trader/internal/decision"
	"ensemble-trader/internal/market"
	"ensemble-trader/internal/provider"
)

// ErrInsufficientProviders 表示所有降级层都拿不到可用投票。
// 该错误始终向上传播，绝不静默降级为 HOLD。
var ErrInsufficientProviders = errors.New("ensemble: 无任何可用投票")

// 聚合层级常量，对应逐级降级策略。
const (
	TierStrategy    = 1 // 配置指定的聚合策略
	TierMajority    = 2 // 简单多数票
	TierAverage     = 3 // 均值聚合
	TierBestSingle  = 4 // 最高信心单票兜底
	stackingMinimum = 3
)

// Aggregator 将多方投票与动态权重聚合为单一决策草案。
type Aggregator struct {
	cfg    config.EnsembleConfig
	logger *zap.Logger

	priority map[string]int
}

// NewAggregator 创建聚合器。
func NewAggregator(cfg config.EnsembleConfig, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}

	priority := make(map[string]int, len(cfg.ProviderPriority))
	for i, id := range cfg.ProviderPriority {
		priority[id] = i
	}

	return &Aggregator{
		cfg:      cfg,
		logger:   logger,
		priority: priority,
	}
}

// Aggregate 按层级降级将投票聚合为决策草案（不含仓位字段）。
// 投票缺席由池层负责；这里只处理 0..N 张有效票。
func (a *Aggregator) Aggregate(snapshot market.Snapshot, votes []provider.Vote, weights map[string]float64, regime market.Regime) (decision.Decision, error) {
	if len(votes) == 0 {
		return decision.Decision{}, fmt.Errorf("%w (asset_pair=%s)", ErrInsufficientProviders, snapshot.AssetPair)
	}

	// 学习器不可用或采样为空时，改用配置的静态兜底权重，
	// 让加权/元层策略保持可用而不是直接降级。
	if len(weights) == 0 && len(a.cfg.FallbackWeights) > 0 {
		weights = a.cfg.FallbackWeights
		a.logger.Warn("动态权重缺席，改用静态兜底权重",
			zap.String("asset_pair", snapshot.AssetPair),
			zap.Int("fallback_providers", len(weights)),
		)
	}

	var outcome *voteOutcome

	// 第一层：配置策略。
	switch a.cfg.Strategy {
	case "weighted":
		outcome = a.weightedVote(votes, weights)
	case "majority":
		outcome = a.majorityVote(votes)
	case "stacking":
		outcome = a.stackingVote(votes, weights)
	}

	tier := TierStrategy

	// 第二层：简单多数票，一人一票。
	if outcome == nil && len(votes) >= 2 {
		outcome = a.majorityVote(votes)
		tier = TierMajority
	}

	// 第三层：均值聚合。
	if outcome == nil && len(votes) >= 2 {
		outcome = a.averageVote(votes)
		tier = TierAverage
	}

	// 第四层：最高信心单票兜底。
	if outcome == nil {
		outcome = a.bestSingleVote(votes)
		tier = TierBestSingle
	}

	if outcome == nil {
		return decision.Decision{}, fmt.Errorf("%w (asset_pair=%s)", ErrInsufficientProviders, snapshot.AssetPair)
	}

	draft := decision.Decision{
		ID:              uuid.NewString(),
		AssetPair:       snapshot.AssetPair,
		Timestamp:       snapshot.Timestamp.UTC(),
		Action:          outcome.action,
		Confidence:      outcome.confidence,
		PositionType:    positionFor(outcome.action),
		AggregationTier: tier,
		Votes:           voteRefs(votes, weights),
		Regime:          regime,
	}

	a.logger.Debug("投票聚合完成",
		zap.String("asset_pair", draft.AssetPair),
		zap.String("action", string(draft.Action)),
		zap.Float64("confidence", draft.Confidence),
		zap.Int("tier", tier),
		zap.Int("vote_count", len(votes)),
	)

	return draft, nil
}

type voteOutcome struct {
	action     decision.Action
	confidence float64
}

// weightedVote 实现加权策略。获胜动作为权重合计最大者（并列时
// 按配置的投票方优先序裁决）；信心度只在获胜动作的票内做权重
// 归一化平均：conf = Σ(wᵢ·cᵢ)/Σ(wᵢ)，i ∈ 获胜动作投票。
func (a *Aggregator) weightedVote(votes []provider.Vote, weights map[string]float64) *voteOutcome {
	if len(votes) == 0 || len(weights) == 0 {
		return nil
	}

	actionWeight := make(map[decision.Action]float64)
	for _, v := range votes {
		actionWeight[v.Action] += weights[v.ProviderID]
	}

	winner, ok := a.pickWinner(actionWeight, votes)
	if !ok {
		return nil
	}

	var weightedSum, weightTotal float64
	for _, v := range votes {
		if v.Action != winner {
			continue
		}
		w := weights[v.ProviderID]
		weightedSum += w * v.Confidence
		weightTotal += w
	}
	if weightTotal <= 0 {
		return nil
	}

	return &voteOutcome{action: winner, confidence: weightedSum / weightTotal}
}

// majorityVote 一人一票取多数；票数并列视为不可裁决，返回 nil
// 交由下一层处理。信心度为获胜动作票的简单平均。
func (a *Aggregator) majorityVote(votes []provider.Vote) *voteOutcome {
	if len(votes) == 0 {
		return nil
	}

	counts := make(map[decision.Action]int)
	for _, v := range votes {
		counts[v.Action]++
	}

	var winner decision.Action
	best := 0
	tied := false
	for action, count := range counts {
		switch {
		case count > best:
			winner, best, tied = action, count, false
		case count == best:
			tied = true
		}
	}
	if tied || best == 0 {
		return nil
	}

	var sum float64
	for _, v := range votes {
		if v.Action == winner {
			sum += v.Confidence
		}
	}

	return &voteOutcome{action: winner, confidence: sum / float64(best)}
}

// averageVote 在多数不可裁决时按动作聚合信心总量，选择信心
// 总量最大的动作，并报告该动作票的平均信心。
func (a *Aggregator) averageVote(votes []provider.Vote) *voteOutcome {
	if len(votes) == 0 {
		return nil
	}

	confidenceSum := make(map[decision.Action]float64)
	confidenceCnt := make(map[decision.Action]int)
	for _, v := range votes {
		confidenceSum[v.Action] += v.Confidence
		confidenceCnt[v.Action]++
	}

	winner, ok := a.pickWinner(confidenceSum, votes)
	if !ok {
		return nil
	}

	return &voteOutcome{
		action:     winner,
		confidence: confidenceSum[winner] / float64(confidenceCnt[winner]),
	}
}

// bestSingleVote 返回最高信心的单票，信心并列时按优先序裁决。
func (a *Aggregator) bestSingleVote(votes []provider.Vote) *voteOutcome {
	if len(votes) == 0 {
		return nil
	}

	best := votes[0]
	for _, v := range votes[1:] {
		if v.Confidence > best.Confidence {
			best = v
			continue
		}
		if v.Confidence == best.Confidence && a.rank(v.ProviderID) < a.rank(best.ProviderID) {
			best = v
		}
	}

	return &voteOutcome{action: best.Action, confidence: best.Confidence}
}

// stackingVote 为元层聚合：动作得分为 Σ(wᵢ·cᵢ)，需要至少三张票
// 才有意义，否则视为策略不适用。获胜动作的信心度计算与加权策略
// 一致（仅获胜动作票参与）。
func (a *Aggregator) stackingVote(votes []provider.Vote, weights map[string]float64) *voteOutcome {
	if len(votes) < stackingMinimum || len(weights) == 0 {
		return nil
	}

	scores := make(map[decision.Action]float64)
	for _, v := range votes {
		scores[v.Action] += weights[v.ProviderID] * v.Confidence
	}

	winner, ok := a.pickWinner(scores, votes)
	if !ok {
		return nil
	}

	var weightedSum, weightTotal float64
	for _, v := range votes {
		if v.Action != winner {
			continue
		}
		w := weights[v.ProviderID]
		weightedSum += w * v.Confidence
		weightTotal += w
	}
	if weightTotal <= 0 {
		return nil
	}

	return &voteOutcome{action: winner, confidence: weightedSum / weightTotal}
}

// pickWinner 取分值最大的动作；并列时按动作内最优投票方的
// 配置优先序裁决，保证同输入下结果确定。
func (a *Aggregator) pickWinner(scores map[decision.Action]float64, votes []provider.Vote) (decision.Action, bool) {
	if len(scores) == 0 {
		return "", false
	}

	actions := make([]decision.Action, 0, len(scores))
	for action := range scores {
		actions = append(actions, action)
	}
	sort.Slice(actions, func(i, j int) bool {
		si, sj := scores[actions[i]], scores[actions[j]]
		if si != sj {
			return si > sj
		}
		return a.actionRank(actions[i], votes) < a.actionRank(actions[j], votes)
	})

	if scores[actions[0]] <= 0 {
		return "", false
	}
	return actions[0], true
}

// actionRank 返回投了该动作的投票方中最靠前的优先序。
func (a *Aggregator) actionRank(action decision.Action, votes []provider.Vote) int {
	best := len(a.priority) + 1
	for _, v := range votes {
		if v.Action != action {
			continue
		}
		if r := a.rank(v.ProviderID); r < best {
			best = r
		}
	}
	return best
}

func (a *Aggregator) rank(providerID string) int {
	if r, ok := a.priority[providerID]; ok {
		return r
	}
	return len(a.priority)
}

func positionFor(action decision.Action) decision.PositionType {
	switch action {
	case decision.ActionBuy:
		return decision.PositionLong
	case decision.ActionSell:
		return decision.PositionShort
	default:
		return decision.PositionNone
	}
}

func voteRefs(votes []provider.Vote, weights map[string]float64) []decision.VoteRef {
	refs := make([]decision.VoteRef, 0, len(votes))
	for _, v := range votes {
		refs = append(refs, decision.VoteRef{
			ProviderID: v.ProviderID,
			Action:     v.Action,
			Confidence: v.Confidence,
			Weight:     weights[v.ProviderID],
		})
	}
	return refs
}
