package provider

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ensemble-trader/internal/market"
)

// Pool 并行向所有投票方征集决策。单个投票方失败或超时仅导致
// 该票缺席，绝不向上层抛出异常。
type Pool struct {
	providers []Provider
	timeout   time.Duration
	logger    *zap.Logger
}

// NewPool 创建投票池。
func NewPool(providers []Provider, timeout time.Duration, logger *zap.Logger) *Pool {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		providers: providers,
		timeout:   timeout,
		logger:    logger,
	}
}

// Size 返回注册的投票方数量。
func (p *Pool) Size() int {
	return len(p.providers)
}

// ProviderIDs 返回全部投票方标识，顺序与注册顺序一致。
func (p *Pool) ProviderIDs() []string {
	ids := make([]string, 0, len(p.providers))
	for _, prov := range p.providers {
		ids = append(ids, prov.ID())
	}
	return ids
}

// Collect 在统一限时内并行征集全部投票，等待所有投票方返回或
// 超时后统一返回，不会被单个慢投票方无限阻塞。
func (p *Pool) Collect(ctx context.Context, snapshot market.Snapshot) []Vote {
	if len(p.providers) == 0 {
		return nil
	}

	deadlineCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var mu sync.Mutex
	votes := make([]Vote, 0, len(p.providers))

	group, groupCtx := errgroup.WithContext(deadlineCtx)
	for _, prov := range p.providers {
		prov := prov
		group.Go(func() error {
			start := time.Now()
			vote, err := prov.Vote(groupCtx, snapshot)
			latency := time.Since(start)

			if err != nil {
				p.logger.Warn("投票方失败，该票缺席",
					zap.String("provider", prov.ID()),
					zap.Duration("latency", latency),
					zap.Error(err),
				)
				return nil
			}

			vote.ProviderID = prov.ID()
			vote.Latency = latency
			if verr := vote.Validate(); verr != nil {
				p.logger.Warn("投票内容非法，丢弃该票",
					zap.String("provider", prov.ID()),
					zap.Error(verr),
				)
				return nil
			}

			mu.Lock()
			votes = append(votes, vote)
			mu.Unlock()
			return nil
		})
	}

	// goroutine 自行吞掉失败，Wait 不会返回错误。
	_ = group.Wait()

	// 按投票方ID定序，下游的浮点累加顺序与各票完成先后无关。
	sort.Slice(votes, func(i, j int) bool {
		return votes[i].ProviderID < votes[j].ProviderID
	})

	return votes
}
