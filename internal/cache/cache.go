package cache

import (
	"sync"

	"go.uber.org/zap"

	"ensemble-trader/internal/decision"
)

// DecisionCache 以市场快照哈希为键缓存最终决策，保证同一份
// 市场数据在并发路径下只产生一个决策。写入为先到先得：
// 后到者拿回已有决策，绝不覆盖。
type DecisionCache struct {
	mu      sync.RWMutex
	entries map[string]decision.Decision
	logger  *zap.Logger
}

// New 创建空缓存。
func New(logger *zap.Logger) *DecisionCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DecisionCache{
		entries: make(map[string]decision.Decision),
		logger:  logger,
	}
}

// Get 返回快照哈希对应的决策，命中时第二返回值为 true。
func (c *DecisionCache) Get(snapshotHash string) (decision.Decision, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	d, ok := c.entries[snapshotHash]
	return d, ok
}

// Put 尝试写入决策。若该哈希已有决策则保留旧值并返回
// (旧决策, false)；首写成功返回 (入参决策, true)。
func (c *DecisionCache) Put(snapshotHash string, d decision.Decision) (decision.Decision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.entries[snapshotHash]; ok {
		c.logger.Debug("决策缓存命中已有条目，拒绝覆盖",
			zap.String("snapshot_hash", snapshotHash),
			zap.String("existing_id", existing.ID),
			zap.String("rejected_id", d.ID),
		)
		return existing, false
	}

	c.entries[snapshotHash] = d
	return d, true
}

// Len 返回缓存条目数。
func (c *DecisionCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Reset 清空缓存，回放窗口切换时使用。
func (c *DecisionCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]decision.Decision)
}
