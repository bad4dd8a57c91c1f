package weights

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"ensemble-trader/internal/market"
)

const (
	multiplierMin  = 0.1
	multiplierMax  = 10.0
	multiplierWin  = 1.10
	multiplierLoss = 0.95
)

// ProviderState 为单个投票方的 Beta 后验与市场状态乘数。
// 状态只由 Optimizer 持有与修改。
type ProviderState struct {
	Alpha       float64                   `json:"alpha"`
	Beta        float64                   `json:"beta"`
	Multipliers map[market.Regime]float64 `json:"multipliers"`
}

func newProviderState() *ProviderState {
	return &ProviderState{
		Alpha: 1,
		Beta:  1,
		Multipliers: map[market.Regime]float64{
			market.RegimeTrending: 1.0,
			market.RegimeRanging:  1.0,
			market.RegimeVolatile: 1.0,
		},
	}
}

func (s *ProviderState) clone() *ProviderState {
	multipliers := make(map[market.Regime]float64, len(s.Multipliers))
	for regime, m := range s.Multipliers {
		multipliers[regime] = m
	}
	return &ProviderState{Alpha: s.Alpha, Beta: s.Beta, Multipliers: multipliers}
}

func (s *ProviderState) multiplier(regime market.Regime) float64 {
	if m, ok := s.Multipliers[regime]; ok && m > 0 {
		return m
	}
	return 1.0
}

// StateSnapshot 为优化器全部可变状态的深拷贝，用于回放隔离。
type StateSnapshot struct {
	States map[string]*ProviderState
}

// Optimizer 基于 Thompson 采样为各投票方分配动态权重。
// 所有状态更新经由单一写者串行执行，读-改-写不可分割。
type Optimizer struct {
	mu     sync.Mutex
	states map[string]*ProviderState
	rng    *rand.Rand
	db     *sql.DB
	logger *zap.Logger
}

// NewOptimizer 创建优化器并从数据库恢复历史状态。
// db 为 nil 时状态只驻留内存（用于回测隔离路径）。
// 持久化状态损坏默认直接失败；freshStart 为 true 时丢弃旧状态重新开始。
func NewOptimizer(db *sql.DB, seed int64, freshStart bool, logger *zap.Logger) (*Optimizer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	o := &Optimizer{
		states: make(map[string]*ProviderState),
		rng:    rand.New(rand.NewSource(seed)),
		db:     db,
		logger: logger,
	}

	if db != nil {
		if err := o.initSchema(); err != nil {
			return nil, err
		}
		if err := o.load(); err != nil {
			if !freshStart {
				return nil, err
			}
			logger.Warn("权重状态损坏，按运维指令放弃旧状态", zap.Error(err))
			if _, resetErr := db.Exec(`DELETE FROM provider_weights`); resetErr != nil {
				return nil, fmt.Errorf("weights: 清空损坏状态失败: %w", resetErr)
			}
			o.states = make(map[string]*ProviderState)
		}
	}

	return o, nil
}

// NewFromSnapshot 基于状态快照构建独立优化器，不带持久化。
func NewFromSnapshot(snap StateSnapshot, seed int64, logger *zap.Logger) *Optimizer {
	o, _ := NewOptimizer(nil, seed, false, logger)
	o.Restore(snap)
	return o
}

func (o *Optimizer) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS provider_weights (
	provider_id TEXT PRIMARY KEY,
	alpha REAL NOT NULL,
	beta REAL NOT NULL,
	multipliers TEXT NOT NULL,
	updated_at TEXT NOT NULL
);`
	if _, err := o.db.Exec(stmt); err != nil {
		return fmt.Errorf("weights: 初始化表结构失败: %w", err)
	}
	return nil
}

func (o *Optimizer) load() error {
	rows, err := o.db.Query(`SELECT provider_id, alpha, beta, multipliers FROM provider_weights`)
	if err != nil {
		return fmt.Errorf("weights: 读取权重状态失败: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id              string
			alpha, beta     float64
			multipliersJSON string
		)
		if err := rows.Scan(&id, &alpha, &beta, &multipliersJSON); err != nil {
			return fmt.Errorf("weights: 解析权重行失败: %w", err)
		}
		if alpha < 1 || beta < 1 {
			return fmt.Errorf("weights: 状态损坏，%s 的 Beta 参数非法: alpha=%f beta=%f", id, alpha, beta)
		}

		multipliers := make(map[market.Regime]float64)
		if err := json.Unmarshal([]byte(multipliersJSON), &multipliers); err != nil {
			return fmt.Errorf("weights: 状态损坏，%s 的乘数无法解析: %w", id, err)
		}
		for regime, m := range multipliers {
			if m < multiplierMin || m > multiplierMax {
				return fmt.Errorf("weights: 状态损坏，%s 在 %s 下的乘数越界: %f", id, regime, m)
			}
		}

		o.states[id] = &ProviderState{Alpha: alpha, Beta: beta, Multipliers: multipliers}
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("weights: 遍历权重状态失败: %w", err)
	}

	return nil
}

func (o *Optimizer) flushLocked(ctx context.Context, id string, state *ProviderState) error {
	if o.db == nil {
		return nil
	}

	multipliersJSON, err := json.Marshal(state.Multipliers)
	if err != nil {
		return fmt.Errorf("weights: 序列化乘数失败: %w", err)
	}

	_, err = o.db.ExecContext(ctx,
		`INSERT INTO provider_weights (provider_id, alpha, beta, multipliers, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(provider_id) DO UPDATE SET
		 	alpha = excluded.alpha,
		 	beta = excluded.beta,
		 	multipliers = excluded.multipliers,
		 	updated_at = excluded.updated_at`,
		id, state.Alpha, state.Beta, string(multipliersJSON), time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("weights: 持久化权重状态失败: %w", err)
	}
	return nil
}

// UpdateFromOutcome 根据已实现交易结果更新单个投票方状态，
// 并立刻落盘。更新为原子的读-改-写。
func (o *Optimizer) UpdateFromOutcome(ctx context.Context, providerID string, won bool, regime market.Regime) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	state, ok := o.states[providerID]
	if !ok {
		state = newProviderState()
		o.states[providerID] = state
	}

	if won {
		state.Alpha++
		state.Multipliers[regime] = clampMultiplier(state.multiplier(regime) * multiplierWin)
	} else {
		state.Beta++
		state.Multipliers[regime] = clampMultiplier(state.multiplier(regime) * multiplierLoss)
	}

	return o.flushLocked(ctx, providerID, state)
}

// SampleWeights 为给定投票方集合做一次 Thompson 采样，
// 返回归一化到总和为1的权重。空集合返回 nil。
func (o *Optimizer) SampleWeights(regime market.Regime, providerIDs []string) map[string]float64 {
	if len(providerIDs) == 0 {
		return nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	raw := make(map[string]float64, len(providerIDs))
	total := 0.0
	for _, id := range providerIDs {
		state, ok := o.states[id]
		if !ok {
			state = newProviderState()
			o.states[id] = state
		}
		sample := o.sampleBeta(state.Alpha, state.Beta) * state.multiplier(regime)
		raw[id] = sample
		total += sample
	}

	weights := make(map[string]float64, len(providerIDs))
	if total <= 0 {
		uniform := 1.0 / float64(len(providerIDs))
		for _, id := range providerIDs {
			weights[id] = uniform
		}
		return weights
	}

	for id, sample := range raw {
		weights[id] = sample / total
	}
	return weights
}

// ExpectedWeights 返回各投票方的后验均值 alpha/(alpha+beta)，
// 不含随机性，用于收敛监控。
func (o *Optimizer) ExpectedWeights(providerIDs []string) map[string]float64 {
	o.mu.Lock()
	defer o.mu.Unlock()

	expected := make(map[string]float64, len(providerIDs))
	for _, id := range providerIDs {
		state, ok := o.states[id]
		if !ok {
			expected[id] = 0.5
			continue
		}
		expected[id] = state.Alpha / (state.Alpha + state.Beta)
	}
	return expected
}

// Snapshot 深拷贝全部状态。
func (o *Optimizer) Snapshot() StateSnapshot {
	o.mu.Lock()
	defer o.mu.Unlock()

	states := make(map[string]*ProviderState, len(o.states))
	for id, state := range o.states {
		states[id] = state.clone()
	}
	return StateSnapshot{States: states}
}

// Restore 以快照替换当前状态（不落盘，由下一次更新落盘）。
func (o *Optimizer) Restore(snap StateSnapshot) {
	o.mu.Lock()
	defer o.mu.Unlock()

	states := make(map[string]*ProviderState, len(snap.States))
	for id, state := range snap.States {
		states[id] = state.clone()
	}
	o.states = states
}

func clampMultiplier(m float64) float64 {
	if m < multiplierMin {
		return multiplierMin
	}
	if m > multiplierMax {
		return multiplierMax
	}
	return m
}
