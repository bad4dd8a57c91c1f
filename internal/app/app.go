package app

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"ensemble-trader/internal/cache"
	"ensemble-trader/internal/config"
	"ensemble-trader/internal/ensemble"
	"ensemble-trader/internal/execution"
	"ensemble-trader/internal/indicator"
	"ensemble-trader/internal/market"
	"ensemble-trader/internal/portfolio"
	"ensemble-trader/internal/provider"
	"ensemble-trader/internal/recorder"
	"ensemble-trader/internal/risk"
	"ensemble-trader/internal/sizing"
	"ensemble-trader/internal/store"
	"ensemble-trader/internal/weights"
)

// App 装配并持有实盘运行所需的全部组件。
type App struct {
	cfg          *config.Config
	logger       *zap.Logger
	store        *store.Store
	orchestrator *Orchestrator
}

// New 依据配置完成全量装配。组合记忆从持久化账本重建，
// 权重状态从数据库恢复；任一状态损坏按 fresh_start 指令处理。
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	st, err := store.NewSQLite(cfg.Database)
	if err != nil {
		return nil, err
	}

	optimizer, err := weights.NewOptimizer(st.DB(), cfg.Ensemble.WeightSeed, cfg.App.FreshStart, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	ledger, err := portfolio.NewLedger(st.DB(), logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	memory := portfolio.NewMemory(cfg.Backtest.InitialBalance, logger)
	outcomes, err := ledger.Load(ctx, cfg.App.FreshStart)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	for _, outcome := range outcomes {
		if err := memory.RecordTradeOutcome(outcome); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("重建组合记忆失败: %w", err)
		}
	}

	rec, err := recorder.New(st.DB(), logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	providers, err := buildProviders(cfg, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	pool := provider.NewPool(providers, cfg.Ensemble.ProviderTimeout, logger)

	gatekeeper, err := risk.NewGatekeeper(cfg.Risk, sizing.NewSizer(cfg.Sizing), logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	source, err := market.NewLiveSource(cfg.Market, indicator.Compute, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	orchestrator := &Orchestrator{
		cfg:        cfg,
		source:     source,
		pool:       pool,
		aggregator: ensemble.NewAggregator(cfg.Ensemble, logger),
		optimizer:  optimizer,
		gatekeeper: gatekeeper,
		trader:     execution.NewSimulator(cfg.Backtest, logger),
		memory:     memory,
		ledger:     ledger,
		cache:      cache.New(logger),
		rec:        rec,
		logger:     logger,
		pairs:      buildPairRuntimes(cfg.Market),
		open:       make(map[string]*livePosition),
	}

	logger.Info("应用装配完成",
		zap.Int("providers", pool.Size()),
		zap.Int("pairs", len(orchestrator.pairs)),
		zap.Int("restored_trades", len(outcomes)),
	)

	return &App{
		cfg:          cfg,
		logger:       logger,
		store:        st,
		orchestrator: orchestrator,
	}, nil
}

// Run 启动主循环，阻塞直到 ctx 取消。
func (a *App) Run(ctx context.Context) error {
	return a.orchestrator.Run(ctx)
}

// Close 释放底层资源。
func (a *App) Close() error {
	var err error
	if a.store != nil {
		err = multierr.Append(err, a.store.Close())
	}
	if a.logger != nil {
		// stdout/stderr 上 Sync 可能返回无害错误，忽略。
		_ = a.logger.Sync()
	}
	return err
}

// buildProviders 按配置的优先序为每个投票方名称创建一个模型
// 投票方。未配置优先序时创建单一默认投票方。
func buildProviders(cfg *config.Config, logger *zap.Logger) ([]provider.Provider, error) {
	names := cfg.Ensemble.ProviderPriority
	if len(names) == 0 {
		names = []string{"openai-default"}
	}

	providers := make([]provider.Provider, 0, len(names))
	for _, name := range names {
		p, err := provider.NewOpenAIProvider(name, cfg.OpenAI, logger)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	return providers, nil
}

func buildPairRuntimes(cfg config.MarketConfig) []*pairRuntime {
	pairs := make([]*pairRuntime, 0, len(cfg.AssetPairs))
	for i, pair := range cfg.AssetPairs {
		assetType := market.AssetCrypto
		if i < len(cfg.AssetTypes) {
			assetType = market.AssetType(cfg.AssetTypes[i])
		}
		pairs = append(pairs, &pairRuntime{pair: pair, assetType: assetType})
	}
	return pairs
}
