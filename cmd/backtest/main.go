package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"ensemble-trader/internal/backtest"
	"ensemble-trader/internal/cache"
	"ensemble-trader/internal/config"
	"ensemble-trader/internal/ensemble"
	"ensemble-trader/internal/execution"
	"ensemble-trader/internal/indicator"
	"ensemble-trader/internal/log"
	"ensemble-trader/internal/market"
	"ensemble-trader/internal/portfolio"
	"ensemble-trader/internal/provider"
	"ensemble-trader/internal/risk"
	"ensemble-trader/internal/sizing"
	"ensemble-trader/internal/weights"
)

func main() {
	var (
		configPath string
		dataPath   string
		assetPair  string
		mode       string
	)
	flag.StringVar(&configPath, "config", "", "配置文件路径，默认使用 configs/config.yaml")
	flag.StringVar(&dataPath, "data", "", "历史K线CSV文件路径")
	flag.StringVar(&assetPair, "pair", "BTC/USDT:USDT", "交易对名称")
	flag.StringVar(&mode, "mode", "replay", "回测模式: replay | walkforward | montecarlo")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	logger, err := log.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	if dataPath == "" {
		logger.Error("必须通过 -data 指定历史K线文件")
		os.Exit(1)
	}

	candles, err := market.LoadCandlesCSV(dataPath)
	if err != nil {
		logger.Error("加载历史K线失败", zap.Error(err))
		os.Exit(1)
	}

	window := cfg.Market.CandleLimit
	if window <= 0 {
		window = 200
	}
	snapshots, err := market.BuildSnapshots(assetPair, cfg.Market.Timeframe, candles, window, indicator.Compute)
	if err != nil {
		logger.Error("构建快照序列失败", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("历史数据加载完成",
		zap.Int("candles", len(candles)),
		zap.Int("snapshots", len(snapshots)),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch mode {
	case "replay":
		err = runReplay(ctx, cfg, snapshots, logger)
	case "walkforward":
		err = runWalkForward(ctx, cfg, snapshots, logger)
	case "montecarlo":
		err = runMonteCarlo(ctx, cfg, snapshots, logger)
	default:
		logger.Error("未知回测模式", zap.String("mode", mode))
		os.Exit(1)
	}
	if err != nil {
		logger.Error("回测失败", zap.Error(err))
		os.Exit(1)
	}
}

// newReplayEngine 围绕给定的优化器与组合记忆装配回放引擎，
// 其余组件均为独立新实例。
func newReplayEngine(cfg *config.Config, optimizer *weights.Optimizer, memory *portfolio.Memory, logger *zap.Logger) (*backtest.Engine, error) {
	gatekeeper, err := risk.NewGatekeeper(cfg.Risk, sizing.NewSizer(cfg.Sizing), logger)
	if err != nil {
		return nil, err
	}

	return backtest.NewEngine(backtest.EngineParams{
		Pool:       provider.NewPool(provider.TechnicalProviders(), cfg.Ensemble.ProviderTimeout, logger),
		Aggregator: ensemble.NewAggregator(cfg.Ensemble, logger),
		Optimizer:  optimizer,
		Gatekeeper: gatekeeper,
		Trader:     execution.NewSimulator(cfg.Backtest, logger),
		Memory:     memory,
		Cache:      cache.New(logger),
		AssetType:  market.AssetCrypto,
		Logger:     logger,
	})
}

// freshEngine 装配一套状态完全独立的回放引擎。
func freshEngine(cfg *config.Config, seed int64, logger *zap.Logger) (*backtest.Engine, error) {
	optimizer, err := weights.NewOptimizer(nil, seed, false, logger)
	if err != nil {
		return nil, err
	}
	return newReplayEngine(cfg, optimizer, portfolio.NewMemory(cfg.Backtest.InitialBalance, logger), logger)
}

func runReplay(ctx context.Context, cfg *config.Config, snaps []market.Snapshot, logger *zap.Logger) error {
	engine, err := freshEngine(cfg, cfg.Ensemble.WeightSeed, logger)
	if err != nil {
		return err
	}

	report, err := engine.Run(ctx, market.NewSliceProvider(snaps))
	if err != nil {
		return err
	}

	logger.Info("回放结果",
		zap.Int("decisions", report.Decisions),
		zap.Int("approved", report.Approved),
		zap.Int("rejected", report.Rejected),
		zap.Int("trades", report.Metrics.Trades),
		zap.Float64("win_rate", report.Metrics.WinRate),
		zap.Float64("total_return", report.Metrics.TotalReturn),
		zap.Float64("sharpe", report.Metrics.Sharpe),
		zap.Float64("max_drawdown", report.Metrics.MaxDrawdown),
	)
	return nil
}

func runWalkForward(ctx context.Context, cfg *config.Config, snaps []market.Snapshot, logger *zap.Logger) error {
	engine, err := freshEngine(cfg, cfg.Ensemble.WeightSeed, logger)
	if err != nil {
		return err
	}

	runner, err := backtest.NewWalkForwardRunner(engine, backtest.NewSplitter(cfg.WalkForward), logger)
	if err != nil {
		return err
	}

	report, err := runner.Run(ctx, snaps)
	if err != nil {
		return err
	}

	for _, w := range report.Windows {
		logger.Info("窗口结果",
			zap.Int("window", w.Window),
			zap.Float64("train_sharpe", w.Train.Sharpe),
			zap.Float64("test_sharpe", w.Test.Sharpe),
			zap.Float64("test_return", w.Test.TotalReturn),
			zap.String("overfit", string(w.Overfit)),
		)
	}
	logger.Info("滚动评估汇总",
		zap.Float64("mean_test_sharpe", report.MeanTestSharpe),
		zap.Float64("mean_test_return", report.MeanTestReturn),
	)
	return nil
}

func runMonteCarlo(ctx context.Context, cfg *config.Config, snaps []market.Snapshot, logger *zap.Logger) error {
	// 所有路径从同一基线状态的快照出发，各自持有私有副本。
	baseOptimizer, err := weights.NewOptimizer(nil, cfg.Ensemble.WeightSeed, false, logger)
	if err != nil {
		return err
	}
	optSnap := baseOptimizer.Snapshot()
	memSnap := portfolio.NewMemory(cfg.Backtest.InitialBalance, logger).Snapshot()

	factory := func(seed int64) (*backtest.Engine, error) {
		// 路径内部日志过于嘈杂，只保留聚合日志。
		return newReplayEngine(cfg,
			weights.NewFromSnapshot(optSnap, seed, zap.NewNop()),
			portfolio.FromSnapshot(memSnap, zap.NewNop()),
			zap.NewNop())
	}

	simulator, err := backtest.NewMonteCarloSimulator(cfg.MonteCarlo, factory, logger)
	if err != nil {
		return err
	}

	report, err := simulator.Run(ctx, snaps)
	if err != nil {
		return err
	}

	logger.Info("蒙特卡洛结果",
		zap.Int("paths", report.Paths),
		zap.Float64("return_p5", report.ReturnP5),
		zap.Float64("return_p50", report.ReturnP50),
		zap.Float64("return_p95", report.ReturnP95),
		zap.Float64("drawdown_p95", report.DrawdownP95),
		zap.Float64("var_95", report.VaR95),
		zap.Float64("prob_loss", report.ProbLoss),
	)
	return nil
}
