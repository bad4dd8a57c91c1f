package config

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合系统运行所需的全部配置项。
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Market      MarketConfig      `mapstructure:"market"`
	OpenAI      OpenAIConfig      `mapstructure:"openai"`
	Ensemble    EnsembleConfig    `mapstructure:"ensemble"`
	Risk        RiskConfig        `mapstructure:"risk"`
	Sizing      SizingConfig      `mapstructure:"sizing"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Backtest    BacktestConfig    `mapstructure:"backtest"`
	WalkForward WalkForwardConfig `mapstructure:"walk_forward"`
	MonteCarlo  MonteCarloConfig  `mapstructure:"monte_carlo"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
	// FreshStart 允许在持久化状态损坏时放弃旧状态重新开始，默认关闭（快速失败）。
	FreshStart bool `mapstructure:"fresh_start"`
}

// MarketConfig 描述行情源连接信息。
type MarketConfig struct {
	Exchange    string   `mapstructure:"exchange"`
	AssetPairs  []string `mapstructure:"asset_pairs"`
	AssetTypes  []string `mapstructure:"asset_types"`
	Timeframe   string   `mapstructure:"timeframe"`
	CandleLimit int      `mapstructure:"candle_limit"`
	APIKey      string   `mapstructure:"api_key"`
	APISecret   string   `mapstructure:"api_secret"`
	UseSandbox  bool     `mapstructure:"use_sandbox"`
}

// OpenAIConfig 描述大模型投票方的调用参数。
type OpenAIConfig struct {
	APIKey  string        `mapstructure:"api_key"`
	BaseURL string        `mapstructure:"base_url"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// EnsembleConfig 控制集成聚合行为。
type EnsembleConfig struct {
	// Strategy 取值 weighted | majority | stacking。
	Strategy string `mapstructure:"strategy"`
	// ProviderPriority 为权重并列时的裁决顺序，靠前者优先。
	ProviderPriority []string `mapstructure:"provider_priority"`
	// FallbackWeights 为学习器不可用时的静态兜底权重。
	FallbackWeights map[string]float64 `mapstructure:"fallback_weights"`
	ProviderTimeout time.Duration      `mapstructure:"provider_timeout"`
	// WeightSeed 供回测注入确定性采样种子，0 表示随机。
	WeightSeed int64 `mapstructure:"weight_seed"`
}

// RiskConfig 管理风控参数。
type RiskConfig struct {
	MaxDrawdown          float64       `mapstructure:"max_drawdown"`
	MaxExposure          float64       `mapstructure:"max_exposure"`
	CorrelationThreshold float64       `mapstructure:"correlation_threshold"`
	VarConfidence        float64       `mapstructure:"var_confidence"`
	VarLimit             float64       `mapstructure:"var_limit"`
	FreshnessThreshold   time.Duration `mapstructure:"freshness_threshold"`
}

// SizingConfig 控制仓位计算。
type SizingConfig struct {
	RiskPct     float64 `mapstructure:"risk_pct"`
	StopLossPct float64 `mapstructure:"stop_loss_pct"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// BacktestConfig 定义回放引擎参数。
type BacktestConfig struct {
	InitialBalance float64 `mapstructure:"initial_balance"`
	Slippage       float64 `mapstructure:"slippage"`
	FeeRate        float64 `mapstructure:"fee_rate"`
}

// WalkForwardConfig 控制滚动训练/测试切分。
type WalkForwardConfig struct {
	TrainRatio float64 `mapstructure:"train_ratio"`
	Windows    int     `mapstructure:"windows"`
	MinWindow  int     `mapstructure:"min_window"`
}

// MonteCarloConfig 控制蒙特卡洛扰动模拟。
type MonteCarloConfig struct {
	NumSimulations int     `mapstructure:"num_simulations"`
	PriceNoiseStd  float64 `mapstructure:"price_noise_std"`
	Seed           int64   `mapstructure:"seed"`
	Parallelism    int     `mapstructure:"parallelism"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// SchedulerConfig 控制主循环节奏。
type SchedulerConfig struct {
	LoopInterval     time.Duration `mapstructure:"loop_interval"`
	DecisionInterval time.Duration `mapstructure:"decision_interval"`
}

var validStrategies = map[string]struct{}{
	"weighted": {},
	"majority": {},
	"stacking": {},
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if c.Market.Exchange == "" {
		err = multierr.Append(err, errors.New("market.exchange 不能为空"))
	}
	if len(c.Market.AssetPairs) == 0 {
		err = multierr.Append(err, errors.New("market.asset_pairs 至少包含一个交易对"))
	}
	if len(c.Market.AssetTypes) != 0 && len(c.Market.AssetTypes) != len(c.Market.AssetPairs) {
		err = multierr.Append(err, errors.New("market.asset_types 数量必须与 asset_pairs 一致"))
	}
	if c.Market.Timeframe == "" {
		err = multierr.Append(err, errors.New("market.timeframe 不能为空"))
	}
	if _, ok := validStrategies[c.Ensemble.Strategy]; !ok {
		err = multierr.Append(err, fmt.Errorf("ensemble.strategy 取值非法: %s", c.Ensemble.Strategy))
	}
	if c.Ensemble.ProviderTimeout <= 0 {
		err = multierr.Append(err, errors.New("ensemble.provider_timeout 必须大于0"))
	}
	for id, w := range c.Ensemble.FallbackWeights {
		if w < 0 {
			err = multierr.Append(err, fmt.Errorf("ensemble.fallback_weights[%s] 不能为负", id))
		}
	}
	if c.Risk.MaxDrawdown <= 0 || c.Risk.MaxDrawdown > 1 {
		err = multierr.Append(err, errors.New("risk.max_drawdown 必须位于(0,1]"))
	}
	if c.Risk.MaxExposure <= 0 || c.Risk.MaxExposure > 1 {
		err = multierr.Append(err, errors.New("risk.max_exposure 必须位于(0,1]"))
	}
	if c.Risk.CorrelationThreshold < 0 || c.Risk.CorrelationThreshold >= 1 {
		err = multierr.Append(err, errors.New("risk.correlation_threshold 必须位于[0,1)"))
	}
	if c.Risk.VarConfidence <= 0.5 || c.Risk.VarConfidence >= 1 {
		err = multierr.Append(err, errors.New("risk.var_confidence 必须位于(0.5,1)"))
	}
	if c.Risk.VarLimit <= 0 || c.Risk.VarLimit > 1 {
		err = multierr.Append(err, errors.New("risk.var_limit 必须位于(0,1]"))
	}
	if c.Risk.FreshnessThreshold <= 0 {
		err = multierr.Append(err, errors.New("risk.freshness_threshold 必须大于0"))
	}
	if c.Sizing.RiskPct <= 0 || c.Sizing.RiskPct > 0.1 {
		err = multierr.Append(err, errors.New("sizing.risk_pct 必须位于(0,0.1]"))
	}
	if c.Sizing.StopLossPct <= 0 || c.Sizing.StopLossPct > 0.5 {
		err = multierr.Append(err, errors.New("sizing.stop_loss_pct 必须位于(0,0.5]"))
	}
	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Backtest.InitialBalance <= 0 {
		err = multierr.Append(err, errors.New("backtest.initial_balance 必须大于0"))
	}
	if c.Backtest.Slippage < 0 || c.Backtest.Slippage > 0.2 {
		err = multierr.Append(err, errors.New("backtest.slippage 应位于[0,0.2]"))
	}
	if c.Backtest.FeeRate < 0 || c.Backtest.FeeRate > 0.05 {
		err = multierr.Append(err, errors.New("backtest.fee_rate 应位于[0,0.05]"))
	}
	if c.WalkForward.TrainRatio <= 0 || c.WalkForward.TrainRatio >= 1 {
		err = multierr.Append(err, errors.New("walk_forward.train_ratio 必须位于(0,1)"))
	}
	if c.WalkForward.Windows <= 0 {
		err = multierr.Append(err, errors.New("walk_forward.windows 必须大于0"))
	}
	if c.WalkForward.MinWindow < 2 {
		err = multierr.Append(err, errors.New("walk_forward.min_window 不能小于2"))
	}
	if c.MonteCarlo.NumSimulations <= 0 {
		err = multierr.Append(err, errors.New("monte_carlo.num_simulations 必须大于0"))
	}
	if c.MonteCarlo.PriceNoiseStd < 0 {
		err = multierr.Append(err, errors.New("monte_carlo.price_noise_std 不能为负"))
	}
	if c.MonteCarlo.Parallelism <= 0 {
		err = multierr.Append(err, errors.New("monte_carlo.parallelism 必须大于0"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}
	if c.Scheduler.LoopInterval <= 0 {
		err = multierr.Append(err, errors.New("scheduler.loop_interval 必须大于0"))
	}
	if c.Scheduler.DecisionInterval < c.Scheduler.LoopInterval {
		err = multierr.Append(err, errors.New("scheduler.decision_interval 不应小于 loop_interval"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}
