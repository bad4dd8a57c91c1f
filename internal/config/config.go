package config

import (
	"errors"
	"fmt"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "ensemble"
)

// Load 读取配置文件并结合环境变量返回 Config。
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.fresh_start", false)

	v.SetDefault("market.exchange", "binanceusdm")
	v.SetDefault("market.asset_pairs", []string{"BTC/USDT:USDT"})
	v.SetDefault("market.timeframe", "1h")
	v.SetDefault("market.candle_limit", 200)
	v.SetDefault("market.use_sandbox", false)

	v.SetDefault("openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("openai.model", "gpt-4.1")
	v.SetDefault("openai.timeout", "15s")

	v.SetDefault("ensemble.strategy", "weighted")
	v.SetDefault("ensemble.provider_timeout", "20s")
	v.SetDefault("ensemble.weight_seed", 0)

	v.SetDefault("risk.max_drawdown", 0.15)
	v.SetDefault("risk.max_exposure", 0.20)
	v.SetDefault("risk.correlation_threshold", 0.60)
	v.SetDefault("risk.var_confidence", 0.95)
	v.SetDefault("risk.var_limit", 0.05)
	v.SetDefault("risk.freshness_threshold", "5m")

	v.SetDefault("sizing.risk_pct", 0.01)
	v.SetDefault("sizing.stop_loss_pct", 0.02)

	v.SetDefault("database.path", "data/ensemble_trader.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("backtest.initial_balance", 10000)
	v.SetDefault("backtest.slippage", 0.0005)
	v.SetDefault("backtest.fee_rate", 0.0004)

	v.SetDefault("walk_forward.train_ratio", 0.7)
	v.SetDefault("walk_forward.windows", 4)
	v.SetDefault("walk_forward.min_window", 20)

	v.SetDefault("monte_carlo.num_simulations", 1000)
	v.SetDefault("monte_carlo.price_noise_std", 0.001)
	v.SetDefault("monte_carlo.seed", 0)
	v.SetDefault("monte_carlo.parallelism", 4)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})

	v.SetDefault("scheduler.loop_interval", "5m")
	v.SetDefault("scheduler.decision_interval", "1h")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
