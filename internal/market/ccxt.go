package market

import (
	"context"
	"errors"
	"fmt"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"

	"ensemble-trader/internal/config"
)

// IndicatorFn 将K线序列转换为指标集合，由上层注入以避免包间环依赖。
type IndicatorFn func(candles []Candle) (map[string]float64, error)

// LiveSource 基于 ccxt 拉取实时K线并组装市场快照。
type LiveSource struct {
	cfg        config.MarketConfig
	exchange   *ccxt.Binanceusdm
	indicators IndicatorFn
	logger     *zap.Logger
}

// NewLiveSource 构造实时行情源。
func NewLiveSource(cfg config.MarketConfig, indicators IndicatorFn, logger *zap.Logger) (*LiveSource, error) {
	if indicators == nil {
		return nil, errors.New("market: 指标计算函数不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	userConfig := map[string]interface{}{
		"enableRateLimit": true,
		"options": map[string]interface{}{
			"adjustForTimeDifference": true,
		},
	}
	if cfg.APIKey != "" {
		userConfig["apiKey"] = cfg.APIKey
	}
	if cfg.APISecret != "" {
		userConfig["secret"] = cfg.APISecret
	}

	ex := ccxt.NewBinanceusdm(userConfig)
	if cfg.UseSandbox {
		ex.SetSandboxMode(true)
	}

	return &LiveSource{
		cfg:        cfg,
		exchange:   ex,
		indicators: indicators,
		logger:     logger,
	}, nil
}

// Fetch 拉取指定交易对的最新快照。
func (s *LiveSource) Fetch(ctx context.Context, assetPair string) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}

	limit := s.cfg.CandleLimit
	if limit <= 0 {
		limit = 200
	}

	raw, err := s.exchange.FetchOHLCV(
		assetPair,
		ccxt.WithFetchOHLCVTimeframe(s.cfg.Timeframe),
		ccxt.WithFetchOHLCVLimit(int64(limit)),
	)
	if err != nil {
		return Snapshot{}, fmt.Errorf("market: 拉取K线失败 (%s): %w", assetPair, err)
	}
	if len(raw) == 0 {
		return Snapshot{}, fmt.Errorf("market: 交易所返回空K线 (%s)", assetPair)
	}

	candles := make([]Candle, 0, len(raw))
	for _, item := range raw {
		candles = append(candles, Candle{
			Timestamp: time.UnixMilli(item.Timestamp).UTC(),
			Open:      item.Open,
			High:      item.High,
			Low:       item.Low,
			Close:     item.Close,
			Volume:    item.Volume,
		})
	}

	indicators, err := s.indicators(candles)
	if err != nil {
		return Snapshot{}, fmt.Errorf("market: 计算指标失败 (%s): %w", assetPair, err)
	}

	snapshot := Snapshot{
		AssetPair:  assetPair,
		Timeframe:  s.cfg.Timeframe,
		Timestamp:  candles[len(candles)-1].Timestamp,
		Candles:    candles,
		Indicators: indicators,
	}

	s.logger.Debug("市场快照获取完成",
		zap.String("asset_pair", assetPair),
		zap.Time("timestamp", snapshot.Timestamp),
		zap.Int("candle_count", len(candles)),
	)

	return snapshot, nil
}
