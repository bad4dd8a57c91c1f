package market

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Regime 表示市场状态标签，用于权重学习与结果归因。
type Regime string

const (
	RegimeTrending Regime = "trending"
	RegimeRanging  Regime = "ranging"
	RegimeVolatile Regime = "volatile"
)

// AssetType 描述资产类别，决定交易时段规则。
type AssetType string

const (
	AssetCrypto AssetType = "crypto"
	AssetForex  AssetType = "forex"
	AssetStock  AssetType = "stock"
)

// Candle 代表单根K线。
type Candle struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Snapshot 为某一资产在某一时刻的完整市场状态，构造后不可修改。
type Snapshot struct {
	AssetPair  string             `json:"asset_pair"`
	Timeframe  string             `json:"timeframe"`
	Timestamp  time.Time          `json:"timestamp"`
	Candles    []Candle           `json:"candles"`
	Indicators map[string]float64 `json:"indicators"`
}

// LatestClose 返回最新收盘价，序列为空时返回0。
func (s Snapshot) LatestClose() float64 {
	if len(s.Candles) == 0 {
		return 0
	}
	return s.Candles[len(s.Candles)-1].Close
}

// Hash 计算覆盖完整市场状态的摘要，用作决策缓存键。
// 序列化采用 encoding/json（map 键有序），保证同一状态得到同一摘要。
func (s Snapshot) Hash() (string, error) {
	payload, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("market: 序列化快照失败: %w", err)
	}

	sum := sha256.Sum256(payload)
	return fmt.Sprintf("%s|%d|%s", s.AssetPair, s.Timestamp.UTC().Unix(), hex.EncodeToString(sum[:])), nil
}
