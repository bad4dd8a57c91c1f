package market

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"
)

// LoadCandlesCSV 读取历史K线文件。格式为带表头的六列：
// timestamp,open,high,low,close,volume，时间戳为毫秒或 RFC3339。
func LoadCandlesCSV(path string) ([]Candle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("market: 打开K线文件失败: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = 6

	header := true
	var candles []Candle
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("market: 解析K线文件失败: %w", err)
		}
		if header {
			header = false
			continue
		}

		ts, err := parseTimestamp(record[0])
		if err != nil {
			return nil, err
		}

		values := make([]float64, 5)
		for i, raw := range record[1:] {
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return nil, fmt.Errorf("market: K线数值非法 %q: %w", raw, err)
			}
			values[i] = v
		}

		candles = append(candles, Candle{
			Timestamp: ts,
			Open:      values[0],
			High:      values[1],
			Low:       values[2],
			Close:     values[3],
			Volume:    values[4],
		})
	}

	if len(candles) == 0 {
		return nil, fmt.Errorf("market: K线文件 %q 为空", path)
	}
	return candles, nil
}

// BuildSnapshots 以滑动窗口将K线序列展开为快照序列：第 i 份快照
// 包含截至第 i 根K线的最近 window 根，指标由注入函数计算。
func BuildSnapshots(assetPair, timeframe string, candles []Candle, window int, indicators IndicatorFn) ([]Snapshot, error) {
	if indicators == nil {
		return nil, fmt.Errorf("market: 指标计算函数不能为空")
	}
	if window <= 0 {
		return nil, fmt.Errorf("market: 窗口长度必须大于0")
	}
	if len(candles) < window {
		return nil, fmt.Errorf("market: K线数量不足: %d < %d", len(candles), window)
	}

	snapshots := make([]Snapshot, 0, len(candles)-window+1)
	for i := window - 1; i < len(candles); i++ {
		slice := candles[i-window+1 : i+1]

		computed, err := indicators(slice)
		if err != nil {
			return nil, fmt.Errorf("market: 第 %d 份快照指标计算失败: %w", i, err)
		}

		snapshots = append(snapshots, Snapshot{
			AssetPair:  assetPair,
			Timeframe:  timeframe,
			Timestamp:  candles[i].Timestamp,
			Candles:    append([]Candle(nil), slice...),
			Indicators: computed,
		})
	}
	return snapshots, nil
}

func parseTimestamp(raw string) (time.Time, error) {
	if millis, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(millis).UTC(), nil
	}
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("market: 无法解析时间戳 %q", raw)
}
