package risk

import (
	"fmt"
	"time"

	"ensemble-trader/internal/market"
)

// tradingCenter 描述一个主要交易时区的UTC活跃窗口。
type tradingCenter struct {
	name      string
	openHour  int
	closeHour int // 跨零点窗口 closeHour < openHour
}

var forexCenters = []tradingCenter{
	{name: "Sydney", openHour: 21, closeHour: 6},
	{name: "Tokyo", openHour: 0, closeHour: 9},
	{name: "London", openHour: 7, closeHour: 16},
	{name: "NewYork", openHour: 12, closeHour: 21},
}

// Session 为某一时刻的交易时段判定结果。
type Session struct {
	Open          bool
	ActiveCenters []string
	Warning       string
	Reason        string
}

// EvaluateSession 判定给定资产在给定UTC时刻的开闭市状态。
// 回测与实盘走同一套规则：时段检查永远生效。
func EvaluateSession(asset market.AssetType, ts time.Time) Session {
	ts = ts.UTC()

	switch asset {
	case market.AssetCrypto:
		session := Session{Open: true}
		if isWeekend(ts) {
			// 周末加密市场照常交易，但流动性偏低，只警告不拦截。
			session.Warning = "周末加密市场流动性偏低"
		}
		return session

	case market.AssetForex:
		if inForexWeeklyClose(ts) {
			return Session{Open: false, Reason: "外汇市场周末休市"}
		}
		session := Session{Open: true, ActiveCenters: activeCenters(ts)}
		if len(session.ActiveCenters) == 0 {
			session.Warning = "当前无主要交易时区活跃，流动性偏低"
		}
		return session

	case market.AssetStock:
		if isWeekend(ts) {
			return Session{Open: false, Reason: "股票市场周末休市"}
		}
		// NYSE 常规时段 14:30–21:00 UTC（不含节假日表）。
		minutes := ts.Hour()*60 + ts.Minute()
		if minutes < 14*60+30 || minutes >= 21*60 {
			return Session{Open: false, Reason: "股票市场盘外时段"}
		}
		return Session{Open: true, ActiveCenters: []string{"NewYork"}}

	default:
		return Session{Open: false, Reason: fmt.Sprintf("未知资产类别: %s", asset)}
	}
}

// inForexWeeklyClose 判定是否处于外汇每周休市窗口
// （周五 22:00 UTC 至 周日 22:00 UTC）。
func inForexWeeklyClose(ts time.Time) bool {
	switch ts.Weekday() {
	case time.Friday:
		return ts.Hour() >= 22
	case time.Saturday:
		return true
	case time.Sunday:
		return ts.Hour() < 22
	default:
		return false
	}
}

func isWeekend(ts time.Time) bool {
	wd := ts.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

func activeCenters(ts time.Time) []string {
	hour := ts.Hour()
	active := make([]string, 0, len(forexCenters))
	for _, center := range forexCenters {
		if hourInWindow(hour, center.openHour, center.closeHour) {
			active = append(active, center.name)
		}
	}
	return active
}

func hourInWindow(hour, open, close int) bool {
	if open <= close {
		return hour >= open && hour < close
	}
	return hour >= open || hour < close
}
