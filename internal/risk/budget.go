package risk

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// budgetLedger 以十进制精度维护风险名义金额的预留台账，
// 保证并发决策不会重复占用同一份预算。
type budgetLedger struct {
	mu           sync.Mutex
	reservations map[string]decimal.Decimal
}

func newBudgetLedger() *budgetLedger {
	return &budgetLedger{
		reservations: make(map[string]decimal.Decimal),
	}
}

// Reserve 原子地检查并预留名义金额。held 为已持仓占用，
// capacity 为当前总预算上限。超限返回错误且不产生任何占用。
func (l *budgetLedger) Reserve(id string, notional, held, capacity decimal.Decimal) error {
	if notional.IsNegative() {
		return fmt.Errorf("risk: 预留金额不能为负: %s", notional)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.reservations[id]; exists {
		return fmt.Errorf("risk: 决策 %s 已持有预留", id)
	}

	reserved := decimal.Zero
	for _, amount := range l.reservations {
		reserved = reserved.Add(amount)
	}

	if reserved.Add(held).Add(notional).GreaterThan(capacity) {
		return fmt.Errorf("risk: 风险预算不足: 已用 %s + 申请 %s > 上限 %s",
			reserved.Add(held), notional, capacity)
	}

	l.reservations[id] = notional
	return nil
}

// Release 释放指定决策的预留，重复释放为无害空操作。
func (l *budgetLedger) Release(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.reservations, id)
}

// Reserved 返回当前预留总额，用于监控与测试。
func (l *budgetLedger) Reserved() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()

	total := decimal.Zero
	for _, amount := range l.reservations {
		total = total.Add(amount)
	}
	return total
}
