package portfolio

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"ensemble-trader/internal/decision"
	"ensemble-trader/internal/market"
)

// Ledger 将组合记忆持久化到 SQLite，一行对应一笔已实现交易。
type Ledger struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewLedger 创建账本并初始化表结构。
func NewLedger(db *sql.DB, logger *zap.Logger) (*Ledger, error) {
	if db == nil {
		return nil, fmt.Errorf("portfolio: 数据库连接不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	l := &Ledger{db: db, logger: logger}
	if err := l.initSchema(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Ledger) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS trade_outcomes (
	trade_id TEXT PRIMARY KEY,
	decision_id TEXT NOT NULL,
	asset_pair TEXT NOT NULL,
	position_type TEXT NOT NULL,
	entry_price REAL NOT NULL,
	exit_price REAL NOT NULL,
	size REAL NOT NULL,
	realized_pnl TEXT NOT NULL,
	regime TEXT NOT NULL,
	providers TEXT NOT NULL,
	opened_at TEXT NOT NULL,
	closed_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trade_outcomes_closed_at ON trade_outcomes(closed_at);`
	if _, err := l.db.Exec(stmt); err != nil {
		return fmt.Errorf("portfolio: 初始化表结构失败: %w", err)
	}
	return nil
}

// Append 持久化一笔交易结果。主键冲突说明重复写入，直接报错。
func (l *Ledger) Append(ctx context.Context, o decision.TradeOutcome) error {
	providersJSON, err := json.Marshal(o.Providers)
	if err != nil {
		return fmt.Errorf("portfolio: 序列化投票方列表失败: %w", err)
	}

	_, err = l.db.ExecContext(ctx,
		`INSERT INTO trade_outcomes
		 (trade_id, decision_id, asset_pair, position_type, entry_price, exit_price,
		  size, realized_pnl, regime, providers, opened_at, closed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.TradeID, o.DecisionID, o.AssetPair, string(o.Position), o.EntryPrice, o.ExitPrice,
		o.Size, o.RealizedPnL.String(), string(o.Regime), string(providersJSON),
		o.OpenedAt.UTC().Format(time.RFC3339), o.ClosedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("portfolio: 持久化交易结果失败: %w", err)
	}
	return nil
}

// Load 从数据库重建全部交易结果，按关闭时间升序。
// 任何一行损坏即整体失败；freshStart 为 true 时清空重来。
func (l *Ledger) Load(ctx context.Context, freshStart bool) ([]decision.TradeOutcome, error) {
	outcomes, err := l.loadAll(ctx)
	if err != nil {
		if !freshStart {
			return nil, err
		}
		l.logger.Warn("组合账本损坏，按运维指令放弃旧状态", zap.Error(err))
		if _, resetErr := l.db.ExecContext(ctx, `DELETE FROM trade_outcomes`); resetErr != nil {
			return nil, fmt.Errorf("portfolio: 清空损坏账本失败: %w", resetErr)
		}
		return nil, nil
	}
	return outcomes, nil
}

func (l *Ledger) loadAll(ctx context.Context) ([]decision.TradeOutcome, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT trade_id, decision_id, asset_pair, position_type, entry_price, exit_price,
		        size, realized_pnl, regime, providers, opened_at, closed_at
		 FROM trade_outcomes ORDER BY closed_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("portfolio: 读取交易账本失败: %w", err)
	}
	defer rows.Close()

	var outcomes []decision.TradeOutcome
	for rows.Next() {
		var (
			o             decision.TradeOutcome
			position      string
			pnlText       string
			regime        string
			providersJSON string
			openedAt      string
			closedAt      string
		)
		if err := rows.Scan(&o.TradeID, &o.DecisionID, &o.AssetPair, &position, &o.EntryPrice,
			&o.ExitPrice, &o.Size, &pnlText, &regime, &providersJSON, &openedAt, &closedAt); err != nil {
			return nil, fmt.Errorf("portfolio: 解析账本行失败: %w", err)
		}

		pnl, err := decimal.NewFromString(pnlText)
		if err != nil {
			return nil, fmt.Errorf("portfolio: 账本损坏，%s 的盈亏无法解析: %w", o.TradeID, err)
		}
		o.RealizedPnL = pnl
		o.Position = decision.PositionType(position)
		o.Regime = market.Regime(regime)

		if err := json.Unmarshal([]byte(providersJSON), &o.Providers); err != nil {
			return nil, fmt.Errorf("portfolio: 账本损坏，%s 的投票方列表无法解析: %w", o.TradeID, err)
		}
		if o.OpenedAt, err = time.Parse(time.RFC3339, openedAt); err != nil {
			return nil, fmt.Errorf("portfolio: 账本损坏，%s 的开仓时间无法解析: %w", o.TradeID, err)
		}
		if o.ClosedAt, err = time.Parse(time.RFC3339, closedAt); err != nil {
			return nil, fmt.Errorf("portfolio: 账本损坏，%s 的平仓时间无法解析: %w", o.TradeID, err)
		}

		outcomes = append(outcomes, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("portfolio: 遍历交易账本失败: %w", err)
	}
	return outcomes, nil
}
