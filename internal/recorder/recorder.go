package recorder

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"ensemble-trader/internal/decision"
)

// Recorder 将每次决策与风控裁决持久化到 SQLite，形成可审计的
// 决策流水。仅信号决策的仓位列写 NULL 而非 0。
type Recorder struct {
	db     *sql.DB
	logger *zap.Logger
}

// New 创建记录器并初始化表结构。
func New(db *sql.DB, logger *zap.Logger) (*Recorder, error) {
	if db == nil {
		return nil, fmt.Errorf("recorder: 数据库连接不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Recorder{db: db, logger: logger}
	if err := r.initSchema(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Recorder) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS decisions (
	id TEXT PRIMARY KEY,
	asset_pair TEXT NOT NULL,
	ts TEXT NOT NULL,
	action TEXT NOT NULL,
	confidence REAL NOT NULL,
	position_type TEXT NOT NULL,
	position_size REAL,
	entry_price REAL,
	stop_loss_pct REAL,
	risk_pct REAL,
	aggregation_tier INTEGER NOT NULL,
	votes TEXT NOT NULL,
	signal_only INTEGER NOT NULL,
	regime TEXT NOT NULL,
	risk_allow INTEGER NOT NULL,
	risk_reason TEXT NOT NULL,
	risk_rule TEXT NOT NULL,
	fill_price REAL,
	fill_fees REAL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decisions_asset_ts ON decisions(asset_pair, ts);`
	if _, err := r.db.Exec(stmt); err != nil {
		return fmt.Errorf("recorder: 初始化表结构失败: %w", err)
	}
	return nil
}

// Record 持久化一条决策及其裁决。
func (r *Recorder) Record(ctx context.Context, d decision.Decision, verdict decision.RiskVerdict) error {
	votesJSON, err := json.Marshal(d.Votes)
	if err != nil {
		return fmt.Errorf("recorder: 序列化投票摘要失败: %w", err)
	}

	var fillPrice, fillFees sql.NullFloat64
	if d.Fill != nil && d.Fill.Executed {
		fillPrice = sql.NullFloat64{Float64: d.Fill.FillPrice, Valid: true}
		fillFees = sql.NullFloat64{Float64: d.Fill.Fees, Valid: true}
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO decisions
		 (id, asset_pair, ts, action, confidence, position_type, position_size, entry_price,
		  stop_loss_pct, risk_pct, aggregation_tier, votes, signal_only, regime,
		  risk_allow, risk_reason, risk_rule, fill_price, fill_fees, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.AssetPair, d.Timestamp.UTC().Format(time.RFC3339), string(d.Action), d.Confidence,
		string(d.PositionType), nullable(d.PositionSize), nullable(d.EntryPrice),
		nullable(d.StopLossPct), nullable(d.RiskPct), d.AggregationTier, string(votesJSON),
		boolToInt(d.SignalOnly), string(d.Regime),
		boolToInt(verdict.Allow), verdict.Reason, verdict.TriggeredRule,
		fillPrice, fillFees, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("recorder: 持久化决策失败: %w", err)
	}

	r.logger.Debug("决策已落盘",
		zap.String("decision_id", d.ID),
		zap.String("asset_pair", d.AssetPair),
		zap.Bool("allow", verdict.Allow),
	)
	return nil
}

// CountByAction 按动作统计决策数量，用于监控与测试。
func (r *Recorder) CountByAction(ctx context.Context) (map[decision.Action]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT action, COUNT(*) FROM decisions GROUP BY action`)
	if err != nil {
		return nil, fmt.Errorf("recorder: 统计决策失败: %w", err)
	}
	defer rows.Close()

	counts := make(map[decision.Action]int)
	for rows.Next() {
		var (
			action string
			count  int
		)
		if err := rows.Scan(&action, &count); err != nil {
			return nil, fmt.Errorf("recorder: 解析统计行失败: %w", err)
		}
		counts[decision.Action(action)] = count
	}
	return counts, rows.Err()
}

func nullable(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
