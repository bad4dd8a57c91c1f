package backtest

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"ensemble-trader/internal/config"
	"ensemble-trader/internal/market"
)

// OverfitLevel 为训练/测试绩效退化程度的定性标签。
type OverfitLevel string

const (
	OverfitNone   OverfitLevel = "none"
	OverfitLow    OverfitLevel = "low"
	OverfitMedium OverfitLevel = "medium"
	OverfitHigh   OverfitLevel = "high"
)

// Window 为一个滚动窗口的训练/测试切分。
type Window struct {
	Index int
	Train []market.Snapshot
	Test  []market.Snapshot
}

// Splitter 将时间序列切为若干连续窗口，窗口内再按比例分为
// 训练段与测试段。测试段永远位于训练段之后，杜绝前视。
type Splitter struct {
	trainRatio float64
	windows    int
	minWindow  int
}

// NewSplitter 创建切分器。
func NewSplitter(cfg config.WalkForwardConfig) *Splitter {
	return &Splitter{
		trainRatio: cfg.TrainRatio,
		windows:    cfg.Windows,
		minWindow:  cfg.MinWindow,
	}
}

// Split 按配置切分快照序列。数据量不足以让每个窗口同时容纳
// 最小训练段与非空测试段时报错。
func (s *Splitter) Split(snaps []market.Snapshot) ([]Window, error) {
	if s.windows <= 0 {
		return nil, fmt.Errorf("backtest: 窗口数必须大于0")
	}

	perWindow := len(snaps) / s.windows
	if perWindow < s.minWindow {
		return nil, fmt.Errorf("backtest: 数据量不足: %d 份快照无法切出 %d 个至少 %d 份的窗口",
			len(snaps), s.windows, s.minWindow)
	}

	windows := make([]Window, 0, s.windows)
	for i := 0; i < s.windows; i++ {
		start := i * perWindow
		end := start + perWindow
		if i == s.windows-1 {
			end = len(snaps)
		}
		segment := snaps[start:end]

		trainLen := int(float64(len(segment)) * s.trainRatio)
		if trainLen < 1 || trainLen >= len(segment) {
			return nil, fmt.Errorf("backtest: 窗口 %d 切分失败: %d 份快照按 %.2f 比例无法同时容纳训练与测试段",
				i, len(segment), s.trainRatio)
		}

		windows = append(windows, Window{
			Index: i,
			Train: segment[:trainLen],
			Test:  segment[trainLen:],
		})
	}

	return windows, nil
}

// WindowResult 为单个窗口的训练/测试结果。
type WindowResult struct {
	Window  int
	Train   Metrics
	Test    Metrics
	Overfit OverfitLevel
}

// WalkForwardReport 汇总全部窗口。
type WalkForwardReport struct {
	Windows        []WindowResult
	MeanTestSharpe float64
	MeanTestReturn float64
}

// WalkForwardRunner 驱动滚动训练/测试评估。每个窗口从同一基线
// 状态出发：训练段允许学习，测试段冻结记忆与权重；窗口结束后
// 整体回滚，窗口之间互不污染。
type WalkForwardRunner struct {
	engine   *Engine
	splitter *Splitter
	logger   *zap.Logger
}

// NewWalkForwardRunner 创建滚动评估器。
func NewWalkForwardRunner(engine *Engine, splitter *Splitter, logger *zap.Logger) (*WalkForwardRunner, error) {
	if engine == nil {
		return nil, fmt.Errorf("backtest: 引擎不能为空")
	}
	if splitter == nil {
		return nil, fmt.Errorf("backtest: 切分器不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WalkForwardRunner{engine: engine, splitter: splitter, logger: logger}, nil
}

// Run 对快照序列执行滚动评估。
func (r *WalkForwardRunner) Run(ctx context.Context, snaps []market.Snapshot) (WalkForwardReport, error) {
	windows, err := r.splitter.Split(snaps)
	if err != nil {
		return WalkForwardReport{}, err
	}

	report := WalkForwardReport{Windows: make([]WindowResult, 0, len(windows))}

	for _, w := range windows {
		memSnap := r.engine.memory.Snapshot()
		optSnap := r.engine.optimizer.Snapshot()

		r.engine.cache.Reset()
		trainReport, err := r.engine.Run(ctx, market.NewSliceProvider(w.Train))
		if err != nil {
			return report, fmt.Errorf("backtest: 窗口 %d 训练段回放失败: %w", w.Index, err)
		}

		// 测试段冻结学习：只读记忆同时阻断结果写入与权重更新。
		r.engine.memory.SetReadonly(true)
		r.engine.cache.Reset()
		testReport, err := r.engine.Run(ctx, market.NewSliceProvider(w.Test))
		r.engine.memory.SetReadonly(false)
		if err != nil {
			return report, fmt.Errorf("backtest: 窗口 %d 测试段回放失败: %w", w.Index, err)
		}

		r.engine.memory.Restore(memSnap)
		r.engine.optimizer.Restore(optSnap)

		result := WindowResult{
			Window:  w.Index,
			Train:   trainReport.Metrics,
			Test:    testReport.Metrics,
			Overfit: classifyOverfit(trainReport.Metrics.Sharpe, testReport.Metrics.Sharpe),
		}
		report.Windows = append(report.Windows, result)

		r.logger.Info("滚动窗口完成",
			zap.Int("window", w.Index),
			zap.Float64("train_sharpe", result.Train.Sharpe),
			zap.Float64("test_sharpe", result.Test.Sharpe),
			zap.String("overfit", string(result.Overfit)),
		)
	}

	for _, w := range report.Windows {
		report.MeanTestSharpe += w.Test.Sharpe
		report.MeanTestReturn += w.Test.TotalReturn
	}
	if len(report.Windows) > 0 {
		report.MeanTestSharpe /= float64(len(report.Windows))
		report.MeanTestReturn /= float64(len(report.Windows))
	}

	return report, nil
}

// classifyOverfit 以测试/训练夏普比率分级。训练段本身不盈利时
// 谈不上过拟合：测试不差于训练记 none，否则记 high。
func classifyOverfit(trainSharpe, testSharpe float64) OverfitLevel {
	if trainSharpe <= 0 {
		if testSharpe >= trainSharpe {
			return OverfitNone
		}
		return OverfitHigh
	}

	ratio := testSharpe / trainSharpe
	switch {
	case ratio >= 0.75:
		return OverfitNone
	case ratio >= 0.5:
		return OverfitLow
	case ratio >= 0.25:
		return OverfitMedium
	default:
		return OverfitHigh
	}
}
