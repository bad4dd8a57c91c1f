package market

import "context"

// SnapshotProvider 按时间顺序提供市场快照。
type SnapshotProvider interface {
	Next(ctx context.Context) (Snapshot, bool, error)
}

// SliceProvider 以固定序列提供快照，主要用于回测与测试。
type SliceProvider struct {
	snapshots []Snapshot
	index     int
}

func NewSliceProvider(snaps []Snapshot) *SliceProvider {
	return &SliceProvider{snapshots: snaps}
}

func (p *SliceProvider) Next(ctx context.Context) (Snapshot, bool, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, false, err
	}
	if p.index >= len(p.snapshots) {
		return Snapshot{}, false, nil
	}
	snap := p.snapshots[p.index]
	p.index++
	return snap, true, nil
}

// Reset 重置读取游标，便于同一序列多次回放。
func (p *SliceProvider) Reset() {
	p.index = 0
}
