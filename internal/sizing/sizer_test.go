package sizing

import (
	"errors"
	"math"
	"testing"

	"ensemble-trader/internal/config"
	"ensemble-trader/internal/decision"
)

func buyDraft(confidence float64) decision.Decision {
	return decision.Decision{
		ID:           "d-1",
		AssetPair:    "BTC/USDT:USDT",
		Action:       decision.ActionBuy,
		Confidence:   confidence,
		PositionType: decision.PositionLong,
	}
}

func TestApply_BaseFormula(t *testing.T) {
	s := NewSizer(config.SizingConfig{RiskPct: 0.01, StopLossPct: 0.02})

	// 10000×0.01/(50000×0.02) = 0.1；信心100 → 系数1。
	d, err := s.Apply(buyDraft(100), Account{Balance: 10000, Equity: 10000}, 50000, 1)
	if err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}
	if d.PositionSize == nil {
		t.Fatal("expected position size to be set")
	}
	if math.Abs(*d.PositionSize-0.1) > 1e-12 {
		t.Errorf("expected size 0.1, got %f", *d.PositionSize)
	}
	if *d.EntryPrice != 50000 || *d.StopLossPct != 0.02 || *d.RiskPct != 0.01 {
		t.Errorf("unexpected sizing fields: entry=%f stop=%f risk=%f",
			*d.EntryPrice, *d.StopLossPct, *d.RiskPct)
	}
	if d.SignalOnly {
		t.Error("expected SignalOnly=false")
	}
}

func TestApply_SizeFactorScalesPosition(t *testing.T) {
	s := NewSizer(config.SizingConfig{RiskPct: 0.01, StopLossPct: 0.02})

	d, err := s.Apply(buyDraft(100), Account{Balance: 10000, Equity: 10000}, 50000, 0.75)
	if err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}
	if math.Abs(*d.PositionSize-0.075) > 1e-12 {
		t.Errorf("expected size 0.075, got %f", *d.PositionSize)
	}
}

func TestApply_ConfidenceScalesAboveFloor(t *testing.T) {
	s := NewSizer(config.SizingConfig{RiskPct: 0.01, StopLossPct: 0.02})

	// 信心75高于托底线，仓位按 conf/100 缩放：0.1×0.75 = 0.075。
	d, err := s.Apply(buyDraft(75), Account{Balance: 10000, Equity: 10000}, 50000, 1)
	if err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}
	if math.Abs(*d.PositionSize-0.075) > 1e-12 {
		t.Errorf("expected size 0.075 at confidence 75, got %f", *d.PositionSize)
	}
}

func TestApply_ConfidenceFloorAtHalf(t *testing.T) {
	s := NewSizer(config.SizingConfig{RiskPct: 0.01, StopLossPct: 0.02})

	// 信心20应被托底到0.5，而不是0.2。
	d, err := s.Apply(buyDraft(20), Account{Balance: 10000, Equity: 10000}, 50000, 1)
	if err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}
	if math.Abs(*d.PositionSize-0.05) > 1e-12 {
		t.Errorf("expected size 0.05 with confidence floor, got %f", *d.PositionSize)
	}
}

func TestApply_MissingBalanceDegradesToSignalOnly(t *testing.T) {
	s := NewSizer(config.SizingConfig{})

	d, err := s.Apply(buyDraft(80), Account{Balance: 0}, 50000, 1)
	if err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}
	if !d.SignalOnly {
		t.Fatal("expected SignalOnly=true")
	}
	// 降级模式下仓位字段必须为 nil 而非 0。
	if d.PositionSize != nil || d.EntryPrice != nil || d.StopLossPct != nil || d.RiskPct != nil {
		t.Error("expected all sizing fields nil in signal-only mode")
	}
}

func TestApply_InvalidEntryPriceRejected(t *testing.T) {
	s := NewSizer(config.SizingConfig{})

	for _, price := range []float64{0, -1, math.NaN(), math.Inf(1)} {
		_, err := s.Apply(buyDraft(80), Account{Balance: 10000}, price, 1)
		if !errors.Is(err, ErrInvalidEntryPrice) {
			t.Errorf("price %f: expected ErrInvalidEntryPrice, got %v", price, err)
		}
	}
}

func TestApply_HoldPassesThroughUntouched(t *testing.T) {
	s := NewSizer(config.SizingConfig{})
	draft := decision.Decision{ID: "d-2", Action: decision.ActionHold}

	d, err := s.Apply(draft, Account{}, 0, 1)
	if err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}
	if d.PositionSize != nil {
		t.Error("HOLD decision should carry no position size")
	}
}
