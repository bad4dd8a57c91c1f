package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"ensemble-trader/internal/decision"
	"ensemble-trader/internal/market"
)

func staticProvider(id string, action decision.Action, confidence float64) Provider {
	return FuncProvider{
		Name: id,
		Fn: func(ctx context.Context, snap market.Snapshot) (Vote, error) {
			return Vote{Action: action, Confidence: confidence}, nil
		},
	}
}

func TestCollect_GathersAllVotes(t *testing.T) {
	pool := NewPool([]Provider{
		staticProvider("alpha", decision.ActionBuy, 80),
		staticProvider("beta", decision.ActionSell, 60),
	}, time.Second, nil)

	votes := pool.Collect(context.Background(), market.Snapshot{AssetPair: "BTC/USDT:USDT"})
	if len(votes) != 2 {
		t.Fatalf("expected 2 votes, got %d", len(votes))
	}
	for _, v := range votes {
		if v.ProviderID == "" {
			t.Error("pool must stamp provider id on votes")
		}
		if v.Latency < 0 {
			t.Error("latency should be recorded")
		}
	}
}

func TestCollect_VotesOrderedByProviderID(t *testing.T) {
	// zulu 最快返回、alpha 最慢，返回顺序仍按ID排序。
	slowAlpha := FuncProvider{
		Name: "alpha",
		Fn: func(ctx context.Context, snap market.Snapshot) (Vote, error) {
			time.Sleep(30 * time.Millisecond)
			return Vote{Action: decision.ActionBuy, Confidence: 70}, nil
		},
	}
	pool := NewPool([]Provider{
		staticProvider("zulu", decision.ActionSell, 60),
		slowAlpha,
		staticProvider("mike", decision.ActionHold, 50),
	}, time.Second, nil)

	votes := pool.Collect(context.Background(), market.Snapshot{})
	if len(votes) != 3 {
		t.Fatalf("expected 3 votes, got %d", len(votes))
	}
	for i, want := range []string{"alpha", "mike", "zulu"} {
		if votes[i].ProviderID != want {
			t.Errorf("position %d: expected %s, got %s", i, want, votes[i].ProviderID)
		}
	}
}

func TestCollect_FailingProviderAbsentNotFatal(t *testing.T) {
	failing := FuncProvider{
		Name: "broken",
		Fn: func(ctx context.Context, snap market.Snapshot) (Vote, error) {
			return Vote{}, errors.New("upstream unavailable")
		},
	}
	pool := NewPool([]Provider{
		staticProvider("alpha", decision.ActionBuy, 80),
		failing,
	}, time.Second, nil)

	votes := pool.Collect(context.Background(), market.Snapshot{})
	if len(votes) != 1 {
		t.Fatalf("expected 1 vote with failing provider absent, got %d", len(votes))
	}
	if votes[0].ProviderID != "alpha" {
		t.Errorf("unexpected surviving vote: %s", votes[0].ProviderID)
	}
}

func TestCollect_SlowProviderTimedOut(t *testing.T) {
	slow := FuncProvider{
		Name: "slow",
		Fn: func(ctx context.Context, snap market.Snapshot) (Vote, error) {
			select {
			case <-ctx.Done():
				return Vote{}, ctx.Err()
			case <-time.After(5 * time.Second):
				return Vote{Action: decision.ActionBuy, Confidence: 99}, nil
			}
		},
	}
	pool := NewPool([]Provider{
		staticProvider("alpha", decision.ActionHold, 50),
		slow,
	}, 50*time.Millisecond, nil)

	start := time.Now()
	votes := pool.Collect(context.Background(), market.Snapshot{})
	elapsed := time.Since(start)

	if len(votes) != 1 {
		t.Fatalf("expected slow provider to be absent, got %d votes", len(votes))
	}
	if elapsed > 2*time.Second {
		t.Errorf("collect should return at deadline, took %s", elapsed)
	}
}

func TestCollect_InvalidVoteDiscarded(t *testing.T) {
	invalid := FuncProvider{
		Name: "invalid",
		Fn: func(ctx context.Context, snap market.Snapshot) (Vote, error) {
			return Vote{Action: decision.ActionBuy, Confidence: 250}, nil
		},
	}
	pool := NewPool([]Provider{invalid}, time.Second, nil)

	votes := pool.Collect(context.Background(), market.Snapshot{})
	if len(votes) != 0 {
		t.Fatalf("expected invalid vote discarded, got %d", len(votes))
	}
}

func TestVoteValidate(t *testing.T) {
	valid := Vote{ProviderID: "alpha", Action: decision.ActionBuy, Confidence: 50}
	if err := valid.Validate(); err != nil {
		t.Errorf("valid vote rejected: %v", err)
	}

	cases := []Vote{
		{ProviderID: "", Action: decision.ActionBuy, Confidence: 50},
		{ProviderID: "a", Action: "LONG", Confidence: 50},
		{ProviderID: "a", Action: decision.ActionBuy, Confidence: -1},
		{ProviderID: "a", Action: decision.ActionBuy, Confidence: 101},
	}
	for i, v := range cases {
		if err := v.Validate(); err == nil {
			t.Errorf("case %d: expected validation error", i)
		}
	}
}
