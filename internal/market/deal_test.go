package market

import (
	"errors"
	"math"
	"testing"

	errorsmod "cosmossdk.io/errors"
)

func TestDealTransitionsOnlyMoveForward(t *testing.T) {
	cases := []struct {
		from, to DealStatus
		want     bool
	}{
		{DealLocked, DealVerifying, true},
		{DealLocked, DealFailed, true},
		{DealLocked, DealCompleted, false},
		{DealVerifying, DealCompleted, true},
		{DealVerifying, DealFailed, true},
		{DealVerifying, DealLocked, false},
		{DealCompleted, DealFailed, false},
		{DealFailed, DealVerifying, false},
		{DealCompleted, DealVerifying, false},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransition(tc.to); got != tc.want {
			t.Errorf("%s -> %s = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestPredecessors(t *testing.T) {
	got := Predecessors(DealFailed)
	if len(got) != 2 {
		t.Fatalf("expected 2 predecessors of failed, got %v", got)
	}
	if len(Predecessors(DealLocked)) != 0 {
		t.Fatal("locked must not be reachable from any status")
	}
}

func TestAgentValidate(t *testing.T) {
	seller := Agent{Role: RoleSeller, AssetID: "asset-1", Mandate: Mandate{MinPrice: 40, StartingPrice: 60}}
	if err := seller.Validate(); err != nil {
		t.Fatalf("valid seller rejected: %v", err)
	}

	cases := []struct {
		name  string
		agent Agent
	}{
		{"seller without asset", Agent{Role: RoleSeller, Mandate: Mandate{MinPrice: 40, StartingPrice: 60}}},
		{"seller below floor", Agent{Role: RoleSeller, AssetID: "a", Mandate: Mandate{MinPrice: 40, StartingPrice: 30}}},
		{"buyer without max", Agent{Role: RoleBuyer, Mandate: Mandate{StartingPrice: 30}}},
		{"buyer above max", Agent{Role: RoleBuyer, Mandate: Mandate{MaxPrice: 50, StartingPrice: 60}}},
		{"inverted bounds", Agent{Role: RoleBuyer, Mandate: Mandate{MinPrice: 80, MaxPrice: 50, StartingPrice: 60}}},
		{"unknown role", Agent{Role: "broker", Mandate: Mandate{StartingPrice: 1}}},
	}
	for _, tc := range cases {
		err := tc.agent.Validate()
		if !errors.Is(err, ErrInvalidMandate) {
			t.Errorf("%s: expected ErrInvalidMandate, got %v", tc.name, err)
		}
	}
}

func TestMandateCeilingUnset(t *testing.T) {
	m := Mandate{MinPrice: 10}
	if !math.IsInf(m.Ceiling(), 1) {
		t.Fatalf("expected unbounded ceiling, got %v", m.Ceiling())
	}
	if got := m.Clamp(5); got != 10 {
		t.Fatalf("clamp below floor = %v", got)
	}
}

func TestErrorsWrapKeepIdentity(t *testing.T) {
	err := errorsmod.Wrapf(ErrNotFound, "agent %s", "a-1")
	if !errors.Is(err, ErrNotFound) {
		t.Fatal("wrapped error lost identity")
	}
	if errors.Is(err, ErrInvalidState) {
		t.Fatal("wrapped error matched unrelated sentinel")
	}
}

func TestParseStrategy(t *testing.T) {
	if ParseStrategy(" Sniper ") != StrategySniper {
		t.Fatal("expected sniper")
	}
	if ParseStrategy("chaotic") != StrategyUnknown {
		t.Fatal("expected unknown")
	}
}
