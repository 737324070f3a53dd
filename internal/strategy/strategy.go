// Package strategy is the negotiation decision engine. Every function is a
// pure function of the agent, the room's market context and the trigger;
// randomness is injected through Engine.Rand.
package strategy

import (
	"math"
	"math/rand"

	"github.com/shopspring/decimal"

	"agentmarket/negotiator/internal/market"
)

type TriggerKind string

const (
	TriggerPriceChange   TriggerKind = "price_change"
	TriggerNewMessage    TriggerKind = "new_message"
	TriggerPeriodicCheck TriggerKind = "periodic_check"
	TriggerAgentJoined   TriggerKind = "agent_joined"
)

// MarketContext is the room snapshot an agent decides on.
type MarketContext struct {
	Floor         float64
	HasFloor      bool
	TopBid        float64
	HasTopBid     bool
	ActiveBuyers  int
	ActiveSellers int
}

// Adjustment computes a candidate price; ok=false means no change.
type Adjustment func(a market.Agent, mc MarketContext) (price float64, ok bool)

// Responder decides whether an agent reacts to a trigger. roll is a uniform
// draw in [0,1).
type Responder func(a market.Agent, mc MarketContext, kind TriggerKind, roll float64) bool

// Profile is one strategy's row in the decision table.
type Profile struct {
	Respond Responder
	Seller  Adjustment
	Buyer   Adjustment
	// Weight is the share of the gap to the other party's offer conceded
	// in a counter-offer.
	Weight float64
	// FlatConcession replaces interpolation with a fixed move off target.
	FlatConcession float64
}

func probability(p float64) Responder {
	return func(_ market.Agent, _ MarketContext, _ TriggerKind, roll float64) bool {
		return roll < p
	}
}

func noChange(market.Agent, MarketContext) (float64, bool) { return 0, false }

func orElse(v, fallback float64) float64 {
	if v > 0 {
		return v
	}
	return fallback
}

var profiles = map[market.Strategy]Profile{
	market.StrategyAggressive: {
		Respond: func(market.Agent, MarketContext, TriggerKind, float64) bool { return true },
		Seller: func(a market.Agent, mc MarketContext) (float64, bool) {
			if !mc.HasFloor || mc.Floor >= a.Mandate.CurrentPrice {
				return 0, false
			}
			return math.Max(mc.Floor*0.95, a.Mandate.MinPrice), true
		},
		Buyer: func(a market.Agent, mc MarketContext) (float64, bool) {
			if !mc.HasFloor {
				return 0, false
			}
			return math.Min(mc.Floor, a.Mandate.Ceiling()), true
		},
		Weight: 0.5,
	},
	market.StrategyCompetitive: {
		Respond: func(_ market.Agent, _ MarketContext, kind TriggerKind, roll float64) bool {
			if kind == TriggerPriceChange || kind == TriggerNewMessage {
				return true
			}
			return roll < 0.7
		},
		Seller: func(a market.Agent, mc MarketContext) (float64, bool) {
			if !mc.HasFloor || mc.Floor >= a.Mandate.CurrentPrice {
				return 0, false
			}
			return math.Max(mc.Floor*0.98, a.Mandate.MinPrice), true
		},
		Buyer: func(a market.Agent, mc MarketContext) (float64, bool) {
			if !mc.HasFloor {
				return 0, false
			}
			return math.Min(mc.Floor*0.95, a.Mandate.Ceiling()), true
		},
		Weight: 0.6,
	},
	market.StrategyConservative: {
		Respond: func(_ market.Agent, _ MarketContext, kind TriggerKind, roll float64) bool {
			if kind == TriggerNewMessage {
				return roll < 0.4
			}
			return roll < 0.3
		},
		Seller: func(a market.Agent, _ MarketContext) (float64, bool) {
			return math.Max(a.Mandate.CurrentPrice*0.99, a.Mandate.MinPrice), true
		},
		Buyer: func(a market.Agent, _ MarketContext) (float64, bool) {
			return math.Min(a.Mandate.CurrentPrice*1.01, a.Mandate.Ceiling()), true
		},
		Weight: 0.4,
	},
	market.StrategyPatient: {
		Respond: func(a market.Agent, mc MarketContext, _ TriggerKind, _ float64) bool {
			if a.Role == market.RoleSeller {
				return mc.HasTopBid && mc.TopBid >= 0.9*a.Mandate.MinPrice
			}
			return mc.HasFloor && mc.Floor <= 1.1*a.Mandate.MaxPrice
		},
		Seller: func(a market.Agent, mc MarketContext) (float64, bool) {
			if mc.ActiveBuyers <= 2*mc.ActiveSellers {
				return 0, false
			}
			cur := a.Mandate.CurrentPrice
			return math.Min(cur*1.05, orElse(a.Mandate.MaxPrice, cur*1.2)), true
		},
		Buyer: func(a market.Agent, mc MarketContext) (float64, bool) {
			if float64(mc.ActiveSellers) >= float64(mc.ActiveBuyers)/2 {
				return 0, false
			}
			cur := a.Mandate.CurrentPrice
			return math.Min(cur*1.03, orElse(a.Mandate.MaxPrice, cur*1.2)), true
		},
		Weight: 0.3,
	},
	market.StrategySniper: {
		Respond: func(a market.Agent, mc MarketContext, _ TriggerKind, _ float64) bool {
			if a.Role == market.RoleSeller {
				return mc.HasTopBid && mc.TopBid >= orElse(a.Mandate.MaxPrice, a.Mandate.StartingPrice)
			}
			return mc.HasFloor && mc.Floor <= 0.85*orElse(a.Mandate.MinPrice, a.Mandate.StartingPrice)
		},
		Seller:         noChange,
		Buyer:          noChange,
		FlatConcession: 0.05,
	},
}

var fallback = Profile{
	Respond: probability(0.5),
	Seller:  noChange,
	Buyer:   noChange,
	Weight:  0.5,
}

// Lookup returns the decision table row for s.
func Lookup(s market.Strategy) Profile {
	if p, ok := profiles[s]; ok {
		return p
	}
	return fallback
}

// Engine evaluates the decision table. Rand must return values in [0,1);
// nil uses math/rand.
type Engine struct {
	Rand func() float64
}

func (e Engine) roll() float64 {
	if e.Rand != nil {
		return e.Rand()
	}
	return rand.Float64()
}

// ShouldRespond decides whether the agent acts on this trigger.
func (e Engine) ShouldRespond(a market.Agent, mc MarketContext, kind TriggerKind) bool {
	return Lookup(a.Strategy).Respond(a, mc, kind, e.roll())
}

// CalculatePriceAdjustment returns the agent's next price, clamped to its
// mandate. ok is false when the strategy makes no change.
func CalculatePriceAdjustment(a market.Agent, mc MarketContext) (float64, bool) {
	p := Lookup(a.Strategy)
	adjust := p.Buyer
	if a.Role == market.RoleSeller {
		adjust = p.Seller
	}
	next, ok := adjust(a, mc)
	if !ok || math.IsInf(next, 0) || math.IsNaN(next) {
		return 0, false
	}
	next = a.Mandate.Clamp(Round2(next))
	if next == a.Mandate.CurrentPrice {
		return 0, false
	}
	return next, true
}

// GenerateCounterOffer interpolates from the agent's target toward the
// other party's offer by the strategy weight. Snipers move a flat
// percentage off target instead.
func GenerateCounterOffer(a market.Agent, offer float64) float64 {
	p := Lookup(a.Strategy)
	target := a.Mandate.StartingPrice
	var counter float64
	switch {
	case p.FlatConcession > 0 && a.Role == market.RoleSeller:
		counter = target * (1 - p.FlatConcession)
	case p.FlatConcession > 0:
		counter = target * (1 + p.FlatConcession)
	case a.Role == market.RoleSeller:
		counter = target - (target-offer)*p.Weight
	default:
		counter = target + (offer-target)*p.Weight
	}
	return a.Mandate.Clamp(Round2(counter))
}

// Acceptance is the verdict on an incoming offer.
type Acceptance struct {
	Accept bool
	Reason string
}

// ValidateOfferAcceptance checks an offered price against the agent's
// walk-away bound.
func ValidateOfferAcceptance(a market.Agent, offered float64) Acceptance {
	if a.Role == market.RoleSeller {
		minAcceptable := a.Mandate.MinPrice
		if offered >= minAcceptable {
			return Acceptance{Accept: true, Reason: "offer meets minimum acceptable price"}
		}
		return Acceptance{Reason: "offer of " + format(offered) + " is below minimum acceptable " + format(minAcceptable)}
	}
	maxWilling := a.Mandate.Ceiling()
	if offered <= maxWilling {
		return Acceptance{Accept: true, Reason: "offer is within budget"}
	}
	return Acceptance{Reason: "offer of " + format(offered) + " exceeds maximum willing " + format(maxWilling)}
}

// Round2 rounds half away from zero to two decimal places.
func Round2(v float64) float64 {
	return decimal.NewFromFloat(v).Round(2).InexactFloat64()
}

func format(v float64) string {
	return decimal.NewFromFloat(v).StringFixed(2)
}
