// Package market holds the domain records shared by the negotiation,
// matching and verification components.
package market

import (
	"fmt"
	"math"
	"strings"
	"time"

	errorsmod "cosmossdk.io/errors"
)

type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
)

// Opposite returns the counterparty role.
func (r Role) Opposite() Role {
	if r == RoleBuyer {
		return RoleSeller
	}
	return RoleBuyer
}

func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleBuyer:
		return RoleBuyer, nil
	case RoleSeller:
		return RoleSeller, nil
	}
	return "", fmt.Errorf("unknown role: %q", s)
}

// Strategy is the negotiation personality that drives the decision tables.
type Strategy uint8

const (
	StrategyUnknown Strategy = iota
	StrategyCompetitive
	StrategyPatient
	StrategyAggressive
	StrategyConservative
	StrategySniper
)

var strategyNames = map[Strategy]string{
	StrategyUnknown:      "unknown",
	StrategyCompetitive:  "competitive",
	StrategyPatient:      "patient",
	StrategyAggressive:   "aggressive",
	StrategyConservative: "conservative",
	StrategySniper:       "sniper",
}

func (s Strategy) String() string {
	if name, ok := strategyNames[s]; ok {
		return name
	}
	return "unknown"
}

// ParseStrategy maps a strategy tag to its enum. Unrecognised tags map to
// StrategyUnknown, which the decision engine treats as a coin flip.
func ParseStrategy(tag string) Strategy {
	clean := strings.ToLower(strings.TrimSpace(tag))
	for s, name := range strategyNames {
		if name == clean {
			return s
		}
	}
	return StrategyUnknown
}

func (s Strategy) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Strategy) UnmarshalText(b []byte) error {
	*s = ParseStrategy(string(b))
	return nil
}

type AgentStatus string

const (
	AgentActive      AgentStatus = "active"
	AgentNegotiating AgentStatus = "negotiating"
	AgentDealLocked  AgentStatus = "deal_locked"
	AgentCompleted   AgentStatus = "completed"
)

// Tradable reports whether an agent in this status may still be matched,
// priced or deleted.
func (s AgentStatus) Tradable() bool {
	return s == AgentActive || s == AgentNegotiating
}

// Mandate is an agent's price authority. A zero MinPrice on a buyer or a
// zero MaxPrice on a seller means the bound is not set.
type Mandate struct {
	MinPrice      float64 `json:"minPrice"`
	MaxPrice      float64 `json:"maxPrice"`
	StartingPrice float64 `json:"startingPrice"`
	CurrentPrice  float64 `json:"currentPrice"`
}

// Floor is the lowest price the mandate allows.
func (m Mandate) Floor() float64 {
	return m.MinPrice
}

// Ceiling is the highest price the mandate allows, +Inf when unset.
func (m Mandate) Ceiling() float64 {
	if m.MaxPrice <= 0 {
		return math.Inf(1)
	}
	return m.MaxPrice
}

// Clamp bounds price to the mandate.
func (m Mandate) Clamp(price float64) float64 {
	return math.Min(math.Max(price, m.Floor()), m.Ceiling())
}

// Allows reports whether price lies inside the mandate.
func (m Mandate) Allows(price float64) bool {
	return price >= m.Floor() && price <= m.Ceiling()
}

type Agent struct {
	ID           string      `json:"id"`
	RoomID       string      `json:"roomId"`
	Name         string      `json:"name"`
	Role         Role        `json:"role"`
	Strategy     Strategy    `json:"strategy"`
	Style        string      `json:"communicationStyle"`
	Mandate      Mandate     `json:"mandate"`
	Status       AgentStatus `json:"status"`
	MessageCount int         `json:"messageCount"`
	AssetID      string      `json:"assetId,omitempty"`
	OwnerID      string      `json:"ownerId"`
	Address      string      `json:"address"`
	DealID       string      `json:"dealId,omitempty"`
	CreatedAt    time.Time   `json:"createdAt"`
}

// Validate checks the mandate invariants for the agent's role.
func (a Agent) Validate() error {
	m := a.Mandate
	if m.StartingPrice <= 0 {
		return errorsmod.Wrap(ErrInvalidMandate, "starting price must be positive")
	}
	if m.MinPrice < 0 || m.MaxPrice < 0 {
		return errorsmod.Wrap(ErrInvalidMandate, "price bounds must not be negative")
	}
	if m.MaxPrice > 0 && m.MinPrice > m.MaxPrice {
		return errorsmod.Wrapf(ErrInvalidMandate, "min price %.2f exceeds max price %.2f", m.MinPrice, m.MaxPrice)
	}
	switch a.Role {
	case RoleSeller:
		if m.MinPrice <= 0 {
			return errorsmod.Wrap(ErrInvalidMandate, "seller requires a min price")
		}
		if strings.TrimSpace(a.AssetID) == "" {
			return errorsmod.Wrap(ErrInvalidMandate, "seller requires an asset")
		}
	case RoleBuyer:
		if m.MaxPrice <= 0 {
			return errorsmod.Wrap(ErrInvalidMandate, "buyer requires a max price")
		}
	default:
		return errorsmod.Wrapf(ErrInvalidMandate, "unknown role %q", a.Role)
	}
	if !m.Allows(m.StartingPrice) {
		return errorsmod.Wrapf(ErrInvalidMandate, "starting price %.2f outside [%.2f, %.2f]", m.StartingPrice, m.Floor(), m.Ceiling())
	}
	return nil
}

type Room struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// RoomStats is derived on read and never stored.
type RoomStats struct {
	Floor         *float64 `json:"floor"`
	TopBid        *float64 `json:"topBid"`
	ActiveBuyers  int      `json:"activeBuyers"`
	ActiveSellers int      `json:"activeSellers"`
}

type Asset struct {
	ID         string `json:"id"`
	Collection string `json:"collection"`
	TokenID    string `json:"tokenId"`
	Name       string `json:"name,omitempty"`
}

type Intent string

const (
	IntentOffer   Intent = "offer"
	IntentCounter Intent = "counter"
	IntentAccept  Intent = "accept"
	IntentReject  Intent = "reject"
	IntentComment Intent = "comment"
)

type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNegative Sentiment = "negative"
	SentimentNeutral  Sentiment = "neutral"
)

type Message struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"roomId"`
	AgentID   string    `json:"agentId"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Intent    Intent    `json:"intent"`
	Price     *float64  `json:"priceMentioned,omitempty"`
	Sentiment Sentiment `json:"sentiment"`
	CreatedAt time.Time `json:"createdAt"`
}
