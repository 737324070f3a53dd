// Package matcher turns an accepted price into a locked deal.
package matcher

import (
	"context"
	"errors"
	"time"

	errorsmod "cosmossdk.io/errors"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"agentmarket/negotiator/internal/broadcast"
	"agentmarket/negotiator/internal/market"
	"agentmarket/negotiator/internal/marketstate"
	"agentmarket/negotiator/internal/metrics"
	"agentmarket/negotiator/internal/store"
)

// DefaultWindow is how far back a counterparty message may be.
const DefaultWindow = 60 * time.Second

// Records is the persistence the matcher needs.
type Records interface {
	GetAgent(ctx context.Context, id string) (market.Agent, error)
	FindCounterpartyMessage(ctx context.Context, q store.CounterpartyQuery) (market.Message, error)
	LockDeal(ctx context.Context, d market.Deal) (market.Deal, error)
}

// Enqueuer schedules verification for a freshly locked deal.
type Enqueuer interface {
	Enqueue(ctx context.Context, dealID string) error
}

type Matcher struct {
	records Records
	state   marketstate.Store
	pub     broadcast.Publisher
	queue   Enqueuer
	clock   clockwork.Clock
	window  time.Duration
	log     *zap.SugaredLogger
}

type Options struct {
	Window time.Duration
	Clock  clockwork.Clock
	Log    *zap.SugaredLogger
}

func New(records Records, state marketstate.Store, pub broadcast.Publisher, queue Enqueuer, opts Options) *Matcher {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop().Sugar()
	}
	return &Matcher{
		records: records,
		state:   state,
		pub:     pub,
		queue:   queue,
		clock:   opts.Clock,
		window:  opts.Window,
		log:     opts.Log,
	}
}

// OnAccept tries to lock a deal for an accepting message. It returns a nil
// deal with a nil error when there is nothing to match, when the price
// falls outside either mandate, or when another attempt won the lock.
func (m *Matcher) OnAccept(ctx context.Context, msg market.Message) (*market.Deal, error) {
	if msg.Intent != market.IntentAccept || msg.Price == nil {
		return nil, nil
	}
	price := *msg.Price

	acceptor, err := m.records.GetAgent(ctx, msg.AgentID)
	if err != nil {
		return nil, err
	}
	if !acceptor.Status.Tradable() {
		return nil, nil
	}

	counter, err := m.records.FindCounterpartyMessage(ctx, store.CounterpartyQuery{
		RoomID:       msg.RoomID,
		Price:        price,
		Role:         acceptor.Role.Opposite(),
		ExcludeAgent: acceptor.ID,
		Since:        m.clock.Now().Add(-m.window),
	})
	if errors.Is(err, market.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	other, err := m.records.GetAgent(ctx, counter.AgentID)
	if err != nil {
		if errors.Is(err, market.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	buyer, seller := acceptor, other
	if acceptor.Role == market.RoleSeller {
		buyer, seller = other, acceptor
	}
	if !buyer.Mandate.Allows(price) || !seller.Mandate.Allows(price) {
		m.log.Debugw("match dropped: price outside mandate", "room", msg.RoomID, "price", price,
			"buyer", buyer.ID, "seller", seller.ID)
		return nil, nil
	}
	if seller.AssetID == "" {
		return nil, errorsmod.Wrapf(market.ErrInvalidState, "seller %s has no asset", seller.ID)
	}

	deal, err := m.records.LockDeal(ctx, market.Deal{
		ID:            uuid.NewString(),
		RoomID:        msg.RoomID,
		BuyerAgentID:  buyer.ID,
		SellerAgentID: seller.ID,
		AssetID:       seller.AssetID,
		Price:         price,
		LockedAt:      m.clock.Now(),
	})
	if errors.Is(err, market.ErrLockContention) {
		metrics.LockContention.Inc()
		m.log.Debugw("match lost lock race", "room", msg.RoomID, "buyer", buyer.ID, "seller", seller.ID)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	metrics.DealsLocked.Inc()

	for _, a := range []market.Agent{buyer, seller} {
		if err := m.state.Remove(ctx, deal.RoomID, marketstate.SideOf(a.Role), a.ID); err != nil {
			m.log.Warnw("market state remove failed", "room", deal.RoomID, "agent", a.ID, "error", err)
		}
	}
	buyer.Status, buyer.DealID = market.AgentDealLocked, deal.ID
	seller.Status, seller.DealID = market.AgentDealLocked, deal.ID

	m.log.Infow("deal locked", "deal", deal.ID, "room", deal.RoomID, "price", deal.Price,
		"buyer", buyer.ID, "seller", seller.ID)
	m.pub.Publish(deal.RoomID, broadcast.DealLocked, broadcast.DealLockedPayload{
		DealID:      deal.ID,
		BuyerAgent:  buyer,
		SellerAgent: seller,
		Price:       deal.Price,
	})
	if err := m.queue.Enqueue(ctx, deal.ID); err != nil {
		return &deal, errorsmod.Wrapf(err, "enqueue verification for deal %s", deal.ID)
	}
	return &deal, nil
}
