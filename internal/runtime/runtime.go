// Package runtime drives the agents of every room: it spawns and retires
// them, evaluates triggers through the decision engine, turns decisions
// into generated messages and hands accepted prices to the matcher.
package runtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"agentmarket/negotiator/internal/broadcast"
	"agentmarket/negotiator/internal/keys"
	"agentmarket/negotiator/internal/llm"
	"agentmarket/negotiator/internal/market"
	"agentmarket/negotiator/internal/marketstate"
	"agentmarket/negotiator/internal/ratelimit"
	"agentmarket/negotiator/internal/store"
	"agentmarket/negotiator/internal/strategy"
)

const (
	defaultWorkers        = 5
	defaultQueueSize      = 256
	defaultTick           = 30 * time.Second
	defaultGenTimeout     = 10 * time.Second
	defaultRecentMessages = 10
)

// Records is the persistence the runtime reads and writes.
type Records interface {
	EnsureRoom(ctx context.Context, roomID string) (market.Room, error)
	ActiveRooms(ctx context.Context) ([]string, error)
	CountActive(ctx context.Context, roomID string) (buyers, sellers int, err error)
	CreateAsset(ctx context.Context, a market.Asset) (market.Asset, error)
	GetAsset(ctx context.Context, id string) (market.Asset, error)
	CreateAgent(ctx context.Context, a market.Agent) (market.Agent, error)
	GetAgent(ctx context.Context, id string) (market.Agent, error)
	ListTradableAgents(ctx context.Context, roomID string) ([]market.Agent, error)
	UpdatePrice(ctx context.Context, agentID string, price float64) error
	RecordMessage(ctx context.Context, agentID string) error
	DeleteAgent(ctx context.Context, agentID string) (market.Agent, error)
	InsertMessage(ctx context.Context, m market.Message) (market.Message, error)
	RecentMessages(ctx context.Context, roomID string, limit int) ([]market.Message, error)
}

var _ Records = (*store.Store)(nil)

// AcceptHandler is told about every accepting message.
type AcceptHandler interface {
	OnAccept(ctx context.Context, msg market.Message) (*market.Deal, error)
}

// Wallets creates and discards agent keys.
type Wallets interface {
	Ensure(agentID string) (keys.StoredKey, bool, error)
	Remove(agentID string) error
}

type Config struct {
	Workers   int
	QueueSize int
	// Tick is the period of the room sweep.
	Tick           time.Duration
	GenTimeout     time.Duration
	RecentMessages int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.Tick <= 0 {
		c.Tick = defaultTick
	}
	if c.GenTimeout <= 0 {
		c.GenTimeout = defaultGenTimeout
	}
	if c.RecentMessages <= 0 {
		c.RecentMessages = defaultRecentMessages
	}
	return c
}

type Deps struct {
	Records Records
	State   marketstate.Store
	Pub     broadcast.Publisher
	LLM     llm.Client
	Limiter ratelimit.Limiter
	Matcher AcceptHandler
	Wallets Wallets
	Engine  strategy.Engine
	Clock   clockwork.Clock
	Log     *zap.SugaredLogger
}

type Runner struct {
	cfg Config
	Deps
	jobs chan genJob

	mu        sync.Mutex
	lastStats map[string]market.RoomStats
}

func New(cfg Config, deps Deps) *Runner {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Log == nil {
		deps.Log = zap.NewNop().Sugar()
	}
	cfg = cfg.withDefaults()
	return &Runner{
		cfg:       cfg,
		Deps:      deps,
		jobs:      make(chan genJob, cfg.QueueSize),
		lastStats: map[string]market.RoomStats{},
	}
}

// Run consumes generation jobs and sweeps every room each Tick until ctx
// is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.consume(gctx) })
	g.Go(func() error { return r.sweepLoop(gctx) })
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Runner) consume(ctx context.Context) error {
	var workers errgroup.Group
	workers.SetLimit(r.cfg.Workers)
	for {
		select {
		case <-ctx.Done():
			return workers.Wait()
		case job := <-r.jobs:
			workers.Go(func() error {
				r.generate(ctx, job)
				return nil
			})
		}
	}
}

func (r *Runner) sweepLoop(ctx context.Context) error {
	ticker := r.Clock.NewTicker(r.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			if err := r.Sweep(ctx); err != nil {
				r.Log.Warnw("room sweep failed", "error", err)
			}
		}
	}
}

// Sweep re-syncs Market State from the agent records of every active room,
// dropping entries of agents that can no longer trade. It then broadcasts
// the room stats and gives agents a chance to act. Rooms whose floor or
// top bid moved since the previous sweep get a price_change trigger
// instead of a periodic_check.
func (r *Runner) Sweep(ctx context.Context) error {
	rooms, err := r.Records.ActiveRooms(ctx)
	if err != nil {
		return err
	}
	for _, room := range rooms {
		if err := r.sweepRoom(ctx, room); err != nil {
			r.Log.Warnw("room sweep failed", "room", room, "error", err)
		}
	}
	return nil
}

func (r *Runner) sweepRoom(ctx context.Context, roomID string) error {
	agents, err := r.Records.ListTradableAgents(ctx, roomID)
	if err != nil {
		return err
	}
	var asks, bids []marketstate.Entry
	for _, a := range agents {
		e := marketstate.Entry{AgentID: a.ID, Price: a.Mandate.CurrentPrice}
		if marketstate.SideOf(a.Role) == marketstate.Asks {
			asks = append(asks, e)
		} else {
			bids = append(bids, e)
		}
	}
	if err := r.State.BatchUpsert(ctx, roomID, marketstate.Asks, asks); err != nil {
		return err
	}
	if err := r.State.BatchUpsert(ctx, roomID, marketstate.Bids, bids); err != nil {
		return err
	}
	// A deal may have locked some of these agents after the listing.
	if err := r.prune(ctx, roomID); err != nil {
		return err
	}

	stats, err := r.RoomStats(ctx, roomID)
	if err != nil {
		return err
	}
	r.Pub.Publish(roomID, broadcast.RoomStats, stats)

	kind := strategy.TriggerPeriodicCheck
	r.mu.Lock()
	prev, seen := r.lastStats[roomID]
	r.lastStats[roomID] = stats
	r.mu.Unlock()
	if seen && pricesMoved(prev, stats) {
		kind = strategy.TriggerPriceChange
	}
	_, err = r.Trigger(ctx, Trigger{RoomID: roomID, Kind: kind})
	return err
}

// prune removes Market State entries whose agent is no longer tradable.
func (r *Runner) prune(ctx context.Context, roomID string) error {
	agents, err := r.Records.ListTradableAgents(ctx, roomID)
	if err != nil {
		return err
	}
	tradable := make(map[string]bool, len(agents))
	for _, a := range agents {
		tradable[a.ID] = true
	}
	for _, side := range []marketstate.Side{marketstate.Asks, marketstate.Bids} {
		n, err := r.State.Count(ctx, roomID, side)
		if err != nil {
			return err
		}
		entries, err := r.State.TopN(ctx, roomID, side, n)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if tradable[e.AgentID] {
				continue
			}
			if err := r.State.Remove(ctx, roomID, side, e.AgentID); err != nil {
				return err
			}
			r.Log.Debugw("stale market state entry removed", "room", roomID, "side", side, "agent", e.AgentID)
		}
	}
	return nil
}

func pricesMoved(a, b market.RoomStats) bool {
	return !samePrice(a.Floor, b.Floor) || !samePrice(a.TopBid, b.TopBid)
}

func samePrice(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return strategy.Round2(*a) == strategy.Round2(*b)
}

// RoomStats derives the room's floor and top bid from Market State and its
// head counts from the agent records.
func (r *Runner) RoomStats(ctx context.Context, roomID string) (market.RoomStats, error) {
	var stats market.RoomStats
	if ask, ok, err := r.State.Min(ctx, roomID); err != nil {
		return stats, err
	} else if ok {
		p := ask.Price
		stats.Floor = &p
	}
	if bid, ok, err := r.State.Max(ctx, roomID); err != nil {
		return stats, err
	} else if ok {
		p := bid.Price
		stats.TopBid = &p
	}
	buyers, sellers, err := r.Records.CountActive(ctx, roomID)
	if err != nil {
		return stats, err
	}
	stats.ActiveBuyers = buyers
	stats.ActiveSellers = sellers
	return stats, nil
}

func marketContext(stats market.RoomStats) strategy.MarketContext {
	mc := strategy.MarketContext{ActiveBuyers: stats.ActiveBuyers, ActiveSellers: stats.ActiveSellers}
	if stats.Floor != nil {
		mc.Floor, mc.HasFloor = *stats.Floor, true
	}
	if stats.TopBid != nil {
		mc.TopBid, mc.HasTopBid = *stats.TopBid, true
	}
	return mc
}
