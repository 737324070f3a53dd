package matcher

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"agentmarket/negotiator/internal/broadcast"
	"agentmarket/negotiator/internal/market"
	"agentmarket/negotiator/internal/marketstate"
	"agentmarket/negotiator/internal/store"
)

type published struct {
	room string
	typ  broadcast.EventType
	data any
}

type recorder struct {
	mu     sync.Mutex
	events []published
	queued []string
}

func (r *recorder) Publish(roomID string, typ broadcast.EventType, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, published{roomID, typ, data})
}

func (r *recorder) Enqueue(_ context.Context, dealID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queued = append(r.queued, dealID)
	return nil
}

type fixture struct {
	store *store.Store
	state *marketstate.Memory
	rec   *recorder
	clock clockwork.FakeClock
	m     *Matcher
	n     int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "m.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))
	s.SetNow(clock.Now)
	f := &fixture{store: s, state: marketstate.NewMemory(), rec: &recorder{}, clock: clock}
	f.m = New(s, f.state, f.rec, f.rec, Options{Clock: clock})
	if _, err := s.EnsureRoom(context.Background(), "room"); err != nil {
		t.Fatalf("ensure room: %v", err)
	}
	return f
}

func (f *fixture) agent(t *testing.T, id string, role market.Role, lo, hi, price float64) market.Agent {
	t.Helper()
	ctx := context.Background()
	a := market.Agent{ID: id, RoomID: "room", Name: id, Role: role, Strategy: market.StrategyCompetitive,
		Mandate: market.Mandate{MinPrice: lo, MaxPrice: hi, StartingPrice: price, CurrentPrice: price}, Address: "addr-" + id}
	if role == market.RoleSeller {
		asset, err := f.store.CreateAsset(ctx, market.Asset{ID: "asset-" + id, Collection: "room", TokenID: id})
		if err != nil {
			t.Fatalf("asset: %v", err)
		}
		a.AssetID = asset.ID
	}
	a, err := f.store.CreateAgent(ctx, a)
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}
	if err := f.state.Upsert(ctx, "room", marketstate.SideOf(role), id, price); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	return a
}

func (f *fixture) say(t *testing.T, a market.Agent, intent market.Intent, price float64) market.Message {
	t.Helper()
	f.n++
	msg := market.Message{
		ID:        fmt.Sprintf("m%03d", f.n),
		RoomID:    "room",
		AgentID:   a.ID,
		Role:      a.Role,
		Content:   fmt.Sprintf("%.2f", price),
		Intent:    intent,
		Price:     &price,
		Sentiment: market.SentimentNeutral,
	}
	msg, err := f.store.InsertMessage(context.Background(), msg)
	if err != nil {
		t.Fatalf("insert message: %v", err)
	}
	return msg
}

func TestAcceptLocksDeal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seller := f.agent(t, "s1", market.RoleSeller, 40, 0, 55)
	buyer := f.agent(t, "b1", market.RoleBuyer, 0, 60, 35)

	f.say(t, seller, market.IntentOffer, 48)
	f.clock.Advance(10 * time.Second)
	accept := f.say(t, buyer, market.IntentAccept, 48)

	deal, err := f.m.OnAccept(ctx, accept)
	if err != nil || deal == nil {
		t.Fatalf("OnAccept = %v, %v", deal, err)
	}
	if deal.BuyerAgentID != "b1" || deal.SellerAgentID != "s1" || deal.AssetID != "asset-s1" || deal.Price != 48 {
		t.Fatalf("deal = %+v", deal)
	}
	for _, id := range []string{"s1", "b1"} {
		a, _ := f.store.GetAgent(ctx, id)
		if a.Status != market.AgentDealLocked {
			t.Fatalf("%s status = %s", id, a.Status)
		}
	}
	if _, ok, _ := f.state.Min(ctx, "room"); ok {
		t.Fatalf("seller still in market state")
	}
	if _, ok, _ := f.state.Max(ctx, "room"); ok {
		t.Fatalf("buyer still in market state")
	}
	if len(f.rec.events) != 1 || f.rec.events[0].typ != broadcast.DealLocked {
		t.Fatalf("events = %+v", f.rec.events)
	}
	payload := f.rec.events[0].data.(broadcast.DealLockedPayload)
	if payload.BuyerAgent.Status != market.AgentDealLocked || payload.Price != 48 {
		t.Fatalf("payload = %+v", payload)
	}
	if len(f.rec.queued) != 1 || f.rec.queued[0] != deal.ID {
		t.Fatalf("queued = %v", f.rec.queued)
	}
}

func TestSellerAcceptingBuyerBid(t *testing.T) {
	f := newFixture(t)
	seller := f.agent(t, "s1", market.RoleSeller, 40, 0, 55)
	buyer := f.agent(t, "b1", market.RoleBuyer, 0, 60, 45)

	f.say(t, buyer, market.IntentOffer, 45)
	deal, err := f.m.OnAccept(context.Background(), f.say(t, seller, market.IntentAccept, 45))
	if err != nil || deal == nil || deal.SellerAgentID != "s1" {
		t.Fatalf("OnAccept = %+v, %v", deal, err)
	}
}

func TestNoMatch(t *testing.T) {
	cases := map[string]func(f *fixture, t *testing.T) market.Message{
		"price outside buyer mandate": func(f *fixture, t *testing.T) market.Message {
			seller := f.agent(t, "s1", market.RoleSeller, 40, 0, 70)
			buyer := f.agent(t, "b1", market.RoleBuyer, 0, 60, 50)
			f.say(t, seller, market.IntentOffer, 65)
			return f.say(t, buyer, market.IntentAccept, 65)
		},
		"price below seller floor": func(f *fixture, t *testing.T) market.Message {
			seller := f.agent(t, "s1", market.RoleSeller, 40, 0, 50)
			buyer := f.agent(t, "b1", market.RoleBuyer, 0, 60, 30)
			f.say(t, seller, market.IntentOffer, 35)
			return f.say(t, buyer, market.IntentAccept, 35)
		},
		"counterparty message too old": func(f *fixture, t *testing.T) market.Message {
			seller := f.agent(t, "s1", market.RoleSeller, 40, 0, 50)
			buyer := f.agent(t, "b1", market.RoleBuyer, 0, 60, 30)
			f.say(t, seller, market.IntentOffer, 48)
			f.clock.Advance(61 * time.Second)
			return f.say(t, buyer, market.IntentAccept, 48)
		},
		"same role only": func(f *fixture, t *testing.T) market.Message {
			b1 := f.agent(t, "b1", market.RoleBuyer, 0, 60, 30)
			b2 := f.agent(t, "b2", market.RoleBuyer, 0, 60, 30)
			f.say(t, b1, market.IntentOffer, 48)
			return f.say(t, b2, market.IntentAccept, 48)
		},
		"different price": func(f *fixture, t *testing.T) market.Message {
			seller := f.agent(t, "s1", market.RoleSeller, 40, 0, 50)
			buyer := f.agent(t, "b1", market.RoleBuyer, 0, 60, 30)
			f.say(t, seller, market.IntentOffer, 49)
			return f.say(t, buyer, market.IntentAccept, 48)
		},
		"not an accept": func(f *fixture, t *testing.T) market.Message {
			seller := f.agent(t, "s1", market.RoleSeller, 40, 0, 50)
			buyer := f.agent(t, "b1", market.RoleBuyer, 0, 60, 30)
			f.say(t, seller, market.IntentOffer, 48)
			return f.say(t, buyer, market.IntentCounter, 48)
		},
	}
	for name, setup := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			msg := setup(f, t)
			deal, err := f.m.OnAccept(context.Background(), msg)
			if err != nil || deal != nil {
				t.Fatalf("OnAccept = %+v, %v; want silent no-op", deal, err)
			}
			if len(f.rec.events) != 0 || len(f.rec.queued) != 0 {
				t.Fatalf("side effects: events=%v queued=%v", f.rec.events, f.rec.queued)
			}
		})
	}
}

func TestConcurrentAcceptsLockOnce(t *testing.T) {
	f := newFixture(t)
	seller := f.agent(t, "s1", market.RoleSeller, 40, 0, 50)
	var accepts []market.Message
	f.say(t, seller, market.IntentOffer, 48)
	for i := 0; i < 3; i++ {
		b := f.agent(t, fmt.Sprintf("b%d", i), market.RoleBuyer, 0, 60, 30)
		accepts = append(accepts, f.say(t, b, market.IntentAccept, 48))
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		deals int
	)
	for _, msg := range accepts {
		wg.Add(1)
		go func(msg market.Message) {
			defer wg.Done()
			deal, err := f.m.OnAccept(context.Background(), msg)
			if err != nil {
				t.Errorf("OnAccept: %v", err)
				return
			}
			if deal != nil {
				mu.Lock()
				deals++
				mu.Unlock()
			}
		}(msg)
	}
	wg.Wait()
	if deals != 1 {
		t.Fatalf("deals = %d, want exactly one", deals)
	}
	if len(f.rec.queued) != 1 {
		t.Fatalf("queued = %v", f.rec.queued)
	}
}
