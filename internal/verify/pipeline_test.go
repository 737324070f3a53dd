package verify

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"agentmarket/negotiator/internal/broadcast"
	"agentmarket/negotiator/internal/keys"
	"agentmarket/negotiator/internal/market"
	"agentmarket/negotiator/internal/marketstate"
	"agentmarket/negotiator/internal/metrics"
	"agentmarket/negotiator/internal/settlement"
	"agentmarket/negotiator/internal/store"
)

type fakeRegistry struct {
	mu    sync.Mutex
	owned bool
	errs  []error
	calls int
}

func (f *fakeRegistry) QueryOwnership(_ context.Context, _, _, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return false, err
	}
	return f.owned, nil
}

type fakeLedger struct {
	balance float64
	err     error
}

func (f *fakeLedger) QueryBalance(context.Context, string) (float64, error) {
	return f.balance, f.err
}

type fakeSettler struct {
	mu        sync.Mutex
	result    market.ConsensusResult
	consensus []settlement.ConsensusRequest
	settles   int
	delay     time.Duration
	inFlight  int32
	maxFlight int32
	onSettle  func()
}

func (f *fakeSettler) RunConsensus(_ context.Context, in settlement.ConsensusRequest) (market.ConsensusResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.consensus = append(f.consensus, in)
	return f.result, nil
}

func (f *fakeSettler) ExecuteSettlement(_ context.Context, in settlement.SettlementRequest) (settlement.Receipt, error) {
	n := atomic.AddInt32(&f.inFlight, 1)
	for {
		max := atomic.LoadInt32(&f.maxFlight)
		if n <= max || atomic.CompareAndSwapInt32(&f.maxFlight, max, n) {
			break
		}
	}
	time.Sleep(f.delay)
	atomic.AddInt32(&f.inFlight, -1)
	if f.onSettle != nil {
		f.onSettle()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settles++
	return settlement.Receipt{TxHash: "0x" + in.DealID, BlockNumber: 42}, nil
}

// flakyStore fails CompleteDeal a set number of times.
type flakyStore struct {
	*store.Store
	completeErrs int
}

func (f *flakyStore) CompleteDeal(ctx context.Context, id, txHash string, blockNumber uint64) (market.Deal, error) {
	if f.completeErrs > 0 {
		f.completeErrs--
		return market.Deal{}, errors.New("database is locked")
	}
	return f.Store.CompleteDeal(ctx, id, txHash, blockNumber)
}

type recorder struct {
	mu     sync.Mutex
	events []broadcast.Event
}

func (r *recorder) Publish(roomID string, typ broadcast.EventType, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, broadcast.Event{Type: typ, RoomID: roomID, Data: data})
}

func (r *recorder) verifying() []broadcast.DealVerifyingPayload {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []broadcast.DealVerifyingPayload
	for _, ev := range r.events {
		if ev.Type == broadcast.DealVerifying {
			out = append(out, ev.Data.(broadcast.DealVerifyingPayload))
		}
	}
	return out
}

type fixture struct {
	store    *store.Store
	state    *marketstate.Memory
	ring     *keys.Keyring
	registry *fakeRegistry
	ledger   *fakeLedger
	settler  *fakeSettler
	pub      *recorder
	cfg      Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "v.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return &fixture{
		store:    s,
		state:    marketstate.NewMemory(),
		ring:     keys.NewKeyring(t.TempDir()),
		registry: &fakeRegistry{owned: true},
		ledger:   &fakeLedger{balance: 100},
		settler: &fakeSettler{result: market.ConsensusResult{
			Approved: true, VerifierCount: 7, ApprovalCount: 6, Threshold: 0.67,
		}},
		pub: &recorder{},
		cfg: Config{InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, CallTimeout: time.Second},
	}
}

func (f *fixture) pipeline() *Pipeline {
	return New(f.cfg, Deps{
		Records:  f.store,
		Registry: f.registry,
		Ledger:   f.ledger,
		Settler:  f.settler,
		Signer:   f.ring,
		State:    f.state,
		Pub:      f.pub,
	})
}

// lockDeal seeds a buyer, a seller with an asset, and a locked deal at 48.
func (f *fixture) lockDeal(t *testing.T, suffix string) market.Deal {
	t.Helper()
	ctx := context.Background()
	if _, err := f.store.EnsureRoom(ctx, "room"); err != nil {
		t.Fatalf("room: %v", err)
	}
	asset, err := f.store.CreateAsset(ctx, market.Asset{ID: "asset" + suffix, Collection: "apes", TokenID: suffix})
	if err != nil {
		t.Fatalf("asset: %v", err)
	}
	mk := func(id string, role market.Role, m market.Mandate) {
		key, _, err := f.ring.Ensure(id)
		if err != nil {
			t.Fatalf("key: %v", err)
		}
		a := market.Agent{ID: id, RoomID: "room", Name: id, Role: role, Strategy: market.StrategyPatient,
			Mandate: m, Address: key.Address}
		if role == market.RoleSeller {
			a.AssetID = asset.ID
		}
		if _, err := f.store.CreateAgent(ctx, a); err != nil {
			t.Fatalf("agent: %v", err)
		}
	}
	mk("buyer"+suffix, market.RoleBuyer, market.Mandate{MaxPrice: 60, StartingPrice: 40, CurrentPrice: 48})
	mk("seller"+suffix, market.RoleSeller, market.Mandate{MinPrice: 40, StartingPrice: 55, CurrentPrice: 48})
	d, err := f.store.LockDeal(ctx, market.Deal{ID: "deal" + suffix, RoomID: "room", BuyerAgentID: "buyer" + suffix,
		SellerAgentID: "seller" + suffix, AssetID: asset.ID, Price: 48})
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	return d
}

func TestOwnershipFailureStopsBeforeSettlement(t *testing.T) {
	f := newFixture(t)
	f.registry.owned = false
	deal := f.lockDeal(t, "1")

	got, err := f.pipeline().Run(context.Background(), deal.ID)
	if !errors.Is(err, market.ErrOwnershipMismatch) {
		t.Fatalf("err = %v", err)
	}
	if got.Status != market.DealFailed || got.FailureReason == "" {
		t.Fatalf("deal = %+v", got)
	}
	if f.registry.calls != 1 {
		t.Fatalf("registry calls = %d, business rejection must not retry", f.registry.calls)
	}
	if len(f.settler.consensus) != 0 || f.settler.settles != 0 {
		t.Fatalf("later stages ran: consensus=%d settles=%d", len(f.settler.consensus), f.settler.settles)
	}
	steps := f.pub.verifying()
	last := steps[len(steps)-1]
	if last.Stage != string(StageOwnership) || last.Progress != 10 || last.Status != "failed" {
		t.Fatalf("failure broadcast = %+v", last)
	}
	seller, _ := f.store.GetAgent(context.Background(), deal.SellerAgentID)
	if seller.Status != market.AgentDealLocked {
		t.Fatalf("seller status = %s", seller.Status)
	}
}

func TestHappyPathCompletes(t *testing.T) {
	f := newFixture(t)
	deal := f.lockDeal(t, "1")
	ctx := context.Background()
	_ = f.state.Upsert(ctx, "room", marketstate.Asks, deal.SellerAgentID, 48)

	got, err := f.pipeline().Run(ctx, deal.ID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got.Status != market.DealCompleted || got.TxHash == "" || got.BlockNumber != 42 {
		t.Fatalf("deal = %+v", got)
	}
	if got.Consensus == nil || got.VerifiedAt == nil || got.CompletedAt == nil {
		t.Fatalf("deal record incomplete: %+v", got)
	}
	for _, id := range []string{deal.BuyerAgentID, deal.SellerAgentID} {
		a, _ := f.store.GetAgent(ctx, id)
		if a.Status != market.AgentCompleted {
			t.Fatalf("%s status = %s", id, a.Status)
		}
	}
	if _, ok, _ := f.state.Min(ctx, "room"); ok {
		t.Fatalf("market state residue left behind")
	}

	var progress []int
	for _, p := range f.pub.verifying() {
		progress = append(progress, p.Progress)
	}
	want := []int{10, 40, 60, 85, 100}
	if fmt.Sprint(progress) != fmt.Sprint(want) {
		t.Fatalf("progress = %v, want %v", progress, want)
	}
	tail := f.pub.events[len(f.pub.events)-3:]
	if tail[0].Type != broadcast.DealCompleted || tail[1].Type != broadcast.AgentLeft || tail[2].Type != broadcast.AgentLeft {
		t.Fatalf("final events = %v %v %v", tail[0].Type, tail[1].Type, tail[2].Type)
	}

	req := f.settler.consensus[0]
	if !req.Ownership || req.Balance != 100 || len(req.Signatures) != 2 {
		t.Fatalf("consensus request = %+v", req)
	}
	sellerKey, _ := f.ring.Load(deal.SellerAgentID)
	if !keys.Verify(sellerKey, keys.DealDigest(deal), req.Signatures[1]) {
		t.Fatalf("seller signature does not verify")
	}
}

func TestBusinessRejections(t *testing.T) {
	cases := []struct {
		name     string
		setup    func(f *fixture)
		stage    Stage
		progress int
		err      error
	}{
		{
			name:     "insufficient balance",
			setup:    func(f *fixture) { f.ledger.balance = 47.99 },
			stage:    StageBalance,
			progress: 40,
			err:      market.ErrInsufficientBalance,
		},
		{
			name: "quorum below threshold",
			setup: func(f *fixture) {
				f.settler.result = market.ConsensusResult{Approved: true, VerifierCount: 7, ApprovalCount: 4, Threshold: 0.67}
			},
			stage:    StageConsensus,
			progress: 60,
			err:      market.ErrConsensusRejected,
		},
		{
			name: "verifiers disapprove",
			setup: func(f *fixture) {
				f.settler.result = market.ConsensusResult{Approved: false, VerifierCount: 7, ApprovalCount: 7}
			},
			stage:    StageConsensus,
			progress: 60,
			err:      market.ErrConsensusRejected,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			tc.setup(f)
			deal := f.lockDeal(t, "1")
			got, err := f.pipeline().Run(context.Background(), deal.ID)
			if !errors.Is(err, tc.err) {
				t.Fatalf("err = %v, want %v", err, tc.err)
			}
			if got.Status != market.DealFailed {
				t.Fatalf("status = %s", got.Status)
			}
			if f.settler.settles != 0 {
				t.Fatalf("settlement invoked after rejection")
			}
			steps := f.pub.verifying()
			last := steps[len(steps)-1]
			if last.Stage != string(tc.stage) || last.Progress != tc.progress || last.Status != "failed" {
				t.Fatalf("failure broadcast = %+v", last)
			}
			if tc.stage == StageConsensus && (last.Consensus == nil || last.Consensus.VerifierCount != 7) {
				t.Fatalf("consensus failure must carry the tally: %+v", last.Consensus)
			}
		})
	}
}

func TestTransientFailureRetriesFromFirstStage(t *testing.T) {
	f := newFixture(t)
	f.registry.errs = []error{errors.New("registry timeout")}
	deal := f.lockDeal(t, "1")

	got, err := f.pipeline().Run(context.Background(), deal.ID)
	if err != nil || got.Status != market.DealCompleted {
		t.Fatalf("run = %+v err=%v", got.Status, err)
	}
	if f.registry.calls != 2 {
		t.Fatalf("registry calls = %d", f.registry.calls)
	}
	steps := f.pub.verifying()
	if steps[0].Stage != string(StageOwnership) || steps[1].Stage != string(StageOwnership) {
		t.Fatalf("retry did not restart at ownership: %+v", steps[:2])
	}
	if steps[0].Attempt != 1 || steps[1].Attempt != 2 || steps[len(steps)-1].Attempt != 2 {
		t.Fatalf("attempt numbers = %d, %d, last %d", steps[0].Attempt, steps[1].Attempt, steps[len(steps)-1].Attempt)
	}
}

func TestSettledDealIsNotFailedWhenRecordingFails(t *testing.T) {
	f := newFixture(t)
	// Once the asset has moved the registry no longer reports the seller.
	f.settler.onSettle = func() {
		f.registry.mu.Lock()
		f.registry.owned = false
		f.registry.mu.Unlock()
	}
	deal := f.lockDeal(t, "1")
	p := f.pipeline()
	p.Records = &flakyStore{Store: f.store, completeErrs: 1}

	got, err := p.Run(context.Background(), deal.ID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got.Status != market.DealCompleted || got.TxHash != "0xdeal1" {
		t.Fatalf("deal = %+v", got)
	}
	if f.registry.calls != 1 || len(f.settler.consensus) != 1 {
		t.Fatalf("checks re-ran after settlement: registry=%d consensus=%d", f.registry.calls, len(f.settler.consensus))
	}
	if f.settler.settles != 2 {
		t.Fatalf("settlement calls = %d, want original plus replay", f.settler.settles)
	}
}

func TestUnrecordedSettlementLeavesDealPending(t *testing.T) {
	f := newFixture(t)
	deal := f.lockDeal(t, "1")
	p := f.pipeline()
	p.Records = &flakyStore{Store: f.store, completeErrs: 10}

	if _, err := p.Run(context.Background(), deal.ID); err == nil {
		t.Fatalf("expected error")
	}
	got, _ := f.store.GetDeal(context.Background(), deal.ID)
	if got.Status != market.DealVerifying || got.FailureReason != "" {
		t.Fatalf("deal = %+v, want verifying", got)
	}
}

func TestStartResumesUnfinishedDeals(t *testing.T) {
	f := newFixture(t)
	locked := f.lockDeal(t, "1")
	verifying := f.lockDeal(t, "2")
	ctx := context.Background()
	if err := f.store.StartVerification(ctx, verifying.ID); err != nil {
		t.Fatal(err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- f.pipeline().Start(runCtx) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		pending, err := f.store.PendingDeals(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(pending) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("deals still pending: %v", pending)
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("start: %v", err)
	}
	for _, id := range []string{locked.ID, verifying.ID} {
		d, _ := f.store.GetDeal(ctx, id)
		if d.Status != market.DealCompleted {
			t.Fatalf("%s status = %s", id, d.Status)
		}
	}
}

func TestTerminalDealIsNotCountedAgain(t *testing.T) {
	f := newFixture(t)
	f.registry.owned = false
	deal := f.lockDeal(t, "1")
	p := f.pipeline()
	ctx := context.Background()
	if _, err := p.Run(ctx, deal.ID); err == nil {
		t.Fatalf("expected failure")
	}

	completed := metrics.VerificationOutcomes.WithLabelValues(string(market.DealCompleted), "")
	before := testutil.ToFloat64(completed)
	got, err := p.Run(ctx, deal.ID)
	if err != nil || got.Status != market.DealFailed {
		t.Fatalf("rerun = %+v, %v", got.Status, err)
	}
	if after := testutil.ToFloat64(completed); after != before {
		t.Fatalf("completed outcomes %v -> %v for a failed deal", before, after)
	}
	if f.registry.calls != 1 {
		t.Fatalf("terminal deal re-verified: registry calls = %d", f.registry.calls)
	}
}

func TestExhaustedRetriesFailDeal(t *testing.T) {
	f := newFixture(t)
	f.ledger.err = errors.New("ledger unavailable")
	deal := f.lockDeal(t, "1")

	got, err := f.pipeline().Run(context.Background(), deal.ID)
	if !errors.Is(err, market.ErrExternalService) {
		t.Fatalf("err = %v", err)
	}
	if got.Status != market.DealFailed {
		t.Fatalf("status = %s", got.Status)
	}
	if f.registry.calls != 3 {
		t.Fatalf("attempts = %d, want 3", f.registry.calls)
	}
}

func TestReleaseOnFailure(t *testing.T) {
	f := newFixture(t)
	f.cfg.ReleaseOnFailure = true
	f.registry.owned = false
	deal := f.lockDeal(t, "1")
	ctx := context.Background()

	if _, err := f.pipeline().Run(ctx, deal.ID); err == nil {
		t.Fatalf("expected failure")
	}
	buyer, _ := f.store.GetAgent(ctx, deal.BuyerAgentID)
	if buyer.Status != market.AgentActive {
		t.Fatalf("buyer status = %s", buyer.Status)
	}
	top, ok, _ := f.state.Max(ctx, "room")
	if !ok || top.AgentID != deal.BuyerAgentID || top.Price != 48 {
		t.Fatalf("buyer not restored to market state: %+v", top)
	}
}

func TestWorkersBoundConcurrency(t *testing.T) {
	f := newFixture(t)
	f.cfg.Workers = 3
	f.settler.delay = 30 * time.Millisecond
	p := f.pipeline()

	const deals = 7
	for i := 0; i < deals; i++ {
		d := f.lockDeal(t, fmt.Sprint(i))
		if err := p.Enqueue(context.Background(), d.ID); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Start(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		f.settler.mu.Lock()
		n := f.settler.settles
		f.settler.mu.Unlock()
		if n == deals {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("only %d of %d deals settled", n, deals)
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("start: %v", err)
	}
	if max := atomic.LoadInt32(&f.settler.maxFlight); max > 3 {
		t.Fatalf("max concurrent settlements = %d", max)
	}
}
