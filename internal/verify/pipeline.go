// Package verify runs locked deals through ownership, balance, consensus
// and settlement, broadcasting progress along the way.
package verify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	errorsmod "cosmossdk.io/errors"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"agentmarket/negotiator/internal/broadcast"
	"agentmarket/negotiator/internal/keys"
	"agentmarket/negotiator/internal/market"
	"agentmarket/negotiator/internal/marketstate"
	"agentmarket/negotiator/internal/metrics"
	"agentmarket/negotiator/internal/settlement"
)

type Registry interface {
	QueryOwnership(ctx context.Context, collection, tokenID, address string) (bool, error)
}

type Ledger interface {
	QueryBalance(ctx context.Context, address string) (float64, error)
}

type Settler interface {
	RunConsensus(ctx context.Context, in settlement.ConsensusRequest) (market.ConsensusResult, error)
	ExecuteSettlement(ctx context.Context, in settlement.SettlementRequest) (settlement.Receipt, error)
}

type Signer interface {
	Sign(agentID string, msg []byte) (string, error)
}

type Records interface {
	GetDeal(ctx context.Context, id string) (market.Deal, error)
	GetAgent(ctx context.Context, id string) (market.Agent, error)
	GetAsset(ctx context.Context, id string) (market.Asset, error)
	StartVerification(ctx context.Context, id string) error
	RecordConsensus(ctx context.Context, id string, result market.ConsensusResult) error
	CompleteDeal(ctx context.Context, id, txHash string, blockNumber uint64) (market.Deal, error)
	FailDeal(ctx context.Context, id, reason string) (market.Deal, error)
	ReleaseAgents(ctx context.Context, dealID string) ([]market.Agent, error)
	PendingDeals(ctx context.Context) ([]string, error)
}

type Config struct {
	Workers        int
	QueueSize      int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	CallTimeout    time.Duration
	Verifiers      int
	Threshold      float64
	// ReleaseOnFailure returns both agents to active after a failed deal.
	ReleaseOnFailure bool
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 3
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 128
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	if c.Verifiers <= 0 {
		c.Verifiers = 7
	}
	if c.Threshold <= 0 {
		c.Threshold = 0.67
	}
	return c
}

type Deps struct {
	Records  Records
	Registry Registry
	Ledger   Ledger
	Settler  Settler
	Signer   Signer
	State    marketstate.Store
	Pub      broadcast.Publisher
	Log      *zap.SugaredLogger
}

type Pipeline struct {
	cfg Config
	Deps
	jobs chan string

	mu     sync.Mutex
	active map[string]bool
}

func New(cfg Config, deps Deps) *Pipeline {
	if deps.Log == nil {
		deps.Log = zap.NewNop().Sugar()
	}
	cfg = cfg.withDefaults()
	return &Pipeline{cfg: cfg, Deps: deps, jobs: make(chan string, cfg.QueueSize), active: map[string]bool{}}
}

// Enqueue schedules a deal for verification.
func (p *Pipeline) Enqueue(ctx context.Context, dealID string) error {
	select {
	case p.jobs <- dealID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start resumes every deal left locked or verifying by an earlier run,
// then consumes queued deals with at most cfg.Workers jobs in flight. It
// returns after ctx is cancelled and running jobs finish. Jobs already
// running are not interrupted by the cancellation.
func (p *Pipeline) Start(ctx context.Context) error {
	var g errgroup.Group
	g.SetLimit(p.cfg.Workers)
	jobCtx := context.WithoutCancel(ctx)

	pending, err := p.Records.PendingDeals(ctx)
	if err != nil {
		p.Log.Warnw("pending deal lookup failed", "error", err)
	}
	if len(pending) > 0 {
		p.Log.Infow("resuming unfinished deals", "count", len(pending))
	}
	for _, id := range pending {
		p.dispatch(jobCtx, &g, id)
	}
	for {
		select {
		case <-ctx.Done():
			return g.Wait()
		case id := <-p.jobs:
			p.dispatch(jobCtx, &g, id)
		}
	}
}

// dispatch runs a deal unless a job for it is already in flight.
func (p *Pipeline) dispatch(ctx context.Context, g *errgroup.Group, dealID string) {
	p.mu.Lock()
	if p.active[dealID] {
		p.mu.Unlock()
		return
	}
	p.active[dealID] = true
	p.mu.Unlock()

	g.Go(func() error {
		defer func() {
			p.mu.Lock()
			delete(p.active, dealID)
			p.mu.Unlock()
		}()
		if _, err := p.Run(ctx, dealID); err != nil {
			p.Log.Warnw("verification finished with error", "deal", dealID, "error", err)
		}
		return nil
	})
}

var errTerminal = errors.New("deal already terminal")

// Run verifies one deal, retrying unexpected failures from the first stage
// with exponential backoff. A deal whose consensus already passed resumes
// at settlement instead. The returned deal reflects the final record.
func (p *Pipeline) Run(ctx context.Context, dealID string) (market.Deal, error) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = p.cfg.InitialBackoff
	expo.MaxInterval = p.cfg.MaxBackoff
	expo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(p.cfg.MaxAttempts-1)), ctx)

	var deal market.Deal
	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		metrics.VerificationAttempts.Inc()
		d, err := p.attempt(ctx, dealID, attempt)
		deal = d
		var se *StageError
		if errors.As(err, &se) && se.Permanent {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		p.Log.Warnw("verification attempt failed, retrying", "deal", dealID, "attempt", attempt, "wait", wait, "error", err)
	})
	if errors.Is(err, errTerminal) {
		return deal, nil
	}
	if err == nil {
		metrics.VerificationOutcomes.WithLabelValues(string(market.DealCompleted), "").Inc()
		return deal, nil
	}

	var se *StageError
	if !errors.As(err, &se) {
		// Either the deal could not be read, or it settled and only the
		// record is missing. Neither may mark it failed.
		return deal, err
	}
	failed, ferr := p.fail(ctx, deal, se, attempt)
	if ferr != nil {
		return deal, errorsmod.Wrapf(ferr, "mark deal %s failed after %v", dealID, err)
	}
	return failed, err
}

func (p *Pipeline) attempt(ctx context.Context, dealID string, n int) (market.Deal, error) {
	deal, err := p.Records.GetDeal(ctx, dealID)
	if err != nil {
		if errors.Is(err, market.ErrNotFound) {
			return deal, backoff.Permanent(err)
		}
		return deal, err
	}
	if deal.Status.Terminal() {
		return deal, backoff.Permanent(errTerminal)
	}
	fail := func(stage Stage, err error, permanent bool) (market.Deal, error) {
		return deal, &StageError{Stage: stage, Err: err, Permanent: permanent}
	}
	if err := p.Records.StartVerification(ctx, dealID); err != nil {
		return fail(StageOwnership, err, errors.Is(err, market.ErrInvalidState))
	}
	deal.Status = market.DealVerifying

	buyer, err := p.Records.GetAgent(ctx, deal.BuyerAgentID)
	if err != nil {
		return fail(StageOwnership, err, errors.Is(err, market.ErrNotFound))
	}
	seller, err := p.Records.GetAgent(ctx, deal.SellerAgentID)
	if err != nil {
		return fail(StageOwnership, err, errors.Is(err, market.ErrNotFound))
	}
	asset, err := p.Records.GetAsset(ctx, deal.AssetID)
	if err != nil {
		return fail(StageOwnership, err, errors.Is(err, market.ErrNotFound))
	}

	// Consensus approved on an earlier attempt, so the settlement may have
	// executed already and the ownership check would now see the buyer.
	// Replaying it under the deal's idempotency key returns the original
	// receipt.
	if deal.Consensus != nil && p.passed(*deal.Consensus) {
		p.Log.Infow("resuming deal at settlement", "deal", deal.ID, "attempt", n)
		return p.execute(ctx, deal, buyer, seller, asset, n)
	}

	// Stage 1: the seller must hold the asset.
	p.progress(deal, StageOwnership, n)
	owned, err := call(ctx, p.cfg.CallTimeout, func(ctx context.Context) (bool, error) {
		return p.Registry.QueryOwnership(ctx, asset.Collection, asset.TokenID, seller.Address)
	})
	if err != nil {
		return fail(StageOwnership, external("asset registry", err), false)
	}
	if !owned {
		return fail(StageOwnership, errorsmod.Wrapf(market.ErrOwnershipMismatch,
			"%s/%s is not held by %s", asset.Collection, asset.TokenID, seller.Address), true)
	}

	// Stage 2: the buyer must cover the price.
	p.progress(deal, StageBalance, n)
	balance, err := call(ctx, p.cfg.CallTimeout, func(ctx context.Context) (float64, error) {
		return p.Ledger.QueryBalance(ctx, buyer.Address)
	})
	if err != nil {
		return fail(StageBalance, external("ledger", err), false)
	}
	if balance < deal.Price {
		return fail(StageBalance, errorsmod.Wrapf(market.ErrInsufficientBalance,
			"balance %.2f below price %.2f", balance, deal.Price), true)
	}

	// Stage 3: quorum approval over both parties' signatures.
	p.progress(deal, StageConsensus, n)
	signatures, err := p.sign(deal)
	if err != nil {
		return fail(StageConsensus, err, false)
	}
	result, err := call(ctx, p.cfg.CallTimeout, func(ctx context.Context) (market.ConsensusResult, error) {
		return p.Settler.RunConsensus(ctx, settlement.ConsensusRequest{
			DealID:     deal.ID,
			Ownership:  owned,
			Balance:    balance,
			Signatures: signatures,
			Verifiers:  p.cfg.Verifiers,
			Threshold:  p.cfg.Threshold,
		})
	})
	if err != nil {
		return fail(StageConsensus, external("consensus service", err), false)
	}
	if result.Threshold == 0 {
		result.Threshold = p.cfg.Threshold
	}
	if err := p.Records.RecordConsensus(ctx, deal.ID, result); err != nil {
		return fail(StageConsensus, err, false)
	}
	deal.Consensus = &result
	if !p.passed(result) {
		return deal, &StageError{
			Stage: StageConsensus,
			Err: errorsmod.Wrapf(market.ErrConsensusRejected, "%d of %d verifiers approved (threshold %.2f)",
				result.ApprovalCount, result.VerifierCount, p.cfg.Threshold),
			Permanent: true,
			Consensus: &result,
		}
	}

	// Stage 4: settle and retire both agents.
	return p.execute(ctx, deal, buyer, seller, asset, n)
}

func (p *Pipeline) passed(result market.ConsensusResult) bool {
	return result.Approved && result.ApprovalRatio() >= p.cfg.Threshold
}

// execute settles the deal and records the receipt. Once the settlement
// call has succeeded, failures to record it are returned as plain errors
// so the deal is retried or resumed but never marked failed.
func (p *Pipeline) execute(ctx context.Context, deal market.Deal, buyer, seller market.Agent, asset market.Asset, n int) (market.Deal, error) {
	p.progress(deal, StageExecution, n)
	receipt, err := call(ctx, p.cfg.CallTimeout, func(ctx context.Context) (settlement.Receipt, error) {
		return p.Settler.ExecuteSettlement(ctx, settlement.SettlementRequest{
			DealID:        deal.ID,
			BuyerAddress:  buyer.Address,
			SellerAddress: seller.Address,
			AssetID:       deal.AssetID,
			Price:         deal.Price,
		})
	})
	if err != nil {
		return deal, &StageError{Stage: StageExecution, Err: external("settlement service", err)}
	}
	completed, err := p.Records.CompleteDeal(ctx, deal.ID, receipt.TxHash, receipt.BlockNumber)
	if err != nil {
		err = errorsmod.Wrapf(err, "record settlement %s of deal %s", receipt.TxHash, deal.ID)
		p.Log.Errorw("settled deal not recorded", "deal", deal.ID, "tx", receipt.TxHash, "error", err)
		if errors.Is(err, market.ErrInvalidState) {
			return deal, backoff.Permanent(err)
		}
		return deal, err
	}
	p.finish(ctx, completed, buyer, seller, asset, n)
	return completed, nil
}

func (p *Pipeline) sign(deal market.Deal) ([]string, error) {
	if p.Signer == nil {
		return nil, nil
	}
	digest := keys.DealDigest(deal)
	out := make([]string, 0, 2)
	for _, id := range []string{deal.BuyerAgentID, deal.SellerAgentID} {
		sig, err := p.Signer.Sign(id, digest)
		if err != nil {
			return nil, fmt.Errorf("sign deal %s as %s: %w", deal.ID, id, err)
		}
		out = append(out, sig)
	}
	return out, nil
}

func (p *Pipeline) progress(deal market.Deal, stage Stage, attempt int) {
	p.Pub.Publish(deal.RoomID, broadcast.DealVerifying, broadcast.DealVerifyingPayload{
		DealID:   deal.ID,
		Stage:    string(stage),
		Progress: stage.Progress(),
		Attempt:  attempt,
		Message:  stage.label(),
		Status:   "in_progress",
	})
}

func (p *Pipeline) finish(ctx context.Context, deal market.Deal, buyer, seller market.Agent, asset market.Asset, attempt int) {
	for _, a := range []market.Agent{buyer, seller} {
		if err := marketstate.RemoveAgent(ctx, p.State, deal.RoomID, a.ID); err != nil {
			p.Log.Warnw("market state cleanup failed", "deal", deal.ID, "agent", a.ID, "error", err)
		}
	}
	buyer.Status, seller.Status = market.AgentCompleted, market.AgentCompleted

	p.progress(deal, StageCompleted, attempt)
	p.Log.Infow("deal completed", "deal", deal.ID, "room", deal.RoomID, "tx", deal.TxHash, "block", deal.BlockNumber)
	p.Pub.Publish(deal.RoomID, broadcast.DealCompleted, broadcast.DealCompletedPayload{
		DealID:      deal.ID,
		Buyer:       buyer,
		Seller:      seller,
		Asset:       asset,
		Price:       deal.Price,
		TxHash:      deal.TxHash,
		BlockNumber: deal.BlockNumber,
	})
	for _, a := range []market.Agent{buyer, seller} {
		p.Pub.Publish(deal.RoomID, broadcast.AgentLeft, broadcast.AgentLeftPayload{AgentID: a.ID, Reason: "deal_completed"})
	}
}

func (p *Pipeline) fail(ctx context.Context, deal market.Deal, se *StageError, attempt int) (market.Deal, error) {
	reason := se.Err.Error()
	failed, err := p.Records.FailDeal(ctx, deal.ID, reason)
	if err != nil {
		return deal, err
	}
	metrics.VerificationOutcomes.WithLabelValues(string(market.DealFailed), string(se.Stage)).Inc()
	p.Log.Infow("deal failed verification", "deal", deal.ID, "room", deal.RoomID, "stage", se.Stage, "reason", reason)
	p.Pub.Publish(deal.RoomID, broadcast.DealVerifying, broadcast.DealVerifyingPayload{
		DealID:    deal.ID,
		Stage:     string(se.Stage),
		Progress:  se.Stage.Progress(),
		Attempt:   attempt,
		Message:   reason,
		Status:    "failed",
		Consensus: se.Consensus,
	})
	if p.cfg.ReleaseOnFailure {
		p.release(ctx, failed)
	}
	return failed, nil
}

func (p *Pipeline) release(ctx context.Context, deal market.Deal) {
	agents, err := p.Records.ReleaseAgents(ctx, deal.ID)
	if err != nil {
		p.Log.Warnw("release agents failed", "deal", deal.ID, "error", err)
		return
	}
	for _, a := range agents {
		if err := p.State.Upsert(ctx, a.RoomID, marketstate.SideOf(a.Role), a.ID, a.Mandate.CurrentPrice); err != nil {
			p.Log.Warnw("market state restore failed", "deal", deal.ID, "agent", a.ID, "error", err)
		}
	}
}

// call bounds one external request by timeout.
func call[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(ctx)
}

func external(service string, err error) error {
	return errorsmod.Wrapf(market.ErrExternalService, "%s: %v", service, err)
}
