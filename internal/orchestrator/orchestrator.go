// Package orchestrator turns user intents into atomic instruction
// transactions: it provisions missing holding accounts, pre-validates
// against a simulation, submits, and waits for confirmation with a bounded
// timeout. A timeout is reported as an unknown outcome, never as a failure,
// and no mutating submission is ever retried automatically.
package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/NeelContractor/prediction-market/internal/engine"
	"github.com/NeelContractor/prediction-market/internal/instruction"
	"github.com/NeelContractor/prediction-market/internal/market"
	"github.com/NeelContractor/prediction-market/internal/observability"
	"github.com/NeelContractor/prediction-market/internal/token"
)

// DefaultConfirmTimeout bounds the confirmation wait.
const DefaultConfirmTimeout = 30 * time.Second

// Outcome is the caller-facing trichotomy for a submitted transaction.
type Outcome int

const (
	// OutcomeApplied: confirmed applied.
	OutcomeApplied Outcome = iota
	// OutcomeRejected: definitely not applied.
	OutcomeRejected
	// OutcomeUnknown: confirmation timed out or the wait was cancelled
	// after submission. The transaction may or may not have committed;
	// the caller must re-query before retrying.
	OutcomeUnknown
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeRejected:
		return "rejected"
	case OutcomeUnknown:
		return "unknown"
	default:
		return "invalid"
	}
}

// AccountOracle answers point-in-time existence checks. Results must not
// be cached across the provisioning/submission gap.
type AccountOracle interface {
	Exists(addr token.Address) bool
}

// Submitter accepts a transaction for atomic application. A returned error
// is a rejection: the transaction was definitely not applied.
type Submitter interface {
	Submit(ctx context.Context, tx *engine.Transaction) (Handle, error)
}

// Watcher resolves a submission handle to its final receipt. It honors the
// context deadline; expiry means the outcome is unknown, not failed.
type Watcher interface {
	Await(ctx context.Context, h Handle) (engine.Receipt, error)
}

// Simulator dry-runs a transaction without touching shared state.
type Simulator interface {
	Simulate(tx *engine.Transaction) ([]engine.Output, error)
}

// SnapshotReader fetches current market state.
type SnapshotReader interface {
	Snapshot(seed string) (market.Snapshot, error)
}

// Handle identifies one submitted transaction.
type Handle uuid.UUID

// Result is what the caller gets back from an orchestrated intent.
type Result struct {
	Outcome Outcome

	// Amount is the operation's scalar result (swap output, claim payout,
	// liquidity credited) when applied.
	Amount uint64

	// Snapshot is the latest known market state: post-apply when applied,
	// re-queried when the outcome is unknown.
	Snapshot market.Snapshot

	// Err carries the rejection reason, or the timeout/cancellation cause
	// when the outcome is unknown.
	Err error
}

// ErrSimulationRejected wraps a predicted failure surfaced before
// submission. No resources were consumed.
var ErrSimulationRejected = errors.New("rejected by pre-flight simulation")

type Orchestrator struct {
	oracle    AccountOracle
	sim       Simulator
	submitter Submitter
	watcher   Watcher
	reader    SnapshotReader

	confirmTimeout time.Duration
	now            func() time.Time

	log     zerolog.Logger
	metrics *observability.Metrics
}

type Config struct {
	Oracle    AccountOracle
	Simulator Simulator
	Submitter Submitter
	Watcher   Watcher
	Reader    SnapshotReader

	// ConfirmTimeout defaults to DefaultConfirmTimeout when zero.
	ConfirmTimeout time.Duration

	// Now defaults to time.Now. Tests inject a fixed clock.
	Now func() time.Time

	Logger  zerolog.Logger
	Metrics *observability.Metrics
}

func New(cfg Config) *Orchestrator {
	timeout := cfg.ConfirmTimeout
	if timeout <= 0 {
		timeout = DefaultConfirmTimeout
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{
		oracle:         cfg.Oracle,
		sim:            cfg.Simulator,
		submitter:      cfg.Submitter,
		watcher:        cfg.Watcher,
		reader:         cfg.Reader,
		confirmTimeout: timeout,
		now:            now,
		log:            cfg.Logger,
		metrics:        cfg.Metrics,
	}
}

// SwapIntent is "trade amount of collateral or outcome tokens on side".
type SwapIntent struct {
	Market     string
	Actor      uuid.UUID
	Direction  market.Direction
	Side       market.Side
	Amount     uint64
	MinOut     uint64
	Expiration time.Time
}

// LiquidityIntent seeds both outcome pools.
type LiquidityIntent struct {
	Market     string
	Actor      uuid.UUID
	YesAmount  uint64
	NoAmount   uint64
	Expiration time.Time
}

// ClaimIntent redeems the actor's winning balance after settlement.
type ClaimIntent struct {
	Market   string
	Actor    uuid.UUID
	ClaimYes bool
}

// Swap orchestrates a swap intent end to end.
func (o *Orchestrator) Swap(ctx context.Context, intent SwapIntent) (Result, error) {
	snap, err := o.reader.Snapshot(intent.Market)
	if err != nil {
		return Result{Outcome: OutcomeRejected, Err: err}, err
	}

	var mintIn, mintOut token.Address
	switch intent.Direction {
	case market.DirectionBuy:
		mintIn, mintOut = snap.Market.MintCollateral, snap.Market.SideMint(intent.Side)
	default:
		mintIn, mintOut = snap.Market.SideMint(intent.Side), snap.Market.MintCollateral
	}

	core := &instruction.Swap{
		OpID:       uuid.New(),
		Actor:      intent.Actor,
		Market:     intent.Market,
		Direction:  intent.Direction,
		Side:       intent.Side,
		Amount:     intent.Amount,
		MinOut:     intent.MinOut,
		Expiration: intent.Expiration,
		Timestamp:  o.now(),
	}
	return o.run(ctx, "swap", intent.Market, intent.Actor, []token.Address{mintIn, mintOut}, core)
}

// AddLiquidity orchestrates a liquidity intent. The reserve units are
// minted into the vaults, so no actor accounts need provisioning.
func (o *Orchestrator) AddLiquidity(ctx context.Context, intent LiquidityIntent) (Result, error) {
	if _, err := o.reader.Snapshot(intent.Market); err != nil {
		return Result{Outcome: OutcomeRejected, Err: err}, err
	}

	core := &instruction.AddLiquidity{
		OpID:       uuid.New(),
		Actor:      intent.Actor,
		Market:     intent.Market,
		YesAmount:  intent.YesAmount,
		NoAmount:   intent.NoAmount,
		Expiration: intent.Expiration,
		Timestamp:  o.now(),
	}
	return o.run(ctx, "add_liquidity", intent.Market, intent.Actor, nil, core)
}

// Claim orchestrates a claim intent.
func (o *Orchestrator) Claim(ctx context.Context, intent ClaimIntent) (Result, error) {
	snap, err := o.reader.Snapshot(intent.Market)
	if err != nil {
		return Result{Outcome: OutcomeRejected, Err: err}, err
	}

	claimMint := snap.Market.SideMint(market.SideNo)
	if intent.ClaimYes {
		claimMint = snap.Market.SideMint(market.SideYes)
	}

	core := &instruction.Claim{
		OpID:      uuid.New(),
		Actor:     intent.Actor,
		Market:    intent.Market,
		ClaimYes:  intent.ClaimYes,
		Timestamp: o.now(),
	}
	return o.run(ctx, "claim", intent.Market, intent.Actor,
		[]token.Address{claimMint, snap.Market.MintCollateral}, core)
}

// run executes the shared pipeline: provision, simulate, submit, await.
func (o *Orchestrator) run(ctx context.Context, intent, seed string, actor uuid.UUID, mints []token.Address, core instruction.Instruction) (Result, error) {
	log := o.log.With().Str("intent", intent).Str("market", seed).Stringer("actor", actor).Logger()

	// Provisioning steps for holding accounts that do not exist yet. The
	// check is point-in-time; the EnsureAccount instruction itself is a
	// no-op when the account was created concurrently in between.
	var steps []instruction.Instruction
	for _, mint := range mints {
		addr := token.DeriveAccount(actor, mint)
		if o.oracle.Exists(addr) {
			continue
		}
		steps = append(steps, &instruction.EnsureAccount{
			OpID:      uuid.New(),
			Actor:     actor,
			Market:    seed,
			Mint:      mint,
			Timestamp: o.now(),
		})
		if o.metrics != nil {
			o.metrics.OrchProvisionSteps.Inc()
		}
	}
	steps = append(steps, core)

	tx := &engine.Transaction{ID: uuid.New(), Instructions: steps}

	// Pre-flight simulation: surface predicted failures before anything
	// is committed or signed.
	simOutputs, err := o.sim.Simulate(tx)
	if err != nil {
		category := market.Classify(err)
		if o.metrics != nil {
			o.metrics.OrchSimRejects.WithLabelValues(intent, category.String()).Inc()
		}
		log.Info().Err(err).Str("category", category.String()).Msg("intent rejected by simulation")
		wrapped := errors.Join(ErrSimulationRejected, err)
		return Result{Outcome: OutcomeRejected, Err: wrapped}, wrapped
	}
	predicted := simOutputs[len(simOutputs)-1].Amount

	// Cancellation before submission is free.
	if err := ctx.Err(); err != nil {
		return Result{Outcome: OutcomeRejected, Err: err}, err
	}

	handle, err := o.submitter.Submit(ctx, tx)
	if err != nil {
		log.Warn().Err(err).Msg("submission rejected")
		return Result{Outcome: OutcomeRejected, Err: err}, err
	}
	if o.metrics != nil {
		o.metrics.OrchSubmissions.WithLabelValues(intent).Inc()
	}

	waitStart := time.Now()
	waitCtx, cancel := context.WithTimeout(ctx, o.confirmTimeout)
	defer cancel()

	receipt, err := o.watcher.Await(waitCtx, handle)
	if o.metrics != nil {
		o.metrics.OrchConfirmWait.Observe(time.Since(waitStart).Seconds())
	}

	var result Result
	switch {
	case err == nil:
		result = Result{Outcome: OutcomeApplied, Amount: predicted}
		if n := len(receipt.Outputs); n > 0 {
			last := receipt.Outputs[n-1]
			result.Amount = last.Amount
			result.Snapshot = last.Snapshot
		}
		log.Info().Uint64("amount", result.Amount).Msg("intent applied")

	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		// Unknown, not failed: the transaction may still have committed.
		// Re-query instead of assuming non-effect.
		result = Result{Outcome: OutcomeUnknown, Err: err}
		if snap, qerr := o.reader.Snapshot(seed); qerr == nil {
			result.Snapshot = snap
		}
		log.Warn().Err(err).Msg("confirmation wait ended without a result")

	default:
		result = Result{Outcome: OutcomeRejected, Err: err}
		log.Info().Err(err).Msg("intent rejected")
	}

	if o.metrics != nil {
		o.metrics.OrchOutcomes.WithLabelValues(intent, result.Outcome.String()).Inc()
	}
	if result.Outcome == OutcomeRejected {
		return result, result.Err
	}
	return result, nil
}
