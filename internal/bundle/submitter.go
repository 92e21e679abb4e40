// Package bundle builds atomic transaction bundles and lands them through a
// block-engine relay. Every submission is simulated first; a simulation
// failure is terminal while relay-side failures retry with tip escalation.
package bundle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc"
)

// MaxBundleTxs is the relay's bundle size limit.
const MaxBundleTxs = 5

// Phase names the stage a bundle attempt reached.
type Phase string

const (
	PhaseBuild    Phase = "build"
	PhaseSimulate Phase = "simulate"
	PhaseSubmit   Phase = "submit"
	PhaseConfirm  Phase = "confirm"
)

// SimulationError reports a transaction that fails under current chain
// state. Retrying an identical bundle cannot help, so it is terminal.
type SimulationError struct {
	Reason string
	Logs   []string
}

func (e *SimulationError) Error() string {
	if len(e.Logs) == 0 {
		return fmt.Sprintf("simulation failed: %s", e.Reason)
	}
	return fmt.Sprintf("simulation failed: %s (%s)", e.Reason, strings.Join(e.Logs, "; "))
}

// SubmissionError wraps relay or confirmation failures, which are transient
// and worth retrying with a higher tip.
type SubmissionError struct {
	Err error
}

func (e *SubmissionError) Error() string { return fmt.Sprintf("bundle submission failed: %v", e.Err) }
func (e *SubmissionError) Unwrap() error { return e.Err }

// Retryable reports whether a fresh attempt could plausibly succeed.
func Retryable(err error) bool {
	var simErr *SimulationError
	return err != nil && !errors.As(err, &simErr)
}

// Chain is the node-side surface the submitter needs.
type Chain interface {
	LatestBlockhash(ctx context.Context) (solana.Hash, error)
	Simulate(ctx context.Context, tx *solana.Transaction) error
}

// Relay is the block-engine surface the submitter needs.
type Relay interface {
	SendBundle(ctx context.Context, txs []*solana.Transaction) (string, error)
	GetBundleStatuses(ctx context.Context, bundleIDs []string) ([]BundleStatus, error)
}

// Result describes one bundle's outcome.
type Result struct {
	Landed    bool
	Signature solana.Signature
	BundleID  string
	Tip       uint64
	Phase     Phase
	Err       error
}

type Config struct {
	ComputeUnitLimit              uint32
	ComputeUnitPriceMicroLamports uint64

	TipLamports         uint64
	TipEscalationFactor float64
	MaxTipLamports      uint64
	MaxAttempts         int

	PollInterval time.Duration
	PollAttempts int

	// Address lookup tables kick in once a transaction carries more than
	// LookupTableThreshold instructions.
	LookupTableThreshold int
	LookupTables         map[solana.PublicKey]solana.PublicKeySlice
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.TipEscalationFactor <= 1 {
		out.TipEscalationFactor = 1.5
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 3
	}
	if out.PollInterval <= 0 {
		out.PollInterval = 2 * time.Second
	}
	if out.PollAttempts <= 0 {
		out.PollAttempts = 15
	}
	return out
}

type Submitter struct {
	chain   Chain
	relay   Relay
	signer  solana.PrivateKey
	cfg     Config
	logger  *slog.Logger
	tipAcct func() solana.PublicKey
}

func NewSubmitter(chain Chain, relay Relay, signer solana.PrivateKey, cfg Config, logger *slog.Logger) *Submitter {
	return &Submitter{
		chain:   chain,
		relay:   relay,
		signer:  signer,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		tipAcct: RandomTipAccount,
	}
}

// BuildAtomicBundle assembles one transaction: compute-budget instructions
// first, the caller's instructions in order, and the relay tip transfer
// last so the tip only pays out if everything before it succeeded.
func (s *Submitter) BuildAtomicBundle(instructions []solana.Instruction, tipLamports uint64, blockhash solana.Hash) (*solana.Transaction, error) {
	if len(instructions) == 0 {
		return nil, errors.New("empty instruction set")
	}

	all := make([]solana.Instruction, 0, len(instructions)+3)
	if s.cfg.ComputeUnitLimit > 0 {
		limitIx, err := computebudget.NewSetComputeUnitLimitInstruction(s.cfg.ComputeUnitLimit).ValidateAndBuild()
		if err != nil {
			return nil, fmt.Errorf("build compute unit limit: %w", err)
		}
		all = append(all, limitIx)
	}
	if s.cfg.ComputeUnitPriceMicroLamports > 0 {
		priceIx, err := computebudget.NewSetComputeUnitPriceInstruction(s.cfg.ComputeUnitPriceMicroLamports).ValidateAndBuild()
		if err != nil {
			return nil, fmt.Errorf("build compute unit price: %w", err)
		}
		all = append(all, priceIx)
	}
	all = append(all, instructions...)

	if tipLamports > 0 {
		tipIx := system.NewTransferInstruction(tipLamports, s.signer.PublicKey(), s.tipAcct()).Build()
		all = append(all, tipIx)
	}

	opts := []solana.TransactionOption{solana.TransactionPayer(s.signer.PublicKey())}
	if s.cfg.LookupTableThreshold > 0 && len(all) > s.cfg.LookupTableThreshold && len(s.cfg.LookupTables) > 0 {
		opts = append(opts, solana.TransactionAddressTables(s.cfg.LookupTables))
	}

	tx, err := solana.NewTransaction(all, blockhash, opts...)
	if err != nil {
		return nil, fmt.Errorf("build bundle transaction: %w", err)
	}
	return tx, nil
}

// SubmitWithRetry lands a single-transaction bundle. Each attempt rebuilds
// against a fresh blockhash; relay failures escalate the tip by the
// configured factor up to the cap. A simulation failure ends the loop
// immediately since the bundle would fail on-chain no matter the tip.
func (s *Submitter) SubmitWithRetry(ctx context.Context, instructions []solana.Instruction) Result {
	tip := s.cfg.TipLamports

	var last Result
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		last = s.submitOnce(ctx, instructions, tip)
		last.Tip = tip
		if last.Landed || !Retryable(last.Err) {
			return last
		}

		s.logger.Warn("bundle attempt failed",
			"attempt", attempt,
			"phase", string(last.Phase),
			"tip", tip,
			"err", last.Err,
		)

		if ctx.Err() != nil {
			last.Err = ctx.Err()
			return last
		}
		tip = s.escalateTip(tip)
	}
	return last
}

func (s *Submitter) submitOnce(ctx context.Context, instructions []solana.Instruction, tip uint64) Result {
	blockhash, err := s.chain.LatestBlockhash(ctx)
	if err != nil {
		return Result{Phase: PhaseBuild, Err: &SubmissionError{Err: err}}
	}

	tx, err := s.BuildAtomicBundle(instructions, tip, blockhash)
	if err != nil {
		return Result{Phase: PhaseBuild, Err: err}
	}

	if err := s.chain.Simulate(ctx, tx); err != nil {
		return Result{Phase: PhaseSimulate, Err: err}
	}

	if err := s.sign(tx); err != nil {
		return Result{Phase: PhaseBuild, Err: err}
	}

	bundleID, err := s.relay.SendBundle(ctx, []*solana.Transaction{tx})
	if err != nil {
		return Result{Phase: PhaseSubmit, Err: &SubmissionError{Err: err}}
	}

	result := Result{
		BundleID:  bundleID,
		Signature: tx.Signatures[0],
		Phase:     PhaseConfirm,
	}
	if err := s.PollLanding(ctx, bundleID); err != nil {
		result.Err = err
		return result
	}
	result.Landed = true
	return result
}

// SubmitMulti lands up to MaxBundleTxs transactions atomically in order.
// All transactions share one blockhash and every one is simulated before
// anything is signed; the tip rides only on the final transaction.
func (s *Submitter) SubmitMulti(ctx context.Context, groups [][]solana.Instruction) Result {
	if len(groups) == 0 {
		return Result{Phase: PhaseBuild, Err: errors.New("empty bundle")}
	}
	if len(groups) > MaxBundleTxs {
		return Result{Phase: PhaseBuild, Err: fmt.Errorf("bundle of %d transactions exceeds limit %d", len(groups), MaxBundleTxs)}
	}

	blockhash, err := s.chain.LatestBlockhash(ctx)
	if err != nil {
		return Result{Phase: PhaseBuild, Err: &SubmissionError{Err: err}}
	}

	txs := make([]*solana.Transaction, 0, len(groups))
	for i, instructions := range groups {
		tip := uint64(0)
		if i == len(groups)-1 {
			tip = s.cfg.TipLamports
		}
		tx, err := s.BuildAtomicBundle(instructions, tip, blockhash)
		if err != nil {
			return Result{Phase: PhaseBuild, Err: fmt.Errorf("transaction %d: %w", i, err)}
		}
		txs = append(txs, tx)
	}

	for i, tx := range txs {
		if err := s.chain.Simulate(ctx, tx); err != nil {
			return Result{Phase: PhaseSimulate, Err: fmt.Errorf("transaction %d: %w", i, err)}
		}
	}

	for i, tx := range txs {
		if err := s.sign(tx); err != nil {
			return Result{Phase: PhaseBuild, Err: fmt.Errorf("sign transaction %d: %w", i, err)}
		}
	}

	bundleID, err := s.relay.SendBundle(ctx, txs)
	if err != nil {
		return Result{Phase: PhaseSubmit, Err: &SubmissionError{Err: err}}
	}

	result := Result{
		BundleID:  bundleID,
		Signature: txs[len(txs)-1].Signatures[0],
		Tip:       s.cfg.TipLamports,
		Phase:     PhaseConfirm,
	}
	if err := s.PollLanding(ctx, bundleID); err != nil {
		result.Err = err
		return result
	}
	result.Landed = true
	return result
}

// PollLanding waits for the relay to confirm the bundle, checking a bounded
// number of times at a fixed interval.
func (s *Submitter) PollLanding(ctx context.Context, bundleID string) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for attempt := 0; attempt < s.cfg.PollAttempts; attempt++ {
		statuses, err := s.relay.GetBundleStatuses(ctx, []string{bundleID})
		if err != nil {
			s.logger.Debug("bundle status poll failed", "bundle_id", bundleID, "err", err)
		}
		for _, status := range statuses {
			if status.BundleID != bundleID {
				continue
			}
			if status.Failed() {
				return &SubmissionError{Err: fmt.Errorf("bundle %s failed on-chain", bundleID)}
			}
			if status.Landed() {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return &SubmissionError{Err: ctx.Err()}
		case <-ticker.C:
		}
	}
	return &SubmissionError{Err: fmt.Errorf("bundle %s not landed after %d polls", bundleID, s.cfg.PollAttempts)}
}

func (s *Submitter) escalateTip(tip uint64) uint64 {
	next := uint64(float64(tip) * s.cfg.TipEscalationFactor)
	if next <= tip {
		next = tip + 1
	}
	if s.cfg.MaxTipLamports > 0 && next > s.cfg.MaxTipLamports {
		next = s.cfg.MaxTipLamports
	}
	return next
}

func (s *Submitter) sign(tx *solana.Transaction) error {
	_, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if s.signer.PublicKey().Equals(key) {
			return &s.signer
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("sign transaction: %w", err)
	}
	return nil
}

// RPCChain adapts a solana RPC client to the Chain interface.
type RPCChain struct {
	client     *rpc.Client
	commitment rpc.CommitmentType
}

func NewRPCChain(client *rpc.Client, commitment rpc.CommitmentType) *RPCChain {
	if commitment == "" {
		commitment = rpc.CommitmentConfirmed
	}
	return &RPCChain{client: client, commitment: commitment}
}

func (c *RPCChain) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	recent, err := c.client.GetLatestBlockhash(ctx, c.commitment)
	if err != nil {
		return solana.Hash{}, fmt.Errorf("get latest blockhash: %w", err)
	}
	return recent.Value.Blockhash, nil
}

// Simulate runs the unsigned transaction against current state. Signature
// verification is off so simulation can precede signing.
func (c *RPCChain) Simulate(ctx context.Context, tx *solana.Transaction) error {
	padSignatures(tx)
	out, err := c.client.SimulateTransactionWithOpts(ctx, tx, &rpc.SimulateTransactionOpts{
		SigVerify:              false,
		ReplaceRecentBlockhash: true,
		Commitment:             c.commitment,
	})
	if err != nil {
		return &SubmissionError{Err: fmt.Errorf("simulate transaction: %w", err)}
	}
	if out.Value != nil && out.Value.Err != nil {
		return &SimulationError{
			Reason: fmt.Sprintf("%v", out.Value.Err),
			Logs:   out.Value.Logs,
		}
	}
	return nil
}

// padSignatures fills placeholder signatures so an unsigned transaction
// serializes with the header's required signature count.
func padSignatures(tx *solana.Transaction) {
	required := int(tx.Message.Header.NumRequiredSignatures)
	for len(tx.Signatures) < required {
		tx.Signatures = append(tx.Signatures, solana.Signature{})
	}
}
