package shield

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/ghostfi/ghost/backend/internal/bundle"
	"github.com/ghostfi/ghost/backend/internal/drift"
	"github.com/ghostfi/ghost/backend/internal/ordercodec"
)

// Phase names the step of a shielded trade a failure belongs to, so callers
// can resume precisely.
type Phase string

const (
	PhaseDecompress Phase = "decompress"
	PhaseDeposit    Phase = "deposit"
	PhaseTrade      Phase = "trade"
	PhaseWithdraw   Phase = "withdraw"
	PhaseCompress   Phase = "compress"
)

// PhaseError wraps a failure with the shielded-trade step it occurred in.
type PhaseError struct {
	Phase Phase
	Err   error
}

func (e *PhaseError) Error() string { return fmt.Sprintf("%s: %v", e.Phase, e.Err) }
func (e *PhaseError) Unwrap() error { return e.Err }

// Submitter lands instruction sets as atomic bundles.
type Submitter interface {
	SubmitWithRetry(ctx context.Context, instructions []solana.Instruction) bundle.Result
}

// TradeParams describes one shielded perp trade.
type TradeParams struct {
	Owner            solana.PublicKey
	SubAccountID     uint16
	TokenMint        solana.PublicKey
	SpotMarketIndex  uint16
	PerpMarketIndex  uint16
	CollateralAmount uint64
	BaseAssetAmount  uint64
	Side             ordercodec.Side
}

// Orchestrator interleaves private-balance moves with venue trades. Opening
// is fail-closed: if privacy instructions cannot be built, the trade is
// refused. Closing tolerates a missing final compress by recording the
// withdrawn amount as a pending settlement instead of dropping it.
type Orchestrator struct {
	submitter   Submitter
	compression *CompressionClient
	store       SettlementStore
	logger      *slog.Logger
	now         func() time.Time
}

func NewOrchestrator(submitter Submitter, compression *CompressionClient, store SettlementStore, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		submitter:   submitter,
		compression: compression,
		store:       store,
		logger:      logger,
		now:         time.Now,
	}
}

// OpenShielded decompresses collateral, deposits it as margin, and opens the
// position in one atomic bundle.
func (o *Orchestrator) OpenShielded(ctx context.Context, params TradeParams) (bundle.Result, error) {
	pool, err := o.compression.ResolvePool(ctx, params.TokenMint)
	if err != nil {
		return bundle.Result{}, &PhaseError{Phase: PhaseDecompress, Err: err}
	}
	tokenAccount, _, err := solana.FindAssociatedTokenAddress(params.Owner, params.TokenMint)
	if err != nil {
		return bundle.Result{}, &PhaseError{Phase: PhaseDecompress, Err: err}
	}

	decompressIx := o.compression.DecompressInstruction(params.Owner, params.TokenMint, pool, tokenAccount, params.CollateralAmount)

	depositIx, err := drift.NewDepositInstruction(params.Owner, params.SubAccountID, params.SpotMarketIndex, params.CollateralAmount, tokenAccount)
	if err != nil {
		return bundle.Result{}, &PhaseError{Phase: PhaseDeposit, Err: err}
	}

	tradeIx, err := drift.NewPlacePerpOrderInstruction(params.Owner, params.SubAccountID, params.PerpMarketIndex, uint8(params.Side), params.BaseAssetAmount, false)
	if err != nil {
		return bundle.Result{}, &PhaseError{Phase: PhaseTrade, Err: err}
	}

	result := o.submitter.SubmitWithRetry(ctx, []solana.Instruction{decompressIx, depositIx, tradeIx})
	if !result.Landed {
		return result, &PhaseError{Phase: PhaseTrade, Err: result.Err}
	}
	return result, nil
}

// CloseShielded closes the position reduce-only, withdraws the collateral,
// and compresses it back to the private balance. If the compress instruction
// cannot be built, the trade still runs and the withdrawn amount becomes a
// pending settlement keyed by the landing signature.
func (o *Orchestrator) CloseShielded(ctx context.Context, params TradeParams) (bundle.Result, error) {
	tokenAccount, _, err := solana.FindAssociatedTokenAddress(params.Owner, params.TokenMint)
	if err != nil {
		return bundle.Result{}, &PhaseError{Phase: PhaseTrade, Err: err}
	}

	tradeIx, err := drift.NewPlacePerpOrderInstruction(params.Owner, params.SubAccountID, params.PerpMarketIndex, closingDirection(params.Side), params.BaseAssetAmount, true)
	if err != nil {
		return bundle.Result{}, &PhaseError{Phase: PhaseTrade, Err: err}
	}

	withdrawIx, err := drift.NewWithdrawInstruction(params.Owner, params.SubAccountID, params.SpotMarketIndex, params.CollateralAmount, tokenAccount, true)
	if err != nil {
		return bundle.Result{}, &PhaseError{Phase: PhaseWithdraw, Err: err}
	}

	instructions := []solana.Instruction{tradeIx, withdrawIx}

	var compressGap error
	pool, err := o.compression.ResolvePool(ctx, params.TokenMint)
	if err != nil {
		compressGap = err
	} else {
		instructions = append(instructions, o.compression.CompressInstruction(params.Owner, params.TokenMint, pool, tokenAccount, params.CollateralAmount))
	}

	result := o.submitter.SubmitWithRetry(ctx, instructions)
	if !result.Landed {
		return result, &PhaseError{Phase: PhaseTrade, Err: result.Err}
	}

	if compressGap != nil {
		o.logger.Warn("close landed without compress step, recording pending settlement",
			"owner", params.Owner.String(),
			"amount", params.CollateralAmount,
			"err", compressGap,
		)
		record := PendingSettlement{
			Owner:     params.Owner,
			TokenMint: params.TokenMint,
			Amount:    params.CollateralAmount,
			Phase:     PhaseCompress,
			Reference: result.Signature.String(),
			CreatedAt: o.now().Unix(),
		}
		if err := o.store.RecordPending(ctx, record); err != nil {
			return result, &PhaseError{Phase: PhaseCompress, Err: err}
		}
	}
	return result, nil
}

// SettlePending retries the compress step for every pending settlement. It
// is idempotent: settled rows are cleared once and a call with nothing
// pending does nothing.
func (o *Orchestrator) SettlePending(ctx context.Context) error {
	pending, err := o.store.ListPending(ctx)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	var errs []error
	for _, settlement := range pending {
		if err := o.settleOne(ctx, settlement); err != nil {
			errs = append(errs, fmt.Errorf("settlement %d: %w", settlement.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) settleOne(ctx context.Context, settlement PendingSettlement) error {
	pool, err := o.compression.ResolvePool(ctx, settlement.TokenMint)
	if err != nil {
		_ = o.store.RecordAttempt(ctx, settlement.ID, err.Error())
		return err
	}
	tokenAccount, _, err := solana.FindAssociatedTokenAddress(settlement.Owner, settlement.TokenMint)
	if err != nil {
		_ = o.store.RecordAttempt(ctx, settlement.ID, err.Error())
		return err
	}

	compressIx := o.compression.CompressInstruction(settlement.Owner, settlement.TokenMint, pool, tokenAccount, settlement.Amount)
	result := o.submitter.SubmitWithRetry(ctx, []solana.Instruction{compressIx})
	if !result.Landed {
		errMsg := "bundle not landed"
		if result.Err != nil {
			errMsg = result.Err.Error()
		}
		_ = o.store.RecordAttempt(ctx, settlement.ID, errMsg)
		return &PhaseError{Phase: PhaseCompress, Err: result.Err}
	}

	if err := o.store.MarkSettled(ctx, settlement.ID, result.Signature.String()); err != nil {
		return err
	}
	o.logger.Info("pending settlement cleared",
		"id", settlement.ID,
		"owner", settlement.Owner.String(),
		"amount", settlement.Amount,
		"signature", result.Signature.String(),
	)
	return nil
}

func closingDirection(side ordercodec.Side) uint8 {
	if side == ordercodec.SideLong {
		return uint8(ordercodec.SideShort)
	}
	return uint8(ordercodec.SideLong)
}
