package executor

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/ghostfi/ghost/backend/internal/drift"
	"github.com/ghostfi/ghost/backend/internal/ghostbridge"
)

var pythPushOracleProgramID = solana.MustPublicKeyFromBase58("pythWSnswVUd12oZpeFP8e9CVaEqJg25g1Vtc2biRsT")

// chainReader is the read-only RPC surface the coordinator uses.
type chainReader interface {
	GetAccountInfo(ctx context.Context, account solana.PublicKey) (*rpc.GetAccountInfoResult, error)
	GetMultipleAccounts(ctx context.Context, accounts ...solana.PublicKey) (*rpc.GetMultipleAccountsResult, error)
}

// DerivePriceFeedPDA resolves the push-oracle feed account for a feed id,
// shard 0.
func DerivePriceFeedPDA(feedID [32]byte) (solana.PublicKey, error) {
	shard := []byte{0, 0}
	key, _, err := solana.FindProgramAddress([][]byte{shard, feedID[:]}, pythPushOracleProgramID)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("derive price feed PDA: %w", err)
	}
	return key, nil
}

// resolveExecutionAccounts derives the venue accounts for one execution and
// reads the perp market to find its oracle. Resolved fresh every time; market
// accounts are never cached across ticks.
func resolveExecutionAccounts(ctx context.Context, chain chainReader, authority solana.PublicKey, subAccountID uint16, marketIndex uint16, feedID [32]byte) (ghostbridge.TriggerAndExecuteAccounts, error) {
	var out ghostbridge.TriggerAndExecuteAccounts

	state, _, err := drift.DeriveStatePDA()
	if err != nil {
		return out, fmt.Errorf("derive drift state: %w", err)
	}
	user, _, err := drift.DeriveUserPDA(authority, subAccountID)
	if err != nil {
		return out, fmt.Errorf("derive drift user: %w", err)
	}
	userStats, _, err := drift.DeriveUserStatsPDA(authority)
	if err != nil {
		return out, fmt.Errorf("derive drift user stats: %w", err)
	}
	perpMarket, _, err := drift.DerivePerpMarketPDA(marketIndex)
	if err != nil {
		return out, fmt.Errorf("derive perp market: %w", err)
	}

	info, err := chain.GetAccountInfo(ctx, perpMarket)
	if err != nil {
		return out, fmt.Errorf("fetch perp market %d: %w", marketIndex, err)
	}
	if info == nil || info.Value == nil {
		return out, fmt.Errorf("perp market %d not found", marketIndex)
	}
	oracle, err := drift.OracleFromPerpMarket(info.Value.Data.GetBinary())
	if err != nil {
		return out, fmt.Errorf("resolve oracle for market %d: %w", marketIndex, err)
	}

	priceFeed, err := DerivePriceFeedPDA(feedID)
	if err != nil {
		return out, err
	}

	out.DriftState = state
	out.DriftUser = user
	out.DriftUserStats = userStats
	out.DriftAuthority = authority
	out.PerpMarket = perpMarket
	out.Oracle = oracle
	out.PriceFeed = priceFeed
	return out, nil
}
