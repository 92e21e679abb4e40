package drift

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/gagliardetto/solana-go"
)

var (
	depositDisc  = globalDiscriminator("deposit")
	withdrawDisc = globalDiscriminator("withdraw")
)

func globalDiscriminator(name string) [8]byte {
	hash := sha256.Sum256([]byte("global:" + name))
	var out [8]byte
	copy(out[:], hash[:8])
	return out
}

func DeriveSpotMarketVaultPDA(marketIndex uint16) (solana.PublicKey, uint8, error) {
	idx := make([]byte, 2)
	binary.LittleEndian.PutUint16(idx, marketIndex)
	return solana.FindProgramAddress([][]byte{[]byte("spot_market_vault"), idx}, ProgramID)
}

func DeriveSignerPDA() (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte("drift_signer")}, ProgramID)
}

// collateralData serializes deposit/withdraw args: marketIndex u16,
// amount u64, reduceOnly bool.
func collateralData(disc [8]byte, marketIndex uint16, amount uint64, reduceOnly bool) []byte {
	data := make([]byte, 0, 8+2+8+1)
	data = append(data, disc[:]...)
	data = binary.LittleEndian.AppendUint16(data, marketIndex)
	data = binary.LittleEndian.AppendUint64(data, amount)
	if reduceOnly {
		data = append(data, 1)
	} else {
		data = append(data, 0)
	}
	return data
}

// NewDepositInstruction moves collateral from the authority's token account
// into the spot market vault for the given sub-account.
func NewDepositInstruction(authority solana.PublicKey, subAccountID uint16, spotMarketIndex uint16, amount uint64, userTokenAccount solana.PublicKey) (solana.Instruction, error) {
	state, _, err := DeriveStatePDA()
	if err != nil {
		return nil, err
	}
	user, _, err := DeriveUserPDA(authority, subAccountID)
	if err != nil {
		return nil, err
	}
	userStats, _, err := DeriveUserStatsPDA(authority)
	if err != nil {
		return nil, err
	}
	vault, _, err := DeriveSpotMarketVaultPDA(spotMarketIndex)
	if err != nil {
		return nil, err
	}

	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(state, false, false),
		solana.NewAccountMeta(user, true, false),
		solana.NewAccountMeta(userStats, true, false),
		solana.NewAccountMeta(authority, false, true),
		solana.NewAccountMeta(vault, true, false),
		solana.NewAccountMeta(userTokenAccount, true, false),
		solana.NewAccountMeta(solana.TokenProgramID, false, false),
	}
	return solana.NewInstruction(ProgramID, accounts, collateralData(depositDisc, spotMarketIndex, amount, false)), nil
}

// NewWithdrawInstruction moves collateral from the spot market vault back to
// the authority's token account. reduceOnly withdrawals never open a borrow.
func NewWithdrawInstruction(authority solana.PublicKey, subAccountID uint16, spotMarketIndex uint16, amount uint64, userTokenAccount solana.PublicKey, reduceOnly bool) (solana.Instruction, error) {
	state, _, err := DeriveStatePDA()
	if err != nil {
		return nil, err
	}
	user, _, err := DeriveUserPDA(authority, subAccountID)
	if err != nil {
		return nil, err
	}
	userStats, _, err := DeriveUserStatsPDA(authority)
	if err != nil {
		return nil, err
	}
	vault, _, err := DeriveSpotMarketVaultPDA(spotMarketIndex)
	if err != nil {
		return nil, err
	}
	driftSigner, _, err := DeriveSignerPDA()
	if err != nil {
		return nil, err
	}

	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(state, false, false),
		solana.NewAccountMeta(user, true, false),
		solana.NewAccountMeta(userStats, true, false),
		solana.NewAccountMeta(authority, false, true),
		solana.NewAccountMeta(vault, true, false),
		solana.NewAccountMeta(driftSigner, false, false),
		solana.NewAccountMeta(userTokenAccount, true, false),
		solana.NewAccountMeta(solana.TokenProgramID, false, false),
	}
	return solana.NewInstruction(ProgramID, accounts, collateralData(withdrawDisc, spotMarketIndex, amount, reduceOnly)), nil
}

// NewPlacePerpOrderInstruction wraps the order data with the standard
// place_perp_order account set.
func NewPlacePerpOrderInstruction(authority solana.PublicKey, subAccountID uint16, marketIndex uint16, direction uint8, baseAssetAmount uint64, reduceOnly bool) (solana.Instruction, error) {
	state, _, err := DeriveStatePDA()
	if err != nil {
		return nil, err
	}
	user, _, err := DeriveUserPDA(authority, subAccountID)
	if err != nil {
		return nil, err
	}

	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(state, false, false),
		solana.NewAccountMeta(user, true, false),
		solana.NewAccountMeta(authority, false, true),
	}
	return solana.NewInstruction(ProgramID, accounts, PlacePerpOrderData(marketIndex, direction, baseAssetAmount, reduceOnly)), nil
}
