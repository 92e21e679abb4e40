// Package drift builds the execution-venue instruction data and derives the
// venue accounts for order execution. The instruction layout follows the
// drift v2 IDL; the 8-byte discriminator is sha256("global:place_perp_order").
package drift

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

var ProgramID = solana.MustPublicKeyFromBase58("dRiftyHA39MWEi3m9aunc5MzRF1JYuBsbn6VPcn33UH")

var placePerpOrderDisc = func() [8]byte {
	hash := sha256.Sum256([]byte("global:place_perp_order"))
	var out [8]byte
	copy(out[:], hash[:8])
	return out
}()

type OrderType uint8

const (
	OrderTypeMarket        OrderType = 0
	OrderTypeLimit         OrderType = 1
	OrderTypeTriggerMarket OrderType = 2
	OrderTypeTriggerLimit  OrderType = 3
	OrderTypeOracle        OrderType = 4
)

const marketTypePerp = 1

// PlacePerpOrderData serializes a market perp order. Borsh layout, 40 bytes:
// discriminator, orderType, marketType, direction, userOrderId,
// baseAssetAmount u64, price u64, marketIndex u16, reduceOnly, postOnly,
// bitFlags, then seven None option bytes (maxTs, triggerPrice,
// triggerCondition, oraclePriceOffset, auctionDuration, auctionStartPrice,
// auctionEndPrice).
func PlacePerpOrderData(marketIndex uint16, direction uint8, baseAssetAmount uint64, reduceOnly bool) []byte {
	return placePerpOrderData(OrderTypeMarket, marketIndex, direction, baseAssetAmount, 0, reduceOnly)
}

func placePerpOrderData(orderType OrderType, marketIndex uint16, direction uint8, baseAssetAmount, price uint64, reduceOnly bool) []byte {
	data := make([]byte, 0, 40)
	data = append(data, placePerpOrderDisc[:]...)
	data = append(data, uint8(orderType), marketTypePerp, direction, 0)
	data = binary.LittleEndian.AppendUint64(data, baseAssetAmount)
	data = binary.LittleEndian.AppendUint64(data, price)
	data = binary.LittleEndian.AppendUint16(data, marketIndex)
	if reduceOnly {
		data = append(data, 1)
	} else {
		data = append(data, 0)
	}
	// postOnly, bitFlags, then all optional fields None.
	data = append(data, 0, 0, 0, 0, 0, 0, 0, 0, 0)
	return data
}

func DeriveStatePDA() (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte("drift_state")}, ProgramID)
}

func DeriveUserPDA(authority solana.PublicKey, subAccountID uint16) (solana.PublicKey, uint8, error) {
	sub := make([]byte, 2)
	binary.LittleEndian.PutUint16(sub, subAccountID)
	return solana.FindProgramAddress([][]byte{[]byte("user"), authority.Bytes(), sub}, ProgramID)
}

func DeriveUserStatsPDA(authority solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte("user_stats"), authority.Bytes()}, ProgramID)
}

func DerivePerpMarketPDA(marketIndex uint16) (solana.PublicKey, uint8, error) {
	idx := make([]byte, 2)
	binary.LittleEndian.PutUint16(idx, marketIndex)
	return solana.FindProgramAddress([][]byte{[]byte("perp_market"), idx}, ProgramID)
}

// OracleFromPerpMarket extracts the oracle pubkey from raw perp-market
// account data. The market struct begins with the 8-byte discriminator and
// its own pubkey; the AMM block follows and starts with the oracle.
func OracleFromPerpMarket(data []byte) (solana.PublicKey, error) {
	const oracleOffset = 8 + 32
	if len(data) < oracleOffset+32 {
		return solana.PublicKey{}, fmt.Errorf("perp market account too short: %d bytes", len(data))
	}
	var oracle solana.PublicKey
	copy(oracle[:], data[oracleOffset:oracleOffset+32])
	return oracle, nil
}
