// Package shield composes privacy-preserving balance moves with venue trades
// into atomic bundles and tracks settlement that could not complete in-bundle.
package shield

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// CompressedTokenProgramID is the compressed-token program that holds the
// per-mint omnibus pools.
var CompressedTokenProgramID = solana.MustPublicKeyFromBase58("cTokenmWW8bLPjZEBAUgYy3zKxQZW6VKi7bqNFEVv3m")

// ErrNoCompressionPool means the mint has no on-chain compression pool, so
// no privacy instruction can be constructed for it.
var ErrNoCompressionPool = errors.New("no compression pool for mint")

var (
	compressDisc   = anchorDiscriminator("compress")
	decompressDisc = anchorDiscriminator("decompress")
)

func anchorDiscriminator(name string) [8]byte {
	hash := sha256.Sum256([]byte("global:" + name))
	var out [8]byte
	copy(out[:], hash[:8])
	return out
}

// AccountReader is the read-only chain surface the client needs.
type AccountReader interface {
	GetAccountInfo(ctx context.Context, account solana.PublicKey) (*rpc.GetAccountInfoResult, error)
}

// CompressionClient resolves per-mint pools on-chain and builds the
// compress/decompress instructions around them.
type CompressionClient struct {
	reader    AccountReader
	programID solana.PublicKey
}

func NewCompressionClient(reader AccountReader) *CompressionClient {
	return &CompressionClient{reader: reader, programID: CompressedTokenProgramID}
}

func DerivePoolPDA(mint solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte("pool"), mint.Bytes()}, CompressedTokenProgramID)
}

// ResolvePool derives the mint's pool address and verifies it exists on
// chain. A missing pool account fails with ErrNoCompressionPool so callers
// can refuse the trade instead of executing it unshielded.
func (c *CompressionClient) ResolvePool(ctx context.Context, mint solana.PublicKey) (solana.PublicKey, error) {
	pool, _, err := DerivePoolPDA(mint)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("derive compression pool: %w", err)
	}

	info, err := c.reader.GetAccountInfo(ctx, pool)
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return solana.PublicKey{}, fmt.Errorf("%w: %s", ErrNoCompressionPool, mint)
		}
		return solana.PublicKey{}, fmt.Errorf("fetch compression pool: %w", err)
	}
	if info == nil || info.Value == nil || !info.Value.Owner.Equals(c.programID) {
		return solana.PublicKey{}, fmt.Errorf("%w: %s", ErrNoCompressionPool, mint)
	}
	return pool, nil
}

// CompressInstruction moves amount from the owner's public token account
// into the mint's compression pool.
func (c *CompressionClient) CompressInstruction(owner, mint, pool, tokenAccount solana.PublicKey, amount uint64) solana.Instruction {
	return c.poolInstruction(compressDisc, owner, mint, pool, tokenAccount, amount)
}

// DecompressInstruction moves amount from the compression pool back into the
// owner's public token account.
func (c *CompressionClient) DecompressInstruction(owner, mint, pool, tokenAccount solana.PublicKey, amount uint64) solana.Instruction {
	return c.poolInstruction(decompressDisc, owner, mint, pool, tokenAccount, amount)
}

func (c *CompressionClient) poolInstruction(disc [8]byte, owner, mint, pool, tokenAccount solana.PublicKey, amount uint64) solana.Instruction {
	data := make([]byte, 0, 8+8)
	data = append(data, disc[:]...)
	data = binary.LittleEndian.AppendUint64(data, amount)

	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(owner, true, true),
		solana.NewAccountMeta(pool, true, false),
		solana.NewAccountMeta(tokenAccount, true, false),
		solana.NewAccountMeta(mint, false, false),
		solana.NewAccountMeta(solana.TokenProgramID, false, false),
	}
	return solana.NewInstruction(c.programID, accounts, data)
}
