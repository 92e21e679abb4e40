package ghostbridge

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// ProgramID is the deployed ghost-bridge program. Overridable from config for
// local validators.
var ProgramID = solana.MustPublicKeyFromBase58("8w95bQ7UzKHKa4NYvyVeAVGN3dMgwshJhhTinPfabMLA")

var (
	MagicProgramID      = solana.MustPublicKeyFromBase58("Magic11111111111111111111111111111111111111")
	MagicContextID      = solana.MustPublicKeyFromBase58("MagicContext1111111111111111111111111111111")
	DelegationProgramID = solana.MustPublicKeyFromBase58("DELeGGvXpWV2fqJUhqcF5ZSYMS4JTLjteaAMARRSaeSh")
	PythReceiverID      = solana.MustPublicKeyFromBase58("rec5EKMGg6MxZYaMdyBfgwp4d5rB9T1VQH5pJv5LtFJ")
)

const (
	executorSeed       = "executor"
	encryptedOrderSeed = "encrypted_order"
)

func DeriveExecutorAuthorityPDA(owner solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte(executorSeed), owner.Bytes()}, ProgramID)
}

func DeriveEncryptedOrderPDA(owner solana.PublicKey, orderHash [32]byte) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte(encryptedOrderSeed), owner.Bytes(), orderHash[:]}, ProgramID)
}

// Delegation PDAs for handing a ghost-bridge account to the ephemeral
// execution context. Buffer lives under the owning program, record and
// metadata under the delegation program.
func DeriveDelegationBufferPDA(delegated solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte("buffer"), delegated.Bytes()}, ProgramID)
}

func DeriveDelegationRecordPDA(delegated solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte("delegation"), delegated.Bytes()}, DelegationProgramID)
}

func DeriveDelegationMetadataPDA(delegated solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte("delegation-metadata"), delegated.Bytes()}, DelegationProgramID)
}

func MustDeriveExecutorAuthorityPDA(owner solana.PublicKey) solana.PublicKey {
	pk, _, err := DeriveExecutorAuthorityPDA(owner)
	if err != nil {
		panic(fmt.Errorf("derive executor authority PDA: %w", err))
	}
	return pk
}

func MustDeriveEncryptedOrderPDA(owner solana.PublicKey, orderHash [32]byte) solana.PublicKey {
	pk, _, err := DeriveEncryptedOrderPDA(owner, orderHash)
	if err != nil {
		panic(fmt.Errorf("derive encrypted order PDA: %w", err))
	}
	return pk
}
