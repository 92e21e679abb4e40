package ghostbridge

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// Instruction discriminators are a hard external contract: 8 bytes of
// sha256("global:<instruction_name>") with the deployed program's exact
// snake_case names.
var (
	initExecutorDisc           = instructionDiscriminator("init_executor")
	delegateExecutorDisc       = instructionDiscriminator("delegate_executor")
	undelegateExecutorDisc     = instructionDiscriminator("undelegate_executor")
	authorizeExecutorDisc      = instructionDiscriminator("authorize_executor")
	createEncryptedOrderDisc   = instructionDiscriminator("create_encrypted_order")
	delegateEncryptedOrderDisc = instructionDiscriminator("delegate_encrypted_order")
	triggerAndExecuteDisc      = instructionDiscriminator("trigger_and_execute")
	cancelEncryptedOrderDisc   = instructionDiscriminator("cancel_encrypted_order")
	closeEncryptedOrderDisc    = instructionDiscriminator("close_encrypted_order")
	scheduleMonitoringDisc     = instructionDiscriminator("schedule_encrypted_monitoring")
	checkPriceUpdateDisc       = instructionDiscriminator("check_price_update")
)

func instructionDiscriminator(ixName string) [8]byte {
	hash := sha256.Sum256([]byte("global:" + ixName))
	var out [8]byte
	copy(out[:], hash[:8])
	return out
}

// NewInitExecutorInstruction creates the owner's ExecutorAuthority PDA.
func NewInitExecutorInstruction(owner solana.PublicKey) solana.Instruction {
	executorAuthority := MustDeriveExecutorAuthorityPDA(owner)

	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(owner, true, true),
		solana.NewAccountMeta(executorAuthority, true, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	}
	return solana.NewInstruction(ProgramID, accounts, initExecutorDisc[:])
}

// NewDelegateExecutorInstruction hands the ExecutorAuthority PDA to the
// ephemeral execution context. Valid only while undelegated.
func NewDelegateExecutorInstruction(owner solana.PublicKey) (solana.Instruction, error) {
	executorAuthority := MustDeriveExecutorAuthorityPDA(owner)
	return newDelegateInstruction(delegateExecutorDisc[:], executorAuthority, solana.AccountMetaSlice{
		solana.NewAccountMeta(owner, true, true),
		solana.NewAccountMeta(executorAuthority, false, false),
		solana.NewAccountMeta(executorAuthority, true, false),
	})
}

// NewUndelegateExecutorInstruction commits the ExecutorAuthority back to the
// base ledger. Valid only while delegated.
func NewUndelegateExecutorInstruction(payer, owner solana.PublicKey) solana.Instruction {
	executorAuthority := MustDeriveExecutorAuthorityPDA(owner)

	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(payer, true, true),
		solana.NewAccountMeta(executorAuthority, true, false),
		solana.NewAccountMeta(MagicContextID, false, false),
		solana.NewAccountMeta(MagicProgramID, false, false),
	}
	return solana.NewInstruction(ProgramID, accounts, undelegateExecutorDisc[:])
}

// NewAuthorizeExecutorInstruction grants (or revokes) a standing executor key
// on the owner's authority account.
func NewAuthorizeExecutorInstruction(owner, executor solana.PublicKey, authorize bool) solana.Instruction {
	executorAuthority := MustDeriveExecutorAuthorityPDA(owner)

	data := make([]byte, 0, 8+32+1)
	data = append(data, authorizeExecutorDisc[:]...)
	data = append(data, executor.Bytes()...)
	data = append(data, boolByte(authorize))

	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(owner, true, true),
		solana.NewAccountMeta(executorAuthority, true, false),
	}
	return solana.NewInstruction(ProgramID, accounts, data)
}

// NewCreateEncryptedOrderInstruction publishes the commitment hash and the
// sealed order. The data layout is fixed: hash(32) + ciphertext padded to
// 256 + actual length (u16 LE) + feed id (32), after the discriminator.
func NewCreateEncryptedOrderInstruction(
	owner solana.PublicKey,
	orderHash [32]byte,
	ciphertext []byte,
	feedID [32]byte,
) (solana.Instruction, error) {
	if len(ciphertext) == 0 {
		return nil, fmt.Errorf("create_encrypted_order: empty ciphertext")
	}
	if len(ciphertext) > MaxEncryptedDataLen {
		return nil, fmt.Errorf("create_encrypted_order: ciphertext is %d bytes, cap is %d", len(ciphertext), MaxEncryptedDataLen)
	}

	executorAuthority := MustDeriveExecutorAuthorityPDA(owner)
	encryptedOrder := MustDeriveEncryptedOrderPDA(owner, orderHash)

	data := make([]byte, 0, 8+32+MaxEncryptedDataLen+2+32)
	data = append(data, createEncryptedOrderDisc[:]...)
	data = append(data, orderHash[:]...)
	var padded [MaxEncryptedDataLen]byte
	copy(padded[:], ciphertext)
	data = append(data, padded[:]...)
	data = binary.LittleEndian.AppendUint16(data, uint16(len(ciphertext)))
	data = append(data, feedID[:]...)

	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(owner, true, true),
		solana.NewAccountMeta(executorAuthority, true, false),
		solana.NewAccountMeta(encryptedOrder, true, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	}
	return solana.NewInstruction(ProgramID, accounts, data), nil
}

// NewDelegateEncryptedOrderInstruction hands a single order account to the
// ephemeral execution context for low-latency monitoring.
func NewDelegateEncryptedOrderInstruction(payer solana.PublicKey, orderHash [32]byte) (solana.Instruction, error) {
	encryptedOrder := MustDeriveEncryptedOrderPDA(payer, orderHash)
	executorAuthority := MustDeriveExecutorAuthorityPDA(payer)

	data := make([]byte, 0, 8+32)
	data = append(data, delegateEncryptedOrderDisc[:]...)
	data = append(data, orderHash[:]...)

	return newDelegateInstruction(data, encryptedOrder, solana.AccountMetaSlice{
		solana.NewAccountMeta(payer, true, true),
		solana.NewAccountMeta(encryptedOrder, true, false),
		solana.NewAccountMeta(executorAuthority, true, false),
	})
}

// TriggerAndExecuteArgs carries the decrypted order parameters back on-chain;
// the program recomputes the commitment and refuses a mismatch.
type TriggerAndExecuteArgs struct {
	Salt             [16]uint8
	OrderID          uint64
	MarketIndex      uint16
	TriggerPrice     int64
	TriggerCondition uint8
	OrderSide        uint8
	BaseAssetAmount  uint64
	ReduceOnly       bool
	Expiry           int64
	RedelegateAfter  bool
}

// TriggerAndExecuteAccounts are the execution-venue accounts resolved at
// execution time (never cached across ticks).
type TriggerAndExecuteAccounts struct {
	DriftState     solana.PublicKey
	DriftUser      solana.PublicKey
	DriftUserStats solana.PublicKey
	DriftAuthority solana.PublicKey
	PerpMarket     solana.PublicKey
	Oracle         solana.PublicKey
	PriceFeed      solana.PublicKey
}

// NewTriggerAndExecuteInstruction reveals the order, re-checks the trigger
// on-chain and places the perp order atomically.
func NewTriggerAndExecuteInstruction(
	payer solana.PublicKey,
	owner solana.PublicKey,
	orderHash [32]byte,
	args TriggerAndExecuteArgs,
	accs TriggerAndExecuteAccounts,
) (solana.Instruction, error) {
	encryptedOrder := MustDeriveEncryptedOrderPDA(owner, orderHash)
	executorAuthority := MustDeriveExecutorAuthorityPDA(owner)

	var buf bytes.Buffer
	buf.Write(triggerAndExecuteDisc[:])
	if err := bin.NewBorshEncoder(&buf).Encode(args); err != nil {
		return nil, fmt.Errorf("encode trigger_and_execute args: %w", err)
	}

	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(payer, true, true),
		solana.NewAccountMeta(encryptedOrder, true, false),
		solana.NewAccountMeta(executorAuthority, true, false),
		solana.NewAccountMeta(accs.PriceFeed, false, false),
		solana.NewAccountMeta(accs.DriftState, false, false),
		solana.NewAccountMeta(accs.DriftUser, true, false),
		solana.NewAccountMeta(accs.DriftUserStats, true, false),
		solana.NewAccountMeta(accs.DriftAuthority, false, false),
		solana.NewAccountMeta(accs.PerpMarket, true, false),
		solana.NewAccountMeta(accs.Oracle, false, false),
		solana.NewAccountMeta(MagicContextID, false, false),
		solana.NewAccountMeta(MagicProgramID, false, false),
	}
	return solana.NewInstruction(ProgramID, accounts, buf.Bytes()), nil
}

// NewCancelEncryptedOrderInstruction is owner-only and valid while Active.
func NewCancelEncryptedOrderInstruction(owner solana.PublicKey, orderHash [32]byte) solana.Instruction {
	encryptedOrder := MustDeriveEncryptedOrderPDA(owner, orderHash)
	executorAuthority := MustDeriveExecutorAuthorityPDA(owner)

	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(owner, true, true),
		solana.NewAccountMeta(encryptedOrder, true, false),
		solana.NewAccountMeta(executorAuthority, true, false),
	}
	return solana.NewInstruction(ProgramID, accounts, cancelEncryptedOrderDisc[:])
}

// NewCloseEncryptedOrderInstruction reclaims rent once the order is Executed
// or Cancelled.
func NewCloseEncryptedOrderInstruction(owner solana.PublicKey, orderHash [32]byte) solana.Instruction {
	encryptedOrder := MustDeriveEncryptedOrderPDA(owner, orderHash)

	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(owner, true, true),
		solana.NewAccountMeta(encryptedOrder, true, false),
	}
	return solana.NewInstruction(ProgramID, accounts, closeEncryptedOrderDisc[:])
}

// ScheduleEncryptedMonitoringArgs configures the on-chain price-check task
// that runs while the order is delegated.
type ScheduleEncryptedMonitoringArgs struct {
	TaskID              int64
	CheckIntervalMillis int64
	MaxIterations       int64
}

func NewScheduleEncryptedMonitoringInstruction(
	payer solana.PublicKey,
	owner solana.PublicKey,
	orderHash [32]byte,
	priceFeed solana.PublicKey,
	args ScheduleEncryptedMonitoringArgs,
) (solana.Instruction, error) {
	encryptedOrder := MustDeriveEncryptedOrderPDA(owner, orderHash)

	var buf bytes.Buffer
	buf.Write(scheduleMonitoringDisc[:])
	if err := bin.NewBorshEncoder(&buf).Encode(args); err != nil {
		return nil, fmt.Errorf("encode schedule_encrypted_monitoring args: %w", err)
	}

	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(payer, true, true),
		solana.NewAccountMeta(encryptedOrder, true, false),
		solana.NewAccountMeta(priceFeed, false, false),
		solana.NewAccountMeta(MagicProgramID, false, false),
	}
	return solana.NewInstruction(ProgramID, accounts, buf.Bytes()), nil
}

// NewCheckPriceUpdateInstruction is the read-only probe the scheduled task
// replays against a delegated order.
func NewCheckPriceUpdateInstruction(owner solana.PublicKey, orderHash [32]byte, priceFeed solana.PublicKey) solana.Instruction {
	encryptedOrder := MustDeriveEncryptedOrderPDA(owner, orderHash)

	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(encryptedOrder, false, false),
		solana.NewAccountMeta(priceFeed, false, false),
	}
	return solana.NewInstruction(ProgramID, accounts, checkPriceUpdateDisc[:])
}

// newDelegateInstruction appends the delegation-program account set shared by
// both delegate paths: buffer under the owning program, record and metadata
// under the delegation program.
func newDelegateInstruction(data []byte, delegated solana.PublicKey, leading solana.AccountMetaSlice) (solana.Instruction, error) {
	buffer, _, err := DeriveDelegationBufferPDA(delegated)
	if err != nil {
		return nil, fmt.Errorf("derive delegation buffer PDA: %w", err)
	}
	record, _, err := DeriveDelegationRecordPDA(delegated)
	if err != nil {
		return nil, fmt.Errorf("derive delegation record PDA: %w", err)
	}
	metadata, _, err := DeriveDelegationMetadataPDA(delegated)
	if err != nil {
		return nil, fmt.Errorf("derive delegation metadata PDA: %w", err)
	}

	accounts := append(solana.AccountMetaSlice{}, leading...)
	accounts = append(accounts,
		solana.NewAccountMeta(buffer, true, false),
		solana.NewAccountMeta(record, true, false),
		solana.NewAccountMeta(metadata, true, false),
		solana.NewAccountMeta(ProgramID, false, false),
		solana.NewAccountMeta(DelegationProgramID, false, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	)
	return solana.NewInstruction(ProgramID, accounts, data), nil
}
