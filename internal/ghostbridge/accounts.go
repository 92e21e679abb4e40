package ghostbridge

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// ErrParse is returned when on-chain account data cannot be decoded. Parsers
// fail closed: a short or mistagged buffer never yields a partial struct.
var ErrParse = errors.New("account parse failed")

const (
	MaxEncryptedDataLen   = 256
	MaxOrdersPerExecutor  = 16
	MaxAuthorizedExecutor = 4

	EncryptedOrderLen    = 8 + 32 + 32 + 32 + MaxEncryptedDataLen + 2 + 32 + 8 + 8 + 8 + 1 + 1 + 1
	ExecutorAuthorityLen = 8 + 32 + 8 + 1 + 1 + 32*MaxOrdersPerExecutor + 1 + 32*MaxAuthorizedExecutor + 1
)

var (
	encryptedOrderDiscriminator    = accountDiscriminator("EncryptedOrder")
	executorAuthorityDiscriminator = accountDiscriminator("ExecutorAuthority")
)

type OrderStatus uint8

const (
	OrderStatusActive    OrderStatus = 0
	OrderStatusTriggered OrderStatus = 1
	OrderStatusExecuted  OrderStatus = 2
	OrderStatusCancelled OrderStatus = 3
)

func (s OrderStatus) String() string {
	switch s {
	case OrderStatusActive:
		return "active"
	case OrderStatusTriggered:
		return "triggered"
	case OrderStatusExecuted:
		return "executed"
	case OrderStatusCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// EncryptedOrder mirrors the on-chain account byte for byte (421 bytes with
// discriminator). Only the ciphertext, commitment hash and feed id are public;
// the order parameters stay sealed until the executor decrypts them.
type EncryptedOrder struct {
	Owner             solana.PublicKey
	OrderHash         [32]byte
	ExecutorAuthority solana.PublicKey
	EncryptedData     [MaxEncryptedDataLen]byte
	DataLen           uint16
	FeedID            [32]byte
	CreatedAt         int64
	TriggeredAt       int64
	ExecutionPrice    int64
	Status            OrderStatus
	IsDelegated       bool
	Bump              uint8
}

// Ciphertext returns the occupied prefix of the fixed encrypted-data region.
func (o *EncryptedOrder) Ciphertext() []byte {
	return o.EncryptedData[:o.DataLen]
}

func (o *EncryptedOrder) IsActive() bool {
	return o.Status == OrderStatusActive
}

// ExecutorAuthority mirrors the on-chain account: a fixed 16-slot ring of
// live order hashes plus up to 4 authorized executor keys, both
// count-tracked rather than dynamically sized.
type ExecutorAuthority struct {
	Owner               solana.PublicKey
	OrderCount          uint64
	IsDelegated         bool
	Bump                uint8
	OrderHashes         [MaxOrdersPerExecutor][32]byte
	OrderHashCount      uint8
	AuthorizedExecutors [MaxAuthorizedExecutor]solana.PublicKey
	ExecutorCount       uint8
}

// LiveOrderHashes returns the occupied slots of the hash ring.
func (a *ExecutorAuthority) LiveOrderHashes() [][32]byte {
	n := int(a.OrderHashCount)
	if n > MaxOrdersPerExecutor {
		n = MaxOrdersPerExecutor
	}
	out := make([][32]byte, n)
	copy(out, a.OrderHashes[:n])
	return out
}

func (a *ExecutorAuthority) HasOrderHash(hash [32]byte) bool {
	for i := 0; i < int(a.OrderHashCount) && i < MaxOrdersPerExecutor; i++ {
		if a.OrderHashes[i] == hash {
			return true
		}
	}
	return false
}

func (a *ExecutorAuthority) IsAuthorizedExecutor(executor solana.PublicKey) bool {
	for i := 0; i < int(a.ExecutorCount) && i < MaxAuthorizedExecutor; i++ {
		if a.AuthorizedExecutors[i].Equals(executor) {
			return true
		}
	}
	return false
}

// ParseEncryptedOrder decodes account data fetched from the chain.
func ParseEncryptedOrder(data []byte) (*EncryptedOrder, error) {
	if len(data) < EncryptedOrderLen {
		return nil, fmt.Errorf("%w: encrypted order is %d bytes, want %d", ErrParse, len(data), EncryptedOrderLen)
	}
	if !bytes.Equal(data[:8], encryptedOrderDiscriminator[:]) {
		return nil, fmt.Errorf("%w: encrypted order discriminator mismatch", ErrParse)
	}

	var o EncryptedOrder
	offset := 8
	copy(o.Owner[:], data[offset:offset+32])
	offset += 32
	copy(o.OrderHash[:], data[offset:offset+32])
	offset += 32
	copy(o.ExecutorAuthority[:], data[offset:offset+32])
	offset += 32
	copy(o.EncryptedData[:], data[offset:offset+MaxEncryptedDataLen])
	offset += MaxEncryptedDataLen
	o.DataLen = binary.LittleEndian.Uint16(data[offset:])
	offset += 2
	copy(o.FeedID[:], data[offset:offset+32])
	offset += 32
	o.CreatedAt = int64(binary.LittleEndian.Uint64(data[offset:]))
	offset += 8
	o.TriggeredAt = int64(binary.LittleEndian.Uint64(data[offset:]))
	offset += 8
	o.ExecutionPrice = int64(binary.LittleEndian.Uint64(data[offset:]))
	offset += 8
	o.Status = OrderStatus(data[offset])
	offset++
	o.IsDelegated = data[offset] != 0
	offset++
	o.Bump = data[offset]

	if o.DataLen > MaxEncryptedDataLen {
		return nil, fmt.Errorf("%w: encrypted order data_len %d exceeds cap", ErrParse, o.DataLen)
	}
	if o.Status > OrderStatusCancelled {
		return nil, fmt.Errorf("%w: unknown order status %d", ErrParse, o.Status)
	}

	return &o, nil
}

// MarshalEncryptedOrder is the write side of the same fixed layout. The
// parser and marshaller share the offsets above, so reader and writer cannot
// drift; tests round-trip through both.
func MarshalEncryptedOrder(o *EncryptedOrder) []byte {
	buf := make([]byte, 0, EncryptedOrderLen)
	buf = append(buf, encryptedOrderDiscriminator[:]...)
	buf = append(buf, o.Owner.Bytes()...)
	buf = append(buf, o.OrderHash[:]...)
	buf = append(buf, o.ExecutorAuthority.Bytes()...)
	buf = append(buf, o.EncryptedData[:]...)
	buf = binary.LittleEndian.AppendUint16(buf, o.DataLen)
	buf = append(buf, o.FeedID[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(o.CreatedAt))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(o.TriggeredAt))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(o.ExecutionPrice))
	buf = append(buf, uint8(o.Status), boolByte(o.IsDelegated), o.Bump)
	return buf
}

// ParseExecutorAuthority decodes account data fetched from the chain.
func ParseExecutorAuthority(data []byte) (*ExecutorAuthority, error) {
	if len(data) < ExecutorAuthorityLen {
		return nil, fmt.Errorf("%w: executor authority is %d bytes, want %d", ErrParse, len(data), ExecutorAuthorityLen)
	}
	if !bytes.Equal(data[:8], executorAuthorityDiscriminator[:]) {
		return nil, fmt.Errorf("%w: executor authority discriminator mismatch", ErrParse)
	}

	var a ExecutorAuthority
	offset := 8
	copy(a.Owner[:], data[offset:offset+32])
	offset += 32
	a.OrderCount = binary.LittleEndian.Uint64(data[offset:])
	offset += 8
	a.IsDelegated = data[offset] != 0
	offset++
	a.Bump = data[offset]
	offset++
	for i := 0; i < MaxOrdersPerExecutor; i++ {
		copy(a.OrderHashes[i][:], data[offset:offset+32])
		offset += 32
	}
	a.OrderHashCount = data[offset]
	offset++
	for i := 0; i < MaxAuthorizedExecutor; i++ {
		copy(a.AuthorizedExecutors[i][:], data[offset:offset+32])
		offset += 32
	}
	a.ExecutorCount = data[offset]

	if a.OrderHashCount > MaxOrdersPerExecutor {
		return nil, fmt.Errorf("%w: order hash count %d exceeds ring capacity", ErrParse, a.OrderHashCount)
	}
	if a.ExecutorCount > MaxAuthorizedExecutor {
		return nil, fmt.Errorf("%w: executor count %d exceeds capacity", ErrParse, a.ExecutorCount)
	}

	return &a, nil
}

func MarshalExecutorAuthority(a *ExecutorAuthority) []byte {
	buf := make([]byte, 0, ExecutorAuthorityLen)
	buf = append(buf, executorAuthorityDiscriminator[:]...)
	buf = append(buf, a.Owner.Bytes()...)
	buf = binary.LittleEndian.AppendUint64(buf, a.OrderCount)
	buf = append(buf, boolByte(a.IsDelegated), a.Bump)
	for i := 0; i < MaxOrdersPerExecutor; i++ {
		buf = append(buf, a.OrderHashes[i][:]...)
	}
	buf = append(buf, a.OrderHashCount)
	for i := 0; i < MaxAuthorizedExecutor; i++ {
		buf = append(buf, a.AuthorizedExecutors[i].Bytes()...)
	}
	buf = append(buf, a.ExecutorCount)
	return buf
}

func accountDiscriminator(name string) [8]byte {
	hash := sha256.Sum256([]byte("account:" + name))
	var out [8]byte
	copy(out[:], hash[:8])
	return out
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
