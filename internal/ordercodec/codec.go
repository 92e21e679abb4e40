package ordercodec

import (
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"lukechampine.com/blake3"
)

// MaxCiphertextLen is the on-chain cap for encrypted order payloads.
const MaxCiphertextLen = 256

// EncodedLen is the canonical serialized size of OrderParams. The on-chain
// program recomputes the commitment over exactly this concatenation.
const EncodedLen = 32 + 8 + 2 + 8 + 1 + 1 + 8 + 1 + 8 + 32 + 16

type TriggerCondition uint8

const (
	TriggerAbove TriggerCondition = 0
	TriggerBelow TriggerCondition = 1
)

func (c TriggerCondition) String() string {
	switch c {
	case TriggerAbove:
		return "above"
	case TriggerBelow:
		return "below"
	default:
		return fmt.Sprintf("condition(%d)", uint8(c))
	}
}

type Side uint8

const (
	SideLong  Side = 0
	SideShort Side = 1
)

func (s Side) String() string {
	switch s {
	case SideLong:
		return "long"
	case SideShort:
		return "short"
	default:
		return fmt.Sprintf("side(%d)", uint8(s))
	}
}

// OrderParams is the plaintext of an encrypted order. It is only visible to
// the owner and to the executor after a successful decrypt. TriggerPrice is
// 1e6 fixed point, matching the engine price scale. Expiry is a unix
// timestamp; zero means the order never expires.
type OrderParams struct {
	Owner            solana.PublicKey
	OrderID          uint64
	MarketIndex      uint16
	TriggerPrice     int64
	TriggerCondition TriggerCondition
	Side             Side
	BaseAssetAmount  uint64
	ReduceOnly       bool
	Expiry           int64
	FeedID           [32]byte
	Salt             [16]byte
}

// Encode serializes the order into its canonical little-endian layout. Field
// order and widths are fixed; both the hash commitment and the on-chain
// recompute depend on this exact byte sequence.
func (p *OrderParams) Encode() []byte {
	buf := make([]byte, 0, EncodedLen)
	buf = append(buf, p.Owner.Bytes()...)
	buf = binary.LittleEndian.AppendUint64(buf, p.OrderID)
	buf = binary.LittleEndian.AppendUint16(buf, p.MarketIndex)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(p.TriggerPrice))
	buf = append(buf, uint8(p.TriggerCondition))
	buf = append(buf, uint8(p.Side))
	buf = binary.LittleEndian.AppendUint64(buf, p.BaseAssetAmount)
	buf = append(buf, boolByte(p.ReduceOnly))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(p.Expiry))
	buf = append(buf, p.FeedID[:]...)
	buf = append(buf, p.Salt[:]...)
	return buf
}

// Decode is the exact inverse of Encode.
func Decode(data []byte) (OrderParams, error) {
	if len(data) != EncodedLen {
		return OrderParams{}, fmt.Errorf("%w: order payload is %d bytes, want %d", ErrValidation, len(data), EncodedLen)
	}

	var p OrderParams
	offset := 0
	copy(p.Owner[:], data[offset:offset+32])
	offset += 32
	p.OrderID = binary.LittleEndian.Uint64(data[offset:])
	offset += 8
	p.MarketIndex = binary.LittleEndian.Uint16(data[offset:])
	offset += 2
	p.TriggerPrice = int64(binary.LittleEndian.Uint64(data[offset:]))
	offset += 8
	p.TriggerCondition = TriggerCondition(data[offset])
	offset++
	p.Side = Side(data[offset])
	offset++
	p.BaseAssetAmount = binary.LittleEndian.Uint64(data[offset:])
	offset += 8
	p.ReduceOnly = data[offset] != 0
	offset++
	p.Expiry = int64(binary.LittleEndian.Uint64(data[offset:]))
	offset += 8
	copy(p.FeedID[:], data[offset:offset+32])
	offset += 32
	copy(p.Salt[:], data[offset:offset+16])

	if p.TriggerCondition > TriggerBelow {
		return OrderParams{}, fmt.Errorf("%w: unknown trigger condition %d", ErrValidation, p.TriggerCondition)
	}
	if p.Side > SideShort {
		return OrderParams{}, fmt.Errorf("%w: unknown order side %d", ErrValidation, p.Side)
	}

	return p, nil
}

// Hash returns the 32-byte content-addressed commitment for the order.
func (p *OrderParams) Hash() [32]byte {
	return HashOf(p.Encode())
}

// HashOf commits to an already-encoded order buffer.
func HashOf(encoded []byte) [32]byte {
	return blake3.Sum256(encoded)
}

// CheckTrigger reports whether currentPrice satisfies the stored trigger
// condition. Both boundaries are inclusive.
func (p *OrderParams) CheckTrigger(currentPrice int64) bool {
	switch p.TriggerCondition {
	case TriggerAbove:
		return currentPrice >= p.TriggerPrice
	case TriggerBelow:
		return currentPrice <= p.TriggerPrice
	default:
		return false
	}
}

// IsExpired reports whether the order has lapsed. Expiry 0 never expires.
func (p *OrderParams) IsExpired(now int64) bool {
	return p.Expiry > 0 && now > p.Expiry
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
