package ordercodec

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	ecies "github.com/ecies/go/v2"
)

// EnvelopeVersion tags the encryption scheme so the envelope format can
// evolve without breaking existing on-chain ciphertexts.
const EnvelopeVersion = 1

var (
	ErrValidation = errors.New("invalid order data")
	ErrDecryption = errors.New("decryption failed")
)

// Envelope is the result of encrypting an order for its executor: the ECIES
// ciphertext to store on-chain, the commitment hash published next to it,
// and the scheme version.
type Envelope struct {
	Ciphertext []byte
	Hash       [32]byte
	Version    uint8
}

// Keypair wraps the executor's secp256k1 key. It is constructed explicitly at
// service start and injected; there is no package-level key state.
type Keypair struct {
	priv *ecies.PrivateKey
}

func GenerateKeypair() (*Keypair, error) {
	priv, err := ecies.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate executor keypair: %w", err)
	}
	return &Keypair{priv: priv}, nil
}

func NewKeypairFromHex(privHex string) (*Keypair, error) {
	priv, err := ecies.NewPrivateKeyFromHex(privHex)
	if err != nil {
		return nil, fmt.Errorf("%w: parse executor private key: %v", ErrValidation, err)
	}
	return &Keypair{priv: priv}, nil
}

// PublicKeyHex returns the compressed 33-byte public point, hex encoded. This
// is the value traders encrypt their orders to.
func (k *Keypair) PublicKeyHex() string {
	return hex.EncodeToString(k.priv.PublicKey.Bytes(true))
}

// PrivateKeyHex exports the scalar for provisioning the executor host. Treat
// the result like the key itself.
func (k *Keypair) PrivateKeyHex() string {
	return k.priv.Hex()
}

// ValidatePublicKey accepts exactly a hex-encoded 33-byte compressed point
// (02/03 prefix) or 65-byte uncompressed point (04 prefix). Anything else is
// rejected before any crypto is attempted.
func ValidatePublicKey(pubHex string) bool {
	raw, err := hex.DecodeString(pubHex)
	if err != nil {
		return false
	}
	switch len(raw) {
	case 33:
		return raw[0] == 0x02 || raw[0] == 0x03
	case 65:
		return raw[0] == 0x04
	default:
		return false
	}
}

// Encrypt serializes params and seals them to the recipient. A zero salt is
// replaced with 16 bytes from crypto/rand before encoding, so the commitment
// hash of two otherwise identical orders never collides.
func Encrypt(params OrderParams, recipientPubHex string) (OrderParams, Envelope, error) {
	if !ValidatePublicKey(recipientPubHex) {
		return OrderParams{}, Envelope{}, fmt.Errorf("%w: recipient public key must be a 33-byte compressed or 65-byte uncompressed hex point", ErrValidation)
	}

	if params.Salt == ([16]byte{}) {
		salt, err := NewSalt()
		if err != nil {
			return OrderParams{}, Envelope{}, err
		}
		params.Salt = salt
	}

	raw, _ := hex.DecodeString(recipientPubHex)
	if _, err := secp256k1.ParsePubKey(raw); err != nil {
		return OrderParams{}, Envelope{}, fmt.Errorf("%w: recipient public key is not on the curve: %v", ErrValidation, err)
	}
	pub, err := ecies.NewPublicKeyFromBytes(raw)
	if err != nil {
		return OrderParams{}, Envelope{}, fmt.Errorf("%w: parse recipient public key: %v", ErrValidation, err)
	}

	encoded := params.Encode()
	ciphertext, err := ecies.Encrypt(pub, encoded)
	if err != nil {
		return OrderParams{}, Envelope{}, fmt.Errorf("encrypt order payload: %w", err)
	}
	if len(ciphertext) > MaxCiphertextLen {
		return OrderParams{}, Envelope{}, fmt.Errorf("%w: ciphertext is %d bytes, cap is %d", ErrValidation, len(ciphertext), MaxCiphertextLen)
	}

	return params, Envelope{
		Ciphertext: ciphertext,
		Hash:       HashOf(encoded),
		Version:    EnvelopeVersion,
	}, nil
}

// Decrypt opens an envelope with the executor key. It either returns the
// complete order params or fails; there is no partial success.
func (k *Keypair) Decrypt(ciphertext []byte) (OrderParams, error) {
	plaintext, err := ecies.Decrypt(k.priv, ciphertext)
	if err != nil {
		return OrderParams{}, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	params, err := Decode(plaintext)
	if err != nil {
		return OrderParams{}, fmt.Errorf("%w: decoded payload malformed: %v", ErrDecryption, err)
	}
	return params, nil
}

// NewSalt draws a fresh 16-byte salt from the system CSPRNG.
func NewSalt() ([16]byte, error) {
	var salt [16]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return [16]byte{}, fmt.Errorf("read salt: %w", err)
	}
	return salt, nil
}
