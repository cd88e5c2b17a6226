package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/ethereum/go-ethereum/crypto"
)

// AddressPrefix defines the human-readable part used when rendering party
// addresses.
type AddressPrefix string

const (
	// PartyPrefix is used for every externally owned party address.
	PartyPrefix AddressPrefix = "wesc"
	// VaultPrefix is used for custody accounts derived from a contract key.
	VaultPrefix AddressPrefix = "wvault"
)

// AddressLength is the size of a raw party address.
const AddressLength = 20

var errEmptyAddress = errors.New("crypto: empty address")

// Address represents a 20-byte party identifier with a bech32 prefix.
type Address struct {
	prefix AddressPrefix
	bytes  [AddressLength]byte
}

func NewAddress(prefix AddressPrefix, b []byte) Address {
	if len(b) != AddressLength {
		panic("address must be 20 bytes long")
	}
	addr := Address{prefix: prefix}
	copy(addr.bytes[:], b)
	return addr
}

func (a Address) String() string {
	conv, err := bech32.ConvertBits(a.bytes[:], 8, 5, true)
	if err != nil {
		panic(err)
	}
	encoded, err := bech32.Encode(string(a.prefix), conv)
	if err != nil {
		panic(err)
	}
	return encoded
}

// Raw returns the fixed-size representation used throughout the engine.
func (a Address) Raw() [AddressLength]byte { return a.bytes }

// Prefix returns the human-readable prefix associated with the address.
func (a Address) Prefix() AddressPrefix {
	return a.prefix
}

func DecodeAddress(addrStr string) (Address, error) {
	trimmed := strings.TrimSpace(addrStr)
	if trimmed == "" {
		return Address{}, errEmptyAddress
	}
	prefix, decoded, err := bech32.Decode(trimmed)
	if err != nil {
		return Address{}, fmt.Errorf("invalid bech32 string: %w", err)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("error converting bits: %w", err)
	}
	if len(conv) != AddressLength {
		return Address{}, fmt.Errorf("invalid address length %d", len(conv))
	}
	return NewAddress(AddressPrefix(prefix), conv), nil
}

// FormatParty renders a raw party address with the party prefix.
func FormatParty(raw [AddressLength]byte) string {
	return NewAddress(PartyPrefix, raw[:]).String()
}

// ParseParty decodes a bech32 party address into its raw form. Any prefix is
// accepted so vault addresses can be referenced by operators as well.
func ParseParty(s string) ([AddressLength]byte, error) {
	addr, err := DecodeAddress(s)
	if err != nil {
		return [AddressLength]byte{}, err
	}
	return addr.Raw(), nil
}

// DeriveAddress hashes the supplied seeds with keccak256 and keeps the last 20
// bytes, mirroring how account addresses are taken from public keys. The
// first byte of the full digest is returned as the derivation bump.
func DeriveAddress(seeds ...[]byte) ([AddressLength]byte, uint8) {
	digest := crypto.Keccak256(seeds...)
	var out [AddressLength]byte
	copy(out[:], digest[len(digest)-AddressLength:])
	return out, digest[0]
}

// --- Key Management ---

type PrivateKey struct {
	*ecdsa.PrivateKey
}

type PublicKey struct {
	*ecdsa.PublicKey
}

func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the byte representation of the private key.
func (k *PrivateKey) Bytes() []byte {
	return crypto.FromECDSA(k.PrivateKey)
}

func (k *PrivateKey) PubKey() *PublicKey {
	return &PublicKey{&k.PrivateKey.PublicKey}
}

func (k *PublicKey) Address() Address {
	addrBytes := crypto.PubkeyToAddress(*k.PublicKey).Bytes()
	return NewAddress(PartyPrefix, addrBytes)
}

func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}
