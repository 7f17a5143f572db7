package crypto

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/ethereum/go-ethereum/crypto"
)

// AddressPrefix is the human-readable bech32 part of a party address.
const AddressPrefix = "lp"

// AddressLength is the byte width of every party identity.
const AddressLength = 20

// Address identifies a party to the pool: depositors, borrowers, the admin
// authority and the pool account itself.
type Address [AddressLength]byte

// ZeroAddress is the unset party.
var ZeroAddress Address

// NewAddress copies b into an Address. b must be exactly 20 bytes.
func NewAddress(b []byte) (Address, error) {
	var addr Address
	if len(b) != AddressLength {
		return addr, fmt.Errorf("address must be %d bytes long, got %d", AddressLength, len(b))
	}
	copy(addr[:], b)
	return addr, nil
}

// DeriveAddress hashes an arbitrary label into an address. Used for module
// accounts and fixtures whose identity is a well-known name.
func DeriveAddress(label string) Address {
	var addr Address
	digest := crypto.Keccak256([]byte(strings.TrimSpace(label)))
	copy(addr[:], digest[len(digest)-AddressLength:])
	return addr
}

func (a Address) String() string {
	conv, err := bech32.ConvertBits(a[:], 8, 5, true)
	if err != nil {
		return "0x" + hex.EncodeToString(a[:])
	}
	encoded, err := bech32.Encode(AddressPrefix, conv)
	if err != nil {
		return "0x" + hex.EncodeToString(a[:])
	}
	return encoded
}

func (a Address) Bytes() []byte {
	out := make([]byte, AddressLength)
	copy(out, a[:])
	return out
}

// IsZero reports whether the address is unset.
func (a Address) IsZero() bool {
	return a == ZeroAddress
}

// MarshalText encodes the address in bech32 form.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText accepts the bech32 form produced by MarshalText.
func (a *Address) UnmarshalText(text []byte) error {
	decoded, err := DecodeAddress(string(text))
	if err != nil {
		return err
	}
	*a = decoded
	return nil
}

func DecodeAddress(addrStr string) (Address, error) {
	prefix, decoded, err := bech32.Decode(strings.TrimSpace(addrStr))
	if err != nil {
		return Address{}, fmt.Errorf("invalid bech32 string: %w", err)
	}
	if prefix != AddressPrefix {
		return Address{}, fmt.Errorf("unexpected address prefix %q", prefix)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("error converting bits: %w", err)
	}
	return NewAddress(conv)
}
