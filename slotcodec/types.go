// Package slotcodec implements the EVM storage-slot derivation algebra:
// keccak-based mapping and array addressing, struct member offsetting,
// packed sub-word extraction, and scalar decoding. Every function here is
// pure and stateless; nothing in this package touches the network or a
// layout document.
package slotcodec

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Kind identifies the primitive shape a declared variable decodes to.
type Kind int

const (
	KindUnknown Kind = iota
	KindUint
	KindInt
	KindBool
	KindAddress
	KindBytesN
	KindEnum
	KindDynamicBytes
)

func (k Kind) String() string {
	switch k {
	case KindUint:
		return "uint"
	case KindInt:
		return "int"
	case KindBool:
		return "bool"
	case KindAddress:
		return "address"
	case KindBytesN:
		return "bytesN"
	case KindEnum:
		return "enum"
	case KindDynamicBytes:
		return "bytes_or_string"
	default:
		return "unknown"
	}
}

// Primitive is the leaf type descriptor for scalars: integers, bool,
// address, fixed-size bytes, and enums (which decode like a uint8).
type Primitive struct {
	Kind Kind
	Bits int // declared bit width for uint/int/enum; N*8 for bytesN
}

// Size returns the declared byte width of the primitive.
func (p Primitive) Size() int {
	if p.Kind == KindAddress {
		return 20
	}
	if p.Bits == 0 {
		return 32
	}
	return p.Bits / 8
}

// Value is a decoded storage value. Exactly one of the typed fields is
// meaningful, selected by Kind; Raw always holds the undecoded sub-word
// bytes so callers can fall back to a hex rendering.
type Value struct {
	Kind    Kind
	Raw     []byte
	Bool    bool
	Address common.Address
	Bytes   []byte
	Uint    *uint256.Int
	Int     *big.Int
	Str     string // valid when Kind == KindDynamicBytes and the source type was a Solidity string
}

// String renders the decoded value the way a fullExpression would embed a
// mapping key or a printed scalar: addresses as hex, numerics as decimal,
// bools as true/false, strings as text, and byte values as unprefixed hex.
func (v Value) String() string {
	switch v.Kind {
	case KindBool:
		return fmt.Sprintf("%v", v.Bool)
	case KindAddress:
		return v.Address.Hex()
	case KindUint, KindEnum:
		if v.Uint != nil {
			return v.Uint.Dec()
		}
		return "0"
	case KindInt:
		if v.Int != nil {
			return v.Int.String()
		}
		return "0"
	case KindBytesN:
		return common.Bytes2Hex(v.Bytes)
	case KindDynamicBytes:
		if v.Str != "" {
			return v.Str
		}
		return common.Bytes2Hex(v.Bytes)
	default:
		return common.Bytes2Hex(v.Raw)
	}
}
