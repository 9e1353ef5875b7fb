// Package storagepath holds the data-model types shared by every component
// downstream of slotcodec: the candidate key record KeyOracle produces and
// the path-segment chain a SlotMatch carries from its owning variable down
// to the exact sub-value a slot represents. Both are needed by layout (to
// build struct field chains), resolver (to build match paths) and trace (to
// render fullExpression), so they live in their own leaf package rather
// than under whichever of those three happened to define them first.
package storagepath

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethstorage/slottrace/slotcodec"
	"github.com/holiman/uint256"
)

// Source records where a MappingKey candidate was harvested from, used to
// rank candidates when more than one hashes to the same slot.
type Source int

const (
	SourceUnknown Source = iota
	SourceAddress
	SourceArgument
	SourceStack
	SourceConstant
)

// Rank returns the candidate's priority for canonical-label tie-breaking;
// lower ranks win. Address and calldata-argument candidates are equally
// trusted and outrank stack values, which outrank the small fixed set of
// constant index guesses.
func (s Source) Rank() int {
	switch s {
	case SourceArgument, SourceAddress:
		return 0
	case SourceStack:
		return 1
	case SourceConstant:
		return 2
	default:
		return 3
	}
}

func (s Source) String() string {
	switch s {
	case SourceAddress:
		return "address"
	case SourceArgument:
		return "argument"
	case SourceStack:
		return "stack"
	case SourceConstant:
		return "constant"
	default:
		return "unknown"
	}
}

// MappingKey is a candidate 32-byte key or array index, optionally typed.
// Uniqueness among candidates is by Hex; Type is nil for untyped stack
// values that have not been matched against any declared key type yet.
type MappingKey struct {
	Hex      common.Hash
	Decoded  slotcodec.Value
	Type     *slotcodec.Primitive
	Source   Source
	Position int // calldata argument position; -1 when not applicable
}

// CompatibleWith reports whether this key may be tried against a mapping
// whose declared key type is keyType. Untyped candidates are always tried;
// typed candidates must match keyType's kind (bit width is not compared,
// since a uint256 key and a uint8 key both serialize to the same 32 bytes).
func (k MappingKey) CompatibleWith(keyType slotcodec.Primitive) bool {
	if k.Type == nil {
		return true
	}
	return k.Type.Kind == keyType.Kind
}

// SegmentKind discriminates the PathSegment tagged variant.
type SegmentKind int

const (
	SegStructField SegmentKind = iota
	SegMappingKey
	SegArrayIndex
	SegArrayLength
)

// PathSegment is one step in the path from a top-level declared variable
// down to the specific sub-value an observed slot represents.
type PathSegment struct {
	Kind      SegmentKind
	FieldName string // SegStructField
	Key       MappingKey
	Index     *uint256.Int // SegArrayIndex
}

func StructField(name string) PathSegment {
	return PathSegment{Kind: SegStructField, FieldName: name}
}

func MappingKeySegment(k MappingKey) PathSegment {
	return PathSegment{Kind: SegMappingKey, Key: k}
}

func ArrayIndex(idx *uint256.Int) PathSegment {
	return PathSegment{Kind: SegArrayIndex, Index: idx}
}

func ArrayLength() PathSegment {
	return PathSegment{Kind: SegArrayLength}
}

// Expr renders the segment the way it contributes to a fullExpression:
// ".name" for struct fields, "[key]" for mapping keys (formatted per key
// type — addresses hex, numerics decimal, strings quoted), "[index]" for
// array elements, and "._length" for array-length pseudo-accesses.
func (p PathSegment) Expr() string {
	switch p.Kind {
	case SegStructField:
		return "." + p.FieldName
	case SegMappingKey:
		return "[" + formatKey(p.Key) + "]"
	case SegArrayIndex:
		if p.Index != nil {
			return "[" + p.Index.Dec() + "]"
		}
		return "[0]"
	case SegArrayLength:
		return "._length"
	default:
		return ""
	}
}

func formatKey(k MappingKey) string {
	if k.Type != nil && k.Type.Kind == slotcodec.KindAddress {
		return k.Decoded.String()
	}
	if k.Type != nil && k.Type.Kind == slotcodec.KindUint || k.Type != nil && k.Type.Kind == slotcodec.KindInt {
		return k.Decoded.String()
	}
	if k.Type == nil {
		// Untyped candidates carry no decoded form; they are rendered as
		// the decimal value of their 32 bytes.
		u := new(uint256.Int).SetBytes32(k.Hex[:])
		return u.Dec()
	}
	return fmt.Sprintf("%q", k.Decoded.String())
}
