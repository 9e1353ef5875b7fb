// Package layout normalizes a compiler-emitted storage layout document
// (the shape solc/hardhat emit under "storageLayout") into a traversable
// tree of StorageVariable nodes keyed by statically known base slot.
package layout

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethstorage/slottrace/slotcodec"
)

// Encoding is the storage encoding a type uses, mirroring solc's
// "encoding" field on each type-dictionary entry.
type Encoding string

const (
	EncodingInplace       Encoding = "inplace"
	EncodingBytesOrString Encoding = "bytes_or_string"
	EncodingMapping       Encoding = "mapping"
	EncodingDynamicArray  Encoding = "dynamic_array"
)

// TypeKind discriminates the TypeDescriptor tagged variant.
type TypeKind int

const (
	KindPrimitive TypeKind = iota
	KindBytesOrString
	KindFixedArray
	KindDynamicArray
	KindMapping
	KindStruct
)

// StructField is one member of a Struct type, carrying its own slot
// (relative to the struct's base slot) and byte offset/size within that
// slot, exactly as solc's "members" array expresses it.
type StructField struct {
	Name       string
	TypeHandle string
	Slot       uint64 // whole-slot offset from the struct's base
	Offset     int
	Size       int
}

// TypeDescriptor is one entry of the layout's type dictionary. Types refer
// to each other by Handle (the raw solc type id, e.g.
// "t_mapping(t_uint256,t_bool)") rather than by embedding one another, so
// that self-referential layouts (a mapping whose value type is itself,
// transitively) are representable and traversal can be bounded by slot
// concreteness instead of struct nesting.
type TypeDescriptor struct {
	Handle   string
	Kind     TypeKind
	Encoding Encoding
	Size     int // NumberOfBytes from solc, or derived for primitives

	Primitive slotcodec.Primitive // valid when Kind == KindPrimitive
	IsString  bool                // valid when Kind == KindBytesOrString

	ElementHandle string // valid for KindFixedArray / KindDynamicArray
	Length        uint64 // valid for KindFixedArray

	KeyHandle   string // valid for KindMapping
	ValueHandle string // valid for KindMapping

	Fields []StructField // valid for KindStruct
}

// StorageVariable is a declared variable's root slot assignment. For
// mapping/array roots, BaseSlot is the slot holding the mapping handle or
// the array length.
type StorageVariable struct {
	Label      string
	TypeHandle string
	BaseSlot   common.Hash
	Offset     int
	Size       int
	Encoding   Encoding
}

// Document is the normalized result of ingesting a compiler-emitted layout:
// the variable list, the type dictionary, and — carried alongside, not
// consumed by LayoutIndex itself — the contract's ABI as the layout source
// delivered it. TraceStorageAccess does not pass this ABI to KeyOracle;
// calldata is decoded only against the caller-supplied TraceInput.ABI.
type Document struct {
	Variables []StorageVariable
	Types     map[string]TypeDescriptor
	ABI       []byte
}
