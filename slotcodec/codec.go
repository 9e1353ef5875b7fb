package slotcodec

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// MappingSlot returns the storage slot of the mapping entry for key, given
// the mapping's base slot: keccak256(key ‖ base), key first.
func MappingSlot(base, key common.Hash) common.Hash {
	return crypto.Keccak256Hash(key.Bytes(), base.Bytes())
}

// MappingSlotBytes is MappingSlot generalized to a variable-length key,
// for mappings keyed by bytes/string (Solidity concatenates the raw key
// bytes, not a 32-byte padded word, ahead of the base slot for those).
func MappingSlotBytes(base common.Hash, key []byte) common.Hash {
	return crypto.Keccak256Hash(key, base.Bytes())
}

// NestedMappingSlot folds MappingSlot over keys left to right: keys[0] is
// applied against base first, then keys[1] against that result, and so on.
func NestedMappingSlot(base common.Hash, keys []common.Hash) common.Hash {
	slot := base
	for _, k := range keys {
		slot = MappingSlot(slot, k)
	}
	return slot
}

// ArrayElementSlot returns the slot of a dynamic array's element at index,
// modulo 2**256: keccak256(base) + index. The array's length itself lives
// at base, not at any ArrayElementSlot result.
func ArrayElementSlot(base common.Hash, index *uint256.Int) common.Hash {
	dataBase := crypto.Keccak256Hash(base.Bytes())
	sum := new(uint256.Int).SetBytes32(dataBase[:])
	sum.Add(sum, index)
	out := sum.Bytes32()
	return common.Hash(out)
}

// StructFieldSlot returns base + fieldSlotOffset (u256 addition, modulo
// 2**256), the slot holding a struct field that lives fieldSlotOffset
// whole slots after the struct's first field.
func StructFieldSlot(base common.Hash, fieldSlotOffset uint64) common.Hash {
	sum := new(uint256.Int).SetBytes32(base[:])
	sum.AddUint64(sum, fieldSlotOffset)
	out := sum.Bytes32()
	return common.Hash(out)
}

// BytesOrStringLayout decodes the head-word encoding Solidity uses for
// `bytes`/`string` variables: the low bit of the head word distinguishes a
// short value stored inline from a long one stored out-of-line starting at
// keccak256(base).
func BytesOrStringLayout(base, headWord common.Hash) (inline bool, length uint64, dataBaseSlot common.Hash) {
	low := headWord[31]
	if low&1 == 0 {
		return true, uint64(low) / 2, common.Hash{}
	}
	asInt := new(uint256.Int).SetBytes32(headWord[:])
	lengthInt := new(uint256.Int).Sub(asInt, uint256.NewInt(1))
	lengthInt.Div(lengthInt, uint256.NewInt(2))
	return false, lengthInt.Uint64(), crypto.Keccak256Hash(base.Bytes())
}

// ExtractSubWord returns the bytes occupying [offset, offset+size) of word,
// where offset counts from the low-address (least-significant) end — the
// compiler's packing convention: the first packed variable at a slot sits
// at the low-order bytes.
func ExtractSubWord(word common.Hash, offset, size int) []byte {
	if offset < 0 || size < 0 || offset+size > 32 {
		panic("slotcodec: sub-word range out of bounds")
	}
	end := 32 - offset
	start := end - size
	out := make([]byte, size)
	copy(out, word[start:end])
	return out
}

// DecodeScalar decodes a sub-word byte slice (as produced by ExtractSubWord)
// according to the primitive type. Integers are unsigned or two's
// complement per Kind; bool is byte-nonzero; address is the low 20 bytes of
// a 32-byte slice (or the slice itself if already 20 bytes); bytesN is the
// first N bytes.
func DecodeScalar(b []byte, p Primitive) Value {
	v := Value{Kind: p.Kind, Raw: append([]byte(nil), b...)}
	switch p.Kind {
	case KindBool:
		for _, by := range b {
			if by != 0 {
				v.Bool = true
				break
			}
		}
	case KindAddress:
		if len(b) >= 20 {
			v.Address = common.BytesToAddress(b[len(b)-20:])
		} else {
			v.Address = common.BytesToAddress(b)
		}
	case KindBytesN:
		n := p.Size()
		if n > len(b) {
			n = len(b)
		}
		v.Bytes = append([]byte(nil), b[:n]...)
	case KindEnum, KindUint:
		v.Uint = new(uint256.Int).SetBytes(b)
	case KindInt:
		v.Int = decodeTwosComplement(b, p.Bits)
	default:
		// Unknown/fallback primitives are reported as raw bytes only.
	}
	return v
}

// decodeTwosComplement interprets b as a two's-complement signed integer
// of the given bit width.
func decodeTwosComplement(b []byte, bits int) *big.Int {
	if bits <= 0 {
		bits = len(b) * 8
	}
	u := new(big.Int).SetBytes(b)
	signBit := new(big.Int).Lsh(big.NewInt(1), uint(bits-1))
	if u.Cmp(signBit) >= 0 {
		modulus := new(big.Int).Lsh(big.NewInt(1), uint(bits))
		u.Sub(u, modulus)
	}
	return u
}
