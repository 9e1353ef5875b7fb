// Package keyoracle extracts candidate mapping/array keys (MappingKey
// records) from everything an execution leaves lying around: touched
// addresses, ABI-decoded calldata arguments, raw stack values from the
// trace, and a small set of probable array indices. It never raises — a
// decode failure just means fewer candidates, never a halted analysis.
package keyoracle

import (
	"bytes"
	"math/big"
	"reflect"
	"sort"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethstorage/slottrace/slotcodec"
	"github.com/ethstorage/slottrace/storagepath"
	"github.com/holiman/uint256"
)

// constantIndexBound caps the small fixed set of probable array indices
// always contributed as candidates.
const constantIndexBound = 10

// Calldata bundles one transaction's call data with the ABIs to try
// against it, in order. TraceStorageAccess fills ABIs with the
// caller-supplied ABI only (if any); the ABIs of the contracts the
// transaction touched are not included.
type Calldata struct {
	Data []byte
	ABIs []abi.ABI
}

// Input is everything KeyOracle draws candidates from.
type Input struct {
	TouchedAddresses []common.Address
	Calldata         Calldata
	StackValues      []common.Hash
}

// Extract returns the deduplicated candidate key set. Duplicates are
// resolved by Hex; a typed entry always replaces an untyped one for the
// same Hex, since a typed candidate carries strictly more information.
func Extract(in Input) []storagepath.MappingKey {
	byHex := make(map[common.Hash]storagepath.MappingKey)
	add := func(k storagepath.MappingKey) {
		existing, ok := byHex[k.Hex]
		if !ok || (existing.Type == nil && k.Type != nil) {
			byHex[k.Hex] = k
		}
	}

	for _, addr := range in.TouchedAddresses {
		add(addressKey(addr))
	}

	for _, k := range decodeCalldata(in.Calldata) {
		add(k)
	}

	for _, sv := range in.StackValues {
		add(storagepath.MappingKey{Hex: sv, Source: storagepath.SourceStack, Position: -1})
	}

	for i := 0; i < constantIndexBound; i++ {
		add(constantKey(uint64(i)))
	}

	out := make([]storagepath.MappingKey, 0, len(byHex))
	for _, k := range byHex {
		out = append(out, k)
	}
	// Deterministic candidate order: most-trusted source first, then by
	// calldata position, then by raw key value. Resolution results (and
	// with them the whole trace) are byte-identical across runs on the
	// same oracle output.
	sort.Slice(out, func(i, j int) bool {
		ri, rj := out[i].Source.Rank(), out[j].Source.Rank()
		if ri != rj {
			return ri < rj
		}
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return bytes.Compare(out[i].Hex[:], out[j].Hex[:]) < 0
	})
	return out
}

func addressKey(addr common.Address) storagepath.MappingKey {
	prim := slotcodec.Primitive{Kind: slotcodec.KindAddress, Bits: 160}
	return storagepath.MappingKey{
		Hex:      common.BytesToHash(addr.Bytes()),
		Decoded:  slotcodec.Value{Kind: slotcodec.KindAddress, Address: addr},
		Type:     &prim,
		Source:   storagepath.SourceAddress,
		Position: -1,
	}
}

func constantKey(n uint64) storagepath.MappingKey {
	prim := slotcodec.Primitive{Kind: slotcodec.KindUint, Bits: 256}
	bi := new(big.Int).SetUint64(n)
	u, _ := uint256.FromBig(bi)
	return storagepath.MappingKey{
		Hex:      common.BigToHash(bi),
		Decoded:  slotcodec.Value{Kind: slotcodec.KindUint, Uint: u},
		Type:     &prim,
		Source:   storagepath.SourceConstant,
		Position: -1,
	}
}

// decodeCalldata looks up the function selector across every candidate ABI
// (caller-supplied ABI first, in the order given) and unpacks arguments
// from the first one that recognizes the selector. A missing or
// unrecognized ABI degrades silently to no calldata-derived candidates.
func decodeCalldata(cd Calldata) []storagepath.MappingKey {
	if len(cd.Data) < 4 {
		return nil
	}
	selector := cd.Data[:4]
	args := cd.Data[4:]

	for _, contractABI := range cd.ABIs {
		method, err := contractABI.MethodById(selector)
		if err != nil {
			continue
		}
		values, err := method.Inputs.UnpackValues(args)
		if err != nil {
			log.Debug("keyoracle: failed to unpack calldata for matched selector", "method", method.Name, "err", err)
			continue
		}
		var keys []storagepath.MappingKey
		for i, v := range values {
			keys = append(keys, contributeArgument(method.Inputs[i].Type, v, i)...)
		}
		return keys
	}
	return nil
}

// contributeArgument turns one decoded Go value into zero or more
// MappingKey candidates: scalars contribute one, arrays/slices contribute
// one per element (recursively, for nested arrays).
func contributeArgument(t abi.Type, v interface{}, position int) []storagepath.MappingKey {
	switch t.T {
	case abi.SliceTy, abi.ArrayTy:
		rv := reflect.ValueOf(v)
		if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
			return nil
		}
		var out []storagepath.MappingKey
		for i := 0; i < rv.Len(); i++ {
			out = append(out, contributeArgument(*t.Elem, rv.Index(i).Interface(), position)...)
		}
		return out
	default:
		if k, ok := scalarKey(t, v, position); ok {
			return []storagepath.MappingKey{k}
		}
		return nil
	}
}

func scalarKey(t abi.Type, v interface{}, position int) (storagepath.MappingKey, bool) {
	switch t.T {
	case abi.UintTy, abi.IntTy:
		bi, ok := toBigInt(v)
		if !ok {
			return storagepath.MappingKey{}, false
		}
		kind := slotcodec.KindUint
		if t.T == abi.IntTy {
			kind = slotcodec.KindInt
		}
		prim := slotcodec.Primitive{Kind: kind, Bits: t.Size}
		hex := common.BigToHash(bi)
		return storagepath.MappingKey{
			Hex: hex, Type: &prim, Position: position, Source: storagepath.SourceArgument,
			Decoded: slotcodec.DecodeScalar(hex.Bytes(), prim),
		}, true
	case abi.AddressTy:
		addr, ok := v.(common.Address)
		if !ok {
			return storagepath.MappingKey{}, false
		}
		prim := slotcodec.Primitive{Kind: slotcodec.KindAddress, Bits: 160}
		return storagepath.MappingKey{
			Hex: common.BytesToHash(addr.Bytes()), Type: &prim, Position: position,
			Source: storagepath.SourceArgument, Decoded: slotcodec.Value{Kind: slotcodec.KindAddress, Address: addr},
		}, true
	case abi.BoolTy:
		b, ok := v.(bool)
		if !ok {
			return storagepath.MappingKey{}, false
		}
		prim := slotcodec.Primitive{Kind: slotcodec.KindBool, Bits: 8}
		n := int64(0)
		if b {
			n = 1
		}
		return storagepath.MappingKey{
			Hex: common.BigToHash(big.NewInt(n)), Type: &prim, Position: position,
			Source: storagepath.SourceArgument, Decoded: slotcodec.Value{Kind: slotcodec.KindBool, Bool: b},
		}, true
	case abi.FixedBytesTy:
		b, ok := v.([]byte)
		if !ok {
			if arr, ok2 := toFixedBytes(v); ok2 {
				b = arr
			} else {
				return storagepath.MappingKey{}, false
			}
		}
		var h common.Hash
		copy(h[:], common.RightPadBytes(b, 32))
		prim := slotcodec.Primitive{Kind: slotcodec.KindBytesN, Bits: t.Size * 8}
		return storagepath.MappingKey{
			Hex: h, Type: &prim, Position: position, Source: storagepath.SourceArgument,
			Decoded: slotcodec.DecodeScalar(b, prim),
		}, true
	default:
		// string/bytes/tuple-keyed mappings are out of scope for the
		// 32-byte candidate representation; skip rather than fabricate.
		return storagepath.MappingKey{}, false
	}
}

func toBigInt(v interface{}) (*big.Int, bool) {
	switch t := v.(type) {
	case *big.Int:
		return t, true
	case uint8:
		return big.NewInt(int64(t)), true
	case uint16:
		return big.NewInt(int64(t)), true
	case uint32:
		return big.NewInt(int64(t)), true
	case uint64:
		return new(big.Int).SetUint64(t), true
	case int8:
		return big.NewInt(int64(t)), true
	case int16:
		return big.NewInt(int64(t)), true
	case int32:
		return big.NewInt(int64(t)), true
	case int64:
		return big.NewInt(t), true
	default:
		rv := reflect.ValueOf(v)
		switch rv.Kind() {
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			return new(big.Int).SetUint64(rv.Uint()), true
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return big.NewInt(rv.Int()), true
		default:
			return nil, false
		}
	}
}

func toFixedBytes(v interface{}) ([]byte, bool) {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]byte, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		out[i] = byte(rv.Index(i).Uint())
	}
	return out, true
}
