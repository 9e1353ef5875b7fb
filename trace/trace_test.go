package trace

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethstorage/slottrace/differ"
	"github.com/ethstorage/slottrace/layout"
	"github.com/ethstorage/slottrace/slotcodec"
	"github.com/ethstorage/slottrace/storagepath"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

// fixtureJSON models a contract exercising every labeling shape: a
// preceding packed uint8, a packed struct, a basic struct with a short
// string field, a struct holding a mapping and a dynamic array, and a
// deeply nested mapping.
const fixtureJSON = `
{
  "storage": [
    {"label": "precedingValue", "offset": 0, "slot": "0", "type": "t_uint8"},
    {"label": "packedStruct", "offset": 0, "slot": "1", "type": "t_struct(PackedStruct)_storage"},
    {"label": "basicStruct", "offset": 0, "slot": "2", "type": "t_struct(BasicStruct)_storage"},
    {"label": "dynamicStruct", "offset": 0, "slot": "7", "type": "t_struct(DynamicStruct)_storage"},
    {"label": "m", "offset": 0, "slot": "3", "type": "t_mapping(t_uint256,t_mapping(t_uint256,t_mapping(t_uint256,t_uint256)))"}
  ],
  "types": {
    "t_uint8": {"encoding": "inplace", "label": "uint8", "numberOfBytes": "1"},
    "t_uint16": {"encoding": "inplace", "label": "uint16", "numberOfBytes": "2"},
    "t_uint32": {"encoding": "inplace", "label": "uint32", "numberOfBytes": "4"},
    "t_uint256": {"encoding": "inplace", "label": "uint256", "numberOfBytes": "32"},
    "t_bool": {"encoding": "inplace", "label": "bool", "numberOfBytes": "1"},
    "t_string_storage": {"encoding": "bytes_or_string", "label": "string", "numberOfBytes": "32"},
    "t_struct(PackedStruct)_storage": {
      "encoding": "inplace", "label": "struct PackedStruct", "numberOfBytes": "32",
      "members": [
        {"label": "a", "offset": 0, "slot": "0", "type": "t_uint8"},
        {"label": "b", "offset": 1, "slot": "0", "type": "t_uint16"},
        {"label": "c", "offset": 3, "slot": "0", "type": "t_uint32"},
        {"label": "d", "offset": 7, "slot": "0", "type": "t_bool"}
      ]
    },
    "t_struct(BasicStruct)_storage": {
      "encoding": "inplace", "label": "struct BasicStruct", "numberOfBytes": "64",
      "members": [
        {"label": "id", "offset": 0, "slot": "0", "type": "t_uint256"},
        {"label": "name", "offset": 0, "slot": "1", "type": "t_string_storage"}
      ]
    },
    "t_mapping(t_uint256,t_bool)": {
      "encoding": "mapping", "label": "mapping(uint256 => bool)", "numberOfBytes": "32",
      "key": "t_uint256", "value": "t_bool"
    },
    "t_array(t_uint256)dyn_storage": {
      "encoding": "dynamic_array", "label": "uint256[]", "numberOfBytes": "32", "base": "t_uint256"
    },
    "t_struct(DynamicStruct)_storage": {
      "encoding": "inplace", "label": "struct DynamicStruct", "numberOfBytes": "96",
      "members": [
        {"label": "id", "offset": 0, "slot": "0", "type": "t_uint256"},
        {"label": "numbers", "offset": 0, "slot": "1", "type": "t_array(t_uint256)dyn_storage"},
        {"label": "flags", "offset": 0, "slot": "2", "type": "t_mapping(t_uint256,t_bool)"}
      ]
    },
    "t_mapping(t_uint256,t_mapping(t_uint256,t_mapping(t_uint256,t_uint256)))": {
      "encoding": "mapping", "label": "mapping(uint256 => mapping(uint256 => mapping(uint256 => uint256)))",
      "numberOfBytes": "32",
      "key": "t_uint256", "value": "t_mapping(t_uint256,t_mapping(t_uint256,t_uint256))"
    },
    "t_mapping(t_uint256,t_mapping(t_uint256,t_uint256))": {
      "encoding": "mapping", "label": "mapping(uint256 => mapping(uint256 => uint256))",
      "numberOfBytes": "32",
      "key": "t_uint256", "value": "t_mapping(t_uint256,t_uint256)"
    },
    "t_mapping(t_uint256,t_uint256)": {
      "encoding": "mapping", "label": "mapping(uint256 => uint256)",
      "numberOfBytes": "32",
      "key": "t_uint256", "value": "t_uint256"
    }
  }
}
`

func buildFixtureIndex(t *testing.T) *layout.Index {
	t.Helper()
	doc, err := layout.ParseSolcJSON([]byte(fixtureJSON))
	require.NoError(t, err)
	idx, err := layout.NewIndex(doc)
	require.NoError(t, err)
	return idx
}

// setSubWord mutates word in place, placing val's bytes at the low-address
// byte range [offset, offset+size) per the compiler's packing convention
// (mirrors slotcodec.ExtractSubWord's addressing, inverted).
func setSubWord(word *common.Hash, offset, size int, val []byte) {
	end := 32 - offset
	start := end - size
	padded := make([]byte, size)
	copy(padded[size-len(val):], val)
	copy(word[start:end], padded)
}

func uintKey(n int64) storagepath.MappingKey {
	prim := slotcodec.Primitive{Kind: slotcodec.KindUint, Bits: 256}
	return storagepath.MappingKey{
		Hex: common.BigToHash(big.NewInt(n)), Type: &prim, Source: storagepath.SourceArgument,
		Decoded: slotcodec.Value{Kind: slotcodec.KindUint, Uint: uint256.NewInt(uint64(n))},
	}
}

func TestAssemblePackedStructWrite(t *testing.T) {
	idx := buildFixtureIndex(t)

	var post common.Hash
	setSubWord(&post, 0, 1, []byte{123})
	setSubWord(&post, 1, 2, big.NewInt(45678).Bytes())
	setSubWord(&post, 3, 4, big.NewInt(1000000).Bytes())
	setSubWord(&post, 7, 1, []byte{1})

	slot1 := common.BigToHash(big.NewInt(1))
	accountDiff := differ.Diff(common.Address{}, []common.Hash{slot1},
		map[common.Hash]common.Hash{slot1: common.Hash{}},
		map[common.Hash]common.Hash{slot1: post},
		differ.IntrinsicDiff{})

	result := Assemble(idx, accountDiff, nil)
	rows := result.Writes[slot1]
	require.Len(t, rows, 4)

	byExpr := map[string]LabeledAccess{}
	for _, r := range rows {
		byExpr[r.FullExpression] = r
	}
	require.True(t, byExpr["packedStruct.a"].Modified)
	require.Equal(t, uint64(123), byExpr["packedStruct.a"].Next.Decoded.Uint.Uint64())
	require.Equal(t, uint64(45678), byExpr["packedStruct.b"].Next.Decoded.Uint.Uint64())
	require.Equal(t, uint64(1000000), byExpr["packedStruct.c"].Next.Decoded.Uint.Uint64())
	require.True(t, byExpr["packedStruct.d"].Next.Decoded.Bool)
}

func TestAssemblePackedWriteFlagsOnlyChangedSubRange(t *testing.T) {
	idx := buildFixtureIndex(t)

	var pre, post common.Hash
	setSubWord(&pre, 0, 1, []byte{11})
	setSubWord(&pre, 1, 2, big.NewInt(300).Bytes())
	post = pre
	setSubWord(&post, 1, 2, big.NewInt(301).Bytes()) // only b changes

	slot1 := common.BigToHash(big.NewInt(1))
	accountDiff := differ.Diff(common.Address{}, []common.Hash{slot1},
		map[common.Hash]common.Hash{slot1: pre},
		map[common.Hash]common.Hash{slot1: post},
		differ.IntrinsicDiff{})

	result := Assemble(idx, accountDiff, nil)
	rows := result.Writes[slot1]
	require.Len(t, rows, 4)
	for _, r := range rows {
		if r.FullExpression == "packedStruct.b" {
			require.True(t, r.Modified)
			require.NotNil(t, r.Next)
		} else {
			require.False(t, r.Modified, r.FullExpression)
			require.Nil(t, r.Next, r.FullExpression)
		}
	}
}

func TestAssembleMappingInStructWrite(t *testing.T) {
	idx := buildFixtureIndex(t)
	key := uintKey(123)
	slot := slotcodec.MappingSlot(common.BigToHash(big.NewInt(9)), key.Hex)

	var post common.Hash
	post[31] = 1

	accountDiff := differ.Diff(common.Address{}, []common.Hash{slot},
		map[common.Hash]common.Hash{slot: common.Hash{}},
		map[common.Hash]common.Hash{slot: post},
		differ.IntrinsicDiff{})

	result := Assemble(idx, accountDiff, []storagepath.MappingKey{key})
	rows := result.Writes[slot]
	require.Len(t, rows, 1)
	require.Equal(t, "dynamicStruct.flags[123]", rows[0].FullExpression)
	require.True(t, rows[0].Modified)
	require.False(t, rows[0].Current.Decoded.Bool)
	require.True(t, rows[0].Next.Decoded.Bool)
}

func TestAssembleDynamicArrayPush(t *testing.T) {
	idx := buildFixtureIndex(t)
	lengthSlot := common.BigToHash(big.NewInt(8))
	zero, _ := uint256.FromBig(big.NewInt(0))
	elemSlot := slotcodec.ArrayElementSlot(lengthSlot, zero)

	var lenPost, elemPost common.Hash
	lenPost[31] = 1
	elemPost[31] = 42

	accountDiff := differ.Diff(common.Address{}, []common.Hash{lengthSlot, elemSlot},
		map[common.Hash]common.Hash{lengthSlot: common.Hash{}, elemSlot: common.Hash{}},
		map[common.Hash]common.Hash{lengthSlot: lenPost, elemSlot: elemPost},
		differ.IntrinsicDiff{})

	result := Assemble(idx, accountDiff, []storagepath.MappingKey{uintKey(0)})
	lenRows := result.Writes[lengthSlot]
	require.Len(t, lenRows, 1)
	require.Equal(t, "dynamicStruct.numbers._length", lenRows[0].FullExpression)
	require.Equal(t, uint64(1), lenRows[0].Next.Decoded.Uint.Uint64())

	elemRows := result.Writes[elemSlot]
	require.Len(t, elemRows, 1)
	require.Equal(t, "dynamicStruct.numbers[0]", elemRows[0].FullExpression)
	require.Equal(t, uint64(42), elemRows[0].Next.Decoded.Uint.Uint64())
}

func TestAssembleNestedMappingWrite(t *testing.T) {
	idx := buildFixtureIndex(t)
	a, b, c := uintKey(1), uintKey(2), uintKey(3)
	s1 := slotcodec.MappingSlot(common.BigToHash(big.NewInt(3)), a.Hex)
	s2 := slotcodec.MappingSlot(s1, b.Hex)
	slot := slotcodec.MappingSlot(s2, c.Hex)

	var post common.Hash
	post[31] = 99

	accountDiff := differ.Diff(common.Address{}, []common.Hash{slot},
		map[common.Hash]common.Hash{slot: common.Hash{}},
		map[common.Hash]common.Hash{slot: post},
		differ.IntrinsicDiff{})

	result := Assemble(idx, accountDiff, []storagepath.MappingKey{a, b, c})
	rows := result.Writes[slot]
	require.Len(t, rows, 1)
	require.Equal(t, "m[1][2][3]", rows[0].FullExpression)
	require.Equal(t, uint64(99), rows[0].Next.Decoded.Uint.Uint64())
}

func TestAssembleShortStringWrite(t *testing.T) {
	idx := buildFixtureIndex(t)
	slot := common.BigToHash(big.NewInt(3)) // basicStruct.name: slot 2 + 1

	var post common.Hash
	s := []byte("Nested")
	copy(post[:len(s)], s)
	post[31] = byte(len(s) * 2)

	accountDiff := differ.Diff(common.Address{}, []common.Hash{slot},
		map[common.Hash]common.Hash{slot: common.Hash{}},
		map[common.Hash]common.Hash{slot: post},
		differ.IntrinsicDiff{})

	result := Assemble(idx, accountDiff, nil)
	var nameRow *LabeledAccess
	for i, r := range result.Writes[slot] {
		if r.FullExpression == "basicStruct.name" {
			nameRow = &result.Writes[slot][i]
		}
	}
	require.NotNil(t, nameRow)
	require.True(t, nameRow.Modified)
	require.Equal(t, "Nested", nameRow.Next.Decoded.Str)
	require.False(t, nameRow.PartialDecode)
}

func TestAssembleShortStringDelete(t *testing.T) {
	idx := buildFixtureIndex(t)
	slot := common.BigToHash(big.NewInt(3))

	var pre common.Hash
	s := []byte("Named Init")
	copy(pre[:len(s)], s)
	pre[31] = byte(len(s) * 2)

	accountDiff := differ.Diff(common.Address{}, []common.Hash{slot},
		map[common.Hash]common.Hash{slot: pre},
		map[common.Hash]common.Hash{slot: common.Hash{}},
		differ.IntrinsicDiff{})

	result := Assemble(idx, accountDiff, nil)
	var nameRow *LabeledAccess
	for i, r := range result.Writes[slot] {
		if r.FullExpression == "basicStruct.name" {
			nameRow = &result.Writes[slot][i]
		}
	}
	require.NotNil(t, nameRow)
	require.True(t, nameRow.Modified)
	require.Equal(t, "Named Init", nameRow.Current.Decoded.Str)
	require.Equal(t, "", nameRow.Next.Decoded.Str)
}

func TestAssembleFallbackForUnexplainedSlot(t *testing.T) {
	idx := buildFixtureIndex(t)
	slot := common.HexToHash("0xfeedface00000000000000000000000000000000000000000000000000aa")

	accountDiff := differ.Diff(common.Address{}, []common.Hash{slot},
		map[common.Hash]common.Hash{},
		map[common.Hash]common.Hash{slot: common.BigToHash(big.NewInt(7))},
		differ.IntrinsicDiff{})

	result := Assemble(idx, accountDiff, nil)
	rows := result.Writes[slot]
	require.Len(t, rows, 1)
	require.True(t, rows[0].Fallback)
	require.True(t, rows[0].OracleGap)
	require.Contains(t, rows[0].FullExpression, "var_")
}
