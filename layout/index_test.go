package layout

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethstorage/slottrace/slotcodec"
	"github.com/ethstorage/slottrace/storagepath"
	"github.com/stretchr/testify/require"
)

func buildSample(t *testing.T) *Index {
	t.Helper()
	doc, err := ParseSolcJSON([]byte(sampleLayoutJSON))
	require.NoError(t, err)
	idx, err := NewIndex(doc)
	require.NoError(t, err)
	return idx
}

func TestDirectSimpleVariable(t *testing.T) {
	idx := buildSample(t)
	entries := idx.Direct(common.BigToHash(big.NewInt(0)))
	require.Len(t, entries, 1)
	require.Equal(t, "precedingValue", entries[0].Variable.Label)
	require.Equal(t, 0, entries[0].Offset)
	require.Equal(t, 1, entries[0].Size)
}

func TestDirectPackedStruct(t *testing.T) {
	idx := buildSample(t)
	entries := idx.Direct(common.BigToHash(big.NewInt(1)))
	require.Len(t, entries, 4)
	require.Equal(t, "a", entries[0].Path[len(entries[0].Path)-1].FieldName)
	require.Equal(t, 0, entries[0].Offset)
	require.Equal(t, 1, entries[0].Size)
	require.Equal(t, "b", entries[1].Path[len(entries[1].Path)-1].FieldName)
	require.Equal(t, 1, entries[1].Offset)
	require.Equal(t, 2, entries[1].Size)
	require.Equal(t, "c", entries[2].Path[len(entries[2].Path)-1].FieldName)
	require.Equal(t, 3, entries[2].Offset)
	require.Equal(t, 4, entries[2].Size)
	require.Equal(t, "d", entries[3].Path[len(entries[3].Path)-1].FieldName)
	require.Equal(t, 7, entries[3].Offset)
	require.Equal(t, 1, entries[3].Size)
}

func TestDirectNestedStructField(t *testing.T) {
	idx := buildSample(t)
	// nestedStruct.basic.id lives at nestedStruct.baseSlot(4) + basic.slot(1) + id.slot(0) = 5
	entries := idx.Direct(common.BigToHash(big.NewInt(5)))
	require.Len(t, entries, 1)
	names := pathNames(entries[0].Path)
	require.Equal(t, []string{"basic", "id"}, names)
}

func TestDirectNestedStructStringField(t *testing.T) {
	idx := buildSample(t)
	// nestedStruct.basic.name at slot 4 + 1 (basic) + 1 (name) = 6
	entries := idx.Direct(common.BigToHash(big.NewInt(6)))
	require.Len(t, entries, 1)
	require.Equal(t, []string{"basic", "name"}, pathNames(entries[0].Path))
}

func TestMappingRootInsideStruct(t *testing.T) {
	idx := buildSample(t)
	var found *Root
	for i := range idx.MappingRoots() {
		r := idx.MappingRoots()[i]
		if r.Variable.Label == "dynamicStruct" {
			found = &r
		}
	}
	require.NotNil(t, found)
	require.Equal(t, common.BigToHash(big.NewInt(9)), found.BaseSlot)
	require.Equal(t, []string{"flags"}, pathNames(found.PathPrefix))
}

func TestArrayRootInsideStruct(t *testing.T) {
	idx := buildSample(t)
	var found *Root
	for i := range idx.ArrayRoots() {
		r := idx.ArrayRoots()[i]
		if r.Variable.Label == "dynamicStruct" {
			found = &r
		}
	}
	require.NotNil(t, found)
	require.Equal(t, common.BigToHash(big.NewInt(8)), found.BaseSlot)
	require.Equal(t, []string{"numbers"}, pathNames(found.PathPrefix))
}

func TestTopLevelMappingRoot(t *testing.T) {
	idx := buildSample(t)
	for _, r := range idx.MappingRoots() {
		if r.Variable.Label == "m" {
			require.Empty(t, r.PathPrefix)
			return
		}
	}
	t.Fatal("top-level mapping root not found")
}

func TestOverlappingPackedVariablesRejected(t *testing.T) {
	bad := `
	{
	  "storage": [
	    {"label": "a", "offset": 0, "slot": "0", "type": "t_uint32"},
	    {"label": "b", "offset": 2, "slot": "0", "type": "t_uint32"}
	  ],
	  "types": {
	    "t_uint32": {"encoding": "inplace", "label": "uint32", "numberOfBytes": "4"}
	  }
	}`
	doc, err := ParseSolcJSON([]byte(bad))
	require.NoError(t, err)
	_, err = NewIndex(doc)
	require.Error(t, err)
	var malformed *MalformedLayout
	require.ErrorAs(t, err, &malformed)
}

func TestDanglingTypeReferenceRejected(t *testing.T) {
	bad := `
	{
	  "storage": [{"label": "a", "offset": 0, "slot": "0", "type": "t_missing"}],
	  "types": {}
	}`
	_, err := ParseSolcJSON([]byte(bad))
	require.Error(t, err)
}

func TestExpandNestedMappingUnifiedDescent(t *testing.T) {
	idx := buildSample(t)
	var root Root
	for _, r := range idx.MappingRoots() {
		if r.Variable.Label == "m" {
			root = r
		}
	}
	keyPrim, ok := KeyPrimitive(idx.types, root.TypeHandle)
	require.True(t, ok)
	require.Equal(t, slotcodec.KindUint, keyPrim.Kind)

	// Expand the mapping's value type (another mapping) rooted at a
	// synthetic slot, confirming the recursive descent returns another
	// mapping root rather than a direct entry.
	mt, _ := idx.Type(root.TypeHandle)
	res, err := Expand(idx.types, mt.ValueHandle, common.Hash{1}, 0, nil)
	require.NoError(t, err)
	require.Len(t, res.Mappings, 1)
}

func TestDirectFixedArrayUnpackedElements(t *testing.T) {
	doc := `
	{
	  "storage": [
	    {"label": "nums", "offset": 0, "slot": "0", "type": "t_array(t_uint256)3_storage"}
	  ],
	  "types": {
	    "t_uint256": {"encoding": "inplace", "label": "uint256", "numberOfBytes": "32"},
	    "t_array(t_uint256)3_storage": {
	      "encoding": "inplace", "label": "uint256[3]", "numberOfBytes": "96", "base": "t_uint256"
	    }
	  }
	}`
	d, err := ParseSolcJSON([]byte(doc))
	require.NoError(t, err)
	idx, err := NewIndex(d)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		entries := idx.Direct(common.BigToHash(big.NewInt(int64(i))))
		require.Lenf(t, entries, 1, "slot %d", i)
		require.Equal(t, 0, entries[0].Offset)
		require.Equal(t, 32, entries[0].Size)
	}
}

func TestDirectFixedArrayPackedElements(t *testing.T) {
	doc := `
	{
	  "storage": [
	    {"label": "flags", "offset": 0, "slot": "0", "type": "t_array(t_uint8)40_storage"}
	  ],
	  "types": {
	    "t_uint8": {"encoding": "inplace", "label": "uint8", "numberOfBytes": "1"},
	    "t_array(t_uint8)40_storage": {
	      "encoding": "inplace", "label": "uint8[40]", "numberOfBytes": "40", "base": "t_uint8"
	    }
	  }
	}`
	d, err := ParseSolcJSON([]byte(doc))
	require.NoError(t, err)
	idx, err := NewIndex(d)
	require.NoError(t, err)

	// 32 elements pack into slot 0, the remaining 8 spill into slot 1.
	slot0 := idx.Direct(common.BigToHash(big.NewInt(0)))
	require.Len(t, slot0, 32)
	require.Equal(t, 0, slot0[0].Offset)
	require.Equal(t, 31, slot0[31].Offset)

	slot1 := idx.Direct(common.BigToHash(big.NewInt(1)))
	require.Len(t, slot1, 8)
	require.Equal(t, 0, slot1[0].Offset)
	require.Equal(t, 7, slot1[7].Offset)
}

func pathNames(path []storagepath.PathSegment) []string {
	names := make([]string, 0, len(path))
	for _, seg := range path {
		names = append(names, seg.FieldName)
	}
	return names
}
