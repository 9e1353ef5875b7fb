package layout

import (
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethstorage/slottrace/slotcodec"
	"github.com/ethstorage/slottrace/storagepath"
	"github.com/holiman/uint256"
)

// DirectEntry is a slot occupant reachable without hashing: either a flat
// variable (Path is empty) or a struct field (possibly nested), in which
// case Path carries the StructField chain from the declaring variable.
type DirectEntry struct {
	Variable   StorageVariable
	Path       []storagepath.PathSegment
	Offset     int
	Size       int
	TypeHandle string
}

// Root is a mapping or dynamic-array root: BaseSlot is the slot holding the
// mapping's hashing seed or the array's length. PathPrefix is the segment
// chain from the declaring top-level variable down to this root (empty
// when the variable itself is the mapping/array).
type Root struct {
	Variable   StorageVariable
	BaseSlot   common.Hash
	TypeHandle string
	PathPrefix []storagepath.PathSegment
}

// Index is the read-only, traversable form of a contract's storage layout.
// It is built once per (chainId, address, codeHash) and is safe for
// concurrent reads for the lifetime of one or more analyses.
type Index struct {
	types         map[string]TypeDescriptor
	variables     []StorageVariable
	direct        map[common.Hash][]DirectEntry
	mappingRoots  []Root
	arrayRoots    []Root
}

// NewIndex builds an Index from a normalized Document. Construction fails
// with *MalformedLayout if a type reference is dangling, an offset
// overflows 32 bytes, or two packed variables overlap.
func NewIndex(doc Document) (*Index, error) {
	idx := &Index{
		types:  doc.Types,
		direct: make(map[common.Hash][]DirectEntry),
	}
	idx.variables = append(idx.variables, doc.Variables...)

	for _, v := range doc.Variables {
		if err := idx.ingestVariable(v); err != nil {
			return nil, err
		}
	}
	for slot, entries := range idx.direct {
		sort.Slice(entries, func(i, j int) bool { return entries[i].Offset < entries[j].Offset })
		for i := 1; i < len(entries); i++ {
			prev, cur := entries[i-1], entries[i]
			if cur.Offset < prev.Offset+prev.Size {
				return nil, &MalformedLayout{
					Variable: cur.Variable.Label,
					Detail:   fmt.Sprintf("overlaps %q at slot %s", prev.Variable.Label, slot.Hex()),
				}
			}
		}
		idx.direct[slot] = entries
	}
	return idx, nil
}

func (idx *Index) ingestVariable(v StorageVariable) error {
	if _, ok := idx.types[v.TypeHandle]; !ok {
		return &MalformedLayout{Variable: v.Label, Detail: fmt.Sprintf("dangling type reference %q", v.TypeHandle)}
	}
	res, err := Expand(idx.types, v.TypeHandle, v.BaseSlot, v.Offset, nil)
	if err != nil {
		return &MalformedLayout{Variable: v.Label, Detail: err.Error()}
	}
	for _, d := range res.Direct {
		if d.Offset+d.Size > 32 {
			return &MalformedLayout{Variable: v.Label, Detail: fmt.Sprintf("offset %d + size %d overflows a 32-byte slot", d.Offset, d.Size)}
		}
		idx.direct[d.Slot] = append(idx.direct[d.Slot], DirectEntry{
			Variable: v, Path: d.Path, Offset: d.Offset, Size: d.Size, TypeHandle: d.TypeHandle,
		})
	}
	for _, m := range res.Mappings {
		idx.mappingRoots = append(idx.mappingRoots, Root{Variable: v, BaseSlot: m.BaseSlot, TypeHandle: m.TypeHandle, PathPrefix: m.Path})
	}
	for _, a := range res.Arrays {
		idx.arrayRoots = append(idx.arrayRoots, Root{Variable: v, BaseSlot: a.BaseSlot, TypeHandle: a.TypeHandle, PathPrefix: a.Path})
	}
	return nil
}

// Direct returns the occupants of an observed slot reachable without
// hashing, ordered by offset ascending. A nil/empty result means the slot
// either doesn't exist in the layout or is only reachable via hashing.
func (idx *Index) Direct(slot common.Hash) []DirectEntry {
	return idx.direct[slot]
}

// MappingRoots returns every declared mapping, including ones nested
// inside structs.
func (idx *Index) MappingRoots() []Root { return idx.mappingRoots }

// ArrayRoots returns every declared dynamic array, including ones nested
// inside structs.
func (idx *Index) ArrayRoots() []Root { return idx.arrayRoots }

// Variables returns the flat, declaration-ordered variable list.
func (idx *Index) Variables() []StorageVariable { return idx.variables }

// Type looks up a type-dictionary entry by handle.
func (idx *Index) Type(handle string) (TypeDescriptor, bool) {
	td, ok := idx.types[handle]
	return td, ok
}

// Expand runs the unified recursive type descent (see Expand below) using
// this Index's type dictionary.
func (idx *Index) Expand(typeHandle string, base common.Hash, offset int, prefix []storagepath.PathSegment) (ExpansionResult, error) {
	return Expand(idx.types, typeHandle, base, offset, prefix)
}

// KeyPrimitive resolves a mapping type's declared key primitive using this
// Index's type dictionary.
func (idx *Index) KeyPrimitive(mappingTypeHandle string) (slotcodec.Primitive, bool) {
	return KeyPrimitive(idx.types, mappingTypeHandle)
}

// ExpandedDirect is one primitive/bytes_or_string/fixed-array occupant
// produced by Expand, with its absolute slot resolved.
type ExpandedDirect struct {
	Path       []storagepath.PathSegment
	Offset     int
	Size       int
	TypeHandle string
	Slot       common.Hash
}

// ExpandedRoot is one mapping or dynamic-array root produced by Expand.
type ExpandedRoot struct {
	Path       []storagepath.PathSegment
	BaseSlot   common.Hash
	TypeHandle string
}

// ExpansionResult collects every concrete slot occupant reachable from one
// type, rooted at one base slot.
type ExpansionResult struct {
	Direct   []ExpandedDirect
	Mappings []ExpandedRoot
	Arrays   []ExpandedRoot
}

// Expand is the single recursive descent over TypeDescriptor that both
// Index construction (static struct flattening) and the resolver (dynamic
// mapping/array value-type expansion) use; one walk handles every type
// shape instead of duplicated passes per type. offset is the byte offset
// within base that this type's own occupant starts at (0 for anything
// that isn't itself a packed scalar); prefix is the path accumulated by
// the caller so far.
func Expand(types map[string]TypeDescriptor, typeHandle string, base common.Hash, offset int, prefix []storagepath.PathSegment) (ExpansionResult, error) {
	td, ok := types[typeHandle]
	if !ok {
		return ExpansionResult{}, fmt.Errorf("dangling type reference %q", typeHandle)
	}
	switch td.Kind {
	case KindMapping:
		return ExpansionResult{Mappings: []ExpandedRoot{{Path: clonePath(prefix), BaseSlot: base, TypeHandle: typeHandle}}}, nil
	case KindDynamicArray:
		return ExpansionResult{Arrays: []ExpandedRoot{{Path: clonePath(prefix), BaseSlot: base, TypeHandle: typeHandle}}}, nil
	case KindStruct:
		var res ExpansionResult
		for _, f := range td.Fields {
			fieldSlot := slotcodec.StructFieldSlot(base, f.Slot)
			fieldPrefix := appendSeg(prefix, storagepath.StructField(f.Name))
			sub, err := Expand(types, f.TypeHandle, fieldSlot, f.Offset, fieldPrefix)
			if err != nil {
				return ExpansionResult{}, err
			}
			res.Direct = append(res.Direct, sub.Direct...)
			res.Mappings = append(res.Mappings, sub.Mappings...)
			res.Arrays = append(res.Arrays, sub.Arrays...)
		}
		return res, nil
	case KindFixedArray:
		elTd, ok := types[td.ElementHandle]
		if !ok {
			return ExpansionResult{}, fmt.Errorf("dangling type reference %q", td.ElementHandle)
		}
		elSize := elTd.Size
		if elTd.Kind == KindPrimitive {
			elSize = elTd.Primitive.Size()
		}
		if elSize <= 0 || elSize > 32 {
			elSize = 32
		}

		var res ExpansionResult
		if elSize == 32 || elTd.Kind == KindStruct {
			// One element per slot-aligned region; a struct element may
			// itself span several slots, so each element's base advances
			// by the element's own slot count rather than by one.
			slotsPerElem := uint64((elTd.Size + 31) / 32)
			if slotsPerElem == 0 {
				slotsPerElem = 1
			}
			for i := uint64(0); i < td.Length; i++ {
				elemBase := slotcodec.StructFieldSlot(base, i*slotsPerElem)
				elemPrefix := appendSeg(prefix, storagepath.ArrayIndex(uint256.NewInt(i)))
				sub, err := Expand(types, td.ElementHandle, elemBase, 0, elemPrefix)
				if err != nil {
					return ExpansionResult{}, err
				}
				res.Direct = append(res.Direct, sub.Direct...)
				res.Mappings = append(res.Mappings, sub.Mappings...)
				res.Arrays = append(res.Arrays, sub.Arrays...)
			}
			return res, nil
		}

		// Packed: several elements share a slot, left to right, exactly
		// like packed struct fields.
		perSlot := uint64(32 / elSize)
		if perSlot == 0 {
			perSlot = 1
		}
		for i := uint64(0); i < td.Length; i++ {
			slotIdx := i / perSlot
			offsetInSlot := int(i%perSlot) * elSize
			elemBase := slotcodec.StructFieldSlot(base, slotIdx)
			elemPrefix := appendSeg(prefix, storagepath.ArrayIndex(uint256.NewInt(i)))
			sub, err := Expand(types, td.ElementHandle, elemBase, offsetInSlot, elemPrefix)
			if err != nil {
				return ExpansionResult{}, err
			}
			res.Direct = append(res.Direct, sub.Direct...)
			res.Mappings = append(res.Mappings, sub.Mappings...)
			res.Arrays = append(res.Arrays, sub.Arrays...)
		}
		return res, nil
	default: // KindPrimitive, KindBytesOrString
		size := td.Size
		if td.Kind == KindPrimitive {
			size = td.Primitive.Size()
		}
		return ExpansionResult{Direct: []ExpandedDirect{{
			Path: clonePath(prefix), Offset: offset, Size: size, TypeHandle: typeHandle, Slot: base,
		}}}, nil
	}
}

func clonePath(p []storagepath.PathSegment) []storagepath.PathSegment {
	if len(p) == 0 {
		return nil
	}
	out := make([]storagepath.PathSegment, len(p))
	copy(out, p)
	return out
}

func appendSeg(p []storagepath.PathSegment, seg storagepath.PathSegment) []storagepath.PathSegment {
	out := make([]storagepath.PathSegment, 0, len(p)+1)
	out = append(out, p...)
	out = append(out, seg)
	return out
}

// KeyPrimitive resolves a mapping type's declared key primitive, or
// reports ok=false when the key is itself a bytes/string type (handled
// separately, since those don't decode via slotcodec.Primitive).
func KeyPrimitive(types map[string]TypeDescriptor, mappingTypeHandle string) (slotcodec.Primitive, bool) {
	mt, ok := types[mappingTypeHandle]
	if !ok || mt.Kind != KindMapping {
		return slotcodec.Primitive{}, false
	}
	kt, ok := types[mt.KeyHandle]
	if !ok || kt.Kind != KindPrimitive {
		return slotcodec.Primitive{}, false
	}
	return kt.Primitive, true
}
