// Package resolver decides which declared storage location produced an
// observed slot: given the slot and the candidate keys keyoracle
// harvested, it finds every declared variable (and sub-path into it) that
// could explain the slot, preferring the cheapest explanation (a direct,
// unhashed occupant) and falling back to an unlabeled placeholder only
// when nothing in the layout explains it.
//
// Resolution walks the categories in order — direct, mapping, nested
// mapping, dynamic array, fallback — but mapping and nested mapping are
// the same recursive walk: layout.Expand's value-type descent is what
// makes a mapping-of-mapping just "the value type happened to be another
// mapping" rather than a distinct pass.
package resolver

import (
	"sort"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethstorage/slottrace/layout"
	"github.com/ethstorage/slottrace/slotcodec"
	"github.com/ethstorage/slottrace/storagepath"
	"github.com/holiman/uint256"
)

// maxNestingDepth is a safety backstop against a cyclic type graph (a
// mapping whose value type is transitively itself); ordinary contracts never
// approach it; recursion is otherwise bounded by the type graph's actual
// depth and by the distinct-candidate-key constraint tracked in used.
const maxNestingDepth = 32

// fallbackRank is higher than every real candidate rank, so a fallback match
// never outranks a real one when both are present in a combined result set.
const fallbackRank = 1 << 30

// maxArrayIndex bounds which candidates are tried as dynamic-array indices.
// Real arrays touched by one transaction are small; a 32-byte stack value
// interpreted as an index is almost always not one.
const maxArrayIndex = 1_000_000

// mismatchCount counts matches dropped because re-deriving their slot from
// the recorded path did not reproduce the observed slot. Any nonzero value
// is an internal bug in the derivation logic, not a property of the input.
var mismatchCount atomic.Uint64

// MismatchCount reports how many matches this process has dropped after
// failing round-trip verification.
func MismatchCount() uint64 { return mismatchCount.Load() }

// SlotMatch is one declared location that could explain an observed slot.
// Multiple matches for the same slot are possible (an ambiguous mapping key
// collision, or ABI-harvested candidates that legitimately point at two
// different variables); callers sort by Rank and may keep more than one.
type SlotMatch struct {
	Slot       common.Hash
	Variable   layout.StorageVariable
	Path       []storagepath.PathSegment
	Offset     int
	Size       int
	TypeHandle string
	Keys       []storagepath.MappingKey // mapping keys consumed along Path, in order
	Rank       int                      // lower is more confident; see storagepath.Source.Rank
	Fallback   bool
}

// Resolve finds every SlotMatch explaining slot, given idx and the
// candidate keys KeyOracle extracted for this transaction. It never
// returns an empty slice: when no declared location explains the slot, the
// single result is a Fallback match labeled var_<slot prefix>.
func Resolve(idx *layout.Index, slot common.Hash, candidates []storagepath.MappingKey) []SlotMatch {
	if direct := idx.Direct(slot); len(direct) > 0 {
		out := make([]SlotMatch, 0, len(direct))
		for _, d := range direct {
			out = append(out, SlotMatch{
				Slot: slot, Variable: d.Variable, Path: d.Path, Offset: d.Offset, Size: d.Size,
				TypeHandle: d.TypeHandle, Keys: collectKeys(d.Path), Rank: rankOfPath(d.Path),
			})
		}
		return out
	}

	var matches []SlotMatch
	for _, root := range idx.MappingRoots() {
		matches = append(matches, resolveMappingRoot(idx, root, candidates, slot, nil, 0)...)
	}
	for _, root := range idx.ArrayRoots() {
		matches = append(matches, resolveArrayRoot(idx, root, candidates, slot, nil, 0)...)
	}
	matches = verifyAll(idx, matches)
	if len(matches) > 0 {
		sort.SliceStable(matches, func(i, j int) bool { return matches[i].Rank < matches[j].Rank })
		return matches
	}

	log.Debug("resolver: no declared location explains slot, falling back", "slot", slot.Hex())
	return []SlotMatch{{
		Slot:     slot,
		Variable: layout.StorageVariable{Label: fallbackLabel(slot)},
		Fallback: true,
		Rank:     fallbackRank,
	}}
}

func resolveMappingRoot(idx *layout.Index, root layout.Root, candidates []storagepath.MappingKey, observed common.Hash, used map[common.Hash]bool, depth int) []SlotMatch {
	if depth > maxNestingDepth {
		return nil
	}
	mt, ok := idx.Type(root.TypeHandle)
	if !ok || mt.Kind != layout.KindMapping {
		return nil
	}
	keyPrim, hasPrim := idx.KeyPrimitive(root.TypeHandle)
	valueType, ok := idx.Type(mt.ValueHandle)
	if !ok {
		return nil
	}

	var out []SlotMatch
	for _, key := range candidates {
		if used[key.Hex] {
			continue
		}
		if hasPrim && !key.CompatibleWith(keyPrim) {
			continue
		}
		slot := slotcodec.MappingSlot(root.BaseSlot, key.Hex)
		path := appendPath(root.PathPrefix, storagepath.MappingKeySegment(key))
		nextUsed := markUsed(used, key.Hex)

		switch valueType.Kind {
		case layout.KindMapping:
			nested := layout.Root{Variable: root.Variable, BaseSlot: slot, TypeHandle: mt.ValueHandle, PathPrefix: path}
			out = append(out, resolveMappingRoot(idx, nested, candidates, observed, nextUsed, depth+1)...)
		case layout.KindDynamicArray:
			nested := layout.Root{Variable: root.Variable, BaseSlot: slot, TypeHandle: mt.ValueHandle, PathPrefix: path}
			out = append(out, resolveArrayRoot(idx, nested, candidates, observed, nextUsed, depth+1)...)
		case layout.KindStruct:
			out = append(out, resolveStructExpansion(idx, root.Variable, mt.ValueHandle, slot, path, candidates, observed, nextUsed, depth+1)...)
		default:
			if slot == observed {
				out = append(out, SlotMatch{
					Slot: observed, Variable: root.Variable, Path: path, Offset: 0, Size: valueSize(valueType),
					TypeHandle: mt.ValueHandle, Keys: collectKeys(path), Rank: rankOfPath(path),
				})
			}
		}
	}
	return out
}

func resolveArrayRoot(idx *layout.Index, root layout.Root, candidates []storagepath.MappingKey, observed common.Hash, used map[common.Hash]bool, depth int) []SlotMatch {
	if depth > maxNestingDepth {
		return nil
	}
	at, ok := idx.Type(root.TypeHandle)
	if !ok || at.Kind != layout.KindDynamicArray {
		return nil
	}
	elemType, ok := idx.Type(at.ElementHandle)
	if !ok {
		return nil
	}

	var out []SlotMatch
	if root.BaseSlot == observed {
		path := appendPath(root.PathPrefix, storagepath.ArrayLength())
		out = append(out, SlotMatch{
			Slot: observed, Variable: root.Variable, Path: path, Offset: 0, Size: 32,
			Keys: collectKeys(root.PathPrefix), Rank: rankOfPath(root.PathPrefix),
		})
	}

	for _, key := range candidates {
		if used[key.Hex] {
			continue
		}
		idxVal, ok := indexFromKey(key)
		if !ok {
			continue
		}
		slot, elemOffset := arrayElementLocation(root.BaseSlot, idxVal, elemType)
		path := appendPath(root.PathPrefix, storagepath.ArrayIndex(idxVal))
		nextUsed := markUsed(used, key.Hex)

		switch elemType.Kind {
		case layout.KindStruct:
			out = append(out, resolveStructExpansion(idx, root.Variable, at.ElementHandle, slot, path, candidates, observed, nextUsed, depth+1)...)
		case layout.KindMapping:
			nested := layout.Root{Variable: root.Variable, BaseSlot: slot, TypeHandle: at.ElementHandle, PathPrefix: path}
			out = append(out, resolveMappingRoot(idx, nested, candidates, observed, nextUsed, depth+1)...)
		case layout.KindDynamicArray:
			nested := layout.Root{Variable: root.Variable, BaseSlot: slot, TypeHandle: at.ElementHandle, PathPrefix: path}
			out = append(out, resolveArrayRoot(idx, nested, candidates, observed, nextUsed, depth+1)...)
		default:
			if slot == observed {
				out = append(out, SlotMatch{
					Slot: observed, Variable: root.Variable, Path: path, Offset: elemOffset, Size: valueSize(elemType),
					TypeHandle: at.ElementHandle, Keys: collectKeys(path), Rank: rankOfPath(path),
				})
			}
		}
	}
	return out
}

// arrayElementLocation maps an element index onto its slot and byte offset
// within that slot. Elements wider than a word (structs) advance the slot
// by the element's whole-slot footprint per index; elements narrower than a
// word pack several per slot, low-order bytes first, like struct fields.
func arrayElementLocation(base common.Hash, index *uint256.Int, elemType layout.TypeDescriptor) (common.Hash, int) {
	elemSize := valueSize(elemType)
	if elemSize <= 0 || elemSize > 32 || elemType.Kind == layout.KindStruct {
		slotsPerElem := uint64((elemType.Size + 31) / 32)
		if slotsPerElem == 0 {
			slotsPerElem = 1
		}
		slotIdx := new(uint256.Int).Mul(index, uint256.NewInt(slotsPerElem))
		return slotcodec.ArrayElementSlot(base, slotIdx), 0
	}
	if elemSize == 32 {
		return slotcodec.ArrayElementSlot(base, index), 0
	}
	perSlot := uint64(32 / elemSize)
	slotIdx := new(uint256.Int).Div(index, uint256.NewInt(perSlot))
	within := new(uint256.Int).Mod(index, uint256.NewInt(perSlot))
	return slotcodec.ArrayElementSlot(base, slotIdx), int(within.Uint64()) * elemSize
}

// resolveStructExpansion expands a struct value rooted at base (the value
// type of a mapping entry or array element) and checks its direct fields
// against observed, recursing into any mapping/array fields it contains.
func resolveStructExpansion(idx *layout.Index, v layout.StorageVariable, typeHandle string, base common.Hash, path []storagepath.PathSegment, candidates []storagepath.MappingKey, observed common.Hash, used map[common.Hash]bool, depth int) []SlotMatch {
	res, err := idx.Expand(typeHandle, base, 0, path)
	if err != nil {
		log.Debug("resolver: struct expansion failed", "type", typeHandle, "err", err)
		return nil
	}
	var out []SlotMatch
	for _, d := range res.Direct {
		if d.Slot == observed {
			out = append(out, SlotMatch{
				Slot: observed, Variable: v, Path: d.Path, Offset: d.Offset, Size: d.Size,
				TypeHandle: d.TypeHandle, Keys: collectKeys(d.Path), Rank: rankOfPath(d.Path),
			})
		}
	}
	for _, m := range res.Mappings {
		nested := layout.Root{Variable: v, BaseSlot: m.BaseSlot, TypeHandle: m.TypeHandle, PathPrefix: m.Path}
		out = append(out, resolveMappingRoot(idx, nested, candidates, observed, used, depth)...)
	}
	for _, a := range res.Arrays {
		nested := layout.Root{Variable: v, BaseSlot: a.BaseSlot, TypeHandle: a.TypeHandle, PathPrefix: a.Path}
		out = append(out, resolveArrayRoot(idx, nested, candidates, observed, used, depth)...)
	}
	return out
}

func valueSize(td layout.TypeDescriptor) int {
	if td.Kind == layout.KindPrimitive {
		return td.Primitive.Size()
	}
	return td.Size
}

// indexFromKey reports whether key is sensible as an array index: anything
// untyped (a raw stack value) or numerically typed (a calldata integer or
// one of the small constant guesses), as long as its numeric value stays
// below maxArrayIndex.
// Address/bool/bytesN-typed candidates are never array indices.
func indexFromKey(key storagepath.MappingKey) (*uint256.Int, bool) {
	if key.Type != nil {
		switch key.Type.Kind {
		case slotcodec.KindAddress, slotcodec.KindBool, slotcodec.KindBytesN:
			return nil, false
		}
	}
	v := new(uint256.Int).SetBytes32(key.Hex[:])
	if !v.IsUint64() || v.Uint64() >= maxArrayIndex {
		return nil, false
	}
	return v, true
}

func collectKeys(path []storagepath.PathSegment) []storagepath.MappingKey {
	var keys []storagepath.MappingKey
	for _, seg := range path {
		if seg.Kind == storagepath.SegMappingKey {
			keys = append(keys, seg.Key)
		}
	}
	return keys
}

// rankOfPath is the worst (least confident) Source.Rank among the mapping
// keys used along path; a match built from no mapping keys (a plain direct
// entry, or an array-length pseudo-access) is as confident as layout itself.
func rankOfPath(path []storagepath.PathSegment) int {
	rank := 0
	for _, seg := range path {
		if seg.Kind == storagepath.SegMappingKey {
			if r := seg.Key.Source.Rank(); r > rank {
				rank = r
			}
		}
	}
	return rank
}

func appendPath(p []storagepath.PathSegment, seg storagepath.PathSegment) []storagepath.PathSegment {
	out := make([]storagepath.PathSegment, 0, len(p)+1)
	out = append(out, p...)
	out = append(out, seg)
	return out
}

func markUsed(used map[common.Hash]bool, h common.Hash) map[common.Hash]bool {
	out := make(map[common.Hash]bool, len(used)+1)
	for k, v := range used {
		out[k] = v
	}
	out[h] = true
	return out
}

// verifyAll re-derives every hashed match's slot from its recorded path and
// drops any that fail to reproduce the observed slot bit-for-bit. A dropped
// match is a derivation bug, counted in MismatchCount, never a user error.
func verifyAll(idx *layout.Index, matches []SlotMatch) []SlotMatch {
	out := matches[:0]
	for _, m := range matches {
		derived, ok := DeriveSlot(idx, m)
		if !ok || derived != m.Slot {
			mismatchCount.Add(1)
			log.Warn("resolver: dropping match that failed slot round-trip", "slot", m.Slot.Hex(), "variable", m.Variable.Label)
			continue
		}
		out = append(out, m)
	}
	return out
}

// DeriveSlot re-applies the slot-derivation algebra to a match's recorded
// path, returning the slot the path reaches from the owning variable's base
// slot. ok is false when the path doesn't type-check against the layout.
func DeriveSlot(idx *layout.Index, m SlotMatch) (common.Hash, bool) {
	cur := m.Variable.BaseSlot
	handle := m.Variable.TypeHandle
	for _, seg := range m.Path {
		td, ok := idx.Type(handle)
		if !ok {
			return common.Hash{}, false
		}
		switch seg.Kind {
		case storagepath.SegStructField:
			if td.Kind != layout.KindStruct {
				return common.Hash{}, false
			}
			found := false
			for _, f := range td.Fields {
				if f.Name == seg.FieldName {
					cur = slotcodec.StructFieldSlot(cur, f.Slot)
					handle = f.TypeHandle
					found = true
					break
				}
			}
			if !found {
				return common.Hash{}, false
			}
		case storagepath.SegMappingKey:
			if td.Kind != layout.KindMapping {
				return common.Hash{}, false
			}
			cur = slotcodec.MappingSlot(cur, seg.Key.Hex)
			handle = td.ValueHandle
		case storagepath.SegArrayIndex:
			elemTd, ok := idx.Type(td.ElementHandle)
			if !ok || seg.Index == nil {
				return common.Hash{}, false
			}
			switch td.Kind {
			case layout.KindDynamicArray:
				cur, _ = arrayElementLocation(cur, seg.Index, elemTd)
			case layout.KindFixedArray:
				cur = fixedArrayElementSlot(cur, seg.Index, elemTd)
			default:
				return common.Hash{}, false
			}
			handle = td.ElementHandle
		case storagepath.SegArrayLength:
			if td.Kind != layout.KindDynamicArray {
				return common.Hash{}, false
			}
		}
	}
	return cur, true
}

// fixedArrayElementSlot mirrors the in-place element addressing the layout
// expansion uses: whole-word and struct elements advance the slot by the
// element's slot footprint, packed elements share slots.
func fixedArrayElementSlot(base common.Hash, index *uint256.Int, elemTd layout.TypeDescriptor) common.Hash {
	elemSize := valueSize(elemTd)
	if elemSize <= 0 || elemSize > 32 || elemTd.Kind == layout.KindStruct {
		slotsPerElem := uint64((elemTd.Size + 31) / 32)
		if slotsPerElem == 0 {
			slotsPerElem = 1
		}
		return slotcodec.StructFieldSlot(base, index.Uint64()*slotsPerElem)
	}
	if elemSize == 32 {
		return slotcodec.StructFieldSlot(base, index.Uint64())
	}
	perSlot := uint64(32 / elemSize)
	return slotcodec.StructFieldSlot(base, index.Uint64()/perSlot)
}

func fallbackLabel(slot common.Hash) string {
	h := slot.Hex() // "0x" + 64 hex chars
	prefix := h[2:10]
	return "var_" + prefix
}
