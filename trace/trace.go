// Package trace joins the resolver's matches with the differ's slot
// values, decodes each affected sub-word via slotcodec, and emits the
// final StorageAccessTrace per account.
package trace

import (
	"bytes"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethstorage/slottrace/differ"
	"github.com/ethstorage/slottrace/layout"
	"github.com/ethstorage/slottrace/resolver"
	"github.com/ethstorage/slottrace/slotcodec"
	"github.com/ethstorage/slottrace/storagepath"
	"github.com/holiman/uint256"
)

// DecodedValue is one side (current or next) of a LabeledAccess.
type DecodedValue struct {
	Hex     common.Hash
	Decoded slotcodec.Value
}

// LabeledAccess is one human-readable row of a StorageAccessTrace: a
// decoded before/after pair for one variable path, plus enough metadata to
// render and rank it.
type LabeledAccess struct {
	Current        DecodedValue
	Next           *DecodedValue // non-nil iff Modified
	Modified       bool
	Slots          []common.Hash // every slot this access's value spans (>1 for long bytes/string)
	Path           []storagepath.PathSegment
	FullExpression string
	Rank           int // confidence rank inherited from the resolver.SlotMatch; lower is more confident
	PartialDecode  bool
	OracleGap      bool
	Fallback       bool
}

// StorageAccessTrace is one account's complete result, keyed by the
// observed slot so that packed/ambiguous slots can carry more than one
// LabeledAccess.
type StorageAccessTrace struct {
	Address   common.Address
	Reads     map[common.Hash][]LabeledAccess
	Writes    map[common.Hash][]LabeledAccess
	Intrinsic differ.IntrinsicDiff
}

type wordPair struct {
	pre, post common.Hash
}

// Assemble builds the StorageAccessTrace for one account from its diffed
// slot accesses and the candidate keys harvested for this transaction.
func Assemble(idx *layout.Index, accountDiff differ.AccountDiff, candidates []storagepath.MappingKey) StorageAccessTrace {
	words := collectWords(accountDiff)
	out := StorageAccessTrace{
		Address:   accountDiff.Address,
		Reads:     make(map[common.Hash][]LabeledAccess),
		Writes:    make(map[common.Hash][]LabeledAccess),
		Intrinsic: accountDiff.Intrinsic,
	}

	for _, access := range accountDiff.Reads {
		out.Reads[access.Slot] = labelSlot(idx, access, candidates, words)
	}
	for _, access := range accountDiff.Writes {
		out.Writes[access.Slot] = labelSlot(idx, access, candidates, words)
	}
	return out
}

func collectWords(d differ.AccountDiff) map[common.Hash]wordPair {
	words := make(map[common.Hash]wordPair, len(d.Reads)+len(d.Writes))
	for _, a := range d.Reads {
		words[a.Slot] = wordPair{pre: a.Pre, post: a.Post}
	}
	for _, a := range d.Writes {
		words[a.Slot] = wordPair{pre: a.Pre, post: a.Post}
	}
	return words
}

func labelSlot(idx *layout.Index, access differ.SlotAccess, candidates []storagepath.MappingKey, words map[common.Hash]wordPair) []LabeledAccess {
	matches := resolver.Resolve(idx, access.Slot, candidates)
	out := make([]LabeledAccess, 0, len(matches))
	for _, m := range matches {
		out = append(out, decodeMatch(idx, m, access, words))
	}
	// Stable by Rank only: the resolver already emits direct entries in
	// offset order and key/index matches in candidate order (source rank,
	// calldata position, then ascending key value), which is the row order
	// within a variable.
	sort.SliceStable(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
	return out
}

func decodeMatch(idx *layout.Index, m resolver.SlotMatch, access differ.SlotAccess, words map[common.Hash]wordPair) LabeledAccess {
	la := LabeledAccess{
		Path: m.Path, Rank: m.Rank, OracleGap: access.OracleGap,
		Fallback: m.Fallback, Slots: []common.Hash{access.Slot},
	}
	la.FullExpression = fullExpression(m)

	switch {
	case m.Fallback:
		decodeRawWord(&la, access)
	case isArrayLength(m.Path):
		decodeWholeWordAsUint(&la, access)
	default:
		td, ok := idx.Type(m.TypeHandle)
		if !ok {
			decodeRawWord(&la, access)
		} else if td.Kind == layout.KindBytesOrString {
			decodeBytesOrString(&la, td, access, words)
		} else {
			decodeScalar(&la, m, td, access)
		}
	}
	return la
}

func isArrayLength(path []storagepath.PathSegment) bool {
	return len(path) > 0 && path[len(path)-1].Kind == storagepath.SegArrayLength
}

func decodeRawWord(la *LabeledAccess, access differ.SlotAccess) {
	la.Current = DecodedValue{Hex: access.Pre, Decoded: slotcodec.Value{Kind: slotcodec.KindUnknown, Raw: access.Pre.Bytes()}}
	la.Modified = access.Modified()
	if la.Modified {
		next := DecodedValue{Hex: access.Post, Decoded: slotcodec.Value{Kind: slotcodec.KindUnknown, Raw: access.Post.Bytes()}}
		la.Next = &next
	}
}

func decodeWholeWordAsUint(la *LabeledAccess, access differ.SlotAccess) {
	prim := slotcodec.Primitive{Kind: slotcodec.KindUint, Bits: 256}
	la.Current = DecodedValue{Hex: access.Pre, Decoded: slotcodec.DecodeScalar(access.Pre.Bytes(), prim)}
	la.Modified = access.Modified()
	if la.Modified {
		next := DecodedValue{Hex: access.Post, Decoded: slotcodec.DecodeScalar(access.Post.Bytes(), prim)}
		la.Next = &next
	}
}

func decodeScalar(la *LabeledAccess, m resolver.SlotMatch, td layout.TypeDescriptor, access differ.SlotAccess) {
	prim := td.Primitive
	if td.Kind != layout.KindPrimitive {
		// fixed arrays and other whole-word reference kinds decode as raw
		// bytes; no declared Primitive describes them directly.
		prim = slotcodec.Primitive{Kind: slotcodec.KindUnknown, Bits: m.Size * 8}
	}
	subPre := slotcodec.ExtractSubWord(access.Pre, m.Offset, m.Size)
	subPost := slotcodec.ExtractSubWord(access.Post, m.Offset, m.Size)

	la.Current = DecodedValue{Hex: common.BytesToHash(subPre), Decoded: slotcodec.DecodeScalar(subPre, prim)}
	la.Modified = !bytes.Equal(subPre, subPost)
	if la.Modified {
		next := DecodedValue{Hex: common.BytesToHash(subPost), Decoded: slotcodec.DecodeScalar(subPost, prim)}
		la.Next = &next
	}
}

// decodeBytesOrString handles Solidity's bytes/string head-word encoding.
// The head word is the observed slot itself; long values additionally read
// data slots from the combined pre/post word map, which may not cover
// every data slot the length implies — those reads are marked
// PartialDecode rather than treated as fatal.
func decodeBytesOrString(la *LabeledAccess, td layout.TypeDescriptor, access differ.SlotAccess, words map[common.Hash]wordPair) {
	preBytes, prePartial, preSlots := readBytesOrString(access.Slot, access.Pre, words, true)
	postBytes, postPartial, postSlots := readBytesOrString(access.Slot, access.Post, words, false)

	la.Slots = append(la.Slots, uniqueSlots(preSlots, postSlots)...)
	la.PartialDecode = prePartial || postPartial

	la.Current = DecodedValue{Hex: access.Pre, Decoded: valueFromBytes(preBytes, td.IsString)}
	la.Modified = !bytes.Equal(preBytes, postBytes)
	if la.Modified {
		next := DecodedValue{Hex: access.Post, Decoded: valueFromBytes(postBytes, td.IsString)}
		la.Next = &next
	}
}

func valueFromBytes(b []byte, isString bool) slotcodec.Value {
	v := slotcodec.Value{Kind: slotcodec.KindDynamicBytes, Raw: b, Bytes: b}
	if isString {
		v.Str = string(b)
	}
	return v
}

func readBytesOrString(headSlot, headWord common.Hash, words map[common.Hash]wordPair, usePre bool) ([]byte, bool, []common.Hash) {
	inline, length, dataBase := slotcodec.BytesOrStringLayout(headSlot, headWord)
	if inline {
		if length > 32 {
			length = 32
		}
		return append([]byte(nil), headWord[:length]...), false, nil
	}

	out := make([]byte, 0, length)
	var touched []common.Hash
	remaining := length
	slot := dataBase
	for remaining > 0 {
		wp, ok := words[slot]
		var word common.Hash
		if ok {
			if usePre {
				word = wp.pre
			} else {
				word = wp.post
			}
		} else {
			log.Debug("trace: bytes/string data slot missing from snapshot, truncating", "slot", slot.Hex())
		}
		take := remaining
		if take > 32 {
			take = 32
		}
		out = append(out, word[:take]...)
		touched = append(touched, slot)
		remaining -= take
		if !ok {
			return out, true, touched
		}
		slot = nextSlot(slot)
	}
	return out, false, touched
}

func nextSlot(slot common.Hash) common.Hash {
	u := new(uint256.Int).SetBytes32(slot[:])
	u.AddUint64(u, 1)
	out := u.Bytes32()
	return common.Hash(out)
}

func uniqueSlots(a, b []common.Hash) []common.Hash {
	seen := make(map[common.Hash]bool, len(a)+len(b))
	var out []common.Hash
	for _, s := range append(append([]common.Hash{}, a...), b...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// fullExpression renders a SlotMatch's path prefixed by the owning
// variable's label.
func fullExpression(m resolver.SlotMatch) string {
	if m.Fallback {
		return m.Variable.Label
	}
	var buf bytes.Buffer
	buf.WriteString(m.Variable.Label)
	for _, seg := range m.Path {
		buf.WriteString(seg.Expr())
	}
	return buf.String()
}
