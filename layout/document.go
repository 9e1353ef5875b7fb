package layout

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethstorage/slottrace/slotcodec"
)

// rawDoc mirrors solc's "storageLayout" output verbatim: a flat variable
// list plus a type dictionary keyed by the compiler's internal type id.
type rawDoc struct {
	Storage []rawVariable      `json:"storage"`
	Types   map[string]rawType `json:"types"`
}

type rawVariable struct {
	Label  string `json:"label"`
	Offset int    `json:"offset"`
	Slot   string `json:"slot"`
	Type   string `json:"type"`
}

type rawType struct {
	Encoding      string      `json:"encoding"`
	Label         string      `json:"label"`
	NumberOfBytes string      `json:"numberOfBytes"`
	Key           string      `json:"key"`
	Value         string      `json:"value"`
	Base          string      `json:"base"`
	Members       []rawMember `json:"members"`
}

type rawMember struct {
	Label  string `json:"label"`
	Offset int    `json:"offset"`
	Slot   string `json:"slot"`
	Type   string `json:"type"`
}

// ParseSolcJSON parses a solc/hardhat-shaped storageLayout JSON document
// into a normalized Document. The ABI field is left empty; callers (the
// LayoutSource adapter) attach it separately from whatever explorer
// envelope wraps the layout.
func ParseSolcJSON(data []byte) (Document, error) {
	var raw rawDoc
	if err := json.Unmarshal(data, &raw); err != nil {
		return Document{}, fmt.Errorf("layout: parse storage layout: %w", err)
	}

	types := make(map[string]TypeDescriptor, len(raw.Types))
	for handle, rt := range raw.Types {
		td, err := convertType(handle, rt)
		if err != nil {
			return Document{}, err
		}
		types[handle] = td
	}

	// Second pass: struct member sizes come from the member's own type,
	// which may convert after the struct does.
	for handle, td := range types {
		if td.Kind != KindStruct {
			continue
		}
		for i, f := range td.Fields {
			ft, ok := types[f.TypeHandle]
			if !ok {
				return Document{}, &MalformedLayout{Variable: handle, Detail: fmt.Sprintf("dangling member type reference %q", f.TypeHandle)}
			}
			if ft.Kind == KindPrimitive {
				td.Fields[i].Size = ft.Primitive.Size()
			} else {
				td.Fields[i].Size = ft.Size
			}
		}
		types[handle] = td
	}

	vars := make([]StorageVariable, 0, len(raw.Storage))
	for _, rv := range raw.Storage {
		td, ok := types[rv.Type]
		if !ok {
			return Document{}, &MalformedLayout{Variable: rv.Label, Detail: fmt.Sprintf("dangling type reference %q", rv.Type)}
		}
		slotNum, err := parseDecimal(rv.Slot)
		if err != nil {
			return Document{}, &MalformedLayout{Variable: rv.Label, Detail: fmt.Sprintf("bad slot %q: %v", rv.Slot, err)}
		}
		vars = append(vars, StorageVariable{
			Label:      rv.Label,
			TypeHandle: rv.Type,
			BaseSlot:   common.BigToHash(slotNum),
			Offset:     rv.Offset,
			Size:       td.Size,
			Encoding:   td.Encoding,
		})
	}

	return Document{Variables: vars, Types: types}, nil
}

func convertType(handle string, rt rawType) (TypeDescriptor, error) {
	size := 32
	if rt.NumberOfBytes != "" {
		n, err := parseDecimal(rt.NumberOfBytes)
		if err != nil {
			return TypeDescriptor{}, &MalformedLayout{Variable: handle, Detail: fmt.Sprintf("bad numberOfBytes %q: %v", rt.NumberOfBytes, err)}
		}
		size = int(n.Int64())
	}

	td := TypeDescriptor{
		Handle:   handle,
		Encoding: Encoding(rt.Encoding),
		Size:     size,
	}

	switch Encoding(rt.Encoding) {
	case EncodingMapping:
		td.Kind = KindMapping
		td.KeyHandle = rt.Key
		td.ValueHandle = rt.Value
	case EncodingDynamicArray:
		td.Kind = KindDynamicArray
		td.ElementHandle = rt.Base
	case EncodingBytesOrString:
		td.Kind = KindBytesOrString
		td.IsString = strings.Contains(rt.Label, "string")
	case EncodingInplace:
		switch {
		case len(rt.Members) > 0:
			td.Kind = KindStruct
			fields := make([]StructField, 0, len(rt.Members))
			for _, m := range rt.Members {
				slotNum, err := parseDecimal(m.Slot)
				if err != nil {
					return TypeDescriptor{}, &MalformedLayout{Variable: handle, Detail: fmt.Sprintf("bad member slot %q: %v", m.Slot, err)}
				}
				fields = append(fields, StructField{
					Name:       m.Label,
					TypeHandle: m.Type,
					Slot:       slotNum.Uint64(),
					Offset:     m.Offset,
				})
			}
			td.Fields = fields
		case rt.Base != "" && isFixedArrayLabel(rt.Label):
			td.Kind = KindFixedArray
			td.ElementHandle = rt.Base
			td.Length = fixedArrayLength(rt.Label)
		default:
			td.Kind = KindPrimitive
			td.Primitive = primitiveFromHandle(handle, size)
		}
	default:
		td.Kind = KindPrimitive
		td.Primitive = primitiveFromHandle(handle, size)
	}
	return td, nil
}

// primitiveFromHandle infers a Primitive from solc's type-id naming
// convention (t_uint256, t_int8, t_bool, t_address, t_bytes4, t_enum(...)).
func primitiveFromHandle(handle string, size int) slotcodec.Primitive {
	switch {
	case strings.HasPrefix(handle, "t_uint"):
		return slotcodec.Primitive{Kind: slotcodec.KindUint, Bits: bitsSuffix(handle, "t_uint", 256)}
	case strings.HasPrefix(handle, "t_int"):
		return slotcodec.Primitive{Kind: slotcodec.KindInt, Bits: bitsSuffix(handle, "t_int", 256)}
	case handle == "t_bool":
		return slotcodec.Primitive{Kind: slotcodec.KindBool, Bits: 8}
	case handle == "t_address" || handle == "t_address_payable" || handle == "t_contract":
		return slotcodec.Primitive{Kind: slotcodec.KindAddress, Bits: 160}
	case strings.HasPrefix(handle, "t_bytes") && !strings.Contains(handle, "storage") && !strings.Contains(handle, "memory"):
		return slotcodec.Primitive{Kind: slotcodec.KindBytesN, Bits: size * 8}
	case strings.HasPrefix(handle, "t_enum"):
		return slotcodec.Primitive{Kind: slotcodec.KindEnum, Bits: 8}
	default:
		return slotcodec.Primitive{Kind: slotcodec.KindUnknown, Bits: size * 8}
	}
}

func bitsSuffix(handle, prefix string, def int) int {
	suffix := strings.TrimPrefix(handle, prefix)
	if suffix == "" {
		return def
	}
	n, err := parseDecimal(suffix)
	if err != nil {
		return def
	}
	return int(n.Int64())
}

func isFixedArrayLabel(label string) bool {
	return strings.Contains(label, "[") && strings.Contains(label, "]") && !strings.HasSuffix(strings.TrimSpace(label), "[]")
}

func fixedArrayLength(label string) uint64 {
	open := strings.LastIndex(label, "[")
	close := strings.LastIndex(label, "]")
	if open < 0 || close < 0 || close < open {
		return 0
	}
	n, err := parseDecimal(label[open+1 : close])
	if err != nil {
		return 0
	}
	return n.Uint64()
}

func parseDecimal(s string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("not a decimal integer")
	}
	return n, nil
}
