package keyoracle

import (
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

const sampleABI = `[
  {"name":"setFlag","type":"function","inputs":[{"name":"key","type":"uint256"},{"name":"value","type":"bool"}]},
  {"name":"setMany","type":"function","inputs":[{"name":"keys","type":"uint256[]"}]}
]`

func mustParseABI(t *testing.T) abi.ABI {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(sampleABI))
	require.NoError(t, err)
	return parsed
}

func TestExtractTouchedAddresses(t *testing.T) {
	addr := common.HexToAddress("0x00000000000000000000000000000000001234")
	keys := Extract(Input{TouchedAddresses: []common.Address{addr}})

	found := false
	for _, k := range keys {
		if k.Hex == common.BytesToHash(addr.Bytes()) {
			found = true
			require.NotNil(t, k.Type)
			require.Equal(t, addr, k.Decoded.Address)
		}
	}
	require.True(t, found)
}

func TestExtractConstantIndices(t *testing.T) {
	keys := Extract(Input{})
	byHex := map[common.Hash]bool{}
	for _, k := range keys {
		byHex[k.Hex] = true
	}
	for i := 0; i < 10; i++ {
		require.True(t, byHex[common.BigToHash(big.NewInt(int64(i)))], "missing constant %d", i)
	}
}

func TestExtractScalarCalldataArgument(t *testing.T) {
	a := mustParseABI(t)
	method := a.Methods["setFlag"]
	packed, err := method.Inputs.Pack(big.NewInt(123), true)
	require.NoError(t, err)
	data := append(method.ID, packed...)

	keys := Extract(Input{Calldata: Calldata{Data: data, ABIs: []abi.ABI{a}}})

	var gotKey, gotBool bool
	for _, k := range keys {
		if k.Hex == common.BigToHash(big.NewInt(123)) && k.Source.String() == "argument" {
			gotKey = true
			require.Equal(t, 0, k.Position)
		}
		if k.Hex == common.BigToHash(big.NewInt(1)) && k.Decoded.Kind.String() == "bool" {
			gotBool = true
		}
	}
	require.True(t, gotKey)
	require.True(t, gotBool)
}

func TestExtractArrayCalldataArgumentContributesEachElement(t *testing.T) {
	a := mustParseABI(t)
	method := a.Methods["setMany"]
	packed, err := method.Inputs.Pack([]*big.Int{big.NewInt(7), big.NewInt(42)})
	require.NoError(t, err)
	data := append(method.ID, packed...)

	keys := Extract(Input{Calldata: Calldata{Data: data, ABIs: []abi.ABI{a}}})

	var has7, has42 bool
	for _, k := range keys {
		if k.Hex == common.BigToHash(big.NewInt(7)) {
			has7 = true
		}
		if k.Hex == common.BigToHash(big.NewInt(42)) {
			has42 = true
		}
	}
	require.True(t, has7)
	require.True(t, has42)
}

func TestExtractUnknownSelectorDegradesSilently(t *testing.T) {
	a := mustParseABI(t)
	data := append([]byte{0xde, 0xad, 0xbe, 0xef}, make([]byte, 32)...)
	keys := Extract(Input{Calldata: Calldata{Data: data, ABIs: []abi.ABI{a}}})
	// Still get the 10 constant indices, nothing blows up.
	require.Len(t, keys, 10)
}

func TestExtractStackValuesAreUntyped(t *testing.T) {
	stackVal := common.HexToHash("0xabc123")
	keys := Extract(Input{StackValues: []common.Hash{stackVal}})
	for _, k := range keys {
		if k.Hex == stackVal {
			require.Nil(t, k.Type)
			require.Equal(t, -1, k.Position)
			return
		}
	}
	t.Fatal("stack value candidate not found")
}

func TestExtractOrderIsDeterministicAndRanked(t *testing.T) {
	a := mustParseABI(t)
	method := a.Methods["setFlag"]
	packed, err := method.Inputs.Pack(big.NewInt(777), true)
	require.NoError(t, err)
	in := Input{
		TouchedAddresses: []common.Address{common.HexToAddress("0xbeef")},
		Calldata:         Calldata{Data: append(method.ID, packed...), ABIs: []abi.ABI{a}},
		StackValues:      []common.Hash{common.HexToHash("0xabc"), common.HexToHash("0xdef")},
	}

	first := Extract(in)
	second := Extract(in)
	require.Equal(t, first, second)

	for i := 1; i < len(first); i++ {
		require.LessOrEqual(t, first[i-1].Source.Rank(), first[i].Source.Rank())
	}
}

func TestTypedCandidateWinsOverUntypedDuplicate(t *testing.T) {
	// The constant-index pass contributes hash(5); make the same value
	// show up as an untyped stack value too and confirm the typed one wins.
	dup := common.BigToHash(big.NewInt(5))
	keys := Extract(Input{StackValues: []common.Hash{dup}})
	for _, k := range keys {
		if k.Hex == dup {
			require.NotNil(t, k.Type)
			return
		}
	}
	t.Fatal("deduplicated candidate not found")
}
