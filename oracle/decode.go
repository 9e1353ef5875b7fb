package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/ethstorage/slottrace"
)

// accountState mirrors the prestateTracer diff-mode response shape for one
// account (go-ethereum's eth/tracers/native prestate tracer, `diffMode:
// true`).
type accountState struct {
	Balance *hexutil.Big                `json:"balance,omitempty"`
	Nonce   uint64                      `json:"nonce,omitempty"`
	Code    hexutil.Bytes               `json:"code,omitempty"`
	Storage map[common.Hash]common.Hash `json:"storage,omitempty"`
}

type diffResult struct {
	Pre  map[common.Address]*accountState `json:"pre"`
	Post map[common.Address]*accountState `json:"post"`
}

// accountDiffSet is the adapter's in-memory copy of the most recent
// debug_trace{Call,Transaction} prestate diff.
type accountDiffSet struct {
	pre  map[common.Address]*accountState
	post map[common.Address]*accountState
}

func (d accountDiffSet) side(at slottrace.AtPoint) map[common.Address]*accountState {
	if at == slottrace.AtPost {
		return d.post
	}
	return d.pre
}

// traceCallConfig is the debug_trace{Call,Transaction} `tracer`/
// `tracerConfig` request parameter shape.
type traceCallConfig struct {
	Tracer       string          `json:"tracer,omitempty"`
	TracerConfig json.RawMessage `json:"tracerConfig,omitempty"`
}

var prestateDiffConfig = traceCallConfig{
	Tracer:       "prestateTracer",
	TracerConfig: json.RawMessage(`{"diffMode":true}`),
}

// structLogRes mirrors one entry of the default structLogger's
// `structLogs` array (go-ethereum's eth/tracers/logger.StructLogRes),
// trimmed to the fields KeyOracle needs.
type structLogRes struct {
	Op    string   `json:"op"`
	Stack []string `json:"stack"`
}

type structLogResult struct {
	StructLogs []structLogRes `json:"structLogs"`
}

// accessListResult mirrors eth_createAccessList's response
// (go-ethereum's internal/ethapi.accessListResult).
type accessListResult struct {
	AccessList types.AccessList `json:"accessList"`
	Error      string           `json:"error,omitempty"`
}

// resolveInput turns a TraceInput's three shapes into an ethereum.CallMsg
// plus, for the historical-replay shape, the concrete
// txHash and block reference to pass to debug_traceTransaction instead of
// debug_traceCall.
func resolveInput(ctx context.Context, eth *ethclient.Client, in slottrace.TraceInput) (ethereum.CallMsg, common.Hash, interface{}, error) {
	if in.TxHash != nil {
		tx, _, err := eth.TransactionByHash(ctx, *in.TxHash)
		if err != nil {
			return ethereum.CallMsg{}, common.Hash{}, nil, fmt.Errorf("fetch tx %s: %w", in.TxHash.Hex(), err)
		}
		from, err := senderOf(tx)
		if err != nil {
			return ethereum.CallMsg{}, common.Hash{}, nil, err
		}
		msg := ethereum.CallMsg{From: from, To: tx.To(), Data: tx.Data(), Value: tx.Value()}
		return msg, *in.TxHash, nil, nil
	}

	data := in.Data
	if len(in.ABI) > 0 && in.FunctionName != "" {
		parsed, err := abi.JSON(bytes.NewReader(in.ABI))
		if err != nil {
			return ethereum.CallMsg{}, common.Hash{}, nil, fmt.Errorf("parse supplied ABI: %w", err)
		}
		packed, err := parsed.Pack(in.FunctionName, in.Args...)
		if err != nil {
			return ethereum.CallMsg{}, common.Hash{}, nil, fmt.Errorf("pack %s args: %w", in.FunctionName, err)
		}
		data = packed
	}

	value := in.Value
	if value == nil {
		value = new(big.Int)
	}
	msg := ethereum.CallMsg{From: in.From, To: in.To, Data: data, Value: value}
	return msg, common.Hash{}, "latest", nil
}

func senderOf(tx *types.Transaction) (common.Address, error) {
	signer := types.LatestSignerForChainID(tx.ChainId())
	from, err := types.Sender(signer, tx)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover sender: %w", err)
	}
	return from, nil
}

func createAccessList(ctx context.Context, rc *rpc.Client, msg ethereum.CallMsg, blockRef interface{}) (*accessListResult, error) {
	var res accessListResult
	params := map[string]interface{}{
		"from": msg.From,
		"data": hexutil.Bytes(msg.Data),
	}
	if msg.To != nil {
		params["to"] = msg.To
	}
	if msg.Value != nil {
		params["value"] = (*hexutil.Big)(msg.Value)
	}
	if err := rc.CallContext(ctx, &res, "eth_createAccessList", params, blockRef); err != nil {
		return nil, err
	}
	if res.Error != "" {
		return &res, fmt.Errorf("execution reverted: %s", res.Error)
	}
	return &res, nil
}

func traceDiff(ctx context.Context, rc *rpc.Client, msg ethereum.CallMsg, replayHash common.Hash, blockRef interface{}) (accountDiffSet, error) {
	var raw diffResult
	var err error
	if replayHash != (common.Hash{}) {
		err = rc.CallContext(ctx, &raw, "debug_traceTransaction", replayHash, prestateDiffConfig)
	} else {
		err = rc.CallContext(ctx, &raw, "debug_traceCall", callParams(msg), blockRef, prestateDiffConfig)
	}
	if err != nil {
		return accountDiffSet{}, err
	}
	return accountDiffSet{pre: raw.Pre, post: raw.Post}, nil
}

func structLogs(ctx context.Context, rc *rpc.Client, msg ethereum.CallMsg, replayHash common.Hash, blockRef interface{}) ([]slottrace.TraceStep, error) {
	var raw structLogResult
	var err error
	if replayHash != (common.Hash{}) {
		err = rc.CallContext(ctx, &raw, "debug_traceTransaction", replayHash, traceCallConfig{})
	} else {
		err = rc.CallContext(ctx, &raw, "debug_traceCall", callParams(msg), blockRef, traceCallConfig{})
	}
	if err != nil {
		return nil, err
	}
	steps := make([]slottrace.TraceStep, 0, len(raw.StructLogs))
	for _, l := range raw.StructLogs {
		stack := make([]common.Hash, 0, len(l.Stack))
		for _, s := range l.Stack {
			stack = append(stack, stackWordToHash(s))
		}
		steps = append(steps, slottrace.TraceStep{Op: l.Op, Stack: stack})
	}
	return steps, nil
}

// stackWordToHash left-pads a structLogger stack entry (a decimal or hex
// string depending on client version) to a 32-byte word.
func stackWordToHash(s string) common.Hash {
	if len(s) > 1 && s[0:2] == "0x" {
		return common.HexToHash(s)
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return common.Hash{}
	}
	return common.BigToHash(n)
}

func callParams(msg ethereum.CallMsg) map[string]interface{} {
	params := map[string]interface{}{
		"from": msg.From,
		"data": hexutil.Bytes(msg.Data),
	}
	if msg.To != nil {
		params["to"] = msg.To
	}
	if msg.Value != nil {
		params["value"] = (*hexutil.Big)(msg.Value)
	}
	return params
}

// mergeAccounts builds the AccountAccess enumeration order TraceStorageAccess
// iterates: the access list's accounts first, in the order the node
// returned them, then any account with storage on the prestate diff's post
// side that eth_createAccessList missed (it can under-report precompiles
// and self-destructed accounts). Accounts the diff lists without post
// storage are not added.
func mergeAccounts(al *accessListResult, diff accountDiffSet) []slottrace.AccountAccess {
	seen := make(map[common.Address]bool)
	var out []slottrace.AccountAccess

	if al != nil {
		for _, tuple := range al.AccessList {
			slots := make([]common.Hash, len(tuple.StorageKeys))
			copy(slots, tuple.StorageKeys)
			out = append(out, slottrace.AccountAccess{Address: tuple.Address, Slots: slots})
			seen[tuple.Address] = true
		}
	}

	extras := make([]common.Address, 0, len(diff.post))
	for addr := range diff.post {
		if !seen[addr] {
			extras = append(extras, addr)
		}
	}
	sort.Slice(extras, func(i, j int) bool { return bytes.Compare(extras[i][:], extras[j][:]) < 0 })

	for _, addr := range extras {
		acct := diff.post[addr]
		if acct == nil || len(acct.Storage) == 0 {
			continue
		}
		slots := make([]common.Hash, 0, len(acct.Storage))
		for slot := range acct.Storage {
			slots = append(slots, slot)
		}
		sort.Slice(slots, func(i, j int) bool { return bytes.Compare(slots[i][:], slots[j][:]) < 0 })
		out = append(out, slottrace.AccountAccess{Address: addr, Slots: slots})
		seen[addr] = true
	}
	return out
}

func intrinsicsFromState(state map[common.Address]*accountState) map[common.Address]slottrace.Intrinsics {
	out := make(map[common.Address]slottrace.Intrinsics, len(state))
	for addr, acct := range state {
		out[addr] = intrinsicsFromAccount(acct)
	}
	return out
}

func intrinsicsFromAccount(acct *accountState) slottrace.Intrinsics {
	if acct == nil {
		return slottrace.Intrinsics{Balance: new(big.Int)}
	}
	balance := new(big.Int)
	if acct.Balance != nil {
		balance = (*big.Int)(acct.Balance)
	}
	return slottrace.Intrinsics{
		Nonce:    acct.Nonce,
		Balance:  balance,
		CodeHash: codeHashOf(acct.Code),
	}
}
