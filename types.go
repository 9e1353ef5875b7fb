// Package slottrace is the public entry point of the storage-access
// labeling engine: it wires the keyoracle, resolver, differ and trace
// packages together behind the two operations a caller needs,
// TraceStorageAccess and WatchStorage, and declares the two interfaces the
// engine consumes from the outside world, ExecutionOracle and LayoutSource.
package slottrace

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// AtPoint selects which side of a transaction's execution a snapshot read
// refers to.
type AtPoint int

const (
	AtPre AtPoint = iota
	AtPost
)

func (a AtPoint) String() string {
	if a == AtPost {
		return "post"
	}
	return "pre"
}

// Intrinsics is an account's nonce/balance/code-hash at one AtPoint.
type Intrinsics struct {
	Nonce    uint64
	Balance  *big.Int
	CodeHash common.Hash
}

// TraceStep is one opcode and its operand stack snapshot from an execution
// trace.
type TraceStep struct {
	Op    string
	Stack []common.Hash
}

// AccountAccess is one account's entry in a transaction's access list; the
// oracle returns these as a slice in its own enumeration order.
// TraceStorageAccess returns its result as a map keyed by address, so that
// order is not carried into the result.
type AccountAccess struct {
	Address common.Address
	Slots   []common.Hash
}

// SimulationResult is what ExecutionOracle.Simulate returns for one
// transaction. IntrinsicPre/IntrinsicPost are populated only for
// the accounts the oracle chooses to report inline (typically tx.From and
// tx.To); TraceStorageAccess falls back to ExecutionOracle.Intrinsics for
// every other touched account.
type SimulationResult struct {
	AccessList    []AccountAccess
	Trace         []TraceStep
	IntrinsicPre  map[common.Address]Intrinsics
	IntrinsicPost map[common.Address]Intrinsics
	TxHash        common.Hash
}

// TraceInput is a transaction to analyze, in one of three shapes: a raw
// call ({From, To, Data}), an ABI-described call
// ({From, To, ABI, FunctionName, Args}), or a historical replay ({TxHash}).
type TraceInput struct {
	ChainID uint64

	From  common.Address
	To    *common.Address
	Data  []byte
	Value *big.Int

	ABI          []byte
	FunctionName string
	Args         []interface{}

	TxHash *common.Hash
}
