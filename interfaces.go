package slottrace

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethstorage/slottrace/layout"
)

// ExecutionOracle is the black-box EVM/RPC collaborator: everything about
// actually running a transaction or reading chain state lives behind this
// interface, never inside the labeling core.
type ExecutionOracle interface {
	// Simulate executes (or replays) in and returns its access list,
	// execution trace, and whichever intrinsics the oracle reports inline.
	// On revert, implementations return a non-nil *SimulationReverted error
	// alongside the partial SimulationResult gathered up to that point.
	Simulate(ctx context.Context, in TraceInput) (SimulationResult, error)

	// StorageAt reads one account's storage word at one slot, at the given
	// point in the transaction's execution.
	StorageAt(ctx context.Context, account common.Address, slot common.Hash, at AtPoint) (common.Hash, error)

	// Intrinsics reads one account's nonce/balance/code-hash at the given
	// point in the transaction's execution.
	Intrinsics(ctx context.Context, account common.Address, at AtPoint) (Intrinsics, error)

	// LatestBlock returns the chain head's block number, for WatchStorage's
	// poll loop to detect new blocks.
	LatestBlock(ctx context.Context) (uint64, error)

	// TransactionsInBlock returns one TraceInput (by TxHash) per transaction
	// mined in block number, for WatchStorage to replay and filter by
	// touched address.
	TransactionsInBlock(ctx context.Context, number uint64) ([]TraceInput, error)
}

// LayoutSource is the black-box contract-metadata collaborator: it
// fetches ABIs and compiler-emitted storage layouts from wherever they are
// published (a block explorer, a local artifact cache).
type LayoutSource interface {
	// LayoutFor returns the parsed layout document for address, or
	// *LayoutUnavailableError when none is published.
	LayoutFor(ctx context.Context, address common.Address) (layout.Document, error)
}
