// Package oracle implements slottrace.ExecutionOracle: a thin facade over
// a JSON-RPC node via ethclient/rpc, translating
// the black-box simulate/storageAt/intrinsics contract the engine consumes
// into real eth_createAccessList, debug_traceCall and debug_traceTransaction
// calls. Nothing in this package is exercised by the labeling core itself —
// it only implements the interfaces slottrace declares.
package oracle

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/ethstorage/slottrace"
)

// Client implements slottrace.ExecutionOracle against a live node that
// exposes the standard eth_* namespace plus debug_traceCall /
// debug_traceTransaction (any geth-family client in "full" or "archive"
// mode with the debug API enabled). One Client serves one in-flight
// analysis at a time; callers that run several TraceStorageAccess calls
// concurrently should dial one Client per call.
type Client struct {
	eth *ethclient.Client
	rpc *rpc.Client

	mu      sync.Mutex
	current accountDiffSet
}

// Dial connects to rawurl (ws://, http://, or an IPC path), the same
// endpoint forms ethclient.Dial accepts.
func Dial(ctx context.Context, rawurl string) (*Client, error) {
	rc, err := rpc.DialContext(ctx, rawurl)
	if err != nil {
		return nil, fmt.Errorf("oracle: dial %s: %w", rawurl, err)
	}
	return New(rc), nil
}

// New wraps an already-established *rpc.Client.
func New(rc *rpc.Client) *Client {
	return &Client{eth: ethclient.NewClient(rc), rpc: rc}
}

// Simulate builds the call or replay in describes, runs eth_createAccessList
// for the touched-slot set, debug_traceCall/debug_traceTransaction in
// prestateTracer diff mode for the per-slot pre/post words, and a plain
// structLogger pass for the opcode/stack trace KeyOracle mines. The diff is
// cached on c so the StorageAt/Intrinsics calls TraceStorageAccess makes
// immediately afterward for the same transaction are served without
// further RPC round-trips. A revert surfaces as *slottrace.SimulationReverted
// wrapping the partial result: the access list and prestate diff calls
// still typically succeed against a reverted call (only the post side
// reflects the revert), so the caller can still label what was touched
// before the revert.
func (c *Client) Simulate(ctx context.Context, in slottrace.TraceInput) (slottrace.SimulationResult, error) {
	msg, replayHash, blockRef, err := resolveInput(ctx, c.eth, in)
	if err != nil {
		return slottrace.SimulationResult{}, fmt.Errorf("%w: %v", slottrace.ErrOracleUnavailable, err)
	}

	accessList, alErr := createAccessList(ctx, c.rpc, msg, blockRef)
	if alErr != nil {
		log.Debug("oracle: eth_createAccessList failed, falling back to prestate diff keys only", "err", alErr)
	}

	diff, traceErr := traceDiff(ctx, c.rpc, msg, replayHash, blockRef)
	if traceErr != nil {
		return slottrace.SimulationResult{}, fmt.Errorf("%w: %v", slottrace.ErrOracleUnavailable, traceErr)
	}
	c.mu.Lock()
	c.current = diff
	c.mu.Unlock()

	steps, stepErr := structLogs(ctx, c.rpc, msg, replayHash, blockRef)
	if stepErr != nil {
		log.Debug("oracle: structLogger trace failed, KeyOracle will see no stack values", "err", stepErr)
	}

	txHash := replayHash
	if txHash == (common.Hash{}) {
		txHash = syntheticCallHash(msg)
	}

	result := slottrace.SimulationResult{
		AccessList:    mergeAccounts(accessList, diff),
		Trace:         steps,
		IntrinsicPre:  intrinsicsFromState(diff.pre),
		IntrinsicPost: intrinsicsFromState(diff.post),
		TxHash:        txHash,
	}

	if reason, reverted := revertReason(alErr, traceErr, stepErr); reverted {
		return result, &slottrace.SimulationReverted{Reason: reason}
	}
	return result, nil
}

// StorageAt serves from the diff Simulate cached for the transaction most
// recently run on c; a slot absent from the cached side reads as the zero
// word with a nil error. The absence is not reported to the caller, so
// TraceStorageAccess hands the differ both words and no OracleGap is
// flagged for such a slot.
func (c *Client) StorageAt(ctx context.Context, account common.Address, slot common.Hash, at slottrace.AtPoint) (common.Hash, error) {
	c.mu.Lock()
	state := c.current.side(at)
	c.mu.Unlock()

	if acct, ok := state[account]; ok {
		if word, ok := acct.Storage[slot]; ok {
			return word, nil
		}
		return common.Hash{}, nil
	}
	return c.storageAtDirect(ctx, account, slot, at)
}

// storageAtDirect falls back to a direct eth_getStorageAt call when no
// cached simulation diff covers account (StorageAt called standalone,
// without a prior Simulate on this Client).
func (c *Client) storageAtDirect(ctx context.Context, account common.Address, slot common.Hash, at slottrace.AtPoint) (common.Hash, error) {
	var result common.Hash
	if err := c.rpc.CallContext(ctx, &result, "eth_getStorageAt", account, slot, "latest"); err != nil {
		return common.Hash{}, fmt.Errorf("%w: %v", slottrace.ErrOracleUnavailable, err)
	}
	return result, nil
}

// Intrinsics serves from the cached diff when available, falling back to a
// direct eth_* read otherwise.
func (c *Client) Intrinsics(ctx context.Context, account common.Address, at slottrace.AtPoint) (slottrace.Intrinsics, error) {
	c.mu.Lock()
	state := c.current.side(at)
	c.mu.Unlock()

	if acct, ok := state[account]; ok {
		return intrinsicsFromAccount(acct), nil
	}

	var nonceHex hexutil.Uint64
	if err := c.rpc.CallContext(ctx, &nonceHex, "eth_getTransactionCount", account, "latest"); err != nil {
		return slottrace.Intrinsics{}, fmt.Errorf("%w: %v", slottrace.ErrOracleUnavailable, err)
	}
	var balanceHex hexutil.Big
	if err := c.rpc.CallContext(ctx, &balanceHex, "eth_getBalance", account, "latest"); err != nil {
		return slottrace.Intrinsics{}, fmt.Errorf("%w: %v", slottrace.ErrOracleUnavailable, err)
	}
	code, err := c.eth.CodeAt(ctx, account, nil)
	if err != nil {
		return slottrace.Intrinsics{}, fmt.Errorf("%w: %v", slottrace.ErrOracleUnavailable, err)
	}
	return slottrace.Intrinsics{
		Nonce:    uint64(nonceHex),
		Balance:  (*big.Int)(&balanceHex),
		CodeHash: codeHashOf(code),
	}, nil
}

// LatestBlock returns the chain head, for WatchStorage's poll loop.
func (c *Client) LatestBlock(ctx context.Context) (uint64, error) {
	n, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", slottrace.ErrOracleUnavailable, err)
	}
	return n, nil
}

// TransactionsInBlock returns one txHash-shaped TraceInput per transaction
// mined in number, for WatchStorage to replay and filter by touched
// address.
func (c *Client) TransactionsInBlock(ctx context.Context, number uint64) ([]slottrace.TraceInput, error) {
	block, err := c.eth.BlockByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", slottrace.ErrOracleUnavailable, err)
	}
	out := make([]slottrace.TraceInput, 0, len(block.Transactions()))
	for _, tx := range block.Transactions() {
		h := tx.Hash()
		out = append(out, slottrace.TraceInput{TxHash: &h})
	}
	return out, nil
}

// syntheticCallHash stands in for a real transaction hash when simulating
// a call that was never mined (no signature or nonce exists to hash): it
// identifies the call by its own content, which is all WatchStorage's and
// TraceStorageAccess's bookkeeping need it for.
func syntheticCallHash(msg ethereum.CallMsg) common.Hash {
	var buf []byte
	buf = append(buf, msg.From.Bytes()...)
	if msg.To != nil {
		buf = append(buf, msg.To.Bytes()...)
	}
	buf = append(buf, msg.Data...)
	if msg.Value != nil {
		buf = append(buf, msg.Value.Bytes()...)
	}
	return crypto.Keccak256Hash(buf)
}

func codeHashOf(code []byte) common.Hash {
	if len(code) == 0 {
		return types.EmptyCodeHash
	}
	return crypto.Keccak256Hash(code)
}

func revertReason(errs ...error) (string, bool) {
	for _, err := range errs {
		if err == nil {
			continue
		}
		msg := err.Error()
		if strings.Contains(msg, "revert") {
			return msg, true
		}
	}
	return "", false
}
