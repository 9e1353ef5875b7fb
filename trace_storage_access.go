package slottrace

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethstorage/slottrace/cache"
	"github.com/ethstorage/slottrace/differ"
	"github.com/ethstorage/slottrace/keyoracle"
	"github.com/ethstorage/slottrace/layout"
	"github.com/ethstorage/slottrace/resolver"
	"github.com/ethstorage/slottrace/storagepath"
	"github.com/ethstorage/slottrace/trace"
	"golang.org/x/sync/errgroup"
)

// TraceStorageAccess is the engine's one-shot entry point: it simulates
// in, resolves every touched account's storage layout, and
// returns a labeled trace per account. A SimulationReverted error from eo
// is not fatal here — the partial access list the oracle gathered before
// reverting is still labeled and returned, alongside the error, so a
// caller can inspect what was touched before the revert.
func TraceStorageAccess(ctx context.Context, eo ExecutionOracle, ls LayoutSource, lc *cache.LayoutCache, in TraceInput) (map[common.Address]*trace.StorageAccessTrace, error) {
	result, simErr := eo.Simulate(ctx, in)
	reverted, isRevert := simErr.(*SimulationReverted)
	if simErr != nil && !isRevert {
		return nil, fmt.Errorf("%w: %v", ErrOracleUnavailable, simErr)
	}

	var abis []abi.ABI
	if len(in.ABI) > 0 {
		parsed, err := abi.JSON(bytes.NewReader(in.ABI))
		if err != nil {
			log.Debug("slottrace: discarding unparsable ABI", "err", err)
		} else {
			abis = append(abis, parsed)
		}
	}

	touched := make([]common.Address, 0, len(result.AccessList))
	for _, a := range result.AccessList {
		touched = append(touched, a.Address)
	}
	if in.To != nil {
		touched = append(touched, *in.To)
	}
	if in.From != (common.Address{}) {
		touched = append(touched, in.From)
	}
	stackValues := make([]common.Hash, 0, len(result.Trace))
	for _, step := range result.Trace {
		stackValues = append(stackValues, step.Stack...)
	}
	candidates := keyoracle.Extract(keyoracle.Input{
		TouchedAddresses: touched,
		Calldata:         keyoracle.Calldata{Data: in.Data, ABIs: abis},
		StackValues:      stackValues,
	})

	out := make(map[common.Address]*trace.StorageAccessTrace, len(result.AccessList))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, access := range result.AccessList {
		access := access
		g.Go(func() error {
			t, err := traceOneAccount(gctx, eo, ls, lc, in.ChainID, access, candidates, result)
			if err != nil {
				return err
			}
			mu.Lock()
			out[access.Address] = t
			mu.Unlock()
			return nil
		})
	}
	dropped := resolver.MismatchCount()
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if d := resolver.MismatchCount() - dropped; d > 0 {
		log.Warn("slottrace: matches dropped during analysis", "err", ErrDecodeMismatch, "count", d)
	}

	if isRevert {
		return out, reverted
	}
	return out, nil
}

func traceOneAccount(ctx context.Context, eo ExecutionOracle, ls LayoutSource, lc *cache.LayoutCache, chainID uint64, access AccountAccess, candidates []storagepath.MappingKey, result SimulationResult) (*trace.StorageAccessTrace, error) {
	intrinsicPre, err := intrinsicsAt(ctx, eo, access.Address, AtPre, result.IntrinsicPre)
	if err != nil {
		return nil, err
	}
	intrinsicPost, err := intrinsicsAt(ctx, eo, access.Address, AtPost, result.IntrinsicPost)
	if err != nil {
		return nil, err
	}

	idx, err := resolveIndex(ctx, ls, lc, chainID, access.Address, intrinsicPost.CodeHash)
	if err != nil {
		// Both layout failure modes degrade to fallback labels for this
		// account only; a malformed document is loud, a missing one isn't.
		switch err.(type) {
		case *LayoutUnavailableError:
			log.Debug("slottrace: no layout for account, falling back to unlabeled access", "address", access.Address)
		case *MalformedLayoutError:
			log.Error("slottrace: malformed layout, falling back to unlabeled access for account", "address", access.Address, "err", err)
		default:
			return nil, err
		}
		idx, err = layout.NewIndex(layout.Document{})
		if err != nil {
			return nil, fmt.Errorf("slottrace: build empty fallback index: %w", err)
		}
	}

	pre := make(map[common.Hash]common.Hash, len(access.Slots))
	post := make(map[common.Hash]common.Hash, len(access.Slots))
	for _, slot := range access.Slots {
		preWord, err := eo.StorageAt(ctx, access.Address, slot, AtPre)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrOracleUnavailable, err)
		}
		pre[slot] = preWord

		postWord, err := eo.StorageAt(ctx, access.Address, slot, AtPost)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrOracleUnavailable, err)
		}
		post[slot] = postWord
	}

	intrinsicDiff := differ.IntrinsicDiff{
		Address:      access.Address,
		NoncePre:     intrinsicPre.Nonce,
		NoncePost:    intrinsicPost.Nonce,
		BalancePre:   intrinsicPre.Balance,
		BalancePost:  intrinsicPost.Balance,
		CodeHashPre:  intrinsicPre.CodeHash,
		CodeHashPost: intrinsicPost.CodeHash,
	}
	accountDiff := differ.Diff(access.Address, access.Slots, pre, post, intrinsicDiff)
	t := trace.Assemble(idx, accountDiff, candidates)
	return &t, nil
}

// intrinsicsAt prefers whatever the oracle already reported inline in the
// simulation result, only falling back to a dedicated Intrinsics call for
// accounts the oracle didn't summarize.
func intrinsicsAt(ctx context.Context, eo ExecutionOracle, address common.Address, at AtPoint, reported map[common.Address]Intrinsics) (Intrinsics, error) {
	if reported != nil {
		if v, ok := reported[address]; ok {
			return v, nil
		}
	}
	v, err := eo.Intrinsics(ctx, address, at)
	if err != nil {
		return Intrinsics{}, fmt.Errorf("%w: %v", ErrOracleUnavailable, err)
	}
	return v, nil
}

func resolveIndex(ctx context.Context, ls LayoutSource, lc *cache.LayoutCache, chainID uint64, address common.Address, codeHash common.Hash) (*layout.Index, error) {
	key := cache.Key{ChainID: chainID, Address: address, CodeHash: codeHash}
	if lc != nil {
		if idx, ok := lc.Get(key); ok {
			return idx, nil
		}
	}

	doc, err := ls.LayoutFor(ctx, address)
	if err != nil {
		return nil, err
	}
	idx, err := layout.NewIndex(doc)
	if err != nil {
		return nil, &MalformedLayoutError{Address: address, Detail: err.Error(), Err: err}
	}
	if lc != nil {
		lc.Put(key, idx)
	}
	return idx, nil
}

// Unsubscribe stops a WatchStorage poll loop. Safe to call more than once
// and from multiple goroutines.
type Unsubscribe func()

// defaultPollInterval is used when WatchStorage's pollInterval is <= 0.
const defaultPollInterval = 12 * time.Second

// WatchStorage subscribes to new blocks by polling eo.LatestBlock, runs
// TraceStorageAccess against every transaction in each new block, and
// invokes onChange with address's StorageAccessTrace for every transaction
// that touched it. onError receives oracle failures and layout-source
// errors other than the unavailable and malformed cases, which
// TraceStorageAccess already degrades to a fallback-labeled trace. It
// returns immediately; polling runs on its own goroutine until the
// returned Unsubscribe is called, which is safe to call more than once.
func WatchStorage(ctx context.Context, eo ExecutionOracle, ls LayoutSource, lc *cache.LayoutCache, chainID uint64, address common.Address, pollInterval time.Duration, onChange func(trace.StorageAccessTrace), onError func(error)) Unsubscribe {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	stopCh := make(chan struct{})
	var once sync.Once
	unsubscribe := func() { once.Do(func() { close(stopCh) }) }

	go func() {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()

		last, err := eo.LatestBlock(ctx)
		haveBaseline := err == nil
		if err != nil && onError != nil {
			onError(fmt.Errorf("%w: %v", ErrOracleUnavailable, err))
		}

		poll := func() {
			head, err := eo.LatestBlock(ctx)
			if err != nil {
				if onError != nil {
					onError(fmt.Errorf("%w: %v", ErrOracleUnavailable, err))
				}
				return
			}
			if !haveBaseline {
				// The baseline read failed at startup; start from the
				// current head rather than replaying history.
				last, haveBaseline = head, true
				return
			}
			for n := last + 1; n <= head; n++ {
				inputs, err := eo.TransactionsInBlock(ctx, n)
				if err != nil {
					if onError != nil {
						onError(fmt.Errorf("%w: %v", ErrOracleUnavailable, err))
					}
					continue
				}
				for _, in := range inputs {
					in.ChainID = chainID
					traces, err := TraceStorageAccess(ctx, eo, ls, lc, in)
					var reverted *SimulationReverted
					if err != nil && !asReverted(err, &reverted) {
						if onError != nil {
							onError(err)
						}
						continue
					}
					if t, ok := traces[address]; ok && onChange != nil {
						onChange(*t)
					}
				}
			}
			last = head
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-ticker.C:
				poll()
			}
		}
	}()

	return unsubscribe
}

func asReverted(err error, target **SimulationReverted) bool {
	if e, ok := err.(*SimulationReverted); ok {
		*target = e
		return true
	}
	return false
}
