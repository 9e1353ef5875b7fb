// Package cache provides the process-wide LayoutIndex cache: a bounded
// LRU keyed by (chainId, address, codeHash), with explicit construction
// (no package-level global) and a size-zero opt-out that always misses,
// for deterministic test runs.
package cache

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/ethstorage/slottrace/layout"
)

// Key identifies one cached LayoutIndex. A contract's layout is immutable
// for a given codeHash, so codeHash (not address alone) is part of the key:
// a proxy upgrade or a redeploy at the same address invalidates naturally.
type Key struct {
	ChainID  uint64
	Address  common.Address
	CodeHash common.Hash
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%s/%s", k.ChainID, k.Address.Hex(), k.CodeHash.Hex())
}

// LayoutCache memoizes *layout.Index entries. Entries are immutable once
// published, so concurrent readers and writers are safe without additional
// locking beyond what the underlying LRU already provides.
type LayoutCache struct {
	lru *lru.Cache[Key, *layout.Index]
}

// New builds a LayoutCache holding at most size entries. size == 0 disables
// caching entirely (every Get misses, every Put is a no-op) so tests can
// force layout resolution from scratch on every run.
func New(size int) (*LayoutCache, error) {
	if size <= 0 {
		return &LayoutCache{}, nil
	}
	c, err := lru.New[Key, *layout.Index](size)
	if err != nil {
		return nil, fmt.Errorf("cache: construct LRU: %w", err)
	}
	return &LayoutCache{lru: c}, nil
}

// Get returns the cached Index for key, if present.
func (c *LayoutCache) Get(key Key) (*layout.Index, bool) {
	if c.lru == nil {
		return nil, false
	}
	return c.lru.Get(key)
}

// Put publishes idx under key. Safe to call redundantly; the LRU treats a
// repeated Put as a touch.
func (c *LayoutCache) Put(key Key, idx *layout.Index) {
	if c.lru == nil {
		return
	}
	c.lru.Add(key, idx)
}

// Len reports the number of entries currently cached (always 0 for a
// disabled cache).
func (c *LayoutCache) Len() int {
	if c.lru == nil {
		return 0
	}
	return c.lru.Len()
}
