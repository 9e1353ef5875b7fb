// Package differ diffs the pre/post storage snapshots an ExecutionOracle
// reports for one account and classifies every touched slot as read-only
// or modified, alongside the account's intrinsic (nonce/balance/code-hash)
// delta. It is oblivious to layout — trace.Assemble is the only consumer
// of its output that knows what a slot means.
package differ

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
)

// SlotAccess is one touched slot's pre/post words. Modified is the sole
// read/write discriminant: every SlotAccess falls into exactly one of
// AccountDiff.Reads or AccountDiff.Writes.
type SlotAccess struct {
	Slot      common.Hash
	Pre       common.Hash
	Post      common.Hash
	OracleGap bool // pre or post was absent from the oracle's snapshot
}

// Modified reports whether the slot's value changed across the transaction.
func (a SlotAccess) Modified() bool { return a.Pre != a.Post }

// IntrinsicDiff is an account's nonce/balance/code-hash delta.
type IntrinsicDiff struct {
	Address                   common.Address
	NoncePre, NoncePost       uint64
	BalancePre, BalancePost   *big.Int
	CodeHashPre, CodeHashPost common.Hash
}

// Changed reports whether any intrinsic field differs pre to post.
func (d IntrinsicDiff) Changed() bool {
	if d.NoncePre != d.NoncePost {
		return true
	}
	if d.CodeHashPre != d.CodeHashPost {
		return true
	}
	bp, ap := d.BalancePre, d.BalancePost
	if bp == nil {
		bp = new(big.Int)
	}
	if ap == nil {
		ap = new(big.Int)
	}
	return bp.Cmp(ap) != 0
}

// AccountDiff is one account's full diff for a transaction: its storage
// slots partitioned into reads and writes, plus its intrinsic delta.
type AccountDiff struct {
	Address   common.Address
	Reads     []SlotAccess
	Writes    []SlotAccess
	Intrinsic IntrinsicDiff
}

// Diff classifies every slot in the access list for one account. slots is
// the access list's enumeration order (possibly with duplicates, which are
// collapsed keeping first occurrence); pre/post are the oracle's snapshots,
// keyed by slot, with comma-ok presence distinguishing "slot absent from
// this snapshot" (OracleGap, treated as the zero word) from "slot present
// and zero".
func Diff(address common.Address, slots []common.Hash, pre, post map[common.Hash]common.Hash, intrinsic IntrinsicDiff) AccountDiff {
	seen := make(map[common.Hash]bool, len(slots))
	diff := AccountDiff{Address: address, Intrinsic: intrinsic}

	for _, slot := range slots {
		if seen[slot] {
			continue
		}
		seen[slot] = true

		preWord, preOk := pre[slot]
		postWord, postOk := post[slot]
		gap := !preOk || !postOk
		if gap {
			log.Debug("differ: oracle snapshot gap, treating absent side as zero", "account", address, "slot", slot.Hex(), "pre_present", preOk, "post_present", postOk)
		}

		access := SlotAccess{Slot: slot, Pre: preWord, Post: postWord, OracleGap: gap}
		if access.Modified() {
			diff.Writes = append(diff.Writes, access)
		} else {
			diff.Reads = append(diff.Reads, access)
		}
	}
	return diff
}
