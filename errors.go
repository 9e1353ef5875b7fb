package slottrace

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// ErrOracleUnavailable wraps any ExecutionOracle I/O failure; the caller
// should retry.
var ErrOracleUnavailable = errors.New("slottrace: execution oracle unavailable")

// SimulationReverted is returned alongside the partial access list gathered
// up to the point of revert — the caller can still inspect what was touched
// before the EVM rejected the transaction.
type SimulationReverted struct {
	Reason string
}

func (e *SimulationReverted) Error() string {
	return fmt.Sprintf("slottrace: simulation reverted: %s", e.Reason)
}

// MalformedLayoutError is fatal to one account's labeling: the layout
// document itself is internally inconsistent (dangling type reference,
// overlapping packed variables, offset overflow). Other accounts in the
// same analysis are unaffected. Named distinctly from layout.MalformedLayout
// (which names the offending *variable*, not the account) since this wraps
// that error with the address it was fetched for.
type MalformedLayoutError struct {
	Address common.Address
	Detail  string
	Err     error
}

func (e *MalformedLayoutError) Error() string {
	return fmt.Sprintf("slottrace: malformed layout for %s: %s", e.Address.Hex(), e.Detail)
}

func (e *MalformedLayoutError) Unwrap() error { return e.Err }

// LayoutUnavailableError is non-fatal: the account falls back to unlabeled
// access rows rather than aborting the analysis.
type LayoutUnavailableError struct {
	Address common.Address
}

func (e *LayoutUnavailableError) Error() string {
	return fmt.Sprintf("slottrace: layout unavailable for %s", e.Address.Hex())
}

// ErrDecodeMismatch marks a SlotMatch whose derivation failed to reproduce
// the observed slot on verification (an I2 violation); the match is dropped
// rather than surfaced to the caller as a row.
var ErrDecodeMismatch = errors.New("slottrace: slot match failed round-trip verification")
