// Package loan defines the shared data model of the lending protocol: loan
// terms, lifecycle records, fee snapshots, and the pure interest and fee
// arithmetic applied to them.
package loan

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// State represents the lifecycle states supported by the loan ledger. The
// zero value is a sentinel so that an absent record never reads as a live
// loan.
type State uint8

const (
	StateDummy State = iota
	StateActive
	StateRepaid
	StateDefaulted
)

// Valid reports whether the state value is within the supported range.
func (s State) Valid() bool {
	switch s {
	case StateDummy, StateActive, StateRepaid, StateDefaulted:
		return true
	default:
		return false
	}
}

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateRepaid || s == StateDefaulted
}

func (s State) String() string {
	switch s {
	case StateDummy:
		return "dummy"
	case StateActive:
		return "active"
	case StateRepaid:
		return "repaid"
	case StateDefaulted:
		return "defaulted"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Side identifies which counterparty a signature commits to.
type Side uint8

const (
	SideLender Side = iota
	SideBorrower
)

func (s Side) String() string {
	switch s {
	case SideLender:
		return "lender"
	case SideBorrower:
		return "borrower"
	default:
		return fmt.Sprintf("side(%d)", uint8(s))
	}
}

// Terms captures the immutable loan parameters a counterparty signs.
// InterestRate uses the protocol's basis-point scale: 1 unit is 0.01% of the
// principal over the full duration.
type Terms struct {
	InterestRate      *big.Int
	DurationSecs      uint64
	CollateralAddress common.Address
	CollateralID      *big.Int
	PayableCurrency   common.Address
	Principal         *big.Int
	Deadline          int64
	AffiliateCode     [32]byte
}

// Clone returns a deep copy of the terms so callers can safely mutate the
// copy without affecting the stored instance.
func (t *Terms) Clone() *Terms {
	if t == nil {
		return nil
	}
	clone := *t
	clone.InterestRate = cloneBig(t.InterestRate)
	clone.CollateralID = cloneBig(t.CollateralID)
	clone.Principal = cloneBig(t.Principal)
	return &clone
}

// SanitizeTerms validates structural well-formedness and returns a cloned
// instance with non-nil numeric fields. Policy bounds are checked separately
// by the PolicyStore; this only rejects values no configuration could accept.
func SanitizeTerms(t *Terms) (*Terms, error) {
	if t == nil {
		return nil, fmt.Errorf("nil loan terms")
	}
	clone := t.Clone()
	if clone.InterestRate == nil {
		clone.InterestRate = big.NewInt(0)
	}
	if clone.CollateralID == nil {
		clone.CollateralID = big.NewInt(0)
	}
	if clone.Principal == nil {
		clone.Principal = big.NewInt(0)
	}
	if clone.Principal.Sign() < 0 {
		return nil, fmt.Errorf("loan principal must be non-negative")
	}
	if clone.CollateralID.Sign() < 0 {
		return nil, fmt.Errorf("collateral id must be non-negative")
	}
	return clone, nil
}

// SignatureProperties scope how many distinct loans one signature can
// authorize and which per-signer nonce it consumes.
type SignatureProperties struct {
	Nonce   uint64
	MaxUses uint32
}

// FeeSnapshot is the immutable copy of lender fee rates captured when a loan
// is created or rolled over. Later interest and fee computations against the
// loan use these rates, not the rates in force at repayment time.
type FeeSnapshot struct {
	LenderDefaultFeeBps   uint32
	LenderInterestFeeBps  uint32
	LenderPrincipalFeeBps uint32
}

// Data is the authoritative record of a single loan held by the ledger.
type Data struct {
	LoanID               uint64
	State                State
	Terms                Terms
	StartDate            int64
	LastAccrualTimestamp int64
	Balance              *big.Int
	Fees                 FeeSnapshot
}

// Clone returns a deep copy of the loan record.
func (d *Data) Clone() *Data {
	if d == nil {
		return nil
	}
	clone := *d
	if t := d.Terms.Clone(); t != nil {
		clone.Terms = *t
	}
	clone.Balance = cloneBig(d.Balance)
	return &clone
}

// DueDate returns the timestamp at which the loan term ends.
func (d *Data) DueDate() int64 {
	return d.StartDate + int64(d.Terms.DurationSecs)
}

// Predicate is a caller-supplied assertion about the contents of a collateral
// container, checked by a registered verifier plugin.
type Predicate struct {
	Verifier common.Address
	Data     []byte
}

// RolloverAmounts summarises the net settlement computed for a rollover. The
// values are ephemeral: they drive transfers and are never persisted. At most
// one of NeedFromBorrower and LeftoverPrincipal is nonzero.
type RolloverAmounts struct {
	AmountFromLender  *big.Int
	AmountToBorrower  *big.Int
	AmountToOldLender *big.Int
	AmountToLender    *big.Int
	NeedFromBorrower  *big.Int
	LeftoverPrincipal *big.Int
	InterestAmount    *big.Int
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
