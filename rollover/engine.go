// Package rollover implements the engines that replace an active loan with a
// new one while preserving continuous collateral custody: same-currency
// rollover, cross-currency rollover through an external exchange, and
// cross-version migration out of a legacy deployment.
package rollover

import (
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/arcadexyz/arcade-protocol-sub003/guard"
	"github.com/arcadexyz/arcade-protocol-sub003/ledger"
	"github.com/arcadexyz/arcade-protocol-sub003/loan"
	"github.com/arcadexyz/arcade-protocol-sub003/signing"
)

var (
	ErrCurrencyMismatch   = errors.New("rollover: new terms change the payable currency")
	ErrCollateralMismatch = errors.New("rollover: new terms change the collateral identity")
	ErrFundsConflict      = errors.New("rollover: settlement computed funds in both directions")

	errNotConfigured = errors.New("rollover: engine not fully configured")
)

const moduleName = "rollover"

// Engine orchestrates rollovers. It is stateless over the ledger and the
// signature authority, exactly like the origination engine.
type Engine struct {
	policy    *loan.PolicyStore
	authority *signing.Authority
	ledger    *ledger.Engine
	funds     ledger.FundsMover

	exchange Exchange
	legacy   LegacySource

	moduleAddress common.Address
	domain        common.Hash

	pauses guard.PauseView
	nowFn  func() int64
}

// NewEngine constructs a rollover engine with its own settlement account. The
// typed-data domain matches the origination controller so one signature
// format covers both entrypoints.
func NewEngine(moduleAddr common.Address, domain common.Hash) *Engine {
	return &Engine{
		moduleAddress: moduleAddr,
		domain:        domain,
		nowFn:         func() int64 { return time.Now().Unix() },
	}
}

// SetPolicy wires the protocol policy store.
func (e *Engine) SetPolicy(p *loan.PolicyStore) { e.policy = p }

// SetAuthority wires the signature and nonce authority.
func (e *Engine) SetAuthority(a *signing.Authority) { e.authority = a }

// SetLedger wires the loan ledger.
func (e *Engine) SetLedger(l *ledger.Engine) { e.ledger = l }

// SetFundsMover configures the fungible transfer backend.
func (e *Engine) SetFundsMover(f ledger.FundsMover) { e.funds = f }

// SetExchange configures the external swap boundary used by cross-currency
// rollovers.
func (e *Engine) SetExchange(x Exchange) { e.exchange = x }

// SetLegacySource configures the legacy deployment used by migrations.
func (e *Engine) SetLegacySource(src LegacySource) { e.legacy = src }

// SetPauses wires the administrative pause switch.
func (e *Engine) SetPauses(p guard.PauseView) { e.pauses = p }

// SetNowFunc overrides the time source for deterministic tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// ModuleAddress returns the engine's settlement account.
func (e *Engine) ModuleAddress() common.Address { return e.moduleAddress }

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) ready() error {
	if e == nil || e.policy == nil || e.authority == nil || e.ledger == nil || e.funds == nil {
		return errNotConfigured
	}
	return nil
}

// ComputeRolloverAmounts derives the net settlement between an expiring loan
// and the new terms. Exactly one of NeedFromBorrower and LeftoverPrincipal is
// nonzero: funds flow in one net direction between the borrower and the
// lender pool, never both.
func ComputeRolloverAmounts(oldBalance, interestDue, newPrincipal *big.Int, rates loan.FeeRates, sameLender bool) (*loan.RolloverAmounts, error) {
	repay := new(big.Int).Add(oldBalance, interestDue)
	borrowerFee := loan.FeeAmount(newPrincipal, rates.BorrowerRolloverFeeBps)
	lenderFee := loan.FeeAmount(newPrincipal, rates.LenderRolloverFeeBps)
	interestFee := loan.FeeAmount(interestDue, rates.LenderInterestFeeBps)

	amounts := &loan.RolloverAmounts{
		AmountFromLender:  big.NewInt(0),
		AmountToBorrower:  big.NewInt(0),
		AmountToOldLender: big.NewInt(0),
		AmountToLender:    big.NewInt(0),
		NeedFromBorrower:  big.NewInt(0),
		LeftoverPrincipal: big.NewInt(0),
		InterestAmount:    new(big.Int).Set(interestDue),
	}

	borrowerOwed := new(big.Int).Sub(newPrincipal, borrowerFee)
	if repay.Cmp(borrowerOwed) > 0 {
		amounts.NeedFromBorrower = new(big.Int).Sub(repay, borrowerOwed)
	} else {
		amounts.LeftoverPrincipal = new(big.Int).Sub(borrowerOwed, repay)
		amounts.AmountToBorrower = new(big.Int).Set(amounts.LeftoverPrincipal)
	}
	if amounts.NeedFromBorrower.Sign() > 0 && amounts.LeftoverPrincipal.Sign() > 0 {
		return nil, ErrFundsConflict
	}

	gross := new(big.Int).Add(newPrincipal, lenderFee)
	gross.Add(gross, interestFee)
	if sameLender {
		// The lender's obligation nets against their repayment receipt.
		if repay.Cmp(gross) >= 0 {
			amounts.AmountToLender = new(big.Int).Sub(repay, gross)
		} else {
			amounts.AmountFromLender = new(big.Int).Sub(gross, repay)
		}
	} else {
		amounts.AmountFromLender = gross
		amounts.AmountToOldLender = repay
	}
	return amounts, nil
}

// RolloverLoan atomically replaces an active loan with a new one under the
// supplied counterparty-signed terms. Same-currency rollover strictly forbids
// changing the payable currency or the collateral identity.
func (e *Engine) RolloverLoan(
	caller common.Address,
	oldLoanID uint64,
	newLender common.Address,
	terms *loan.Terms,
	sig []byte,
	props loan.SignatureProperties,
	predicates []loan.Predicate,
) (uint64, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}
	if err := guard.Check(e.pauses, moduleName); err != nil {
		return 0, err
	}
	old, err := e.ledger.Loan(oldLoanID)
	if err != nil {
		return 0, err
	}
	if old.State != loan.StateActive {
		return 0, ledger.ErrInvalidState
	}
	sanitized, err := loan.SanitizeTerms(terms)
	if err != nil {
		return 0, err
	}
	if sanitized.PayableCurrency != old.Terms.PayableCurrency {
		return 0, ErrCurrencyMismatch
	}
	if sanitized.CollateralAddress != old.Terms.CollateralAddress || sanitized.CollateralID.Cmp(old.Terms.CollateralID) != 0 {
		return 0, ErrCollateralMismatch
	}
	if err := e.policy.ValidateTerms(sanitized, e.now()); err != nil {
		return 0, err
	}

	borrower, err := e.ledger.NoteOwner(ledger.NoteBorrower, oldLoanID)
	if err != nil {
		return 0, err
	}
	oldLender, err := e.ledger.NoteOwner(ledger.NoteLender, oldLoanID)
	if err != nil {
		return 0, err
	}

	side, err := e.authority.SigningSide(caller, borrower, newLender)
	if err != nil {
		return 0, err
	}
	digest := signing.TermsDigest(e.domain, sanitized, props, side, predicates)
	signer, err := e.authority.ValidateCounterparties(caller, borrower, newLender, side, digest, sig)
	if err != nil {
		return 0, err
	}
	if err := e.authority.ConsumeNonce(signer, props.Nonce, props.MaxUses); err != nil {
		return 0, err
	}

	interestDue, err := e.ledger.OutstandingInterest(oldLoanID)
	if err != nil {
		return 0, err
	}
	rates := e.policy.FeeRates()
	sameLender := newLender == oldLender
	amounts, err := ComputeRolloverAmounts(old.Balance, interestDue, sanitized.Principal, rates, sameLender)
	if err != nil {
		return 0, err
	}

	if err := e.ledger.BeginExternalSettlement(borrower); err != nil {
		return 0, err
	}
	// Clearing the marker can only fail on an unwired state, which the
	// Begin call above already ruled out.
	defer func() { _ = e.ledger.EndExternalSettlement(borrower) }()

	currency := old.Terms.PayableCurrency
	settled := big.NewInt(0)
	if amounts.AmountFromLender.Sign() > 0 {
		if err := e.funds.Transfer(currency, newLender, e.moduleAddress, amounts.AmountFromLender); err != nil {
			return 0, err
		}
		settled.Add(settled, amounts.AmountFromLender)
	}
	if amounts.NeedFromBorrower.Sign() > 0 {
		if err := e.funds.Transfer(currency, borrower, e.moduleAddress, amounts.NeedFromBorrower); err != nil {
			return 0, err
		}
		settled.Add(settled, amounts.NeedFromBorrower)
	}

	return e.ledger.Rollover(
		e.moduleAddress, oldLoanID, oldLender, borrower, newLender,
		sanitized, rates.Snapshot(),
		settled, amounts.AmountToOldLender, amounts.AmountToLender, amounts.AmountToBorrower,
		amounts.InterestAmount,
	)
}
