// Package origination orchestrates new-loan creation: policy validation,
// counterparty signature checks, settlement transfers, collateral escrow, and
// the hand-off into the loan ledger. The engine holds no loan state of its
// own.
package origination

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
	ErrPredicateFailed  = errors.New("origination: predicate verifier rejected collateral")
	ErrUnknownCallback  = errors.New("origination: no callback registered for borrower")
	ErrCallbackRejected = errors.New("origination: borrower callback failed")

	errNotConfigured = errors.New("origination: engine not fully configured")
)

const moduleName = "origination"

// PredicateVerifier checks a caller-supplied assertion about the contents of
// the pledged collateral. All predicates attached to an origination must pass.
type PredicateVerifier interface {
	VerifyPredicates(borrower, lender, collateralAddress common.Address, collateralID *big.Int, data []byte) (bool, error)
}

// BorrowerCallback is the optional pre-collateralization hook. It runs after
// the borrower has been funded and strictly before collateral escrow, letting
// the borrower acquire the asset being pledged with the loan proceeds.
type BorrowerCallback interface {
	OnLoanFunded(caller, lender common.Address, terms *loan.Terms, borrowerFee *big.Int, data []byte) error
}

// Engine is the origination controller.
type Engine struct {
	policy    *loan.PolicyStore
	authority *signing.Authority
	ledger    *ledger.Engine
	funds     ledger.FundsMover
	custody   ledger.CollateralCustody

	verifiers map[common.Address]PredicateVerifier
	callbacks map[common.Address]BorrowerCallback

	moduleAddress common.Address
	domain        common.Hash

	pauses guard.PauseView
	nowFn  func() int64
}

// NewEngine constructs an origination engine. The module address is the
// engine's own settlement account and the typed-data verifying address.
func NewEngine(moduleAddr common.Address, chainID uint64) *Engine {
	return &Engine{
		verifiers:     make(map[common.Address]PredicateVerifier),
		callbacks:     make(map[common.Address]BorrowerCallback),
		moduleAddress: moduleAddr,
		domain:        signing.DomainSeparator(chainID, moduleAddr),
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

// SetCustody configures the collateral custody backend.
func (e *Engine) SetCustody(c ledger.CollateralCustody) { e.custody = c }

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

// RegisterVerifier binds a verifier implementation to its allow-listed
// address.
func (e *Engine) RegisterVerifier(addr common.Address, v PredicateVerifier) {
	e.verifiers[addr] = v
}

// RegisterCallback binds a borrower's pre-collateralization hook.
func (e *Engine) RegisterCallback(borrower common.Address, cb BorrowerCallback) {
	e.callbacks[borrower] = cb
}

// ModuleAddress returns the engine's settlement account.
func (e *Engine) ModuleAddress() common.Address { return e.moduleAddress }

// Domain returns the typed-data domain separator signatures must target.
func (e *Engine) Domain() common.Hash { return e.domain }

// Authority exposes the wired signature authority.
func (e *Engine) Authority() *signing.Authority { return e.authority }

// Policy exposes the wired policy store.
func (e *Engine) Policy() *loan.PolicyStore { return e.policy }

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) ready() error {
	if e == nil || e.policy == nil || e.authority == nil || e.ledger == nil || e.funds == nil || e.custody == nil {
		return errNotConfigured
	}
	return nil
}

// InitializeLoan creates a new loan from counterparty-signed terms. Either
// party may submit as long as the other side signed: the signature's side is
// derived from the caller's role. The borrower callback, when callback data
// is supplied, runs after funding and before escrow; predicate checks run
// last, after the collateral is already in ledger custody, so a reentrant
// withdrawal between check and escrow cannot bypass them.
func (e *Engine) InitializeLoan(
	caller, borrower, lender common.Address,
	terms *loan.Terms,
	sig []byte,
	props loan.SignatureProperties,
	predicates []loan.Predicate,
	callbackData []byte,
) (uint64, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}
	if err := guard.Check(e.pauses, moduleName); err != nil {
		return 0, err
	}
	sanitized, err := loan.SanitizeTerms(terms)
	if err != nil {
		return 0, err
	}
	if err := e.policy.ValidateTerms(sanitized, e.now()); err != nil {
		return 0, err
	}

	side, err := e.authority.SigningSide(caller, borrower, lender)
	if err != nil {
		return 0, err
	}
	digest := signing.TermsDigest(e.domain, sanitized, props, side, predicates)
	signer, err := e.authority.ValidateCounterparties(caller, borrower, lender, side, digest, sig)
	if err != nil {
		return 0, err
	}
	if err := e.authority.ConsumeNonce(signer, props.Nonce, props.MaxUses); err != nil {
		return 0, err
	}

	rates := e.policy.FeeRates()
	lenderFee := loan.FeeAmount(sanitized.Principal, rates.LenderOriginationFeeBps)
	borrowerFee := loan.FeeAmount(sanitized.Principal, rates.BorrowerOriginationFeeBps)
	currency := sanitized.PayableCurrency

	fromLender := new(big.Int).Add(sanitized.Principal, lenderFee)
	if err := e.funds.Transfer(currency, lender, e.moduleAddress, fromLender); err != nil {
		return 0, err
	}
	toBorrower := new(big.Int).Sub(sanitized.Principal, borrowerFee)
	if err := e.funds.Transfer(currency, e.moduleAddress, borrower, toBorrower); err != nil {
		return 0, err
	}

	if len(callbackData) > 0 {
		cb, ok := e.callbacks[borrower]
		if !ok {
			return 0, ErrUnknownCallback
		}
		if err := cb.OnLoanFunded(caller, lender, sanitized, borrowerFee, callbackData); err != nil {
			return 0, ErrCallbackRejected
		}
	}

	if err := e.custody.Transfer(sanitized.CollateralAddress, sanitized.CollateralID, borrower, e.ledger.VaultAddress()); err != nil {
		return 0, err
	}
	feeTotal := new(big.Int).Add(lenderFee, borrowerFee)
	if err := e.ledger.CollectFee(currency, e.moduleAddress, feeTotal); err != nil {
		return 0, err
	}
	loanID, err := e.ledger.StartLoan(e.moduleAddress, lender, borrower, sanitized, rates.Snapshot())
	if err != nil {
		return 0, err
	}

	if err := e.runPredicates(borrower, lender, sanitized, predicates); err != nil {
		return 0, err
	}
	return loanID, nil
}

// runPredicates evaluates every supplied predicate against its registered
// verifier. Registration of all verifiers is confirmed before any predicate
// is evaluated, and all predicates must pass.
func (e *Engine) runPredicates(borrower, lender common.Address, terms *loan.Terms, predicates []loan.Predicate) error {
	if len(predicates) == 0 {
		return nil
	}
	impls := make([]PredicateVerifier, len(predicates))
	for i, p := range predicates {
		if !e.policy.VerifierAllowed(p.Verifier) {
			return loan.ErrVerifierNotAllowed
		}
		impl, ok := e.verifiers[p.Verifier]
		if !ok {
			return loan.ErrVerifierNotAllowed
		}
		impls[i] = impl
	}
	for i, p := range predicates {
		ok, err := impls[i].VerifyPredicates(borrower, lender, terms.CollateralAddress, terms.CollateralID, p.Data)
		if err != nil {
			return err
		}
		if !ok {
			return ErrPredicateFailed
		}
	}
	return nil
}
