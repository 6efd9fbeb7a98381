package rollover

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/arcadexyz/arcade-protocol-sub003/guard"
	"github.com/arcadexyz/arcade-protocol-sub003/loan"
	"github.com/arcadexyz/arcade-protocol-sub003/signing"
)

var (
	ErrLegacyLoanClosed = errors.New("rollover: legacy loan is not active")

	errNoLegacySource = errors.New("rollover: legacy source not configured")
)

// wad is the fixed-point scale used by the legacy deployment's interest
// rates.
var wad = big.NewInt(1_000_000_000_000_000_000)

// LegacyLoan mirrors the record format of the previous protocol version. The
// interest rate is a WAD-scaled full-term rate with no proration.
type LegacyLoan struct {
	LoanID            uint64
	Borrower          common.Address
	Lender            common.Address
	Currency          common.Address
	CollateralAddress common.Address
	CollateralID      *big.Int
	Principal         *big.Int
	InterestRateWad   *big.Int
	StartDate         int64
	DurationSecs      uint64
	Active            bool
}

// LegacySource is the boundary to the previous protocol deployment. Settle
// pulls the payoff from the payer and closes the legacy loan; ReleaseCollateral
// hands the escrowed collateral to the new custodian. Both fail atomically.
type LegacySource interface {
	LegacyLoan(id uint64) (*LegacyLoan, error)
	Settle(id uint64, payoff *big.Int, payer common.Address) error
	ReleaseCollateral(id uint64, to common.Address) error
}

// LegacyFullInterest computes the legacy deployment's interest obligation:
// WAD-scaled simple interest over the full term, independent of elapsed time.
// The legacy schema differs from the current calculator and is computed here
// on purpose rather than reusing it.
func LegacyFullInterest(principal, rateWad *big.Int) *big.Int {
	if principal == nil || rateWad == nil || principal.Sign() <= 0 || rateWad.Sign() <= 0 {
		return big.NewInt(0)
	}
	interest := new(big.Int).Mul(principal, rateWad)
	return interest.Quo(interest, wad)
}

// MigrateLoan closes a loan held by the legacy deployment and opens an
// equivalent loan in this protocol, preserving collateral custody across the
// boundary. The new lender signs the new terms; the currency and collateral
// identity must match the legacy record.
func (e *Engine) MigrateLoan(
	caller common.Address,
	legacyLoanID uint64,
	newLender common.Address,
	terms *loan.Terms,
	sig []byte,
	props loan.SignatureProperties,
) (uint64, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}
	if e.legacy == nil {
		return 0, errNoLegacySource
	}
	if err := guard.Check(e.pauses, moduleName); err != nil {
		return 0, err
	}
	legacy, err := e.legacy.LegacyLoan(legacyLoanID)
	if err != nil {
		return 0, err
	}
	if legacy == nil || !legacy.Active {
		return 0, ErrLegacyLoanClosed
	}
	sanitized, err := loan.SanitizeTerms(terms)
	if err != nil {
		return 0, err
	}
	if sanitized.PayableCurrency != legacy.Currency {
		return 0, ErrCurrencyMismatch
	}
	if sanitized.CollateralAddress != legacy.CollateralAddress || sanitized.CollateralID.Cmp(nonNilBig(legacy.CollateralID)) != 0 {
		return 0, ErrCollateralMismatch
	}
	if err := e.policy.ValidateTerms(sanitized, e.now()); err != nil {
		return 0, err
	}

	borrower := legacy.Borrower
	side, err := e.authority.SigningSide(caller, borrower, newLender)
	if err != nil {
		return 0, err
	}
	digest := signing.TermsDigest(e.domain, sanitized, props, side, nil)
	signer, err := e.authority.ValidateCounterparties(caller, borrower, newLender, side, digest, sig)
	if err != nil {
		return 0, err
	}
	if err := e.authority.ConsumeNonce(signer, props.Nonce, props.MaxUses); err != nil {
		return 0, err
	}

	interest := LegacyFullInterest(legacy.Principal, legacy.InterestRateWad)
	repay := new(big.Int).Add(legacy.Principal, interest)

	rates := e.policy.FeeRates()
	borrowerFee := loan.FeeAmount(sanitized.Principal, rates.BorrowerRolloverFeeBps)
	lenderFee := loan.FeeAmount(sanitized.Principal, rates.LenderRolloverFeeBps)
	borrowerOwed := new(big.Int).Sub(sanitized.Principal, borrowerFee)

	need := big.NewInt(0)
	leftover := big.NewInt(0)
	if repay.Cmp(borrowerOwed) > 0 {
		need = new(big.Int).Sub(repay, borrowerOwed)
	} else {
		leftover = new(big.Int).Sub(borrowerOwed, repay)
	}
	if need.Sign() > 0 && leftover.Sign() > 0 {
		return 0, ErrFundsConflict
	}

	if err := e.ledger.BeginExternalSettlement(borrower); err != nil {
		return 0, err
	}
	// Clearing the marker can only fail on an unwired state, which the
	// Begin call above already ruled out.
	defer func() { _ = e.ledger.EndExternalSettlement(borrower) }()

	currency := sanitized.PayableCurrency
	fromLender := new(big.Int).Add(sanitized.Principal, lenderFee)
	if err := e.funds.Transfer(currency, newLender, e.moduleAddress, fromLender); err != nil {
		return 0, err
	}
	if need.Sign() > 0 {
		if err := e.funds.Transfer(currency, borrower, e.moduleAddress, need); err != nil {
			return 0, err
		}
	}

	if err := e.legacy.Settle(legacyLoanID, repay, e.moduleAddress); err != nil {
		return 0, err
	}
	if err := e.legacy.ReleaseCollateral(legacyLoanID, e.ledger.VaultAddress()); err != nil {
		return 0, err
	}

	if leftover.Sign() > 0 {
		if err := e.funds.Transfer(currency, e.moduleAddress, borrower, leftover); err != nil {
			return 0, err
		}
	}
	feeTotal := new(big.Int).Add(borrowerFee, lenderFee)
	if err := e.ledger.CollectFee(currency, e.moduleAddress, feeTotal); err != nil {
		return 0, err
	}

	return e.ledger.StartLoan(e.moduleAddress, newLender, borrower, sanitized, rates.Snapshot())
}
