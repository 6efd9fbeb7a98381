package rollover

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/arcadexyz/arcade-protocol-sub003/guard"
	"github.com/arcadexyz/arcade-protocol-sub003/ledger"
	"github.com/arcadexyz/arcade-protocol-sub003/loan"
	"github.com/arcadexyz/arcade-protocol-sub003/signing"
)

var (
	// ErrExchangeShortfall is returned when the swap cannot deliver the
	// caller's minimum acceptable output. The whole rollover unwinds.
	ErrExchangeShortfall = errors.New("rollover: exchange output below minimum")

	errNoExchange    = errors.New("rollover: exchange not configured")
	errInvalidSwapIn = errors.New("rollover: swap input exceeds available principal")
)

// Exchange is the external swap boundary used to convert new-lender funds
// into the old loan's currency. Implementations move amountIn of tokenIn out
// of the from account, deliver the output of tokenOut to the to account, and
// fail without partial effect when the output would be below minAmountOut.
type Exchange interface {
	SwapExactInput(tokenIn, tokenOut common.Address, amountIn, minAmountOut *big.Int, from, to common.Address) (*big.Int, error)
}

// SwapParams carries the caller's slippage bounds for a cross-currency
// rollover.
type SwapParams struct {
	AmountIn     *big.Int
	MinAmountOut *big.Int
}

// RolloverCrossCurrency replaces an active loan with one denominated in a
// different currency. The new lender's funds are swapped into the old loan's
// currency before it is repaid: any shortfall against the repayment amount is
// collected from the borrower and any surplus is refunded to the borrower,
// bounded by the caller's minimum-acceptable swap output.
func (e *Engine) RolloverCrossCurrency(
	caller common.Address,
	oldLoanID uint64,
	newLender common.Address,
	terms *loan.Terms,
	sig []byte,
	props loan.SignatureProperties,
	predicates []loan.Predicate,
	swap SwapParams,
) (uint64, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}
	if e.exchange == nil {
		return 0, errNoExchange
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
	if sanitized.PayableCurrency == old.Terms.PayableCurrency {
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
	borrowerFee := loan.FeeAmount(sanitized.Principal, rates.BorrowerRolloverFeeBps)
	lenderFee := loan.FeeAmount(sanitized.Principal, rates.LenderRolloverFeeBps)
	interestFee := loan.FeeAmount(interestDue, rates.LenderInterestFeeBps)
	repay := new(big.Int).Add(old.Balance, interestDue)

	available := new(big.Int).Sub(sanitized.Principal, borrowerFee)
	amountIn := nonNilBig(swap.AmountIn)
	if amountIn.Sign() <= 0 || amountIn.Cmp(available) > 0 {
		return 0, errInvalidSwapIn
	}

	if err := e.ledger.BeginExternalSettlement(borrower); err != nil {
		return 0, err
	}
	// Clearing the marker can only fail on an unwired state, which the
	// Begin call above already ruled out.
	defer func() { _ = e.ledger.EndExternalSettlement(borrower) }()

	newCurrency := sanitized.PayableCurrency
	oldCurrency := old.Terms.PayableCurrency

	fromLender := new(big.Int).Add(sanitized.Principal, lenderFee)
	if err := e.funds.Transfer(newCurrency, newLender, e.moduleAddress, fromLender); err != nil {
		return 0, err
	}
	rolloverFees := new(big.Int).Add(borrowerFee, lenderFee)
	if err := e.ledger.CollectFee(newCurrency, e.moduleAddress, rolloverFees); err != nil {
		return 0, err
	}

	out, err := e.exchange.SwapExactInput(newCurrency, oldCurrency, amountIn, nonNilBig(swap.MinAmountOut), e.moduleAddress, e.moduleAddress)
	if err != nil {
		return 0, err
	}
	if out == nil || out.Cmp(nonNilBig(swap.MinAmountOut)) < 0 {
		return 0, ErrExchangeShortfall
	}

	// Net the swap proceeds against the payoff: the borrower covers any
	// shortfall and receives any surplus.
	settled := new(big.Int).Set(out)
	toBorrowerOld := big.NewInt(0)
	if out.Cmp(repay) < 0 {
		need := new(big.Int).Sub(repay, out)
		if err := e.funds.Transfer(oldCurrency, borrower, e.moduleAddress, need); err != nil {
			return 0, err
		}
		settled.Add(settled, need)
	} else {
		toBorrowerOld = new(big.Int).Sub(out, repay)
	}

	// The interest fee is carved out of the old lender's interest receipt;
	// it stays behind in the pool as settlement residue.
	toOldLender := new(big.Int).Sub(repay, interestFee)

	leftoverNew := new(big.Int).Sub(available, amountIn)
	if leftoverNew.Sign() > 0 {
		if err := e.funds.Transfer(newCurrency, e.moduleAddress, borrower, leftoverNew); err != nil {
			return 0, err
		}
	}

	return e.ledger.Rollover(
		e.moduleAddress, oldLoanID, oldLender, borrower, newLender,
		sanitized, rates.Snapshot(),
		settled, toOldLender, big.NewInt(0), toBorrowerOld,
		interestDue,
	)
}

func nonNilBig(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}
