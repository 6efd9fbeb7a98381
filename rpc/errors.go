package rpc

import (
	"errors"
	"net/http"

	"github.com/arcadexyz/arcade-protocol-sub003/guard"
	"github.com/arcadexyz/arcade-protocol-sub003/ledger"
	"github.com/arcadexyz/arcade-protocol-sub003/loan"
	"github.com/arcadexyz/arcade-protocol-sub003/node"
	"github.com/arcadexyz/arcade-protocol-sub003/origination"
	"github.com/arcadexyz/arcade-protocol-sub003/rollover"
	"github.com/arcadexyz/arcade-protocol-sub003/signing"
	"github.com/arcadexyz/arcade-protocol-sub003/state"
)

// statusFor maps engine failures onto HTTP statuses. Anything unrecognised is
// treated as an internal fault rather than leaking as a 200.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, errInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrLoanNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrInvalidState),
		errors.Is(err, ledger.ErrNotExpired),
		errors.Is(err, ledger.ErrNothingToRedeem),
		errors.Is(err, ledger.ErrSettlementInProgress):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrOnlyLender),
		errors.Is(err, ledger.ErrOnlyOriginator),
		errors.Is(err, node.ErrNotAdmin):
		return http.StatusForbidden
	case errors.Is(err, guard.ErrModulePaused):
		return http.StatusServiceUnavailable
	case errors.Is(err, signing.ErrInvalidSignature),
		errors.Is(err, signing.ErrSelfApproval),
		errors.Is(err, signing.ErrApprovedOwnLoan),
		errors.Is(err, signing.ErrSideMismatch),
		errors.Is(err, signing.ErrUnauthorizedSigner),
		errors.Is(err, signing.ErrCallerNotParticipant),
		errors.Is(err, signing.ErrInvalidMaxUses):
		return http.StatusUnauthorized
	case errors.Is(err, signing.ErrNonceExhausted):
		return http.StatusConflict
	case errors.Is(err, loan.ErrCurrencyNotAllowed),
		errors.Is(err, loan.ErrCollateralNotAllowed),
		errors.Is(err, loan.ErrInvalidDuration),
		errors.Is(err, loan.ErrInvalidInterestRate),
		errors.Is(err, loan.ErrPrincipalTooSmall),
		errors.Is(err, loan.ErrTermsExpired),
		errors.Is(err, loan.ErrVerifierNotAllowed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrRepayTooSmall),
		errors.Is(err, ledger.ErrCollateralNotEscrowed),
		errors.Is(err, ledger.ErrSettlementShortfall),
		errors.Is(err, ledger.ErrFeePoolInsufficient),
		errors.Is(err, rollover.ErrCurrencyMismatch),
		errors.Is(err, rollover.ErrCollateralMismatch),
		errors.Is(err, rollover.ErrExchangeShortfall),
		errors.Is(err, rollover.ErrLegacyLoanClosed),
		errors.Is(err, state.ErrInsufficientBalance),
		errors.Is(err, state.ErrNotCollateralOwner),
		errors.Is(err, state.ErrNoteNotFound),
		errors.Is(err, origination.ErrPredicateFailed),
		errors.Is(err, origination.ErrUnknownCallback),
		errors.Is(err, origination.ErrCallbackRejected):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
