package ledger

import (
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"github.com/arcadexyz/arcade-protocol-sub003/events"
	"github.com/arcadexyz/arcade-protocol-sub003/loan"
)

const (
	EventTypeLoanStarted    = "loan.started"
	EventTypeLoanPayment    = "loan.payment"
	EventTypeLoanRepaid     = "loan.repaid"
	EventTypeLoanForceRepay = "loan.force_repaid"
	EventTypeNoteRedeemed   = "loan.note_redeemed"
	EventTypeLoanClaimed    = "loan.claimed"
	EventTypeLoanRolledOver = "loan.rolled_over"
)

func baseAttributes(d *loan.Data) map[string]string {
	attrs := map[string]string{
		"loanId":     strconv.FormatUint(d.LoanID, 10),
		"state":      d.State.String(),
		"currency":   d.Terms.PayableCurrency.Hex(),
		"collateral": d.Terms.CollateralAddress.Hex(),
	}
	if d.Terms.CollateralID != nil {
		attrs["collateralId"] = d.Terms.CollateralID.String()
	}
	if d.Balance != nil {
		attrs["balance"] = d.Balance.String()
	}
	return attrs
}

func newLoanStartedEvent(d *loan.Data, borrower, lender common.Address) *events.Event {
	attrs := baseAttributes(d)
	attrs["borrower"] = borrower.Hex()
	attrs["lender"] = lender.Hex()
	attrs["principal"] = d.Terms.Principal.String()
	return &events.Event{Type: EventTypeLoanStarted, Attributes: attrs}
}

func newLoanPaymentEvent(d *loan.Data, payer common.Address, amount *big.Int) *events.Event {
	attrs := baseAttributes(d)
	attrs["payer"] = payer.Hex()
	attrs["amount"] = amount.String()
	return &events.Event{Type: EventTypeLoanPayment, Attributes: attrs}
}

func newLoanRepaidEvent(d *loan.Data, borrower common.Address, amount *big.Int) *events.Event {
	attrs := baseAttributes(d)
	attrs["borrower"] = borrower.Hex()
	attrs["amount"] = amount.String()
	return &events.Event{Type: EventTypeLoanRepaid, Attributes: attrs}
}

func newLoanForceRepaidEvent(d *loan.Data, borrower common.Address, credit *big.Int) *events.Event {
	attrs := baseAttributes(d)
	attrs["borrower"] = borrower.Hex()
	attrs["noteCredit"] = credit.String()
	return &events.Event{Type: EventTypeLoanForceRepay, Attributes: attrs}
}

func newNoteRedeemedEvent(d *loan.Data, holder, to common.Address, amount *big.Int) *events.Event {
	attrs := baseAttributes(d)
	attrs["holder"] = holder.Hex()
	attrs["to"] = to.Hex()
	attrs["amount"] = amount.String()
	return &events.Event{Type: EventTypeNoteRedeemed, Attributes: attrs}
}

func newLoanClaimedEvent(d *loan.Data, lender common.Address, defaultFee *big.Int) *events.Event {
	attrs := baseAttributes(d)
	attrs["lender"] = lender.Hex()
	attrs["defaultFee"] = defaultFee.String()
	return &events.Event{Type: EventTypeLoanClaimed, Attributes: attrs}
}

func newLoanRolledOverEvent(old, next *loan.Data, oldLender, newLender common.Address, interest *big.Int) *events.Event {
	attrs := baseAttributes(next)
	attrs["oldLoanId"] = strconv.FormatUint(old.LoanID, 10)
	attrs["oldLender"] = oldLender.Hex()
	attrs["newLender"] = newLender.Hex()
	attrs["interestSettled"] = interest.String()
	return &events.Event{Type: EventTypeLoanRolledOver, Attributes: attrs}
}
