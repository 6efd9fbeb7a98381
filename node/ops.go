package node

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/arcadexyz/arcade-protocol-sub003/ledger"
	"github.com/arcadexyz/arcade-protocol-sub003/loan"
	"github.com/arcadexyz/arcade-protocol-sub003/observability"
	"github.com/arcadexyz/arcade-protocol-sub003/rollover"
	"github.com/arcadexyz/arcade-protocol-sub003/signing"
)

// InitializeLoan originates a loan from counterparty-signed terms.
func (n *Node) InitializeLoan(
	caller, borrower, lender common.Address,
	terms *loan.Terms,
	sig []byte,
	props loan.SignatureProperties,
	predicates []loan.Predicate,
	callbackData []byte,
) (uint64, error) {
	var loanID uint64
	err := n.update(func(es *engineSet) error {
		id, err := es.origination.InitializeLoan(caller, borrower, lender, terms, sig, props, predicates, callbackData)
		if err != nil {
			return err
		}
		loanID = id
		return nil
	})
	if err != nil {
		return 0, err
	}
	observability.Loans().RecordOrigination("new")
	n.log.Info("loan originated", "loan_id", loanID, "borrower", borrower.Hex(), "lender", lender.Hex())
	return loanID, nil
}

// Repay applies a payment against an active loan.
func (n *Node) Repay(caller common.Address, loanID uint64, amount *big.Int) error {
	var closed bool
	err := n.update(func(es *engineSet) error {
		if err := es.ledger.Repay(caller, loanID, amount); err != nil {
			return err
		}
		d, err := es.ledger.Loan(loanID)
		if err != nil {
			return err
		}
		closed = d.State == loan.StateRepaid
		return nil
	})
	if err != nil {
		return err
	}
	kind := "partial"
	if closed {
		kind = "full"
	}
	observability.Loans().RecordPayment(kind)
	n.log.Info("loan payment", "loan_id", loanID, "closed", closed)
	return nil
}

// ForceRepay settles a loan in full while holding the lender proceeds as
// redeemable note credit.
func (n *Node) ForceRepay(caller common.Address, loanID uint64, amount *big.Int) error {
	err := n.update(func(es *engineSet) error {
		return es.ledger.ForceRepay(caller, loanID, amount)
	})
	if err != nil {
		return err
	}
	observability.Loans().RecordPayment("force")
	n.log.Info("loan force repaid", "loan_id", loanID)
	return nil
}

// RedeemNote pays out a force-repaid loan's held credit to the lender-note
// holder.
func (n *Node) RedeemNote(caller common.Address, loanID uint64, to common.Address) (*big.Int, error) {
	var redeemed *big.Int
	err := n.update(func(es *engineSet) error {
		amount, err := es.ledger.RedeemNote(caller, loanID, to)
		if err != nil {
			return err
		}
		redeemed = amount
		return nil
	})
	if err != nil {
		return nil, err
	}
	n.log.Info("note redeemed", "loan_id", loanID, "amount", redeemed.String())
	return redeemed, nil
}

// Claim delivers the collateral of an expired loan to the lender-note
// holder.
func (n *Node) Claim(caller common.Address, loanID uint64) error {
	err := n.update(func(es *engineSet) error {
		return es.ledger.Claim(caller, loanID)
	})
	if err != nil {
		return err
	}
	observability.Loans().RecordDefault()
	n.log.Info("collateral claimed", "loan_id", loanID)
	return nil
}

// RolloverLoan replaces an active loan with new same-currency terms.
func (n *Node) RolloverLoan(
	caller common.Address,
	oldLoanID uint64,
	newLender common.Address,
	terms *loan.Terms,
	sig []byte,
	props loan.SignatureProperties,
	predicates []loan.Predicate,
) (uint64, error) {
	var newID uint64
	err := n.update(func(es *engineSet) error {
		id, err := es.rollover.RolloverLoan(caller, oldLoanID, newLender, terms, sig, props, predicates)
		if err != nil {
			return err
		}
		newID = id
		return nil
	})
	if err != nil {
		return 0, err
	}
	observability.Loans().RecordOrigination("rollover")
	observability.Loans().RecordRollover("same")
	n.log.Info("loan rolled over", "old_loan_id", oldLoanID, "new_loan_id", newID)
	return newID, nil
}

// RolloverCrossCurrency replaces an active loan with terms in a different
// currency, swapping the new lender's funds through the wired exchange.
func (n *Node) RolloverCrossCurrency(
	caller common.Address,
	oldLoanID uint64,
	newLender common.Address,
	terms *loan.Terms,
	sig []byte,
	props loan.SignatureProperties,
	predicates []loan.Predicate,
	swap rollover.SwapParams,
) (uint64, error) {
	var newID uint64
	err := n.update(func(es *engineSet) error {
		id, err := es.rollover.RolloverCrossCurrency(caller, oldLoanID, newLender, terms, sig, props, predicates, swap)
		if err != nil {
			return err
		}
		newID = id
		return nil
	})
	if err != nil {
		return 0, err
	}
	observability.Loans().RecordOrigination("rollover")
	observability.Loans().RecordRollover("currency")
	n.log.Info("loan rolled over cross-currency", "old_loan_id", oldLoanID, "new_loan_id", newID)
	return newID, nil
}

// MigrateLoan moves a loan from the wired legacy deployment into this one.
func (n *Node) MigrateLoan(
	caller common.Address,
	legacyLoanID uint64,
	newLender common.Address,
	terms *loan.Terms,
	sig []byte,
	props loan.SignatureProperties,
) (uint64, error) {
	var newID uint64
	err := n.update(func(es *engineSet) error {
		id, err := es.rollover.MigrateLoan(caller, legacyLoanID, newLender, terms, sig, props)
		if err != nil {
			return err
		}
		newID = id
		return nil
	})
	if err != nil {
		return 0, err
	}
	observability.Loans().RecordOrigination("migration")
	observability.Loans().RecordRollover("migration")
	n.log.Info("legacy loan migrated", "legacy_loan_id", legacyLoanID, "new_loan_id", newID)
	return newID, nil
}

// CancelNonce permanently invalidates one of the caller's nonces.
func (n *Node) CancelNonce(caller common.Address, nonce uint64) error {
	return n.update(func(es *engineSet) error {
		return es.authority.CancelNonce(caller, nonce)
	})
}

// Approve delegates signing authority from the caller to the agent.
func (n *Node) Approve(caller, agent common.Address) error {
	return n.update(func(es *engineSet) error {
		return es.authority.Approve(caller, agent)
	})
}

// RevokeApproval withdraws a delegation.
func (n *Node) RevokeApproval(caller, agent common.Address) error {
	return n.update(func(es *engineSet) error {
		return es.authority.Revoke(caller, agent)
	})
}

// TransferNote moves a promissory note between holders.
func (n *Node) TransferNote(caller common.Address, kind ledger.NoteKind, loanID uint64, to common.Address) error {
	return n.update(func(es *engineSet) error {
		return es.txn.Notes().TransferNote(kind, loanID, caller, to)
	})
}

// Loan returns a copy of the stored loan record.
func (n *Node) Loan(loanID uint64) (*loan.Data, error) {
	var out *loan.Data
	err := n.view(func(es *engineSet) error {
		d, err := es.ledger.Loan(loanID)
		if err != nil {
			return err
		}
		out = d
		return nil
	})
	return out, err
}

// OutstandingInterest reports the interest accrued on the loan up to now.
func (n *Node) OutstandingInterest(loanID uint64) (*big.Int, error) {
	var out *big.Int
	err := n.view(func(es *engineSet) error {
		v, err := es.ledger.OutstandingInterest(loanID)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// NoteOwner resolves the holder of a loan's borrower or lender note.
func (n *Node) NoteOwner(kind ledger.NoteKind, loanID uint64) (common.Address, error) {
	var out common.Address
	err := n.view(func(es *engineSet) error {
		addr, err := es.ledger.NoteOwner(kind, loanID)
		if err != nil {
			return err
		}
		out = addr
		return nil
	})
	return out, err
}

// NonceUsage returns the recorded consumption state of a signer's nonce.
func (n *Node) NonceUsage(signer common.Address, nonce uint64) (*signing.NonceUsage, error) {
	var out *signing.NonceUsage
	err := n.view(func(es *engineSet) error {
		u, err := es.authority.NonceUsage(signer, nonce)
		if err != nil {
			return err
		}
		out = u
		return nil
	})
	return out, err
}

// Balance returns an account's recorded balance in a currency.
func (n *Node) Balance(currency, addr common.Address) (*big.Int, error) {
	var out *big.Int
	err := n.view(func(es *engineSet) error {
		v, err := es.txn.Funds().Balance(currency, addr)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// FeePoolBalance reports accrued protocol fees for a currency.
func (n *Node) FeePoolBalance(currency common.Address) (*big.Int, error) {
	var out *big.Int
	err := n.view(func(es *engineSet) error {
		v, err := es.ledger.FeePoolBalance(currency)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
