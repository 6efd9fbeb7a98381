package state

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/arcadexyz/arcade-protocol-sub003/loan"
	"github.com/arcadexyz/arcade-protocol-sub003/signing"
	"github.com/arcadexyz/arcade-protocol-sub003/storage"
)

var loanSeqKey = derivedKey("loan/seq")

func loanKey(id uint64) []byte {
	return derivedKey("loan/", u64be(id))
}

func noteCreditKey(id uint64) []byte {
	return derivedKey("loan/credit/", u64be(id))
}

func feePoolKey(currency common.Address) []byte {
	return derivedKey("feepool/", currency.Bytes())
}

func inFlightKey(borrower common.Address) []byte {
	return derivedKey("settlement/", borrower.Bytes())
}

func nonceKey(signer common.Address, nonce uint64) []byte {
	return derivedKey("nonce/", signer.Bytes(), u64be(nonce))
}

func approvalKey(owner, agent common.Address) []byte {
	return derivedKey("approval/", owner.Bytes(), agent.Bytes())
}

var policyKey = derivedKey("policy/doc")

// Loan returns the stored loan record or nil when the ID is unknown.
func (t *Txn) Loan(id uint64) (*loan.Data, error) {
	data, err := t.getRaw(loanKey(id))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeLoan(data)
}

// PutLoan persists the loan record under its ID.
func (t *Txn) PutLoan(d *loan.Data) error {
	data, err := encodeLoan(d)
	if err != nil {
		return err
	}
	t.putRaw(loanKey(d.LoanID), data)
	return nil
}

// NextLoanID increments and returns the loan sequence. IDs start at 1 so the
// zero value never identifies a loan.
func (t *Txn) NextLoanID() (uint64, error) {
	var seq uint64
	data, err := t.getRaw(loanSeqKey)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return 0, err
	default:
		if err := rlp.DecodeBytes(data, &seq); err != nil {
			return 0, fmt.Errorf("state: decode loan sequence: %w", err)
		}
	}
	seq++
	enc, err := rlp.EncodeToBytes(seq)
	if err != nil {
		return 0, err
	}
	t.putRaw(loanSeqKey, enc)
	return seq, nil
}

// NoteCredit returns the redeemable credit held for a force-repaid loan.
func (t *Txn) NoteCredit(loanID uint64) (*big.Int, error) {
	data, err := t.getRaw(noteCreditKey(loanID))
	if errors.Is(err, storage.ErrNotFound) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, err
	}
	return decodeBig(data)
}

// PutNoteCredit records the redeemable credit for a loan. A zero amount
// clears the entry.
func (t *Txn) PutNoteCredit(loanID uint64, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		t.deleteRaw(noteCreditKey(loanID))
		return nil
	}
	data, err := encodeBig(amount)
	if err != nil {
		return err
	}
	t.putRaw(noteCreditKey(loanID), data)
	return nil
}

// FeePool returns the accrued protocol fees for the currency.
func (t *Txn) FeePool(currency common.Address) (*big.Int, error) {
	data, err := t.getRaw(feePoolKey(currency))
	if errors.Is(err, storage.ErrNotFound) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, err
	}
	return decodeBig(data)
}

// PutFeePool records the accrued protocol fees for the currency.
func (t *Txn) PutFeePool(currency common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		t.deleteRaw(feePoolKey(currency))
		return nil
	}
	data, err := encodeBig(amount)
	if err != nil {
		return err
	}
	t.putRaw(feePoolKey(currency), data)
	return nil
}

// InFlight reports whether the borrower has an external settlement in flight.
func (t *Txn) InFlight(borrower common.Address) (bool, error) {
	return t.hasRaw(inFlightKey(borrower))
}

// SetInFlight records or clears the borrower's in-flight settlement marker.
func (t *Txn) SetInFlight(borrower common.Address, inFlight bool) error {
	if inFlight {
		t.putRaw(inFlightKey(borrower), []byte{1})
		return nil
	}
	t.deleteRaw(inFlightKey(borrower))
	return nil
}

// NonceUsage returns the usage record for the signer's nonce, or nil when the
// nonce has never been touched.
func (t *Txn) NonceUsage(signer common.Address, nonce uint64) (*signing.NonceUsage, error) {
	data, err := t.getRaw(nonceKey(signer, nonce))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeNonceUsage(data)
}

// PutNonceUsage persists the usage record for the signer's nonce.
func (t *Txn) PutNonceUsage(signer common.Address, usage *signing.NonceUsage) error {
	data, err := encodeNonceUsage(usage)
	if err != nil {
		return err
	}
	t.putRaw(nonceKey(signer, usage.Nonce), data)
	return nil
}

// Approval reports whether owner has delegated signing to agent.
func (t *Txn) Approval(owner, agent common.Address) (bool, error) {
	return t.hasRaw(approvalKey(owner, agent))
}

// PutApproval records or clears a signing delegation.
func (t *Txn) PutApproval(owner, agent common.Address, approved bool) error {
	if approved {
		t.putRaw(approvalKey(owner, agent), []byte{1})
		return nil
	}
	t.deleteRaw(approvalKey(owner, agent))
	return nil
}

// SavePolicy persists the policy document.
func (t *Txn) SavePolicy(doc *loan.PolicyDocument) error {
	if doc == nil {
		return fmt.Errorf("state: nil policy document")
	}
	data, err := rlp.EncodeToBytes(doc)
	if err != nil {
		return fmt.Errorf("state: encode policy: %w", err)
	}
	t.putRaw(policyKey, data)
	return nil
}

// LoadPolicy returns the stored policy document, or nil when none has been
// saved yet.
func (t *Txn) LoadPolicy() (*loan.PolicyDocument, error) {
	data, err := t.getRaw(policyKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	doc := new(loan.PolicyDocument)
	if err := rlp.DecodeBytes(data, doc); err != nil {
		return nil, fmt.Errorf("state: decode policy: %w", err)
	}
	return doc, nil
}
