package state

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/arcadexyz/arcade-protocol-sub003/ledger"
	"github.com/arcadexyz/arcade-protocol-sub003/storage"
)

func balanceKey(currency, addr common.Address) []byte {
	return derivedKey("balance/", currency.Bytes(), addr.Bytes())
}

func collateralKey(token common.Address, id *big.Int) []byte {
	return derivedKey("collateral/", token.Bytes(), common.LeftPadBytes(bigOrZero(id).Bytes(), 32))
}

func noteKey(kind ledger.NoteKind, loanID uint64) []byte {
	return derivedKey("note/", []byte{byte(kind)}, u64be(loanID))
}

// Funds returns the fungible balance backend bound to this transaction.
func (t *Txn) Funds() *FundsView { return &FundsView{txn: t} }

// Custody returns the collateral custody backend bound to this transaction.
func (t *Txn) Custody() *CustodyView { return &CustodyView{txn: t} }

// Notes returns the promissory note backend bound to this transaction.
func (t *Txn) Notes() *NoteView { return &NoteView{txn: t} }

// FundsView moves fungible token balances recorded in state.
type FundsView struct {
	txn *Txn
}

// Balance returns the recorded balance, zero when the account is unknown.
func (f *FundsView) Balance(currency, addr common.Address) (*big.Int, error) {
	data, err := f.txn.getRaw(balanceKey(currency, addr))
	if errors.Is(err, storage.ErrNotFound) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, err
	}
	return decodeBig(data)
}

func (f *FundsView) setBalance(currency, addr common.Address, amount *big.Int) error {
	if amount.Sign() == 0 {
		f.txn.deleteRaw(balanceKey(currency, addr))
		return nil
	}
	data, err := encodeBig(amount)
	if err != nil {
		return err
	}
	f.txn.putRaw(balanceKey(currency, addr), data)
	return nil
}

// Transfer moves amount from one account to the other, failing without
// effect when the source balance is insufficient.
func (f *FundsView) Transfer(currency, from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("state: invalid transfer amount")
	}
	if amount.Sign() == 0 || from == to {
		return nil
	}
	fromBal, err := f.Balance(currency, from)
	if err != nil {
		return err
	}
	if fromBal.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	toBal, err := f.Balance(currency, to)
	if err != nil {
		return err
	}
	if err := f.setBalance(currency, from, new(big.Int).Sub(fromBal, amount)); err != nil {
		return err
	}
	return f.setBalance(currency, to, new(big.Int).Add(toBal, amount))
}

// Credit adds amount to the account. Used for genesis funding and deposits.
func (f *FundsView) Credit(currency, addr common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("state: invalid credit amount")
	}
	if amount.Sign() == 0 {
		return nil
	}
	bal, err := f.Balance(currency, addr)
	if err != nil {
		return err
	}
	return f.setBalance(currency, addr, new(big.Int).Add(bal, amount))
}

// CustodyView tracks ownership of non-fungible collateral tokens.
type CustodyView struct {
	txn *Txn
}

// OwnerOf returns the recorded owner, or the zero address when the token is
// unknown.
func (c *CustodyView) OwnerOf(token common.Address, id *big.Int) (common.Address, error) {
	data, err := c.txn.getRaw(collateralKey(token, id))
	if errors.Is(err, storage.ErrNotFound) {
		return common.Address{}, nil
	}
	if err != nil {
		return common.Address{}, err
	}
	return common.BytesToAddress(data), nil
}

// Transfer reassigns the token, requiring from to be the current owner.
func (c *CustodyView) Transfer(token common.Address, id *big.Int, from, to common.Address) error {
	owner, err := c.OwnerOf(token, id)
	if err != nil {
		return err
	}
	if owner != from {
		return ErrNotCollateralOwner
	}
	c.txn.putRaw(collateralKey(token, id), to.Bytes())
	return nil
}

// Register records the initial owner of a collateral token. Used for genesis
// and deposit flows.
func (c *CustodyView) Register(token common.Address, id *big.Int, owner common.Address) {
	c.txn.putRaw(collateralKey(token, id), owner.Bytes())
}

// NoteView tracks ownership of the borrower and lender promissory notes.
type NoteView struct {
	txn *Txn
}

// Mint records the initial note holder. Minting an existing note fails.
func (n *NoteView) Mint(kind ledger.NoteKind, loanID uint64, to common.Address) error {
	exists, err := n.txn.hasRaw(noteKey(kind, loanID))
	if err != nil {
		return err
	}
	if exists {
		return ErrNoteExists
	}
	n.txn.putRaw(noteKey(kind, loanID), to.Bytes())
	return nil
}

// Burn removes the note.
func (n *NoteView) Burn(kind ledger.NoteKind, loanID uint64) error {
	exists, err := n.txn.hasRaw(noteKey(kind, loanID))
	if err != nil {
		return err
	}
	if !exists {
		return ErrNoteNotFound
	}
	n.txn.deleteRaw(noteKey(kind, loanID))
	return nil
}

// OwnerOf returns the current note holder, or the zero address when the note
// does not exist.
func (n *NoteView) OwnerOf(kind ledger.NoteKind, loanID uint64) (common.Address, error) {
	data, err := n.txn.getRaw(noteKey(kind, loanID))
	if errors.Is(err, storage.ErrNotFound) {
		return common.Address{}, nil
	}
	if err != nil {
		return common.Address{}, err
	}
	return common.BytesToAddress(data), nil
}

// TransferNote moves a live note between holders, enabling the secondary
// market in lender and borrower positions. The from account must be the
// current holder.
func (n *NoteView) TransferNote(kind ledger.NoteKind, loanID uint64, from, to common.Address) error {
	owner, err := n.OwnerOf(kind, loanID)
	if err != nil {
		return err
	}
	if owner == (common.Address{}) {
		return ErrNoteNotFound
	}
	if owner != from {
		return ErrNotCollateralOwner
	}
	n.txn.putRaw(noteKey(kind, loanID), to.Bytes())
	return nil
}
