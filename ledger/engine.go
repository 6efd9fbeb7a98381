// Package ledger implements the loan ledger: the authoritative state machine
// over all loan records. It is the only component permitted to move escrowed
// collateral, mint or burn promissory notes, or touch the protocol fee pool.
package ledger

import (
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/arcadexyz/arcade-protocol-sub003/events"
	"github.com/arcadexyz/arcade-protocol-sub003/guard"
	"github.com/arcadexyz/arcade-protocol-sub003/loan"
)

var (
	ErrLoanNotFound          = errors.New("loan ledger: loan not found")
	ErrInvalidState          = errors.New("loan ledger: loan not in required state")
	ErrNotExpired            = errors.New("loan ledger: loan term has not elapsed")
	ErrOnlyLender            = errors.New("loan ledger: caller does not hold the lender note")
	ErrOnlyOriginator        = errors.New("loan ledger: caller lacks originator capability")
	ErrCollateralNotEscrowed = errors.New("loan ledger: collateral not in ledger custody")
	ErrRepayTooSmall         = errors.New("loan ledger: payment below accrued interest")
	ErrNothingToRedeem       = errors.New("loan ledger: no redeemable note credit")
	ErrSettlementShortfall   = errors.New("loan ledger: settled amount below payouts")
	ErrFeePoolInsufficient   = errors.New("loan ledger: fee pool balance too low")
	ErrSettlementInProgress  = errors.New("loan ledger: borrower settlement already in flight")

	errNilState      = errors.New("loan ledger: state not configured")
	errInvalidAmount = errors.New("loan ledger: amount must be positive")
)

const moduleName = "ledger"

// NoteKind distinguishes the two promissory notes minted per loan.
type NoteKind uint8

const (
	NoteBorrower NoteKind = iota
	NoteLender
)

// engineState is the persistence surface the ledger owns exclusively.
type engineState interface {
	Loan(id uint64) (*loan.Data, error)
	PutLoan(*loan.Data) error
	NextLoanID() (uint64, error)
	NoteCredit(loanID uint64) (*big.Int, error)
	PutNoteCredit(loanID uint64, amount *big.Int) error
	FeePool(currency common.Address) (*big.Int, error)
	PutFeePool(currency common.Address, amount *big.Int) error
	InFlight(borrower common.Address) (bool, error)
	SetInFlight(borrower common.Address, inFlight bool) error
}

// FundsMover transfers fungible token balances between accounts. Transfers
// either fully succeed or fail with no partial effect.
type FundsMover interface {
	Transfer(currency, from, to common.Address, amount *big.Int) error
	Balance(currency, addr common.Address) (*big.Int, error)
}

// CollateralCustody moves and inspects non-fungible collateral tokens.
type CollateralCustody interface {
	OwnerOf(token common.Address, id *big.Int) (common.Address, error)
	Transfer(token common.Address, id *big.Int, from, to common.Address) error
}

// NoteMinter mints, burns, and resolves ownership of the borrower and lender
// promissory notes keyed by loan ID.
type NoteMinter interface {
	Mint(kind NoteKind, loanID uint64, to common.Address) error
	Burn(kind NoteKind, loanID uint64) error
	OwnerOf(kind NoteKind, loanID uint64) (common.Address, error)
}

// Engine is the loan ledger state machine.
type Engine struct {
	state   engineState
	funds   FundsMover
	custody CollateralCustody
	notes   NoteMinter

	vaultAddress common.Address
	poolAddress  common.Address
	originators  map[common.Address]bool

	graceSecs         uint64
	accrueAfterExpiry bool

	emitter events.Emitter
	pauses  guard.PauseView
	nowFn   func() int64
}

// NewEngine constructs a ledger engine bound to the collateral vault and fee
// pool accounts.
func NewEngine(vault, pool common.Address) *Engine {
	return &Engine{
		vaultAddress: vault,
		poolAddress:  pool,
		originators:  make(map[common.Address]bool),
		emitter:      events.NoopEmitter{},
		nowFn:        func() int64 { return time.Now().Unix() },
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetFundsMover configures the fungible token transfer backend.
func (e *Engine) SetFundsMover(funds FundsMover) { e.funds = funds }

// SetCustody configures the collateral custody backend.
func (e *Engine) SetCustody(custody CollateralCustody) { e.custody = custody }

// SetNotes configures the promissory note backend.
func (e *Engine) SetNotes(notes NoteMinter) { e.notes = notes }

// SetGracePeriod configures the post-expiry grace window before claim.
func (e *Engine) SetGracePeriod(secs uint64) { e.graceSecs = secs }

// SetAccrueAfterExpiry toggles whether interest keeps accruing between term
// expiry and claim. Default is capped accrual.
func (e *Engine) SetAccrueAfterExpiry(v bool) { e.accrueAfterExpiry = v }

// SetPauses wires the administrative pause switch.
func (e *Engine) SetPauses(p guard.PauseView) { e.pauses = p }

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source. Primarily for deterministic tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// AddOriginator grants the originator capability to an engine account.
func (e *Engine) AddOriginator(addr common.Address) { e.originators[addr] = true }

// VaultAddress returns the account holding escrowed collateral.
func (e *Engine) VaultAddress() common.Address { return e.vaultAddress }

// PoolAddress returns the account holding escrowed funds and protocol fees.
func (e *Engine) PoolAddress() common.Address { return e.poolAddress }

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) emit(evt *events.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(*evt)
}

func (e *Engine) ready() error {
	if e == nil || e.state == nil || e.funds == nil || e.custody == nil || e.notes == nil {
		return errNilState
	}
	return nil
}

// Loan returns a copy of the recorded loan.
func (e *Engine) Loan(id uint64) (*loan.Data, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	d, err := e.state.Loan(id)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, ErrLoanNotFound
	}
	return d.Clone(), nil
}

// NoteOwner resolves the current holder of a loan's borrower or lender note.
func (e *Engine) NoteOwner(kind NoteKind, loanID uint64) (common.Address, error) {
	if e == nil || e.notes == nil {
		return common.Address{}, errNilState
	}
	return e.notes.OwnerOf(kind, loanID)
}

// OutstandingInterest reports the interest accrued on the loan up to now.
func (e *Engine) OutstandingInterest(id uint64) (*big.Int, error) {
	d, err := e.Loan(id)
	if err != nil {
		return nil, err
	}
	return e.interestDue(d, e.now()), nil
}

func (e *Engine) interestDue(d *loan.Data, now int64) *big.Int {
	return loan.ProratedInterest(
		d.Balance, d.Terms.InterestRate, d.Terms.DurationSecs,
		d.StartDate, d.LastAccrualTimestamp, now, e.accrueAfterExpiry,
	)
}

func (e *Engine) activeLoan(id uint64) (*loan.Data, error) {
	d, err := e.state.Loan(id)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, ErrLoanNotFound
	}
	if d.State != loan.StateActive {
		return nil, ErrInvalidState
	}
	return d, nil
}

func (e *Engine) requireOriginator(caller common.Address) error {
	if !e.originators[caller] {
		return ErrOnlyOriginator
	}
	return nil
}

func (e *Engine) creditFeePool(currency common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	pool, err := e.state.FeePool(currency)
	if err != nil {
		return err
	}
	if pool == nil {
		pool = big.NewInt(0)
	}
	return e.state.PutFeePool(currency, new(big.Int).Add(pool, amount))
}

// StartLoan records a new Active loan over collateral already held in ledger
// custody and mints the borrower and lender notes. Only accounts holding the
// originator capability may call it.
func (e *Engine) StartLoan(caller, lender, borrower common.Address, terms *loan.Terms, fees loan.FeeSnapshot) (uint64, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}
	if err := guard.Check(e.pauses, moduleName); err != nil {
		return 0, err
	}
	if err := e.requireOriginator(caller); err != nil {
		return 0, err
	}
	sanitized, err := loan.SanitizeTerms(terms)
	if err != nil {
		return 0, err
	}
	holder, err := e.custody.OwnerOf(sanitized.CollateralAddress, sanitized.CollateralID)
	if err != nil {
		return 0, err
	}
	if holder != e.vaultAddress {
		return 0, ErrCollateralNotEscrowed
	}

	id, err := e.state.NextLoanID()
	if err != nil {
		return 0, err
	}
	now := e.now()
	record := &loan.Data{
		LoanID:               id,
		State:                loan.StateActive,
		Terms:                *sanitized,
		StartDate:            now,
		LastAccrualTimestamp: now,
		Balance:              new(big.Int).Set(sanitized.Principal),
		Fees:                 fees,
	}
	if err := e.notes.Mint(NoteBorrower, id, borrower); err != nil {
		return 0, err
	}
	if err := e.notes.Mint(NoteLender, id, lender); err != nil {
		return 0, err
	}
	if err := e.state.PutLoan(record); err != nil {
		return 0, err
	}
	e.emit(newLoanStartedEvent(record, borrower, lender))
	return id, nil
}

// Repay applies a payment against an Active loan. Accrued interest is settled
// first, the remainder reduces principal; a payment that does not cover the
// accrued interest is rejected so the accrual clock can advance safely. When
// the balance reaches zero the loan transitions to Repaid, both notes are
// burned, and the collateral returns to the borrower-note holder recorded at
// repayment time.
func (e *Engine) Repay(caller common.Address, loanID uint64, amount *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := guard.Check(e.pauses, moduleName); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	d, err := e.activeLoan(loanID)
	if err != nil {
		return err
	}
	now := e.now()
	interestDue := e.interestDue(d, now)
	due := new(big.Int).Add(d.Balance, interestDue)

	pay := new(big.Int).Set(amount)
	if pay.Cmp(due) > 0 {
		pay = due
	}
	if pay.Cmp(interestDue) < 0 {
		return ErrRepayTooSmall
	}
	principalPaid := new(big.Int).Sub(pay, interestDue)

	interestFee := loan.FeeAmount(interestDue, d.Fees.LenderInterestFeeBps)
	principalFee := loan.FeeAmount(principalPaid, d.Fees.LenderPrincipalFeeBps)
	feeTotal := new(big.Int).Add(interestFee, principalFee)

	lenderHolder, err := e.notes.OwnerOf(NoteLender, loanID)
	if err != nil {
		return err
	}
	currency := d.Terms.PayableCurrency
	toLender := new(big.Int).Sub(pay, feeTotal)
	if err := e.funds.Transfer(currency, caller, lenderHolder, toLender); err != nil {
		return err
	}
	if feeTotal.Sign() > 0 {
		if err := e.funds.Transfer(currency, caller, e.poolAddress, feeTotal); err != nil {
			return err
		}
		if err := e.creditFeePool(currency, feeTotal); err != nil {
			return err
		}
	}

	d.Balance = new(big.Int).Sub(d.Balance, principalPaid)
	d.LastAccrualTimestamp = now

	if d.Balance.Sign() == 0 {
		d.State = loan.StateRepaid
		borrowerHolder, err := e.notes.OwnerOf(NoteBorrower, loanID)
		if err != nil {
			return err
		}
		if err := e.custody.Transfer(d.Terms.CollateralAddress, d.Terms.CollateralID, e.vaultAddress, borrowerHolder); err != nil {
			return err
		}
		if err := e.notes.Burn(NoteBorrower, loanID); err != nil {
			return err
		}
		if err := e.notes.Burn(NoteLender, loanID); err != nil {
			return err
		}
		if err := e.state.PutLoan(d); err != nil {
			return err
		}
		e.emit(newLoanRepaidEvent(d, borrowerHolder, pay))
		return nil
	}
	if err := e.state.PutLoan(d); err != nil {
		return err
	}
	e.emit(newLoanPaymentEvent(d, caller, pay))
	return nil
}

// ForceRepay settles the full outstanding balance but holds the lender's
// proceeds inside the ledger as note credit instead of paying them out.
// Collateral release to the borrower is thereby decoupled from the lender
// payment, which completes later through RedeemNote. The lender note survives
// until redemption.
func (e *Engine) ForceRepay(caller common.Address, loanID uint64, amount *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := guard.Check(e.pauses, moduleName); err != nil {
		return err
	}
	d, err := e.activeLoan(loanID)
	if err != nil {
		return err
	}
	now := e.now()
	interestDue := e.interestDue(d, now)
	due := new(big.Int).Add(d.Balance, interestDue)
	if amount == nil || amount.Cmp(due) < 0 {
		return ErrRepayTooSmall
	}

	interestFee := loan.FeeAmount(interestDue, d.Fees.LenderInterestFeeBps)
	principalFee := loan.FeeAmount(d.Balance, d.Fees.LenderPrincipalFeeBps)
	feeTotal := new(big.Int).Add(interestFee, principalFee)
	credit := new(big.Int).Sub(due, feeTotal)

	currency := d.Terms.PayableCurrency
	if err := e.funds.Transfer(currency, caller, e.poolAddress, due); err != nil {
		return err
	}
	if err := e.creditFeePool(currency, feeTotal); err != nil {
		return err
	}
	if err := e.state.PutNoteCredit(loanID, credit); err != nil {
		return err
	}

	borrowerHolder, err := e.notes.OwnerOf(NoteBorrower, loanID)
	if err != nil {
		return err
	}
	if err := e.custody.Transfer(d.Terms.CollateralAddress, d.Terms.CollateralID, e.vaultAddress, borrowerHolder); err != nil {
		return err
	}
	if err := e.notes.Burn(NoteBorrower, loanID); err != nil {
		return err
	}

	d.Balance = big.NewInt(0)
	d.LastAccrualTimestamp = now
	d.State = loan.StateRepaid
	if err := e.state.PutLoan(d); err != nil {
		return err
	}
	e.emit(newLoanForceRepaidEvent(d, borrowerHolder, credit))
	return nil
}

// RedeemNote pays out the credit held for a force-repaid loan to the supplied
// recipient. The caller must hold the lender note at redemption time; the
// note is burned once the credit is released.
func (e *Engine) RedeemNote(caller common.Address, loanID uint64, to common.Address) (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := guard.Check(e.pauses, moduleName); err != nil {
		return nil, err
	}
	d, err := e.state.Loan(loanID)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, ErrLoanNotFound
	}
	if d.State != loan.StateRepaid {
		return nil, ErrInvalidState
	}
	credit, err := e.state.NoteCredit(loanID)
	if err != nil {
		return nil, err
	}
	if credit == nil || credit.Sign() == 0 {
		return nil, ErrNothingToRedeem
	}
	holder, err := e.notes.OwnerOf(NoteLender, loanID)
	if err != nil {
		return nil, err
	}
	if holder != caller {
		return nil, ErrOnlyLender
	}
	if to == (common.Address{}) {
		to = caller
	}
	if err := e.funds.Transfer(d.Terms.PayableCurrency, e.poolAddress, to, credit); err != nil {
		return nil, err
	}
	if err := e.state.PutNoteCredit(loanID, big.NewInt(0)); err != nil {
		return nil, err
	}
	if err := e.notes.Burn(NoteLender, loanID); err != nil {
		return nil, err
	}
	e.emit(newNoteRedeemedEvent(d, caller, to, credit))
	return new(big.Int).Set(credit), nil
}

// Claim transitions an expired Active loan to Defaulted and delivers the
// collateral to the lender-note holder. The claim is only open once the term
// plus the grace period has elapsed, and only to the current lender-note
// holder, who pays the snapshot default fee into the pool.
func (e *Engine) Claim(caller common.Address, loanID uint64) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := guard.Check(e.pauses, moduleName); err != nil {
		return err
	}
	d, err := e.activeLoan(loanID)
	if err != nil {
		return err
	}
	now := e.now()
	if now <= d.DueDate()+int64(e.graceSecs) {
		return ErrNotExpired
	}
	holder, err := e.notes.OwnerOf(NoteLender, loanID)
	if err != nil {
		return err
	}
	if holder != caller {
		return ErrOnlyLender
	}

	defaultFee := loan.FeeAmount(d.Balance, d.Fees.LenderDefaultFeeBps)
	if defaultFee.Sign() > 0 {
		currency := d.Terms.PayableCurrency
		if err := e.funds.Transfer(currency, caller, e.poolAddress, defaultFee); err != nil {
			return err
		}
		if err := e.creditFeePool(currency, defaultFee); err != nil {
			return err
		}
	}

	if err := e.custody.Transfer(d.Terms.CollateralAddress, d.Terms.CollateralID, e.vaultAddress, caller); err != nil {
		return err
	}
	if err := e.notes.Burn(NoteBorrower, loanID); err != nil {
		return err
	}
	if err := e.notes.Burn(NoteLender, loanID); err != nil {
		return err
	}
	d.State = loan.StateDefaulted
	d.LastAccrualTimestamp = now
	if err := e.state.PutLoan(d); err != nil {
		return err
	}
	e.emit(newLoanClaimedEvent(d, caller, defaultFee))
	return nil
}

// Rollover atomically closes the old loan and opens a new one without the
// collateral ever leaving ledger custody. The caller (an originator engine)
// has already collected settledAmount into its own account; the ledger pulls
// it, pays the computed legs, and keeps the residue in the fee pool.
func (e *Engine) Rollover(
	caller common.Address,
	oldLoanID uint64,
	oldLender, borrower, newLender common.Address,
	newTerms *loan.Terms,
	fees loan.FeeSnapshot,
	settledAmount, amountToOldLender, amountToLender, amountToBorrower, interestAmount *big.Int,
) (uint64, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}
	if err := guard.Check(e.pauses, moduleName); err != nil {
		return 0, err
	}
	if err := e.requireOriginator(caller); err != nil {
		return 0, err
	}
	old, err := e.activeLoan(oldLoanID)
	if err != nil {
		return 0, err
	}
	sanitized, err := loan.SanitizeTerms(newTerms)
	if err != nil {
		return 0, err
	}
	borrowerHolder, err := e.notes.OwnerOf(NoteBorrower, oldLoanID)
	if err != nil {
		return 0, err
	}
	lenderHolder, err := e.notes.OwnerOf(NoteLender, oldLoanID)
	if err != nil {
		return 0, err
	}
	if borrowerHolder != borrower || lenderHolder != oldLender {
		return 0, ErrOnlyLender
	}
	holder, err := e.custody.OwnerOf(sanitized.CollateralAddress, sanitized.CollateralID)
	if err != nil {
		return 0, err
	}
	if holder != e.vaultAddress {
		return 0, ErrCollateralNotEscrowed
	}

	settled := nonNil(settledAmount)
	toOld := nonNil(amountToOldLender)
	toLender := nonNil(amountToLender)
	toBorrower := nonNil(amountToBorrower)
	payouts := new(big.Int).Add(toOld, toLender)
	payouts.Add(payouts, toBorrower)
	if settled.Cmp(payouts) < 0 {
		return 0, ErrSettlementShortfall
	}

	currency := old.Terms.PayableCurrency
	if settled.Sign() > 0 {
		if err := e.funds.Transfer(currency, caller, e.poolAddress, settled); err != nil {
			return 0, err
		}
	}
	if toOld.Sign() > 0 {
		if err := e.funds.Transfer(currency, e.poolAddress, oldLender, toOld); err != nil {
			return 0, err
		}
	}
	if toLender.Sign() > 0 {
		if err := e.funds.Transfer(currency, e.poolAddress, newLender, toLender); err != nil {
			return 0, err
		}
	}
	if toBorrower.Sign() > 0 {
		if err := e.funds.Transfer(currency, e.poolAddress, borrower, toBorrower); err != nil {
			return 0, err
		}
	}
	if err := e.creditFeePool(currency, new(big.Int).Sub(settled, payouts)); err != nil {
		return 0, err
	}

	now := e.now()
	old.State = loan.StateRepaid
	old.Balance = big.NewInt(0)
	old.LastAccrualTimestamp = now
	if err := e.notes.Burn(NoteBorrower, oldLoanID); err != nil {
		return 0, err
	}
	if err := e.notes.Burn(NoteLender, oldLoanID); err != nil {
		return 0, err
	}
	if err := e.state.PutLoan(old); err != nil {
		return 0, err
	}

	newID, err := e.state.NextLoanID()
	if err != nil {
		return 0, err
	}
	record := &loan.Data{
		LoanID:               newID,
		State:                loan.StateActive,
		Terms:                *sanitized,
		StartDate:            now,
		LastAccrualTimestamp: now,
		Balance:              new(big.Int).Set(sanitized.Principal),
		Fees:                 fees,
	}
	if err := e.notes.Mint(NoteBorrower, newID, borrower); err != nil {
		return 0, err
	}
	if err := e.notes.Mint(NoteLender, newID, newLender); err != nil {
		return 0, err
	}
	if err := e.state.PutLoan(record); err != nil {
		return 0, err
	}
	e.emit(newLoanRolledOverEvent(old, record, oldLender, newLender, nonNil(interestAmount)))
	return newID, nil
}

// BeginExternalSettlement marks the borrower as having an in-flight
// settlement that calls out to external value movers. A nested initiation for
// the same borrower is rejected until EndExternalSettlement runs.
func (e *Engine) BeginExternalSettlement(borrower common.Address) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	inFlight, err := e.state.InFlight(borrower)
	if err != nil {
		return err
	}
	if inFlight {
		return ErrSettlementInProgress
	}
	return e.state.SetInFlight(borrower, true)
}

// EndExternalSettlement clears the borrower's in-flight marker. It runs on
// every exit path of the initiating operation, including failures.
func (e *Engine) EndExternalSettlement(borrower common.Address) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	return e.state.SetInFlight(borrower, false)
}

// FeePoolBalance reports the accrued protocol fees for a currency.
func (e *Engine) FeePoolBalance(currency common.Address) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	pool, err := e.state.FeePool(currency)
	if err != nil {
		return nil, err
	}
	if pool == nil {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(pool), nil
}

// WithdrawProtocolFees transfers accrued protocol fees to the recipient.
// Administrative gating happens at the operation boundary.
func (e *Engine) WithdrawProtocolFees(currency, to common.Address, amount *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := guard.Check(e.pauses, moduleName); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	pool, err := e.state.FeePool(currency)
	if err != nil {
		return err
	}
	if pool == nil || pool.Cmp(amount) < 0 {
		return ErrFeePoolInsufficient
	}
	if err := e.funds.Transfer(currency, e.poolAddress, to, amount); err != nil {
		return err
	}
	return e.state.PutFeePool(currency, new(big.Int).Sub(pool, amount))
}

// CollectFee pulls a fee amount from the payer straight into the pool. Used
// by rollover engines for legs denominated in a currency the ledger
// settlement call does not touch.
func (e *Engine) CollectFee(currency, from common.Address, amount *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil
	}
	if err := e.funds.Transfer(currency, from, e.poolAddress, amount); err != nil {
		return err
	}
	return e.creditFeePool(currency, amount)
}

func nonNil(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}
