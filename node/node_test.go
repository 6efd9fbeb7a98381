package node

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/arcadexyz/arcade-protocol-sub003/config"
	"github.com/arcadexyz/arcade-protocol-sub003/ledger"
	"github.com/arcadexyz/arcade-protocol-sub003/loan"
	"github.com/arcadexyz/arcade-protocol-sub003/origination"
	"github.com/arcadexyz/arcade-protocol-sub003/rollover"
	"github.com/arcadexyz/arcade-protocol-sub003/signing"
	"github.com/arcadexyz/arcade-protocol-sub003/state"
	"github.com/arcadexyz/arcade-protocol-sub003/storage"
)

var (
	admin      = common.HexToAddress("0x00000000000000000000000000000000000000ad")
	currencyA  = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	currencyB  = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	collateral = common.HexToAddress("0x00000000000000000000000000000000000000c1")
)

type testNode struct {
	node     *Node
	now      int64
	borrower common.Address
	lender   common.Address

	borrowerKey *ecdsa.PrivateKey
	lenderKey   *ecdsa.PrivateKey
}

func newTestNode(t *testing.T) *testNode {
	t.Helper()

	genesis := loan.NewPolicyStore(loan.FeeRates{
		BorrowerOriginationFeeBps: 100,
		LenderOriginationFeeBps:   200,
		BorrowerRolloverFeeBps:    50,
		LenderRolloverFeeBps:      50,
		LenderInterestFeeBps:      1_000,
		LenderPrincipalFeeBps:     100,
		LenderDefaultFeeBps:       200,
	})
	genesis.AllowCurrency(currencyA, big.NewInt(100))
	genesis.AllowCurrency(currencyB, big.NewInt(100))
	genesis.AllowCollateral(collateral)

	cfg := &config.Config{
		ChainID:         1,
		VaultAddress:    "0x0000000000000000000000000000000000000101",
		PoolAddress:     "0x0000000000000000000000000000000000000102",
		GracePeriodSecs: 600,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	n, err := New(cfg, storage.NewMemDB(), genesis, logger)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	n.SetAdmin(admin)

	tn := &testNode{node: n, now: 1_000}
	n.SetNowFunc(func() int64 { return tn.now })

	tn.borrowerKey, err = ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate borrower key: %v", err)
	}
	tn.lenderKey, err = ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate lender key: %v", err)
	}
	tn.borrower = ethcrypto.PubkeyToAddress(tn.borrowerKey.PublicKey)
	tn.lender = ethcrypto.PubkeyToAddress(tn.lenderKey.PublicKey)

	tn.fund(t, currencyA, tn.lender, 50_000)
	if err := n.RegisterCollateral(admin, collateral, big.NewInt(42), tn.borrower); err != nil {
		t.Fatalf("register collateral: %v", err)
	}
	return tn
}

func (tn *testNode) fund(t *testing.T, currency, addr common.Address, amount int64) {
	t.Helper()
	if err := tn.node.FundAccount(admin, currency, addr, big.NewInt(amount)); err != nil {
		t.Fatalf("fund account: %v", err)
	}
}

func (tn *testNode) balance(t *testing.T, currency, addr common.Address) *big.Int {
	t.Helper()
	bal, err := tn.node.Balance(currency, addr)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return bal
}

func (tn *testNode) collateralOwner(t *testing.T) common.Address {
	t.Helper()
	var owner common.Address
	err := tn.node.Store().View(func(txn *state.Txn) error {
		var err error
		owner, err = txn.Custody().OwnerOf(collateral, big.NewInt(42))
		return err
	})
	if err != nil {
		t.Fatalf("collateral owner: %v", err)
	}
	return owner
}

func (tn *testNode) terms() *loan.Terms {
	return &loan.Terms{
		InterestRate:      big.NewInt(1_000),
		DurationSecs:      10_000,
		CollateralAddress: collateral,
		CollateralID:      big.NewInt(42),
		PayableCurrency:   currencyA,
		Principal:         big.NewInt(10_000),
		Deadline:          100_000,
	}
}

func signTerms(t *testing.T, key *ecdsa.PrivateKey, terms *loan.Terms, props loan.SignatureProperties, side loan.Side, predicates []loan.Predicate) []byte {
	t.Helper()
	domain := signing.DomainSeparator(1, OriginationAccount)
	digest := signing.TermsDigest(domain, terms, props, side, predicates)
	sig, err := ethcrypto.Sign(digest.Bytes(), key)
	if err != nil {
		t.Fatalf("sign terms: %v", err)
	}
	return sig
}

func (tn *testNode) originate(t *testing.T, nonce uint64) uint64 {
	t.Helper()
	terms := tn.terms()
	props := loan.SignatureProperties{Nonce: nonce, MaxUses: 1}
	sig := signTerms(t, tn.lenderKey, terms, props, loan.SideLender, nil)
	id, err := tn.node.InitializeLoan(tn.borrower, tn.borrower, tn.lender, terms, sig, props, nil, nil)
	if err != nil {
		t.Fatalf("initialize loan: %v", err)
	}
	return id
}

func TestInitializeLoan(t *testing.T) {
	tn := newTestNode(t)
	id := tn.originate(t, 1)
	if id != 1 {
		t.Fatalf("unexpected loan id: %d", id)
	}

	d, err := tn.node.Loan(id)
	if err != nil {
		t.Fatalf("loan: %v", err)
	}
	if d.State != loan.StateActive || d.Balance.Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("unexpected loan record: state=%v balance=%s", d.State, d.Balance)
	}

	// Lender paid principal plus 2% fee, borrower received principal minus 1%.
	if got := tn.balance(t, currencyA, tn.lender); got.Cmp(big.NewInt(39_800)) != 0 {
		t.Fatalf("unexpected lender balance: %s", got)
	}
	if got := tn.balance(t, currencyA, tn.borrower); got.Cmp(big.NewInt(9_900)) != 0 {
		t.Fatalf("unexpected borrower balance: %s", got)
	}
	feePool, err := tn.node.FeePoolBalance(currencyA)
	if err != nil || feePool.Cmp(big.NewInt(300)) != 0 {
		t.Fatalf("unexpected fee pool: %s err=%v", feePool, err)
	}

	// Collateral moved into the vault.
	if owner := tn.collateralOwner(t); owner != tn.node.vault {
		t.Fatalf("collateral should be escrowed, owner %s", owner.Hex())
	}

	borrowerNote, err := tn.node.NoteOwner(ledger.NoteBorrower, id)
	if err != nil || borrowerNote != tn.borrower {
		t.Fatalf("unexpected borrower note holder: %s err=%v", borrowerNote.Hex(), err)
	}
	lenderNote, err := tn.node.NoteOwner(ledger.NoteLender, id)
	if err != nil || lenderNote != tn.lender {
		t.Fatalf("unexpected lender note holder: %s err=%v", lenderNote.Hex(), err)
	}
}

func TestNonceReplayRejected(t *testing.T) {
	tn := newTestNode(t)
	tn.originate(t, 1)

	// Return the collateral record to the borrower for a second attempt.
	if err := tn.node.RegisterCollateral(admin, collateral, big.NewInt(42), tn.borrower); err != nil {
		t.Fatalf("re-register collateral: %v", err)
	}

	terms := tn.terms()
	props := loan.SignatureProperties{Nonce: 1, MaxUses: 1}
	sig := signTerms(t, tn.lenderKey, terms, props, loan.SideLender, nil)
	if _, err := tn.node.InitializeLoan(tn.borrower, tn.borrower, tn.lender, terms, sig, props, nil, nil); !errors.Is(err, signing.ErrNonceExhausted) {
		t.Fatalf("replayed nonce should be rejected, got %v", err)
	}

	// The first loan is untouched.
	d, err := tn.node.Loan(1)
	if err != nil || d.State != loan.StateActive {
		t.Fatalf("first loan disturbed: %+v err=%v", d, err)
	}
	usage, err := tn.node.NonceUsage(tn.lender, 1)
	if err != nil || usage == nil || usage.UseCount != 1 {
		t.Fatalf("unexpected nonce usage: %+v err=%v", usage, err)
	}
}

func TestRepayLifecycle(t *testing.T) {
	tn := newTestNode(t)
	id := tn.originate(t, 1)
	tn.fund(t, currencyA, tn.borrower, 10_000)

	tn.now = 11_000
	interest, err := tn.node.OutstandingInterest(id)
	if err != nil || interest.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("unexpected outstanding interest: %s err=%v", interest, err)
	}

	if err := tn.node.Repay(tn.borrower, id, big.NewInt(11_000)); err != nil {
		t.Fatalf("repay: %v", err)
	}
	d, err := tn.node.Loan(id)
	if err != nil || d.State != loan.StateRepaid {
		t.Fatalf("loan should be repaid: %+v err=%v", d, err)
	}
	if owner := tn.collateralOwner(t); owner != tn.borrower {
		t.Fatalf("collateral should return to borrower, owner %s", owner.Hex())
	}
}

func TestClaimAfterNoteTransfer(t *testing.T) {
	tn := newTestNode(t)
	id := tn.originate(t, 1)

	buyer := common.HexToAddress("0x00000000000000000000000000000000000000e1")
	tn.fund(t, currencyA, buyer, 1_000)
	if err := tn.node.TransferNote(tn.lender, ledger.NoteLender, id, buyer); err != nil {
		t.Fatalf("transfer note: %v", err)
	}

	// Past term plus grace: only the current note holder can claim.
	tn.now = 11_601
	if err := tn.node.Claim(tn.lender, id); !errors.Is(err, ledger.ErrOnlyLender) {
		t.Fatalf("old holder claim should be rejected, got %v", err)
	}
	if err := tn.node.Claim(buyer, id); err != nil {
		t.Fatalf("claim: %v", err)
	}

	d, err := tn.node.Loan(id)
	if err != nil || d.State != loan.StateDefaulted {
		t.Fatalf("loan should be defaulted: %+v err=%v", d, err)
	}
	if owner := tn.collateralOwner(t); owner != buyer {
		t.Fatalf("collateral should go to note buyer, owner %s", owner.Hex())
	}
}

func TestForceRepayRedeemByNoteBuyer(t *testing.T) {
	tn := newTestNode(t)
	id := tn.originate(t, 1)
	tn.fund(t, currencyA, tn.borrower, 10_000)

	tn.now = 11_000
	if err := tn.node.ForceRepay(tn.borrower, id, big.NewInt(11_000)); err != nil {
		t.Fatalf("force repay: %v", err)
	}
	if owner := tn.collateralOwner(t); owner != tn.borrower {
		t.Fatalf("collateral should release on force repay, owner %s", owner.Hex())
	}

	// The surviving lender note changes hands; the buyer redeems the credit.
	buyer := common.HexToAddress("0x00000000000000000000000000000000000000e1")
	if err := tn.node.TransferNote(tn.lender, ledger.NoteLender, id, buyer); err != nil {
		t.Fatalf("transfer note: %v", err)
	}
	redeemed, err := tn.node.RedeemNote(buyer, id, common.Address{})
	if err != nil {
		t.Fatalf("redeem note: %v", err)
	}
	if redeemed.Cmp(big.NewInt(10_800)) != 0 {
		t.Fatalf("unexpected redeemed amount: %s", redeemed)
	}
	if got := tn.balance(t, currencyA, buyer); got.Cmp(big.NewInt(10_800)) != 0 {
		t.Fatalf("unexpected buyer balance: %s", got)
	}
}

func TestPredicateFailureRollsBackOrigination(t *testing.T) {
	tn := newTestNode(t)
	verifierAddr := common.HexToAddress("0x00000000000000000000000000000000000000f1")
	if err := tn.node.RegisterPolicyVerifier(admin, verifierAddr); err != nil {
		t.Fatalf("register policy verifier: %v", err)
	}
	tn.node.RegisterVerifier(verifierAddr, staticVerifier{ok: false})

	terms := tn.terms()
	props := loan.SignatureProperties{Nonce: 1, MaxUses: 1}
	predicates := []loan.Predicate{{Verifier: verifierAddr, Data: []byte("asset-99")}}
	sig := signTerms(t, tn.lenderKey, terms, props, loan.SideLender, predicates)

	lenderBefore := tn.balance(t, currencyA, tn.lender)
	_, err := tn.node.InitializeLoan(tn.borrower, tn.borrower, tn.lender, terms, sig, props, predicates, nil)
	if !errors.Is(err, origination.ErrPredicateFailed) {
		t.Fatalf("failing predicate should reject origination, got %v", err)
	}

	// The transaction was discarded in full, so no partial state survives,
	// and the nonce stays unused.
	if _, err := tn.node.Loan(1); !errors.Is(err, ledger.ErrLoanNotFound) {
		t.Fatalf("no loan should exist, got %v", err)
	}
	if got := tn.balance(t, currencyA, tn.lender); got.Cmp(lenderBefore) != 0 {
		t.Fatalf("lender balance should be untouched: %s", got)
	}
	if got := tn.balance(t, currencyA, tn.borrower); got.Sign() != 0 {
		t.Fatalf("borrower balance should be untouched: %s", got)
	}
	if owner := tn.collateralOwner(t); owner != tn.borrower {
		t.Fatalf("collateral should stay with borrower, owner %s", owner.Hex())
	}
	usage, err := tn.node.NonceUsage(tn.lender, 1)
	if err != nil || usage != nil {
		t.Fatalf("nonce should stay unused: %+v err=%v", usage, err)
	}
}

type staticVerifier struct {
	ok bool
}

func (v staticVerifier) VerifyPredicates(_, _, _ common.Address, _ *big.Int, _ []byte) (bool, error) {
	return v.ok, nil
}

// purchaseHook is a state-aware pre-collateralization hook. It records what
// the ledger looked like when it ran, then spends the loan proceeds to buy
// the pledged asset from the seller so escrow can pick it up.
type purchaseHook struct {
	txn    *state.Txn
	seller common.Address
	price  *big.Int
	reject bool

	called         bool
	borrowerFunded *big.Int
	assetOwner     common.Address
}

func (h *purchaseHook) OnLoanFunded(caller, _ common.Address, terms *loan.Terms, _ *big.Int, _ []byte) error {
	h.called = true
	bal, err := h.txn.Funds().Balance(terms.PayableCurrency, caller)
	if err != nil {
		return err
	}
	h.borrowerFunded = bal
	owner, err := h.txn.Custody().OwnerOf(terms.CollateralAddress, terms.CollateralID)
	if err != nil {
		return err
	}
	h.assetOwner = owner
	if h.reject {
		return errors.New("seller walked away")
	}
	if err := h.txn.Funds().Transfer(terms.PayableCurrency, caller, h.seller, h.price); err != nil {
		return err
	}
	return h.txn.Custody().Transfer(terms.CollateralAddress, terms.CollateralID, h.seller, caller)
}

func (tn *testNode) registerPurchaseHook(t *testing.T, seller common.Address, reject bool) *purchaseHook {
	t.Helper()
	if err := tn.node.RegisterCollateral(admin, collateral, big.NewInt(42), seller); err != nil {
		t.Fatalf("register collateral: %v", err)
	}
	hook := &purchaseHook{seller: seller, price: big.NewInt(9_000), reject: reject}
	tn.node.RegisterCallbackFactory(tn.borrower, func(txn *state.Txn) origination.BorrowerCallback {
		hook.txn = txn
		return hook
	})
	return hook
}

func TestBorrowerCallbackRunsBetweenFundingAndEscrow(t *testing.T) {
	tn := newTestNode(t)
	seller := common.HexToAddress("0x00000000000000000000000000000000000000d1")
	hook := tn.registerPurchaseHook(t, seller, false)

	terms := tn.terms()
	props := loan.SignatureProperties{Nonce: 1, MaxUses: 1}
	sig := signTerms(t, tn.lenderKey, terms, props, loan.SideLender, nil)
	id, err := tn.node.InitializeLoan(tn.borrower, tn.borrower, tn.lender, terms, sig, props, nil, []byte("purchase"))
	if err != nil {
		t.Fatalf("initialize loan: %v", err)
	}

	if !hook.called {
		t.Fatal("callback never ran")
	}
	// At callback time the borrower held the net proceeds and the asset was
	// still with the seller, not yet in escrow.
	if hook.borrowerFunded == nil || hook.borrowerFunded.Cmp(big.NewInt(9_900)) != 0 {
		t.Fatalf("unexpected funded balance at callback time: %s", hook.borrowerFunded)
	}
	if hook.assetOwner != seller {
		t.Fatalf("asset should still be with the seller at callback time, owner %s", hook.assetOwner.Hex())
	}

	// After commit the purchase stuck and the bought asset is escrowed.
	if got := tn.balance(t, currencyA, tn.borrower); got.Cmp(big.NewInt(900)) != 0 {
		t.Fatalf("unexpected borrower balance: %s", got)
	}
	if got := tn.balance(t, currencyA, seller); got.Cmp(big.NewInt(9_000)) != 0 {
		t.Fatalf("unexpected seller balance: %s", got)
	}
	if owner := tn.collateralOwner(t); owner != tn.node.vault {
		t.Fatalf("collateral should be escrowed, owner %s", owner.Hex())
	}
	d, err := tn.node.Loan(id)
	if err != nil || d.State != loan.StateActive {
		t.Fatalf("loan should be active: %+v err=%v", d, err)
	}
}

func TestBorrowerCallbackRejectionUnwindsOrigination(t *testing.T) {
	tn := newTestNode(t)
	seller := common.HexToAddress("0x00000000000000000000000000000000000000d1")
	hook := tn.registerPurchaseHook(t, seller, true)

	terms := tn.terms()
	props := loan.SignatureProperties{Nonce: 1, MaxUses: 1}
	sig := signTerms(t, tn.lenderKey, terms, props, loan.SideLender, nil)
	if _, err := tn.node.InitializeLoan(tn.borrower, tn.borrower, tn.lender, terms, sig, props, nil, []byte("purchase")); !errors.Is(err, origination.ErrCallbackRejected) {
		t.Fatalf("rejecting callback should fail origination, got %v", err)
	}

	// The hook ran after funding, and the whole transaction was discarded.
	if !hook.called {
		t.Fatal("callback never ran")
	}
	if hook.borrowerFunded == nil || hook.borrowerFunded.Cmp(big.NewInt(9_900)) != 0 {
		t.Fatalf("unexpected funded balance at callback time: %s", hook.borrowerFunded)
	}
	if _, err := tn.node.Loan(1); !errors.Is(err, ledger.ErrLoanNotFound) {
		t.Fatalf("no loan should exist, got %v", err)
	}
	if got := tn.balance(t, currencyA, tn.lender); got.Cmp(big.NewInt(50_000)) != 0 {
		t.Fatalf("lender balance should be restored: %s", got)
	}
	if got := tn.balance(t, currencyA, tn.borrower); got.Sign() != 0 {
		t.Fatalf("borrower balance should be restored: %s", got)
	}
	if owner := tn.collateralOwner(t); owner != seller {
		t.Fatalf("asset should stay with the seller, owner %s", owner.Hex())
	}
	usage, err := tn.node.NonceUsage(tn.lender, 1)
	if err != nil || usage != nil {
		t.Fatalf("nonce should stay unused: %+v err=%v", usage, err)
	}
}

func TestCallbackDataWithoutHookRejected(t *testing.T) {
	tn := newTestNode(t)
	terms := tn.terms()
	props := loan.SignatureProperties{Nonce: 1, MaxUses: 1}
	sig := signTerms(t, tn.lenderKey, terms, props, loan.SideLender, nil)
	if _, err := tn.node.InitializeLoan(tn.borrower, tn.borrower, tn.lender, terms, sig, props, nil, []byte("purchase")); !errors.Is(err, origination.ErrUnknownCallback) {
		t.Fatalf("callback data without a registered hook should be rejected, got %v", err)
	}
}

func TestRolloverLoan(t *testing.T) {
	tn := newTestNode(t)
	oldID := tn.originate(t, 1)

	newLenderKey, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	newLender := ethcrypto.PubkeyToAddress(newLenderKey.PublicKey)
	tn.fund(t, currencyA, newLender, 20_000)

	// Rollover half way through the term: 500 interest accrued.
	tn.now = 6_000
	newTerms := tn.terms()
	newTerms.Principal = big.NewInt(12_000)
	props := loan.SignatureProperties{Nonce: 7, MaxUses: 1}
	sig := signTerms(t, newLenderKey, newTerms, props, loan.SideLender, nil)

	newID, err := tn.node.RolloverLoan(tn.borrower, oldID, newLender, newTerms, sig, props, nil)
	if err != nil {
		t.Fatalf("rollover loan: %v", err)
	}
	if newID != 2 {
		t.Fatalf("unexpected new loan id: %d", newID)
	}

	old, err := tn.node.Loan(oldID)
	if err != nil || old.State != loan.StateRepaid {
		t.Fatalf("old loan should close: %+v err=%v", old, err)
	}
	next, err := tn.node.Loan(newID)
	if err != nil || next.State != loan.StateActive || next.Balance.Cmp(big.NewInt(12_000)) != 0 {
		t.Fatalf("unexpected new loan: %+v err=%v", next, err)
	}
	if next.StartDate != 6_000 {
		t.Fatalf("new loan should start at rollover time, got %d", next.StartDate)
	}

	// Collateral never left the vault.
	if owner := tn.collateralOwner(t); owner != tn.node.vault {
		t.Fatalf("collateral should stay escrowed, owner %s", owner.Hex())
	}

	// Payoff 10_500; old lender receives it in full.
	if got := tn.balance(t, currencyA, tn.lender); got.Cmp(big.NewInt(50_300)) != 0 {
		t.Fatalf("unexpected old lender balance: %s", got)
	}
	lenderNote, err := tn.node.NoteOwner(ledger.NoteLender, newID)
	if err != nil || lenderNote != newLender {
		t.Fatalf("unexpected new lender note holder: %s err=%v", lenderNote.Hex(), err)
	}
}

type mockExchange struct {
	txn  *state.Txn
	sink common.Address
}

func (x *mockExchange) SwapExactInput(tokenIn, tokenOut common.Address, amountIn, _ *big.Int, from, to common.Address) (*big.Int, error) {
	if err := x.txn.Funds().Transfer(tokenIn, from, x.sink, amountIn); err != nil {
		return nil, err
	}
	// 1:1 test rate.
	if err := x.txn.Funds().Credit(tokenOut, to, amountIn); err != nil {
		return nil, err
	}
	return new(big.Int).Set(amountIn), nil
}

func TestRolloverCrossCurrency(t *testing.T) {
	tn := newTestNode(t)
	oldID := tn.originate(t, 1)

	sink := common.HexToAddress("0x00000000000000000000000000000000000000d1")
	tn.node.SetExchangeFactory(func(txn *state.Txn) rollover.Exchange {
		return &mockExchange{txn: txn, sink: sink}
	})

	newLenderKey, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	newLender := ethcrypto.PubkeyToAddress(newLenderKey.PublicKey)
	tn.fund(t, currencyB, newLender, 20_000)

	tn.now = 6_000
	newTerms := tn.terms()
	newTerms.PayableCurrency = currencyB
	newTerms.Principal = big.NewInt(12_000)
	props := loan.SignatureProperties{Nonce: 7, MaxUses: 1}
	sig := signTerms(t, newLenderKey, newTerms, props, loan.SideLender, nil)

	newID, err := tn.node.RolloverCrossCurrency(
		tn.borrower, oldID, newLender, newTerms, sig, props, nil,
		rollover.SwapParams{AmountIn: big.NewInt(11_000), MinAmountOut: big.NewInt(11_000)},
	)
	if err != nil {
		t.Fatalf("cross-currency rollover: %v", err)
	}

	next, err := tn.node.Loan(newID)
	if err != nil || next.Terms.PayableCurrency != currencyB {
		t.Fatalf("new loan should be in the new currency: %+v err=%v", next, err)
	}

	// New lender funded principal plus fee in the new currency.
	if got := tn.balance(t, currencyB, newLender); got.Cmp(big.NewInt(7_940)) != 0 {
		t.Fatalf("unexpected new lender balance: %s", got)
	}
	// Payoff 10_500 out of the 11_000 swap output: old lender receives the
	// payoff less the interest fee, borrower keeps the surplus plus the
	// unswapped principal remainder.
	if got := tn.balance(t, currencyA, tn.lender); got.Cmp(big.NewInt(50_250)) != 0 {
		t.Fatalf("unexpected old lender balance: %s", got)
	}
	if got := tn.balance(t, currencyA, tn.borrower); got.Cmp(big.NewInt(10_400)) != 0 {
		t.Fatalf("unexpected borrower surplus: %s", got)
	}
	if got := tn.balance(t, currencyB, tn.borrower); got.Cmp(big.NewInt(940)) != 0 {
		t.Fatalf("unexpected borrower remainder: %s", got)
	}
}

func TestRolloverCrossCurrencySlippageUnwinds(t *testing.T) {
	tn := newTestNode(t)
	oldID := tn.originate(t, 1)

	sink := common.HexToAddress("0x00000000000000000000000000000000000000d1")
	tn.node.SetExchangeFactory(func(txn *state.Txn) rollover.Exchange {
		return &mockExchange{txn: txn, sink: sink}
	})

	newLenderKey, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	newLender := ethcrypto.PubkeyToAddress(newLenderKey.PublicKey)
	tn.fund(t, currencyB, newLender, 20_000)

	tn.now = 6_000
	newTerms := tn.terms()
	newTerms.PayableCurrency = currencyB
	newTerms.Principal = big.NewInt(12_000)
	props := loan.SignatureProperties{Nonce: 7, MaxUses: 1}
	sig := signTerms(t, newLenderKey, newTerms, props, loan.SideLender, nil)

	// The 1:1 exchange cannot beat its own input.
	_, err = tn.node.RolloverCrossCurrency(
		tn.borrower, oldID, newLender, newTerms, sig, props, nil,
		rollover.SwapParams{AmountIn: big.NewInt(11_000), MinAmountOut: big.NewInt(11_001)},
	)
	if !errors.Is(err, rollover.ErrExchangeShortfall) {
		t.Fatalf("slippage should fail the rollover, got %v", err)
	}

	// Everything unwound: the old loan is still active and no funds moved,
	// including the transfers the exchange performed before the check.
	old, err := tn.node.Loan(oldID)
	if err != nil || old.State != loan.StateActive {
		t.Fatalf("old loan should stay active: %+v err=%v", old, err)
	}
	if got := tn.balance(t, currencyB, newLender); got.Cmp(big.NewInt(20_000)) != 0 {
		t.Fatalf("new lender funds should be returned: %s", got)
	}
	if got := tn.balance(t, currencyB, sink); got.Sign() != 0 {
		t.Fatalf("exchange sink should hold nothing: %s", got)
	}
	usage, err := tn.node.NonceUsage(newLender, 7)
	if err != nil || usage != nil {
		t.Fatalf("nonce should stay unused: %+v err=%v", usage, err)
	}
}

type mockLegacy struct {
	txn      *state.Txn
	loans    map[uint64]*rollover.LegacyLoan
	escrow   common.Address
	token    common.Address
	tokenIDs map[uint64]*big.Int
}

func (m *mockLegacy) LegacyLoan(id uint64) (*rollover.LegacyLoan, error) {
	if l, ok := m.loans[id]; ok {
		clone := *l
		return &clone, nil
	}
	return nil, nil
}

func (m *mockLegacy) Settle(id uint64, payoff *big.Int, payer common.Address) error {
	l, ok := m.loans[id]
	if !ok || !l.Active {
		return fmt.Errorf("legacy loan %d not active", id)
	}
	if err := m.txn.Funds().Transfer(l.Currency, payer, l.Lender, payoff); err != nil {
		return err
	}
	l.Active = false
	return nil
}

func (m *mockLegacy) ReleaseCollateral(id uint64, to common.Address) error {
	return m.txn.Custody().Transfer(m.token, m.tokenIDs[id], m.escrow, to)
}

func TestMigrateLoan(t *testing.T) {
	tn := newTestNode(t)

	legacyEscrow := common.HexToAddress("0x00000000000000000000000000000000000000d2")
	legacyLenderAddr := common.HexToAddress("0x00000000000000000000000000000000000000d3")
	legacyID := big.NewInt(77)
	if err := tn.node.RegisterCollateral(admin, collateral, legacyID, legacyEscrow); err != nil {
		t.Fatalf("register legacy collateral: %v", err)
	}

	rateWad, _ := new(big.Int).SetString("100000000000000000", 10)
	legacyLoans := map[uint64]*rollover.LegacyLoan{
		9: {
			LoanID:            9,
			Borrower:          tn.borrower,
			Lender:            legacyLenderAddr,
			Currency:          currencyA,
			CollateralAddress: collateral,
			CollateralID:      legacyID,
			Principal:         big.NewInt(5_000),
			InterestRateWad:   rateWad,
			StartDate:         500,
			DurationSecs:      10_000,
			Active:            true,
		},
	}
	tn.node.SetLegacySourceFactory(func(txn *state.Txn) rollover.LegacySource {
		return &mockLegacy{
			txn:      txn,
			loans:    legacyLoans,
			escrow:   legacyEscrow,
			token:    collateral,
			tokenIDs: map[uint64]*big.Int{9: legacyID},
		}
	})

	newLenderKey, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	newLender := ethcrypto.PubkeyToAddress(newLenderKey.PublicKey)
	tn.fund(t, currencyA, newLender, 10_000)

	terms := tn.terms()
	terms.Principal = big.NewInt(6_000)
	terms.CollateralID = legacyID
	props := loan.SignatureProperties{Nonce: 3, MaxUses: 1}
	sig := signTerms(t, newLenderKey, terms, props, loan.SideLender, nil)

	newID, err := tn.node.MigrateLoan(tn.borrower, 9, newLender, terms, sig, props)
	if err != nil {
		t.Fatalf("migrate loan: %v", err)
	}

	d, err := tn.node.Loan(newID)
	if err != nil || d.State != loan.StateActive || d.Balance.Cmp(big.NewInt(6_000)) != 0 {
		t.Fatalf("unexpected migrated loan: %+v err=%v", d, err)
	}

	// Legacy payoff 5_500 reached the legacy lender. The borrower keeps the
	// refreshed principal beyond the payoff, less the borrower fee.
	if got := tn.balance(t, currencyA, legacyLenderAddr); got.Cmp(big.NewInt(5_500)) != 0 {
		t.Fatalf("unexpected legacy lender payoff: %s", got)
	}
	if got := tn.balance(t, currencyA, tn.borrower); got.Cmp(big.NewInt(470)) != 0 {
		t.Fatalf("unexpected borrower leftover: %s", got)
	}
	var owner common.Address
	err = tn.node.Store().View(func(txn *state.Txn) error {
		var err error
		owner, err = txn.Custody().OwnerOf(collateral, legacyID)
		return err
	})
	if err != nil || owner != tn.node.vault {
		t.Fatalf("collateral should sit in the vault, owner %s err=%v", owner.Hex(), err)
	}
	if legacyLoans[9].Active {
		t.Fatalf("legacy loan should be settled")
	}
}

func TestCancelNonceBlocksOrigination(t *testing.T) {
	tn := newTestNode(t)
	if err := tn.node.CancelNonce(tn.lender, 1); err != nil {
		t.Fatalf("cancel nonce: %v", err)
	}

	terms := tn.terms()
	props := loan.SignatureProperties{Nonce: 1, MaxUses: 1}
	sig := signTerms(t, tn.lenderKey, terms, props, loan.SideLender, nil)
	if _, err := tn.node.InitializeLoan(tn.borrower, tn.borrower, tn.lender, terms, sig, props, nil, nil); !errors.Is(err, signing.ErrNonceExhausted) {
		t.Fatalf("cancelled nonce should block origination, got %v", err)
	}
}

func TestDelegatedSubmission(t *testing.T) {
	tn := newTestNode(t)
	delegate := common.HexToAddress("0x00000000000000000000000000000000000000e2")
	if err := tn.node.Approve(tn.borrower, delegate); err != nil {
		t.Fatalf("approve delegate: %v", err)
	}

	terms := tn.terms()
	props := loan.SignatureProperties{Nonce: 1, MaxUses: 1}
	sig := signTerms(t, tn.lenderKey, terms, props, loan.SideLender, nil)
	id, err := tn.node.InitializeLoan(delegate, tn.borrower, tn.lender, terms, sig, props, nil, nil)
	if err != nil {
		t.Fatalf("delegated origination: %v", err)
	}
	borrowerNote, err := tn.node.NoteOwner(ledger.NoteBorrower, id)
	if err != nil || borrowerNote != tn.borrower {
		t.Fatalf("note should go to the borrower, holder %s err=%v", borrowerNote.Hex(), err)
	}

	// After revocation the delegate is a stranger again.
	if err := tn.node.RevokeApproval(tn.borrower, delegate); err != nil {
		t.Fatalf("revoke approval: %v", err)
	}
	props = loan.SignatureProperties{Nonce: 2, MaxUses: 1}
	sig = signTerms(t, tn.lenderKey, terms, props, loan.SideLender, nil)
	if _, err := tn.node.InitializeLoan(delegate, tn.borrower, tn.lender, terms, sig, props, nil, nil); !errors.Is(err, signing.ErrCallerNotParticipant) {
		t.Fatalf("revoked delegate should be rejected, got %v", err)
	}
}

func TestAdminGating(t *testing.T) {
	tn := newTestNode(t)
	stranger := common.HexToAddress("0x00000000000000000000000000000000000000e3")

	if err := tn.node.FundAccount(stranger, currencyA, stranger, big.NewInt(1)); !errors.Is(err, ErrNotAdmin) {
		t.Fatalf("non-admin funding should be rejected, got %v", err)
	}
	if err := tn.node.PauseModule(stranger, "ledger"); !errors.Is(err, ErrNotAdmin) {
		t.Fatalf("non-admin pause should be rejected, got %v", err)
	}

	if err := tn.node.PauseModule(admin, "origination"); err != nil {
		t.Fatalf("pause module: %v", err)
	}
	terms := tn.terms()
	props := loan.SignatureProperties{Nonce: 1, MaxUses: 1}
	sig := signTerms(t, tn.lenderKey, terms, props, loan.SideLender, nil)
	if _, err := tn.node.InitializeLoan(tn.borrower, tn.borrower, tn.lender, terms, sig, props, nil, nil); err == nil {
		t.Fatalf("paused origination should reject loans")
	}
	if err := tn.node.ResumeModule(admin, "origination"); err != nil {
		t.Fatalf("resume module: %v", err)
	}
	if id := tn.originate(t, 1); id != 1 {
		t.Fatalf("origination should succeed after resume, got id %d", id)
	}
}

func TestWithdrawProtocolFeesAdmin(t *testing.T) {
	tn := newTestNode(t)
	tn.originate(t, 1)

	// 300 in origination fees accrued.
	recipient := common.HexToAddress("0x00000000000000000000000000000000000000e4")
	if err := tn.node.WithdrawProtocolFees(admin, currencyA, recipient, big.NewInt(250)); err != nil {
		t.Fatalf("withdraw protocol fees: %v", err)
	}
	if got := tn.balance(t, currencyA, recipient); got.Cmp(big.NewInt(250)) != 0 {
		t.Fatalf("unexpected recipient balance: %s", got)
	}
	feePool, err := tn.node.FeePoolBalance(currencyA)
	if err != nil || feePool.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("unexpected fee pool: %s err=%v", feePool, err)
	}
}

func TestPolicyPersistsAcrossRestart(t *testing.T) {
	db := storage.NewMemDB()
	genesis := loan.NewPolicyStore(loan.FeeRates{LenderInterestFeeBps: 1_000})
	genesis.AllowCurrency(currencyA, big.NewInt(100))
	genesis.AllowCollateral(collateral)

	cfg := &config.Config{
		ChainID:         1,
		VaultAddress:    "0x0000000000000000000000000000000000000101",
		PoolAddress:     "0x0000000000000000000000000000000000000102",
		GracePeriodSecs: 600,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	n, err := New(cfg, db, genesis, logger)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	n.SetAdmin(admin)
	if err := n.AllowCurrency(admin, currencyB, big.NewInt(500)); err != nil {
		t.Fatalf("allow currency: %v", err)
	}
	if err := n.SetFeeRates(admin, loan.FeeRates{LenderInterestFeeBps: 2_000}); err != nil {
		t.Fatalf("set fee rates: %v", err)
	}

	// A rebuilt node over the same database sees the mutated policy, not the
	// genesis document.
	restarted, err := New(cfg, db, genesis, logger)
	if err != nil {
		t.Fatalf("restart node: %v", err)
	}
	if _, ok := restarted.policy.CurrencyAllowed(currencyB); !ok {
		t.Fatalf("restarted node should keep the added currency")
	}
	if restarted.FeeRates().LenderInterestFeeBps != 2_000 {
		t.Fatalf("restarted node should keep the updated fee schedule: %+v", restarted.FeeRates())
	}
}
