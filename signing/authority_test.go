package signing

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/arcadexyz/arcade-protocol-sub003/loan"
)

type mockAuthorityState struct {
	nonces    map[string]*NonceUsage
	approvals map[string]bool
}

func newMockAuthorityState() *mockAuthorityState {
	return &mockAuthorityState{
		nonces:    make(map[string]*NonceUsage),
		approvals: make(map[string]bool),
	}
}

func nonceKey(signer common.Address, nonce uint64) string {
	return fmt.Sprintf("%s/%d", signer.Hex(), nonce)
}

func approvalKey(owner, agent common.Address) string {
	return owner.Hex() + "/" + agent.Hex()
}

func (m *mockAuthorityState) NonceUsage(signer common.Address, nonce uint64) (*NonceUsage, error) {
	if usage, ok := m.nonces[nonceKey(signer, nonce)]; ok {
		clone := *usage
		return &clone, nil
	}
	return nil, nil
}

func (m *mockAuthorityState) PutNonceUsage(signer common.Address, usage *NonceUsage) error {
	clone := *usage
	m.nonces[nonceKey(signer, usage.Nonce)] = &clone
	return nil
}

func (m *mockAuthorityState) Approval(owner, agent common.Address) (bool, error) {
	return m.approvals[approvalKey(owner, agent)], nil
}

func (m *mockAuthorityState) PutApproval(owner, agent common.Address, approved bool) error {
	if approved {
		m.approvals[approvalKey(owner, agent)] = true
	} else {
		delete(m.approvals, approvalKey(owner, agent))
	}
	return nil
}

func newTestAuthority() (*Authority, *mockAuthorityState) {
	authority := NewAuthority()
	state := newMockAuthorityState()
	authority.SetState(state)
	return authority, state
}

func generateKey(t *testing.T) (*ecdsa.PrivateKey, common.Address) {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key, ethcrypto.PubkeyToAddress(key.PublicKey)
}

func signDigest(t *testing.T, key *ecdsa.PrivateKey, digest common.Hash) []byte {
	t.Helper()
	sig, err := ethcrypto.Sign(digest.Bytes(), key)
	if err != nil {
		t.Fatalf("sign digest: %v", err)
	}
	return sig
}

func testTerms() *loan.Terms {
	return &loan.Terms{
		InterestRate:      big.NewInt(1000),
		DurationSecs:      86_400,
		CollateralAddress: common.HexToAddress("0x02"),
		CollateralID:      big.NewInt(7),
		PayableCurrency:   common.HexToAddress("0x01"),
		Principal:         big.NewInt(1_000),
		Deadline:          2_000,
	}
}

func TestRecoverSigner(t *testing.T) {
	key, addr := generateKey(t)
	domain := DomainSeparator(1, common.HexToAddress("0xaa"))
	digest := TermsDigest(domain, testTerms(), loan.SignatureProperties{Nonce: 1, MaxUses: 1}, loan.SideLender, nil)

	sig := signDigest(t, key, digest)
	recovered, err := RecoverSigner(digest, sig)
	if err != nil {
		t.Fatalf("recover signer: %v", err)
	}
	if recovered != addr {
		t.Fatalf("unexpected signer: got %s want %s", recovered.Hex(), addr.Hex())
	}

	// Legacy 27/28 recovery identifiers are accepted too.
	legacy := append([]byte(nil), sig...)
	legacy[64] += 27
	recovered, err = RecoverSigner(digest, legacy)
	if err != nil {
		t.Fatalf("recover signer with legacy v: %v", err)
	}
	if recovered != addr {
		t.Fatalf("unexpected signer with legacy v: got %s want %s", recovered.Hex(), addr.Hex())
	}

	if _, err := RecoverSigner(digest, sig[:64]); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("short signature should be rejected, got %v", err)
	}
}

func TestTermsDigestBindsInputs(t *testing.T) {
	domain := DomainSeparator(1, common.HexToAddress("0xaa"))
	props := loan.SignatureProperties{Nonce: 1, MaxUses: 1}
	base := TermsDigest(domain, testTerms(), props, loan.SideLender, nil)

	altered := testTerms()
	altered.Principal = big.NewInt(1_001)
	if TermsDigest(domain, altered, props, loan.SideLender, nil) == base {
		t.Fatalf("principal change should alter digest")
	}
	if TermsDigest(domain, testTerms(), loan.SignatureProperties{Nonce: 2, MaxUses: 1}, loan.SideLender, nil) == base {
		t.Fatalf("nonce change should alter digest")
	}
	if TermsDigest(domain, testTerms(), props, loan.SideBorrower, nil) == base {
		t.Fatalf("side change should alter digest")
	}
	if TermsDigest(DomainSeparator(2, common.HexToAddress("0xaa")), testTerms(), props, loan.SideLender, nil) == base {
		t.Fatalf("chain id change should alter digest")
	}

	predicates := []loan.Predicate{{Verifier: common.HexToAddress("0x03"), Data: []byte{1, 2}}}
	if TermsDigest(domain, testTerms(), props, loan.SideLender, predicates) == base {
		t.Fatalf("predicate commitment should alter digest")
	}
}

func TestApproveAndRevoke(t *testing.T) {
	authority, _ := newTestAuthority()
	owner := common.HexToAddress("0x10")
	agent := common.HexToAddress("0x20")

	if err := authority.Approve(owner, owner); !errors.Is(err, ErrSelfApproval) {
		t.Fatalf("self approval should be rejected, got %v", err)
	}

	if err := authority.Approve(owner, agent); err != nil {
		t.Fatalf("approve: %v", err)
	}
	ok, err := authority.IsSelfOrApproved(owner, agent)
	if err != nil || !ok {
		t.Fatalf("expected agent to be approved: ok=%v err=%v", ok, err)
	}
	// The grant is directional.
	ok, err = authority.IsSelfOrApproved(agent, owner)
	if err != nil || ok {
		t.Fatalf("reverse direction should not be approved: ok=%v err=%v", ok, err)
	}

	if err := authority.Revoke(owner, agent); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	ok, err = authority.IsSelfOrApproved(owner, agent)
	if err != nil || ok {
		t.Fatalf("revoked agent should not be approved: ok=%v err=%v", ok, err)
	}
}

func TestSigningSide(t *testing.T) {
	authority, _ := newTestAuthority()
	borrower := common.HexToAddress("0x10")
	lender := common.HexToAddress("0x20")
	delegate := common.HexToAddress("0x30")

	side, err := authority.SigningSide(borrower, borrower, lender)
	if err != nil || side != loan.SideLender {
		t.Fatalf("borrower submission should require lender signature: side=%v err=%v", side, err)
	}
	side, err = authority.SigningSide(lender, borrower, lender)
	if err != nil || side != loan.SideBorrower {
		t.Fatalf("lender submission should require borrower signature: side=%v err=%v", side, err)
	}

	if _, err := authority.SigningSide(delegate, borrower, lender); !errors.Is(err, ErrCallerNotParticipant) {
		t.Fatalf("stranger submission should be rejected, got %v", err)
	}
	if err := authority.Approve(borrower, delegate); err != nil {
		t.Fatalf("approve delegate: %v", err)
	}
	side, err = authority.SigningSide(delegate, borrower, lender)
	if err != nil || side != loan.SideLender {
		t.Fatalf("delegate of borrower should require lender signature: side=%v err=%v", side, err)
	}
}

func TestValidateCounterparties(t *testing.T) {
	authority, _ := newTestAuthority()
	lenderKey, lender := generateKey(t)
	borrowerKey, borrower := generateKey(t)
	domain := DomainSeparator(1, common.HexToAddress("0xaa"))
	props := loan.SignatureProperties{Nonce: 1, MaxUses: 1}

	digest := TermsDigest(domain, testTerms(), props, loan.SideLender, nil)
	sig := signDigest(t, lenderKey, digest)

	signer, err := authority.ValidateCounterparties(borrower, borrower, lender, loan.SideLender, digest, sig)
	if err != nil {
		t.Fatalf("validate counterparties: %v", err)
	}
	if signer != lender {
		t.Fatalf("unexpected signer: got %s want %s", signer.Hex(), lender.Hex())
	}

	// The lender submitting their own signature would authorize both sides.
	if _, err := authority.ValidateCounterparties(lender, borrower, lender, loan.SideLender, digest, sig); !errors.Is(err, ErrApprovedOwnLoan) {
		t.Fatalf("lender self-submission should be rejected, got %v", err)
	}

	// A borrower signature on the lender side sits on the calling side.
	borrowerSig := signDigest(t, borrowerKey, digest)
	if _, err := authority.ValidateCounterparties(borrower, borrower, lender, loan.SideLender, digest, borrowerSig); !errors.Is(err, ErrSideMismatch) {
		t.Fatalf("calling-side signature should be rejected, got %v", err)
	}

	// A signature from an unrelated key is not authorized for the lender.
	strangerKey, _ := generateKey(t)
	strangerSig := signDigest(t, strangerKey, digest)
	if _, err := authority.ValidateCounterparties(borrower, borrower, lender, loan.SideLender, digest, strangerSig); !errors.Is(err, ErrUnauthorizedSigner) {
		t.Fatalf("stranger signature should be rejected, got %v", err)
	}
}

func TestValidateCounterpartiesDelegatedSigner(t *testing.T) {
	authority, _ := newTestAuthority()
	_, lender := generateKey(t)
	_, borrower := generateKey(t)
	delegateKey, delegate := generateKey(t)
	domain := DomainSeparator(1, common.HexToAddress("0xaa"))
	digest := TermsDigest(domain, testTerms(), loan.SignatureProperties{Nonce: 1, MaxUses: 1}, loan.SideLender, nil)
	sig := signDigest(t, delegateKey, digest)

	if _, err := authority.ValidateCounterparties(borrower, borrower, lender, loan.SideLender, digest, sig); !errors.Is(err, ErrUnauthorizedSigner) {
		t.Fatalf("unapproved delegate should be rejected, got %v", err)
	}

	if err := authority.Approve(lender, delegate); err != nil {
		t.Fatalf("approve delegate: %v", err)
	}
	signer, err := authority.ValidateCounterparties(borrower, borrower, lender, loan.SideLender, digest, sig)
	if err != nil {
		t.Fatalf("validate with approved delegate: %v", err)
	}
	if signer != delegate {
		t.Fatalf("unexpected signer: got %s want %s", signer.Hex(), delegate.Hex())
	}
}

type staticContractVerifier struct {
	target common.Address
	valid  bool
}

func (v *staticContractVerifier) IsValidSignature(target common.Address, _ common.Hash, _ []byte) (bool, error) {
	return v.valid && target == v.target, nil
}

func TestValidateCounterpartiesContractSigner(t *testing.T) {
	authority, _ := newTestAuthority()
	strangerKey, _ := generateKey(t)
	_, borrower := generateKey(t)
	contractLender := common.HexToAddress("0xc0")
	domain := DomainSeparator(1, common.HexToAddress("0xaa"))
	digest := TermsDigest(domain, testTerms(), loan.SignatureProperties{Nonce: 1, MaxUses: 1}, loan.SideLender, nil)
	sig := signDigest(t, strangerKey, digest)

	if _, err := authority.ValidateCounterparties(borrower, borrower, contractLender, loan.SideLender, digest, sig); !errors.Is(err, ErrUnauthorizedSigner) {
		t.Fatalf("unverified contract signature should be rejected, got %v", err)
	}

	authority.SetContractVerifier(&staticContractVerifier{target: contractLender, valid: true})
	if _, err := authority.ValidateCounterparties(borrower, borrower, contractLender, loan.SideLender, digest, sig); err != nil {
		t.Fatalf("contract-verified signature rejected: %v", err)
	}
}

func TestConsumeNonce(t *testing.T) {
	authority, _ := newTestAuthority()
	signer := common.HexToAddress("0x10")

	if err := authority.ConsumeNonce(signer, 1, 0); !errors.Is(err, ErrInvalidMaxUses) {
		t.Fatalf("zero max uses should be rejected, got %v", err)
	}

	if err := authority.ConsumeNonce(signer, 1, 2); err != nil {
		t.Fatalf("first consumption: %v", err)
	}
	// MaxUses is fixed on first use; a larger value later cannot raise it.
	if err := authority.ConsumeNonce(signer, 1, 10); err != nil {
		t.Fatalf("second consumption: %v", err)
	}
	if err := authority.ConsumeNonce(signer, 1, 10); !errors.Is(err, ErrNonceExhausted) {
		t.Fatalf("third consumption should exhaust, got %v", err)
	}

	usage, err := authority.NonceUsage(signer, 1)
	if err != nil {
		t.Fatalf("nonce usage: %v", err)
	}
	if usage == nil || usage.UseCount != 2 || usage.MaxUses != 2 {
		t.Fatalf("unexpected usage record: %+v", usage)
	}

	// A different nonce is independent.
	if err := authority.ConsumeNonce(signer, 2, 1); err != nil {
		t.Fatalf("independent nonce: %v", err)
	}
}

func TestCancelNonce(t *testing.T) {
	authority, _ := newTestAuthority()
	signer := common.HexToAddress("0x10")

	// Cancelling an unseen nonce pre-exhausts it.
	if err := authority.CancelNonce(signer, 7); err != nil {
		t.Fatalf("cancel nonce: %v", err)
	}
	if err := authority.ConsumeNonce(signer, 7, 5); !errors.Is(err, ErrNonceExhausted) {
		t.Fatalf("cancelled nonce should be exhausted, got %v", err)
	}

	if err := authority.ConsumeNonce(signer, 8, 5); err != nil {
		t.Fatalf("consume nonce: %v", err)
	}
	if err := authority.CancelNonce(signer, 8); err != nil {
		t.Fatalf("cancel partially used nonce: %v", err)
	}
	if err := authority.ConsumeNonce(signer, 8, 5); !errors.Is(err, ErrNonceExhausted) {
		t.Fatalf("cancelled nonce should stay exhausted, got %v", err)
	}

	usage, err := authority.NonceUsage(signer, 8)
	if err != nil || usage == nil {
		t.Fatalf("nonce usage: %+v err=%v", usage, err)
	}
	if !usage.Cancelled || usage.UseCount != 1 {
		t.Fatalf("unexpected usage record: %+v", usage)
	}
}
