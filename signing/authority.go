package signing

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/arcadexyz/arcade-protocol-sub003/loan"
)

var (
	ErrInvalidSignature     = errors.New("signing: invalid signature")
	ErrSelfApproval         = errors.New("signing: cannot approve own address")
	ErrApprovedOwnLoan      = errors.New("signing: caller cannot authorize both sides")
	ErrSideMismatch         = errors.New("signing: signer is on the calling side")
	ErrUnauthorizedSigner   = errors.New("signing: signer not authorized for counterparty")
	ErrCallerNotParticipant = errors.New("signing: caller is not a loan participant")

	errNilState = errors.New("signing: state not configured")
)

// authorityState is the persistence surface the authority needs: nonce usage
// per (signer, nonce) pair and the delegated-approval registry.
type authorityState interface {
	NonceUsage(signer common.Address, nonce uint64) (*NonceUsage, error)
	PutNonceUsage(signer common.Address, usage *NonceUsage) error
	Approval(owner, agent common.Address) (bool, error)
	PutApproval(owner, agent common.Address, approved bool) error
}

// ContractVerifier checks signatures on behalf of smart-wallet counterparties
// that cannot produce a plain secp256k1 signature (multisigs and the like).
// It is consulted only after the plain-address check has failed.
type ContractVerifier interface {
	IsValidSignature(target common.Address, digest common.Hash, sig []byte) (bool, error)
}

// Authority validates structured-data signatures and arbitrates nonce use.
type Authority struct {
	state    authorityState
	contract ContractVerifier
}

// NewAuthority constructs an authority over the supplied state backend.
func NewAuthority() *Authority {
	return &Authority{}
}

// SetState wires the authority to the external persistence layer.
func (a *Authority) SetState(state authorityState) { a.state = state }

// SetContractVerifier configures the optional smart-contract signature path.
func (a *Authority) SetContractVerifier(v ContractVerifier) { a.contract = v }

// RecoverSigner recovers the signing address from a 65-byte [R ‖ S ‖ V]
// signature over the digest. Both the raw 0/1 and the legacy 27/28 recovery
// identifiers are accepted.
func RecoverSigner(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, ErrInvalidSignature
	}
	normalized := append([]byte(nil), sig...)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	pubKey, err := ethcrypto.SigToPub(digest.Bytes(), normalized)
	if err != nil {
		return common.Address{}, ErrInvalidSignature
	}
	return ethcrypto.PubkeyToAddress(*pubKey), nil
}

// Approve grants the agent the right to act for the owner. Self-approval is
// rejected; every other (owner, agent) pair is a simple boolean toggled only
// by the owner through this call.
func (a *Authority) Approve(owner, agent common.Address) error {
	if a == nil || a.state == nil {
		return errNilState
	}
	if owner == agent {
		return ErrSelfApproval
	}
	return a.state.PutApproval(owner, agent, true)
}

// Revoke withdraws a previously granted approval.
func (a *Authority) Revoke(owner, agent common.Address) error {
	if a == nil || a.state == nil {
		return errNilState
	}
	return a.state.PutApproval(owner, agent, false)
}

// IsSelfOrApproved reports whether agent is the target itself or holds a
// delegated approval from the target.
func (a *Authority) IsSelfOrApproved(target, agent common.Address) (bool, error) {
	if a == nil || a.state == nil {
		return false, errNilState
	}
	if target == agent {
		return true, nil
	}
	return a.state.Approval(target, agent)
}

// IsApprovedForContract reports whether the signature is valid for the target
// through the contract-signature callback. Absent a configured verifier the
// answer is always false.
func (a *Authority) IsApprovedForContract(target common.Address, digest common.Hash, sig []byte) (bool, error) {
	if a == nil || a.contract == nil {
		return false, nil
	}
	return a.contract.IsValidSignature(target, digest, sig)
}

// SigningSide determines which counterparty must have produced the signature
// for a submission by caller: if the caller is (or acts for) the borrower the
// lender must sign, and vice versa. The returned side is the required signing
// side.
func (a *Authority) SigningSide(caller, borrower, lender common.Address) (loan.Side, error) {
	callerIsBorrower, err := a.IsSelfOrApproved(borrower, caller)
	if err != nil {
		return 0, err
	}
	if callerIsBorrower {
		return loan.SideLender, nil
	}
	callerIsLender, err := a.IsSelfOrApproved(lender, caller)
	if err != nil {
		return 0, err
	}
	if callerIsLender {
		return loan.SideBorrower, nil
	}
	return 0, ErrCallerNotParticipant
}

// ValidateCounterparties enforces the bidirectional trust cross-check for a
// submission by caller in which side is the required signing side: the
// recovered signer must be (or act for) the counterparty on that side, must
// not be the caller, and must not sit on the calling side. The caller acting
// for the signing counterparty is likewise rejected, so a loan can only start
// when two independent identities, one per side, have agreed. The
// contract-signature path is consulted only when the plain address check
// fails.
func (a *Authority) ValidateCounterparties(caller, borrower, lender common.Address, side loan.Side, digest common.Hash, sig []byte) (common.Address, error) {
	signingParty, callingParty := lender, borrower
	if side == loan.SideBorrower {
		signingParty, callingParty = borrower, lender
	}
	signer, err := RecoverSigner(digest, sig)
	if err != nil {
		return common.Address{}, err
	}
	if signer == caller {
		return common.Address{}, ErrApprovedOwnLoan
	}
	if signingParty == caller {
		return common.Address{}, ErrApprovedOwnLoan
	}
	if signer == callingParty {
		return common.Address{}, ErrSideMismatch
	}
	ok, err := a.IsSelfOrApproved(signingParty, signer)
	if err != nil {
		return common.Address{}, err
	}
	if !ok {
		ok, err = a.IsApprovedForContract(signingParty, digest, sig)
		if err != nil {
			return common.Address{}, err
		}
	}
	if !ok {
		return common.Address{}, ErrUnauthorizedSigner
	}
	return signer, nil
}
