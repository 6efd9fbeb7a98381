package signing

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrNonceExhausted = errors.New("signing: nonce exhausted")
	ErrInvalidMaxUses = errors.New("signing: max uses must be positive")
)

// NonceUsage tracks the consumption state of one (signer, nonce) pair. MaxUses
// is fixed on first consumption and a cancelled nonce stays exhausted forever.
type NonceUsage struct {
	Nonce     uint64
	UseCount  uint32
	MaxUses   uint32
	Cancelled bool
}

// Exhausted reports whether the nonce can authorize no further loans.
func (u *NonceUsage) Exhausted() bool {
	if u == nil {
		return false
	}
	return u.Cancelled || (u.MaxUses > 0 && u.UseCount >= u.MaxUses)
}

// ConsumeNonce records one use of the signer's nonce. On first use the
// supplied maxUses is fixed for the lifetime of the nonce; a later call can
// never raise it. The use counter is the sole arbiter under racing
// submissions: whichever operation commits first increments it, and any
// attempt past the cap fails deterministically.
func (a *Authority) ConsumeNonce(signer common.Address, nonce uint64, maxUses uint32) error {
	if a == nil || a.state == nil {
		return errNilState
	}
	if maxUses == 0 {
		return ErrInvalidMaxUses
	}
	usage, err := a.state.NonceUsage(signer, nonce)
	if err != nil {
		return err
	}
	if usage == nil {
		usage = &NonceUsage{Nonce: nonce, MaxUses: maxUses}
	}
	if usage.Exhausted() || usage.UseCount >= usage.MaxUses {
		return ErrNonceExhausted
	}
	usage.UseCount++
	return a.state.PutNonceUsage(signer, usage)
}

// CancelNonce permanently invalidates the signer's nonce, exhausting any
// outstanding signature bound to it. Only the signer can invalidate their own
// nonces; callers enforce that at the operation boundary.
func (a *Authority) CancelNonce(signer common.Address, nonce uint64) error {
	if a == nil || a.state == nil {
		return errNilState
	}
	usage, err := a.state.NonceUsage(signer, nonce)
	if err != nil {
		return err
	}
	if usage == nil {
		usage = &NonceUsage{Nonce: nonce}
	}
	usage.Cancelled = true
	return a.state.PutNonceUsage(signer, usage)
}

// NonceUsage returns the recorded usage for the pair, or nil when the nonce
// has never been seen.
func (a *Authority) NonceUsage(signer common.Address, nonce uint64) (*NonceUsage, error) {
	if a == nil || a.state == nil {
		return nil, errNilState
	}
	return a.state.NonceUsage(signer, nonce)
}
