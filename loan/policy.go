package loan

import (
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrCurrencyNotAllowed   = errors.New("loan policy: payable currency not allow-listed")
	ErrCollateralNotAllowed = errors.New("loan policy: collateral not allow-listed")
	ErrInvalidDuration      = errors.New("loan policy: duration out of bounds")
	ErrInvalidInterestRate  = errors.New("loan policy: interest rate out of bounds")
	ErrPrincipalTooSmall    = errors.New("loan policy: principal below currency minimum")
	ErrTermsExpired         = errors.New("loan policy: signature deadline elapsed")
	ErrVerifierNotAllowed   = errors.New("loan policy: predicate verifier not registered")
)

// CurrencyPolicy records the per-currency origination floor.
type CurrencyPolicy struct {
	MinPrincipal *big.Int
}

// FeeRates enumerates the protocol fee schedule in basis points. A snapshot
// of the lender-facing subset is bound to each loan at creation time.
type FeeRates struct {
	BorrowerOriginationFeeBps uint32
	LenderOriginationFeeBps   uint32
	BorrowerRolloverFeeBps    uint32
	LenderRolloverFeeBps      uint32
	LenderInterestFeeBps      uint32
	LenderPrincipalFeeBps     uint32
	LenderDefaultFeeBps       uint32
}

// Snapshot captures the lender fee rates that travel with a loan for its
// lifetime.
func (f FeeRates) Snapshot() FeeSnapshot {
	return FeeSnapshot{
		LenderDefaultFeeBps:   f.LenderDefaultFeeBps,
		LenderInterestFeeBps:  f.LenderInterestFeeBps,
		LenderPrincipalFeeBps: f.LenderPrincipalFeeBps,
	}
}

// PolicyStore holds the protocol allow-lists and the current fee schedule.
// It is loaded from the policy genesis document at startup and mutated only
// through the explicit administrative methods below. All methods are safe for
// concurrent use: administrative mutation can run alongside loan operations.
type PolicyStore struct {
	mu         sync.RWMutex
	currencies map[common.Address]CurrencyPolicy
	collateral map[common.Address]bool
	verifiers  map[common.Address]bool
	fees       FeeRates
}

// NewPolicyStore constructs an empty policy store with the supplied fee
// schedule.
func NewPolicyStore(fees FeeRates) *PolicyStore {
	return &PolicyStore{
		currencies: make(map[common.Address]CurrencyPolicy),
		collateral: make(map[common.Address]bool),
		verifiers:  make(map[common.Address]bool),
		fees:       fees,
	}
}

// AllowCurrency registers a payable currency with its minimum principal.
func (p *PolicyStore) AllowCurrency(currency common.Address, minPrincipal *big.Int) {
	if minPrincipal == nil {
		minPrincipal = big.NewInt(0)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.currencies[currency] = CurrencyPolicy{MinPrincipal: new(big.Int).Set(minPrincipal)}
}

// RemoveCurrency drops a currency from the allow-list. Existing loans keep
// their terms; only new originations are affected.
func (p *PolicyStore) RemoveCurrency(currency common.Address) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.currencies, currency)
}

// AllowCollateral registers a collateral token contract.
func (p *PolicyStore) AllowCollateral(token common.Address) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.collateral[token] = true
}

// RemoveCollateral drops a collateral token from the allow-list.
func (p *PolicyStore) RemoveCollateral(token common.Address) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.collateral, token)
}

// RegisterVerifier allow-lists a predicate verifier address.
func (p *PolicyStore) RegisterVerifier(verifier common.Address) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.verifiers[verifier] = true
}

// RemoveVerifier drops a verifier from the allow-list.
func (p *PolicyStore) RemoveVerifier(verifier common.Address) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.verifiers, verifier)
}

// SetFeeRates replaces the live fee schedule. Loans already originated keep
// the snapshot captured at their creation.
func (p *PolicyStore) SetFeeRates(fees FeeRates) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fees = fees
}

// FeeRates returns the fee schedule currently in force.
func (p *PolicyStore) FeeRates() FeeRates {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.fees
}

// CurrencyAllowed reports whether the currency is registered and returns its
// policy.
func (p *PolicyStore) CurrencyAllowed(currency common.Address) (CurrencyPolicy, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	cfg, ok := p.currencies[currency]
	return cfg, ok
}

// CollateralAllowed reports whether the collateral token is registered.
func (p *PolicyStore) CollateralAllowed(token common.Address) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.collateral[token]
}

// VerifierAllowed reports whether the verifier is registered.
func (p *PolicyStore) VerifierAllowed(verifier common.Address) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.verifiers[verifier]
}

// Currencies returns the registered currency addresses. Order is unspecified.
func (p *PolicyStore) Currencies() []common.Address {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]common.Address, 0, len(p.currencies))
	for addr := range p.currencies {
		out = append(out, addr)
	}
	return out
}

// CollateralTokens returns the registered collateral addresses.
func (p *PolicyStore) CollateralTokens() []common.Address {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]common.Address, 0, len(p.collateral))
	for addr := range p.collateral {
		out = append(out, addr)
	}
	return out
}

// Verifiers returns the registered verifier addresses.
func (p *PolicyStore) Verifiers() []common.Address {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]common.Address, 0, len(p.verifiers))
	for addr := range p.verifiers {
		out = append(out, addr)
	}
	return out
}

// ValidateTerms checks the supplied terms against protocol policy: duration
// and rate bounds, the currency and collateral allow-lists, the per-currency
// principal floor, and the signature deadline. The first violation is
// returned.
func (p *PolicyStore) ValidateTerms(t *Terms, now int64) error {
	if t == nil {
		return errors.New("loan policy: nil terms")
	}
	if t.DurationSecs < MinDurationSecs || t.DurationSecs > MaxDurationSecs {
		return ErrInvalidDuration
	}
	if t.InterestRate == nil || t.InterestRate.Cmp(MinInterestRate) < 0 || t.InterestRate.Cmp(MaxInterestRate) > 0 {
		return ErrInvalidInterestRate
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	cfg, ok := p.currencies[t.PayableCurrency]
	if !ok {
		return ErrCurrencyNotAllowed
	}
	if t.Principal == nil || (cfg.MinPrincipal != nil && t.Principal.Cmp(cfg.MinPrincipal) < 0) {
		return ErrPrincipalTooSmall
	}
	if !p.collateral[t.CollateralAddress] {
		return ErrCollateralNotAllowed
	}
	if t.Deadline <= now {
		return ErrTermsExpired
	}
	return nil
}
