package loan

import (
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func testPolicy() *PolicyStore {
	store := NewPolicyStore(FeeRates{
		BorrowerOriginationFeeBps: 50,
		LenderOriginationFeeBps:   50,
		LenderInterestFeeBps:      1000,
		LenderPrincipalFeeBps:     100,
		LenderDefaultFeeBps:       200,
	})
	store.AllowCurrency(common.HexToAddress("0x01"), big.NewInt(100))
	store.AllowCollateral(common.HexToAddress("0x02"))
	store.RegisterVerifier(common.HexToAddress("0x03"))
	return store
}

func validTerms() *Terms {
	return &Terms{
		InterestRate:      big.NewInt(1000),
		DurationSecs:      86_400,
		CollateralAddress: common.HexToAddress("0x02"),
		CollateralID:      big.NewInt(7),
		PayableCurrency:   common.HexToAddress("0x01"),
		Principal:         big.NewInt(1_000),
		Deadline:          2_000,
	}
}

func TestValidateTerms(t *testing.T) {
	store := testPolicy()
	now := int64(1_000)

	if err := store.ValidateTerms(validTerms(), now); err != nil {
		t.Fatalf("valid terms rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Terms)
		want   error
	}{
		{"duration too short", func(tm *Terms) { tm.DurationSecs = MinDurationSecs - 1 }, ErrInvalidDuration},
		{"duration too long", func(tm *Terms) { tm.DurationSecs = MaxDurationSecs + 1 }, ErrInvalidDuration},
		{"rate zero", func(tm *Terms) { tm.InterestRate = big.NewInt(0) }, ErrInvalidInterestRate},
		{"rate above cap", func(tm *Terms) { tm.InterestRate = new(big.Int).Add(MaxInterestRate, big.NewInt(1)) }, ErrInvalidInterestRate},
		{"currency unknown", func(tm *Terms) { tm.PayableCurrency = common.HexToAddress("0x99") }, ErrCurrencyNotAllowed},
		{"principal below floor", func(tm *Terms) { tm.Principal = big.NewInt(99) }, ErrPrincipalTooSmall},
		{"collateral unknown", func(tm *Terms) { tm.CollateralAddress = common.HexToAddress("0x99") }, ErrCollateralNotAllowed},
		{"deadline elapsed", func(tm *Terms) { tm.Deadline = now }, ErrTermsExpired},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			terms := validTerms()
			tc.mutate(terms)
			if err := store.ValidateTerms(terms, now); !errors.Is(err, tc.want) {
				t.Fatalf("got %v want %v", err, tc.want)
			}
		})
	}
}

func TestPolicyRemoval(t *testing.T) {
	store := testPolicy()
	now := int64(1_000)

	store.RemoveCurrency(common.HexToAddress("0x01"))
	if err := store.ValidateTerms(validTerms(), now); !errors.Is(err, ErrCurrencyNotAllowed) {
		t.Fatalf("removed currency should be rejected, got %v", err)
	}

	store = testPolicy()
	store.RemoveCollateral(common.HexToAddress("0x02"))
	if err := store.ValidateTerms(validTerms(), now); !errors.Is(err, ErrCollateralNotAllowed) {
		t.Fatalf("removed collateral should be rejected, got %v", err)
	}

	store = testPolicy()
	if !store.VerifierAllowed(common.HexToAddress("0x03")) {
		t.Fatalf("registered verifier should be allowed")
	}
	store.RemoveVerifier(common.HexToAddress("0x03"))
	if store.VerifierAllowed(common.HexToAddress("0x03")) {
		t.Fatalf("removed verifier should be rejected")
	}
}

func TestFeeSnapshotCapturesLenderRates(t *testing.T) {
	store := testPolicy()
	snap := store.FeeRates().Snapshot()
	if snap.LenderInterestFeeBps != 1000 || snap.LenderPrincipalFeeBps != 100 || snap.LenderDefaultFeeBps != 200 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	// Mutating the live schedule must not touch an existing snapshot.
	store.SetFeeRates(FeeRates{LenderInterestFeeBps: 5})
	if snap.LenderInterestFeeBps != 1000 {
		t.Fatalf("snapshot changed after schedule update: %+v", snap)
	}
}

func TestPolicyStoreConcurrentAdminAndValidation(t *testing.T) {
	store := testPolicy()
	terms := validTerms()

	var wg sync.WaitGroup
	stop := make(chan struct{})

	// Admin mutations on one side, the loan validation path on the other.
	// Under the race detector this fails if either path skips the lock.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			store.AllowCurrency(common.BigToAddress(big.NewInt(int64(i%8))), big.NewInt(100))
			store.SetFeeRates(FeeRates{LenderInterestFeeBps: uint32(i % 1000)})
			store.RegisterVerifier(common.BigToAddress(big.NewInt(int64(i % 4))))
		}
	}()

	for i := 0; i < 2_000; i++ {
		if err := store.ValidateTerms(terms, 1_000); err != nil {
			t.Errorf("validate terms: %v", err)
			break
		}
		store.FeeRates()
		store.VerifierAllowed(common.HexToAddress("0x03"))
		store.Document()
	}
	close(stop)
	wg.Wait()
}
