package state

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/arcadexyz/arcade-protocol-sub003/loan"
	"github.com/arcadexyz/arcade-protocol-sub003/signing"
)

// RLP has no signed integers, so the stored mirrors carry timestamps as
// uint64 and convert at the boundary. Timestamps in this protocol are always
// non-negative.

type storedTerms struct {
	InterestRate      *big.Int
	DurationSecs      uint64
	CollateralAddress common.Address
	CollateralID      *big.Int
	PayableCurrency   common.Address
	Principal         *big.Int
	Deadline          uint64
	AffiliateCode     [32]byte
}

type storedFeeSnapshot struct {
	LenderDefaultFeeBps   uint32
	LenderInterestFeeBps  uint32
	LenderPrincipalFeeBps uint32
}

type storedLoan struct {
	LoanID               uint64
	State                uint8
	Terms                storedTerms
	StartDate            uint64
	LastAccrualTimestamp uint64
	Balance              *big.Int
	Fees                 storedFeeSnapshot
}

type storedNonceUsage struct {
	Nonce     uint64
	UseCount  uint32
	MaxUses   uint32
	Cancelled bool
}

func encodeLoan(d *loan.Data) ([]byte, error) {
	if d == nil {
		return nil, fmt.Errorf("state: nil loan record")
	}
	if d.StartDate < 0 || d.LastAccrualTimestamp < 0 || d.Terms.Deadline < 0 {
		return nil, fmt.Errorf("state: negative timestamp on loan %d", d.LoanID)
	}
	rec := storedLoan{
		LoanID: d.LoanID,
		State:  uint8(d.State),
		Terms: storedTerms{
			InterestRate:      bigOrZero(d.Terms.InterestRate),
			DurationSecs:      d.Terms.DurationSecs,
			CollateralAddress: d.Terms.CollateralAddress,
			CollateralID:      bigOrZero(d.Terms.CollateralID),
			PayableCurrency:   d.Terms.PayableCurrency,
			Principal:         bigOrZero(d.Terms.Principal),
			Deadline:          uint64(d.Terms.Deadline),
			AffiliateCode:     d.Terms.AffiliateCode,
		},
		StartDate:            uint64(d.StartDate),
		LastAccrualTimestamp: uint64(d.LastAccrualTimestamp),
		Balance:              bigOrZero(d.Balance),
		Fees: storedFeeSnapshot{
			LenderDefaultFeeBps:   d.Fees.LenderDefaultFeeBps,
			LenderInterestFeeBps:  d.Fees.LenderInterestFeeBps,
			LenderPrincipalFeeBps: d.Fees.LenderPrincipalFeeBps,
		},
	}
	return rlp.EncodeToBytes(&rec)
}

func decodeLoan(data []byte) (*loan.Data, error) {
	var rec storedLoan
	if err := rlp.DecodeBytes(data, &rec); err != nil {
		return nil, fmt.Errorf("state: decode loan: %w", err)
	}
	st := loan.State(rec.State)
	if !st.Valid() {
		return nil, fmt.Errorf("state: loan %d has unknown state %d", rec.LoanID, rec.State)
	}
	return &loan.Data{
		LoanID: rec.LoanID,
		State:  st,
		Terms: loan.Terms{
			InterestRate:      rec.Terms.InterestRate,
			DurationSecs:      rec.Terms.DurationSecs,
			CollateralAddress: rec.Terms.CollateralAddress,
			CollateralID:      rec.Terms.CollateralID,
			PayableCurrency:   rec.Terms.PayableCurrency,
			Principal:         rec.Terms.Principal,
			Deadline:          int64(rec.Terms.Deadline),
			AffiliateCode:     rec.Terms.AffiliateCode,
		},
		StartDate:            int64(rec.StartDate),
		LastAccrualTimestamp: int64(rec.LastAccrualTimestamp),
		Balance:              rec.Balance,
		Fees: loan.FeeSnapshot{
			LenderDefaultFeeBps:   rec.Fees.LenderDefaultFeeBps,
			LenderInterestFeeBps:  rec.Fees.LenderInterestFeeBps,
			LenderPrincipalFeeBps: rec.Fees.LenderPrincipalFeeBps,
		},
	}, nil
}

func encodeNonceUsage(u *signing.NonceUsage) ([]byte, error) {
	if u == nil {
		return nil, fmt.Errorf("state: nil nonce usage")
	}
	return rlp.EncodeToBytes(&storedNonceUsage{
		Nonce:     u.Nonce,
		UseCount:  u.UseCount,
		MaxUses:   u.MaxUses,
		Cancelled: u.Cancelled,
	})
}

func decodeNonceUsage(data []byte) (*signing.NonceUsage, error) {
	var rec storedNonceUsage
	if err := rlp.DecodeBytes(data, &rec); err != nil {
		return nil, fmt.Errorf("state: decode nonce usage: %w", err)
	}
	return &signing.NonceUsage{
		Nonce:     rec.Nonce,
		UseCount:  rec.UseCount,
		MaxUses:   rec.MaxUses,
		Cancelled: rec.Cancelled,
	}, nil
}

func encodeBig(v *big.Int) ([]byte, error) {
	return rlp.EncodeToBytes(bigOrZero(v))
}

func decodeBig(data []byte) (*big.Int, error) {
	out := new(big.Int)
	if err := rlp.DecodeBytes(data, out); err != nil {
		return nil, fmt.Errorf("state: decode amount: %w", err)
	}
	return out, nil
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}
