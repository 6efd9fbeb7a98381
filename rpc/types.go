package rpc

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/arcadexyz/arcade-protocol-sub003/loan"
)

// Amounts travel as decimal strings and addresses as 0x-hex so callers never
// lose precision to JSON numbers.

type termsPayload struct {
	InterestRate      string `json:"interestRate"`
	DurationSecs      uint64 `json:"durationSecs"`
	CollateralAddress string `json:"collateralAddress"`
	CollateralID      string `json:"collateralId"`
	PayableCurrency   string `json:"payableCurrency"`
	Principal         string `json:"principal"`
	Deadline          int64  `json:"deadline"`
	AffiliateCode     string `json:"affiliateCode,omitempty"`
}

type signaturePayload struct {
	Signature string `json:"signature"`
	Nonce     uint64 `json:"nonce"`
	MaxUses   uint32 `json:"maxUses"`
}

type predicatePayload struct {
	Verifier string `json:"verifier"`
	Data     string `json:"data"`
}

type initializeRequest struct {
	Caller       string             `json:"caller"`
	Borrower     string             `json:"borrower"`
	Lender       string             `json:"lender"`
	Terms        termsPayload       `json:"terms"`
	Sig          signaturePayload   `json:"sig"`
	Predicates   []predicatePayload `json:"predicates,omitempty"`
	CallbackData string             `json:"callbackData,omitempty"`
}

type repayRequest struct {
	Caller string `json:"caller"`
	Amount string `json:"amount"`
}

type redeemRequest struct {
	Caller string `json:"caller"`
	To     string `json:"to,omitempty"`
}

type claimRequest struct {
	Caller string `json:"caller"`
}

type rolloverRequest struct {
	Caller     string             `json:"caller"`
	NewLender  string             `json:"newLender"`
	Terms      termsPayload       `json:"terms"`
	Sig        signaturePayload   `json:"sig"`
	Predicates []predicatePayload `json:"predicates,omitempty"`

	// Swap bounds, required only for the cross-currency variant.
	SwapAmountIn     string `json:"swapAmountIn,omitempty"`
	SwapMinAmountOut string `json:"swapMinAmountOut,omitempty"`
}

type migrateRequest struct {
	Caller       string           `json:"caller"`
	LegacyLoanID uint64           `json:"legacyLoanId"`
	NewLender    string           `json:"newLender"`
	Terms        termsPayload     `json:"terms"`
	Sig          signaturePayload `json:"sig"`
}

type noteTransferRequest struct {
	Caller string `json:"caller"`
	Kind   string `json:"kind"`
	LoanID uint64 `json:"loanId"`
	To     string `json:"to"`
}

type nonceCancelRequest struct {
	Caller string `json:"caller"`
	Nonce  uint64 `json:"nonce"`
}

type approvalRequest struct {
	Caller string `json:"caller"`
	Agent  string `json:"agent"`
}

type loanResponse struct {
	LoanID               uint64       `json:"loanId"`
	State                string       `json:"state"`
	Terms                termsPayload `json:"terms"`
	StartDate            int64        `json:"startDate"`
	LastAccrualTimestamp int64        `json:"lastAccrualTimestamp"`
	Balance              string       `json:"balance"`
	DueDate              int64        `json:"dueDate"`
}

type loanIDResponse struct {
	LoanID uint64 `json:"loanId"`
}

type amountResponse struct {
	Amount string `json:"amount"`
}

type addressResponse struct {
	Address string `json:"address"`
}

type nonceResponse struct {
	Nonce     uint64 `json:"nonce"`
	UseCount  uint32 `json:"useCount"`
	MaxUses   uint32 `json:"maxUses"`
	Cancelled bool   `json:"cancelled"`
}

// errInvalidArgument marks malformed caller input so the transport can map
// it to a 400 instead of an internal fault.
var errInvalidArgument = errors.New("invalid argument")

func argErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{errInvalidArgument}, args...)...)
}

func parseAddress(field, value string) (common.Address, error) {
	if !common.IsHexAddress(value) {
		return common.Address{}, argErrorf("%s: invalid address %q", field, value)
	}
	return common.HexToAddress(value), nil
}

func parseAmount(field, value string) (*big.Int, error) {
	if strings.TrimSpace(value) == "" {
		return nil, argErrorf("%s: amount required", field)
	}
	out, ok := new(big.Int).SetString(value, 10)
	if !ok || out.Sign() < 0 {
		return nil, argErrorf("%s: invalid amount %q", field, value)
	}
	return out, nil
}

func parseOptionalAmount(field, value string) (*big.Int, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	return parseAmount(field, value)
}

func (p *termsPayload) parse() (*loan.Terms, error) {
	rate, err := parseAmount("terms.interestRate", p.InterestRate)
	if err != nil {
		return nil, err
	}
	collateral, err := parseAddress("terms.collateralAddress", p.CollateralAddress)
	if err != nil {
		return nil, err
	}
	collateralID, err := parseAmount("terms.collateralId", p.CollateralID)
	if err != nil {
		return nil, err
	}
	currency, err := parseAddress("terms.payableCurrency", p.PayableCurrency)
	if err != nil {
		return nil, err
	}
	principal, err := parseAmount("terms.principal", p.Principal)
	if err != nil {
		return nil, err
	}
	terms := &loan.Terms{
		InterestRate:      rate,
		DurationSecs:      p.DurationSecs,
		CollateralAddress: collateral,
		CollateralID:      collateralID,
		PayableCurrency:   currency,
		Principal:         principal,
		Deadline:          p.Deadline,
	}
	if p.AffiliateCode != "" {
		decoded, err := decodeHex("terms.affiliateCode", p.AffiliateCode)
		if err != nil {
			return nil, err
		}
		if len(decoded) != 32 {
			return nil, argErrorf("terms.affiliateCode: must be 32 bytes")
		}
		copy(terms.AffiliateCode[:], decoded)
	}
	return terms, nil
}

func (p *signaturePayload) parse() ([]byte, loan.SignatureProperties, error) {
	sig, err := decodeHex("sig.signature", p.Signature)
	if err != nil {
		return nil, loan.SignatureProperties{}, err
	}
	return sig, loan.SignatureProperties{Nonce: p.Nonce, MaxUses: p.MaxUses}, nil
}

func parsePredicates(payloads []predicatePayload) ([]loan.Predicate, error) {
	if len(payloads) == 0 {
		return nil, nil
	}
	out := make([]loan.Predicate, len(payloads))
	for i, p := range payloads {
		verifier, err := parseAddress("predicates.verifier", p.Verifier)
		if err != nil {
			return nil, err
		}
		data, err := decodeHex("predicates.data", p.Data)
		if err != nil {
			return nil, err
		}
		out[i] = loan.Predicate{Verifier: verifier, Data: data}
	}
	return out, nil
}

func decodeHex(field, value string) ([]byte, error) {
	if value == "" {
		return nil, nil
	}
	if !strings.HasPrefix(value, "0x") {
		return nil, argErrorf("%s: hex value must be 0x-prefixed", field)
	}
	decoded, err := parseHexBytes(value)
	if err != nil {
		return nil, argErrorf("%s: %v", field, err)
	}
	return decoded, nil
}

func parseHexBytes(value string) ([]byte, error) {
	return hexutil.Decode(value)
}

func renderTerms(t *loan.Terms) termsPayload {
	out := termsPayload{
		DurationSecs:      t.DurationSecs,
		CollateralAddress: t.CollateralAddress.Hex(),
		PayableCurrency:   t.PayableCurrency.Hex(),
		Deadline:          t.Deadline,
	}
	if t.InterestRate != nil {
		out.InterestRate = t.InterestRate.String()
	}
	if t.CollateralID != nil {
		out.CollateralID = t.CollateralID.String()
	}
	if t.Principal != nil {
		out.Principal = t.Principal.String()
	}
	if t.AffiliateCode != ([32]byte{}) {
		out.AffiliateCode = "0x" + common.Bytes2Hex(t.AffiliateCode[:])
	}
	return out
}

func renderLoan(d *loan.Data) loanResponse {
	out := loanResponse{
		LoanID:               d.LoanID,
		State:                d.State.String(),
		Terms:                renderTerms(&d.Terms),
		StartDate:            d.StartDate,
		LastAccrualTimestamp: d.LastAccrualTimestamp,
		DueDate:              d.DueDate(),
	}
	if d.Balance != nil {
		out.Balance = d.Balance.String()
	}
	return out
}
