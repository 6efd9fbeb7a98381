package loan

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// PolicyDocument is the serialisable form of the policy store, used both for
// the genesis document loaded at startup and for persisting administrative
// changes.
type PolicyDocument struct {
	Currencies []CurrencyDocument `yaml:"currencies"`
	Collateral []string           `yaml:"collateral"`
	Verifiers  []string           `yaml:"verifiers"`
	Fees       FeeRatesDocument   `yaml:"fees"`
}

// CurrencyDocument declares one allow-listed payable currency.
type CurrencyDocument struct {
	Address      string `yaml:"address"`
	MinPrincipal string `yaml:"minPrincipal"`
}

// FeeRatesDocument mirrors FeeRates with document tags.
type FeeRatesDocument struct {
	BorrowerOriginationFeeBps uint32 `yaml:"borrowerOriginationFeeBps"`
	LenderOriginationFeeBps   uint32 `yaml:"lenderOriginationFeeBps"`
	BorrowerRolloverFeeBps    uint32 `yaml:"borrowerRolloverFeeBps"`
	LenderRolloverFeeBps      uint32 `yaml:"lenderRolloverFeeBps"`
	LenderInterestFeeBps      uint32 `yaml:"lenderInterestFeeBps"`
	LenderPrincipalFeeBps     uint32 `yaml:"lenderPrincipalFeeBps"`
	LenderDefaultFeeBps       uint32 `yaml:"lenderDefaultFeeBps"`
}

// Rates converts the document form into FeeRates.
func (d FeeRatesDocument) Rates() FeeRates {
	return FeeRates{
		BorrowerOriginationFeeBps: d.BorrowerOriginationFeeBps,
		LenderOriginationFeeBps:   d.LenderOriginationFeeBps,
		BorrowerRolloverFeeBps:    d.BorrowerRolloverFeeBps,
		LenderRolloverFeeBps:      d.LenderRolloverFeeBps,
		LenderInterestFeeBps:      d.LenderInterestFeeBps,
		LenderPrincipalFeeBps:     d.LenderPrincipalFeeBps,
		LenderDefaultFeeBps:       d.LenderDefaultFeeBps,
	}
}

// ParsePolicyDocument decodes a YAML policy document and builds the policy
// store it describes.
func ParsePolicyDocument(data []byte) (*PolicyStore, error) {
	var doc PolicyDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse policy document: %w", err)
	}
	return doc.Build()
}

// Build constructs a PolicyStore from the document.
func (doc *PolicyDocument) Build() (*PolicyStore, error) {
	store := NewPolicyStore(doc.Fees.Rates())
	for _, cur := range doc.Currencies {
		if !common.IsHexAddress(cur.Address) {
			return nil, fmt.Errorf("policy document: invalid currency address %q", cur.Address)
		}
		minPrincipal := big.NewInt(0)
		if cur.MinPrincipal != "" {
			parsed, ok := new(big.Int).SetString(cur.MinPrincipal, 10)
			if !ok || parsed.Sign() < 0 {
				return nil, fmt.Errorf("policy document: invalid minimum principal %q", cur.MinPrincipal)
			}
			minPrincipal = parsed
		}
		store.AllowCurrency(common.HexToAddress(cur.Address), minPrincipal)
	}
	for _, token := range doc.Collateral {
		if !common.IsHexAddress(token) {
			return nil, fmt.Errorf("policy document: invalid collateral address %q", token)
		}
		store.AllowCollateral(common.HexToAddress(token))
	}
	for _, verifier := range doc.Verifiers {
		if !common.IsHexAddress(verifier) {
			return nil, fmt.Errorf("policy document: invalid verifier address %q", verifier)
		}
		store.RegisterVerifier(common.HexToAddress(verifier))
	}
	return store, nil
}

// Document renders the store back into its serialisable form with
// deterministic ordering.
func (p *PolicyStore) Document() *PolicyDocument {
	p.mu.RLock()
	defer p.mu.RUnlock()
	doc := &PolicyDocument{
		Fees: FeeRatesDocument{
			BorrowerOriginationFeeBps: p.fees.BorrowerOriginationFeeBps,
			LenderOriginationFeeBps:   p.fees.LenderOriginationFeeBps,
			BorrowerRolloverFeeBps:    p.fees.BorrowerRolloverFeeBps,
			LenderRolloverFeeBps:      p.fees.LenderRolloverFeeBps,
			LenderInterestFeeBps:      p.fees.LenderInterestFeeBps,
			LenderPrincipalFeeBps:     p.fees.LenderPrincipalFeeBps,
			LenderDefaultFeeBps:       p.fees.LenderDefaultFeeBps,
		},
	}
	for addr, cfg := range p.currencies {
		minPrincipal := "0"
		if cfg.MinPrincipal != nil {
			minPrincipal = cfg.MinPrincipal.String()
		}
		doc.Currencies = append(doc.Currencies, CurrencyDocument{
			Address:      addr.Hex(),
			MinPrincipal: minPrincipal,
		})
	}
	sort.Slice(doc.Currencies, func(i, j int) bool { return doc.Currencies[i].Address < doc.Currencies[j].Address })
	for addr := range p.collateral {
		doc.Collateral = append(doc.Collateral, addr.Hex())
	}
	sort.Strings(doc.Collateral)
	for addr := range p.verifiers {
		doc.Verifiers = append(doc.Verifiers, addr.Hex())
	}
	sort.Strings(doc.Verifiers)
	return doc
}

// Encode renders the document as YAML.
func (doc *PolicyDocument) Encode() ([]byte, error) {
	return yaml.Marshal(doc)
}
