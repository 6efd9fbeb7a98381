// Package signing implements the protocol's signature and nonce authority:
// EIP-712 style hashing of loan terms, secp256k1 signer recovery, delegated
// approvals, contract-signature verification, and per-signer nonce
// accounting.
package signing

import (
	"encoding/binary"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/arcadexyz/arcade-protocol-sub003/loan"
)

// Domain constants bound into every terms digest. Changing either invalidates
// all outstanding signatures.
const (
	DomainName    = "ArcadeLoanCore"
	DomainVersion = "4"
)

var (
	domainTypeHash = ethcrypto.Keccak256Hash([]byte(
		"EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)",
	))
	termsTypeHash = ethcrypto.Keccak256Hash([]byte(
		"LoanTerms(uint256 interestRate,uint64 durationSecs,address collateralAddress,uint256 collateralId,address payableCurrency,uint256 principal,uint64 deadline,bytes32 affiliateCode,bytes32 itemsHash,uint64 nonce,uint32 maxUses,uint8 side)",
	))
	predicateTypeHash = ethcrypto.Keccak256Hash([]byte(
		"Predicate(address verifier,bytes data)",
	))
)

// DomainSeparator derives the typed-data domain hash for the given chain and
// verifying module address.
func DomainSeparator(chainID uint64, verifying common.Address) common.Hash {
	return ethcrypto.Keccak256Hash(
		domainTypeHash.Bytes(),
		ethcrypto.Keccak256([]byte(DomainName)),
		ethcrypto.Keccak256([]byte(DomainVersion)),
		word64(chainID),
		common.LeftPadBytes(verifying.Bytes(), 32),
	)
}

// HashPredicates folds the ordered predicate list into a single hash bound
// into the terms digest. An empty list hashes to the zero word so signatures
// over plain collateral remain distinct from item-backed ones.
func HashPredicates(predicates []loan.Predicate) common.Hash {
	if len(predicates) == 0 {
		return common.Hash{}
	}
	encoded := make([]byte, 0, len(predicates)*32)
	for _, p := range predicates {
		h := ethcrypto.Keccak256Hash(
			predicateTypeHash.Bytes(),
			common.LeftPadBytes(p.Verifier.Bytes(), 32),
			ethcrypto.Keccak256(p.Data),
		)
		encoded = append(encoded, h.Bytes()...)
	}
	return ethcrypto.Keccak256Hash(encoded)
}

// HashTerms computes the struct hash over the loan terms, the signature
// properties, the signing side, and the predicate commitment.
func HashTerms(t *loan.Terms, props loan.SignatureProperties, side loan.Side, predicates []loan.Predicate) common.Hash {
	items := HashPredicates(predicates)
	return ethcrypto.Keccak256Hash(
		termsTypeHash.Bytes(),
		wordBig(t.InterestRate),
		word64(t.DurationSecs),
		common.LeftPadBytes(t.CollateralAddress.Bytes(), 32),
		wordBig(t.CollateralID),
		common.LeftPadBytes(t.PayableCurrency.Bytes(), 32),
		wordBig(t.Principal),
		word64(uint64(t.Deadline)),
		t.AffiliateCode[:],
		items.Bytes(),
		word64(props.Nonce),
		word64(uint64(props.MaxUses)),
		word64(uint64(side)),
	)
}

// TermsDigest produces the final signable digest:
// keccak256(0x1901 ‖ domainSeparator ‖ structHash).
func TermsDigest(domain common.Hash, t *loan.Terms, props loan.SignatureProperties, side loan.Side, predicates []loan.Predicate) common.Hash {
	structHash := HashTerms(t, props, side, predicates)
	return ethcrypto.Keccak256Hash([]byte{0x19, 0x01}, domain.Bytes(), structHash.Bytes())
}

func word64(v uint64) []byte {
	buf := make([]byte, 32)
	binary.BigEndian.PutUint64(buf[24:], v)
	return buf
}

func wordBig(v *big.Int) []byte {
	if v == nil {
		return make([]byte, 32)
	}
	return common.LeftPadBytes(v.Bytes(), 32)
}
