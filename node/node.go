// Package node wires the loan engines over transactional state and exposes
// the protocol operations the RPC surface calls. Every operation runs inside
// one state transaction: failures discard all pending writes and buffered
// events, successes commit and then publish.
package node

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/arcadexyz/arcade-protocol-sub003/config"
	"github.com/arcadexyz/arcade-protocol-sub003/events"
	"github.com/arcadexyz/arcade-protocol-sub003/guard"
	"github.com/arcadexyz/arcade-protocol-sub003/ledger"
	"github.com/arcadexyz/arcade-protocol-sub003/loan"
	"github.com/arcadexyz/arcade-protocol-sub003/origination"
	"github.com/arcadexyz/arcade-protocol-sub003/rollover"
	"github.com/arcadexyz/arcade-protocol-sub003/signing"
	"github.com/arcadexyz/arcade-protocol-sub003/state"
	"github.com/arcadexyz/arcade-protocol-sub003/storage"
)

// Module account addresses are derived from fixed labels so every deployment
// agrees on them without configuration.
var (
	OriginationAccount = moduleAccount("module/origination")
	RolloverAccount    = moduleAccount("module/rollover")
)

func moduleAccount(label string) common.Address {
	return common.BytesToAddress(ethcrypto.Keccak256([]byte(label))[12:])
}

// Node owns the stores and engines that make up a running deployment.
type Node struct {
	mu sync.Mutex

	log    *slog.Logger
	store  *state.Store
	policy *loan.PolicyStore
	pauses *guard.Switch

	chainID           uint64
	vault             common.Address
	pool              common.Address
	graceSecs         uint64
	accrueAfterExpiry bool

	admin common.Address

	emitter events.Emitter

	verifiers        map[common.Address]origination.PredicateVerifier
	callbacks        map[common.Address]origination.BorrowerCallback
	callbackFactory  map[common.Address]func(*state.Txn) origination.BorrowerCallback
	contractVerifier signing.ContractVerifier
	exchangeFactory  func(*state.Txn) rollover.Exchange
	legacyFactory    func(*state.Txn) rollover.LegacySource

	nowFn func() int64
}

// New builds a node over the supplied database. The policy store is loaded
// from persisted state when present, otherwise from the genesis document.
func New(cfg *config.Config, db storage.Database, genesisPolicy *loan.PolicyStore, logger *slog.Logger) (*Node, error) {
	if cfg == nil {
		return nil, fmt.Errorf("node: nil config")
	}
	if logger == nil {
		logger = slog.Default()
	}
	n := &Node{
		log:               logger.With("component", "node"),
		store:             state.NewStore(db),
		pauses:            guard.NewSwitch(),
		chainID:           cfg.ChainID,
		vault:             cfg.Vault(),
		pool:              cfg.Pool(),
		graceSecs:         cfg.GracePeriodSecs,
		accrueAfterExpiry: cfg.AccrueAfterExpiry,
		emitter:           events.NoopEmitter{},
		verifiers:         make(map[common.Address]origination.PredicateVerifier),
		callbacks:         make(map[common.Address]origination.BorrowerCallback),
		callbackFactory:   make(map[common.Address]func(*state.Txn) origination.BorrowerCallback),
	}

	if err := n.loadPolicy(genesisPolicy); err != nil {
		return nil, err
	}
	return n, nil
}

func (n *Node) loadPolicy(genesis *loan.PolicyStore) error {
	return n.store.Update(func(txn *state.Txn) error {
		doc, err := txn.LoadPolicy()
		if err != nil {
			return err
		}
		if doc != nil {
			stored, err := doc.Build()
			if err != nil {
				return fmt.Errorf("node: stored policy invalid: %w", err)
			}
			n.policy = stored
			return nil
		}
		if genesis == nil {
			genesis = loan.NewPolicyStore(loan.FeeRates{})
		}
		n.policy = genesis
		return txn.SavePolicy(genesis.Document())
	})
}

// SetEmitter configures where committed events are published.
func (n *Node) SetEmitter(e events.Emitter) {
	if e == nil {
		e = events.NoopEmitter{}
	}
	n.emitter = e
}

// SetAdmin designates the account allowed to run administrative operations.
func (n *Node) SetAdmin(addr common.Address) { n.admin = addr }

// SetNowFunc overrides the time source for deterministic tests.
func (n *Node) SetNowFunc(now func() int64) { n.nowFn = now }

// RegisterVerifier binds a predicate verifier implementation to its address.
func (n *Node) RegisterVerifier(addr common.Address, v origination.PredicateVerifier) {
	n.verifiers[addr] = v
}

// RegisterCallback binds a borrower's pre-collateralization hook.
func (n *Node) RegisterCallback(borrower common.Address, cb origination.BorrowerCallback) {
	n.callbacks[borrower] = cb
}

// RegisterCallbackFactory binds a state-aware pre-collateralization hook. The
// factory binds the hook to the operation's transaction so anything it moves
// rolls back with the rest of the origination.
func (n *Node) RegisterCallbackFactory(borrower common.Address, f func(*state.Txn) origination.BorrowerCallback) {
	n.callbackFactory[borrower] = f
}

// SetContractVerifier wires the smart-wallet signature path.
func (n *Node) SetContractVerifier(v signing.ContractVerifier) { n.contractVerifier = v }

// SetExchangeFactory wires the swap boundary used by cross-currency
// rollovers. The factory binds an Exchange to the operation's transaction so
// swap effects roll back with everything else.
func (n *Node) SetExchangeFactory(f func(*state.Txn) rollover.Exchange) { n.exchangeFactory = f }

// SetLegacySourceFactory wires the legacy deployment adapter used by loan
// migration.
func (n *Node) SetLegacySourceFactory(f func(*state.Txn) rollover.LegacySource) { n.legacyFactory = f }

// Pauses exposes the administrative pause switch.
func (n *Node) Pauses() *guard.Switch { return n.pauses }

// Store exposes the underlying state store. Tests use it to seed balances
// and collateral.
func (n *Node) Store() *state.Store { return n.store }

// ChainID returns the domain-separating chain identifier.
func (n *Node) ChainID() uint64 { return n.chainID }

// engineSet is the per-transaction wiring of all engines.
type engineSet struct {
	ledger      *ledger.Engine
	origination *origination.Engine
	rollover    *rollover.Engine
	authority   *signing.Authority
	txn         *state.Txn
}

func (n *Node) engines(txn *state.Txn, emitter events.Emitter) *engineSet {
	led := ledger.NewEngine(n.vault, n.pool)
	led.SetState(txn)
	led.SetFundsMover(txn.Funds())
	led.SetCustody(txn.Custody())
	led.SetNotes(txn.Notes())
	led.SetGracePeriod(n.graceSecs)
	led.SetAccrueAfterExpiry(n.accrueAfterExpiry)
	led.SetPauses(n.pauses)
	led.SetEmitter(emitter)
	led.AddOriginator(OriginationAccount)
	led.AddOriginator(RolloverAccount)
	if n.nowFn != nil {
		led.SetNowFunc(n.nowFn)
	}

	auth := signing.NewAuthority()
	auth.SetState(txn)
	if n.contractVerifier != nil {
		auth.SetContractVerifier(n.contractVerifier)
	}

	orig := origination.NewEngine(OriginationAccount, n.chainID)
	orig.SetPolicy(n.policy)
	orig.SetAuthority(auth)
	orig.SetLedger(led)
	orig.SetFundsMover(txn.Funds())
	orig.SetCustody(txn.Custody())
	orig.SetPauses(n.pauses)
	if n.nowFn != nil {
		orig.SetNowFunc(n.nowFn)
	}
	for addr, v := range n.verifiers {
		orig.RegisterVerifier(addr, v)
	}
	for addr, cb := range n.callbacks {
		orig.RegisterCallback(addr, cb)
	}
	for addr, f := range n.callbackFactory {
		orig.RegisterCallback(addr, f(txn))
	}

	roll := rollover.NewEngine(RolloverAccount, orig.Domain())
	roll.SetPolicy(n.policy)
	roll.SetAuthority(auth)
	roll.SetLedger(led)
	roll.SetFundsMover(txn.Funds())
	roll.SetPauses(n.pauses)
	if n.nowFn != nil {
		roll.SetNowFunc(n.nowFn)
	}
	if n.exchangeFactory != nil {
		roll.SetExchange(n.exchangeFactory(txn))
	}
	if n.legacyFactory != nil {
		roll.SetLegacySource(n.legacyFactory(txn))
	}

	return &engineSet{ledger: led, origination: orig, rollover: roll, authority: auth, txn: txn}
}

// update runs fn against a fresh engine set inside one transaction. Events
// emitted by the engines are buffered and forwarded only after commit.
func (n *Node) update(fn func(*engineSet) error) error {
	buf := events.NewMemoryEmitter()
	err := n.store.Update(func(txn *state.Txn) error {
		return fn(n.engines(txn, buf))
	})
	if err != nil {
		return err
	}
	for _, evt := range buf.Events() {
		n.emitter.Emit(evt)
		n.log.Debug("event", "type", evt.Type)
	}
	return nil
}

// view runs fn against a read-only engine set.
func (n *Node) view(fn func(*engineSet) error) error {
	return n.store.View(func(txn *state.Txn) error {
		return fn(n.engines(txn, events.NoopEmitter{}))
	})
}
