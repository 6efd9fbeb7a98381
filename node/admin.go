package node

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/arcadexyz/arcade-protocol-sub003/loan"
	"github.com/arcadexyz/arcade-protocol-sub003/observability"
	"github.com/arcadexyz/arcade-protocol-sub003/state"
)

// ErrNotAdmin is returned when a non-admin account attempts an
// administrative operation.
var ErrNotAdmin = errors.New("node: caller is not the admin account")

func (n *Node) requireAdmin(caller common.Address) error {
	if n.admin == (common.Address{}) || caller != n.admin {
		return ErrNotAdmin
	}
	return nil
}

// savePolicy persists the live policy store inside a transaction.
func (n *Node) savePolicy() error {
	return n.store.Update(func(txn *state.Txn) error {
		return txn.SavePolicy(n.policy.Document())
	})
}

// AllowCurrency registers a payable currency with its principal floor.
func (n *Node) AllowCurrency(caller, currency common.Address, minPrincipal *big.Int) error {
	if err := n.requireAdmin(caller); err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.policy.AllowCurrency(currency, minPrincipal)
	return n.savePolicy()
}

// RemoveCurrency drops a currency from the allow-list.
func (n *Node) RemoveCurrency(caller, currency common.Address) error {
	if err := n.requireAdmin(caller); err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.policy.RemoveCurrency(currency)
	return n.savePolicy()
}

// AllowCollateral registers a collateral token contract.
func (n *Node) AllowCollateral(caller, token common.Address) error {
	if err := n.requireAdmin(caller); err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.policy.AllowCollateral(token)
	return n.savePolicy()
}

// RemoveCollateral drops a collateral token from the allow-list.
func (n *Node) RemoveCollateral(caller, token common.Address) error {
	if err := n.requireAdmin(caller); err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.policy.RemoveCollateral(token)
	return n.savePolicy()
}

// RegisterPolicyVerifier allow-lists a predicate verifier address.
func (n *Node) RegisterPolicyVerifier(caller, verifier common.Address) error {
	if err := n.requireAdmin(caller); err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.policy.RegisterVerifier(verifier)
	return n.savePolicy()
}

// RemovePolicyVerifier drops a verifier from the allow-list.
func (n *Node) RemovePolicyVerifier(caller, verifier common.Address) error {
	if err := n.requireAdmin(caller); err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.policy.RemoveVerifier(verifier)
	return n.savePolicy()
}

// SetFeeRates replaces the live fee schedule. Loans already open keep the
// snapshot taken at origination.
func (n *Node) SetFeeRates(caller common.Address, rates loan.FeeRates) error {
	if err := n.requireAdmin(caller); err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.policy.SetFeeRates(rates)
	return n.savePolicy()
}

// FeeRates returns the fee schedule currently in force.
func (n *Node) FeeRates() loan.FeeRates { return n.policy.FeeRates() }

// PauseModule blocks new operations in the named module.
func (n *Node) PauseModule(caller common.Address, module string) error {
	if err := n.requireAdmin(caller); err != nil {
		return err
	}
	n.pauses.Pause(module)
	n.log.Warn("module paused", "module", module)
	return nil
}

// ResumeModule lifts a pause.
func (n *Node) ResumeModule(caller common.Address, module string) error {
	if err := n.requireAdmin(caller); err != nil {
		return err
	}
	n.pauses.Resume(module)
	n.log.Info("module resumed", "module", module)
	return nil
}

// WithdrawProtocolFees transfers accrued fees out of the pool.
func (n *Node) WithdrawProtocolFees(caller, currency, to common.Address, amount *big.Int) error {
	if err := n.requireAdmin(caller); err != nil {
		return err
	}
	var remaining *big.Int
	err := n.update(func(es *engineSet) error {
		if err := es.ledger.WithdrawProtocolFees(currency, to, amount); err != nil {
			return err
		}
		pool, err := es.ledger.FeePoolBalance(currency)
		if err != nil {
			return err
		}
		remaining = pool
		return nil
	})
	if err != nil {
		return err
	}
	f, _ := new(big.Float).SetInt(remaining).Float64()
	observability.Loans().SetFeePool(currency.Hex(), f)
	n.log.Info("protocol fees withdrawn", "currency", currency.Hex(), "to", to.Hex(), "amount", amount.String())
	return nil
}

// FundAccount credits a balance directly. Reserved for local networks and
// test fixtures; production deployments gate it behind the admin account.
func (n *Node) FundAccount(caller, currency, addr common.Address, amount *big.Int) error {
	if err := n.requireAdmin(caller); err != nil {
		return err
	}
	return n.store.Update(func(txn *state.Txn) error {
		return txn.Funds().Credit(currency, addr, amount)
	})
}

// RegisterCollateral records the owner of a collateral token. Reserved for
// local networks and test fixtures.
func (n *Node) RegisterCollateral(caller, token common.Address, id *big.Int, owner common.Address) error {
	if err := n.requireAdmin(caller); err != nil {
		return err
	}
	return n.store.Update(func(txn *state.Txn) error {
		txn.Custody().Register(token, id, owner)
		return nil
	})
}
