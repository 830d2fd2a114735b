package modules

import (
	"github.com/roach88/evidence/internal/ir"
)

// FaucetGrant is what one wallet.faucet call credits.
const FaucetGrant = 1000

// Balance returns the balance of asset held in wallet data.
func Balance(wallet ir.Object, asset string) int64 {
	return intField(objField(wallet, "balances"), asset)
}

// Credit returns a copy of wallet data with amount of asset added.
func Credit(wallet ir.Object, asset string, amount int64) (ir.Object, error) {
	next, ok := add(Balance(wallet, asset), amount)
	if !ok {
		return nil, reject("balance of %s overflows", asset)
	}
	return withBalance(wallet, asset, next), nil
}

// Debit returns a copy of wallet data with amount of asset removed.
// Fails with ErrRejected if the balance is insufficient.
func Debit(wallet ir.Object, asset string, amount int64) (ir.Object, error) {
	have := Balance(wallet, asset)
	if have < amount {
		return nil, reject("insufficient %s balance: have %d, need %d", asset, have, amount)
	}
	return withBalance(wallet, asset, have-amount), nil
}

func withBalance(wallet ir.Object, asset string, amount int64) ir.Object {
	out := wallet.Clone()
	if out == nil {
		out = ir.Object{}
	}
	balances := objField(out, "balances").Clone()
	if balances == nil {
		balances = ir.Object{}
	}
	balances[asset] = ir.Int(amount)
	out["balances"] = balances
	return out
}

var walletTransfer = Handler{
	Route: ir.Route{Module: "wallet", Action: "transfer"},
	Footprint: func(p ir.Object) (Footprint, error) {
		from, err := account(p, "from")
		if err != nil {
			return Footprint{}, err
		}
		to, err := account(p, "to")
		if err != nil {
			return Footprint{}, err
		}
		if from == to {
			return Footprint{}, invalid("transfer to self")
		}
		if _, err := positive(p, "amount"); err != nil {
			return Footprint{}, err
		}
		if _, err := asset(p, "asset"); err != nil {
			return Footprint{}, err
		}
		return Footprint{Payer: from, Partitions: []ir.PartitionKey{WalletKey(from), WalletKey(to)}}, nil
	},
	Apply: func(env Env, p ir.Object) (Effects, error) {
		from, to := strField(p, "from"), strField(p, "to")
		amount, code := intField(p, "amount"), strField(p, "asset")

		src, err := Debit(env.View.Partition(WalletKey(from)), code, amount)
		if err != nil {
			return Effects{}, err
		}
		dst, err := Credit(env.View.Partition(WalletKey(to)), code, amount)
		if err != nil {
			return Effects{}, err
		}
		return Effects{
			Delta:          map[ir.PartitionKey]ir.Object{WalletKey(from): src, WalletKey(to): dst},
			Counterparties: []string{to},
		}, nil
	},
}

var walletFaucet = Handler{
	Route: ir.Route{Module: "wallet", Action: "faucet"},
	Footprint: func(p ir.Object) (Footprint, error) {
		to, err := account(p, "to")
		if err != nil {
			return Footprint{}, err
		}
		if _, err := asset(p, "asset"); err != nil {
			return Footprint{}, err
		}
		return Footprint{Payer: to, Partitions: []ir.PartitionKey{WalletKey(to)}}, nil
	},
	Apply: func(env Env, p ir.Object) (Effects, error) {
		to := strField(p, "to")
		w, err := Credit(env.View.Partition(WalletKey(to)), strField(p, "asset"), FaucetGrant)
		if err != nil {
			return Effects{}, err
		}
		return Effects{Delta: map[ir.PartitionKey]ir.Object{WalletKey(to): w}}, nil
	},
}
