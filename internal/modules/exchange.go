package modules

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/roach88/evidence/internal/ir"
)

// A book partition "exchange:<BASE>-<QUOTE>" holds both sides of the order
// book, every escrowed amount, and per-account positions. Settlement credits
// positions inside the book rather than maker wallets, so an order only ever
// touches the taker's wallet and the book.
var pairPattern = regexp.MustCompile(`^([A-Z][A-Z0-9]{1,11})-([A-Z][A-Z0-9]{1,11})$`)

const (
	sideBuy  = "buy"
	sideSell = "sell"
)

// BookKey is the partition holding the order book of pair.
func BookKey(pair string) ir.PartitionKey {
	return ir.PartitionKey("exchange:" + pair)
}

type order struct {
	ID    string
	Owner string
	Price int64
	Qty   int64
}

func (o order) value() ir.Value {
	return ir.Object{
		"id":    ir.String(o.ID),
		"owner": ir.String(o.Owner),
		"price": ir.Int(o.Price),
		"qty":   ir.Int(o.Qty),
	}
}

func decodeOrders(arr ir.Array) []order {
	out := make([]order, 0, len(arr))
	for _, v := range arr {
		obj, ok := v.(ir.Object)
		if !ok {
			continue
		}
		out = append(out, order{
			ID:    strField(obj, "id"),
			Owner: strField(obj, "owner"),
			Price: intField(obj, "price"),
			Qty:   intField(obj, "qty"),
		})
	}
	return out
}

func encodeOrders(orders []order) ir.Array {
	out := make(ir.Array, 0, len(orders))
	for _, o := range orders {
		if o.Qty > 0 {
			out = append(out, o.value())
		}
	}
	return out
}

// book is the decoded form of a book partition.
type book struct {
	nextID    int64
	bids      []order
	asks      []order
	positions ir.Object
}

func decodeBook(obj ir.Object) *book {
	b := &book{
		nextID:    intField(obj, "next_id"),
		bids:      decodeOrders(arrField(obj, "bids")),
		asks:      decodeOrders(arrField(obj, "asks")),
		positions: objField(obj, "positions").Clone(),
	}
	if b.positions == nil {
		b.positions = ir.Object{}
	}
	if b.nextID == 0 {
		b.nextID = 1
	}
	return b
}

func (b *book) encode() ir.Object {
	return ir.Object{
		"next_id":   ir.Int(b.nextID),
		"bids":      encodeOrders(b.bids),
		"asks":      encodeOrders(b.asks),
		"positions": b.positions,
	}
}

func (b *book) position(owner, asset string) int64 {
	return intField(objField(b.positions, owner), asset)
}

func (b *book) credit(owner, asset string, amount int64) error {
	if amount == 0 {
		return nil
	}
	next, ok := add(b.position(owner, asset), amount)
	if !ok {
		return reject("position %s/%s overflows", owner, asset)
	}
	acct := objField(b.positions, owner).Clone()
	if acct == nil {
		acct = ir.Object{}
	}
	acct[asset] = ir.Int(next)
	b.positions[owner] = acct
	return nil
}

func (b *book) debit(owner, asset string, amount int64) error {
	have := b.position(owner, asset)
	if have < amount {
		return reject("insufficient %s position: have %d, need %d", asset, have, amount)
	}
	acct := objField(b.positions, owner).Clone()
	acct[asset] = ir.Int(have - amount)
	b.positions[owner] = acct
	return nil
}

func pairField(p ir.Object) (pair, base, quote string, err error) {
	pair, err = str(p, "pair")
	if err != nil {
		return "", "", "", err
	}
	m := pairPattern.FindStringSubmatch(pair)
	if m == nil || m[1] == m[2] {
		return "", "", "", invalid("invalid pair %q", pair)
	}
	return pair, m[1], m[2], nil
}

var exchangePlaceOrder = Handler{
	Route: ir.Route{Module: "exchange", Action: "place_order"},
	Footprint: func(p ir.Object) (Footprint, error) {
		owner, err := account(p, "owner")
		if err != nil {
			return Footprint{}, err
		}
		pair, _, _, err := pairField(p)
		if err != nil {
			return Footprint{}, err
		}
		side, err := str(p, "side")
		if err != nil {
			return Footprint{}, err
		}
		if side != sideBuy && side != sideSell {
			return Footprint{}, invalid("side must be %q or %q, got %q", sideBuy, sideSell, side)
		}
		price, err := positive(p, "price")
		if err != nil {
			return Footprint{}, err
		}
		qty, err := positive(p, "qty")
		if err != nil {
			return Footprint{}, err
		}
		if _, ok := mul(price, qty); !ok {
			return Footprint{}, invalid("price * qty overflows")
		}
		return Footprint{Payer: owner, Partitions: []ir.PartitionKey{WalletKey(owner), BookKey(pair)}}, nil
	},
	Apply: func(env Env, p ir.Object) (Effects, error) {
		owner, side := strField(p, "owner"), strField(p, "side")
		pair, base, quote, _ := pairField(p)
		price, qty := intField(p, "price"), intField(p, "qty")

		escrowAsset, escrow := base, qty
		if side == sideBuy {
			escrowAsset, escrow = quote, price*qty
		}
		wallet, err := Debit(env.View.Partition(WalletKey(owner)), escrowAsset, escrow)
		if err != nil {
			return Effects{}, err
		}

		b := decodeBook(env.View.Partition(BookKey(pair)))
		makers := &b.asks
		crosses := func(makerPrice int64) bool { return makerPrice <= price }
		better := func(a, c int64) bool { return a < c }
		if side == sideSell {
			makers = &b.bids
			crosses = func(makerPrice int64) bool { return makerPrice >= price }
			better = func(a, c int64) bool { return a > c }
		}

		// Eligible makers by price priority; equal prices in seeded order.
		var eligible []int
		for i, m := range *makers {
			if m.Owner != owner && crosses(m.Price) {
				eligible = append(eligible, i)
			}
		}
		sort.SliceStable(eligible, func(i, j int) bool {
			return better((*makers)[eligible[i]].Price, (*makers)[eligible[j]].Price)
		})
		for start := 0; start < len(eligible); {
			end := start + 1
			for end < len(eligible) && (*makers)[eligible[end]].Price == (*makers)[eligible[start]].Price {
				end++
			}
			level := eligible[start:end]
			env.Rand.Shuffle(len(level), func(i, j int) { level[i], level[j] = level[j], level[i] })
			start = end
		}

		remaining := qty
		var counterparties []string
		seen := map[string]bool{}
		for _, idx := range eligible {
			if remaining == 0 {
				break
			}
			m := &(*makers)[idx]
			fill := min(remaining, m.Qty)
			proceeds := m.Price * fill

			if side == sideBuy {
				if err := b.credit(owner, base, fill); err != nil {
					return Effects{}, err
				}
				if err := b.credit(owner, quote, (price-m.Price)*fill); err != nil {
					return Effects{}, err
				}
				if err := b.credit(m.Owner, quote, proceeds); err != nil {
					return Effects{}, err
				}
			} else {
				if err := b.credit(owner, quote, proceeds); err != nil {
					return Effects{}, err
				}
				if err := b.credit(m.Owner, base, fill); err != nil {
					return Effects{}, err
				}
			}

			m.Qty -= fill
			remaining -= fill
			if !seen[m.Owner] {
				seen[m.Owner] = true
				counterparties = append(counterparties, m.Owner)
			}
		}

		if remaining > 0 {
			resting := order{ID: fmt.Sprintf("o%d", b.nextID), Owner: owner, Price: price, Qty: remaining}
			b.nextID++
			if side == sideBuy {
				b.bids = append(b.bids, resting)
			} else {
				b.asks = append(b.asks, resting)
			}
		}

		return Effects{
			Delta: map[ir.PartitionKey]ir.Object{
				WalletKey(owner): wallet,
				BookKey(pair):    b.encode(),
			},
			Counterparties: counterparties,
		}, nil
	},
}

var exchangeCancelOrder = Handler{
	Route: ir.Route{Module: "exchange", Action: "cancel_order"},
	Footprint: func(p ir.Object) (Footprint, error) {
		owner, err := account(p, "owner")
		if err != nil {
			return Footprint{}, err
		}
		pair, _, _, err := pairField(p)
		if err != nil {
			return Footprint{}, err
		}
		if _, err := str(p, "order_id"); err != nil {
			return Footprint{}, err
		}
		return Footprint{Payer: owner, Partitions: []ir.PartitionKey{BookKey(pair)}}, nil
	},
	Apply: func(env Env, p ir.Object) (Effects, error) {
		owner, id := strField(p, "owner"), strField(p, "order_id")
		pair, base, quote, _ := pairField(p)
		b := decodeBook(env.View.Partition(BookKey(pair)))

		refund := func(orders []order, asset func(order) (string, int64)) (bool, error) {
			for i := range orders {
				if orders[i].ID != id || orders[i].Qty == 0 {
					continue
				}
				if orders[i].Owner != owner {
					return false, reject("order %s is not owned by %s", id, owner)
				}
				a, amount := asset(orders[i])
				orders[i].Qty = 0
				return true, b.credit(owner, a, amount)
			}
			return false, nil
		}

		found, err := refund(b.bids, func(o order) (string, int64) { return quote, o.Price * o.Qty })
		if err != nil {
			return Effects{}, err
		}
		if !found {
			found, err = refund(b.asks, func(o order) (string, int64) { return base, o.Qty })
			if err != nil {
				return Effects{}, err
			}
		}
		if !found {
			return Effects{}, reject("no open order %s on %s", id, pair)
		}

		return Effects{Delta: map[ir.PartitionKey]ir.Object{BookKey(pair): b.encode()}}, nil
	},
}

var exchangeWithdraw = Handler{
	Route: ir.Route{Module: "exchange", Action: "withdraw"},
	Footprint: func(p ir.Object) (Footprint, error) {
		owner, err := account(p, "owner")
		if err != nil {
			return Footprint{}, err
		}
		pair, base, quote, err := pairField(p)
		if err != nil {
			return Footprint{}, err
		}
		a, err := asset(p, "asset")
		if err != nil {
			return Footprint{}, err
		}
		if a != base && a != quote {
			return Footprint{}, invalid("asset %s is not traded on %s", a, pair)
		}
		if _, err := positive(p, "amount"); err != nil {
			return Footprint{}, err
		}
		return Footprint{Payer: owner, Partitions: []ir.PartitionKey{WalletKey(owner), BookKey(pair)}}, nil
	},
	Apply: func(env Env, p ir.Object) (Effects, error) {
		owner, a := strField(p, "owner"), strField(p, "asset")
		pair, _, _, _ := pairField(p)
		amount := intField(p, "amount")

		b := decodeBook(env.View.Partition(BookKey(pair)))
		if err := b.debit(owner, a, amount); err != nil {
			return Effects{}, err
		}
		wallet, err := Credit(env.View.Partition(WalletKey(owner)), a, amount)
		if err != nil {
			return Effects{}, err
		}
		return Effects{Delta: map[ir.PartitionKey]ir.Object{
			WalletKey(owner): wallet,
			BookKey(pair):    b.encode(),
		}}, nil
	},
}
