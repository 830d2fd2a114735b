package modules

import (
	"regexp"

	"github.com/roach88/evidence/internal/ir"
)

var listingPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)

const (
	listingListed = "listed"
	listingSold   = "sold"
	maxTitleBytes = 256
)

// ListingKey is the partition holding one marketplace listing.
func ListingKey(id string) ir.PartitionKey {
	return ir.PartitionKey("market:" + id)
}

func listingID(p ir.Object) (string, error) {
	id, err := str(p, "listing_id")
	if err != nil {
		return "", err
	}
	if !listingPattern.MatchString(id) {
		return "", invalid("invalid listing_id %q", id)
	}
	return id, nil
}

var marketList = Handler{
	Route: ir.Route{Module: "market", Action: "list"},
	Footprint: func(p ir.Object) (Footprint, error) {
		id, err := listingID(p)
		if err != nil {
			return Footprint{}, err
		}
		seller, err := account(p, "seller")
		if err != nil {
			return Footprint{}, err
		}
		title, err := str(p, "title")
		if err != nil {
			return Footprint{}, err
		}
		if title == "" || len(title) > maxTitleBytes {
			return Footprint{}, invalid("title must be 1..%d bytes", maxTitleBytes)
		}
		if _, err := positive(p, "price"); err != nil {
			return Footprint{}, err
		}
		if _, err := asset(p, "asset"); err != nil {
			return Footprint{}, err
		}
		return Footprint{Payer: seller, Partitions: []ir.PartitionKey{ListingKey(id)}}, nil
	},
	Apply: func(env Env, p ir.Object) (Effects, error) {
		id := strField(p, "listing_id")
		if existing := env.View.Partition(ListingKey(id)); len(existing) > 0 {
			return Effects{}, reject("listing %s already exists", id)
		}
		return Effects{Delta: map[ir.PartitionKey]ir.Object{
			ListingKey(id): {
				"seller": p["seller"],
				"title":  p["title"],
				"price":  p["price"],
				"asset":  p["asset"],
				"status": ir.String(listingListed),
			},
		}}, nil
	},
}

var marketPurchase = Handler{
	Route: ir.Route{Module: "market", Action: "purchase"},
	Footprint: func(p ir.Object) (Footprint, error) {
		id, err := listingID(p)
		if err != nil {
			return Footprint{}, err
		}
		buyer, err := account(p, "buyer")
		if err != nil {
			return Footprint{}, err
		}
		seller, err := account(p, "seller")
		if err != nil {
			return Footprint{}, err
		}
		if buyer == seller {
			return Footprint{}, invalid("buyer and seller are the same account")
		}
		return Footprint{Payer: buyer, Partitions: []ir.PartitionKey{
			ListingKey(id), WalletKey(buyer), WalletKey(seller),
		}}, nil
	},
	Apply: func(env Env, p ir.Object) (Effects, error) {
		id, buyer, seller := strField(p, "listing_id"), strField(p, "buyer"), strField(p, "seller")

		listing := env.View.Partition(ListingKey(id))
		if len(listing) == 0 {
			return Effects{}, reject("listing %s does not exist", id)
		}
		if strField(listing, "status") != listingListed {
			return Effects{}, reject("listing %s is %s", id, strField(listing, "status"))
		}
		if strField(listing, "seller") != seller {
			return Effects{}, reject("listing %s is not sold by %s", id, seller)
		}

		price, code := intField(listing, "price"), strField(listing, "asset")
		buyerWallet, err := Debit(env.View.Partition(WalletKey(buyer)), code, price)
		if err != nil {
			return Effects{}, err
		}
		sellerWallet, err := Credit(env.View.Partition(WalletKey(seller)), code, price)
		if err != nil {
			return Effects{}, err
		}

		listing["status"] = ir.String(listingSold)
		listing["buyer"] = ir.String(buyer)
		return Effects{
			Delta: map[ir.PartitionKey]ir.Object{
				ListingKey(id):    listing,
				WalletKey(buyer):  buyerWallet,
				WalletKey(seller): sellerWallet,
			},
			Counterparties: []string{seller},
		}, nil
	},
}
