package modules

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/evidence/internal/ir"
	"github.com/roach88/evidence/internal/proof"
)

func testRegistry() *Registry {
	return NewRegistry(proof.DigestVerifier{Key: []byte("test")})
}

func apply(t *testing.T, r *Registry, route string, state Snapshot, seed int64, payload ir.Object) (Effects, error) {
	t.Helper()
	module, action, ok := strings.Cut(route, ".")
	require.True(t, ok)
	h, found := r.Lookup(ir.Route{Module: module, Action: action})
	require.True(t, found, route)
	_, err := h.Footprint(payload)
	require.NoError(t, err)
	return h.Apply(Env{View: state, Rand: NewRand(seed), Verifier: r.Verifier()}, payload)
}

func wallet(asset string, amount int64) ir.Object {
	return ir.Object{"balances": ir.Object{asset: ir.Int(amount)}}
}

func TestRegistryRoutes(t *testing.T) {
	routes := testRegistry().Routes()
	names := make([]string, len(routes))
	for i, r := range routes {
		names[i] = r.String()
	}
	assert.Equal(t, []string{
		"chat.post",
		"exchange.cancel_order",
		"exchange.place_order",
		"exchange.withdraw",
		"identity.verify_claim",
		"market.list",
		"market.purchase",
		"wallet.faucet",
		"wallet.transfer",
	}, names)

	_, ok := testRegistry().Lookup(ir.Route{Module: "wallet", Action: "mint"})
	assert.False(t, ok)
}

func TestFootprintValidation(t *testing.T) {
	r := testRegistry()
	h, _ := r.Lookup(ir.Route{Module: "wallet", Action: "transfer"})

	tests := []struct {
		name    string
		payload ir.Object
	}{
		{"missing amount", ir.Object{"from": ir.String("A"), "to": ir.String("B"), "asset": ir.String("NYXT")}},
		{"zero amount", ir.Object{"from": ir.String("A"), "to": ir.String("B"), "amount": ir.Int(0), "asset": ir.String("NYXT")}},
		{"string amount", ir.Object{"from": ir.String("A"), "to": ir.String("B"), "amount": ir.String("5"), "asset": ir.String("NYXT")}},
		{"self transfer", ir.Object{"from": ir.String("A"), "to": ir.String("A"), "amount": ir.Int(5), "asset": ir.String("NYXT")}},
		{"bad account", ir.Object{"from": ir.String("A:B"), "to": ir.String("B"), "amount": ir.Int(5), "asset": ir.String("NYXT")}},
		{"bad asset", ir.Object{"from": ir.String("A"), "to": ir.String("B"), "amount": ir.Int(5), "asset": ir.String("nyxt")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.Footprint(tt.payload)
			require.ErrorIs(t, err, ErrInvalidPayload)
		})
	}

	fp, err := h.Footprint(ir.Object{"from": ir.String("A"), "to": ir.String("B"), "amount": ir.Int(5), "asset": ir.String("NYXT")})
	require.NoError(t, err)
	assert.Equal(t, "A", fp.Payer)
	assert.Equal(t, []ir.PartitionKey{"wallet:A", "wallet:B"}, fp.Partitions)
}

func TestWalletTransfer(t *testing.T) {
	r := testRegistry()
	state := Snapshot{"wallet:A": wallet("NYXT", 1000)}
	payload := ir.Object{"from": ir.String("A"), "to": ir.String("B"), "amount": ir.Int(300), "asset": ir.String("NYXT")}

	eff, err := apply(t, r, "wallet.transfer", state, 1, payload)
	require.NoError(t, err)
	assert.Equal(t, wallet("NYXT", 700), eff.Delta["wallet:A"])
	assert.Equal(t, wallet("NYXT", 300), eff.Delta["wallet:B"])
	assert.Equal(t, []string{"B"}, eff.Counterparties)

	// The view is never written through.
	assert.Equal(t, wallet("NYXT", 1000), state["wallet:A"])
}

func TestWalletTransferInsufficient(t *testing.T) {
	r := testRegistry()
	payload := ir.Object{"from": ir.String("A"), "to": ir.String("B"), "amount": ir.Int(300), "asset": ir.String("NYXT")}
	_, err := apply(t, r, "wallet.transfer", Snapshot{"wallet:A": wallet("NYXT", 10)}, 1, payload)
	require.ErrorIs(t, err, ErrRejected)
}

func TestWalletFaucet(t *testing.T) {
	eff, err := apply(t, testRegistry(), "wallet.faucet", Snapshot{}, 1,
		ir.Object{"to": ir.String("C"), "asset": ir.String("NYXT")})
	require.NoError(t, err)
	assert.Equal(t, int64(FaucetGrant), Balance(eff.Delta["wallet:C"], "NYXT"))
	assert.Empty(t, eff.Counterparties)
}

func TestDebitCredit(t *testing.T) {
	w, err := Credit(ir.Object{}, "NYXT", 5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), Balance(w, "NYXT"))

	_, err = Debit(w, "NYXT", 6)
	require.ErrorIs(t, err, ErrRejected)

	w2, err := Debit(w, "NYXT", 5)
	require.NoError(t, err)
	assert.Zero(t, Balance(w2, "NYXT"))
	assert.Equal(t, int64(5), Balance(w, "NYXT"))
}

func TestMarketListAndPurchase(t *testing.T) {
	r := testRegistry()
	list := ir.Object{
		"listing_id": ir.String("L1"), "seller": ir.String("S"), "title": ir.String("lamp"),
		"price": ir.Int(50), "asset": ir.String("NYXT"),
	}
	eff, err := apply(t, r, "market.list", Snapshot{}, 1, list)
	require.NoError(t, err)
	listing := eff.Delta["market:L1"]
	assert.Equal(t, ir.String("listed"), listing["status"])

	_, err = apply(t, r, "market.list", Snapshot{"market:L1": listing}, 1, list)
	require.ErrorIs(t, err, ErrRejected)

	state := Snapshot{"market:L1": listing, "wallet:B": wallet("NYXT", 80)}
	buy := ir.Object{"listing_id": ir.String("L1"), "buyer": ir.String("B"), "seller": ir.String("S")}
	eff, err = apply(t, r, "market.purchase", state, 1, buy)
	require.NoError(t, err)
	assert.Equal(t, ir.String("sold"), eff.Delta["market:L1"]["status"])
	assert.Equal(t, int64(30), Balance(eff.Delta["wallet:B"], "NYXT"))
	assert.Equal(t, int64(50), Balance(eff.Delta["wallet:S"], "NYXT"))
	assert.Equal(t, []string{"S"}, eff.Counterparties)

	state["market:L1"] = eff.Delta["market:L1"]
	_, err = apply(t, r, "market.purchase", state, 1, buy)
	require.ErrorIs(t, err, ErrRejected)

	wrongSeller := ir.Object{"listing_id": ir.String("L1"), "buyer": ir.String("B"), "seller": ir.String("X")}
	_, err = apply(t, r, "market.purchase", Snapshot{"market:L1": listing, "wallet:B": wallet("NYXT", 80)}, 1, wrongSeller)
	require.ErrorIs(t, err, ErrRejected)
}

func TestChatPostAppends(t *testing.T) {
	r := testRegistry()
	post := func(state Snapshot, body string) ir.Object {
		eff, err := apply(t, r, "chat.post", state, 1,
			ir.Object{"channel": ir.String("general"), "sender": ir.String("A"), "body": ir.String(body)})
		require.NoError(t, err)
		return eff.Delta["chat:general"]
	}

	first := post(Snapshot{}, "hi")
	second := post(Snapshot{"chat:general": first}, "again")

	msgs := second["messages"].(ir.Array)
	require.Len(t, msgs, 2)
	assert.Equal(t, ir.Int(2), msgs[1].(ir.Object)["n"])
	assert.Equal(t, ir.String("again"), msgs[1].(ir.Object)["body"])
}

func TestIdentityVerifyClaim(t *testing.T) {
	r := testRegistry()
	v := proof.DigestVerifier{Key: []byte("test")}
	payload := ir.Object{
		"subject": ir.String("A"), "claim": ir.String("over18"),
		"context": ir.String("portal"), "proof": ir.String(v.Prove("over18", "portal")),
	}

	eff, err := apply(t, r, "identity.verify_claim", Snapshot{}, 1, payload)
	require.NoError(t, err)
	claims := eff.Delta["identity:A"]["claims"].(ir.Object)
	assert.Contains(t, claims, "over18")

	payload["proof"] = ir.String(v.Prove("over18", "elsewhere"))
	_, err = apply(t, r, "identity.verify_claim", Snapshot{}, 1, payload)
	require.ErrorIs(t, err, ErrRejected)

	payload["proof"] = ir.String("zz")
	_, err = apply(t, r, "identity.verify_claim", Snapshot{}, 1, payload)
	require.ErrorIs(t, err, ErrRejected)
}
