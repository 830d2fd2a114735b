// Package modules holds the static registry of {module, action} handlers.
//
// A handler is a pure function of a read view, the payload, the run's seeded
// random source and injected capabilities. It never writes: it returns the new
// content of the partitions it changed. Each handler also declares, from the
// payload alone, which partitions it may touch and who pays, so the caller can
// take the partition scope before anything else runs.
package modules

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"

	"github.com/roach88/evidence/internal/ir"
	"github.com/roach88/evidence/internal/proof"
)

var (
	// ErrInvalidPayload marks payloads rejected before any state is read.
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrRejected marks actions a handler refused against current state.
	ErrRejected = errors.New("action rejected")
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrInvalidPayload)
}

func reject(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrRejected)
}

// Footprint is what an action may touch, known before execution.
type Footprint struct {
	// Payer is the account the fee is charged to absent a sponsor.
	Payer string
	// Partitions the handler reads or writes.
	Partitions []ir.PartitionKey
}

// Effects is a handler's output.
type Effects struct {
	// Delta is the new content of each partition the handler changed.
	Delta map[ir.PartitionKey]ir.Object
	// Counterparties receive accounting receipts, in this order.
	Counterparties []string
}

// View is a read-only view of partition state. Implementations return a
// copy the handler may modify; a missing partition reads as empty.
type View interface {
	Partition(key ir.PartitionKey) ir.Object
}

// Snapshot is a View over an in-memory map.
type Snapshot map[ir.PartitionKey]ir.Object

// Partition implements View.
func (s Snapshot) Partition(key ir.PartitionKey) ir.Object {
	obj, ok := s[key]
	if !ok || obj == nil {
		return ir.Object{}
	}
	return obj.Clone()
}

// Env is what a handler may use besides the payload.
type Env struct {
	View     View
	Rand     *rand.Rand
	Verifier proof.Verifier
}

// Handler is one {module, action} variant.
type Handler struct {
	Route     ir.Route
	Footprint func(payload ir.Object) (Footprint, error)
	Apply     func(env Env, payload ir.Object) (Effects, error)
}

// Registry resolves routes to handlers. Built once at startup.
type Registry struct {
	handlers map[ir.Route]Handler
	verifier proof.Verifier
}

// NewRegistry builds the registry of every known handler. verifier backs
// identity.verify_claim.
func NewRegistry(verifier proof.Verifier) *Registry {
	r := &Registry{handlers: make(map[ir.Route]Handler), verifier: verifier}
	for _, h := range []Handler{
		walletTransfer,
		walletFaucet,
		exchangePlaceOrder,
		exchangeCancelOrder,
		exchangeWithdraw,
		marketList,
		marketPurchase,
		chatPost,
		identityVerifyClaim,
	} {
		if _, dup := r.handlers[h.Route]; dup {
			panic(fmt.Sprintf("modules: duplicate handler %s", h.Route))
		}
		r.handlers[h.Route] = h
	}
	return r
}

// Lookup returns the handler for route.
func (r *Registry) Lookup(route ir.Route) (Handler, bool) {
	h, ok := r.handlers[route]
	return h, ok
}

// Routes returns every registered route, sorted.
func (r *Registry) Routes() []ir.Route {
	out := make([]ir.Route, 0, len(r.handlers))
	for route := range r.handlers {
		out = append(out, route)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Verifier returns the injected proof verifier.
func (r *Registry) Verifier() proof.Verifier {
	return r.verifier
}

// NewRand returns the deterministic random source for a run seed.
func NewRand(seed int64) *rand.Rand {
	return rand.New(rand.NewPCG(uint64(seed), 0x6e79785f72756e73))
}
