// Package fee computes the fee vector for an action descriptor.
//
// The engine is a pure function of the descriptor's route and payload shape.
// It has no notion of caller, account standing or sponsorship, and there is
// no input that can zero out a fee for a registered (mutating) action.
package fee

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/roach88/evidence/internal/ir"
)

// Components lists the v1 fee components in their fixed order.
var Components = []string{ir.FeeStateWrite, ir.FeeCompute, ir.FeeBandwidth, ir.FeePrivacy}

var (
	// ErrUnpriced is returned when a route has no entry in the schedule.
	ErrUnpriced = errors.New("action has no fee schedule entry")

	// ErrNonPositive is returned when a mutating action would cost nothing.
	ErrNonPositive = errors.New("fee total must be positive for a mutating action")

	// ErrSponsorDivergence is returned when a sponsored charge differs from
	// the unsponsored quote.
	ErrSponsorDivergence = errors.New("sponsored fee vector diverges from unsponsored quote")
)

// Engine quotes fee vectors from a single schedule version.
// Safe for concurrent use: it holds no mutable state.
type Engine struct {
	schedule Schedule
}

// NewEngine validates the schedule and returns an engine for it.
func NewEngine(s Schedule) (*Engine, error) {
	if s.Version == "" {
		return nil, fmt.Errorf("fee schedule: version required")
	}
	if s.BandwidthUnit <= 0 {
		return nil, fmt.Errorf("fee schedule %s: bandwidth_unit must be positive", s.Version)
	}
	for route, rule := range s.Actions {
		if rule.StateWrite < 0 || rule.ComputeBase < 0 || rule.ComputePerLeaf < 0 ||
			rule.BandwidthBase < 0 || rule.Privacy < 0 {
			return nil, fmt.Errorf("fee schedule %s: %s has a negative coefficient", s.Version, route)
		}
		base, ok := sum(rule.StateWrite, rule.ComputeBase, rule.BandwidthBase, rule.Privacy)
		if !ok {
			return nil, fmt.Errorf("fee schedule %s: %s: coefficients overflow", s.Version, route)
		}
		if base <= 0 {
			return nil, fmt.Errorf("fee schedule %s: %s: %w", s.Version, route, ErrNonPositive)
		}
	}
	return &Engine{schedule: s}, nil
}

// Default returns an engine over the embedded schedule.
func Default() (*Engine, error) {
	s, err := DefaultSchedule()
	if err != nil {
		return nil, err
	}
	return NewEngine(s)
}

// Version returns the schedule version used for every quote.
func (e *Engine) Version() string {
	return e.schedule.Version
}

// Schedule returns a copy of the active schedule.
func (e *Engine) Schedule() Schedule {
	s := e.schedule
	s.Actions = make(map[string]ActionFee, len(e.schedule.Actions))
	for k, v := range e.schedule.Actions {
		s.Actions[k] = v
	}
	return s
}

// Covers returns an error naming every route that has no pricing rule.
// Called at startup so an unpriced handler can never be reached.
func (e *Engine) Covers(routes []ir.Route) error {
	var missing []string
	for _, r := range routes {
		if _, ok := e.schedule.Actions[r.String()]; !ok {
			missing = append(missing, r.String())
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("%w: %v", ErrUnpriced, missing)
	}
	return nil
}

// Quote computes the fee vector for desc.
func (e *Engine) Quote(desc ir.ActionDescriptor) (ir.FeeVector, error) {
	rule, ok := e.schedule.Actions[desc.Route().String()]
	if !ok {
		return nil, fmt.Errorf("%s: %w", desc.Route(), ErrUnpriced)
	}

	payload := desc.Payload
	if payload == nil {
		payload = ir.Object{}
	}
	canonical, err := ir.MarshalCanonical(payload)
	if err != nil {
		return nil, fmt.Errorf("quote %s: %w", desc.Route(), err)
	}
	size := int64(len(canonical))
	units := size / e.schedule.BandwidthUnit
	if size%e.schedule.BandwidthUnit != 0 {
		units++
	}

	compute, okCompute := mulAdd(rule.ComputeBase, rule.ComputePerLeaf, ir.Leaves(payload))
	bandwidth, okBandwidth := mulAdd(rule.BandwidthBase, units, e.schedule.BandwidthPerUnit)
	if !okCompute || !okBandwidth {
		return nil, fmt.Errorf("%s: fee overflows int64: %w", desc.Route(), ErrNonPositive)
	}

	v := ir.FeeVector{
		ir.FeeStateWrite: rule.StateWrite,
		ir.FeeCompute:    compute,
		ir.FeeBandwidth:  bandwidth,
		ir.FeePrivacy:    rule.Privacy,
	}
	for _, c := range Components {
		if v[c] < 0 {
			return nil, fmt.Errorf("%s: component %s negative: %w", desc.Route(), c, ErrNonPositive)
		}
	}
	total, ok := v.CheckedTotal()
	if !ok {
		return nil, fmt.Errorf("%s: fee total overflows int64: %w", desc.Route(), ErrNonPositive)
	}
	if total <= 0 {
		return nil, fmt.Errorf("%s: %w", desc.Route(), ErrNonPositive)
	}
	return v, nil
}

// mulAdd returns base + a*b for non-negative operands, reporting overflow.
func mulAdd(base, a, b int64) (int64, bool) {
	if a != 0 && b > math.MaxInt64/a {
		return 0, false
	}
	return sum(base, a*b)
}

func sum(terms ...int64) (int64, bool) {
	var total int64
	for _, t := range terms {
		if t > 0 && total > math.MaxInt64-t {
			return 0, false
		}
		total += t
	}
	return total, true
}

// CheckSponsorEquivalence re-quotes desc and requires the charged vector to
// match exactly. Sponsorship may change who pays, never how much.
func (e *Engine) CheckSponsorEquivalence(desc ir.ActionDescriptor, charged ir.FeeVector) error {
	expected, err := e.Quote(desc)
	if err != nil {
		return err
	}
	if !expected.Equal(charged) {
		return fmt.Errorf("%s: charged %d, quoted %d: %w",
			desc.Route(), charged.Total(), expected.Total(), ErrSponsorDivergence)
	}
	return nil
}
