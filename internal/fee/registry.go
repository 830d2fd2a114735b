package fee

import (
	"errors"
	"fmt"
	"maps"
	"sort"
)

var (
	// ErrUnknownVersion is returned when no loaded schedule has the version.
	ErrUnknownVersion = errors.New("unknown fee schedule version")

	// ErrVersionConflict is returned when two different schedules claim the
	// same version.
	ErrVersionConflict = errors.New("fee schedule version redefined")
)

// Registry holds every schedule version a run may have been recorded under.
// New runs are quoted with the active engine; recorded runs are re-quoted
// with the engine matching their schedule_version. The embedded schedule is
// always present.
type Registry struct {
	active    *Engine
	byVersion map[string]*Engine
}

// NewRegistry registers active and every archived engine. A version may only
// be registered twice with an identical schedule.
func NewRegistry(active *Engine, archived ...*Engine) (*Registry, error) {
	if active == nil {
		return nil, fmt.Errorf("fee registry: active schedule required")
	}
	builtin, err := Default()
	if err != nil {
		return nil, fmt.Errorf("fee registry: %w", err)
	}

	r := &Registry{active: active, byVersion: make(map[string]*Engine)}
	for _, e := range append([]*Engine{active, builtin}, archived...) {
		if err := r.add(e); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) add(e *Engine) error {
	prev, ok := r.byVersion[e.Version()]
	if !ok {
		r.byVersion[e.Version()] = e
		return nil
	}
	if !sameSchedule(prev.schedule, e.schedule) {
		return fmt.Errorf("fee registry: %s: %w", e.Version(), ErrVersionConflict)
	}
	return nil
}

// Active returns the engine new runs are quoted with.
func (r *Registry) Active() *Engine { return r.active }

// Lookup returns the engine for version.
func (r *Registry) Lookup(version string) (*Engine, error) {
	e, ok := r.byVersion[version]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownVersion, version)
	}
	return e, nil
}

// Versions lists the registered versions in sorted order.
func (r *Registry) Versions() []string {
	out := make([]string, 0, len(r.byVersion))
	for v := range r.byVersion {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func sameSchedule(a, b Schedule) bool {
	return a.Version == b.Version &&
		a.BandwidthUnit == b.BandwidthUnit &&
		a.BandwidthPerUnit == b.BandwidthPerUnit &&
		maps.Equal(a.Actions, b.Actions)
}
