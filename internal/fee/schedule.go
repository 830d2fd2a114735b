package fee

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
)

//go:embed schema.cue
var schemaCUE string

//go:embed default.cue
var defaultCUE string

// ActionFee is the per-action pricing rule of a schedule.
type ActionFee struct {
	StateWrite     int64 `json:"state_write"`
	ComputeBase    int64 `json:"compute_base"`
	ComputePerLeaf int64 `json:"compute_per_leaf"`
	BandwidthBase  int64 `json:"bandwidth_base"`
	Privacy        int64 `json:"privacy"`
}

// Schedule is a versioned fee registry. Components are fixed; only the
// per-action coefficients vary between versions.
type Schedule struct {
	Version          string               `json:"version"`
	BandwidthUnit    int64                `json:"bandwidth_unit"`
	BandwidthPerUnit int64                `json:"bandwidth_per_unit"`
	Actions          map[string]ActionFee `json:"actions"`
}

// DefaultSchedule returns the embedded v1 schedule.
func DefaultSchedule() (Schedule, error) {
	return ParseSchedule("default.cue", []byte(defaultCUE))
}

// LoadSchedule reads a CUE schedule file and validates it against the schema.
func LoadSchedule(path string) (Schedule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Schedule{}, fmt.Errorf("read fee schedule: %w", err)
	}
	return ParseSchedule(filepath.Base(path), data)
}

// ParseSchedule compiles src together with the schedule schema, requires every
// field to be concrete, and decodes the result.
func ParseSchedule(name string, src []byte) (Schedule, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return Schedule{}, fmt.Errorf("compile fee schema: %w", err)
	}

	data := ctx.CompileBytes(src, cue.Filename(name))
	if err := data.Err(); err != nil {
		return Schedule{}, fmt.Errorf("compile fee schedule %s: %s", name, errors.Details(err, nil))
	}

	v := schema.Unify(data).LookupPath(cue.ParsePath("schedule"))
	if !v.Exists() {
		return Schedule{}, fmt.Errorf("fee schedule %s: missing top-level 'schedule'", name)
	}
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return Schedule{}, fmt.Errorf("fee schedule %s: %s", name, errors.Details(err, nil))
	}

	var s Schedule
	if err := v.Decode(&s); err != nil {
		return Schedule{}, fmt.Errorf("decode fee schedule %s: %w", name, err)
	}
	return s, nil
}
