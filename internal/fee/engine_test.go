package fee

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/evidence/internal/ir"
)

func newDefaultEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := Default()
	require.NoError(t, err)
	return e
}

func transfer(amount int64) ir.ActionDescriptor {
	return ir.ActionDescriptor{
		Module: "wallet",
		Action: "transfer",
		Payload: ir.Object{
			"from":   ir.String("A"),
			"to":     ir.String("B"),
			"amount": ir.Int(amount),
			"asset":  ir.String("NYXT"),
		},
	}
}

func TestDefaultScheduleLoads(t *testing.T) {
	s, err := DefaultSchedule()
	require.NoError(t, err)
	assert.Equal(t, "v1", s.Version)
	assert.Equal(t, int64(64), s.BandwidthUnit)
	assert.Contains(t, s.Actions, "wallet.transfer")
	assert.Equal(t, int64(10), s.Actions["wallet.transfer"].StateWrite)
}

func TestQuoteTransfer(t *testing.T) {
	e := newDefaultEngine(t)

	// canonical payload is 49 bytes with 4 leaves
	v, err := e.Quote(transfer(300))
	require.NoError(t, err)
	assert.Equal(t, ir.FeeVector{
		ir.FeeStateWrite: 10,
		ir.FeeCompute:    6,
		ir.FeeBandwidth:  2,
		ir.FeePrivacy:    0,
	}, v)
	assert.Equal(t, int64(18), v.Total())
}

func TestQuoteIsDeterministic(t *testing.T) {
	e := newDefaultEngine(t)
	first, err := e.Quote(transfer(300))
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		v, err := e.Quote(transfer(300))
		require.NoError(t, err)
		assert.True(t, first.Equal(v))
	}
}

func TestQuoteScalesWithPayloadSize(t *testing.T) {
	e := newDefaultEngine(t)
	short := ir.ActionDescriptor{Module: "chat", Action: "post", Payload: ir.Object{
		"channel": ir.String("general"), "sender": ir.String("A"), "body": ir.String("hi"),
	}}
	long := ir.ActionDescriptor{Module: "chat", Action: "post", Payload: ir.Object{
		"channel": ir.String("general"), "sender": ir.String("A"), "body": ir.String(strings.Repeat("x", 400)),
	}}

	vs, err := e.Quote(short)
	require.NoError(t, err)
	vl, err := e.Quote(long)
	require.NoError(t, err)

	assert.Greater(t, vl[ir.FeeBandwidth], vs[ir.FeeBandwidth])
	assert.Equal(t, vs[ir.FeeStateWrite], vl[ir.FeeStateWrite])
	assert.Equal(t, int64(2), vs[ir.FeePrivacy])
}

func TestQuoteUnknownRoute(t *testing.T) {
	e := newDefaultEngine(t)
	_, err := e.Quote(ir.ActionDescriptor{Module: "wallet", Action: "burn", Payload: ir.Object{}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnpriced))
}

func TestQuoteAlwaysPositiveForRegisteredRoutes(t *testing.T) {
	e := newDefaultEngine(t)
	for route := range e.Schedule().Actions {
		module, action, _ := strings.Cut(route, ".")
		v, err := e.Quote(ir.ActionDescriptor{Module: module, Action: action, Payload: ir.Object{}})
		require.NoError(t, err, route)
		assert.Greater(t, v.Total(), int64(0), route)
	}
}

func TestCovers(t *testing.T) {
	e := newDefaultEngine(t)
	require.NoError(t, e.Covers([]ir.Route{{Module: "wallet", Action: "transfer"}}))

	err := e.Covers([]ir.Route{{Module: "wallet", Action: "transfer"}, {Module: "games", Action: "roll"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnpriced))
	assert.Contains(t, err.Error(), "games.roll")
}

func TestCheckSponsorEquivalence(t *testing.T) {
	e := newDefaultEngine(t)
	desc := transfer(300)
	v, err := e.Quote(desc)
	require.NoError(t, err)

	require.NoError(t, e.CheckSponsorEquivalence(desc, v))

	discounted := ir.FeeVector{}
	for k, amt := range v {
		discounted[k] = amt
	}
	discounted[ir.FeeStateWrite] = 0
	err = e.CheckSponsorEquivalence(desc, discounted)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSponsorDivergence))
}

func TestNewEngineRejectsZeroFeeAction(t *testing.T) {
	s := Schedule{
		Version:       "v9",
		BandwidthUnit: 64,
		Actions:       map[string]ActionFee{"wallet.transfer": {}},
	}
	_, err := NewEngine(s)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNonPositive))
}

func TestQuoteRejectsOverflow(t *testing.T) {
	tests := []struct {
		name string
		s    Schedule
	}{
		{"per leaf", Schedule{
			Version: "v9", BandwidthUnit: 64,
			Actions: map[string]ActionFee{"wallet.transfer": {StateWrite: 1, ComputePerLeaf: math.MaxInt64 / 2}},
		}},
		{"per unit", Schedule{
			Version: "v9", BandwidthUnit: 1, BandwidthPerUnit: math.MaxInt64 / 8,
			Actions: map[string]ActionFee{"wallet.transfer": {StateWrite: 1}},
		}},
		{"total", Schedule{
			Version: "v9", BandwidthUnit: 64,
			Actions: map[string]ActionFee{"wallet.transfer": {StateWrite: math.MaxInt64 - 1, ComputeBase: 1, ComputePerLeaf: 1}},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := NewEngine(tt.s)
			require.NoError(t, err)
			_, err = e.Quote(transfer(300))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrNonPositive))
		})
	}
}

func TestNewEngineRejectsOverflowingBase(t *testing.T) {
	_, err := NewEngine(Schedule{
		Version: "v9", BandwidthUnit: 64,
		Actions: map[string]ActionFee{"wallet.transfer": {StateWrite: math.MaxInt64, Privacy: 1}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "overflow")
}

func TestParseScheduleValidation(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"bad version", `schedule: {version: "one", bandwidth_unit: 64, bandwidth_per_unit: 1, actions: {}}`},
		{"zero unit", `schedule: {version: "v2", bandwidth_unit: 0, bandwidth_per_unit: 1, actions: {}}`},
		{"negative coefficient", `schedule: {version: "v2", bandwidth_unit: 64, bandwidth_per_unit: 1, actions: {
			"wallet.transfer": {state_write: -1, compute_base: 1, compute_per_leaf: 0, bandwidth_base: 0, privacy: 0}
		}}`},
		{"unknown field", `schedule: {version: "v2", bandwidth_unit: 64, bandwidth_per_unit: 1, discount: 5, actions: {}}`},
		{"incomplete", `schedule: {version: "v2", bandwidth_unit: 64, actions: {}}`},
		{"missing schedule", `other: 1`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSchedule(tt.name+".cue", []byte(tt.src))
			require.Error(t, err)
		})
	}
}

func TestLoadScheduleFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fees.cue")
	src := `schedule: {
	version: "v2"
	bandwidth_unit: 32
	bandwidth_per_unit: 2
	actions: {
		"wallet.transfer": {state_write: 1, compute_base: 0, compute_per_leaf: 0, bandwidth_base: 0, privacy: 0}
	}
}`
	require.NoError(t, os.WriteFile(path, []byte(src), 0o600))

	s, err := LoadSchedule(path)
	require.NoError(t, err)
	e, err := NewEngine(s)
	require.NoError(t, err)
	assert.Equal(t, "v2", e.Version())

	// 49 bytes / 32 -> 2 units * 2
	v, err := e.Quote(transfer(300))
	require.NoError(t, err)
	assert.Equal(t, int64(4), v[ir.FeeBandwidth])
	assert.Equal(t, int64(5), v.Total())
}
