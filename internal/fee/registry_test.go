package fee

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scheduleV2(t *testing.T) *Engine {
	t.Helper()
	s, err := DefaultSchedule()
	require.NoError(t, err)
	s.Version = "v2"
	rule := s.Actions["wallet.transfer"]
	rule.StateWrite = 11
	s.Actions["wallet.transfer"] = rule
	e, err := NewEngine(s)
	require.NoError(t, err)
	return e
}

func TestRegistryKeepsBuiltinSchedule(t *testing.T) {
	v2 := scheduleV2(t)
	r, err := NewRegistry(v2)
	require.NoError(t, err)

	assert.Same(t, v2, r.Active())
	assert.Equal(t, []string{"v1", "v2"}, r.Versions())

	v1, err := r.Lookup("v1")
	require.NoError(t, err)
	q1, err := v1.Quote(transfer(300))
	require.NoError(t, err)
	q2, err := r.Active().Quote(transfer(300))
	require.NoError(t, err)
	assert.Equal(t, int64(18), q1.Total())
	assert.Equal(t, int64(19), q2.Total())
}

func TestRegistryUnknownVersion(t *testing.T) {
	r, err := NewRegistry(newDefaultEngine(t))
	require.NoError(t, err)

	_, err = r.Lookup("v7")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownVersion))
}

func TestRegistryVersionConflict(t *testing.T) {
	s, err := DefaultSchedule()
	require.NoError(t, err)
	s.Actions["chat.post"] = ActionFee{StateWrite: 1}
	altered, err := NewEngine(s)
	require.NoError(t, err)

	_, err = NewRegistry(altered)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrVersionConflict))

	// Registering the same schedule twice is fine.
	_, err = NewRegistry(newDefaultEngine(t), newDefaultEngine(t))
	require.NoError(t, err)
}
