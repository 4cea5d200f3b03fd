package recurrent

import (
	"bytes"
	"encoding/gob"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelayedValuePersistRoundTrip(t *testing.T) {
	x := NewInput("x", 1, 4)
	d := PastValue("shift", x, 0.75, 3)

	var buf bytes.Buffer
	require.NoError(t, d.Save(&buf))

	d2 := PastValue("other", x, 0, 1)
	require.NoError(t, d2.Load(&buf))
	assert.Equal(t, "shift", d2.Name())
	assert.Equal(t, 3, d2.TimeStep())
	assert.Equal(t, float32(0.75), d2.initial)
}

func TestDelayedValuePersistDirectionMismatch(t *testing.T) {
	x := NewInput("x", 1, 4)
	past := PastValue("p", x, 0, 1)

	var buf bytes.Buffer
	require.NoError(t, past.Save(&buf))

	future := FutureValue("f", x, 0, 1)
	err := future.Load(&buf)
	require.Error(t, err)
	assert.Equal(t, ErrInvalidConfig, errors.Cause(err))
}

func TestDelayedValueLoadV1Defaults(t *testing.T) {
	var buf bytes.Buffer
	rec := delayedValueRecord{Version: persistVersion1, Name: "old", TimeStep: 2}
	require.NoError(t, gob.NewEncoder(&buf).Encode(rec))

	x := NewInput("x", 1, 4)
	d := PastValue("d", x, 0, 1)
	require.NoError(t, d.Load(&buf))
	assert.Equal(t, 2, d.TimeStep())
	assert.Equal(t, DefaultInitialActivation, d.initial)
}

func TestDelayedValueLoadRejectsBadRecords(t *testing.T) {
	x := NewInput("x", 1, 4)
	d := PastValue("d", x, 0, 1)

	cases := []delayedValueRecord{
		{Version: 99, Name: "future-format", TimeStep: 1},
		{Version: persistVersion, Name: "zero-step", TimeStep: 0},
	}
	for _, rec := range cases {
		var buf bytes.Buffer
		require.NoError(t, gob.NewEncoder(&buf).Encode(rec))
		err := d.Load(&buf)
		require.Error(t, err, rec.Name)
		assert.Equal(t, ErrInvalidConfig, errors.Cause(err), rec.Name)
	}
}

func TestLSTMPersistRoundTrip(t *testing.T) {
	f := newLSTMFixture(2, 3, 1, 2, 0.25)
	f.fillAll(0.1)
	require.NoError(t, f.l.Validate())

	var buf bytes.Buffer
	require.NoError(t, f.l.Save(&buf))

	g := newLSTMFixture(4, 5, 1, 2, 0)
	require.NoError(t, g.l.Load(&buf))
	assert.Equal(t, "lstm", g.l.Name())
	assert.Equal(t, float32(0.25), g.l.defaultState)
	assert.Equal(t, 2, g.l.inputDim)
	assert.Equal(t, 3, g.l.outputDim)
}

func TestLSTMLoadV1Defaults(t *testing.T) {
	var buf bytes.Buffer
	rec := lstmRecord{Version: persistVersion1, Name: "old"}
	require.NoError(t, gob.NewEncoder(&buf).Encode(rec))

	f := newLSTMFixture(2, 3, 1, 2, 0)
	require.NoError(t, f.l.Load(&buf))
	assert.Equal(t, DefaultInitialActivation, f.l.defaultState)
}
