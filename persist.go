package recurrent

import (
	"encoding/gob"
	"io"

	"github.com/pkg/errors"
)

// Model format versions. Version 1 predates a configurable initial
// activation, so loading a v1 record falls back to DefaultInitialActivation
// (and the default cell state for the LSTM). Graph topology is not
// persisted, only each node's scalar configuration.
const (
	persistVersion1 = 1
	persistVersion2 = 2

	persistVersion = persistVersion2
)

// DefaultInitialActivation is the boundary value assumed by records saved
// before the activation became configurable.
const DefaultInitialActivation float32 = 0.1

type delayedValueRecord struct {
	Version  int
	Name     string
	Future   bool
	TimeStep int
	Rows     int
	Cols     int
	Initial  float32
}

type lstmRecord struct {
	Version      int
	Name         string
	DefaultState float32
	InputDim     int
	OutputDim    int
}

// Save writes the node's scalar configuration at the current format
// version.
func (d *DelayedValue) Save(w io.Writer) error {
	rec := delayedValueRecord{
		Version:  persistVersion,
		Name:     d.name,
		Future:   d.dir == Future,
		TimeStep: d.timeStep,
		Rows:     d.value.Rows(),
		Cols:     d.value.Cols(),
		Initial:  d.initial,
	}
	return errors.WithStack(gob.NewEncoder(w).Encode(rec))
}

// Load restores scalar configuration from a saved record, migrating older
// versions. The record must match the node's direction: a record saved from
// a future-reading node cannot configure a past-reading one.
func (d *DelayedValue) Load(r io.Reader) error {
	var rec delayedValueRecord
	if err := gob.NewDecoder(r).Decode(&rec); err != nil {
		return errors.WithStack(err)
	}
	if rec.Version < persistVersion1 || rec.Version > persistVersion {
		return errors.Wrapf(ErrInvalidConfig, "%s: unknown model version %d", d.name, rec.Version)
	}
	if rec.TimeStep <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "%s: loaded time step %d, must be positive", d.name, rec.TimeStep)
	}
	if rec.Future != (d.dir == Future) {
		return errors.Wrapf(ErrInvalidConfig, "%s: record direction does not match node direction", d.name)
	}
	if rec.Version < persistVersion2 {
		rec.Initial = DefaultInitialActivation
	}

	d.name = rec.Name
	d.timeStep = rec.TimeStep
	d.initial = rec.Initial
	if rec.Rows > 0 && rec.Cols > 0 {
		d.value.Resize(rec.Rows, rec.Cols)
	}
	return nil
}

// Save writes the node's scalar configuration at the current format
// version.
func (l *LSTM) Save(w io.Writer) error {
	rec := lstmRecord{
		Version:      persistVersion,
		Name:         l.name,
		DefaultState: l.defaultState,
		InputDim:     l.inputDim,
		OutputDim:    l.outputDim,
	}
	return errors.WithStack(gob.NewEncoder(w).Encode(rec))
}

// Load restores scalar configuration from a saved record, migrating older
// versions.
func (l *LSTM) Load(r io.Reader) error {
	var rec lstmRecord
	if err := gob.NewDecoder(r).Decode(&rec); err != nil {
		return errors.WithStack(err)
	}
	if rec.Version < persistVersion1 || rec.Version > persistVersion {
		return errors.Wrapf(ErrInvalidConfig, "%s: unknown model version %d", l.name, rec.Version)
	}
	if rec.Version < persistVersion2 {
		rec.DefaultState = DefaultInitialActivation
	}

	l.name = rec.Name
	l.defaultState = rec.DefaultState
	l.inputDim = rec.InputDim
	l.outputDim = rec.OutputDim
	return nil
}
