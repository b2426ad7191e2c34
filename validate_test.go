package daq

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-daq/measure"
)

func TestValidateEpochAcceptsMatchingStimulus(t *testing.T) {
	d := NewTestDevice("D", "M")
	e := oneSecondEpoch(t, "proto", d)
	require.NoError(t, ValidateEpoch(e))
}

func TestValidateEpochRejectsNil(t *testing.T) {
	err := ValidateEpoch(nil)
	require.True(t, IsCode(err, ErrCodeShape))
}

func TestValidateEpochRejectsIndefiniteWithResponses(t *testing.T) {
	d := NewTestDevice("D", "M")
	e := NewIndefiniteEpoch("proto")
	e.RecordResponse(d, rateHz(1000))

	err := ValidateEpoch(e)
	require.True(t, IsCode(err, ErrCodeShape))
}

func TestValidateEpochRejectsStimulusDurationMismatch(t *testing.T) {
	d := NewTestDevice("D", "M")
	e := NewEpoch("proto", time.Second)

	short, err := measure.ConstantIOData(measure.New(1, "V"), rateHz(1000), 900)
	require.NoError(t, err)
	e.AddStimulus(d, NewRenderedStimulus("square", nil, short))

	verr := ValidateEpoch(e)
	require.True(t, IsCode(verr, ErrCodeShape))
}

func TestValidateEpochRejectsDefinitenessMismatch(t *testing.T) {
	d := NewTestDevice("D", "M")
	e := NewIndefiniteEpoch("proto")

	stim, err := measure.ConstantIOData(measure.New(1, "V"), rateHz(1000), 1000)
	require.NoError(t, err)
	e.AddStimulus(d, NewRenderedStimulus("square", nil, stim))

	verr := ValidateEpoch(e)
	require.True(t, IsCode(verr, ErrCodeShape))
}
