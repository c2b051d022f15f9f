package sim

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCondition_BandEdgesFlipTruth(t *testing.T) {
	// GIVEN a condition with threshold 1.0 and a 0.2 hysteresis band
	c := &Condition{Threshold: 1.0, Hysteresis: 0.2}

	// Landing exactly on the upper edge turns the condition true.
	assert.True(t, c.evaluate(1.1))

	// Strictly inside the band the previous truth holds.
	assert.True(t, c.evaluate(1.05))
	assert.True(t, c.evaluate(0.95))

	// Landing exactly on the lower edge turns it false.
	assert.False(t, c.evaluate(0.9))
	assert.False(t, c.evaluate(1.05))
}

func TestCondition_SharpThreshold(t *testing.T) {
	c := &Condition{Threshold: 2.0}
	assert.False(t, c.evaluate(1.999))
	assert.True(t, c.evaluate(2.0), "threshold value itself counts as above")
	assert.False(t, c.evaluate(1.0))
}

func TestCondition_SwitchBoundaryTracksTruth(t *testing.T) {
	c := &Condition{Threshold: 1.0, Hysteresis: 0.2}
	assert.Equal(t, 1.1, c.switchBoundary(), "false condition watches the upper edge")
	c.evaluate(1.5)
	assert.Equal(t, 0.9, c.switchBoundary(), "true condition watches the lower edge")
}

func TestTruthVector(t *testing.T) {
	dc := &DiscreteControlParams{Conditions: []*Condition{
		{truth: true}, {truth: false}, {truth: true},
	}}
	assert.Equal(t, "TFT", dc.truthVector())
}
