package progression

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify_BandBoundaries(t *testing.T) {
	cases := []struct {
		p    float64
		want Action
	}{
		{1.0, ActionAdvance},
		{0.8, ActionAdvance},
		{0.7999, ActionContinue},
		{0.6, ActionContinue},
		{0.5999, ActionIncreaseSupport},
		{0.4, ActionIncreaseSupport},
		{0.3999, ActionRemediate},
		{0.0, ActionRemediate},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Classify(tc.p), "p=%v", tc.p)
	}
}

func TestConfidence(t *testing.T) {
	cases := []struct {
		p    float64
		want float64
	}{
		{0.8, 0.5}, // advance lower edge
		{0.85, 0.75},
		{0.95, 1.0},
		{0.7, 1.0}, // continue centre
		{0.6, 0.5}, // continue lower edge
		{0.45, 0.75},
		{0.39, 0.525}, // remediate near edge
		{0.0, 1.0},
	}
	for _, tc := range cases {
		_, conf, _ := decide(tc.p, false)
		assert.InDelta(t, tc.want, conf, 1e-9, "p=%v", tc.p)
	}
}

func TestDecide_SuppressesAdvanceOnlyWhenDegraded(t *testing.T) {
	action, conf, suppressed := decide(0.95, true)
	assert.Equal(t, ActionContinue, action)
	assert.Equal(t, 0.5, conf)
	assert.True(t, suppressed)

	action, _, suppressed = decide(0.3, true)
	assert.Equal(t, ActionRemediate, action)
	assert.False(t, suppressed)
}
