package signal

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		name string
		in   float64
		want float64
	}{
		{"in range", 0.42, 0.42},
		{"negative", -0.3, 0},
		{"above one", 1.7, 1},
		{"positive infinity", math.Inf(1), 1},
		{"negative infinity", math.Inf(-1), 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Normalize(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	_, err := Normalize(math.NaN())
	assert.ErrorIs(t, err, ErrNonFinite)
}

func TestNormalizeRange(t *testing.T) {
	v, err := NormalizeRange(75, 0, 100)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, v, 1e-12)

	v, err = NormalizeRange(150, 0, 100)
	require.NoError(t, err)
	assert.Equal(t, 1.0, v)

	_, err = NormalizeRange(1, 5, 5)
	assert.Error(t, err)
}

func TestParseSource(t *testing.T) {
	s, err := ParseSource("engagement")
	require.NoError(t, err)
	assert.Equal(t, Engagement, s)

	_, err = ParseSource("mood")
	assert.Error(t, err)
	assert.Len(t, Sources, 4)
}

func TestNormalized(t *testing.T) {
	p := Normalized(ProviderFunc(func(context.Context, Request) (float64, error) { return 3, nil }))
	v, err := p.Score(context.Background(), Request{SessionID: "s"})
	require.NoError(t, err)
	assert.Equal(t, 1.0, v)

	boom := errors.New("boom")
	p = Normalized(ProviderFunc(func(context.Context, Request) (float64, error) { return 0, boom }))
	_, err = p.Score(context.Background(), Request{})
	assert.ErrorIs(t, err, boom)
}
