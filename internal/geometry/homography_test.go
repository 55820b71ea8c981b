package geometry

import (
	"testing"

	"github.com/golang/geo/r2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHomographyRejectsBadInput(t *testing.T) {
	_, err := NewHomography([]float64{1, 0, 0, 0, 1, 0})
	assert.ErrorIs(t, err, ErrBadShape)

	_, err = NewHomography([]float64{1, 2, 3, 2, 4, 6, 0, 0, 1})
	assert.ErrorIs(t, err, ErrNotInvertible)

	_, err = NewHomography(make([]float64, 9))
	assert.ErrorIs(t, err, ErrNotInvertible)

	h, err := NewHomography(Identity().Values())
	require.NoError(t, err)
	assert.Equal(t, Identity(), h)
}

func TestFromCorrespondencesRoundTrip(t *testing.T) {
	// Floor corners clicked top-left, top-right, bottom-right, bottom-left.
	src := []r2.Point{{X: 112, Y: 95}, {X: 530, Y: 120}, {X: 590, Y: 430}, {X: 60, Y: 410}}
	dst := []r2.Point{{X: 0, Y: 3}, {X: 3, Y: 3}, {X: 3, Y: 0}, {X: 0, Y: 0}}

	h, err := FromCorrespondences(src, dst)
	require.NoError(t, err)

	inv, err := h.Inverse()
	require.NoError(t, err)

	for i := range src {
		w, ok := h.Apply(src[i])
		require.True(t, ok)
		assert.InDelta(t, dst[i].X, w.X, 1e-6, "corner %d x", i)
		assert.InDelta(t, dst[i].Y, w.Y, 1e-6, "corner %d y", i)

		back, ok := inv.Apply(w)
		require.True(t, ok)
		assert.InDelta(t, src[i].X, back.X, 1e-6)
		assert.InDelta(t, src[i].Y, back.Y, 1e-6)
	}
}

func TestFromCorrespondencesCollinear(t *testing.T) {
	src := []r2.Point{{X: 0, Y: 0}, {X: 1, Y: 1}, {X: 2, Y: 2}, {X: 3, Y: 3}}
	dst := []r2.Point{{X: 0, Y: 0}, {X: 1, Y: 0}, {X: 1, Y: 1}, {X: 0, Y: 1}}
	_, err := FromCorrespondences(src, dst)
	assert.Error(t, err)
}

func TestApplyAtInfinity(t *testing.T) {
	h := Homography{{1, 0, 0}, {0, 1, 0}, {1, 0, 0}}
	_, ok := h.Apply(r2.Point{X: 0, Y: 5})
	assert.False(t, ok)
}

func TestClamp(t *testing.T) {
	cases := []struct {
		in, want r2.Point
	}{
		{r2.Point{X: -1, Y: 4}, r2.Point{X: 0, Y: 3}},
		{r2.Point{X: 1.5, Y: 2}, r2.Point{X: 1.5, Y: 2}},
		{r2.Point{X: 7, Y: -0.2}, r2.Point{X: 3, Y: 0}},
		{r2.Point{X: 3, Y: 3}, r2.Point{X: 3, Y: 3}},
	}
	for _, c := range cases {
		got := Clamp(c.in, 3, 3)
		assert.Equal(t, c.want, got)
		assert.GreaterOrEqual(t, got.X, 0.0)
		assert.LessOrEqual(t, got.X, 3.0)
		assert.GreaterOrEqual(t, got.Y, 0.0)
		assert.LessOrEqual(t, got.Y, 3.0)
	}
}
