package density

import (
	"testing"

	"github.com/golang/geo/r2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/coop-density/mapping-server/internal/calibration"
	"github.com/dj-oyu/coop-density/mapping-server/pkg/types"
)

// boxAt returns a 20x20 box whose bottom-center anchor sits at (x, y).
func boxAt(x, y float64) types.Detection {
	return types.Detection{Box: types.Box{X1: x - 10, Y1: y - 20, X2: x + 10, Y2: y}, ClassName: "broiler", Confidence: 0.9}
}

func TestPlaceUsesAnchorForRegionAndCenterForProjection(t *testing.T) {
	// 100 px per meter.
	cal, err := calibration.New([]float64{0.01, 0, 0, 0, 0.01, 0, 0, 0, 1},
		[]r2.Point{{X: 0, Y: 0}, {X: 300, Y: 0}, {X: 300, Y: 300}, {X: 0, Y: 300}})
	require.NoError(t, err)
	g := threeByThree(t)

	dets := []types.Detection{
		boxAt(150, 150), // inside
		boxAt(150, 300), // anchor on the boundary
		{Box: types.Box{X1: 140, Y1: 250, X2: 160, Y2: 320}, ClassName: "broiler"}, // center inside, anchor below
		boxAt(-50, 100), // outside
	}
	ps := Place(dets, cal, g)
	require.Len(t, ps, 4)

	assert.True(t, ps[0].InROI)
	assert.InDelta(t, 1.5, ps[0].World.X, 1e-9)
	assert.InDelta(t, 1.4, ps[0].World.Y, 1e-9, "projection uses the box center")

	assert.True(t, ps[1].InROI)
	assert.False(t, ps[2].InROI)
	assert.False(t, ps[3].InROI)

	world := WorldPoints(ps)
	assert.Len(t, world, 2)
	assert.Equal(t, 2, g.Aggregate(world).Total())
}

func TestPlaceClampsWorldPoints(t *testing.T) {
	// 50 px per meter, so a 300 px region maps to 6 m and must be clamped to 3 m.
	cal, err := calibration.New([]float64{0.02, 0, 0, 0, 0.02, 0, 0, 0, 1},
		[]r2.Point{{X: 0, Y: 0}, {X: 300, Y: 0}, {X: 300, Y: 300}, {X: 0, Y: 300}})
	require.NoError(t, err)
	g := threeByThree(t)

	ps := Place([]types.Detection{boxAt(290, 290)}, cal, g)
	require.True(t, ps[0].Counted)
	assert.Equal(t, r2.Point{X: 3, Y: 3}, ps[0].World)
	assert.Equal(t, Cell{2, 2}, g.CellOf(ps[0].World))
}

func TestPlaceConcaveRegion(t *testing.T) {
	cal, err := calibration.New([]float64{0.01, 0, 0, 0, 0.01, 0, 0, 0, 1}, []r2.Point{
		{X: 0, Y: 0}, {X: 300, Y: 0}, {X: 300, Y: 300}, {X: 200, Y: 300},
		{X: 200, Y: 100}, {X: 100, Y: 100}, {X: 100, Y: 300}, {X: 0, Y: 300},
	})
	require.NoError(t, err)

	ps := Place([]types.Detection{boxAt(150, 200), boxAt(50, 200), boxAt(150, 100)}, cal, threeByThree(t))
	assert.False(t, ps[0].InROI, "anchor in the notch")
	assert.True(t, ps[1].InROI)
	assert.True(t, ps[2].InROI, "anchor on the notch floor")
}
