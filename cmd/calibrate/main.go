// Command calibrate computes the floor homography from four clicked corners
// and writes the calibration files the mapping server loads.
package main

import (
	"context"
	"flag"
	"fmt"
	"image/color"
	"log"
	"os"
	"time"

	"github.com/golang/geo/r2"

	"github.com/dj-oyu/coop-density/mapping-server/internal/calibration"
	"github.com/dj-oyu/coop-density/mapping-server/internal/capture"
	"github.com/dj-oyu/coop-density/mapping-server/internal/capture/opencv"
	"github.com/dj-oyu/coop-density/mapping-server/internal/config"
	"github.com/dj-oyu/coop-density/mapping-server/internal/density"
	"github.com/dj-oyu/coop-density/mapping-server/internal/framesource"
	"github.com/dj-oyu/coop-density/mapping-server/internal/logger"
	"github.com/dj-oyu/coop-density/mapping-server/internal/render"
)

var (
	configPath = flag.String("config", "", "YAML config file (optional)")
	corners    = flag.String("corners", "", `Floor corners in pixels, "x,y x,y x,y x,y" (TL TR BR BL)`)
	roi        = flag.String("roi", "", "ROI polygon in pixels (defaults to the corners)")
	width      = flag.Float64("width", 0, "Floor width in meters (defaults to config)")
	height     = flag.Float64("height", 0, "Floor height in meters (defaults to config)")
	source     = flag.String("image", "", "Frame to draw the check overlay on (file, snapshot URL or stream)")
	checkOut   = flag.String("check", "calibration_check.jpg", "Where to write the check overlay")
	verify     = flag.Bool("verify", false, "Only load and report the current calibration")
	logLevel   = flag.String("log-level", "info", "Log level (debug, info, warn, error, silent)")
)

func main() {
	flag.Parse()

	level, err := logger.ParseLevel(*logLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, true)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	hPath, roiPath := cfg.Calibration.HomographyPath, cfg.Calibration.ROIPath

	if *verify {
		store := calibration.NewStore(hPath, roiPath)
		if err := store.Reload(); err != nil {
			log.Fatalf("Calibration not ready: %v", err)
		}
		st := store.Status()
		logger.Info("Calibrate", "Ready: homography %s, ROI %s (%d vertices)", st.HomographyPath, st.ROIPath, st.ROIVertices)
		return
	}

	w, h := *width, *height
	if w <= 0 {
		w = cfg.Mapping.AreaWidth
	}
	if h <= 0 {
		h = cfg.Mapping.AreaHeight
	}

	pts, err := calibration.ParsePoints(*corners)
	if err != nil {
		log.Fatalf("Invalid -corners: %v", err)
	}
	var roiPts []r2.Point
	if *roi != "" {
		if roiPts, err = calibration.ParsePoints(*roi); err != nil {
			log.Fatalf("Invalid -roi: %v", err)
		}
	}

	cal, err := calibration.FromCorners(pts, roiPts, w, h)
	if err != nil {
		log.Fatalf("Calibration failed: %v", err)
	}
	if err := calibration.Save(cal, hPath, roiPath); err != nil {
		log.Fatalf("Failed to save calibration: %v", err)
	}
	logger.Info("Calibrate", "Wrote %s and %s for a %gx%g m floor", hPath, roiPath, w, h)

	if *source != "" {
		if err := writeCheck(cal, *source, *checkOut, w, h, cfg.Mapping.CellWidth, cfg.Mapping.CellHeight); err != nil {
			log.Fatalf("Check overlay failed: %v", err)
		}
		logger.Info("Calibrate", "Check overlay written to %s", *checkOut)
	}
}

// writeCheck draws the ROI and the projected grid lines on one frame so the
// operator can see whether the cells sit on the floor.
func writeCheck(cal *calibration.Calibration, src, out string, w, h, cw, ch float64) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	feed, err := opener(src).Open(ctx)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer feed.Close()
	img, err := feed.Read(ctx)
	if err != nil {
		return fmt.Errorf("read %s: %w", src, err)
	}

	grid, err := density.NewGrid(w, h, cw, ch)
	if err != nil {
		return err
	}
	inv, err := cal.Homography.Inverse()
	if err != nil {
		return err
	}

	canvas := render.NewCanvas(img)
	canvas.Polygon(cal.ROI.Vertices(), color.RGBA{G: 255, A: 255}, 2)
	for c := range grid.Cols {
		for r := range grid.Rows {
			x0, y0 := float64(c)*cw, float64(r)*ch
			cell := []r2.Point{{X: x0, Y: y0}, {X: x0 + cw, Y: y0}, {X: x0 + cw, Y: y0 + ch}, {X: x0, Y: y0 + ch}}
			px := make([]r2.Point, 0, len(cell))
			for _, p := range cell {
				if q, ok := inv.Apply(p); ok {
					px = append(px, q)
				}
			}
			if len(px) == len(cell) {
				canvas.Polygon(px, color.RGBA{R: 255, G: 200, A: 255}, 1)
			}
		}
	}
	return render.WriteJPEG(out, canvas.Image(), 90)
}

func opener(src string) framesource.Opener {
	switch {
	case capture.IsHTTP(src):
		return capture.SnapshotOpener(src, 10*time.Second)
	case capture.IsStill(src):
		return capture.StillOpener(src)
	default:
		return opencv.Opener(src)
	}
}
