// Package opencv opens RTSP streams, video files and local cameras through
// OpenCV's VideoCapture.
package opencv

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"strings"
	"sync"

	"go.uber.org/multierr"
	"gocv.io/x/gocv"

	"github.com/dj-oyu/coop-density/mapping-server/internal/framesource"
)

const ffmpegOptionsEnv = "OPENCV_FFMPEG_CAPTURE_OPTIONS"

var setTransport sync.Once

// Feed wraps one VideoCapture handle.
type Feed struct {
	capture *gocv.VideoCapture
	mat     gocv.Mat
}

// Opener returns an opener for source. RTSP sources use TCP transport unless
// OPENCV_FFMPEG_CAPTURE_OPTIONS is already set.
func Opener(source string) framesource.Opener {
	return framesource.OpenerFunc(func(ctx context.Context) (framesource.Feed, error) {
		if strings.HasPrefix(strings.ToLower(source), "rtsp://") {
			setTransport.Do(func() {
				if os.Getenv(ffmpegOptionsEnv) == "" {
					_ = os.Setenv(ffmpegOptionsEnv, "rtsp_transport;tcp")
				}
			})
		}

		capture, err := gocv.OpenVideoCapture(source)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", source, err)
		}
		if !capture.IsOpened() {
			_ = capture.Close()
			return nil, fmt.Errorf("open %s: capture not opened", source)
		}
		return &Feed{capture: capture, mat: gocv.NewMat()}, nil
	})
}

// Read decodes the next frame.
func (f *Feed) Read(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ok := f.capture.Read(&f.mat); !ok {
		return nil, framesource.ErrFeedClosed
	}
	if f.mat.Empty() {
		return nil, errors.New("empty frame")
	}
	img, err := f.mat.ToImage()
	if err != nil {
		return nil, fmt.Errorf("convert frame: %w", err)
	}
	return img, nil
}

// Close releases the capture and its buffer.
func (f *Feed) Close() error {
	return multierr.Combine(f.mat.Close(), f.capture.Close())
}
