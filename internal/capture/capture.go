// Package capture provides camera feeds that need no native libraries.
package capture

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/dj-oyu/coop-density/mapping-server/internal/framesource"
)

// SnapshotFeed polls an HTTP endpoint that returns one JPEG or PNG per request,
// as most IP cameras expose at /snapshot.jpg.
type SnapshotFeed struct {
	url    string
	client *http.Client
}

// SnapshotOpener returns an opener for an HTTP snapshot URL.
func SnapshotOpener(url string, timeout time.Duration) framesource.Opener {
	return framesource.OpenerFunc(func(ctx context.Context) (framesource.Feed, error) {
		f := &SnapshotFeed{url: url, client: &http.Client{Timeout: timeout}}
		// Probe once so an unreachable camera fails at open time.
		if _, err := f.Read(ctx); err != nil {
			return nil, err
		}
		return f, nil
	})
}

// Read fetches and decodes one snapshot.
func (f *SnapshotFeed) Read(ctx context.Context) (image.Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch snapshot: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("fetch snapshot: status %d", resp.StatusCode)
	}
	img, _, err := image.Decode(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return img, nil
}

// Close releases idle connections.
func (f *SnapshotFeed) Close() error {
	f.client.CloseIdleConnections()
	return nil
}

// StillFeed serves the same decoded image on every read. It is used for
// replaying a saved frame when no camera is attached.
type StillFeed struct {
	img image.Image
}

// StillOpener decodes path once per open.
func StillOpener(path string) framesource.Opener {
	return framesource.OpenerFunc(func(ctx context.Context) (framesource.Feed, error) {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		img, _, err := image.Decode(f)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		return &StillFeed{img: img}, nil
	})
}

func (f *StillFeed) Read(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.img, nil
}

func (f *StillFeed) Close() error { return nil }

// IsHTTP reports whether source looks like an HTTP snapshot URL.
func IsHTTP(source string) bool {
	s := strings.ToLower(source)
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// IsStill reports whether source names a single image file.
func IsStill(source string) bool {
	s := strings.ToLower(source)
	return strings.HasSuffix(s, ".jpg") || strings.HasSuffix(s, ".jpeg") || strings.HasSuffix(s, ".png")
}
