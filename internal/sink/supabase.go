package sink

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	postgrest "github.com/supabase-community/postgrest-go"
	storage_go "github.com/supabase-community/storage-go"

	"github.com/dj-oyu/coop-density/mapping-server/internal/logger"
)

// ErrNoBackend is returned when a sink has nothing configured to write to.
var ErrNoBackend = errors.New("no sink backend configured")

// SupabaseConfig points at a Supabase project.
type SupabaseConfig struct {
	URL          string
	Key          string
	Table        string
	CacheControl string
	Timeout      time.Duration
}

// Supabase uploads artifacts to Supabase Storage and inserts mapping rows
// through its REST API.
type Supabase struct {
	cfg SupabaseConfig
}

// NewSupabase returns a client, or nil when URL or key are missing.
func NewSupabase(cfg SupabaseConfig) *Supabase {
	if cfg.URL == "" || cfg.Key == "" {
		return nil
	}
	if cfg.Table == "" {
		cfg.Table = "density_mappings"
	}
	if cfg.CacheControl == "" {
		cfg.CacheControl = "3600"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	return &Supabase{cfg: cfg}
}

// storage returns a fresh client per call; UploadFile keeps file options in
// the client's shared headers.
func (s *Supabase) storage() *storage_go.Client {
	return storage_go.NewClient(s.cfg.URL+"/storage/v1", s.cfg.Key, map[string]string{"apikey": s.cfg.Key})
}

// rest returns a fresh client per call; a client keeps its first error.
func (s *Supabase) rest() *postgrest.Client {
	return postgrest.NewClient(s.cfg.URL+"/rest/v1", "", map[string]string{
		"apikey":        s.cfg.Key,
		"Authorization": "Bearer " + s.cfg.Key,
	})
}

// PublicURL is the unauthenticated download URL for an object.
func (s *Supabase) PublicURL(bucket, name string) string {
	return s.storage().GetPublicUrl(bucket, name).SignedURL
}

// UploadArtifact implements ArtifactUploader. Existing objects are overwritten.
func (s *Supabase) UploadArtifact(ctx context.Context, bucket, localPath, remoteName string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("read artifact: %w", err)
	}
	defer f.Close()

	ctype := mime.TypeByExtension(filepath.Ext(localPath))
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	cache := "max-age=" + s.cfg.CacheControl
	upsert := true
	opts := storage_go.FileOptions{CacheControl: &cache, ContentType: &ctype, Upsert: &upsert}

	client := s.storage()
	err = s.call(ctx, func() error {
		_, err := client.UploadFile(bucket, remoteName, f, opts)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("upload %s/%s: %w", bucket, remoteName, err)
	}
	logger.Debug("Supabase", "Uploaded %s to bucket %s", remoteName, bucket)
	return client.GetPublicUrl(bucket, remoteName).SignedURL, nil
}

// RecordMapping implements MappingRecorder.
func (s *Supabase) RecordMapping(ctx context.Context, rec Record) error {
	row := map[string]any{
		"mapping_timestamp":     rec.Timestamp.UTC().Format(time.RFC3339Nano),
		"source_screenshot_url": rec.SnapshotURL,
		"density_plot_url":      rec.PlotURL,
		"chickens_in_roi_count": rec.InROICount,
		"grid_density_data":     rec.GridDensity,
	}

	query := s.rest().From(s.cfg.Table).Insert(row, false, "", "minimal", "")
	err := s.call(ctx, func() error {
		_, _, err := query.Execute()
		return err
	})
	if err != nil {
		return fmt.Errorf("insert %s: %w", s.cfg.Table, err)
	}
	return nil
}

// call runs a blocking SDK request and gives up when ctx ends or the
// configured timeout passes. The SDK clients take no context, so an
// abandoned request finishes in the background.
func (s *Supabase) call(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
