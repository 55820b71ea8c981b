// Package config assembles the server configuration from defaults, an
// optional YAML file and the environment, in that order.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/dj-oyu/coop-density/mapping-server/internal/detector"
	"github.com/dj-oyu/coop-density/mapping-server/internal/framesource"
	"github.com/dj-oyu/coop-density/mapping-server/internal/mapping"
	"github.com/dj-oyu/coop-density/mapping-server/internal/notify"
	"github.com/dj-oyu/coop-density/mapping-server/internal/preview"
	"github.com/dj-oyu/coop-density/mapping-server/internal/scheduler"
	"github.com/dj-oyu/coop-density/mapping-server/internal/sink"
)

// Config is the full server configuration.
type Config struct {
	Source      SourceConfig      `yaml:"source"`
	Detector    DetectorConfig    `yaml:"detector"`
	Calibration CalibrationConfig `yaml:"calibration"`
	Mapping     MappingConfig     `yaml:"mapping"`
	Preview     PreviewConfig     `yaml:"preview"`
	Supabase    SupabaseConfig    `yaml:"supabase"`
	Telegram    TelegramConfig    `yaml:"telegram"`
	Storage     StorageConfig     `yaml:"storage"`
	HTTP        HTTPConfig        `yaml:"http"`
	Log         LogConfig         `yaml:"log"`
}

// SourceConfig selects the camera feed.
type SourceConfig struct {
	URL             string        `yaml:"url" env:"VIDEO_SOURCE"`
	OpenBackoff     time.Duration `yaml:"open_backoff"`
	ReadBackoff     time.Duration `yaml:"read_backoff"`
	ReadInterval    time.Duration `yaml:"read_interval"`
	SnapshotTimeout time.Duration `yaml:"snapshot_timeout"`
}

// DetectorConfig points at the inference server.
type DetectorConfig struct {
	URL         string                   `yaml:"url" env:"DETECTOR_URL"`
	Timeout     time.Duration            `yaml:"timeout"`
	JPEGQuality int                      `yaml:"jpeg_quality"`
	Fast        detector.ProfileSettings `yaml:"fast"`
	Accurate    detector.ProfileSettings `yaml:"accurate"`
}

// CalibrationConfig names the calibration files.
type CalibrationConfig struct {
	HomographyPath string `yaml:"homography_path" env:"HOMOGRAPHY_PATH"`
	ROIPath        string `yaml:"roi_path" env:"ROI_PATH"`
}

// MappingConfig controls the mapping cycle.
type MappingConfig struct {
	TargetClass    string        `yaml:"target_class" env:"TARGET_CLASS"`
	AreaWidth      float64       `yaml:"area_width_m"`
	AreaHeight     float64       `yaml:"area_height_m"`
	CellWidth      float64       `yaml:"cell_width_m"`
	CellHeight     float64       `yaml:"cell_height_m"`
	MaxDensity     float64       `yaml:"max_density" env:"MAX_DENSITY"`
	Interval       time.Duration `yaml:"interval" env:"MAPPING_INTERVAL"`
	Cron           string        `yaml:"cron"`
	SnapshotBucket string        `yaml:"snapshot_bucket"`
	PlotBucket     string        `yaml:"plot_bucket"`
	JPEGQuality    int           `yaml:"jpeg_quality"`
}

// PreviewConfig controls the live view.
type PreviewConfig struct {
	Interval    time.Duration `yaml:"interval"`
	MaxWidth    int           `yaml:"max_width"`
	JPEGQuality int           `yaml:"jpeg_quality"`
}

// SupabaseConfig holds the remote sink credentials.
type SupabaseConfig struct {
	URL   string `yaml:"url" env:"SUPABASE_URL"`
	Key   string `yaml:"key" env:"SUPABASE_KEY"`
	Table string `yaml:"table"`
}

// TelegramConfig holds the alert bot credentials.
type TelegramConfig struct {
	Token  string `yaml:"token" env:"TELEGRAM_BOT_TOKEN"`
	ChatID string `yaml:"chat_id" env:"TELEGRAM_CHAT_ID"`
}

// StorageConfig places local state. PublicURL is the externally reachable
// base of this server, used to build absolute links to archived artifacts.
type StorageConfig struct {
	ArchiveDir  string `yaml:"archive_dir"`
	ArchiveKeep int    `yaml:"archive_keep"`
	DBPath      string `yaml:"db_path" env:"DB_PATH"`
	TempDir     string `yaml:"temp_dir"`
	RecordDir   string `yaml:"record_dir"`
	PublicURL   string `yaml:"public_url" env:"PUBLIC_URL"`
}

// HTTPConfig sets listen addresses. An empty address disables that listener.
type HTTPConfig struct {
	Addr        string `yaml:"addr" env:"HTTP_ADDR"`
	MetricsAddr string `yaml:"metrics_addr"`
	PprofAddr   string `yaml:"pprof_addr"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level      string `yaml:"level" env:"LOG_LEVEL"`
	Color      bool   `yaml:"color"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// Default returns the built-in configuration.
func Default() Config {
	src := framesource.DefaultConfig()
	det := detector.DefaultHTTPConfig()
	mc := mapping.DefaultConfig()
	pc := preview.DefaultConfig()
	return Config{
		Source: SourceConfig{
			URL:             "rtsp://localhost:8554/coop",
			OpenBackoff:     src.OpenBackoff,
			ReadBackoff:     src.ReadBackoff,
			ReadInterval:    src.ReadInterval,
			SnapshotTimeout: 10 * time.Second,
		},
		Detector: DetectorConfig{
			URL:         det.BaseURL,
			Timeout:     det.Timeout,
			JPEGQuality: det.JPEGQuality,
			Fast:        det.Fast,
			Accurate:    det.Accurate,
		},
		Calibration: CalibrationConfig{
			HomographyPath: "calibration/homography_matrix.npy",
			ROIPath:        "calibration/roi_points.npy",
		},
		Mapping: MappingConfig{
			TargetClass:    mc.TargetClass,
			AreaWidth:      mc.AreaWidth,
			AreaHeight:     mc.AreaHeight,
			CellWidth:      mc.CellWidth,
			CellHeight:     mc.CellHeight,
			MaxDensity:     mc.MaxDensity,
			Interval:       scheduler.DefaultConfig().Interval,
			SnapshotBucket: mc.SnapshotBucket,
			PlotBucket:     mc.PlotBucket,
			JPEGQuality:    mc.JPEGQuality,
		},
		Preview: PreviewConfig{
			Interval:    pc.Interval,
			MaxWidth:    pc.MaxWidth,
			JPEGQuality: pc.JPEGQuality,
		},
		Supabase: SupabaseConfig{Table: "density_mappings"},
		Storage: StorageConfig{
			ArchiveDir:  "./data/artifacts",
			ArchiveKeep: 500,
			DBPath:      "./data/mappings.db",
			TempDir:     filepath.Join(os.TempDir(), "density-mapping"),
			RecordDir:   "./recordings",
		},
		HTTP: HTTPConfig{
			Addr:        ":8080",
			MetricsAddr: ":9090",
		},
		Log: LogConfig{
			Level:      "info",
			Color:      true,
			MaxSizeMB:  20,
			MaxBackups: 5,
		},
	}
}

// Load overlays the YAML file at path (if any) and then the environment on
// top of Default, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var err error
	positive := func(name string, v float64) {
		if !(v > 0) {
			err = multierr.Append(err, fmt.Errorf("%s must be positive, got %v", name, v))
		}
	}
	positive("mapping.area_width_m", c.Mapping.AreaWidth)
	positive("mapping.area_height_m", c.Mapping.AreaHeight)
	positive("mapping.cell_width_m", c.Mapping.CellWidth)
	positive("mapping.cell_height_m", c.Mapping.CellHeight)
	positive("preview.interval", c.Preview.Interval.Seconds())
	positive("source.open_backoff", c.Source.OpenBackoff.Seconds())
	positive("source.read_backoff", c.Source.ReadBackoff.Seconds())
	if strings.TrimSpace(c.Mapping.Cron) == "" {
		positive("mapping.interval", c.Mapping.Interval.Seconds())
	}
	if c.Mapping.MaxDensity < 0 {
		err = multierr.Append(err, fmt.Errorf("mapping.max_density must not be negative, got %v", c.Mapping.MaxDensity))
	}
	if strings.TrimSpace(c.Mapping.TargetClass) == "" {
		err = multierr.Append(err, errors.New("mapping.target_class is required"))
	}
	if c.Source.URL == "" {
		err = multierr.Append(err, errors.New("source.url is required"))
	}
	if c.Calibration.HomographyPath == "" || c.Calibration.ROIPath == "" {
		err = multierr.Append(err, errors.New("calibration paths are required"))
	}
	if c.Storage.PublicURL != "" {
		u, perr := url.Parse(c.Storage.PublicURL)
		if perr != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			err = multierr.Append(err, fmt.Errorf("storage.public_url must be an absolute http(s) URL, got %q", c.Storage.PublicURL))
		}
	}
	return err
}

// ArchiveURLPrefix is the URL prefix of archived artifacts. It is absolute
// when storage.public_url is set and a path on this server otherwise.
func (c Config) ArchiveURLPrefix() string {
	return strings.TrimRight(c.Storage.PublicURL, "/") + "/artifacts"
}

// FrameSource returns the frame source timing.
func (c Config) FrameSource() framesource.Config {
	return framesource.Config{
		OpenBackoff:  c.Source.OpenBackoff,
		ReadBackoff:  c.Source.ReadBackoff,
		ReadInterval: c.Source.ReadInterval,
	}
}

// HTTPDetector returns the detector client settings.
func (c Config) HTTPDetector() detector.HTTPConfig {
	return detector.HTTPConfig{
		BaseURL:     c.Detector.URL,
		Timeout:     c.Detector.Timeout,
		JPEGQuality: c.Detector.JPEGQuality,
		Fast:        c.Detector.Fast,
		Accurate:    c.Detector.Accurate,
	}
}

// MappingEngine returns the engine settings.
func (c Config) MappingEngine() mapping.Config {
	return mapping.Config{
		TargetClass:    c.Mapping.TargetClass,
		AreaWidth:      c.Mapping.AreaWidth,
		AreaHeight:     c.Mapping.AreaHeight,
		CellWidth:      c.Mapping.CellWidth,
		CellHeight:     c.Mapping.CellHeight,
		MaxDensity:     c.Mapping.MaxDensity,
		TempDir:        c.Storage.TempDir,
		SnapshotBucket: c.Mapping.SnapshotBucket,
		PlotBucket:     c.Mapping.PlotBucket,
		JPEGQuality:    c.Mapping.JPEGQuality,
	}
}

// PreviewStage returns the live view settings.
func (c Config) PreviewStage() preview.Config {
	return preview.Config{
		Interval:    c.Preview.Interval,
		MaxWidth:    c.Preview.MaxWidth,
		JPEGQuality: c.Preview.JPEGQuality,
		TargetClass: c.Mapping.TargetClass,
	}
}

// Schedule returns the mapping trigger settings.
func (c Config) Schedule() scheduler.Config {
	return scheduler.Config{
		Name:             "density-mapping",
		Interval:         c.Mapping.Interval,
		Cron:             c.Mapping.Cron,
		StartImmediately: true,
	}
}

// SupabaseSink returns the remote sink settings.
func (c Config) SupabaseSink() sink.SupabaseConfig {
	return sink.SupabaseConfig{URL: c.Supabase.URL, Key: c.Supabase.Key, Table: c.Supabase.Table}
}

// TelegramNotifier returns the bot settings.
func (c Config) TelegramNotifier() notify.TelegramConfig {
	return notify.TelegramConfig{Token: c.Telegram.Token, ChatID: c.Telegram.ChatID}
}
