package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	_ "net/http/pprof" // Enable pprof
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.uber.org/multierr"

	"github.com/dj-oyu/coop-density/mapping-server/internal/archive"
	"github.com/dj-oyu/coop-density/mapping-server/internal/calibration"
	"github.com/dj-oyu/coop-density/mapping-server/internal/capture"
	"github.com/dj-oyu/coop-density/mapping-server/internal/capture/opencv"
	"github.com/dj-oyu/coop-density/mapping-server/internal/config"
	"github.com/dj-oyu/coop-density/mapping-server/internal/detector"
	"github.com/dj-oyu/coop-density/mapping-server/internal/framesource"
	"github.com/dj-oyu/coop-density/mapping-server/internal/logger"
	"github.com/dj-oyu/coop-density/mapping-server/internal/mapping"
	"github.com/dj-oyu/coop-density/mapping-server/internal/metrics"
	"github.com/dj-oyu/coop-density/mapping-server/internal/notify"
	"github.com/dj-oyu/coop-density/mapping-server/internal/preview"
	"github.com/dj-oyu/coop-density/mapping-server/internal/recorder"
	"github.com/dj-oyu/coop-density/mapping-server/internal/scheduler"
	"github.com/dj-oyu/coop-density/mapping-server/internal/sink"
	"github.com/dj-oyu/coop-density/mapping-server/internal/store"
	"github.com/dj-oyu/coop-density/mapping-server/internal/webmonitor"
)

var (
	// Command-line flags
	configPath = flag.String("config", "", "YAML config file (optional)")
	httpAddr   = flag.String("http", "", "HTTP server address (overrides config)")
	logLevel   = flag.String("log-level", "", "Log level (debug, info, warn, error, silent)")
	runOnce    = flag.Bool("once", false, "Run a single mapping cycle and exit")
)

// Server owns every long-running component of the mapping service.
type Server struct {
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	cfg     config.Config
	metrics *metrics.Metrics

	calibration *calibration.Store
	source      *framesource.Source
	preview     *preview.Stage
	engine      *mapping.Engine
	scheduler   *scheduler.Scheduler
	recorder    *recorder.Recorder
	db          *store.Store
	web         *webmonitor.Server

	logFile io.Closer
}

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if *httpAddr != "" {
		cfg.HTTP.Addr = *httpAddr
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	var out io.Writer = os.Stderr
	var logFile io.WriteCloser
	if cfg.Log.File != "" {
		logFile = logger.RotatingFile(cfg.Log.File, cfg.Log.MaxSizeMB, cfg.Log.MaxBackups)
		out = io.MultiWriter(os.Stderr, logFile)
	}
	logger.Init(level, out, cfg.Log.Color)

	logger.Info("Main", "Density mapping server starting...")
	logger.Info("Main", "Log level: %s", level)

	srv, err := NewServer(cfg)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}
	srv.logFile = logFile

	if *runOnce {
		res, err := srv.RunOnce(30 * time.Second)
		_ = srv.Shutdown()
		if err != nil {
			log.Fatalf("Mapping cycle failed: %v", err)
		}
		logger.Info("Main", "Cycle %s: %d in ROI, %d excluded, %d alerts",
			res.ID, res.InROICount, res.ExcludedCount, len(res.Alerts))
		return
	}

	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	// SIGHUP reloads calibration; SIGINT/SIGTERM stop the server.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigChan {
		if sig == syscall.SIGHUP {
			if err := srv.reloadCalibration(); err != nil {
				logger.Warn("Main", "Calibration reload failed: %v", err)
			}
			continue
		}
		break
	}

	logger.Info("Main", "Shutting down...")

	if err := srv.Shutdown(); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}

	log.Println("Server stopped")
}

// NewServer wires the components described by cfg.
func NewServer(cfg config.Config) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())

	m := metrics.New()

	cal := calibration.NewStore(cfg.Calibration.HomographyPath, cfg.Calibration.ROIPath)
	if err := cal.Reload(); err != nil {
		logger.Warn("Main", "Calibration not ready, mapping is disabled until reload: %v", err)
	}
	m.SetCalibrationReady(cal.Ready())

	src := framesource.New(openerFor(cfg), cfg.FrameSource(), m)
	det := detector.NewHTTPDetector(cfg.HTTPDetector())

	uploader, records, db := sinks(cfg)

	notifiers := notify.Multi{notify.Log{}}
	if tg := notify.NewTelegram(cfg.TelegramNotifier()); tg != nil {
		notifiers = append(notifiers, tg)
		logger.Info("Main", "Telegram alerts enabled")
	}

	engine, err := mapping.New(cfg.MappingEngine(), mapping.Deps{
		Frames:      src,
		Detector:    det,
		Calibration: cal,
		Uploader:    uploader,
		Recorder:    records,
		Notifier:    notifiers,
		Metrics:     m,
	})
	if err != nil {
		cancel()
		if db != nil {
			_ = db.Close()
		}
		return nil, fmt.Errorf("failed to create mapping engine: %w", err)
	}
	if n, err := engine.SweepTemp(); err != nil {
		logger.Warn("Main", "Temp sweep failed: %v", err)
	} else if n > 0 {
		logger.Info("Main", "Removed %d stale artifacts", n)
	}

	sched, err := scheduler.New(ctx, cfg.Schedule(), engine)
	if err != nil {
		cancel()
		if db != nil {
			_ = db.Close()
		}
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	prev := preview.New(cfg.PreviewStage(), src, det, cal, m)

	if err := os.MkdirAll(cfg.Storage.RecordDir, 0755); err != nil {
		logger.Warn("Main", "Failed to create recordings directory: %v", err)
	}
	rec := recorder.NewRecorder(cfg.Storage.RecordDir)
	prev.AddSink(func(frame []byte) { rec.SendFrame(frame) })

	srv := &Server{
		ctx:         ctx,
		cancel:      cancel,
		cfg:         cfg,
		metrics:     m,
		calibration: cal,
		source:      src,
		preview:     prev,
		engine:      engine,
		scheduler:   sched,
		recorder:    rec,
		db:          db,
	}

	deps := webmonitor.Deps{
		Preview:  prev.Slot(),
		Source:   src,
		Engine:   engine,
		Recorder: rec,
		Trigger:  sched.RunNow,
		Reload:   srv.reloadCalibration,
		NextRun:  sched.NextRun,
	}
	if db != nil {
		deps.History = db
	}
	wcfg := webmonitor.DefaultConfig()
	wcfg.Addr = cfg.HTTP.Addr
	wcfg.ArtifactsDir = cfg.Storage.ArchiveDir
	srv.web = webmonitor.NewServer(wcfg, deps, m)
	engine.OnResult(srv.web.PublishMapping)

	return srv, nil
}

func openerFor(cfg config.Config) framesource.Opener {
	switch url := cfg.Source.URL; {
	case capture.IsHTTP(url):
		logger.Info("Main", "Frame source: HTTP snapshots from %s", url)
		return capture.SnapshotOpener(url, cfg.Source.SnapshotTimeout)
	case capture.IsStill(url):
		logger.Info("Main", "Frame source: still image %s", url)
		return capture.StillOpener(url)
	default:
		logger.Info("Main", "Frame source: video stream %s", url)
		return opencv.Opener(url)
	}
}

// sinks builds the artifact uploader and the record fanout. Supabase is
// preferred when configured, the local archive and database always run.
func sinks(cfg config.Config) (sink.ArtifactUploader, sink.MappingRecorder, *store.Store) {
	arch := archive.New(cfg.Storage.ArchiveDir, cfg.ArchiveURLPrefix(), cfg.Storage.ArchiveKeep)
	if cfg.Storage.PublicURL == "" {
		logger.Warn("Main", "storage.public_url is unset, alert messages will not link archived plots")
	}

	var uploaders sink.FallbackUploader
	var records sink.MultiRecorder

	if supa := sink.NewSupabase(cfg.SupabaseSink()); supa != nil {
		uploaders = append(uploaders, supa)
		records = append(records, supa)
		logger.Info("Main", "Supabase sink enabled")
	}
	uploaders = append(uploaders, arch)

	var db *store.Store
	if err := os.MkdirAll(filepath.Dir(cfg.Storage.DBPath), 0755); err != nil {
		logger.Warn("Main", "Failed to create database directory: %v", err)
	} else if d, err := store.Open(cfg.Storage.DBPath); err != nil {
		logger.Warn("Main", "Local history disabled: %v", err)
	} else {
		db = d
		records = append(records, db)
	}

	return uploaders, records, db
}

// Start launches every component. The mapping schedule only starts once a
// calibration is loaded.
func (s *Server) Start() error {
	logger.Info("Main", "Starting density mapping server...")
	logger.Info("Main", "  Video source: %s", s.cfg.Source.URL)
	logger.Info("Main", "  Detector: %s", s.cfg.Detector.URL)
	logger.Info("Main", "  HTTP server: %s", s.cfg.HTTP.Addr)
	logger.Info("Main", "  Metrics server: %s", s.cfg.HTTP.MetricsAddr)
	logger.Info("Main", "  Artifacts: %s", s.cfg.Storage.ArchiveDir)

	if addr := s.cfg.HTTP.PprofAddr; addr != "" {
		go func() {
			logger.Info("Main", "Starting pprof server on %s", addr)
			if err := http.ListenAndServe(addr, nil); err != nil {
				logger.Warn("Main", "pprof server error: %v", err)
			}
		}()
	}

	if addr := s.cfg.HTTP.MetricsAddr; addr != "" {
		go func() {
			logger.Info("Main", "Starting metrics server on %s", addr)
			if err := s.metrics.StartServer(addr); err != nil {
				logger.Warn("Main", "Metrics server error: %v", err)
			}
		}()
	}

	s.web.Start()

	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		_ = s.source.Run(s.ctx)
	}()
	go func() {
		defer s.wg.Done()
		_ = s.preview.Run(s.ctx)
	}()
	go func() {
		defer s.wg.Done()
		if err := s.web.ListenAndServe(s.ctx); err != nil {
			logger.Error("Main", "HTTP server error: %v", err)
		}
	}()

	if s.engine.Ready() {
		s.scheduler.Start()
	} else {
		logger.Warn("Main", "Scheduler waiting for calibration (send SIGHUP or POST /api/calibration/reload)")
	}

	logger.Info("Main", "Server started successfully")
	return nil
}

// RunOnce reads frames until one is available, runs a single mapping cycle
// and returns its result.
func (s *Server) RunOnce(wait time.Duration) (*mapping.Result, error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = s.source.Run(s.ctx)
	}()

	ctx, cancel := context.WithTimeout(s.ctx, wait)
	defer cancel()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if _, ok := s.source.TryReadLatest(); ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("no frame within %v: %w", wait, mapping.ErrNoFrame)
		case <-ticker.C:
		}
	}
	return s.engine.RunCycle(s.ctx)
}

// reloadCalibration re-reads the calibration files and starts the schedule
// the first time it succeeds.
func (s *Server) reloadCalibration() error {
	err := s.calibration.Reload()
	s.metrics.SetCalibrationReady(s.calibration.Ready())
	if err != nil {
		return err
	}
	if !s.scheduler.Started() {
		s.scheduler.Start()
	}
	return nil
}

// Shutdown stops the schedule, waits for the workers and releases files.
func (s *Server) Shutdown() error {
	s.cancel()

	var err error
	if serr := s.scheduler.Shutdown(); serr != nil {
		err = multierr.Append(err, fmt.Errorf("scheduler: %w", serr))
	}
	s.wg.Wait()

	if rerr := s.recorder.Close(); rerr != nil {
		err = multierr.Append(err, fmt.Errorf("recorder: %w", rerr))
	}
	if s.db != nil {
		if derr := s.db.Close(); derr != nil {
			err = multierr.Append(err, fmt.Errorf("database: %w", derr))
		}
	}
	if s.logFile != nil {
		_ = s.logFile.Close()
	}
	return err
}
