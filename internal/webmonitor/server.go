package webmonitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dj-oyu/coop-density/mapping-server/internal/logger"
	"github.com/dj-oyu/coop-density/mapping-server/internal/mapping"
	"github.com/dj-oyu/coop-density/mapping-server/internal/metrics"
)

// Server serves the live preview, mapping results and health endpoints.
type Server struct {
	cfg      Config
	deps     Deps
	monitor  *Monitor
	frames   *FrameBroadcaster
	mappings *MappingBroadcaster

	done     chan struct{}
	stopOnce sync.Once
}

// NewServer returns a configured monitor server. Call Start to begin
// streaming preview frames and Stop on shutdown.
func NewServer(cfg Config, deps Deps, m *metrics.Metrics) *Server {
	def := DefaultConfig()
	if cfg.MJPEGInterval <= 0 {
		cfg.MJPEGInterval = def.MJPEGInterval
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = def.StatusInterval
	}

	frames := NewFrameBroadcaster(deps.Preview, cfg.MJPEGInterval, m)
	return &Server{
		cfg:      cfg,
		deps:     deps,
		monitor:  NewMonitor(deps, frames, cfg.HistoryLimit),
		frames:   frames,
		mappings: NewMappingBroadcaster(),
		done:     make(chan struct{}),
	}
}

// Start begins the frame fanout loop.
func (s *Server) Start() {
	s.frames.Start()
}

// Stop disconnects stream clients. Open SSE handlers return so that
// http.Server.Shutdown does not wait on them.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.frames.Stop()
	})
}

// PublishMapping forwards a completed cycle to SSE clients.
func (s *Server) PublishMapping(res *mapping.Result) {
	s.mappings.Publish(res)
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/stream", s.handleStream)
	mux.HandleFunc("/snapshot.jpg", s.handleSnapshot)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/status/stream", s.handleStatusStream)
	mux.HandleFunc("/api/mapping/latest", s.handleMappingLatest)
	mux.HandleFunc("/api/mapping/stream", s.handleMappingStream)
	mux.HandleFunc("/api/mapping/run", s.handleMappingRun)
	mux.HandleFunc("/api/calibration", s.handleCalibration)
	mux.HandleFunc("/api/calibration/reload", s.handleCalibrationReload)
	mux.HandleFunc("/api/dashboard_data", s.handleDashboardData)
	mux.HandleFunc("/api/recording/start", s.handleRecordingStart)
	mux.HandleFunc("/api/recording/stop", s.handleRecordingStop)
	mux.HandleFunc("/api/recording/status", s.handleRecordingStatus)
	if s.cfg.ArtifactsDir != "" {
		mux.Handle("/artifacts/", http.StripPrefix("/artifacts", newArtifactHandler(s.cfg.ArtifactsDir)))
	}

	return mux
}

func wantsProtobuf(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "application/protobuf") ||
		strings.Contains(accept, "application/x-protobuf")
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexHTML))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.deps.Engine.Readiness()
	payload := map[string]any{
		"status":      "ok",
		"calibration": st,
	}
	if s.deps.Source != nil {
		payload["source"] = s.deps.Source.Status()
	}
	if !st.Ready {
		payload["status"] = "not_ready"
		writeJSONWithStatus(w, payload, http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, payload)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id, frameCh := s.frames.Subscribe()
	defer s.frames.Unsubscribe(id)

	first, _ := s.deps.Preview.TryReadLatest()
	streamMJPEGFromChannel(r.Context(), w, frameCh, first)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	data, ok := s.deps.Preview.TryReadLatest()
	if !ok {
		writeJSONWithStatus(w, map[string]any{"error": "no frame available"}, http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(data)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.monitor.Status())
}

func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ticker := time.NewTicker(s.cfg.StatusInterval)
	defer ticker.Stop()

	for {
		if err := writeSSE(w, s.monitor.Status()); err != nil {
			return
		}
		flusher.Flush()
		select {
		case <-r.Context().Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) handleMappingLatest(w http.ResponseWriter, r *http.Request) {
	res := s.deps.Engine.Latest()
	if res == nil {
		writeJSONWithStatus(w, map[string]any{"error": "no mapping yet"}, http.StatusNotFound)
		return
	}
	fields := resultFields(res)
	if !wantsProtobuf(r) {
		writeJSON(w, fields)
		return
	}

	data, err := marshalStruct(fields)
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/protobuf")
	_, _ = w.Write(data)
}

func (s *Server) handleMappingStream(w http.ResponseWriter, r *http.Request) {
	id, eventCh := s.mappings.Subscribe()
	defer s.mappings.Unsubscribe(id)
	streamEventsFromChannel(r.Context(), s.done, w, eventCh, wantsProtobuf(r))
}

func (s *Server) handleMappingRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.deps.Engine.Ready() {
		writeJSONWithStatus(w, map[string]any{"error": mapping.ErrNotReady.Error()}, http.StatusServiceUnavailable)
		return
	}
	if s.deps.Trigger == nil {
		writeJSONWithStatus(w, map[string]any{"error": "scheduler is not running"}, http.StatusServiceUnavailable)
		return
	}
	if err := s.deps.Trigger(); err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusConflict)
		return
	}
	writeJSONWithStatus(w, map[string]any{"status": "triggered"}, http.StatusAccepted)
}

func (s *Server) handleCalibration(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.deps.Engine.Readiness())
}

func (s *Server) handleCalibrationReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Reload == nil {
		writeJSONWithStatus(w, map[string]any{"error": "reload not supported"}, http.StatusNotImplemented)
		return
	}
	if err := s.deps.Reload(); err != nil {
		writeJSONWithStatus(w, map[string]any{
			"error":       err.Error(),
			"calibration": s.deps.Engine.Readiness(),
		}, http.StatusUnprocessableEntity)
		return
	}
	logger.Info("WebMonitor", "Calibration reloaded on request")
	writeJSON(w, s.deps.Engine.Readiness())
}

func (s *Server) handleDashboardData(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	data, err := s.monitor.Dashboard(ctx)
	if err != nil {
		logger.Warn("WebMonitor", "Dashboard query failed: %v", err)
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusInternalServerError)
		return
	}
	writeJSON(w, data)
}

func (s *Server) handleRecordingStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Recorder == nil {
		writeJSONWithStatus(w, map[string]any{"error": "recording is not configured"}, http.StatusNotImplemented)
		return
	}

	filename, err := s.deps.Recorder.Start()
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusBadRequest)
		return
	}

	payload := map[string]any{
		"status":     "recording",
		"file":       filename,
		"started_at": float64(time.Now().Unix()),
	}
	writeJSON(w, payload)
}

func (s *Server) handleRecordingStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Recorder == nil {
		writeJSONWithStatus(w, map[string]any{"error": "recording is not configured"}, http.StatusNotImplemented)
		return
	}

	filename, err := s.deps.Recorder.Stop()
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusBadRequest)
		return
	}

	payload := map[string]any{
		"status":     "stopped",
		"file":       filename,
		"stats":      s.deps.Recorder.GetStatus(),
		"stopped_at": float64(time.Now().Unix()),
	}
	writeJSON(w, payload)
}

func (s *Server) handleRecordingStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Recorder == nil {
		writeJSON(w, map[string]any{"recording": false})
		return
	}
	writeJSON(w, s.deps.Recorder.GetStatus())
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":%q}`, err.Error())
	}
}

// ListenAndServe runs the HTTP server until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("WebMonitor", "HTTP server listening on %s", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Stop()
		return srv.Shutdown(shutdownCtx)
	}
}
