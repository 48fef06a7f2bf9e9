package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/CK6170/spectro-go/file"
	"github.com/CK6170/spectro-go/instrument"
	"github.com/CK6170/spectro-go/models"
)

type DeviceSession struct {
	mu sync.Mutex

	dev  *instrument.Device
	stop chan struct{} // ends the press forwarder

	// One active operation at a time
	opCancel context.CancelFunc
	opKind   string
}

type Server struct {
	mux *http.ServeMux
	log zerolog.Logger

	open Opener
	opts instrument.Options

	store *ReadingStore
	dev   *DeviceSession

	// WebSocket hub for presses, calibrations and readings
	ws *WSHub
}

func New(open Opener, opts instrument.Options, log zerolog.Logger) *Server {
	s := &Server{
		mux:   http.NewServeMux(),
		log:   log.With().Str("component", "server").Logger(),
		open:  open,
		opts:  opts,
		store: NewReadingStore(),
		dev:   &DeviceSession{},
		ws:    NewWSHub(),
	}

	// API
	s.mux.HandleFunc("/api/health", s.handleHealth)
	s.mux.HandleFunc("/api/connect", s.handleConnect)
	s.mux.HandleFunc("/api/disconnect", s.handleDisconnect)
	s.mux.HandleFunc("/api/status", s.handleStatus)
	s.mux.HandleFunc("/api/needs", s.handleNeeds)
	s.mux.HandleFunc("/api/calibrate", s.handleCalibrate)
	s.mux.HandleFunc("/api/measure", s.handleMeasure)
	s.mux.HandleFunc("/api/stop", s.handleStopOp)
	s.mux.HandleFunc("/api/readings", s.handleReadings)
	s.mux.HandleFunc("/api/download", s.handleDownload)

	// WS
	s.mux.HandleFunc("/ws/events", s.handleWSEvents)

	return s
}

func (s *Server) Handler() http.Handler { return s.mux }

// Close disconnects the instrument.
func (s *Server) Close() error {
	s.dev.mu.Lock()
	defer s.dev.mu.Unlock()
	s.dev.cancelLocked()
	return s.dev.disconnectLocked()
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) readJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	b, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// writeError maps instrument errors to HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, kind := http.StatusInternalServerError, ""
	switch {
	case errors.Is(err, models.ErrBusy):
		status, kind = http.StatusConflict, "busy"
	case errors.Is(err, models.ErrUserAbort), errors.Is(err, context.Canceled):
		status, kind = http.StatusConflict, "aborted"
	case errors.Is(err, models.ErrNeedsCalibration):
		status, kind = http.StatusPreconditionFailed, "calibration"
	case errors.Is(err, models.ErrUnsupportedMode):
		status = http.StatusBadRequest
	case models.IsMeasurementQuality(err):
		status, kind = http.StatusUnprocessableEntity, "quality"
	case models.IsDataIntegrity(err):
		kind = "integrity"
	}
	s.writeJSON(w, status, APIError{Error: err.Error(), Kind: kind})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	s.writeJSON(w, 200, HealthResponse{OK: true, Timestamp: time.Now()})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	s.dev.mu.Lock()
	defer s.dev.mu.Unlock()

	s.dev.cancelLocked()
	_ = s.dev.disconnectLocked()

	d, err := openDevice(r.Context(), s.open, s.opts)
	if err != nil {
		s.log.Warn().Err(err).Msg("connect failed")
		s.writeError(w, err)
		return
	}
	s.dev.dev = d
	s.dev.stop = make(chan struct{})
	go forwardPresses(d, s.ws, s.dev.stop)

	st := d.Status()
	warn := ""
	if !st.Ambient {
		warn = "instrument has no ambient capability"
	}
	s.log.Info().Int("serial", st.Serial).Int("firmware", st.Firmware).Msg("connected")
	s.writeJSON(w, 200, ConnectResponse{
		Connected: true,
		Serial:    st.Serial,
		Firmware:  st.Firmware,
		HighGain:  st.HighGain,
		Ambient:   st.Ambient,
		Warning:   warn,
	})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	s.dev.mu.Lock()
	defer s.dev.mu.Unlock()
	s.dev.cancelLocked()
	if err := s.dev.disconnectLocked(); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, 200, map[string]bool{"ok": true})
}

func (s *Server) handleStopOp(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	s.dev.mu.Lock()
	defer s.dev.mu.Unlock()
	s.dev.cancelLocked()
	s.writeJSON(w, 200, map[string]bool{"ok": true})
}

func (d *DeviceSession) cancelLocked() {
	if d.opCancel != nil {
		d.opCancel()
		d.opCancel = nil
		d.opKind = ""
	}
}

func (d *DeviceSession) disconnectLocked() error {
	if d.dev == nil {
		return nil
	}
	close(d.stop)
	err := d.dev.Close(context.Background())
	d.dev, d.stop = nil, nil
	return err
}

// beginOp registers a cancellable operation. The returned done func must be
// called when the operation ends.
func (s *Server) beginOp(r *http.Request, kind string) (*instrument.Device, context.Context, func(), error) {
	s.dev.mu.Lock()
	defer s.dev.mu.Unlock()
	if s.dev.dev == nil {
		return nil, nil, nil, errNotConnected
	}
	if s.dev.opKind != "" {
		return nil, nil, nil, fmt.Errorf("%s in progress: %w", s.dev.opKind, models.ErrBusy)
	}
	ctx, cancel := context.WithCancel(r.Context())
	s.dev.opCancel = cancel
	s.dev.opKind = kind
	done := func() {
		cancel()
		s.dev.mu.Lock()
		if s.dev.opKind == kind {
			s.dev.opKind = ""
			s.dev.opCancel = nil
		}
		s.dev.mu.Unlock()
	}
	return s.dev.dev, ctx, done, nil
}

var errNotConnected = errors.New("not connected")

func (s *Server) device() *instrument.Device {
	s.dev.mu.Lock()
	defer s.dev.mu.Unlock()
	return s.dev.dev
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	d := s.device()
	if d == nil {
		s.writeJSON(w, 200, instrument.Status{})
		return
	}
	s.writeJSON(w, 200, d.Status())
}

func (s *Server) handleNeeds(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	m, err := models.ParseMode(r.URL.Query().Get("mode"))
	if err != nil {
		s.writeJSON(w, 400, APIError{Error: err.Error()})
		return
	}
	d := s.device()
	if d == nil {
		s.writeJSON(w, 400, APIError{Error: errNotConnected.Error()})
		return
	}
	ct, cond, err := d.Needs(m)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, 200, NeedsResponse{Mode: m, Needs: ct, Condition: cond, Prompt: cond.Prompt()})
}

func (s *Server) handleCalibrate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req CalibrateRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeJSON(w, 400, APIError{Error: err.Error()})
		return
	}
	d, ctx, done, err := s.beginOp(r, "calibration")
	if err != nil {
		s.writeOpError(w, err)
		return
	}
	defer done()

	res, err := d.Calibrate(ctx, req.Mode, req.CalType, req.Condition)
	var retry *models.RetryWithCondition
	if errors.As(err, &retry) {
		s.writeJSON(w, http.StatusConflict, RetryResponse{Retry: true, Expected: retry.Expected, Prompt: retry.Expected.Prompt()})
		return
	}
	if err != nil {
		s.ws.Broadcast(WSMessage{Type: "error", Data: map[string]string{"error": err.Error()}})
		s.writeError(w, err)
		return
	}
	s.ws.Broadcast(WSMessage{Type: "calibrated", Data: res})
	s.writeJSON(w, 200, res)
}

func (s *Server) handleMeasure(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req MeasureRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeJSON(w, 400, APIError{Error: err.Error()})
		return
	}
	d, ctx, done, err := s.beginOp(r, "measurement")
	if err != nil {
		s.writeOpError(w, err)
		return
	}
	defer done()

	readings, err := d.Measure(ctx, req.Mode, req.Patches)
	if err != nil {
		s.ws.Broadcast(WSMessage{Type: "error", Data: map[string]string{"error": err.Error()}})
		s.writeError(w, err)
		return
	}
	rec, err := s.store.Put(req.Mode, readings)
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := MeasureResponse{ID: rec.ID, Readings: readings}
	s.ws.Broadcast(WSMessage{Type: "reading", Data: resp})
	s.writeJSON(w, 200, resp)
}

func (s *Server) writeOpError(w http.ResponseWriter, err error) {
	if errors.Is(err, errNotConnected) {
		s.writeJSON(w, 400, APIError{Error: err.Error()})
		return
	}
	s.writeError(w, err)
}

func (s *Server) handleReadings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	recs := s.store.List()
	out := make([]ReadingSummary, 0, len(recs))
	for _, rec := range recs {
		out = append(out, ReadingSummary{ID: rec.ID, Time: rec.Time, Mode: rec.Mode, Patches: len(rec.Readings)})
	}
	s.writeJSON(w, 200, out)
}

// handleDownload returns a stored measurement as CSV.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		s.writeJSON(w, 400, APIError{Error: "missing id"})
		return
	}
	rec, ok := s.store.Get(id)
	if !ok {
		s.writeJSON(w, 404, APIError{Error: "not found"})
		return
	}
	sb := &strings.Builder{}
	highRes := len(rec.Readings) > 0 && rec.Readings[0].HighRes
	sb.WriteString(file.CSVHeader(highRes) + "\n")
	for _, rd := range rec.Readings {
		sb.WriteString(file.ReadingCSV(rd) + "\n")
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", rec.Mode.String()+"_"+rec.ID+".csv"))
	w.WriteHeader(200)
	_, _ = w.Write([]byte(sb.String()))
}
