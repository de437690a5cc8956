package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/softboxd/softboxd/internal/camera"
	"github.com/softboxd/softboxd/internal/capture"
	"github.com/softboxd/softboxd/internal/effects"
	"github.com/softboxd/softboxd/internal/gallery"
	"github.com/softboxd/softboxd/internal/overlay"
	"github.com/softboxd/softboxd/internal/preset"
)

type sessionStatus struct {
	State      string `json:"state"`
	Ready      bool   `json:"ready"`
	Facing     string `json:"facing"`
	RetryCount int    `json:"retry_count"`
	Error      string `json:"error,omitempty"`
}

type effectStatus struct {
	Active string `json:"active,omitempty"`
	Loaded int    `json:"loaded"`
}

type timelapseStatus struct {
	Enabled  bool   `json:"enabled"`
	Interval string `json:"interval"`
}

type statusResponse struct {
	Session   sessionStatus    `json:"session"`
	Overlay   overlay.State    `json:"overlay"`
	Timelapse *timelapseStatus `json:"timelapse,omitempty"`
	Effect    *effectStatus    `json:"effect,omitempty"`
	Photos    int              `json:"photos"`
}

func sessionStatusOf(st camera.Status) sessionStatus {
	out := sessionStatus{
		State:      st.State.String(),
		Ready:      st.Ready,
		Facing:     st.Facing.String(),
		RetryCount: st.RetryCount,
	}
	if st.Err != nil {
		out.Error = st.Err.Error()
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode API response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// errorStatus maps service errors onto HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, camera.ErrNotRunning):
		return http.StatusConflict
	case errors.Is(err, camera.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, camera.ErrDeviceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, preset.ErrNotFound),
		errors.Is(err, gallery.ErrNotFound),
		errors.Is(err, effects.ErrUnknownEffect):
		return http.StatusNotFound
	case errors.Is(err, effects.ErrEngineClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Session: sessionStatusOf(s.deps.Controller.Status()),
		Overlay: s.deps.Overlay.Get(),
	}

	if s.deps.Timelapse != nil {
		sched := s.deps.Timelapse.Current()
		resp.Timelapse = &timelapseStatus{
			Enabled:  sched.Enabled,
			Interval: sched.Interval.String(),
		}
	}

	if s.deps.Effects != nil {
		st := &effectStatus{Loaded: len(s.deps.Effects.List())}
		if name, ok := s.deps.Effects.Active(); ok {
			st.Active = name
		}
		resp.Effect = st
	}

	if count, err := s.deps.Gallery.Count(); err == nil {
		resp.Photos = count
	} else {
		log.Warn().Err(err).Msg("Failed to count photos for status")
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleConfigure(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Facing string `json:"facing"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	facing, err := camera.ParseFacing(body.Facing)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if !s.deps.Controller.Configure(facing) {
		writeError(w, http.StatusConflict, "session already configured")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"accepted": true,
		"facing":   facing.String(),
	})
}

func (s *Server) handleSwitch(w http.ResponseWriter, r *http.Request) {
	s.sessionOp(w, r, s.deps.Controller.SwitchFacing)
}

func (s *Server) handleRepair(w http.ResponseWriter, r *http.Request) {
	s.sessionOp(w, r, s.deps.Controller.Repair)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.sessionOp(w, r, s.deps.Controller.StopSession)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.sessionOp(w, r, s.deps.Controller.Resume)
}

func (s *Server) sessionOp(w http.ResponseWriter, r *http.Request, op func(context.Context) error) {
	if err := op(r.Context()); err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sessionStatusOf(s.deps.Controller.Status()))
}

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PresetID string `json:"preset_id"`
		DelayMS  int    `json:"delay_ms"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.DelayMS < 0 {
		writeError(w, http.StatusBadRequest, "delay_ms must not be negative")
		return
	}

	if body.PresetID != "" {
		if _, err := s.deps.Presets.Get(body.PresetID); err != nil {
			writeError(w, errorStatus(err), err.Error())
			return
		}
	}

	res, err := s.deps.Flow.Do(r.Context(), capture.Request{
		PresetID:       body.PresetID,
		Delay:          time.Duration(body.DelayMS) * time.Millisecond,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
		Source:         "api",
	})
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"photo":    res.Photo,
		"replayed": res.Replayed,
	})
}

func (s *Server) handleListPresets(w http.ResponseWriter, r *http.Request) {
	var (
		presets []preset.Preset
		err     error
	)
	if category := r.URL.Query().Get("category"); category != "" {
		presets, err = s.deps.Presets.ByCategory(category)
	} else {
		presets, err = s.deps.Presets.List()
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"presets": presets})
}

func (s *Server) handleCreatePreset(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name       string  `json:"name"`
		Category   string  `json:"category"`
		Hue        float64 `json:"hue"`
		Brightness float64 `json:"brightness"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Name == "" {
		writeError(w, http.StatusBadRequest, "preset name required")
		return
	}

	p, err := s.deps.Presets.Create(body.Name, body.Category, body.Hue, body.Brightness)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleApplyPreset(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	p, err := s.deps.Presets.Get(id)
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}

	state := s.deps.Overlay.ApplyPreset(p.Hue, p.Brightness)
	s.deps.Presets.NotifyApplied(p)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"preset":  p,
		"overlay": state,
	})
}

func (s *Server) handleGetOverlay(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Overlay.Get())
}

func (s *Server) handlePatchOverlay(w http.ResponseWriter, r *http.Request) {
	var patch overlay.Patch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Overlay.Apply(patch, overlay.SourceAPI))
}

func (s *Server) handleListPhotos(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	if limit < 1 || limit > 200 {
		limit = 50
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	photos, err := s.deps.Gallery.List(limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	total, err := s.deps.Gallery.Count()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"photos": photos,
		"total":  total,
	})
}

func (s *Server) handleGetPhoto(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Gallery.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handlePhotoData(w http.ResponseWriter, r *http.Request) {
	rc, p, err := s.deps.Gallery.Open(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.FormatInt(p.SizeBytes, 10))
	if _, err := io.Copy(w, rc); err != nil {
		log.Warn().Err(err).Str("id", p.ID).Msg("Photo download interrupted")
	}
}

func (s *Server) handleListEffects(w http.ResponseWriter, r *http.Request) {
	if s.deps.Effects == nil {
		writeError(w, http.StatusServiceUnavailable, "effects disabled")
		return
	}

	infos := s.deps.Effects.List()
	out := make([]map[string]string, 0, len(infos))
	for _, info := range infos {
		out = append(out, map[string]string{
			"name":     info.Name,
			"interval": info.Interval.String(),
		})
	}

	resp := map[string]interface{}{"effects": out}
	if name, ok := s.deps.Effects.Active(); ok {
		resp["active"] = name
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStartEffect(w http.ResponseWriter, r *http.Request) {
	if s.deps.Effects == nil {
		writeError(w, http.StatusServiceUnavailable, "effects disabled")
		return
	}

	name := mux.Vars(r)["name"]
	if err := s.deps.Effects.Start(r.Context(), name); err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"active": name})
}

func (s *Server) handleStopEffect(w http.ResponseWriter, r *http.Request) {
	if s.deps.Effects == nil {
		writeError(w, http.StatusServiceUnavailable, "effects disabled")
		return
	}

	stopped, err := s.deps.Effects.Stop(r.Context())
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"stopped": stopped})
}

func (s *Server) handleStartTimelapse(w http.ResponseWriter, r *http.Request) {
	if s.deps.Timelapse == nil {
		writeError(w, http.StatusServiceUnavailable, "timelapse disabled")
		return
	}

	var body struct {
		Interval string `json:"interval"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var interval time.Duration
	if body.Interval != "" {
		var err error
		interval, err = time.ParseDuration(body.Interval)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid interval: "+err.Error())
			return
		}
	}

	sched := s.deps.Timelapse.Start(interval)
	writeJSON(w, http.StatusOK, timelapseStatus{
		Enabled:  sched.Enabled,
		Interval: sched.Interval.String(),
	})
}

func (s *Server) handleStopTimelapse(w http.ResponseWriter, r *http.Request) {
	if s.deps.Timelapse == nil {
		writeError(w, http.StatusServiceUnavailable, "timelapse disabled")
		return
	}

	sched := s.deps.Timelapse.Stop()
	writeJSON(w, http.StatusOK, timelapseStatus{
		Enabled:  sched.Enabled,
		Interval: sched.Interval.String(),
	})
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
