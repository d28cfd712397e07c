package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"stemfm/core/audio"
	"stemfm/core/auth"
	"stemfm/core/platform"
	"stemfm/core/resilience"
	"stemfm/core/session"
	"stemfm/logger"
	"stemfm/model"
)

// Controller is the engine surface the HTTP API drives.
type Controller interface {
	State() audio.PlaybackState
	Tracks() []model.Track
	Snapshot() audio.Frame
	PlayTrack(ctx context.Context, index int) error
	TogglePlay(ctx context.Context) error
	Play(ctx context.Context) error
	Pause(ctx context.Context) error
	PlayNext(ctx context.Context) error
	PlayPrev(ctx context.Context) error
	Seek(t float64)
	SeekToPercent(p float64)
	SeekBy(delta float64)
	SetVolume(v float64)
	SetMuted(muted bool)
	ToggleStem(s audio.Stem) (bool, error)
	CrossfadeTo(ctx context.Context, index int) error
	CancelCrossfade()
	CrossfadeProgress() float64
}

// SignalSink receives environment events reported by front ends.
type SignalSink interface {
	Post(ev resilience.Event)
}

// APIHandler serves the control API.
type APIHandler struct {
	engine     Controller
	monitor    SignalSink
	hub        *session.Hub
	facts      platform.Facts
	issuer     *auth.Issuer // nil disables auth
	secretHash string
	timeout    time.Duration
}

// HandlerOption configures an APIHandler.
type HandlerOption func(*APIHandler)

// WithAuth requires a bearer token from issuer, obtained by pairing with
// the bcrypt-hashed secret.
func WithAuth(issuer *auth.Issuer, secretHash string) HandlerOption {
	return func(h *APIHandler) {
		h.issuer = issuer
		h.secretHash = secretHash
	}
}

// WithHub serves the media session websocket.
func WithHub(hub *session.Hub) HandlerOption {
	return func(h *APIHandler) { h.hub = hub }
}

// WithFacts reports the host's platform facts from /api/environment.
func WithFacts(f platform.Facts) HandlerOption {
	return func(h *APIHandler) { h.facts = f }
}

// NewAPIHandler creates the handler set. monitor may be nil.
func NewAPIHandler(engine Controller, monitor SignalSink, opts ...HandlerOption) *APIHandler {
	h := &APIHandler{engine: engine, monitor: monitor, timeout: 15 * time.Second}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("failed to encode response", logger.ErrorField(err))
	}
}

// writeEngineError maps engine errors to status codes. Audio errors carry
// their classification in the body.
func writeEngineError(w http.ResponseWriter, err error) {
	var ae *audio.AudioError
	switch {
	case errors.Is(err, audio.ErrIndexOutOfRange):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, audio.ErrClosed):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.As(err, &ae):
		writeJSON(w, http.StatusConflict, map[string]interface{}{"error": ae})
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.ContentLength == 0 {
		return true
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// respondState writes the engine state after a successful command.
func (h *APIHandler) respondState(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, h.engine.State())
}

// run executes a blocking transport command with the handler timeout.
func (h *APIHandler) run(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		logger.Warn("transport command failed", logger.String("path", r.URL.Path), logger.ErrorField(err))
		writeEngineError(w, err)
		return
	}
	h.respondState(w)
}

func (h *APIHandler) GetStateHandler(w http.ResponseWriter, r *http.Request) {
	h.respondState(w)
}

func (h *APIHandler) GetTracksHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Tracks())
}

func (h *APIHandler) VisualizerHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Snapshot())
}

// PlayHandler plays tracks[index] when an index is given, else resumes.
func (h *APIHandler) PlayHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Index *int `json:"index"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	h.run(w, r, func(ctx context.Context) error {
		if req.Index != nil {
			return h.engine.PlayTrack(ctx, *req.Index)
		}
		return h.engine.Play(ctx)
	})
}

func (h *APIHandler) PauseHandler(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, h.engine.Pause)
}

func (h *APIHandler) ToggleHandler(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, h.engine.TogglePlay)
}

func (h *APIHandler) NextHandler(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, h.engine.PlayNext)
}

func (h *APIHandler) PrevHandler(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, h.engine.PlayPrev)
}

// SeekHandler accepts exactly one of time (seconds), percent [0,1] or
// delta (seconds, relative).
func (h *APIHandler) SeekHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Time    *float64 `json:"time"`
		Percent *float64 `json:"percent"`
		Delta   *float64 `json:"delta"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	switch {
	case req.Time != nil:
		h.engine.Seek(*req.Time)
	case req.Percent != nil:
		h.engine.SeekToPercent(*req.Percent)
	case req.Delta != nil:
		h.engine.SeekBy(*req.Delta)
	default:
		http.Error(w, "time, percent or delta is required", http.StatusBadRequest)
		return
	}
	h.respondState(w)
}

func (h *APIHandler) VolumeHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Volume *float64 `json:"volume"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Volume == nil {
		http.Error(w, "volume is required", http.StatusBadRequest)
		return
	}
	h.engine.SetVolume(*req.Volume)
	h.respondState(w)
}

func (h *APIHandler) MuteHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Muted *bool `json:"muted"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	muted := !h.engine.State().IsMuted
	if req.Muted != nil {
		muted = *req.Muted
	}
	h.engine.SetMuted(muted)
	h.respondState(w)
}

func (h *APIHandler) StemHandler(w http.ResponseWriter, r *http.Request) {
	stem, err := audio.ParseStem(mux.Vars(r)["stem"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if _, err := h.engine.ToggleStem(stem); err != nil {
		writeEngineError(w, err)
		return
	}
	h.respondState(w)
}

func (h *APIHandler) CrossfadeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodDelete {
		h.engine.CancelCrossfade()
		writeJSON(w, http.StatusOK, map[string]float64{"progress": h.engine.CrossfadeProgress()})
		return
	}
	if r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]float64{"progress": h.engine.CrossfadeProgress()})
		return
	}
	var req struct {
		Index *int `json:"index"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Index == nil {
		http.Error(w, "index is required", http.StatusBadRequest)
		return
	}
	h.run(w, r, func(ctx context.Context) error { return h.engine.CrossfadeTo(ctx, *req.Index) })
}

// EnvironmentHandler returns the host facts on GET and ingests a front end
// environment signal on POST.
func (h *APIHandler) EnvironmentHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, h.facts)
		return
	}
	var sig resilience.Signal
	if !decodeBody(w, r, &sig) {
		return
	}
	ev, err := resilience.ParseSignal(sig)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if h.monitor == nil {
		http.Error(w, "resilience monitor not running", http.StatusServiceUnavailable)
		return
	}
	h.monitor.Post(ev)
	w.WriteHeader(http.StatusAccepted)
}

// PairHandler exchanges the pairing secret for a bearer token.
func (h *APIHandler) PairHandler(w http.ResponseWriter, r *http.Request) {
	if h.issuer == nil {
		http.Error(w, "pairing is disabled", http.StatusNotFound)
		return
	}
	var req struct {
		Secret string `json:"secret"`
		Device string `json:"device"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Secret == "" || req.Device == "" {
		http.Error(w, "secret and device are required", http.StatusBadRequest)
		return
	}
	if !auth.CheckPasswordHash(req.Secret, h.secretHash) {
		logger.Warn("[Pair] 配对密钥错误", logger.String("device", req.Device))
		http.Error(w, "Invalid pairing secret", http.StatusUnauthorized)
		return
	}
	token, exp, err := h.issuer.GenerateToken(req.Device)
	if err != nil {
		logger.Error("[Pair] 生成令牌失败", logger.ErrorField(err))
		http.Error(w, "Failed to issue token", http.StatusInternalServerError)
		return
	}
	logger.Info("[Pair] 遥控设备已配对", logger.String("device", req.Device))
	writeJSON(w, http.StatusOK, map[string]interface{}{"token": token, "expiresAt": exp})
}

// SessionSocketHandler upgrades to the media session websocket.
func (h *APIHandler) SessionSocketHandler(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		http.Error(w, "media session hub not running", http.StatusServiceUnavailable)
		return
	}
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("websocket upgrade failed", logger.ErrorField(err))
		return
	}
	h.hub.Serve(r.Context(), conn)
}
