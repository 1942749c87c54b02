package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/MrWong99/ambiance/internal/bridge/protocol"
	"github.com/MrWong99/ambiance/internal/bridge/sidecar"
	"github.com/MrWong99/ambiance/internal/engine"
	"github.com/MrWong99/ambiance/internal/observe"
	"github.com/MrWong99/ambiance/internal/pacing"
	"github.com/MrWong99/ambiance/internal/timeline"
	"github.com/MrWong99/ambiance/internal/transport"
	"github.com/MrWong99/ambiance/pkg/audio"
	"github.com/MrWong99/ambiance/pkg/audio/graph"
)

// maxBodyBytes bounds control request bodies.
const maxBodyBytes = 1 << 20

// ─── request / response bodies ───────────────────────────────────────────────

type volumeRequest struct {
	Volume float64 `json:"volume"`
}

type loopRequest struct {
	Loop bool `json:"loop"`
}

type channelRequest struct {
	Volume *float64 `json:"volume"`
	Muted  *bool    `json:"muted"`
	Solo   *bool    `json:"solo"`
}

type elementRequest struct {
	TrackID       string `json:"trackId"`
	SourceID      string `json:"sourceId"`
	GroupID       string `json:"groupId"`
	StartOffsetMs int64  `json:"startOffsetMs"`
	DurationMs    int64  `json:"durationMs"`
}

type trackRequest struct {
	ID   string `json:"id"`
	Loop bool   `json:"loop"`
}

type timelineRequest struct {
	Elements []elementRequest        `json:"elements"`
	Tracks   []trackRequest          `json:"tracks"`
	Loop     bool                    `json:"loop"`
	Context  *engine.PlaybackContext `json:"context"`
}

type voiceConnectRequest struct {
	GuildID   string `json:"guildId"`
	ChannelID string `json:"channelId"`
}

type voiceStatus struct {
	Active    bool                `json:"active"`
	Info      *VoiceInfo          `json:"info,omitempty"`
	Telemetry *protocol.Telemetry `json:"telemetry,omitempty"`
	Error     string              `json:"error,omitempty"`
}

type statsResponse struct {
	Transport transport.Snapshot `json:"transport"`
	Capture   captureStats       `json:"capture"`
	Pacing    pacing.Stats       `json:"pacing"`
	Output    outputStats        `json:"output"`
}

type captureStats struct {
	Emitted int64 `json:"emitted"`
	Dropped int64 `json:"dropped"`
}

type outputStats struct {
	Mode      string `json:"mode"`
	Buffered  int    `json:"buffered"`
	Overflows uint64 `json:"overflows"`
	Underruns uint64 `json:"underruns"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// ─── routing ─────────────────────────────────────────────────────────────────

// routes builds the control surface. Every route is a UI intent; the
// handlers only translate JSON into calls on the running subsystems.
func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.Handle("GET /metrics", observe.MetricsHandler())

	mux.HandleFunc("GET /api/sources", a.handleSources)
	mux.HandleFunc("POST /api/sources/{id}/{intent}", a.handleTransport)
	mux.HandleFunc("PUT /api/sources/{id}/volume", a.handleSourceVolume)
	mux.HandleFunc("PUT /api/sources/{id}/loop", a.handleSourceLoop)
	mux.HandleFunc("POST /api/sources/{id}/toggle-loop", a.handleToggleLoop)
	mux.HandleFunc("POST /api/stop-all", a.handleStopAll)

	mux.HandleFunc("GET /api/channels", a.handleChannels)
	mux.HandleFunc("PUT /api/channels/{channel}", a.handleChannel)
	mux.HandleFunc("PUT /api/master", a.handleMaster)

	mux.HandleFunc("GET /api/timeline", a.handleTimelineStatus)
	mux.HandleFunc("POST /api/timeline", a.handleTimelineStart)
	mux.HandleFunc("POST /api/timeline/pause", a.handleTimelinePause)
	mux.HandleFunc("POST /api/timeline/resume", a.handleTimelineResume)
	mux.HandleFunc("POST /api/timeline/stop", a.handleTimelineStop)

	mux.HandleFunc("GET /api/voice", a.handleVoiceStatus)
	mux.HandleFunc("POST /api/voice/connect", a.handleVoiceConnect)
	mux.HandleFunc("POST /api/voice/disconnect", a.handleVoiceDisconnect)

	mux.HandleFunc("GET /api/stats", a.handleStats)

	return observe.Middleware(a.metrics)(mux)
}

// ─── sources ─────────────────────────────────────────────────────────────────

func (a *App) handleSources(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.engine.Sources())
}

func (a *App) handleTransport(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	intent := transport.Intent(r.PathValue("intent"))
	if !intent.IsValid() {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown intent %q", intent))
		return
	}
	if !a.engine.Has(id) {
		writeError(w, http.StatusNotFound, fmt.Errorf("%w: %q", engine.ErrUnknownSource, id))
		return
	}
	seq, err := a.transport.Enqueue(id, intent)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]uint64{"sequence": seq})
}

func (a *App) handleSourceVolume(w http.ResponseWriter, r *http.Request) {
	var req volumeRequest
	if !readJSON(w, r, &req) {
		return
	}
	if err := a.engine.SetVolume(r.PathValue("id"), req.Volume); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleSourceLoop(w http.ResponseWriter, r *http.Request) {
	var req loopRequest
	if !readJSON(w, r, &req) {
		return
	}
	if err := a.engine.SetLooping(r.PathValue("id"), req.Loop); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleToggleLoop(w http.ResponseWriter, r *http.Request) {
	loop, err := a.engine.ToggleLoop(r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loopRequest{Loop: loop})
}

func (a *App) handleStopAll(w http.ResponseWriter, _ *http.Request) {
	a.transport.Clear()
	a.scheduler.Stop()
	a.engine.StopAll()
	w.WriteHeader(http.StatusNoContent)
}

// ─── mixer ───────────────────────────────────────────────────────────────────

func (a *App) handleChannels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"master":   a.engine.MasterVolume(),
		"channels": a.engine.Channels(),
	})
}

func (a *App) handleChannel(w http.ResponseWriter, r *http.Request) {
	ch := audio.ChannelType(r.PathValue("channel"))
	if !ch.IsValid() {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown channel %q", ch))
		return
	}
	var req channelRequest
	if !readJSON(w, r, &req) {
		return
	}
	var errs []error
	if req.Volume != nil {
		errs = append(errs, a.engine.SetChannelVolume(ch, *req.Volume))
	}
	if req.Muted != nil {
		errs = append(errs, a.engine.SetChannelMuted(ch, *req.Muted))
	}
	if req.Solo != nil {
		errs = append(errs, a.engine.SetChannelSolo(ch, *req.Solo))
	}
	if err := errors.Join(errs...); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleMaster(w http.ResponseWriter, r *http.Request) {
	var req volumeRequest
	if !readJSON(w, r, &req) {
		return
	}
	if err := a.engine.SetMasterVolume(req.Volume); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── timeline ────────────────────────────────────────────────────────────────

func (a *App) handleTimelineStatus(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{"status": a.scheduler.Status()}
	if pc, ok := a.engine.PlaybackContext(); ok {
		body["context"] = pc
	}
	writeJSON(w, http.StatusOK, body)
}

func (a *App) handleTimelineStart(w http.ResponseWriter, r *http.Request) {
	var req timelineRequest
	if !readJSON(w, r, &req) {
		return
	}
	elements := make([]timeline.Element, 0, len(req.Elements))
	for i, e := range req.Elements {
		if (e.SourceID == "") == (e.GroupID == "") {
			writeError(w, http.StatusBadRequest, fmt.Errorf("element %d: exactly one of sourceId and groupId is required", i))
			return
		}
		if e.StartOffsetMs < 0 || e.DurationMs < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("element %d: negative offset or duration", i))
			return
		}
		elements = append(elements, timeline.Element{
			TrackID:     e.TrackID,
			SourceID:    e.SourceID,
			GroupID:     e.GroupID,
			StartOffset: time.Duration(e.StartOffsetMs) * time.Millisecond,
			Duration:    time.Duration(e.DurationMs) * time.Millisecond,
		})
	}
	tracks := make([]timeline.Track, 0, len(req.Tracks))
	for _, t := range req.Tracks {
		tracks = append(tracks, timeline.Track{ID: t.ID, Loop: t.Loop})
	}

	a.scheduler.CrossfadeToTimeline(r.Context(), elements, tracks, req.Loop, req.Context)
	writeJSON(w, http.StatusAccepted, a.scheduler.Status())
}

func (a *App) handleTimelinePause(w http.ResponseWriter, _ *http.Request) {
	a.scheduler.Pause()
	writeJSON(w, http.StatusOK, a.scheduler.Status())
}

func (a *App) handleTimelineResume(w http.ResponseWriter, _ *http.Request) {
	a.scheduler.Resume()
	writeJSON(w, http.StatusOK, a.scheduler.Status())
}

func (a *App) handleTimelineStop(w http.ResponseWriter, _ *http.Request) {
	a.scheduler.Stop()
	writeJSON(w, http.StatusOK, a.scheduler.Status())
}

// ─── voice ───────────────────────────────────────────────────────────────────

func (a *App) handleVoiceStatus(w http.ResponseWriter, r *http.Request) {
	var st voiceStatus
	if info, ok := a.voice.Info(); ok {
		st.Active = true
		st.Info = &info
	}
	tel, err := a.voice.Telemetry(r.Context())
	if err != nil {
		st.Error = err.Error()
	} else {
		st.Telemetry = &tel
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *App) handleVoiceConnect(w http.ResponseWriter, r *http.Request) {
	var req voiceConnectRequest
	if r.ContentLength != 0 && !readJSON(w, r, &req) {
		return
	}
	info, err := a.voice.Connect(r.Context(), req.GuildID, req.ChannelID)
	if err != nil {
		writeVoiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, voiceStatus{Active: true, Info: &info})
}

func (a *App) handleVoiceDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := a.voice.Disconnect(r.Context()); err != nil {
		writeVoiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── stats ───────────────────────────────────────────────────────────────────

func (a *App) handleStats(w http.ResponseWriter, _ *http.Request) {
	over, under := a.ring.Counters()
	writeJSON(w, http.StatusOK, statsResponse{
		Transport: a.transport.Stats().Snapshot(),
		Capture:   captureStats{Emitted: a.capture.Emitted(), Dropped: a.capture.Dropped()},
		Pacing:    a.pacing.Stats(),
		Output: outputStats{
			Mode:      string(a.settings.OutputMode()),
			Buffered:  a.ring.Len(),
			Overflows: over,
			Underruns: under,
		},
	})
}

// ─── helpers ─────────────────────────────────────────────────────────────────

func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("app: write response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrUnknownSource):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, engine.ErrNotInitialized), errors.Is(err, graph.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		writeError(w, http.StatusBadRequest, err)
	}
}

func writeVoiceError(w http.ResponseWriter, err error) {
	var remote *sidecar.RemoteError
	switch {
	case errors.Is(err, ErrNoToken):
		writeError(w, http.StatusPreconditionFailed, err)
	case errors.As(err, &remote):
		writeError(w, http.StatusBadGateway, err)
	case sidecar.IsTransient(err):
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}
