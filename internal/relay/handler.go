package relay

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/peihexian/rtsp2flv/internal/srs"
)

// Handler exposes the relay HTTP endpoints using go-chi.
type Handler struct {
	registry  *Registry
	origin    *srs.Client
	presets   []Preset
	relayHost string
	log       *slog.Logger
}

// NewHandler returns a Handler that starts sessions in registry and
// announces them through origin. relayHost is the host the RTMP publish
// URL is built from; presets are the streams offered to clients that do
// not supply their own source URL.
func NewHandler(registry *Registry, origin *srs.Client, presets []Preset, relayHost string, log *slog.Logger) *Handler {
	if presets == nil {
		presets = []Preset{}
	}
	return &Handler{
		registry:  registry,
		origin:    origin,
		presets:   presets,
		relayHost: relayHost,
		log:       log,
	}
}

type playRequest struct {
	Name string `json:"name"`
	URL  string `json:"url,omitempty"`
}

type playResponse struct {
	PlaybackURL string `json:"playback_url"`
}

type heartbeatRequest struct {
	Name string `json:"name"`
}

// ListStreams handles GET /api/streams. It returns the configured stream
// presets without their source URLs being validated or probed.
func (h *Handler) ListStreams(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(h.presets); err != nil {
		h.log.Error("encode stream list failed", slog.String("error", err.Error()))
	}
}

// Play handles POST /api/play.
// Body: { "name": "front door", "url": "rtsp://..." }. The url field is
// optional; without it the name must match a configured preset. The
// response carries the public playback URL for the stream.
func (h *Handler) Play(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req playRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.log.Debug("invalid play body", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	inputURL := strings.TrimSpace(req.URL)
	if inputURL != "" {
		if !strings.HasPrefix(strings.ToLower(inputURL), "rtsp://") {
			h.log.Info("play rejected, source is not rtsp",
				slog.String("name", req.Name),
				slog.String("url", inputURL))
			w.WriteHeader(http.StatusBadRequest)
			return
		}
	} else {
		preset, ok := h.lookupPreset(req.Name)
		if !ok {
			h.log.Info("play rejected, unknown stream", slog.String("name", req.Name))
			w.WriteHeader(http.StatusNotFound)
			return
		}
		inputURL = preset.URL
	}

	outputURL := fmt.Sprintf("rtmp://%s:1935/live/%s", h.relayHost, srs.SafeStreamName(req.Name))
	playbackURL := h.origin.ResolvePlaybackURL(r.Context(), req.Name, inputURL)
	h.registry.Start(req.Name, inputURL, outputURL)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(playResponse{PlaybackURL: playbackURL}); err != nil {
		h.log.Error("encode play response failed", slog.String("error", err.Error()))
	}
}

// Heartbeat handles POST /api/heartbeat.
// Body: { "name": "front door" }. Responds 404 when no session by that
// name exists, so clients know to issue a fresh play request.
func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.log.Debug("invalid heartbeat body", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if !h.registry.Heartbeat(req.Name) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) lookupPreset(name string) (Preset, bool) {
	for _, p := range h.presets {
		if p.Name == name {
			return p, true
		}
	}
	return Preset{}, false
}
