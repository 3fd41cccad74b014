package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"os/exec"
	"strconv"
	"time"

	"mediaserve/metrics"
	"mediaserve/models"
	"mediaserve/services/heatmap"
	"mediaserve/services/source"
)

// probeWindow is how much of a cloud file gets piped into ffprobe. Enough
// for the moov atom of anything reasonably muxed.
const probeWindow = 16 * 1024 * 1024

// VideoHandler serves metadata, raw streams and transcoded streams.
type VideoHandler struct {
	resolver    *source.Resolver
	transcoder  *Transcoder
	ffprobePath string
	heatmaps    *heatmap.Generator
}

func NewVideoHandler(resolver *source.Resolver, ffmpegPath, ffprobePath string, heatmaps *heatmap.Generator) *VideoHandler {
	return &VideoHandler{
		resolver:    resolver,
		transcoder:  &Transcoder{FFmpegPath: ffmpegPath},
		ffprobePath: ffprobePath,
		heatmaps:    heatmaps,
	}
}

// locatorFromRequest parses the "file" query parameter exactly once.
func locatorFromRequest(r *http.Request) (models.MediaLocator, bool) {
	loc, err := models.ParseLocator(r.URL.Query().Get("file"))
	if err != nil {
		return models.MediaLocator{}, false
	}
	return loc, true
}

func (h *VideoHandler) open(w http.ResponseWriter, r *http.Request) (source.Media, models.MediaLocator, bool) {
	loc, ok := locatorFromRequest(r)
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "missing or invalid file parameter")
		return nil, models.MediaLocator{}, false
	}
	src, err := h.resolver.Open(r.Context(), loc)
	if err != nil {
		status, msg := statusForOpenError(err)
		if status == http.StatusInternalServerError {
			log.Printf("[video] open %s: %v", loc, err)
		}
		writeJSONError(w, status, msg)
		return nil, models.MediaLocator{}, false
	}
	return src, loc, true
}

// Metadata returns size, content type and probed duration as JSON.
func (h *VideoHandler) Metadata(w http.ResponseWriter, r *http.Request) {
	src, loc, ok := h.open(w, r)
	if !ok {
		return
	}

	resp := map[string]interface{}{
		"size":     src.Size(),
		"mimeType": src.MimeType(),
	}
	duration, err := h.probeDuration(r.Context(), src)
	if err != nil {
		log.Printf("[video] probe %s: %v", loc, err)
		resp["error"] = "duration unavailable"
	} else {
		resp["duration"] = duration
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (h *VideoHandler) probeDuration(ctx context.Context, src source.Media) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	input, stdin, err := src.FFmpegInput(ctx)
	if err != nil {
		return 0, err
	}
	if stdin != nil {
		defer stdin.Close()
		input = "pipe:0"
	}

	cmd := exec.CommandContext(ctx, h.ffprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "json",
		input,
	)
	if stdin != nil {
		cmd.Stdin = io.LimitReader(stdin, probeWindow)
	}
	out, err := cmd.Output()
	if err != nil {
		return 0, err
	}

	var probe struct {
		Format struct {
			Duration string `json:"duration"`
		} `json:"format"`
	}
	if err := json.Unmarshal(out, &probe); err != nil {
		return 0, err
	}
	return strconv.ParseFloat(probe.Format.Duration, 64)
}

// Stream serves the file bytes, transcoding when ?transcode=true.
func (h *VideoHandler) Stream(w http.ResponseWriter, r *http.Request) {
	src, _, ok := h.open(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	if t := q.Get("transcode"); t == "true" || t == "1" {
		h.transcoder.Stream(w, r, src, q.Get("startTime"))
		return
	}
	metrics.StreamsStarted.WithLabelValues("direct").Inc()
	serveMedia(w, r, src, "video")
}

// Heatmap returns the audio loudness profile for the scrubber.
func (h *VideoHandler) Heatmap(w http.ResponseWriter, r *http.Request) {
	src, loc, ok := h.open(w, r)
	if !ok {
		return
	}

	points := heatmap.DefaultPoints
	if raw := r.URL.Query().Get("points"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSONError(w, http.StatusBadRequest, "invalid points parameter")
			return
		}
		points = n
	}

	values, err := h.heatmaps.Get(r.Context(), loc.Key(), src, points)
	if err != nil {
		log.Printf("[video] heatmap %s: %v", loc, err)
		writeJSONError(w, http.StatusInternalServerError, "failed to generate heatmap")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"points": values})
}
