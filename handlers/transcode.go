package handlers

import (
	"log"
	"net/http"
	"os/exec"
	"regexp"
	"strings"

	"mediaserve/metrics"
	"mediaserve/services/source"
)

// startTime accepts plain seconds or HH:MM:SS timestamps. Anything else is
// rejected before it can reach the ffmpeg command line.
var (
	startTimeSeconds = regexp.MustCompile(`^\d+(\.\d+)?$`)
	startTimeClock   = regexp.MustCompile(`^\d{1,3}:[0-5]\d:[0-5]\d(\.\d{1,3})?$`)
)

func validStartTime(s string) bool {
	return startTimeSeconds.MatchString(s) || startTimeClock.MatchString(s)
}

// Transcoder converts media to browser-playable fragmented MP4 on the fly.
type Transcoder struct {
	FFmpegPath string
}

// Stream runs ffmpeg against the source and pipes its stdout to the
// client. The process is killed the moment the client disconnects.
func (t *Transcoder) Stream(w http.ResponseWriter, r *http.Request, src source.Media, startTime string) {
	if startTime != "" && !validStartTime(startTime) {
		writeJSONError(w, http.StatusBadRequest, "invalid startTime")
		return
	}

	input, stdin, err := src.FFmpegInput(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to open media")
		return
	}
	if stdin != nil {
		defer stdin.Close()
	}

	args := []string{"-v", "error"}
	if startTime != "" {
		// Seeking before -i keeps it fast; fragmented output hides the
		// resulting keyframe snap.
		args = append(args, "-ss", startTime)
	}
	args = append(args,
		"-analyzeduration", "20000000",
		"-probesize", "20000000",
		"-i", input,
		"-f", "mp4",
		"-vcodec", "libx264",
		"-acodec", "aac",
		"-movflags", "frag_keyframe+empty_moov",
		"-preset", "ultrafast",
		"-crf", "23",
		"-pix_fmt", "yuv420p",
		"pipe:1",
	)

	cmd := exec.CommandContext(r.Context(), t.FFmpegPath, args...)
	if stdin != nil {
		// The OS pipe backpressures the remote fetch against the
		// demuxer's read rate, so a slow encode never buffers the whole
		// remote file in memory.
		cmd.Stdin = stdin
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to start transcode")
		return
	}
	if err := cmd.Start(); err != nil {
		log.Printf("[transcode] start %s: %v", t.FFmpegPath, err)
		writeJSONError(w, http.StatusInternalServerError, "transcoder unavailable")
		return
	}
	metrics.StreamsStarted.WithLabelValues("transcode").Inc()

	w.Header().Set("Content-Type", "video/mp4")
	w.WriteHeader(http.StatusOK)

	written, copyErr := copyToClient(w, stdout)
	metrics.StreamBytesServed.Add(float64(written))

	if copyErr != nil {
		// Client is gone or the pipe broke; make sure ffmpeg dies now
		// rather than at the end of the file.
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		metrics.TranscodesKilled.Inc()
	}

	waitErr := cmd.Wait()
	switch {
	case copyErr != nil && isClientGone(copyErr):
		log.Printf("[transcode] client disconnected after %d bytes, ffmpeg killed", written)
	case waitErr != nil && copyErr == nil && r.Context().Err() == nil:
		log.Printf("[transcode] ffmpeg exited: %v: %s", waitErr, firstLine(stderr.String()))
	case copyErr != nil && !isClientGone(copyErr):
		log.Printf("[transcode] stream failed after %d bytes: %v", written, copyErr)
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	if s == "" {
		return "(no stderr)"
	}
	return s
}
