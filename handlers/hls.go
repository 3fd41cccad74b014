package handlers

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"mediaserve/metrics"
	"mediaserve/models"
	"mediaserve/services/source"
)

const (
	hlsSweepInterval  = 30 * time.Second
	hlsStartupTimeout = 30 * time.Second
	hlsPlaylistName   = "playlist.m3u8"
)

// segmentNamePattern is checked before any path is built from the request.
var segmentNamePattern = regexp.MustCompile(`^segment\d+\.ts$`)

// hlsSession is one running ffmpeg segmenter and its output directory.
type hlsSession struct {
	id      string
	key     string
	dir     string
	created time.Time

	cancel  context.CancelFunc
	exited  chan struct{} // closed once the segmenter process ends
	waitErr error         // valid after exited is closed

	lastAccess atomic.Int64 // unix nano
}

func (s *hlsSession) touch()              { s.lastAccess.Store(time.Now().UnixNano()) }
func (s *hlsSession) idle() time.Duration { return time.Since(time.Unix(0, s.lastAccess.Load())) }

// HLSManager owns all live sessions. Sessions are keyed by media locator
// so repeated playlist requests reuse the running segmenter.
type HLSManager struct {
	resolver       *source.Resolver
	ffmpegPath     string
	baseDir        string
	segmentSeconds int
	ttl            time.Duration

	mu       sync.Mutex
	sessions map[string]*hlsSession
	creating map[string]chan struct{}
	closed   bool

	done     chan struct{}
	stopOnce sync.Once
}

func NewHLSManager(resolver *source.Resolver, ffmpegPath, baseDir string, segmentSeconds int, ttl time.Duration) (*HLSManager, error) {
	// Segment dirs from previous runs are orphans; nothing references
	// them anymore.
	if err := os.RemoveAll(baseDir); err != nil {
		return nil, fmt.Errorf("clear hls dir: %w", err)
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create hls dir: %w", err)
	}

	m := &HLSManager{
		resolver:       resolver,
		ffmpegPath:     ffmpegPath,
		baseDir:        baseDir,
		segmentSeconds: segmentSeconds,
		ttl:            ttl,
		sessions:       make(map[string]*hlsSession),
		creating:       make(map[string]chan struct{}),
		done:           make(chan struct{}),
	}
	go m.sweepLoop()
	return m, nil
}

func (m *HLSManager) sweepLoop() {
	ticker := time.NewTicker(hlsSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.done:
			return
		}
	}
}

func (m *HLSManager) sweep() {
	var expired []*hlsSession
	m.mu.Lock()
	for key, s := range m.sessions {
		if s.idle() > m.ttl {
			delete(m.sessions, key)
			expired = append(expired, s)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		log.Printf("[hls] session %s expired after %s idle", s.id, m.ttl)
		m.destroy(s)
		metrics.HLSSessionsActive.Dec()
	}
}

func (m *HLSManager) destroy(s *hlsSession) {
	s.cancel()
	if s.exited != nil {
		<-s.exited
	}
	if err := os.RemoveAll(s.dir); err != nil {
		log.Printf("[hls] remove session dir %s: %v", s.dir, err)
	}
}

// Shutdown kills every session and removes their directories.
func (m *HLSManager) Shutdown() {
	m.stopOnce.Do(func() { close(m.done) })

	m.mu.Lock()
	m.closed = true
	all := make([]*hlsSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.sessions = make(map[string]*hlsSession)
	m.mu.Unlock()

	for _, s := range all {
		m.destroy(s)
		metrics.HLSSessionsActive.Dec()
	}
	if err := os.Remove(m.baseDir); err != nil && !os.IsNotExist(err) {
		log.Printf("[hls] remove session base dir: %v", err)
	}
}

// session returns the live session for key, if any, and touches it.
func (m *HLSManager) session(key string) *hlsSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[key]
	if s != nil {
		s.touch()
	}
	return s
}

// ensureSession returns the existing session for the locator or starts a
// new segmenter. Concurrent requests share one startup.
func (m *HLSManager) ensureSession(ctx context.Context, loc models.MediaLocator) (*hlsSession, error) {
	key := loc.Key()
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, fmt.Errorf("hls manager is shut down")
		}
		if s, ok := m.sessions[key]; ok {
			s.touch()
			m.mu.Unlock()
			return s, nil
		}
		if ch, ok := m.creating[key]; ok {
			m.mu.Unlock()
			select {
			case <-ch:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		ch := make(chan struct{})
		m.creating[key] = ch
		m.mu.Unlock()

		s, err := m.start(ctx, loc)

		m.mu.Lock()
		delete(m.creating, key)
		close(ch)
		if err != nil {
			m.mu.Unlock()
			return nil, err
		}
		m.sessions[key] = s
		m.mu.Unlock()

		metrics.HLSSessionsCreated.Inc()
		metrics.HLSSessionsActive.Inc()
		metrics.StreamsStarted.WithLabelValues("hls").Inc()
		return s, nil
	}
}

// start spawns the segmenter and waits for the first playlist write. The
// request context only covers source resolution; the segmenter itself
// outlives the request and is bounded by the session TTL.
func (m *HLSManager) start(ctx context.Context, loc models.MediaLocator) (*hlsSession, error) {
	src, err := m.resolver.Open(ctx, loc)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	dir := filepath.Join(m.baseDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}

	cmdCtx, cancel := context.WithCancel(context.Background())
	input, stdin, err := src.FFmpegInput(cmdCtx)
	if err != nil {
		cancel()
		os.RemoveAll(dir)
		return nil, err
	}

	args := []string{
		"-v", "error",
		"-i", input,
		"-vcodec", "libx264",
		"-acodec", "aac",
		"-preset", "veryfast",
		"-pix_fmt", "yuv420p",
		"-f", "hls",
		"-hls_time", fmt.Sprint(m.segmentSeconds),
		"-hls_list_size", "0",
		"-hls_segment_filename", filepath.Join(dir, "segment%d.ts"),
		filepath.Join(dir, hlsPlaylistName),
	}
	cmd := exec.CommandContext(cmdCtx, m.ffmpegPath, args...)
	if stdin != nil {
		cmd.Stdin = stdin
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		cancel()
		if stdin != nil {
			stdin.Close()
		}
		os.RemoveAll(dir)
		return nil, fmt.Errorf("start segmenter: %w", err)
	}

	s := &hlsSession{
		id:      id,
		key:     loc.Key(),
		dir:     dir,
		created: time.Now(),
		cancel:  cancel,
		exited:  make(chan struct{}),
	}
	s.touch()
	go func() {
		s.waitErr = cmd.Wait()
		close(s.exited)
	}()

	if err := m.awaitPlaylist(ctx, s, &stderr); err != nil {
		m.destroy(s)
		return nil, err
	}

	log.Printf("[hls] session %s started for %s", id, loc)
	return s, nil
}

// awaitPlaylist polls until ffmpeg writes the first playlist, failing as
// soon as the process exits without one.
func (m *HLSManager) awaitPlaylist(ctx context.Context, s *hlsSession, stderr *strings.Builder) error {
	playlist := filepath.Join(s.dir, hlsPlaylistName)
	timeout := time.NewTimer(hlsStartupTimeout)
	defer timeout.Stop()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if st, err := os.Stat(playlist); err == nil && st.Size() > 0 {
			return nil
		}
		select {
		case <-ticker.C:
		case <-s.exited:
			// A very short input can finish before the first tick.
			if st, err := os.Stat(playlist); err == nil && st.Size() > 0 {
				return nil
			}
			return fmt.Errorf("segmenter exited before writing a playlist: %v: %s",
				s.waitErr, firstLine(stderr.String()))
		case <-timeout.C:
			return fmt.Errorf("segmenter produced no playlist: %s", firstLine(stderr.String()))
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// HLSHandler exposes the HTTP surface over the manager.
type HLSHandler struct {
	manager *HLSManager
}

func NewHLSHandler(manager *HLSManager) *HLSHandler {
	return &HLSHandler{manager: manager}
}

func (h *HLSHandler) authorize(w http.ResponseWriter, r *http.Request) (models.MediaLocator, bool) {
	loc, ok := locatorFromRequest(r)
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "missing or invalid file parameter")
		return models.MediaLocator{}, false
	}
	if !loc.IsCloud() {
		if _, err := h.manager.resolver.Gate.Authorize(loc.Path); err != nil {
			writeJSONError(w, http.StatusForbidden, "access denied")
			return models.MediaLocator{}, false
		}
	}
	return loc, true
}

// Master returns a one-variant master playlist pointing at the media
// playlist for the same file.
func (h *HLSHandler) Master(w http.ResponseWriter, r *http.Request) {
	_, ok := h.authorize(w, r)
	if !ok {
		return
	}
	fileParam := url.QueryEscape(r.URL.Query().Get("file"))

	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Header().Set("Cache-Control", "no-cache")
	fmt.Fprintf(w, "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-STREAM-INF:BANDWIDTH=4000000,CODECS=\"avc1.64001f,mp4a.40.2\"\n%s?file=%s\n",
		hlsPlaylistName, fileParam)
}

// Playlist starts (or reuses) the session and serves its media playlist
// with segment URIs rewritten to carry the file parameter.
func (h *HLSHandler) Playlist(w http.ResponseWriter, r *http.Request) {
	loc, ok := h.authorize(w, r)
	if !ok {
		return
	}

	s, err := h.manager.ensureSession(r.Context(), loc)
	if err != nil {
		status, msg := statusForOpenError(err)
		if status == http.StatusInternalServerError {
			log.Printf("[hls] session for %s: %v", loc, err)
			msg = "failed to start hls session"
		}
		writeJSONError(w, status, msg)
		return
	}

	data, err := os.ReadFile(filepath.Join(s.dir, hlsPlaylistName))
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "playlist unavailable")
		return
	}

	fileParam := url.QueryEscape(r.URL.Query().Get("file"))
	var out strings.Builder
	for _, line := range strings.Split(string(data), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed != "" && !strings.HasPrefix(trimmed, "#") {
			// Segment reference; re-embed the file identity so segment
			// requests can find the session again.
			fmt.Fprintf(&out, "%s?file=%s\n", trimmed, fileParam)
			continue
		}
		out.WriteString(line)
		out.WriteString("\n")
	}

	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Header().Set("Cache-Control", "no-cache")
	fmt.Fprint(w, out.String())
}

// Segment serves one transport-stream chunk from the session directory.
// The segment name is validated before any filesystem path is built.
func (h *HLSHandler) Segment(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["segment"]
	if !segmentNamePattern.MatchString(name) {
		writeJSONError(w, http.StatusBadRequest, "invalid segment name")
		return
	}

	loc, ok := h.authorize(w, r)
	if !ok {
		return
	}

	s := h.manager.session(loc.Key())
	if s == nil {
		writeJSONError(w, http.StatusNotFound, "session expired")
		return
	}

	f, err := os.Open(filepath.Join(s.dir, name))
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "segment not found")
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "video/mp2t")
	w.Header().Set("Cache-Control", "no-cache")
	if _, err := copyToClient(w, f); err != nil && !isClientGone(err) {
		log.Printf("[hls] send segment %s: %v", name, err)
	}
}
