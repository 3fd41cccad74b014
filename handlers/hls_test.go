package handlers

import (
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"mediaserve/services/gate"
	"mediaserve/services/source"
)

func newTestHLS(t *testing.T, roots []string) (*HLSManager, *HLSHandler) {
	t.Helper()
	resolver := &source.Resolver{Gate: gate.New(roots)}
	m, err := NewHLSManager(resolver, "/nonexistent/ffmpeg", filepath.Join(t.TempDir(), "hls"), 4, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(m.Shutdown)
	return m, NewHLSHandler(m)
}

func TestSegmentNameValidation(t *testing.T) {
	tests := []struct {
		name  string
		valid bool
	}{
		{"segment0.ts", true},
		{"segment42.ts", true},
		{"segment000123.ts", true},
		{"../secret.ts", false},
		{"..%2Fsecret.ts", false},
		{"segment0.ts.bak", false},
		{"segment.ts", false},
		{"playlist.m3u8", false},
		{"segment0.mp4", false},
		{"/etc/passwd", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := segmentNamePattern.MatchString(tt.name); got != tt.valid {
				t.Errorf("match(%q) = %v, want %v", tt.name, got, tt.valid)
			}
		})
	}
}

func TestSegmentTraversalRejectedBeforeLookup(t *testing.T) {
	_, h := newTestHLS(t, []string{"/media"})

	req := httptest.NewRequest("GET", "/hls/x?file=/media/a.mp4", nil)
	req = mux.SetURLVars(req, map[string]string{"segment": "../secret.ts"})
	rec := httptest.NewRecorder()

	h.Segment(rec, req)

	if rec.Code != 400 {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestSegmentWithoutSessionIs404(t *testing.T) {
	_, h := newTestHLS(t, []string{"/media"})

	req := httptest.NewRequest("GET", "/hls/segment0.ts?file=/media/a.mp4", nil)
	req = mux.SetURLVars(req, map[string]string{"segment": "segment0.ts"})
	rec := httptest.NewRecorder()

	h.Segment(rec, req)

	if rec.Code != 404 {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "session expired") {
		t.Errorf("body = %q, want session expired error", rec.Body.String())
	}
}

func TestSegmentDeniedPath(t *testing.T) {
	_, h := newTestHLS(t, []string{"/media"})

	req := httptest.NewRequest("GET", "/hls/segment0.ts?file=/etc/passwd", nil)
	req = mux.SetURLVars(req, map[string]string{"segment": "segment0.ts"})
	rec := httptest.NewRecorder()

	h.Segment(rec, req)

	if rec.Code != 403 {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestMasterPlaylistEmbedsFileParam(t *testing.T) {
	_, h := newTestHLS(t, []string{"/media"})

	raw := "/media/some movie.mkv"
	req := httptest.NewRequest("GET", "/hls/master?file="+url.QueryEscape(raw), nil)
	rec := httptest.NewRecorder()

	h.Master(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.HasPrefix(body, "#EXTM3U") {
		t.Errorf("body does not start with #EXTM3U: %q", body)
	}
	if !strings.Contains(body, "playlist.m3u8?file="+url.QueryEscape(raw)) {
		t.Errorf("master playlist missing escaped file param: %q", body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/vnd.apple.mpegurl" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestSweepRemovesIdleSessions(t *testing.T) {
	m, _ := newTestHLS(t, []string{"/media"})
	m.ttl = 10 * time.Millisecond

	dir := filepath.Join(m.baseDir, "fake-session")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	s := &hlsSession{id: "fake-session", key: "/media/a.mp4", dir: dir, cancel: func() {}}
	s.touch()
	m.mu.Lock()
	m.sessions[s.key] = s
	m.mu.Unlock()

	time.Sleep(20 * time.Millisecond)
	m.sweep()

	if m.session("/media/a.mp4") != nil {
		t.Error("idle session still present after sweep")
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("session directory not removed")
	}
}

func TestPlaylistFailsFastWhenSegmenterDies(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell stub")
	}
	root := t.TempDir()
	media := filepath.Join(root, "a.mp4")
	if err := os.WriteFile(media, []byte("not a real video"), 0o644); err != nil {
		t.Fatal(err)
	}

	bin := writeStub(t, "#!/bin/sh\nexit 1\n")
	resolver := &source.Resolver{Gate: gate.New([]string{root})}
	m, err := NewHLSManager(resolver, bin, filepath.Join(t.TempDir(), "hls"), 4, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(m.Shutdown)
	h := NewHLSHandler(m)

	start := time.Now()
	rec := httptest.NewRecorder()
	h.Playlist(rec, httptest.NewRequest("GET", "/hls/playlist.m3u8?file="+url.QueryEscape(media), nil))

	if rec.Code != 500 {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("waited %s for a segmenter that died instantly", elapsed)
	}
}

func TestSessionTouchKeepsAlive(t *testing.T) {
	m, _ := newTestHLS(t, []string{"/media"})
	m.ttl = time.Hour

	s := &hlsSession{id: "s", key: "k", dir: filepath.Join(m.baseDir, "s"), cancel: func() {}}
	s.touch()
	m.mu.Lock()
	m.sessions[s.key] = s
	m.mu.Unlock()

	m.sweep()
	if m.session("k") == nil {
		t.Error("fresh session expired by sweep")
	}
}
