package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"mediaserve/metrics"
	"mediaserve/models"
	"mediaserve/services/remote"
	"mediaserve/services/source"
)

// ThumbnailHandler generates and caches one JPEG per media file.
type ThumbnailHandler struct {
	resolver   *source.Resolver
	provider   remote.Provider // nil when the drive backend is disabled
	ffmpegPath string
	dir        string

	mu         sync.Mutex
	inProgress map[string]chan struct{}
}

func NewThumbnailHandler(resolver *source.Resolver, provider remote.Provider, ffmpegPath, dir string) *ThumbnailHandler {
	return &ThumbnailHandler{
		resolver:   resolver,
		provider:   provider,
		ffmpegPath: ffmpegPath,
		dir:        dir,
		inProgress: make(map[string]chan struct{}),
	}
}

func (h *ThumbnailHandler) cachePath(loc models.MediaLocator) string {
	sum := sha256.Sum256([]byte(loc.Key()))
	return filepath.Join(h.dir, hex.EncodeToString(sum[:])+".jpg")
}

// Get serves the cached thumbnail, generating it on first request.
// Concurrent requests for the same file wait for one generation.
func (h *ThumbnailHandler) Get(w http.ResponseWriter, r *http.Request) {
	loc, ok := locatorFromRequest(r)
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "missing or invalid file parameter")
		return
	}
	if !loc.IsCloud() {
		if _, err := h.resolver.Gate.Authorize(loc.Path); err != nil {
			writeJSONError(w, http.StatusForbidden, "access denied")
			return
		}
	}
	path := h.cachePath(loc)

	for {
		if h.serveCached(w, r, path, "HIT") {
			metrics.ThumbnailRequests.WithLabelValues("hit").Inc()
			return
		}

		h.mu.Lock()
		if ch, ok := h.inProgress[path]; ok {
			h.mu.Unlock()
			select {
			case <-ch:
				continue
			case <-r.Context().Done():
				return
			}
		}
		ch := make(chan struct{})
		h.inProgress[path] = ch
		h.mu.Unlock()

		err := h.generate(r, loc, path)

		h.mu.Lock()
		delete(h.inProgress, path)
		close(ch)
		h.mu.Unlock()

		if err != nil {
			metrics.ThumbnailRequests.WithLabelValues("error").Inc()
			log.Printf("[thumbnail] generate %s: %v", loc, err)
			status, msg := statusForOpenError(err)
			if status == http.StatusInternalServerError {
				if loc.IsCloud() {
					// The provider is the only place a cloud thumbnail
					// can come from; any failure means there is none.
					status, msg = http.StatusNotFound, "thumbnail unavailable"
				} else {
					msg = "failed to generate thumbnail"
				}
			}
			writeJSONError(w, status, msg)
			return
		}
		if h.serveCached(w, r, path, "MISS") {
			metrics.ThumbnailRequests.WithLabelValues("miss").Inc()
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "failed to generate thumbnail")
		return
	}
}

func (h *ThumbnailHandler) serveCached(w http.ResponseWriter, r *http.Request, path, cacheState string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil || st.Size() == 0 {
		return false
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "public, max-age=31536000")
	w.Header().Set("X-Cache", cacheState)
	w.Header().Set("Content-Length", fmt.Sprint(st.Size()))
	if r.Method == http.MethodHead {
		return true
	}
	if _, err := io.Copy(w, f); err != nil && !isClientGone(err) {
		log.Printf("[thumbnail] send %s: %v", path, err)
	}
	return true
}

func (h *ThumbnailHandler) generate(r *http.Request, loc models.MediaLocator, path string) error {
	if err := os.MkdirAll(h.dir, 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	defer os.Remove(tmp)

	var err error
	if loc.IsCloud() {
		err = h.fetchRemote(r, loc.FileID, tmp)
	} else {
		err = h.extractFrame(r, loc.Path, tmp)
	}
	if err != nil {
		return err
	}

	if st, serr := os.Stat(tmp); serr != nil || st.Size() == 0 {
		return fmt.Errorf("empty thumbnail output")
	}
	return os.Rename(tmp, path)
}

// fetchRemote stores the provider-rendered thumbnail.
func (h *ThumbnailHandler) fetchRemote(r *http.Request, fileID, tmp string) error {
	if h.provider == nil {
		return source.ErrDriveDisabled
	}
	rc, err := h.provider.Thumbnail(r.Context(), fileID)
	if err != nil {
		return err
	}
	defer rc.Close()

	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// extractFrame grabs one frame early in the file with ffmpeg.
func (h *ThumbnailHandler) extractFrame(r *http.Request, rawPath, tmp string) error {
	path, err := h.resolver.Gate.Authorize(rawPath)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err != nil {
		return err
	}

	// The temp file has no image extension, so the output muxer must be
	// named explicitly.
	cmd := exec.CommandContext(r.Context(), h.ffmpegPath,
		"-v", "error",
		"-ss", "1",
		"-i", path,
		"-vframes", "1",
		"-vf", "scale=480:-2",
		"-q:v", "4",
		"-f", "mjpeg",
		"-y",
		tmp,
	)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg: %w: %s", err, firstLine(stderr.String()))
	}
	return nil
}
