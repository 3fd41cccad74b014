package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"

	"mediaserve/metrics"
	"mediaserve/services/source"
)

const streamCopyBufSize = 64 * 1024

type rangeResult int

const (
	rangeFull rangeResult = iota
	rangePartial
	rangeUnsatisfiable
)

// parseByteRange interprets a Range request header against a file of the
// given size. Only the first sub-range is honored; anything malformed
// falls back to serving the whole file.
func parseByteRange(header string, size int64) (start, end int64, res rangeResult) {
	if header == "" {
		return 0, 0, rangeFull
	}
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return 0, 0, rangeFull
	}
	spec = strings.TrimSpace(strings.SplitN(spec, ",", 2)[0])

	if suffix, ok := strings.CutPrefix(spec, "-"); ok {
		// Suffix form: last N bytes.
		n, err := strconv.ParseInt(suffix, 10, 64)
		if err != nil || n <= 0 {
			return 0, 0, rangeFull
		}
		if size == 0 {
			return 0, 0, rangeUnsatisfiable
		}
		start = size - n
		if start < 0 {
			start = 0
		}
		return start, size - 1, rangePartial
	}

	first, rest, found := strings.Cut(spec, "-")
	if !found {
		return 0, 0, rangeFull
	}
	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 {
		return 0, 0, rangeFull
	}
	if start >= size {
		return 0, 0, rangeUnsatisfiable
	}
	end = size - 1
	if rest != "" {
		end, err = strconv.ParseInt(rest, 10, 64)
		if err != nil || end < start {
			return 0, 0, rangeFull
		}
		if end > size-1 {
			end = size - 1
		}
	}
	return start, end, rangePartial
}

// serveMedia answers a GET or HEAD for raw media bytes with single-range
// semantics. The status is committed only after the source has been opened;
// from then on errors can only be logged.
func serveMedia(w http.ResponseWriter, r *http.Request, src source.Media, logTag string) {
	size := src.Size()
	h := w.Header()
	h.Set("Accept-Ranges", "bytes")
	h.Set("Content-Type", src.MimeType())

	start, end, res := parseByteRange(r.Header.Get("Range"), size)
	if res == rangeUnsatisfiable {
		h.Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return
	}
	status := http.StatusOK
	if res == rangePartial {
		status = http.StatusPartialContent
		h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
	} else {
		start, end = 0, size-1
	}
	h.Set("Content-Length", strconv.FormatInt(end-start+1, 10))

	if r.Method == http.MethodHead || size == 0 {
		w.WriteHeader(status)
		return
	}

	rc, err := src.ReadRange(r.Context(), start, end)
	if err != nil {
		log.Printf("[%s] open range %d-%d: %v", logTag, start, end, err)
		h.Del("Content-Length")
		h.Del("Content-Range")
		writeJSONError(w, http.StatusInternalServerError, "failed to read media")
		return
	}
	defer rc.Close()

	w.WriteHeader(status)
	written, err := copyToClient(w, rc)
	metrics.StreamBytesServed.Add(float64(written))
	if err != nil && !isClientGone(err) {
		log.Printf("[%s] stream interrupted after %d bytes: %v", logTag, written, err)
	}
}

// copyToClient pushes bytes to the response, flushing after every chunk so
// playback starts without waiting for internal buffers.
func copyToClient(w http.ResponseWriter, r io.Reader) (int64, error) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, streamCopyBufSize)
	var written int64
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			wn, werr := w.Write(buf[:n])
			written += int64(wn)
			if werr != nil {
				return written, werr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

// isClientGone reports whether an error just means the client went away.
func isClientGone(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "broken pipe") || strings.Contains(msg, "connection reset by peer")
}
