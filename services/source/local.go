package source

import (
	"context"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
)

// LocalFile serves a file from the local filesystem. The path must already
// be authorized; this package does no access checks of its own.
type LocalFile struct {
	path string
	size int64
	mime string
}

// OpenLocal stats the file and determines its content type, preferring the
// extension table and falling back to content sniffing for bare files.
func OpenLocal(path string) (*LocalFile, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if st.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}

	ct := mime.TypeByExtension(filepath.Ext(path))
	if ct == "" {
		if mt, err := mimetype.DetectFile(path); err == nil {
			ct = mt.String()
		} else {
			ct = "application/octet-stream"
		}
	}

	return &LocalFile{path: path, size: st.Size(), mime: ct}, nil
}

func (l *LocalFile) Size() int64      { return l.size }
func (l *LocalFile) MimeType() string { return l.mime }

// Path returns the authorized filesystem path.
func (l *LocalFile) Path() string { return l.path }

type fileRange struct {
	io.Reader
	f *os.File
}

func (r *fileRange) Close() error { return r.f.Close() }

func (l *LocalFile) ReadRange(ctx context.Context, start, end int64) (io.ReadCloser, error) {
	if start < 0 || end < start || end >= l.size {
		return nil, fmt.Errorf("range %d-%d outside file of %d bytes", start, end, l.size)
	}
	f, err := os.Open(l.path)
	if err != nil {
		return nil, err
	}
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	return &fileRange{Reader: io.LimitReader(f, end-start+1), f: f}, nil
}

// FFmpegInput hands ffmpeg the path directly so it can seek.
func (l *LocalFile) FFmpegInput(ctx context.Context) (string, io.ReadCloser, error) {
	return l.path, nil, nil
}
