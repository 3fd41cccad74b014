package source

import (
	"context"
	"io"

	"mediaserve/services/drivecache"
)

// CloudFile serves a remote drive file through the drive cache.
type CloudFile struct {
	entry *drivecache.Entry
}

// OpenCloud opens the drive cache entry for fileID.
func OpenCloud(ctx context.Context, cache *drivecache.Cache, fileID string) (*CloudFile, error) {
	e, err := cache.Open(ctx, fileID)
	if err != nil {
		return nil, err
	}
	return &CloudFile{entry: e}, nil
}

func (c *CloudFile) Size() int64 { return c.entry.Size() }

func (c *CloudFile) MimeType() string {
	if mt := c.entry.MimeType(); mt != "" {
		return mt
	}
	return "application/octet-stream"
}

func (c *CloudFile) ReadRange(ctx context.Context, start, end int64) (io.ReadCloser, error) {
	return c.entry.ReadRange(ctx, start, end)
}

// FFmpegInput streams the whole file into ffmpeg's stdin. ffmpeg loses the
// ability to seek the input, which the fragmented-MP4 output settings are
// chosen to tolerate.
func (c *CloudFile) FFmpegInput(ctx context.Context) (string, io.ReadCloser, error) {
	if c.entry.Size() == 0 {
		return "", nil, io.ErrUnexpectedEOF
	}
	rc, err := c.entry.ReadRange(ctx, 0, c.entry.Size()-1)
	if err != nil {
		return "", nil, err
	}
	return "pipe:0", rc, nil
}
