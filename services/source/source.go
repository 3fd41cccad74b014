// Package source presents local files and remote drive files behind one
// interface so the streaming handlers never care where bytes come from.
package source

import (
	"context"
	"io"
)

// Media is an open media file of known size.
type Media interface {
	// Size returns the total size in bytes.
	Size() int64

	// MimeType returns the content type to send to clients.
	MimeType() string

	// ReadRange returns a reader over exactly the bytes [start, end].
	// The caller closes it.
	ReadRange(ctx context.Context, start, end int64) (io.ReadCloser, error)

	// FFmpegInput returns the input argument for an ffmpeg invocation and,
	// when that argument is "pipe:0", the stream to feed to stdin.
	FFmpegInput(ctx context.Context) (string, io.ReadCloser, error)
}
