// Package remote talks to the drive backend that hosts cloud media files.
package remote

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when the drive has no file with the given id.
var ErrNotFound = errors.New("remote file not found")

// FileInfo describes a remote file.
type FileInfo struct {
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
	Name     string `json:"name"`
}

// Provider is the minimal surface the streaming stack needs from the drive
// backend. Implementations must honor ctx cancellation on every call.
type Provider interface {
	// Stat returns size and content type for a file.
	Stat(ctx context.Context, fileID string) (FileInfo, error)

	// FetchRange streams exactly the bytes [start, end] of the file.
	// Callers own closing the returned reader.
	FetchRange(ctx context.Context, fileID string, start, end int64) (io.ReadCloser, error)

	// Thumbnail streams the provider-rendered thumbnail for a file.
	Thumbnail(ctx context.Context, fileID string) (io.ReadCloser, error)
}
