package models

import (
	"fmt"
	"strings"
)

// LocatorKind says where a media file lives.
type LocatorKind int

const (
	// LocatorLocal points at a file on the local filesystem.
	LocatorLocal LocatorKind = iota
	// LocatorCloud points at a file in the remote drive.
	LocatorCloud
)

// cloudPrefix marks remote drive file ids in the "file" query parameter.
const cloudPrefix = "drive:"

// MediaLocator identifies the media a request is about. It is parsed once
// from the "file" query parameter and passed down; handlers never re-parse
// the raw value.
type MediaLocator struct {
	Kind   LocatorKind
	Path   string // local filesystem path, set when Kind == LocatorLocal
	FileID string // remote drive file id, set when Kind == LocatorCloud
}

// ParseLocator turns the raw "file" query value into a MediaLocator.
// Values of the form "drive:<id>" refer to the remote drive, everything
// else is treated as a local path.
func ParseLocator(raw string) (MediaLocator, error) {
	if raw == "" {
		return MediaLocator{}, fmt.Errorf("empty file parameter")
	}
	if id, ok := strings.CutPrefix(raw, cloudPrefix); ok {
		if id == "" {
			return MediaLocator{}, fmt.Errorf("empty drive file id")
		}
		return MediaLocator{Kind: LocatorCloud, FileID: id}, nil
	}
	return MediaLocator{Kind: LocatorLocal, Path: raw}, nil
}

// Key returns a stable string identity for the locator, used as the cache
// key input for thumbnails, heatmaps and HLS sessions.
func (l MediaLocator) Key() string {
	if l.Kind == LocatorCloud {
		return cloudPrefix + l.FileID
	}
	return l.Path
}

// IsCloud reports whether the locator refers to the remote drive.
func (l MediaLocator) IsCloud() bool { return l.Kind == LocatorCloud }

func (l MediaLocator) String() string {
	if l.Kind == LocatorCloud {
		return cloudPrefix + l.FileID
	}
	return l.Path
}
