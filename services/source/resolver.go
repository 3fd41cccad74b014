package source

import (
	"context"
	"errors"

	"mediaserve/models"
	"mediaserve/services/drivecache"
	"mediaserve/services/gate"
)

// ErrDriveDisabled is returned for cloud locators when no drive backend is
// configured.
var ErrDriveDisabled = errors.New("drive backend not configured")

// Resolver turns a locator into an open Media, applying path authorization
// for local files before anything touches the filesystem.
type Resolver struct {
	Gate  *gate.Gate
	Drive *drivecache.Cache // nil when the drive backend is disabled
}

func (r *Resolver) Open(ctx context.Context, loc models.MediaLocator) (Media, error) {
	if loc.IsCloud() {
		if r.Drive == nil {
			return nil, ErrDriveDisabled
		}
		return OpenCloud(ctx, r.Drive, loc.FileID)
	}
	path, err := r.Gate.Authorize(loc.Path)
	if err != nil {
		return nil, err
	}
	return OpenLocal(path)
}
