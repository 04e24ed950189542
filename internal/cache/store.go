package cache

import (
	"errors"
	"time"
)

// ErrNotFound is returned by stores for a location that holds nothing.
var ErrNotFound = errors.New("cache: not found")

// FileStore is the local persistent tile store. Names are slash separated relative paths
// such as "layer/2/3/3_5.png"; locations are what Find hands back and are store specific.
type FileStore interface {
	// Find looks the name up in the write location and, when searchReadLocations is set,
	// in any read-only locations as well.
	Find(name string, searchReadLocations bool) (loc string, ok bool)
	Read(loc string) ([]byte, error)
	// Write stores data under name in the write location, replacing previous content.
	Write(name string, data []byte) error
	Remove(loc string) error
	ModTime(loc string) (time.Time, error)
}

// Sizer is implemented by stores able to report an average file size below a name prefix.
type Sizer interface {
	AverageFileSize(prefix string, maxDirs int) (int64, bool)
}

// IsFileOutOfDate reports whether a file modified at modTime predates an expiry time
// that is set and already passed.
func IsFileOutOfDate(modTime, expiry, now time.Time) bool {
	if expiry.IsZero() || !expiry.Before(now) {
		return false
	}
	return modTime.Before(expiry)
}
