package metacache

import "errors"

// ErrDeadlineExceeded is returned when a lookup's deadline has already
// passed by the time the cache gets a chance to resolve it.
var ErrDeadlineExceeded = errors.New("metacache: lookup deadline exceeded")
