package artifact

import "errors"

// ErrNotFound is returned when no artifact (or version) exists for a scope and name.
var ErrNotFound = errors.New("artifact: not found")
