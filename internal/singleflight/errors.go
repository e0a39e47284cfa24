package singleflight

import "errors"

// ErrInProgress is returned by TryDo when another fetch with the same key
// is already in progress.
var ErrInProgress = errors.New("singleflight: fetch already in progress")
