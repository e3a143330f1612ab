// Package errs defines the error taxonomy shared by the segtiles packages.
//
// Every error returned by the engine wraps exactly one of these sentinels so that
// callers can classify failures with errors.Is:
//
//   - ErrConfiguration: the caller asked for something that can never work
//     (neither or both label inputs, unknown merge mode, invalid parameters).
//   - ErrDataConsistency: the inputs disagree with each other or with what was
//     declared (label value count, tile count at reconstruction).
//   - ErrGeometry: shapes or slices do not fit together (malformed tile partition).
//   - ErrCacheCorrupt: a cache entry exists but cannot be decoded. The cache layer
//     recovers from it by recomputing; it is only visible through Cache.Get.
package errs

import "errors"

var (
	ErrConfiguration   = errors.New("configuration error")
	ErrDataConsistency = errors.New("data consistency error")
	ErrGeometry        = errors.New("geometry error")
	ErrCacheCorrupt    = errors.New("corrupt cache entry")
)
