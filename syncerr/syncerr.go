// Package syncerr names the error kinds a sync run can fail with. Every
// sentinel here is meant to be wrapped with github.com/pkg/errors at the
// call site so %+v renders a stack, matching the rest of the module.
package syncerr

import (
	"github.com/pkg/errors"

	"github.com/simutrans/syncback/manifest"
)

// ErrNetwork covers connect/read timeouts, connection resets, and other
// HTTP-level I/O failures during a fetch.
var ErrNetwork = errors.New("syncerr: network error")

// ErrFilesystem covers open/read/write/rename failures on a tracked
// file or on the manifest itself.
var ErrFilesystem = errors.New("syncerr: filesystem error")

// ErrManifestMalformed is a re-export of manifest.ErrMalformed, so
// callers can compare against a single sentinel from this package
// without also importing manifest, and errors.Is still matches the
// value manifest.ReadAll actually returns.
var ErrManifestMalformed = manifest.ErrMalformed

// ErrDigestUnavailable would be returned if the crypto backend could
// not provide SHA-256. Go's crypto/sha256 is always linked in, so this
// is never actually returned today: it exists as documented, intentional
// dead code per the reference's behavior, which this module deliberately
// does not replicate (the reference silently substitutes an empty digest,
// which would falsely collide every file).
var ErrDigestUnavailable = errors.New("syncerr: digest algorithm unavailable")

// ErrPartialFailure is returned when at least one per-file fetch failed
// while others succeeded.
var ErrPartialFailure = errors.New("syncerr: partial failure downloading files")
