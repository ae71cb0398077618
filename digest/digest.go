// Package digest provides the fixed-width content digest used to detect
// file changes between a local tree and a remote manifest.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/simutrans/syncback/counter"
)

// Size is the length in bytes of a Digest.
const Size = sha256.Size

// Digest is a SHA-256 content digest.
type Digest [Size]byte

// Equal reports whether a and b are byte-wise identical.
func Equal(a, b Digest) bool {
	return a == b
}

// String renders the digest as lowercase hex.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// IsZero reports whether d is the zero digest (never produced by Sum).
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// Sum hashes the full contents of r. The optional onRead callback, if
// non-nil, is invoked after each underlying read with the running byte
// total, so callers can drive a progress consumer while hashing large
// trees (mirrors counter.NewReaderCallback's use in signature hashing).
func Sum(r io.Reader, onRead counter.CountCallback) (Digest, error) {
	h := sha256.New()

	cr := counter.NewReaderCallback(onRead, r)
	if _, err := io.Copy(h, cr); err != nil {
		return Digest{}, errors.Wrap(err, "digest: reading content")
	}

	var d Digest
	copy(d[:], h.Sum(nil))
	return d, nil
}

// SumFile opens path and hashes its full contents, regardless of size.
func SumFile(path string) (Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return Digest{}, errors.Wrapf(err, "digest: opening %s", path)
	}
	defer f.Close()

	d, err := Sum(f, nil)
	if err != nil {
		return Digest{}, errors.Wrapf(err, "digest: hashing %s", path)
	}
	return d, nil
}
