// Package manifest implements the binary (digest, path)* codec used to
// record every tracked file's content digest. The format has no framing,
// checksum, or version tag: a reader must fully consume one to the byte
// or fail.
package manifest

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"

	"github.com/pkg/errors"

	"github.com/simutrans/syncback/counter"
	"github.com/simutrans/syncback/digest"
)

// Endianness is pinned explicitly, matching the teacher's own wire
// convention (wire.ENDIANNESS), rather than a platform default.
var Endianness = binary.LittleEndian

// MaxManifestSize is the largest manifest file ReadAll accepts, matching
// the int32 count/path-length fields in the wire format. WriteTo does not
// check the total size it writes.
const MaxManifestSize = math.MaxInt32

// ErrMalformed is returned when a manifest fails to parse.
var ErrMalformed = errors.New("manifest: malformed")

// Entry is one (digest, path) pair as stored in a manifest file.
type Entry struct {
	Digest digest.Digest
	Path   string
}

// WriteTo serializes entries to w in the order given; returns the number
// of bytes written.
func WriteTo(w io.Writer, entries []Entry) (int64, error) {
	cw := counter.NewWriter(w)

	if err := binary.Write(cw, Endianness, int32(len(entries))); err != nil {
		return cw.Count(), errors.Wrap(err, "manifest: writing entry count")
	}

	for _, e := range entries {
		if _, err := cw.Write(e.Digest[:]); err != nil {
			return cw.Count(), errors.Wrapf(err, "manifest: writing digest for %s", e.Path)
		}

		pathBytes := []byte(e.Path)
		if int64(len(pathBytes)) > math.MaxInt32 {
			return cw.Count(), errors.Errorf("manifest: path too long: %s", e.Path)
		}

		if err := binary.Write(cw, Endianness, int32(len(pathBytes))); err != nil {
			return cw.Count(), errors.Wrapf(err, "manifest: writing path length for %s", e.Path)
		}

		if _, err := cw.Write(pathBytes); err != nil {
			return cw.Count(), errors.Wrapf(err, "manifest: writing path %s", e.Path)
		}
	}

	return cw.Count(), nil
}

// ReadAll fully reads r into memory, then parses it into entries.
func ReadAll(r io.Reader) ([]Entry, error) {
	buf, err := io.ReadAll(io.LimitReader(r, MaxManifestSize+1))
	if err != nil {
		return nil, errors.Wrap(err, "manifest: reading")
	}
	if len(buf) > MaxManifestSize {
		return nil, errors.Wrap(ErrMalformed, "manifest: exceeds maximum size")
	}

	br := bytes.NewReader(buf)

	var count int32
	if err := binary.Read(br, Endianness, &count); err != nil {
		return nil, errors.Wrap(ErrMalformed, "manifest: reading entry count")
	}
	if count < 0 {
		return nil, errors.Wrap(ErrMalformed, "manifest: negative entry count")
	}
	if int64(count)*(digest.Size+4) > int64(br.Len()) {
		return nil, errors.Wrap(ErrMalformed, "manifest: entry count exceeds manifest size")
	}

	entries := make([]Entry, 0, count)
	for i := int32(0); i < count; i++ {
		var e Entry

		if _, err := io.ReadFull(br, e.Digest[:]); err != nil {
			return nil, errors.Wrapf(ErrMalformed, "manifest: reading digest for entry %d: %v", i, err)
		}

		var pathLen int32
		if err := binary.Read(br, Endianness, &pathLen); err != nil {
			return nil, errors.Wrapf(ErrMalformed, "manifest: reading path length for entry %d: %v", i, err)
		}
		if pathLen < 0 || int64(pathLen) > int64(br.Len()) {
			return nil, errors.Wrapf(ErrMalformed, "manifest: invalid path length for entry %d", i)
		}

		pathBytes := make([]byte, pathLen)
		if _, err := io.ReadFull(br, pathBytes); err != nil {
			return nil, errors.Wrapf(ErrMalformed, "manifest: reading path for entry %d: %v", i, err)
		}
		e.Path = string(pathBytes)

		entries = append(entries, e)
	}

	if br.Len() != 0 {
		return nil, errors.Wrap(ErrMalformed, "manifest: trailing bytes after last entry")
	}

	return entries, nil
}
