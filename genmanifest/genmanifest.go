// Package genmanifest implements the server-side manifest generator: a
// trivial directory walk that writes the same codec the client reads.
package genmanifest

import (
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/simutrans/syncback/hashcache"
)

// Generate walks root, digests every regular file under it, and writes
// the resulting manifest to filepath.Join(outDir, name).
func Generate(root, outDir, name string) error {
	cache, err := hashcache.FromDirectory(root)
	if err != nil {
		return errors.Wrapf(err, "genmanifest: walking %s", root)
	}

	dest := filepath.Join(outDir, name)
	if err := cache.WriteTo(dest); err != nil {
		return errors.Wrapf(err, "genmanifest: writing %s", dest)
	}

	return nil
}
