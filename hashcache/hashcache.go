// Package hashcache holds an in-memory path → digest map, optionally
// bound to a root directory for lazy on-demand digestion, and the
// set-difference operation the orchestrator uses to find changed files.
package hashcache

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/simutrans/syncback/digest"
	"github.com/simutrans/syncback/manifest"
)

// IgnoredDirs names directory entries skipped during FromDirectory,
// mirroring tlc.IgnoredDirs.
var IgnoredDirs = []string{".git", ".cvs", ".svn"}

// Cache is a path → digest.Digest map, optionally bound to a root
// directory so that queries for unknown paths can synthesize a digest
// from the file actually on disk.
type Cache struct {
	mu      sync.Mutex
	entries map[string]digest.Digest
	root    string
	bound   bool
}

// New returns an empty, unbound cache.
func New() *Cache {
	return &Cache{entries: make(map[string]digest.Digest)}
}

// FromDirectory builds a cache by walking root and digesting every
// regular file, keyed by '/'-joined path relative to root.
func FromDirectory(root string) (*Cache, error) {
	c := &Cache{entries: make(map[string]digest.Digest), root: root, bound: true}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsPermission(err) {
				return nil
			}
			return err
		}

		if d.IsDir() {
			if path != root && isIgnoredDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}

		if !d.Type().IsRegular() {
			// symlinks and other non-regular files are out of scope.
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		relSlash := toSlash(rel)

		dg, err := digest.SumFile(path)
		if err != nil {
			return err
		}

		c.entries[relSlash] = dg
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "hashcache: walking %s", root)
	}

	return c, nil
}

// Load parses the manifest at manifestPath, applying transform to each
// key if non-nil, and binds the resulting cache to root for lazy
// digestion (root == "" leaves the cache read-only with respect to new
// keys). A missing manifestPath yields an empty cache rather than an
// error, matching the reference behavior of tolerating "no prior
// manifest."
func Load(manifestPath string, root string, transform func(string) string) (*Cache, error) {
	c := &Cache{entries: make(map[string]digest.Digest)}
	if root != "" {
		c.root = root
		c.bound = true
	}

	f, err := os.Open(manifestPath)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, errors.Wrapf(err, "hashcache: opening %s", manifestPath)
	}
	defer f.Close()

	entries, err := manifest.ReadAll(f)
	if err != nil {
		return nil, errors.Wrapf(err, "hashcache: loading %s", manifestPath)
	}

	for _, e := range entries {
		key := e.Path
		if transform != nil {
			key = transform(key)
		}
		c.entries[key] = e.Digest
	}

	return c, nil
}

// WriteTo serializes the cache to a temp file alongside path, then
// renames it into place (spec: the write itself is not atomic; the
// caller -- here, this method -- is responsible for temp+rename).
func (c *Cache) WriteTo(path string) error {
	c.mu.Lock()
	entries := c.entriesSnapshotLocked()
	c.mu.Unlock()

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".hashcache-*.tmp")
	if err != nil {
		return errors.Wrapf(err, "hashcache: creating temp file in %s", dir)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := manifest.WriteTo(tmp, entries); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "hashcache: writing %s", tmpPath)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "hashcache: closing %s", tmpPath)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return errors.Wrapf(err, "hashcache: renaming %s to %s", tmpPath, path)
	}

	return nil
}

func (c *Cache) entriesSnapshotLocked() []manifest.Entry {
	entries := make([]manifest.Entry, 0, len(c.entries))
	for p, d := range c.entries {
		entries = append(entries, manifest.Entry{Digest: d, Path: p})
	}
	return entries
}

// Get looks up path directly; if absent and the cache is bound to a
// root, it attempts to digest root/path, inserting and reporting
// present on success. A missing file under a bound root is "no entry,"
// not an error.
func (c *Cache) Get(path string) (digest.Digest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if d, ok := c.entries[path]; ok {
		return d, true
	}

	if !c.bound {
		return digest.Digest{}, false
	}

	full := filepath.Join(c.root, fromSlash(path))
	info, err := os.Lstat(full)
	if err != nil || !info.Mode().IsRegular() {
		return digest.Digest{}, false
	}

	d, err := digest.SumFile(full)
	if err != nil {
		return digest.Digest{}, false
	}

	c.entries[path] = d
	return d, true
}

// Difference returns the paths p in peer such that the receiver has no
// entry for p (after attempting lazy digestion) or the digests differ.
// It never returns paths that exist only in the receiver.
func (c *Cache) Difference(peer *Cache) []string {
	peer.mu.Lock()
	peerPaths := make([]string, 0, len(peer.entries))
	peerDigests := make(map[string]digest.Digest, len(peer.entries))
	for p, d := range peer.entries {
		peerPaths = append(peerPaths, p)
		peerDigests[p] = d
	}
	peer.mu.Unlock()

	var results []string
	for _, p := range peerPaths {
		ours, ok := c.Get(p)
		if !ok || !digest.Equal(ours, peerDigests[p]) {
			results = append(results, p)
		}
	}

	sort.Strings(results)
	return results
}

// Paths returns every path currently present in the cache (does not
// trigger lazy digestion).
func (c *Cache) Paths() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	paths := make([]string, 0, len(c.entries))
	for p := range c.entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Len returns the number of entries currently present in the cache.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func isIgnoredDir(name string) bool {
	for _, ignored := range IgnoredDirs {
		if name == ignored {
			return true
		}
	}
	return false
}

func toSlash(path string) string {
	return strings.ReplaceAll(path, string(os.PathSeparator), "/")
}

func fromSlash(path string) string {
	return filepath.FromSlash(path)
}
