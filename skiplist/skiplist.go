// Package skiplist loads the optional user-owned text file of relative
// paths excluded from both deletion and download.
package skiplist

import (
	"bufio"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// Load reads one relative path per line from path, tolerating both LF
// and CRLF line endings. A missing file is not an error: it returns a
// nil set, meaning "no skiplist."
func Load(path string) (map[string]bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "skiplist: opening %s", path)
	}
	defer f.Close()

	set := make(map[string]bool)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		set[line] = true
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "skiplist: reading %s", path)
	}

	return set, nil
}

// Remove deletes every path present in skip from paths, returning a new
// slice. A nil skip leaves paths unchanged.
func Remove(paths []string, skip map[string]bool) []string {
	if len(skip) == 0 {
		return paths
	}

	kept := make([]string, 0, len(paths))
	for _, p := range paths {
		if !skip[p] {
			kept = append(kept, p)
		}
	}
	return kept
}
