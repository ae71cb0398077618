// Package synctest provides test-only support shared across the module's
// test suites: a fail-fast assertion helper and a fake HTTP manifest/file
// server for end-to-end update scenarios.
package synctest

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/simutrans/syncback/syncerr"
)

// sentinelName names the syncerr sentinel err's chain matches, if any, so
// a failure reports which class of error a sync run produced rather
// than just its message.
func sentinelName(err error) string {
	switch {
	case errors.Is(err, syncerr.ErrNetwork):
		return "ErrNetwork"
	case errors.Is(err, syncerr.ErrFilesystem):
		return "ErrFilesystem"
	case errors.Is(err, syncerr.ErrManifestMalformed):
		return "ErrManifestMalformed"
	case errors.Is(err, syncerr.ErrDigestUnavailable):
		return "ErrDigestUnavailable"
	case errors.Is(err, syncerr.ErrPartialFailure):
		return "ErrPartialFailure"
	default:
		return ""
	}
}

// Must fails a test immediately if err is non-nil, logging the full
// error stack and, when err's chain matches one of syncerr's sentinels,
// which one — the same classification syncrun and fetch callers use to
// branch on failure kind.
func Must(t *testing.T, err error) {
	if err != nil {
		t.Helper()
		if name := sentinelName(err); name != "" {
			t.Errorf("%s: %+v", name, errors.WithStack(err))
		} else {
			t.Errorf("%+v", errors.WithStack(err))
		}
		t.FailNow()
	}
}

// File is one entry served by a Server.
type File struct {
	Body         []byte
	LastModified time.Time
}

// Server is a fake archive server: it serves a manifest at one URL and
// arbitrary per-path content at archive-prefix + encoded path, matching
// the contract an Options.ManifestURL / Options.ArchivePrefix pair
// expects from a real deployment.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	manifest []byte
	files    map[string]File
	fail     map[string]int
}

// NewServer starts a fake archive server. manifestPath is the URL path
// the manifest is served under (e.g. "/manifest.hash"); filePrefix is the
// URL path prefix every file is served under (e.g. "/files/").
func NewServer(manifestPath, filePrefix string) *Server {
	s := &Server{
		files: make(map[string]File),
		fail:  make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(manifestPath, s.handleManifest)
	mux.HandleFunc(filePrefix, func(w http.ResponseWriter, r *http.Request) {
		s.handleFile(w, r, filePrefix)
	})

	s.Server = httptest.NewServer(mux)
	return s
}

// SetManifest replaces the bytes served at manifestPath.
func (s *Server) SetManifest(body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manifest = body
}

// SetFile sets the content and Last-Modified timestamp served for an
// encoded relative path under filePrefix.
func (s *Server) SetFile(encodedPath string, f File) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[encodedPath] = f
}

// FailNextWith makes the next n requests for encodedPath respond with
// the given HTTP status code instead of serving content.
func (s *Server) FailNextWith(encodedPath string, status int, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[encodedPath] = status<<16 | n
}

func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	body := s.manifest
	s.mu.Unlock()

	w.Header().Set("Last-Modified", time.Now().UTC().Format(http.TimeFormat))
	w.Write(body)
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request, prefix string) {
	path := r.URL.Path[len(prefix):]

	s.mu.Lock()
	if packed, ok := s.fail[path]; ok {
		status := packed >> 16
		remaining := packed & 0xffff
		remaining--
		if remaining <= 0 {
			delete(s.fail, path)
		} else {
			s.fail[path] = status<<16 | remaining
		}
		s.mu.Unlock()
		w.WriteHeader(status)
		return
	}
	f, ok := s.files[path]
	s.mu.Unlock()

	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	w.Header().Set("Last-Modified", f.LastModified.UTC().Format(http.TimeFormat))
	w.Write(f.Body)
}
