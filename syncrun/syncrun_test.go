package syncrun_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simutrans/syncback/digest"
	"github.com/simutrans/syncback/manifest"
	"github.com/simutrans/syncback/syncrun"
	"github.com/simutrans/syncback/synctest"
	"github.com/simutrans/syncback/urlpath"
)

func manifestBytes(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var entries []manifest.Entry
	for path, content := range files {
		d, err := digest.Sum(bytes.NewReader([]byte(content)), nil)
		require.NoError(t, err)
		entries = append(entries, manifest.Entry{Digest: d, Path: path})
	}
	var buf bytes.Buffer
	_, err := manifest.WriteTo(&buf, entries)
	require.NoError(t, err)
	return buf.Bytes()
}

func newHarness(t *testing.T) (*synctest.Server, string) {
	t.Helper()
	srv := synctest.NewServer("/manifest.hash", "/files/")
	root := t.TempDir()
	return srv, root
}

func runOptions(srv *synctest.Server, root string) syncrun.Options {
	opts := syncrun.Options{
		Root:          root,
		ManifestURL:   srv.URL + "/manifest.hash",
		ManifestName:  "manifest.hash",
		ArchivePrefix: srv.URL + "/files/",
	}
	opts.Downloader.ConnectionCount = 4
	opts.Downloader.BufferLength = 4096
	opts.Downloader.ConnectionTimeout = 0
	return opts
}

func collectProgress(run *syncrun.Run) *[]syncrun.ProgressState {
	states := &[]syncrun.ProgressState{}
	run.Progress.Subscribe(func(s syncrun.ProgressState) {
		*states = append(*states, s)
	})
	return states
}

func TestS1CleanInstall(t *testing.T) {
	srv, root := newHarness(t)

	files := map[string]string{"a.txt": "hello", "sub/b.txt": "world", "c.bin": "\x00\x01\x02"}
	srv.SetManifest(manifestBytes(t, files))
	for path, content := range files {
		srv.SetFile(urlpath.Encode(path), synctest.File{Body: []byte(content)})
	}

	run, err := syncrun.New(runOptions(srv, root))
	require.NoError(t, err)
	states := collectProgress(run)

	synctest.Must(t, run.Run(context.Background()))

	for path, content := range files {
		got, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(path)))
		require.NoError(t, err)
		assert.Equal(t, content, string(got))
	}

	require.NotEmpty(t, *states)
	assert.Equal(t, syncrun.StateDone, (*states)[len(*states)-1])

	_, err = os.Stat(filepath.Join(root, "manifest.hash.tmp"))
	assert.True(t, os.IsNotExist(err))
}

func TestS2NoOp(t *testing.T) {
	srv, root := newHarness(t)

	files := map[string]string{"a.txt": "hello"}
	mbytes := manifestBytes(t, files)
	srv.SetManifest(mbytes)
	srv.SetFile(urlpath.Encode("a.txt"), synctest.File{Body: []byte("hello")})

	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "manifest.hash"), mbytes, 0o644))

	run, err := syncrun.New(runOptions(srv, root))
	require.NoError(t, err)

	var deletes, downloads int
	run.FileEvents.Subscribe(func(e syncrun.FileEvent) {
		switch e.Kind {
		case syncrun.FileDeleted:
			deletes++
		case syncrun.FileDownloaded:
			downloads++
		}
	})

	synctest.Must(t, run.Run(context.Background()))

	assert.Equal(t, 0, deletes)
	assert.Equal(t, 0, downloads)
}

func TestS3DeleteOnly(t *testing.T) {
	srv, root := newHarness(t)

	oldFiles := map[string]string{"a.txt": "hello", "b.txt": "bye"}
	newFiles := map[string]string{"a.txt": "hello"}

	srv.SetManifest(manifestBytes(t, newFiles))
	srv.SetFile(urlpath.Encode("a.txt"), synctest.File{Body: []byte("hello")})

	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.txt"), []byte("bye"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "manifest.hash"), manifestBytes(t, oldFiles), 0o644))

	run, err := syncrun.New(runOptions(srv, root))
	require.NoError(t, err)

	var deleted []string
	run.FileEvents.Subscribe(func(e syncrun.FileEvent) {
		if e.Kind == syncrun.FileDeleted {
			deleted = append(deleted, e.Path)
		}
	})

	synctest.Must(t, run.Run(context.Background()))

	assert.Equal(t, []string{"b.txt"}, deleted)
	_, err = os.Stat(filepath.Join(root, "b.txt"))
	assert.True(t, os.IsNotExist(err))
	got, err := os.ReadFile(filepath.Join(root, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}

func TestS4ChangeOnly(t *testing.T) {
	srv, root := newHarness(t)

	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("h1-content"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "manifest.hash"),
		manifestBytes(t, map[string]string{"a.txt": "h1-content"}), 0o644))

	srv.SetManifest(manifestBytes(t, map[string]string{"a.txt": "h2-content"}))
	srv.SetFile(urlpath.Encode("a.txt"), synctest.File{Body: []byte("h2-content")})

	run, err := syncrun.New(runOptions(srv, root))
	require.NoError(t, err)

	synctest.Must(t, run.Run(context.Background()))

	got, err := os.ReadFile(filepath.Join(root, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "h2-content", string(got))
}

func TestS5Skiplist(t *testing.T) {
	srv, root := newHarness(t)

	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("local-version"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "manifest.hash"),
		manifestBytes(t, map[string]string{"a.txt": "local-version"}), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "skip.txt"), []byte("a.txt\n"), 0o644))

	srv.SetManifest(manifestBytes(t, map[string]string{"a.txt": "server-version"}))
	srv.SetFile(urlpath.Encode("a.txt"), synctest.File{Body: []byte("server-version")})

	opts := runOptions(srv, root)
	opts.SkiplistName = "skip.txt"
	run, err := syncrun.New(opts)
	require.NoError(t, err)

	synctest.Must(t, run.Run(context.Background()))

	got, err := os.ReadFile(filepath.Join(root, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "local-version", string(got), "skiplisted file must not be downloaded")
}

func TestS6PartialFailure(t *testing.T) {
	srv, root := newHarness(t)

	srv.SetManifest(manifestBytes(t, map[string]string{"a.txt": "good", "b.txt": "bad"}))
	srv.SetFile(urlpath.Encode("a.txt"), synctest.File{Body: []byte("good")})
	srv.SetFile(urlpath.Encode("b.txt"), synctest.File{Body: []byte("bad")})
	srv.FailNextWith(urlpath.Encode("b.txt"), 500, 100)

	run, err := syncrun.New(runOptions(srv, root))
	require.NoError(t, err)
	states := collectProgress(run)

	var errEvents []error
	run.Errors.Subscribe(func(e error) { errEvents = append(errEvents, e) })

	err = run.Run(context.Background())
	assert.Error(t, err)

	got, readErr := os.ReadFile(filepath.Join(root, "a.txt"))
	require.NoError(t, readErr)
	assert.Equal(t, "good", string(got))

	assert.NotEmpty(t, errEvents)
	assert.Equal(t, syncrun.StateFail, (*states)[len(*states)-1])

	_, statErr := os.Stat(filepath.Join(root, "manifest.hash.tmp"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestInvalidOptionsRejected(t *testing.T) {
	_, err := syncrun.New(syncrun.Options{})
	assert.Error(t, err)
}

func TestManifestNameRejectsPathSeparator(t *testing.T) {
	opts := syncrun.Options{
		Root:          t.TempDir(),
		ManifestURL:   "http://example.invalid/manifest.hash",
		ManifestName:  "sub/manifest.hash",
		ArchivePrefix: "http://example.invalid/files/",
	}
	_, err := syncrun.New(opts)
	assert.Error(t, err)
}

func TestProgressStateStringer(t *testing.T) {
	assert.Equal(t, "DONE", syncrun.StateDone.String())
	assert.Equal(t, "FAIL", syncrun.StateFail.String())
	assert.Equal(t, "INIT", syncrun.StateInit.String())
}
