package synctest_test

import (
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simutrans/syncback/synctest"
)

func TestServerServesManifestAndFiles(t *testing.T) {
	srv := synctest.NewServer("/manifest.hash", "/files/")
	defer srv.Close()

	srv.SetManifest([]byte("fake-manifest"))
	lm := time.Unix(1700000000, 0)
	srv.SetFile("a.txt", synctest.File{Body: []byte("hello"), LastModified: lm})

	resp, err := http.Get(srv.URL + "/manifest.hash")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "fake-manifest", string(body))

	resp2, err := http.Get(srv.URL + "/files/a.txt")
	require.NoError(t, err)
	defer resp2.Body.Close()
	body2, err := io.ReadAll(resp2.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body2))
	assert.Equal(t, lm.UTC().Format(http.TimeFormat), resp2.Header.Get("Last-Modified"))
}

func TestServerFailNextWith(t *testing.T) {
	srv := synctest.NewServer("/manifest.hash", "/files/")
	defer srv.Close()

	srv.SetFile("a.txt", synctest.File{Body: []byte("hello")})
	srv.FailNextWith("a.txt", http.StatusInternalServerError, 1)

	resp, err := http.Get(srv.URL + "/files/a.txt")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	resp2, err := http.Get(srv.URL + "/files/a.txt")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
}

func TestServerMissingFile(t *testing.T) {
	srv := synctest.NewServer("/manifest.hash", "/files/")
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/files/missing.txt")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
