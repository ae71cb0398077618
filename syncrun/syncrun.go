// Package syncrun implements the update orchestrator: the state machine
// that sequences manifest acquisition, set-difference computation,
// deletion, parallel download, and manifest commit for one update cycle.
package syncrun

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/pkg/errors"

	"github.com/simutrans/syncback/eventbus"
	"github.com/simutrans/syncback/fetch"
	"github.com/simutrans/syncback/hashcache"
	"github.com/simutrans/syncback/logsite"
	"github.com/simutrans/syncback/skiplist"
	"github.com/simutrans/syncback/syncerr"
	"github.com/simutrans/syncback/urlpath"
)

// ProgressState is one step of a Run's state machine.
type ProgressState int

const (
	StateInit ProgressState = iota
	StateCopyingHashManifest
	StateDownloadingHashManifest
	StateComparingFiles
	StateDeletingFiles
	StateDownloadingFiles
	StateUpdatingHashManifest
	StateCleanUp
	StateFail
	StateDone
)

func (s ProgressState) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateCopyingHashManifest:
		return "COPYING_HASH_MANIFEST"
	case StateDownloadingHashManifest:
		return "DOWNLOADING_HASH_MANIFEST"
	case StateComparingFiles:
		return "COMPARING_FILES"
	case StateDeletingFiles:
		return "DELETING_FILES"
	case StateDownloadingFiles:
		return "DOWNLOADING_FILES"
	case StateUpdatingHashManifest:
		return "UPDATING_HASH_MANIFEST"
	case StateCleanUp:
		return "CLEAN_UP"
	case StateFail:
		return "FAIL"
	case StateDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

// FileEventKind tags a published FileEvent.
type FileEventKind int

const (
	FileDeleted FileEventKind = iota
	FileDownloaded
	FileProgress
)

// FileEvent is published on a Run's FileEvents site during DELETING_FILES
// and DOWNLOADING_FILES.
type FileEvent struct {
	Kind       FileEventKind
	Path       string
	Downloaded int64
	Remaining  int64
}

// Options configures a Run. Root, ManifestURL, ManifestName and
// ArchivePrefix are required; SkiplistName is optional.
type Options struct {
	// Root is the local directory being synchronized.
	Root string

	// ManifestURL is fetched to obtain the server's current manifest.
	ManifestURL string

	// ManifestName is the stored-manifest filename, relative to Root.
	ManifestName string

	// ArchivePrefix is prepended to each encoded relative path to build
	// a per-file download URL.
	ArchivePrefix string

	// SkiplistName optionally names a text file, relative to Root,
	// listing paths excluded from both deletion and download.
	SkiplistName string

	// Downloader configures the underlying fetch.Downloader.
	Downloader fetch.Options
}

func noPathSeparator(value interface{}) error {
	s, _ := value.(string)
	if strings.ContainsAny(s, `/\`) {
		return errors.New("must not contain a path separator")
	}
	return nil
}

// Validate checks the option values are usable.
func (o Options) Validate() error {
	return validation.ValidateStruct(&o,
		validation.Field(&o.Root, validation.Required),
		validation.Field(&o.ManifestURL, validation.Required),
		validation.Field(&o.ManifestName, validation.Required, validation.By(noPathSeparator)),
		validation.Field(&o.ArchivePrefix, validation.Required),
	)
}

// Run drives a single update cycle.
type Run struct {
	opts Options

	// Progress publishes one ProgressState per state machine transition.
	Progress eventbus.Site[ProgressState]

	// FileEvents publishes one FileEvent per deleted or downloaded file.
	FileEvents eventbus.Site[FileEvent]

	// Errors publishes every error encountered, whether fatal to the
	// run or merely attached to a single fetch.
	Errors eventbus.Site[error]

	// Consumer receives ambient debug/info log messages. Nil is valid.
	Consumer *logsite.Consumer
}

// New constructs a Run. opts is validated immediately. An unset
// opts.Downloader falls back to fetch.DefaultOptions.
func New(opts Options) (*Run, error) {
	if err := opts.Validate(); err != nil {
		return nil, errors.Wrap(err, "syncrun: invalid options")
	}
	if opts.Downloader == (fetch.Options{}) {
		opts.Downloader = fetch.DefaultOptions()
	}
	return &Run{opts: opts}, nil
}

func (r *Run) publish(s ProgressState) {
	r.Consumer.Debugf("syncrun: %s", s)
	r.Progress.Notify(s)
}

func (r *Run) fail(err error) error {
	r.Errors.Notify(err)
	return err
}

// Run executes one full update cycle: copy any stored manifest, download
// the new one, compute differences, delete stale files, download changed
// or missing files, and commit the staging manifest. The final progress
// event published is always exactly one of StateDone or StateFail.
func (r *Run) Run(ctx context.Context) error {
	r.publish(StateInit)

	downloader, err := fetch.New(r.opts.Downloader)
	if err != nil {
		r.publish(StateFail)
		return r.fail(errors.Wrap(err, "syncrun: constructing downloader"))
	}
	downloader.Consumer = r.Consumer

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := downloader.Shutdown(shutdownCtx); err != nil {
			r.Consumer.Warnf("syncrun: downloader shutdown: %v", err)
		}
	}()

	manifestPath := filepath.Join(r.opts.Root, r.opts.ManifestName)
	stagingPath := manifestPath + ".tmp"
	err = func() error {
		defer func() {
			r.publish(StateCleanUp)
			if err := os.Remove(stagingPath); err != nil && !os.IsNotExist(err) {
				r.Consumer.Warnf("syncrun: removing staging manifest %s: %v", stagingPath, err)
			}
		}()
		return r.run(ctx, downloader, manifestPath, stagingPath)
	}()

	if err != nil {
		r.publish(StateFail)
		return err
	}

	r.publish(StateDone)
	return nil
}

func (r *Run) run(ctx context.Context, downloader *fetch.Downloader, manifestPath, stagingPath string) error {
	if _, err := os.Stat(manifestPath); err == nil {
		r.publish(StateCopyingHashManifest)
		if err := copyIfExists(manifestPath, stagingPath); err != nil {
			return r.fail(errors.Wrap(err, "syncrun: copying stored manifest"))
		}
	} else if !os.IsNotExist(err) {
		return r.fail(errors.Wrapf(syncerr.ErrFilesystem, "syncrun: statting %s: %v", manifestPath, err))
	}

	r.publish(StateDownloadingHashManifest)
	if err := fetchManifest(ctx, downloader, r.opts.ManifestURL, stagingPath); err != nil {
		return r.fail(err)
	}

	r.publish(StateComparingFiles)
	newCache, err := hashcache.Load(stagingPath, "", nil)
	if err != nil {
		return r.fail(errors.Wrap(err, syncerr.ErrManifestMalformed.Error()))
	}
	oldCache, err := hashcache.Load(manifestPath, r.opts.Root, nil)
	if err != nil {
		return r.fail(errors.Wrap(err, syncerr.ErrManifestMalformed.Error()))
	}

	toDownload := oldCache.Difference(newCache)
	toDelete := newCache.Difference(oldCache)

	if r.opts.SkiplistName != "" {
		skip, err := skiplist.Load(filepath.Join(r.opts.Root, r.opts.SkiplistName))
		if err != nil {
			return r.fail(errors.Wrap(syncerr.ErrFilesystem, err.Error()))
		}
		toDownload = skiplist.Remove(toDownload, skip)
		toDelete = skiplist.Remove(toDelete, skip)
	}

	if len(toDelete) > 0 {
		r.publish(StateDeletingFiles)
		r.deleteFiles(toDelete)
	}

	failed := false
	if len(toDownload) > 0 {
		r.publish(StateDownloadingFiles)
		failed = r.downloadFiles(ctx, downloader, toDownload)
	}

	r.publish(StateUpdatingHashManifest)
	if !failed {
		if err := commitManifest(stagingPath, manifestPath); err != nil {
			return r.fail(errors.Wrap(err, "syncrun: committing manifest"))
		}
	} else {
		r.Consumer.Warnf("syncrun: skipping manifest commit after partial failure")
	}

	if failed {
		return r.fail(syncerr.ErrPartialFailure)
	}
	return nil
}

func (r *Run) deleteFiles(paths []string) {
	for _, p := range paths {
		full := filepath.Join(r.opts.Root, filepath.FromSlash(p))
		if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
			r.Errors.Notify(errors.Wrapf(syncerr.ErrFilesystem, "deleting %s: %v", full, err))
			continue
		}
		r.FileEvents.Notify(FileEvent{Kind: FileDeleted, Path: p})
	}
}

func (r *Run) downloadFiles(ctx context.Context, downloader *fetch.Downloader, paths []string) bool {
	var wg sync.WaitGroup
	var failed atomic.Bool

	for _, p := range paths {
		p := p
		dest := filepath.Join(r.opts.Root, filepath.FromSlash(p))

		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			r.Errors.Notify(errors.Wrapf(syncerr.ErrFilesystem, "creating directory for %s: %v", dest, err))
			failed.Store(true)
			continue
		}
		f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			r.Errors.Notify(errors.Wrapf(syncerr.ErrFilesystem, "creating %s: %v", dest, err))
			failed.Store(true)
			continue
		}
		f.Close()

		url := r.opts.ArchivePrefix + urlpath.Encode(p)
		h := downloader.Enqueue(ctx, url, dest, true)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := h.Wait(); err != nil {
				r.Errors.Notify(err)
				failed.Store(true)
				return
			}
			r.FileEvents.Notify(FileEvent{
				Kind:       FileDownloaded,
				Path:       p,
				Downloaded: downloader.DownloadedBytes(),
				Remaining:  downloader.RemainingBytes(),
			})
		}()
	}

	wg.Wait()
	r.Consumer.Debugf("syncrun: download phase done, %s transferred", humanize.Bytes(uint64(downloader.DownloadedBytes())))
	return failed.Load()
}

func fetchManifest(ctx context.Context, downloader *fetch.Downloader, url, destination string) error {
	if err := os.MkdirAll(filepath.Dir(destination), 0o755); err != nil {
		return errors.Wrapf(syncerr.ErrFilesystem, "creating directory for %s: %v", destination, err)
	}
	f, err := os.OpenFile(destination, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrapf(syncerr.ErrFilesystem, "creating %s: %v", destination, err)
	}
	f.Close()

	h := downloader.Enqueue(ctx, url, destination, false)
	return h.Wait()
}

func copyIfExists(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(syncerr.ErrFilesystem, "opening %s: %v", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrapf(syncerr.ErrFilesystem, "creating %s: %v", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return errors.Wrapf(syncerr.ErrFilesystem, "copying %s to %s: %v", src, dst, err)
	}
	return nil
}

func commitManifest(stagingPath, manifestPath string) error {
	cache, err := hashcache.Load(stagingPath, "", nil)
	if err != nil {
		return errors.Wrap(err, syncerr.ErrManifestMalformed.Error())
	}
	if err := cache.WriteTo(manifestPath); err != nil {
		return errors.Wrap(syncerr.ErrFilesystem, err.Error())
	}
	return nil
}
