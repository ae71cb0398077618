// Package fetch implements the bounded-concurrency HTTP-to-file
// downloader: each enqueued fetch streams a response body to a
// destination file, short-circuiting when the destination already
// matches the server's Last-Modified timestamp, and contributing to two
// shared byte counters a caller can poll for progress reporting.
package fetch

import (
	"context"
	"io"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/pkg/errors"
	uuid "github.com/satori/go.uuid"

	"github.com/simutrans/syncback/counter"
	"github.com/simutrans/syncback/eventbus"
	"github.com/simutrans/syncback/logsite"
	"github.com/simutrans/syncback/syncerr"
)

// Options configures a Downloader. See DefaultOptions for the reference
// defaults.
type Options struct {
	// ConnectionCount bounds how many fetches may be actively
	// transferring at once.
	ConnectionCount int

	// BufferLength is the per-fetch read buffer size.
	BufferLength int

	// ConnectionTimeout bounds both connect and read time for a fetch.
	ConnectionTimeout time.Duration
}

// DefaultOptions returns the spec defaults: 16 connections, 32KiB
// buffers, 30 second timeout.
func DefaultOptions() Options {
	return Options{
		ConnectionCount:   16,
		BufferLength:      32 * 1024,
		ConnectionTimeout: 30 * time.Second,
	}
}

// Validate checks the option values are usable.
func (o Options) Validate() error {
	return validation.ValidateStruct(&o,
		validation.Field(&o.ConnectionCount, validation.Required, validation.Min(1)),
		validation.Field(&o.BufferLength, validation.Required, validation.Min(1)),
		validation.Field(&o.ConnectionTimeout, validation.Min(time.Duration(0))),
	)
}

// EventKind tags a published Event.
type EventKind int

const (
	EventDone EventKind = iota
	EventError
	EventSkipped
)

// Event is published on a Downloader's Events site as each fetch
// terminates. Emission for a given fetch happens atomically from that
// fetch's own goroutine; events from different fetches may interleave.
type Event struct {
	ID    string
	Kind  EventKind
	URL   string
	Path  string
	Bytes int64
	Err   error
}

// Handle represents one enqueued fetch. Wait blocks until the fetch
// terminates (success or failure) and returns its error, if any.
type Handle struct {
	ID   string
	URL  string
	Path string

	done chan struct{}
	err  error
}

// Wait blocks until the fetch completes and returns its result.
func (h *Handle) Wait() error {
	<-h.done
	return h.err
}

// Downloader is a bounded-concurrency HTTP-to-file fetch engine.
type Downloader struct {
	opts   Options
	client *http.Client

	sem chan struct{}
	wg  sync.WaitGroup

	bytesDownloaded atomic.Int64
	bytesRemaining  atomic.Int64
	closed          atomic.Bool

	// Events publishes one Event per terminated fetch.
	Events eventbus.Site[Event]

	// Consumer receives ambient debug/info log messages. Nil is valid.
	Consumer *logsite.Consumer
}

// New constructs a Downloader. opts is validated; an invalid Options
// returns an error rather than panicking.
func New(opts Options) (*Downloader, error) {
	if err := opts.Validate(); err != nil {
		return nil, errors.Wrap(err, "fetch: invalid options")
	}

	return &Downloader{
		opts: opts,
		client: &http.Client{
			Timeout: 0, // per-request deadlines are set via context below
		},
		sem: make(chan struct{}, opts.ConnectionCount),
	}, nil
}

// DownloadedBytes returns the running total of bytes read from response
// bodies across every fetch this Downloader has ever run.
func (d *Downloader) DownloadedBytes() int64 {
	return d.bytesDownloaded.Load()
}

// RemainingBytes returns the approximate bytes left to download across
// all currently scheduled fetches.
func (d *Downloader) RemainingBytes() int64 {
	return d.bytesRemaining.Load()
}

// Enqueue schedules a fetch of url into destination and returns
// immediately with a Handle; at most ConnectionCount fetches transfer
// concurrently, the rest queue on an internal semaphore. If force is
// false and destination already matches the server's Last-Modified
// timestamp, the fetch completes without transferring any bytes.
func (d *Downloader) Enqueue(ctx context.Context, url, destination string, force bool) *Handle {
	h := &Handle{
		ID:   uuid.NewV4().String(),
		URL:  url,
		Path: destination,
		done: make(chan struct{}),
	}

	if d.closed.Load() {
		h.err = errors.New("fetch: downloader is shut down")
		close(h.done)
		return h
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer close(h.done)

		select {
		case d.sem <- struct{}{}:
			defer func() { <-d.sem }()
		case <-ctx.Done():
			h.err = ctx.Err()
			return
		}

		h.err = d.runFetch(ctx, h, destination, force)
	}()

	return h
}

// Shutdown stops accepting new fetches and waits up to ctx's deadline
// for in-flight fetches to drain.
func (d *Downloader) Shutdown(ctx context.Context) error {
	d.closed.Store(true)

	waitDone := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(waitDone)
	}()

	select {
	case <-waitDone:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "fetch: shutdown timed out waiting for in-flight fetches")
	}
}

func (d *Downloader) runFetch(ctx context.Context, h *Handle, destination string, force bool) error {
	reqCtx := ctx
	var cancel context.CancelFunc
	if d.opts.ConnectionTimeout > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, d.opts.ConnectionTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, h.URL, nil)
	if err != nil {
		return d.fail(h, errors.Wrap(err, "fetch: building request"))
	}
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")

	resp, err := d.client.Do(req)
	if err != nil {
		return d.fail(h, errors.Wrap(syncerr.ErrNetwork, err.Error()))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return d.fail(h, errors.Wrapf(syncerr.ErrNetwork, "fetch: HTTP %d for %s", resp.StatusCode, h.URL))
	}

	contentLength := resp.ContentLength
	d.bytesRemaining.Add(contentLength)
	remainingToSubtract := contentLength

	defer func() {
		if remainingToSubtract > 0 {
			d.bytesRemaining.Add(-remainingToSubtract)
		}
	}()

	lastModifiedMillis := parseLastModifiedMillis(resp.Header.Get("Last-Modified"))

	if !force {
		if info, statErr := os.Stat(destination); statErr == nil && info.Mode().IsRegular() {
			if info.ModTime().UnixMilli() == lastModifiedMillis {
				d.Consumer.Debugf("fetch: %s is fresh, skipping", destination)
				d.succeed(h, 0, true)
				return nil
			}
		}
	}

	out, err := os.OpenFile(destination, os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return d.fail(h, errors.Wrapf(syncerr.ErrFilesystem, "opening %s: %v", destination, err))
	}
	defer out.Close()

	buf := make([]byte, d.opts.BufferLength)
	var blockIndex int64
	var lastCount int64

	onRead := func(count int64) {
		delta := count - lastCount
		lastCount = count
		d.bytesDownloaded.Add(delta)
		d.bytesRemaining.Add(-delta)
		remainingToSubtract -= delta
	}
	cr := counter.NewReaderCallback(onRead, resp.Body)

	for {
		n, readErr := cr.Read(buf)
		if n > 0 {
			if _, writeErr := out.WriteAt(buf[:n], blockIndex*int64(d.opts.BufferLength)); writeErr != nil {
				return d.fail(h, errors.Wrapf(syncerr.ErrFilesystem, "writing %s: %v", destination, writeErr))
			}
			blockIndex++
		}

		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			return d.fail(h, errors.Wrap(syncerr.ErrNetwork, readErr.Error()))
		}
	}
	total := cr.Count()

	if err := out.Close(); err != nil {
		return d.fail(h, errors.Wrapf(syncerr.ErrFilesystem, "closing %s: %v", destination, err))
	}

	modTime := time.UnixMilli(lastModifiedMillis)
	if err := os.Chtimes(destination, modTime, modTime); err != nil {
		return d.fail(h, errors.Wrapf(syncerr.ErrFilesystem, "setting mtime on %s: %v", destination, err))
	}

	d.succeed(h, total, false)
	return nil
}

func (d *Downloader) fail(h *Handle, err error) error {
	d.Consumer.Warnf("fetch[%s]: %s failed: %v", h.ID, h.URL, err)
	d.Events.Notify(Event{ID: h.ID, Kind: EventError, URL: h.URL, Path: h.Path, Err: err})
	return err
}

func (d *Downloader) succeed(h *Handle, bytes int64, skipped bool) {
	kind := EventDone
	if skipped {
		kind = EventSkipped
		d.Consumer.Debugf("fetch[%s]: %s skipped (already fresh)", h.ID, h.URL)
	} else {
		d.Consumer.Debugf("fetch[%s]: %s done, %s transferred", h.ID, h.URL, humanize.Bytes(uint64(bytes)))
	}
	d.Events.Notify(Event{ID: h.ID, Kind: kind, URL: h.URL, Path: h.Path, Bytes: bytes})
}

func parseLastModifiedMillis(header string) int64 {
	if header == "" {
		return 0
	}
	t, err := http.ParseTime(header)
	if err != nil {
		return 0
	}
	return t.UnixMilli()
}
