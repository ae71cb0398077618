// Package counter wraps io.Reader and io.Writer with running byte
// totals, optionally invoking a callback after every underlying read or
// write so callers can drive progress reporting without touching the
// data path. Used throughout the module wherever a byte count needs to
// be observed in passing: digest.Sum counts bytes hashed, manifest.WriteTo
// counts bytes written to the codec, and fetch.Downloader counts bytes
// read off a response body.
package counter

import "io"

// CountCallback is invoked with the new running total after each read or
// write that passes through a CounterReader or CounterWriter.
type CountCallback func(count int64)

// CounterReader wraps an io.Reader, tracking the running total of bytes
// read and optionally reporting it to a CountCallback. A nil underlying
// reader is valid: Read reports every requested byte as read without
// touching any buffer, matching CounterWriter's symmetric nil handling.
type CounterReader struct {
	count  int64
	reader io.Reader
	onRead CountCallback
}

// NewReader wraps reader without a progress callback.
func NewReader(reader io.Reader) *CounterReader {
	return &CounterReader{reader: reader}
}

// NewReaderCallback wraps reader, invoking onRead with the running total
// after each Read.
func NewReaderCallback(onRead CountCallback, reader io.Reader) *CounterReader {
	return &CounterReader{reader: reader, onRead: onRead}
}

// Count returns the running total of bytes read so far.
func (r *CounterReader) Count() int64 {
	return r.count
}

func (r *CounterReader) Read(buffer []byte) (n int, err error) {
	if r.reader == nil {
		n = len(buffer)
	} else {
		n, err = r.reader.Read(buffer)
	}

	r.count += int64(n)
	if r.onRead != nil {
		r.onRead(r.count)
	}
	return
}

// CounterWriter wraps an io.Writer, tracking the running total of bytes
// written and optionally reporting it to a CountCallback. A nil
// underlying writer is valid: Write reports every byte as written
// without touching any buffer, which lets a caller count bytes without
// actually persisting them (used by tests exercising the callback alone).
type CounterWriter struct {
	count   int64
	writer  io.Writer
	onWrite CountCallback
}

// NewWriter wraps writer without a progress callback.
func NewWriter(writer io.Writer) *CounterWriter {
	return &CounterWriter{writer: writer}
}

// NewWriterCallback wraps writer, invoking onWrite with the running
// total after each Write.
func NewWriterCallback(onWrite CountCallback, writer io.Writer) *CounterWriter {
	return &CounterWriter{writer: writer, onWrite: onWrite}
}

// Count returns the running total of bytes written so far.
func (w *CounterWriter) Count() int64 {
	return w.count
}

func (w *CounterWriter) Write(buffer []byte) (n int, err error) {
	if w.writer == nil {
		n = len(buffer)
	} else {
		n, err = w.writer.Write(buffer)
	}

	w.count += int64(n)
	if w.onWrite != nil {
		w.onWrite(w.count)
	}
	return
}
