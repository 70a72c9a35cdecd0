// Package progress reports byte counts while an archive streams to disk.
package progress

import (
	"errors"
	"io"
)

// Reader counts bytes flowing through an io.Reader and invokes a callback
// every interval bytes, plus a final time when the stream ends.
type Reader struct {
	src      io.Reader
	total    int64
	report   func(written, total int64)
	interval int64

	written     int64
	sinceReport int64
}

// NewReader wraps src. total is passed through to the callback untouched and
// may be negative when the remote size is unknown. A nil callback disables
// reporting.
func NewReader(src io.Reader, total int64, interval int64, report func(written, total int64)) *Reader {
	return &Reader{
		src:      src,
		total:    total,
		report:   report,
		interval: interval,
	}
}

func (r *Reader) Read(p []byte) (int, error) {
	n, err := r.src.Read(p)
	if n > 0 {
		r.written += int64(n)
		r.sinceReport += int64(n)
	}

	if r.report == nil {
		return n, err
	}

	if r.sinceReport >= r.interval || (errors.Is(err, io.EOF) && r.sinceReport > 0) {
		r.report(r.written, r.total)
		r.sinceReport = 0
	}

	return n, err
}
