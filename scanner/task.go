package scanner

import (
	"fmt"

	"github.com/migadu/mailscan/consts"
	"github.com/migadu/mailscan/executor"
	"github.com/migadu/mailscan/headerscan"
	"github.com/migadu/mailscan/pkg/metrics"
)

type taskState uint8

const (
	stateOpen taskState = iota
	stateRead
	stateClose
)

// mailTask scans the header block of one file: open, read blocks into the
// parser until the block ends, close. It runs inside its worker's executor.
type mailTask struct {
	w    *worker
	path string

	state  taskState
	open   *executor.OpenOp
	file   *executor.File
	read   *executor.ReadOp
	close  *executor.Operation
	buf    []byte
	parser *headerscan.Parser

	found     []headerscan.Address
	complete  bool
	truncated bool
	err       error
}

func (w *worker) newTask(path string) *mailTask {
	t := &mailTask{w: w, path: path}
	t.parser = headerscan.New(w.match, w.opts.MalformedPolicy, t.collect)
	return t
}

func (t *mailTask) collect(a headerscan.Address) {
	t.found = append(t.found, a)
}

func (t *mailTask) Poll(ctx *executor.Context) executor.Status {
	for {
		switch t.state {
		case stateOpen:
			if t.open == nil {
				t.open = executor.Open(t.path)
			}
			f, done, err := t.open.Poll(ctx)
			if !done {
				return executor.Pending
			}
			t.open = nil
			if err != nil {
				t.err = err
				return t.finish()
			}
			t.file = f
			t.state = stateRead

		case stateRead:
			if t.read == nil {
				t.read = t.file.ReadAppend(&t.buf, t.w.opts.ReadBlockSize)
			}
			n, done, err := t.read.Poll(ctx)
			if !done {
				return executor.Pending
			}
			t.read = nil
			if err != nil {
				t.err = fmt.Errorf("read %s: %w", t.path, err)
				t.state = stateClose
				continue
			}
			t.w.stats.BytesRead += int64(n)
			metrics.BytesReadTotal.Add(float64(n))
			t.state = t.scan(n)

		case stateClose:
			if t.close == nil {
				t.close = t.file.Close()
			}
			_, done, err := t.close.Poll(ctx)
			if !done {
				return executor.Pending
			}
			if err != nil && t.err == nil {
				t.err = fmt.Errorf("close %s: %w", t.path, err)
			}
			return t.finish()
		}
	}
}

// scan hands the bytes read so far to the parser and picks the next state.
func (t *mailTask) scan(n int) taskState {
	if n == 0 {
		if t.parser.Flush(t.buf) == headerscan.Done {
			t.complete = true
		} else {
			t.truncated = true
			t.w.log.Debug("Scanner: file ended inside the header block", "path", t.path, "size", len(t.buf))
		}
		return stateClose
	}

	if t.parser.Feed(t.buf) == headerscan.Done {
		t.complete = true
		return stateClose
	}

	if limit := t.w.opts.MaxHeaderSize; limit > 0 && len(t.buf) >= limit {
		// Parse the complete fields already buffered, including any a retry
		// left waiting.
		if t.parser.Flush(t.buf) == headerscan.Done {
			t.complete = true
			return stateClose
		}
		t.truncated = true
		t.w.log.Debug("Scanner: stopped reading oversized header block", "path", t.path,
			"limit", limit, "error", consts.ErrHeaderTooLarge)
		return stateClose
	}
	return stateRead
}

// finish commits the task's findings to the worker and releases the buffer.
func (t *mailTask) finish() executor.Status {
	w := t.w
	w.stats.Files++

	if malformed := t.parser.Malformed(); malformed > 0 {
		w.stats.MalformedFields += int64(malformed)
		metrics.HeaderParseErrorsTotal.Add(float64(malformed))
	}

	if t.err != nil {
		w.stats.Failed++
		metrics.FilesTotal.WithLabelValues(metrics.ResultError).Inc()
		t.w.log.Warn("Scanner: failed to scan file", "path", t.path, "error", t.err)
	}

	if w.dedup != nil && t.file != nil && len(t.buf) > 0 {
		header := t.buf
		if t.complete {
			header = t.buf[:t.parser.Offset()]
		}
		if !w.dedup.first(header) {
			w.stats.Duplicates++
			metrics.FilesTotal.WithLabelValues(metrics.ResultDuplicate).Inc()
			t.w.log.Debug("Scanner: skipping duplicate header block", "path", t.path)
			t.release()
			return executor.Ready
		}
	}

	for _, a := range t.found {
		w.coll.Add(a)
	}
	w.stats.Addresses += int64(len(t.found))
	metrics.AddressesMatchedTotal.Add(float64(len(t.found)))

	if t.err == nil {
		result := metrics.ResultOK
		if t.truncated {
			w.stats.Truncated++
			result = metrics.ResultTruncated
		}
		metrics.FilesTotal.WithLabelValues(result).Inc()
	}

	t.release()
	return executor.Ready
}

func (t *mailTask) release() {
	t.buf = nil
	t.found = nil
}
