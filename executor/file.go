package executor

import (
	"io/fs"
	"slices"

	"github.com/migadu/mailscan/uring"
	"golang.org/x/sys/unix"
)

// File is an open descriptor plus the offset of the next read. The offset
// only advances on successful reads.
type File struct {
	fd     int32
	offset uint64
}

func (f *File) Fd() int        { return int(f.fd) }
func (f *File) Offset() uint64 { return f.offset }

// OpenOp opens a file read-only.
type OpenOp struct {
	path string
	op   *Operation
}

// Open returns an operation opening path read-only. A path containing a NUL
// byte fails on the first poll.
func Open(path string) *OpenOp {
	name, err := unix.ByteSliceFromString(path)
	if err != nil {
		return &OpenOp{path: path, op: failedOperation(err)}
	}
	return &OpenOp{path: path, op: newOperation(uring.Request{
		Op:    uring.OpOpenAt,
		Fd:    unix.AT_FDCWD,
		Path:  name,
		Flags: unix.O_RDONLY | unix.O_CLOEXEC | unix.O_NOCTTY,
	})}
}

// Poll returns the opened file once done. Errors are *fs.PathError.
func (o *OpenOp) Poll(ctx *Context) (*File, bool, error) {
	fd, done, err := o.op.Poll(ctx)
	if !done {
		return nil, false, nil
	}
	if err != nil {
		return nil, true, &fs.PathError{Op: "open", Path: o.path, Err: err}
	}
	return &File{fd: fd}, true, nil
}

// ReadOp appends up to size bytes read at the file's offset to a buffer.
type ReadOp struct {
	file *File
	buf  *[]byte
	op   *Operation
}

// ReadAppend reserves size bytes of spare capacity in *buf and reads into
// that region. On completion len(*buf) grows by the number of bytes read.
// The caller must not touch *buf until the operation is done.
func (f *File) ReadAppend(buf *[]byte, size int) *ReadOp {
	*buf = slices.Grow(*buf, size)
	n := len(*buf)
	return &ReadOp{file: f, buf: buf, op: newOperation(uring.Request{
		Op:     uring.OpRead,
		Fd:     f.fd,
		Buf:    (*buf)[n : n+size],
		Offset: f.offset,
	})}
}

// Poll returns the number of bytes appended once done. Zero means end of file.
func (r *ReadOp) Poll(ctx *Context) (int, bool, error) {
	res, done, err := r.op.Poll(ctx)
	if !done || err != nil {
		return 0, done, err
	}
	n := int(res)
	*r.buf = (*r.buf)[:len(*r.buf)+n]
	r.file.offset += uint64(n)
	return n, true, nil
}

// Close returns an operation closing the descriptor.
func (f *File) Close() *Operation {
	return newOperation(uring.Request{Op: uring.OpClose, Fd: f.fd})
}
