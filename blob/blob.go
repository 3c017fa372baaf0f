// Package blob provides the read-only byte sources an upload is driven from.
package blob

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// Blob is an immutable, finite byte sequence of known length.
// *bytes.Reader and *strings.Reader satisfy it out of the box.
type Blob interface {
	io.ReaderAt
	Size() int64
}

// IOError is returned when a byte range of a Blob cannot be read.
type IOError struct {
	Start int64
	End   int64
	Err   error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("read range [%d, %d): %s", e.Start, e.End, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// Bytes wraps an in-memory buffer as a Blob.
func Bytes(data []byte) Blob {
	return bytes.NewReader(data)
}

// File is a Blob backed by a file on disk.
type File struct {
	file *os.File
	size int64
	name string
}

// Open opens the file at path as a Blob. The size is fixed at open time.
func Open(path string) (*File, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		_ = file.Close()
		return nil, fmt.Errorf("%s is a directory", path)
	}

	return &File{
		file: file,
		size: info.Size(),
		name: info.Name(),
	}, nil
}

// ReadAt implements io.ReaderAt.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	return f.file.ReadAt(p, off)
}

// Size returns the file size captured by Open.
func (f *File) Size() int64 {
	return f.size
}

// Name returns the base name of the file.
func (f *File) Name() string {
	return f.name
}

// Close closes the underlying file.
func (f *File) Close() error {
	if f.file != nil {
		return f.file.Close()
	}
	return nil
}

// Reader returns a stream over [start, end) of b.
func Reader(b Blob, start, end int64) io.Reader {
	return io.NewSectionReader(b, start, end-start)
}

// Section reads [start, end) of b into memory.
func Section(b Blob, start, end int64) ([]byte, error) {
	if start < 0 || end > b.Size() || start > end {
		return nil, &IOError{Start: start, End: end, Err: fmt.Errorf("out of bounds for size %d", b.Size())}
	}

	data := make([]byte, end-start)
	n, err := b.ReadAt(data, start)
	if err != nil && !(err == io.EOF && int64(n) == end-start) {
		return nil, &IOError{Start: start, End: end, Err: err}
	}

	return data, nil
}
