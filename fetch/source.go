package fetch

import (
	"bytes"
	"io"
	"io/fs"
	"os"

	"github.com/meigma/tessera/cache/disk"
)

// DataSource is a re-readable byte source. Every Open returns an
// independent reader positioned at the start.
type DataSource interface {
	Open() (io.ReadCloser, error)

	// Size returns the length in bytes, or -1 when unknown.
	Size() int64

	From() DataFrom

	// Close releases resources held by the source. Readers returned by Open
	// must be closed separately.
	Close() error
}

// ReadAll reads the whole source.
func ReadAll(src DataSource) ([]byte, error) {
	rc, err := src.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

type bytesSource struct {
	data []byte
	from DataFrom
}

// NewBytesSource returns a source over data. data must not be modified
// afterwards.
func NewBytesSource(data []byte, from DataFrom) DataSource {
	return &bytesSource{data: data, from: from}
}

func (s *bytesSource) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(s.data)), nil
}
func (s *bytesSource) Size() int64    { return int64(len(s.data)) }
func (s *bytesSource) From() DataFrom { return s.from }
func (s *bytesSource) Close() error   { return nil }

type fileSource struct {
	path string
	size int64
	from DataFrom
}

// NewFileSource returns a source over the file at path.
func NewFileSource(path string, from DataFrom) (DataSource, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, &fs.PathError{Op: "open", Path: path, Err: fs.ErrInvalid}
	}
	return &fileSource{path: path, size: info.Size(), from: from}, nil
}

func (s *fileSource) Open() (io.ReadCloser, error) { return os.Open(s.path) }
func (s *fileSource) Size() int64                  { return s.size }
func (s *fileSource) From() DataFrom               { return s.from }
func (s *fileSource) Close() error                 { return nil }

// Path returns the file path.
func (s *fileSource) Path() string { return s.path }

type snapshotSource struct {
	snap *disk.Snapshot
	from DataFrom
}

// NewSnapshotSource returns a source over a disk cache snapshot. Closing the
// source closes the snapshot.
func NewSnapshotSource(snap *disk.Snapshot, from DataFrom) DataSource {
	return &snapshotSource{snap: snap, from: from}
}

func (s *snapshotSource) Open() (io.ReadCloser, error) {
	return io.NopCloser(s.snap.NewReader()), nil
}
func (s *snapshotSource) Size() int64    { return s.snap.Size() }
func (s *snapshotSource) From() DataFrom { return s.from }
func (s *snapshotSource) Close() error   { return s.snap.Close() }

type fsSource struct {
	fsys fs.FS
	name string
	size int64
	from DataFrom
}

// NewFSSource returns a source over name in fsys.
func NewFSSource(fsys fs.FS, name string, from DataFrom) (DataSource, error) {
	info, err := fs.Stat(fsys, name)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrInvalid}
	}
	return &fsSource{fsys: fsys, name: name, size: info.Size(), from: from}, nil
}

func (s *fsSource) Open() (io.ReadCloser, error) { return s.fsys.Open(s.name) }
func (s *fsSource) Size() int64                  { return s.size }
func (s *fsSource) From() DataFrom               { return s.from }
func (s *fsSource) Close() error                 { return nil }

type openerSource struct {
	open func() (io.ReadCloser, error)
	size int64
	from DataFrom
}

// NewOpenerSource returns a source that calls open for every reader.
func NewOpenerSource(open func() (io.ReadCloser, error), size int64, from DataFrom) DataSource {
	return &openerSource{open: open, size: size, from: from}
}

func (s *openerSource) Open() (io.ReadCloser, error) { return s.open() }
func (s *openerSource) Size() int64                  { return s.size }
func (s *openerSource) From() DataFrom               { return s.from }
func (s *openerSource) Close() error                 { return nil }
