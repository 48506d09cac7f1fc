package vfs

import "time"

// OpenFunc opens a fresh, independently-seekable read stream for a
// File's content.
type OpenFunc func() (ReadStream, error)

// StaticFile is a File whose size and mtime are known up front and
// whose bytes are produced by an OpenFunc — the by-index leaves of the
// canonical tree, each wrapping a TorrentIO stream opener.
type StaticFile struct {
	common
	size  int64
	mtime *time.Time
	open  OpenFunc
}

// NewStaticFile creates a StaticFile. mtime may be nil when unknown.
func NewStaticFile(name string, parent Dir, size int64, mtime *time.Time, open OpenFunc) *StaticFile {
	return &StaticFile{common: common{name: name, parent: parent}, size: size, mtime: mtime, open: open}
}

func (f *StaticFile) Size() int64          { return f.size }
func (f *StaticFile) MTime() *time.Time    { return f.mtime }
func (f *StaticFile) Open() (ReadStream, error) { return f.open() }

func (f *StaticFile) Stat() (Stat, error) {
	return Stat{FileType: FileTypeRegular, Size: f.size, MTime: f.mtime}, nil
}
