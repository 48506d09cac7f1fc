// Package vfs implements the read-only virtual filesystem tree that the
// FTP adapter and library registry are built on top of.
package vfs

import "errors"

// Sentinel errors, compared with errors.Is throughout the tree and the
// FTP driver, mirroring the errno-style sentinels rclone's backends
// compare against (fs.ErrorPermissionDenied and friends).
var (
	ErrNotExist   = errors.New("vfs: no such file or directory")
	ErrNotDir     = errors.New("vfs: not a directory")
	ErrIsDir      = errors.New("vfs: is a directory")
	ErrLoop       = errors.New("vfs: too many levels of symbolic links")
	ErrInvalid    = errors.New("vfs: invalid argument")
	ErrReadOnly   = errors.New("vfs: read-only file system")
	ErrPermission = errors.New("vfs: permission denied")
)

// PathError records an error and the path that caused it, following the
// os.PathError convention used throughout rclone's backend error paths.
type PathError struct {
	Op   string
	Path string
	Err  error
}

func (e *PathError) Error() string {
	if e.Path == "" {
		return e.Op + ": " + e.Err.Error()
	}
	return e.Op + " " + e.Path + ": " + e.Err.Error()
}

func (e *PathError) Unwrap() error { return e.Err }
