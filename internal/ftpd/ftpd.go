// Package ftpd implements the FTP adapter from spec.md §4.7: a
// goftp.io/server Driver/Auth bridging FTP commands onto the read-only
// internal/vfs tree, matching rclone's own pattern (cmd/serve/ftp) of
// implementing a third-party FTP server's Driver interface rather than
// hand-rolling command parsing.
package ftpd

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	ftpserver "goftp.io/server"

	"github.com/AllSeeingEyeTolledEweSew/tvaf-ftp/internal/auth"
	"github.com/AllSeeingEyeTolledEweSew/tvaf-ftp/internal/tvlog"
	"github.com/AllSeeingEyeTolledEweSew/tvaf-ftp/internal/vfs"
)

// driver implements ftpserver.Driver over a fixed vfs.Dir root. One
// driver instance is created per connection via DriverFactory, each
// with its own current-directory cursor (cwd), matching the per-
// connection Driver lifecycle goftp.io/server expects.
type driver struct {
	root vfs.Dir
	cwd  vfs.Dir
}

// DriverFactory builds one driver per connection, all sharing the same
// VFS root.
type DriverFactory struct {
	Root vfs.Dir
}

func (f *DriverFactory) NewDriver() (ftpserver.Driver, error) {
	return &driver{root: f.Root, cwd: f.Root}, nil
}

func (d *driver) Init(*ftpserver.Conn) {}

func (d *driver) Stat(path string) (ftpserver.FileInfo, error) {
	n, err := vfs.Traverse(d.cwd, path, true)
	if err != nil {
		return nil, err
	}
	st, err := n.Stat()
	if err != nil {
		return nil, err
	}
	return newFileInfo(n.Name(), st), nil
}

func (d *driver) ChangeDir(path string) error {
	n, err := vfs.Traverse(d.cwd, path, true)
	if err != nil {
		return err
	}
	dir, ok := n.(vfs.Dir)
	if !ok {
		return vfs.ErrNotDir
	}
	d.cwd = dir
	return nil
}

func (d *driver) ListDir(path string, callback func(ftpserver.FileInfo) error) error {
	n, err := vfs.Traverse(d.cwd, path, true)
	if err != nil {
		return err
	}
	dir, ok := n.(vfs.Dir)
	if !ok {
		return vfs.ErrNotDir
	}
	dirents, err := dir.Readdir()
	if err != nil {
		return err
	}
	for _, de := range dirents {
		if err := callback(newFileInfo(de.Name, de.Stat)); err != nil {
			return err
		}
	}
	return nil
}

func (d *driver) GetFile(path string, offset int64) (int64, io.ReadCloser, error) {
	n, err := vfs.Traverse(d.cwd, path, true)
	if err != nil {
		return 0, nil, err
	}
	file, ok := n.(vfs.File)
	if !ok {
		return 0, nil, vfs.ErrIsDir
	}
	stream, err := file.Open()
	if err != nil {
		return 0, nil, err
	}
	if offset > 0 {
		if _, err := stream.Seek(offset, io.SeekStart); err != nil {
			stream.Close()
			return 0, nil, err
		}
	}
	return file.Size() - offset, readCloser{stream}, nil
}

// DeleteDir, DeleteFile, Rename, MakeDir and PutFile all reject with
// vfs.ErrReadOnly, the EROFS-equivalent this whole tree enforces (§7).
func (d *driver) DeleteDir(string) error      { return vfs.ErrReadOnly }
func (d *driver) DeleteFile(string) error     { return vfs.ErrReadOnly }
func (d *driver) Rename(string, string) error { return vfs.ErrReadOnly }
func (d *driver) MakeDir(string) error        { return vfs.ErrReadOnly }
func (d *driver) PutFile(string, io.Reader, bool) (int64, error) {
	return 0, vfs.ErrReadOnly
}

type readCloser struct {
	vfs.ReadStream
}

// authAdapter bridges internal/auth.Service onto ftpserver.Auth, the
// only shape difference being the package each interface lives in.
type authAdapter struct {
	svc auth.Service
}

// NewAuth wraps svc as an ftpserver.Auth.
func NewAuth(svc auth.Service) ftpserver.Auth {
	return &authAdapter{svc: svc}
}

func (a *authAdapter) CheckPasswd(user, pass string) (bool, error) {
	ok, err := a.svc.CheckPasswd(user, pass)
	if err != nil {
		tvlog.Errorf(user, "ftpd: auth check failed: %v", err)
		return false, err
	}
	return ok, nil
}

type fileInfo struct {
	name string
	stat vfs.Stat
}

func newFileInfo(name string, st vfs.Stat) *fileInfo {
	return &fileInfo{name: name, stat: st}
}

func (fi *fileInfo) Name() string { return fi.name }
func (fi *fileInfo) Size() int64  { return fi.stat.Size }
func (fi *fileInfo) Mode() os.FileMode {
	if fi.stat.FileType == vfs.FileTypeDirectory {
		return 0o555 | os.ModeDir
	}
	if fi.stat.FileType == vfs.FileTypeSymlink {
		return 0o444 | os.ModeSymlink
	}
	return 0o444
}
func (fi *fileInfo) ModTime() time.Time {
	if fi.stat.MTime != nil {
		return *fi.stat.MTime
	}
	return time.Time{}
}
func (fi *fileInfo) IsDir() bool      { return fi.stat.FileType == vfs.FileTypeDirectory }
func (fi *fileInfo) Sys() interface{} { return nil }
func (fi *fileInfo) Owner() string    { return "tvaf" }
func (fi *fileInfo) Group() string    { return "tvaf" }

// Serve builds a goftp.io/server Server bridging root and authSvc onto
// addr, and runs it until ctx is cancelled. It matches
// internal/task.RunFunc's shape so cmd/tvafd can supervise it as a Task
// alongside the rest of the engine's subsystems.
func Serve(ctx context.Context, addr string, root vfs.Dir, authSvc auth.Service) error {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("ftpd: invalid listen address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("ftpd: invalid listen port %q: %w", portStr, err)
	}

	server := ftpserver.NewServer(&ftpserver.ServerOpts{
		Factory:  &DriverFactory{Root: root},
		Auth:     NewAuth(authSvc),
		Hostname: host,
		Port:     port,
		Name:     "tvaf-ftp",
	})

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	select {
	case <-ctx.Done():
		tvlog.Debugf(addr, "ftpd: shutting down")
		return server.Shutdown()
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ftpd: serve: %w", err)
		}
		return nil
	}
}
