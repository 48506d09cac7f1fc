package ftpd

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ftpserver "goftp.io/server"

	"github.com/AllSeeingEyeTolledEweSew/tvaf-ftp/internal/vfs"
)

func buildTestTree() *vfs.StaticDir {
	root := vfs.NewStaticDir("", nil)
	sub := vfs.NewStaticDir("movies", root)
	root.Mkchild("movies", sub)
	sub.Mkchild("a.mkv", vfs.NewStaticFile("a.mkv", sub, 5, nil, func() (vfs.ReadStream, error) {
		return nopReadStream{bytes.NewReader([]byte("hello"))}, nil
	}))
	return root
}

type nopReadStream struct {
	*bytes.Reader
}

func (nopReadStream) Close() error { return nil }

func newTestDriver() *driver {
	root := buildTestTree()
	return &driver{root: root, cwd: root}
}

func TestStatDelegatesToTraversal(t *testing.T) {
	d := newTestDriver()

	fi, err := d.Stat("/movies/a.mkv")
	require.NoError(t, err)
	assert.Equal(t, "a.mkv", fi.Name())
	assert.Equal(t, int64(5), fi.Size())
	assert.False(t, fi.IsDir())
}

func TestStatMissingPathErrors(t *testing.T) {
	d := newTestDriver()

	_, err := d.Stat("/movies/nope.mkv")
	assert.Error(t, err)
}

func TestChangeDirThenRelativeLookup(t *testing.T) {
	d := newTestDriver()

	require.NoError(t, d.ChangeDir("/movies"))
	fi, err := d.Stat("a.mkv")
	require.NoError(t, err)
	assert.Equal(t, "a.mkv", fi.Name())
}

func TestChangeDirOnFileFails(t *testing.T) {
	d := newTestDriver()

	err := d.ChangeDir("/movies/a.mkv")
	assert.ErrorIs(t, err, vfs.ErrNotDir)
}

func TestListDirYieldsChildren(t *testing.T) {
	d := newTestDriver()

	var names []string
	err := d.ListDir("/movies", func(fi ftpserver.FileInfo) error {
		names = append(names, fi.Name())
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.mkv"}, names)
}

func TestGetFileReturnsFullContentAtZeroOffset(t *testing.T) {
	d := newTestDriver()

	size, rc, err := d.GetFile("/movies/a.mkv", 0)
	require.NoError(t, err)
	defer rc.Close()
	assert.Equal(t, int64(5), size)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestGetFileHonorsOffset(t *testing.T) {
	d := newTestDriver()

	size, rc, err := d.GetFile("/movies/a.mkv", 2)
	require.NoError(t, err)
	defer rc.Close()
	assert.Equal(t, int64(3), size)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "llo", string(data))
}

func TestGetFileOnDirectoryFails(t *testing.T) {
	d := newTestDriver()

	_, _, err := d.GetFile("/movies", 0)
	assert.ErrorIs(t, err, vfs.ErrIsDir)
}

func TestMutatingVerbsAreReadOnly(t *testing.T) {
	d := newTestDriver()

	assert.ErrorIs(t, d.DeleteDir("/movies"), vfs.ErrReadOnly)
	assert.ErrorIs(t, d.DeleteFile("/movies/a.mkv"), vfs.ErrReadOnly)
	assert.ErrorIs(t, d.Rename("/movies/a.mkv", "/movies/b.mkv"), vfs.ErrReadOnly)
	assert.ErrorIs(t, d.MakeDir("/new"), vfs.ErrReadOnly)
	_, err := d.PutFile("/movies/c.mkv", bytes.NewReader(nil), true)
	assert.ErrorIs(t, err, vfs.ErrReadOnly)
}

type fakeAuth struct {
	ok  bool
	err error
}

func (f fakeAuth) CheckPasswd(user, pass string) (bool, error) { return f.ok, f.err }

func TestAuthAdapterDelegates(t *testing.T) {
	a := NewAuth(fakeAuth{ok: true})
	ok, err := a.CheckPasswd("alice", "hunter2")
	require.NoError(t, err)
	assert.True(t, ok)

	a = NewAuth(fakeAuth{ok: false})
	ok, err = a.CheckPasswd("alice", "wrong")
	require.NoError(t, err)
	assert.False(t, ok)
}
