package library

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AllSeeingEyeTolledEweSew/tvaf-ftp/internal/engine"
	"github.com/AllSeeingEyeTolledEweSew/tvaf-ftp/internal/vfs"
)

type fakeStream struct {
	*bytes.Reader
}

func (f fakeStream) Close() error { return nil }

func newOpener(content map[string][]byte) Opener {
	return func(infoHash string, start, stop int64, _ engine.ConfigureATP) (vfs.ReadStream, error) {
		data := content[infoHash][start:stop]
		return fakeStream{bytes.NewReader(data)}, nil
	}
}

const testHash = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

// S3 — by-index and by-path.
func TestByIndexAndByPathS3(t *testing.T) {
	content := "0123456789"
	lib := NewStaticLibrary("test")
	lib.AddTorrent(testHash, "net", []FileEntry{
		{Index: 0, Path: []string{"test.txt"}, Offset: 0, Size: 10},
	}, nil, nil)

	reg := NewRegistry([]Library{lib}, newOpener(map[string][]byte{testHash: []byte(content)}))
	root := reg.BuildRoot()

	n, err := vfs.Traverse(root, "v1/"+testHash+"/net/f/test.txt", false)
	require.NoError(t, err)
	sym, ok := n.(vfs.Symlink)
	require.True(t, ok)
	link, err := sym.Readlink()
	require.NoError(t, err)
	assert.Equal(t, "../i/0", link)

	fileNode, err := vfs.Traverse(root, "v1/"+testHash+"/net/i/0", true)
	require.NoError(t, err)
	file, ok := fileNode.(vfs.File)
	require.True(t, ok)
	stream, err := file.Open()
	require.NoError(t, err)
	defer stream.Close()
	got, err := io.ReadAll(stream)
	require.NoError(t, err)
	assert.Equal(t, content, string(got))
}

// S4 — padding files hidden but indices preserved.
func TestPaddingHiddenS4(t *testing.T) {
	lib := NewStaticLibrary("test")
	lib.AddTorrent(testHash, "net", []FileEntry{
		{Index: 0, Path: []string{"data.bin"}, Offset: 0, Size: 5},
		{Index: 1, Path: []string{".pad"}, Offset: 5, Size: 3, Padding: true},
	}, nil, nil)

	reg := NewRegistry([]Library{lib}, newOpener(nil))
	root := reg.BuildRoot()

	indexDir, err := vfs.Traverse(root, "v1/"+testHash+"/net/i", true)
	require.NoError(t, err)
	dir, ok := indexDir.(vfs.Dir)
	require.True(t, ok)

	dirents, err := dir.Readdir()
	require.NoError(t, err)
	names := make([]string, 0, len(dirents))
	for _, d := range dirents {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"0"}, names)

	_, err = dir.Lookup("1")
	assert.ErrorIs(t, err, vfs.ErrNotExist)
}

// v1.readdir() must fail with EPERM regardless of population.
func TestV1ReaddirPermissionDenied(t *testing.T) {
	lib := NewStaticLibrary("test")
	lib.AddTorrent(testHash, "net", []FileEntry{{Index: 0, Path: []string{"a"}, Size: 1}}, nil, nil)
	reg := NewRegistry([]Library{lib}, newOpener(nil))
	root := reg.BuildRoot()

	v1, err := root.Lookup("v1")
	require.NoError(t, err)
	dir, ok := v1.(vfs.Dir)
	require.True(t, ok)

	_, err = dir.Readdir()
	assert.ErrorIs(t, err, vfs.ErrPermission)
}

func TestV1LookupUnknownInfoHash(t *testing.T) {
	reg := NewRegistry(nil, newOpener(nil))
	root := reg.BuildRoot()
	v1, _ := root.Lookup("v1")
	dir := v1.(vfs.Dir)
	_, err := dir.Lookup(testHash)
	assert.ErrorIs(t, err, vfs.ErrNotExist)
}

func TestByPathCollisionOmitted(t *testing.T) {
	lib := NewStaticLibrary("test")
	lib.AddTorrent(testHash, "net", []FileEntry{
		{Index: 0, Path: []string{"name"}, Size: 1},
		{Index: 1, Path: []string{"name"}, Size: 1},
	}, nil, nil)
	reg := NewRegistry([]Library{lib}, newOpener(nil))
	root := reg.BuildRoot()

	_, err := vfs.Traverse(root, "v1/"+testHash+"/net/f/name", true)
	assert.ErrorIs(t, err, vfs.ErrNotExist)

	// Both remain reachable by index.
	for _, idx := range []string{"0", "1"} {
		_, err := vfs.Traverse(root, "v1/"+testHash+"/net/i/"+idx, true)
		assert.NoError(t, err)
	}
}
