package library

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/AllSeeingEyeTolledEweSew/tvaf-ftp/internal/engine"
	"github.com/AllSeeingEyeTolledEweSew/tvaf-ftp/internal/vfs"
)

// viewTTL is how long a computed (by-index, by-path) view is cached per
// (info_hash, network), matching rclone's own directory-cache-with-TTL
// idiom in its vfs package.
const viewTTL = 30 * time.Second

// view is the computed, cached result of one (info_hash, network) pair:
// the file list as the library returned it (padding entries included;
// the i/ and f/ builders skip them) plus the library that published it.
type view struct {
	lib   Library
	files []FileEntry
}

// Registry aggregates a set of Libraries into the canonical VFS tree.
type Registry struct {
	libraries []Library
	opener    Opener
	cache     *gocache.Cache
}

// NewRegistry builds a Registry over libraries, using opener to turn a
// by-index file entry into a readable stream.
func NewRegistry(libraries []Library, opener Opener) *Registry {
	return &Registry{
		libraries: libraries,
		opener:    opener,
		cache:     gocache.New(viewTTL, 2*viewTTL),
	}
}

// InvalidateView evicts the cached view for (infoHash, network). Nothing
// in this module calls it; a cached view otherwise expires after
// viewTTL.
func (r *Registry) InvalidateView(infoHash, network string) {
	r.cache.Delete(infoHash + "\x00" + network)
}

// BuildRoot constructs the fixed-shape VFS root: /browse and /v1.
func (r *Registry) BuildRoot() *vfs.StaticDir {
	root := vfs.NewStaticDir("", nil)

	browse := vfs.NewStaticDir("browse", root)
	root.Mkchild("browse", browse)
	for _, lib := range r.libraries {
		for name, node := range lib.BrowseNodes(browse) {
			if _, err := browse.Lookup(name); err == nil {
				continue // first library to claim a /browse name wins
			}
			browse.Mkchild(name, node)
		}
	}

	v1 := vfs.NewDictDir("v1", root, r.lookupInfoHash(root), nil)
	root.Mkchild("v1", v1)

	return root
}

func (r *Registry) lookupInfoHash(root vfs.Dir) vfs.LookupFunc {
	return func(infoHash string) (vfs.Node, error) {
		if !isInfoHash(infoHash) {
			return nil, &vfs.PathError{Op: "lookup", Path: infoHash, Err: vfs.ErrNotExist}
		}
		networks := r.networksFor(infoHash)
		if len(networks) == 0 {
			return nil, &vfs.PathError{Op: "lookup", Path: infoHash, Err: vfs.ErrNotExist}
		}
		v1, _ := root.Lookup("v1")
		parent, _ := v1.(vfs.Dir)
		return r.buildInfoHashDir(infoHash, networks, parent), nil
	}
}

func (r *Registry) networksFor(infoHash string) []string {
	seen := make(map[string]bool)
	var networks []string
	for _, lib := range r.libraries {
		for _, n := range lib.Networks(infoHash) {
			if !seen[n] {
				seen[n] = true
				networks = append(networks, n)
			}
		}
	}
	return networks
}

func (r *Registry) buildInfoHashDir(infoHash string, networks []string, parent vfs.Dir) *vfs.DictDir {
	var dir *vfs.DictDir
	lookup := func(name string) (vfs.Node, error) {
		for _, n := range networks {
			if n == name {
				return r.buildNetworkDir(infoHash, n, dir), nil
			}
		}
		return nil, &vfs.PathError{Op: "lookup", Path: name, Err: vfs.ErrNotExist}
	}
	readdir := func() ([]vfs.Dirent, error) {
		dirents := make([]vfs.Dirent, 0, len(networks))
		for _, n := range networks {
			dirents = append(dirents, vfs.Dirent{Name: n, Stat: vfs.Stat{FileType: vfs.FileTypeDirectory}})
		}
		return dirents, nil
	}
	dir = vfs.NewDictDir(infoHash, parent, lookup, readdir)
	return dir
}

func (r *Registry) buildNetworkDir(infoHash, network string, parent vfs.Dir) *vfs.StaticDir {
	net := vfs.NewStaticDir(network, parent)

	v, err := r.getView(infoHash, network)
	if err != nil {
		// An empty, harmless view: f/ and i/ both empty. Networks()
		// already established this pair is claimed, so a Files()
		// error here reflects a transient library fault, not ENOENT.
		v = &view{}
	}

	indexDir, indexNodes := r.buildIndexDir(infoHash, network, net, v)
	net.Mkchild("i", indexDir)
	pathDir := buildPathDir("f", net, v.files, indexNodes)
	net.Mkchild("f", pathDir)

	return net
}

func (r *Registry) getView(infoHash, network string) (*view, error) {
	key := infoHash + "\x00" + network
	if cached, ok := r.cache.Get(key); ok {
		return cached.(*view), nil
	}

	var lib Library
	for _, l := range r.libraries {
		for _, n := range l.Networks(infoHash) {
			if n == network {
				lib = l
				break
			}
		}
		if lib != nil {
			break
		}
	}
	if lib == nil {
		return nil, fmt.Errorf("library: no library publishes %s on %s", infoHash, network)
	}

	files, err := lib.Files(infoHash, network)
	if err != nil {
		return nil, err
	}
	v := &view{lib: lib, files: files}
	r.cache.SetDefault(key, v)
	return v, nil
}

func (r *Registry) buildIndexDir(infoHash, network string, parent vfs.Dir, v *view) (*vfs.DictDir, map[int]vfs.Node) {
	byIndex := make(map[int]FileEntry, len(v.files))
	for _, f := range v.files {
		if f.Padding {
			continue
		}
		byIndex[f.Index] = f
	}

	nodes := make(map[int]vfs.Node, len(byIndex))

	var dir *vfs.DictDir
	lookup := func(name string) (vfs.Node, error) {
		idx, err := strconv.Atoi(name)
		if err != nil {
			return nil, &vfs.PathError{Op: "lookup", Path: name, Err: vfs.ErrNotExist}
		}
		if n, ok := nodes[idx]; ok {
			return n, nil
		}
		f, ok := byIndex[idx]
		if !ok {
			return nil, &vfs.PathError{Op: "lookup", Path: name, Err: vfs.ErrNotExist}
		}
		n := r.buildFileNode(strconv.Itoa(f.Index), dir, infoHash, f)
		nodes[idx] = n
		return n, nil
	}
	readdir := func() ([]vfs.Dirent, error) {
		dirents := make([]vfs.Dirent, 0, len(byIndex))
		for idx, f := range byIndex {
			dirents = append(dirents, vfs.Dirent{
				Name: strconv.Itoa(idx),
				Stat: vfs.Stat{FileType: vfs.FileTypeRegular, Size: f.Size, MTime: f.MTime},
			})
		}
		return dirents, nil
	}
	dir = vfs.NewDictDir("i", parent, lookup, readdir)

	// Pre-materialize nodes so the f/ by-path view can symlink directly
	// to them instead of re-resolving through i/ lookup at build time.
	for idx, f := range byIndex {
		nodes[idx] = r.buildFileNode(strconv.Itoa(f.Index), dir, infoHash, f)
	}

	return dir, nodes
}

func (r *Registry) buildFileNode(name string, parent vfs.Dir, infoHash string, f FileEntry) vfs.Node {
	return vfs.NewStaticFile(name, parent, f.Size, f.MTime, func() (vfs.ReadStream, error) {
		configureATP, err := r.configureATPFor(infoHash)
		if err != nil {
			return nil, err
		}
		return r.opener(infoHash, f.Offset, f.Offset+f.Size, configureATP)
	})
}

func (r *Registry) configureATPFor(infoHash string) (engine.ConfigureATP, error) {
	for _, lib := range r.libraries {
		if len(lib.Networks(infoHash)) > 0 {
			return lib.ConfigureATP(infoHash)
		}
	}
	return nil, fmt.Errorf("library: no library claims %s", infoHash)
}

// buildPathDir builds the by-path directory tree from files, skipping
// padding entries and omitting any path that collides (two files at the
// same path, or a file/directory name clash) per spec.md §4.2.
func buildPathDir(name string, parent vfs.Dir, files []FileEntry, indexNodes map[int]vfs.Node) *vfs.StaticDir {
	type tail struct {
		rest  []string
		entry FileEntry
	}

	groups := make(map[string][]tail)
	var order []string
	for _, f := range files {
		if f.Padding || !validPath(f.Path) {
			continue
		}
		head, rest := f.Path[0], f.Path[1:]
		if _, ok := groups[head]; !ok {
			order = append(order, head)
		}
		groups[head] = append(groups[head], tail{rest: rest, entry: f})
	}

	dir := vfs.NewStaticDir(name, parent)
	for _, head := range order {
		entries := groups[head]
		var leaves, dirs []tail
		for _, t := range entries {
			if len(t.rest) == 0 {
				leaves = append(leaves, t)
			} else {
				dirs = append(dirs, t)
			}
		}
		switch {
		case len(leaves) > 1, len(leaves) == 1 && len(dirs) > 0:
			continue // collision: omit entirely
		case len(leaves) == 1:
			target := indexNodes[leaves[0].entry.Index]
			dir.Mkchild(head, vfs.NewSymlinkToNode(head, dir, target))
		case len(dirs) > 0:
			subFiles := make([]FileEntry, 0, len(dirs))
			for _, t := range dirs {
				e := t.entry
				e.Path = t.rest
				subFiles = append(subFiles, e)
			}
			dir.Mkchild(head, buildPathDir(head, dir, subFiles, indexNodes))
		}
	}
	return dir
}

func validPath(path []string) bool {
	if len(path) == 0 {
		return false
	}
	for _, c := range path {
		if c == "" || c == ".." || c == "." || strings.Contains(c, "/") || strings.Contains(c, "\x00") {
			return false
		}
	}
	return true
}

func isInfoHash(s string) bool {
	if len(s) != 40 {
		return false
	}
	for _, c := range s {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}
