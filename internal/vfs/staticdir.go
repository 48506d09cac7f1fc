package vfs

import "sync"

// StaticDir is a preloaded directory: its full child set is known up
// front and published via Mkchild before the tree is exposed to
// traversal. Mkchild is never called concurrently with lookups on the
// same StaticDir — callers build the subtree bottom-up, then publish it
// by linking it into a parent, the same build-then-publish pattern the
// teacher's directory-cache layer uses for its node table.
type StaticDir struct {
	common

	mu       sync.RWMutex
	order    []string
	children map[string]Node
}

// NewStaticDir creates an empty StaticDir with the given name and
// parent. Pass a nil parent only for the tree root.
func NewStaticDir(name string, parent Dir) *StaticDir {
	return &StaticDir{
		common:   common{name: name, parent: parent},
		children: make(map[string]Node),
	}
}

// Mkchild adds a child under name. It panics on a duplicate name: a
// StaticDir's shape is fixed at build time, so a collision is a builder
// bug, not a runtime condition.
func (d *StaticDir) Mkchild(name string, n Node) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.children[name]; ok {
		panic("vfs: duplicate StaticDir child " + name)
	}
	d.children[name] = n
	d.order = append(d.order, name)
}

func (d *StaticDir) Lookup(name string) (Node, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n, ok := d.children[name]
	if !ok {
		return nil, &PathError{Op: "lookup", Path: name, Err: ErrNotExist}
	}
	return n, nil
}

func (d *StaticDir) Readdir() ([]Dirent, error) {
	d.mu.RLock()
	order := append([]string(nil), d.order...)
	children := d.children
	d.mu.RUnlock()

	dirents := make([]Dirent, 0, len(order))
	for _, name := range order {
		st, err := children[name].Stat()
		if err != nil {
			return nil, err
		}
		dirents = append(dirents, Dirent{Name: name, Stat: st})
	}
	return dirents, nil
}

func (d *StaticDir) Stat() (Stat, error) {
	return Stat{FileType: FileTypeDirectory}, nil
}
