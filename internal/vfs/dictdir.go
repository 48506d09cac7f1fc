package vfs

// LookupFunc resolves a single child by name on demand.
type LookupFunc func(name string) (Node, error)

// ReaddirFunc computes a directory's full listing on demand. It may
// return ErrPermission, matching the canonical tree's v1 root, which is
// openable and lookup-able (so opening a file by info hash works) but
// not listable.
type ReaddirFunc func() ([]Dirent, error)

// DictDir is a computed directory: its children are produced lazily by
// a pair of callbacks rather than precomputed, for trees that are too
// large (or too dynamic) to ever materialize in full — the canonical
// v1 tree's per-info-hash and by-index directories, and the v1 root
// itself.
type DictDir struct {
	common
	lookup  LookupFunc
	readdir ReaddirFunc
}

// NewDictDir creates a DictDir. readdir may be nil, in which case
// Readdir always fails with ErrPermission (the v1 root's behavior).
func NewDictDir(name string, parent Dir, lookup LookupFunc, readdir ReaddirFunc) *DictDir {
	return &DictDir{common: common{name: name, parent: parent}, lookup: lookup, readdir: readdir}
}

func (d *DictDir) Lookup(name string) (Node, error) {
	return d.lookup(name)
}

func (d *DictDir) Readdir() ([]Dirent, error) {
	if d.readdir == nil {
		return nil, &PathError{Op: "readdir", Path: d.name, Err: ErrPermission}
	}
	return d.readdir()
}

func (d *DictDir) Stat() (Stat, error) {
	return Stat{FileType: FileTypeDirectory}, nil
}
