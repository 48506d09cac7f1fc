package vfs

import "strings"

// SymlinkNode is a symlink whose target is either a concrete Node
// (resolved in-process with no string re-parse — used for the v1/f/
// by-path entries, which point directly at the corresponding i/ Node),
// a path string (re-parsed relative to the symlink's parent on
// resolution), or nothing at all (a dangling symlink, whose Readlink
// and Resolve fail with ErrInvalid).
type SymlinkNode struct {
	common
	targetNode Node
	targetPath string
	isNode     bool
	dangling   bool
}

// NewSymlinkToNode creates a symlink resolved directly to target,
// without any path re-parse.
func NewSymlinkToNode(name string, parent Dir, target Node) *SymlinkNode {
	return &SymlinkNode{common: common{name: name, parent: parent}, targetNode: target, isNode: true}
}

// NewSymlinkToPath creates a symlink whose target is a path to be
// re-parsed relative to the symlink's parent directory on resolution.
func NewSymlinkToPath(name string, parent Dir, target string) *SymlinkNode {
	return &SymlinkNode{common: common{name: name, parent: parent}, targetPath: target}
}

// NewDanglingSymlink creates a symlink with no target at all.
func NewDanglingSymlink(name string, parent Dir) *SymlinkNode {
	return &SymlinkNode{common: common{name: name, parent: parent}, dangling: true}
}

func (s *SymlinkNode) Resolve() (Node, string, bool, error) {
	if s.dangling {
		return nil, "", false, &PathError{Op: "readlink", Path: s.name, Err: ErrInvalid}
	}
	if s.isNode {
		return s.targetNode, "", true, nil
	}
	return nil, s.targetPath, false, nil
}

func (s *SymlinkNode) Readlink() (string, error) {
	if s.dangling {
		return "", &PathError{Op: "readlink", Path: s.name, Err: ErrInvalid}
	}
	if !s.isNode {
		return s.targetPath, nil
	}
	return relativePath(s.Parent(), s.targetNode), nil
}

func (s *SymlinkNode) Stat() (Stat, error) {
	size := int64(0)
	if link, err := s.Readlink(); err == nil {
		size = int64(len(link))
	}
	return Stat{FileType: FileTypeSymlink, Size: size}, nil
}

// relativePath computes the relative path from parent's absolute path
// to target's absolute path: the common prefix is dropped, one ".."
// is emitted for each remaining parent component, followed by the
// remaining target components.
func relativePath(parent Dir, target Node) string {
	parentParts := splitAbs(AbsPath(Node(parent)))
	targetParts := splitAbs(AbsPath(target))

	i := 0
	for i < len(parentParts) && i < len(targetParts) && parentParts[i] == targetParts[i] {
		i++
	}

	var parts []string
	for k := i; k < len(parentParts); k++ {
		parts = append(parts, "..")
	}
	parts = append(parts, targetParts[i:]...)
	if len(parts) == 0 {
		return "."
	}
	return strings.Join(parts, "/")
}

func splitAbs(p string) []string {
	p = strings.TrimPrefix(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}
