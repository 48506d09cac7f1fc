package vfs

import "strings"

// Root walks n's parent chain up to the tree root and returns it.
func Root(n Node) Dir {
	cur := n
	for {
		p := cur.Parent()
		if p == nil {
			d, _ := cur.(Dir)
			return d
		}
		cur = Node(p)
	}
}

// AbsPath computes n's absolute path by walking its parent chain.
func AbsPath(n Node) string {
	var names []string
	cur := n
	for {
		p := cur.Parent()
		if p == nil {
			break
		}
		names = append(names, cur.Name())
		cur = Node(p)
	}
	for i, j := 0, len(names)-1; i < j; i, j = i+1, j-1 {
		names[i], names[j] = names[j], names[i]
	}
	if len(names) == 0 {
		return "/"
	}
	return "/" + strings.Join(names, "/")
}

func splitComponents(path string) []string {
	return strings.Split(path, "/")
}

// Traverse walks path starting from cwd, rebasing at the tree root if
// path is absolute. followLast controls whether a symlink found as the
// very last path component is itself resolved (true) or returned as-is
// (false) — every non-final symlink along the way is always resolved,
// since a directory lookup can never proceed through an unresolved
// symlink.
//
// Symlink loop detection is maintained for the full duration of one
// Traverse call: a symlink is never followed twice while resolving the
// same top-level path, whether re-encountered directly or via a
// string-target re-parse.
func Traverse(cwd Dir, path string, followLast bool) (Node, error) {
	start := Node(cwd)
	if strings.HasPrefix(path, "/") {
		start = Node(Root(cwd))
	}
	visited := make(map[Node]bool)
	return resolvePath(start, splitComponents(path), true, followLast, visited)
}

// Realpath computes the canonical absolute path of path resolved from
// cwd. It never fails: any traversal error (missing component, loop,
// non-directory in the middle) stops resolution at the last
// successfully resolved node, and the remaining unresolved components
// -- including the one that failed -- are appended verbatim. In
// particular the final path component is never required to exist.
func Realpath(cwd Dir, path string) string {
	cur := Node(cwd)
	if strings.HasPrefix(path, "/") {
		cur = Node(Root(cwd))
	}
	parts := splitComponents(path)
	visited := make(map[Node]bool)
	for i, part := range parts {
		next, err := resolvePath(cur, []string{part}, true, true, visited)
		if err != nil {
			return joinAbsPath(AbsPath(cur), parts[i:])
		}
		cur = next
	}
	return AbsPath(cur)
}

// resolvePath walks parts starting from cur. outerFinal indicates
// whether this call's own last component coincides with the last
// component of the whole user-supplied path (it is false for
// intermediate re-parses triggered partway through resolving an
// earlier symlink, except for the re-parse that is itself resolving
// the outer-final symlink). followLast gates whether the outer-final
// component, if a symlink, is itself resolved.
func resolvePath(cur Node, parts []string, outerFinal bool, followLast bool, visited map[Node]bool) (Node, error) {
	n := len(parts)
	for i, part := range parts {
		final := outerFinal && i == n-1

		switch part {
		case "", ".":
			continue
		case "..":
			dir, ok := cur.(Dir)
			if !ok {
				return nil, &PathError{Op: "traverse", Path: part, Err: ErrNotDir}
			}
			if p := dir.Parent(); p != nil {
				cur = Node(p)
			}
			continue
		}

		dir, ok := cur.(Dir)
		if !ok {
			return nil, &PathError{Op: "traverse", Path: part, Err: ErrNotDir}
		}
		child, err := dir.Lookup(part)
		if err != nil {
			return nil, err
		}
		cur = child

		for {
			sym, isSym := cur.(Symlink)
			if !isSym {
				break
			}
			if final && !followLast {
				break
			}
			if visited[cur] {
				return nil, &PathError{Op: "traverse", Path: part, Err: ErrLoop}
			}
			visited[cur] = true

			target, targetPath, isNode, rerr := sym.Resolve()
			if rerr != nil {
				return nil, rerr
			}
			if isNode {
				cur = target
				continue
			}

			base := sym.Parent()
			var next Node = Node(base)
			if strings.HasPrefix(targetPath, "/") {
				next = Node(Root(base))
			}
			resolved, rerr := resolvePath(next, splitComponents(targetPath), final, followLast, visited)
			if rerr != nil {
				return nil, rerr
			}
			cur = resolved
		}
	}
	return cur, nil
}

func joinAbsPath(base string, remaining []string) string {
	var b strings.Builder
	b.WriteString(strings.TrimSuffix(base, "/"))
	for _, part := range remaining {
		if part == "" || part == "." {
			continue
		}
		b.WriteByte('/')
		b.WriteString(part)
	}
	res := b.String()
	if res == "" {
		return "/"
	}
	return res
}
