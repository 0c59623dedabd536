package driver

import (
	"strings"

	"github.com/go-ext2/ext2fs/ext2"
)

// splitPath breaks a slash-delimited path into non-empty components,
// silently skipping consecutive slashes and a trailing slash.
func splitPath(path string) []string {
	parts := strings.Split(path, "/")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// resolver walks one logical path resolution, tracking symlink depth
// across every hop so a chain of relative/absolute symlinks can't loop
// forever.
type resolver struct {
	m     *Mount
	depth int
}

// resolve walks path one component at a time from the volume root,
// following any symlink encountered along the way against resolver's
// shared depth budget. An empty path resolves to root.
func (r *resolver) resolve(path string) (*ext2.CachedInode, uint32, error) {
	comps := splitPath(path)
	v := r.m.volume

	curNo := v.RootInode()
	cur, err := v.GetInode(curNo)
	if err != nil {
		return nil, 0, err
	}

	for idx, comp := range comps {
		if !cur.IsDir() {
			v.PutInode(cur)
			return nil, 0, ext2.ErrNotDir
		}
		childNo, found, err := v.Lookup(cur, comp)
		if err != nil {
			v.PutInode(cur)
			return nil, 0, err
		}
		if !found {
			v.PutInode(cur)
			return nil, 0, ext2.ErrNotFound
		}
		child, err := v.GetInode(childNo)
		v.PutInode(cur)
		if err != nil {
			return nil, 0, err
		}

		if child.IsSymlink() {
			r.depth++
			if r.depth > defaultSymlinkDepth {
				v.PutInode(child)
				return nil, 0, ext2.ErrTooManySymlinks
			}
			target, err := v.ReadLink(child)
			v.PutInode(child)
			if err != nil {
				return nil, 0, err
			}
			newPath := target
			if !strings.HasPrefix(target, "/") {
				parentPath := "/" + strings.Join(comps[:idx], "/")
				newPath = parentPath + "/" + target
			}
			rest := strings.Join(comps[idx+1:], "/")
			if rest != "" {
				newPath = strings.TrimSuffix(newPath, "/") + "/" + rest
			}
			return r.resolve(newPath)
		}

		cur, curNo = child, childNo
	}

	return cur, curNo, nil
}

// resolvePath resolves an absolute path within m, following symlinks up
// to the default depth. The caller must PutInode the result.
func (d *Driver) resolvePath(m *Mount, path string) (*ext2.CachedInode, uint32, error) {
	r := &resolver{m: m}
	return r.resolve(path)
}

// resolveParent resolves path's parent directory and returns it along
// with the final path component (not yet looked up). The caller must
// PutInode the returned directory.
func (d *Driver) resolveParent(m *Mount, path string) (*ext2.CachedInode, string, error) {
	comps := splitPath(path)
	if len(comps) == 0 {
		return nil, "", ext2.ErrInvalidArg
	}
	leaf := comps[len(comps)-1]
	parentPath := "/" + strings.Join(comps[:len(comps)-1], "/")
	parentCi, _, err := d.resolvePath(m, parentPath)
	if err != nil {
		return nil, "", err
	}
	if !parentCi.IsDir() {
		m.volume.PutInode(parentCi)
		return nil, "", ext2.ErrNotDir
	}
	return parentCi, leaf, nil
}
