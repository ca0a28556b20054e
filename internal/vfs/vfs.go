// Package vfs maps virtual client paths onto physical storage and derives
// folder behaviour from the directory-name suffix convention.
package vfs

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/nexusbb/nexusd/internal/errs"
	"github.com/nexusbb/nexusd/internal/model"
)

// Folder-type suffixes: a literal trailing token preceded by a space on the
// physical directory name, matched case-insensitively. Clients never see the
// token; it is stripped for display.
const (
	uploadToken  = "[NEXUS-UL]"
	dropToken    = "[NEXUS-DB]"
	namedDropPre = "[NEXUS-DB-" // named drop box: [NEXUS-DB-<account>]
)

// PartialSuffix marks in-progress uploads so interrupted transfers are
// distinguishable from completed files.
const PartialSuffix = ".part"

// ParseFolderName splits a physical directory name into its display name and
// derived folder type.
func ParseFolderName(raw string) (display string, ftype model.FolderType, dropName string) {
	i := strings.LastIndex(raw, " ")
	if i <= 0 {
		return raw, model.FolderPlain, ""
	}
	token := raw[i+1:]
	upper := strings.ToUpper(token)
	switch {
	case upper == uploadToken:
		return raw[:i], model.FolderUpload, ""
	case upper == dropToken:
		return raw[:i], model.FolderDropBox, ""
	case strings.HasPrefix(upper, namedDropPre) && strings.HasSuffix(upper, "]"):
		name := token[len(namedDropPre) : len(token)-1]
		if name == "" {
			return raw, model.FolderPlain, ""
		}
		return raw[:i], model.FolderNamedDropBox, name
	default:
		return raw, model.FolderPlain, ""
	}
}

// AccountView is what resolution needs to know about the requesting account.
type AccountView struct {
	Username string
	Shared   bool
	Admin    bool
}

// Resolved is the outcome of a virtual path walk.
type Resolved struct {
	// Phys is the physical path. For a trailing component that does not
	// exist yet (an upload destination) it is the join of the parent's
	// physical path and the raw component.
	Phys string
	// Folder is the effective type of the containing folder: the deepest
	// typed ancestor wins, subdirectories inherit.
	Folder model.FolderType
	// DropName is the named drop box owner when Folder is FolderNamedDropBox.
	DropName string
}

// CanUpload reports whether uploads are permitted at this location.
func (r Resolved) CanUpload() bool { return r.Folder != model.FolderPlain }

// CanBrowse reports whether the account may list and download here. Drop box
// contents are visible only to admins (and the named account for named drop
// boxes).
func (r Resolved) CanBrowse(acc AccountView) bool {
	switch r.Folder {
	case model.FolderDropBox:
		return acc.Admin
	case model.FolderNamedDropBox:
		return acc.Admin || strings.EqualFold(acc.Username, r.DropName)
	default:
		return true
	}
}

// Resolver walks virtual paths under per-account roots.
type Resolver struct {
	sharedRoot string
	usersRoot  string // optional; holds per-account folders
}

// NewResolver constructs a resolver over the configured roots.
func NewResolver(sharedRoot, usersRoot string) *Resolver {
	return &Resolver{sharedRoot: sharedRoot, usersRoot: usersRoot}
}

// RootFor resolves the account's file-area root: a per-account folder under
// the users root when one has been provisioned, else the shared root.
func (r *Resolver) RootFor(acc AccountView) string {
	if r.usersRoot != "" {
		personal := filepath.Join(r.usersRoot, strings.ToLower(acc.Username))
		if st, err := os.Stat(personal); err == nil && st.IsDir() {
			return personal
		}
	}
	return r.sharedRoot
}

// checkVirtual rejects traversal at every path-accepting operation: any
// parent-directory component fails, before touching the filesystem.
func checkVirtual(vpath string) ([]string, error) {
	raw := strings.ReplaceAll(vpath, "\\", "/")
	// Reject before Clean: Clean would silently collapse ".." components.
	for _, p := range strings.Split(raw, "/") {
		if p == ".." {
			return nil, errs.ErrPathTraversal
		}
	}
	cleaned := strings.TrimPrefix(path.Clean("/"+raw), "/")
	if cleaned == "" || cleaned == "." {
		return nil, nil
	}
	return strings.Split(cleaned, "/"), nil
}

// Resolve walks the virtual path component by component, matching each
// against the suffix-stripped display names of the physical tree. Symlinks
// are followed and trusted as an intentional admin action. A missing final
// component resolves to its would-be physical path (the upload case); a
// missing intermediate component is ErrNotFound.
func (r *Resolver) Resolve(acc AccountView, vpath string) (Resolved, error) {
	parts, err := checkVirtual(vpath)
	if err != nil {
		return Resolved{}, err
	}
	cur := Resolved{Phys: r.RootFor(acc), Folder: model.FolderPlain}
	for i, comp := range parts {
		phys, res, found, err := matchComponent(cur, comp)
		if err != nil {
			return Resolved{}, err
		}
		if !found {
			if i != len(parts)-1 {
				return Resolved{}, errs.ErrNotFound
			}
			cur.Phys = filepath.Join(cur.Phys, comp)
			return cur, nil
		}
		cur.Phys = phys
		if res.Folder != model.FolderPlain {
			cur.Folder, cur.DropName = res.Folder, res.DropName
		}
	}
	return cur, nil
}

// matchComponent finds the directory entry whose display name matches comp.
func matchComponent(cur Resolved, comp string) (phys string, res Resolved, found bool, err error) {
	ents, err := os.ReadDir(cur.Phys)
	if err != nil {
		if os.IsNotExist(err) {
			return "", Resolved{}, false, errs.ErrNotFound
		}
		return "", Resolved{}, false, err
	}
	for _, e := range ents {
		full := filepath.Join(cur.Phys, e.Name())
		isDir := e.IsDir()
		if e.Type()&os.ModeSymlink != 0 {
			// Symlinks are followed and trusted.
			if st, err := os.Stat(full); err == nil && st.IsDir() {
				isDir = true
			}
		}
		display, ftype, dropName := ParseFolderName(e.Name())
		if !isDir {
			display, ftype, dropName = e.Name(), model.FolderPlain, ""
		}
		if strings.EqualFold(display, comp) {
			return full, Resolved{Folder: ftype, DropName: dropName}, true, nil
		}
	}
	return "", Resolved{}, false, nil
}

// List returns the visible entries of a virtual directory. Browsing a drop
// box as a non-privileged account is ErrPermissionDenied; folder-type
// suffixes are stripped before entries reach the caller.
func (r *Resolver) List(acc AccountView, vpath string) ([]model.FileEntry, error) {
	res, err := r.Resolve(acc, vpath)
	if err != nil {
		return nil, err
	}
	if !res.CanBrowse(acc) {
		return nil, errs.ErrPermissionDenied
	}
	ents, err := os.ReadDir(res.Phys)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	out := make([]model.FileEntry, 0, len(ents))
	for _, e := range ents {
		info, err := e.Info()
		if err != nil {
			continue
		}
		fe := model.FileEntry{Name: e.Name(), ModTime: info.ModTime()}
		switch {
		case e.IsDir():
			fe.Kind = model.KindDir
			fe.Name, fe.Folder, fe.DropName = ParseFolderName(e.Name())
		case info.Mode()&os.ModeSymlink != 0:
			fe.Kind = model.KindSymlink
		default:
			fe.Kind = model.KindFile
			fe.Size = info.Size()
		}
		out = append(out, fe)
	}
	return out, nil
}

// ResolveForUpload resolves an upload destination and enforces that the
// containing folder permits uploads.
func (r *Resolver) ResolveForUpload(acc AccountView, vpath string) (Resolved, error) {
	parts, err := checkVirtual(vpath)
	if err != nil {
		return Resolved{}, err
	}
	if len(parts) == 0 {
		return Resolved{}, fmt.Errorf("%w: missing destination name", errs.ErrValidation)
	}
	res, err := r.Resolve(acc, vpath)
	if err != nil {
		return Resolved{}, err
	}
	if !res.CanUpload() {
		return Resolved{}, errs.ErrPermissionDenied
	}
	return res, nil
}

// ResolveForDownload resolves a download source, enforcing drop box
// visibility on the containing folder.
func (r *Resolver) ResolveForDownload(acc AccountView, vpath string) (Resolved, error) {
	res, err := r.Resolve(acc, vpath)
	if err != nil {
		return Resolved{}, err
	}
	if !res.CanBrowse(acc) {
		return Resolved{}, errs.ErrPermissionDenied
	}
	if st, err := os.Stat(res.Phys); err != nil || st.IsDir() {
		return Resolved{}, errs.ErrNotFound
	}
	return res, nil
}
