package vfs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nexusbb/nexusd/internal/errs"
	"github.com/nexusbb/nexusd/internal/model"
)

func TestParseFolderName(t *testing.T) {
	t.Parallel()
	cases := []struct {
		raw      string
		display  string
		ftype    model.FolderType
		dropName string
	}{
		{"Docs", "Docs", model.FolderPlain, ""},
		{"Incoming [NEXUS-UL]", "Incoming", model.FolderUpload, ""},
		{"incoming [nexus-ul]", "incoming", model.FolderUpload, ""},
		{"Drop [NEXUS-DB]", "Drop", model.FolderDropBox, ""},
		{"Drop [NEXUS-DB-alice]", "Drop", model.FolderNamedDropBox, "alice"},
		// Token must be the literal trailing element preceded by a space.
		{"Drop[NEXUS-DB]", "Drop[NEXUS-DB]", model.FolderPlain, ""},
		{"[NEXUS-DB]", "[NEXUS-DB]", model.FolderPlain, ""},
		{"Notes [NEXUS-XYZ]", "Notes [NEXUS-XYZ]", model.FolderPlain, ""},
	}
	for _, c := range cases {
		display, ftype, dropName := ParseFolderName(c.raw)
		require.Equal(t, c.display, display, c.raw)
		require.Equal(t, c.ftype, ftype, c.raw)
		require.Equal(t, c.dropName, dropName, c.raw)
	}
}

// buildTree lays out a shared root exercising each folder type.
func buildTree(t *testing.T) *Resolver {
	t.Helper()
	shared := t.TempDir()
	users := t.TempDir()
	for _, d := range []string{
		"Docs",
		"Docs/Archive",
		"Incoming [NEXUS-UL]",
		"Incoming [NEXUS-UL]/Sub",
		"Inbox [NEXUS-DB]",
		"Drop [NEXUS-DB-alice]",
	} {
		require.NoError(t, os.MkdirAll(filepath.Join(shared, d), 0o755))
	}
	require.NoError(t, os.WriteFile(filepath.Join(shared, "Docs", "readme.txt"), []byte("hi"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(shared, "Drop [NEXUS-DB-alice]", "secret.txt"), []byte("x"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(users, "carol"), 0o755))
	return NewResolver(shared, users)
}

var (
	alice = AccountView{Username: "alice"}
	bob   = AccountView{Username: "bob"}
	carol = AccountView{Username: "carol"}
	root  = AccountView{Username: "root", Admin: true}
)

func TestRootFor(t *testing.T) {
	t.Parallel()
	r := buildTree(t)
	require.Equal(t, r.sharedRoot, r.RootFor(alice), "no personal folder: shared root")
	require.Equal(t, filepath.Join(r.usersRoot, "carol"), r.RootFor(carol), "provisioned personal folder wins")
}

func TestResolve_TraversalRejected(t *testing.T) {
	t.Parallel()
	r := buildTree(t)
	for _, p := range []string{"..", "../x", "Docs/../../x", "Docs/..\\..\\x"} {
		_, err := r.Resolve(alice, p)
		require.ErrorIs(t, err, errs.ErrPathTraversal, p)
	}
	// Clean()-able inner dots that stay inside the root are fine.
	_, err := r.Resolve(alice, "Docs/./Archive")
	require.NoError(t, err)
}

func TestResolve_SuffixInvisibleToClients(t *testing.T) {
	t.Parallel()
	r := buildTree(t)

	res, err := r.Resolve(alice, "Incoming/Sub")
	require.NoError(t, err)
	require.Equal(t, model.FolderUpload, res.Folder, "subdirectory inherits upload permission")
	require.True(t, res.CanUpload())

	res, err = r.Resolve(alice, "Docs")
	require.NoError(t, err)
	require.False(t, res.CanUpload(), "plain folder is browse and download only")

	// Missing intermediate component.
	_, err = r.Resolve(alice, "Nowhere/file.txt")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestUpload_FolderMustPermit(t *testing.T) {
	t.Parallel()
	r := buildTree(t)

	res, err := r.ResolveForUpload(bob, "Incoming/report.pdf")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(r.sharedRoot, "Incoming [NEXUS-UL]", "report.pdf"), res.Phys)

	_, err = r.ResolveForUpload(bob, "Docs/report.pdf")
	require.ErrorIs(t, err, errs.ErrPermissionDenied)

	_, err = r.ResolveForUpload(bob, "")
	require.ErrorIs(t, err, errs.ErrValidation)

	// Drop boxes accept uploads from anyone.
	_, err = r.ResolveForUpload(bob, "Drop/report.pdf")
	require.NoError(t, err)
}

func TestNamedDropBox_Visibility(t *testing.T) {
	t.Parallel()
	r := buildTree(t)

	// alice and admins can list; others are denied but may upload.
	for _, acc := range []AccountView{alice, root} {
		entries, err := r.List(acc, "Drop")
		require.NoError(t, err, acc.Username)
		require.Len(t, entries, 1)
		require.Equal(t, "secret.txt", entries[0].Name)
	}

	_, err := r.List(bob, "Drop")
	require.ErrorIs(t, err, errs.ErrPermissionDenied)
	_, err = r.ResolveForUpload(bob, "Drop/contrib.txt")
	require.NoError(t, err)

	_, err = r.ResolveForDownload(bob, "Drop/secret.txt")
	require.ErrorIs(t, err, errs.ErrPermissionDenied)
	res, err := r.ResolveForDownload(alice, "Drop/secret.txt")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(r.sharedRoot, "Drop [NEXUS-DB-alice]", "secret.txt"), res.Phys)
}

func TestList_StripsSuffixes(t *testing.T) {
	t.Parallel()
	r := buildTree(t)
	entries, err := r.List(bob, "")
	require.NoError(t, err)

	byName := map[string]model.FileEntry{}
	for _, e := range entries {
		byName[e.Name] = e
	}
	require.Contains(t, byName, "Incoming")
	require.Equal(t, model.FolderUpload, byName["Incoming"].Folder)
	require.Contains(t, byName, "Drop")
	require.NotContains(t, byName, "Incoming [NEXUS-UL]")
}

func TestResolveForDownload_Basics(t *testing.T) {
	t.Parallel()
	r := buildTree(t)

	res, err := r.ResolveForDownload(bob, "Docs/readme.txt")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(r.sharedRoot, "Docs", "readme.txt"), res.Phys)

	_, err = r.ResolveForDownload(bob, "Docs/absent.txt")
	require.ErrorIs(t, err, errs.ErrNotFound)
	_, err = r.ResolveForDownload(bob, "Docs")
	require.ErrorIs(t, err, errs.ErrNotFound, "directories are not downloadable")
}
