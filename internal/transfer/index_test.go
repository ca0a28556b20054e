package transfer

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nexusbb/nexusd/internal/errs"
)

func buildIndexTree(t *testing.T) string {
	t.Helper()
	shared := t.TempDir()
	for _, d := range []string{
		"Docs",
		"Incoming [NEXUS-UL]",
		"Inbox [NEXUS-DB]",
	} {
		require.NoError(t, os.MkdirAll(filepath.Join(shared, d), 0o755))
	}
	files := map[string]string{
		"Docs/manual.pdf":                     "m",
		"Docs/notes.txt":                      "n",
		"Incoming [NEXUS-UL]/release.tar.gz":  "r",
		"Incoming [NEXUS-UL]/draft.bin.part":  "partial",
		"Inbox [NEXUS-DB]/hidden.txt":         "h",
	}
	for p, c := range files {
		require.NoError(t, os.WriteFile(filepath.Join(shared, p), []byte(c), 0o644))
	}
	return shared
}

func TestRebuild_IndexesVirtualPaths(t *testing.T) {
	t.Parallel()
	x := NewIndex(zap.NewNop(), buildIndexTree(t))
	require.NoError(t, x.Rebuild(context.Background()))
	require.False(t, x.BuiltAt().IsZero())

	paths := map[string]bool{}
	for _, e := range x.entries {
		paths[e.VirtualPath] = true
	}
	require.True(t, paths["Docs/manual.pdf"])
	require.True(t, paths["Incoming/release.tar.gz"], "folder suffix stripped from virtual path")
	for p := range paths {
		require.False(t, strings.Contains(p, "[NEXUS"), p)
		require.False(t, strings.HasSuffix(p, ".part"), "partials are not indexed")
	}
	require.False(t, paths["Inbox/hidden.txt"], "drop box contents stay out of the index")
}

func TestRebuild_Coalesces(t *testing.T) {
	t.Parallel()
	x := NewIndex(zap.NewNop(), buildIndexTree(t))
	x.building.Store(true)
	require.ErrorIs(t, x.Rebuild(context.Background()), ErrReindexRunning)
	x.building.Store(false)
	require.NoError(t, x.Rebuild(context.Background()))
}

func TestSearch(t *testing.T) {
	t.Parallel()
	x := NewIndex(zap.NewNop(), buildIndexTree(t))
	require.NoError(t, x.Rebuild(context.Background()))

	hits, err := x.Search("manual")
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "Docs/manual.pdf", hits[0].VirtualPath)

	hits, err = x.Search("MAN*pdf")
	require.NoError(t, err)
	require.Len(t, hits, 1, "wildcards and case folding")

	hits, err = x.Search("n?tes")
	require.NoError(t, err)
	require.Len(t, hits, 1)

	hits, err = x.Search("absent")
	require.NoError(t, err)
	require.Empty(t, hits)

	_, err = x.Search("a")
	require.ErrorIs(t, err, errs.ErrValidation, "too short")
	_, err = x.Search(strings.Repeat("x", 121))
	require.ErrorIs(t, err, errs.ErrValidation, "too long")
}

func TestAddAndRemoveEntry(t *testing.T) {
	t.Parallel()
	shared := buildIndexTree(t)
	x := NewIndex(zap.NewNop(), shared)
	require.NoError(t, x.Rebuild(context.Background()))

	x.AddEntry("Incoming/fresh.zip", 42)
	hits, err := x.Search("fresh")
	require.NoError(t, err)
	require.Len(t, hits, 1, "committed uploads are searchable before the next rebuild")

	phys := filepath.Join(shared, "Docs", "notes.txt")
	require.NoError(t, x.RemoveOS(phys, "Docs/notes.txt"))
	_, err = os.Stat(phys)
	require.True(t, os.IsNotExist(err))
	hits, err = x.Search("notes")
	require.NoError(t, err)
	require.Empty(t, hits)

	require.ErrorIs(t, x.RemoveOS(phys, "Docs/notes.txt"), errs.ErrNotFound)
}
