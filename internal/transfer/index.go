package transfer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/nexusbb/nexusd/internal/errs"
	"github.com/nexusbb/nexusd/internal/model"
	"github.com/nexusbb/nexusd/internal/vfs"
)

// ErrReindexRunning means a rebuild is already in flight; concurrent
// triggers coalesce into it rather than stacking.
var ErrReindexRunning = errors.New("reindex already in progress")

const (
	minQueryRunes = 2
	maxQueryRunes = 120
	maxResults    = 200
)

// IndexEntry is one searchable file with its client-visible virtual path.
type IndexEntry struct {
	VirtualPath string
	Name        string
	Size        int64
	ModTime     time.Time
}

// Index is the filename search index over the shared file area. Drop box
// subtrees are excluded so search never leaks contents that browsing hides.
type Index struct {
	log        *zap.Logger
	sharedRoot string

	building atomic.Bool
	mu       sync.RWMutex
	entries  []IndexEntry
	builtAt  time.Time
}

// NewIndex constructs an empty index over the shared root.
func NewIndex(log *zap.Logger, sharedRoot string) *Index {
	return &Index{log: log, sharedRoot: sharedRoot}
}

// Rebuild walks the shared root and swaps in a fresh index. Only one rebuild
// runs at a time; a second trigger while one is in flight returns
// ErrReindexRunning.
func (x *Index) Rebuild(ctx context.Context) error {
	if !x.building.CompareAndSwap(false, true) {
		return ErrReindexRunning
	}
	defer x.building.Store(false)

	start := time.Now()
	var fresh []IndexEntry
	err := filepath.WalkDir(x.sharedRoot, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel, rerr := filepath.Rel(x.sharedRoot, p)
		if rerr != nil || rel == "." {
			return nil
		}
		if d.IsDir() {
			_, ftype, _ := vfs.ParseFolderName(d.Name())
			if ftype == model.FolderDropBox || ftype == model.FolderNamedDropBox {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(d.Name(), vfs.PartialSuffix) {
			return nil
		}
		info, ierr := d.Info()
		if ierr != nil {
			return nil
		}
		fresh = append(fresh, IndexEntry{
			VirtualPath: virtualize(rel),
			Name:        d.Name(),
			Size:        info.Size(),
			ModTime:     info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return err
	}

	x.mu.Lock()
	x.entries = fresh
	x.builtAt = time.Now()
	x.mu.Unlock()
	x.log.Info("search index rebuilt",
		zap.Int("files", len(fresh)),
		zap.Duration("took", time.Since(start)))
	return nil
}

// virtualize converts a physical relative path to its client-visible form by
// stripping folder-type suffixes from every directory component.
func virtualize(rel string) string {
	parts := strings.Split(filepath.ToSlash(rel), "/")
	for i := 0; i < len(parts)-1; i++ {
		display, _, _ := vfs.ParseFolderName(parts[i])
		parts[i] = display
	}
	return path.Join(parts...)
}

// Run rebuilds on the configured interval until the context ends. A zero
// interval disables periodic rebuilds; manual triggers still work.
func (x *Index) Run(ctx context.Context, interval time.Duration) {
	if err := x.Rebuild(ctx); err != nil && !errors.Is(err, ErrReindexRunning) {
		x.log.Warn("initial index build failed", zap.Error(err))
	}
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := x.Rebuild(ctx); err != nil && !errors.Is(err, ErrReindexRunning) {
				x.log.Warn("index rebuild failed", zap.Error(err))
			}
		}
	}
}

// compileQuery translates a filename pattern with * and ? wildcards into a
// case-insensitive anchored regexp.
func compileQuery(q string) (*regexp.Regexp, error) {
	n := utf8.RuneCountInString(q)
	if n < minQueryRunes || n > maxQueryRunes {
		return nil, fmt.Errorf("%w: query must be %d to %d characters", errs.ErrValidation, minQueryRunes, maxQueryRunes)
	}
	var b strings.Builder
	b.WriteString("(?i)")
	for _, r := range q {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, fmt.Errorf("%w: bad pattern", errs.ErrValidation)
	}
	return re, nil
}

// Search matches filenames against the pattern. Without wildcards the match
// is a substring match; with them the whole pattern applies anywhere in the
// name.
func (x *Index) Search(query string) ([]IndexEntry, error) {
	re, err := compileQuery(query)
	if err != nil {
		return nil, err
	}
	x.mu.RLock()
	defer x.mu.RUnlock()
	var out []IndexEntry
	for _, e := range x.entries {
		if re.MatchString(e.Name) {
			out = append(out, e)
			if len(out) >= maxResults {
				break
			}
		}
	}
	return out, nil
}

// Building reports whether a rebuild is currently in flight.
func (x *Index) Building() bool { return x.building.Load() }

// BuiltAt reports when the current index generation was produced; zero when
// no build has completed yet.
func (x *Index) BuiltAt() time.Time {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.builtAt
}

// AddEntry folds a freshly committed upload into the live index so it is
// searchable before the next rebuild.
func (x *Index) AddEntry(vpath string, size int64) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.entries = append(x.entries, IndexEntry{
		VirtualPath: vpath,
		Name:        path.Base(vpath),
		Size:        size,
		ModTime:     time.Now(),
	})
}

// RemoveOS deletes a file from disk and drops it from the live index.
func (x *Index) RemoveOS(phys, vpath string) error {
	if err := os.Remove(phys); err != nil {
		if os.IsNotExist(err) {
			return errs.ErrNotFound
		}
		return err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	for i, e := range x.entries {
		if e.VirtualPath == vpath {
			x.entries = append(x.entries[:i], x.entries[i+1:]...)
			break
		}
	}
	return nil
}
