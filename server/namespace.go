package server

import (
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/umputun/s3sftp/objectstore"
)

// Entry is one visible item returned by a directory listing.
type Entry struct {
	Name    string
	IsDir   bool
	Size    int64
	ModTime time.Time
}

// legacyDirMarker is the deprecated root marker recognized on read but
// never written.
const legacyDirMarker = "/.dir"

// buildNamespaceView is the pure function that reconstructs a hierarchy
// over a flat object-key namespace: it takes a directory prefix and the
// flat list of keys sharing that prefix and produces the deduplicated,
// classified set of entries that live immediately under the prefix. It
// intentionally has no side effects and no I/O so it can be unit tested
// exhaustively over hand-crafted key sets.
func buildNamespaceView(prefix string, objs []objectstore.ObjectSummary) []Entry {
	type classified struct {
		isDir   bool
		size    int64
		modTime time.Time
		hasInfo bool
	}
	byName := make(map[string]classified)
	order := make([]string, 0, len(objs))

	addOrUpdate := func(name string, c classified) {
		existing, seen := byName[name]
		if !seen {
			byName[name] = c
			order = append(order, name)
			return
		}
		// directory classification wins over file when both appear.
		if c.isDir && !existing.isDir {
			byName[name] = c
			return
		}
		if c.isDir == existing.isDir && c.hasInfo && !existing.hasInfo {
			byName[name] = c
		}
	}

	normPrefix := strings.TrimSuffix(prefix, "/")
	for _, obj := range objs {
		if !strings.HasPrefix(obj.Key, normPrefix) {
			continue
		}
		rel := strings.TrimPrefix(obj.Key, normPrefix)
		if rel == obj.Key && normPrefix != "" {
			continue // key didn't actually share the prefix
		}
		if rel != "" && !strings.HasPrefix(rel, "/") {
			continue // prefix matched a partial path segment, not a boundary
		}

		if rel == legacyDirMarker {
			continue
		}
		rel = strings.TrimPrefix(rel, "/")
		if rel == "" {
			continue
		}

		segments := strings.Split(rel, "/")

		switch {
		case len(segments) == 1:
			// P/<name> -> a file, unless a later rule reclassifies it.
			addOrUpdate(segments[0], classified{isDir: false, size: obj.Size, modTime: obj.LastModified, hasInfo: true})

		case len(segments) == 2 && segments[1] == ".directory":
			// P/<name>/.directory -> directory marker for <name>.
			addOrUpdate(segments[0], classified{isDir: true, modTime: obj.LastModified, hasInfo: true})

		default:
			// P/<d>/... with more path beyond - <d> is an inferred
			// directory regardless of what else is in this batch,
			// since this very key is evidence something lives under it.
			addOrUpdate(segments[0], classified{isDir: true})
		}
	}

	entries := make([]Entry, 0, len(order))
	for _, name := range order {
		c := byName[name]
		entries = append(entries, Entry{Name: name, IsDir: c.isDir, Size: c.size, ModTime: c.modTime})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries
}

// dirHandle is the per-open directory state: a precomputed
// entry list emitted once by READDIR, then EOF on every subsequent call. It
// implements sftp.ListerAt (ListAt) and io.Closer, so pkg/sftp's
// RequestServer drives it directly as the handle behind an OPENDIR.
type dirHandle struct {
	objectPrefix string
	virtualPath  string
	listings     []Entry
	emitted      bool
	user         string

	table *handleTable
	wire  string
}

// ListAt implements sftp.ListerAt: the whole listing is handed over in one
// call and every subsequent call reports io.EOF, matching 's
// "emitted once" READDIR contract rather than pkg/sftp's usual paging
// semantics.
func (h *dirHandle) ListAt(ls []os.FileInfo, offset int64) (int, error) {
	if h.emitted {
		return 0, io.EOF
	}
	h.emitted = true
	n := copy(ls, entryFileInfos(h.listings))
	if n < len(h.listings) {
		return n, nil // caller's slice was too small; not expected given our call site
	}
	return n, io.EOF
}

// Close implements io.Closer, releasing this handle's slot in the owning
// session's handle table.
func (h *dirHandle) Close() error {
	if h.table != nil {
		h.table.release(h.wire)
	}
	return nil
}

// entryFileInfo adapts an Entry to os.FileInfo for pkg/sftp's ListerAt.
type entryFileInfo struct {
	entry Entry
}

func (fi entryFileInfo) Name() string       { return fi.entry.Name }
func (fi entryFileInfo) Size() int64        { return fi.entry.Size }
func (fi entryFileInfo) Mode() os.FileMode {
	if fi.entry.IsDir {
		return os.ModeDir | 0o755
	}
	return 0o644
}
func (fi entryFileInfo) ModTime() time.Time { return fi.entry.ModTime }
func (fi entryFileInfo) IsDir() bool        { return fi.entry.IsDir }
func (fi entryFileInfo) Sys() any           { return nil }

func entryFileInfos(entries []Entry) []os.FileInfo {
	infos := make([]os.FileInfo, len(entries))
	for i, e := range entries {
		infos[i] = entryFileInfo{entry: e}
	}
	return infos
}

// virtualRootEntries is the synthetic three-entry listing always returned
// for the root of a user's view, shadowing whatever LIST
// would otherwise have returned at that level.
func virtualRootEntries(username string) []Entry {
	now := time.Now()
	return []Entry{
		{Name: username, IsDir: true, ModTime: now},
		{Name: "ledgers", IsDir: true, ModTime: now},
		{Name: "invoices", IsDir: true, ModTime: now},
	}
}
