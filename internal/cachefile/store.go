// Package cachefile implements the local content-addressable cache (part
// of C10): a temporary store with a TTL and size cap, and a permanent
// store without one, both optionally sharded by the first hex nibble of the
// content digest (§3 "Cached file", §4.7).
package cachefile

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"
)

// ErrNotFound is returned when a lookup misses both stores.
var ErrNotFound = errors.New("cachefile: not found")

// Class distinguishes the temporary and permanent stores, which have
// different retention and size-cap rules (§3 "Cached file").
type Class int

const (
	Temp Class = iota
	Permanent
)

// Store manages the two on-disk content-addressable directories. It holds
// no locks of its own for read paths (filesystem operations are already
// atomic for this store's purposes); callers that mutate the cache
// concurrently should serialize with the "files" lock described in §5.
type Store struct {
	tempDir   string
	permDir   string
	sharded   bool
	tempCapMB int64

	idxMu sync.Mutex
}

// Options configures a Store.
type Options struct {
	TempDir      string
	PermanentDir string
	// Sharded enables 16-way sub-folder sharding by the first hex nibble
	// after the algorithm tag (§3 "Optional 16-way sub-folder sharding").
	Sharded bool
	// TempCapMB is the size cap enforced by Purge for the temp store
	// (§4.7 step 3, "CacheTempMaxMB").
	TempCapMB int64
}

// New constructs a Store and ensures both root directories exist.
func New(opts Options) (*Store, error) {
	s := &Store{
		tempDir:   opts.TempDir,
		permDir:   opts.PermanentDir,
		sharded:   opts.Sharded,
		tempCapMB: opts.TempCapMB,
	}
	for _, dir := range []string{s.tempDir, s.permDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("cachefile: creating %s: %w", dir, err)
		}
	}
	return s, nil
}

// Filename returns "<algorithm>-<hex digest>.cache" for dgst (§3 "Cached
// file"). The algorithm is written by name, not hex-encoded together with
// the digest; keeping it in the name means digests of different hash kinds
// never alias to the same filename.
func Filename(dgst digest.Digest) string {
	return fmt.Sprintf("%s-%s.cache", dgst.Algorithm(), dgst.Encoded())
}

func (s *Store) shardDir(root string, dgst digest.Digest) string {
	if !s.sharded {
		return root
	}
	enc := dgst.Encoded()
	if enc == "" {
		return root
	}
	return filepath.Join(root, strings.ToLower(enc[:1]))
}

func (s *Store) path(class Class, dgst digest.Digest) string {
	root := s.tempDir
	if class == Permanent {
		root = s.permDir
	}
	return filepath.Join(s.shardDir(root, dgst), Filename(dgst))
}

// Lookup searches the permanent store then the temp store for dgst,
// returning the matched path and class. On a temp-store hit, the file's
// modification time is refreshed to implement LRU-by-access (§3 "Files in
// temp store have their modification time refreshed on read").
func (s *Store) Lookup(dgst digest.Digest) (path string, class Class, size int64, err error) {
	permPath := s.path(Permanent, dgst)
	if fi, statErr := os.Stat(permPath); statErr == nil {
		return permPath, Permanent, fi.Size(), nil
	}

	tempPath := s.path(Temp, dgst)
	fi, statErr := os.Stat(tempPath)
	if statErr != nil {
		return "", 0, 0, ErrNotFound
	}
	now := time.Now()
	_ = os.Chtimes(tempPath, now, now)
	return tempPath, Temp, fi.Size(), nil
}

func incompletePath(path string) string { return path + ".incomplete" }

// Commit copies src into the cache under dgst for the given class,
// creating any sharded parent directory, and writes via a ".incomplete"
// temp file renamed into place atomically (§9 design note mirrors the
// teacher's blob-write pattern). If the destination already exists with
// the same size, Commit is a no-op and reports that as written=false (§4.7
// step 2: "If it already exists with matching size, skip").
func (s *Store) Commit(class Class, dgst digest.Digest, src io.Reader, size int64) (path string, written bool, err error) {
	path = s.path(class, dgst)
	if fi, statErr := os.Stat(path); statErr == nil {
		if fi.Size() == size {
			return path, false, nil
		}
		return path, false, fmt.Errorf("cachefile: existing entry %s has size %d, expected %d", path, fi.Size(), size)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", false, fmt.Errorf("cachefile: creating parent dir: %w", err)
	}

	tmp := incompletePath(path)
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", false, fmt.Errorf("cachefile: creating %s: %w", tmp, err)
	}
	defer os.Remove(tmp)

	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		return "", false, fmt.Errorf("cachefile: writing %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		return "", false, fmt.Errorf("cachefile: closing %s: %w", tmp, err)
	}

	if err := os.Rename(tmp, path); err != nil {
		return "", false, fmt.Errorf("cachefile: renaming into place: %w", err)
	}
	now := time.Now()
	_ = os.Chtimes(path, now, now)

	if class == Permanent {
		// The index is additive bookkeeping for the /_cache endpoint, not
		// part of the hot path: a failure to record it never fails a commit
		// that already landed on disk.
		_ = s.recordIndexEntry(dgst, size)
	}
	return path, true, nil
}

// Remove deletes dgst's entry from class, ignoring a not-exist error.
func (s *Store) Remove(class Class, dgst digest.Digest) error {
	path := s.path(class, dgst)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("cachefile: removing %s: %w", path, err)
	}
	if class == Permanent {
		_ = s.removeIndexEntry(dgst)
	}
	return nil
}

type tempEntry struct {
	path    string
	size    int64
	modTime time.Time
}

// tempEntries walks the temp store (including shard subdirectories) and
// returns every cache file found.
func (s *Store) tempEntries() ([]tempEntry, error) {
	var entries []tempEntry
	err := filepath.WalkDir(s.tempDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".cache") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		entries = append(entries, tempEntry{path: path, size: info.Size(), modTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cachefile: walking temp store: %w", err)
	}
	return entries, nil
}

// Purge enforces the temp store's size cap by deleting the oldest entries
// (by modification time) until the total size is within tempCapMB, mirroring
// §4.7 step 3. It returns the number of bytes freed.
func (s *Store) Purge() (freed int64, err error) {
	if s.tempCapMB <= 0 {
		return 0, nil
	}
	capBytes := s.tempCapMB * 1024 * 1024

	entries, err := s.tempEntries()
	if err != nil {
		return 0, err
	}

	var total int64
	for _, e := range entries {
		total += e.size
	}
	if total <= capBytes {
		return 0, nil
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].modTime.Before(entries[j].modTime) })

	for _, e := range entries {
		if total <= capBytes {
			break
		}
		if err := os.Remove(e.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return freed, fmt.Errorf("cachefile: purging %s: %w", e.path, err)
		}
		total -= e.size
		freed += e.size
	}
	return freed, nil
}

// ExpireOlderThan deletes temp-store entries whose modification time is
// older than ttl, implementing the idle hook's periodic TTL sweep (§4.7
// "Idle hook").
func (s *Store) ExpireOlderThan(ttl time.Duration) (removed int, err error) {
	entries, err := s.tempEntries()
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-ttl)
	for _, e := range entries {
		if e.modTime.Before(cutoff) {
			if err := os.Remove(e.path); err != nil && !errors.Is(err, os.ErrNotExist) {
				return removed, fmt.Errorf("cachefile: expiring %s: %w", e.path, err)
			}
			removed++
		}
	}
	return removed, nil
}

// TotalSize returns the current total byte size of the temp store.
func (s *Store) TotalSize() (int64, error) {
	entries, err := s.tempEntries()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, e := range entries {
		total += e.size
	}
	return total, nil
}
