package cachefile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/opencontainers/go-digest"
)

// IndexEntry describes one entry in the permanent store's on-disk index,
// kept purely for operational introspection (§12 "GET /_cache").
type IndexEntry struct {
	Digest    digest.Digest `json:"digest"`
	Size      int64         `json:"size"`
	FirstSeen time.Time     `json:"firstSeen"`
}

// index is the on-disk shape written to indexPath, mirroring the teacher's
// models.json (pkg/distribution/internal/store.Index) generalized from
// "models" to "cache entries".
type index struct {
	Entries []IndexEntry `json:"entries"`
}

func (s *Store) indexPath() string {
	return filepath.Join(s.permDir, "index.json")
}

// loadIndex reads the on-disk index, tolerating a missing file (a fresh
// store has none yet).
func (s *Store) loadIndex() (index, error) {
	data, err := os.ReadFile(s.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return index{}, nil
		}
		return index{}, fmt.Errorf("cachefile: reading index: %w", err)
	}
	var idx index
	if err := json.Unmarshal(data, &idx); err != nil {
		return index{}, fmt.Errorf("cachefile: parsing index: %w", err)
	}
	return idx, nil
}

func (s *Store) writeIndex(idx index) error {
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("cachefile: marshaling index: %w", err)
	}
	tmp := s.indexPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("cachefile: writing index: %w", err)
	}
	if err := os.Rename(tmp, s.indexPath()); err != nil {
		return fmt.Errorf("cachefile: renaming index into place: %w", err)
	}
	return nil
}

// recordIndexEntry appends (or, on a re-commit of the same digest, leaves
// unchanged) dgst's entry in the permanent store's index. Logged failures
// here never fail the commit itself: the index is additive bookkeeping, not
// part of the hot download path (§12).
func (s *Store) recordIndexEntry(dgst digest.Digest, size int64) error {
	s.idxMu.Lock()
	defer s.idxMu.Unlock()
	idx, err := s.loadIndex()
	if err != nil {
		return err
	}
	for _, e := range idx.Entries {
		if e.Digest == dgst {
			return nil
		}
	}
	idx.Entries = append(idx.Entries, IndexEntry{Digest: dgst, Size: size, FirstSeen: time.Now()})
	return s.writeIndex(idx)
}

func (s *Store) removeIndexEntry(dgst digest.Digest) error {
	s.idxMu.Lock()
	defer s.idxMu.Unlock()
	idx, err := s.loadIndex()
	if err != nil {
		return err
	}
	kept := idx.Entries[:0]
	for _, e := range idx.Entries {
		if e.Digest != dgst {
			kept = append(kept, e)
		}
	}
	idx.Entries = kept
	return s.writeIndex(idx)
}

// Catalog returns every entry currently recorded in the permanent store's
// index (§12 "GET /_cache"), for operational introspection only.
func (s *Store) Catalog() ([]IndexEntry, error) {
	s.idxMu.Lock()
	defer s.idxMu.Unlock()
	idx, err := s.loadIndex()
	if err != nil {
		return nil, err
	}
	return idx.Entries, nil
}
