package peercache

import (
	"errors"
	"fmt"
	"os"

	"github.com/nodeweave/nodeweave/internal/cachefile"
	"github.com/nodeweave/nodeweave/internal/peercrypt"
)

// OnDownloaded is called after a successful origin or peer download landed
// in partialPath, implementing §4.7's "Download completion hook". partialID
// is only consulted when hasPartialID is true (a download streamed through
// the partial registry so other peers could read it progressively).
func (c *Coordinator) OnDownloaded(partialPath string, class cachefile.Class, algo peercrypt.HashAlgo, sum []byte, partialID uint64, hasPartialID bool) error {
	fi, err := os.Stat(partialPath)
	if err != nil {
		return fmt.Errorf("peercache: stat-ing completed partial %s: %w", partialPath, err)
	}

	// Step 1: minimum-size check.
	if fi.Size() < minBytesFor(c.settings.Limits, class) {
		c.log.Debugf("peercache: %s is below the minimum size for its store class, discarding", partialPath)
		return os.Remove(partialPath)
	}

	dgst := buildDigest(algo, sum)

	// Step 2: an existing entry with a matching size means there is nothing
	// to do; a mismatched size is a warning, and the existing file wins
	// (§4.7 step 2: "mismatch logs a warning and keeps the existing file").
	if existingPath, _, existingSize, lookErr := c.store.Lookup(dgst); lookErr == nil {
		if existingSize != fi.Size() {
			c.log.Errorf("peercache: cache entry %s already exists with size %d, new download was %d bytes; keeping the existing file", existingPath, existingSize, fi.Size())
		}
		os.Remove(partialPath)
		if hasPartialID {
			c.partials.ChangeFile(partialID, existingPath)
		}
		return nil
	}

	// Step 3/4: enforce the temp cap, then copy the partial into place.
	if class == cachefile.Temp {
		if err := c.makeRoomInTemp(fi.Size()); err != nil {
			return err
		}
	}

	f, err := os.Open(partialPath)
	if err != nil {
		return fmt.Errorf("peercache: opening completed partial %s: %w", partialPath, err)
	}
	defer f.Close()

	finalPath, written, err := c.store.Commit(class, dgst, f, fi.Size())
	if err != nil {
		return fmt.Errorf("peercache: committing %s into the cache: %w", partialPath, err)
	}
	if written {
		os.Remove(partialPath)
	}
	if written && class == cachefile.Permanent {
		c.refreshCacheEntriesGauge()
	}

	// Step 5: promote the partial registry entry, if any, to the final path.
	if hasPartialID {
		c.partials.ChangeFile(partialID, finalPath)
	}
	return nil
}

// makeRoomInTemp enforces CacheTempMaxMB before a new entry of addBytes is
// committed (§4.7 step 3): a file that alone exceeds the cap is rejected
// here (Commit itself has no notion of the cap, so this check must run
// first); otherwise, if the new entry would push the store past the cap,
// Purge deletes the oldest temp entries until the store is back within the
// cap, so after the commit the store can exceed it by at most the new
// entry's size.
func (c *Coordinator) makeRoomInTemp(addBytes int64) error {
	capMB := c.settings.Limits.CacheTempMaxMB
	if capMB <= 0 {
		return nil
	}
	capBytes := capMB * 1024 * 1024
	if addBytes > capBytes {
		return fmt.Errorf("peercache: entry of %d bytes alone exceeds the %d MB temp cache cap", addBytes, capMB)
	}

	total, err := c.store.TotalSize()
	if err != nil {
		return fmt.Errorf("peercache: measuring temp store: %w", err)
	}
	if total+addBytes <= capBytes {
		return nil
	}
	if _, err := c.store.Purge(); err != nil {
		return fmt.Errorf("peercache: purging temp store: %w", err)
	}
	return nil
}

// OnDownloadFailed deletes a possibly-corrupted local file after a failed
// download (§4.7 "Failure hook").
func (c *Coordinator) OnDownloadFailed(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("peercache: removing failed download %s: %w", path, err)
	}
	return nil
}
