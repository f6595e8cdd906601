package peercache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/nodeweave/nodeweave/internal/cachefile"
	"github.com/nodeweave/nodeweave/internal/discovery"
	"github.com/nodeweave/nodeweave/internal/errtag"
	"github.com/nodeweave/nodeweave/internal/peercrypt"
)

// OnDownload is invoked by the generic HTTP-client subsystem when a
// file-with-known-hash is to be fetched, implementing §4.7's seven-step
// download path.
func (c *Coordinator) OnDownload(ctx context.Context, req DownloadRequest) (DownloadResult, error) {
	// Step 1: validate.
	if len(req.Digest) == 0 {
		return DownloadResult{}, errors.New("peercache: download request has no content hash")
	}
	if req.Algo.DigestSize() == 0 {
		return DownloadResult{}, errors.New("peercache: download request names an unknown hash algorithm")
	}
	if req.Output == nil {
		return DownloadResult{}, errors.New("peercache: download request has no usable output stream")
	}

	dgst := buildDigest(req.Algo, req.Digest)

	// Step 2: local hit.
	if path, _, size, err := c.store.Lookup(dgst); err == nil {
		n, status, err := c.streamLocalFile(path, size, req)
		if err != nil {
			return DownloadResult{}, err
		}
		c.countCacheHit()
		return DownloadResult{Status: status, BytesWritten: n, Source: SourceCache}, nil
	} else if !errors.Is(err, cachefile.ErrNotFound) {
		return DownloadResult{}, err
	}
	c.countCacheMiss()

	// Step 3: size gate.
	if req.ExpectedSize > 0 && req.ExpectedSize < minBytesFor(c.settings.Limits, cachefile.Temp) {
		return DownloadResult{}, errtag.ErrTooSmall
	}

	// Step 4: last-peer shortcut.
	if c.settings.Options.TryLastPeer {
		if addr := c.getLastPeer(); addr != "" {
			if result, ok := c.tryLastPeer(ctx, addr, req); ok {
				return result, nil
			}
		}
	}

	// Step 5: broadcast.
	msg := &peercrypt.Message{
		Kind:     peercrypt.KindRequest,
		HashAlgo: req.Algo,
	}
	copy(msg.Digest[:], req.Digest)
	timeout := nowOrDefault(c.settings.Limits.BroadcastTimeout, 10*time.Millisecond)
	responses, err := c.disc.Broadcast(ctx, msg, timeout, c.settings.Limits.BroadcastMaxResponses)
	if err != nil && !errors.Is(err, discovery.ErrSuppressed) {
		return DownloadResult{}, fmt.Errorf("peercache: broadcasting request: %w", err)
	}

	// Step 6: try ranked peers.
	if len(responses) > 0 {
		candidates := rankCandidates(responses)
		tryCount := c.settings.Limits.TryAllPeersCount
		if tryCount < 1 {
			tryCount = 1
		}
		if tryCount > len(candidates) {
			tryCount = len(candidates)
		}
		if tryCount > 0 {
			tmp, _, addr, err := c.fetch.raceFetch(ctx, c.settings.TCPPort, req, candidates[:tryCount])
			if err == nil {
				defer os.Remove(tmp.Name())
				defer tmp.Close()
				if _, err := tmp.Seek(0, io.SeekStart); err != nil {
					return DownloadResult{}, fmt.Errorf("peercache: rewinding peer scratch file: %w", err)
				}
				written, copyErr := io.Copy(req.Output, tmp)
				if copyErr != nil {
					return DownloadResult{}, fmt.Errorf("peercache: writing peer response: %w", copyErr)
				}
				c.rememberLastPeer(addr)
				c.countBytesFetched(written)
				status := http.StatusOK
				if req.HasRange {
					status = http.StatusPartialContent
				}
				return DownloadResult{Status: status, BytesWritten: written, Source: SourcePeer, PeerAddr: addr}, nil
			}
		}
	}

	// Step 7: nobody had it.
	return DownloadResult{}, nil
}

// streamLocalFile copies [RangeStart, RangeEnd] (or the whole file) from
// path into req.Output, returning the HTTP-equivalent status (§4.7 step 2).
func (c *Coordinator) streamLocalFile(path string, size int64, req DownloadRequest) (int64, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, fmt.Errorf("peercache: opening cached file %s: %w", path, err)
	}
	defer f.Close()

	if !req.HasRange {
		n, err := io.Copy(req.Output, f)
		if err != nil {
			return n, 0, fmt.Errorf("peercache: streaming cached file %s: %w", path, err)
		}
		return n, http.StatusOK, nil
	}

	start, end := req.RangeStart, req.RangeEnd
	if end >= size {
		end = size - 1
	}
	if start < 0 || start > end {
		return 0, 0, errtag.ErrRangeUnsatisfiable
	}
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return 0, 0, fmt.Errorf("peercache: seeking cached file %s: %w", path, err)
	}
	n, err := io.CopyN(req.Output, f, end-start+1)
	if err != nil && err != io.EOF {
		return n, 0, fmt.Errorf("peercache: streaming range of %s: %w", path, err)
	}
	return n, http.StatusPartialContent, nil
}

// tryLastPeer attempts the previously successful peer with a single GET
// before falling back to a broadcast (§4.7 step 4).
func (c *Coordinator) tryLastPeer(ctx context.Context, addr string, req DownloadRequest) (DownloadResult, bool) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return DownloadResult{}, false
	}
	target := candidate{resp: discovery.Response{From: udpAddr}}
	tmp, _, _, err := c.fetch.raceFetch(ctx, c.settings.TCPPort, req, []candidate{target})
	if err != nil {
		return DownloadResult{}, false
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return DownloadResult{}, false
	}
	written, err := io.Copy(req.Output, tmp)
	if err != nil {
		return DownloadResult{}, false
	}
	c.rememberLastPeer(addr)
	status := http.StatusOK
	if req.HasRange {
		status = http.StatusPartialContent
	}
	return DownloadResult{Status: status, BytesWritten: written, Source: SourceLastPeer, PeerAddr: addr}, true
}
