package peercache

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/nodeweave/nodeweave/internal/errtag"
	"github.com/nodeweave/nodeweave/internal/logging"
	"github.com/nodeweave/nodeweave/internal/peercrypt"
	"github.com/nodeweave/nodeweave/internal/progress"
)

// peerFetcher performs the actual HTTP GET against a peer's own C4/C5
// server, bounding how many such transfers run concurrently with a
// semaphore the way the teacher's parallel transport bounds per-host
// requests (§11 domain stack: "per-peer concurrency limiting").
type peerFetcher struct {
	client *http.Client
	core   *peercrypt.Core
	sem    *semaphore.Weighted
	log    logging.Logger
}

func (f *peerFetcher) fetchOne(ctx context.Context, port int, req DownloadRequest, target candidate) (*os.File, int64, error) {
	if err := f.sem.Acquire(ctx, 1); err != nil {
		return nil, 0, err
	}
	defer f.sem.Release(1)

	msg := &peercrypt.Message{
		Kind:     peercrypt.KindRequestBearer,
		HashAlgo: req.Algo,
	}
	copy(msg.Digest[:], req.Digest)
	if req.HasRange {
		msg.RangeStart = uint64(req.RangeStart)
		msg.RangeEnd = uint64(req.RangeEnd)
	}
	token, err := peercrypt.EncodeBearer(f.core, msg)
	if err != nil {
		return nil, 0, fmt.Errorf("peercache: encoding bearer for peer fetch: %w", err)
	}

	ip := target.resp.From.IP.String()
	url := fmt.Sprintf("http://%s:%d/peer/%s", ip, port, hex.EncodeToString(req.Digest))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("peercache: building peer request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, 0, fmt.Errorf("peercache: requesting %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return nil, 0, fmt.Errorf("peercache: peer %s returned status %d", ip, resp.StatusCode)
	}

	tmp, err := os.CreateTemp("", "peerfetch-*.tmp")
	if err != nil {
		return nil, 0, fmt.Errorf("peercache: creating scratch file: %w", err)
	}

	tracker := progress.New(resp.ContentLength, func(current, total int64) {
		f.log.Debugf("peercache: fetching from %s: %d/%d bytes", ip, current, total)
	})
	n, err := io.Copy(tmp, progress.NewReader(resp.Body, tracker))
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, 0, fmt.Errorf("peercache: copying from peer %s: %w", ip, err)
	}
	return tmp, n, nil
}

// raceFetch tries up to len(candidates) ranked peers concurrently (capped
// by the coordinator's TryAllPeersCount), taking the first success and
// discarding the rest (§11 domain stack: "race-fetch from multiple
// peers"). Spec.md §4.7 step 6 describes this as a sequential try-then-
// fallback; racing is a latency optimization over the same priority-
// ordered candidate set and is documented as an Open Question decision in
// DESIGN.md.
func (f *peerFetcher) raceFetch(ctx context.Context, port int, req DownloadRequest, candidates []candidate) (*os.File, int64, string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		file *os.File
		size int64
		addr string
	}

	results := make(chan outcome, len(candidates))
	g, gctx := errgroup.WithContext(ctx)

	for _, cd := range candidates {
		cd := cd
		g.Go(func() error {
			file, n, err := f.fetchOne(gctx, port, req, cd)
			if err != nil {
				f.log.Debugf("peercache: peer %s failed: %v", cd.resp.From, err)
				return nil // a peer failure does not abort the race for the others
			}
			select {
			case results <- outcome{file: file, size: n, addr: cd.resp.From.String()}:
				cancel() // a winner is in; stop the remaining attempts
			case <-gctx.Done():
				file.Close()
				os.Remove(file.Name())
			}
			return nil
		})
	}

	_ = g.Wait()
	close(results)

	var winner *outcome
	for o := range results {
		o := o
		if winner == nil {
			winner = &o
			continue
		}
		o.file.Close()
		os.Remove(o.file.Name())
	}
	if winner == nil {
		return nil, 0, "", errtag.ErrNoCandidate
	}
	return winner.file, winner.size, winner.addr, nil
}
