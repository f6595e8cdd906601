package peercache

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/nodeweave/nodeweave/internal/banset"
	"github.com/nodeweave/nodeweave/internal/cachefile"
	"github.com/nodeweave/nodeweave/internal/config"
	"github.com/nodeweave/nodeweave/internal/discovery"
	"github.com/nodeweave/nodeweave/internal/logging"
	"github.com/nodeweave/nodeweave/internal/metrics"
	"github.com/nodeweave/nodeweave/internal/partial"
	"github.com/nodeweave/nodeweave/internal/peercrypt"
	"github.com/nodeweave/nodeweave/internal/transport/parallel"
	"github.com/nodeweave/nodeweave/internal/transport/resumable"
)

// Coordinator wires the local cache (cachefile), the in-flight partial
// registry (partial), the UDP peer (discovery), and the message framer
// (peercrypt) into the download orchestration and HTTP serving described
// in §4.7. It implements discovery.Responder so the UDP server can consult
// it for inbound Request frames.
type Coordinator struct {
	store    *cachefile.Store
	partials *partial.Registry
	disc     *discovery.Server
	core     *peercrypt.Core
	httpban  *banset.Set
	counters *metrics.Counters
	settings config.Settings
	log      logging.Logger

	client       *http.Client
	directClient *http.Client
	fetch        *peerFetcher
	idle         *idleState

	// httpSrv holds the *httpserver.Server Overloaded consults, late-bound
	// via SetHTTPServer since its own construction depends on this
	// Coordinator's hooks.
	httpSrv atomic.Value

	lastPeerMu sync.Mutex
	lastPeer   string
}

// Deps bundles the already-constructed collaborators a Coordinator is built
// from; each is owned and lifecycle-managed by the caller (typically
// cmd/peerweaved's wiring code).
type Deps struct {
	Store    *cachefile.Store
	Partials *partial.Registry
	Disc     *discovery.Server
	Core     *peercrypt.Core
	HTTPBan  *banset.Set
	// Counters, if non-nil, receives cache hit/miss and peer-transfer byte
	// counts (§12 "Prometheus metrics endpoint"); nil disables counting.
	Counters *metrics.Counters
	Settings config.Settings
	Log      logging.Logger
}

// New constructs a Coordinator. Call New after disc has been constructed
// with this Coordinator set as its Responder (the two types' construction
// order is circular, so callers typically build disc with a late-bound
// Responder field, then call New, the same pattern the teacher's scheduler
// and loader use for their mutually referencing managers).
func New(deps Deps) *Coordinator {
	log := deps.Log
	if log == nil {
		log = logging.Discard()
	}
	concurrency := int64(deps.Settings.Limits.TryAllPeersCount)
	if concurrency < 1 {
		concurrency = 1
	}
	c := &Coordinator{
		store:    deps.Store,
		partials: deps.Partials,
		disc:     deps.Disc,
		core:     deps.Core,
		httpban:  deps.HTTPBan,
		counters: deps.Counters,
		settings: deps.Settings,
		log:      log,
		// Peer fetches resume transparently across a mid-stream read
		// failure instead of restarting the whole file, the same benefit
		// the teacher's resumable transport gave registry-pull downloads.
		client: &http.Client{
			Timeout:   deps.Settings.Limits.HTTPRequestTimeout,
			Transport: resumable.New(nil),
		},
		// Direct-mode fetches (§6 "Peer HTTP bearer (direct kind)") proxy an
		// arbitrary origin on a local client's behalf, so they get the
		// teacher's range-splitting transport instead: an origin large
		// enough to matter is also the one most likely to support ranges.
		directClient: &http.Client{
			Timeout:   deps.Settings.Limits.HTTPRequestTimeout,
			Transport: parallel.New(nil, parallel.WithTempDir(deps.Settings.Paths.TempDir)),
		},
		idle: newIdleState(),
	}
	c.fetch = &peerFetcher{
		client: c.client,
		core:   c.core,
		sem:    semaphore.NewWeighted(concurrency),
		log:    log,
	}
	return c
}

// rememberLastPeer records addr as the most recently successful peer, so a
// subsequent download can try it first (§4.7 step 4 "Last-peer shortcut").
func (c *Coordinator) rememberLastPeer(addr string) {
	c.lastPeerMu.Lock()
	c.lastPeer = addr
	c.lastPeerMu.Unlock()
}

func (c *Coordinator) getLastPeer() string {
	c.lastPeerMu.Lock()
	defer c.lastPeerMu.Unlock()
	return c.lastPeer
}

func (c *Coordinator) countCacheHit() {
	if c.counters == nil {
		return
	}
	c.counters.CacheHits.Add(1)
}

func (c *Coordinator) countBytesServed(n int64) {
	if c.counters == nil {
		return
	}
	c.counters.BytesServedToPeers.Add(n)
}

func (c *Coordinator) countCacheMiss() {
	if c.counters == nil {
		return
	}
	c.counters.CacheMisses.Add(1)
}

func (c *Coordinator) countBytesFetched(n int64) {
	if c.counters == nil {
		return
	}
	c.counters.BytesFetchedFromPeers.Add(n)
}

// refreshCacheEntriesGauge recomputes the permanent-store entry count after
// a commit, the same index already backing CacheCatalog.
func (c *Coordinator) refreshCacheEntriesGauge() {
	if c.counters == nil {
		return
	}
	entries, err := c.store.Catalog()
	if err != nil {
		return
	}
	c.counters.CacheEntries.Store(int64(len(entries)))
}

func minBytesFor(limits config.Limits, class cachefile.Class) int64 {
	if class == cachefile.Permanent {
		return limits.CachePermMinBytes
	}
	return limits.CacheTempMinBytes
}

func nowOrDefault(d time.Duration, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
