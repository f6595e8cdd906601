// Command peerweaved runs one nodeweave peer: the UDP discovery server, the
// HTTP cache server, and the coordinator tying them to the on-disk cache.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/google/uuid"

	"github.com/nodeweave/nodeweave/internal/banset"
	"github.com/nodeweave/nodeweave/internal/cachefile"
	"github.com/nodeweave/nodeweave/internal/config"
	"github.com/nodeweave/nodeweave/internal/discovery"
	"github.com/nodeweave/nodeweave/internal/httpserver"
	"github.com/nodeweave/nodeweave/internal/logging"
	"github.com/nodeweave/nodeweave/internal/metrics"
	"github.com/nodeweave/nodeweave/internal/partial"
	"github.com/nodeweave/nodeweave/internal/peercache"
	"github.com/nodeweave/nodeweave/internal/peercrypt"
)

var log = logging.New()

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	settings := settingsFromEnv()
	if err := settings.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	core, err := peercrypt.NewCore(settings.SharedSecret)
	if err != nil {
		log.Fatalf("unable to initialize peer crypt core: %v", err)
	}

	window, err := peercrypt.NewWindow()
	if err != nil {
		log.Fatalf("unable to initialize sequence window: %v", err)
	}

	store, err := cachefile.New(cachefile.Options{
		TempDir:      settings.Paths.TempDir,
		PermanentDir: settings.Paths.PermDir,
		Sharded:      settings.Options.SubFolders,
		TempCapMB:    settings.Limits.CacheTempMaxMB,
	})
	if err != nil {
		log.Fatalf("unable to initialize cache store: %v", err)
	}

	partials := partial.New()
	counters := metrics.New()

	iface, selfIP, broadcastAddr, err := selectInterface(settings.InterfaceFilter)
	if err != nil {
		log.Fatalf("unable to select a network interface: %v", err)
	}
	broadcastAddr.Port = settings.UDPPort
	log.Infof("bound to interface %s (%s), broadcasting to %s", iface.Name, selfIP, broadcastAddr)

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: settings.UDPPort})
	if err != nil {
		log.Fatalf("unable to bind UDP port %d: %v", settings.UDPPort, err)
	}

	nodeUUID := settings.NodeUUID
	if nodeUUID == ([16]byte{}) {
		nodeUUID = uuid.New()
	}

	// disc's Responder must exist before disc itself, but the responder
	// (the coordinator below) needs disc to drive broadcasts. responderProxy
	// breaks the cycle the same way the coordinator's own New doc comment
	// describes: build disc with a stand-in Responder, then point the
	// stand-in at the real coordinator once it exists, all before either
	// server's Run loop starts.
	proxy := &responderProxy{}

	udpBan := banset.New(settings.UDPBanTTL)
	disc := discovery.New(conn, core, window, udpBan, selfIP, nodeUUID, broadcastAddr, discovery.Options{
		FirstResponse:     settings.Options.FirstResponse,
		BroadcastNotAlone: settings.Options.BroadcastNotAlone,
		NoBanIP:           settings.Options.NoBanIP,
	}, proxy, log)
	disc.SetCounters(counters)

	httpBan := banset.New(settings.HTTPBanTTL)

	coordinator := peercache.New(peercache.Deps{
		Store:    store,
		Partials: partials,
		Disc:     disc,
		Core:     core,
		HTTPBan:  httpBan,
		Counters: counters,
		Settings: settings,
		Log:      log,
	})
	proxy.c = coordinator

	srv := httpserver.New(settings, &httpserver.Hooks{
		OnBeforeBody: coordinator.OnBeforeBody,
		OnRequest:    coordinator.OnRequest,
		OnIdle:       coordinator.OnIdle,
	}, log)
	srv.SetBanSet(httpBan)
	srv.SetCounters(counters)
	coordinator.SetHTTPServer(srv)

	if err := srv.RegisterCallback("GET", "/metrics", metrics.Callback(counters)); err != nil {
		log.Fatalf("unable to register /metrics route: %v", err)
	}
	if err := srv.RegisterCallback("GET", "/_cache", coordinator.CacheCatalog); err != nil {
		log.Fatalf("unable to register /_cache route: %v", err)
	}

	discErrors := make(chan error, 1)
	go func() { discErrors <- disc.Run(ctx) }()

	httpErrors := make(chan error, 1)
	go func() { httpErrors <- srv.Listen() }()

	log.Infof("peerweaved listening: udp=%d tcp=%d", settings.UDPPort, settings.TCPPort)

	select {
	case err := <-httpErrors:
		if err != nil {
			log.Errorf("http server error: %v", err)
		}
	case err := <-discErrors:
		if err != nil {
			log.Errorf("discovery server error: %v", err)
		}
	case <-ctx.Done():
		log.Infoln("shutdown signal received")
	}

	if err := srv.Shutdown(); err != nil {
		log.Errorf("http server shutdown error: %v", err)
	}
	conn.Close()
	log.Infoln("peerweaved stopped")
}

// responderProxy forwards discovery.Responder calls to a *peercache.
// Coordinator set after disc is constructed. Both the discovery server and
// the coordinator finish construction before either's Run loop starts, so
// no further synchronization is needed once c is assigned.
type responderProxy struct {
	c *peercache.Coordinator
}

func (p *responderProxy) Lookup(m *peercrypt.Message) (peercrypt.Kind, int64) { return p.c.Lookup(m) }
func (p *responderProxy) Overloaded() bool                                    { return p.c.Overloaded() }

// settingsFromEnv reads the handful of NODEWEAVE_* environment variables
// this node cares about into config.Default()'s conservative base, the way
// the teacher's main.go layers os.Getenv reads over its hardcoded defaults.
func settingsFromEnv() config.Settings {
	s := config.Default()

	if v := os.Getenv("NODEWEAVE_UDP_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			s.UDPPort = p
		}
	}
	if v := os.Getenv("NODEWEAVE_TCP_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			s.TCPPort = p
		}
	}
	if v := os.Getenv("NODEWEAVE_SHARED_SECRET"); v != "" {
		s.SharedSecret = []byte(v)
	}
	s.Paths.TempDir = envOr("NODEWEAVE_TEMP_DIR", "/var/lib/nodeweave/temp")
	s.Paths.PermDir = envOr("NODEWEAVE_PERM_DIR", "/var/lib/nodeweave/cache")

	if _, ok := os.LookupEnv("NODEWEAVE_NO_BAN_IP"); ok {
		s.Options.NoBanIP = true
	}
	if _, ok := os.LookupEnv("NODEWEAVE_SUB_FOLDERS"); ok {
		s.Options.SubFolders = true
	}
	if _, ok := os.LookupEnv("NODEWEAVE_TRY_LAST_PEER"); ok {
		s.Options.TryLastPeer = true
	}
	if _, ok := os.LookupEnv("NODEWEAVE_BROADCAST_NOT_ALONE"); ok {
		s.Options.BroadcastNotAlone = true
	}
	if v := os.Getenv("NODEWEAVE_MAX_MB_PER_SECOND"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			s.Limits.MaxMBPerSecond = f
		}
	}

	return s
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

// selectInterface picks the first up interface carrying an IPv4 address
// (§6 "interface selection filter"): a loopback interface when
// filter.LocalOnly is set, otherwise a non-loopback one, which must also
// have the broadcast flag when filter.RequireBroadcast is set.
func selectInterface(filter config.InterfaceFilter) (net.Interface, net.IP, *net.UDPAddr, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return net.Interface{}, nil, nil, fmt.Errorf("listing interfaces: %w", err)
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		isLoopback := iface.Flags&net.FlagLoopback != 0
		if isLoopback && !filter.LocalOnly {
			continue
		}
		if !isLoopback && filter.LocalOnly {
			continue
		}
		if filter.RequireBroadcast && iface.Flags&net.FlagBroadcast == 0 && !isLoopback {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipNet.IP.To4()
			if ip4 == nil {
				continue
			}
			mask := ipNet.Mask
			if len(mask) == net.IPv6len {
				mask = mask[12:]
			}
			broadcast := broadcastAddrFor(ip4, mask)
			return iface, ip4, &net.UDPAddr{IP: broadcast, Port: 0}, nil
		}
	}

	return net.Interface{}, nil, nil, fmt.Errorf("no usable interface found")
}

func broadcastAddrFor(ip net.IP, mask net.IPMask) net.IP {
	bcast := make(net.IP, len(ip))
	for i := range ip {
		bcast[i] = ip[i] | ^mask[i]
	}
	return bcast
}
