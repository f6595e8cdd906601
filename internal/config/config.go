// Package config holds the plain settings structs shared by nodeweave's
// HTTP server and peer cache. Loading these from flags, environment
// variables, or a config file is out of scope here (see spec.md §1); this
// package only defines the fields and validates combinations, the way
// main.go in the teacher repo reads a handful of os.Getenv values into
// plain structs and hands them to the manager/scheduler constructors.
package config

import (
	"fmt"
	"time"
)

// InterfaceKind distinguishes how a network interface was detected, used
// both to report hardware kind on the wire (§3) and to filter candidate
// interfaces for UDP discovery (§6).
type InterfaceKind uint8

const (
	InterfaceUnknown InterfaceKind = iota
	InterfaceEthernet
	InterfaceWireless
	InterfaceLoopback
	InterfaceOther
)

// InterfaceFilter narrows which local interfaces the discovery server binds
// and broadcasts on (§6 "interface selection filter").
type InterfaceFilter struct {
	EthernetOnly    bool
	LocalOnly       bool
	RequireBroadcast bool
	IgnoreGateway   bool
	IgnoreKind      []InterfaceKind
	IgnoreSpeedsUnder uint32 // Mbit/s; 0 disables the filter.
}

// Options is the peer cache's options set (§6 "options set").
type Options struct {
	SubFolders        bool
	FirstResponse     bool
	TryLastPeer       bool
	TryAllPeers       bool
	BroadcastNotAlone bool
	NoServer          bool
	NoBanIP           bool
	SelfSignedHTTPS   bool
	VerboseLog        bool
	HTTPDirect        bool
}

// Limits is the peer cache's numeric limits set (§6 "numeric limits").
type Limits struct {
	MaxMBPerSecond          float64
	MaxActiveConnections    int
	BroadcastTimeout        time.Duration
	BroadcastMaxResponses   int
	TryAllPeersCount        int
	HTTPRequestTimeout      time.Duration
	BanMinutes              int
	CacheTempMaxMB          int64
	CacheTempMaxMinutes     int
	CacheTempMinBytes       int64
	CachePermMinBytes       int64
}

// Paths holds the on-disk layout (§6 "Local file layout").
type Paths struct {
	TempDir string
	PermDir string
}

// Settings is the top-level configuration record for a nodeweave node. It
// groups the router/HTTP-server knobs the teacher's main.go reads from the
// environment with the peer cache's dedicated settings class (§6).
type Settings struct {
	// UDPPort is the discovery server's bound UDP port.
	UDPPort int
	// TCPPort is the HTTP server's bound TCP port.
	TCPPort int

	InterfaceFilter InterfaceFilter
	Options         Options
	Limits          Limits
	Paths           Paths

	// SharedSecret seeds the peer crypt core's key derivation (§4.5). It must
	// be identical across every peer in the broadcast domain.
	SharedSecret []byte

	// NodeUUID overrides the random sender UUID (§6 "optional UUID override").
	// A zero-value UUID means "generate one at startup".
	NodeUUID [16]byte

	// MaxHeaderBytes bounds header-parse buffering (§4.2).
	MaxHeaderBytes int
	// MaxBodyBytes bounds Content-Length admission (§4.2 admission check #2).
	MaxBodyBytes int64
	// SendBufferSize is the chunk size used when streaming static files (§4.2).
	SendBufferSize int
	// KeepAliveIdleTimeout is the idle timeout for a kept-alive connection (§5).
	KeepAliveIdleTimeout time.Duration
	// HeaderReadTimeout bounds the time to read a full request's headers; 0
	// disables the timeout (§5).
	HeaderReadTimeout time.Duration

	// WorkerPoolSize controls the short-exchange worker pool (§4.4):
	// negative disables pooling (accept-thread-only), 0 spawns a dedicated
	// worker per connection, positive is a bounded pool size.
	WorkerPoolSize int
	// MaxDedicatedWorkers caps workers promoted for keep-alive/large-body/
	// upgraded connections (§4.4).
	MaxDedicatedWorkers int
	// AcceptQueueSize bounds the pool's connection queue (§4.4, §5 backpressure).
	AcceptQueueSize int

	// ServerName is sent in every response's Server header (§6).
	ServerName string
	// XPoweredBy, if non-empty, is sent as X-Powered-By (§4.2).
	XPoweredBy string
	// SendDateHeader toggles the Date response header (§4.2).
	SendDateHeader bool

	// ProxyIPHeader, if set, is consulted for the client's real IP ahead of
	// the socket peer address (§4.2).
	ProxyIPHeader string
	// ConnectionIDHeader, if set, is consulted for a caller-supplied
	// connection ID ahead of the internal sequence counter (§4.2).
	ConnectionIDHeader string

	// Ban40xOnHTTP enables hsoBan40xIP (§4.4).
	Ban40xOnHTTP bool
	// HTTPBanTTL is the fixed short TTL used for the HTTP-level ban set (§3).
	HTTPBanTTL time.Duration
	// UDPBanTTL is the configurable TTL for the UDP-level ban set (§3, §6).
	UDPBanTTL time.Duration
}

// Validate reports inconsistent option combinations the way the teacher's
// design notes ask settings objects to (§9 "Config objects").
func (s *Settings) Validate() error {
	if s.TCPPort < 0 || s.TCPPort > 65535 {
		return fmt.Errorf("config: invalid TCP port %d", s.TCPPort)
	}
	if s.UDPPort < 0 || s.UDPPort > 65535 {
		return fmt.Errorf("config: invalid UDP port %d", s.UDPPort)
	}
	if len(s.SharedSecret) == 0 && !s.Options.NoServer {
		return fmt.Errorf("config: shared secret is required unless Options.NoServer is set")
	}
	if s.Options.SelfSignedHTTPS && !s.Options.NoServer && s.Paths.PermDir == "" {
		// Self-signed TLS material generation is explicitly out of scope
		// (spec.md §1); we only refuse a combination that would need it with
		// nowhere to look for operator-provided certificates.
		return fmt.Errorf("config: self-signed HTTPS requires Paths.PermDir to hold operator-provided certificate material")
	}
	if s.Limits.CacheTempMaxMB < 0 {
		return fmt.Errorf("config: CacheTempMaxMB must be non-negative")
	}
	if s.Limits.TryAllPeersCount < 1 {
		return fmt.Errorf("config: TryAllPeersCount must be at least 1")
	}
	if s.WorkerPoolSize > 0 && s.AcceptQueueSize <= 0 {
		return fmt.Errorf("config: AcceptQueueSize must be positive when WorkerPoolSize > 0")
	}
	return nil
}

// Default returns a Settings populated with the same conservative defaults
// used throughout §5 (30s keep-alive idle, 5s HTTP peer request timeout,
// 10ms broadcast wait default, etc). There is no separate connect timeout:
// HTTPRequestTimeout bounds the whole peer request.
func Default() Settings {
	return Settings{
		UDPPort:              7946,
		TCPPort:              8080,
		MaxHeaderBytes:       16 * 1024,
		MaxBodyBytes:         64 * 1024 * 1024,
		SendBufferSize:       64 * 1024,
		KeepAliveIdleTimeout: 30 * time.Second,
		HeaderReadTimeout:    10 * time.Second,
		WorkerPoolSize:       64,
		MaxDedicatedWorkers:  256,
		AcceptQueueSize:      1024,
		ServerName:           "nodeweave",
		SendDateHeader:       true,
		Ban40xOnHTTP:         true,
		HTTPBanTTL:           5 * time.Second,
		UDPBanTTL:            10 * time.Minute,
		Limits: Limits{
			MaxActiveConnections:  512,
			BroadcastTimeout:      10 * time.Millisecond,
			BroadcastMaxResponses: 4,
			TryAllPeersCount:      3,
			HTTPRequestTimeout:    5 * time.Second,
			BanMinutes:            10,
			CacheTempMaxMB:        4096,
			CacheTempMaxMinutes:   60,
		},
	}
}
