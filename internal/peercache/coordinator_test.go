package peercache

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"

	"github.com/nodeweave/nodeweave/internal/banset"
	"github.com/nodeweave/nodeweave/internal/cachefile"
	"github.com/nodeweave/nodeweave/internal/config"
	"github.com/nodeweave/nodeweave/internal/discovery"
	"github.com/nodeweave/nodeweave/internal/partial"
	"github.com/nodeweave/nodeweave/internal/peercrypt"
)

const testSecret = "nodeweave-test-shared-secret"

func newTestStore(t *testing.T, capMB int64) *cachefile.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := cachefile.New(cachefile.Options{
		TempDir:      filepath.Join(dir, "temp"),
		PermanentDir: filepath.Join(dir, "perm"),
		Sharded:      true,
		TempCapMB:    capMB,
	})
	require.NoError(t, err)
	return s
}

func newTestDiscoveryServer(t *testing.T, responder discovery.Responder) *discovery.Server {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	core, err := peercrypt.NewCore([]byte(testSecret))
	require.NoError(t, err)
	window, err := peercrypt.NewWindow()
	require.NoError(t, err)
	ban := banset.New(time.Minute)
	var uuid [16]byte
	copy(uuid[:], "test-node-uuid--")
	broadcastAddr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: conn.LocalAddr().(*net.UDPAddr).Port}
	return discovery.New(conn, core, window, ban, net.ParseIP("10.0.0.1"), uuid, broadcastAddr, discovery.Options{}, responder, nil)
}

// newTestCoordinator builds a Coordinator with real, disk-backed
// collaborators (store, partial registry) and a bound-but-not-running
// discovery server, mirroring how cmd/peerweaved wires the two together.
func newTestCoordinator(t *testing.T, settings config.Settings) *Coordinator {
	t.Helper()
	store := newTestStore(t, settings.Limits.CacheTempMaxMB)
	core, err := peercrypt.NewCore([]byte(testSecret))
	require.NoError(t, err)

	c := New(Deps{
		Store:    store,
		Partials: partial.New(),
		Core:     core,
		HTTPBan:  banset.New(time.Minute),
		Settings: settings,
	})
	c.disc = newTestDiscoveryServer(t, c)
	return c
}

func digestOf(data []byte) digest.Digest {
	return digest.FromBytes(data)
}
