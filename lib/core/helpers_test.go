package core

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/meshpay/meshd/lib/accounting"
	"github.com/meshpay/meshd/lib/babel"
	"github.com/meshpay/meshd/lib/discovery"
	apperrors "github.com/meshpay/meshd/lib/errors"
	"github.com/meshpay/meshd/lib/kernel"
)

// testNodeCounter is used to generate unique node names for tests.
var testNodeCounter atomic.Uint64

// testConfig creates a configuration that binds nothing on the host: no
// metrics listener, a temp data dir and a unique node name.
func testConfig(t *testing.T) *Config {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Node.DataDir = t.TempDir()
	cfg.Node.Name = fmt.Sprintf("test-node-%d", testNodeCounter.Add(1))
	cfg.Network.MeshIP = "fd00::100"
	cfg.Metrics.Enabled = false
	return cfg
}

// testDeps returns collaborators that never touch the host.
func testDeps(mock *clock.Mock, session *fakeSession, counters *fakeCounters) Deps {
	return Deps{
		Clock:    mock,
		Kernel:   segmentKernel{},
		Binder:   newSegment().binder(),
		Counters: counters,
		Routes: accounting.RouteSourceFunc(func(context.Context) (accounting.RouteSession, error) {
			return session, nil
		}),
	}
}

// cleanupNode stops a running node with a bounded wait.
func cleanupNode(t *testing.T, node *Node) {
	t.Helper()

	if node == nil || node.State() != StateRunning {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := node.Stop(ctx); err != nil {
		t.Logf("Warning: Stop failed during cleanup: %v", err)
	}
}

// waitFor polls cond until it holds or a deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func mustKey(t *testing.T) wgtypes.Key {
	t.Helper()
	k, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey() error = %v", err)
	}
	return k
}

// fakeSession is a babeld session with a fixed fee and route table.
type fakeSession struct {
	mu           sync.Mutex
	fee          uint32
	routes       []babel.Route
	metricFactor uint32
}

func (s *fakeSession) LocalFee() (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fee, nil
}

func (s *fakeSession) SetLocalFee(fee uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fee = fee
	return nil
}

func (s *fakeSession) SetMetricFactor(factor uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metricFactor = factor
	return nil
}

func (s *fakeSession) Routes() ([]babel.Route, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]babel.Route(nil), s.routes...), nil
}

func (s *fakeSession) Close() error { return nil }

// fakeCounters is a WireGuard device whose peers' counters grow by a fixed
// step on every read.
type fakeCounters struct {
	mu    sync.Mutex
	peers map[wgtypes.Key]kernel.WgUsage
	step  kernel.WgUsage
}

func newFakeCounters(step kernel.WgUsage, keys ...wgtypes.Key) *fakeCounters {
	c := &fakeCounters{peers: make(map[wgtypes.Key]kernel.WgUsage), step: step}
	for _, k := range keys {
		c.peers[k] = kernel.WgUsage{}
	}
	return c
}

func (c *fakeCounters) ReadCounters(string) (map[wgtypes.Key]kernel.WgUsage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[wgtypes.Key]kernel.WgUsage, len(c.peers))
	for k, u := range c.peers {
		u.Upload += c.step.Upload
		u.Download += c.step.Download
		c.peers[k] = u
		out[k] = u
	}
	return out, nil
}

func (c *fakeCounters) ClientsOnline(string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.peers), nil
}

// segment is a shared link: every datagram sent to the multicast group is
// queued on every multicast socket bound on the segment.
type segment struct {
	mu        sync.Mutex
	receivers []*segmentConn
}

func newSegment() *segment { return &segment{} }

func (s *segment) binder() *segmentBinder {
	return &segmentBinder{segment: s}
}

func (s *segment) deliver(data []byte, from netip.AddrPort) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.receivers {
		r.push(data, from)
	}
}

type segmentBinder struct {
	segment *segment
}

func (b *segmentBinder) Bind(local netip.AddrPort, group netip.Addr, _ uint32) (discovery.PacketConn, error) {
	c := &segmentConn{segment: b.segment, local: local}
	if local.Addr().WithZone("") == group {
		b.segment.mu.Lock()
		b.segment.receivers = append(b.segment.receivers, c)
		b.segment.mu.Unlock()
	}
	return c, nil
}

type segmentConn struct {
	mu      sync.Mutex
	segment *segment
	local   netip.AddrPort
	queue   [][]byte
	from    []netip.AddrPort
	closed  bool
}

func (c *segmentConn) push(data []byte, from netip.AddrPort) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.queue = append(c.queue, append([]byte(nil), data...))
	c.from = append(c.from, from)
}

func (c *segmentConn) ReadFrom(buf []byte) (int, netip.AddrPort, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, netip.AddrPort{}, false, apperrors.ErrClosed
	}
	if len(c.queue) == 0 {
		return 0, netip.AddrPort{}, false, apperrors.ErrWouldBlock
	}
	data, from := c.queue[0], c.from[0]
	c.queue, c.from = c.queue[1:], c.from[1:]
	n := copy(buf, data)
	return n, from, len(data) > len(buf), nil
}

func (c *segmentConn) WriteTo(b []byte, _ netip.AddrPort) error {
	c.segment.deliver(b, c.local)
	return nil
}

func (c *segmentConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// segmentKernel resolves "lanN" to fe80::N with index N.
type segmentKernel struct{}

func (segmentKernel) LinkLocalIP(ifname string) (netip.Addr, error) {
	var n int
	if _, err := fmt.Sscanf(ifname, "lan%d", &n); err != nil {
		return netip.Addr{}, fmt.Errorf("%s: %w", ifname, apperrors.ErrNotFound)
	}
	return netip.MustParseAddr(fmt.Sprintf("fe80::%x", n)), nil
}

func (segmentKernel) InterfaceIndex(ifname string) (uint32, error) {
	var n uint32
	if _, err := fmt.Sscanf(ifname, "lan%d", &n); err != nil {
		return 0, fmt.Errorf("%s: %w", ifname, apperrors.ErrNotFound)
	}
	return n, nil
}
