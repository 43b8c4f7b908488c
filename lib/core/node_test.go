package core

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	apperrors "github.com/meshpay/meshd/lib/errors"
	"github.com/meshpay/meshd/lib/identity"
	"github.com/meshpay/meshd/lib/kernel"
	"github.com/meshpay/meshd/lib/usage"
)

func newTestNode(t *testing.T, cfg *Config) (*Node, *clock.Mock, *fakeSession) {
	t.Helper()

	mock := clock.NewMock()
	session := &fakeSession{fee: 10}
	node, err := NewNodeWithDeps(cfg, nil, testDeps(mock, session, newFakeCounters(kernel.WgUsage{})))
	if err != nil {
		t.Fatalf("NewNodeWithDeps failed: %v", err)
	}
	t.Cleanup(func() { cleanupNode(t, node) })
	return node, mock, session
}

func TestNewNode_RequiresConfig(t *testing.T) {
	_, err := NewNode(nil, nil)
	if !errors.Is(err, apperrors.ErrNodeConfigRequired) {
		t.Errorf("NewNode(nil) error = %v, want ErrNodeConfigRequired", err)
	}
}

func TestNewNode_ValidatesConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Node.Name = "" // Invalid

	_, err := NewNode(cfg, nil)
	if !errors.Is(err, apperrors.ErrNodeInvalidConfig) {
		t.Errorf("NewNode() error = %v, want ErrNodeInvalidConfig", err)
	}
	if !errors.Is(err, apperrors.ErrConfiguration) {
		t.Errorf("NewNode() error = %v, want it to match ErrConfiguration", err)
	}
}

func TestNewNode_Success(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Node.DataDir = t.TempDir()

	node, err := NewNode(cfg, slog.Default())
	if err != nil {
		t.Fatalf("NewNode failed: %v", err)
	}

	if node.State() != StateInitial {
		t.Errorf("initial state should be StateInitial, got %s", node.State())
	}
	if node.Uptime() != 0 {
		t.Errorf("Uptime() before Start = %v, want 0", node.Uptime())
	}
}

func TestNode_StartAndStop(t *testing.T) {
	node, mock, _ := newTestNode(t, testConfig(t))
	ctx := context.Background()

	if err := node.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if node.State() != StateRunning {
		t.Errorf("state after Start should be StateRunning, got %s", node.State())
	}
	if !node.StartedAt().Equal(mock.Now()) {
		t.Errorf("StartedAt() = %v, want %v", node.StartedAt(), mock.Now())
	}
	mock.Add(time.Minute)
	if node.Uptime() != time.Minute {
		t.Errorf("Uptime() = %v, want 1m", node.Uptime())
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := node.Stop(stopCtx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if node.State() != StateStopped {
		t.Errorf("state after Stop should be StateStopped, got %s", node.State())
	}
	select {
	case <-node.Done():
	default:
		t.Error("Done() should be closed after Stop")
	}
}

func TestNode_CannotStartTwice(t *testing.T) {
	node, _, _ := newTestNode(t, testConfig(t))
	ctx := context.Background()

	if err := node.Start(ctx); err != nil {
		t.Fatalf("First Start failed: %v", err)
	}

	if err := node.Start(ctx); !errors.Is(err, apperrors.ErrNodeInvalidState) {
		t.Errorf("second Start() error = %v, want ErrNodeInvalidState", err)
	}
}

func TestNode_CannotStopWhenNotRunning(t *testing.T) {
	node, _, _ := newTestNode(t, testConfig(t))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := node.Stop(ctx); !errors.Is(err, apperrors.ErrNodeInvalidState) {
		t.Errorf("Stop() without Start error = %v, want ErrNodeInvalidState", err)
	}
}

func TestNode_RestartKeepsKey(t *testing.T) {
	node, _, _ := newTestNode(t, testConfig(t))
	ctx := context.Background()

	if err := node.Start(ctx); err != nil {
		t.Fatalf("First Start failed: %v", err)
	}
	first, ok := node.PublicKey()
	if !ok {
		t.Fatal("PublicKey() not available while running")
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := node.Stop(stopCtx); err != nil {
		cancel()
		t.Fatalf("First Stop failed: %v", err)
	}
	cancel()

	if _, ok := node.PublicKey(); ok {
		t.Error("PublicKey() should be unavailable while stopped")
	}

	if err := node.Start(ctx); err != nil {
		t.Fatalf("Second Start failed: %v", err)
	}
	second, _ := node.PublicKey()
	if first != second {
		t.Errorf("PublicKey() after restart = %s, want %s", second, first)
	}
}

func TestNode_Config(t *testing.T) {
	cfg := testConfig(t)
	cfg.Node.Name = "test-config-node"

	node, _, _ := newTestNode(t, cfg)

	if got := node.Config(); got.Node.Name != cfg.Node.Name {
		t.Errorf("Config().Node.Name = %q, want %q", got.Node.Name, cfg.Node.Name)
	}
}

func TestNode_StateChangeCallback(t *testing.T) {
	node, _, _ := newTestNode(t, testConfig(t))

	var (
		mu          sync.Mutex
		transitions []NodeState
	)
	node.SetOnStateChange(func(_, newState NodeState) {
		mu.Lock()
		transitions = append(transitions, newState)
		mu.Unlock()
	})

	ctx := context.Background()
	if err := node.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := node.Stop(stopCtx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []NodeState{StateStarting, StateRunning, StateStopping, StateStopped}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, transitions[i], want[i])
		}
	}
}

func TestNode_StartFailureReportsError(t *testing.T) {
	cfg := testConfig(t)

	// A file where the data directory should be makes EnsureDataDir fail.
	blocker := cfg.DataPath("blocker")
	if err := os.WriteFile(blocker, nil, 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	cfg.Node.DataDir = blocker

	node, _, _ := newTestNode(t, cfg)

	var reported error
	node.SetOnError(func(err error, _ string) { reported = err })

	if err := node.Start(context.Background()); err == nil {
		t.Fatal("Start should fail when the data directory cannot be created")
	}
	if reported == nil {
		t.Error("error callback was not invoked")
	}
	if node.State() != StateStopped {
		t.Errorf("state after failed Start = %s, want %s", node.State(), StateStopped)
	}
}

func TestNode_PushesMetricFactor(t *testing.T) {
	cfg := testConfig(t)
	cfg.Network.MetricFactor = 1234

	node, _, session := newTestNode(t, cfg)
	if err := node.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	session.mu.Lock()
	defer session.mu.Unlock()
	if session.metricFactor != 1234 {
		t.Errorf("metric factor = %d, want 1234", session.metricFactor)
	}
}

func TestNode_AccessorsRequireRunning(t *testing.T) {
	node, _, _ := newTestNode(t, testConfig(t))

	if node.Peers() != nil {
		t.Error("Peers() before Start should be nil")
	}
	if node.Debts() != nil {
		t.Error("Debts() before Start should be nil")
	}
	if got := node.Usage(usage.KindExit); got != (usage.Totals{}) {
		t.Errorf("Usage() before Start = %+v, want zero", got)
	}
	if err := node.Listen("lan1"); err == nil {
		t.Error("Listen() before Start should fail")
	}
	if err := node.Unlisten("lan1"); err == nil {
		t.Error("Unlisten() before Start should fail")
	}
	if err := node.ReplaceClients(nil); err == nil {
		t.Error("ReplaceClients() before Start should fail")
	}
}

func TestNode_ListenAndUnlisten(t *testing.T) {
	node, _, _ := newTestNode(t, testConfig(t))
	if err := node.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if err := node.Listen("lan3"); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	if err := node.Listen("lan3"); err == nil {
		t.Error("second Listen() on the same interface should fail")
	}
	if err := node.Listen("eth0"); err == nil {
		t.Error("Listen() on an unresolvable interface should fail")
	}
	if err := node.Unlisten("lan3"); err != nil {
		t.Errorf("Unlisten() error = %v", err)
	}
	if err := node.Unlisten("lan3"); err == nil {
		t.Error("Unlisten() of an unknown interface should fail")
	}
}

func TestNode_ReplaceClients(t *testing.T) {
	node, _, _ := newTestNode(t, testConfig(t))
	if err := node.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	good := []identity.ClientEntry{{WgPublicKey: mustKey(t).PublicKey().String(), MeshIP: "fd00::1"}}
	if err := node.ReplaceClients(good); err != nil {
		t.Fatalf("ReplaceClients() error = %v", err)
	}
	if len(node.Config().Clients) != 1 {
		t.Errorf("Config().Clients has %d entries, want 1", len(node.Config().Clients))
	}

	bad := []identity.ClientEntry{{WgPublicKey: "garbage", MeshIP: "fd00::2"}}
	if err := node.ReplaceClients(bad); err == nil {
		t.Error("ReplaceClients() with a bad key should fail")
	}
	if len(node.Config().Clients) != 1 {
		t.Error("failed ReplaceClients() should leave the client list unchanged")
	}
}

func TestNode_ReplaceClientsRequiresRunning(t *testing.T) {
	node, _, _ := newTestNode(t, testConfig(t))

	err := node.ReplaceClients(nil)
	if !errors.Is(err, apperrors.ErrNodeInvalidState) {
		t.Errorf("ReplaceClients() before Start error = %v, want ErrNodeInvalidState", err)
	}
	if err := node.Listen("eth0"); !errors.Is(err, apperrors.ErrNodeInvalidState) {
		t.Errorf("Listen() before Start error = %v, want ErrNodeInvalidState", err)
	}
}

func TestNode_UserspaceTunnelPeersFollowClients(t *testing.T) {
	first := mustKey(t).PublicKey()
	second := mustKey(t).PublicKey()

	cfg := testConfig(t)
	cfg.Network.UserspaceTunnel = true
	cfg.Exit.ListenPort = 0
	cfg.Clients = []identity.ClientEntry{{WgPublicKey: first.String(), MeshIP: "fd00::1"}}

	mock := clock.NewMock()
	deps := testDeps(mock, &fakeSession{fee: 10}, nil)
	deps.Counters = nil
	node, err := NewNodeWithDeps(cfg, nil, deps)
	if err != nil {
		t.Fatalf("NewNodeWithDeps failed: %v", err)
	}
	t.Cleanup(func() { cleanupNode(t, node) })

	if err := node.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	tunnel := node.components().tunnel
	if tunnel == nil {
		t.Fatal("userspace node has no tunnel")
	}
	devicePeers := func() map[wgtypes.Key]kernel.WgUsage {
		t.Helper()
		counters, err := tunnel.ReadCounters("")
		if err != nil {
			t.Fatalf("ReadCounters() error = %v", err)
		}
		return counters
	}

	peers := devicePeers()
	if len(peers) != 1 {
		t.Errorf("tunnel has %d peers, want 1", len(peers))
	}
	if _, ok := peers[first]; !ok {
		t.Error("configured client is not a tunnel peer")
	}

	err = node.ReplaceClients([]identity.ClientEntry{{WgPublicKey: second.String(), MeshIP: "fd00::2"}})
	if err != nil {
		t.Fatalf("ReplaceClients() error = %v", err)
	}
	peers = devicePeers()
	if _, ok := peers[first]; ok {
		t.Error("removed client is still a tunnel peer")
	}
	if _, ok := peers[second]; !ok {
		t.Error("new client is not a tunnel peer")
	}
}
