package netns

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeOps records every kernel-facing call in order.
type fakeOps struct {
	mu    sync.Mutex
	calls []string

	namespaces map[string]bool
	links      map[string]bool

	failCreateNS map[string]bool
	failVeth     map[string]bool
}

func newFakeOps() *fakeOps {
	return &fakeOps{
		namespaces:   make(map[string]bool),
		links:        make(map[string]bool),
		failCreateNS: make(map[string]bool),
		failVeth:     make(map[string]bool),
	}
}

func (f *fakeOps) record(format string, args ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeOps) ListNamespaces() ([]string, error) {
	var names []string
	for name := range f.namespaces {
		names = append(names, name)
	}
	return names, nil
}

func (f *fakeOps) DeleteNamespace(name string) error {
	f.record("delns %s", name)
	if !f.namespaces[name] {
		return errors.New("no such namespace")
	}
	delete(f.namespaces, name)
	return nil
}

func (f *fakeOps) CreateNamespace(name string) error {
	f.record("addns %s", name)
	if f.failCreateNS[name] {
		return errors.New("create refused")
	}
	f.namespaces[name] = true
	return nil
}

func (f *fakeOps) ListLinks() ([]string, error) {
	var names []string
	for name := range f.links {
		names = append(names, name)
	}
	return names, nil
}

func (f *fakeOps) DeleteLink(name string) error {
	f.record("dellink %s", name)
	if !f.links[name] {
		return errors.New("no such link")
	}
	delete(f.links, name)
	return nil
}

func (f *fakeOps) CreateVethPair(host, peer string) error {
	f.record("addveth %s %s", host, peer)
	if f.failVeth[host] {
		return errors.New("veth refused")
	}
	f.links[host] = true
	f.links[peer] = true
	return nil
}

func (f *fakeOps) MoveLinkToNamespace(link, ns string) error {
	f.record("move %s %s", link, ns)
	delete(f.links, link)
	return nil
}

func (f *fakeOps) ConfigureHostLink(link, cidr string) error {
	f.record("cfghost %s %s", link, cidr)
	return nil
}

func (f *fakeOps) ConfigureNamespaceLink(ns, link, cidr, gateway string) error {
	f.record("cfgns %s %s %s %s", ns, link, cidr, gateway)
	return nil
}

func (f *fakeOps) EnableIPForwarding() error {
	f.record("ipforward")
	return nil
}

func TestNamingConventions(t *testing.T) {
	if NamespaceName(3) != "ns3" {
		t.Errorf("NamespaceName = %q", NamespaceName(3))
	}
	if HostVethName(3) != "veth_ns_3_host" {
		t.Errorf("HostVethName = %q", HostVethName(3))
	}
	if PeerVethName(3) != "veth_ns_3_ns" {
		t.Errorf("PeerVethName = %q", PeerVethName(3))
	}
	if HostCIDR(3) != "10.200.3.1/24" || PeerCIDR(3) != "10.200.3.2/24" {
		t.Errorf("CIDRs = %q %q", HostCIDR(3), PeerCIDR(3))
	}
	if GatewayIP(3) != "10.200.3.1" {
		t.Errorf("GatewayIP = %q", GatewayIP(3))
	}
}

func TestInitializeBuildsPool(t *testing.T) {
	ops := newFakeOps()
	p := NewProvisioner(ops, 3)

	if err := p.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if p.Count() != 3 {
		t.Fatalf("count = %d, want 3", p.Count())
	}
	for i := 0; i < 3; i++ {
		if !ops.namespaces[NamespaceName(i)] {
			t.Errorf("namespace %s missing", NamespaceName(i))
		}
	}
}

func TestInitializeCleansStaleState(t *testing.T) {
	ops := newFakeOps()
	// Leftovers from a crashed run: namespaces and prefix-matching
	// links, plus an unrelated interface that must survive.
	ops.namespaces["ns0"] = true
	ops.namespaces["ns7"] = true
	ops.links["veth_ns_0_host"] = true
	ops.links["veth_ns_7_host"] = true
	ops.links["eth0"] = true

	p := NewProvisioner(ops, 1)
	if err := p.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	if ops.namespaces["ns7"] {
		t.Error("stale namespace ns7 survived")
	}
	if ops.links["veth_ns_7_host"] {
		t.Error("stale link veth_ns_7_host survived")
	}
	if !ops.links["eth0"] {
		t.Error("unrelated link eth0 was deleted")
	}
	if p.Count() != 1 {
		t.Fatalf("count = %d, want 1", p.Count())
	}
}

func TestInitializeSkipsFailedIndex(t *testing.T) {
	ops := newFakeOps()
	ops.failVeth[HostVethName(1)] = true

	p := NewProvisioner(ops, 3)
	if err := p.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if p.Count() != 2 {
		t.Fatalf("count = %d, want 2", p.Count())
	}
	if ops.namespaces[NamespaceName(1)] {
		t.Error("failed index left its namespace behind")
	}

	// Both healthy namespaces are acquirable; the failed one never is.
	seen := make(map[string]bool)
	for i := 0; i < 2; i++ {
		name, err := p.Acquire(context.Background())
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		seen[name] = true
	}
	if !seen["ns0"] || !seen["ns2"] {
		t.Fatalf("acquired = %v", seen)
	}
}

func TestAcquireBlocksUntilRelease(t *testing.T) {
	ops := newFakeOps()
	p := NewProvisioner(ops, 1)
	if err := p.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	name, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := p.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("blocked acquire err = %v", err)
	}

	p.Release(name)
	got, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	if got != name {
		t.Fatalf("got %q, want %q", got, name)
	}
}

func TestDoubleReleaseIsDropped(t *testing.T) {
	ops := newFakeOps()
	p := NewProvisioner(ops, 1)
	if err := p.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	name, _ := p.Acquire(context.Background())
	p.Release(name)
	p.Release(name) // must not panic or grow the queue

	if _, err := p.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := p.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("double release duplicated a namespace lease")
	}
}

func TestTeardownRemovesEverything(t *testing.T) {
	ops := newFakeOps()
	p := NewProvisioner(ops, 2)
	if err := p.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	p.Teardown()
	if p.Count() != 0 {
		t.Fatalf("count after teardown = %d", p.Count())
	}
	if len(ops.namespaces) != 0 {
		t.Fatalf("namespaces left: %v", ops.namespaces)
	}
}
