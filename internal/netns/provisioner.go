package netns

import (
	"context"
	"fmt"
	"log"
	"strings"
)

const (
	// vethPrefix marks every interface the provisioner owns; anything
	// on the host matching it is ours to delete during initialization.
	vethPrefix = "veth_ns_"

	subnetSecondOctet = 200
)

// NamespaceName returns the namespace name for pool index i.
func NamespaceName(i int) string {
	return fmt.Sprintf("ns%d", i)
}

// HostVethName returns the host-side veth name for pool index i.
func HostVethName(i int) string {
	return fmt.Sprintf("%s%d_host", vethPrefix, i)
}

// PeerVethName returns the namespace-side veth name for pool index i.
func PeerVethName(i int) string {
	return fmt.Sprintf("%s%d_ns", vethPrefix, i)
}

// HostCIDR returns the host-side address for pool index i.
func HostCIDR(i int) string {
	return fmt.Sprintf("10.%d.%d.1/24", subnetSecondOctet, i)
}

// PeerCIDR returns the namespace-side address for pool index i.
func PeerCIDR(i int) string {
	return fmt.Sprintf("10.%d.%d.2/24", subnetSecondOctet, i)
}

// GatewayIP returns the namespace's default gateway (the host end).
func GatewayIP(i int) string {
	return fmt.Sprintf("10.%d.%d.1", subnetSecondOctet, i)
}

// Provisioner owns up to size namespaces and leases them FIFO.
type Provisioner struct {
	ops  Ops
	size int

	avail       chan string
	provisioned []int // successfully built pool indices
}

// NewProvisioner creates a Provisioner for up to size namespaces.
// Call Initialize before Acquire.
func NewProvisioner(ops Ops, size int) *Provisioner {
	return &Provisioner{
		ops:   ops,
		size:  size,
		avail: make(chan string, size),
	}
}

// Initialize performs idempotent host setup: tears down every existing
// named namespace and every stale interface with the provisioner's
// prefix, enables IPv4 forwarding, then builds the pool. A failure
// while building one namespace rolls back that namespace only; the
// remaining indices still go through.
func (p *Provisioner) Initialize(ctx context.Context) error {
	if err := p.cleanupStale(); err != nil {
		return err
	}

	if err := p.ops.EnableIPForwarding(); err != nil {
		return err
	}

	for i := 0; i < p.size; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.buildNamespace(i); err != nil {
			log.Printf("[netns] build %s failed, skipping index: %v", NamespaceName(i), err)
			p.rollbackNamespace(i)
			continue
		}
		p.provisioned = append(p.provisioned, i)
		p.avail <- NamespaceName(i)
	}

	log.Printf("[netns] provisioned %d/%d namespaces", len(p.provisioned), p.size)
	return nil
}

// Count returns how many namespaces were successfully provisioned.
func (p *Provisioner) Count() int {
	return len(p.provisioned)
}

// Acquire returns a free namespace name, blocking until one is
// available or ctx is done. FIFO ordering.
func (p *Provisioner) Acquire(ctx context.Context) (string, error) {
	select {
	case name := <-p.avail:
		return name, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Release returns a namespace to the back of the queue.
func (p *Provisioner) Release(name string) {
	select {
	case p.avail <- name:
	default:
		// Queue capacity equals pool size; overflow means a double
		// release. Dropping it preserves the at-most-once lease invariant.
		log.Printf("[netns] dropped double release of %s", name)
	}
}

// Teardown deletes every provisioned namespace and its host veth.
func (p *Provisioner) Teardown() {
	for _, i := range p.provisioned {
		p.rollbackNamespace(i)
	}
	p.provisioned = nil
	for {
		select {
		case <-p.avail:
		default:
			return
		}
	}
}

// cleanupStale removes leftovers from previous runs.
func (p *Provisioner) cleanupStale() error {
	names, err := p.ops.ListNamespaces()
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := p.ops.DeleteNamespace(name); err != nil {
			log.Printf("[netns] delete stale namespace %s: %v", name, err)
		}
	}

	links, err := p.ops.ListLinks()
	if err != nil {
		return err
	}
	for _, link := range links {
		if !strings.HasPrefix(link, vethPrefix) {
			continue
		}
		if err := p.ops.DeleteLink(link); err != nil {
			log.Printf("[netns] delete stale link %s: %v", link, err)
		}
	}
	return nil
}

// buildNamespace creates and wires one namespace end to end.
func (p *Provisioner) buildNamespace(i int) error {
	ns := NamespaceName(i)
	host := HostVethName(i)
	peer := PeerVethName(i)

	if err := p.ops.CreateNamespace(ns); err != nil {
		return err
	}
	if err := p.ops.CreateVethPair(host, peer); err != nil {
		return err
	}
	if err := p.ops.MoveLinkToNamespace(peer, ns); err != nil {
		return err
	}
	if err := p.ops.ConfigureHostLink(host, HostCIDR(i)); err != nil {
		return err
	}
	if err := p.ops.ConfigureNamespaceLink(ns, peer, PeerCIDR(i), GatewayIP(i)); err != nil {
		return err
	}
	return nil
}

// rollbackNamespace tears down whatever part of index i exists. Errors
// are expected for pieces that were never created.
func (p *Provisioner) rollbackNamespace(i int) {
	if err := p.ops.DeleteLink(HostVethName(i)); err != nil {
		log.Printf("[netns] rollback link %s: %v", HostVethName(i), err)
	}
	if err := p.ops.DeleteNamespace(NamespaceName(i)); err != nil {
		log.Printf("[netns] rollback namespace %s: %v", NamespaceName(i), err)
	}
}
