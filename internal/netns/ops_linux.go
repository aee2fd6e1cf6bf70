//go:build linux

package netns

import (
	"errors"
	"fmt"
	"net"
	"os"
	"runtime"

	"github.com/vishvananda/netlink"
	vnetns "github.com/vishvananda/netns"
)

// netnsRunDir is where iproute2 keeps named namespace handles.
const netnsRunDir = "/var/run/netns"

// LinuxOps implements Ops against the real kernel via netlink.
// Requires CAP_NET_ADMIN.
type LinuxOps struct{}

// NewLinuxOps returns the netlink-backed Ops implementation.
func NewLinuxOps() *LinuxOps {
	return &LinuxOps{}
}

func (o *LinuxOps) ListNamespaces() ([]string, error) {
	entries, err := os.ReadDir(netnsRunDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("netns: list namespaces: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

func (o *LinuxOps) DeleteNamespace(name string) error {
	if err := vnetns.DeleteNamed(name); err != nil {
		return fmt.Errorf("netns: delete namespace %s: %w", name, err)
	}
	return nil
}

func (o *LinuxOps) CreateNamespace(name string) error {
	// NewNamed switches the calling thread into the new namespace, so
	// pin the thread and switch back before returning.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	orig, err := vnetns.Get()
	if err != nil {
		return fmt.Errorf("netns: get current namespace: %w", err)
	}
	defer orig.Close()

	ns, err := vnetns.NewNamed(name)
	if err != nil {
		return fmt.Errorf("netns: create namespace %s: %w", name, err)
	}
	defer ns.Close()

	if err := vnetns.Set(orig); err != nil {
		return fmt.Errorf("netns: restore namespace after creating %s: %w", name, err)
	}
	return nil
}

func (o *LinuxOps) ListLinks() ([]string, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, fmt.Errorf("netns: list links: %w", err)
	}
	names := make([]string, 0, len(links))
	for _, l := range links {
		names = append(names, l.Attrs().Name)
	}
	return names, nil
}

func (o *LinuxOps) DeleteLink(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("netns: find link %s: %w", name, err)
	}
	if err := netlink.LinkDel(link); err != nil {
		return fmt.Errorf("netns: delete link %s: %w", name, err)
	}
	return nil
}

func (o *LinuxOps) CreateVethPair(host, peer string) error {
	veth := &netlink.Veth{
		LinkAttrs: netlink.LinkAttrs{Name: host},
		PeerName:  peer,
	}
	if err := netlink.LinkAdd(veth); err != nil {
		return fmt.Errorf("netns: create veth pair %s/%s: %w", host, peer, err)
	}
	return nil
}

func (o *LinuxOps) MoveLinkToNamespace(linkName, ns string) error {
	link, err := netlink.LinkByName(linkName)
	if err != nil {
		return fmt.Errorf("netns: find link %s: %w", linkName, err)
	}
	handle, err := vnetns.GetFromName(ns)
	if err != nil {
		return fmt.Errorf("netns: open namespace %s: %w", ns, err)
	}
	defer handle.Close()

	if err := netlink.LinkSetNsFd(link, int(handle)); err != nil {
		return fmt.Errorf("netns: move %s into %s: %w", linkName, ns, err)
	}
	return nil
}

func (o *LinuxOps) ConfigureHostLink(linkName, cidr string) error {
	link, err := netlink.LinkByName(linkName)
	if err != nil {
		return fmt.Errorf("netns: find link %s: %w", linkName, err)
	}
	addr, err := netlink.ParseAddr(cidr)
	if err != nil {
		return fmt.Errorf("netns: parse address %s: %w", cidr, err)
	}
	if err := netlink.AddrAdd(link, addr); err != nil {
		return fmt.Errorf("netns: assign %s to %s: %w", cidr, linkName, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("netns: bring up %s: %w", linkName, err)
	}
	return nil
}

func (o *LinuxOps) ConfigureNamespaceLink(ns, linkName, cidr, gateway string) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	orig, err := vnetns.Get()
	if err != nil {
		return fmt.Errorf("netns: get current namespace: %w", err)
	}
	defer orig.Close()

	handle, err := vnetns.GetFromName(ns)
	if err != nil {
		return fmt.Errorf("netns: open namespace %s: %w", ns, err)
	}
	defer handle.Close()

	if err := vnetns.Set(handle); err != nil {
		return fmt.Errorf("netns: enter namespace %s: %w", ns, err)
	}
	// Whatever happens inside, switch the thread back before unlocking.
	defer func() {
		if err := vnetns.Set(orig); err != nil {
			panic(fmt.Sprintf("netns: cannot restore original namespace: %v", err))
		}
	}()

	lo, err := netlink.LinkByName("lo")
	if err != nil {
		return fmt.Errorf("netns: find loopback in %s: %w", ns, err)
	}
	if err := netlink.LinkSetUp(lo); err != nil {
		return fmt.Errorf("netns: bring up loopback in %s: %w", ns, err)
	}

	link, err := netlink.LinkByName(linkName)
	if err != nil {
		return fmt.Errorf("netns: find link %s in %s: %w", linkName, ns, err)
	}
	addr, err := netlink.ParseAddr(cidr)
	if err != nil {
		return fmt.Errorf("netns: parse address %s: %w", cidr, err)
	}
	if err := netlink.AddrAdd(link, addr); err != nil {
		return fmt.Errorf("netns: assign %s to %s in %s: %w", cidr, linkName, ns, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("netns: bring up %s in %s: %w", linkName, ns, err)
	}

	gw := net.ParseIP(gateway)
	if gw == nil {
		return fmt.Errorf("netns: invalid gateway %q", gateway)
	}
	route := &netlink.Route{
		LinkIndex: link.Attrs().Index,
		Gw:        gw,
	}
	if err := netlink.RouteAdd(route); err != nil {
		return fmt.Errorf("netns: add default route via %s in %s: %w", gateway, ns, err)
	}
	return nil
}

func (o *LinuxOps) EnableIPForwarding() error {
	if err := os.WriteFile("/proc/sys/net/ipv4/ip_forward", []byte("1"), 0o644); err != nil {
		return fmt.Errorf("netns: enable ip forwarding: %w", err)
	}
	return nil
}
