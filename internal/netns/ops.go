// Package netns provisions the Linux network namespaces and veth
// plumbing that isolate each scrape session's traffic.
package netns

// Ops is the kernel-facing surface of the provisioner. Tests substitute
// a fake; production uses the netlink-backed implementation.
type Ops interface {
	// ListNamespaces returns the names of all named network namespaces.
	ListNamespaces() ([]string, error)
	// DeleteNamespace removes a named namespace.
	DeleteNamespace(name string) error
	// CreateNamespace creates a named namespace.
	CreateNamespace(name string) error

	// ListLinks returns the names of all host network interfaces.
	ListLinks() ([]string, error)
	// DeleteLink removes a host interface by name.
	DeleteLink(name string) error

	// CreateVethPair creates a veth pair with both ends on the host.
	CreateVethPair(host, peer string) error
	// MoveLinkToNamespace moves a host interface into the namespace.
	MoveLinkToNamespace(link, ns string) error
	// ConfigureHostLink assigns cidr to the host end and brings it up.
	ConfigureHostLink(link, cidr string) error
	// ConfigureNamespaceLink, inside ns: assigns cidr to the peer end,
	// brings up the peer and loopback, installs a default route via gateway.
	ConfigureNamespaceLink(ns, link, cidr, gateway string) error

	// EnableIPForwarding turns on host IPv4 forwarding.
	EnableIPForwarding() error
}
