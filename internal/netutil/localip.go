package netutil

import (
	"fmt"
	"net"
)

// LocalIPv4 returns the host's primary IPv4 address: the source address
// the kernel would pick for outbound traffic on the default route.
// The UDP dial never sends a packet; it only resolves local binding.
func LocalIPv4() (string, error) {
	conn, err := net.Dial("udp4", "8.8.8.8:80")
	if err != nil {
		return "", fmt.Errorf("netutil: resolve local IPv4: %w", err)
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || addr.IP == nil {
		return "", fmt.Errorf("netutil: unexpected local address %v", conn.LocalAddr())
	}
	return addr.IP.String(), nil
}
