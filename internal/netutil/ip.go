// Package netutil provides network identity helpers for the lab node.
package netutil

import (
	"net"
	"os"
)

// GetBestLocalIP tries to find the address the node should report to the
// Master. It first determines the outbound IP by opening a UDP connection to
// a public DNS server, which yields the interface actually routed towards
// the network. If that fails it falls back to enumerating interfaces for a
// non-loopback IPv4 address.
//
// Returns "127.0.0.1" if no suitable address is found.
func GetBestLocalIP() string {
	if conn, err := net.Dial("udp", "8.8.8.8:80"); err == nil {
		defer conn.Close()
		if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
			return addr.IP.String()
		}
	}

	interfaces, _ := net.Interfaces()
	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, _ := iface.Addrs()
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok {
				if ipnet.IP.To4() != nil && !ipnet.IP.IsLoopback() {
					return ipnet.IP.String()
				}
			}
		}
	}

	return "127.0.0.1"
}

// GetHardwareAddr returns the MAC address of the interface that owns the
// given IP, or the first up non-loopback interface when ip is empty or not
// found. Returns "" when no interface carries a hardware address.
func GetHardwareAddr(ip string) string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return ""
	}

	var fallback string
	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if len(iface.HardwareAddr) == 0 {
			continue
		}
		if fallback == "" {
			fallback = iface.HardwareAddr.String()
		}
		if ip == "" {
			continue
		}

		addrs, _ := iface.Addrs()
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.String() == ip {
				return iface.HardwareAddr.String()
			}
		}
	}

	return fallback
}

// GetHostname returns the OS hostname, or "unknown" when it cannot be read.
// The original deployment derives the node id from the hostname when no
// explicit id is configured.
func GetHostname() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		return "unknown"
	}
	return hostname
}
