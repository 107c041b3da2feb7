package utils

import (
	"fmt"
	"net"
	"strconv"
)

// GetLocalIP returns the preferred outbound IP of this machine.
func GetLocalIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		if ips := LocalIPs(); len(ips) > 0 {
			return ips[0]
		}
		return ""
	}
	defer conn.Close()
	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String()
}

// LocalIPs lists the non-loopback IPv4 addresses of all interfaces.
func LocalIPs() []string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	var ips []string
	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() && ipnet.IP.To4() != nil {
			ips = append(ips, ipnet.IP.String())
		}
	}
	return ips
}

// LANAddresses lists this machine's non-loopback IPv4 addresses, the one on
// the default route first.
func LANAddresses() []string {
	var out []string
	seen := make(map[string]bool)
	add := func(ip string) {
		if ip == "" || IsLoopback(ip) || seen[ip] {
			return
		}
		seen[ip] = true
		out = append(out, ip)
	}
	add(GetLocalIP())
	for _, ip := range LocalIPs() {
		add(ip)
	}
	return out
}

// IsLoopback reports whether host is a loopback address or "localhost".
func IsLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Listen binds the first free port in [start, end] on host.
func Listen(host string, start, end int) (net.Listener, int, error) {
	for port := start; port <= end; port++ {
		ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err == nil {
			return ln, port, nil
		}
	}
	return nil, 0, fmt.Errorf("no available port between %d and %d", start, end)
}
