package main

import (
	"fmt"
	"net"
	"net/url"
)

// hostAddress returns the IPv4 address the hub uses to reach backendURL,
// falling back to the first non-loopback interface address.
func hostAddress(backendURL string) (string, error) {
	if ip, err := outboundIP(backendURL); err == nil {
		return ip, nil
	}
	return detectHostIP()
}

// outboundIP asks the kernel which local address routes to the backend.
// Connecting a UDP socket sends nothing.
func outboundIP(backendURL string) (string, error) {
	u, err := url.Parse(backendURL)
	if err != nil {
		return "", err
	}
	port := u.Port()
	if port == "" {
		port = "80"
	}
	conn, err := net.Dial("udp4", net.JoinHostPort(u.Hostname(), port))
	if err != nil {
		return "", err
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || addr.IP.IsLoopback() || addr.IP.IsUnspecified() {
		return "", fmt.Errorf("no routable address towards %s", u.Host)
	}
	return addr.IP.String(), nil
}

// detectHostIP returns the first non-loopback IPv4 address of the host.
func detectHostIP() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", err
	}
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		if ip4 := ipnet.IP.To4(); ip4 != nil && !ip4.IsLoopback() && !ip4.IsLinkLocalUnicast() {
			return ip4.String(), nil
		}
	}
	return "", fmt.Errorf("no non-loopback IPv4 address found")
}
