package discovery

import (
	"net"
)

// multicastInterfaces returns every up, multicast-capable, non-loopback
// interface that carries an IPv4 address. Discovery deliberately works
// per interface rather than trusting the OS default, so hosts attached
// to several VLANs probe and answer on all of them.
func multicastInterfaces() []net.Interface {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}

	var out []net.Interface
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 ||
			iface.Flags&net.FlagMulticast == 0 ||
			iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if _, ok := interfaceIPv4(iface); !ok {
			continue
		}
		out = append(out, iface)
	}
	return out
}

// interfaceIPv4 returns the first IPv4 address bound to an interface.
func interfaceIPv4(iface net.Interface) (net.IP, bool) {
	addrs, err := iface.Addrs()
	if err != nil {
		return nil, false
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4, true
		}
	}
	return nil, false
}

// broadcastAddrs computes the directed broadcast address of every IPv4
// subnet the host sits on, for the same-LAN fallback probe.
func broadcastAddrs() []net.IP {
	var out []net.IP
	for _, iface := range multicastInterfaces() {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipNet.IP.To4()
			mask := ipNet.Mask
			if ip4 == nil || len(mask) != net.IPv4len {
				continue
			}
			bcast := make(net.IP, net.IPv4len)
			for i := range bcast {
				bcast[i] = ip4[i] | ^mask[i]
			}
			out = append(out, bcast)
		}
	}
	return out
}

// OutboundIP returns the host's best-guess LAN address: the source
// address the kernel would pick for outbound traffic. No packet is sent;
// connecting a UDP socket only resolves the route.
func OutboundIP() string {
	conn, err := net.Dial("udp4", "192.0.2.1:9")
	if err != nil {
		return ""
	}
	defer func() { _ = conn.Close() }()

	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return ""
}
