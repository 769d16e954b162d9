package transport

import (
	"context"
	"fmt"
	"net"
	"syscall"
)

// bindOpts sets SO_REUSEADDR and SO_BROADCAST on the listening socket before
// bind, via net.ListenConfig.Control — stdlib-only, since neither the teacher
// nor any example in the pack carries a socket-options library for this.
func bindOpts(network, address string, c syscall.RawConn) error {
	var setErr error
	err := c.Control(func(fd uintptr) {
		if err := syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1); err != nil {
			setErr = fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
			return
		}
		if err := syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_BROADCAST, 1); err != nil {
			setErr = fmt.Errorf("setsockopt SO_BROADCAST: %w", err)
			return
		}
	})
	if err != nil {
		return err
	}
	return setErr
}

// listenUDP binds a UDP socket on port with broadcast + address reuse
// enabled (spec §4.4).
func listenUDP(port int) (*net.UDPConn, error) {
	lc := net.ListenConfig{Control: bindOpts}
	pc, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("transport: listen udp :%d: %w", port, err)
	}
	return pc.(*net.UDPConn), nil
}

// directedBroadcast computes the directed broadcast address of the interface
// whose address matches localIP, falling back to 255.255.255.255 (spec §4.4,
// §9 open question).
func directedBroadcast(localIP net.IP) net.IP {
	ifaces, err := net.Interfaces()
	if err != nil {
		return net.IPv4bcast
	}
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok || ipNet.IP.To4() == nil {
				continue
			}
			if !ipNet.IP.Equal(localIP) {
				continue
			}
			bc := make(net.IP, 4)
			ip4 := ipNet.IP.To4()
			mask := ipNet.Mask
			for i := range bc {
				bc[i] = ip4[i] | ^mask[i]
			}
			return bc
		}
	}
	return net.IPv4bcast
}

// PrimaryOutboundIP returns the local address the OS would use to reach the
// LAN: the address of a UDP "connection" to the limited broadcast address
// 255.255.255.255, which never sends a packet but forces route resolution.
func PrimaryOutboundIP() (net.IP, error) {
	conn, err := net.Dial("udp4", "255.255.255.255:1")
	if err != nil {
		return nil, fmt.Errorf("transport: resolve outbound interface: %w", err)
	}
	defer conn.Close()
	addr := conn.LocalAddr().(*net.UDPAddr)
	return addr.IP, nil
}
