package transport

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

// DefaultPort is the well-known LSNP UDP port, spec.md §6.1.
const DefaultPort = 50999

// listenConfig enables SO_REUSEADDR and SO_BROADCAST on the bound socket.
// net.ListenUDP alone has no way to request SO_BROADCAST, so outbound
// sends to a directed-broadcast address are refused by the kernel without
// this -- the same low-level socket-option idiom awenaw-wireguard-go's
// conn/device layer uses throughout (see SPEC_FULL.md §4.4).
var listenConfig = net.ListenConfig{
	Control: func(_, _ string, c syscall.RawConn) error {
		var ctlErr error
		err := c.Control(func(fd uintptr) {
			if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); e != nil {
				ctlErr = e
				return
			}
			if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1); e != nil {
				ctlErr = e
			}
		})
		if err != nil {
			return err
		}
		return ctlErr
	},
}

func bind(ctx context.Context, port int) (*net.UDPConn, error) {
	pc, err := listenConfig.ListenPacket(ctx, "udp4", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("transport: bind port %d: %w", port, err)
	}
	return pc.(*net.UDPConn), nil
}

// ipv4PacketConn wraps conn the way beacon.go wraps its multicast socket:
// an ipv4.PacketConn giving access to per-datagram control messages. LSNP
// has no multicast group to join, but it reuses the same wrapper to ask the
// kernel for the FlagSrc control message on every read, so the receive pump
// can record which local address actually received a given broadcast on a
// multi-homed host (see Inbound.LocalAddr in transport.go).
func ipv4PacketConn(conn *net.UDPConn) *ipv4.PacketConn {
	pc := ipv4.NewPacketConn(conn)
	_ = pc.SetControlMessage(ipv4.FlagSrc, true)
	return pc
}

// directedBroadcast picks the bound interface's directed broadcast
// address, following beacon.go's interface-enumeration idiom generalized
// from multicast-group-join to broadcast-address computation, and
// spec.md §9's Open Question resolution: pick the interface the user
// binds to, falling back to 255.255.255.255 when that can't be computed
// (e.g. no non-loopback IPv4 interface is up).
func directedBroadcast(ifaceName string, port int) (*net.UDPAddr, net.IP, error) {
	ifaces, err := candidateInterfaces(ifaceName)
	if err != nil || len(ifaces) == 0 {
		return &net.UDPAddr{IP: net.IPv4bcast, Port: port}, nil, nil
	}

	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipnet.IP.To4()
			if ip4 == nil {
				continue
			}
			bcast := make(net.IP, len(ip4))
			for i := range ip4 {
				bcast[i] = ip4[i] | ^ipnet.Mask[i]
			}
			return &net.UDPAddr{IP: bcast, Port: port}, ip4, nil
		}
	}

	return &net.UDPAddr{IP: net.IPv4bcast, Port: port}, nil, nil
}

func candidateInterfaces(ifaceName string) ([]net.Interface, error) {
	if ifaceName != "" {
		iface, err := net.InterfaceByName(ifaceName)
		if err != nil {
			return nil, err
		}
		return []net.Interface{*iface}, nil
	}

	all, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var up []net.Interface
	for _, iface := range all {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if iface.Flags&net.FlagBroadcast == 0 {
			continue
		}
		up = append(up, iface)
	}
	return up, nil
}
