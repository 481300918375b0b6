// Package mcast implements C2: joining the IPv4/IPv6 multicast groups PTP
// event and general messages are sent to, so a passive listener on a
// switched network actually receives them. gPTP over raw Ethernet (L2)
// needs no group join and is a no-op here.
package mcast

import (
	"fmt"
	"log"
	"net"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// Groups PTP uses for UDP transport, per IEEE 1588-2019 clause 7.4.
var (
	ipv4NonPeerGroup = net.ParseIP("224.0.1.129")
	ipv4PeerGroup    = net.ParseIP("224.0.0.107")
	ipv6NonPeerGroup = net.ParseIP("FF0E::181")
	ipv6PeerGroup    = net.ParseIP("FF02::6B")
)

// Joiner holds the open sockets used to keep multicast group membership
// alive for the lifetime of the process; Close releases them.
type Joiner struct {
	conns []net.PacketConn
}

// JoinAll joins both PTP multicast groups, on both IP families, on every
// named interface. Failure on one interface is logged and does not prevent
// joining on the others — multicast membership is best-effort per spec
// §4.2; unicast/L2 traffic is still captured regardless.
func JoinAll(ifaceNames []string) *Joiner {
	j := &Joiner{}
	for _, name := range ifaceNames {
		iface, err := net.InterfaceByName(name)
		if err != nil {
			log.Printf("mcast: %s: %v", name, err)
			continue
		}
		j.joinIPv4(iface)
		j.joinIPv6(iface)
	}
	return j
}

func (j *Joiner) joinIPv4(iface *net.Interface) {
	conn, err := net.ListenPacket("udp4", "0.0.0.0:319")
	if err != nil {
		log.Printf("mcast: %s: open ipv4 socket: %v", iface.Name, err)
		return
	}
	p := ipv4.NewPacketConn(conn)
	ok := false
	for _, grp := range []net.IP{ipv4NonPeerGroup, ipv4PeerGroup} {
		if err := p.JoinGroup(iface, &net.UDPAddr{IP: grp}); err != nil {
			log.Printf("mcast: %s: join %s: %v", iface.Name, grp, err)
			continue
		}
		ok = true
	}
	if !ok {
		conn.Close()
		return
	}
	j.conns = append(j.conns, conn)
}

func (j *Joiner) joinIPv6(iface *net.Interface) {
	conn, err := net.ListenPacket("udp6", "[::]:319")
	if err != nil {
		log.Printf("mcast: %s: open ipv6 socket: %v", iface.Name, err)
		return
	}
	p := ipv6.NewPacketConn(conn)
	ok := false
	for _, grp := range []net.IP{ipv6NonPeerGroup, ipv6PeerGroup} {
		if err := p.JoinGroup(iface, &net.UDPAddr{IP: grp}); err != nil {
			log.Printf("mcast: %s: join %s: %v", iface.Name, grp, err)
			continue
		}
		ok = true
	}
	if !ok {
		conn.Close()
		return
	}
	j.conns = append(j.conns, conn)
}

// Close leaves every joined group and releases the sockets.
func (j *Joiner) Close() {
	for _, c := range j.conns {
		c.Close()
	}
	j.conns = nil
}

// Groups returns the multicast addresses PTP trace expects to see traffic
// addressed to, for diagnostics and tests.
func Groups() string {
	return fmt.Sprintf("ipv4: %s, %s; ipv6: %s, %s",
		ipv4NonPeerGroup, ipv4PeerGroup, ipv6NonPeerGroup, ipv6PeerGroup)
}
