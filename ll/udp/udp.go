// Package udp is a link layer that carries frames in UDP multicast
// datagrams, one frame per packet. It is mostly useful against simulators
// and test benches; real segments run on raw Ethernet.
package udp

import (
	"net"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/andom9/ethercat/ecfr"
)

const (
	EthercatUDPPort = 0x88a4
)

const (
	udpReceiveBuflen = 1500
	maxDatagramsLen  = 1470
)

// UDPFramer implements ecmd.Framer over a multicast group. Cycle sends all
// frames opened since the last cycle and collects responses until the
// cycle time runs out.
type UDPFramer struct {
	oframes []*ecfr.Frame

	sock      *net.UDPConn
	mcsock    *ipv4.PacketConn
	group     net.IP
	iface     *net.Interface
	groupaddr *net.UDPAddr
	cycletime time.Duration
}

func NewUDPFramer(iface *net.Interface, group net.IP, cycletime time.Duration) (f *UDPFramer, err error) {
	f = &UDPFramer{
		group:     group,
		iface:     iface,
		cycletime: cycletime,
		groupaddr: &net.UDPAddr{IP: group, Port: EthercatUDPPort},
	}

	f.sock, err = net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: EthercatUDPPort})
	if err != nil {
		return
	}

	f.mcsock = ipv4.NewPacketConn(f.sock)

	err = f.mcsock.SetMulticastInterface(f.iface)
	if err != nil {
		f.sock.Close()
		return
	}

	err = f.mcsock.JoinGroup(iface, &net.UDPAddr{IP: group})
	if err != nil {
		f.sock.Close()
		return
	}

	err = f.mcsock.SetMulticastLoopback(false)
	if err != nil {
		f.sock.Close()
		return
	}

	return
}

func (f *UDPFramer) New(maxdatalen int) (fr *ecfr.Frame, err error) {
	if maxdatalen > maxDatagramsLen {
		maxdatalen = maxDatagramsLen
	}

	buf := make([]byte, maxdatalen+ecfr.FrameOverheadLen)
	vframe, err := ecfr.PointFrameTo(buf)
	if err != nil {
		return
	}

	vframe.Header.SetType(ecfr.FrameTypePDUs)

	fr = &vframe
	f.oframes = append(f.oframes, fr)
	return
}

func (f *UDPFramer) Cycle() (iframes []*ecfr.Frame, err error) {
	var obytes []byte
	for _, oframe := range f.oframes {
		obytes, err = oframe.Commit()
		if err != nil {
			return
		}

		_, err = f.sock.WriteTo(obytes, f.groupaddr)
		if err != nil {
			return
		}
	}
	f.oframes = nil

	err = f.sock.SetDeadline(time.Now().Add(f.cycletime))
	if err != nil {
		return
	}

	rbuf := make([]byte, udpReceiveBuflen)
	for {
		var n int
		n, _, err = f.sock.ReadFromUDP(rbuf)
		if isTimeout(err) {
			err = nil
			break
		}
		if err != nil {
			return
		}

		var fr ecfr.Frame
		_, err = fr.Overlay(rbuf[0:n])
		if err != nil {
			// discard malformed frames
			err = nil
			continue
		}

		iframes = append(iframes, &fr)
		rbuf = make([]byte, udpReceiveBuflen)
	}

	return
}

func (f *UDPFramer) Close() error {
	if f.mcsock != nil {
		f.mcsock.LeaveGroup(f.iface, &net.UDPAddr{IP: f.group})
	}
	if f.sock != nil {
		return f.sock.Close()
	}
	return nil
}

func isTimeout(err error) bool {
	if ne, ok := err.(net.Error); ok {
		return ne.Timeout()
	}
	return false
}
