package network

import (
	"errors"
	"fmt"
	"net"

	"github.com/berfenger/citydevice/internal/core/domain"
	"github.com/berfenger/citydevice/internal/core/port"

	"golang.org/x/net/ipv4"
)

// MulticastSource receives datagrams addressed to one IPv4 multicast group.
type MulticastSource struct {
	conn  net.PacketConn
	pconn *ipv4.PacketConn
	group net.IP
}

// ListenMulticast binds port on all addresses and joins group on the named
// interfaces, or on the system default interface when none are given. It
// fails only if no join succeeds.
func ListenMulticast(group string, port uint, interfaces []string) (*MulticastSource, error) {
	groupIP := net.ParseIP(group)
	if groupIP == nil || groupIP.To4() == nil || !groupIP.IsMulticast() {
		return nil, &domain.ConfigError{Param: "discovery group", Value: group, Err: errors.New("not an IPv4 multicast address")}
	}
	addr := fmt.Sprintf("0.0.0.0:%d", port)
	conn, err := net.ListenPacket("udp4", addr)
	if err != nil {
		return nil, &domain.TransportError{Op: "listen", Addr: addr, Err: err}
	}
	pconn := ipv4.NewPacketConn(conn)

	var joinErrs []error
	joined := 0
	if len(interfaces) == 0 {
		if err := pconn.JoinGroup(nil, &net.UDPAddr{IP: groupIP}); err != nil {
			joinErrs = append(joinErrs, err)
		} else {
			joined++
		}
	}
	for _, name := range interfaces {
		ifi, err := net.InterfaceByName(name)
		if err != nil {
			joinErrs = append(joinErrs, err)
			continue
		}
		if err := pconn.JoinGroup(ifi, &net.UDPAddr{IP: groupIP}); err != nil {
			joinErrs = append(joinErrs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		joined++
	}
	if joined == 0 {
		conn.Close()
		return nil, &domain.TransportError{Op: "join " + group, Addr: addr, Err: errors.Join(joinErrs...)}
	}
	// not every platform reports the destination address
	_ = pconn.SetControlMessage(ipv4.FlagDst, true)

	return &MulticastSource{conn: conn, pconn: pconn, group: groupIP}, nil
}

func (s *MulticastSource) ReadPacket(buf []byte) (int, string, error) {
	for {
		n, cm, src, err := s.pconn.ReadFrom(buf)
		if err != nil {
			return 0, "", err
		}
		if cm != nil && cm.Dst != nil && !cm.Dst.Equal(s.group) {
			continue
		}
		return n, src.String(), nil
	}
}

func (s *MulticastSource) Close() error {
	return s.conn.Close()
}

// UnicastSource reads datagrams sent straight to a local address. It serves
// gateways configured without multicast, and tests.
type UnicastSource struct {
	conn net.PacketConn
}

func ListenUnicast(addr string) (*UnicastSource, error) {
	conn, err := net.ListenPacket("udp4", addr)
	if err != nil {
		return nil, &domain.TransportError{Op: "listen", Addr: addr, Err: err}
	}
	return &UnicastSource{conn: conn}, nil
}

func (s *UnicastSource) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

func (s *UnicastSource) ReadPacket(buf []byte) (int, string, error) {
	n, src, err := s.conn.ReadFrom(buf)
	if err != nil {
		return 0, "", err
	}
	return n, src.String(), nil
}

func (s *UnicastSource) Close() error {
	return s.conn.Close()
}

// ensure interface compliance
var _ port.PacketSource = (*MulticastSource)(nil)
var _ port.PacketSource = (*UnicastSource)(nil)
