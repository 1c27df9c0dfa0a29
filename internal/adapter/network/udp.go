package network

import (
	"net"
	"sync"

	"github.com/berfenger/citydevice/internal/core/domain"
	"github.com/berfenger/citydevice/internal/core/port"
	"github.com/berfenger/citydevice/pkg/smartcity"
)

// UDPTelemetrySink sends each report as a single enveloped datagram. The
// datagram boundary delimits the message, so no length prefix is written.
type UDPTelemetrySink struct {
	codec smartcity.Codec
	mu    sync.Mutex
	conn  *net.UDPConn
}

func NewUDPTelemetrySink(codec smartcity.Codec) *UDPTelemetrySink {
	if codec == nil {
		codec = smartcity.BinaryCodec{}
	}
	return &UDPTelemetrySink{codec: codec}
}

func (s *UDPTelemetrySink) Send(endpoint smartcity.GatewayEndpoint, report smartcity.StatusReport) error {
	addr := endpoint.TelemetryAddress()
	raddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return &domain.TransportError{Op: "resolve", Addr: addr, Err: err}
	}
	data, err := s.codec.Marshal(smartcity.NewMessage(&report))
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		conn, err := net.ListenUDP("udp4", nil)
		if err != nil {
			return &domain.TransportError{Op: "bind", Addr: "udp4", Err: err}
		}
		s.conn = conn
	}
	if _, err := s.conn.WriteToUDP(data, raddr); err != nil {
		return &domain.TransportError{Op: "send", Addr: addr, Err: err}
	}
	return nil
}

func (s *UDPTelemetrySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// ensure interface compliance
var _ port.TelemetrySink = (*UDPTelemetrySink)(nil)
