package announce

import (
	"fmt"
	"sort"

	"github.com/berfenger/citydevice/internal/config"
	"github.com/berfenger/citydevice/pkg/smartcity"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"
)

const DEFAULT_SERVICE = "_smartcity-device._tcp"

// Announcer advertises the control port over mDNS so tools on the local
// segment can find devices without waiting for a gateway broadcast.
type Announcer struct {
	server *zeroconf.Server
	logger *zap.Logger
}

func Start(cfg config.AnnounceConfig, desc smartcity.DeviceDescriptor, logger *zap.Logger) (*Announcer, error) {
	service := cfg.Service
	if service == "" {
		service = DEFAULT_SERVICE
	}
	domain := cfg.Domain
	if domain == "" {
		domain = "local."
	}
	server, err := zeroconf.Register(desc.DeviceID, service, domain, int(desc.ControlPort), TXTRecords(desc), nil)
	if err != nil {
		return nil, err
	}
	logger.Info("announce: registered", zap.String("instance", desc.DeviceID), zap.String("service", service))
	return &Announcer{server: server, logger: logger}, nil
}

// Update refreshes the TXT records. The instance name stays the one used at Start.
func (a *Announcer) Update(desc smartcity.DeviceDescriptor) {
	a.logger.Debug("announce: update", zap.String("device_id", desc.DeviceID))
	a.server.SetText(TXTRecords(desc))
}

func (a *Announcer) Shutdown() {
	a.server.Shutdown()
}

func TXTRecords(desc smartcity.DeviceDescriptor) []string {
	txt := []string{
		fmt.Sprintf("device_id=%s", desc.DeviceID),
		fmt.Sprintf("device_type=%s", desc.DeviceType),
	}
	keys := make([]string, 0, len(desc.Capabilities))
	for k := range desc.Capabilities {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		txt = append(txt, fmt.Sprintf("%s=%s", k, desc.Capabilities[k]))
	}
	return txt
}
