package announce

import (
	"testing"

	"github.com/berfenger/citydevice/pkg/smartcity"

	"github.com/stretchr/testify/assert"
)

func TestTXTRecords(t *testing.T) {

	desc := smartcity.DeviceDescriptor{
		DeviceID:   "relay-1",
		DeviceType: smartcity.DeviceTypeRelay,
		Capabilities: map[string]string{
			"firmware":      "v1.0.0",
			"communication": "udp",
		},
	}

	assert.Equal(t, []string{
		"device_id=relay-1",
		"device_type=RELAY",
		"communication=udp",
		"firmware=v1.0.0",
	}, TXTRecords(desc))
}
