package actor

import (
	"bytes"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/berfenger/citydevice/internal/core/domain"
	"github.com/berfenger/citydevice/internal/util/actorutil"
	"github.com/berfenger/citydevice/pkg/smartcity"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeDevice answers ApplyCommandRequest with a fixed status and records commands.
type fakeDevice struct {
	mu       sync.Mutex
	commands []smartcity.Command
}

func (d *fakeDevice) Receive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.ApplyCommandRequest:
		d.mu.Lock()
		d.commands = append(d.commands, msg.Command)
		d.mu.Unlock()
		cmd, _ := domain.ParseCommand(msg.Command)
		ctx.Respond(domain.ApplyCommandResponse{
			Command: cmd,
			Report: smartcity.StatusReport{
				DeviceID:   "relay-1",
				DeviceType: smartcity.DeviceTypeRelay,
				Status:     smartcity.DeviceStatusOn,
			},
		})
	}
}

func (d *fakeDevice) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.commands)
}

func startControl(t *testing.T) (*actor.ActorSystem, *fakeDevice, string) {
	logger := zap.Must(zap.NewDevelopment())
	as := actorutil.NewActorSystemWithZapLogger(logger)

	device := &fakeDevice{}
	devicePID := as.Root.Spawn(actor.PropsFromProducer(func() actor.Actor { return device }))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	props := actor.PropsFromProducer(func() actor.Actor {
		return NewControlActor(devicePID, func() (net.Listener, error) { return ln, nil }, 4, 2*time.Second, logger)
	})
	as.Root.Spawn(props)
	return as, device, ln.Addr().String()
}

func sendEnvelope(t *testing.T, addr string, msg *smartcity.Message) []byte {
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, smartcity.WriteDelimited(conn, msg))
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	reply, err := io.ReadAll(conn)
	require.NoError(t, err)
	return reply
}

func TestControlReplyRules(t *testing.T) {

	require := require.New(t)

	as, device, addr := startControl(t)
	defer as.Shutdown()

	// bare command: applied, no reply
	reply := sendEnvelope(t, addr, smartcity.NewMessage(&smartcity.Command{Type: "TURN_ON"}))
	require.Empty(reply)

	// bare status read: reply
	reply = sendEnvelope(t, addr, smartcity.NewMessage(&smartcity.Command{Type: "GET_STATUS"}))
	msg, err := smartcity.ReadDelimited(bytes.NewReader(reply))
	require.NoError(err)
	require.Equal(smartcity.MessageTypeDeviceUpdate, msg.Type)

	// client request without command is a status query
	reply = sendEnvelope(t, addr, smartcity.NewMessage(&smartcity.ClientRequest{Type: smartcity.RequestTypeGetDeviceStatus}))
	require.NotEmpty(reply)

	// descriptor: nothing to apply
	reply = sendEnvelope(t, addr, smartcity.NewMessage(&smartcity.DeviceDescriptor{DeviceID: "other"}))
	require.Empty(reply)

	require.Equal(3, device.count())
}

func TestControlMalformedConnectionIsIsolated(t *testing.T) {

	as, device, addr := startControl(t)
	defer as.Shutdown()

	// half a frame, then hang up
	bad, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	_, err = bad.Write([]byte{0x10, 0x08})
	require.NoError(t, err)

	// garbage frame
	garbage, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	_, err = garbage.Write([]byte{0x03, 0xff, 0xff, 0xff})
	require.NoError(t, err)

	reply := sendEnvelope(t, addr, smartcity.NewMessage(&smartcity.ClientRequest{
		Type:    smartcity.RequestTypeSendDeviceCommand,
		Command: &smartcity.Command{Type: "TURN_ON"},
	}))
	assert.NotEmpty(t, reply)

	bad.Close()
	garbage.Close()
	assert.Equal(t, 1, device.count())
}

func TestControlBindFailureIsNotFatal(t *testing.T) {

	assert := assert.New(t)

	busy, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer busy.Close()
	port := busy.Addr().(*net.TCPAddr).Port

	logger := zap.Must(zap.NewDevelopment())
	as := actorutil.NewActorSystemWithZapLogger(logger)
	defer as.Shutdown()

	props := actor.PropsFromProducer(func() actor.Actor {
		return NewControlActor(nil, TCPListener(uint(port)), 4, time.Second, logger)
	})
	pid := as.Root.Spawn(props)

	res, err := as.Root.RequestFuture(pid, domain.ActorHealthRequest{}, 2*time.Second).Result()
	assert.NoError(err)
	health := res.(domain.ActorHealthResponse)
	assert.False(health.Healthy)
	assert.Contains(health.State, "failed")
}

func TestCommandFromMessage(t *testing.T) {

	assert := assert.New(t)

	cmd, reply := CommandFromMessage(smartcity.NewMessage(&smartcity.Command{Type: "SET_FREQ", Value: "100"}))
	assert.Equal("SET_FREQ", cmd.Type)
	assert.False(reply)

	cmd, reply = CommandFromMessage(smartcity.NewMessage(&smartcity.ClientRequest{Type: smartcity.RequestTypeListDevices}))
	assert.Equal("GET_STATUS", cmd.Type)
	assert.True(reply)

	cmd, _ = CommandFromMessage(smartcity.NewMessage(&smartcity.DiscoveryRequest{GatewayIP: "10.0.0.5"}))
	assert.Nil(cmd)
}
