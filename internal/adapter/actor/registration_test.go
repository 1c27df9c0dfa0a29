package actor

import (
	"net"
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

func TestRegistrationActor(t *testing.T) {

	require := require.New(t)

	gw, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(err)
	defer gw.Close()

	received := make(chan *smartcity.Message, 1)
	go func() {
		conn, err := gw.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		msg, err := smartcity.ReadDelimited(conn)
		if err == nil {
			received <- msg
		}
	}()

	logger := zap.Must(zap.NewDevelopment())
	as := actorutil.NewActorSystemWithZapLogger(logger)
	context := as.Root

	props := actor.PropsFromProducer(func() actor.Actor { return NewRegistrationActor(nil, time.Second, logger) })
	pid := context.Spawn(props)

	desc := smartcity.DeviceDescriptor{
		DeviceID:      "sensor-1",
		DeviceType:    smartcity.DeviceTypeTemperatureSensor,
		ControlPort:   6001,
		InitialStatus: smartcity.DeviceStatusActive,
		IsSensor:      true,
	}
	endpoint := smartcity.GatewayEndpoint{IP: "127.0.0.1", ControlPort: uint32(gw.Addr().(*net.TCPAddr).Port)}

	res, err := context.RequestFuture(pid, domain.RegisterRequest{Endpoint: endpoint, Descriptor: desc}, 5*time.Second).Result()
	require.NoError(err)
	resp := res.(domain.RegisterResponse)
	require.False(resp.HasResponseError())
	require.Equal("127.0.0.1", resp.Descriptor.IPAddress, "local address filled in")

	select {
	case msg := <-received:
		require.Equal(smartcity.MessageTypeDeviceInfo, msg.Type)
		got := msg.Payload.(*smartcity.DeviceDescriptor)
		require.Equal("sensor-1", got.DeviceID)
		require.Equal("127.0.0.1", got.IPAddress)
	case <-time.After(2 * time.Second):
		t.Fatal("gateway did not receive the descriptor")
	}

	context.Stop(pid)
	as.Shutdown()
}

func TestRegistrationActorGatewayDown(t *testing.T) {

	assert := assert.New(t)

	// grab a free port and release it so nothing is listening there
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	logger := zap.Must(zap.NewDevelopment())
	as := actorutil.NewActorSystemWithZapLogger(logger)
	context := as.Root

	props := actor.PropsFromProducer(func() actor.Actor { return NewRegistrationActor(nil, time.Second, logger) })
	pid := context.Spawn(props)

	endpoint := smartcity.GatewayEndpoint{IP: "127.0.0.1", ControlPort: uint32(port)}
	res, err := context.RequestFuture(pid, domain.RegisterRequest{Endpoint: endpoint, Descriptor: smartcity.DeviceDescriptor{DeviceID: "x"}}, 5*time.Second).Result()
	assert.NoError(err)
	resp := res.(domain.RegisterResponse)
	assert.True(resp.HasResponseError())
	var transportErr *domain.TransportError
	assert.ErrorAs(resp.GetResponseError(), &transportErr)

	res, err = context.RequestFuture(pid, domain.RegisterRequest{Descriptor: smartcity.DeviceDescriptor{DeviceID: "x"}}, 5*time.Second).Result()
	assert.NoError(err)
	assert.ErrorIs(res.(domain.RegisterResponse).GetResponseError(), ErrUnknownGateway)

	res, err = context.RequestFuture(pid, domain.ActorHealthRequest{}, time.Second).Result()
	assert.NoError(err)
	assert.True(res.(domain.ActorHealthResponse).Healthy, "gateway failures are not fatal")

	context.Stop(pid)
	as.Shutdown()
}
