package actor

import (
	"errors"
	"testing"
	"time"

	"github.com/berfenger/citydevice/internal/core/domain"
	"github.com/berfenger/citydevice/internal/util"
	"github.com/berfenger/citydevice/internal/util/actorutil"
	"github.com/berfenger/citydevice/pkg/smartcity"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestTestMQTTActor(t *testing.T) {

	cfg := util.LoadTestConfig()

	logger := zap.Must(zap.NewDevelopment())

	as := actorutil.NewActorSystemWithZapLogger(logger)

	context := as.Root

	published := make(chan domain.PublishReportRequest, 1)
	props := actor.PropsFromProducer(func() actor.Actor { return NewTestMQTTActor(&cfg, "sensor-1", published, logger) })
	pid := context.Spawn(props)

	result, err := context.RequestFuture(pid, domain.ActorHealthRequest{}, 2*time.Second).Result()
	if err != nil {
		t.Error(err)
		return
	}
	resp, ok := result.(domain.ActorHealthResponse)
	assert.True(t, ok)
	assert.True(t, resp.Healthy)

	report := smartcity.StatusReport{DeviceID: "sensor-1", Status: smartcity.DeviceStatusActive}
	result, err = context.RequestFuture(pid, domain.PublishReportRequest{Report: report}, 2*time.Second).Result()
	assert.NoError(t, err)
	assert.IsType(t, domain.PublishReportResponse{}, result)

	select {
	case req := <-published:
		assert.Equal(t, report, req.Report)
	case <-time.After(time.Second):
		t.Error("report not published")
	}

	context.Stop(pid)

	as.Shutdown()
}

func TestDecodeMQTTCommand(t *testing.T) {

	require := require.New(t)

	cmd, err := DecodeMQTTCommand(smartcity.JSONCodec{}, []byte(`{"command_type":"SET_SAMPLING_RATE","command_value":"2000","request_id":"r-7"}`))
	require.NoError(err)
	require.Equal(&smartcity.Command{Type: "SET_SAMPLING_RATE", Value: "2000", RequestID: "r-7"}, cmd)

	cmd, err = DecodeMQTTCommand(smartcity.JSONCodec{}, []byte(`{"request_type":"GET_DEVICE_STATUS","target_device_id":"sensor-1"}`))
	require.NoError(err)
	require.Equal("GET_STATUS", cmd.Type)

	_, err = DecodeMQTTCommand(smartcity.JSONCodec{}, []byte(`{"device_id":"x","ip_address":"10.0.0.7"}`))
	require.Error(err)

	_, err = DecodeMQTTCommand(smartcity.JSONCodec{}, []byte(`not json`))
	require.True(smartcity.IsDecodeError(err))
}

func TestCommandResponseFor(t *testing.T) {

	assert := assert.New(t)

	report := smartcity.StatusReport{
		DeviceID:       "sensor-1",
		Status:         smartcity.DeviceStatusIdle,
		ReportPeriodMs: 15000,
	}

	cmd, _ := domain.ParseCommand(smartcity.Command{Type: "TURN_OFF", RequestID: "r-1"})
	out := CommandResponseFor(domain.ApplyCommandResponse{Command: cmd, Changed: true, Report: report})
	assert.True(out.Success)
	assert.Equal("r-1", out.RequestID)
	assert.Equal(smartcity.DeviceStatusIdle, out.Status)
	assert.Equal(uint32(15000), out.ReportPeriodMs)

	cmd, _ = domain.ParseCommand(smartcity.Command{Type: "SELF_DESTRUCT"})
	out = CommandResponseFor(domain.ApplyCommandResponse{Command: cmd, Ignored: true, Report: report})
	assert.True(out.Success, "unsupported commands are not errors")
	assert.Contains(out.Message, "ignored")

	cmd, err := domain.ParseCommand(smartcity.Command{Type: "SET_FREQ", Value: "soon"})
	out = CommandResponseFor(domain.ApplyCommandResponse{
		ActorResponseMixIn: domain.ActorResponseMixIn{ResponseError: err},
		Command:            cmd,
		Report:             report,
	})
	assert.False(out.Success)
	var cfgErr *domain.ConfigError
	assert.True(errors.As(err, &cfgErr))
}

type rawMessage struct {
	topic   string
	payload []byte
}

func (m rawMessage) Duplicate() bool   { return false }
func (m rawMessage) Qos() byte         { return 1 }
func (m rawMessage) Retained() bool    { return false }
func (m rawMessage) Topic() string     { return m.topic }
func (m rawMessage) MessageID() uint16 { return 1 }
func (m rawMessage) Payload() []byte   { return m.payload }
func (m rawMessage) Ack()              {}

func TestCommandHandlerForwardsRawMessages(t *testing.T) {

	forwarded := make(chan any, 16)
	handler := commandHandler(func(msg any) { forwarded <- msg })

	// the router goroutine never touches the client, whatever the topic
	done := make(chan struct{})
	for _, topic := range []string{"smart_city/commands/sensors/sensor:1", "smart_city/commands/sensors/old-id"} {
		go func() {
			handler(nil, rawMessage{topic: topic, payload: []byte(`{"command_type":"GET_STATUS"}`)})
			done <- struct{}{}
		}()
	}
	<-done
	<-done

	topics := []string{}
	for range 2 {
		msg, ok := (<-forwarded).(MQTTMessageReceived)
		require.True(t, ok)
		assert.Equal(t, []byte(`{"command_type":"GET_STATUS"}`), msg.Payload)
		topics = append(topics, msg.Topic)
	}
	assert.ElementsMatch(t, []string{"smart_city/commands/sensors/sensor:1", "smart_city/commands/sensors/old-id"}, topics)
}
