package actor

import (
	"errors"
	"fmt"
	"time"

	"github.com/berfenger/citydevice/internal/config"
	"github.com/berfenger/citydevice/internal/core/domain"
	"github.com/berfenger/citydevice/internal/mqtt"
	"github.com/berfenger/citydevice/internal/util/actorutil"
	"github.com/berfenger/citydevice/pkg/smartcity"

	"github.com/asynkron/protoactor-go/actor"
	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

type MQTTActor struct {
	config   *config.Config
	broker   mqtt.Broker
	deviceId string
	behavior actor.Behavior
	stash    *actorutil.Stash
	client   *mqtt.MQTTClient
	codec    smartcity.JSONCodec
	logger   *zap.Logger

	// test hook, see NewTestMQTTActor
	published chan<- domain.PublishReportRequest
}

type MQTTConnected struct {
}

type MQTTSubscribed struct {
}

type MQTTConnectionLost struct {
	Error error
}

type publishResult struct {
	ReplyTo *actor.PID
	Error   error
}

// MQTTMessageReceived is a raw message as delivered by the paho router. It is
// parsed on the actor, which owns the client and its current device id.
type MQTTMessageReceived struct {
	Topic   string
	Payload []byte
}

func NewMQTTActor(config *config.Config, broker mqtt.Broker, deviceId string, logger *zap.Logger) *MQTTActor {
	act := &MQTTActor{
		config:   config,
		broker:   broker,
		deviceId: deviceId,
		behavior: actor.NewBehavior(),
		stash:    &actorutil.Stash{},
		logger:   actorutil.ActorLogger(domain.ACTOR_ID_MQTT, logger),
	}
	act.behavior.Become(act.StartingReceive)
	return act
}

func (state *MQTTActor) Receive(context actor.Context) {
	state.behavior.Receive(context)
}

func (state *MQTTActor) StartingReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.logger.Debug("mqtt@starting started", zap.String("broker", state.broker.URL()))
		send := actorutil.SelfSender(ctx)

		// create MQTT client
		state.client = mqtt.CreateMQTTClient(state.config, mqtt.OptsFromConfig(state.config, state.broker, state.deviceId), state.deviceId,
			func(_ pahomqtt.Client) {
			}, func(_ pahomqtt.Client, err error) {
				send(MQTTConnectionLost{Error: err})
			})

		// connect to MQTT server
		state.client.Connect(func(err error) {
			if err != nil {
				send(MQTTConnectionLost{Error: err})
			} else {
				send(MQTTConnected{})
			}
		}, 10*time.Second)

	case MQTTConnected:
		state.logger.Debug("mqtt@starting connected")

		state.client.Publish(state.client.AvailabilityTopic(), mqtt.MQTT_PAYLOAD_ONLINE, 0, true, func(error) {}, 500*time.Millisecond)
		state.subscribe(ctx)
	case MQTTSubscribed:
		// init completed, transition to default state
		state.logger.Debug("mqtt@starting subscribed", zap.String("topic", state.client.CommandTopic()))
		state.behavior.Become(state.DefaultReceive)
		state.stash.UnstashAll(ctx)
		// the device id may have changed while we were restarting
		ctx.Request(ctx.Parent(), domain.GetSnapshotRequest{})
	case MQTTConnectionLost:
		// if connection lost, stop actor and let supervisor decide
		state.logger.Error("mqtt@starting connection lost", zap.Error(msg.Error))
		panic(msg.Error)
	case *actor.Restarting:
		state.stop()
	default:
		state.logger.Debug("mqtt@starting stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *MQTTActor) DefaultReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Restarting:
		state.stop()
	case *actor.Stopping:
		state.stop()
	case domain.ActorHealthRequest:
		state.logger.Debug("mqtt@default ActorHealthRequest")
		ctx.Respond(domain.ActorHealthResponse{
			Id:      domain.ACTOR_ID_MQTT,
			Healthy: state.client.IsConnected(),
			State:   "idle",
		})
	case MQTTMessageReceived:
		parsed, err := state.client.ParseMQTTCommand(msg.Topic, msg.Payload)
		if err != nil {
			// late deliveries on a previous command topic
			state.logger.Debug("mqtt@default dropped message", zap.String("topic", msg.Topic), zap.Error(err))
			return
		}
		state.logger.Debug("mqtt@default command received", zap.String("device", parsed.DeviceId))
		cmd, err := DecodeMQTTCommand(state.codec, parsed.Payload)
		if err != nil {
			state.logger.Warn("mqtt@default invalid command payload", zap.Error(err))
			state.publishCommandResponse(ctx, smartcity.CommandResponse{
				DeviceID:  state.client.DeviceId(),
				Success:   false,
				Message:   err.Error(),
				Timestamp: time.Now(),
			})
			return
		}
		ctx.Request(ctx.Parent(), domain.ApplyCommandRequest{Command: *cmd, Source: "mqtt"})
	case domain.ApplyCommandResponse:
		state.publishCommandResponse(ctx, CommandResponseFor(msg))
	case domain.GetSnapshotResponse:
		if id := msg.Snapshot.Descriptor.DeviceID; id != "" && id != state.client.DeviceId() {
			state.changeDeviceId(ctx, id)
		}
	case domain.DeviceIdentityChanged:
		state.changeDeviceId(ctx, msg.DeviceID)
	case MQTTSubscribed:
		state.logger.Debug("mqtt@default subscribed", zap.String("topic", state.client.CommandTopic()))
	case domain.PublishReportRequest:
		state.logger.Debug("mqtt@default PublishReportRequest", zap.Stringer("status", msg.Report.Status))
		payload, err := state.codec.Marshal(smartcity.NewMessage(&msg.Report))
		if err != nil {
			state.logger.Error("mqtt@default could not encode report", zap.Error(err))
			return
		}
		state.publishMessage(ctx, state.client.DataTopic(), string(payload), false, actorutil.ForRequest(msg).ReplyTo(ctx))
	case MQTTConnectionLost:
		// if connection lost, stop actor and let supervisor decide
		state.logger.Error("mqtt@default connection lost", zap.Error(msg.Error))
		panic(msg.Error)
	default:
		state.logger.Debug("mqtt@default unhandled", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

func (state *MQTTActor) subscribe(ctx actor.Context) {
	send := actorutil.SelfSender(ctx)
	state.client.SubscribeToCommandTopic(commandHandler(send), func(err error) {
		if err != nil {
			send(MQTTConnectionLost{Error: err})
		} else {
			send(MQTTSubscribed{})
		}
	}, 1*time.Second)
}

// commandHandler runs on paho's router goroutine, so it only forwards.
func commandHandler(send func(any)) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, m pahomqtt.Message) {
		send(MQTTMessageReceived{Topic: m.Topic(), Payload: m.Payload()})
	}
}

func (state *MQTTActor) changeDeviceId(ctx actor.Context, deviceId string) {
	state.logger.Info("mqtt@default device id changed", zap.String("from", state.client.DeviceId()), zap.String("to", deviceId))
	oldCommandTopic := state.client.CommandTopic()
	state.client.Publish(state.client.AvailabilityTopic(), mqtt.MQTT_PAYLOAD_OFFLINE, 0, true, func(error) {}, 500*time.Millisecond)
	state.client.Unsubscribe(oldCommandTopic, func(err error) {
		if err != nil {
			state.logger.Warn("mqtt@default unsubscribe failed", zap.String("topic", oldCommandTopic), zap.Error(err))
		}
	}, 1*time.Second)
	state.deviceId = deviceId
	state.client.SetDeviceId(deviceId)
	state.client.Publish(state.client.AvailabilityTopic(), mqtt.MQTT_PAYLOAD_ONLINE, 0, true, func(error) {}, 500*time.Millisecond)
	state.subscribe(ctx)
}

func (state *MQTTActor) publishCommandResponse(ctx actor.Context, resp smartcity.CommandResponse) {
	payload, err := state.codec.Marshal(smartcity.NewMessage(&resp))
	if err != nil {
		state.logger.Error("mqtt@default could not encode command response", zap.Error(err))
		return
	}
	state.publishMessage(ctx, state.client.ResponseTopic(), string(payload), false, nil)
}

func (state *MQTTActor) publishMessage(ctx actor.Context, topic, payload string, retain bool, replyTo *actor.PID) {
	state.logger.Sugar().Debugf("mqtt@publish: message publish %s => %s", topic, payload)
	send := actorutil.SelfSender(ctx)
	state.client.Publish(topic, payload, 1, retain, func(err error) {
		send(publishResult{ReplyTo: replyTo, Error: err})
	}, 5*time.Second)
	state.behavior.BecomeStacked(state.MessagePublishResultReceive)
}

func (state *MQTTActor) MessagePublishResultReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case publishResult:
		// log error and return to default state
		if msg.Error != nil {
			state.logger.Error("mqtt@publishing could not publish a message", zap.Error(msg.Error))
		}
		if msg.ReplyTo != nil {
			ctx.Send(msg.ReplyTo, domain.PublishReportResponse{ActorResponseMixIn: domain.ActorResponseMixIn{
				ResponseError: msg.Error,
			}})
		}
		state.behavior.UnbecomeStacked()
		state.stash.UnstashOldest(ctx)
	case MQTTConnectionLost:
		state.logger.Error("mqtt@publishing connection lost", zap.Error(msg.Error))
		panic(msg.Error)
	default:
		state.logger.Debug("mqtt@publishing stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *MQTTActor) stop() {
	state.logger.Debug("mqtt: disconnect")
	if state.client != nil {
		state.client.Publish(state.client.AvailabilityTopic(), mqtt.MQTT_PAYLOAD_OFFLINE, 0, true, func(error) {}, 500*time.Millisecond)
		state.client.Disconnect(500 * time.Millisecond)
	}
}

// DecodeMQTTCommand reads a JSON command, bare or wrapped in a client request.
func DecodeMQTTCommand(codec smartcity.Codec, payload []byte) (*smartcity.Command, error) {
	msg, err := codec.Unmarshal(payload)
	if err != nil {
		return nil, err
	}
	cmd, _ := CommandFromMessage(msg)
	if cmd == nil {
		return nil, errors.New("payload carries no command")
	}
	return cmd, nil
}

// CommandResponseFor builds the reply published on the response topic.
// Unsupported commands succeed with a note; invalid values fail.
func CommandResponseFor(resp domain.ApplyCommandResponse) smartcity.CommandResponse {
	out := smartcity.CommandResponse{
		DeviceID:       resp.Report.DeviceID,
		RequestID:      resp.Command.RequestID,
		Success:        !resp.HasResponseError(),
		Status:         resp.Report.Status,
		ReportPeriodMs: resp.Report.ReportPeriodMs,
		Measurement:    resp.Report.Measurement,
		Timestamp:      resp.Report.Timestamp,
	}
	switch {
	case resp.HasResponseError():
		out.Message = resp.GetResponseError().Error()
	case resp.Ignored:
		out.Message = fmt.Sprintf("command %s ignored", resp.Command.Token)
	case resp.Changed:
		out.Message = fmt.Sprintf("%s applied", resp.Command.Kind)
	default:
		out.Message = fmt.Sprintf("%s: no change", resp.Command.Kind)
	}
	return out
}

// Dummy actor
func NewTestMQTTActor(config *config.Config, deviceId string, published chan<- domain.PublishReportRequest, logger *zap.Logger) *MQTTActor {
	act := &MQTTActor{
		config:    config,
		deviceId:  deviceId,
		behavior:  actor.NewBehavior(),
		stash:     &actorutil.Stash{},
		logger:    actorutil.ActorLogger(domain.ACTOR_ID_MQTT, logger),
		published: published,
	}
	act.behavior.Become(act.DummyReceive)
	return act
}

func (state *MQTTActor) DummyReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.ActorHealthRequest:
		state.logger.Debug("mqtt@dummy ActorHealthRequest")
		ctx.Respond(domain.ActorHealthResponse{
			Id:      domain.ACTOR_ID_MQTT,
			Healthy: true,
			State:   "idle",
		})
	case domain.DeviceIdentityChanged:
		state.deviceId = msg.DeviceID
	case domain.PublishReportRequest:
		if state.published != nil {
			state.published <- msg
		}
		if msg.ReplyToRef != nil {
			actorutil.ForRequest(msg).Respond(ctx, domain.PublishReportResponse{})
		}
	}
}
