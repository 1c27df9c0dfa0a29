package actor

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/berfenger/citydevice/internal/adapter/announce"
	adactor "github.com/berfenger/citydevice/internal/adapter/actor"
	"github.com/berfenger/citydevice/internal/config"
	"github.com/berfenger/citydevice/internal/core/domain"
	"github.com/berfenger/citydevice/internal/core/port"
	"github.com/berfenger/citydevice/internal/core/service"
	"github.com/berfenger/citydevice/internal/mqtt"
	. "github.com/berfenger/citydevice/internal/util/actorutil"
	"github.com/berfenger/citydevice/pkg/smartcity"

	"github.com/asynkron/protoactor-go/actor"
	"go.uber.org/zap"
)

type MQTTActorProvider func(broker mqtt.Broker, deviceId string) *adactor.MQTTActor

// DeviceDependencies are the I/O edges of a device. Nil Discovery disables
// the multicast listener; nil Measurements means reports carry no measurement.
type DeviceDependencies struct {
	StateMachine      port.DeviceStateMachine
	Measurements      port.MeasurementSource
	Telemetry         port.TelemetrySink
	Discovery         port.PacketSourceFactory
	ControlListener   adactor.ListenerFactory
	MQTTActorProvider MQTTActorProvider
}

// DeviceActor is the single owner of the device state: status, identity,
// gateway endpoint and last measurement. Every other actor and every
// connection goroutine goes through its mailbox.
type DeviceActor struct {
	config   config.Config
	behavior actor.Behavior
	stash    *Stash
	deps     DeviceDependencies

	descriptor      smartcity.DeviceDescriptor
	stateMachine    port.DeviceStateMachine
	endpoint        smartcity.GatewayEndpoint
	lastMeasurement *smartcity.Measurement
	announcer       *announce.Announcer

	currentHealthCheck healthCheckResult
	registrationActor  *actor.PID
	reporterActor      *actor.PID
	controlActor       *actor.PID
	discoveryActor     *actor.PID
	mqttActor          *actor.PID
	logger             *zap.Logger
}

type healthCheckResult struct {
	expected  int
	responses []domain.ActorHealthResponse
	respondTo *actor.PID
}

func NewDeviceActor(config config.Config, descriptor smartcity.DeviceDescriptor, deps DeviceDependencies, logger *zap.Logger) *DeviceActor {
	act := &DeviceActor{
		config:       config,
		behavior:     actor.NewBehavior(),
		stash:        &Stash{},
		deps:         deps,
		descriptor:   descriptor,
		stateMachine: deps.StateMachine,
		logger:       ActorLogger(domain.ACTOR_ID_DEVICE, logger),
	}
	act.behavior.Become(act.StartingReceive)
	return act
}

// NewStateMachine builds the state machine of the configured device class.
func NewStateMachine(cfg config.DeviceConfig) port.DeviceStateMachine {
	if cfg.IsSensor() {
		return service.NewSensor(smartcity.DeviceStatusActive, cfg.ReportPeriod())
	}
	return service.NewBinaryActuator(smartcity.DeviceStatusOff, cfg.ReportPeriod())
}

// NewDescriptor is the identity announced at registration.
func NewDescriptor(cfg config.Config, stateMachine port.DeviceStateMachine, firmware string) smartcity.DeviceDescriptor {
	deviceType := smartcity.DeviceTypeTemperatureSensor
	switch cfg.Device.Class {
	case config.DEVICE_CLASS_RELAY:
		deviceType = smartcity.DeviceTypeRelay
	case config.DEVICE_CLASS_ALARM:
		deviceType = smartcity.DeviceTypeAlarm
	}
	desc := smartcity.DeviceDescriptor{
		DeviceID:      cfg.Device.Id,
		DeviceType:    deviceType,
		IPAddress:     cfg.Device.AdvertiseIP,
		ControlPort:   uint32(cfg.Device.ControlPort),
		InitialStatus: stateMachine.Status(),
		IsActuator:    deviceType.IsActuator(),
		IsSensor:      deviceType.IsSensor(),
	}
	desc.Capabilities = capabilities(cfg, desc.DeviceID, firmware)
	return desc
}

func capabilities(cfg config.Config, deviceId string, firmware string) map[string]string {
	caps := map[string]string{
		"communication": cfg.Telemetry.Transport,
	}
	if firmware != "" {
		caps["firmware"] = firmware
	}
	if cfg.Telemetry.UseMQTT() {
		topics := mqtt.TopicsFor(cfg.MQTT.BaseTopic, mqtt.CategoryForClass(cfg.Device.Class), deviceId)
		caps["data_topic"] = topics.Data
		caps["command_topic"] = topics.Command
		caps["response_topic"] = topics.Response
	}
	return caps
}

func (state *DeviceActor) Receive(context actor.Context) {
	state.behavior.Receive(context)
}

func (state *DeviceActor) StartingReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.logger.Debug("device@starting started", zap.String("device_id", state.descriptor.DeviceID),
			zap.Stringer("status", state.stateMachine.Status()))

		// start Registration child
		registrationActorPID, err := state.startRegistrationActor(ctx)
		if err != nil {
			panic(err)
		}
		state.registrationActor = registrationActorPID

		// start Reporter child
		reporterActorPID, err := state.startReporterActor(ctx)
		if err != nil {
			panic(err)
		}
		state.reporterActor = reporterActorPID
		state.scheduleReports(ctx)

		// start Control child
		controlActorPID, err := state.startControlActor(ctx)
		if err != nil {
			panic(err)
		}
		state.controlActor = controlActorPID

		// start Discovery child
		if state.deps.Discovery != nil {
			discoveryActorPID, err := state.startDiscoveryActor(ctx)
			if err != nil {
				panic(err)
			}
			state.discoveryActor = discoveryActorPID
		}

		// start MQTT child if the broker is configured, otherwise wait for discovery
		if state.config.Telemetry.UseMQTT() && state.config.MQTT.Host != "" {
			state.startMQTTActorOnce(ctx, mqtt.Broker{Host: state.config.MQTT.Host, Port: state.config.MQTT.Port})
		}

		// mDNS announcement
		if state.config.Announce.Enabled {
			announcer, err := announce.Start(state.config.Announce, state.descriptor, state.logger)
			if err != nil {
				state.logger.Warn("device@starting announce failed", zap.Error(err))
			} else {
				state.announcer = announcer
			}
		}

		// a pinned gateway counts as discovered
		if state.config.Gateway.Host != "" {
			ctx.Send(ctx.Self(), domain.GatewayDiscoveredRequest{Endpoint: smartcity.GatewayEndpoint{
				IP:            state.config.Gateway.Host,
				ControlPort:   state.config.Gateway.ControlPort,
				TelemetryPort: state.config.Gateway.TelemetryPort,
			}})
		}

		state.behavior.Become(state.DefaultReceive)
		state.stash.UnstashAll(ctx)
	default:
		state.logger.Debug("device@starting stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *DeviceActor) DefaultReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.ApplyCommandRequest:
		state.applyCommand(ctx, msg)
	case domain.GetSnapshotRequest:
		ForRequest(msg).Respond(ctx, domain.GetSnapshotResponse{Snapshot: state.snapshot()})
	case domain.GatewayDiscoveredRequest:
		state.onGatewayDiscovered(ctx, msg)
	case domain.RegisterResponse:
		if msg.HasResponseError() {
			state.logger.Warn("device@default registration failed", zap.Error(msg.GetResponseError()))
		} else {
			state.logger.Debug("device@default registered", zap.String("device_id", msg.Descriptor.DeviceID))
		}
	case domain.MeasurementRecorded:
		measurement := msg.Measurement
		state.lastMeasurement = &measurement
	case domain.ActorHealthRequest:
		state.logger.Debug("device@default ActorHealthRequest")
		state.currentHealthCheck.reset()
		state.currentHealthCheck.respondTo = ctx.Sender()
		for id, pid := range state.children() {
			state.currentHealthCheck.expected++
			PipeToSelfWithRecover(ctx, ctx.RequestFuture(pid, domain.ActorHealthRequest{}, 500*time.Millisecond), func(err error) any {
				return domain.ActorHealthResponse{
					Id:      id,
					Healthy: false,
					State:   err.Error(),
				}
			})
		}

		ctx.SetReceiveTimeout(1 * time.Second)

		state.behavior.BecomeStacked(state.HealthCheckReceive)
	case *actor.Terminated:
		state.logger.Error("device@default child terminated", zap.String("who", msg.Who.Id))
		if state.mqttActor != nil && msg.Who.Id == state.mqttActor.Id {
			state.mqttActor = nil
			// back to the UDP sink
			ctx.Send(state.reporterActor, domain.TelemetryPublisherReady{})
		}
	case *actor.Stopping:
		if state.announcer != nil {
			state.announcer.Shutdown()
		}
	default:
		state.logger.Debug("device@default unhandled", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

func (state *DeviceActor) HealthCheckReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.ReceiveTimeout:
		// if some actor does not respond to healthCheck, assume not healthy
		ctx.SetReceiveTimeout(0)
		state.currentHealthCheck.respond(ctx, state.stateMachine.Status())
		state.behavior.UnbecomeStacked()
		state.stash.UnstashAll(ctx)
	case domain.ActorHealthResponse:
		state.logger.Debug("device@healthcheck ActorHealthResponse", zap.String("sender", msg.Id), zap.Bool("healthy", msg.Healthy))
		state.currentHealthCheck.responses = append(state.currentHealthCheck.responses, msg)
		if state.currentHealthCheck.allReceived() {
			ctx.SetReceiveTimeout(0)
			state.currentHealthCheck.respond(ctx, state.stateMachine.Status())

			state.behavior.UnbecomeStacked()
			state.stash.UnstashAll(ctx)
		}
	default:
		state.logger.Debug("device@healthcheck stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *DeviceActor) applyCommand(ctx actor.Context, msg domain.ApplyCommandRequest) {
	before := state.snapshot()
	cmd, err := domain.ParseCommand(msg.Command)
	resp := domain.ApplyCommandResponse{Command: cmd}

	switch {
	case errors.Is(err, domain.ErrUnsupportedCommand):
		state.logger.Warn("device@default unsupported command", zap.String("command", msg.Command.Type), zap.String("source", msg.Source))
		resp.Ignored = true
	case err != nil:
		// previous configuration stays
		state.logger.Warn("device@default rejected command", zap.String("command", msg.Command.Type), zap.String("source", msg.Source), zap.Error(err))
		resp.ResponseError = err
	case cmd.Kind == domain.COMMAND_SET_DEVICE_ID:
		resp.Changed = state.changeIdentity(ctx, cmd.Value)
	default:
		resp.Changed = state.stateMachine.Apply(cmd)
	}

	after := state.snapshot()
	if after.Status != before.Status || after.ReportPeriod != before.ReportPeriod {
		state.scheduleReports(ctx)
	}
	if resp.Changed {
		state.logger.Info("device@default command applied", zap.Stringer("command", cmd.Kind),
			zap.Stringer("status", after.Status), zap.String("source", msg.Source))
		// edge-triggered report, on top of the periodic ones
		ctx.Send(state.reporterActor, domain.SendReportNowRequest{Snapshot: after})
	}

	resp.Report = after.Report(after.LastMeasurement, time.Now())
	ForRequest(msg).Respond(ctx, resp)
}

func (state *DeviceActor) changeIdentity(ctx actor.Context, deviceId string) bool {
	if deviceId == state.descriptor.DeviceID {
		return false
	}
	state.logger.Info("device@default device id changed", zap.String("from", state.descriptor.DeviceID), zap.String("to", deviceId))
	state.descriptor.DeviceID = deviceId
	state.descriptor.Capabilities = capabilities(state.config, deviceId, state.descriptor.Capabilities["firmware"])

	if state.mqttActor != nil {
		ctx.Send(state.mqttActor, domain.DeviceIdentityChanged{DeviceID: deviceId})
	}
	if state.announcer != nil {
		state.announcer.Update(state.descriptor)
	}
	if state.endpoint.Known() {
		ctx.Request(state.registrationActor, domain.RegisterRequest{
			Endpoint:   state.endpoint,
			Descriptor: state.descriptor,
		})
	}
	return true
}

func (state *DeviceActor) onGatewayDiscovered(ctx actor.Context, msg domain.GatewayDiscoveredRequest) {
	// last writer wins
	state.endpoint = msg.Endpoint
	state.logger.Info("device@default gateway endpoint updated", zap.String("control", msg.Endpoint.ControlAddress()),
		zap.String("telemetry", msg.Endpoint.TelemetryAddress()))

	if state.config.Telemetry.UseMQTT() && msg.Endpoint.HasBroker() {
		state.startMQTTActorOnce(ctx, mqtt.Broker{Host: msg.Endpoint.BrokerIP, Port: int(msg.Endpoint.BrokerPort)})
	}

	req := domain.RegisterRequest{
		Endpoint:   state.endpoint,
		Descriptor: state.descriptor,
	}
	if replyTo := ForRequest(msg).ReplyTo(ctx); replyTo != nil {
		req.ReplyToRef = RefOf(replyTo)
		ctx.Send(state.registrationActor, req)
	} else {
		ctx.Request(state.registrationActor, req)
	}
}

func (state *DeviceActor) snapshot() domain.DeviceSnapshot {
	return domain.DeviceSnapshot{
		Descriptor:      state.descriptor,
		Status:          state.stateMachine.Status(),
		Endpoint:        state.endpoint,
		ReportPeriod:    state.stateMachine.ReportPeriod(),
		LastMeasurement: state.lastMeasurement,
	}
}

func (state *DeviceActor) scheduleReports(ctx actor.Context) {
	ctx.Send(state.reporterActor, domain.ScheduleReportsRequest{
		Period: state.stateMachine.ReportPeriod(),
		Active: state.stateMachine.Status().Reporting(),
	})
}

func (state *DeviceActor) children() map[string]*actor.PID {
	children := map[string]*actor.PID{
		domain.ACTOR_ID_REGISTRATION: state.registrationActor,
		domain.ACTOR_ID_REPORTER:     state.reporterActor,
		domain.ACTOR_ID_CONTROL:      state.controlActor,
	}
	if state.discoveryActor != nil {
		children[domain.ACTOR_ID_DISCOVERY] = state.discoveryActor
	}
	if state.mqttActor != nil {
		children[domain.ACTOR_ID_MQTT] = state.mqttActor
	}
	return children
}

func restartDecider(reason interface{}) actor.Directive {
	log.Printf("handling failure for child. reason: %v", reason)
	return actor.RestartDirective
}

func (state *DeviceActor) startRegistrationActor(ctx actor.Context) (*actor.PID, error) {

	supervisor := actor.NewOneForOneStrategy(10, 10*time.Second, restartDecider)

	props := actor.PropsFromProducer(func() actor.Actor {
		return adactor.NewRegistrationActor(nil, 3*time.Second, state.logger)
	}, actor.WithSupervisor(supervisor))
	return ctx.SpawnNamed(props, domain.ACTOR_ID_REGISTRATION)
}

func (state *DeviceActor) startReporterActor(ctx actor.Context) (*actor.PID, error) {

	supervisor := actor.NewOneForOneStrategy(10, 10*time.Second, restartDecider)

	self := ctx.Self()
	props := actor.PropsFromProducer(func() actor.Actor {
		return NewReporterActor(self, state.deps.Telemetry, state.deps.Measurements, state.logger)
	}, actor.WithSupervisor(supervisor))
	return ctx.SpawnNamed(props, domain.ACTOR_ID_REPORTER)
}

func (state *DeviceActor) startControlActor(ctx actor.Context) (*actor.PID, error) {

	supervisor := actor.NewExponentialBackoffStrategy(10*time.Second, 1*time.Second)

	self := ctx.Self()
	listen := state.deps.ControlListener
	if listen == nil {
		listen = adactor.TCPListener(state.config.Device.ControlPort)
	}
	props := actor.PropsFromProducer(func() actor.Actor {
		return adactor.NewControlActor(self, listen, state.config.Control.MaxConnections, state.config.Control.ReadTimeout(), state.logger)
	}, actor.WithSupervisor(supervisor))
	return ctx.SpawnNamed(props, domain.ACTOR_ID_CONTROL)
}

func (state *DeviceActor) startDiscoveryActor(ctx actor.Context) (*actor.PID, error) {

	supervisor := actor.NewExponentialBackoffStrategy(10*time.Second, 1*time.Second)

	props := actor.PropsFromProducer(func() actor.Actor {
		return NewDiscoveryActor(state.deps.Discovery, 10*time.Second, state.logger)
	}, actor.WithSupervisor(supervisor))
	return ctx.SpawnNamed(props, domain.ACTOR_ID_DISCOVERY)
}

// startMQTTActorOnce keeps the first broker: later broadcasts naming another
// broker do not move an established connection.
func (state *DeviceActor) startMQTTActorOnce(ctx actor.Context, broker mqtt.Broker) {
	if state.mqttActor != nil || state.deps.MQTTActorProvider == nil {
		return
	}

	supervisor := actor.NewExponentialBackoffStrategy(10*time.Second, 1*time.Second)

	deviceId := state.descriptor.DeviceID
	props := actor.PropsFromProducer(func() actor.Actor {
		return state.deps.MQTTActorProvider(broker, deviceId)
	}, actor.WithSupervisor(supervisor))
	pid, err := ctx.SpawnNamed(props, domain.ACTOR_ID_MQTT)
	if err != nil {
		state.logger.Error("device@default could not start mqtt", zap.Error(err))
		return
	}
	state.mqttActor = pid
	state.logger.Info("device@default telemetry over mqtt", zap.String("broker", broker.URL()))
	ctx.Send(state.reporterActor, domain.TelemetryPublisherReady{Publisher: RefOf(pid)})
}

func (state *healthCheckResult) reset() {
	state.expected = 0
	state.responses = nil
	state.respondTo = nil
}

func (state *healthCheckResult) allReceived() bool {
	return len(state.responses) >= state.expected
}

func (state *healthCheckResult) allHealthy() bool {
	if !state.allReceived() {
		return false
	}
	for _, r := range state.responses {
		if !r.Healthy {
			return false
		}
	}
	return true
}

func (state *healthCheckResult) respond(ctx actor.Context, status smartcity.DeviceStatus) {
	resp := domain.ActorHealthResponse{
		Id:      domain.ACTOR_ID_DEVICE,
		Healthy: state.allHealthy(),
		State:   status.String(),
		Details: state.responses,
	}
	if state.respondTo != nil {
		ctx.Send(state.respondTo, resp)
	}
}
