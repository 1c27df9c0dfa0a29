package actor

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/berfenger/citydevice/internal/core/domain"
	"github.com/berfenger/citydevice/internal/core/port"
	. "github.com/berfenger/citydevice/internal/util/actorutil"
	"github.com/berfenger/citydevice/pkg/smartcity"

	"github.com/asynkron/protoactor-go/actor"
	"go.uber.org/zap"
)

// DiscoveryActor listens for gateway broadcasts and hands every decoded one
// to its parent, the device actor, which triggers registration. While a
// registration is in flight further broadcasts wait in the stash, so each
// broadcast leads to exactly one registration attempt.
type DiscoveryActor struct {
	ActorWithStates
	stash               *Stash
	open                port.PacketSourceFactory
	source              port.PacketSource
	registrationTimeout time.Duration
	received            int
	rejected            int
	registrations       int
	openError           error
	logger              *zap.Logger
}

type packetReceived struct {
	data []byte
	from string
}

type readerStopped struct {
	err error
}

func NewDiscoveryActor(open port.PacketSourceFactory, registrationTimeout time.Duration, logger *zap.Logger) *DiscoveryActor {
	act := &DiscoveryActor{
		ActorWithStates: ActorWithStates{
			Behavior: actor.NewBehavior(),
		},
		stash:               &Stash{},
		open:                open,
		registrationTimeout: registrationTimeout,
		logger:              ActorLogger(domain.ACTOR_ID_DISCOVERY, logger),
	}
	act.Become(DiscoveryJoiningState{actor: act})
	return act
}

func (state *DiscoveryActor) Receive(context actor.Context) {
	state.Behavior.Receive(context)
}

func (state *DiscoveryActor) health(ctx actor.Context, healthy bool) {
	ctx.Respond(domain.ActorHealthResponse{
		Id:      domain.ACTOR_ID_DISCOVERY,
		Healthy: healthy,
		State: fmt.Sprintf("%s (received=%d rejected=%d registrations=%d)",
			state.StateName(), state.received, state.rejected, state.registrations),
	})
}

func (state *DiscoveryActor) close() {
	if state.source != nil {
		state.source.Close()
		state.source = nil
	}
}

func readPackets(source port.PacketSource, notify func(any)) {
	buf := make([]byte, smartcity.MaxMessageSize)
	for {
		n, from, err := source.ReadPacket(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				err = nil
			}
			notify(readerStopped{err: err})
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		notify(packetReceived{data: data, from: from})
	}
}

// Joining state

type DiscoveryJoiningState struct {
	ActorState
	actor *DiscoveryActor
}

func (state DiscoveryJoiningState) Name() string {
	return "joining"
}

func (state DiscoveryJoiningState) Receive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.actor.logger.Debug("discovery@joining started")
		source, err := state.actor.open()
		if err != nil {
			// the device keeps running, it just never hears a gateway
			state.actor.openError = err
			state.actor.logger.Error("discovery@joining could not join discovery group", zap.Error(err))
			state.actor.Become(DiscoveryFailedState{actor: state.actor})
			return
		}
		state.actor.source = source
		go readPackets(source, SelfSender(ctx))
		state.actor.logger.Info("discovery@joining listening for gateway broadcasts")
		state.actor.Become(DiscoveryListeningState{actor: state.actor})
		state.actor.stash.UnstashAll(ctx)
	case *actor.Restarting:
		state.actor.close()
	default:
		state.actor.logger.Debug("discovery@joining stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.actor.stash.Stash(ctx, msg)
	}
}

// Listening state

type DiscoveryListeningState struct {
	ActorState
	actor *DiscoveryActor
}

func (state DiscoveryListeningState) Name() string {
	return "listening"
}

func (state DiscoveryListeningState) Receive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.ActorHealthRequest:
		state.actor.logger.Debug("discovery@listening ActorHealthRequest")
		state.actor.health(ctx, true)
	case packetReceived:
		state.actor.received++
		req, err := smartcity.DecodeDiscovery(msg.data)
		if err != nil {
			state.actor.rejected++
			state.actor.logger.Warn("discovery@listening dropped malformed broadcast", zap.String("from", msg.from), zap.Error(err))
			return
		}
		endpoint := req.Endpoint()
		if endpoint.IP == "" {
			if host, _, err := net.SplitHostPort(msg.from); err == nil {
				endpoint.IP = host
			}
		}
		if !endpoint.Known() {
			state.actor.rejected++
			state.actor.logger.Warn("discovery@listening broadcast without gateway address", zap.String("from", msg.from))
			return
		}
		state.actor.logger.Info("discovery@listening gateway discovered", zap.String("control", endpoint.ControlAddress()),
			zap.Uint32("telemetry_port", endpoint.TelemetryPort))
		ctx.Request(ctx.Parent(), domain.GatewayDiscoveredRequest{Endpoint: endpoint})
		ctx.SetReceiveTimeout(state.actor.registrationTimeout)
		state.actor.BecomeStacked(DiscoveryRegisteringState{actor: state.actor})
	case readerStopped:
		if msg.err != nil {
			// let the supervisor rejoin
			state.actor.logger.Error("discovery@listening receive failed", zap.Error(msg.err))
			panic(msg.err)
		}
	case *actor.Restarting:
		state.actor.close()
	case *actor.Stopping:
		state.actor.logger.Debug("discovery@listening stopping")
		state.actor.close()
	}
}

// Registering state

type DiscoveryRegisteringState struct {
	ActorState
	actor *DiscoveryActor
}

func (state DiscoveryRegisteringState) Name() string {
	return "registering"
}

func (state DiscoveryRegisteringState) Receive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.ActorHealthRequest:
		state.actor.logger.Debug("discovery@registering ActorHealthRequest")
		state.actor.health(ctx, true)
	case domain.RegisterResponse:
		state.actor.registrations++
		if msg.HasResponseError() {
			// next broadcast retries
			state.actor.logger.Warn("discovery@registering registration failed", zap.Error(msg.GetResponseError()))
		} else {
			state.actor.logger.Debug("discovery@registering registered", zap.String("device_id", msg.Descriptor.DeviceID))
		}
		state.done(ctx)
	case *actor.ReceiveTimeout:
		state.actor.logger.Warn("discovery@registering no answer from registration")
		state.done(ctx)
	case *actor.Restarting:
		state.actor.close()
	case *actor.Stopping:
		state.actor.close()
	default:
		state.actor.logger.Debug("discovery@registering stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.actor.stash.Stash(ctx, msg)
	}
}

func (state DiscoveryRegisteringState) done(ctx actor.Context) {
	ctx.SetReceiveTimeout(0)
	state.actor.UnbecomeStacked()
	state.actor.stash.UnstashAll(ctx)
}

// Failed state

type DiscoveryFailedState struct {
	ActorState
	actor *DiscoveryActor
}

func (state DiscoveryFailedState) Name() string {
	return "failed"
}

func (state DiscoveryFailedState) Receive(ctx actor.Context) {
	switch ctx.Message().(type) {
	case domain.ActorHealthRequest:
		state.actor.logger.Debug("discovery@failed ActorHealthRequest", zap.Error(state.actor.openError))
		state.actor.health(ctx, false)
	}
}
