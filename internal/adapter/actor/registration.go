package actor

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/berfenger/citydevice/internal/core/domain"
	"github.com/berfenger/citydevice/internal/util/actorutil"
	"github.com/berfenger/citydevice/pkg/smartcity"

	"github.com/asynkron/protoactor-go/actor"
	"go.uber.org/zap"
)

// Dialer has the signature of net.DialTimeout.
type Dialer func(network, address string, timeout time.Duration) (net.Conn, error)

var ErrUnknownGateway = errors.New("gateway endpoint unknown")

// RegistrationActor sends the device descriptor to the gateway control port.
// Each attempt is a fresh connection with no acknowledgement and no retry: the
// next discovery broadcast is the retry.
type RegistrationActor struct {
	behavior  actor.Behavior
	dial      Dialer
	timeout   time.Duration
	attempts  int
	failures  int
	lastError error
	logger    *zap.Logger
}

func NewRegistrationActor(dial Dialer, timeout time.Duration, logger *zap.Logger) *RegistrationActor {
	if dial == nil {
		dial = net.DialTimeout
	}
	act := &RegistrationActor{
		behavior: actor.NewBehavior(),
		dial:     dial,
		timeout:  timeout,
		logger:   actorutil.ActorLogger(domain.ACTOR_ID_REGISTRATION, logger),
	}
	act.behavior.Become(act.DefaultReceive)
	return act
}

func (state *RegistrationActor) Receive(context actor.Context) {
	state.behavior.Receive(context)
}

func (state *RegistrationActor) DefaultReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.logger.Debug("registration@default started")
	case domain.ActorHealthRequest:
		state.logger.Debug("registration@default ActorHealthRequest")
		status := "idle"
		if state.lastError != nil {
			status = "last attempt failed"
		}
		ctx.Respond(domain.ActorHealthResponse{
			Id:      domain.ACTOR_ID_REGISTRATION,
			Healthy: true,
			State:   fmt.Sprintf("%s (attempts=%d failures=%d)", status, state.attempts, state.failures),
		})
	case domain.RegisterRequest:
		state.logger.Debug("registration@default RegisterRequest", zap.String("gateway", msg.Endpoint.ControlAddress()))
		req := actorutil.ForRequest(msg)
		state.attempts++
		actorutil.NewBackgroundTask(func() (*smartcity.DeviceDescriptor, error) {
			return state.register(msg.Endpoint, msg.Descriptor)
		}).WithTimeout(2 * state.timeout).OnError(func(err error) {
			state.failures++
			state.lastError = err
			state.logger.Warn("registration@default could not register", zap.String("gateway", msg.Endpoint.ControlAddress()), zap.Error(err))
			req.Respond(ctx, domain.RegisterResponse{
				ActorResponseMixIn: domain.ActorResponseMixIn{
					ResponseError: err,
				},
				Descriptor: msg.Descriptor,
			})
		}).OnSuccess(func(desc smartcity.DeviceDescriptor) {
			state.lastError = nil
			state.logger.Info("registration@default registered", zap.String("gateway", msg.Endpoint.ControlAddress()),
				zap.String("device_id", desc.DeviceID), zap.String("ip", desc.IPAddress))
			req.Respond(ctx, domain.RegisterResponse{
				Descriptor: desc,
			})
		}).Run()
	}
}

func (state *RegistrationActor) register(endpoint smartcity.GatewayEndpoint, desc smartcity.DeviceDescriptor) (*smartcity.DeviceDescriptor, error) {
	if !endpoint.Known() {
		return nil, ErrUnknownGateway
	}
	addr := endpoint.ControlAddress()
	conn, err := state.dial("tcp", addr, state.timeout)
	if err != nil {
		return nil, &domain.TransportError{Op: "dial", Addr: addr, Err: err}
	}
	defer conn.Close()

	if state.timeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(state.timeout))
	}
	// advertise the address the gateway actually sees us on
	if desc.IPAddress == "" {
		if local, ok := conn.LocalAddr().(*net.TCPAddr); ok {
			desc.IPAddress = local.IP.String()
		}
	}
	if err := smartcity.WriteDelimited(conn, smartcity.NewMessage(&desc)); err != nil {
		return nil, &domain.TransportError{Op: "write", Addr: addr, Err: err}
	}
	return &desc, nil
}
