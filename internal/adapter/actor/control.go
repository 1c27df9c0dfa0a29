package actor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/berfenger/citydevice/internal/core/domain"
	. "github.com/berfenger/citydevice/internal/util/actorutil"
	"github.com/berfenger/citydevice/pkg/smartcity"

	"github.com/asynkron/protoactor-go/actor"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// ListenerFactory opens the control listener. It runs once per actor start.
type ListenerFactory func() (net.Listener, error)

func TCPListener(port uint) ListenerFactory {
	return func() (net.Listener, error) {
		addr := fmt.Sprintf(":%d", port)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, &domain.TransportError{Op: "listen", Addr: addr, Err: err}
		}
		return ln, nil
	}
}

// ControlActor is the command server. It owns the listener; each accepted
// connection is served by its own goroutine, bounded by a semaphore, and
// talks to the device actor through the root context.
type ControlActor struct {
	ActorWithStates
	device         *actor.PID
	listen         ListenerFactory
	listener       net.Listener
	maxConnections int64
	readTimeout    time.Duration
	requestTimeout time.Duration
	handled        int
	failed         int
	bindError      error
	cancel         context.CancelFunc
	logger         *zap.Logger
}

type connectionHandled struct {
	remote string
	err    error
}

type acceptStopped struct {
	err error
}

func NewControlActor(device *actor.PID, listen ListenerFactory, maxConnections int64, readTimeout time.Duration, logger *zap.Logger) *ControlActor {
	if maxConnections <= 0 {
		maxConnections = 1
	}
	act := &ControlActor{
		ActorWithStates: ActorWithStates{
			Behavior: actor.NewBehavior(),
		},
		device:         device,
		listen:         listen,
		maxConnections: maxConnections,
		readTimeout:    readTimeout,
		requestTimeout: 5 * time.Second,
		logger:         ActorLogger(domain.ACTOR_ID_CONTROL, logger),
	}
	act.Become(ControlStartingState{actor: act})
	return act
}

func (state *ControlActor) Receive(context actor.Context) {
	state.Behavior.Receive(context)
}

func (state *ControlActor) health(ctx actor.Context, healthy bool) {
	ctx.Respond(domain.ActorHealthResponse{
		Id:      domain.ACTOR_ID_CONTROL,
		Healthy: healthy,
		State:   fmt.Sprintf("%s (handled=%d failed=%d)", state.StateName(), state.handled, state.failed),
	})
}

func (state *ControlActor) stop() {
	if state.cancel != nil {
		state.cancel()
		state.cancel = nil
	}
	if state.listener != nil {
		state.listener.Close()
		state.listener = nil
	}
}

// Starting state

type ControlStartingState struct {
	ActorState
	actor *ControlActor
}

func (state ControlStartingState) Name() string {
	return "starting"
}

func (state ControlStartingState) Receive(ctx actor.Context) {
	switch ctx.Message().(type) {
	case *actor.Started:
		state.actor.logger.Debug("control@starting started")
		ln, err := state.actor.listen()
		if err != nil {
			// the device keeps running without a command server
			state.actor.bindError = err
			state.actor.logger.Error("control@starting could not bind control port", zap.Error(err))
			state.actor.Become(ControlFailedState{actor: state.actor})
			return
		}
		state.actor.listener = ln
		state.actor.logger.Info("control@starting listening", zap.String("addr", ln.Addr().String()))

		acceptCtx, cancel := context.WithCancel(context.Background())
		state.actor.cancel = cancel
		handler := commandConnHandler{
			root:           ctx.ActorSystem().Root,
			device:         state.actor.device,
			readTimeout:    state.actor.readTimeout,
			requestTimeout: state.actor.requestTimeout,
			logger:         state.actor.logger,
		}
		go acceptLoop(acceptCtx, ln, semaphore.NewWeighted(state.actor.maxConnections), handler, SelfSender(ctx))

		state.actor.Become(ControlServingState{actor: state.actor})
	case *actor.Restarting:
		state.actor.stop()
	}
}

// Serving state

type ControlServingState struct {
	ActorState
	actor *ControlActor
}

func (state ControlServingState) Name() string {
	return "serving"
}

func (state ControlServingState) Receive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.ActorHealthRequest:
		state.actor.logger.Debug("control@serving ActorHealthRequest")
		state.actor.health(ctx, true)
	case connectionHandled:
		state.actor.handled++
		if msg.err != nil {
			state.actor.failed++
			state.actor.logger.Warn("control@serving connection dropped", zap.String("remote", msg.remote), zap.Error(msg.err))
		}
	case acceptStopped:
		if msg.err != nil {
			// let the supervisor rebind
			state.actor.logger.Error("control@serving accept loop stopped", zap.Error(msg.err))
			panic(msg.err)
		}
	case *actor.Restarting:
		state.actor.stop()
	case *actor.Stopping:
		state.actor.logger.Debug("control@serving stopping")
		state.actor.stop()
	}
}

// Failed state

type ControlFailedState struct {
	ActorState
	actor *ControlActor
}

func (state ControlFailedState) Name() string {
	return "failed"
}

func (state ControlFailedState) Receive(ctx actor.Context) {
	switch ctx.Message().(type) {
	case domain.ActorHealthRequest:
		state.actor.logger.Debug("control@failed ActorHealthRequest", zap.Error(state.actor.bindError))
		state.actor.health(ctx, false)
	}
}

func acceptLoop(ctx context.Context, ln net.Listener, sem *semaphore.Weighted, handler commandConnHandler, notify func(any)) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				notify(acceptStopped{})
			} else {
				notify(acceptStopped{err: err})
			}
			return
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			conn.Close()
			continue
		}
		go func() {
			defer sem.Release(1)
			remote := conn.RemoteAddr().String()
			notify(connectionHandled{remote: remote, err: handler.handle(conn)})
		}()
	}
}

type commandConnHandler struct {
	root           *actor.RootContext
	device         *actor.PID
	readTimeout    time.Duration
	requestTimeout time.Duration
	logger         *zap.Logger
}

// handle serves exactly one envelope and always closes the connection.
func (h commandConnHandler) handle(conn net.Conn) (err error) {
	defer conn.Close()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("control: handler panic: %v", r)
		}
	}()

	if h.readTimeout > 0 {
		conn.SetDeadline(time.Now().Add(h.readTimeout))
	}
	msg, err := smartcity.ReadDelimited(conn)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}

	cmd, reply := CommandFromMessage(msg)
	if cmd == nil {
		h.logger.Debug("control: envelope without command", zap.Stringer("type", msg.Type))
		return nil
	}

	res, err := h.root.RequestFuture(h.device, domain.ApplyCommandRequest{
		Command: *cmd,
		Source:  conn.RemoteAddr().String(),
	}, h.requestTimeout).Result()
	if err != nil {
		return err
	}
	resp, ok := res.(domain.ApplyCommandResponse)
	if !ok {
		return fmt.Errorf("control: unexpected response %T", res)
	}
	if !reply && resp.Command.Kind != domain.COMMAND_GET_STATUS {
		return nil
	}
	report := resp.Report
	return smartcity.WriteDelimited(conn, smartcity.NewMessage(&report))
}

// CommandFromMessage extracts the command an envelope carries. reply is true
// for client requests, which always expect the status report back.
func CommandFromMessage(msg *smartcity.Message) (cmd *smartcity.Command, reply bool) {
	switch p := msg.Payload.(type) {
	case *smartcity.Command:
		return p, false
	case *smartcity.ClientRequest:
		if p.Command != nil {
			return p.Command, true
		}
		return &smartcity.Command{Type: domain.COMMAND_GET_STATUS.String()}, true
	default:
		return nil, false
	}
}
