package actor

import (
	"fmt"
	"time"

	"github.com/berfenger/citydevice/internal/core/domain"
	"github.com/berfenger/citydevice/internal/core/port"
	. "github.com/berfenger/citydevice/internal/util/actorutil"
	"github.com/berfenger/citydevice/pkg/smartcity"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/scheduler"
	"go.uber.org/zap"
)

// ReporterActor owns the telemetry timer. The device actor is the only
// source of truth: every tick asks it for a snapshot before reporting.
type ReporterActor struct {
	behavior     actor.Behavior
	scheduler    *scheduler.TimerScheduler
	device       *actor.PID
	sink         port.TelemetrySink
	measurements port.MeasurementSource
	publisher    *actor.PID
	cancelTick   scheduler.CancelFunc
	period       time.Duration
	active       bool
	generation   uint64
	sent         int
	skipped      int
	failed       int
	logger       *zap.Logger
}

type reportTick struct {
	generation uint64
}

type snapshotFailed struct {
	err error
}

func NewReporterActor(device *actor.PID, sink port.TelemetrySink, measurements port.MeasurementSource, logger *zap.Logger) *ReporterActor {
	act := &ReporterActor{
		behavior:     actor.NewBehavior(),
		device:       device,
		sink:         sink,
		measurements: measurements,
		logger:       ActorLogger(domain.ACTOR_ID_REPORTER, logger),
	}
	act.behavior.Become(act.DefaultReceive)
	return act
}

func (state *ReporterActor) Receive(context actor.Context) {
	state.behavior.Receive(context)
}

func (state *ReporterActor) DefaultReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.logger.Debug("reporter@default started")
		state.scheduler = scheduler.NewTimerScheduler(ctx.ActorSystem().Root)
	case *actor.Stopping:
		state.cancel()
	case *actor.Restarting:
		state.cancel()
	case domain.ActorHealthRequest:
		state.logger.Debug("reporter@default ActorHealthRequest")
		mode := "parked"
		if state.active {
			mode = fmt.Sprintf("every %s", state.period)
		}
		ctx.Respond(domain.ActorHealthResponse{
			Id:      domain.ACTOR_ID_REPORTER,
			Healthy: true,
			State:   fmt.Sprintf("%s (sent=%d skipped=%d failed=%d)", mode, state.sent, state.skipped, state.failed),
		})
	case domain.ScheduleReportsRequest:
		state.reschedule(ctx, msg.Period, msg.Active)
	case domain.TelemetryPublisherReady:
		state.publisher = (*actor.PID)(msg.Publisher)
		if state.publisher != nil {
			state.logger.Info("reporter@default publishing telemetry through broker")
		} else {
			state.logger.Info("reporter@default publishing telemetry over udp")
		}
	case reportTick:
		if msg.generation != state.generation {
			// fired by a timer that was replaced
			return
		}
		PipeToSelfWithRecover(ctx, ctx.RequestFuture(state.device, domain.GetSnapshotRequest{}, time.Second), func(err error) any {
			return snapshotFailed{err: err}
		})
	case domain.GetSnapshotResponse:
		if !state.active || !msg.Snapshot.Status.Reporting() {
			state.logger.Debug("reporter@default tick while parked", zap.Stringer("status", msg.Snapshot.Status))
			state.skipped++
			return
		}
		state.report(ctx, msg.Snapshot, false)
	case snapshotFailed:
		state.logger.Warn("reporter@default could not read device state", zap.Error(msg.err))
		state.failed++
	case domain.SendReportNowRequest:
		state.report(ctx, msg.Snapshot, true)
	}
}

// reschedule drops the pending timer and starts a fresh one, so a new
// period applies from now instead of after the old one elapses.
func (state *ReporterActor) reschedule(ctx actor.Context, period time.Duration, active bool) {
	state.cancel()
	state.generation++
	state.period = period
	state.active = active && period > 0
	if !state.active {
		state.logger.Debug("reporter@default parked")
		return
	}
	state.logger.Debug("reporter@default scheduled", zap.Duration("period", period))
	state.cancelTick = state.scheduler.SendRepeatedly(period, period, ctx.Self(), reportTick{generation: state.generation})
}

func (state *ReporterActor) cancel() {
	if state.cancelTick != nil {
		state.cancelTick()
		state.cancelTick = nil
	}
}

func (state *ReporterActor) report(ctx actor.Context, snapshot domain.DeviceSnapshot, edge bool) {
	if state.publisher == nil && !snapshot.Endpoint.Known() {
		// no gateway yet, nothing to report to
		state.logger.Debug("reporter@default gateway unknown, skipping report", zap.Bool("edge", edge))
		state.skipped++
		return
	}

	var measurement *smartcity.Measurement
	if state.measurements != nil && snapshot.Status.Reporting() {
		NewBackgroundTask(state.measurements.Measure).WithTimeout(2 * time.Second).OnError(func(err error) {
			state.logger.Warn("reporter@default measurement failed", zap.Error(err))
		}).OnSuccess(func(m smartcity.Measurement) {
			measurement = &m
			ctx.Send(state.device, domain.MeasurementRecorded{Measurement: m})
		}).Run()
	}

	report := snapshot.Report(measurement, time.Now())
	if state.publisher != nil {
		ctx.Send(state.publisher, domain.PublishReportRequest{Report: report})
		state.sent++
		return
	}
	if err := state.sink.Send(snapshot.Endpoint, report); err != nil {
		state.logger.Warn("reporter@default telemetry send failed", zap.String("addr", snapshot.Endpoint.TelemetryAddress()), zap.Error(err))
		state.failed++
		return
	}
	state.logger.Debug("reporter@default report sent", zap.Stringer("status", report.Status), zap.Bool("edge", edge))
	state.sent++
}
