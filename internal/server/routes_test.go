package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/berfenger/citydevice/internal/core/domain"
	"github.com/berfenger/citydevice/internal/util"
	"github.com/berfenger/citydevice/pkg/smartcity"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDevice struct {
	healthy bool
}

func (d fakeDevice) Receive(ctx actor.Context) {
	switch ctx.Message().(type) {
	case domain.ActorHealthRequest:
		ctx.Respond(domain.ActorHealthResponse{Id: domain.ACTOR_ID_DEVICE, Healthy: d.healthy})
	case domain.GetSnapshotRequest:
		ctx.Respond(domain.GetSnapshotResponse{Snapshot: domain.DeviceSnapshot{
			Descriptor: smartcity.DeviceDescriptor{
				DeviceID:   "sensor-1",
				DeviceType: smartcity.DeviceTypeTemperatureSensor,
			},
			Status:          smartcity.DeviceStatusActive,
			ReportPeriod:    15 * time.Second,
			LastMeasurement: &smartcity.Measurement{Temperature: 20.5, Humidity: 50},
		}})
	}
}

func newTestServer(healthy bool) (*actor.ActorSystem, http.Handler) {
	as := actor.NewActorSystem()
	pid := as.Root.Spawn(actor.PropsFromProducer(func() actor.Actor { return fakeDevice{healthy: healthy} }))
	srv := NewServer(util.LoadTestConfig(), as.Root, pid)
	return as, srv.Handler
}

func TestHealthCheck(t *testing.T) {

	as, handler := newTestServer(true)
	defer as.Shutdown()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthcheck", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "health_check: OK", rec.Body.String())

	as2, unhealthy := newTestServer(false)
	defer as2.Shutdown()

	rec = httptest.NewRecorder()
	unhealthy.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthcheck", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatus(t *testing.T) {

	require := require.New(t)

	as, handler := newTestServer(true)
	defer as.Shutdown()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal("sensor-1", body["device_id"])
	require.Equal("ACTIVE", body["status"])
	require.Equal(20.5, body["temperature"])
	require.Equal(15000.0, body["frequency_ms"])
}
