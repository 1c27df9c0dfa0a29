package main

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	adactor "github.com/berfenger/citydevice/internal/adapter/actor"
	"github.com/berfenger/citydevice/internal/adapter/network"
	"github.com/berfenger/citydevice/internal/adapter/sensor"
	"github.com/berfenger/citydevice/internal/config"
	"github.com/berfenger/citydevice/internal/core/actor"
	"github.com/berfenger/citydevice/internal/core/port"
	"github.com/berfenger/citydevice/internal/mqtt"
	"github.com/berfenger/citydevice/internal/server"
	"github.com/berfenger/citydevice/internal/util/actorutil"

	pactor "github.com/asynkron/protoactor-go/actor"
	"github.com/carlmjohnson/versioninfo"
	"github.com/google/uuid"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func gracefulShutdown(apiServer *http.Server, done chan bool) {
	// Create context that listens for the interrupt signal from the OS.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Listen for the interrupt signal.
	<-ctx.Done()

	log.Println("shutting down gracefully, press Ctrl+C again to force")

	// The context is used to inform the server it has 5 seconds to finish
	// the request it is currently handling
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown with error: %v", err)
	}

	log.Println("Server exiting")

	// Notify the main goroutine that the shutdown is complete
	done <- true
}

func main() {

	// load and print config
	cfg, err := initConfig(os.Args[1:])
	if err != nil {
		slog.Error("config errors", "error", err)
		os.Exit(1)
	}
	safePrintConfig(*cfg)

	// zap logger
	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(cfg.LogLevel)

	logger := zap.Must(zapCfg.Build())

	// init actor system
	as := actorutil.NewActorSystemWithZapLogger(logger)
	ctx := as.Root

	defer logger.Sync()

	deps, err := deviceDependencies(cfg, logger)
	if err != nil {
		panic(err)
	}
	defer deps.Telemetry.Close()
	if closer, ok := deps.Measurements.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	descriptor := actor.NewDescriptor(*cfg, deps.StateMachine, versioninfo.Short())
	logger.Info("starting device", zap.String("device_id", descriptor.DeviceID), zap.Stringer("type", descriptor.DeviceType),
		zap.Uint32("control_port", descriptor.ControlPort), zap.String("version", versioninfo.Short()))

	props := pactor.PropsFromProducer(func() pactor.Actor {
		return actor.NewDeviceActor(*cfg, descriptor, deps, logger)
	})
	pid, err := ctx.SpawnNamed(props, "device")
	if err != nil {
		return
	}

	server := server.NewServer(*cfg, ctx, pid)
	// Create a done channel to signal when the shutdown is complete
	done := make(chan bool, 1)

	// Run graceful shutdown in a separate goroutine
	go gracefulShutdown(server, done)

	err = server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		panic(fmt.Sprintf("http server error: %s", err))
	}

	// Wait for the graceful shutdown to complete
	<-done
	log.Println("Graceful shutdown complete.")

	ctx.Stop(pid)
	as.Shutdown()
}

func initConfig(args []string) (*config.Config, error) {

	// alias PORT => CITYDEVICE_PORT
	if port := os.Getenv("PORT"); port != "" {
		os.Setenv("CITYDEVICE_PORT", port)
	}

	setConfigDefaults()

	viper.SetEnvPrefix("citydevice")
	viper.AutomaticEnv()

	// if defined, try to load config from yaml file
	if cfgFile := os.Getenv("CONFIG_FILE"); cfgFile != "" {
		if _, err := os.Stat(cfgFile); err == nil {
			slog.Info("Using config", "file", cfgFile)
			viper.SetConfigFile(cfgFile)

			err = viper.ReadInConfig()
			if err != nil {
				slog.Error("Error reading config file", "error", err)
			}
		}
	}

	// positional args: <device-id> [control-port]
	if len(args) > 0 && args[0] != "" {
		viper.Set("device.id", args[0])
	}
	if len(args) > 1 {
		port, err := strconv.ParseUint(args[1], 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid control port %q: %w", args[1], err)
		}
		viper.Set("device.control_port", port)
	}

	var cfg config.Config

	err := viper.Unmarshal(&cfg)
	if err != nil {
		return nil, err
	}

	// parse log level
	switch viper.GetString("log_level") {
	case "trace":
		cfg.LogLevel = zap.DebugLevel
	case "debug":
		cfg.LogLevel = zap.DebugLevel
	case "info":
		cfg.LogLevel = zap.InfoLevel
	case "error":
		cfg.LogLevel = zap.ErrorLevel
	case "warn":
		cfg.LogLevel = zap.WarnLevel
	case "fatal":
		cfg.LogLevel = zap.FatalLevel
	default:
		cfg.LogLevel = zap.InfoLevel
	}

	if cfg.Device.Id == "" {
		cfg.Device.Id = uuid.NewString()
	}
	if cfg.Device.ControlPort == 0 {
		cfg.Device.ControlPort = config.DefaultControlPort(cfg.Device.Class)
	}

	// check and fix base topic
	baseTopic, err := config.CheckMQTTTopic(cfg.MQTT.BaseTopic)
	if err != nil {
		return nil, errors.New("invalid base topic. can only contain letters, numbers and underscores")
	}
	cfg.MQTT.BaseTopic = baseTopic

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func deviceDependencies(cfg *config.Config, logger *zap.Logger) (actor.DeviceDependencies, error) {
	deps := actor.DeviceDependencies{
		StateMachine:      actor.NewStateMachine(cfg.Device),
		Telemetry:         network.NewUDPTelemetrySink(nil),
		ControlListener:   adactor.TCPListener(cfg.Device.ControlPort),
		MQTTActorProvider: mqttActorProvider(cfg, logger),
	}

	if cfg.Device.IsSensor() {
		measurements, err := sensor.FromConfig(cfg.Sensor, seedFor(cfg.Device.Id), logger)
		if err != nil {
			return deps, err
		}
		deps.Measurements = measurements
	}

	if cfg.Discovery.Enabled {
		deps.Discovery = func() (port.PacketSource, error) {
			source, err := network.ListenMulticast(cfg.Discovery.Group, cfg.Discovery.Port, cfg.Discovery.Interfaces)
			if err != nil {
				return nil, err
			}
			return source, nil
		}
	}

	return deps, nil
}

func mqttActorProvider(cfg *config.Config, logger *zap.Logger) actor.MQTTActorProvider {
	return func(broker mqtt.Broker, deviceId string) *adactor.MQTTActor {
		return adactor.NewMQTTActor(cfg, broker, deviceId, logger)
	}
}

// seedFor gives each simulated sensor its own but repeatable series.
func seedFor(deviceId string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(deviceId))
	return h.Sum64()
}

func setConfigDefaults() {
	viper.SetDefault("log_level", "info")
	viper.SetDefault("device.id", "")
	viper.SetDefault("device.class", config.DEVICE_CLASS_SENSOR)
	viper.SetDefault("device.control_port", 0)
	viper.SetDefault("device.advertise_ip", "")
	viper.SetDefault("device.report_interval_millis", 15000)
	viper.SetDefault("device.heartbeat_interval_millis", 5000)
	viper.SetDefault("discovery.enabled", true)
	viper.SetDefault("discovery.group", "224.1.1.1")
	viper.SetDefault("discovery.port", 5007)
	viper.SetDefault("discovery.interfaces", []string{})
	viper.SetDefault("gateway.host", "")
	viper.SetDefault("gateway.control_port", 0)
	viper.SetDefault("gateway.telemetry_port", 0)
	viper.SetDefault("telemetry.transport", config.TELEMETRY_TRANSPORT_UDP)
	viper.SetDefault("control.max_connections", 32)
	viper.SetDefault("control.read_timeout_millis", 10000)
	viper.SetDefault("mqtt.host", "")
	viper.SetDefault("mqtt.port", 1883)
	viper.SetDefault("mqtt.username", "")
	viper.SetDefault("mqtt.password", "")
	viper.SetDefault("mqtt.base_topic", "smart_city")
	viper.SetDefault("sensor.source", config.SENSOR_SOURCE_SIMULATED)
	viper.SetDefault("sensor.modbus.host", "")
	viper.SetDefault("sensor.modbus.port", 502)
	viper.SetDefault("sensor.modbus.unit_id", 1)
	viper.SetDefault("sensor.modbus.register", 0)
	viper.SetDefault("sensor.modbus.timeout_millis", 1000)
	viper.SetDefault("announce.enabled", false)
	viper.SetDefault("announce.service", "_smartcity-device._tcp")
	viper.SetDefault("announce.domain", "local.")
	viper.SetDefault("port", 8080)
	viper.SetDefault("http_log", false)
}

func safePrintConfig(cfg config.Config) {
	cfg.MQTT.Username = "*redacted*"
	cfg.MQTT.Password = "*redacted*"
	slog.Info("Using", "config", cfg)
}
