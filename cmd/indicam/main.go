// Package main is the entry point for the indicam camera tool.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/viper"
	"github.com/unklstewy/indicam/internal/api"
	"github.com/unklstewy/indicam/internal/camera"
	"github.com/unklstewy/indicam/internal/catalog"
	"github.com/unklstewy/indicam/internal/config"
	"github.com/unklstewy/indicam/internal/events"
	"github.com/unklstewy/indicam/internal/frame"
	"github.com/unklstewy/indicam/pkg/healthcheck"
	"github.com/unklstewy/indicam/pkg/indi"
	"github.com/unklstewy/indicam/pkg/mqtt"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gonum.org/v1/plot/vg"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run executes one invocation and returns the process exit code.
func run(args []string, stdout, stderr io.Writer) int {
	cfg, err := loadConfig(args, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "indicam: %v\n", err)
		return 2
	}

	logger, err := newLogger(cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(stderr, "indicam: failed to create logger: %v\n", err)
		return 2
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting indicam",
		zap.String("mode", cfg.Mode),
		zap.String("indi", cfg.INDI.Address()),
		zap.String("device", cfg.Camera.Device))

	session, err := indi.NewClient(&indi.Config{
		Host:        cfg.INDI.Host,
		Port:        cfg.INDI.Port,
		DialTimeout: cfg.INDI.DialTimeout,
	}, logger)
	if err != nil {
		logger.Error("Invalid INDI client configuration", zap.Error(err))
		return 1
	}
	if err := session.Connect(ctx); err != nil {
		logger.Error("Failed to connect to INDI server", zap.Error(err))
		fmt.Fprintf(stderr, "No indiserver running on %s - Try to run indiserver indi_simulator_telescope indi_simulator_ccd\n",
			cfg.INDI.Address())
		return 1
	}
	defer func() { _ = session.Close() }()

	retry := indi.RetryPolicy{
		Interval:    cfg.Camera.PollInterval,
		Timeout:     cfg.Camera.LookupTimeout,
		MaxAttempts: cfg.Camera.LookupAttempts,
	}

	if cfg.Mode == config.ModeList {
		return listDevices(ctx, session, cfg, retry, stdout, logger)
	}

	var publisher *events.Publisher
	var broker *mqtt.Client
	if cfg.MQTT.Enabled {
		broker, err = connectMQTT(cfg.MQTT, logger)
		if err != nil {
			logger.Warn("MQTT unavailable, events disabled", zap.Error(err))
		} else {
			defer broker.Disconnect()
			publisher = events.NewPublisher(broker, byte(cfg.MQTT.QoS), logger)
		}
	}

	var store *catalog.Store
	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			logger.Error("Failed to connect to database", zap.Error(err))
			return 1
		}
		defer pool.Close()

		store = catalog.NewStore(pool, logger)
		if err := store.EnsureSchema(ctx); err != nil {
			logger.Error("Failed to prepare frame catalog", zap.Error(err))
			return 1
		}
	}

	format, err := camera.ParseCaptureFormat(cfg.Camera.Format)
	if err != nil {
		logger.Error("Invalid capture format", zap.Error(err))
		return 1
	}

	var sink camera.EventSink
	if publisher != nil {
		sink = publisher
	}
	cam, err := camera.New(camera.Config{
		Device: cfg.Camera.Device,
		BLOB:   cfg.Camera.BLOB,
		Format: format,
		Grace:  cfg.Camera.ExposureTimeout,
		Retry:  retry,
	}, session, sink, logger)
	if err != nil {
		logger.Error("Invalid camera configuration", zap.Error(err))
		return 1
	}
	defer cam.Close()

	if err := cam.Connect(ctx); err != nil {
		logger.Error("Failed to connect camera", zap.Error(err))
		return 1
	}
	if err := cam.SetGain(ctx, cfg.Camera.Gain); err != nil {
		logger.Error("Failed to set gain", zap.Error(err))
		return 1
	}

	consumers := frame.Chain{}
	switch cfg.Mode {
	case config.ModeEnumerate:
		consumers = append(consumers, frame.NewEnumerator(stdout, logger))
	default:
		renderer, err := frame.NewRenderer(frame.RendererConfig{
			Dir:            cfg.Output.Dir,
			Size:           vg.Length(cfg.Output.SizeInches) * vg.Inch,
			LowPercentile:  cfg.Output.LowPercentile,
			HighPercentile: cfg.Output.HighPercentile,
		}, logger)
		if err != nil {
			logger.Error("Failed to create renderer", zap.Error(err))
			return 1
		}
		consumers = append(consumers, renderer)
	}
	if store != nil {
		consumers = append(consumers, store)
	}

	if cfg.Mode == config.ModeServe {
		return serve(ctx, cfg, cam, consumers, store, publisher, broker, logger)
	}

	report := cam.Capture(ctx, cfg.Capture.Exposure, cfg.Capture.Frames, consumers)
	logger.Info("Capture finished",
		zap.Int("requested", report.Requested),
		zap.Int("captured", len(report.Captured)),
		zap.Int("skipped", len(report.Skipped)),
		zap.Duration("elapsed", report.Finished.Sub(report.Started)))
	if report.Err != nil && !errors.Is(report.Err, context.Canceled) {
		logger.Error("Capture stopped", zap.Error(report.Err))
		return 1
	}
	return 0
}

// loadConfig layers command line flags over the file and environment.
func loadConfig(args []string, stderr io.Writer) (*config.Config, error) {
	fs := flag.NewFlagSet("indicam", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to YAML configuration file")
	fs.String("mode", config.ModeCapture, "Run mode (capture, enumerate, list, serve)")
	fs.String("host", "localhost", "INDI server host")
	fs.Int("port", indi.DefaultPort, "INDI server port")
	fs.String("device", "", "INDI camera device name")
	fs.String("format", "raw", "Capture format (raw, rgb)")
	fs.Float64("gain", 400, "Sensor gain")
	fs.Float64("exposure", 1, "Exposure duration in seconds")
	fs.Int("frames", 2, "Number of frames to capture")
	fs.String("output", "frames", "Directory for rendered frames")
	fs.String("log-level", "info", "Log level (debug, info, warn, error)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := config.New()
	if *configPath != "" {
		v.SetConfigFile(*configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", *configPath, err)
		}
	}
	applyFlags(fs, v)
	return config.Decode(v)
}

var flagKeys = map[string]string{
	"mode":      "mode",
	"host":      "indi.host",
	"port":      "indi.port",
	"device":    "camera.device",
	"format":    "camera.format",
	"gain":      "camera.gain",
	"exposure":  "capture.exposure",
	"frames":    "capture.frames",
	"output":    "output.dir",
	"log-level": "log.level",
}

// applyFlags copies explicitly set flags into v.
func applyFlags(fs *flag.FlagSet, v *viper.Viper) {
	fs.Visit(func(f *flag.Flag) {
		if key, ok := flagKeys[f.Name]; ok {
			v.Set(key, f.Value.String())
		}
	})
}

func newLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

func connectMQTT(cfg config.MQTTConfig, logger *zap.Logger) (*mqtt.Client, error) {
	client, err := mqtt.NewClient(&mqtt.Config{
		BrokerURL:            cfg.BrokerURL,
		ClientID:             cfg.ClientID,
		Username:             cfg.Username,
		Password:             cfg.Password,
		AutoReconnect:        true,
		MaxReconnectInterval: time.Minute,
	}, logger)
	if err != nil {
		return nil, err
	}
	if err := client.Connect(); err != nil {
		return nil, err
	}
	return client, nil
}

func listDevices(ctx context.Context, session *indi.Client, cfg *config.Config, retry indi.RetryPolicy, out io.Writer, logger *zap.Logger) int {
	cam, err := camera.New(camera.Config{Device: cfg.Camera.Device, Retry: retry}, session, nil, logger)
	if err != nil {
		logger.Error("Invalid camera configuration", zap.Error(err))
		return 1
	}

	if err := session.WaitDevice(ctx, cfg.Camera.Device, retry); err != nil {
		logger.Warn("Camera device not found", zap.Error(err))
	}

	fmt.Fprintln(out, "Devices:")
	for _, name := range cam.Devices() {
		fmt.Fprintf(out, "  %s\n", name)
	}

	props := cam.Properties()
	if len(props) == 0 {
		return 0
	}
	fmt.Fprintf(out, "Properties of %s:\n", cam.Device())
	for _, p := range props {
		fmt.Fprintf(out, "  %s (%s, %s)\n", p.Name, p.Type, p.State)
		for _, e := range p.Elements {
			fmt.Fprintf(out, "    %s = %s\n", e.Name, e.Value)
		}
	}
	return 0
}

func serve(ctx context.Context, cfg *config.Config, cam *camera.Camera, consumer frame.Consumer,
	store *catalog.Store, publisher *events.Publisher, broker *mqtt.Client, logger *zap.Logger) int {
	if cfg.Log.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := healthcheck.NewEngine(logger, 0)
	engine.Register(cam)
	if publisher != nil {
		engine.Register(publisher)
	}

	var frames api.FrameLister
	if store != nil {
		engine.Register(store)
		frames = store
	}

	if broker != nil {
		topic := mqtt.HealthTopic("indicam")
		reporter := healthcheck.NewReporter(engine, func(ctx context.Context, result *healthcheck.AggregatedResult) error {
			msg, err := mqtt.NewMessage(mqtt.MessageTypeStatus, "indicam", result)
			if err != nil {
				return err
			}
			return broker.PublishJSON(ctx, topic, byte(cfg.MQTT.QoS), true, msg)
		}, cfg.MQTT.HealthInterval, logger)
		go reporter.Run(ctx)
	}

	server, err := api.NewServer(api.Config{
		Listen:    cfg.API.Listen,
		JWTSecret: cfg.API.JWTSecret,
	}, cam, consumer, frames, engine, logger)
	if err != nil {
		logger.Error("Failed to create API server", zap.Error(err))
		return 1
	}

	if err := server.Run(ctx); err != nil {
		logger.Error("API server failed", zap.Error(err))
		return 1
	}
	logger.Info("indicam stopped")
	return 0
}
