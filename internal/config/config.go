// Package config loads indicam settings from defaults, an optional YAML file
// and INDICAM_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to environment overrides, e.g. INDICAM_CAMERA_GAIN.
const EnvPrefix = "INDICAM"

// Run modes.
const (
	ModeCapture   = "capture"
	ModeEnumerate = "enumerate"
	ModeList      = "list"
	ModeServe     = "serve"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the complete process configuration.
type Config struct {
	Mode     string         `mapstructure:"mode"`
	INDI     INDIConfig     `mapstructure:"indi"`
	Camera   CameraConfig   `mapstructure:"camera"`
	Capture  CaptureConfig  `mapstructure:"capture"`
	Output   OutputConfig   `mapstructure:"output"`
	MQTT     MQTTConfig     `mapstructure:"mqtt"`
	Database DatabaseConfig `mapstructure:"database"`
	API      APIConfig      `mapstructure:"api"`
	Log      LogConfig      `mapstructure:"log"`
}

// INDIConfig locates the INDI server.
type INDIConfig struct {
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// CameraConfig selects and configures the CCD device.
type CameraConfig struct {
	Device string `mapstructure:"device"`
	// BLOB is the property carrying image data
	BLOB string `mapstructure:"blob"`
	// Format is "raw" or "rgb"
	Format string  `mapstructure:"format"`
	Gain   float64 `mapstructure:"gain"`
	// ExposureTimeout is the grace added to each exposure before giving up (0 = wait forever)
	ExposureTimeout time.Duration `mapstructure:"exposure_timeout"`
	// PollInterval is the device/property lookup interval
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// LookupTimeout and LookupAttempts bound lookups (0 = unbounded)
	LookupTimeout  time.Duration `mapstructure:"lookup_timeout"`
	LookupAttempts int           `mapstructure:"lookup_attempts"`
}

// CaptureConfig controls the capture loop.
type CaptureConfig struct {
	// Exposure duration in seconds
	Exposure float64 `mapstructure:"exposure"`
	Frames   int     `mapstructure:"frames"`
}

// OutputConfig controls rendered images.
type OutputConfig struct {
	Dir            string  `mapstructure:"dir"`
	SizeInches     float64 `mapstructure:"size_inches"`
	LowPercentile  float64 `mapstructure:"low_percentile"`
	HighPercentile float64 `mapstructure:"high_percentile"`
}

// MQTTConfig controls event and health publishing.
type MQTTConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BrokerURL      string        `mapstructure:"broker_url"`
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	QoS            int           `mapstructure:"qos"`
	HealthInterval time.Duration `mapstructure:"health_interval"`
}

// DatabaseConfig enables the frame catalog when URL is set.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

// APIConfig controls the HTTP server in serve mode.
type APIConfig struct {
	Listen string `mapstructure:"listen"`
	// JWTSecret enables bearer authentication on mutating routes when set
	JWTSecret string `mapstructure:"jwt_secret"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// SetDefaults registers every key with its default value.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("mode", ModeCapture)

	v.SetDefault("indi.host", "localhost")
	v.SetDefault("indi.port", 7624)
	v.SetDefault("indi.dial_timeout", 5*time.Second)

	v.SetDefault("camera.device", "Bresser GPCMOS02000KPA")
	v.SetDefault("camera.blob", "CCD1")
	v.SetDefault("camera.format", "raw")
	v.SetDefault("camera.gain", 400.0)
	v.SetDefault("camera.exposure_timeout", 60*time.Second)
	v.SetDefault("camera.poll_interval", 500*time.Millisecond)
	v.SetDefault("camera.lookup_timeout", time.Duration(0))
	v.SetDefault("camera.lookup_attempts", 0)

	v.SetDefault("capture.exposure", 1.0)
	v.SetDefault("capture.frames", 2)

	v.SetDefault("output.dir", "frames")
	v.SetDefault("output.size_inches", 8.0)
	v.SetDefault("output.low_percentile", 5.0)
	v.SetDefault("output.high_percentile", 95.0)

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker_url", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "indicam")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.health_interval", 30*time.Second)

	v.SetDefault("database.url", "")

	v.SetDefault("api.listen", ":8080")
	v.SetDefault("api.jwt_secret", "")

	v.SetDefault("log.level", "info")
}

// New returns a viper instance with defaults and environment binding but no file.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional file at path and returns the validated configuration.
func Load(path string) (*Config, error) {
	v := New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}
	return Decode(v)
}

// Decode unmarshals and validates the configuration held by v.
func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges and enumerations.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
		}
	}

	switch c.Mode {
	case ModeCapture, ModeEnumerate, ModeList, ModeServe:
	default:
		check(false, "unknown mode %q", c.Mode)
	}

	check(c.INDI.Host != "", "indi.host is required")
	check(c.INDI.Port > 0 && c.INDI.Port < 65536, "indi.port %d out of range", c.INDI.Port)

	check(c.Camera.Device != "", "camera.device is required")
	format := strings.ToLower(c.Camera.Format)
	check(format == "raw" || format == "rgb", "camera.format must be raw or rgb, got %q", c.Camera.Format)
	check(c.Camera.ExposureTimeout >= 0, "camera.exposure_timeout must not be negative")
	check(c.Camera.PollInterval > 0, "camera.poll_interval must be positive")
	check(c.Camera.LookupAttempts >= 0, "camera.lookup_attempts must not be negative")

	check(c.Capture.Exposure > 0 && !math.IsInf(c.Capture.Exposure, 0), "capture.exposure must be positive, got %v", c.Capture.Exposure)
	check(c.Capture.Frames > 0, "capture.frames must be positive, got %d", c.Capture.Frames)

	check(c.Output.LowPercentile >= 0 && c.Output.HighPercentile <= 100 &&
		c.Output.LowPercentile < c.Output.HighPercentile,
		"output percentiles must satisfy 0 <= low < high <= 100")

	check(c.MQTT.QoS >= 0 && c.MQTT.QoS <= 2, "mqtt.qos must be 0, 1 or 2")
	if c.MQTT.Enabled {
		check(c.MQTT.BrokerURL != "", "mqtt.broker_url is required when mqtt is enabled")
	}

	return errors.Join(errs...)
}

// Address returns the INDI server host:port.
func (c *INDIConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
