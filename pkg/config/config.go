package config

import (
	"fmt"
	"math"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Transport kinds
const (
	TransportMQTT   = "mqtt"
	TransportZeroMQ = "zeromq"
)

// MaxStepsPerTick bounds telemetry.step_max.
const MaxStepsPerTick = 1000

// Config is the complete bridge configuration.
type Config struct {
	DeviceID  string          `yaml:"device_id" json:"device_id"`
	Transport TransportConfig `yaml:"transport" json:"transport"`
	Topics    TopicsConfig    `yaml:"topics" json:"topics"`
	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry"`
	Robot     RobotConfig     `yaml:"robot" json:"robot"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
	HTTP      HTTPConfig      `yaml:"http" json:"http"`
	Pairing   PairingConfig   `yaml:"pairing" json:"pairing"`
}

// TransportConfig selects and configures the pub/sub transport.
type TransportConfig struct {
	Kind           string        `yaml:"kind" json:"kind"`
	BrokerHost     string        `yaml:"broker_host" json:"broker_host"`
	BrokerPort     int           `yaml:"broker_port" json:"broker_port"`
	ClientID       string        `yaml:"client_id" json:"client_id"`
	KeepAlive      time.Duration `yaml:"keepalive" json:"keepalive"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout"`
	PublishTimeout time.Duration `yaml:"publish_timeout" json:"publish_timeout"`
	ZeroMQ         ZeroMQConfig  `yaml:"zeromq" json:"zeromq"`
}

// ZeroMQConfig holds the socket addresses used by the ZeroMQ transport.
type ZeroMQConfig struct {
	PublishAddress   string `yaml:"publish_address" json:"publish_address"`
	SubscribeAddress string `yaml:"subscribe_address" json:"subscribe_address"`
}

// TopicsConfig names the two pub/sub channels.
type TopicsConfig struct {
	Command   string `yaml:"command" json:"command"`
	Telemetry string `yaml:"telemetry" json:"telemetry"`
}

// TelemetryConfig controls the periodic telemetry tick.
type TelemetryConfig struct {
	Period       time.Duration `yaml:"period" json:"period"`
	BatteryDrain float64       `yaml:"battery_drain" json:"battery_drain"`
	StepMin      int           `yaml:"step_min" json:"step_min"`
	StepMax      int           `yaml:"step_max" json:"step_max"`
}

// RobotConfig is the reading the robot starts with.
type RobotConfig struct {
	Mode           string  `yaml:"mode" json:"mode"`
	BatteryPercent float64 `yaml:"battery_percent" json:"battery_percent"`
	RangeMeters    float64 `yaml:"range_meters" json:"range_meters"`
	WeightKg       float64 `yaml:"weight_kg" json:"weight_kg"`
	StepCount      int64   `yaml:"step_count" json:"step_count"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level   string `yaml:"level" json:"level"`
	LogPath string `yaml:"log_path,omitempty" json:"log_path,omitempty"`
}

// HTTPConfig holds the status API settings. Port 0 disables the API.
type HTTPConfig struct {
	Port int `yaml:"port" json:"port"`
}

// PairingConfig holds the pairing descriptor settings.
type PairingConfig struct {
	Scheme string `yaml:"scheme" json:"scheme"`
}

// Default returns a Config populated with the documented defaults.
func Default() *Config {
	return &Config{
		DeviceID: "robot123",
		Transport: TransportConfig{
			Kind:           TransportMQTT,
			BrokerHost:     "broker.hivemq.com",
			BrokerPort:     1883,
			KeepAlive:      60 * time.Second,
			ConnectTimeout: 10 * time.Second,
			PublishTimeout: 2 * time.Second,
			ZeroMQ: ZeroMQConfig{
				PublishAddress:   "tcp://*:5556",
				SubscribeAddress: "tcp://localhost:5557",
			},
		},
		Topics: TopicsConfig{
			Command:   "carrymate/mobile/command",
			Telemetry: "carrymate/robot/telemetry",
		},
		Telemetry: TelemetryConfig{
			Period:       2 * time.Second,
			BatteryDrain: 0.01,
			StepMin:      0,
			StepMax:      2,
		},
		Robot: RobotConfig{
			Mode:           "AUTOMATIC",
			BatteryPercent: 85.0,
			RangeMeters:    1.5,
			WeightKg:       5.0,
			StepCount:      1075,
		},
		Logging: LoggingConfig{Level: "info"},
		Pairing: PairingConfig{Scheme: "carrymate"},
	}
}

// LoadConfig starts from Default, overlays the YAML file at path (when path
// is non-empty), then BRIDGE_* environment variables, and validates the
// result. Keys absent from the file keep their defaults.
func LoadConfig(path string) (*Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup LookupFunc) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("error reading config file '%s': %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file '%s': %w", path, err)
		}
	}

	if err := cfg.ApplyEnv(lookup); err != nil {
		return nil, err
	}
	if cfg.Transport.ClientID == "" {
		cfg.Transport.ClientID = "carrymate-robot-" + uuid.NewString()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// BrokerAddress returns host:port of the MQTT broker.
func (c *Config) BrokerAddress() string {
	return net.JoinHostPort(c.Transport.BrokerHost, strconv.Itoa(c.Transport.BrokerPort))
}

// Validate reports the first invalid field, naming it by its YAML key.
func (c *Config) Validate() error {
	switch c.Transport.Kind {
	case TransportMQTT:
		if c.Transport.BrokerHost == "" {
			return invalid("transport.broker_host must not be empty")
		}
	case TransportZeroMQ:
		if c.Transport.ZeroMQ.PublishAddress == "" || c.Transport.ZeroMQ.SubscribeAddress == "" {
			return invalid("transport.zeromq addresses must not be empty")
		}
	default:
		return invalid("transport.kind %q is not one of %q, %q", c.Transport.Kind, TransportMQTT, TransportZeroMQ)
	}
	if c.Transport.BrokerPort < 1 || c.Transport.BrokerPort > 65535 {
		return invalid("transport.broker_port %d out of range", c.Transport.BrokerPort)
	}
	if c.Topics.Command == "" || c.Topics.Telemetry == "" {
		return invalid("topics.command and topics.telemetry are required")
	}
	if c.Topics.Command == c.Topics.Telemetry {
		return invalid("topics.command and topics.telemetry must differ")
	}
	if c.Telemetry.Period <= 0 {
		return invalid("telemetry.period must be positive, got %s", c.Telemetry.Period)
	}
	if !finite(c.Telemetry.BatteryDrain) || c.Telemetry.BatteryDrain < 0 {
		return invalid("telemetry.battery_drain must not be negative, got %v", c.Telemetry.BatteryDrain)
	}
	if c.Telemetry.StepMin < 0 {
		return invalid("telemetry.step_min must not be negative, got %d", c.Telemetry.StepMin)
	}
	if c.Telemetry.StepMax < c.Telemetry.StepMin {
		return invalid("telemetry.step_max (%d) < telemetry.step_min (%d)", c.Telemetry.StepMax, c.Telemetry.StepMin)
	}
	if c.Telemetry.StepMax > MaxStepsPerTick {
		return invalid("telemetry.step_max (%d) > %d", c.Telemetry.StepMax, MaxStepsPerTick)
	}
	if c.Robot.Mode != "MANUAL" && c.Robot.Mode != "AUTOMATIC" {
		return invalid("robot.mode %q is not MANUAL or AUTOMATIC", c.Robot.Mode)
	}
	if !finite(c.Robot.BatteryPercent) || c.Robot.BatteryPercent < 0 || c.Robot.BatteryPercent > 100 {
		return invalid("robot.battery_percent %v outside [0,100]", c.Robot.BatteryPercent)
	}
	if !finite(c.Robot.RangeMeters) || c.Robot.RangeMeters < 0 || c.Robot.RangeMeters > 10 {
		return invalid("robot.range_meters %v outside [0,10]", c.Robot.RangeMeters)
	}
	if !finite(c.Robot.WeightKg) || c.Robot.WeightKg < 0 {
		return invalid("robot.weight_kg must be a non-negative number, got %v", c.Robot.WeightKg)
	}
	if c.Robot.StepCount < 0 {
		return invalid("robot.step_count must not be negative")
	}
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return invalid("http.port %d out of range", c.HTTP.Port)
	}
	return nil
}

// finite rejects NaN and ±Inf, which slip past ordinary range checks.
func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("invalid config: "+format, args...)
}
