package config

import (
	"fmt"
	"strconv"
	"time"
)

// LookupFunc has the signature of os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overrides fields from BRIDGE_* environment variables.
// Variables that are set but unparsable are reported as errors.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	strs := []struct {
		key string
		dst *string
	}{
		{"BRIDGE_DEVICE_ID", &c.DeviceID},
		{"BRIDGE_TRANSPORT", &c.Transport.Kind},
		{"BRIDGE_BROKER_HOST", &c.Transport.BrokerHost},
		{"BRIDGE_CLIENT_ID", &c.Transport.ClientID},
		{"BRIDGE_ZMQ_PUBLISH_ADDRESS", &c.Transport.ZeroMQ.PublishAddress},
		{"BRIDGE_ZMQ_SUBSCRIBE_ADDRESS", &c.Transport.ZeroMQ.SubscribeAddress},
		{"BRIDGE_COMMAND_TOPIC", &c.Topics.Command},
		{"BRIDGE_TELEMETRY_TOPIC", &c.Topics.Telemetry},
		{"BRIDGE_LOG_LEVEL", &c.Logging.Level},
		{"BRIDGE_LOG_PATH", &c.Logging.LogPath},
	}
	for _, s := range strs {
		if v, ok := lookup(s.key); ok && v != "" {
			*s.dst = v
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"BRIDGE_BROKER_PORT", &c.Transport.BrokerPort},
		{"BRIDGE_STEP_MIN", &c.Telemetry.StepMin},
		{"BRIDGE_STEP_MAX", &c.Telemetry.StepMax},
		{"BRIDGE_HTTP_PORT", &c.HTTP.Port},
	}
	for _, i := range ints {
		v, ok := lookup(i.key)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return envError(i.key, v, err)
		}
		*i.dst = n
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"BRIDGE_TICK_PERIOD", &c.Telemetry.Period},
		{"BRIDGE_KEEPALIVE", &c.Transport.KeepAlive},
		{"BRIDGE_CONNECT_TIMEOUT", &c.Transport.ConnectTimeout},
		{"BRIDGE_PUBLISH_TIMEOUT", &c.Transport.PublishTimeout},
	}
	for _, d := range durations {
		v, ok := lookup(d.key)
		if !ok || v == "" {
			continue
		}
		dur, err := time.ParseDuration(v)
		if err != nil {
			return envError(d.key, v, err)
		}
		*d.dst = dur
	}

	if v, ok := lookup("BRIDGE_BATTERY_DRAIN"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return envError("BRIDGE_BATTERY_DRAIN", v, err)
		}
		c.Telemetry.BatteryDrain = f
	}

	return nil
}

func envError(key, value string, err error) error {
	return fmt.Errorf("invalid environment variable %s=%q: %w", key, value, err)
}
