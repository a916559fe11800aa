// Package pairing builds the descriptor the mobile app scans to find the
// robot, and renders it as a QR code.
package pairing

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/carrymate/bridge/pkg/config"
)

// DefaultQRSize is the PNG edge length in pixels.
const DefaultQRSize = 256

// Descriptor is everything the app needs to reach the robot.
type Descriptor struct {
	Scheme         string `json:"scheme"`
	DeviceID       string `json:"device"`
	BrokerHost     string `json:"broker"`
	BrokerPort     int    `json:"port"`
	TelemetryTopic string `json:"telemetry"`
	CommandTopic   string `json:"command"`
}

// ErrUnsupportedTransport is returned for transports the app cannot pair
// with. The descriptor only describes an MQTT broker.
var ErrUnsupportedTransport = errors.New("pairing requires the mqtt transport")

// FromConfig derives the descriptor from the live bridge configuration.
// A ZeroMQ bridge has no broker to advertise, so it is refused rather than
// pointing the app at transport.broker_host.
func FromConfig(cfg *config.Config) (Descriptor, error) {
	if cfg.Transport.Kind != config.TransportMQTT {
		return Descriptor{}, fmt.Errorf("%w: transport.kind is %q", ErrUnsupportedTransport, cfg.Transport.Kind)
	}
	return Descriptor{
		Scheme:         cfg.Pairing.Scheme,
		DeviceID:       cfg.DeviceID,
		BrokerHost:     cfg.Transport.BrokerHost,
		BrokerPort:     cfg.Transport.BrokerPort,
		TelemetryTopic: cfg.Topics.Telemetry,
		CommandTopic:   cfg.Topics.Command,
	}, nil
}

// URI renders the descriptor as
// scheme://pair?device=..&broker=..&port=..&telemetry=..&command=..
func (d Descriptor) URI() string {
	// fixed key order so the QR content is stable
	q := "device=" + escape(d.DeviceID) +
		"&broker=" + escape(d.BrokerHost) +
		"&port=" + strconv.Itoa(d.BrokerPort) +
		"&telemetry=" + escape(d.TelemetryTopic) +
		"&command=" + escape(d.CommandTopic)
	return d.Scheme + "://pair?" + q
}

// escape query-escapes v but keeps '/' literal, as the app expects topics
// verbatim.
func escape(v string) string {
	return strings.ReplaceAll(url.QueryEscape(v), "%2F", "/")
}

// Parse reads a URI produced by Descriptor.URI.
func Parse(uri string) (Descriptor, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return Descriptor{}, fmt.Errorf("invalid pairing uri: %w", err)
	}
	if u.Host != "pair" {
		return Descriptor{}, fmt.Errorf("invalid pairing uri: expected host \"pair\", got %q", u.Host)
	}

	q := u.Query()
	port, err := strconv.Atoi(q.Get("port"))
	if err != nil {
		return Descriptor{}, fmt.Errorf("invalid pairing uri: port %q: %w", q.Get("port"), err)
	}
	return Descriptor{
		Scheme:         u.Scheme,
		DeviceID:       q.Get("device"),
		BrokerHost:     q.Get("broker"),
		BrokerPort:     port,
		TelemetryTopic: q.Get("telemetry"),
		CommandTopic:   q.Get("command"),
	}, nil
}

// QRCode encodes the descriptor URI as a PNG of size x size pixels.
func (d Descriptor) QRCode(size int) ([]byte, error) {
	if size <= 0 {
		size = DefaultQRSize
	}
	png, err := qrcode.Encode(d.URI(), qrcode.Low, size)
	if err != nil {
		return nil, fmt.Errorf("encode pairing qr: %w", err)
	}
	return png, nil
}

// WriteQRFile writes the QR PNG to path.
func (d Descriptor) WriteQRFile(path string, size int) error {
	png, err := d.QRCode(size)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, png, 0o644); err != nil {
		return fmt.Errorf("write pairing qr to %s: %w", path, err)
	}
	return nil
}
