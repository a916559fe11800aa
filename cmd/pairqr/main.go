// Command pairqr writes the pairing QR code for the configured bridge.
package main

import (
	"fmt"
	"os"

	"github.com/carrymate/bridge/pkg/config"
	"github.com/carrymate/bridge/pkg/pairing"
)

const outputFile = "carrymate_qr.png"

func main() {
	cfg, err := config.LoadConfig(os.Getenv("BRIDGE_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	d, err := pairing.FromConfig(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Cannot pair this bridge: %v\n", err)
		os.Exit(1)
	}
	if err := d.WriteQRFile(outputFile, pairing.DefaultQRSize); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Pairing URI: %s\n", d.URI())
	fmt.Printf("QR code written to %s\n", outputFile)
}
