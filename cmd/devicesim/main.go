// Command devicesim serves a simulated sensor board over CoAP/UDP.
//
// It answers the same resources as the device firmware (LED, temp, tempVar)
// so the gateway can be developed and tested without hardware.
//
// Usage:
//
//	devicesim [flags]
//
// Flags:
//
//	-listen string        UDP listen address (default ":5683")
//	-temperature float    Initial temperature in °C (default 21.5)
//	-led                  Start with the LED on
//	-fault                Answer "nan" on temp
//	-latency duration     Delay every answer
//	-tick duration        tempVar counter interval (default 1s)
//	-log-level string     Log level: debug, info, warn, error (default "info")
//	-log-format string    Log format: json, text (default "text")
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nerrad567/coap-gateway/internal/devicesim"
	"github.com/nerrad567/coap-gateway/internal/infrastructure/config"
	"github.com/nerrad567/coap-gateway/internal/infrastructure/logging"
)

// Version information, set at build time via ldflags.
var version = "dev"

type options struct {
	listen      string
	temperature float64
	ledOn       bool
	fault       bool
	latency     time.Duration
	tick        time.Duration
	logLevel    string
	logFormat   string
}

func parseFlags(args []string) (options, error) {
	var o options
	fs := flag.NewFlagSet("devicesim", flag.ContinueOnError)
	fs.StringVar(&o.listen, "listen", ":5683", "UDP listen address")
	fs.Float64Var(&o.temperature, "temperature", 21.5, "Initial temperature in °C")
	fs.BoolVar(&o.ledOn, "led", false, "Start with the LED on")
	fs.BoolVar(&o.fault, "fault", false, `Answer "nan" on temp`)
	fs.DurationVar(&o.latency, "latency", 0, "Delay every answer")
	fs.DurationVar(&o.tick, "tick", devicesim.DefaultTickInterval, "tempVar counter interval")
	fs.StringVar(&o.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	fs.StringVar(&o.logFormat, "log-format", "text", "Log format: json, text")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if o.tick <= 0 {
		return options{}, fmt.Errorf("tick must be positive, got %v", o.tick)
	}
	return o, nil
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}

	log := logging.New(config.LoggingConfig{
		Level:  opts.logLevel,
		Format: opts.logFormat,
		Output: "stdout",
	}, "devicesim", version)

	device := devicesim.New(devicesim.Config{
		Temperature: opts.temperature,
		SensorFault: opts.fault,
		LEDOn:       opts.ledOn,
		Latency:     opts.latency,
	})

	server, err := devicesim.Listen(device, devicesim.ServerConfig{
		Address:      opts.listen,
		TickInterval: opts.tick,
		Logger:       log,
	})
	if err != nil {
		return fmt.Errorf("starting simulator: %w", err)
	}

	log.Info("simulator ready",
		"address", server.Addr().String(),
		"temperature", opts.temperature,
		"led_on", opts.ledOn,
		"sensor_fault", opts.fault,
	)

	if err := server.Run(ctx); err != nil {
		return fmt.Errorf("stopping simulator: %w", err)
	}

	stats := device.Stats()
	log.Info("simulator stopped", "requests", stats.Requests, "rejected", stats.Rejected)
	return nil
}
