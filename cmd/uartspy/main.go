package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.bug.st/serial"

	"github.com/seagrayinc/mpcomms/internal/config"
	"github.com/seagrayinc/mpcomms/internal/logging"
	"github.com/seagrayinc/mpcomms/internal/spy"
)

// Reads return after this long without data so cancellation is noticed.
const portReadTimeout = 100 * time.Millisecond

func main() {
	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM, syscall.SIGINT,
	)
	defer stop()

	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("uartspy", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "TOML config file")
	mainPath := fs.String("main", "", "serial port carrying MAIN->AUX traffic")
	auxPath := fs.String("aux", "", "serial port carrying AUX->MAIN traffic")
	baud := fs.Int("baud", 0, "baud rate (default from config)")
	strict := fs.Bool("strict", false, "also require a known command for the message type")
	gate := fs.Bool("gate", false, "ignore USB and BLE frames until the main MCU enables them")
	replay := fs.Bool("replay", false, "read -main and -aux as capture files instead of serial ports")
	logLevel := fs.String("log-level", "", "log level: debug, info, warn or error")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "uartspy: %v\n", err)
		return 1
	}
	if *baud > 0 {
		cfg.Spy.BaudRate = *baud
	}
	if *strict {
		cfg.Spy.Strict = true
	}
	if *gate {
		cfg.Spy.GateUSBBLE = true
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	setPortPath(&cfg, "main", *mainPath)
	setPortPath(&cfg, "aux", *auxPath)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "uartspy: %v\n", err)
		return 2
	}

	logger, err := logging.New(stderr, cfg.Logging())
	if err != nil {
		fmt.Fprintf(stderr, "uartspy: %v\n", err)
		return 2
	}

	sc, err := cfg.SpyConfig()
	if err != nil {
		fmt.Fprintf(stderr, "uartspy: %v\n", err)
		return 2
	}
	sc.Logger = logger

	ports, err := openPorts(cfg, *replay, logger)
	if err != nil {
		fmt.Fprintf(stderr, "uartspy: %v\n", err)
		return 1
	}

	s := spy.New(sc, ports...)
	printer := spy.NewPrinter(stdout)
	err = s.Run(ctx, func(f spy.Frame) {
		if err := printer.Print(f); err != nil {
			logger.Error("print frame", slog.Any("error", err))
		}
	})

	for _, st := range s.Stats() {
		logger.Info("channel stats",
			slog.String("channel", st.Channel.Name),
			slog.Uint64("frames", st.Frames),
			slog.Uint64("resyncs", st.Resyncs),
			slog.Uint64("dropped_bytes", st.DroppedBytes),
			slog.Uint64("desyncs", st.Desyncs))
	}
	if n := s.QueueDropped(); n > 0 {
		logger.Warn("frames dropped on queue overflow", slog.Uint64("count", n))
	}

	if err != nil {
		fmt.Fprintf(stderr, "uartspy: %v\n", err)
		return 1
	}
	return 0
}

// setPortPath points every port of the given direction at path, adding a
// port when the config has none.
func setPortPath(cfg *config.Config, direction, path string) {
	if path == "" {
		return
	}
	found := false
	for i := range cfg.Spy.Ports {
		if cfg.Spy.Ports[i].Direction == direction {
			cfg.Spy.Ports[i].Path = path
			found = true
		}
	}
	if !found {
		name := "MAIN"
		if direction == "aux" {
			name = "AUX"
		}
		cfg.Spy.Ports = append(cfg.Spy.Ports, config.PortConfig{Name: name, Path: path, Direction: direction})
	}
}

func openPorts(cfg config.Config, replay bool, logger *slog.Logger) ([]spy.Port, error) {
	var ports []spy.Port
	closeAll := func() {
		for _, p := range ports {
			if c, ok := p.Reader.(io.Closer); ok {
				_ = c.Close()
			}
		}
	}

	for _, pc := range cfg.Spy.Ports {
		if pc.Path == "" {
			logger.Debug("skipping port without path", slog.String("channel", pc.Name))
			continue
		}
		dir, err := spy.ParseDirection(pc.Direction)
		if err != nil {
			closeAll()
			return nil, err
		}

		var r io.ReadCloser
		if replay {
			r, err = os.Open(pc.Path)
		} else {
			r, err = openSerial(pc.Path, cfg.Spy.BaudRate)
		}
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("open %s port %s: %w", pc.Name, pc.Path, err)
		}

		logger.Info("listening", slog.String("channel", pc.Name), slog.String("path", pc.Path), slog.String("direction", dir.String()))
		ports = append(ports, spy.Port{Channel: spy.Channel{Name: pc.Name, Direction: dir}, Reader: r})
	}

	if len(ports) == 0 {
		return nil, errors.New("no ports configured, set -main and -aux or [[spy.port]] paths")
	}
	return ports, nil
}

func openSerial(path string, baud int) (serial.Port, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, err
	}
	if err := port.SetReadTimeout(portReadTimeout); err != nil {
		port.Close()
		return nil, err
	}
	return port, nil
}
