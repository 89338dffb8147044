package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/seagrayinc/mpcomms/internal/config"
	"github.com/seagrayinc/mpcomms/internal/hid"
	"github.com/seagrayinc/mpcomms/internal/logging"
	"github.com/seagrayinc/mpcomms/internal/packet"
	"github.com/seagrayinc/mpcomms/internal/request"
	"github.com/seagrayinc/mpcomms/internal/session"
	"github.com/seagrayinc/mpcomms/pkg/mooltipass"
)

const usage = `usage: mpctl [flags] <command>

commands:
  list      list HID devices
  ping      ping the device
  info      print platform info
  status    print device status
  rng       fetch 32 random bytes
  setdate   set the device clock to the local time
  bench     time -n ping round trips
  cancel    cancel the pending device prompt

flags:
`

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
	fs := flag.NewFlagSet("mpctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "TOML config file")
	backend := fs.String("backend", "", "HID backend: usbhid, hidapi, usb or sim")
	logLevel := fs.String("log-level", "", "log level: debug, info, warn or error")
	rounds := fs.Int("n", 100, "round trips for bench")
	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "mpctl: %v\n", err)
		return 1
	}
	if *backend != "" {
		cfg.Device.Backend = *backend
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "mpctl: %v\n", err)
		return 2
	}

	logger, err := logging.New(stderr, cfg.Logging())
	if err != nil {
		fmt.Fprintf(stderr, "mpctl: %v\n", err)
		return 2
	}

	c := &cli{cfg: cfg, logger: logger, out: stdout, rounds: *rounds}
	cmd, ok := c.commands()[fs.Arg(0)]
	if !ok {
		fmt.Fprintf(stderr, "mpctl: unknown command %q\n", fs.Arg(0))
		fs.Usage()
		return 2
	}

	if err := cmd(ctx); err != nil {
		fmt.Fprintf(stderr, "mpctl: %s\n", describe(err))
		logger.Debug("command failed", slog.String("command", fs.Arg(0)), slog.Any("error", err))
		return 1
	}
	return 0
}

type cli struct {
	cfg    config.Config
	logger *slog.Logger
	out    io.Writer
	rounds int
}

func (c *cli) commands() map[string]func(context.Context) error {
	return map[string]func(context.Context) error{
		"list":    c.list,
		"ping":    c.withDevice(c.ping),
		"info":    c.withDevice(c.info),
		"status":  c.withDevice(c.status),
		"rng":     c.withDevice(c.rng),
		"setdate": c.withDevice(c.setDate),
		"bench":   c.withDevice(c.bench),
		"cancel":  c.withDevice(c.cancel),
	}
}

func (c *cli) manager() (hid.Manager, error) {
	if c.cfg.Device.Backend == config.BackendSim {
		return newSimulator().Manager(), nil
	}
	return hid.NewManager(c.cfg.Device.Backend)
}

func (c *cli) withDevice(f func(context.Context, *mooltipass.Device) error) func(context.Context) error {
	return func(ctx context.Context) error {
		mgr, err := c.manager()
		if err != nil {
			return err
		}

		sc := c.cfg.Session()
		sc.Logger = c.logger
		if c.cfg.Device.Backend == config.BackendSim {
			sc.SettleDelay = 0
		}
		rc := c.cfg.Request()
		rc.Logger = c.logger
		rc.OnStatus = func(m packet.Message) {
			if st, err := mooltipass.ParseDeviceStatus(m); err == nil {
				c.logger.Info("device status changed", slog.Int("battery", st.BatteryPercent), slog.Bool("unlocked", st.Unlocked()))
			}
		}

		dev, err := mooltipass.Open(ctx, mooltipass.Config{Manager: mgr, Session: sc, Request: rc})
		if err != nil {
			return err
		}
		defer func() {
			if err := dev.Close(); err != nil {
				c.logger.Warn("closing device", slog.Any("error", err))
			}
		}()

		return f(ctx, dev)
	}
}

func (c *cli) list(context.Context) error {
	mgr, err := c.manager()
	if err != nil {
		return err
	}
	infos, err := mgr.List()
	if err != nil {
		return err
	}
	for _, i := range infos {
		marker := ""
		if i.VendorID == c.cfg.Device.VendorID && i.ProductID == c.cfg.Device.ProductID {
			marker = " *"
		}
		fmt.Fprintf(c.out, "%04x:%04x %s %s %s%s\n", i.VendorID, i.ProductID, i.Path, i.Manufacturer, i.Product, marker)
	}
	return nil
}

func (c *cli) ping(ctx context.Context, dev *mooltipass.Device) error {
	start := time.Now()
	if _, err := mooltipass.Send(ctx, dev, mooltipass.Ping([]byte("mpctl"))); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "pong in %s\n", time.Since(start).Round(time.Microsecond))
	return nil
}

func (c *cli) info(ctx context.Context, dev *mooltipass.Device) error {
	info, err := mooltipass.Send(ctx, dev, mooltipass.GetPlatformInfo())
	if err != nil {
		return err
	}
	fmt.Fprintln(c.out, info)
	return nil
}

func (c *cli) status(ctx context.Context, dev *mooltipass.Device) error {
	st, err := mooltipass.Send(ctx, dev, mooltipass.GetDeviceStatus())
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "card inserted:     %t\n", st.CardInserted())
	fmt.Fprintf(c.out, "unlocked:          %t\n", st.Unlocked())
	fmt.Fprintf(c.out, "unknown card:      %t\n", st.UnknownCard())
	fmt.Fprintf(c.out, "management mode:   %t\n", st.ManagementMode())
	fmt.Fprintf(c.out, "bundle missing:    %t\n", st.NoBundle())
	fmt.Fprintf(c.out, "battery:           %d%%\n", st.BatteryPercent)
	fmt.Fprintf(c.out, "security prefs:    0x%04x\n", st.SecurityPreferences)
	fmt.Fprintf(c.out, "settings changed:  %t\n", st.SettingsChanged)
	return nil
}

func (c *cli) rng(ctx context.Context, dev *mooltipass.Device) error {
	b, err := mooltipass.Send(ctx, dev, mooltipass.Get32BRandom())
	if err != nil {
		return err
	}
	fmt.Fprintln(c.out, hex.EncodeToString(b[:]))
	return nil
}

func (c *cli) setDate(ctx context.Context, dev *mooltipass.Device) error {
	now := time.Now()
	if _, err := mooltipass.Send(ctx, dev, mooltipass.SetDate(now)); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "date set to %s\n", now.Format(time.DateTime))
	return nil
}

func (c *cli) bench(ctx context.Context, dev *mooltipass.Device) error {
	if c.rounds < 1 {
		return fmt.Errorf("bench needs -n of at least 1")
	}
	payload := make([]byte, 32)
	var total time.Duration
	for i := 0; i < c.rounds; i++ {
		payload[0] = byte(i)
		start := time.Now()
		if _, err := mooltipass.Send(ctx, dev, mooltipass.Ping(payload)); err != nil {
			return fmt.Errorf("round trip %d: %w", i+1, err)
		}
		total += time.Since(start)
	}
	fmt.Fprintf(c.out, "%d round trips, average %s\n", c.rounds, (total / time.Duration(c.rounds)).Round(time.Microsecond))
	return nil
}

func (c *cli) cancel(_ context.Context, dev *mooltipass.Device) error {
	if err := dev.Cancel(); err != nil {
		return err
	}
	fmt.Fprintln(c.out, "cancel sent")
	return nil
}

func describe(err error) string {
	switch {
	case errors.Is(err, request.ErrDeviceBusy):
		return fmt.Sprintf("device busy, retried until giving up (%v)", err)
	case errors.Is(err, session.ErrDeviceLost):
		return fmt.Sprintf("device disconnected (%v)", err)
	case errors.Is(err, hid.ErrDeviceNotFound):
		return fmt.Sprintf("device not found (%v)", err)
	case errors.Is(err, session.ErrHandshakeFailed):
		return fmt.Sprintf("handshake failed, is the device unlocked? (%v)", err)
	case errors.Is(err, request.ErrReplyTimeout):
		return fmt.Sprintf("no answer from device (%v)", err)
	default:
		return err.Error()
	}
}
