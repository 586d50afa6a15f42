package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cjeanneret/bracketcam/internal/config"
	"github.com/cjeanneret/bracketcam/internal/debug"
	"github.com/cjeanneret/bracketcam/internal/hw/device"
	"github.com/cjeanneret/bracketcam/internal/hw/device/gpiocam"
	"github.com/cjeanneret/bracketcam/internal/hw/device/sim"
	"github.com/cjeanneret/bracketcam/internal/hw/gpio"
	"github.com/cjeanneret/bracketcam/internal/hw/shutter"
	"github.com/cjeanneret/bracketcam/internal/logic/capture"
	"github.com/cjeanneret/bracketcam/internal/storage"
	"github.com/cjeanneret/bracketcam/internal/web"
	"github.com/cjeanneret/bracketcam/internal/worker"
)

const (
	writerBuffer        = 32
	defaultBurstTimeout = 2 * time.Minute
)

func main() {
	// CLI flags
	webPort := &webPortFlag{}
	flag.Var(webPort, "web", "start web server; -web= for the configured port, -web 8980 for a custom port")
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	envPath := flag.String("env", ".env", "dotenv file loaded before the config; missing files are ignored")
	bracketsFlag := flag.String("brackets", "", "comma-separated exposure:iso pairs, exposure in ns or as a duration (100ms:200,200ms:400)")
	aeLock := flag.Bool("ae-lock", false, "run an exposure lock before the burst and log its EV100")
	timeout := flag.Duration("timeout", defaultBurstTimeout, "bound on the one-shot capture")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := config.LoadDotEnv(*envPath); err != nil {
		log.Fatalf("load %s failed: %v", *envPath, err)
	}
	if err := config.ValidateConfigPath(*cfgPath); err != nil {
		log.Fatalf("invalid config path: %v", err)
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		log.Fatalf("environment override failed: %v", err)
	}

	brackets, err := parseBrackets(*bracketsFlag)
	if err != nil {
		log.Fatalf("invalid -brackets: %v", err)
	}
	if brackets == nil {
		brackets = cfg.Brackets()
	}

	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", *cfgPath)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)
	debug.Value("Backend", cfg.Backend)
	debug.Value("Output dir", cfg.Output.Dir)
	debug.PrintStruct("Capture options", cfg.CaptureOptions())

	opts := runOptions{
		webPort:      webPort.port(cfg.Web.Port),
		brackets:     brackets,
		aeLock:       *aeLock,
		burstTimeout: *timeout,
	}
	if err := run(ctx, cfg, opts); err != nil {
		log.Fatalf("%v", err)
	}
}

type runOptions struct {
	webPort      int // 0 runs one burst and exits
	brackets     []capture.Bracket
	aeLock       bool
	burstTimeout time.Duration
}

// run wires the backend, the frame store and the orchestrator, then either
// serves the web surface until ctx ends or takes one burst.
func run(ctx context.Context, cfg *config.Config, opts runOptions) (err error) {
	debug.Step(1, "Opening camera backend")
	cam, closeBackend, err := newCamera(cfg)
	if err != nil {
		return fmt.Errorf("init camera: %w", err)
	}
	defer func() {
		if cerr := closeBackend(); cerr != nil {
			debug.Error(fmt.Errorf("closing backend: %w", cerr))
		}
	}()

	debug.Step(2, "Opening frame store")
	store, err := storage.Open(ctx, cfg.Output.Dir, cfg.Output.Journal)
	if err != nil {
		return fmt.Errorf("open frame store: %w", err)
	}
	defer store.Close()

	// The writer logs its own failures.
	writer := store.NewWriter(writerBuffer, func(rec storage.Record, err error) {
		if err != nil {
			return
		}
		debug.Verbose("saved frame %d of burst %d to %q", rec.Index, rec.BurstID, rec.Path)
	})
	defer writer.Close()

	listeners := capture.MultiListener{
		capture.ListenerFuncs{
			ImageAvailable: func(f device.Frame) {
				if !writer.Enqueue(f) {
					debug.Error(fmt.Errorf("frame %d of burst %d dropped: writer full", f.Tag.Index, f.Tag.Burst))
				}
			},
		},
	}

	debug.Step(3, "Starting capture orchestrator")
	orch := capture.New(cam, worker.NewSerial("capture"), cfg.CaptureOptions())
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), orch.Options().TeardownTimeout)
		defer cancel()
		if serr := orch.Shutdown(shutdownCtx); serr != nil {
			err = errors.Join(err, fmt.Errorf("shutdown: %w", serr))
		}
	}()

	if opts.webPort > 0 {
		broadcaster := web.NewStatusBroadcaster()
		debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(broadcaster)))
		defer debug.SetOutput(os.Stdout)

		monitor := web.NewMonitor(broadcaster)
		handlers, err := web.NewHandlers(broadcaster, orch, store, monitor)
		if err != nil {
			return err
		}
		if err := orch.Start(ctx, append(listeners, monitor)); err != nil {
			return fmt.Errorf("start capture: %w", err)
		}
		srv := web.NewServer(fmt.Sprintf(":%d", opts.webPort), handlers)
		if err := srv.Run(ctx); err != nil {
			return fmt.Errorf("web server: %w", err)
		}
		return nil
	}

	w := newWaiter()
	if err := orch.Start(ctx, append(listeners, w.listener())); err != nil {
		return fmt.Errorf("start capture: %w", err)
	}
	return runOnce(ctx, orch, w, opts)
}

// newCamera builds the configured backend and the function that releases
// its hardware.
func newCamera(cfg *config.Config) (device.Camera, func() error, error) {
	switch cfg.Backend {
	case config.BackendSim:
		debug.Value("Simulated devices", len(cfg.Sim.Devices))
		return sim.New(cfg.SimDescriptors(), cfg.SimOptions()), func() error { return nil }, nil
	case config.BackendGPIO:
		debug.Value("Mock GPIO", cfg.Defaults.MockGPIO)
		drv, err := gpio.NewDriver(cfg.Defaults.MockGPIO)
		if err != nil {
			return nil, nil, err
		}
		release, err := shutter.NewRemoteRelease(drv, cfg.ShutterConfig())
		if err != nil {
			_ = drv.Close()
			return nil, nil, err
		}
		debug.Value("Focus pin", cfg.GPIO.FocusPin)
		debug.Value("Shutter pin", cfg.GPIO.ShutterPin)
		return gpiocam.New(release, cfg.GPIOCamConfig()), drv.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported backend: %s", cfg.Backend)
	}
}

// controller is what the one-shot capture drives.
type controller interface {
	FindExposureLock(ctx context.Context) error
	PerformBracketedCapture(ctx context.Context, brackets []capture.Bracket) error
}

// runOnce waits for the camera, optionally locks exposure, then takes one
// burst and waits for all of its frames.
func runOnce(ctx context.Context, ctrl controller, w *waiter, opts runOptions) error {
	timeout := opts.burstTimeout
	if timeout <= 0 {
		timeout = defaultBurstTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := w.waitReady(ctx); err != nil {
		return fmt.Errorf("wait for camera: %w", err)
	}

	if opts.aeLock {
		debug.Section("Exposure lock")
		if err := ctrl.FindExposureLock(ctx); err != nil {
			return fmt.Errorf("exposure lock: %w", err)
		}
		ev, err := w.waitLock(ctx)
		if err != nil {
			return fmt.Errorf("exposure lock: %w", err)
		}
		debug.Info("exposure locked at EV100 %.2f", ev)
		if err := w.waitReady(ctx); err != nil {
			return fmt.Errorf("exposure lock: %w", err)
		}
	}

	debug.Section("Bracketed burst")
	start := time.Now()
	if err := ctrl.PerformBracketedCapture(ctx, opts.brackets); err != nil {
		return fmt.Errorf("burst: %w", err)
	}
	if err := w.waitBurst(ctx, len(opts.brackets)); err != nil {
		return fmt.Errorf("burst: %w", err)
	}
	debug.Summary("Burst complete")
	debug.Info("burst of %d brackets took %s", len(opts.brackets), time.Since(start).Round(time.Millisecond))
	return nil
}

// parseBrackets parses "exposure:iso" pairs. Exposure is nanoseconds or a
// Go duration. An empty string returns nil.
func parseBrackets(s string) ([]capture.Bracket, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var out []capture.Bracket
	for i, item := range strings.Split(s, ",") {
		exp, iso, ok := strings.Cut(strings.TrimSpace(item), ":")
		if !ok {
			return nil, fmt.Errorf("bracket %d: %q is not exposure:iso", i, item)
		}
		exposure, err := parseExposure(exp)
		if err != nil {
			return nil, fmt.Errorf("bracket %d: %w", i, err)
		}
		n, err := strconv.ParseInt(iso, 10, 32)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("bracket %d: invalid iso %q", i, iso)
		}
		out = append(out, capture.Bracket{Exposure: exposure, ISO: int32(n)})
	}
	return out, nil
}

func parseExposure(s string) (time.Duration, error) {
	var d time.Duration
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		d = time.Duration(n)
	} else if d, err = time.ParseDuration(s); err != nil {
		return 0, fmt.Errorf("invalid exposure %q", s)
	}
	if d <= 0 {
		return 0, fmt.Errorf("exposure %q must be positive", s)
	}
	return d, nil
}

// webPortFlag implements flag.Value for -web: unset disables the server,
// -web= uses the configured port, -web 8980 uses 8980.
type webPortFlag struct {
	set bool
	val int
}

func (w *webPortFlag) String() string {
	return strconv.Itoa(w.val)
}

func (w *webPortFlag) Set(s string) error {
	w.set = true
	if s == "" {
		w.val = 0
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	w.val = v
	return nil
}

// port returns the port to serve on, or 0 when -web was not given.
func (w *webPortFlag) port(configured int) int {
	switch {
	case !w.set:
		return 0
	case w.val == 0:
		return configured
	default:
		return w.val
	}
}
