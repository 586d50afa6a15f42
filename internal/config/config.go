package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/cjeanneret/bracketcam/internal/hw/device"
	"github.com/cjeanneret/bracketcam/internal/hw/device/gpiocam"
	"github.com/cjeanneret/bracketcam/internal/hw/device/sim"
	"github.com/cjeanneret/bracketcam/internal/hw/shutter"
	"github.com/cjeanneret/bracketcam/internal/logic/capture"
)

// MaxConfigFileBytes bounds the size of a configuration file.
const MaxConfigFileBytes = 1 << 20

// Backends.
const (
	BackendSim  = "sim"
	BackendGPIO = "gpio"
)

// Environment variables that override the file.
const (
	EnvDebugLevel = "BRACKETCAM_DEBUG_LEVEL"
	EnvBackend    = "BRACKETCAM_BACKEND"
	EnvOutputDir  = "BRACKETCAM_OUTPUT_DIR"
	EnvWebPort    = "BRACKETCAM_WEB_PORT"
	EnvMockGPIO   = "BRACKETCAM_MOCK_GPIO"
)

// OutputConfig tells where frames and the journal go.
type OutputConfig struct {
	Dir     string `yaml:"dir"`     // image directory, created if missing
	Journal string `yaml:"journal"` // SQLite journal path, default <dir>/journal.db
}

// WebConfig configures the HTTP control surface.
type WebConfig struct {
	Port int `yaml:"port"`
}

// BracketConfig is one exposure step of the default ladder.
type BracketConfig struct {
	ExposureMs float64 `yaml:"exposure_ms"`
	ISO        int32   `yaml:"iso"`
}

// CaptureConfig tunes the capture orchestrator.
type CaptureConfig struct {
	MaxBrackets       int             `yaml:"max_brackets"`
	DisplayRotation   int             `yaml:"display_rotation"` // 0, 90, 180 or 270
	Format            string          `yaml:"format"`           // "jpeg" or "tiff"
	OpenTimeoutMs     int             `yaml:"open_timeout_ms"`
	TeardownTimeoutMs int             `yaml:"teardown_timeout_ms"`
	MaxMeteringPolls  int             `yaml:"max_metering_polls"`
	Brackets          []BracketConfig `yaml:"brackets"` // default ladder when empty
}

// SimDeviceConfig describes one simulated device.
type SimDeviceConfig struct {
	ID                string              `yaml:"id"`
	Facing            string              `yaml:"facing"` // back, front or external
	SensorOrientation int                 `yaml:"sensor_orientation"`
	StillSizes        []device.Size       `yaml:"still_sizes"`
	Exposure          device.Range[int64] `yaml:"exposure_ns"`
	Sensitivity       device.Range[int32] `yaml:"iso"`
	Aperture          float64             `yaml:"aperture"`
}

// SimConfig configures the simulated camera backend.
type SimConfig struct {
	LatencyMs     int               `yaml:"latency_ms"`
	MeteringSteps int               `yaml:"metering_steps"`
	RenderWidth   int               `yaml:"render_width"`  // 0 renders at output size
	RenderHeight  int               `yaml:"render_height"` // 0 renders at output size
	DenyOpen      bool              `yaml:"deny_open"`
	Devices       []SimDeviceConfig `yaml:"devices"`
}

// GPIOConfig describes a DSLR wired to the remote release connector.
// GND is physically connected to Raspberry Pi ground.
type GPIOConfig struct {
	FocusPin          int                 `yaml:"focus_pin"`
	ShutterPin        int                 `yaml:"shutter_pin"`
	FocusDelayMs      int                 `yaml:"focus_delay_ms"` // autofocus delay
	MinHoldMs         int                 `yaml:"min_hold_ms"`    // shortest shutter press
	SensorOrientation int                 `yaml:"sensor_orientation"`
	StillSize         device.Size         `yaml:"still_size"`
	Exposure          device.Range[int64] `yaml:"exposure_ns"`
	Sensitivity       device.Range[int32] `yaml:"iso"`
	Aperture          float64             `yaml:"aperture"`
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	DebugLevel int  `yaml:"debug_level"` // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	MockGPIO   bool `yaml:"mock_gpio"`   // use mock GPIO (true=dev/test, false=real Raspberry Pi)
}

// Config aggregates all application configuration.
type Config struct {
	Backend  string         `yaml:"backend"`
	Output   OutputConfig   `yaml:"output"`
	Web      WebConfig      `yaml:"web"`
	Capture  CaptureConfig  `yaml:"capture"`
	Sim      SimConfig      `yaml:"sim"`
	GPIO     GPIOConfig     `yaml:"gpio"`
	Defaults DefaultsConfig `yaml:"defaults"`
}

// ValidateConfigPath accepts only .yaml files whose parent directory is
// named "configs". Paths containing ".." are rejected before cleaning.
func ValidateConfigPath(path string) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("config path %q must not contain '..'", path)
		}
	}
	if filepath.Ext(path) != ".yaml" {
		return fmt.Errorf("config path %q must have a .yaml extension", path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	if filepath.Base(filepath.Dir(abs)) != "configs" {
		return fmt.Errorf("config path %q must be inside a configs/ directory", path)
	}
	return nil
}

// LoadDotEnv loads environment variables from path. Missing files are ignored.
func LoadDotEnv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Default returns the configuration used when the file sets nothing.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// Load reads a YAML file and returns the configuration with defaults
// applied. Environment overrides are not applied; see ApplyEnv.
func Load(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if info.Size() > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file is %d bytes, limit is %d", info.Size(), MaxConfigFileBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyEnv overrides fields from BRACKETCAM_* variables and validates the
// result.
func (c *Config) ApplyEnv() error {
	if v, ok := os.LookupEnv(EnvDebugLevel); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvDebugLevel, err)
		}
		c.Defaults.DebugLevel = n
	}
	if v, ok := os.LookupEnv(EnvBackend); ok {
		c.Backend = strings.ToLower(strings.TrimSpace(v))
	}
	if v, ok := os.LookupEnv(EnvOutputDir); ok && v != "" {
		c.Output.Dir = v
	}
	if v, ok := os.LookupEnv(EnvWebPort); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvWebPort, err)
		}
		c.Web.Port = n
	}
	if v, ok := os.LookupEnv(EnvMockGPIO); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvMockGPIO, err)
		}
		c.Defaults.MockGPIO = b
	}
	return c.Validate()
}

func (c *Config) applyDefaults() {
	if c.Backend == "" {
		c.Backend = BackendSim
	}
	if c.Output.Dir == "" {
		c.Output.Dir = "captures"
	}
	if c.Web.Port == 0 {
		c.Web.Port = 8080
	}

	cc := &c.Capture
	if cc.MaxBrackets == 0 {
		cc.MaxBrackets = capture.DefaultMaxBrackets
	}
	if cc.Format == "" {
		cc.Format = string(device.FormatJPEG)
	}
	if cc.OpenTimeoutMs == 0 {
		cc.OpenTimeoutMs = int(capture.DefaultOpenTimeout / time.Millisecond)
	}
	if cc.TeardownTimeoutMs == 0 {
		cc.TeardownTimeoutMs = int(capture.DefaultTeardownTimeout / time.Millisecond)
	}
	if cc.MaxMeteringPolls == 0 {
		cc.MaxMeteringPolls = capture.DefaultMaxMeteringPolls
	}
	if len(cc.Brackets) == 0 {
		for _, b := range capture.DefaultBrackets() {
			cc.Brackets = append(cc.Brackets, BracketConfig{
				ExposureMs: float64(b.Exposure) / float64(time.Millisecond),
				ISO:        b.ISO,
			})
		}
	}

	if c.Sim.LatencyMs == 0 {
		c.Sim.LatencyMs = 20
	}
	if len(c.Sim.Devices) == 0 {
		c.Sim.Devices = []SimDeviceConfig{{
			ID:                "0",
			Facing:            "back",
			SensorOrientation: 90,
			StillSizes:        []device.Size{{Width: 4032, Height: 3024}, {Width: 1920, Height: 1080}},
			Exposure:          device.Range[int64]{Lower: 100_000, Upper: 1_000_000_000},
			Sensitivity:       device.Range[int32]{Lower: 100, Upper: 3200},
			Aperture:          1.8,
		}}
	}
	for i := range c.Sim.Devices {
		if c.Sim.Devices[i].Facing == "" {
			c.Sim.Devices[i].Facing = "back"
		}
	}

	g := &c.GPIO
	if g.FocusPin == 0 {
		g.FocusPin = 24
	}
	if g.ShutterPin == 0 {
		g.ShutterPin = 25
	}
	if g.FocusDelayMs == 0 {
		g.FocusDelayMs = 500
	}
	if g.MinHoldMs == 0 {
		g.MinHoldMs = 200
	}
	if g.StillSize == (device.Size{}) {
		g.StillSize = device.Size{Width: 4288, Height: 2848}
	}
	if g.Exposure == (device.Range[int64]{}) {
		g.Exposure = device.Range[int64]{Lower: 250_000, Upper: 30_000_000_000}
	}
	if g.Sensitivity == (device.Range[int32]{}) {
		g.Sensitivity = device.Range[int32]{Lower: 200, Upper: 3200}
	}
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendSim, BackendGPIO:
	default:
		return fmt.Errorf("backend must be %q or %q, got %q", BackendSim, BackendGPIO, c.Backend)
	}
	if c.Web.Port < 1 || c.Web.Port > 65535 {
		return fmt.Errorf("web.port must be between 1 and 65535, got %d", c.Web.Port)
	}
	if c.Defaults.DebugLevel < 0 || c.Defaults.DebugLevel > 4 {
		return fmt.Errorf("debug_level must be between 0 and 4, got %d", c.Defaults.DebugLevel)
	}

	cc := c.Capture
	if cc.MaxBrackets < 1 {
		return fmt.Errorf("capture.max_brackets must be > 0, got %d", cc.MaxBrackets)
	}
	switch cc.DisplayRotation {
	case 0, 90, 180, 270:
	default:
		return fmt.Errorf("capture.display_rotation must be 0, 90, 180 or 270, got %d", cc.DisplayRotation)
	}
	switch device.Format(cc.Format) {
	case device.FormatJPEG, device.FormatTIFF:
	default:
		return fmt.Errorf("capture.format must be jpeg or tiff, got %q", cc.Format)
	}
	if cc.OpenTimeoutMs < 0 || cc.TeardownTimeoutMs < 0 || cc.MaxMeteringPolls < 0 {
		return errors.New("capture timeouts and max_metering_polls must not be negative")
	}
	if len(cc.Brackets) > cc.MaxBrackets {
		return fmt.Errorf("capture.brackets has %d entries, max_brackets is %d", len(cc.Brackets), cc.MaxBrackets)
	}
	for i, b := range cc.Brackets {
		if b.ExposureMs <= 0 || b.ISO <= 0 {
			return fmt.Errorf("capture.brackets[%d]: exposure_ms and iso must be > 0", i)
		}
	}

	if c.Sim.LatencyMs < 0 || c.Sim.MeteringSteps < 0 {
		return errors.New("sim.latency_ms and sim.metering_steps must not be negative")
	}
	for i, d := range c.Sim.Devices {
		if d.ID == "" {
			return fmt.Errorf("sim.devices[%d].id is required", i)
		}
		if _, err := parseFacing(d.Facing); err != nil {
			return fmt.Errorf("sim.devices[%d]: %w", i, err)
		}
		if d.Exposure.Lower > d.Exposure.Upper || d.Sensitivity.Lower > d.Sensitivity.Upper {
			return fmt.Errorf("sim.devices[%d]: range lower bound above upper bound", i)
		}
	}

	g := c.GPIO
	if g.FocusPin == g.ShutterPin {
		return fmt.Errorf("gpio.focus_pin and gpio.shutter_pin must differ, both are %d", g.FocusPin)
	}
	if g.FocusDelayMs < 0 || g.MinHoldMs < 0 {
		return errors.New("gpio delays must not be negative")
	}
	if g.Exposure.Lower > g.Exposure.Upper || g.Sensitivity.Lower > g.Sensitivity.Upper {
		return errors.New("gpio: range lower bound above upper bound")
	}
	return nil
}

func parseFacing(s string) (device.Facing, error) {
	switch strings.ToLower(s) {
	case "back":
		return device.FacingBack, nil
	case "front":
		return device.FacingFront, nil
	case "external":
		return device.FacingExternal, nil
	default:
		return 0, fmt.Errorf("unknown facing %q", s)
	}
}

// Addr returns the web listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Web.Port)
}

// Brackets returns the default bracket ladder.
func (c *Config) Brackets() []capture.Bracket {
	out := make([]capture.Bracket, len(c.Capture.Brackets))
	for i, b := range c.Capture.Brackets {
		out[i] = capture.Bracket{
			Exposure: time.Duration(b.ExposureMs * float64(time.Millisecond)),
			ISO:      b.ISO,
		}
	}
	return out
}

// CaptureOptions returns the orchestrator options.
func (c *Config) CaptureOptions() capture.Options {
	cc := c.Capture
	return capture.Options{
		MaxBrackets:      cc.MaxBrackets,
		OpenTimeout:      time.Duration(cc.OpenTimeoutMs) * time.Millisecond,
		TeardownTimeout:  time.Duration(cc.TeardownTimeoutMs) * time.Millisecond,
		DisplayRotation:  cc.DisplayRotation,
		Format:           device.Format(cc.Format),
		MaxMeteringPolls: cc.MaxMeteringPolls,
	}
}

// SimDescriptors returns the simulated device list. Validate has already
// rejected unknown facings.
func (c *Config) SimDescriptors() []device.Descriptor {
	out := make([]device.Descriptor, 0, len(c.Sim.Devices))
	for _, d := range c.Sim.Devices {
		facing, _ := parseFacing(d.Facing)
		out = append(out, device.Descriptor{
			ID:                d.ID,
			Facing:            facing,
			SensorOrientation: d.SensorOrientation,
			StillSizes:        append([]device.Size(nil), d.StillSizes...),
			Exposure:          d.Exposure,
			Sensitivity:       d.Sensitivity,
			Aperture:          d.Aperture,
		})
	}
	return out
}

// SimOptions returns the simulated backend options.
func (c *Config) SimOptions() sim.Options {
	return sim.Options{
		Latency:       time.Duration(c.Sim.LatencyMs) * time.Millisecond,
		MeteringSteps: c.Sim.MeteringSteps,
		RenderSize:    device.Size{Width: c.Sim.RenderWidth, Height: c.Sim.RenderHeight},
		DenyOpen:      c.Sim.DenyOpen,
	}
}

// ShutterConfig returns the remote release wiring.
func (c *Config) ShutterConfig() shutter.Config {
	return shutter.Config{
		FocusPin:   c.GPIO.FocusPin,
		ShutterPin: c.GPIO.ShutterPin,
		FocusDelay: time.Duration(c.GPIO.FocusDelayMs) * time.Millisecond,
		MinHold:    time.Duration(c.GPIO.MinHoldMs) * time.Millisecond,
	}
}

// GPIOCamConfig returns the description of the wired camera.
func (c *Config) GPIOCamConfig() gpiocam.Config {
	g := c.GPIO
	return gpiocam.Config{
		ID:                "gpio",
		SensorOrientation: g.SensorOrientation,
		StillSize:         g.StillSize,
		Exposure:          g.Exposure,
		Sensitivity:       g.Sensitivity,
		Aperture:          g.Aperture,
	}
}
