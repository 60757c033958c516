// Package config loads the application configuration. Values are layered: built-in defaults,
// then an optional YAML file, then VBG_* environment variables, then command line flags.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"virtual-background/internal/core"
	"virtual-background/internal/render"
	"virtual-background/internal/segment"
)

const (
	DefaultLogLevel   = "info"
	DefaultSegmenter  = "motion"
	DefaultDisplay    = "preview"
	DefaultCompositor = "auto"

	EnvPrefix = "VBG_"
)

// SourceConfig selects the frame source. Image takes precedence over Device.
type SourceConfig struct {
	Device string  `yaml:"device"`
	Image  string  `yaml:"image"`
	Width  int     `yaml:"width"`
	Height int     `yaml:"height"`
	FPS    float64 `yaml:"fps"`
	Loop   bool    `yaml:"loop"`
}

// Config is the complete application configuration
type Config struct {
	LogLevel string `yaml:"log_level"`
	Debug    bool   `yaml:"debug"`

	Source SourceConfig `yaml:"source"`

	Segmenter string         `yaml:"segmenter"`
	Segment   segment.Config `yaml:"segment"`

	Effect      string        `yaml:"effect"`
	Background  string        `yaml:"background"`
	Compositor  string        `yaml:"compositor"`
	Render      render.Params `yaml:"render"`
	FrameBudget time.Duration `yaml:"frame_budget"`
	MinInterval time.Duration `yaml:"min_interval"`
	Threshold   float32       `yaml:"threshold"`
	MaskCleanup int           `yaml:"mask_cleanup"`

	Display       string        `yaml:"display"`
	SnapshotDir   string        `yaml:"snapshot_dir"`
	StatsInterval time.Duration `yaml:"stats_interval"`
}

// Default returns the built-in configuration: 640x480 camera 0, 25 fps, inference at most every
// 100ms, bokeh strength 12 with edge blur 2.
func Default() *Config {
	cam := DefaultCameraSource()
	return &Config{
		LogLevel:      DefaultLogLevel,
		Source:        cam,
		Segmenter:     DefaultSegmenter,
		Segment:       segment.DefaultConfig(),
		Effect:        core.EffectBlur.String(),
		Compositor:    DefaultCompositor,
		Render:        render.DefaultParams(),
		FrameBudget:   core.DefaultFrameBudget,
		MinInterval:   core.DefaultMinInterval,
		Threshold:     0.5,
		Display:       DefaultDisplay,
		SnapshotDir:   "snapshots",
		StatsInterval: 10 * time.Second,
	}
}

func DefaultCameraSource() SourceConfig {
	return SourceConfig{
		Device: "0",
		Width:  640,
		Height: 480,
		FPS:    30,
	}
}

// Load builds the configuration from defaults, the YAML file at path (optional) and the
// environment. Flags are applied separately with ApplyFlags.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(os.Environ()); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// setters maps a setting key (flag name) to its parser. Environment variables use the same
// keys upper-cased with dashes replaced by underscores and the VBG_ prefix.
var setters = map[string]func(c *Config, v string) error{
	"log-level":     func(c *Config, v string) error { c.LogLevel = v; return nil },
	"debug":         func(c *Config, v string) error { return setBool(&c.Debug, v) },
	"device":        func(c *Config, v string) error { c.Source.Device = v; return nil },
	"image":         func(c *Config, v string) error { c.Source.Image = v; return nil },
	"width":         func(c *Config, v string) error { return setInt(&c.Source.Width, v) },
	"height":        func(c *Config, v string) error { return setInt(&c.Source.Height, v) },
	"fps":           func(c *Config, v string) error { return setFloat(&c.Source.FPS, v) },
	"loop":          func(c *Config, v string) error { return setBool(&c.Source.Loop, v) },
	"segmenter":     func(c *Config, v string) error { c.Segmenter = v; return nil },
	"model":         func(c *Config, v string) error { c.Segment.ModelPath = v; return nil },
	"model-config":  func(c *Config, v string) error { c.Segment.ConfigPath = v; return nil },
	"dnn-backend":   func(c *Config, v string) error { c.Segment.Backend = v; return nil },
	"dnn-target":    func(c *Config, v string) error { c.Segment.Target = v; return nil },
	"input-size":    func(c *Config, v string) error { return setInt(&c.Segment.InputSize, v) },
	"effect":        func(c *Config, v string) error { c.Effect = v; return nil },
	"background":    func(c *Config, v string) error { c.Background = v; return nil },
	"compositor":    func(c *Config, v string) error { c.Compositor = v; return nil },
	"blur-strength": func(c *Config, v string) error { return setFloat(&c.Render.BlurStrength, v) },
	"edge-blur":     func(c *Config, v string) error { return setFloat(&c.Render.EdgeBlur, v) },
	"opacity":       func(c *Config, v string) error { return setFloat(&c.Render.Opacity, v) },
	"frame-budget":  func(c *Config, v string) error { return setDuration(&c.FrameBudget, v) },
	"min-interval":  func(c *Config, v string) error { return setDuration(&c.MinInterval, v) },
	"threshold": func(c *Config, v string) error {
		f, err := strconv.ParseFloat(v, 32)
		if err != nil {
			return err
		}
		c.Threshold = float32(f)
		return nil
	},
	"mask-cleanup":   func(c *Config, v string) error { return setInt(&c.MaskCleanup, v) },
	"display":        func(c *Config, v string) error { c.Display = v; return nil },
	"snapshot-dir":   func(c *Config, v string) error { c.SnapshotDir = v; return nil },
	"stats-interval": func(c *Config, v string) error { return setDuration(&c.StatsInterval, v) },
}

// EnvName returns the environment variable for a setting key
func EnvName(key string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
}

func (c *Config) applyEnv(environ []string) error {
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		if k, v, ok := strings.Cut(kv, "="); ok && strings.HasPrefix(k, EnvPrefix) {
			env[k] = v
		}
	}
	for key, set := range setters {
		v, ok := env[EnvName(key)]
		if !ok || v == "" {
			continue
		}
		if err := set(c, v); err != nil {
			return fmt.Errorf("invalid %s: %w", EnvName(key), err)
		}
	}
	return nil
}

// RegisterFlags defines one flag per setting on fs. Defaults shown in -help are the built-in
// ones; only flags set on the command line override the file and the environment.
func RegisterFlags(fs *flag.FlagSet) {
	d := Default()
	fs.String("log-level", d.LogLevel, "log level (debug, info, warn, error)")
	fs.Bool("debug", d.Debug, "enable debug logging with colored text output")
	fs.String("device", d.Source.Device, "camera index or video file/stream URL")
	fs.String("image", d.Source.Image, "use a still image as the frame source")
	fs.Int("width", d.Source.Width, "requested capture width")
	fs.Int("height", d.Source.Height, "requested capture height")
	fs.Float64("fps", d.Source.FPS, "requested capture frame rate")
	fs.Bool("loop", d.Source.Loop, "rewind video files at the end")
	fs.String("segmenter", d.Segmenter, "segmentation backend ("+strings.Join(segment.Names(), ", ")+")")
	fs.String("model", d.Segment.ModelPath, "segmentation network for the dnn backend")
	fs.String("model-config", d.Segment.ConfigPath, "optional network configuration file")
	fs.String("dnn-backend", d.Segment.Backend, "OpenCV DNN backend (default, openvino, cuda, ...)")
	fs.String("dnn-target", d.Segment.Target, "OpenCV DNN target (cpu, opencl, cuda, ...)")
	fs.Int("input-size", d.Segment.InputSize, "network input size in pixels")
	fs.String("effect", d.Effect, "effect (none, blur, static)")
	fs.String("background", d.Background, "background image for the static effect")
	fs.String("compositor", d.Compositor, "compositor (auto, gl, cpu)")
	fs.Float64("blur-strength", d.Render.BlurStrength, "background blur strength in pixels")
	fs.Float64("edge-blur", d.Render.EdgeBlur, "mask edge feathering in pixels")
	fs.Float64("opacity", d.Render.Opacity, "subject opacity")
	fs.Duration("frame-budget", d.FrameBudget, "target time per frame")
	fs.Duration("min-interval", d.MinInterval, "minimum time between inference calls")
	fs.Float64("threshold", float64(d.Threshold), "confidence threshold for subject pixels")
	fs.Int("mask-cleanup", d.MaskCleanup, "radius of the mask opening, 0 disables it")
	fs.String("display", d.Display, "display (preview, window, none)")
	fs.String("snapshot-dir", d.SnapshotDir, "directory for composite snapshots")
	fs.Duration("stats-interval", d.StatsInterval, "interval between statistics log lines, 0 disables them")
}

// ApplyFlags copies the flags set on the command line into c and validates the result
func (c *Config) ApplyFlags(fs *flag.FlagSet) error {
	var err error
	fs.Visit(func(f *flag.Flag) {
		if err != nil {
			return
		}
		set, ok := setters[f.Name]
		if !ok {
			return
		}
		if e := set(c, f.Value.String()); e != nil {
			err = fmt.Errorf("invalid -%s: %w", f.Name, e)
		}
	})
	if err != nil {
		return err
	}
	return c.Validate()
}

// Validate checks every setting
func (c *Config) Validate() error {
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.LogLevel)
	}
	if c.Source.Image == "" && c.Source.Device == "" {
		return fmt.Errorf("either a device or an image source is required")
	}
	if c.Source.Width < 0 || c.Source.Height < 0 || c.Source.FPS < 0 {
		return fmt.Errorf("invalid capture mode %dx%d@%.1f", c.Source.Width, c.Source.Height, c.Source.FPS)
	}
	if !segment.IsValid(c.Segmenter) {
		return fmt.Errorf("unknown segmenter: %s (available: %v)", c.Segmenter, segment.Names())
	}
	if c.Segmenter == "dnn" && c.Segment.ModelPath == "" {
		return fmt.Errorf("the dnn segmenter requires a model")
	}
	if _, err := core.ParseEffect(c.Effect); err != nil {
		return err
	}
	if _, err := render.ParseKind(c.Compositor); err != nil {
		return err
	}
	if err := c.Render.Validate(); err != nil {
		return err
	}
	if c.FrameBudget <= 0 || c.FrameBudget > time.Second {
		return fmt.Errorf("frame budget must be between 0 and 1s, got %s", c.FrameBudget)
	}
	if c.MinInterval < 0 {
		return fmt.Errorf("min interval must not be negative, got %s", c.MinInterval)
	}
	if c.Threshold <= 0 || c.Threshold >= 1 {
		return fmt.Errorf("threshold must be in (0,1), got %.3f", c.Threshold)
	}
	if c.MaskCleanup < 0 || c.MaskCleanup > 16 {
		return fmt.Errorf("mask cleanup radius must be between 0 and 16, got %d", c.MaskCleanup)
	}
	switch c.Display {
	case "preview", "window", "none":
	default:
		return fmt.Errorf("invalid display: %s", c.Display)
	}
	if c.StatsInterval < 0 {
		return fmt.Errorf("stats interval must not be negative, got %s", c.StatsInterval)
	}
	return nil
}

// EffectValue returns the parsed effect; Validate guarantees it parses
func (c *Config) EffectValue() core.Effect {
	e, _ := core.ParseEffect(c.Effect)
	return e
}

// CompositorKind returns the parsed compositor kind; Validate guarantees it parses
func (c *Config) CompositorKind() render.Kind {
	k, _ := render.ParseKind(c.Compositor)
	return k
}

func setBool(dst *bool, v string) error {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return err
	}
	*dst = b
	return nil
}

func setInt(dst *int, v string) error {
	n, err := strconv.Atoi(v)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func setFloat(dst *float64, v string) error {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return err
	}
	*dst = f
	return nil
}

func setDuration(dst *time.Duration, v string) error {
	d, err := time.ParseDuration(v)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}
