// Interchangeable segmentation backends selected by name when a session starts
package segment

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"virtual-background/internal/core"
)

// Config carries the settings of every backend; each backend reads the fields it needs
type Config struct {
	// dnn
	ModelPath  string `yaml:"model"`
	ConfigPath string `yaml:"model_config"`
	Backend    string `yaml:"backend"`
	Target     string `yaml:"target"`
	InputSize  int    `yaml:"input_size"`
	SwapRB     bool   `yaml:"swap_rb"`

	// motion
	History       int     `yaml:"history"`
	VarThreshold  float64 `yaml:"var_threshold"`
	WorkWidth     int     `yaml:"work_width"`
	SmoothingSize int     `yaml:"smoothing"`
}

// DefaultConfig returns the defaults of both backends
func DefaultConfig() Config {
	return Config{
		Backend:       "default",
		Target:        "cpu",
		InputSize:     256,
		SwapRB:        true,
		History:       500,
		VarThreshold:  16,
		WorkWidth:     320,
		SmoothingSize: 5,
	}
}

// Factory builds a backend. The model is not loaded until LoadModel.
type Factory func(cfg Config, logger logrus.FieldLogger) (core.Segmenter, error)

var (
	mu        sync.RWMutex
	factories = make(map[string]Factory)
)

// Register makes a backend available under name
func Register(name string, factory Factory) {
	mu.Lock()
	defer mu.Unlock()
	factories[name] = factory
}

// New builds the backend registered under name
func New(name string, cfg Config, logger logrus.FieldLogger) (core.Segmenter, error) {
	mu.RLock()
	factory, exists := factories[name]
	mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("segmenter not found: %s (available: %v)", name, Names())
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return factory(cfg, logger)
}

// IsValid reports whether a backend is registered under name
func IsValid(name string) bool {
	mu.RLock()
	defer mu.RUnlock()
	_, exists := factories[name]
	return exists
}

// Names returns the registered backend names in sorted order
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
