// Package physmem is the physmem daemon helper: configuration and the
// application's run loop.
package physmem

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cherts/physmem/internal/http"
	"github.com/cherts/physmem/internal/log"
	"github.com/cherts/physmem/internal/pmm"
	"github.com/shirou/gopsutil/v4/mem"
	"gopkg.in/yaml.v2"
)

const (
	defaultListenAddress      = "127.0.0.1:9891"
	defaultAutoArenaPercent   = 1
	defaultAutoArenaBase      = 0x4000_0000
	defaultRotationInterval   = "10s"
	defaultContinuousInterval = "10s"
	defaultSweepInterval      = "30s"
)

// ArenaConfig describes one physical arena handed to the manager.
type ArenaConfig struct {
	Name     string `yaml:"name" validate:"required"`
	Base     uint64 `yaml:"base" validate:"page_aligned"`
	Size     uint64 `yaml:"size" validate:"required,page_aligned"`
	Priority uint32 `yaml:"priority"`
}

// EvictionConfig tunes the evictor.
type EvictionConfig struct {
	Enable             bool   `yaml:"enable"`
	ContinuousInterval string `yaml:"continuous_interval" validate:"omitempty,interval"`
	DiscardablePercent uint32 `yaml:"discardable_percent" validate:"lte=100"`
	MinBytes           uint64 `yaml:"min_bytes"`
	FreeTargetBytes    uint64 `yaml:"free_target_bytes"`
	IncludeNewest      bool   `yaml:"include_newest"`
}

// BorrowConfig tunes physical page loaning and borrowing.
type BorrowConfig struct {
	LoaningEnabled   bool   `yaml:"loaning"`
	BorrowingEnabled bool   `yaml:"borrowing"`
	SweepInterval    string `yaml:"sweep_interval" validate:"omitempty,interval"`
}

// Config defines application's configuration.
type Config struct {
	ListenAddress    string          `yaml:"listen_address"`               // Network address and port where the application should listen on
	Arenas           []ArenaConfig   `yaml:"arenas" validate:"dive"`       // Physical arenas; empty means one auto-sized arena
	AutoArenaPercent uint32          `yaml:"auto_arena_percent" validate:"lte=100"` // Share of host memory modeled by the auto arena
	Watermarks       []uint64        `yaml:"watermarks"`                   // Memory availability watermarks, bytes, strictly increasing
	Debounce         uint64          `yaml:"debounce"`                     // Hysteresis margin around each watermark, bytes
	RotationInterval string          `yaml:"rotation_interval" validate:"omitempty,interval"` // Reclaim queue aging period
	Eviction         EvictionConfig  `yaml:"eviction"`
	Borrow           BorrowConfig    `yaml:"borrow"`
	FreeFill         bool            `yaml:"free_fill"`      // Debug: fill freed pages and verify on allocation
	RandomShouldWait bool            `yaml:"random_should_wait"` // Debug: fault-inject delayed allocations
	AuthConfig       http.AuthConfig `yaml:"authentication"` // TLS and Basic auth configuration
}

// NewConfig creates new config based on config file or return default config if config file is not specified.
func NewConfig(configFilePath string) (*Config, error) {
	var configFromFile *Config
	if configFilePath != "" {
		log.Infoln("read configuration from ", configFilePath)
		content, err := os.ReadFile(filepath.Clean(configFilePath))
		if err != nil {
			return nil, err
		}
		configFromFile = &Config{}
		err = yaml.Unmarshal(content, configFromFile)
		if err != nil {
			return nil, err
		}
	}

	configFromEnv, err := newConfigFromEnv()
	if err != nil {
		return nil, err
	}

	if configFromFile == nil {
		return configFromEnv, nil
	}

	// Values from the environment win over the file.
	if configFromEnv.ListenAddress != "" {
		configFromFile.ListenAddress = configFromEnv.ListenAddress
	}
	if configFromEnv.AutoArenaPercent > 0 {
		configFromFile.AutoArenaPercent = configFromEnv.AutoArenaPercent
	}
	if configFromEnv.FreeFill {
		configFromFile.FreeFill = configFromEnv.FreeFill
	}
	if configFromEnv.RandomShouldWait {
		configFromFile.RandomShouldWait = configFromEnv.RandomShouldWait
	}
	if configFromEnv.AuthConfig != (http.AuthConfig{}) {
		configFromFile.AuthConfig = configFromEnv.AuthConfig
	}
	return configFromFile, nil
}

// newConfigFromEnv collects settings from environment variables.
func newConfigFromEnv() (*Config, error) {
	config := &Config{}

	config.ListenAddress = os.Getenv("PHYSMEM_LISTEN_ADDRESS")

	if v := os.Getenv("PHYSMEM_AUTO_ARENA_PERCENT"); v != "" {
		pct, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid PHYSMEM_AUTO_ARENA_PERCENT: %s", err)
		}
		config.AutoArenaPercent = uint32(pct)
	}

	if v := os.Getenv("PHYSMEM_FREE_FILL"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid PHYSMEM_FREE_FILL: %s", err)
		}
		config.FreeFill = b
	}

	if v := os.Getenv("PHYSMEM_RANDOM_SHOULD_WAIT"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid PHYSMEM_RANDOM_SHOULD_WAIT: %s", err)
		}
		config.RandomShouldWait = b
	}

	config.AuthConfig.Username = os.Getenv("PHYSMEM_AUTH_USERNAME")
	config.AuthConfig.Password = os.Getenv("PHYSMEM_AUTH_PASSWORD")
	config.AuthConfig.Keyfile = os.Getenv("PHYSMEM_TLS_KEYFILE")
	config.AuthConfig.Certfile = os.Getenv("PHYSMEM_TLS_CERTFILE")

	return config, nil
}

// Validate checks configuration for stupid values, and defaults what was
// left unset.
func (c *Config) Validate() error {
	if c.ListenAddress == "" {
		c.ListenAddress = defaultListenAddress
	}
	if c.AutoArenaPercent == 0 {
		c.AutoArenaPercent = defaultAutoArenaPercent
	}
	if c.RotationInterval == "" {
		c.RotationInterval = defaultRotationInterval
	}
	if c.Eviction.ContinuousInterval == "" {
		c.Eviction.ContinuousInterval = defaultContinuousInterval
	}
	if c.Borrow.SweepInterval == "" {
		c.Borrow.SweepInterval = defaultSweepInterval
	}

	enableAuth, enableTLS, err := c.AuthConfig.Validate()
	if err != nil {
		return err
	}
	c.AuthConfig.EnableAuth = enableAuth
	c.AuthConfig.EnableTLS = enableTLS

	// Watermarks follow the manager's own rules: strictly increasing,
	// first one at least the debounce margin.
	for i, wm := range c.Watermarks {
		if i > 0 && wm/pmm.PageSize <= c.Watermarks[i-1]/pmm.PageSize {
			return fmt.Errorf("watermarks must be strictly increasing: %w", pmm.ErrInvalidArgs)
		}
		if i == 0 && wm/pmm.PageSize < (c.Debounce+pmm.PageSize-1)/pmm.PageSize {
			return fmt.Errorf("first watermark below debounce: %w", pmm.ErrInvalidArgs)
		}
	}
	if len(c.Watermarks) > pmm.MaxWatermarkCount {
		return fmt.Errorf("too many watermarks: %w", pmm.ErrInvalidArgs)
	}

	v := newValidator()
	if err := v.Struct(c); err != nil {
		return err
	}

	log.Debug("configuration is valid")
	return nil
}

// BuildArenas returns the configured arena descriptors, or a single
// arena sized from the host's total memory when none were configured.
func (c *Config) BuildArenas() ([]pmm.ArenaInfo, error) {
	if len(c.Arenas) > 0 {
		infos := make([]pmm.ArenaInfo, len(c.Arenas))
		for i, a := range c.Arenas {
			infos[i] = pmm.ArenaInfo{
				Name:     a.Name,
				Base:     pageAddr(a.Base),
				Size:     a.Size,
				Priority: a.Priority,
			}
		}
		return infos, nil
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		return nil, fmt.Errorf("failed to get VirtualMemory: %s", err)
	}
	size := vm.Total * uint64(c.AutoArenaPercent) / 100 / pmm.PageSize * pmm.PageSize
	if size == 0 {
		size = pmm.PageSize * 1024
	}
	log.Infof("auto arena sized to %d bytes (%d%% of host memory)", size, c.AutoArenaPercent)
	return []pmm.ArenaInfo{{
		Name: "auto",
		Base: pageAddr(defaultAutoArenaBase),
		Size: size,
	}}, nil
}

// Intervals parses the duration knobs.
func (c *Config) Intervals() (rotation, continuous, sweep time.Duration, err error) {
	rotation, err = parseInterval(c.RotationInterval)
	if err != nil {
		return
	}
	continuous, err = parseInterval(c.Eviction.ContinuousInterval)
	if err != nil {
		return
	}
	sweep, err = parseInterval(c.Borrow.SweepInterval)
	return
}

func parseInterval(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		if seconds, serr := strconv.Atoi(s); serr == nil {
			return time.Duration(seconds) * time.Second, nil
		}
		return 0, err
	}
	return d, nil
}
