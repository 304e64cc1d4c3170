package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const (
	// DefaultFileWriteDelay absorbs editors that trigger a filesystem
	// change event before the write is actually flushed, grounded on the
	// teacher's config.Load.
	DefaultFileWriteDelay = 150 * time.Millisecond

	reloadDebounce = 500 * time.Millisecond
)

var (
	lastReload  time.Time
	reloadMutex sync.Mutex
)

// DefaultConfig returns a configuration with every tunable set to a safe
// starting point: tunables, the global HTTP health-check timings and
// logging defaults, with no listeners, no control socket and no discovery
// sources. A real deployment overrides all of this from a config file.
func DefaultConfig() *Config {
	return &Config{
		Tunables: TunablesConfig{
			TCPStockLimit:     256,
			PopulateIOBuffers: false,
		},
		GlobalHTTPCheck: GlobalHTTPCheckConfig{
			CheckInterval: 5 * time.Second,
			CheckTimeout:  2 * time.Second,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Theme:      "default",
			PrettyLogs: true,
		},
	}
}

// Load reads the lb.conf-equivalent YAML file plus GOLB_-prefixed
// environment overrides, grounded on the teacher's config.Load's
// viper+fsnotify wiring: same SetEnvPrefix/AutomaticEnv/WatchConfig shape,
// retargeted at this package's section names. onConfigChange, if non-nil, is
// invoked (debounced) whenever the file changes on disk; it does not by
// itself call Build or re-wire a running Instance — the caller decides how
// to react, typically by calling RELOAD_STATE-equivalent logic.
func Load(onConfigChange func()) (*Config, error) {
	cfg := DefaultConfig()

	viper.SetConfigName("lb")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/cm4all/golb")

	viper.SetEnvPrefix("GOLB")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if configFile := os.Getenv("GOLB_CONFIG_FILE"); configFile != "" {
			viper.SetConfigFile(configFile)
			if err := viper.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
			}
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if onConfigChange != nil {
		viper.WatchConfig()
		viper.OnConfigChange(func(e fsnotify.Event) {
			reloadMutex.Lock()
			defer reloadMutex.Unlock()

			now := time.Now()
			if now.Sub(lastReload) < reloadDebounce {
				return
			}
			lastReload = now

			time.Sleep(DefaultFileWriteDelay)
			onConfigChange()
		})
	}
	return cfg, nil
}
