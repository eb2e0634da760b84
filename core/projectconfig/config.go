package projectconfig

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/complykit/casereview/core/workflow"
)

const DefaultPath = ".casereview/config.yaml"

// Config is the full external configuration surface: backup retention, lock
// timings, identity retry bound, and classification thresholds. Nothing here
// is hardcoded in the engine.
type Config struct {
	Storage    StorageConfig       `yaml:"storage"`
	Lock       LockConfig          `yaml:"lock"`
	Identity   IdentityConfig      `yaml:"identity"`
	Assessment workflow.Thresholds `yaml:"assessment"`
}

type StorageConfig struct {
	Root            string `yaml:"root"`
	BackupRetention int    `yaml:"backup_retention"`
}

type LockConfig struct {
	Timeout    string `yaml:"timeout"`
	Retry      string `yaml:"retry"`
	StaleAfter string `yaml:"stale_after"`
	FailFast   bool   `yaml:"fail_fast"`
}

type IdentityConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
}

func Default() Config {
	return Config{
		Storage: StorageConfig{
			Root:            "./casereview-data",
			BackupRetention: 5,
		},
		Lock: LockConfig{
			Timeout:    "10s",
			Retry:      "50ms",
			StaleAfter: "5m",
		},
		Identity: IdentityConfig{
			MaxAttempts: 10,
		},
		Assessment: workflow.DefaultThresholds(),
	}
}

func Load(path string, allowMissing bool) (Config, error) {
	trimmedPath := strings.TrimSpace(path)
	if trimmedPath == "" {
		return Config{}, fmt.Errorf("config path is required")
	}
	// #nosec G304 -- config path is explicit local user input.
	content, err := os.ReadFile(trimmedPath)
	if err != nil {
		if os.IsNotExist(err) && allowMissing {
			return Default(), nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	config := Config{}
	if err := yaml.Unmarshal(content, &config); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return config.withDefaults(), nil
}

func (c Config) withDefaults() Config {
	defaults := Default()
	if strings.TrimSpace(c.Storage.Root) == "" {
		c.Storage.Root = defaults.Storage.Root
	}
	if c.Storage.BackupRetention <= 0 {
		c.Storage.BackupRetention = defaults.Storage.BackupRetention
	}
	if strings.TrimSpace(c.Lock.Timeout) == "" {
		c.Lock.Timeout = defaults.Lock.Timeout
	}
	if strings.TrimSpace(c.Lock.Retry) == "" {
		c.Lock.Retry = defaults.Lock.Retry
	}
	if strings.TrimSpace(c.Lock.StaleAfter) == "" {
		c.Lock.StaleAfter = defaults.Lock.StaleAfter
	}
	if c.Identity.MaxAttempts <= 0 {
		c.Identity.MaxAttempts = defaults.Identity.MaxAttempts
	}
	if c.Assessment == (workflow.Thresholds{}) {
		c.Assessment = defaults.Assessment
	}
	return c
}

// Durations parses the lock timing strings; a malformed value is a config
// error, never silently replaced.
func (l LockConfig) Durations() (timeout, retry, staleAfter time.Duration, err error) {
	timeout, err = time.ParseDuration(l.Timeout)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("parse lock timeout: %w", err)
	}
	retry, err = time.ParseDuration(l.Retry)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("parse lock retry: %w", err)
	}
	staleAfter, err = time.ParseDuration(l.StaleAfter)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("parse lock stale_after: %w", err)
	}
	return timeout, retry, staleAfter, nil
}
