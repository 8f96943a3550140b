// Package config holds the settings of a zombiefinder run.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultMinAgeSecs gives handle owners a moment to release handles after a process exits
const DefaultMinAgeSecs = 3

// ErrNotDirectory is returned when the diagnostic directory is missing or not a directory
var ErrNotDirectory = errors.New("diag argument is not a directory")

// Config is read from a YAML file; command-line flags that were set override it
type Config struct {
	MinAgeSecs uint64 `yaml:"min_age_secs"`
	Details    bool   `yaml:"details"`
	CSV        bool   `yaml:"csv"`
	Out        string `yaml:"out"`
	DiagDir    string `yaml:"diag_dir"`
}

func Default() Config {
	return Config{MinAgeSecs: DefaultMinAgeSecs}
}

// Load reads path over the defaults. Unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate normalizes DiagDir and checks that it exists
func (c *Config) Validate() error {
	if c.DiagDir == "" {
		return nil
	}
	// keep a root like "/" or `C:\` intact
	trimmed := strings.TrimRight(c.DiagDir, `\/`)
	if trimmed != "" && !strings.HasSuffix(trimmed, ":") {
		c.DiagDir = trimmed
	}

	info, err := os.Stat(c.DiagDir)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%w: %s", ErrNotDirectory, c.DiagDir)
	}
	return nil
}
