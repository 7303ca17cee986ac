package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config defines runtime configuration loaded from YAML and/or flags.
type Config struct {
	NodeID         string        `yaml:"node_id"`
	DataDir        string        `yaml:"data_dir"`
	RaftAddr       string        `yaml:"raft_addr"`
	HTTPAddr       string        `yaml:"http_addr"`
	Bootstrap      bool          `yaml:"bootstrap"`
	BarrierTimeout time.Duration `yaml:"barrier_timeout"`

	// Fanout is the default fanout for trees created without one.
	Fanout         int    `yaml:"fanout"`
	Compress       bool   `yaml:"compress"`
	PersistOnClose bool   `yaml:"persist_on_close"`
	LogLevel       string `yaml:"log_level"`
	LogJSON        bool   `yaml:"log_json"`
}

// Load reads a YAML config file from path. If path is empty or the file
// does not exist, returns an empty Config and nil error.
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close config file %q: %v\n", path, closeErr)
		}
	}()
	return Decode(f)
}

// Decode parses YAML configuration from r. Unknown fields are rejected.
func Decode(r io.Reader) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
