package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/nodemesh/meshnode/internal/config"
	"github.com/nodemesh/meshnode/internal/nodelog"
)

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	nodelog.Init(nodelog.Config{
		Level:      nodelog.Level(logLevel),
		JSONOutput: logJSON,
	})
}

// loadConfig reads a YAML config file at path into a config.Config seeded
// with Default(), so any field the file omits keeps its documented
// default. An empty path is not an error: it yields Default() unchanged,
// for the zero-config quickstart path.
func loadConfig(path string) (config.Config, error) {
	cfg := config.Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %q: %w", path, err)
	}
	return cfg, nil
}
